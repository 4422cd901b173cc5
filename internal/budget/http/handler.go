package budgethttp

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"
	"github.com/hibiken/asynq"

	"github.com/odyssey-erp/salesbudget/internal/budget"
	"github.com/odyssey-erp/salesbudget/internal/budget/document"
	"github.com/odyssey-erp/salesbudget/internal/budget/importer"
	"github.com/odyssey-erp/salesbudget/internal/platform/httpx"
	"github.com/odyssey-erp/salesbudget/jobs"
)

// DefaultMaxUpload bounds uploaded documents.
const DefaultMaxUpload = 32 << 20

// ActorHeader carries the authenticated user id set by the upstream gateway.
const ActorHeader = "X-Actor-ID"

type budgetService interface {
	CalculateEstimate(ctx context.Context, req budget.EstimateRequest) (budget.Estimate, error)
	SaveEstimate(ctx context.Context, req budget.EstimateRequest) (budget.EstimateResult, error)
	ResolvePricing(ctx context.Context, division string, year int) (*budget.PriceBook, error)
	BuildSheet(ctx context.Context, key budget.BudgetKey) (budget.Sheet, error)
}

type documentImporter interface {
	Import(ctx context.Context, req importer.Request) (budget.ImportOutcome, error)
}

type sheetEncoder interface {
	Encode(w io.Writer, sheet budget.Sheet) error
}

type estimateQueue interface {
	EnqueueBudgetEstimate(ctx context.Context, payload jobs.BudgetEstimatePayload) (*asynq.TaskInfo, error)
}

// Handler exposes estimate, pricing, export and import endpoints.
type Handler struct {
	logger    *slog.Logger
	service   budgetService
	importer  documentImporter
	encoder   sheetEncoder
	queue     estimateQueue
	validate  *validator.Validate
	maxUpload int64
}

// NewHandler constructs the budget HTTP handler. queue may be nil when no
// worker is configured.
func NewHandler(logger *slog.Logger, service budgetService, imp documentImporter, encoder sheetEncoder, queue estimateQueue) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{
		logger:    logger,
		service:   service,
		importer:  imp,
		encoder:   encoder,
		queue:     queue,
		validate:  validator.New(),
		maxUpload: DefaultMaxUpload,
	}
}

// WithMaxUpload overrides the upload limit. Non-positive values are ignored.
func (h *Handler) WithMaxUpload(n int64) *Handler {
	if n > 0 {
		h.maxUpload = n
	}
	return h
}

// MountRoutes registers HTTP routes.
func (h *Handler) MountRoutes(r chi.Router) {
	r.Route("/budget", func(r chi.Router) {
		r.Route("/estimates", func(r chi.Router) {
			r.Post("/", h.saveEstimate)
			r.Post("/preview", h.previewEstimate)
			r.Post("/async", h.enqueueEstimate)
		})
		r.Get("/pricing/{division}/{year}", h.pricing)
		r.Route("/export", func(r chi.Router) {
			r.Get("/sales-rep/{division}/{salesRep}/{year}", h.exportSalesRep)
			r.Get("/divisional/{division}/{year}", h.exportDivisional)
		})
		r.Route("/import", func(r chi.Router) {
			r.Post("/sales-rep", h.importDocument(budget.KindSalesRep))
			r.Post("/divisional", h.importDocument(budget.KindDivisional))
		})
	})
}

var errorMappings = []httpx.ErrorMapping{
	{Target: budget.ErrInvalidRequest, Status: http.StatusBadRequest, Title: "Invalid Request"},
	{Target: budget.ErrDocumentTypeMismatch, Status: http.StatusConflict, Title: "Wrong Document Type"},
	{Target: budget.ErrNoBasePeriod, Status: http.StatusUnprocessableEntity, Title: "No Base Period"},
	{Target: budget.ErrDocumentVersion, Status: http.StatusUnprocessableEntity, Title: "Unsupported Document Version"},
	{Target: budget.ErrDocumentMissingData, Status: http.StatusUnprocessableEntity, Title: "Missing Budget Data"},
	{Target: budget.ErrDraftRejected, Status: http.StatusUnprocessableEntity, Title: "Draft Not Importable"},
	{Target: budget.ErrMetadataInvalid, Status: http.StatusUnprocessableEntity, Title: "Invalid Metadata"},
	{Target: budget.ErrRecordsShape, Status: http.StatusUnprocessableEntity, Title: "Invalid Records"},
	{Target: budget.ErrTooManyInvalid, Status: http.StatusUnprocessableEntity, Title: "Too Many Invalid Records"},
	{Target: budget.ErrPersistence, Status: http.StatusInternalServerError, Title: "Persistence Failed"},
}

func (h *Handler) fail(w http.ResponseWriter, r *http.Request, err error) {
	if !isKnown(err) {
		h.logger.Error("budget request", slog.String("path", r.URL.Path), slog.Any("error", err))
	}
	httpx.RespondError(w, err, errorMappings...)
}

func isKnown(err error) bool {
	for _, m := range errorMappings {
		if errors.Is(err, m.Target) {
			return true
		}
	}
	return false
}

func (h *Handler) decodeEstimate(w http.ResponseWriter, r *http.Request) (budget.EstimateRequest, bool) {
	var req budget.EstimateRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Invalid Request", "request body must be a JSON estimate request")
		return req, false
	}
	if err := h.validate.Struct(req); err != nil {
		var details []string
		var fieldErrs validator.ValidationErrors
		if errors.As(err, &fieldErrs) {
			for _, fe := range fieldErrs {
				details = append(details, fmt.Sprintf("%s failed %s", fe.Namespace(), fe.Tag()))
			}
		}
		httpx.Problem(w, http.StatusBadRequest, "Invalid Request", "estimate request failed validation", details...)
		return req, false
	}
	if req.ActorID == "" {
		req.ActorID = r.Header.Get(ActorHeader)
	}
	return req, true
}

func (h *Handler) previewEstimate(w http.ResponseWriter, r *http.Request) {
	req, ok := h.decodeEstimate(w, r)
	if !ok {
		return
	}
	est, err := h.service.CalculateEstimate(r.Context(), req)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	httpx.JSON(w, http.StatusOK, est)
}

func (h *Handler) saveEstimate(w http.ResponseWriter, r *http.Request) {
	req, ok := h.decodeEstimate(w, r)
	if !ok {
		return
	}
	res, err := h.service.SaveEstimate(r.Context(), req)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	httpx.JSON(w, http.StatusOK, res)
}

func (h *Handler) enqueueEstimate(w http.ResponseWriter, r *http.Request) {
	req, ok := h.decodeEstimate(w, r)
	if !ok {
		return
	}
	if err := req.Validate(); err != nil {
		h.fail(w, r, err)
		return
	}
	if h.queue == nil {
		httpx.Problem(w, http.StatusServiceUnavailable, "Queue Unavailable", "background estimates are not configured")
		return
	}
	info, err := h.queue.EnqueueBudgetEstimate(r.Context(), jobs.BudgetEstimatePayload{
		Division: req.Division,
		Year:     req.Year,
		Months:   req.Months,
		ActorID:  req.ActorID,
	})
	if err != nil {
		h.logger.Error("enqueue estimate", slog.String("division", req.Division), slog.Any("error", err))
		httpx.Problem(w, http.StatusServiceUnavailable, "Queue Unavailable", "")
		return
	}
	httpx.JSON(w, http.StatusAccepted, map[string]string{"task_id": info.ID, "queue": info.Queue})
}

func (h *Handler) pricing(w http.ResponseWriter, r *http.Request) {
	year, ok := yearParam(w, r)
	if !ok {
		return
	}
	book, err := h.service.ResolvePricing(r.Context(), chi.URLParam(r, "division"), year)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	httpx.JSON(w, http.StatusOK, book)
}

func (h *Handler) exportSalesRep(w http.ResponseWriter, r *http.Request) {
	year, ok := yearParam(w, r)
	if !ok {
		return
	}
	h.export(w, r, budget.BudgetKey{
		Kind:     budget.KindSalesRep,
		Division: chi.URLParam(r, "division"),
		SalesRep: chi.URLParam(r, "salesRep"),
		Year:     year,
	})
}

func (h *Handler) exportDivisional(w http.ResponseWriter, r *http.Request) {
	year, ok := yearParam(w, r)
	if !ok {
		return
	}
	h.export(w, r, budget.BudgetKey{Kind: budget.KindDivisional, Division: chi.URLParam(r, "division"), Year: year})
}

func (h *Handler) export(w http.ResponseWriter, r *http.Request, key budget.BudgetKey) {
	sheet, err := h.service.BuildSheet(r.Context(), key)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	var buf bytes.Buffer
	if err := h.encoder.Encode(&buf, sheet); err != nil {
		h.logger.Error("encode budget document", slog.String("key", key.String()), slog.Any("error", err))
		httpx.Problem(w, http.StatusInternalServerError, "Internal Error", "")
		return
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", document.FileName(key)))
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(buf.Bytes())
}

func (h *Handler) importDocument(kind budget.DocumentKind) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		r.Body = http.MaxBytesReader(w, r.Body, h.maxUpload)
		if err := r.ParseMultipartForm(h.maxUpload); err != nil {
			httpx.Problem(w, http.StatusBadRequest, "Invalid Upload", "expected a multipart form with a file field")
			return
		}
		file, header, err := r.FormFile("file")
		if err != nil {
			httpx.Problem(w, http.StatusBadRequest, "Invalid Upload", "file field is required")
			return
		}
		defer file.Close()
		content, err := io.ReadAll(file)
		if err != nil {
			httpx.Problem(w, http.StatusBadRequest, "Invalid Upload", "file could not be read")
			return
		}
		outcome, err := h.importer.Import(r.Context(), importer.Request{
			Kind:             kind,
			FileName:         header.Filename,
			Content:          content,
			ActorID:          r.Header.Get(ActorHeader),
			ExpectedDivision: r.FormValue("division"),
		})
		if err != nil {
			h.fail(w, r, err)
			return
		}
		httpx.JSON(w, http.StatusOK, outcome)
	}
}

func yearParam(w http.ResponseWriter, r *http.Request) (int, bool) {
	year, err := strconv.Atoi(chi.URLParam(r, "year"))
	if err != nil || year <= 0 {
		httpx.Problem(w, http.StatusBadRequest, "Invalid Request", "year must be a positive integer")
		return 0, false
	}
	return year, true
}
