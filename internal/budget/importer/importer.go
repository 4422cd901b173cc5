// Package importer turns an uploaded budget document into a persisted budget.
package importer

import (
	"context"
	"encoding/hex"
	"errors"
	"log/slog"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	"golang.org/x/crypto/blake2b"

	"github.com/odyssey-erp/salesbudget/internal/budget"
	"github.com/odyssey-erp/salesbudget/internal/budget/validation"
)

// Replacer persists a validated budget.
type Replacer interface {
	ReplaceBudget(ctx context.Context, key budget.BudgetKey, records []budget.BudgetRecord, prov budget.Provenance) (budget.ImportOutcome, error)
}

// Request is one uploaded document.
type Request struct {
	Kind             budget.DocumentKind
	FileName         string
	Content          []byte
	ActorID          string
	ExpectedDivision string
}

// Importer runs the validation pipeline and the replace.
type Importer struct {
	pipeline *validation.Pipeline
	replacer Replacer
	metrics  *budget.Metrics
	logger   *slog.Logger
	now      func() time.Time
	newID    func() string
}

// New constructs an Importer.
func New(pipeline *validation.Pipeline, replacer Replacer, metrics *budget.Metrics, logger *slog.Logger) *Importer {
	if logger == nil {
		logger = slog.Default()
	}
	return &Importer{
		pipeline: pipeline,
		replacer: replacer,
		metrics:  metrics,
		logger:   logger,
		now:      time.Now,
		newID:    func() string { return uuid.NewString() },
	}
}

// Import validates and persists req. Rejections are *budget.ImportError.
func (i *Importer) Import(ctx context.Context, req Request) (budget.ImportOutcome, error) {
	logger := i.logger.With(slog.String("kind", string(req.Kind)), slog.String("file", req.FileName))

	res, err := i.pipeline.Process(req.Content, req.Kind, req.ExpectedDivision)
	if err != nil {
		var importErr *budget.ImportError
		if errors.As(err, &importErr) {
			logger.Warn("budget import rejected", slog.Int("stage", importErr.Stage), slog.Any("error", err))
		} else {
			logger.Error("budget import", slog.Any("error", err))
		}
		i.metrics.ObserveImport(req.Kind, "rejected", 0)
		return budget.ImportOutcome{}, err
	}

	prov := Provenance(req, i.newID(), i.now().UTC())
	outcome, err := i.replacer.ReplaceBudget(ctx, res.Key, res.Records, prov)
	if err != nil {
		logger.Error("budget import persist", slog.String("key", res.Key.String()), slog.Any("error", err))
		i.metrics.ObserveImport(req.Kind, "failed", 0)
		return budget.ImportOutcome{}, err
	}
	outcome.Skipped = res.Skipped
	outcome.SkippedCount = len(res.Skipped)
	if res.Legacy {
		outcome.Errors = append(outcome.Errors, "document uses the legacy unlabeled data block; re-export to upgrade")
	}

	i.metrics.ObserveImport(req.Kind, "imported", outcome.SkippedCount)
	logger.Info("budget imported",
		slog.String("key", res.Key.String()),
		slog.String("import_id", outcome.ImportID),
		slog.Int("existing", outcome.ExistingCount),
		slog.Int("inserted", outcome.Inserted[budget.SeriesQuantity]),
		slog.Int("skipped", outcome.SkippedCount))
	return outcome, nil
}

// Provenance fingerprints the uploaded file.
func Provenance(req Request, importID string, at time.Time) budget.Provenance {
	sum := blake2b.Sum256(req.Content)
	name := ""
	if req.FileName != "" {
		name = filepath.Base(req.FileName)
	}
	return budget.Provenance{
		ImportID:   importID,
		SourceFile: name,
		FileHash:   hex.EncodeToString(sum[:]),
		ImportedBy: req.ActorID,
		ImportedAt: at,
	}
}
