package budget

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"
)

// MetricSeries enumerates the independent value series tracked per dimension.
type MetricSeries string

const (
	// SeriesQuantity is volume in kilograms.
	SeriesQuantity MetricSeries = "KGS"
	// SeriesRevenue is sales amount.
	SeriesRevenue MetricSeries = "AMOUNT"
	// SeriesMargin is margin over raw material.
	SeriesMargin MetricSeries = "MORM"
)

// AllSeries lists every series in reporting order.
var AllSeries = []MetricSeries{SeriesQuantity, SeriesRevenue, SeriesMargin}

// Valid reports whether the series is known.
func (s MetricSeries) Valid() bool {
	switch s {
	case SeriesQuantity, SeriesRevenue, SeriesMargin:
		return true
	}
	return false
}

// DataType distinguishes fact rows.
type DataType string

const (
	// DataActual marks recorded sales.
	DataActual DataType = "ACTUAL"
	// DataEstimate marks distributed projections.
	DataEstimate DataType = "ESTIMATE"
)

// DocumentKind identifies the budget workflow a document belongs to.
type DocumentKind string

const (
	// KindSalesRep is a per-owner budget.
	KindSalesRep DocumentKind = "SALES_REP"
	// KindDivisional is a division-wide budget.
	KindDivisional DocumentKind = "DIVISIONAL"
)

// ParseKind accepts the canonical value and the dashed URL/CLI form.
func ParseKind(v string) (DocumentKind, error) {
	switch strings.ToUpper(strings.ReplaceAll(strings.TrimSpace(v), "-", "_")) {
	case string(KindSalesRep):
		return KindSalesRep, nil
	case string(KindDivisional):
		return KindDivisional, nil
	}
	return "", fmt.Errorf("budget: unknown document kind %q", v)
}

// Slug renders the kind for URLs and file names.
func (k DocumentKind) Slug() string {
	return strings.ToLower(strings.ReplaceAll(string(k), "_", "-"))
}

// DimensionKey identifies one budget line.
type DimensionKey struct {
	SalesRep     string `json:"sales_rep"`
	Customer     string `json:"customer"`
	Country      string `json:"country"`
	ProductGroup string `json:"product_group"`
	Material     string `json:"material"`
	Process      string `json:"process"`
}

func (k DimensionKey) less(o DimensionKey) bool {
	a := [...]string{k.SalesRep, k.Customer, k.Country, k.ProductGroup, k.Material, k.Process}
	b := [...]string{o.SalesRep, o.Customer, o.Country, o.ProductGroup, o.Material, o.Process}
	for i := range a {
		if a[i] != b[i] {
			return a[i] < b[i]
		}
	}
	return false
}

// ActualRow is one aggregated fact value.
type ActualRow struct {
	Key    DimensionKey
	Month  int
	Series MetricSeries
	Value  float64
}

// EstimateRequest asks for a projection of the given months.
type EstimateRequest struct {
	Division string `json:"division" validate:"required"`
	Year     int    `json:"year" validate:"required,min=2000,max=2100"`
	Months   []int  `json:"months" validate:"required,min=1,max=12,dive,min=1,max=12"`
	ActorID  string `json:"actor_id"`
}

// Validate ensures correctness.
func (r EstimateRequest) Validate() error {
	if strings.TrimSpace(r.Division) == "" {
		return fmt.Errorf("%w: division required", ErrInvalidRequest)
	}
	if r.Year < 2000 || r.Year > 2100 {
		return fmt.Errorf("%w: year %d out of range", ErrInvalidRequest, r.Year)
	}
	if len(r.Months) == 0 {
		return fmt.Errorf("%w: at least one month required", ErrInvalidRequest)
	}
	seen := make(map[int]struct{}, len(r.Months))
	for _, m := range r.Months {
		if m < 1 || m > 12 {
			return fmt.Errorf("%w: month %d out of range", ErrInvalidRequest, m)
		}
		if _, dup := seen[m]; dup {
			return fmt.Errorf("%w: month %d repeated", ErrInvalidRequest, m)
		}
		seen[m] = struct{}{}
	}
	return nil
}

// MonthTotal summarises one target month across series.
type MonthTotal struct {
	Month    int     `json:"month"`
	Quantity float64 `json:"quantity"`
	Revenue  float64 `json:"revenue"`
	Margin   float64 `json:"margin"`
}

// EstimateLine is the distributed value of one dimension in one month.
type EstimateLine struct {
	Key    DimensionKey             `json:"key"`
	Month  int                      `json:"month"`
	Values map[MetricSeries]float64 `json:"values"`
}

// Estimate is the outcome of proportional distribution.
type Estimate struct {
	Division      string                   `json:"division"`
	Year          int                      `json:"year"`
	BasePeriod    []int                    `json:"base_period"`
	TargetMonths  []int                    `json:"target_months"`
	BaseTotals    map[MetricSeries]float64 `json:"base_totals"`
	MonthlyTotals map[MetricSeries]float64 `json:"monthly_totals"`
	Months        []MonthTotal             `json:"months"`
	Lines         []EstimateLine           `json:"lines"`
}

// EstimateResult reports a persisted estimate.
type EstimateResult struct {
	Estimate Estimate `json:"estimate"`
	Deleted  int64    `json:"deleted"`
	Inserted int      `json:"inserted"`
}

// BudgetKey identifies one replaceable budget.
type BudgetKey struct {
	Kind     DocumentKind `json:"kind"`
	Division string       `json:"division"`
	SalesRep string       `json:"sales_rep,omitempty"`
	Year     int          `json:"year"`
}

// Validate ensures the key addresses exactly one budget.
func (k BudgetKey) Validate() error {
	if k.Kind != KindSalesRep && k.Kind != KindDivisional {
		return fmt.Errorf("%w: unknown kind %q", ErrInvalidRequest, k.Kind)
	}
	if strings.TrimSpace(k.Division) == "" {
		return fmt.Errorf("%w: division required", ErrInvalidRequest)
	}
	if k.Kind == KindSalesRep && strings.TrimSpace(k.SalesRep) == "" {
		return fmt.Errorf("%w: sales rep required", ErrInvalidRequest)
	}
	if k.Year <= 0 {
		return fmt.Errorf("%w: year required", ErrInvalidRequest)
	}
	return nil
}

func (k BudgetKey) String() string {
	if k.Kind == KindDivisional {
		return fmt.Sprintf("%s/%d", k.Division, k.Year)
	}
	return fmt.Sprintf("%s/%s/%d", k.Division, k.SalesRep, k.Year)
}

// BudgetRecord is one monthly quantity in KGS.
type BudgetRecord struct {
	Customer     string  `json:"customer"`
	Country      string  `json:"country"`
	ProductGroup string  `json:"productGroup"`
	Month        int     `json:"month"`
	Value        float64 `json:"value"`
}

// Metadata describes an embedded document payload.
type Metadata struct {
	Division      string     `json:"division"`
	SalesRep      *string    `json:"salesRep"`
	BudgetYear    int        `json:"budgetYear"`
	FormatVersion string     `json:"formatVersion"`
	DataFormat    string     `json:"dataFormat"`
	IsDraft       bool       `json:"isDraft,omitempty"`
	ExportedAt    *time.Time `json:"exportedAt,omitempty"`
	SavedAt       *time.Time `json:"savedAt,omitempty"`
}

// Key resolves the budget key the metadata targets.
func (m Metadata) Key(kind DocumentKind) BudgetKey {
	key := BudgetKey{Kind: kind, Division: strings.TrimSpace(m.Division), Year: m.BudgetYear}
	if kind == KindSalesRep && m.SalesRep != nil {
		key.SalesRep = strings.TrimSpace(*m.SalesRep)
	}
	return key
}

// PricingRecord is the reference price of a product group.
type PricingRecord struct {
	ProductGroup string  `json:"product_group"`
	SellingPrice float64 `json:"selling_price"`
	MarginRate   float64 `json:"margin_rate"`
}

// Provenance records where an imported budget came from.
type Provenance struct {
	ImportID   string    `json:"import_id"`
	SourceFile string    `json:"source_file"`
	FileHash   string    `json:"file_hash"`
	ImportedBy string    `json:"imported_by"`
	ImportedAt time.Time `json:"imported_at"`
}

// BudgetSummary is the advisory view of an existing budget.
type BudgetSummary struct {
	RowCount   int
	LastImport *Provenance
}

// Totals are feedback figures, never persisted.
type Totals struct {
	Quantity float64 `json:"quantity"`
	Revenue  float64 `json:"revenue"`
	Margin   float64 `json:"margin"`
}

// RecordIssue explains why a record was skipped.
type RecordIssue struct {
	Index   int      `json:"index"`
	Reasons []string `json:"reasons"`
}

// ImportOutcome reports an import back to the caller.
type ImportOutcome struct {
	Key           BudgetKey            `json:"key"`
	ImportID      string               `json:"import_id"`
	ExistingCount int                  `json:"existing_count"`
	LastImport    *Provenance          `json:"last_import,omitempty"`
	Deleted       int64                `json:"deleted"`
	Inserted      map[MetricSeries]int `json:"inserted"`
	Totals        Totals               `json:"totals"`
	Skipped       []RecordIssue        `json:"skipped,omitempty"`
	SkippedCount  int                  `json:"skipped_count"`
	Errors        []string             `json:"errors,omitempty"`
}

// SheetRow is one editable line of an exported document.
type SheetRow struct {
	Customer     string      `json:"customer"`
	Country      string      `json:"country"`
	ProductGroup string      `json:"productGroup"`
	Actual       [12]float64 `json:"actual"`
	Budget       [12]float64 `json:"budget"`
}

// Sheet is the actual-vs-budget table handed to the encoder.
type Sheet struct {
	Key          BudgetKey       `json:"key"`
	ActualYear   int             `json:"actual_year"`
	Rows         []SheetRow      `json:"rows"`
	Pricing      []PricingRecord `json:"pricing"`
	ActualTotals [12]float64     `json:"actual_totals"`
	GeneratedAt  time.Time       `json:"generated_at"`
}

// SheetLine is a flat quantity row used to assemble a Sheet.
type SheetLine struct {
	Customer     string
	Country      string
	ProductGroup string
	Month        int
	Value        float64
}

type sheetRowKey struct {
	customer, country, productGroup string
}

// AssembleSheet pivots actual and budget lines into sheet rows.
func AssembleSheet(key BudgetKey, actual, budget []SheetLine, pricing []PricingRecord, now time.Time) Sheet {
	sheet := Sheet{Key: key, ActualYear: key.Year - 1, Pricing: pricing, GeneratedAt: now}
	index := make(map[sheetRowKey]int)
	row := func(l SheetLine) *SheetRow {
		k := sheetRowKey{l.Customer, l.Country, l.ProductGroup}
		if key.Kind == KindDivisional {
			k = sheetRowKey{productGroup: l.ProductGroup}
		}
		i, ok := index[k]
		if !ok {
			i = len(sheet.Rows)
			index[k] = i
			sheet.Rows = append(sheet.Rows, SheetRow{Customer: k.customer, Country: k.country, ProductGroup: k.productGroup})
		}
		return &sheet.Rows[i]
	}
	for _, l := range actual {
		if l.Month < 1 || l.Month > 12 {
			continue
		}
		row(l).Actual[l.Month-1] += l.Value
		sheet.ActualTotals[l.Month-1] += l.Value
	}
	for _, l := range budget {
		if l.Month < 1 || l.Month > 12 {
			continue
		}
		row(l).Budget[l.Month-1] += l.Value
	}
	sort.SliceStable(sheet.Rows, func(i, j int) bool {
		a, b := sheet.Rows[i], sheet.Rows[j]
		if a.ProductGroup != b.ProductGroup {
			return a.ProductGroup < b.ProductGroup
		}
		if a.Customer != b.Customer {
			return a.Customer < b.Customer
		}
		return a.Country < b.Country
	})
	return sheet
}

var (
	// ErrInvalidRequest occurs when caller input is malformed.
	ErrInvalidRequest = errors.New("budget: invalid request")
	// ErrNoBasePeriod occurs when every actual month is also a target month.
	ErrNoBasePeriod = errors.New("budget: no base period available")
	// ErrDocumentTypeMismatch occurs when a document is sent to the wrong importer.
	ErrDocumentTypeMismatch = errors.New("budget: document type mismatch")
	// ErrDocumentVersion occurs when the signature names an unsupported protocol.
	ErrDocumentVersion = errors.New("budget: unsupported document version")
	// ErrDocumentMissingData occurs when the embedded payload cannot be extracted.
	ErrDocumentMissingData = errors.New("budget: document missing budget data")
	// ErrDraftRejected occurs when a draft is submitted for import.
	ErrDraftRejected = errors.New("budget: draft documents cannot be imported")
	// ErrMetadataInvalid aggregates metadata schema violations.
	ErrMetadataInvalid = errors.New("budget: metadata invalid")
	// ErrRecordsShape occurs when the records payload is not a bounded array.
	ErrRecordsShape = errors.New("budget: records invalid")
	// ErrTooManyInvalid occurs when the invalid-record ratio exceeds the gate.
	ErrTooManyInvalid = errors.New("budget: too many invalid records")
	// ErrPersistence wraps any failure inside the write transaction.
	ErrPersistence = errors.New("budget: persistence failed")
)

// ImportError carries the failing stage and user-facing detail.
type ImportError struct {
	Stage   int
	Err     error
	Message string
	Details []string
}

// NewImportError builds an ImportError.
func NewImportError(stage int, err error, message string, details ...string) *ImportError {
	return &ImportError{Stage: stage, Err: err, Message: message, Details: details}
}

func (e *ImportError) Error() string {
	msg := e.Err.Error()
	if e.Message != "" {
		msg += ": " + e.Message
	}
	if len(e.Details) > 0 {
		msg += " (" + strings.Join(e.Details, "; ") + ")"
	}
	return msg
}

func (e *ImportError) Unwrap() error {
	return e.Err
}

// ProblemDetails lists the individual violations.
func (e *ImportError) ProblemDetails() []string {
	return e.Details
}
