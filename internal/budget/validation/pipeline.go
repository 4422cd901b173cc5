// Package validation gates decoded budget documents before anything is
// persisted.
package validation

import (
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"reflect"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"

	"github.com/odyssey-erp/salesbudget/internal/budget"
	"github.com/odyssey-erp/salesbudget/internal/budget/document"
)

// maxReportedIssues bounds the details attached to a rejected import.
const maxReportedIssues = 20

// Limits bounds what an import may contain.
type Limits struct {
	MinYear         int
	MaxYear         int
	MaxRecords      int
	MaxValue        float64
	MaxInvalidRatio float64
}

// DefaultLimits returns the production limits.
func DefaultLimits() Limits {
	return Limits{
		MinYear:         2020,
		MaxYear:         2100,
		MaxRecords:      10000,
		MaxValue:        1e9,
		MaxInvalidRatio: 0.10,
	}
}

// Result is a document that passed every stage.
type Result struct {
	Kind     budget.DocumentKind
	Key      budget.BudgetKey
	Metadata budget.Metadata
	Records  []budget.BudgetRecord
	Skipped  []budget.RecordIssue
	Total    int
	Legacy   bool
}

// Pipeline runs the import stages in order.
type Pipeline struct {
	limits   Limits
	validate *validator.Validate
}

// New constructs a pipeline. Zero limits fall back to the defaults.
func New(limits Limits) *Pipeline {
	def := DefaultLimits()
	if limits.MinYear == 0 {
		limits.MinYear = def.MinYear
	}
	if limits.MaxYear == 0 {
		limits.MaxYear = def.MaxYear
	}
	if limits.MaxRecords <= 0 {
		limits.MaxRecords = def.MaxRecords
	}
	if limits.MaxValue <= 0 {
		limits.MaxValue = def.MaxValue
	}
	if limits.MaxInvalidRatio <= 0 {
		limits.MaxInvalidRatio = def.MaxInvalidRatio
	}
	v := validator.New()
	v.RegisterTagNameFunc(func(fld reflect.StructField) string {
		name, _, _ := strings.Cut(fld.Tag.Get("json"), ",")
		if name == "-" {
			return ""
		}
		return name
	})
	return &Pipeline{limits: limits, validate: v}
}

// Limits reports the limits in force.
func (p *Pipeline) Limits() Limits {
	return p.limits
}

// Process decodes content as a document of kind and runs every stage.
// expectedDivision is optional.
func (p *Pipeline) Process(content []byte, kind budget.DocumentKind, expectedDivision string) (Result, error) {
	doc, err := document.Decode(content, kind)
	if err != nil {
		return Result{}, err
	}
	return p.Run(doc, expectedDivision)
}

// Run validates a decoded document.
func (p *Pipeline) Run(doc document.Document, expectedDivision string) (Result, error) {
	var final *document.Final
	switch d := doc.(type) {
	case *document.Draft:
		return Result{}, budget.NewImportError(3, budget.ErrDraftRejected,
			"this is a draft; open it, finish editing and use Save Final")
	case *document.Final:
		final = d
	default:
		return Result{}, budget.NewImportError(2, budget.ErrDocumentMissingData, "unrecognised document")
	}

	if final.MetadataErr != nil || final.RecordsErr != nil {
		var details []string
		for _, err := range []error{final.MetadataErr, final.RecordsErr} {
			if err != nil {
				details = append(details, err.Error())
			}
		}
		return Result{}, budget.NewImportError(2, budget.ErrDocumentMissingData,
			"re-export the document and use Save Final", details...)
	}

	meta, violations := p.metadata(final.Metadata, final.Kind, expectedDivision)
	if len(violations) > 0 {
		return Result{}, budget.NewImportError(4, budget.ErrMetadataInvalid, "", violations...)
	}

	list, err := p.shape(final.Records)
	if err != nil {
		return Result{}, err
	}

	res := Result{
		Kind:     final.Kind,
		Key:      meta.Key(final.Kind),
		Metadata: meta,
		Total:    len(list),
		Legacy:   final.Legacy,
	}
	for i, raw := range list {
		rec, reasons := p.record(raw, final.Kind)
		if len(reasons) > 0 {
			res.Skipped = append(res.Skipped, budget.RecordIssue{Index: i, Reasons: reasons})
			continue
		}
		res.Records = append(res.Records, rec)
	}

	invalid := len(res.Skipped)
	if ratio := float64(invalid) / float64(res.Total); ratio > p.limits.MaxInvalidRatio {
		return Result{}, budget.NewImportError(7, budget.ErrTooManyInvalid,
			fmt.Sprintf("%d of %d records invalid (limit %.0f%%)", invalid, res.Total, p.limits.MaxInvalidRatio*100),
			IssueDetails(res.Skipped, maxReportedIssues)...)
	}
	return res, nil
}

type metadataFields struct {
	Division      string `json:"division" validate:"required"`
	SalesRep      string `json:"salesRep" validate:"required"`
	FormatVersion string `json:"formatVersion" validate:"eq=2.0"`
	DataFormat    string `json:"dataFormat" validate:"eq=budget_import"`
}

func (p *Pipeline) metadata(raw map[string]any, kind budget.DocumentKind, expectedDivision string) (budget.Metadata, []string) {
	var violations []string
	str := func(field string) string {
		v, ok := raw[field]
		if !ok || v == nil {
			return ""
		}
		s, ok := v.(string)
		if !ok {
			violations = append(violations, field+" must be a string")
			return ""
		}
		return strings.TrimSpace(s)
	}

	fields := metadataFields{
		Division:      str("division"),
		SalesRep:      str("salesRep"),
		FormatVersion: str("formatVersion"),
		DataFormat:    str("dataFormat"),
	}
	var err error
	if kind == budget.KindSalesRep {
		err = p.validate.Struct(fields)
	} else {
		err = p.validate.StructExcept(fields, "SalesRep")
	}
	violations = append(violations, messages(err)...)
	if kind == budget.KindDivisional && fields.SalesRep != "" {
		violations = append(violations, "salesRep must be empty for a divisional budget")
	}

	meta := budget.Metadata{
		Division:      fields.Division,
		FormatVersion: fields.FormatVersion,
		DataFormat:    fields.DataFormat,
		ExportedAt:    timestamp(raw["exportedAt"]),
		SavedAt:       timestamp(raw["savedAt"]),
	}
	if kind == budget.KindSalesRep && fields.SalesRep != "" {
		rep := fields.SalesRep
		meta.SalesRep = &rep
	}

	year, ok := integer(raw["budgetYear"])
	switch {
	case !ok:
		violations = append(violations, "budgetYear must be an integer")
	case p.validate.Var(year, fmt.Sprintf("min=%d,max=%d", p.limits.MinYear, p.limits.MaxYear)) != nil:
		violations = append(violations, fmt.Sprintf("budgetYear must be between %d and %d", p.limits.MinYear, p.limits.MaxYear))
	default:
		meta.BudgetYear = year
	}

	if expectedDivision != "" && fields.Division != "" && !strings.EqualFold(fields.Division, strings.TrimSpace(expectedDivision)) {
		violations = append(violations, fmt.Sprintf("division %q does not match %q", fields.Division, expectedDivision))
	}
	return meta, violations
}

func (p *Pipeline) shape(records any) ([]any, error) {
	list, ok := records.([]any)
	if !ok {
		return nil, budget.NewImportError(5, budget.ErrRecordsShape, "records must be an array")
	}
	if len(list) == 0 {
		return nil, budget.NewImportError(5, budget.ErrRecordsShape, "records must not be empty")
	}
	if len(list) > p.limits.MaxRecords {
		return nil, budget.NewImportError(5, budget.ErrRecordsShape,
			fmt.Sprintf("%d records exceed the limit of %d", len(list), p.limits.MaxRecords))
	}
	return list, nil
}

type recordFields struct {
	Customer     string  `json:"customer" validate:"required"`
	Country      string  `json:"country" validate:"required"`
	ProductGroup string  `json:"productGroup" validate:"required"`
	Month        int     `json:"month" validate:"min=1,max=12"`
	Value        float64 `json:"value" validate:"gt=0"`
}

func (p *Pipeline) record(raw any, kind budget.DocumentKind) (budget.BudgetRecord, []string) {
	obj, ok := raw.(map[string]any)
	if !ok {
		return budget.BudgetRecord{}, []string{"record must be an object"}
	}
	var reasons []string
	str := func(field string) string {
		s, ok := obj[field].(string)
		if !ok && obj[field] != nil {
			reasons = append(reasons, field+" must be a string")
		}
		return strings.TrimSpace(s)
	}
	fields := recordFields{
		Customer:     str("customer"),
		Country:      str("country"),
		ProductGroup: str("productGroup"),
		Month:        1,
		Value:        1,
	}

	month, monthOK := integer(obj["month"])
	if monthOK {
		fields.Month = month
	} else {
		reasons = append(reasons, "month must be an integer")
	}
	value, valueOK := number(obj["value"])
	if valueOK {
		fields.Value = value
	} else {
		reasons = append(reasons, "value must be numeric")
	}

	var err error
	if kind == budget.KindDivisional {
		err = p.validate.StructExcept(fields, "Customer", "Country")
	} else {
		err = p.validate.Struct(fields)
	}
	reasons = append(reasons, messages(err)...)
	if valueOK && p.validate.Var(value, fmt.Sprintf("lte=%g", p.limits.MaxValue)) != nil {
		reasons = append(reasons, fmt.Sprintf("value must not exceed %g", p.limits.MaxValue))
	}
	if len(reasons) > 0 {
		return budget.BudgetRecord{}, reasons
	}
	return budget.BudgetRecord{
		Customer:     fields.Customer,
		Country:      fields.Country,
		ProductGroup: fields.ProductGroup,
		Month:        fields.Month,
		Value:        fields.Value,
	}, nil
}

// IssueDetails renders skipped-record issues as detail lines, at most limit.
func IssueDetails(issues []budget.RecordIssue, limit int) []string {
	out := make([]string, 0, min(len(issues), limit))
	for i, issue := range issues {
		if i == limit {
			out = append(out, fmt.Sprintf("... and %d more", len(issues)-limit))
			break
		}
		out = append(out, fmt.Sprintf("record %d: %s", issue.Index, strings.Join(issue.Reasons, ", ")))
	}
	return out
}

func messages(err error) []string {
	if err == nil {
		return nil
	}
	var fieldErrs validator.ValidationErrors
	if !errors.As(err, &fieldErrs) {
		return []string{err.Error()}
	}
	out := make([]string, 0, len(fieldErrs))
	for _, fe := range fieldErrs {
		switch fe.Tag() {
		case "required":
			out = append(out, fe.Field()+" is required")
		case "eq":
			out = append(out, fmt.Sprintf("%s must be %q", fe.Field(), fe.Param()))
		case "min":
			out = append(out, fmt.Sprintf("%s must be at least %s", fe.Field(), fe.Param()))
		case "max":
			out = append(out, fmt.Sprintf("%s must be at most %s", fe.Field(), fe.Param()))
		case "gt":
			out = append(out, fmt.Sprintf("%s must be greater than %s", fe.Field(), fe.Param()))
		default:
			out = append(out, fmt.Sprintf("%s failed %s", fe.Field(), fe.Tag()))
		}
	}
	return out
}

func number(v any) (float64, bool) {
	switch n := v.(type) {
	case json.Number:
		f, err := n.Float64()
		return f, err == nil && !math.IsInf(f, 0)
	case float64:
		return n, true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	}
	return 0, false
}

func integer(v any) (int, bool) {
	f, ok := number(v)
	if !ok || f != math.Trunc(f) || math.Abs(f) > math.MaxInt32 {
		return 0, false
	}
	return int(f), true
}

func timestamp(v any) *time.Time {
	s, ok := v.(string)
	if !ok {
		return nil
	}
	t, err := time.Parse(time.RFC3339, s)
	if err != nil {
		return nil
	}
	return &t
}
