package document

import (
	"bytes"
	"encoding/json"
	"fmt"
	"html/template"
	"io"
	"regexp"
	"strconv"
	"time"

	"github.com/odyssey-erp/salesbudget/internal/budget"
	"github.com/odyssey-erp/salesbudget/web"
)

var (
	monthLabels = []string{"Jan", "Feb", "Mar", "Apr", "May", "Jun", "Jul", "Aug", "Sep", "Oct", "Nov", "Dec"}

	embeddedBlock = regexp.MustCompile(`(?is)<script[^>]*\bid="budget-(?:import|draft)-data"[^>]*>.*?</script>\s*`)
	closingBody   = regexp.MustCompile(`(?i)</body>`)
)

// Encoder renders budget sheets into editable HTML documents.
type Encoder struct {
	tmpl *template.Template
	now  func() time.Time
}

type sheetView struct {
	Title         string
	Signature     string
	Kind          budget.DocumentKind
	Divisional    bool
	Metadata      budget.Metadata
	Sheet         budget.Sheet
	Months        []string
	FileName      string
	FinalScriptID string
	DraftScriptID string
}

// NewEncoder parses the embedded document template.
func NewEncoder() (*Encoder, error) {
	funcMap := template.FuncMap{
		"qty": func(v float64) string {
			if v == 0 {
				return ""
			}
			return strconv.FormatFloat(v, 'f', -1, 64)
		},
		"inc": func(i int) int { return i + 1 },
	}
	tmpl, err := template.New("root").Funcs(funcMap).ParseFS(web.Templates, "templates/document/*.html")
	if err != nil {
		return nil, fmt.Errorf("document: parse templates: %w", err)
	}
	return &Encoder{tmpl: tmpl, now: time.Now}, nil
}

// Encode writes the signature followed by the rendered document.
func (e *Encoder) Encode(w io.Writer, sheet budget.Sheet) error {
	if e == nil || e.tmpl == nil {
		return fmt.Errorf("document: encoder not initialised")
	}
	sig := SignatureFor(sheet.Key.Kind)
	exported := e.now().UTC()
	view := sheetView{
		Title:         title(sheet.Key),
		Signature:     sig.String(),
		Kind:          sheet.Key.Kind,
		Divisional:    sheet.Key.Kind == budget.KindDivisional,
		Metadata:      ExportMetadata(sheet.Key, exported),
		Sheet:         sheet,
		Months:        monthLabels,
		FileName:      FileName(sheet.Key),
		FinalScriptID: FinalScriptID,
		DraftScriptID: DraftScriptID,
	}
	// html/template drops comments, so the signature is written directly.
	if _, err := io.WriteString(w, view.Signature+"\n"); err != nil {
		return err
	}
	return e.tmpl.ExecuteTemplate(w, "budget.html", view)
}

// ExportMetadata is the metadata a fresh export carries for key.
func ExportMetadata(key budget.BudgetKey, exported time.Time) budget.Metadata {
	meta := budget.Metadata{
		Division:      key.Division,
		BudgetYear:    key.Year,
		FormatVersion: FormatVersion,
		DataFormat:    DataFormat,
		ExportedAt:    &exported,
	}
	if key.Kind == budget.KindSalesRep {
		rep := key.SalesRep
		meta.SalesRep = &rep
	}
	return meta
}

// FileName is the suggested download name for key.
func FileName(key budget.BudgetKey) string {
	if key.Kind == budget.KindDivisional {
		return fmt.Sprintf("budget_%s_%s_%d.html", key.Kind.Slug(), key.Division, key.Year)
	}
	return fmt.Sprintf("budget_%s_%s_%s_%d.html", key.Kind.Slug(), key.Division, key.SalesRep, key.Year)
}

func title(key budget.BudgetKey) string {
	if key.Kind == budget.KindDivisional {
		return fmt.Sprintf("%s divisional budget %d", key.Division, key.Year)
	}
	return fmt.Sprintf("%s budget %d: %s", key.Division, key.Year, key.SalesRep)
}

// DraftSnapshot is the state saved by Save Draft.
type DraftSnapshot struct {
	IsDraft  bool              `json:"isDraft"`
	Metadata budget.Metadata   `json:"metadata"`
	Inputs   map[string]string `json:"inputs"`
}

// EmbedFinal replaces any embedded block in html with a final data block,
// the same one the browser writes on Save Final.
func EmbedFinal(html []byte, meta budget.Metadata, records []budget.BudgetRecord) ([]byte, error) {
	meta.IsDraft = false
	if meta.DataFormat == "" {
		meta.DataFormat = DataFormat
	}
	if meta.FormatVersion == "" {
		meta.FormatVersion = FormatVersion
	}
	if records == nil {
		records = []budget.BudgetRecord{}
	}
	metaJSON, err := json.Marshal(meta)
	if err != nil {
		return nil, err
	}
	recordsJSON, err := json.Marshal(records)
	if err != nil {
		return nil, err
	}
	block := fmt.Sprintf("<script id=%q>\nconst %s = %s;\nconst %s = %s;\n</script>\n",
		FinalScriptID, metadataIdent, metaJSON, recordsIdent, recordsJSON)
	return embed(html, block), nil
}

// EmbedDraft replaces any embedded block in html with a draft snapshot.
func EmbedDraft(html []byte, snapshot DraftSnapshot) ([]byte, error) {
	snapshot.IsDraft = true
	snapshot.Metadata.IsDraft = true
	if snapshot.Inputs == nil {
		snapshot.Inputs = map[string]string{}
	}
	raw, err := json.Marshal(snapshot)
	if err != nil {
		return nil, err
	}
	block := fmt.Sprintf("<script id=%q>\nconst %s = %s;\n</script>\n", DraftScriptID, draftIdent, raw)
	return embed(html, block), nil
}

func embed(html []byte, block string) []byte {
	out := embeddedBlock.ReplaceAll(html, nil)
	locs := closingBody.FindAllIndex(out, -1)
	if len(locs) == 0 {
		return append(out, block...)
	}
	at := locs[len(locs)-1][0]
	var buf bytes.Buffer
	buf.Grow(len(out) + len(block))
	buf.Write(out[:at])
	buf.WriteString(block)
	buf.Write(out[at:])
	return buf.Bytes()
}
