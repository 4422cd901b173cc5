package document

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"strings"

	"github.com/PuerkitoBio/goquery"
	"github.com/hjson/hjson-go/v4"

	"github.com/odyssey-erp/salesbudget/internal/budget"
)

const (
	metadataIdent = "budgetMetadata"
	recordsIdent  = "budgetRecords"
	draftIdent    = "budgetDraft"
)

var (
	errNotFound = errors.New("not found")

	assignPatterns = map[string]*regexp.Regexp{
		metadataIdent: assignPattern(metadataIdent),
		recordsIdent:  assignPattern(recordsIdent),
		draftIdent:    assignPattern(draftIdent),
	}
)

func assignPattern(ident string) *regexp.Regexp {
	return regexp.MustCompile(`(?:^|[\s;])(?:(?:const|let|var)\s+)?` + regexp.QuoteMeta(ident) + `\s*=`)
}

// Document is a decoded budget document, either *Final or *Draft.
type Document interface {
	DocumentKind() budget.DocumentKind
	isDocument()
}

// Header describes how a document was recognised.
type Header struct {
	Kind    budget.DocumentKind
	Version int
	Signed  bool
	Legacy  bool
}

// DocumentKind returns the kind the document was decoded as.
func (h Header) DocumentKind() budget.DocumentKind { return h.Kind }

// Final carries the raw payload of a Save Final document. Metadata and
// Records hold JSON values (numbers as json.Number or float64); each part
// reports its own extraction error.
type Final struct {
	Header
	Metadata    map[string]any
	Records     any
	MetadataErr error
	RecordsErr  error
}

func (*Final) isDocument() {}

// Draft is a Save Draft snapshot. It is never importable.
type Draft struct {
	Header
	Metadata map[string]any
	Inputs   map[string]any
}

func (*Draft) isDocument() {}

// Decode recognises content as a document of the expected kind. Signature
// and draft checks happen here; payload validation is left to the caller.
func Decode(content []byte, expected budget.DocumentKind) (Document, error) {
	sig, signed, err := CheckSignature(content, expected)
	if err != nil {
		return nil, err
	}
	header := Header{Kind: expected, Version: sig.Version, Signed: signed}

	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(content))
	if err != nil {
		return nil, budget.NewImportError(2, budget.ErrDocumentMissingData, "document is not readable HTML")
	}

	if sel := doc.Find("script#" + DraftScriptID).First(); sel.Length() > 0 {
		return decodeDraft(header, sel.Text()), nil
	}

	final := &Final{Header: header}
	if sel := doc.Find("script#" + FinalScriptID).First(); sel.Length() > 0 {
		final.Metadata, final.MetadataErr = extractObject(sel.Text(), metadataIdent, false)
		final.Records, final.RecordsErr = extractValue(sel.Text(), recordsIdent, false)
	} else if script, ok := legacyScript(doc); ok {
		final.Legacy = true
		final.Metadata, final.MetadataErr = extractObject(script, metadataIdent, true)
		final.Records, final.RecordsErr = extractValue(script, recordsIdent, true)
	} else {
		final.MetadataErr = fmt.Errorf("metadata %w", errNotFound)
		final.RecordsErr = fmt.Errorf("records %w", errNotFound)
	}

	if isDraft(final.Metadata) {
		return &Draft{Header: final.Header, Metadata: final.Metadata}, nil
	}
	return final, nil
}

func decodeDraft(header Header, script string) *Draft {
	draft := &Draft{Header: header}
	snapshot, err := extractObject(script, draftIdent, false)
	if err != nil {
		return draft
	}
	if m, ok := snapshot["metadata"].(map[string]any); ok {
		draft.Metadata = m
	}
	if in, ok := snapshot["inputs"].(map[string]any); ok {
		draft.Inputs = in
	}
	return draft
}

// legacyScript returns the first unlabeled script assigning budget data.
func legacyScript(doc *goquery.Document) (string, bool) {
	var found string
	doc.Find("script").EachWithBreak(func(_ int, sel *goquery.Selection) bool {
		if _, labeled := sel.Attr("id"); labeled {
			return true
		}
		text := sel.Text()
		if strings.Contains(text, metadataIdent) || strings.Contains(text, recordsIdent) {
			found = text
			return false
		}
		return true
	})
	return found, found != ""
}

func isDraft(meta map[string]any) bool {
	v, ok := meta["isDraft"].(bool)
	return ok && v
}

func extractObject(script, ident string, lenient bool) (map[string]any, error) {
	v, err := extractValue(script, ident, lenient)
	if err != nil {
		return nil, err
	}
	obj, ok := v.(map[string]any)
	if !ok {
		return nil, fmt.Errorf("%s malformed: expected an object", label(ident))
	}
	return obj, nil
}

// extractValue locates the assignment to ident and reads exactly one value
// after it.
// Anything following the value is ignored.
func extractValue(script, ident string, lenient bool) (any, error) {
	rest, ok := assignment(script, ident)
	if !ok {
		return nil, fmt.Errorf("%s %w", label(ident), errNotFound)
	}
	dec := json.NewDecoder(strings.NewReader(rest))
	dec.UseNumber()
	var v any
	strictErr := dec.Decode(&v)
	if strictErr == nil {
		return v, nil
	}
	if !lenient {
		return nil, fmt.Errorf("%s malformed: %v", label(ident), strictErr)
	}
	literal, err := scanLiteral(rest)
	if err != nil {
		return nil, fmt.Errorf("%s malformed: %v", label(ident), err)
	}
	if err := hjson.Unmarshal([]byte(literal), &v); err != nil {
		return nil, fmt.Errorf("%s malformed: %v", label(ident), err)
	}
	return v, nil
}

func assignment(script, ident string) (string, bool) {
	for _, loc := range assignPatterns[ident].FindAllStringIndex(script, -1) {
		rest := script[loc[1]:]
		if strings.HasPrefix(rest, "=") {
			continue
		}
		return rest, true
	}
	return "", false
}

// scanLiteral returns the balanced object or array literal at the start of s.
func scanLiteral(s string) (string, error) {
	s = strings.TrimLeft(s, " \t\r\n")
	if s == "" || (s[0] != '{' && s[0] != '[') {
		return "", errors.New("expected an object or array literal")
	}
	depth := 0
	var quote byte
	for i := 0; i < len(s); i++ {
		c := s[i]
		if quote != 0 {
			switch c {
			case '\\':
				i++
			case quote:
				quote = 0
			}
			continue
		}
		switch c {
		case '"', '\'', '`':
			quote = c
		case '{', '[':
			depth++
		case '}', ']':
			depth--
			if depth == 0 {
				return s[:i+1], nil
			}
		}
	}
	return "", errors.New("unterminated literal")
}

func label(ident string) string {
	switch ident {
	case metadataIdent:
		return "metadata"
	case recordsIdent:
		return "records"
	}
	return "draft"
}
