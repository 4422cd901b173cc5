// Package document reads and writes the self-contained HTML budget documents
// exchanged with sales reps and division managers.
package document

import (
	"fmt"
	"regexp"
	"strconv"

	"github.com/odyssey-erp/salesbudget/internal/budget"
)

const (
	// ProtocolVersion is the only signature version accepted on import.
	ProtocolVersion = 2
	// FormatVersion is the metadata formatVersion written by exporters.
	FormatVersion = "2.0"
	// DataFormat marks a final, importable payload.
	DataFormat = "budget_import"

	// FinalScriptID labels the final data block.
	FinalScriptID = "budget-import-data"
	// DraftScriptID labels the draft snapshot block.
	DraftScriptID = "budget-draft-data"
)

var signaturePattern = regexp.MustCompile(`<!--\s*SALESBUDGET-DOCUMENT\s+v(\d+)\s+TYPE=([A-Za-z_]+)\s*-->`)

// Signature is the document header comment.
type Signature struct {
	Version int
	Kind    budget.DocumentKind
}

// String renders the comment written at the top of every export.
func (s Signature) String() string {
	return fmt.Sprintf("<!-- SALESBUDGET-DOCUMENT v%d TYPE=%s -->", s.Version, s.Kind)
}

// SignatureFor returns the current signature for kind.
func SignatureFor(kind budget.DocumentKind) Signature {
	return Signature{Version: ProtocolVersion, Kind: kind}
}

// ReadSignature finds the first signature comment. ok is false for unsigned
// documents, which are still accepted.
func ReadSignature(content []byte) (sig Signature, ok bool) {
	m := signaturePattern.FindSubmatch(content)
	if m == nil {
		return Signature{}, false
	}
	version, err := strconv.Atoi(string(m[1]))
	if err != nil {
		version = -1
	}
	return Signature{Version: version, Kind: budget.DocumentKind(m[2])}, true
}

// CheckSignature rejects a signed document of the wrong kind or protocol.
// It runs before any HTML or JSON parsing.
func CheckSignature(content []byte, expected budget.DocumentKind) (Signature, bool, error) {
	sig, ok := ReadSignature(content)
	if !ok {
		return Signature{}, false, nil
	}
	if sig.Kind != expected {
		return sig, true, budget.NewImportError(1, budget.ErrDocumentTypeMismatch,
			fmt.Sprintf("document is a %s budget, expected %s", sig.Kind, expected))
	}
	if sig.Version != ProtocolVersion {
		return sig, true, budget.NewImportError(1, budget.ErrDocumentVersion,
			fmt.Sprintf("document protocol v%d is not supported, re-export it", sig.Version))
	}
	return sig, true, nil
}
