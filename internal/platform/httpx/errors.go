package httpx

import (
	"errors"
	"net/http"
)

// ErrorMapping binds a sentinel error to a response status and title.
type ErrorMapping struct {
	Target error
	Status int
	Title  string
}

// Detailer is implemented by errors that carry a list of violations.
type Detailer interface {
	ProblemDetails() []string
}

// RespondError renders the first mapping matching err. Unmapped errors become
// a generic 500 so internal detail never leaks.
func RespondError(w http.ResponseWriter, err error, mappings ...ErrorMapping) {
	for _, m := range mappings {
		if !errors.Is(err, m.Target) {
			continue
		}
		var details []string
		var d Detailer
		if errors.As(err, &d) {
			details = d.ProblemDetails()
		}
		detail := err.Error()
		if m.Status >= http.StatusInternalServerError {
			detail = ""
			details = nil
		}
		Problem(w, m.Status, m.Title, detail, details...)
		return
	}
	Problem(w, http.StatusInternalServerError, "Internal Error", "")
}
