// Package cli implements the budgetctl operator commands.
package cli

import (
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/odyssey-erp/salesbudget/internal/budget"
	"github.com/odyssey-erp/salesbudget/internal/budget/importer"
)

// Estimator calculates and persists proportional estimates.
type Estimator interface {
	CalculateEstimate(ctx context.Context, req budget.EstimateRequest) (budget.Estimate, error)
	SaveEstimate(ctx context.Context, req budget.EstimateRequest) (budget.EstimateResult, error)
}

// SheetBuilder assembles the actual-vs-budget table for a key.
type SheetBuilder interface {
	BuildSheet(ctx context.Context, key budget.BudgetKey) (budget.Sheet, error)
}

// DocumentImporter validates and persists an uploaded document.
type DocumentImporter interface {
	Import(ctx context.Context, req importer.Request) (budget.ImportOutcome, error)
}

// SheetEncoder renders a sheet as a budget document.
type SheetEncoder interface {
	Encode(w io.Writer, sheet budget.Sheet) error
}

// Backend bundles the services commands run against.
type Backend struct {
	Estimates Estimator
	Sheets    SheetBuilder
	Importer  DocumentImporter
	Encoder   SheetEncoder
	Migrate   func(ctx context.Context) error
}

// Connector opens a Backend. The returned func releases its resources.
type Connector func(ctx context.Context) (*Backend, func(), error)

// ExitError carries a process exit code. Its message has already been
// written to the command output.
type ExitError struct {
	Code int
}

func (e *ExitError) Error() string {
	return fmt.Sprintf("exit status %d", e.Code)
}

// ExitCode maps a command error to a process exit code, reporting errors
// that were not printed yet.
func ExitCode(err error, stderr io.Writer) int {
	if err == nil {
		return 0
	}
	var exit *ExitError
	if errors.As(err, &exit) {
		return exit.Code
	}
	_, _ = fmt.Fprintf(stderr, "budgetctl: %v\n", err)
	return 1
}
