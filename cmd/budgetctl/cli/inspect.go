package cli

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"github.com/odyssey-erp/salesbudget/internal/budget"
	"github.com/odyssey-erp/salesbudget/internal/budget/validation"
)

// Exit codes returned by inspect and import.
const (
	ExitOK       = 0
	ExitFailure  = 1
	ExitRejected = 2
)

// InspectOptions defines the flags of the inspect command.
type InspectOptions struct {
	Path       string
	Kind       string
	Division   string
	JSONOutput bool
	Limits     validation.Limits
	Stdout     io.Writer
	Stderr     io.Writer
}

// InspectSummary is the JSON report of inspect.
type InspectSummary struct {
	OK      bool                 `json:"ok"`
	Kind    budget.DocumentKind  `json:"kind"`
	Key     *budget.BudgetKey    `json:"key,omitempty"`
	Legacy  bool                 `json:"legacy"`
	Total   int                  `json:"total"`
	Valid   int                  `json:"valid"`
	Skipped []budget.RecordIssue `json:"skipped"`
	Stage   int                  `json:"stage,omitempty"`
	Error   string               `json:"error,omitempty"`
	Details []string             `json:"details,omitempty"`
}

func newInspectCommand() *cobra.Command {
	opts := InspectOptions{}
	cmd := &cobra.Command{
		Use:   "inspect FILE",
		Short: "Decode and validate a budget document without touching the database",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			opts.Path = args[0]
			opts.Stdout = cmd.OutOrStdout()
			opts.Stderr = cmd.ErrOrStderr()
			if code := InspectCommand(opts); code != ExitOK {
				return &ExitError{Code: code}
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&opts.Kind, "kind", "", "document kind: sales-rep or divisional")
	cmd.Flags().StringVar(&opts.Division, "division", "", "expected division")
	cmd.Flags().BoolVar(&opts.JSONOutput, "json", false, "print a JSON summary")
	_ = cmd.MarkFlagRequired("kind")
	return cmd
}

// InspectCommand runs the validation pipeline over a file and prints the
// outcome. It returns ExitRejected when the document would be refused.
func InspectCommand(opts InspectOptions) int {
	if opts.Stdout == nil {
		opts.Stdout = os.Stdout
	}
	if opts.Stderr == nil {
		opts.Stderr = os.Stderr
	}
	kind, err := budget.ParseKind(opts.Kind)
	if err != nil {
		_, _ = fmt.Fprintf(opts.Stderr, "inspect: %v\n", err)
		return ExitFailure
	}
	content, err := os.ReadFile(opts.Path)
	if err != nil {
		_, _ = fmt.Fprintf(opts.Stderr, "inspect: %v\n", err)
		return ExitFailure
	}

	result, err := validation.New(opts.Limits).Process(content, kind, opts.Division)
	summary := InspectSummary{Kind: kind, Skipped: []budget.RecordIssue{}}
	var importErr *budget.ImportError
	switch {
	case err == nil:
		key := result.Key
		summary.OK = true
		summary.Key = &key
		summary.Legacy = result.Legacy
		summary.Total = result.Total
		summary.Valid = len(result.Records)
		if len(result.Skipped) > 0 {
			summary.Skipped = result.Skipped
		}
	case errors.As(err, &importErr):
		summary.Stage = importErr.Stage
		summary.Error = importErr.Err.Error()
		if importErr.Message != "" {
			summary.Error += ": " + importErr.Message
		}
		summary.Details = importErr.Details
	default:
		_, _ = fmt.Fprintf(opts.Stderr, "inspect: %v\n", err)
		return ExitFailure
	}

	if opts.JSONOutput {
		if err := json.NewEncoder(opts.Stdout).Encode(summary); err != nil {
			_, _ = fmt.Fprintf(opts.Stderr, "inspect: encode json: %v\n", err)
			return ExitFailure
		}
	} else {
		renderInspectHuman(opts.Stdout, summary)
	}
	if !summary.OK {
		return ExitRejected
	}
	return ExitOK
}

func renderInspectHuman(out io.Writer, s InspectSummary) {
	if !s.OK {
		_, _ = fmt.Fprintf(out, "REJECTED at stage %d: %s\n", s.Stage, s.Error)
		for _, d := range s.Details {
			_, _ = fmt.Fprintf(out, " - %s\n", d)
		}
		return
	}
	_, _ = fmt.Fprintf(out, "OK %s budget %s\n", s.Kind, s.Key)
	_, _ = fmt.Fprintf(out, "%d of %d records valid\n", s.Valid, s.Total)
	if s.Legacy {
		_, _ = fmt.Fprintln(out, "legacy document: re-export and use Save Final to upgrade")
	}
	for _, d := range validation.IssueDetails(s.Skipped, 20) {
		_, _ = fmt.Fprintf(out, " - skipped %s\n", d)
	}
}
