package cli

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/odyssey-erp/salesbudget/internal/budget"
	"github.com/odyssey-erp/salesbudget/internal/budget/importer"
)

// ImportOptions defines the flags of the import command.
type ImportOptions struct {
	Path       string
	Kind       string
	Division   string
	Actor      string
	JSONOutput bool
}

func newImportCommand(connect Connector) *cobra.Command {
	opts := ImportOptions{}
	cmd := &cobra.Command{
		Use:   "import FILE",
		Short: "Validate a budget document and replace the stored budget",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			opts.Path = args[0]
			kind, err := budget.ParseKind(opts.Kind)
			if err != nil {
				return err
			}
			content, err := os.ReadFile(opts.Path)
			if err != nil {
				return err
			}
			return withBackend(cmd.Context(), connect, func(b *Backend) error {
				outcome, err := b.Importer.Import(cmd.Context(), importer.Request{
					Kind:             kind,
					FileName:         filepath.Base(opts.Path),
					Content:          content,
					ActorID:          opts.Actor,
					ExpectedDivision: opts.Division,
				})
				return reportImport(cmd.OutOrStdout(), cmd.ErrOrStderr(), outcome, err, opts.JSONOutput)
			})
		},
	}
	cmd.Flags().StringVar(&opts.Kind, "kind", "", "document kind: sales-rep or divisional")
	cmd.Flags().StringVar(&opts.Division, "division", "", "expected division")
	cmd.Flags().StringVar(&opts.Actor, "actor", os.Getenv("USER"), "user recorded as importer")
	cmd.Flags().BoolVar(&opts.JSONOutput, "json", false, "print the outcome as JSON")
	_ = cmd.MarkFlagRequired("kind")
	return cmd
}

func reportImport(stdout, stderr io.Writer, outcome budget.ImportOutcome, err error, asJSON bool) error {
	var importErr *budget.ImportError
	if errors.As(err, &importErr) {
		_, _ = fmt.Fprintf(stderr, "import rejected at stage %d: %s\n", importErr.Stage, importErr.Err)
		if importErr.Message != "" {
			_, _ = fmt.Fprintf(stderr, "  %s\n", importErr.Message)
		}
		for _, d := range importErr.Details {
			_, _ = fmt.Fprintf(stderr, " - %s\n", d)
		}
		return &ExitError{Code: ExitRejected}
	}
	if err != nil {
		return err
	}
	if asJSON {
		return json.NewEncoder(stdout).Encode(outcome)
	}
	_, _ = fmt.Fprintf(stdout, "imported %s (import %s)\n", outcome.Key, outcome.ImportID)
	_, _ = fmt.Fprintf(stdout, "replaced %d rows, inserted %d, skipped %d\n",
		outcome.Deleted, outcome.Inserted[budget.SeriesQuantity], outcome.SkippedCount)
	_, _ = fmt.Fprintf(stdout, "totals: %.2f KGS, revenue %.2f, margin %.2f\n",
		outcome.Totals.Quantity, outcome.Totals.Revenue, outcome.Totals.Margin)
	for _, e := range outcome.Errors {
		_, _ = fmt.Fprintf(stdout, "note: %s\n", e)
	}
	return nil
}
