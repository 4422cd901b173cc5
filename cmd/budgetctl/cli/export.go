package cli

import (
	"bytes"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/odyssey-erp/salesbudget/internal/budget"
	"github.com/odyssey-erp/salesbudget/internal/budget/document"
)

// ExportOptions defines the flags of the export command.
type ExportOptions struct {
	Kind     string
	Division string
	SalesRep string
	Year     int
	Output   string
}

func newExportCommand(connect Connector) *cobra.Command {
	opts := ExportOptions{}
	cmd := &cobra.Command{
		Use:   "export",
		Short: "Write the editable budget document for a sales rep or division",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			kind, err := budget.ParseKind(opts.Kind)
			if err != nil {
				return err
			}
			key := budget.BudgetKey{Kind: kind, Division: opts.Division, Year: opts.Year}
			if kind == budget.KindSalesRep {
				key.SalesRep = opts.SalesRep
			}
			if err := key.Validate(); err != nil {
				return err
			}
			return withBackend(cmd.Context(), connect, func(b *Backend) error {
				sheet, err := b.Sheets.BuildSheet(cmd.Context(), key)
				if err != nil {
					return err
				}
				var buf bytes.Buffer
				if err := b.Encoder.Encode(&buf, sheet); err != nil {
					return err
				}
				path := opts.Output
				if path == "" {
					path = document.FileName(key)
				}
				if err := os.WriteFile(path, buf.Bytes(), 0o644); err != nil {
					return err
				}
				_, _ = fmt.Fprintf(cmd.OutOrStdout(), "wrote %s (%d rows)\n", path, len(sheet.Rows))
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&opts.Kind, "kind", "", "document kind: sales-rep or divisional")
	cmd.Flags().StringVar(&opts.Division, "division", "", "division")
	cmd.Flags().StringVar(&opts.SalesRep, "sales-rep", "", "sales rep, required for sales-rep documents")
	cmd.Flags().IntVar(&opts.Year, "year", 0, "budget year")
	cmd.Flags().StringVarP(&opts.Output, "output", "o", "", "output file, defaults to the canonical document name")
	_ = cmd.MarkFlagRequired("kind")
	_ = cmd.MarkFlagRequired("division")
	_ = cmd.MarkFlagRequired("year")
	return cmd
}
