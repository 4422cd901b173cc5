package cli

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/odyssey-erp/salesbudget/internal/budget"
)

// EstimateOptions defines the flags of the estimate command.
type EstimateOptions struct {
	Division   string
	Year       int
	Months     []int
	Actor      string
	Save       bool
	JSONOutput bool
}

func newEstimateCommand(connect Connector) *cobra.Command {
	opts := EstimateOptions{}
	cmd := &cobra.Command{
		Use:   "estimate",
		Short: "Project target months from the year's actuals",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			req := budget.EstimateRequest{
				Division: opts.Division,
				Year:     opts.Year,
				Months:   opts.Months,
				ActorID:  opts.Actor,
			}
			if err := req.Validate(); err != nil {
				return err
			}
			return withBackend(cmd.Context(), connect, func(b *Backend) error {
				if !opts.Save {
					est, err := b.Estimates.CalculateEstimate(cmd.Context(), req)
					if err != nil {
						return err
					}
					return reportEstimate(cmd.OutOrStdout(), est, nil, opts.JSONOutput)
				}
				res, err := b.Estimates.SaveEstimate(cmd.Context(), req)
				if err != nil {
					return err
				}
				return reportEstimate(cmd.OutOrStdout(), res.Estimate, &res, opts.JSONOutput)
			})
		},
	}
	cmd.Flags().StringVar(&opts.Division, "division", "", "division to estimate")
	cmd.Flags().IntVar(&opts.Year, "year", 0, "year of the actuals and the target months")
	cmd.Flags().IntSliceVar(&opts.Months, "months", nil, "target months, e.g. 10,11,12")
	cmd.Flags().StringVar(&opts.Actor, "actor", os.Getenv("USER"), "user recorded on saved rows")
	cmd.Flags().BoolVar(&opts.Save, "save", false, "replace the stored estimate rows")
	cmd.Flags().BoolVar(&opts.JSONOutput, "json", false, "print the estimate as JSON")
	_ = cmd.MarkFlagRequired("division")
	_ = cmd.MarkFlagRequired("year")
	_ = cmd.MarkFlagRequired("months")
	return cmd
}

func reportEstimate(out io.Writer, est budget.Estimate, saved *budget.EstimateResult, asJSON bool) error {
	if asJSON {
		if saved != nil {
			return json.NewEncoder(out).Encode(saved)
		}
		return json.NewEncoder(out).Encode(est)
	}
	_, _ = fmt.Fprintf(out, "%s %d base period %v, %d lines\n", est.Division, est.Year, est.BasePeriod, len(est.Lines))
	tw := tabwriter.NewWriter(out, 0, 0, 2, ' ', tabwriter.AlignRight)
	_, _ = fmt.Fprintln(tw, "month\tKGS\tAmount\tMoRM\t")
	for _, m := range est.Months {
		_, _ = fmt.Fprintf(tw, "%d\t%.0f\t%.0f\t%.0f\t\n", m.Month, m.Quantity, m.Revenue, m.Margin)
	}
	if err := tw.Flush(); err != nil {
		return err
	}
	if saved != nil {
		_, _ = fmt.Fprintf(out, "saved: deleted %d, inserted %d\n", saved.Deleted, saved.Inserted)
	}
	return nil
}
