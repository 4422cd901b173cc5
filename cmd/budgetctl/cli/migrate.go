package cli

import (
	"fmt"

	"github.com/spf13/cobra"
)

func newMigrateCommand(connect Connector) *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply schema migrations and prepare the configured divisions",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withBackend(cmd.Context(), connect, func(b *Backend) error {
				if b.Migrate == nil {
					return fmt.Errorf("migrate: not supported by this backend")
				}
				if err := b.Migrate(cmd.Context()); err != nil {
					return err
				}
				_, _ = fmt.Fprintln(cmd.OutOrStdout(), "schema up to date")
				return nil
			})
		},
	}
}
