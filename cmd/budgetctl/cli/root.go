package cli

import (
	"context"
	"errors"
	"io"

	"github.com/spf13/cobra"
)

// NewRootCommand wires every budgetctl subcommand.
func NewRootCommand(connect Connector, stdout, stderr io.Writer) *cobra.Command {
	root := &cobra.Command{
		Use:           "budgetctl",
		Short:         "Sales budget operations",
		Long:          "Inspect, import and export budget documents and run proportional estimates.",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.SetOut(stdout)
	root.SetErr(stderr)

	root.AddCommand(
		newInspectCommand(),
		newImportCommand(connect),
		newEstimateCommand(connect),
		newExportCommand(connect),
		newMigrateCommand(connect),
	)
	return root
}

// withBackend opens the backend for the duration of fn.
func withBackend(ctx context.Context, connect Connector, fn func(*Backend) error) error {
	if connect == nil {
		return errors.New("no backend configured")
	}
	backend, release, err := connect(ctx)
	if err != nil {
		return err
	}
	if release != nil {
		defer release()
	}
	return fn(backend)
}
