package cmd

import (
	"fmt"

	"github.com/spf13/cobra"
)

func newSweepCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "sweep",
		Short: "Run one watchdog pass over running audits",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			app, err := appFrom(cmd)
			if err != nil {
				return err
			}
			report, err := app.Sweeper().Sweep(cmd.Context())
			if err != nil {
				return fmt.Errorf("watchdog sweep: %w", err)
			}
			return printJSON(cmd.OutOrStdout(), report)
		},
	}
}
