package cmd

import (
	"github.com/spf13/cobra"
)

func newServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API, tick workers, and scheduler",
		Long: `Starts the HTTP API together with the tick dispatcher and the cron
scheduler that re-enqueues running audits and sweeps for stuck ones. Blocks
until SIGINT or SIGTERM.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			app, err := appFrom(cmd)
			if err != nil {
				return err
			}
			return app.Run(cmd.Context())
		},
	}
}
