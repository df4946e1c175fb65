package cmd

import (
	"github.com/spf13/cobra"

	"github.com/JakeFAU/scrape-task-engine/internal/server"
)

func newServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API",
		Long: `Serves the task API. In local mode batches run on an in-process worker
pool; in temporal mode each batch starts a workflow and "worker" processes
execute it.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := configFrom(cmd.Context())
			if err != nil {
				return err
			}
			app, err := server.Build(cmd.Context(), cfg)
			if err != nil {
				return err
			}
			return app.Serve(cmd.Context())
		},
	}
}
