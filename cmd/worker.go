package cmd

import (
	"github.com/spf13/cobra"

	"github.com/JakeFAU/scrape-task-engine/internal/server"
)

func newWorkerCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "worker",
		Short: "Run a Temporal worker for scrape batches",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := configFrom(cmd.Context())
			if err != nil {
				return err
			}
			app, err := server.Build(cmd.Context(), cfg)
			if err != nil {
				return err
			}
			return app.RunWorker(cmd.Context())
		},
	}
}
