package cmd

import (
	"fmt"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/JakeFAU/scrape-task-engine/internal/logging"
	"github.com/JakeFAU/scrape-task-engine/internal/server"
)

func newMigrateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Create the task table and indexes",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := configFrom(cmd.Context())
			if err != nil {
				return err
			}
			logger, err := logging.New(cfg.Logging.Development, cfg.Logging.Level)
			if err != nil {
				return fmt.Errorf("logger init failed: %w", err)
			}
			defer func() { _ = logger.Sync() }()
			if err := server.Migrate(cmd.Context(), cfg, logger); err != nil {
				return err
			}
			logger.Info("schema ready", zap.String("driver", cfg.Database.Driver))
			return nil
		},
	}
}
