package cli

import (
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/zoravur/continuum/internal/logutil"
	"github.com/zoravur/continuum/internal/persistence"
)

// NewMigrateCommand creates the migrate command.
func NewMigrateCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply pending schema migrations to the platform database",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig(rootOpts)
			if err != nil {
				return err
			}
			logger, err := logutil.New(cfg.Log.Level, cfg.Log.Format)
			if err != nil {
				return err
			}
			defer func() { _ = logger.Sync() }()

			if err := persistence.Migrate(cmd.Context(), cfg.Postgres.URL); err != nil {
				logger.Error("migration failed", zap.Error(err))
				return err
			}
			logger.Info("database migrated")
			return nil
		},
	}
}
