package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/example/reservation-engine/internal/persistence/sqlite"
)

func newMigrateCommand(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply pending database migrations",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, logger, closer, err := opts.setup()
			if err != nil {
				return err
			}
			defer closer.Close()

			if cfg.Storage.Driver != "sqlite" {
				return fmt.Errorf("migrate requires the sqlite storage driver, configured %q", cfg.Storage.Driver)
			}

			pool, err := sqlite.NewConnectionPool(cmd.Context(), cfg.SQLite())
			if err != nil {
				return fmt.Errorf("open storage: %w", err)
			}
			defer pool.Close()

			applied, err := pool.Migrate(cmd.Context(), logger)
			if err != nil {
				logger.Error("failed to apply migrations", "error", err)
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "applied %d migration(s) to %s\n", applied, cfg.Storage.Path)
			return nil
		},
	}
}
