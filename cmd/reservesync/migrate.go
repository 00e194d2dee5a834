package main

import (
	"log"

	"github.com/spf13/cobra"

	"reservesync/internal/infrastructure/postgres"
)

// NewMigrateCommand creates the migrate command.
func NewMigrateCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply pending database migrations",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := commandContext(cmd)

			cfg, err := loadConfig(ctx, false)
			if err != nil {
				return err
			}

			db, err := postgres.Open(ctx, cfg.Database.ConnectionString())
			if err != nil {
				return WrapExitError(ExitCommandError, "failed to connect to database", err)
			}
			defer db.Close()

			if err := postgres.Migrate(ctx, db); err != nil {
				return WrapExitError(ExitCommandError, "migration failed", err)
			}
			log.Println("Database schema is up to date")
			return nil
		},
	}
}
