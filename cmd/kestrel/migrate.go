package main

import (
	"fmt"
	"log/slog"

	"github.com/spf13/cobra"

	"github.com/opensource-finance/kestrel/internal/repository"
)

func migrateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Create the database schema if it does not exist",
		RunE: func(cmd *cobra.Command, _ []string) error {
			repo, err := repository.New(cfg.Repository)
			if err != nil {
				return fmt.Errorf("failed to initialize repository: %w", err)
			}
			defer repo.Close()

			if err := repo.Migrate(cmd.Context()); err != nil {
				return fmt.Errorf("migration failed: %w", err)
			}

			slog.Info("schema is up to date",
				"driver", cfg.Repository.Driver,
				"statements", len(repository.AllSchemas()),
			)
			return nil
		},
	}
}
