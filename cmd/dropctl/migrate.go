package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/sofatutor/droptoken/internal/config"
	"github.com/sofatutor/droptoken/internal/store"
)

// newMigrateCmd is the parent command for migration operations on the sqlite store.
func newMigrateCmd(opts *rootOptions) *cobra.Command {
	migrateCmd := &cobra.Command{
		Use:   "migrate",
		Short: "Manage database migrations",
		Long:  `Database migration management commands for applying, rolling back, and checking migration status.`,
	}

	migrateUpCmd := &cobra.Command{
		Use:   "up",
		Short: "Apply all pending migrations",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withMigrationRunner(opts, func(r *store.MigrationRunner) error {
				if err := r.Up(); err != nil {
					return fmt.Errorf("failed to apply migrations: %w", err)
				}
				fmt.Fprintln(cmd.OutOrStdout(), "Migrations applied successfully")
				return nil
			})
		},
	}

	migrateDownCmd := &cobra.Command{
		Use:   "down",
		Short: "Rollback the last migration",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withMigrationRunner(opts, func(r *store.MigrationRunner) error {
				if err := r.Down(); err != nil {
					return fmt.Errorf("failed to rollback migration: %w", err)
				}
				fmt.Fprintln(cmd.OutOrStdout(), "Migration rolled back successfully")
				return nil
			})
		},
	}

	migrateStatusCmd := &cobra.Command{
		Use:     "status",
		Aliases: []string{"version"},
		Short:   "Show current migration version",
		Args:    cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withMigrationRunner(opts, func(r *store.MigrationRunner) error {
				version, err := r.Version()
				if err != nil {
					return fmt.Errorf("failed to get migration status: %w", err)
				}
				if opts.jsonOut {
					return printJSON(cmd.OutOrStdout(), map[string]int64{"version": version})
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Current migration version: %d\n", version)
				return nil
			})
		},
	}

	migrateCmd.AddCommand(migrateUpCmd, migrateDownCmd, migrateStatusCmd)
	return migrateCmd
}

// withMigrationRunner opens the configured sqlite database, which applies
// pending migrations, and hands its runner to fn.
func withMigrationRunner(opts *rootOptions, fn func(r *store.MigrationRunner) error) error {
	cfg, err := loadConfig(opts)
	if err != nil {
		return err
	}
	if cfg.StoreBackend != config.BackendSQLite {
		return fmt.Errorf("migrations require STORE_BACKEND=sqlite, got %q", cfg.StoreBackend)
	}

	sc := store.DefaultSQLiteConfig()
	sc.Path = cfg.DatabasePath
	s, err := store.NewSQLiteStore(sc)
	if err != nil {
		return err
	}
	defer func() {
		if closeErr := s.Close(); closeErr != nil {
			fmt.Printf("Warning: Failed to close database connection: %v\n", closeErr)
		}
	}()

	return fn(store.NewMigrationRunner(s.DB()))
}
