package main

import (
	"errors"
	"fmt"
	"io"
	"log/slog"

	"github.com/spf13/cobra"

	"github.com/example/capture-scheduler/internal/config"
	"github.com/example/capture-scheduler/internal/persistence/sqlite"
	"github.com/example/capture-scheduler/internal/persistence/sqlite/migration"
)

var errMigrateDriver = errors.New("migrate requires the sqlite storage driver")

func newMigrateCommand(logger *slog.Logger) *cobra.Command {
	var statusOnly bool

	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Apply pending database migrations",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.LoadStorage()
			if err != nil {
				return err
			}
			if cfg.StorageDriver != config.DriverSQLite {
				return errMigrateDriver
			}

			db, err := migration.Open(migration.DefaultSQLiteConfig(cfg.SQLitePath))
			if err != nil {
				return fmt.Errorf("failed to open database: %w", err)
			}
			defer func() {
				if cerr := db.Close(); cerr != nil {
					logger.Error("failed to close migration database connection", "error", cerr)
				}
			}()

			manager := migration.NewManager(sqlite.Migrations(), migration.NewSQLiteExecutor(db), logger)
			if !statusOnly {
				if err := manager.RunMigrations(cmd.Context()); err != nil {
					return err
				}
			}
			status, err := manager.Status(cmd.Context())
			if err != nil {
				return err
			}
			printStatus(cmd.OutOrStdout(), status)
			return nil
		},
	}
	cmd.Flags().BoolVar(&statusOnly, "status", false, "report the schema version without applying migrations")
	return cmd
}

func printStatus(w io.Writer, status *migration.Status) {
	current := status.CurrentVersion
	if current == "" {
		current = "none"
	}
	fmt.Fprintf(w, "current version: %s\n", current)
	fmt.Fprintf(w, "applied: %d\n", len(status.Applied))
	fmt.Fprintf(w, "pending: %d\n", len(status.Pending))
	for _, m := range status.Pending {
		fmt.Fprintf(w, "  %s %s\n", m.Version, m.Description)
	}
}
