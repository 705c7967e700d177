package main

import (
	"fmt"
	"log/slog"

	"github.com/spf13/cobra"

	"github.com/Veraticus/restock/internal/cli"
	"github.com/Veraticus/restock/internal/storage"
)

func migrateCmd(opts *rootOptions) *cobra.Command {
	var status bool

	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Run database migrations",
		Long: `Initialize or update the database schema to the latest version.

Every other command migrates on startup too; this one is useful for
checking the schema version or preparing a fresh database.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			dbPath := opts.cfg.Database.Path

			store, err := storage.NewSQLiteStorage(dbPath)
			if err != nil {
				return fmt.Errorf("failed to open database: %w", err)
			}
			defer func() { _ = store.Close() }()

			out := cmd.OutOrStdout()
			if status {
				current, err := store.SchemaVersion(ctx)
				if err != nil {
					return err
				}
				fmt.Fprintf(out, "Database: %s\nCurrent version: %d\nLatest version: %d\n",
					dbPath, current, storage.ExpectedSchemaVersion)
				return nil
			}

			slog.Info("Running database migrations", "database", dbPath)
			if err := store.Migrate(ctx); err != nil {
				return fmt.Errorf("migration failed: %w", err)
			}

			fmt.Fprintln(out, cli.FormatSuccess("Database migrations completed"))
			return nil
		},
	}

	cmd.Flags().BoolVar(&status, "status", false, "show the schema version without applying changes")
	return cmd
}
