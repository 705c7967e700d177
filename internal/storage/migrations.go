package storage

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
)

// ExpectedSchemaVersion is the latest schema version that the application expects.
// If the database cannot be migrated to this version, it's a fatal error.
const ExpectedSchemaVersion = 4

// Migration represents a database schema migration.
type Migration struct {
	Up          func(*sql.Tx) error
	Description string
	Version     int
}

func execAll(tx *sql.Tx, queries []string) error {
	for _, query := range queries {
		if _, err := tx.Exec(query); err != nil {
			return fmt.Errorf("failed to execute query '%s': %w", query, err)
		}
	}
	return nil
}

var migrations = []Migration{
	{
		Version:     1,
		Description: "Initial schema",
		Up: func(tx *sql.Tx) error {
			return execAll(tx, []string{
				`CREATE TABLE IF NOT EXISTS items (
					id TEXT PRIMARY KEY,
					household_id TEXT NOT NULL,
					name TEXT NOT NULL,
					canonical_name TEXT NOT NULL,
					canonical_key TEXT NOT NULL,
					brand TEXT DEFAULT '',
					category TEXT DEFAULT '',
					quantity REAL DEFAULT 0,
					unit TEXT DEFAULT '',
					package_size REAL DEFAULT 0,
					package_unit TEXT DEFAULT '',
					last_purchase_date DATETIME,
					last_purchase_price REAL DEFAULT 0,
					price_history TEXT DEFAULT '[]',
					predicted_run_out_date DATETIME,
					prediction_confidence TEXT NOT NULL DEFAULT 'none',
					avg_frequency_days REAL DEFAULT 0,
					avg_consumption_rate REAL DEFAULT 0,
					teach_mode BOOLEAN DEFAULT 0,
					teach_mode_frequency_days INTEGER DEFAULT 0,
					created_at DATETIME NOT NULL,
					updated_at DATETIME NOT NULL,
					deleted_at DATETIME,
					version INTEGER NOT NULL DEFAULT 1
				)`,
				`CREATE INDEX idx_items_household ON items(household_id)`,
				`CREATE INDEX idx_items_canonical_key ON items(household_id, canonical_key)`,

				`CREATE TABLE IF NOT EXISTS transactions (
					id TEXT PRIMARY KEY,
					item_id TEXT NOT NULL,
					household_id TEXT NOT NULL,
					date DATETIME NOT NULL,
					quantity REAL DEFAULT 0,
					price REAL DEFAULT 0,
					source TEXT NOT NULL,
					raw_text TEXT DEFAULT '',
					confidence REAL DEFAULT 1,
					quick_restock BOOLEAN DEFAULT 0,
					parse_job_id TEXT DEFAULT '',
					line_number INTEGER DEFAULT 0,
					created_at DATETIME NOT NULL,
					FOREIGN KEY (item_id) REFERENCES items(id)
				)`,
				`CREATE INDEX idx_transactions_item ON transactions(item_id, date)`,
				`CREATE INDEX idx_transactions_household ON transactions(household_id)`,
			})
		},
	},
	{
		Version:     2,
		Description: "Add parse jobs and parsed items for ingestion triage",
		Up: func(tx *sql.Tx) error {
			return execAll(tx, []string{
				`CREATE TABLE IF NOT EXISTS parse_jobs (
					id TEXT PRIMARY KEY,
					household_id TEXT NOT NULL,
					created_by TEXT NOT NULL,
					source TEXT NOT NULL,
					format TEXT NOT NULL,
					payload BLOB,
					status TEXT NOT NULL,
					total_lines INTEGER DEFAULT 0,
					processed INTEGER DEFAULT 0,
					auto_accepted INTEGER DEFAULT 0,
					needs_review INTEGER DEFAULT 0,
					failed INTEGER DEFAULT 0,
					error_message TEXT DEFAULT '',
					cancel_requested BOOLEAN DEFAULT 0,
					queued_until DATETIME,
					created_at DATETIME NOT NULL,
					updated_at DATETIME NOT NULL,
					started_at DATETIME,
					completed_at DATETIME,
					version INTEGER NOT NULL DEFAULT 1
				)`,
				`CREATE INDEX idx_parse_jobs_household ON parse_jobs(household_id)`,
				`CREATE INDEX idx_parse_jobs_status ON parse_jobs(status)`,

				`CREATE TABLE IF NOT EXISTS parsed_items (
					id TEXT PRIMARY KEY,
					job_id TEXT NOT NULL,
					household_id TEXT NOT NULL,
					line_number INTEGER NOT NULL,
					raw_text TEXT NOT NULL,
					extracted TEXT,
					confidence REAL DEFAULT 0,
					needs_review BOOLEAN DEFAULT 0,
					user_reviewed BOOLEAN DEFAULT 0,
					status TEXT NOT NULL,
					reason TEXT,
					item_id TEXT DEFAULT '',
					transaction_id TEXT DEFAULT '',
					created_at DATETIME NOT NULL,
					resolved_at DATETIME,
					resolved_by TEXT DEFAULT '',
					UNIQUE(job_id, line_number),
					FOREIGN KEY (job_id) REFERENCES parse_jobs(id)
				)`,
				`CREATE INDEX idx_parsed_items_review ON parsed_items(household_id, status)`,
			})
		},
	},
	{
		Version:     3,
		Description: "Add normalization cache",
		Up: func(tx *sql.Tx) error {
			return execAll(tx, []string{
				`CREATE TABLE IF NOT EXISTS normalization_cache (
					key TEXT PRIMARY KEY,
					household_id TEXT NOT NULL,
					vendor TEXT DEFAULT '',
					raw_text TEXT NOT NULL,
					normalized TEXT NOT NULL,
					hit_count INTEGER DEFAULT 0,
					created_at DATETIME NOT NULL,
					last_accessed_at DATETIME NOT NULL,
					expires_at DATETIME NOT NULL
				)`,
				`CREATE INDEX idx_normalization_cache_expires ON normalization_cache(expires_at)`,
			})
		},
	},
	{
		Version:     4,
		Description: "Add item override ledger",
		Up: func(tx *sql.Tx) error {
			return execAll(tx, []string{
				`CREATE TABLE IF NOT EXISTS item_overrides (
					id INTEGER PRIMARY KEY AUTOINCREMENT,
					item_id TEXT NOT NULL,
					user_id TEXT NOT NULL,
					applied_at DATETIME NOT NULL,
					previous_date DATETIME,
					new_predicted_date DATETIME NOT NULL,
					reason TEXT NOT NULL,
					reason_text TEXT DEFAULT '',
					days_difference INTEGER DEFAULT 0,
					FOREIGN KEY (item_id) REFERENCES items(id)
				)`,
				`CREATE INDEX idx_item_overrides_item ON item_overrides(item_id)`,
				// The ledger is append-only.
				`CREATE TRIGGER item_overrides_no_update
				BEFORE UPDATE ON item_overrides
				BEGIN
					SELECT RAISE(ABORT, 'item_overrides is append-only');
				END`,
				`CREATE TRIGGER item_overrides_no_delete
				BEFORE DELETE ON item_overrides
				BEGIN
					SELECT RAISE(ABORT, 'item_overrides is append-only');
				END`,
			})
		},
	},
}

// Migrate applies all pending database migrations.
func (s *SQLiteStorage) Migrate(ctx context.Context) error {
	if err := validateContext(ctx); err != nil {
		return err
	}

	// Get current version
	var currentVersion int
	err := s.db.QueryRowContext(ctx, "PRAGMA user_version").Scan(&currentVersion)
	if err != nil {
		return fmt.Errorf("failed to get schema version: %w", err)
	}

	// Apply migrations
	for _, migration := range migrations {
		if migration.Version <= currentVersion {
			continue
		}

		tx, txErr := s.db.BeginTx(ctx, nil)
		if txErr != nil {
			return fmt.Errorf("failed to begin transaction: %w", txErr)
		}

		if upErr := migration.Up(tx); upErr != nil {
			_ = tx.Rollback()
			return fmt.Errorf("migration %d failed: %w", migration.Version, upErr)
		}

		// Update version
		if _, execErr := tx.Exec(fmt.Sprintf("PRAGMA user_version = %d", migration.Version)); execErr != nil {
			_ = tx.Rollback()
			return fmt.Errorf("failed to update schema version: %w", execErr)
		}

		if commitErr := tx.Commit(); commitErr != nil {
			return fmt.Errorf("failed to commit migration %d: %w", migration.Version, commitErr)
		}

		slog.Debug("Applied migration",
			"version", migration.Version,
			"description", migration.Description)
	}

	// Verify we're at the expected schema version
	var finalVersion int
	err = s.db.QueryRowContext(ctx, "PRAGMA user_version").Scan(&finalVersion)
	if err != nil {
		return fmt.Errorf("failed to verify final schema version: %w", err)
	}

	if finalVersion != ExpectedSchemaVersion {
		return fmt.Errorf("database schema version mismatch: expected %d, got %d", ExpectedSchemaVersion, finalVersion)
	}

	return nil
}

// SchemaVersion returns the schema version the database is currently at.
func (s *SQLiteStorage) SchemaVersion(ctx context.Context) (int, error) {
	if err := validateContext(ctx); err != nil {
		return 0, err
	}

	var version int
	if err := s.db.QueryRowContext(ctx, "PRAGMA user_version").Scan(&version); err != nil {
		return 0, fmt.Errorf("failed to get schema version: %w", err)
	}
	return version, nil
}
