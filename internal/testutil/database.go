// Package testutil provides test utilities for the restock project: an
// isolated SQLite database per test, a controllable clock, and a fluent
// builder for seeding household inventory.
package testutil

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/Veraticus/restock/internal/service"
	"github.com/Veraticus/restock/internal/storage"
)

// DefaultHousehold is the household used by fixtures unless told otherwise.
const DefaultHousehold = "household-test"

// DefaultUser is the acting user used by fixtures.
const DefaultUser = "user-test"

// TestDB represents a test database with associated test utilities.
type TestDB struct {
	Storage *storage.SQLiteStorage
	Clock   *Clock
	t       *testing.T
}

// SetupTestDB creates a new in-memory test database with migrations applied
// and a fixed clock wired into storage timestamps.
//
// Example:
//
//	db := testutil.SetupTestDB(t)
//	items := testutil.NewItemBuilder(t).
//		WithItem("Milk", 0, 7, 14).
//		Build(ctx, db.Storage)
func SetupTestDB(t *testing.T) *TestDB {
	t.Helper()
	return SetupTestDBWithOptions(t, TestDBOptions{})
}

// TestDBOptions provides configuration options for test database setup.
type TestDBOptions struct {
	Start          time.Time
	CustomSetup    func(context.Context, service.Storage) error
	SkipMigrations bool
}

// SetupTestDBWithOptions creates a test database with custom options.
func SetupTestDBWithOptions(t *testing.T, opts TestDBOptions) *TestDB {
	t.Helper()

	store, err := storage.NewSQLiteStorage(":memory:")
	if err != nil {
		t.Fatalf("failed to create test database: %v", err)
	}
	ctx := context.Background()

	if !opts.SkipMigrations {
		if err := store.Migrate(ctx); err != nil {
			t.Fatalf("failed to run migrations: %v", err)
		}
	}

	start := opts.Start
	if start.IsZero() {
		start = DefaultStart
	}
	clock := NewClock(start)
	store.SetClock(clock.Now)

	if opts.CustomSetup != nil {
		if err := opts.CustomSetup(ctx, store); err != nil {
			t.Fatalf("custom setup failed: %v", err)
		}
	}

	t.Cleanup(func() {
		_ = store.Close()
	})

	return &TestDB{
		Storage: store,
		Clock:   clock,
		t:       t,
	}
}

// WithTransaction executes fn within a database transaction that is always
// rolled back afterwards.
func (db *TestDB) WithTransaction(fn func(tx service.Transaction) error) error {
	ctx := context.Background()
	tx, err := db.Storage.BeginTx(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}

	defer func() { _ = tx.Rollback() }()

	return fn(tx)
}

// TransactionCount returns the number of purchase events recorded for a
// household, failing the test on error.
func (db *TestDB) TransactionCount(householdID string) int {
	db.t.Helper()
	txns, err := db.Storage.ListTransactionsByHousehold(context.Background(), householdID)
	if err != nil {
		db.t.Fatalf("failed to list transactions: %v", err)
	}
	return len(txns)
}
