package storage

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/Veraticus/restock/internal/model"
	"github.com/Veraticus/restock/internal/service"

	_ "github.com/mattn/go-sqlite3" // SQLite driver
)

// SQLiteStorage implements the Storage interface using SQLite.
type SQLiteStorage struct {
	db     *sql.DB
	now    func() time.Time
	dbPath string
}

var _ service.Storage = (*SQLiteStorage)(nil)

// queryable is satisfied by both *sql.DB and *sql.Tx so every query helper
// can run inside or outside a transaction.
type queryable interface {
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

// NewSQLiteStorage creates a new SQLite storage instance.
func NewSQLiteStorage(dbPath string) (*SQLiteStorage, error) {
	if err := validateString(dbPath, "dbPath"); err != nil {
		return nil, err
	}

	dsn := ":memory:?_foreign_keys=on"
	if dbPath != ":memory:" {
		// Ensure directory exists
		dir := filepath.Dir(dbPath)
		if err := os.MkdirAll(dir, 0750); err != nil {
			return nil, fmt.Errorf("failed to create database directory: %w", err)
		}
		dsn = dbPath + "?_journal_mode=WAL&_busy_timeout=5000&_foreign_keys=on"
	}

	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// SQLite serializes writers; a single connection also keeps an
	// in-memory database alive for the lifetime of the storage.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	return &SQLiteStorage{
		db:     db,
		dbPath: dbPath,
		now:    time.Now,
	}, nil
}

// SetClock replaces the clock used for created/updated timestamps.
func (s *SQLiteStorage) SetClock(now func() time.Time) {
	s.now = now
}

// Close closes the database connection.
func (s *SQLiteStorage) Close() error {
	return s.db.Close()
}

func (s *SQLiteStorage) timestamp() time.Time {
	return s.now().UTC()
}

// BeginTx starts a new database transaction.
func (s *SQLiteStorage) BeginTx(ctx context.Context) (service.Transaction, error) {
	if err := validateContext(ctx); err != nil {
		return nil, err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}

	return &sqliteTransaction{
		tx:      tx,
		storage: s,
	}, nil
}

// sqliteTransaction wraps sql.Tx to implement service.Transaction.
type sqliteTransaction struct {
	tx      *sql.Tx
	storage *SQLiteStorage
}

func (t *sqliteTransaction) Commit() error {
	return t.tx.Commit()
}

func (t *sqliteTransaction) Rollback() error {
	return t.tx.Rollback()
}

// Transaction methods delegate to the main storage with the transaction.

func (t *sqliteTransaction) CreateItem(ctx context.Context, item *model.Item) error {
	return t.storage.createItemTx(ctx, t.tx, item)
}

func (t *sqliteTransaction) GetItem(ctx context.Context, householdID, id string) (*model.Item, error) {
	return t.storage.getItemTx(ctx, t.tx, householdID, id)
}

func (t *sqliteTransaction) UpdateItem(ctx context.Context, item *model.Item) error {
	return t.storage.updateItemTx(ctx, t.tx, item)
}

func (t *sqliteTransaction) SoftDeleteItem(ctx context.Context, householdID, id string, at time.Time) error {
	return t.storage.softDeleteItemTx(ctx, t.tx, householdID, id, at)
}

func (t *sqliteTransaction) ListItems(ctx context.Context, householdID string) ([]model.Item, error) {
	return t.storage.listItemsTx(ctx, t.tx, householdID)
}

func (t *sqliteTransaction) FindActiveItemByName(ctx context.Context, householdID, name string) (*model.Item, error) {
	return t.storage.findActiveItemByNameTx(ctx, t.tx, householdID, name)
}

func (t *sqliteTransaction) ListItemsRunningOutWithin(ctx context.Context, householdID string, now time.Time, days int) ([]model.Item, error) {
	return t.storage.listItemsRunningOutWithinTx(ctx, t.tx, householdID, now, days)
}

func (t *sqliteTransaction) ListLowConfidenceItems(ctx context.Context, householdID string) ([]model.Item, error) {
	return t.storage.listLowConfidenceItemsTx(ctx, t.tx, householdID)
}

func (t *sqliteTransaction) GetItemStats(ctx context.Context, householdID string) (*model.ItemStats, error) {
	return t.storage.getItemStatsTx(ctx, t.tx, householdID)
}

func (t *sqliteTransaction) AppendOverride(ctx context.Context, override *model.Override) error {
	return t.storage.appendOverrideTx(ctx, t.tx, override)
}

func (t *sqliteTransaction) ListOverrides(ctx context.Context, itemID string) ([]model.Override, error) {
	return t.storage.listOverridesTx(ctx, t.tx, itemID)
}

func (t *sqliteTransaction) CreateTransaction(ctx context.Context, txn *model.Transaction) (bool, error) {
	return t.storage.createTransactionTx(ctx, t.tx, txn)
}

func (t *sqliteTransaction) ListTransactionsByItem(ctx context.Context, householdID, itemID string) ([]model.Transaction, error) {
	return t.storage.listTransactionsByItemTx(ctx, t.tx, householdID, itemID)
}

func (t *sqliteTransaction) ListTransactionsByHousehold(ctx context.Context, householdID string) ([]model.Transaction, error) {
	return t.storage.listTransactionsByHouseholdTx(ctx, t.tx, householdID)
}

func (t *sqliteTransaction) GetLatestTransactionByItem(ctx context.Context, householdID, itemID string) (*model.Transaction, error) {
	return t.storage.getLatestTransactionByItemTx(ctx, t.tx, householdID, itemID)
}

func (t *sqliteTransaction) CreateParseJob(ctx context.Context, job *model.ParseJob) error {
	return t.storage.createParseJobTx(ctx, t.tx, job)
}

func (t *sqliteTransaction) GetParseJob(ctx context.Context, id string) (*model.ParseJob, error) {
	return t.storage.getParseJobTx(ctx, t.tx, id)
}

func (t *sqliteTransaction) UpdateParseJob(ctx context.Context, job *model.ParseJob) error {
	return t.storage.updateParseJobTx(ctx, t.tx, job)
}

func (t *sqliteTransaction) RequestJobCancel(ctx context.Context, id string) error {
	return t.storage.requestJobCancelTx(ctx, t.tx, id)
}

func (t *sqliteTransaction) ListParseJobs(ctx context.Context, householdID string) ([]model.ParseJob, error) {
	return t.storage.listParseJobsTx(ctx, t.tx, householdID)
}

func (t *sqliteTransaction) ListResumableJobs(ctx context.Context, limit int) ([]model.ParseJob, error) {
	return t.storage.listResumableJobsTx(ctx, t.tx, limit)
}

func (t *sqliteTransaction) SumJobLinesStartedSince(ctx context.Context, householdID string, since time.Time) (int, time.Time, error) {
	return t.storage.sumJobLinesStartedSinceTx(ctx, t.tx, householdID, since)
}

func (t *sqliteTransaction) CreateParsedItem(ctx context.Context, item *model.ParsedItem) error {
	return t.storage.createParsedItemTx(ctx, t.tx, item)
}

func (t *sqliteTransaction) GetParsedItem(ctx context.Context, id string) (*model.ParsedItem, error) {
	return t.storage.getParsedItemTx(ctx, t.tx, id)
}

func (t *sqliteTransaction) GetParsedItemByLine(ctx context.Context, jobID string, lineNumber int) (*model.ParsedItem, error) {
	return t.storage.getParsedItemByLineTx(ctx, t.tx, jobID, lineNumber)
}

func (t *sqliteTransaction) ResolveParsedItem(ctx context.Context, item *model.ParsedItem, from model.ParsedItemStatus) error {
	return t.storage.resolveParsedItemTx(ctx, t.tx, item, from)
}

func (t *sqliteTransaction) ListParsedItems(ctx context.Context, jobID string) ([]model.ParsedItem, error) {
	return t.storage.listParsedItemsTx(ctx, t.tx, jobID)
}

func (t *sqliteTransaction) ListPendingReview(ctx context.Context, householdID string) ([]model.ParsedItem, error) {
	return t.storage.listPendingReviewTx(ctx, t.tx, householdID)
}

func (t *sqliteTransaction) CountParsedItems(ctx context.Context, jobID string) (map[model.ParsedItemStatus]int, error) {
	return t.storage.countParsedItemsTx(ctx, t.tx, jobID)
}

func (t *sqliteTransaction) GetCacheEntry(ctx context.Context, key string) (*model.CacheEntry, error) {
	return t.storage.getCacheEntryTx(ctx, t.tx, key)
}

func (t *sqliteTransaction) InsertCacheEntry(ctx context.Context, entry *model.CacheEntry) (bool, error) {
	return t.storage.insertCacheEntryTx(ctx, t.tx, entry)
}

func (t *sqliteTransaction) TouchCacheEntry(ctx context.Context, key string, at time.Time) error {
	return t.storage.touchCacheEntryTx(ctx, t.tx, key, at)
}

func (t *sqliteTransaction) PurgeExpiredCacheEntries(ctx context.Context, now time.Time) (int64, error) {
	return t.storage.purgeExpiredCacheEntriesTx(ctx, t.tx, now)
}

func (t *sqliteTransaction) Migrate(_ context.Context) error {
	// Migrations should not be run within a transaction
	return fmt.Errorf("migrations cannot be run within a transaction")
}

func (t *sqliteTransaction) BeginTx(_ context.Context) (service.Transaction, error) {
	// Nested transactions not supported
	return nil, fmt.Errorf("nested transactions not supported")
}

func (t *sqliteTransaction) Close() error {
	// Transactions should be committed or rolled back, not closed
	return fmt.Errorf("transactions must be committed or rolled back, not closed")
}
