// Package service defines the interfaces for all application services.
package service

import (
	"context"
	"time"

	"github.com/Veraticus/restock/internal/model"
)

// Actor is the explicit caller context passed into every core operation.
type Actor struct {
	HouseholdID string
	UserID      string
}

// ItemRepository persists items and their override ledger.
type ItemRepository interface {
	CreateItem(ctx context.Context, item *model.Item) error
	GetItem(ctx context.Context, householdID, id string) (*model.Item, error)
	// UpdateItem writes item if its Version still matches the stored row and
	// bumps item.Version. A stale version yields common.ErrVersionConflict.
	UpdateItem(ctx context.Context, item *model.Item) error
	SoftDeleteItem(ctx context.Context, householdID, id string, at time.Time) error
	ListItems(ctx context.Context, householdID string) ([]model.Item, error)
	FindActiveItemByName(ctx context.Context, householdID, name string) (*model.Item, error)
	ListItemsRunningOutWithin(ctx context.Context, householdID string, now time.Time, days int) ([]model.Item, error)
	ListLowConfidenceItems(ctx context.Context, householdID string) ([]model.Item, error)
	GetItemStats(ctx context.Context, householdID string) (*model.ItemStats, error)
	AppendOverride(ctx context.Context, override *model.Override) error
	ListOverrides(ctx context.Context, itemID string) ([]model.Override, error)
}

// TransactionRepository is the append-only purchase history store.
type TransactionRepository interface {
	// CreateTransaction inserts txn and reports whether a new row was written.
	// Inserting an ID that already exists is a no-op.
	CreateTransaction(ctx context.Context, txn *model.Transaction) (bool, error)
	ListTransactionsByItem(ctx context.Context, householdID, itemID string) ([]model.Transaction, error)
	ListTransactionsByHousehold(ctx context.Context, householdID string) ([]model.Transaction, error)
	GetLatestTransactionByItem(ctx context.Context, householdID, itemID string) (*model.Transaction, error)
}

// ParseJobRepository persists ingestion jobs.
type ParseJobRepository interface {
	CreateParseJob(ctx context.Context, job *model.ParseJob) error
	GetParseJob(ctx context.Context, id string) (*model.ParseJob, error)
	// UpdateParseJob has the same version semantics as UpdateItem.
	UpdateParseJob(ctx context.Context, job *model.ParseJob) error
	RequestJobCancel(ctx context.Context, id string) error
	ListParseJobs(ctx context.Context, householdID string) ([]model.ParseJob, error)
	ListResumableJobs(ctx context.Context, limit int) ([]model.ParseJob, error)
	// SumJobLinesStartedSince totals the lines of a household's jobs started
	// at or after since, and reports the earliest such start.
	SumJobLinesStartedSince(ctx context.Context, householdID string, since time.Time) (int, time.Time, error)
}

// ParsedItemRepository persists per-line triage results.
type ParsedItemRepository interface {
	CreateParsedItem(ctx context.Context, item *model.ParsedItem) error
	GetParsedItem(ctx context.Context, id string) (*model.ParsedItem, error)
	GetParsedItemByLine(ctx context.Context, jobID string, lineNumber int) (*model.ParsedItem, error)
	// ResolveParsedItem writes item if the stored status still equals from.
	// Otherwise it returns common.ErrAlreadyResolved.
	ResolveParsedItem(ctx context.Context, item *model.ParsedItem, from model.ParsedItemStatus) error
	ListParsedItems(ctx context.Context, jobID string) ([]model.ParsedItem, error)
	ListPendingReview(ctx context.Context, householdID string) ([]model.ParsedItem, error)
	CountParsedItems(ctx context.Context, jobID string) (map[model.ParsedItemStatus]int, error)
}

// NormalizationCacheRepository persists normalization cache entries.
type NormalizationCacheRepository interface {
	GetCacheEntry(ctx context.Context, key string) (*model.CacheEntry, error)
	// InsertCacheEntry writes entry unless a live entry already holds the
	// key; an expired entry may be replaced. It reports whether it wrote.
	InsertCacheEntry(ctx context.Context, entry *model.CacheEntry) (bool, error)
	TouchCacheEntry(ctx context.Context, key string, at time.Time) error
	PurgeExpiredCacheEntries(ctx context.Context, now time.Time) (int64, error)
}

// Storage defines the contract for our persistence layer.
type Storage interface {
	ItemRepository
	TransactionRepository
	ParseJobRepository
	ParsedItemRepository
	NormalizationCacheRepository

	// Database management
	Migrate(ctx context.Context) error
	BeginTx(ctx context.Context) (Transaction, error)
	Close() error
}

// Transaction represents a database transaction.
type Transaction interface {
	Commit() error
	Rollback() error
	// Include all Storage methods for use within transaction
	Storage
}

// RetryOptions configures retry behavior for operations.
type RetryOptions struct {
	MaxAttempts  int
	InitialDelay time.Duration
	MaxDelay     time.Duration
	Multiplier   float64
}
