package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/Veraticus/restock/internal/common"
	"github.com/Veraticus/restock/internal/model"
)

// GetCacheEntry retrieves a cache entry by key, expired or not.
func (s *SQLiteStorage) GetCacheEntry(ctx context.Context, key string) (*model.CacheEntry, error) {
	return s.getCacheEntryTx(ctx, s.db, key)
}

func (s *SQLiteStorage) getCacheEntryTx(ctx context.Context, q queryable, key string) (*model.CacheEntry, error) {
	if err := validateContext(ctx); err != nil {
		return nil, err
	}
	if err := validateString(key, "key"); err != nil {
		return nil, err
	}

	var entry model.CacheEntry
	var normalized string
	err := q.QueryRowContext(ctx, `
		SELECT key, household_id, vendor, raw_text, normalized, hit_count, created_at, last_accessed_at, expires_at
		FROM normalization_cache
		WHERE key = ?
	`, key).Scan(
		&entry.Key, &entry.HouseholdID, &entry.Vendor, &entry.RawText, &normalized,
		&entry.HitCount, &entry.CreatedAt, &entry.LastAccessedAt, &entry.ExpiresAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, common.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get cache entry: %w", err)
	}

	if err := json.Unmarshal([]byte(normalized), &entry.Normalized); err != nil {
		return nil, fmt.Errorf("failed to decode cache entry %s: %w", key, err)
	}
	return &entry, nil
}

// InsertCacheEntry writes an entry unless a live one holds the key. Live
// entries are never overwritten; an expired one is replaced wholesale.
func (s *SQLiteStorage) InsertCacheEntry(ctx context.Context, entry *model.CacheEntry) (bool, error) {
	return s.insertCacheEntryTx(ctx, s.db, entry)
}

func (s *SQLiteStorage) insertCacheEntryTx(ctx context.Context, q queryable, entry *model.CacheEntry) (bool, error) {
	if err := validateContext(ctx); err != nil {
		return false, err
	}
	if err := validateCacheEntry(entry); err != nil {
		return false, err
	}

	normalized, err := json.Marshal(entry.Normalized)
	if err != nil {
		return false, fmt.Errorf("failed to encode normalized item: %w", err)
	}

	result, err := q.ExecContext(ctx, `
		INSERT INTO normalization_cache (key, household_id, vendor, raw_text, normalized, hit_count, created_at, last_accessed_at, expires_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(key) DO UPDATE SET
			household_id = excluded.household_id,
			vendor = excluded.vendor,
			raw_text = excluded.raw_text,
			normalized = excluded.normalized,
			hit_count = excluded.hit_count,
			created_at = excluded.created_at,
			last_accessed_at = excluded.last_accessed_at,
			expires_at = excluded.expires_at
		WHERE julianday(normalization_cache.expires_at) <= julianday(excluded.created_at)
	`,
		entry.Key, entry.HouseholdID, entry.Vendor, entry.RawText, string(normalized), entry.HitCount,
		entry.CreatedAt.UTC(), entry.LastAccessedAt.UTC(), entry.ExpiresAt.UTC(),
	)
	if err != nil {
		return false, fmt.Errorf("failed to insert cache entry: %w", err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to get rows affected: %w", err)
	}
	return rowsAffected == 1, nil
}

// TouchCacheEntry records a hit.
func (s *SQLiteStorage) TouchCacheEntry(ctx context.Context, key string, at time.Time) error {
	return s.touchCacheEntryTx(ctx, s.db, key, at)
}

func (s *SQLiteStorage) touchCacheEntryTx(ctx context.Context, q queryable, key string, at time.Time) error {
	if err := validateContext(ctx); err != nil {
		return err
	}

	result, err := q.ExecContext(ctx, `
		UPDATE normalization_cache
		SET hit_count = hit_count + 1, last_accessed_at = ?
		WHERE key = ?
	`, at.UTC(), key)
	if err != nil {
		return fmt.Errorf("failed to touch cache entry: %w", err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rowsAffected == 0 {
		return common.ErrNotFound
	}
	return nil
}

// PurgeExpiredCacheEntries deletes entries past their expiry.
func (s *SQLiteStorage) PurgeExpiredCacheEntries(ctx context.Context, now time.Time) (int64, error) {
	return s.purgeExpiredCacheEntriesTx(ctx, s.db, now)
}

func (s *SQLiteStorage) purgeExpiredCacheEntriesTx(ctx context.Context, q queryable, now time.Time) (int64, error) {
	if err := validateContext(ctx); err != nil {
		return 0, err
	}

	// Stored timestamps vary in fractional precision; compare as julian days.
	result, err := q.ExecContext(ctx, `
		DELETE FROM normalization_cache WHERE julianday(expires_at) <= julianday(?)
	`, now.UTC())
	if err != nil {
		return 0, fmt.Errorf("failed to purge cache: %w", err)
	}
	return result.RowsAffected()
}
