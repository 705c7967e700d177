// Package normalize turns raw purchase text into structured item fields and
// memoizes the results per household.
package normalize

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"log/slog"
	"strings"
	"time"

	"github.com/Veraticus/restock/internal/common"
	"github.com/Veraticus/restock/internal/model"
	"github.com/Veraticus/restock/internal/service"
)

// DefaultTTL is the retention window of a cache entry, counted from creation.
const DefaultTTL = 90 * 24 * time.Hour

// Context scopes a normalization. Entries never cross households.
type Context struct {
	HouseholdID string
	Vendor      string
}

// Key derives the cache key for raw text in c.
func Key(raw string, c Context) string {
	h := sha256.New()
	h.Write([]byte(c.HouseholdID))
	h.Write([]byte{0})
	h.Write([]byte(strings.ToLower(strings.TrimSpace(c.Vendor))))
	h.Write([]byte{0})
	h.Write([]byte(strings.TrimSpace(raw)))
	return hex.EncodeToString(h.Sum(nil))
}

// Cache memoizes normalization results in a NormalizationCacheRepository.
// Every failure of the repository degrades to a miss.
type Cache struct {
	repo   service.NormalizationCacheRepository
	now    func() time.Time
	logger *slog.Logger
	ttl    time.Duration
}

// Option configures a Cache.
type Option func(*Cache)

// WithTTL overrides DefaultTTL.
func WithTTL(ttl time.Duration) Option {
	return func(c *Cache) {
		if ttl > 0 {
			c.ttl = ttl
		}
	}
}

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(c *Cache) {
		c.now = now
	}
}

// NewCache creates a cache over repo.
func NewCache(repo service.NormalizationCacheRepository, opts ...Option) *Cache {
	c := &Cache{
		repo:   repo,
		ttl:    DefaultTTL,
		now:    time.Now,
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Lookup returns the live entry for raw in c. A hit counts the access but
// never changes the stored content.
func (c *Cache) Lookup(ctx context.Context, raw string, nc Context) (*model.CacheEntry, bool) {
	if strings.TrimSpace(raw) == "" {
		return nil, false
	}
	key := Key(raw, nc)

	entry, err := c.repo.GetCacheEntry(ctx, key)
	if err != nil {
		if !errors.Is(err, common.ErrNotFound) {
			c.logger.WarnContext(ctx, "Normalization cache lookup failed, treating as miss",
				"key", key,
				"error", err)
		}
		return nil, false
	}

	now := c.now()
	if entry.Expired(now) {
		return nil, false
	}
	if reason := implausible(entry, raw, nc); reason != "" {
		c.logger.WarnContext(ctx, "Discarding implausible cache entry",
			"key", key,
			"household_id", nc.HouseholdID,
			"reason", reason)
		return nil, false
	}

	if err := c.repo.TouchCacheEntry(ctx, key, now); err != nil {
		c.logger.WarnContext(ctx, "Failed to record cache hit",
			"key", key,
			"error", err)
	} else {
		entry.HitCount++
		entry.LastAccessedAt = now
	}

	return entry, true
}

// Store records a normalization result. It reports whether a new entry was
// written; an existing live entry is left untouched.
func (c *Cache) Store(ctx context.Context, raw string, nc Context, normalized model.NormalizedItem) bool {
	if strings.TrimSpace(raw) == "" || strings.TrimSpace(nc.HouseholdID) == "" {
		return false
	}

	now := c.now().UTC()
	entry := &model.CacheEntry{
		Key:            Key(raw, nc),
		HouseholdID:    nc.HouseholdID,
		Vendor:         strings.ToLower(strings.TrimSpace(nc.Vendor)),
		RawText:        strings.TrimSpace(raw),
		Normalized:     normalized,
		CreatedAt:      now,
		LastAccessedAt: now,
		ExpiresAt:      now.Add(c.ttl),
	}

	inserted, err := c.repo.InsertCacheEntry(ctx, entry)
	if err != nil {
		c.logger.WarnContext(ctx, "Normalization cache store failed, continuing",
			"key", entry.Key,
			"error", err)
		return false
	}
	return inserted
}

// LookupOrNormalize returns a cached result for req or computes one with n
// and stores it. hit reports whether the cache answered.
func (c *Cache) LookupOrNormalize(ctx context.Context, req Request, n Normalizer) (result model.NormalizedItem, hit bool, err error) {
	if entry, ok := c.Lookup(ctx, req.RawText, req.Context); ok {
		return entry.Normalized, true, nil
	}

	result, err = n.Normalize(ctx, req)
	if err != nil {
		return model.NormalizedItem{}, false, err
	}

	c.Store(ctx, req.RawText, req.Context, result)
	return result, false, nil
}

// Purge deletes expired entries.
func (c *Cache) Purge(ctx context.Context) (int64, error) {
	return c.repo.PurgeExpiredCacheEntries(ctx, c.now())
}

// implausible returns why entry must not be trusted for raw in nc, or "".
func implausible(entry *model.CacheEntry, raw string, nc Context) string {
	switch {
	case entry.HouseholdID != nc.HouseholdID:
		return "household mismatch"
	case entry.Vendor != strings.ToLower(strings.TrimSpace(nc.Vendor)):
		return "vendor mismatch"
	case entry.RawText != strings.TrimSpace(raw):
		return "raw text mismatch"
	case strings.TrimSpace(entry.Normalized.Name) == "":
		return "empty name"
	case entry.Normalized.Quantity < 0 || entry.Normalized.PackageSize < 0:
		return "negative size"
	}
	return ""
}
