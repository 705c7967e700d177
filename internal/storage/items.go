package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/Veraticus/restock/internal/common"
	"github.com/Veraticus/restock/internal/model"
)

const itemColumns = `id, household_id, name, canonical_name, brand, category,
	quantity, unit, package_size, package_unit,
	last_purchase_date, last_purchase_price, price_history,
	predicted_run_out_date, prediction_confidence, avg_frequency_days, avg_consumption_rate,
	teach_mode, teach_mode_frequency_days, created_at, updated_at, deleted_at, version`

// CreateItem inserts a new item with version 1.
func (s *SQLiteStorage) CreateItem(ctx context.Context, item *model.Item) error {
	return s.createItemTx(ctx, s.db, item)
}

func (s *SQLiteStorage) createItemTx(ctx context.Context, q queryable, item *model.Item) error {
	if err := validateContext(ctx); err != nil {
		return err
	}
	if item != nil && item.PredictionConfidence == "" {
		item.PredictionConfidence = model.ConfidenceNone
	}
	if err := validateItem(item); err != nil {
		return err
	}

	now := s.timestamp()
	if item.CreatedAt.IsZero() {
		item.CreatedAt = now
	}
	item.UpdatedAt = now
	item.Version = 1

	history, err := json.Marshal(item.PriceHistory)
	if err != nil {
		return fmt.Errorf("failed to encode price history: %w", err)
	}

	_, err = q.ExecContext(ctx, `
		INSERT INTO items (`+itemColumns+`, canonical_key)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`,
		item.ID, item.HouseholdID, item.Name, item.CanonicalName, item.Brand, item.Category,
		item.Quantity, item.Unit, item.PackageSize, item.PackageUnit,
		nullTime(item.LastPurchaseDate), item.LastPurchasePrice, string(history),
		nullTime(item.PredictedRunOutDate), string(item.PredictionConfidence), item.AvgFrequencyDays, item.AvgConsumptionRate,
		item.TeachMode, item.TeachModeFrequencyDays, item.CreatedAt.UTC(), item.UpdatedAt, nullTime(item.DeletedAt), item.Version,
		model.CanonicalKey(item.CanonicalName),
	)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("%w: item %s", common.ErrDuplicateEntry, item.ID)
		}
		return fmt.Errorf("failed to create item: %w", err)
	}
	return nil
}

// GetItem retrieves an active item and its override ledger.
func (s *SQLiteStorage) GetItem(ctx context.Context, householdID, id string) (*model.Item, error) {
	return s.getItemTx(ctx, s.db, householdID, id)
}

func (s *SQLiteStorage) getItemTx(ctx context.Context, q queryable, householdID, id string) (*model.Item, error) {
	if err := validateContext(ctx); err != nil {
		return nil, err
	}
	if err := validateString(householdID, "householdID"); err != nil {
		return nil, err
	}
	if err := validateString(id, "id"); err != nil {
		return nil, err
	}

	row := q.QueryRowContext(ctx, `
		SELECT `+itemColumns+`
		FROM items
		WHERE id = ? AND household_id = ? AND deleted_at IS NULL
	`, id, householdID)

	item, err := scanItem(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("item %s: %w", id, common.ErrNotFound)
	}
	if err != nil {
		return nil, err
	}

	overrides, err := s.listOverridesTx(ctx, q, item.ID)
	if err != nil {
		return nil, err
	}
	item.Overrides = overrides

	return item, nil
}

// UpdateItem writes all mutable item fields guarded by the version token.
func (s *SQLiteStorage) UpdateItem(ctx context.Context, item *model.Item) error {
	return s.updateItemTx(ctx, s.db, item)
}

func (s *SQLiteStorage) updateItemTx(ctx context.Context, q queryable, item *model.Item) error {
	if err := validateContext(ctx); err != nil {
		return err
	}
	if err := validateItem(item); err != nil {
		return err
	}

	history, err := json.Marshal(item.PriceHistory)
	if err != nil {
		return fmt.Errorf("failed to encode price history: %w", err)
	}

	updatedAt := s.timestamp()
	result, err := q.ExecContext(ctx, `
		UPDATE items SET
			name = ?, canonical_name = ?, canonical_key = ?, brand = ?, category = ?,
			quantity = ?, unit = ?, package_size = ?, package_unit = ?,
			last_purchase_date = ?, last_purchase_price = ?, price_history = ?,
			predicted_run_out_date = ?, prediction_confidence = ?,
			avg_frequency_days = ?, avg_consumption_rate = ?,
			teach_mode = ?, teach_mode_frequency_days = ?,
			updated_at = ?, version = version + 1
		WHERE id = ? AND household_id = ? AND version = ? AND deleted_at IS NULL
	`,
		item.Name, item.CanonicalName, model.CanonicalKey(item.CanonicalName), item.Brand, item.Category,
		item.Quantity, item.Unit, item.PackageSize, item.PackageUnit,
		nullTime(item.LastPurchaseDate), item.LastPurchasePrice, string(history),
		nullTime(item.PredictedRunOutDate), string(item.PredictionConfidence),
		item.AvgFrequencyDays, item.AvgConsumptionRate,
		item.TeachMode, item.TeachModeFrequencyDays,
		updatedAt,
		item.ID, item.HouseholdID, item.Version,
	)
	if err != nil {
		return fmt.Errorf("failed to update item: %w", err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rowsAffected == 0 {
		return s.missingOrStale(ctx, q, item.HouseholdID, item.ID)
	}

	item.Version++
	item.UpdatedAt = updatedAt
	return nil
}

// missingOrStale distinguishes a gone item from a version mismatch after an
// update matched no rows.
func (s *SQLiteStorage) missingOrStale(ctx context.Context, q queryable, householdID, id string) error {
	var exists bool
	err := q.QueryRowContext(ctx, `
		SELECT EXISTS(SELECT 1 FROM items WHERE id = ? AND household_id = ? AND deleted_at IS NULL)
	`, id, householdID).Scan(&exists)
	if err != nil {
		return fmt.Errorf("failed to check item existence: %w", err)
	}
	if !exists {
		return fmt.Errorf("item %s: %w", id, common.ErrNotFound)
	}
	return &common.RetryableError{
		Err:       fmt.Errorf("item %s: %w", id, common.ErrVersionConflict),
		Retryable: true,
	}
}

// SoftDeleteItem tombstones an item. The row and its history are kept.
func (s *SQLiteStorage) SoftDeleteItem(ctx context.Context, householdID, id string, at time.Time) error {
	return s.softDeleteItemTx(ctx, s.db, householdID, id, at)
}

func (s *SQLiteStorage) softDeleteItemTx(ctx context.Context, q queryable, householdID, id string, at time.Time) error {
	if err := validateContext(ctx); err != nil {
		return err
	}
	if err := validateString(id, "id"); err != nil {
		return err
	}

	result, err := q.ExecContext(ctx, `
		UPDATE items SET deleted_at = ?, updated_at = ?, version = version + 1
		WHERE id = ? AND household_id = ? AND deleted_at IS NULL
	`, at.UTC(), s.timestamp(), id, householdID)
	if err != nil {
		return fmt.Errorf("failed to delete item: %w", err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rowsAffected == 0 {
		return fmt.Errorf("item %s: %w", id, common.ErrNotFound)
	}
	return nil
}

// ListItems returns the active items of a household ordered by name.
func (s *SQLiteStorage) ListItems(ctx context.Context, householdID string) ([]model.Item, error) {
	return s.listItemsTx(ctx, s.db, householdID)
}

func (s *SQLiteStorage) listItemsTx(ctx context.Context, q queryable, householdID string) ([]model.Item, error) {
	if err := validateContext(ctx); err != nil {
		return nil, err
	}
	if err := validateString(householdID, "householdID"); err != nil {
		return nil, err
	}

	return queryItems(ctx, q, `
		SELECT `+itemColumns+`
		FROM items
		WHERE household_id = ? AND deleted_at IS NULL
		ORDER BY canonical_key
	`, householdID)
}

// FindActiveItemByName looks up an active item by its canonical key.
func (s *SQLiteStorage) FindActiveItemByName(ctx context.Context, householdID, name string) (*model.Item, error) {
	return s.findActiveItemByNameTx(ctx, s.db, householdID, name)
}

func (s *SQLiteStorage) findActiveItemByNameTx(ctx context.Context, q queryable, householdID, name string) (*model.Item, error) {
	if err := validateContext(ctx); err != nil {
		return nil, err
	}
	if err := validateString(householdID, "householdID"); err != nil {
		return nil, err
	}
	if err := validateString(name, "name"); err != nil {
		return nil, err
	}

	row := q.QueryRowContext(ctx, `
		SELECT `+itemColumns+`
		FROM items
		WHERE household_id = ? AND canonical_key = ? AND deleted_at IS NULL
		ORDER BY created_at
		LIMIT 1
	`, householdID, model.CanonicalKey(model.CanonicalName(name)))

	item, err := scanItem(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, common.ErrNotFound
	}
	return item, err
}

// ListItemsRunningOutWithin returns active items predicted to run out before
// now+days, soonest first. Overdue items are included.
func (s *SQLiteStorage) ListItemsRunningOutWithin(ctx context.Context, householdID string, now time.Time, days int) ([]model.Item, error) {
	return s.listItemsRunningOutWithinTx(ctx, s.db, householdID, now, days)
}

func (s *SQLiteStorage) listItemsRunningOutWithinTx(ctx context.Context, q queryable, householdID string, now time.Time, days int) ([]model.Item, error) {
	if days < 0 {
		return nil, common.NewValidationError("days", "must not be negative")
	}
	items, err := s.listItemsTx(ctx, q, householdID)
	if err != nil {
		return nil, err
	}

	// Filtering happens here rather than in SQL because the driver's
	// timestamp text does not compare reliably across precisions.
	cutoff := now.AddDate(0, 0, days)
	result := make([]model.Item, 0, len(items))
	for _, item := range items {
		if item.PredictedRunOutDate != nil && !item.PredictedRunOutDate.After(cutoff) {
			result = append(result, item)
		}
	}
	sort.SliceStable(result, func(i, j int) bool {
		return result[i].PredictedRunOutDate.Before(*result[j].PredictedRunOutDate)
	})
	return result, nil
}

// ListLowConfidenceItems returns active items rated Low or None.
func (s *SQLiteStorage) ListLowConfidenceItems(ctx context.Context, householdID string) ([]model.Item, error) {
	return s.listLowConfidenceItemsTx(ctx, s.db, householdID)
}

func (s *SQLiteStorage) listLowConfidenceItemsTx(ctx context.Context, q queryable, householdID string) ([]model.Item, error) {
	if err := validateContext(ctx); err != nil {
		return nil, err
	}
	if err := validateString(householdID, "householdID"); err != nil {
		return nil, err
	}

	return queryItems(ctx, q, `
		SELECT `+itemColumns+`
		FROM items
		WHERE household_id = ? AND deleted_at IS NULL
			AND prediction_confidence IN ('low', 'none')
		ORDER BY canonical_key
	`, householdID)
}

// GetItemStats aggregates item and transaction counts for a household.
func (s *SQLiteStorage) GetItemStats(ctx context.Context, householdID string) (*model.ItemStats, error) {
	return s.getItemStatsTx(ctx, s.db, householdID)
}

func (s *SQLiteStorage) getItemStatsTx(ctx context.Context, q queryable, householdID string) (*model.ItemStats, error) {
	if err := validateContext(ctx); err != nil {
		return nil, err
	}
	if err := validateString(householdID, "householdID"); err != nil {
		return nil, err
	}

	stats := &model.ItemStats{ByConfidence: make(map[model.Confidence]int)}

	err := q.QueryRowContext(ctx, `
		SELECT
			COUNT(*),
			COALESCE(SUM(CASE WHEN deleted_at IS NULL THEN 1 ELSE 0 END), 0),
			COALESCE(SUM(CASE WHEN deleted_at IS NOT NULL THEN 1 ELSE 0 END), 0),
			COALESCE(SUM(CASE WHEN deleted_at IS NULL AND predicted_run_out_date IS NOT NULL THEN 1 ELSE 0 END), 0),
			COALESCE(SUM(CASE WHEN deleted_at IS NULL AND teach_mode = 1 THEN 1 ELSE 0 END), 0)
		FROM items
		WHERE household_id = ?
	`, householdID).Scan(&stats.Total, &stats.Active, &stats.Deleted, &stats.WithPrediction, &stats.TeachMode)
	if err != nil {
		return nil, fmt.Errorf("failed to count items: %w", err)
	}

	rows, err := q.QueryContext(ctx, `
		SELECT prediction_confidence, COUNT(*)
		FROM items
		WHERE household_id = ? AND deleted_at IS NULL
		GROUP BY prediction_confidence
	`, householdID)
	if err != nil {
		return nil, fmt.Errorf("failed to group items by confidence: %w", err)
	}
	defer func() { _ = rows.Close() }()

	for rows.Next() {
		var confidence string
		var count int
		if err := rows.Scan(&confidence, &count); err != nil {
			return nil, fmt.Errorf("failed to scan confidence count: %w", err)
		}
		stats.ByConfidence[model.Confidence(confidence)] = count
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	err = q.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM transactions WHERE household_id = ?
	`, householdID).Scan(&stats.TotalTransactions)
	if err != nil {
		return nil, fmt.Errorf("failed to count transactions: %w", err)
	}

	return stats, nil
}

// AppendOverride adds an entry to an item's override ledger.
func (s *SQLiteStorage) AppendOverride(ctx context.Context, override *model.Override) error {
	return s.appendOverrideTx(ctx, s.db, override)
}

func (s *SQLiteStorage) appendOverrideTx(ctx context.Context, q queryable, override *model.Override) error {
	if err := validateContext(ctx); err != nil {
		return err
	}
	if override == nil {
		return fmt.Errorf("%w: override", ErrNilParameter)
	}
	if err := validateString(override.ItemID, "itemID"); err != nil {
		return err
	}
	if !override.Reason.IsValid() {
		return common.NewValidationError("reason", fmt.Sprintf("unknown reason %q", override.Reason))
	}

	result, err := q.ExecContext(ctx, `
		INSERT INTO item_overrides (item_id, user_id, applied_at, previous_date, new_predicted_date, reason, reason_text, days_difference)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`, override.ItemID, override.UserID, override.AppliedAt.UTC(), nullTime(override.PreviousDate),
		override.NewPredictedDate.UTC(), string(override.Reason), override.ReasonText, override.DaysDifference)
	if err != nil {
		return fmt.Errorf("failed to append override: %w", err)
	}

	id, err := result.LastInsertId()
	if err != nil {
		return fmt.Errorf("failed to get override id: %w", err)
	}
	override.ID = id
	return nil
}

// ListOverrides returns an item's override ledger in the order applied.
func (s *SQLiteStorage) ListOverrides(ctx context.Context, itemID string) ([]model.Override, error) {
	return s.listOverridesTx(ctx, s.db, itemID)
}

func (s *SQLiteStorage) listOverridesTx(ctx context.Context, q queryable, itemID string) ([]model.Override, error) {
	if err := validateContext(ctx); err != nil {
		return nil, err
	}

	rows, err := q.QueryContext(ctx, `
		SELECT id, item_id, user_id, applied_at, previous_date, new_predicted_date, reason, reason_text, days_difference
		FROM item_overrides
		WHERE item_id = ?
		ORDER BY id
	`, itemID)
	if err != nil {
		return nil, fmt.Errorf("failed to query overrides: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var overrides []model.Override
	for rows.Next() {
		var o model.Override
		var previous sql.NullTime
		var reason string
		if err := rows.Scan(&o.ID, &o.ItemID, &o.UserID, &o.AppliedAt, &previous,
			&o.NewPredictedDate, &reason, &o.ReasonText, &o.DaysDifference); err != nil {
			return nil, fmt.Errorf("failed to scan override: %w", err)
		}
		o.PreviousDate = fromNullTime(previous)
		o.Reason = model.OverrideReason(reason)
		overrides = append(overrides, o)
	}

	return overrides, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanItem(row rowScanner) (*model.Item, error) {
	var item model.Item
	var lastPurchase, predicted, deleted sql.NullTime
	var history, confidence string

	err := row.Scan(
		&item.ID, &item.HouseholdID, &item.Name, &item.CanonicalName, &item.Brand, &item.Category,
		&item.Quantity, &item.Unit, &item.PackageSize, &item.PackageUnit,
		&lastPurchase, &item.LastPurchasePrice, &history,
		&predicted, &confidence, &item.AvgFrequencyDays, &item.AvgConsumptionRate,
		&item.TeachMode, &item.TeachModeFrequencyDays, &item.CreatedAt, &item.UpdatedAt, &deleted, &item.Version,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("failed to scan item: %w", err)
	}

	item.LastPurchaseDate = fromNullTime(lastPurchase)
	item.PredictedRunOutDate = fromNullTime(predicted)
	item.DeletedAt = fromNullTime(deleted)
	item.PredictionConfidence = model.Confidence(confidence)

	if history != "" {
		if err := json.Unmarshal([]byte(history), &item.PriceHistory); err != nil {
			return nil, fmt.Errorf("failed to decode price history for item %s: %w", item.ID, err)
		}
	}

	return &item, nil
}

func queryItems(ctx context.Context, q queryable, query string, args ...any) ([]model.Item, error) {
	rows, err := q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query items: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var items []model.Item
	for rows.Next() {
		item, err := scanItem(rows)
		if err != nil {
			return nil, err
		}
		items = append(items, *item)
	}

	return items, rows.Err()
}
