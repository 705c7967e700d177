package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/Veraticus/restock/internal/common"
	"github.com/Veraticus/restock/internal/model"
)

const parsedItemColumns = `id, job_id, household_id, line_number, raw_text, extracted, confidence,
	needs_review, user_reviewed, status, reason, item_id, transaction_id, created_at, resolved_at, resolved_by`

// CreateParsedItem records the triage outcome of one line. A second record
// for the same (job, line) is a duplicate entry.
func (s *SQLiteStorage) CreateParsedItem(ctx context.Context, item *model.ParsedItem) error {
	return s.createParsedItemTx(ctx, s.db, item)
}

func (s *SQLiteStorage) createParsedItemTx(ctx context.Context, q queryable, item *model.ParsedItem) error {
	if err := validateContext(ctx); err != nil {
		return err
	}
	if err := validateParsedItem(item); err != nil {
		return err
	}
	if item.CreatedAt.IsZero() {
		item.CreatedAt = s.timestamp()
	}

	extracted, reason, err := encodeParsedItemJSON(item)
	if err != nil {
		return err
	}

	_, err = q.ExecContext(ctx, `
		INSERT INTO parsed_items (`+parsedItemColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`,
		item.ID, item.JobID, item.HouseholdID, item.LineNumber, item.RawText, extracted, item.Confidence,
		item.NeedsReview, item.UserReviewed, string(item.Status), reason, item.ItemID, item.TransactionID,
		item.CreatedAt.UTC(), nullTime(item.ResolvedAt), item.ResolvedBy,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("%w: job %s line %d", common.ErrDuplicateEntry, item.JobID, item.LineNumber)
		}
		return fmt.Errorf("failed to create parsed item: %w", err)
	}
	return nil
}

// GetParsedItem retrieves a parsed item by ID.
func (s *SQLiteStorage) GetParsedItem(ctx context.Context, id string) (*model.ParsedItem, error) {
	return s.getParsedItemTx(ctx, s.db, id)
}

func (s *SQLiteStorage) getParsedItemTx(ctx context.Context, q queryable, id string) (*model.ParsedItem, error) {
	if err := validateContext(ctx); err != nil {
		return nil, err
	}
	if err := validateString(id, "id"); err != nil {
		return nil, err
	}

	row := q.QueryRowContext(ctx, `
		SELECT `+parsedItemColumns+`
		FROM parsed_items
		WHERE id = ?
	`, id)

	item, err := scanParsedItem(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("parsed item %s: %w", id, common.ErrNotFound)
	}
	return item, err
}

// GetParsedItemByLine retrieves the record for one line of a job.
func (s *SQLiteStorage) GetParsedItemByLine(ctx context.Context, jobID string, lineNumber int) (*model.ParsedItem, error) {
	return s.getParsedItemByLineTx(ctx, s.db, jobID, lineNumber)
}

func (s *SQLiteStorage) getParsedItemByLineTx(ctx context.Context, q queryable, jobID string, lineNumber int) (*model.ParsedItem, error) {
	if err := validateContext(ctx); err != nil {
		return nil, err
	}

	row := q.QueryRowContext(ctx, `
		SELECT `+parsedItemColumns+`
		FROM parsed_items
		WHERE job_id = ? AND line_number = ?
	`, jobID, lineNumber)

	item, err := scanParsedItem(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("job %s line %d: %w", jobID, lineNumber, common.ErrNotFound)
	}
	return item, err
}

// ResolveParsedItem records a resolution if the stored status is still from.
func (s *SQLiteStorage) ResolveParsedItem(ctx context.Context, item *model.ParsedItem, from model.ParsedItemStatus) error {
	return s.resolveParsedItemTx(ctx, s.db, item, from)
}

func (s *SQLiteStorage) resolveParsedItemTx(ctx context.Context, q queryable, item *model.ParsedItem, from model.ParsedItemStatus) error {
	if err := validateContext(ctx); err != nil {
		return err
	}
	if err := validateParsedItem(item); err != nil {
		return err
	}

	extracted, reason, err := encodeParsedItemJSON(item)
	if err != nil {
		return err
	}

	result, err := q.ExecContext(ctx, `
		UPDATE parsed_items SET
			extracted = ?, needs_review = ?, user_reviewed = ?, status = ?, reason = ?,
			item_id = ?, transaction_id = ?, resolved_at = ?, resolved_by = ?
		WHERE id = ? AND status = ?
	`,
		extracted, item.NeedsReview, item.UserReviewed, string(item.Status), reason,
		item.ItemID, item.TransactionID, nullTime(item.ResolvedAt), item.ResolvedBy,
		item.ID, string(from),
	)
	if err != nil {
		return fmt.Errorf("failed to resolve parsed item: %w", err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rowsAffected == 0 {
		if _, getErr := s.getParsedItemTx(ctx, q, item.ID); getErr != nil {
			return getErr
		}
		return fmt.Errorf("parsed item %s: %w", item.ID, common.ErrAlreadyResolved)
	}
	return nil
}

// ListParsedItems returns a job's lines in input order.
func (s *SQLiteStorage) ListParsedItems(ctx context.Context, jobID string) ([]model.ParsedItem, error) {
	return s.listParsedItemsTx(ctx, s.db, jobID)
}

func (s *SQLiteStorage) listParsedItemsTx(ctx context.Context, q queryable, jobID string) ([]model.ParsedItem, error) {
	if err := validateContext(ctx); err != nil {
		return nil, err
	}
	if err := validateString(jobID, "jobID"); err != nil {
		return nil, err
	}

	return queryParsedItems(ctx, q, `
		SELECT `+parsedItemColumns+`
		FROM parsed_items
		WHERE job_id = ?
		ORDER BY line_number
	`, jobID)
}

// ListPendingReview returns a household's review queue oldest first.
func (s *SQLiteStorage) ListPendingReview(ctx context.Context, householdID string) ([]model.ParsedItem, error) {
	return s.listPendingReviewTx(ctx, s.db, householdID)
}

func (s *SQLiteStorage) listPendingReviewTx(ctx context.Context, q queryable, householdID string) ([]model.ParsedItem, error) {
	if err := validateContext(ctx); err != nil {
		return nil, err
	}
	if err := validateString(householdID, "householdID"); err != nil {
		return nil, err
	}

	return queryParsedItems(ctx, q, `
		SELECT `+parsedItemColumns+`
		FROM parsed_items
		WHERE household_id = ? AND status = ?
		ORDER BY created_at, job_id, line_number
	`, householdID, string(model.ParsedPendingReview))
}

// CountParsedItems counts a job's lines by status.
func (s *SQLiteStorage) CountParsedItems(ctx context.Context, jobID string) (map[model.ParsedItemStatus]int, error) {
	return s.countParsedItemsTx(ctx, s.db, jobID)
}

func (s *SQLiteStorage) countParsedItemsTx(ctx context.Context, q queryable, jobID string) (map[model.ParsedItemStatus]int, error) {
	if err := validateContext(ctx); err != nil {
		return nil, err
	}

	rows, err := q.QueryContext(ctx, `
		SELECT status, COUNT(*) FROM parsed_items WHERE job_id = ? GROUP BY status
	`, jobID)
	if err != nil {
		return nil, fmt.Errorf("failed to count parsed items: %w", err)
	}
	defer func() { _ = rows.Close() }()

	counts := make(map[model.ParsedItemStatus]int)
	for rows.Next() {
		var status string
		var count int
		if err := rows.Scan(&status, &count); err != nil {
			return nil, fmt.Errorf("failed to scan parsed item count: %w", err)
		}
		counts[model.ParsedItemStatus(status)] = count
	}

	return counts, rows.Err()
}

func encodeParsedItemJSON(item *model.ParsedItem) (extracted, reason sql.NullString, err error) {
	if item.Extracted != nil {
		data, err := json.Marshal(item.Extracted)
		if err != nil {
			return extracted, reason, fmt.Errorf("failed to encode extracted fields: %w", err)
		}
		extracted = sql.NullString{String: string(data), Valid: true}
	}
	if item.Reason != nil {
		data, err := json.Marshal(item.Reason)
		if err != nil {
			return extracted, reason, fmt.Errorf("failed to encode line reason: %w", err)
		}
		reason = sql.NullString{String: string(data), Valid: true}
	}
	return extracted, reason, nil
}

func scanParsedItem(row rowScanner) (*model.ParsedItem, error) {
	var item model.ParsedItem
	var extracted, reason sql.NullString
	var status string
	var resolvedAt sql.NullTime

	err := row.Scan(
		&item.ID, &item.JobID, &item.HouseholdID, &item.LineNumber, &item.RawText, &extracted, &item.Confidence,
		&item.NeedsReview, &item.UserReviewed, &status, &reason, &item.ItemID, &item.TransactionID,
		&item.CreatedAt, &resolvedAt, &item.ResolvedBy,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("failed to scan parsed item: %w", err)
	}

	item.Status = model.ParsedItemStatus(status)
	item.ResolvedAt = fromNullTime(resolvedAt)

	if extracted.Valid {
		item.Extracted = &model.ExtractedFields{}
		if err := json.Unmarshal([]byte(extracted.String), item.Extracted); err != nil {
			return nil, fmt.Errorf("failed to decode extracted fields for %s: %w", item.ID, err)
		}
	}
	if reason.Valid {
		item.Reason = &model.LineReason{}
		if err := json.Unmarshal([]byte(reason.String), item.Reason); err != nil {
			return nil, fmt.Errorf("failed to decode line reason for %s: %w", item.ID, err)
		}
	}

	return &item, nil
}

func queryParsedItems(ctx context.Context, q queryable, query string, args ...any) ([]model.ParsedItem, error) {
	rows, err := q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query parsed items: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var items []model.ParsedItem
	for rows.Next() {
		item, err := scanParsedItem(rows)
		if err != nil {
			return nil, err
		}
		items = append(items, *item)
	}

	return items, rows.Err()
}
