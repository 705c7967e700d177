package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/Veraticus/restock/internal/common"
	"github.com/Veraticus/restock/internal/model"
)

const transactionColumns = `id, item_id, household_id, date, quantity, price, source,
	raw_text, confidence, quick_restock, parse_job_id, line_number, created_at`

// CreateTransaction appends a purchase event. Re-inserting an existing ID is
// a no-op and reports false.
func (s *SQLiteStorage) CreateTransaction(ctx context.Context, txn *model.Transaction) (bool, error) {
	return s.createTransactionTx(ctx, s.db, txn)
}

func (s *SQLiteStorage) createTransactionTx(ctx context.Context, q queryable, txn *model.Transaction) (bool, error) {
	if err := validateContext(ctx); err != nil {
		return false, err
	}
	if err := validateTransaction(txn); err != nil {
		return false, err
	}
	if txn.CreatedAt.IsZero() {
		txn.CreatedAt = s.timestamp()
	}

	result, err := q.ExecContext(ctx, `
		INSERT INTO transactions (`+transactionColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO NOTHING
	`,
		txn.ID, txn.ItemID, txn.HouseholdID, txn.Date.UTC(), txn.Quantity, txn.Price, string(txn.Source),
		txn.RawText, txn.Confidence, txn.QuickRestock, txn.ParseJobID, txn.LineNumber, txn.CreatedAt.UTC(),
	)
	if err != nil {
		return false, fmt.Errorf("failed to create transaction: %w", err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to get rows affected: %w", err)
	}
	return rowsAffected == 1, nil
}

// ListTransactionsByItem returns an item's purchases oldest first.
func (s *SQLiteStorage) ListTransactionsByItem(ctx context.Context, householdID, itemID string) ([]model.Transaction, error) {
	return s.listTransactionsByItemTx(ctx, s.db, householdID, itemID)
}

func (s *SQLiteStorage) listTransactionsByItemTx(ctx context.Context, q queryable, householdID, itemID string) ([]model.Transaction, error) {
	if err := validateContext(ctx); err != nil {
		return nil, err
	}
	if err := validateString(itemID, "itemID"); err != nil {
		return nil, err
	}

	return queryTransactions(ctx, q, `
		SELECT `+transactionColumns+`
		FROM transactions
		WHERE household_id = ? AND item_id = ?
		ORDER BY date, created_at, id
	`, householdID, itemID)
}

// ListTransactionsByHousehold returns every purchase of a household oldest first.
func (s *SQLiteStorage) ListTransactionsByHousehold(ctx context.Context, householdID string) ([]model.Transaction, error) {
	return s.listTransactionsByHouseholdTx(ctx, s.db, householdID)
}

func (s *SQLiteStorage) listTransactionsByHouseholdTx(ctx context.Context, q queryable, householdID string) ([]model.Transaction, error) {
	if err := validateContext(ctx); err != nil {
		return nil, err
	}
	if err := validateString(householdID, "householdID"); err != nil {
		return nil, err
	}

	return queryTransactions(ctx, q, `
		SELECT `+transactionColumns+`
		FROM transactions
		WHERE household_id = ?
		ORDER BY date, created_at, id
	`, householdID)
}

// GetLatestTransactionByItem returns the most recent purchase of an item.
func (s *SQLiteStorage) GetLatestTransactionByItem(ctx context.Context, householdID, itemID string) (*model.Transaction, error) {
	return s.getLatestTransactionByItemTx(ctx, s.db, householdID, itemID)
}

func (s *SQLiteStorage) getLatestTransactionByItemTx(ctx context.Context, q queryable, householdID, itemID string) (*model.Transaction, error) {
	if err := validateContext(ctx); err != nil {
		return nil, err
	}
	if err := validateString(itemID, "itemID"); err != nil {
		return nil, err
	}

	row := q.QueryRowContext(ctx, `
		SELECT `+transactionColumns+`
		FROM transactions
		WHERE household_id = ? AND item_id = ?
		ORDER BY date DESC, created_at DESC, id DESC
		LIMIT 1
	`, householdID, itemID)

	txn, err := scanTransaction(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("transactions for item %s: %w", itemID, common.ErrNotFound)
	}
	return txn, err
}

func scanTransaction(row rowScanner) (*model.Transaction, error) {
	var txn model.Transaction
	var source string

	err := row.Scan(
		&txn.ID, &txn.ItemID, &txn.HouseholdID, &txn.Date, &txn.Quantity, &txn.Price, &source,
		&txn.RawText, &txn.Confidence, &txn.QuickRestock, &txn.ParseJobID, &txn.LineNumber, &txn.CreatedAt,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("failed to scan transaction: %w", err)
	}
	txn.Source = model.Source(source)
	txn.Date = txn.Date.UTC()
	txn.CreatedAt = txn.CreatedAt.UTC()

	return &txn, nil
}

func queryTransactions(ctx context.Context, q queryable, query string, args ...any) ([]model.Transaction, error) {
	rows, err := q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query transactions: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var txns []model.Transaction
	for rows.Next() {
		txn, err := scanTransaction(rows)
		if err != nil {
			return nil, err
		}
		txns = append(txns, *txn)
	}

	return txns, rows.Err()
}
