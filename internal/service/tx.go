package service

import (
	"context"
	"fmt"
)

// WithTx runs fn inside a transaction on st, committing when fn succeeds and
// rolling back otherwise.
func WithTx(ctx context.Context, st Storage, fn func(Storage) error) error {
	tx, err := st.BeginTx(ctx)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	if err := fn(tx); err != nil {
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}
