// Package storage provides the data persistence layer for the restock application.
package storage

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/Veraticus/restock/internal/model"
)

// Validation errors.
var (
	ErrNilContext         = errors.New("context cannot be nil")
	ErrEmptyString        = errors.New("string parameter cannot be empty")
	ErrNilParameter       = errors.New("parameter cannot be nil")
	ErrInvalidItem        = errors.New("invalid item")
	ErrInvalidTransaction = errors.New("invalid transaction")
	ErrInvalidJob         = errors.New("invalid parse job")
	ErrInvalidParsedItem  = errors.New("invalid parsed item")
	ErrInvalidCacheEntry  = errors.New("invalid cache entry")
)

// validateContext ensures the context is not nil.
func validateContext(ctx context.Context) error {
	if ctx == nil {
		return ErrNilContext
	}
	return nil
}

// validateString ensures a string parameter is not empty.
func validateString(s string, paramName string) error {
	if strings.TrimSpace(s) == "" {
		return fmt.Errorf("%w: %s", ErrEmptyString, paramName)
	}
	return nil
}

func validateItem(item *model.Item) error {
	if item == nil {
		return fmt.Errorf("%w: item", ErrNilParameter)
	}
	if item.ID == "" {
		return fmt.Errorf("%w: missing ID", ErrInvalidItem)
	}
	if item.HouseholdID == "" {
		return fmt.Errorf("%w: missing household ID", ErrInvalidItem)
	}
	if strings.TrimSpace(item.CanonicalName) == "" {
		return fmt.Errorf("%w: missing canonical name", ErrInvalidItem)
	}
	if !item.PredictionConfidence.IsValid() {
		return fmt.Errorf("%w: confidence %q", ErrInvalidItem, item.PredictionConfidence)
	}
	if item.Quantity < 0 || item.PackageSize < 0 {
		return fmt.Errorf("%w: negative quantity", ErrInvalidItem)
	}
	return nil
}

func validateTransaction(txn *model.Transaction) error {
	if txn == nil {
		return fmt.Errorf("%w: transaction", ErrNilParameter)
	}
	if txn.ID == "" {
		return fmt.Errorf("%w: missing ID", ErrInvalidTransaction)
	}
	if txn.ItemID == "" || txn.HouseholdID == "" {
		return fmt.Errorf("%w: missing owner", ErrInvalidTransaction)
	}
	if txn.Date.IsZero() {
		return fmt.Errorf("%w: missing date", ErrInvalidTransaction)
	}
	if !txn.Source.IsValid() {
		return fmt.Errorf("%w: source %q", ErrInvalidTransaction, txn.Source)
	}
	if txn.Confidence < 0 || txn.Confidence > 1 {
		return fmt.Errorf("%w: confidence must be between 0 and 1", ErrInvalidTransaction)
	}
	return nil
}

func validateJob(job *model.ParseJob) error {
	if job == nil {
		return fmt.Errorf("%w: parse job", ErrNilParameter)
	}
	if job.ID == "" || job.HouseholdID == "" {
		return fmt.Errorf("%w: missing identity", ErrInvalidJob)
	}
	switch job.Format {
	case model.FormatCSV, model.FormatJSONL:
	default:
		return fmt.Errorf("%w: format %q", ErrInvalidJob, job.Format)
	}
	if job.Status == "" {
		return fmt.Errorf("%w: missing status", ErrInvalidJob)
	}
	return nil
}

func validateParsedItem(item *model.ParsedItem) error {
	if item == nil {
		return fmt.Errorf("%w: parsed item", ErrNilParameter)
	}
	if item.ID == "" || item.JobID == "" {
		return fmt.Errorf("%w: missing identity", ErrInvalidParsedItem)
	}
	if item.Confidence < 0 || item.Confidence > 1 {
		return fmt.Errorf("%w: confidence must be between 0 and 1", ErrInvalidParsedItem)
	}
	return nil
}

func validateCacheEntry(entry *model.CacheEntry) error {
	if entry == nil {
		return fmt.Errorf("%w: cache entry", ErrNilParameter)
	}
	if entry.Key == "" {
		return fmt.Errorf("%w: missing key", ErrInvalidCacheEntry)
	}
	if !entry.ExpiresAt.After(entry.CreatedAt) {
		return fmt.Errorf("%w: expiry must follow creation", ErrInvalidCacheEntry)
	}
	return nil
}
