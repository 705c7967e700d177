package model

import (
	"crypto/sha256"
	"fmt"
	"time"
)

// Source identifies how a purchase entered the system.
type Source string

// Purchase sources.
const (
	SourceManual       Source = "manual"
	SourceTeachMode    Source = "teach_mode"
	SourceCSVImport    Source = "csv_import"
	SourceReceipt      Source = "receipt"
	SourceQuickRestock Source = "quick_restock"
	SourceReview       Source = "review"
)

// IsValid reports whether s is a known source.
func (s Source) IsValid() bool {
	switch s {
	case SourceManual, SourceTeachMode, SourceCSVImport, SourceReceipt, SourceQuickRestock, SourceReview:
		return true
	}
	return false
}

// Transaction is an immutable purchase event owned by one item.
type Transaction struct {
	Date         time.Time
	CreatedAt    time.Time
	ID           string
	ItemID       string
	HouseholdID  string
	Source       Source
	RawText      string // Raw input line, if the purchase came from an import
	ParseJobID   string
	Quantity     float64
	Price        float64
	Confidence   float64 // Extractor confidence, 1 for manual entries
	LineNumber   int
	QuickRestock bool
}

// LineTransactionID derives a stable transaction ID for an ingested line so
// that reprocessing the same line can never create a second transaction.
func LineTransactionID(jobID string, lineNumber int) string {
	sum := sha256.Sum256([]byte(fmt.Sprintf("%s:%d", jobID, lineNumber)))
	return fmt.Sprintf("txn-%x", sum[:16])
}
