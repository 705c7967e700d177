// Package model defines the core domain models used throughout the application.
package model

import (
	"strings"
	"time"
)

// MaxPriceHistory is the number of price points kept on an item. Older entries
// are dropped first.
const MaxPriceHistory = 12

// Confidence rates how much purchase history backs a run-out prediction.
type Confidence string

// Confidence tiers.
const (
	ConfidenceNone   Confidence = "none"
	ConfidenceLow    Confidence = "low"
	ConfidenceMedium Confidence = "medium"
	ConfidenceHigh   Confidence = "high"
)

// IsValid reports whether c is one of the known tiers.
func (c Confidence) IsValid() bool {
	switch c {
	case ConfidenceNone, ConfidenceLow, ConfidenceMedium, ConfidenceHigh:
		return true
	}
	return false
}

// Rank orders tiers from None (0) to High (3).
func (c Confidence) Rank() int {
	switch c {
	case ConfidenceLow:
		return 1
	case ConfidenceMedium:
		return 2
	case ConfidenceHigh:
		return 3
	default:
		return 0
	}
}

// PricePoint is one observed purchase price.
type PricePoint struct {
	Date  time.Time `json:"date"`
	Price float64   `json:"price"`
}

// Item is one trackable consumable in a household's inventory.
type Item struct {
	CreatedAt              time.Time
	UpdatedAt              time.Time
	LastPurchaseDate       *time.Time
	PredictedRunOutDate    *time.Time
	DeletedAt              *time.Time
	ID                     string
	HouseholdID            string
	Name                   string
	CanonicalName          string
	Brand                  string
	Category               string
	Unit                   string
	PackageUnit            string
	PredictionConfidence   Confidence
	PriceHistory           []PricePoint
	Overrides              []Override
	Quantity               float64
	PackageSize            float64
	LastPurchasePrice      float64
	AvgFrequencyDays       float64
	AvgConsumptionRate     float64
	TeachModeFrequencyDays int
	Version                int64
	TeachMode              bool
}

// IsDeleted reports whether the item has been tombstoned.
func (i *Item) IsDeleted() bool {
	return i.DeletedAt != nil
}

// AddPrice appends a price point and drops the oldest entries beyond
// MaxPriceHistory.
func (i *Item) AddPrice(p PricePoint) {
	i.PriceHistory = append(i.PriceHistory, p)
	if excess := len(i.PriceHistory) - MaxPriceHistory; excess > 0 {
		trimmed := make([]PricePoint, MaxPriceHistory)
		copy(trimmed, i.PriceHistory[excess:])
		i.PriceHistory = trimmed
	}
}

// CanonicalKey is the deduplication key for a name: trimmed and lower-cased.
func CanonicalKey(name string) string {
	return strings.ToLower(strings.TrimSpace(name))
}

// CanonicalName collapses inner whitespace of a display name. Case is kept so
// the name still reads well; comparisons go through CanonicalKey.
func CanonicalName(name string) string {
	return strings.Join(strings.Fields(name), " ")
}

// ItemStats aggregates a household's inventory.
type ItemStats struct {
	ByConfidence      map[Confidence]int
	Total             int
	Active            int
	Deleted           int
	WithPrediction    int
	TeachMode         int
	TotalTransactions int
}
