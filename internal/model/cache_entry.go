package model

import "time"

// NormalizedItem is the structured form of one raw purchase line.
type NormalizedItem struct {
	Name        string  `json:"name"`
	Brand       string  `json:"brand,omitempty"`
	Category    string  `json:"category,omitempty"`
	Unit        string  `json:"unit,omitempty"`
	PackageUnit string  `json:"package_unit,omitempty"`
	Quantity    float64 `json:"quantity,omitempty"`
	PackageSize float64 `json:"package_size,omitempty"`
}

// CacheEntry memoizes a normalization result. Normalized is never changed once
// written; only HitCount and LastAccessedAt move.
type CacheEntry struct {
	CreatedAt      time.Time
	LastAccessedAt time.Time
	ExpiresAt      time.Time
	Key            string
	HouseholdID    string
	Vendor         string
	RawText        string
	Normalized     NormalizedItem
	HitCount       int
}

// Expired reports whether the entry is past its retention window at now.
func (e *CacheEntry) Expired(now time.Time) bool {
	return !now.Before(e.ExpiresAt)
}
