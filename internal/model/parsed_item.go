package model

import "time"

// ParsedItemStatus is the triage outcome of one input line.
type ParsedItemStatus string

// Parsed item states.
const (
	ParsedAccepted      ParsedItemStatus = "accepted"
	ParsedPendingReview ParsedItemStatus = "pending_review"
	ParsedRejected      ParsedItemStatus = "rejected"
	ParsedSkipped       ParsedItemStatus = "skipped"
	ParsedFailed        ParsedItemStatus = "failed"
)

// IsResolved reports whether the line needs no further action.
func (s ParsedItemStatus) IsResolved() bool {
	return s != ParsedPendingReview && s != ""
}

// ReasonCode classifies why a line was not auto-accepted.
type ReasonCode string

// Line reason codes.
const (
	ReasonDuplicate      ReasonCode = "duplicate_item"
	ReasonLowConfidence  ReasonCode = "low_confidence"
	ReasonInvalidLine    ReasonCode = "invalid_line"
	ReasonMissingFields  ReasonCode = "missing_fields"
	ReasonUnknownItem    ReasonCode = "unknown_item"
	ReasonPersistFailed  ReasonCode = "persist_failed"
	ReasonRejectedByUser ReasonCode = "rejected_by_user"
	ReasonSkippedByUser  ReasonCode = "skipped_by_user"
)

// LineReason is the structured explanation attached to a non-accepted line.
type LineReason struct {
	Code           ReasonCode `json:"code"`
	Detail         string     `json:"detail,omitempty"`
	ExistingItemID string     `json:"existing_item_id,omitempty"`
}

// ExtractedFields are the candidate item fields produced by the upstream
// extractor. Any field may be empty.
type ExtractedFields struct {
	PurchaseDate *time.Time `json:"purchase_date,omitempty"`
	Name         string     `json:"name,omitempty"`
	Brand        string     `json:"brand,omitempty"`
	Category     string     `json:"category,omitempty"`
	Unit         string     `json:"unit,omitempty"`
	PackageUnit  string     `json:"package_unit,omitempty"`
	Vendor       string     `json:"vendor,omitempty"`
	TargetItemID string     `json:"target_item_id,omitempty"`
	Quantity     float64    `json:"quantity,omitempty"`
	PackageSize  float64    `json:"package_size,omitempty"`
	Price        float64    `json:"price,omitempty"`
}

// ParsedItem is a candidate extracted from one input line. It becomes an
// Item/Transaction only once accepted.
type ParsedItem struct {
	CreatedAt     time.Time
	ResolvedAt    *time.Time
	Extracted     *ExtractedFields
	Reason        *LineReason
	ID            string
	JobID         string
	HouseholdID   string
	RawText       string
	Status        ParsedItemStatus
	ItemID        string
	TransactionID string
	ResolvedBy    string
	Confidence    float64
	LineNumber    int
	NeedsReview   bool
	UserReviewed  bool
}

// ReviewDecision is a human triage decision for a queued line.
type ReviewDecision string

// Review decisions.
const (
	DecisionAccept ReviewDecision = "accept"
	DecisionEdit   ReviewDecision = "edit"
	DecisionReject ReviewDecision = "reject"
	DecisionSkip   ReviewDecision = "skip"
)

// IsValid reports whether d is a known decision.
func (d ReviewDecision) IsValid() bool {
	switch d {
	case DecisionAccept, DecisionEdit, DecisionReject, DecisionSkip:
		return true
	}
	return false
}
