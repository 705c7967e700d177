package model

import "time"

// OverrideReason is the categorical reason a user gives for correcting a
// prediction.
type OverrideReason string

// Override reasons.
const (
	OverrideRanOutEarly     OverrideReason = "ran_out_early"
	OverrideStillHavePlenty OverrideReason = "still_have_plenty"
	OverrideUsageChanged    OverrideReason = "usage_changed"
	OverrideBoughtElsewhere OverrideReason = "bought_elsewhere"
	OverrideOther           OverrideReason = "other"
)

// IsValid reports whether r is a known reason.
func (r OverrideReason) IsValid() bool {
	switch r {
	case OverrideRanOutEarly, OverrideStillHavePlenty, OverrideUsageChanged, OverrideBoughtElsewhere, OverrideOther:
		return true
	}
	return false
}

// Override is one user correction of an item's predicted run-out date. The
// list of overrides on an item is append-only.
type Override struct {
	AppliedAt        time.Time
	NewPredictedDate time.Time
	PreviousDate     *time.Time
	ItemID           string
	UserID           string
	Reason           OverrideReason
	ReasonText       string
	ID               int64
	DaysDifference   int
}
