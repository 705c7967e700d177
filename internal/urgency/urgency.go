// Package urgency derives a display urgency from a run-out prediction. Results
// depend on the current time and are never stored.
package urgency

import (
	"fmt"
	"math"
	"sort"
	"time"

	"github.com/Veraticus/restock/internal/model"
)

// Level is a discrete urgency bucket.
type Level string

// Urgency levels, most urgent first.
const (
	LevelCritical Level = "critical"
	LevelHigh     Level = "high"
	LevelMedium   Level = "medium"
	LevelLow      Level = "low"
	LevelNormal   Level = "normal"
)

// rank orders levels for sorting.
func (l Level) rank() int {
	switch l {
	case LevelCritical:
		return 0
	case LevelHigh:
		return 1
	case LevelMedium:
		return 2
	case LevelLow:
		return 3
	default:
		return 4
	}
}

// Relative thresholds, as percent of the purchase cycle left.
const (
	HighPercent   = 25.0
	MediumPercent = 50.0
)

// Fixed thresholds used when no cycle length is known.
const (
	HighDays   = 3
	MediumDays = 7
)

// Urgency is the derived view of one prediction.
type Urgency struct {
	Level            Level
	Message          string
	DaysRemaining    int
	PercentRemaining float64 // Zero unless a cycle length is known
	HasCycle         bool
}

// Calculate rates a run-out date against the item's cycle length at now.
func Calculate(runOut *time.Time, cycleDays float64, now time.Time) Urgency {
	if runOut == nil {
		return Urgency{Level: LevelNormal, Message: "No prediction yet"}
	}

	days := daysRemaining(*runOut, now)
	u := Urgency{DaysRemaining: days}

	switch {
	case days < 0:
		u.Level = LevelCritical
	case cycleDays > 0:
		u.HasCycle = true
		u.PercentRemaining = math.Max(0, float64(days)/cycleDays*100)
		switch {
		case u.PercentRemaining <= HighPercent:
			u.Level = LevelHigh
		case u.PercentRemaining <= MediumPercent:
			u.Level = LevelMedium
		default:
			u.Level = LevelLow
		}
	default:
		switch {
		case days <= HighDays:
			u.Level = LevelHigh
		case days <= MediumDays:
			u.Level = LevelMedium
		default:
			u.Level = LevelLow
		}
	}

	u.Message = message(days)
	return u
}

// ForItem is Calculate over an item's stored prediction.
func ForItem(item *model.Item, now time.Time) Urgency {
	return Calculate(item.PredictedRunOutDate, item.AvgFrequencyDays, now)
}

// daysRemaining is the ceiling of the fractional days until runOut.
func daysRemaining(runOut, now time.Time) int {
	return int(math.Ceil(runOut.Sub(now).Hours() / 24))
}

func message(days int) string {
	switch {
	case days < -1:
		return fmt.Sprintf("Ran out %d days ago", -days)
	case days == -1:
		return "Ran out yesterday"
	case days == 0:
		return "Runs out today"
	case days == 1:
		return "Runs out tomorrow"
	default:
		return fmt.Sprintf("%d days left", days)
	}
}

// Entry pairs an item with its urgency for list display.
type Entry struct {
	Item    model.Item
	Urgency Urgency
}

// Evaluate computes entries for items at now, in display order.
func Evaluate(items []model.Item, now time.Time) []Entry {
	entries := make([]Entry, 0, len(items))
	for i := range items {
		entries = append(entries, Entry{Item: items[i], Urgency: ForItem(&items[i], now)})
	}
	Sort(entries)
	return entries
}

// Sort orders entries Critical (most overdue first), then High, Medium and
// Low by ascending days remaining, then Normal by canonical name.
func Sort(entries []Entry) {
	sort.SliceStable(entries, func(i, j int) bool {
		a, b := entries[i], entries[j]
		if ra, rb := a.Urgency.Level.rank(), b.Urgency.Level.rank(); ra != rb {
			return ra < rb
		}
		if a.Urgency.Level == LevelNormal {
			return model.CanonicalKey(a.Item.CanonicalName) < model.CanonicalKey(b.Item.CanonicalName)
		}
		return a.Urgency.DaysRemaining < b.Urgency.DaysRemaining
	})
}
