// Package override lets a user correct an item's predicted run-out date.
// Corrections are recorded in an append-only ledger and never touch the
// statistics the prediction was derived from.
package override

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"strings"
	"time"

	"github.com/Veraticus/restock/internal/common"
	"github.com/Veraticus/restock/internal/model"
	"github.com/Veraticus/restock/internal/service"
)

// MaxReasonTextLength bounds the free-text explanation.
const MaxReasonTextLength = 500

const day = 24 * time.Hour

// Reason explains a correction. Text is required when Code is "other".
type Reason struct {
	Code model.OverrideReason
	Text string
}

// Result is an applied correction.
type Result struct {
	Item           *model.Item
	Override       *model.Override
	DaysDifference int
}

// Ledger applies corrections.
type Ledger struct {
	store  service.Storage
	now    func() time.Time
	logger *slog.Logger
	retry  service.RetryOptions
}

// Option configures a Ledger.
type Option func(*Ledger)

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(l *Ledger) { l.now = now }
}

// WithRetryOptions sets the version-conflict retry policy.
func WithRetryOptions(opts service.RetryOptions) Option {
	return func(l *Ledger) { l.retry = opts }
}

// NewLedger creates a ledger over store.
func NewLedger(store service.Storage, opts ...Option) *Ledger {
	l := &Ledger{
		store:  store,
		now:    time.Now,
		logger: slog.Default(),
		retry:  service.RetryOptions{MaxAttempts: 5},
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Apply sets an item's predicted run-out date to newDate and appends the
// correction to its ledger. Only the predicted date changes; the date must
// fall between one day ago and two years ahead.
func (l *Ledger) Apply(ctx context.Context, actor service.Actor, itemID string, newDate time.Time, reason Reason) (*Result, error) {
	now := l.now()
	if err := validate(actor, itemID, newDate, reason, now); err != nil {
		return nil, err
	}

	var result *Result
	err := common.WithRetry(ctx, func() error {
		return service.WithTx(ctx, l.store, func(tx service.Storage) error {
			item, err := tx.GetItem(ctx, actor.HouseholdID, itemID)
			if err != nil {
				return err
			}

			entry := &model.Override{
				ItemID:           item.ID,
				UserID:           actor.UserID,
				AppliedAt:        now.UTC(),
				PreviousDate:     item.PredictedRunOutDate,
				NewPredictedDate: newDate.UTC(),
				Reason:           reason.Code,
				ReasonText:       strings.TrimSpace(reason.Text),
				DaysDifference:   daysBetween(item.PredictedRunOutDate, newDate),
			}
			if err := tx.AppendOverride(ctx, entry); err != nil {
				return err
			}

			predicted := newDate.UTC()
			item.PredictedRunOutDate = &predicted
			if err := tx.UpdateItem(ctx, item); err != nil {
				return err
			}
			item.Overrides = append(item.Overrides, *entry)

			result = &Result{Item: item, Override: entry, DaysDifference: entry.DaysDifference}
			return nil
		})
	}, l.retry)
	if err != nil {
		return nil, err
	}

	l.logger.InfoContext(ctx, "Applied prediction override",
		"household_id", actor.HouseholdID,
		"item_id", itemID,
		"user_id", actor.UserID,
		"reason", reason.Code,
		"days_difference", result.DaysDifference)
	return result, nil
}

// History returns an item's corrections in the order applied.
func (l *Ledger) History(ctx context.Context, actor service.Actor, itemID string) ([]model.Override, error) {
	item, err := l.store.GetItem(ctx, actor.HouseholdID, itemID)
	if err != nil {
		return nil, err
	}
	return l.store.ListOverrides(ctx, item.ID)
}

func validate(actor service.Actor, itemID string, newDate time.Time, reason Reason, now time.Time) error {
	if strings.TrimSpace(actor.HouseholdID) == "" {
		return common.NewValidationError("household", "required")
	}
	if strings.TrimSpace(itemID) == "" {
		return common.NewValidationError("item_id", "required")
	}
	if newDate.Before(now.Add(-day)) {
		return common.NewValidationError("date", "must not be more than one day in the past")
	}
	if newDate.After(now.AddDate(2, 0, 0)) {
		return common.NewValidationError("date", "must be within two years")
	}
	if !reason.Code.IsValid() {
		return common.NewValidationError("reason", fmt.Sprintf("unknown reason %q", reason.Code))
	}
	text := strings.TrimSpace(reason.Text)
	if reason.Code == model.OverrideOther && text == "" {
		return common.NewValidationError("reason_text", "required when reason is other")
	}
	if len(text) > MaxReasonTextLength {
		return common.NewValidationError("reason_text", fmt.Sprintf("must be at most %d characters", MaxReasonTextLength))
	}
	return nil
}

// daysBetween is the whole number of days from previous to next, rounded.
// Without a previous prediction it is zero.
func daysBetween(previous *time.Time, next time.Time) int {
	if previous == nil {
		return 0
	}
	return int(math.Round(next.Sub(*previous).Hours() / 24))
}
