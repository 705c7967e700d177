package ingest

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/Veraticus/restock/internal/common"
)

// BudgetConfig bounds how many lines a household may ingest per period.
type BudgetConfig struct {
	MaxLines int           `mapstructure:"max_lines"`
	Period   time.Duration `mapstructure:"period"`
}

// LineUsage reports the lines of a household's jobs started at or after
// since, and the earliest such start. service.Storage satisfies it.
type LineUsage interface {
	SumJobLinesStartedSince(ctx context.Context, householdID string, since time.Time) (int, time.Time, error)
}

// Budget is a rolling line allowance per household. Usage comes from the
// jobs already started in the store, so every process sharing the database
// sees the same allowance. A zero MaxLines disables it.
type Budget struct {
	usage   LineUsage
	pending map[string]int
	now     func() time.Time
	cfg     BudgetConfig
	mu      sync.Mutex
}

// NewBudget creates a budget. A missing period defaults to one hour.
func NewBudget(cfg BudgetConfig, usage LineUsage, now func() time.Time) *Budget {
	if cfg.Period <= 0 {
		cfg.Period = time.Hour
	}
	if now == nil {
		now = time.Now
	}
	return &Budget{
		usage:   usage,
		pending: make(map[string]int),
		now:     now,
		cfg:     cfg,
	}
}

// Reserve takes lines from the household's allowance. When the window cannot
// cover them it returns the time the oldest counted job leaves the window and
// an error wrapping common.ErrBudgetExceeded. A job larger than the whole
// allowance is admitted only into an empty window, so it is never parked
// forever.
//
// A successful reservation stays pending until Release is called, which the
// caller does once the job's start is recorded or abandoned.
func (b *Budget) Reserve(ctx context.Context, householdID string, lines int) (time.Time, error) {
	if b == nil || b.cfg.MaxLines <= 0 || lines <= 0 {
		return time.Time{}, nil
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	now := b.now().UTC()
	used, earliest, err := b.used(ctx, householdID, now)
	if err != nil {
		return time.Time{}, err
	}

	resetAt := now.Add(b.cfg.Period)
	if !earliest.IsZero() {
		resetAt = earliest.Add(b.cfg.Period)
	}
	if used > 0 && used+lines > b.cfg.MaxLines {
		return resetAt, fmt.Errorf("%w: household %s used %d of %d lines",
			common.ErrBudgetExceeded, householdID, used, b.cfg.MaxLines)
	}

	b.pending[householdID] += lines
	return resetAt, nil
}

// Release drops a pending reservation.
func (b *Budget) Release(householdID string, lines int) {
	if b == nil || b.cfg.MaxLines <= 0 || lines <= 0 {
		return
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	left := b.pending[householdID] - lines
	if left <= 0 {
		delete(b.pending, householdID)
		return
	}
	b.pending[householdID] = left
}

// Remaining reports the lines left in the household's current window, or -1
// when the budget is disabled.
func (b *Budget) Remaining(ctx context.Context, householdID string) (int, error) {
	if b == nil || b.cfg.MaxLines <= 0 {
		return -1, nil
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	used, _, err := b.used(ctx, householdID, b.now().UTC())
	if err != nil {
		return 0, err
	}
	if used >= b.cfg.MaxLines {
		return 0, nil
	}
	return b.cfg.MaxLines - used, nil
}

// used sums started jobs in the window and this process's pending
// reservations. Callers hold b.mu.
func (b *Budget) used(ctx context.Context, householdID string, now time.Time) (int, time.Time, error) {
	used := b.pending[householdID]
	if b.usage == nil {
		return used, time.Time{}, nil
	}

	started, earliest, err := b.usage.SumJobLinesStartedSince(ctx, householdID, now.Add(-b.cfg.Period))
	if err != nil {
		return 0, time.Time{}, fmt.Errorf("failed to read budget usage: %w", err)
	}
	return used + started, earliest, nil
}
