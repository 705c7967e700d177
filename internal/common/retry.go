package common

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/Veraticus/restock/internal/service"
)

// ErrMaxRetries is returned once every attempt of an optimistic write lost
// its version check. It wraps the last conflict.
var ErrMaxRetries = errors.New("max retries exceeded")

// RetryableError overrides IsRetryable for the error it wraps. Storage
// returns one with Retryable set on a stale version; Permanent builds one
// that stops the loop.
type RetryableError struct {
	Err       error
	Retryable bool
}

func (e *RetryableError) Error() string {
	return e.Err.Error()
}

func (e *RetryableError) Unwrap() error {
	return e.Err
}

// Permanent marks err as not worth retrying.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &RetryableError{Err: err, Retryable: false}
}

// backoff is the delay schedule between attempts.
type backoff struct {
	delay      time.Duration
	max        time.Duration
	multiplier float64
	attempts   int
}

func newBackoff(opts service.RetryOptions) backoff {
	b := backoff{
		delay:      opts.InitialDelay,
		max:        opts.MaxDelay,
		multiplier: opts.Multiplier,
		attempts:   opts.MaxAttempts,
	}
	if b.attempts <= 0 {
		b.attempts = 3
	}
	if b.delay <= 0 {
		b.delay = 10 * time.Millisecond
	}
	if b.max <= 0 {
		b.max = time.Second
	}
	if b.multiplier <= 0 {
		b.multiplier = 2
	}
	return b
}

// next returns the current delay and advances the schedule, capped at max.
func (b *backoff) next() time.Duration {
	d := b.delay
	b.delay = min(time.Duration(float64(b.delay)*b.multiplier), b.max)
	return d
}

// WithRetry runs a read-modify-write operation until it stops losing version
// checks. operation must re-read whatever it writes on every call. Errors for
// which IsRetryable is false are returned as they are.
func WithRetry(ctx context.Context, operation func() error, opts service.RetryOptions) error {
	b := newBackoff(opts)

	for attempt := 1; ; attempt++ {
		err := operation()
		if err == nil {
			return nil
		}
		if !IsRetryable(err) {
			return err
		}
		if attempt >= b.attempts {
			return fmt.Errorf("%w after %d attempts: %w", ErrMaxRetries, b.attempts, err)
		}

		delay := b.next()
		slog.DebugContext(ctx, "Concurrent write, retrying",
			"attempt", attempt,
			"max_attempts", b.attempts,
			"delay", delay,
			"error", err)

		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
}
