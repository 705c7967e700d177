package common

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Veraticus/restock/internal/service"
)

var fastRetry = service.RetryOptions{
	MaxAttempts:  3,
	InitialDelay: time.Millisecond,
	MaxDelay:     2 * time.Millisecond,
	Multiplier:   2,
}

func TestWithRetry_RetriesConflicts(t *testing.T) {
	attempts := 0
	err := WithRetry(context.Background(), func() error {
		attempts++
		if attempts < 3 {
			return &RetryableError{Err: fmt.Errorf("item x: %w", ErrVersionConflict), Retryable: true}
		}
		return nil
	}, fastRetry)

	require.NoError(t, err)
	assert.Equal(t, 3, attempts)
}

func TestWithRetry_StopsOnPermanentError(t *testing.T) {
	attempts := 0
	err := WithRetry(context.Background(), func() error {
		attempts++
		return ErrNotFound
	}, fastRetry)

	require.ErrorIs(t, err, ErrNotFound)
	assert.Equal(t, 1, attempts)
}

func TestWithRetry_Exhausted(t *testing.T) {
	attempts := 0
	err := WithRetry(context.Background(), func() error {
		attempts++
		return ErrVersionConflict
	}, fastRetry)

	require.ErrorIs(t, err, ErrMaxRetries)
	require.ErrorIs(t, err, ErrVersionConflict)
	assert.Equal(t, 3, attempts)
}

func TestWithRetry_ContextCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := WithRetry(ctx, func() error { return ErrVersionConflict }, fastRetry)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestIsRetryable(t *testing.T) {
	tests := []struct {
		err  error
		name string
		want bool
	}{
		{name: "conflict", err: fmt.Errorf("wrap: %w", ErrVersionConflict), want: true},
		{name: "deadline", err: context.DeadlineExceeded, want: true},
		{name: "permanent conflict", err: Permanent(ErrVersionConflict), want: false},
		{name: "not found", err: ErrNotFound, want: false},
		{name: "plain", err: errors.New("boom"), want: false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, IsRetryable(tt.err))
		})
	}
}

func TestBackoff_GrowsToCap(t *testing.T) {
	b := newBackoff(service.RetryOptions{InitialDelay: time.Millisecond, MaxDelay: 3 * time.Millisecond, Multiplier: 2})

	assert.Equal(t, time.Millisecond, b.next())
	assert.Equal(t, 2*time.Millisecond, b.next())
	assert.Equal(t, 3*time.Millisecond, b.next())
	assert.Equal(t, 3*time.Millisecond, b.next())
	assert.Equal(t, 3, b.attempts)
}
