package ratelimit

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNew(t *testing.T) {
	l := New(DefaultConfig())
	require.NotNil(t, l)
	assert.NotNil(t, l.limiter)
}

func TestLimiter_Wait(t *testing.T) {
	l := New(DefaultConfig())
	assert.NoError(t, l.Wait(context.Background()))
}

func TestLimiter_Wait_ContextCancelled(t *testing.T) {
	l := New(Config{RequestsPerSecond: 1, BurstSize: 1})
	// Drain the single burst token so the next Wait would otherwise block.
	require.NoError(t, l.Wait(context.Background()))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.ErrorIs(t, l.Wait(ctx), context.Canceled)
}

func TestLimiter_RecordRateLimitError(t *testing.T) {
	l := New(DefaultConfig())
	l.RecordRateLimitError(200 * time.Millisecond)

	start := time.Now()
	require.NoError(t, l.Wait(context.Background()))
	assert.GreaterOrEqual(t, time.Since(start), 150*time.Millisecond)
}

func TestLimiter_RecordRateLimitError_DefaultBackoff(t *testing.T) {
	l := New(DefaultConfig())
	l.RecordRateLimitError(0)

	l.mu.Lock()
	retryAt := l.retryAt
	l.mu.Unlock()

	assert.WithinDuration(t, time.Now().Add(60*time.Second), retryAt, 2*time.Second)
}

func TestRetry_StopsOnNonRetryableError(t *testing.T) {
	cfg := DefaultConfig()
	cfg.BaseBackoff = time.Millisecond

	calls := 0
	err := Retry(context.Background(), cfg, func(error) bool { return false }, func() error {
		calls++
		return assert.AnError
	})

	assert.ErrorIs(t, err, assert.AnError)
	assert.Equal(t, 1, calls, "a non-retryable error must not be retried")
}

func TestRetry_RetriesUpToMaxAttempts(t *testing.T) {
	cfg := DefaultConfig()
	cfg.MaxAttempts = 3
	cfg.BaseBackoff = time.Millisecond

	calls := 0
	err := Retry(context.Background(), cfg, func(error) bool { return true }, func() error {
		calls++
		return assert.AnError
	})

	assert.ErrorIs(t, err, assert.AnError)
	assert.Equal(t, cfg.MaxAttempts, calls)
}

func TestRetry_SucceedsAfterTransientFailure(t *testing.T) {
	cfg := DefaultConfig()
	cfg.BaseBackoff = time.Millisecond

	calls := 0
	err := Retry(context.Background(), cfg, func(error) bool { return true }, func() error {
		calls++
		if calls < 2 {
			return assert.AnError
		}
		return nil
	})

	assert.NoError(t, err)
	assert.Equal(t, 2, calls)
}
