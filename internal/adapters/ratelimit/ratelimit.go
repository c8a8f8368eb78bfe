// Package ratelimit provides the token-bucket rate limiter and bounded
// retry loop shared by both service adapters. Spec.md §9 calls out that
// the source duplicated this machinery per side; this package exists so it
// is written once.
package ratelimit

import (
	"context"
	"math/rand"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// Config controls the limiter's sustained rate and the retry loop's
// backoff.
type Config struct {
	RequestsPerSecond float64
	BurstSize         int
	MaxAttempts       int // retry budget per call, per spec.md §5
	BaseBackoff       time.Duration
}

// DefaultConfig is a conservative default suitable for either adapter.
func DefaultConfig() Config {
	return Config{
		RequestsPerSecond: 10.0,
		BurstSize:         15,
		MaxAttempts:       3,
		BaseBackoff:       500 * time.Millisecond,
	}
}

// Limiter is a token-bucket rate limiter with an additional backoff window
// set by 429/503 responses, grounded on the teacher's
// internal/connectors/microsoft/ratelimit.go, which wraps
// golang.org/x/time/rate the same way.
type Limiter struct {
	cfg     Config
	limiter *rate.Limiter

	mu      sync.Mutex
	retryAt time.Time
}

// New creates a limiter using cfg.
func New(cfg Config) *Limiter {
	return &Limiter{
		cfg:     cfg,
		limiter: rate.NewLimiter(rate.Limit(cfg.RequestsPerSecond), cfg.BurstSize),
	}
}

// Wait blocks until a request may proceed without exceeding the rate limit
// or any backoff window set by RecordRateLimitError.
func (l *Limiter) Wait(ctx context.Context) error {
	l.mu.Lock()
	retryAt := l.retryAt
	l.mu.Unlock()

	if wait := time.Until(retryAt); wait > 0 {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(wait):
		}
	}

	return l.limiter.Wait(ctx)
}

// RecordRateLimitError records a 429/503 response and sets a backoff
// window before the next Wait may proceed.
func (l *Limiter) RecordRateLimitError(retryAfter time.Duration) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if retryAfter <= 0 {
		retryAfter = 60 * time.Second
	}
	l.retryAt = time.Now().Add(retryAfter)
}

// Retry runs fn up to cfg.MaxAttempts times, retrying only when
// shouldRetry(err) is true, with jittered exponential backoff between
// attempts. It is the caller's responsibility to ensure fn is idempotent,
// per spec.md §5 ("retry budget per call is finite and idempotent calls
// only").
func Retry(ctx context.Context, cfg Config, shouldRetry func(error) bool, fn func() error) error {
	var err error
	for attempt := 0; attempt < cfg.MaxAttempts; attempt++ {
		if attempt > 0 {
			backoff := cfg.BaseBackoff * time.Duration(1<<uint(attempt-1))
			jitter := time.Duration(rand.Int63n(int64(backoff) + 1)) //nolint:gosec // jitter, not security-sensitive
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(backoff/2 + jitter/2):
			}
		}

		err = fn()
		if err == nil {
			return nil
		}
		if !shouldRetry(err) {
			return err
		}
	}
	return err
}
