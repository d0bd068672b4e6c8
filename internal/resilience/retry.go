package resilience

import (
	"context"
	"errors"
	"math"
	"math/rand/v2"
	"time"

	"github.com/rendis/toolforge/pkg/schema"
)

// RetryPolicy describes how a fallible operation is retried. It holds no
// per-call state and may be shared freely.
type RetryPolicy struct {
	MaxAttempts  int
	InitialDelay time.Duration
	MaxDelay     time.Duration
	Multiplier   float64
	Jitter       bool

	// ShouldRetry gates continuation after a failed attempt. Nil means IsRetryable.
	ShouldRetry func(attempt int, err error) bool
	// OnRetry observes each scheduled retry.
	OnRetry func(attempt int, delay time.Duration, err error)
	// Rand returns a value in [0, 1). Nil uses math/rand/v2.
	Rand func() float64
}

// DefaultRetryPolicy returns the default tuning.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts:  3,
		InitialDelay: 100 * time.Millisecond,
		MaxDelay:     30 * time.Second,
		Multiplier:   2.0,
		Jitter:       true,
	}
}

// RetryPolicyFrom overlays non-zero fields of c onto the defaults. Jitter is
// taken from c as-is.
func RetryPolicyFrom(c *schema.RetryConfig) RetryPolicy {
	p := DefaultRetryPolicy()
	if c == nil {
		return p
	}
	if c.MaxAttempts > 0 {
		p.MaxAttempts = c.MaxAttempts
	}
	if c.InitialDelayMs > 0 {
		p.InitialDelay = time.Duration(c.InitialDelayMs) * time.Millisecond
	}
	if c.MaxDelayMs > 0 {
		p.MaxDelay = time.Duration(c.MaxDelayMs) * time.Millisecond
	}
	if c.Multiplier > 0 {
		p.Multiplier = c.Multiplier
	}
	p.Jitter = c.Jitter
	return p
}

// Backoff returns the delay before attempt (1-based). The first attempt never
// waits. For attempt k >= 2 the base delay is InitialDelay*Multiplier^(k-2)
// capped at MaxDelay; jitter adds up to half of that, and the result never
// exceeds MaxDelay.
func (p RetryPolicy) Backoff(attempt int) time.Duration {
	if attempt < 2 || p.InitialDelay <= 0 {
		return 0
	}
	mult := p.Multiplier
	if mult <= 0 {
		mult = 1
	}

	delay := float64(p.InitialDelay) * math.Pow(mult, float64(attempt-2))
	if p.MaxDelay > 0 && delay > float64(p.MaxDelay) {
		delay = float64(p.MaxDelay)
	}

	if p.Jitter {
		r := p.Rand
		if r == nil {
			r = rand.Float64
		}
		delay += r() * delay / 2
	}
	if p.MaxDelay > 0 && delay > float64(p.MaxDelay) {
		delay = float64(p.MaxDelay)
	}
	return time.Duration(delay)
}

func (p RetryPolicy) shouldRetry(attempt int, err error) bool {
	if p.ShouldRetry != nil {
		return p.ShouldRetry(attempt, err)
	}
	return IsRetryable(attempt, err)
}

// Retry runs op until it succeeds, the policy gives up, or ctx ends.
//
// When breaker is non-nil it gates every attempt, retries included: a
// rejected attempt ends the loop immediately with the CIRCUIT_OPEN error,
// since waiting out a backoff cannot help while the circuit is open. A
// non-retryable error is returned unmodified; running out of attempts
// returns RETRY_EXHAUSTED wrapping the last error.
func Retry[T any](ctx context.Context, p RetryPolicy, breaker *CircuitBreaker, op func(ctx context.Context, attempt int) (T, error)) (T, error) {
	var zero T
	attempts := p.MaxAttempts
	if attempts < 1 {
		attempts = 1
	}

	var last error
	for attempt := 1; attempt <= attempts; attempt++ {
		if attempt > 1 {
			delay := p.Backoff(attempt)
			if p.OnRetry != nil {
				p.OnRetry(attempt, delay, last)
			}
			if err := WaitForBackoff(ctx, delay); err != nil {
				return zero, ContextError(err)
			}
		}
		if err := ctx.Err(); err != nil {
			return zero, ContextError(err)
		}

		if breaker != nil {
			if err := breaker.Allow(); err != nil {
				return zero, err
			}
		}

		v, err := op(ctx, attempt)
		if breaker != nil {
			breaker.Record(err)
		}
		if err == nil {
			return v, nil
		}
		last = err

		if attempts == 1 || !p.shouldRetry(attempt, err) {
			return zero, err
		}
	}
	return zero, schema.NewRetryExhaustedError(attempts, last)
}

// WaitForBackoff sleeps for delay or returns early with ctx's error.
func WaitForBackoff(ctx context.Context, delay time.Duration) error {
	if delay <= 0 {
		return nil
	}
	t := time.NewTimer(delay)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// ContextError maps a context error onto the typed taxonomy.
func ContextError(err error) error {
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return schema.NewTimeoutError("deadline exceeded").WithCause(err)
	case errors.Is(err, context.Canceled):
		return schema.NewCancelledError(err)
	}
	return err
}
