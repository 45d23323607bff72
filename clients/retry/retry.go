// Package retry implements bounded retries with exponential backoff and
// jitter, composed with per-dependency circuit breakers.
package retry

import (
	"context"
	"errors"
	"math"
	"math/rand/v2"
	"time"
)

// ErrCircuitOpen is returned when the circuit breaker blocks a call
// before any attempt is made. It does not consume a retry attempt.
var ErrCircuitOpen = errors.New("circuit breaker is open: service temporarily unavailable")

// Policy configures a retry loop. The zero value is usable: missing
// fields are filled with defaults, a nil Retryable retries every failure.
type Policy struct {
	MaxAttempts   int
	BackoffFactor float64
	MaxWait       time.Duration
	Jitter        bool
	// Retryable decides whether a failure may be retried. Non-retryable
	// failures propagate immediately without further attempts.
	Retryable func(error) bool
}

// DefaultPolicy matches the panel API defaults: 3 attempts, backoff
// base 1.5, 30s wait ceiling, jitter on.
func DefaultPolicy() Policy {
	return Policy{
		MaxAttempts:   3,
		BackoffFactor: 1.5,
		MaxWait:       30 * time.Second,
		Jitter:        true,
	}
}

func (p Policy) normalized() Policy {
	def := DefaultPolicy()
	if p.MaxAttempts <= 0 {
		p.MaxAttempts = def.MaxAttempts
	}
	if p.BackoffFactor <= 0 {
		p.BackoffFactor = def.BackoffFactor
	}
	if p.MaxWait <= 0 {
		p.MaxWait = def.MaxWait
	}
	return p
}

// wait returns the sleep before the next attempt. Attempt numbers are
// 1-based: the wait after attempt n is backoffFactor^(n-1) seconds,
// scaled by a uniform jitter factor in [0.5, 1.0) when enabled, and
// capped at MaxWait regardless of attempt count.
func (p Policy) wait(attempt int) time.Duration {
	secs := math.Pow(p.BackoffFactor, float64(attempt-1))
	if p.Jitter {
		secs *= 0.5 + rand.Float64()*0.5
	}
	d := time.Duration(secs * float64(time.Second))
	if d > p.MaxWait {
		d = p.MaxWait
	}
	return d
}

// Do runs op up to p.MaxAttempts times. When b is non-nil it is
// consulted before every attempt and updated after every outcome.
// The failure returned after exhausting attempts is exactly the last
// attempt's failure, unwrapped, so callers can inspect the root cause.
func Do[T any](ctx context.Context, p Policy, b *Breaker, op func(context.Context) (T, error)) (T, error) {
	var zero T
	p = p.normalized()

	var lastErr error
	for attempt := 1; attempt <= p.MaxAttempts; attempt++ {
		if b != nil && !b.CanAttempt() {
			return zero, ErrCircuitOpen
		}
		if err := ctx.Err(); err != nil {
			return zero, err
		}

		res, err := op(ctx)
		if err == nil {
			if b != nil {
				b.RecordSuccess()
			}
			return res, nil
		}

		if p.Retryable != nil && !p.Retryable(err) {
			return zero, err
		}

		if b != nil {
			b.RecordFailure()
		}
		lastErr = err
		if attempt == p.MaxAttempts {
			break
		}
		if err := sleep(ctx, p.wait(attempt)); err != nil {
			return zero, err
		}
	}
	return zero, lastErr
}

// sleep waits for d but wakes up early when ctx is cancelled, so an
// abandoned caller never leaves a detached retry loop behind.
func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
