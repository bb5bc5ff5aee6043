// Package retry holds the exponential backoff shared by task re-dispatch and destination sends.
package retry

import (
	"context"
	"math"
	"math/rand"
	"time"
)

// Policy describes a bounded exponential backoff.
type Policy struct {
	MaxAttempts int
	Base        time.Duration
	Factor      float64
	Max         time.Duration
	// Jitter adds up to half of the computed delay.
	Jitter bool
	// Sleep waits between attempts; nil means a context-aware timer.
	Sleep func(ctx context.Context, d time.Duration) error
}

// Delay returns the wait before the given retry attempt (1-based).
func (p Policy) Delay(attempt int) time.Duration {
	if attempt <= 0 {
		attempt = 1
	}
	factor := p.Factor
	if factor <= 0 {
		factor = 2
	}
	wait := time.Duration(float64(p.Base) * math.Pow(factor, float64(attempt-1)))
	if p.Max > 0 && (wait > p.Max || wait <= 0) {
		wait = p.Max
	}
	if p.Jitter && wait > 1 {
		wait += time.Duration(rand.Int63n(int64(wait / 2)))
	}
	if p.Max > 0 && wait > p.Max {
		wait = p.Max
	}
	return wait
}

// Do runs fn until it succeeds, returns a non-retryable error, or MaxAttempts is reached.
// retryable may be nil, in which case every error is retried.
// onRetry, when non-nil, is called before each wait.
func (p Policy) Do(ctx context.Context, fn func(ctx context.Context) error, retryable func(error) bool, onRetry func(attempt int, err error)) error {
	attempts := p.MaxAttempts
	if attempts <= 0 {
		attempts = 1
	}
	sleep := p.Sleep
	if sleep == nil {
		sleep = SleepContext
	}

	var err error
	for attempt := 1; attempt <= attempts; attempt++ {
		if err = fn(ctx); err == nil {
			return nil
		}
		if retryable != nil && !retryable(err) {
			return err
		}
		if attempt == attempts {
			break
		}
		if onRetry != nil {
			onRetry(attempt, err)
		}
		if serr := sleep(ctx, p.Delay(attempt)); serr != nil {
			return err
		}
	}
	return err
}

// SleepContext waits for d or until ctx is done.
func SleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
