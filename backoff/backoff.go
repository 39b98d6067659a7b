// Package backoff provides exponential backoff helpers with jitter for the
// dispatcher poll loop and the consumer reconnect/retry paths.
package backoff

import (
	"context"
	"fmt"
	"math"
	"math/rand/v2"
	"time"
)

const maxShift = 62

// Exponential returns base * 2^attempt with overflow protection.
// Negative attempts are treated as 0.
func Exponential(base time.Duration, attempt int) time.Duration {
	if base <= 0 {
		return 0
	}

	if attempt < 0 {
		attempt = 0
	} else if attempt > maxShift {
		attempt = maxShift
	}

	multiplier := int64(1) << attempt

	if int64(base) > math.MaxInt64/multiplier {
		return time.Duration(math.MaxInt64)
	}

	return time.Duration(int64(base) * multiplier)
}

// Capped returns base * 2^attempt bounded by cap.
func Capped(base time.Duration, attempt int, capDelay time.Duration) time.Duration {
	delay := Exponential(base, attempt)
	if capDelay > 0 && delay > capDelay {
		return capDelay
	}

	return delay
}

// Jitter adds up to fraction of delay as random jitter. A fraction of 0.1
// yields a value in [delay, delay*1.1).
func Jitter(delay time.Duration, fraction float64) time.Duration {
	if delay <= 0 || fraction <= 0 {
		return delay
	}

	span := float64(delay) * fraction
	if span < 1 {
		return delay
	}

	return delay + time.Duration(rand.Int64N(int64(span))) // #nosec G404 -- timing jitter, not security sensitive
}

// SleepWithContext sleeps for the given duration unless ctx is cancelled
// first. Zero and negative durations return immediately.
func SleepWithContext(ctx context.Context, duration time.Duration) error {
	if duration <= 0 {
		return nil
	}

	timer := time.NewTimer(duration)
	defer timer.Stop()

	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("context done: %w", ctx.Err())
	}
}
