package ratelimit

import (
	"context"
	"fmt"
	"math"
	"time"
)

// Limiter bounds the rate of an operation per logical key.
type Limiter interface {
	// TryAcquire takes one permit from the bucket for key, creating it on first use with
	// permitsPerSecond refill rate and capacity. A timeout <= 0 never blocks; otherwise
	// the call waits up to timeout for a permit. It reports false when no permit could be
	// had in time, and ctx.Err() when the wait was cancelled.
	TryAcquire(ctx context.Context, key string, permitsPerSecond float64, timeout time.Duration) (bool, error)
}

// MetricsHook receives the outcome of every acquire attempt.
type MetricsHook interface {
	OnAcquire(key string, allowed bool, waited time.Duration)
}

type noopMetrics struct{}

func (noopMetrics) OnAcquire(string, bool, time.Duration) {}

// Guard runs fn only if a permit for key is available, and returns ErrRateLimitExceeded otherwise.
func Guard[T any](ctx context.Context, l Limiter, key string, permitsPerSecond float64, timeout time.Duration, fn func(context.Context) (T, error)) (T, error) {
	var zero T
	ok, err := l.TryAcquire(ctx, key, permitsPerSecond, timeout)
	if err != nil {
		return zero, err
	}
	if !ok {
		return zero, fmt.Errorf("%w: key %s", ErrRateLimitExceeded, key)
	}
	return fn(ctx)
}

func validate(key string, permitsPerSecond float64) error {
	if key == "" {
		return ErrInvalidKey
	}
	if permitsPerSecond <= 0 || math.IsNaN(permitsPerSecond) || math.IsInf(permitsPerSecond, 0) {
		return fmt.Errorf("%w: got %v", ErrInvalidPermits, permitsPerSecond)
	}
	return nil
}

// capacity is the bucket size for a rate: one second worth of permits, at least one.
func capacity(permitsPerSecond float64) int {
	c := int(math.Ceil(permitsPerSecond))
	if c < 1 {
		c = 1
	}
	return c
}
