package ratelimit

import (
	"context"
	"sync"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
	"github.com/infigaming-com/go-coord/clock"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// Registry is an in-process Limiter holding one token bucket per key.
// Buckets refill lazily from elapsed clock time and are dropped from the registry
// after the key TTL or when the key count exceeds the configured maximum.
type Registry struct {
	mu      sync.Mutex
	buckets *expirable.LRU[string, *bucket]
	clock   clock.Clock
	metrics MetricsHook
	lg      *zap.Logger
}

type bucket struct {
	lim     *rate.Limiter
	permits float64
}

var _ Limiter = (*Registry)(nil)

func NewRegistry(opts ...Option) *Registry {
	o := defaultOptions()
	for _, opt := range opts {
		opt(o)
	}
	return &Registry{
		buckets: expirable.NewLRU[string, *bucket](o.maxKeys, nil, o.keyTTL),
		clock:   o.clock,
		metrics: o.metrics,
		lg:      o.lg,
	}
}

func (r *Registry) TryAcquire(ctx context.Context, key string, permitsPerSecond float64, timeout time.Duration) (bool, error) {
	if err := validate(key, permitsPerSecond); err != nil {
		return false, err
	}
	if err := ctx.Err(); err != nil {
		return false, err
	}

	b := r.bucketFor(key, permitsPerSecond)
	now := r.clock.Now()

	if timeout <= 0 {
		ok := b.lim.AllowN(now, 1)
		r.record(key, b, ok, 0)
		return ok, nil
	}

	res := b.lim.ReserveN(now, 1)
	if !res.OK() {
		r.record(key, b, false, 0)
		return false, nil
	}
	delay := res.DelayFrom(now)
	if delay == 0 {
		r.record(key, b, true, 0)
		return true, nil
	}
	if delay > timeout {
		res.CancelAt(now)
		r.record(key, b, false, 0)
		return false, nil
	}

	timer := time.NewTimer(delay)
	defer timer.Stop()

	select {
	case <-timer.C:
		r.record(key, b, true, delay)
		return true, nil
	case <-ctx.Done():
		// Give the reserved permit back so an abandoned wait consumes nothing.
		res.CancelAt(r.clock.Now())
		r.record(key, b, false, 0)
		return false, ctx.Err()
	}
}

// Available returns the permits currently in the bucket for key.
func (r *Registry) Available(key string) (float64, bool) {
	r.mu.Lock()
	b, ok := r.buckets.Peek(key)
	r.mu.Unlock()
	if !ok {
		return 0, false
	}
	return b.lim.TokensAt(r.clock.Now()), true
}

// Len returns the number of live buckets.
func (r *Registry) Len() int {
	return r.buckets.Len()
}

func (r *Registry) bucketFor(key string, permitsPerSecond float64) *bucket {
	r.mu.Lock()
	defer r.mu.Unlock()

	if b, ok := r.buckets.Get(key); ok {
		if b.permits != permitsPerSecond {
			r.lg.Debug("rate limiter exists with a different rate, keeping it",
				zap.String("key", key), zap.Float64("permits", b.permits), zap.Float64("requested", permitsPerSecond))
		}
		return b
	}

	b := &bucket{
		lim:     rate.NewLimiter(rate.Limit(permitsPerSecond), capacity(permitsPerSecond)),
		permits: permitsPerSecond,
	}
	r.buckets.Add(key, b)
	r.lg.Debug("rate limiter created", zap.String("key", key), zap.Float64("permits", permitsPerSecond))
	return b
}

func (r *Registry) record(key string, b *bucket, allowed bool, waited time.Duration) {
	if !allowed {
		r.lg.Warn("rate limit triggered", zap.String("key", key), zap.Float64("permits", b.permits))
	}
	r.metrics.OnAcquire(key, allowed, waited)
}
