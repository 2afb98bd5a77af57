package ratelimit

import (
	"time"

	"github.com/infigaming-com/go-coord/clock"
	"go.uber.org/zap"
)

// Option configures a Registry or a RedisLimiter.
type Option func(*options)

type options struct {
	maxKeys   int
	keyTTL    time.Duration
	keyPrefix string
	clock     clock.Clock
	metrics   MetricsHook
	lg        *zap.Logger
}

func defaultOptions() *options {
	return &options{
		maxKeys:   1000,
		keyTTL:    time.Hour,
		keyPrefix: "ratelimit:",
		clock:     clock.System{},
		metrics:   noopMetrics{},
		lg:        zap.NewNop(),
	}
}

// WithMaxKeys bounds how many buckets a Registry keeps. Default: 1000.
func WithMaxKeys(n int) Option {
	return func(o *options) {
		if n > 0 {
			o.maxKeys = n
		}
	}
}

// WithKeyTTL sets how long a Registry keeps a bucket after creating it. Default: 1h.
func WithKeyTTL(d time.Duration) Option {
	return func(o *options) {
		if d > 0 {
			o.keyTTL = d
		}
	}
}

// WithKeyPrefix sets the Redis key prefix used by RedisLimiter. Default: "ratelimit:".
func WithKeyPrefix(prefix string) Option {
	return func(o *options) {
		if prefix != "" {
			o.keyPrefix = prefix
		}
	}
}

// WithClock overrides the time source (for testing).
func WithClock(c clock.Clock) Option {
	return func(o *options) {
		if c != nil {
			o.clock = c
		}
	}
}

func WithMetrics(m MetricsHook) Option {
	return func(o *options) {
		if m != nil {
			o.metrics = m
		}
	}
}

func WithLogger(lg *zap.Logger) Option {
	return func(o *options) {
		if lg != nil {
			o.lg = lg
		}
	}
}
