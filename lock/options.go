package lock

import (
	"time"

	"github.com/infigaming-com/go-coord/clock"
	"go.uber.org/zap"
)

type Option func(*options)

type options struct {
	keyPrefix     string
	retryDelay    time.Duration
	unlockTimeout time.Duration
	metrics       MetricsHook
	clock         clock.Clock
	lg            *zap.Logger
}

func defaultOptions() *options {
	return &options{
		keyPrefix:     "lock:",
		retryDelay:    50 * time.Millisecond,
		unlockTimeout: 5 * time.Second,
		metrics:       noopMetrics{},
		clock:         clock.System{},
		lg:            zap.NewNop(),
	}
}

// WithKeyPrefix sets the namespace prepended to every lock key. Default: "lock:".
func WithKeyPrefix(prefix string) Option {
	return func(o *options) {
		o.keyPrefix = prefix
	}
}

// WithRetryDelay sets the pause between attempts while waiting. Default: 50ms.
func WithRetryDelay(d time.Duration) Option {
	return func(o *options) {
		if d > 0 {
			o.retryDelay = d
		}
	}
}

// WithUnlockTimeout bounds the release issued by Do and Execute. Default: 5s.
func WithUnlockTimeout(d time.Duration) Option {
	return func(o *options) {
		if d > 0 {
			o.unlockTimeout = d
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

// WithClock sets the time source used to stamp semaphore permit expiries.
func WithClock(c clock.Clock) Option {
	return func(o *options) {
		if c != nil {
			o.clock = c
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
