package snowflake

import (
	"time"

	"github.com/infigaming-com/go-coord/clock"
	"go.uber.org/zap"
)

// DefaultEpoch is 2024-01-01 00:00:00 UTC.
var DefaultEpoch = time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

// ---------- Generator Options ----------

// Option configures a Generator.
type Option func(*generatorOptions)

// LeaseHealth reports whether the lease backing a node ID is still valid.
type LeaseHealth interface {
	IsHealthy() bool
}

type generatorOptions struct {
	epoch         time.Time
	maxClockDrift time.Duration
	spinInterval  time.Duration
	metrics       GeneratorMetrics
	leaseCheck    LeaseHealth
	clock         clock.Clock
	lg            *zap.Logger
}

func defaultGeneratorOptions() *generatorOptions {
	return &generatorOptions{
		epoch:        DefaultEpoch,
		spinInterval: 100 * time.Microsecond,
		metrics:      noopMetrics{},
		clock:        clock.System{},
		lg:           zap.NewNop(),
	}
}

// WithEpoch sets the custom epoch that timestamps are measured from.
// Default: 2024-01-01 00:00:00 UTC.
func WithEpoch(epoch time.Time) Option {
	return func(o *generatorOptions) {
		if !epoch.IsZero() {
			o.epoch = epoch
		}
	}
}

// WithMaxClockDrift sets the maximum tolerable clock rollback duration.
// Rollbacks within the drift are waited out once; anything larger, or a rollback that
// persists after the wait, makes NextID return ErrClockRollback.
// Default: 0, every rollback is fatal.
func WithMaxClockDrift(d time.Duration) Option {
	return func(o *generatorOptions) {
		if d >= 0 {
			o.maxClockDrift = d
		}
	}
}

// WithSpinInterval sets the poll interval used while waiting for the next millisecond
// after sequence exhaustion. Default: 100us.
func WithSpinInterval(d time.Duration) Option {
	return func(o *generatorOptions) {
		if d > 0 && d < time.Millisecond {
			o.spinInterval = d
		}
	}
}

// WithMetrics sets the metrics hook for observability.
func WithMetrics(m GeneratorMetrics) Option {
	return func(o *generatorOptions) {
		if m != nil {
			o.metrics = m
		}
	}
}

// WithLeaseHealthCheck enables lease health checking.
// If the lease becomes unhealthy, NextID returns ErrLeaseExpired.
func WithLeaseHealthCheck(lh LeaseHealth) Option {
	return func(o *generatorOptions) {
		o.leaseCheck = lh
	}
}

// WithClock overrides the time source (for testing).
func WithClock(c clock.Clock) Option {
	return func(o *generatorOptions) {
		if c != nil {
			o.clock = c
		}
	}
}

func WithLogger(lg *zap.Logger) Option {
	return func(o *generatorOptions) {
		if lg != nil {
			o.lg = lg
		}
	}
}

// ---------- Lease Options ----------

// LeaseOption configures a NodeLease.
type LeaseOption func(*leaseOptions)

type leaseOptions struct {
	ttl             time.Duration
	serviceName     string
	keyPrefix       string
	preferredNodeID int64
	metrics         LeaseMetrics
	lg              *zap.Logger
}

func defaultLeaseOptions() *leaseOptions {
	return &leaseOptions{
		ttl:             30 * time.Second,
		serviceName:     "unknown",
		keyPrefix:       "coord:worker:",
		preferredNodeID: -1,
		metrics:         noopMetrics{},
		lg:              zap.NewNop(),
	}
}

// WithLeaseTTL sets the lease TTL. Heartbeat interval is TTL/3.
// Default: 30s.
func WithLeaseTTL(d time.Duration) LeaseOption {
	return func(o *leaseOptions) {
		if d > 0 {
			o.ttl = d
		}
	}
}

// WithServiceName sets the service name used in the holder identity.
func WithServiceName(name string) LeaseOption {
	return func(o *leaseOptions) {
		if name != "" {
			o.serviceName = name
		}
	}
}

// WithLeaseKeyPrefix sets the Redis key prefix for node lease keys.
// Default: "coord:worker:".
func WithLeaseKeyPrefix(prefix string) LeaseOption {
	return func(o *leaseOptions) {
		if prefix != "" {
			o.keyPrefix = prefix
		}
	}
}

// WithPreferredNodeID asks for a specific node ID, e.g. a StatefulSet ordinal.
// Another free slot is claimed if it is taken.
func WithPreferredNodeID(id int64) LeaseOption {
	return func(o *leaseOptions) {
		if id >= 0 && id <= maxNodeID {
			o.preferredNodeID = id
		}
	}
}

// WithLeaseMetrics sets the metrics hook for lease operations.
func WithLeaseMetrics(m LeaseMetrics) LeaseOption {
	return func(o *leaseOptions) {
		if m != nil {
			o.metrics = m
		}
	}
}

func WithLeaseLogger(lg *zap.Logger) LeaseOption {
	return func(o *leaseOptions) {
		if lg != nil {
			o.lg = lg
		}
	}
}
