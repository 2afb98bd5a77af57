// Package prom exposes coordination metrics for Prometheus scraping.
package prom

import (
	"net/http"
	"strconv"
	"time"

	"github.com/infigaming-com/go-coord/lock"
	"github.com/infigaming-com/go-coord/ratelimit"
	"github.com/infigaming-com/go-coord/snowflake"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "coord"

// Registry holds the metric instances and implements the snowflake, ratelimit and lock hooks.
type Registry struct {
	gatherer prometheus.Gatherer

	IDsGenerated      prometheus.Counter
	ClockRollbacks    prometheus.Counter
	SequenceOverflows prometheus.Counter
	LeaseEvents       *prometheus.CounterVec
	NodeID            prometheus.Gauge

	RateLimitRequests *prometheus.CounterVec
	RateLimitWaitTime *prometheus.HistogramVec

	LockAttempts *prometheus.CounterVec
	LockWaitTime *prometheus.HistogramVec
	LockHeldTime *prometheus.HistogramVec
	LockExpired  *prometheus.CounterVec
}

var (
	_ snowflake.MetricsHook = (*Registry)(nil)
	_ ratelimit.MetricsHook = (*Registry)(nil)
	_ lock.MetricsHook      = (*Registry)(nil)
)

// NewRegistry registers all metrics, plus Go runtime and process collectors, on a fresh
// Prometheus registry.
func NewRegistry() *Registry {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return NewRegistryWith(reg, reg)
}

// NewRegistryWith registers the metrics on reg and serves them from gatherer.
func NewRegistryWith(reg prometheus.Registerer, gatherer prometheus.Gatherer) *Registry {
	factory := promauto.With(reg)

	return &Registry{
		gatherer: gatherer,

		IDsGenerated: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "snowflake",
			Name:      "ids_generated_total",
			Help:      "Total number of IDs generated",
		}),
		ClockRollbacks: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "snowflake",
			Name:      "clock_rollbacks_total",
			Help:      "Total number of clock regressions observed",
		}),
		SequenceOverflows: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "snowflake",
			Name:      "sequence_overflows_total",
			Help:      "Total number of per-millisecond sequence exhaustions",
		}),
		LeaseEvents: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "snowflake",
			Name:      "lease_events_total",
			Help:      "Node lease lifecycle events",
		}, []string{"event"}),
		NodeID: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "snowflake",
			Name:      "node_id",
			Help:      "Node ID held by this process",
		}),

		RateLimitRequests: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "ratelimit",
			Name:      "requests_total",
			Help:      "Total number of permit requests",
		}, []string{"key", "allowed"}),
		RateLimitWaitTime: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "ratelimit",
			Name:      "wait_duration_seconds",
			Help:      "Time spent waiting for a permit",
			Buckets:   prometheus.DefBuckets,
		}, []string{"key"}),

		LockAttempts: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "lock",
			Name:      "attempts_total",
			Help:      "Lock acquisition attempts by outcome",
		}, []string{"key", "result"}),
		LockWaitTime: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "lock",
			Name:      "wait_duration_seconds",
			Help:      "Time spent acquiring a lock",
			Buckets:   prometheus.DefBuckets,
		}, []string{"key"}),
		LockHeldTime: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "lock",
			Name:      "held_duration_seconds",
			Help:      "Time a lock was held before release",
			Buckets:   prometheus.DefBuckets,
		}, []string{"key"}),
		LockExpired: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "lock",
			Name:      "expired_total",
			Help:      "Locks whose lease ran out before release",
		}, []string{"key"}),
	}
}

// Handler serves the registry in the Prometheus exposition format.
func (r *Registry) Handler() http.Handler {
	return promhttp.HandlerFor(r.gatherer, promhttp.HandlerOpts{})
}

func (r *Registry) OnIDGenerated(count int) { r.IDsGenerated.Add(float64(count)) }
func (r *Registry) OnClockRollback()        { r.ClockRollbacks.Inc() }
func (r *Registry) OnSequenceOverflow()     { r.SequenceOverflows.Inc() }

func (r *Registry) OnLeaseAcquired(nodeID int64) {
	r.LeaseEvents.WithLabelValues("acquired").Inc()
	r.NodeID.Set(float64(nodeID))
}

func (r *Registry) OnLeaseRenewed()   { r.LeaseEvents.WithLabelValues("renewed").Inc() }
func (r *Registry) OnLeaseRenewFail() { r.LeaseEvents.WithLabelValues("renew_failed").Inc() }
func (r *Registry) OnLeaseExpired()   { r.LeaseEvents.WithLabelValues("expired").Inc() }
func (r *Registry) OnLeaseReleased()  { r.LeaseEvents.WithLabelValues("released").Inc() }

func (r *Registry) OnAcquire(key string, allowed bool, waited time.Duration) {
	r.RateLimitRequests.WithLabelValues(key, strconv.FormatBool(allowed)).Inc()
	if waited > 0 {
		r.RateLimitWaitTime.WithLabelValues(key).Observe(waited.Seconds())
	}
}

func (r *Registry) OnLockAcquired(key string, waited time.Duration) {
	r.LockAttempts.WithLabelValues(key, "acquired").Inc()
	r.LockWaitTime.WithLabelValues(key).Observe(waited.Seconds())
}

func (r *Registry) OnLockNotAcquired(key string) {
	r.LockAttempts.WithLabelValues(key, "not_acquired").Inc()
}

func (r *Registry) OnLockReleased(key string, held time.Duration) {
	r.LockHeldTime.WithLabelValues(key).Observe(held.Seconds())
}

func (r *Registry) OnLockExpired(key string) {
	r.LockExpired.WithLabelValues(key).Inc()
}
