package metrics

import (
	"context"
	"errors"
	"time"

	"github.com/infigaming-com/go-coord/lock"
	"github.com/infigaming-com/go-coord/ratelimit"
	"github.com/infigaming-com/go-coord/snowflake"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// Hooks records generator, limiter and lock events as OpenTelemetry instruments.
type Hooks struct {
	ids               metric.Int64Counter
	clockRollbacks    metric.Int64Counter
	sequenceOverflows metric.Int64Counter
	leaseEvents       metric.Int64Counter
	nodeID            metric.Int64Gauge

	rateLimitRequests metric.Int64Counter
	rateLimitWait     metric.Float64Histogram

	lockAttempts metric.Int64Counter
	lockWait     metric.Float64Histogram
	lockHeld     metric.Float64Histogram
	lockExpired  metric.Int64Counter
}

var (
	_ snowflake.MetricsHook = (*Hooks)(nil)
	_ ratelimit.MetricsHook = (*Hooks)(nil)
	_ lock.MetricsHook      = (*Hooks)(nil)
)

func NewHooks(meter metric.Meter) (*Hooks, error) {
	var (
		h    Hooks
		err  error
		errs []error
	)

	h.ids, err = meter.Int64Counter("coord.snowflake.ids", metric.WithDescription("IDs generated"), metric.WithUnit("{id}"))
	errs = append(errs, err)
	h.clockRollbacks, err = meter.Int64Counter("coord.snowflake.clock_rollbacks", metric.WithDescription("Clock regressions observed by the generator"))
	errs = append(errs, err)
	h.sequenceOverflows, err = meter.Int64Counter("coord.snowflake.sequence_overflows", metric.WithDescription("Millisecond sequence exhaustions"))
	errs = append(errs, err)
	h.leaseEvents, err = meter.Int64Counter("coord.snowflake.lease_events", metric.WithDescription("Node lease lifecycle events"))
	errs = append(errs, err)
	h.nodeID, err = meter.Int64Gauge("coord.snowflake.node_id", metric.WithDescription("Node ID held by this process"))
	errs = append(errs, err)

	h.rateLimitRequests, err = meter.Int64Counter("coord.ratelimit.requests", metric.WithDescription("Permit requests by outcome"))
	errs = append(errs, err)
	h.rateLimitWait, err = meter.Float64Histogram("coord.ratelimit.wait", metric.WithDescription("Time spent waiting for a permit"), metric.WithUnit("s"))
	errs = append(errs, err)

	h.lockAttempts, err = meter.Int64Counter("coord.lock.attempts", metric.WithDescription("Lock acquisition attempts by outcome"))
	errs = append(errs, err)
	h.lockWait, err = meter.Float64Histogram("coord.lock.wait", metric.WithDescription("Time spent acquiring a lock"), metric.WithUnit("s"))
	errs = append(errs, err)
	h.lockHeld, err = meter.Float64Histogram("coord.lock.held", metric.WithDescription("Time a lock was held before release"), metric.WithUnit("s"))
	errs = append(errs, err)
	h.lockExpired, err = meter.Int64Counter("coord.lock.expired", metric.WithDescription("Locks whose lease ran out before release"))
	errs = append(errs, err)

	if err := errors.Join(errs...); err != nil {
		return nil, err
	}
	return &h, nil
}

func (h *Hooks) OnIDGenerated(count int) {
	h.ids.Add(context.Background(), int64(count))
}

func (h *Hooks) OnClockRollback() {
	h.clockRollbacks.Add(context.Background(), 1)
}

func (h *Hooks) OnSequenceOverflow() {
	h.sequenceOverflows.Add(context.Background(), 1)
}

func (h *Hooks) OnLeaseAcquired(nodeID int64) {
	h.leaseEvent("acquired")
	h.nodeID.Record(context.Background(), nodeID)
}

func (h *Hooks) OnLeaseRenewed()   { h.leaseEvent("renewed") }
func (h *Hooks) OnLeaseRenewFail() { h.leaseEvent("renew_failed") }
func (h *Hooks) OnLeaseExpired()   { h.leaseEvent("expired") }
func (h *Hooks) OnLeaseReleased()  { h.leaseEvent("released") }

func (h *Hooks) leaseEvent(event string) {
	h.leaseEvents.Add(context.Background(), 1, metric.WithAttributes(attribute.String("event", event)))
}

func (h *Hooks) OnAcquire(key string, allowed bool, waited time.Duration) {
	ctx := context.Background()
	attrs := metric.WithAttributes(attribute.String("key", key), attribute.String("result", outcome(allowed, "allowed", "denied")))
	h.rateLimitRequests.Add(ctx, 1, attrs)
	if waited > 0 {
		h.rateLimitWait.Record(ctx, waited.Seconds(), metric.WithAttributes(attribute.String("key", key)))
	}
}

func (h *Hooks) OnLockAcquired(key string, waited time.Duration) {
	ctx := context.Background()
	h.lockAttempts.Add(ctx, 1, metric.WithAttributes(attribute.String("key", key), attribute.String("result", "acquired")))
	h.lockWait.Record(ctx, waited.Seconds(), metric.WithAttributes(attribute.String("key", key)))
}

func (h *Hooks) OnLockNotAcquired(key string) {
	h.lockAttempts.Add(context.Background(), 1, metric.WithAttributes(attribute.String("key", key), attribute.String("result", "not_acquired")))
}

func (h *Hooks) OnLockReleased(key string, held time.Duration) {
	h.lockHeld.Record(context.Background(), held.Seconds(), metric.WithAttributes(attribute.String("key", key)))
}

func (h *Hooks) OnLockExpired(key string) {
	h.lockExpired.Add(context.Background(), 1, metric.WithAttributes(attribute.String("key", key)))
}

func outcome(ok bool, yes, no string) string {
	if ok {
		return yes
	}
	return no
}
