package metrics

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/attribute"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
)

func newTestExporter(t *testing.T) (*MetricExporter, *sdkmetric.ManualReader) {
	t.Helper()
	reader := sdkmetric.NewManualReader()
	mc, shutdown, err := NewMetricExporter(
		WithServiceName("coord-test"),
		WithEnvironment("test"),
		WithReader(reader),
	)
	require.NoError(t, err)
	t.Cleanup(shutdown)
	return mc, reader
}

func collect(t *testing.T, reader *sdkmetric.ManualReader) map[string]metricdata.Metrics {
	t.Helper()
	var rm metricdata.ResourceMetrics
	require.NoError(t, reader.Collect(context.Background(), &rm))

	out := make(map[string]metricdata.Metrics)
	for _, sm := range rm.ScopeMetrics {
		for _, m := range sm.Metrics {
			out[m.Name] = m
		}
	}
	return out
}

func sumWhere(t *testing.T, m metricdata.Metrics, kv ...attribute.KeyValue) int64 {
	t.Helper()
	sum, ok := m.Data.(metricdata.Sum[int64])
	require.True(t, ok, "%s is not an int64 sum", m.Name)

	var total int64
	for _, dp := range sum.DataPoints {
		match := true
		for _, want := range kv {
			got, found := dp.Attributes.Value(want.Key)
			if !found || got != want.Value {
				match = false
				break
			}
		}
		if match {
			total += dp.Value
		}
	}
	return total
}

func TestNewMetricExporter(t *testing.T) {
	t.Run("manual reader", func(t *testing.T) {
		mc, _ := newTestExporter(t)
		assert.NotNil(t, mc.Meter())
		assert.NotNil(t, mc.resource)
	})

	t.Run("missing endpoints", func(t *testing.T) {
		_, _, err := NewMetricExporter(WithOTLPEndpoint(""))
		assert.Error(t, err)
	})
}

func TestHooks_Snowflake(t *testing.T) {
	mc, reader := newTestExporter(t)
	h, err := NewHooks(mc.Meter())
	require.NoError(t, err)

	h.OnIDGenerated(1)
	h.OnIDGenerated(4)
	h.OnClockRollback()
	h.OnSequenceOverflow()
	h.OnLeaseAcquired(12)
	h.OnLeaseRenewed()
	h.OnLeaseRenewed()
	h.OnLeaseReleased()

	got := collect(t, reader)
	assert.Equal(t, int64(5), sumWhere(t, got["coord.snowflake.ids"]))
	assert.Equal(t, int64(1), sumWhere(t, got["coord.snowflake.clock_rollbacks"]))
	assert.Equal(t, int64(1), sumWhere(t, got["coord.snowflake.sequence_overflows"]))
	assert.Equal(t, int64(2), sumWhere(t, got["coord.snowflake.lease_events"], attribute.String("event", "renewed")))
	assert.Equal(t, int64(4), sumWhere(t, got["coord.snowflake.lease_events"]))

	gauge, ok := got["coord.snowflake.node_id"].Data.(metricdata.Gauge[int64])
	require.True(t, ok)
	require.Len(t, gauge.DataPoints, 1)
	assert.Equal(t, int64(12), gauge.DataPoints[0].Value)
}

func TestHooks_RateLimit(t *testing.T) {
	mc, reader := newTestExporter(t)
	h, err := NewHooks(mc.Meter())
	require.NoError(t, err)

	h.OnAcquire("ids", true, 0)
	h.OnAcquire("ids", true, 50*time.Millisecond)
	h.OnAcquire("ids", false, 0)

	got := collect(t, reader)
	requests := got["coord.ratelimit.requests"]
	assert.Equal(t, int64(2), sumWhere(t, requests, attribute.String("result", "allowed")))
	assert.Equal(t, int64(1), sumWhere(t, requests, attribute.String("result", "denied")))

	hist, ok := got["coord.ratelimit.wait"].Data.(metricdata.Histogram[float64])
	require.True(t, ok)
	require.Len(t, hist.DataPoints, 1)
	assert.Equal(t, uint64(1), hist.DataPoints[0].Count)
}

func TestHooks_Lock(t *testing.T) {
	mc, reader := newTestExporter(t)
	h, err := NewHooks(mc.Meter())
	require.NoError(t, err)

	h.OnLockAcquired("job", 10*time.Millisecond)
	h.OnLockNotAcquired("job")
	h.OnLockReleased("job", time.Second)
	h.OnLockExpired("job")

	got := collect(t, reader)
	attempts := got["coord.lock.attempts"]
	assert.Equal(t, int64(1), sumWhere(t, attempts, attribute.String("result", "acquired")))
	assert.Equal(t, int64(1), sumWhere(t, attempts, attribute.String("result", "not_acquired")))
	assert.Equal(t, int64(1), sumWhere(t, got["coord.lock.expired"], attribute.String("key", "job")))

	held, ok := got["coord.lock.held"].Data.(metricdata.Histogram[float64])
	require.True(t, ok)
	require.Len(t, held.DataPoints, 1)
	assert.InDelta(t, 1.0, held.DataPoints[0].Sum, 1e-9)
}
