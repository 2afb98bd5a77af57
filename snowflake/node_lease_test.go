package snowflake

import (
	"context"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setupMiniredis(t *testing.T) (*miniredis.Miniredis, *redis.Client) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	return mr, client
}

type leaseCounts struct {
	acquired    []int64
	renewed     int
	renewFailed int
	expired     int
	released    int
}

type leaseEvents struct {
	mu sync.Mutex
	leaseCounts
}

func (e *leaseEvents) OnLeaseAcquired(id int64) { e.mu.Lock(); e.acquired = append(e.acquired, id); e.mu.Unlock() }
func (e *leaseEvents) OnLeaseRenewed()          { e.mu.Lock(); e.renewed++; e.mu.Unlock() }
func (e *leaseEvents) OnLeaseRenewFail()        { e.mu.Lock(); e.renewFailed++; e.mu.Unlock() }
func (e *leaseEvents) OnLeaseExpired()          { e.mu.Lock(); e.expired++; e.mu.Unlock() }
func (e *leaseEvents) OnLeaseReleased()         { e.mu.Lock(); e.released++; e.mu.Unlock() }

func (e *leaseEvents) snapshot() leaseCounts {
	e.mu.Lock()
	defer e.mu.Unlock()
	c := e.leaseCounts
	c.acquired = append([]int64(nil), e.acquired...)
	return c
}

func leaseKey(id int64) string {
	return "coord:worker:" + strconv.FormatInt(id, 10)
}

func TestAcquireNodeLease(t *testing.T) {
	mr, client := setupMiniredis(t)
	events := &leaseEvents{}

	nl, err := AcquireNodeLease(context.Background(), client,
		WithServiceName("coordd"),
		WithLeaseTTL(10*time.Second),
		WithLeaseMetrics(events),
	)
	require.NoError(t, err)

	assert.EqualValues(t, 0, nl.NodeID())
	assert.True(t, nl.IsHealthy())
	assert.Contains(t, nl.Holder(), "coordd:")

	stored, err := mr.Get(leaseKey(0))
	require.NoError(t, err)
	assert.Equal(t, nl.Holder(), stored)
	assert.Equal(t, 10*time.Second, mr.TTL(leaseKey(0)))

	require.NoError(t, nl.Release(context.Background()))
	assert.False(t, mr.Exists(leaseKey(0)))

	got := events.snapshot()
	assert.Equal(t, []int64{0}, got.acquired)
	assert.Equal(t, 1, got.released)
}

func TestAcquireNodeLease_SubSecondTTL(t *testing.T) {
	mr, client := setupMiniredis(t)

	nl, err := AcquireNodeLease(context.Background(), client, WithLeaseTTL(1500*time.Millisecond))
	require.NoError(t, err)
	t.Cleanup(func() { _ = nl.Release(context.Background()) })

	assert.Equal(t, 1500*time.Millisecond, mr.TTL(leaseKey(nl.NodeID())))
}

func TestAcquireNodeLease_DistinctIDs(t *testing.T) {
	_, client := setupMiniredis(t)

	seen := make(map[int64]bool)
	for i := 0; i < 5; i++ {
		nl, err := AcquireNodeLease(context.Background(), client,
			WithServiceName("svc-"+strconv.Itoa(i)),
			WithLeaseTTL(10*time.Second),
		)
		require.NoError(t, err)
		t.Cleanup(func() { _ = nl.Release(context.Background()) })

		assert.False(t, seen[nl.NodeID()], "duplicate node ID %d", nl.NodeID())
		seen[nl.NodeID()] = true
	}
	assert.Len(t, seen, 5)
}

func TestAcquireNodeLease_PreferredNodeID(t *testing.T) {
	mr, client := setupMiniredis(t)

	nl, err := AcquireNodeLease(context.Background(), client,
		WithServiceName("a"),
		WithPreferredNodeID(42),
	)
	require.NoError(t, err)
	assert.EqualValues(t, 42, nl.NodeID())
	assert.True(t, mr.Exists(leaseKey(42)))

	// taken: falls back to the lowest free slot
	other, err := AcquireNodeLease(context.Background(), client,
		WithServiceName("b"),
		WithPreferredNodeID(42),
	)
	require.NoError(t, err)
	assert.EqualValues(t, 0, other.NodeID())

	require.NoError(t, nl.Release(context.Background()))
	require.NoError(t, other.Release(context.Background()))
}

func TestNodeLease_ReleaseFreesSlot(t *testing.T) {
	_, client := setupMiniredis(t)

	nl, err := AcquireNodeLease(context.Background(), client, WithServiceName("a"))
	require.NoError(t, err)
	nodeID := nl.NodeID()

	require.NoError(t, nl.Release(context.Background()))
	assert.False(t, nl.IsHealthy())

	nl2, err := AcquireNodeLease(context.Background(), client, WithServiceName("b"))
	require.NoError(t, err)
	assert.Equal(t, nodeID, nl2.NodeID())
	require.NoError(t, nl2.Release(context.Background()))
}

func TestNodeLease_TTLExpiry(t *testing.T) {
	mr, client := setupMiniredis(t)

	nl, err := AcquireNodeLease(context.Background(), client,
		WithServiceName("a"),
		WithLeaseTTL(5*time.Second),
	)
	require.NoError(t, err)
	nodeID := nl.NodeID()

	// simulate a crashed holder: no more renewals
	nl.stopHeartbeat()
	mr.FastForward(6 * time.Second)

	nl2, err := AcquireNodeLease(context.Background(), client,
		WithServiceName("b"),
		WithLeaseTTL(5*time.Second),
	)
	require.NoError(t, err)
	assert.Equal(t, nodeID, nl2.NodeID())
	require.NoError(t, nl2.Release(context.Background()))
}

func TestNodeLease_HeartbeatRenews(t *testing.T) {
	mr, client := setupMiniredis(t)
	events := &leaseEvents{}

	nl, err := AcquireNodeLease(context.Background(), client,
		WithLeaseTTL(600*time.Millisecond),
		WithLeaseMetrics(events),
	)
	require.NoError(t, err)
	t.Cleanup(func() { _ = nl.Release(context.Background()) })

	// renewals every 200ms reset the TTL
	mr.FastForward(400 * time.Millisecond)
	assert.Eventually(t, func() bool {
		return events.snapshot().renewed >= 2
	}, 2*time.Second, 20*time.Millisecond)

	assert.True(t, nl.IsHealthy())
	assert.True(t, mr.Exists(leaseKey(nl.NodeID())))
	assert.Greater(t, mr.TTL(leaseKey(nl.NodeID())), 400*time.Millisecond)
}

func TestNodeLease_TakeoverStopsGeneratorAtOnce(t *testing.T) {
	mr, client := setupMiniredis(t)
	events := &leaseEvents{}

	nl, err := AcquireNodeLease(context.Background(), client,
		WithLeaseTTL(300*time.Millisecond),
		WithLeaseMetrics(events),
	)
	require.NoError(t, err)
	t.Cleanup(nl.stopHeartbeat)

	g, err := NewGenerator(nl.NodeID(), WithLeaseHealthCheck(nl))
	require.NoError(t, err)

	mr.Set(leaseKey(nl.NodeID()), "other:host:1")

	// one heartbeat (100ms) is enough
	require.Eventually(t, func() bool { return !nl.IsHealthy() }, 250*time.Millisecond, 5*time.Millisecond)
	_, err = g.NextID()
	assert.ErrorIs(t, err, ErrLeaseExpired)

	got := events.snapshot()
	assert.Equal(t, 1, got.renewFailed)
	assert.Equal(t, 1, got.expired)

	got2, err := mr.Get(leaseKey(nl.NodeID()))
	require.NoError(t, err)
	assert.Equal(t, "other:host:1", got2)
}

func TestNodeLease_TransportFailuresMarkUnhealthy(t *testing.T) {
	mr, client := setupMiniredis(t)
	events := &leaseEvents{}

	nl, err := AcquireNodeLease(context.Background(), client,
		WithLeaseTTL(300*time.Millisecond),
		WithLeaseMetrics(events),
	)
	require.NoError(t, err)
	t.Cleanup(nl.stopHeartbeat)

	mr.Close()

	assert.Eventually(t, func() bool { return !nl.IsHealthy() }, 3*time.Second, 20*time.Millisecond)

	got := events.snapshot()
	assert.GreaterOrEqual(t, got.renewFailed, maxConsecutiveRenewFailures)
	assert.Equal(t, 1, got.expired)
}

func TestNodeLease_AllSlotsOccupied(t *testing.T) {
	mr, client := setupMiniredis(t)

	for i := int64(0); i <= maxNodeID; i++ {
		mr.Set(leaseKey(i), "other-holder")
		mr.SetTTL(leaseKey(i), 30*time.Second)
	}

	_, err := AcquireNodeLease(context.Background(), client, WithServiceName("a"))
	assert.ErrorIs(t, err, ErrNoAvailableNode)
}

func TestNodeLease_CustomKeyPrefix(t *testing.T) {
	mr, client := setupMiniredis(t)

	nl, err := AcquireNodeLease(context.Background(), client, WithLeaseKeyPrefix("ids:node:"))
	require.NoError(t, err)

	assert.True(t, mr.Exists("ids:node:0"))
	assert.False(t, mr.Exists(leaseKey(0)))
	require.NoError(t, nl.Release(context.Background()))
}

func TestNodeLease_HolderIdentity(t *testing.T) {
	t.Setenv("POD_NAME", "coordd-3")
	assert.Contains(t, buildHolder("my-service"), "my-service:coordd-3:")
}

func TestNodeLease_ReleaseIdempotent(t *testing.T) {
	_, client := setupMiniredis(t)
	events := &leaseEvents{}

	nl, err := AcquireNodeLease(context.Background(), client, WithLeaseMetrics(events))
	require.NoError(t, err)

	require.NoError(t, nl.Release(context.Background()))
	assert.NoError(t, nl.Release(context.Background()))
	assert.Equal(t, 1, events.snapshot().released)
}

func TestNodeLease_ReleaseAfterTakeover(t *testing.T) {
	mr, client := setupMiniredis(t)

	nl, err := AcquireNodeLease(context.Background(), client, WithLeaseTTL(5*time.Second))
	require.NoError(t, err)

	mr.Set(leaseKey(nl.NodeID()), "intruder")

	assert.ErrorIs(t, nl.Release(context.Background()), ErrLeaseNotHeld)
	assert.False(t, nl.IsHealthy())
	got, err := mr.Get(leaseKey(nl.NodeID()))
	require.NoError(t, err)
	assert.Equal(t, "intruder", got)
}

func TestNodeLease_GuardsGenerator(t *testing.T) {
	_, client := setupMiniredis(t)

	nl, err := AcquireNodeLease(context.Background(), client)
	require.NoError(t, err)

	g, err := NewGenerator(nl.NodeID(), WithLeaseHealthCheck(nl))
	require.NoError(t, err)

	id, err := g.NextID()
	require.NoError(t, err)
	assert.Equal(t, nl.NodeID(), ParseWorkerID(id))

	require.NoError(t, nl.Release(context.Background()))
	_, err = g.NextID()
	assert.ErrorIs(t, err, ErrLeaseExpired)
}
