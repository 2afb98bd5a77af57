package ratelimit

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/infigaming-com/go-coord/clock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordingMetrics struct {
	mu      sync.Mutex
	allowed int
	denied  int
}

func (m *recordingMetrics) OnAcquire(_ string, allowed bool, _ time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if allowed {
		m.allowed++
	} else {
		m.denied++
	}
}

func newMockRegistry(t *testing.T, opts ...Option) (*Registry, *clock.Mock) {
	t.Helper()
	mc := clock.NewMock(time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC))
	return NewRegistry(append([]Option{WithClock(mc)}, opts...)...), mc
}

func TestRegistry_AllowsCapacityThenDenies(t *testing.T) {
	r, _ := newMockRegistry(t)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		ok, err := r.TryAcquire(ctx, "login:alice", 5, 0)
		require.NoError(t, err)
		assert.True(t, ok, "request %d should pass", i)
	}

	ok, err := r.TryAcquire(ctx, "login:alice", 5, 0)
	require.NoError(t, err)
	assert.False(t, ok, "request beyond capacity should be denied")
}

func TestRegistry_RefillsFromElapsedTime(t *testing.T) {
	r, mc := newMockRegistry(t)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		ok, _ := r.TryAcquire(ctx, "k", 5, 0)
		require.True(t, ok)
	}
	ok, _ := r.TryAcquire(ctx, "k", 5, 0)
	require.False(t, ok)

	mc.Advance(200 * time.Millisecond)

	ok, err := r.TryAcquire(ctx, "k", 5, 0)
	require.NoError(t, err)
	assert.True(t, ok, "one permit refills after 200ms at 5/s")

	ok, _ = r.TryAcquire(ctx, "k", 5, 0)
	assert.False(t, ok)
}

func TestRegistry_RefillCappedAtCapacity(t *testing.T) {
	r, mc := newMockRegistry(t)
	ctx := context.Background()

	ok, _ := r.TryAcquire(ctx, "k", 2, 0)
	require.True(t, ok)

	mc.Advance(time.Hour)

	avail, found := r.Available("k")
	require.True(t, found)
	assert.InDelta(t, 2, avail, 1e-9)
}

func TestRegistry_FractionalRateHasCapacityOne(t *testing.T) {
	r, mc := newMockRegistry(t)
	ctx := context.Background()

	ok, _ := r.TryAcquire(ctx, "slow", 0.5, 0)
	require.True(t, ok)
	ok, _ = r.TryAcquire(ctx, "slow", 0.5, 0)
	require.False(t, ok)

	mc.Advance(2 * time.Second)
	ok, _ = r.TryAcquire(ctx, "slow", 0.5, 0)
	assert.True(t, ok)
}

func TestRegistry_KeysAreIndependent(t *testing.T) {
	r, _ := newMockRegistry(t)
	ctx := context.Background()

	ok, _ := r.TryAcquire(ctx, "a", 1, 0)
	require.True(t, ok)
	ok, _ = r.TryAcquire(ctx, "a", 1, 0)
	require.False(t, ok)

	ok, _ = r.TryAcquire(ctx, "b", 1, 0)
	assert.True(t, ok, "exhausting key a must not affect key b")
}

func TestRegistry_FirstCreationFixesRate(t *testing.T) {
	r, _ := newMockRegistry(t)
	ctx := context.Background()

	ok, _ := r.TryAcquire(ctx, "k", 1, 0)
	require.True(t, ok)

	// A later caller asking for a higher rate shares the existing bucket.
	ok, _ = r.TryAcquire(ctx, "k", 100, 0)
	assert.False(t, ok)
}

func TestRegistry_WaitsForPermit(t *testing.T) {
	r, _ := newMockRegistry(t)
	ctx := context.Background()

	for i := 0; i < 10; i++ {
		ok, _ := r.TryAcquire(ctx, "k", 10, 0)
		require.True(t, ok)
	}

	start := time.Now()
	ok, err := r.TryAcquire(ctx, "k", 10, time.Second)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.GreaterOrEqual(t, time.Since(start), 90*time.Millisecond)
}

func TestRegistry_TimeoutShorterThanDelay(t *testing.T) {
	metrics := &recordingMetrics{}
	r, _ := newMockRegistry(t, WithMetrics(metrics))
	ctx := context.Background()

	ok, _ := r.TryAcquire(ctx, "k", 1, 0)
	require.True(t, ok)

	start := time.Now()
	ok, err := r.TryAcquire(ctx, "k", 1, 50*time.Millisecond)
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Less(t, time.Since(start), 50*time.Millisecond, "should not wait when the delay exceeds the timeout")

	avail, _ := r.Available("k")
	assert.InDelta(t, 0, avail, 1e-9, "cancelled reservation must not consume a permit")

	assert.Equal(t, 1, metrics.allowed)
	assert.Equal(t, 1, metrics.denied)
}

func TestRegistry_CancelledWaitRestoresPermit(t *testing.T) {
	r, mc := newMockRegistry(t)

	ok, _ := r.TryAcquire(context.Background(), "k", 1, 0)
	require.True(t, ok)

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()

	ok, err := r.TryAcquire(ctx, "k", 1, 5*time.Second)
	assert.ErrorIs(t, err, context.Canceled)
	assert.False(t, ok)

	avail, _ := r.Available("k")
	assert.InDelta(t, 0, avail, 1e-9)

	mc.Advance(time.Second)
	ok, err = r.TryAcquire(context.Background(), "k", 1, 0)
	require.NoError(t, err)
	assert.True(t, ok, "the abandoned wait should not have taken the refilled permit")
}

func TestRegistry_CancelledContextBeforeCall(t *testing.T) {
	r, _ := newMockRegistry(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	ok, err := r.TryAcquire(ctx, "k", 1, time.Second)
	assert.ErrorIs(t, err, context.Canceled)
	assert.False(t, ok)
}

func TestRegistry_InvalidArguments(t *testing.T) {
	r, _ := newMockRegistry(t)

	tests := []struct {
		name    string
		key     string
		permits float64
		wantErr error
	}{
		{"empty key", "", 1, ErrInvalidKey},
		{"zero permits", "k", 0, ErrInvalidPermits},
		{"negative permits", "k", -3, ErrInvalidPermits},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ok, err := r.TryAcquire(context.Background(), tt.key, tt.permits, 0)
			assert.ErrorIs(t, err, tt.wantErr)
			assert.False(t, ok)
		})
	}
}

func TestRegistry_MaxKeys(t *testing.T) {
	r, _ := newMockRegistry(t, WithMaxKeys(2))
	ctx := context.Background()

	for _, key := range []string{"a", "b", "c"} {
		_, err := r.TryAcquire(ctx, key, 1, 0)
		require.NoError(t, err)
	}
	assert.Equal(t, 2, r.Len())

	_, found := r.Available("a")
	assert.False(t, found, "oldest bucket should be evicted")
}

func TestRegistry_ConcurrentCallersShareBucket(t *testing.T) {
	r, _ := newMockRegistry(t)
	ctx := context.Background()

	var passed atomic.Int64
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if ok, _ := r.TryAcquire(ctx, "shared", 10, 0); ok {
				passed.Add(1)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, int64(10), passed.Load())
}

func TestGuard(t *testing.T) {
	r, _ := newMockRegistry(t)
	ctx := context.Background()

	calls := 0
	fn := func(context.Context) (string, error) {
		calls++
		return "done", nil
	}

	v, err := Guard(ctx, r, "guarded", 1, 0, fn)
	require.NoError(t, err)
	assert.Equal(t, "done", v)

	v, err = Guard(ctx, r, "guarded", 1, 0, fn)
	assert.True(t, errors.Is(err, ErrRateLimitExceeded))
	assert.Empty(t, v)
	assert.Equal(t, 1, calls, "fn must not run when the permit is denied")
}
