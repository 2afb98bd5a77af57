package lock

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/infigaming-com/go-coord/clock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewRedisSemaphore_InvalidArguments(t *testing.T) {
	_, client := setupTestRedis(t)

	_, err := NewRedisSemaphore(client, "", 1)
	assert.ErrorIs(t, err, ErrInvalidLockKey)

	_, err = NewRedisSemaphore(client, "pool", 0)
	assert.ErrorIs(t, err, ErrInvalidPermits)

	sem, err := NewRedisSemaphore(client, "pool", 1)
	require.NoError(t, err)
	_, err = sem.TryAcquire(context.Background(), 0, 0)
	assert.ErrorIs(t, err, ErrInvalidLease)
}

func TestSemaphore_LimitsHolders(t *testing.T) {
	mr, client := setupTestRedis(t)
	sem, err := NewRedisSemaphore(client, "pool", 2)
	require.NoError(t, err)
	ctx := context.Background()

	p1, err := sem.TryAcquire(ctx, 0, 10*time.Second)
	require.NoError(t, err)
	p2, err := sem.TryAcquire(ctx, 0, 10*time.Second)
	require.NoError(t, err)
	assert.NotEqual(t, p1.Token(), p2.Token())
	assert.Equal(t, 10*time.Second, mr.TTL("lock:sem:pool"))

	_, err = sem.TryAcquire(ctx, 0, 10*time.Second)
	assert.ErrorIs(t, err, ErrNoPermit)

	free, err := sem.Available(ctx)
	require.NoError(t, err)
	assert.Zero(t, free)

	require.NoError(t, p1.Release(ctx))
	free, err = sem.Available(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, free)

	p3, err := sem.TryAcquire(ctx, 0, 10*time.Second)
	require.NoError(t, err)

	// Releasing twice is harmless and does not free another holder's slot.
	require.NoError(t, p1.Release(ctx))
	_, err = sem.TryAcquire(ctx, 0, 10*time.Second)
	assert.ErrorIs(t, err, ErrNoPermit)

	require.NoError(t, p2.Release(ctx))
	require.NoError(t, p3.Release(ctx))
	free, err = sem.Available(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, free)
}

func TestSemaphore_LapsedPermitIsReclaimed(t *testing.T) {
	_, client := setupTestRedis(t)
	mc := clock.NewMock(time.Date(2025, 3, 1, 8, 0, 0, 0, time.UTC))
	sem, err := NewRedisSemaphore(client, "pool", 1, WithClock(mc))
	require.NoError(t, err)
	ctx := context.Background()

	stale, err := sem.TryAcquire(ctx, 0, time.Second)
	require.NoError(t, err)
	assert.True(t, mc.Now().Add(time.Second).Equal(stale.Deadline()))

	mc.Advance(time.Second)
	fresh, err := sem.TryAcquire(ctx, 0, time.Second)
	require.NoError(t, err)

	assert.ErrorIs(t, stale.Extend(ctx, time.Second), ErrNoPermit)
	require.NoError(t, stale.Release(ctx))

	_, err = sem.TryAcquire(ctx, 0, time.Second)
	assert.ErrorIs(t, err, ErrNoPermit)
	require.NoError(t, fresh.Release(ctx))
}

func TestSemaphore_Extend(t *testing.T) {
	mr, client := setupTestRedis(t)
	mc := clock.NewMock(time.Date(2025, 3, 1, 8, 0, 0, 0, time.UTC))
	sem, err := NewRedisSemaphore(client, "pool", 1, WithClock(mc))
	require.NoError(t, err)
	ctx := context.Background()

	p, err := sem.TryAcquire(ctx, 0, time.Second)
	require.NoError(t, err)

	mc.Advance(500 * time.Millisecond)
	require.NoError(t, p.Extend(ctx, 30*time.Second))
	assert.True(t, mc.Now().Add(30*time.Second).Equal(p.Deadline()))
	assert.Equal(t, 30*time.Second, mr.TTL("lock:sem:pool"))

	mc.Advance(10 * time.Second)
	_, err = sem.TryAcquire(ctx, 0, time.Second)
	assert.ErrorIs(t, err, ErrNoPermit)

	assert.ErrorIs(t, p.Extend(ctx, 0), ErrInvalidLease)
}

func TestSemaphore_WaitsForRelease(t *testing.T) {
	_, client := setupTestRedis(t)
	sem, err := NewRedisSemaphore(client, "pool", 1, WithRetryDelay(10*time.Millisecond))
	require.NoError(t, err)
	ctx := context.Background()

	p, err := sem.TryAcquire(ctx, 0, 10*time.Second)
	require.NoError(t, err)

	go func() {
		time.Sleep(100 * time.Millisecond)
		_ = p.Release(context.Background())
	}()

	start := time.Now()
	p2, err := sem.TryAcquire(ctx, 2*time.Second, 10*time.Second)
	require.NoError(t, err)
	assert.GreaterOrEqual(t, time.Since(start), 50*time.Millisecond)
	require.NoError(t, p2.Release(ctx))
}

func TestSemaphore_WaitTimesOut(t *testing.T) {
	_, client := setupTestRedis(t)
	sem, err := NewRedisSemaphore(client, "pool", 1, WithRetryDelay(10*time.Millisecond))
	require.NoError(t, err)
	ctx := context.Background()

	_, err = sem.TryAcquire(ctx, 0, 10*time.Second)
	require.NoError(t, err)

	start := time.Now()
	_, err = sem.TryAcquire(ctx, 100*time.Millisecond, 10*time.Second)
	assert.ErrorIs(t, err, ErrNoPermit)
	assert.GreaterOrEqual(t, time.Since(start), 100*time.Millisecond)
}

func TestSemaphore_CallerCancellation(t *testing.T) {
	_, client := setupTestRedis(t)
	sem, err := NewRedisSemaphore(client, "pool", 1, WithRetryDelay(10*time.Millisecond))
	require.NoError(t, err)

	_, err = sem.TryAcquire(context.Background(), 0, 10*time.Second)
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err = sem.TryAcquire(ctx, 5*time.Second, 10*time.Second)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestSemaphore_ConcurrentHoldersNeverExceedPermits(t *testing.T) {
	_, client := setupTestRedis(t)
	const permits = 3
	sem, err := NewRedisSemaphore(client, "pool", permits, WithRetryDelay(5*time.Millisecond))
	require.NoError(t, err)

	var (
		wg      sync.WaitGroup
		current atomic.Int32
		peak    atomic.Int32
		done    atomic.Int32
	)
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ctx := context.Background()
			p, err := sem.TryAcquire(ctx, 5*time.Second, 10*time.Second)
			if !assert.NoError(t, err) {
				return
			}
			n := current.Add(1)
			for {
				old := peak.Load()
				if n <= old || peak.CompareAndSwap(old, n) {
					break
				}
			}
			time.Sleep(20 * time.Millisecond)
			current.Add(-1)
			done.Add(1)
			assert.NoError(t, p.Release(ctx))
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(10), done.Load())
	assert.LessOrEqual(t, peak.Load(), int32(permits))
}
