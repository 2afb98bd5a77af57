package lock

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestExecute_ReturnsValueAndReleases(t *testing.T) {
	mr, client := setupTestRedis(t)
	locker := NewRedisLocker(client)
	ctx := context.Background()

	res, err := Execute(ctx, locker, "job", 0, 10*time.Second, func(ctx context.Context) (int, error) {
		assert.True(t, mr.Exists("lock:job"))
		return 7, nil
	})
	require.NoError(t, err)
	assert.True(t, res.Acquired())
	assert.Equal(t, 7, res.Value())
	assert.False(t, mr.Exists("lock:job"), "lock must be released after execution")
}

func TestExecute_NotAcquired(t *testing.T) {
	_, client := setupTestRedis(t)
	locker := NewRedisLocker(client)
	ctx := context.Background()

	h, err := locker.TryLock(ctx, "job", 0, 10*time.Second)
	require.NoError(t, err)
	defer h.Unlock(ctx)

	called := false
	res, err := Execute(ctx, locker, "job", 0, 10*time.Second, func(ctx context.Context) (int, error) {
		called = true
		return 7, nil
	})
	require.NoError(t, err)
	assert.False(t, res.Acquired())
	assert.Zero(t, res.Value())
	assert.False(t, called)
}

func TestExecute_ZeroValueIsDistinctFromNotAcquired(t *testing.T) {
	_, client := setupTestRedis(t)
	locker := NewRedisLocker(client)

	res, err := Execute(context.Background(), locker, "job", 0, time.Second, func(ctx context.Context) (int, error) {
		return 0, nil
	})
	require.NoError(t, err)
	assert.True(t, res.Acquired())
	assert.Zero(t, res.Value())
}

func TestExecute_PropagatesErrorAndReleases(t *testing.T) {
	mr, client := setupTestRedis(t)
	locker := NewRedisLocker(client)
	boom := errors.New("boom")

	res, err := Execute(context.Background(), locker, "job", 0, time.Second, func(ctx context.Context) (string, error) {
		return "", boom
	})
	assert.ErrorIs(t, err, boom)
	assert.True(t, res.Acquired())
	assert.False(t, mr.Exists("lock:job"))
}

func TestExecute_PanicReleases(t *testing.T) {
	mr, client := setupTestRedis(t)
	locker := NewRedisLocker(client)

	assert.Panics(t, func() {
		_, _ = Execute(context.Background(), locker, "job", 0, time.Second, func(ctx context.Context) (int, error) {
			panic("boom")
		})
	})
	assert.False(t, mr.Exists("lock:job"))
}

func TestExecute_ReleasesAfterCallerCancellation(t *testing.T) {
	mr, client := setupTestRedis(t)
	locker := NewRedisLocker(client)

	ctx, cancel := context.WithCancel(context.Background())
	res, err := Execute(ctx, locker, "job", 0, time.Second, func(ctx context.Context) (int, error) {
		cancel()
		return 1, nil
	})
	require.NoError(t, err)
	assert.True(t, res.Acquired())
	assert.False(t, mr.Exists("lock:job"), "unlock must not be skipped because the caller cancelled")
}

func TestExecute_InvalidKey(t *testing.T) {
	_, client := setupTestRedis(t)
	locker := NewRedisLocker(client)

	res, err := Execute(context.Background(), locker, "", 0, time.Second, func(ctx context.Context) (int, error) {
		return 1, nil
	})
	assert.ErrorIs(t, err, ErrInvalidLockKey)
	assert.False(t, res.Acquired())
}

func TestDo_MutualExclusion(t *testing.T) {
	_, client := setupTestRedis(t)
	locker := NewRedisLocker(client, WithRetryDelay(5*time.Millisecond))
	ctx := context.Background()

	var (
		inside  atomic.Int32
		maxSeen atomic.Int32
		ran     atomic.Int32
		wg      sync.WaitGroup
	)
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ok, err := Do(ctx, locker, "counter", 5*time.Second, 10*time.Second, func(ctx context.Context) error {
				n := inside.Add(1)
				if n > maxSeen.Load() {
					maxSeen.Store(n)
				}
				time.Sleep(5 * time.Millisecond)
				inside.Add(-1)
				return nil
			})
			assert.NoError(t, err)
			if ok {
				ran.Add(1)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(1), maxSeen.Load(), "at most one holder at a time")
	assert.Equal(t, int32(8), ran.Load())
}

func TestDo_NotAcquired(t *testing.T) {
	_, client := setupTestRedis(t)
	locker := NewRedisLocker(client)
	ctx := context.Background()

	h, err := locker.TryLock(ctx, "job", 0, 10*time.Second)
	require.NoError(t, err)
	defer h.Unlock(ctx)

	ok, err := Do(ctx, locker, "job", 0, time.Second, func(ctx context.Context) error {
		t.Fatal("should not run")
		return nil
	})
	require.NoError(t, err)
	assert.False(t, ok)
}
