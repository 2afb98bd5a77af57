package lock

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/go-redsync/redsync/v4"
	"github.com/go-redsync/redsync/v4/redis/goredis/v9"
	"github.com/infigaming-com/go-coord/util"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

var (
	// Deletes the key only if it still holds the caller's token.
	releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
    return redis.call("DEL", KEYS[1])
end
return 0
`)

	// Resets the TTL only if the key still holds the caller's token.
	extendScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
    return redis.call("PEXPIRE", KEYS[1], ARGV[2])
end
return 0
`)
)

const (
	// redsync bounds each attempt by leaseTime*timeoutFactor; short leases get a floor instead.
	defaultTimeoutFactor = 0.05
	minAttemptTimeout    = 50 * time.Millisecond
)

// RedisLocker is a Locker backed by redsync on a single Redis deployment.
type RedisLocker struct {
	client        redis.UniversalClient
	rs            *redsync.Redsync
	keyPrefix     string
	retryDelay    time.Duration
	unlockTimeout time.Duration
	metrics       MetricsHook
	lg            *zap.Logger
}

var _ Locker = (*RedisLocker)(nil)

func NewRedisLocker(client redis.UniversalClient, opts ...Option) *RedisLocker {
	o := defaultOptions()
	for _, opt := range opts {
		opt(o)
	}
	return &RedisLocker{
		client:        client,
		rs:            redsync.New(goredis.NewPool(client)),
		keyPrefix:     o.keyPrefix,
		retryDelay:    o.retryDelay,
		unlockTimeout: o.unlockTimeout,
		metrics:       o.metrics,
		lg:            o.lg,
	}
}

func (l *RedisLocker) TryLock(ctx context.Context, key string, waitTime, leaseTime time.Duration) (*Handle, error) {
	if key == "" {
		return nil, ErrInvalidLockKey
	}
	if leaseTime < MinLeaseTime {
		return nil, fmt.Errorf("%w: got %v", ErrInvalidLease, leaseTime)
	}

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	default:
	}

	h := &Handle{
		locker: l,
		key:    key,
		name:   l.keyPrefix + key,
		state:  StateAcquiring,
	}

	tries := 1
	lockCtx := ctx
	if waitTime > 0 {
		tries = math.MaxInt32
		var cancel context.CancelFunc
		lockCtx, cancel = context.WithTimeout(ctx, waitTime)
		defer cancel()
	}

	mutex := l.rs.NewMutex(h.name,
		redsync.WithExpiry(leaseTime),
		redsync.WithTries(tries),
		redsync.WithRetryDelay(l.retryDelay),
		redsync.WithTimeoutFactor(timeoutFactor(leaseTime)),
		redsync.WithGenValueFunc(func() (string, error) {
			h.token = util.NewUUID()
			return h.token, nil
		}),
	)

	start := time.Now()
	if err := mutex.LockContext(lockCtx); err != nil {
		h.setState(StateUnlocked)
		if lockCtx.Err() != nil {
			l.cleanup(h)
		}

		if ctx.Err() != nil {
			l.lg.Debug("lock wait cancelled", zap.String("key", key), zap.Error(ctx.Err()))
			return nil, ctx.Err()
		}
		if isContention(err) || lockCtx.Err() != nil {
			l.lg.Debug("failed to acquire lock", zap.String("key", key), zap.Duration("waitTime", waitTime), zap.Error(err))
			l.metrics.OnLockNotAcquired(key)
			return nil, ErrLockNotAcquired
		}
		l.lg.Error("error acquiring lock", zap.String("key", key), zap.Error(err))
		return nil, fmt.Errorf("acquire lock %s: %w", key, err)
	}

	h.mutex = mutex
	h.acquiredAt = time.Now()
	h.deadline = mutex.Until()
	h.setState(StateHeld)

	l.lg.Debug("lock acquired", zap.String("key", key), zap.Duration("leaseTime", leaseTime))
	l.metrics.OnLockAcquired(key, time.Since(start))
	return h, nil
}

// cleanup removes a claim left behind by an attempt that was interrupted mid-flight.
func (l *RedisLocker) cleanup(h *Handle) {
	if h.token == "" {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), l.unlockTimeout)
	defer cancel()
	if err := releaseScript.Run(ctx, l.client, []string{h.name}, h.token).Err(); err != nil {
		l.lg.Warn("failed to clean up interrupted lock attempt", zap.String("key", h.key), zap.Error(err))
	}
}

// timeoutFactor keeps the per-attempt round trip budget at minAttemptTimeout or more.
// An attempt that outlives the lease still fails redsync's validity check as contention.
func timeoutFactor(leaseTime time.Duration) float64 {
	if f := float64(minAttemptTimeout) / float64(leaseTime); f > defaultTimeoutFactor {
		return f
	}
	return defaultTimeoutFactor
}

func isContention(err error) bool {
	if errors.Is(err, redsync.ErrFailed) {
		return true
	}
	var taken *redsync.ErrTaken
	return errors.As(err, &taken)
}

// Handle is one ownership of a lock key. It is returned by TryLock and must be released
// with Unlock by the same caller. Handles are safe for concurrent use.
type Handle struct {
	locker *RedisLocker
	key    string
	name   string
	token  string
	mutex  *redsync.Mutex

	mu         sync.Mutex
	state      State
	acquiredAt time.Time
	deadline   time.Time
}

// Key returns the lock key without the store prefix.
func (h *Handle) Key() string { return h.key }

// Token returns the owner token written to the store for this acquisition.
func (h *Handle) Token() string { return h.token }

// Deadline returns when the lease runs out unless extended.
func (h *Handle) Deadline() time.Time {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.deadline
}

func (h *Handle) State() State {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.state
}

func (h *Handle) setState(s State) {
	h.mu.Lock()
	h.state = s
	h.mu.Unlock()
}

// IsHeld reports whether the store still records this handle as the owner.
func (h *Handle) IsHeld(ctx context.Context) (bool, error) {
	val, err := h.locker.client.Get(ctx, h.name).Result()
	if errors.Is(err, redis.Nil) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("check lock %s: %w", h.key, err)
	}
	return val == h.token, nil
}

// Unlock releases the lock if this handle still owns it. Releasing a lock whose lease
// ran out, or that was already released, is logged and returns nil.
func (h *Handle) Unlock(ctx context.Context) error {
	l := h.locker

	switch h.State() {
	case StateReleased, StateExpired:
		return nil
	}

	held, err := h.IsHeld(ctx)
	if err != nil {
		l.lg.Error("failed to unlock", zap.String("key", h.key), zap.Error(err))
		return err
	}
	if !held {
		h.expire()
		return nil
	}

	ok, err := h.mutex.UnlockContext(ctx)
	if err != nil {
		if errors.Is(err, redsync.ErrLockAlreadyExpired) {
			h.expire()
			return nil
		}
		l.lg.Error("failed to unlock", zap.String("key", h.key), zap.Error(err))
		return err
	}
	if !ok {
		h.expire()
		return nil
	}

	h.mu.Lock()
	h.state = StateReleased
	heldFor := time.Since(h.acquiredAt)
	h.mu.Unlock()

	l.lg.Debug("lock released", zap.String("key", h.key))
	l.metrics.OnLockReleased(h.key, heldFor)
	return nil
}

func (h *Handle) expire() {
	h.setState(StateExpired)
	h.locker.lg.Warn("lock not held at unlock, lease likely expired", zap.String("key", h.key))
	h.locker.metrics.OnLockExpired(h.key)
}

// Extend resets the remaining lease to leaseTime if this handle still owns the lock.
// It returns ErrLockNotAcquired when ownership was lost.
func (h *Handle) Extend(ctx context.Context, leaseTime time.Duration) error {
	if leaseTime < MinLeaseTime {
		return fmt.Errorf("%w: got %v", ErrInvalidLease, leaseTime)
	}
	if h.State() != StateHeld {
		return ErrLockNotAcquired
	}

	res, err := extendScript.Run(ctx, h.locker.client, []string{h.name}, h.token, leaseTime.Milliseconds()).Int64()
	if err != nil {
		return fmt.Errorf("extend lock %s: %w", h.key, err)
	}
	if res == 0 {
		h.setState(StateExpired)
		h.locker.metrics.OnLockExpired(h.key)
		return ErrLockNotAcquired
	}

	h.mu.Lock()
	h.deadline = time.Now().Add(leaseTime)
	h.mu.Unlock()
	h.locker.lg.Debug("lock extended", zap.String("key", h.key), zap.Duration("leaseTime", leaseTime))
	return nil
}
