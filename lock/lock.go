package lock

import (
	"context"
	"errors"
	"time"
)

// MinLeaseTime is the shortest lease the store can express.
const MinLeaseTime = time.Millisecond

var (
	ErrInvalidLockKey  = errors.New("invalid lock key")
	ErrInvalidLease    = errors.New("lease time must be at least 1ms")
	ErrLockNotAcquired = errors.New("lock not acquired")
)

// Locker grants mutually exclusive, time-bounded ownership of named resources.
type Locker interface {
	// TryLock attempts to acquire key. A waitTime of 0 makes a single attempt; otherwise
	// attempts are retried until waitTime elapses. The lease bounds how long the lock is
	// held if never released. Returns ErrLockNotAcquired if the lock is held elsewhere
	// for the whole wait, or ctx.Err() if the caller gave up first.
	TryLock(ctx context.Context, key string, waitTime, leaseTime time.Duration) (*Handle, error)
}

// State is the lifecycle position of a Handle.
type State int

const (
	StateUnlocked State = iota
	StateAcquiring
	StateHeld
	StateReleased
	StateExpired
)

func (s State) String() string {
	switch s {
	case StateUnlocked:
		return "UNLOCKED"
	case StateAcquiring:
		return "ACQUIRING"
	case StateHeld:
		return "HELD"
	case StateReleased:
		return "RELEASED"
	case StateExpired:
		return "EXPIRED"
	default:
		return "UNKNOWN"
	}
}

// MetricsHook receives lock lifecycle events.
type MetricsHook interface {
	OnLockAcquired(key string, waited time.Duration)
	OnLockNotAcquired(key string)
	OnLockReleased(key string, held time.Duration)
	OnLockExpired(key string)
}

type noopMetrics struct{}

func (noopMetrics) OnLockAcquired(string, time.Duration) {}
func (noopMetrics) OnLockNotAcquired(string)             {}
func (noopMetrics) OnLockReleased(string, time.Duration) {}
func (noopMetrics) OnLockExpired(string)                 {}
