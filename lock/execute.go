package lock

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"
)

// Result carries the outcome of Execute. Acquired is false when the lock could not be
// obtained and fn never ran; Value is then the zero value.
type Result[T any] struct {
	value    T
	acquired bool
}

func (r Result[T]) Acquired() bool { return r.acquired }

func (r Result[T]) Value() T { return r.value }

// Execute runs fn while holding key. When the lock is not acquired within waitTime,
// fn is skipped and the returned Result reports Acquired() == false with a nil error.
// The lock is released on every exit path, panics included, on a context that outlives
// caller cancellation.
func Execute[T any](ctx context.Context, l Locker, key string, waitTime, leaseTime time.Duration, fn func(context.Context) (T, error)) (Result[T], error) {
	h, err := l.TryLock(ctx, key, waitTime, leaseTime)
	if err != nil {
		if errors.Is(err, ErrLockNotAcquired) {
			return Result[T]{}, nil
		}
		return Result[T]{}, err
	}
	defer release(ctx, h)

	v, err := fn(ctx)
	return Result[T]{value: v, acquired: true}, err
}

// Do is Execute for functions without a result. It reports whether fn ran.
func Do(ctx context.Context, l Locker, key string, waitTime, leaseTime time.Duration, fn func(context.Context) error) (bool, error) {
	res, err := Execute(ctx, l, key, waitTime, leaseTime, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, fn(ctx)
	})
	return res.Acquired(), err
}

func release(ctx context.Context, h *Handle) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), h.locker.unlockTimeout)
	defer cancel()

	if err := h.Unlock(ctx); err != nil {
		h.locker.lg.Error("failed to release lock after execution", zap.String("key", h.key), zap.Error(err))
	}
}
