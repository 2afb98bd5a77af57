package cache

import (
	"context"
	"errors"
	"time"

	"github.com/infigaming-com/go-coord/lock"
)

const (
	loadLockPrefix = "cache-load:"
	loadLockWait   = 3 * time.Second
	loadLockLease  = 30 * time.Second
)

// GetOrLoad returns the cached value for key, or computes it with loader and stores it for ttl.
// When locker is non-nil, a lock per key ensures only one caller across processes runs
// loader for a missing entry; the others wait for it and read the stored value. If that
// lock cannot be had in time the value is loaded without being cached.
func GetOrLoad[T any](ctx context.Context, c Cache, locker lock.Locker, key string, ttl time.Duration, loader func(context.Context) (T, error)) (T, error) {
	v, err := GetTyped[T](ctx, c, key)
	if err == nil || !errors.Is(err, ErrKeyNotFound) {
		return v, err
	}

	if locker == nil {
		return loadAndStore(ctx, c, key, ttl, loader)
	}

	res, err := lock.Execute(ctx, locker, loadLockPrefix+key, loadLockWait, loadLockLease, func(ctx context.Context) (T, error) {
		// Another holder may have filled the entry while we waited.
		v, err := GetTyped[T](ctx, c, key)
		if err == nil || !errors.Is(err, ErrKeyNotFound) {
			return v, err
		}
		return loadAndStore(ctx, c, key, ttl, loader)
	})
	if err != nil {
		return res.Value(), err
	}
	if !res.Acquired() {
		return loader(ctx)
	}
	return res.Value(), nil
}

func loadAndStore[T any](ctx context.Context, c Cache, key string, ttl time.Duration, loader func(context.Context) (T, error)) (T, error) {
	v, err := loader(ctx)
	if err != nil {
		return v, err
	}
	if err := SetTyped(ctx, c, key, v, ttl); err != nil {
		return v, err
	}
	return v, nil
}
