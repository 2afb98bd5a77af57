package cache

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/coocood/freecache"
	"github.com/infigaming-com/go-coord/clock"
)

type freeCache struct {
	// serializes the check-then-set of SetNX and SetsNX
	nxMu  sync.Mutex
	cache *freecache.Cache
}

// NewFreeCache wraps an in-process freecache. Recommended size: 100MB = 100 * 1024 * 1024.
// Expiry has whole-second resolution.
func NewFreeCache(cache *freecache.Cache) Cache {
	return &freeCache{cache: cache}
}

// NewFreeCacheWithClock creates a freecache of size bytes whose expiry follows c.
func NewFreeCacheWithClock(size int, c clock.Clock) Cache {
	return NewFreeCache(freecache.NewCacheCustomTimer(size, clockTimer{c: c}))
}

type clockTimer struct {
	c clock.Clock
}

func (t clockTimer) Now() uint32 {
	return uint32(t.c.Now().Unix())
}

func ttlSeconds(expiry time.Duration) int {
	s := int(expiry.Seconds())
	if s <= 0 {
		return 0 // no expiry
	}
	return s
}

func (c *freeCache) Set(ctx context.Context, key string, value string, expiry time.Duration) error {
	if err := c.cache.Set([]byte(key), []byte(value), ttlSeconds(expiry)); err != nil {
		return fmt.Errorf("failed to set key %s: %w", key, err)
	}
	return nil
}

func (c *freeCache) SetNX(ctx context.Context, key string, value string, expiry time.Duration) (bool, error) {
	c.nxMu.Lock()
	defer c.nxMu.Unlock()
	return c.setNX(key, value, expiry)
}

func (c *freeCache) setNX(key string, value string, expiry time.Duration) (bool, error) {
	if _, err := c.cache.Get([]byte(key)); err == nil {
		return false, nil
	}
	if err := c.cache.Set([]byte(key), []byte(value), ttlSeconds(expiry)); err != nil {
		return false, fmt.Errorf("failed to set key %s: %w", key, err)
	}
	return true, nil
}

func (c *freeCache) Get(ctx context.Context, key string) (string, error) {
	data, err := c.cache.Get([]byte(key))
	if err != nil {
		if errors.Is(err, freecache.ErrNotFound) {
			return "", ErrKeyNotFound
		}
		return "", fmt.Errorf("failed to get key %s: %w", key, err)
	}
	return string(data), nil
}

func (c *freeCache) Sets(ctx context.Context, kvs map[string]string, expiry time.Duration) error {
	for key, value := range kvs {
		if err := c.cache.Set([]byte(key), []byte(value), ttlSeconds(expiry)); err != nil {
			return fmt.Errorf("failed to set key %s: %w", key, err)
		}
	}
	return nil
}

func (c *freeCache) SetsNX(ctx context.Context, kvs map[string]string, expiry time.Duration) (map[string]bool, error) {
	c.nxMu.Lock()
	defer c.nxMu.Unlock()

	results := make(map[string]bool, len(kvs))
	for key, value := range kvs {
		ok, err := c.setNX(key, value, expiry)
		if err != nil {
			return results, err
		}
		results[key] = ok
	}
	return results, nil
}

// Gets returns the values of the keys that exist; missing keys are omitted.
func (c *freeCache) Gets(ctx context.Context, keys []string) (map[string]string, error) {
	results := make(map[string]string, len(keys))
	for _, key := range keys {
		data, err := c.cache.Get([]byte(key))
		if err != nil {
			if errors.Is(err, freecache.ErrNotFound) {
				continue
			}
			return nil, fmt.Errorf("failed to get key %s: %w", key, err)
		}
		results[key] = string(data)
	}
	return results, nil
}

func (c *freeCache) Delete(ctx context.Context, key string) error {
	c.cache.Del([]byte(key))
	return nil
}

func (c *freeCache) Exists(ctx context.Context, key string) (bool, error) {
	_, err := c.cache.Get([]byte(key))
	if err != nil {
		if errors.Is(err, freecache.ErrNotFound) {
			return false, nil
		}
		return false, err
	}
	return true, nil
}

func (c *freeCache) Expire(ctx context.Context, key string, expiry time.Duration) (bool, error) {
	if err := c.cache.Touch([]byte(key), ttlSeconds(expiry)); err != nil {
		if errors.Is(err, freecache.ErrNotFound) {
			return false, nil
		}
		return false, fmt.Errorf("failed to expire key %s: %w", key, err)
	}
	return true, nil
}

func (c *freeCache) TTL(ctx context.Context, key string) (time.Duration, error) {
	left, err := c.cache.TTL([]byte(key))
	if err != nil {
		if errors.Is(err, freecache.ErrNotFound) {
			return 0, ErrKeyNotFound
		}
		return 0, err
	}
	return time.Duration(left) * time.Second, nil
}

func (c *freeCache) Clear(ctx context.Context) error {
	c.cache.Clear()
	return nil
}
