package cache

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

type redisCache struct {
	lg     *zap.Logger
	client redis.UniversalClient
}

// NewRedisCache builds a Cache on an existing client. The caller owns the client's lifecycle.
func NewRedisCache(lg *zap.Logger, client redis.UniversalClient) Cache {
	return &redisCache{
		lg:     lg,
		client: client,
	}
}

func (c *redisCache) Set(ctx context.Context, key string, value string, expiry time.Duration) error {
	return c.client.Set(ctx, key, value, expiry).Err()
}

func (c *redisCache) SetNX(ctx context.Context, key string, value string, expiry time.Duration) (bool, error) {
	return c.client.SetNX(ctx, key, value, expiry).Result()
}

func (c *redisCache) Get(ctx context.Context, key string) (string, error) {
	data, err := c.client.Get(ctx, key).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return "", ErrKeyNotFound
		}
		return "", err
	}
	return data, nil
}

func (c *redisCache) Sets(ctx context.Context, kvs map[string]string, expiry time.Duration) error {
	pipe := c.client.Pipeline()
	for key, value := range kvs {
		pipe.Set(ctx, key, value, expiry)
	}

	cmds, err := pipe.Exec(ctx)
	if err != nil {
		return fmt.Errorf("failed to execute pipeline: %w", err)
	}
	for i, cmd := range cmds {
		if cmd.Err() != nil {
			return fmt.Errorf("failed to set item %d: %w", i, cmd.Err())
		}
	}
	return nil
}

func (c *redisCache) SetsNX(ctx context.Context, kvs map[string]string, expiry time.Duration) (map[string]bool, error) {
	results := make(map[string]bool, len(kvs))
	pipe := c.client.Pipeline()

	cmds := make(map[string]*redis.BoolCmd, len(kvs))
	for key, value := range kvs {
		cmds[key] = pipe.SetNX(ctx, key, value, expiry)
	}

	if _, err := pipe.Exec(ctx); err != nil {
		return results, fmt.Errorf("failed to execute pipeline: %w", err)
	}

	for key, cmd := range cmds {
		success, err := cmd.Result()
		if err != nil {
			return results, fmt.Errorf("failed to get result for key %s: %w", key, err)
		}
		results[key] = success
	}
	return results, nil
}

// Gets returns the values of the keys that exist; missing keys are omitted.
func (c *redisCache) Gets(ctx context.Context, keys []string) (map[string]string, error) {
	results := make(map[string]string, len(keys))
	if len(keys) == 0 {
		return results, nil
	}

	values, err := c.client.MGet(ctx, keys...).Result()
	if err != nil {
		return results, fmt.Errorf("failed to get keys: %w", err)
	}
	for i, v := range values {
		if s, ok := v.(string); ok {
			results[keys[i]] = s
		}
	}
	return results, nil
}

func (c *redisCache) Delete(ctx context.Context, key string) error {
	return c.client.Del(ctx, key).Err()
}

func (c *redisCache) Exists(ctx context.Context, key string) (bool, error) {
	n, err := c.client.Exists(ctx, key).Result()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

func (c *redisCache) Expire(ctx context.Context, key string, expiry time.Duration) (bool, error) {
	if expiry <= 0 {
		return c.client.Persist(ctx, key).Result()
	}
	return c.client.Expire(ctx, key, expiry).Result()
}

func (c *redisCache) TTL(ctx context.Context, key string) (time.Duration, error) {
	ttl, err := c.client.TTL(ctx, key).Result()
	if err != nil {
		return 0, err
	}
	switch ttl {
	case -2:
		return 0, ErrKeyNotFound
	case -1:
		return 0, nil
	}
	return ttl, nil
}

func (c *redisCache) Clear(ctx context.Context) error {
	c.lg.Warn("flushing redis cache database")
	return c.client.FlushDB(ctx).Err()
}
