package util

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

type RedisOption func(*redis.Options)

func WithRedisPassword(password string) RedisOption {
	return func(o *redis.Options) {
		o.Password = password
	}
}

// WithRedisPoolSize caps pooled connections; 0 keeps the go-redis default of 10 per CPU.
func WithRedisPoolSize(size int) RedisOption {
	return func(o *redis.Options) {
		if size > 0 {
			o.PoolSize = size
		}
	}
}

// NewRedisClient connects to addr/db and verifies the connection with a PING bounded by connectTimeout.
func NewRedisClient(ctx context.Context, addr string, db int64, connectTimeout time.Duration, opts ...RedisOption) (*redis.Client, error) {
	options := &redis.Options{
		Addr:        addr,
		DB:          int(db),
		DialTimeout: connectTimeout,
	}
	for _, opt := range opts {
		opt(options)
	}

	client := redis.NewClient(options)
	pingCtx, cancel := context.WithTimeout(ctx, connectTimeout)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("failed to connect to redis at %s/%d: %w", addr, db, err)
	}
	return client, nil
}
