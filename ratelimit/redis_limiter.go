package ratelimit

import (
	"context"
	"fmt"
	"math"
	"strconv"
	"time"

	"github.com/infigaming-com/go-coord/clock"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

var takeTokenScript = redis.NewScript(takeTokenLua)

// RedisLimiter is a Limiter whose buckets live in Redis, so every process using the
// same key prefix shares one limit per key.
type RedisLimiter struct {
	client    redis.Scripter
	keyPrefix string
	clock     clock.Clock
	metrics   MetricsHook
	lg        *zap.Logger
}

var _ Limiter = (*RedisLimiter)(nil)

func NewRedisLimiter(client redis.Scripter, opts ...Option) *RedisLimiter {
	o := defaultOptions()
	for _, opt := range opts {
		opt(o)
	}
	return &RedisLimiter{
		client:    client,
		keyPrefix: o.keyPrefix,
		clock:     o.clock,
		metrics:   o.metrics,
		lg:        o.lg,
	}
}

// TryAcquire takes one permit from the shared bucket for key. While waiting it retries
// after the delay reported by Redis; a permit is only consumed by the attempt that succeeds.
func (l *RedisLimiter) TryAcquire(ctx context.Context, key string, permitsPerSecond float64, timeout time.Duration) (bool, error) {
	if err := validate(key, permitsPerSecond); err != nil {
		return false, err
	}

	start := time.Now()
	var timer *time.Timer
	defer func() {
		if timer != nil {
			timer.Stop()
		}
	}()

	for {
		if err := ctx.Err(); err != nil {
			return false, err
		}

		allowed, wait, err := l.take(ctx, key, permitsPerSecond)
		if err != nil {
			l.lg.Error("failed to run rate limit script", zap.String("key", key), zap.Error(err))
			return false, err
		}
		if allowed {
			l.metrics.OnAcquire(key, true, time.Since(start))
			return true, nil
		}

		remaining := timeout - time.Since(start)
		if timeout <= 0 || wait > remaining {
			l.lg.Warn("rate limit triggered", zap.String("key", key), zap.Float64("permits", permitsPerSecond))
			l.metrics.OnAcquire(key, false, 0)
			return false, nil
		}

		if timer == nil {
			timer = time.NewTimer(wait)
		} else {
			timer.Reset(wait)
		}
		select {
		case <-ctx.Done():
			l.metrics.OnAcquire(key, false, 0)
			return false, ctx.Err()
		case <-timer.C:
		}
	}
}

func (l *RedisLimiter) take(ctx context.Context, key string, permitsPerSecond float64) (bool, time.Duration, error) {
	c := capacity(permitsPerSecond)
	refillMs := math.Ceil(float64(c) / permitsPerSecond * 1000)
	ttlMs := int64(math.Max(refillMs*2, 1000))

	res, err := takeTokenScript.Run(ctx, l.client,
		[]string{l.keyPrefix + key},
		strconv.FormatFloat(permitsPerSecond, 'f', -1, 64),
		c,
		l.clock.Now().UnixMilli(),
		1,
		ttlMs,
	).Slice()
	if err != nil {
		return false, 0, fmt.Errorf("ratelimit: take token: %w", err)
	}
	if len(res) != 2 {
		return false, 0, fmt.Errorf("ratelimit: unexpected script result %v", res)
	}

	allowed, ok1 := res[0].(int64)
	waitMs, ok2 := res[1].(int64)
	if !ok1 || !ok2 {
		return false, 0, fmt.Errorf("ratelimit: unexpected script result %v", res)
	}
	return allowed == 1, time.Duration(waitMs) * time.Millisecond, nil
}

// takeTokenLua refills and takes from a token bucket stored as a hash.
// KEYS[1]: bucket key
// ARGV[1]: permits per second
// ARGV[2]: capacity
// ARGV[3]: now in unix ms
// ARGV[4]: permits requested
// ARGV[5]: key TTL in ms
// Returns: {1|0, wait ms until enough permits}
const takeTokenLua = `
local rate = tonumber(ARGV[1])
local capacity = tonumber(ARGV[2])
local now = tonumber(ARGV[3])
local requested = tonumber(ARGV[4])
local ttl = tonumber(ARGV[5])

local state = redis.call("HMGET", KEYS[1], "tokens", "ts")
local tokens = tonumber(state[1])
local ts = tonumber(state[2])
if tokens == nil or ts == nil then
    tokens = capacity
    ts = now
end

if now > ts then
    tokens = math.min(capacity, tokens + (now - ts) * rate / 1000)
    ts = now
end

local allowed = 0
local wait = 0
if tokens >= requested then
    tokens = tokens - requested
    allowed = 1
else
    wait = math.ceil((requested - tokens) * 1000 / rate)
end

redis.call("HSET", KEYS[1], "tokens", tostring(tokens), "ts", tostring(ts))
redis.call("PEXPIRE", KEYS[1], ttl)
return {allowed, wait}
`
