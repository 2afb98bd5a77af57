package lock

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/infigaming-com/go-coord/clock"
	"github.com/infigaming-com/go-coord/util"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

var (
	ErrInvalidPermits = errors.New("semaphore permits must be positive")
	ErrNoPermit       = errors.New("no semaphore permit available")
)

var (
	// Holders live in a sorted set scored by expiry in ms; lapsed entries are pruned first.
	// KEYS[1]=set ARGV[1]=now ARGV[2]=lease ARGV[3]=permits ARGV[4]=token
	semAcquireScript = redis.NewScript(`
redis.call("ZREMRANGEBYSCORE", KEYS[1], "-inf", ARGV[1])
if redis.call("ZCARD", KEYS[1]) >= tonumber(ARGV[3]) then
    return 0
end
redis.call("ZADD", KEYS[1], tonumber(ARGV[1]) + tonumber(ARGV[2]), ARGV[4])
if redis.call("PTTL", KEYS[1]) < tonumber(ARGV[2]) then
    redis.call("PEXPIRE", KEYS[1], ARGV[2])
end
return 1
`)

	// KEYS[1]=set ARGV[1]=now ARGV[2]=lease ARGV[3]=token
	semExtendScript = redis.NewScript(`
local expiry = redis.call("ZSCORE", KEYS[1], ARGV[3])
if not expiry or tonumber(expiry) <= tonumber(ARGV[1]) then
    return 0
end
redis.call("ZADD", KEYS[1], "XX", tonumber(ARGV[1]) + tonumber(ARGV[2]), ARGV[3])
if redis.call("PTTL", KEYS[1]) < tonumber(ARGV[2]) then
    redis.call("PEXPIRE", KEYS[1], ARGV[2])
end
return 1
`)

	// KEYS[1]=set ARGV[1]=now
	semCountScript = redis.NewScript(`
redis.call("ZREMRANGEBYSCORE", KEYS[1], "-inf", ARGV[1])
return redis.call("ZCARD", KEYS[1])
`)
)

// Semaphore admits up to a fixed number of concurrent holders of one named resource.
// A permit whose lease runs out is reclaimed by the next caller that touches the set.
type Semaphore struct {
	client     redis.UniversalClient
	name       string
	key        string
	permits    int
	retryDelay time.Duration
	clock      clock.Clock
	lg         *zap.Logger
}

func NewRedisSemaphore(client redis.UniversalClient, name string, permits int, opts ...Option) (*Semaphore, error) {
	if name == "" {
		return nil, ErrInvalidLockKey
	}
	if permits <= 0 {
		return nil, fmt.Errorf("%w: got %d", ErrInvalidPermits, permits)
	}
	o := defaultOptions()
	for _, opt := range opts {
		opt(o)
	}
	return &Semaphore{
		client:     client,
		name:       name,
		key:        o.keyPrefix + "sem:" + name,
		permits:    permits,
		retryDelay: o.retryDelay,
		clock:      o.clock,
		lg:         o.lg,
	}, nil
}

// Permits returns the configured number of concurrent holders.
func (s *Semaphore) Permits() int { return s.permits }

// TryAcquire takes one permit. A waitTime of 0 makes a single attempt; otherwise the
// attempt is repeated until waitTime elapses. Returns ErrNoPermit when every permit
// stayed taken, or ctx.Err() if the caller gave up first.
func (s *Semaphore) TryAcquire(ctx context.Context, waitTime, leaseTime time.Duration) (*Permit, error) {
	if leaseTime < MinLeaseTime {
		return nil, fmt.Errorf("%w: got %v", ErrInvalidLease, leaseTime)
	}

	token := util.NewUUID()
	deadline := time.Now().Add(waitTime)
	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		now := s.clock.Now().UnixMilli()
		ok, err := semAcquireScript.Run(ctx, s.client, []string{s.key},
			now, leaseTime.Milliseconds(), s.permits, token).Int()
		if err != nil {
			if ctxErr := ctx.Err(); ctxErr != nil {
				return nil, ctxErr
			}
			s.lg.Error("error acquiring semaphore permit", zap.String("name", s.name), zap.Error(err))
			return nil, fmt.Errorf("acquire semaphore %s: %w", s.name, err)
		}
		if ok == 1 {
			s.lg.Debug("semaphore permit acquired", zap.String("name", s.name), zap.Duration("leaseTime", leaseTime))
			return &Permit{sem: s, token: token, deadline: time.UnixMilli(now).Add(leaseTime)}, nil
		}

		remaining := time.Until(deadline)
		if remaining <= 0 {
			s.lg.Debug("no semaphore permit available", zap.String("name", s.name), zap.Duration("waitTime", waitTime))
			return nil, ErrNoPermit
		}
		t := time.NewTimer(min(s.retryDelay, remaining))
		select {
		case <-ctx.Done():
			t.Stop()
			return nil, ctx.Err()
		case <-t.C:
		}
	}
}

// Available returns how many permits are free right now.
func (s *Semaphore) Available(ctx context.Context) (int, error) {
	held, err := semCountScript.Run(ctx, s.client, []string{s.key}, s.clock.Now().UnixMilli()).Int()
	if err != nil {
		return 0, fmt.Errorf("count semaphore %s: %w", s.name, err)
	}
	return max(s.permits-held, 0), nil
}

// Permit is one slot of a Semaphore.
type Permit struct {
	sem   *Semaphore
	token string

	mu       sync.Mutex
	deadline time.Time
}

func (p *Permit) Token() string { return p.token }

func (p *Permit) Deadline() time.Time {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.deadline
}

// Release returns the permit. Releasing a permit that already lapsed or was released returns nil.
func (p *Permit) Release(ctx context.Context) error {
	n, err := p.sem.client.ZRem(ctx, p.sem.key, p.token).Result()
	if err != nil {
		return fmt.Errorf("release semaphore %s: %w", p.sem.name, err)
	}
	if n == 0 {
		p.sem.lg.Warn("semaphore permit not held at release", zap.String("name", p.sem.name))
	}
	return nil
}

// Extend pushes the permit's expiry to leaseTime from now. It returns ErrNoPermit when
// the permit already lapsed.
func (p *Permit) Extend(ctx context.Context, leaseTime time.Duration) error {
	if leaseTime < MinLeaseTime {
		return fmt.Errorf("%w: got %v", ErrInvalidLease, leaseTime)
	}
	now := p.sem.clock.Now().UnixMilli()
	ok, err := semExtendScript.Run(ctx, p.sem.client, []string{p.sem.key}, now, leaseTime.Milliseconds(), p.token).Int()
	if err != nil {
		return fmt.Errorf("extend semaphore %s: %w", p.sem.name, err)
	}
	if ok == 0 {
		return ErrNoPermit
	}
	p.mu.Lock()
	p.deadline = time.UnixMilli(now).Add(leaseTime)
	p.mu.Unlock()
	return nil
}
