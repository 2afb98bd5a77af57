package snowflake

import (
	"context"
	"fmt"
	"os"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

var (
	claimNodeScript    = redis.NewScript(claimNodeLua)
	renewLeaseScript   = redis.NewScript(renewLeaseLua)
	releaseLeaseScript = redis.NewScript(releaseLeaseLua)
)

const maxConsecutiveRenewFailures = 3

// NodeLease holds a node ID claimed in Redis so that no two live processes share one.
// The lease is kept alive by a heartbeat until Release is called.
type NodeLease struct {
	client   redis.Scripter
	nodeID   int64
	holder   string
	leaseKey string
	ttl      time.Duration
	healthy  atomic.Bool
	metrics  LeaseMetrics
	lg       *zap.Logger

	cancel      context.CancelFunc
	doneCh      chan struct{}
	releaseOnce sync.Once
	releaseErr  error
}

// AcquireNodeLease claims a node ID (0-1023) from Redis and starts a background heartbeat
// that renews it every TTL/3. The preferred ID is tried first, then the lowest free slot.
func AcquireNodeLease(ctx context.Context, client redis.Scripter, opts ...LeaseOption) (*NodeLease, error) {
	o := defaultLeaseOptions()
	for _, opt := range opts {
		opt(o)
	}

	holder := buildHolder(o.serviceName)

	result, err := claimNodeScript.Run(ctx, client,
		nil, // no KEYS
		o.keyPrefix, holder, leaseMillis(o.ttl), o.preferredNodeID,
	).Int64()
	if err != nil {
		return nil, fmt.Errorf("snowflake: claim node lease: %w", err)
	}
	if result < 0 {
		return nil, ErrNoAvailableNode
	}

	hbCtx, cancel := context.WithCancel(context.Background())
	nl := &NodeLease{
		client:   client,
		nodeID:   result,
		holder:   holder,
		leaseKey: o.keyPrefix + strconv.FormatInt(result, 10),
		ttl:      o.ttl,
		metrics:  o.metrics,
		lg:       o.lg.With(zap.Int64("nodeID", result), zap.String("holder", holder)),
		cancel:   cancel,
		doneCh:   make(chan struct{}),
	}
	nl.healthy.Store(true)
	nl.metrics.OnLeaseAcquired(result)
	nl.lg.Info("node lease acquired", zap.Duration("ttl", o.ttl))

	go nl.heartbeatLoop(hbCtx)

	return nl, nil
}

// NodeID returns the leased node ID.
func (nl *NodeLease) NodeID() int64 {
	return nl.nodeID
}

// Holder returns the identity written into the lease key.
func (nl *NodeLease) Holder() string {
	return nl.holder
}

// IsHealthy returns true if the lease is still considered valid.
func (nl *NodeLease) IsHealthy() bool {
	return nl.healthy.Load()
}

// Release stops the heartbeat and deletes the lease key if it is still ours.
// Calling Release more than once returns the first result.
func (nl *NodeLease) Release(ctx context.Context) error {
	nl.releaseOnce.Do(func() {
		nl.stopHeartbeat()

		result, err := releaseLeaseScript.Run(ctx, nl.client,
			[]string{nl.leaseKey},
			nl.holder,
		).Int64()
		nl.healthy.Store(false)
		if err != nil {
			nl.releaseErr = fmt.Errorf("snowflake: release lease: %w", err)
			return
		}
		if result == 0 {
			nl.releaseErr = ErrLeaseNotHeld
			return
		}
		nl.metrics.OnLeaseReleased()
		nl.lg.Info("node lease released")
	})
	return nl.releaseErr
}

func (nl *NodeLease) stopHeartbeat() {
	nl.cancel()
	<-nl.doneCh
}

// heartbeatLoop renews the lease at TTL/3 intervals. Losing ownership of the key marks the
// lease unhealthy at once and ends the loop; transport errors mark it unhealthy after
// maxConsecutiveRenewFailures in a row and keep retrying.
func (nl *NodeLease) heartbeatLoop(ctx context.Context) {
	defer close(nl.doneCh)

	interval := nl.ttl / 3
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	consecutiveFailures := 0
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			renewCtx, cancel := context.WithTimeout(ctx, interval/2)
			result, err := renewLeaseScript.Run(renewCtx, nl.client,
				[]string{nl.leaseKey},
				nl.holder, leaseMillis(nl.ttl),
			).Int64()
			cancel()

			if err == nil && result == 0 {
				// The key now names another holder; the node ID is no longer ours.
				nl.metrics.OnLeaseRenewFail()
				if nl.healthy.Swap(false) {
					nl.metrics.OnLeaseExpired()
				}
				nl.lg.Error("node lease taken over by another holder")
				return
			}
			if err != nil {
				consecutiveFailures++
				nl.metrics.OnLeaseRenewFail()
				nl.lg.Warn("failed to renew node lease", zap.Int("consecutiveFailures", consecutiveFailures), zap.Error(err))
				if consecutiveFailures >= maxConsecutiveRenewFailures && nl.healthy.Swap(false) {
					nl.metrics.OnLeaseExpired()
					nl.lg.Error("node lease considered expired")
				}
				continue
			}
			consecutiveFailures = 0
			nl.healthy.Store(true)
			nl.metrics.OnLeaseRenewed()
		}
	}
}

func leaseMillis(ttl time.Duration) int64 {
	return max(ttl.Milliseconds(), 1)
}

// buildHolder constructs a holder identity: "{service}:{hostname}:{pid}".
func buildHolder(serviceName string) string {
	hostname, _ := os.Hostname()
	// POD_NAME env var is available in K8s pods
	if podName := os.Getenv("POD_NAME"); podName != "" {
		hostname = podName
	}
	return fmt.Sprintf("%s:%s:%d", serviceName, hostname, os.Getpid())
}
