// Command coordd serves snowflake IDs, rate limits, distributed locks and a shared cache
// over HTTP.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/coocood/freecache"
	"github.com/gin-gonic/gin"
	"github.com/infigaming-com/go-coord/cache"
	"github.com/infigaming-com/go-coord/config"
	"github.com/infigaming-com/go-coord/k8s"
	"github.com/infigaming-com/go-coord/lock"
	"github.com/infigaming-com/go-coord/observability/metrics"
	"github.com/infigaming-com/go-coord/observability/prom"
	"github.com/infigaming-com/go-coord/ratelimit"
	"github.com/infigaming-com/go-coord/snowflake"
	"github.com/infigaming-com/go-coord/util"
	"github.com/infigaming-com/go-coord/web"
	"github.com/infigaming-com/go-coord/web/middleware"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

func main() {
	configPath := flag.String("config", "", "optional config file (yaml, json or toml)")
	flag.Parse()

	lg, undo := util.NewLogger()
	defer undo()

	if err := run(lg, *configPath); err != nil {
		lg.Error("coordd exited with error", zap.Error(err))
		undo()
		os.Exit(1)
	}
}

func run(lg *zap.Logger, configPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}

	ctx := context.Background()
	redisClient, err := util.NewRedisClient(ctx, cfg.Redis.Addr, cfg.Redis.DB,
		time.Duration(cfg.Redis.ConnectTimeout)*time.Second,
		util.WithRedisPassword(cfg.Redis.Password),
		util.WithRedisPoolSize(cfg.Redis.PoolSize),
	)
	if err != nil {
		return err
	}
	defer redisClient.Close()

	hooks, metricsCleanup, err := newHooks(cfg.Metrics)
	if err != nil {
		return err
	}
	defer metricsCleanup()

	nodeID, lease, err := resolveNodeID(ctx, lg, cfg.Snowflake, redisClient, hooks)
	if err != nil {
		return err
	}
	if lease != nil {
		defer func() {
			releaseCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := lease.Release(releaseCtx); err != nil {
				lg.Warn("failed to release node lease", zap.Error(err))
			}
		}()
	}

	epoch, err := cfg.Snowflake.EpochTime()
	if err != nil {
		return err
	}
	genOpts := []snowflake.Option{
		snowflake.WithEpoch(epoch),
		snowflake.WithMaxClockDrift(cfg.Snowflake.MaxClockDrift),
		snowflake.WithLogger(lg),
	}
	if lease != nil {
		genOpts = append(genOpts, snowflake.WithLeaseHealthCheck(lease))
	}
	if hooks != nil {
		genOpts = append(genOpts, snowflake.WithMetrics(hooks))
	}
	generator, err := snowflake.NewGenerator(nodeID, genOpts...)
	if err != nil {
		return err
	}

	lockOpts := []lock.Option{
		lock.WithRetryDelay(cfg.Lock.RetryDelay),
		lock.WithLogger(lg),
	}
	if hooks != nil {
		lockOpts = append(lockOpts, lock.WithMetrics(hooks))
	}
	locker := lock.NewRedisLocker(redisClient, lockOpts...)

	deps := web.Deps{
		Generator:    generator,
		Locker:       locker,
		Cache:        newCache(lg, cfg.Cache, redisClient),
		Limiter:      newLimiter(lg, cfg.RateLimit, redisClient, hooks),
		Permits:      cfg.RateLimit.DefaultPermits,
		JWTSecret:    cfg.Server.JWTSecret,
		LockWait:     cfg.Lock.DefaultWait,
		LockLease:    cfg.Lock.DefaultLease,
		MaxHeldLocks: cfg.Lock.MaxHeld,
		Logger:       lg,
	}
	if reg, ok := hooks.(*prom.Registry); ok {
		deps.Metrics = reg.Handler()
	}

	web.StartServer(lg,
		web.WithMode(serverMode(cfg.Server.Mode)),
		web.WithPort(cfg.Server.Port),
		web.WithCustomHandler(middleware.CorrelationIdMiddleware()),
		web.WithCustomHandler(middleware.LoggingMiddleware(
			middleware.WithLogger(lg),
			middleware.WithDebugEnabled(lg.Core().Enabled(zap.DebugLevel)),
		)),
		web.WithRoutes(web.RegisterRoutes(deps)),
	)
	return nil
}

// coordHooks is implemented by both metrics backends.
type coordHooks interface {
	snowflake.MetricsHook
	ratelimit.MetricsHook
	lock.MetricsHook
}

func newHooks(cfg config.MetricsConfig) (coordHooks, func(), error) {
	switch cfg.Backend {
	case "prometheus":
		return prom.NewRegistry(), func() {}, nil
	case "otlp":
		exporter, shutdown, err := metrics.NewMetricExporter(
			metrics.WithServiceName(cfg.ServiceName),
			metrics.WithEnvironment(cfg.Environment),
			metrics.WithOTLPEndpoint(cfg.OTLPEndpoint),
			metrics.WithOTLPGRPCEndpoint(cfg.OTLPGRPCEndpoint),
		)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to start metric exporter: %w", err)
		}
		hooks, err := metrics.NewHooks(exporter.Meter())
		if err != nil {
			shutdown()
			return nil, nil, fmt.Errorf("failed to create metric instruments: %w", err)
		}
		return hooks, shutdown, nil
	default:
		return nil, func() {}, nil
	}
}

func resolveNodeID(ctx context.Context, lg *zap.Logger, cfg config.SnowflakeConfig, client *redis.Client, hooks coordHooks) (int64, *snowflake.NodeLease, error) {
	switch cfg.WorkerIDSource {
	case "lease":
		opts := []snowflake.LeaseOption{
			snowflake.WithLeaseTTL(cfg.LeaseTTL),
			snowflake.WithServiceName(cfg.ServiceName),
			snowflake.WithLeaseLogger(lg),
		}
		if hooks != nil {
			opts = append(opts, snowflake.WithLeaseMetrics(hooks))
		}
		lease, err := snowflake.AcquireNodeLease(ctx, client, opts...)
		if err != nil {
			return 0, nil, err
		}
		return lease.NodeID(), lease, nil
	case "k8s":
		podName := cfg.PodName
		if podName == "" {
			podName, _ = os.Hostname()
		}
		kc, err := k8s.NewK8sClient()
		if err != nil {
			return 0, nil, err
		}
		nodeID, err := kc.WorkerID(ctx, cfg.Namespace, podName)
		if err != nil {
			return 0, nil, err
		}
		lg.Info("worker id resolved from pod", zap.String("namespace", cfg.Namespace), zap.String("pod", podName), zap.Int64("nodeID", nodeID))
		return nodeID, nil, nil
	default:
		return cfg.WorkerID, nil, nil
	}
}

func newLimiter(lg *zap.Logger, cfg config.RateLimitConfig, client *redis.Client, hooks coordHooks) ratelimit.Limiter {
	opts := []ratelimit.Option{
		ratelimit.WithMaxKeys(cfg.MaxKeys),
		ratelimit.WithKeyTTL(cfg.KeyTTL),
		ratelimit.WithLogger(lg),
	}
	if hooks != nil {
		opts = append(opts, ratelimit.WithMetrics(hooks))
	}
	if cfg.Backend == "redis" {
		return ratelimit.NewRedisLimiter(client, opts...)
	}
	return ratelimit.NewRegistry(opts...)
}

func newCache(lg *zap.Logger, cfg config.CacheConfig, client *redis.Client) cache.Cache {
	if cfg.Backend == "memory" {
		return cache.NewFreeCache(freecache.NewCache(cfg.MemorySize))
	}
	return cache.NewRedisCache(lg, client)
}

func serverMode(mode string) string {
	switch mode {
	case gin.DebugMode, gin.TestMode:
		return mode
	default:
		return gin.ReleaseMode
	}
}
