package middleware

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	coorderrors "github.com/infigaming-com/go-coord/errors"
	"github.com/infigaming-com/go-coord/ratelimit"
	"github.com/samber/lo"
	"go.uber.org/zap"
)

type KeyFunc func(c *gin.Context) string

type rateLimitOptions struct {
	lg           *zap.Logger
	permits      float64
	timeout      time.Duration
	keyFunc      KeyFunc
	excludePaths []string
}

type RateLimitOption func(*rateLimitOptions)

// WithPermits sets the permits per second granted to each key. Default: 100.
func WithPermits(permits float64) RateLimitOption {
	return func(o *rateLimitOptions) {
		o.permits = permits
	}
}

// WithWaitTimeout lets requests wait up to d for a permit instead of failing fast.
func WithWaitTimeout(d time.Duration) RateLimitOption {
	return func(o *rateLimitOptions) {
		o.timeout = d
	}
}

// WithKeyFunc derives the limiter key from the request. Default: method and route pattern.
func WithKeyFunc(fn KeyFunc) RateLimitOption {
	return func(o *rateLimitOptions) {
		o.keyFunc = fn
	}
}

func WithRateLimitExcludePaths(paths []string) RateLimitOption {
	return func(o *rateLimitOptions) {
		o.excludePaths = paths
	}
}

func WithRateLimitLogger(lg *zap.Logger) RateLimitOption {
	return func(o *rateLimitOptions) {
		o.lg = lg
	}
}

// RouteKey limits each route independently.
func RouteKey(c *gin.Context) string {
	return c.Request.Method + " " + c.FullPath()
}

// ClientRouteKey limits each client IP on each route independently.
func ClientRouteKey(c *gin.Context) string {
	return c.ClientIP() + " " + RouteKey(c)
}

// RateLimit rejects requests with 429 once the limiter denies a permit for the request's key.
func RateLimit(limiter ratelimit.Limiter, opts ...RateLimitOption) gin.HandlerFunc {
	cfg := &rateLimitOptions{
		lg:      zap.L(),
		permits: 100,
		keyFunc: RouteKey,
	}
	for _, opt := range opts {
		opt(cfg)
	}

	return func(c *gin.Context) {
		if lo.Contains(cfg.excludePaths, c.Request.URL.Path) {
			c.Next()
			return
		}

		key := cfg.keyFunc(c)
		ok, err := limiter.TryAcquire(c.Request.Context(), key, cfg.permits, cfg.timeout)
		if err != nil {
			if errors.Is(err, context.Canceled) {
				c.Abort()
				return
			}
			cfg.lg.Error("rate limiter failed", zap.String("key", key), zap.Error(err))
			e := coorderrors.NewError(ErrCodeRateLimitUnavailable, "rate limiter unavailable", nil).
				WithStatusCode(http.StatusServiceUnavailable)
			c.AbortWithStatusJSON(e.GetStatusCode(), e)
			return
		}
		if !ok {
			e := coorderrors.NewError(ErrCodeRateLimitExceeded, ratelimit.ErrRateLimitExceeded.Error(), nil).
				WithStatusCode(http.StatusTooManyRequests)
			c.AbortWithStatusJSON(e.GetStatusCode(), e)
			return
		}
		c.Next()
	}
}
