package middleware

import (
	"bytes"
	"io"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/infigaming-com/go-coord/util"
	"github.com/samber/lo"
	"go.uber.org/zap"
)

const maxLoggedBody = 1024

type loggingMiddlewareOptions struct {
	lg           *zap.Logger
	debugEnabled bool
	excludePaths []string
}

type LoggingMiddlewareOption func(*loggingMiddlewareOptions)

func WithLogger(lg *zap.Logger) LoggingMiddlewareOption {
	return func(o *loggingMiddlewareOptions) {
		o.lg = lg
	}
}

// WithDebugEnabled also logs headers and bodies at debug level.
func WithDebugEnabled(debugEnabled bool) LoggingMiddlewareOption {
	return func(o *loggingMiddlewareOptions) {
		o.debugEnabled = debugEnabled
	}
}

func WithExcludePaths(excludePaths []string) LoggingMiddlewareOption {
	return func(o *loggingMiddlewareOptions) {
		o.excludePaths = excludePaths
	}
}

func defaultLoggingMiddlewareOptions() *loggingMiddlewareOptions {
	return &loggingMiddlewareOptions{
		lg:           zap.L(),
		debugEnabled: false,
		excludePaths: []string{"/", "/healthcheck", "/metrics"},
	}
}

func LoggingMiddleware(opts ...LoggingMiddlewareOption) gin.HandlerFunc {
	cfg := defaultLoggingMiddlewareOptions()
	for _, opt := range opts {
		opt(cfg)
	}

	return func(c *gin.Context) {
		if lo.Contains(cfg.excludePaths, c.Request.URL.Path) {
			c.Next()
			return
		}

		correlationId, err := util.CorrelationIdFromCtx(c.Request.Context())
		if err != nil {
			correlationId = c.Writer.Header().Get(CorrelationIdKey)
		}

		startTime := time.Now()
		var requestBody []byte
		var rw *responseWriter
		if cfg.debugEnabled {
			if c.Request.Body != nil {
				requestBody, _ = io.ReadAll(c.Request.Body)
				c.Request.Body = io.NopCloser(bytes.NewBuffer(requestBody))
			}
			rw = &responseWriter{ResponseWriter: c.Writer, body: bytes.NewBuffer(nil)}
			c.Writer = rw
		}

		c.Next()

		fields := []zap.Field{
			zap.String("correlationId", correlationId),
			zap.String("method", c.Request.Method),
			zap.String("route", c.FullPath()),
			zap.String("url", c.Request.URL.String()),
			zap.Int("status", c.Writer.Status()),
			zap.Duration("duration", time.Since(startTime)),
		}
		if len(c.Errors) > 0 {
			fields = append(fields, zap.String("errors", c.Errors.String()))
		}

		if !cfg.debugEnabled {
			cfg.lg.Info("[Logging]", fields...)
			return
		}

		responseBody := rw.body.Bytes()
		if len(responseBody) > maxLoggedBody {
			responseBody = responseBody[:maxLoggedBody]
		}
		cfg.lg.Debug("[Logging]", append(fields,
			zap.Any("requestHeaders", c.Request.Header),
			zap.ByteString("requestBody", requestBody),
			zap.ByteString("responseBody", responseBody),
		)...)
	}
}
