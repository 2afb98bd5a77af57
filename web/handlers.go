package web

import (
	stderrors "errors"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/hashicorp/golang-lru/v2/expirable"
	"github.com/infigaming-com/go-coord/cache"
	"github.com/infigaming-com/go-coord/errors"
	"github.com/infigaming-com/go-coord/lock"
	"github.com/infigaming-com/go-coord/ratelimit"
	"github.com/infigaming-com/go-coord/snowflake"
	"github.com/infigaming-com/go-coord/web/middleware"
	"go.uber.org/zap"
)

const (
	maxBatchSize   = 1000
	maxLockLease   = time.Hour
	maxHeldHandles = 10000
)

// Deps are the coordination primitives served over HTTP. Nil fields disable their routes.
type Deps struct {
	Generator *snowflake.Generator
	Locker    lock.Locker
	Cache     cache.Cache
	Limiter   ratelimit.Limiter
	// Permits is the per-route rate applied when Limiter is set.
	Permits   float64
	JWTSecret string
	LockWait  time.Duration
	LockLease time.Duration
	// MaxHeldLocks caps lock handles tracked between requests. Acquires beyond it get 503.
	MaxHeldLocks int
	Metrics      http.Handler
	Logger       *zap.Logger
}

type handlers struct {
	Deps
	// handles keeps acquired locks addressable by owner token between requests.
	// Sized to MaxHeldLocks so it never evicts a live handle; handlesMu guards check-then-add.
	handlesMu sync.Mutex
	handles   *expirable.LRU[string, *lock.Handle]
}

// RegisterRoutes returns a route installer for WithRoutes.
func RegisterRoutes(d Deps) func(*gin.Engine) {
	if d.Logger == nil {
		d.Logger = zap.L()
	}
	if d.LockLease <= 0 {
		d.LockLease = 30 * time.Second
	}
	if d.MaxHeldLocks <= 0 {
		d.MaxHeldLocks = maxHeldHandles
	}
	h := &handlers{
		Deps:    d,
		handles: expirable.NewLRU[string, *lock.Handle](d.MaxHeldLocks, nil, maxLockLease),
	}

	return func(e *gin.Engine) {
		if d.Metrics != nil {
			e.GET("/metrics", gin.WrapH(d.Metrics))
		}

		v1 := e.Group("/v1")
		if d.Limiter != nil {
			v1.Use(middleware.RateLimit(d.Limiter,
				middleware.WithPermits(d.Permits),
				middleware.WithRateLimitLogger(d.Logger),
			))
		}

		if d.Generator != nil {
			v1.GET("/ids/next", h.nextID)
			v1.GET("/ids/batch", h.nextIDs)
			v1.GET("/ids/:id", h.decodeID)
		}

		auth := v1.Group("", middleware.JWTAuth(d.JWTSecret))
		if d.Locker != nil {
			auth.POST("/locks/:key", h.acquireLock)
			auth.POST("/locks/:key/extend", h.extendLock)
			auth.DELETE("/locks/:key", h.releaseLock)
		}
		if d.Cache != nil {
			auth.GET("/cache/:key", h.getCache)
			auth.PUT("/cache/:key", h.putCache)
			auth.DELETE("/cache/:key", h.deleteCache)
		}
	}
}

type idResponse struct {
	ID string `json:"id"`
}

type idsResponse struct {
	IDs []string `json:"ids"`
}

type decodedIDResponse struct {
	ID        string    `json:"id"`
	Timestamp time.Time `json:"timestamp"`
	NodeID    int64     `json:"node_id"`
	Sequence  int64     `json:"sequence"`
}

func (h *handlers) nextID(c *gin.Context) {
	id, err := h.Generator.NextID()
	if err != nil {
		h.idFailure(c, err)
		return
	}
	c.JSON(http.StatusOK, idResponse{ID: strconv.FormatInt(id, 10)})
}

func (h *handlers) nextIDs(c *gin.Context) {
	count, err := strconv.Atoi(c.DefaultQuery("count", "1"))
	if err != nil || count < 1 || count > maxBatchSize {
		abortWithError(c, invalidArgument("count must be between 1 and 1000", err))
		return
	}

	ids, err := h.Generator.NextIDs(count)
	if err != nil {
		h.idFailure(c, err)
		return
	}
	resp := idsResponse{IDs: make([]string, len(ids))}
	for i, id := range ids {
		resp.IDs[i] = strconv.FormatInt(id, 10)
	}
	c.JSON(http.StatusOK, resp)
}

func (h *handlers) decodeID(c *gin.Context) {
	id, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil || id < 0 {
		abortWithError(c, invalidArgument("id must be a non-negative integer", err))
		return
	}
	parts := h.Generator.Decompose(id)
	c.JSON(http.StatusOK, decodedIDResponse{
		ID:        c.Param("id"),
		Timestamp: parts.Timestamp.UTC(),
		NodeID:    parts.NodeID,
		Sequence:  parts.Sequence,
	})
}

func (h *handlers) idFailure(c *gin.Context, err error) {
	h.Logger.Error("failed to generate id", zap.Error(err))
	if stderrors.Is(err, snowflake.ErrClockRollback) || stderrors.Is(err, snowflake.ErrLeaseExpired) {
		abortWithError(c, errors.NewError(ErrCodeIDUnavailable, "id generation unavailable", err).
			WithStatusCode(http.StatusServiceUnavailable))
		return
	}
	abortWithError(c, internalError("failed to generate id", err))
}

type lockRequest struct {
	WaitMs  *int64 `json:"wait_ms"`
	LeaseMs *int64 `json:"lease_ms"`
}

type lockResponse struct {
	Key       string    `json:"key"`
	Token     string    `json:"token"`
	ExpiresAt time.Time `json:"expires_at"`
}

func (r lockRequest) durations(defaultWait, defaultLease time.Duration) (time.Duration, time.Duration, error) {
	wait, lease := defaultWait, defaultLease
	if r.WaitMs != nil {
		wait = time.Duration(*r.WaitMs) * time.Millisecond
	}
	if r.LeaseMs != nil {
		lease = time.Duration(*r.LeaseMs) * time.Millisecond
	}
	if wait < 0 {
		return 0, 0, stderrors.New("wait_ms must not be negative")
	}
	if lease <= 0 || lease > maxLockLease {
		return 0, 0, stderrors.New("lease_ms must be between 1 and 3600000")
	}
	return wait, lease, nil
}

func (h *handlers) acquireLock(c *gin.Context) {
	var req lockRequest
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			abortWithError(c, invalidArgument("invalid request body", err))
			return
		}
	}
	wait, lease, err := req.durations(h.LockWait, h.LockLease)
	if err != nil {
		abortWithError(c, invalidArgument(err.Error(), nil))
		return
	}

	if h.handles.Len() >= h.MaxHeldLocks {
		abortWithError(c, lockCapacityError())
		return
	}

	key := c.Param("key")
	handle, err := h.Locker.TryLock(c.Request.Context(), key, wait, lease)
	switch {
	case stderrors.Is(err, lock.ErrLockNotAcquired):
		abortWithError(c, errors.NewError(ErrCodeLockNotAcquired, "lock is held by another owner", nil).
			WithStatusCode(http.StatusConflict))
		return
	case stderrors.Is(err, lock.ErrInvalidLockKey), stderrors.Is(err, lock.ErrInvalidLease):
		abortWithError(c, invalidArgument(err.Error(), err))
		return
	case err != nil:
		h.Logger.Error("failed to acquire lock", zap.String("key", key), zap.Error(err))
		abortWithError(c, internalError("failed to acquire lock", err))
		return
	}

	if !h.trackHandle(handle) {
		if err := handle.Unlock(c.Request.Context()); err != nil {
			h.Logger.Warn("failed to release untracked lock", zap.String("key", key), zap.Error(err))
		}
		abortWithError(c, lockCapacityError())
		return
	}
	c.JSON(http.StatusOK, lockResponse{Key: key, Token: handle.Token(), ExpiresAt: handle.Deadline().UTC()})
}

// trackHandle stores handle unless the store is full.
func (h *handlers) trackHandle(handle *lock.Handle) bool {
	h.handlesMu.Lock()
	defer h.handlesMu.Unlock()
	if h.handles.Len() >= h.MaxHeldLocks {
		return false
	}
	h.handles.Add(handle.Token(), handle)
	return true
}

func lockCapacityError() *errors.Error {
	return errors.NewError(ErrCodeLockCapacity, "too many locks held through this server", nil).
		WithStatusCode(http.StatusServiceUnavailable)
}

// ownedHandle resolves the token query parameter to a handle for the path key.
func (h *handlers) ownedHandle(c *gin.Context) (*lock.Handle, bool) {
	token := c.Query("token")
	if token == "" {
		abortWithError(c, invalidArgument("token is required", nil))
		return nil, false
	}
	handle, ok := h.handles.Get(token)
	if !ok || handle.Key() != c.Param("key") {
		abortWithError(c, errors.NewError(ErrCodeLockNotFound, "no lock held with this token", nil).
			WithStatusCode(http.StatusNotFound))
		return nil, false
	}
	return handle, true
}

func (h *handlers) extendLock(c *gin.Context) {
	handle, ok := h.ownedHandle(c)
	if !ok {
		return
	}
	var req lockRequest
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			abortWithError(c, invalidArgument("invalid request body", err))
			return
		}
	}
	_, lease, err := req.durations(0, h.LockLease)
	if err != nil {
		abortWithError(c, invalidArgument(err.Error(), nil))
		return
	}

	if err := handle.Extend(c.Request.Context(), lease); err != nil {
		if stderrors.Is(err, lock.ErrLockNotAcquired) {
			h.handles.Remove(handle.Token())
			abortWithError(c, errors.NewError(ErrCodeLockNotAcquired, "lock is no longer held", nil).
				WithStatusCode(http.StatusConflict))
			return
		}
		abortWithError(c, internalError("failed to extend lock", err))
		return
	}
	c.JSON(http.StatusOK, lockResponse{Key: handle.Key(), Token: handle.Token(), ExpiresAt: handle.Deadline().UTC()})
}

func (h *handlers) releaseLock(c *gin.Context) {
	handle, ok := h.ownedHandle(c)
	if !ok {
		return
	}
	if err := handle.Unlock(c.Request.Context()); err != nil {
		abortWithError(c, internalError("failed to release lock", err))
		return
	}
	h.handles.Remove(handle.Token())
	c.Status(http.StatusNoContent)
}

type cacheEntry struct {
	Key   string `json:"key"`
	Value string `json:"value"`
	TTLMs int64  `json:"ttl_ms"`
}

type putCacheRequest struct {
	Value string `json:"value"`
	TTLMs int64  `json:"ttl_ms"`
}

func (h *handlers) getCache(c *gin.Context) {
	key := c.Param("key")
	value, err := h.Cache.Get(c.Request.Context(), key)
	if err != nil {
		h.cacheFailure(c, key, err)
		return
	}
	ttl, err := h.Cache.TTL(c.Request.Context(), key)
	if err != nil {
		h.cacheFailure(c, key, err)
		return
	}
	c.JSON(http.StatusOK, cacheEntry{Key: key, Value: value, TTLMs: ttl.Milliseconds()})
}

func (h *handlers) putCache(c *gin.Context) {
	var req putCacheRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		abortWithError(c, invalidArgument("invalid request body", err))
		return
	}
	if req.TTLMs < 0 {
		abortWithError(c, invalidArgument("ttl_ms must not be negative", nil))
		return
	}

	key := c.Param("key")
	if err := h.Cache.Set(c.Request.Context(), key, req.Value, time.Duration(req.TTLMs)*time.Millisecond); err != nil {
		h.cacheFailure(c, key, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (h *handlers) deleteCache(c *gin.Context) {
	key := c.Param("key")
	if err := h.Cache.Delete(c.Request.Context(), key); err != nil {
		h.cacheFailure(c, key, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (h *handlers) cacheFailure(c *gin.Context, key string, err error) {
	if stderrors.Is(err, cache.ErrKeyNotFound) {
		abortWithError(c, errors.NewError(ErrCodeKeyNotFound, "key not found", nil).
			WithStatusCode(http.StatusNotFound))
		return
	}
	h.Logger.Error("cache operation failed", zap.String("key", key), zap.Error(err))
	abortWithError(c, internalError("cache operation failed", err))
}
