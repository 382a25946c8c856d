package middleware

import (
	"context"  // Limiter calls
	"math"     // Retry-After rounding
	"net/http" // HTTP status codes
	"strconv"  // Header formatting
	"sync"     // Visitor map guard
	"time"     // Windows

	"github.com/gin-gonic/gin"     // Gin web framework
	"github.com/redis/go-redis/v9" // Redis client
	"github.com/sirupsen/logrus"   // Logging
	"golang.org/x/time/rate"       // Token buckets

	"marketplace/internal/domain" // Error messages
	"marketplace/internal/utils"  // Redis window counter
)

// Limiter decides whether key may make another request
type Limiter interface {
	Allow(ctx context.Context, key string) (bool, time.Duration, error)
}

// RedisLimiter is a fixed-window counter shared by every instance pointing at the same Redis
type RedisLimiter struct {
	rdb    redis.Cmdable
	prefix string
	limit  int64
	window time.Duration
}

// NewRedisLimiter allows limit requests per key per window
func NewRedisLimiter(rdb redis.Cmdable, prefix string, limit int, window time.Duration) *RedisLimiter {
	return &RedisLimiter{rdb: rdb, prefix: prefix, limit: int64(limit), window: window}
}

// Allow implements Limiter
func (l *RedisLimiter) Allow(ctx context.Context, key string) (bool, time.Duration, error) {
	count, reset, err := utils.IncrWindow(ctx, l.rdb, l.prefix+key, l.window)
	if err != nil {
		return false, 0, err
	}
	if count > l.limit {
		return false, reset, nil
	}
	return true, 0, nil
}

type visitor struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// MemoryLimiter keeps one token bucket per key in process memory
type MemoryLimiter struct {
	mu        sync.Mutex
	visitors  map[string]*visitor
	every     rate.Limit
	burst     int
	idle      time.Duration
	lastSweep time.Time
	now       func() time.Time
}

// NewMemoryLimiter allows bursts of limit requests per key, refilled evenly over window
func NewMemoryLimiter(limit int, window time.Duration) *MemoryLimiter {
	if limit <= 0 {
		limit = 1
	}
	return &MemoryLimiter{
		visitors: make(map[string]*visitor),
		every:    rate.Every(window / time.Duration(limit)),
		burst:    limit,
		idle:     window,
		now:      time.Now,
	}
}

// Allow implements Limiter
func (l *MemoryLimiter) Allow(_ context.Context, key string) (bool, time.Duration, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	now := l.now()
	l.sweep(now)
	v, ok := l.visitors[key]
	if !ok {
		v = &visitor{limiter: rate.NewLimiter(l.every, l.burst)}
		l.visitors[key] = v
	}
	v.lastSeen = now
	r := v.limiter.ReserveN(now, 1)
	if delay := r.DelayFrom(now); delay > 0 {
		r.CancelAt(now) // Do not spend a token on a rejected request
		return false, delay, nil
	}
	return true, 0, nil
}

// sweep drops visitors idle for a full window; their buckets are full again anyway
func (l *MemoryLimiter) sweep(now time.Time) {
	if now.Sub(l.lastSweep) < l.idle {
		return
	}
	for key, v := range l.visitors {
		if now.Sub(v.lastSeen) >= l.idle {
			delete(l.visitors, key)
		}
	}
	l.lastSweep = now
}

// KeyFunc picks the identity a limit applies to
type KeyFunc func(c *gin.Context) string

// ByIP keys on the client address
func ByIP(c *gin.Context) string {
	return "ip:" + c.ClientIP()
}

// ByWallet keys on the authenticated wallet, falling back to the client address
func ByWallet(c *gin.Context) string {
	if wallet, ok := Wallet(c); ok {
		return "wallet:" + wallet
	}
	return ByIP(c)
}

// RateLimit rejects requests over the limit with 429. Limiter errors let the request through.
func RateLimit(l Limiter, key KeyFunc, message string) gin.HandlerFunc {
	if message == "" {
		message = domain.ErrRateLimited.Message
	}
	return func(c *gin.Context) {
		allowed, retryAfter, err := l.Allow(c.Request.Context(), key(c))
		if err != nil {
			logrus.WithError(err).Warn("Rate limiter unavailable, allowing request")
			c.Next()
			return
		}
		if !allowed {
			c.Header("Retry-After", strconv.Itoa(int(math.Ceil(retryAfter.Seconds()))))
			c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{"error": message})
			return
		}
		c.Next()
	}
}
