package utils

import (
	"context" // Context for Redis operations
	"time"    // Time durations

	"github.com/redis/go-redis/v9" // Redis client
)

// IncrWindow increments the counter at key and starts its window on first use. It returns the
// count within the current window and how long until the window resets.
func IncrWindow(ctx context.Context, rdb redis.Cmdable, key string, window time.Duration) (int64, time.Duration, error) {
	pipe := rdb.TxPipeline() // INCR and EXPIRE NX must land together
	incr := pipe.Incr(ctx, key)
	pipe.ExpireNX(ctx, key, window)
	ttl := pipe.PTTL(ctx, key)
	if _, err := pipe.Exec(ctx); err != nil {
		return 0, 0, err // Redis unavailable or command error
	}
	reset := ttl.Val()
	if reset < 0 {
		reset = window // Key without expiry, treat as a fresh window
	}
	return incr.Val(), reset, nil
}
