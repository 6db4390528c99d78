package ratelimit

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisLimiter counts requests per key in fixed one-minute windows shared by
// every instance. BurstSize is added on top of RequestsPerMinute.
type RedisLimiter struct {
	rdb    redis.UniversalClient
	limit  int64
	window time.Duration
	prefix string
	now    func() time.Time
}

// NewRedisLimiter creates a Redis-backed limiter.
func NewRedisLimiter(rdb redis.UniversalClient, cfg Config) *RedisLimiter {
	return &RedisLimiter{
		rdb:    rdb,
		limit:  int64(cfg.RequestsPerMinute + cfg.BurstSize),
		window: time.Minute,
		prefix: "ratelimit:",
		now:    time.Now,
	}
}

// Allow increments the key's counter for the current window.
func (l *RedisLimiter) Allow(ctx context.Context, key string) (bool, error) {
	slot := l.now().Truncate(l.window).Unix()
	k := fmt.Sprintf("%s%s:%d", l.prefix, key, slot)

	var incr *redis.IntCmd
	_, err := l.rdb.TxPipelined(ctx, func(p redis.Pipeliner) error {
		incr = p.Incr(ctx, k)
		p.Expire(ctx, k, 2*l.window)
		return nil
	})
	if err != nil {
		return false, fmt.Errorf("ratelimit: %w", err)
	}
	return incr.Val() <= l.limit, nil
}
