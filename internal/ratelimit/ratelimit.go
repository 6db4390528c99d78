// Package ratelimit throttles API callers.
//
// A single instance keeps token buckets in memory. When Redis is configured
// the fixed-window RedisLimiter shares the budget across instances.
package ratelimit

import (
	"context"
	"log/slog"
	"math"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/mbd888/mediation/internal/auth"
)

var rejectedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: "mediation",
	Name:      "ratelimit_rejected_total",
	Help:      "Requests rejected by the rate limiter, by caller kind.",
}, []string{"scope"})

// Config sets the per-caller budget.
type Config struct {
	RequestsPerMinute int
	BurstSize         int           // requests allowed back to back
	CleanupInterval   time.Duration // idle bucket eviction period
}

func DefaultConfig() Config {
	return Config{RequestsPerMinute: 120, BurstSize: 20, CleanupInterval: time.Minute}
}

// refillEvery is the time it takes to earn one token.
func (c Config) refillEvery() time.Duration {
	if c.RequestsPerMinute <= 0 {
		return time.Minute
	}
	return time.Minute / time.Duration(c.RequestsPerMinute)
}

// Allower decides whether one more request for key fits the budget.
type Allower interface {
	Allow(ctx context.Context, key string) (bool, error)
}

type bucket struct {
	tokens float64
	seen   time.Time
}

// take refills the bucket for the time since it was last seen and spends one
// token if available.
func (b *bucket) take(now time.Time, perSecond, capacity float64) bool {
	b.tokens = math.Min(capacity, b.tokens+now.Sub(b.seen).Seconds()*perSecond)
	b.seen = now
	if b.tokens < 1 {
		return false
	}
	b.tokens--
	return true
}

// Limiter is an in-process token bucket per key.
type Limiter struct {
	cfg     Config
	mu      sync.Mutex
	buckets map[string]*bucket
	done    chan struct{}
	once    sync.Once
	now     func() time.Time
}

// New starts a limiter and its eviction loop. Call Stop when done.
func New(cfg Config) *Limiter {
	if cfg.CleanupInterval <= 0 {
		cfg.CleanupInterval = time.Minute
	}
	l := &Limiter{
		cfg:     cfg,
		buckets: make(map[string]*bucket),
		done:    make(chan struct{}),
		now:     time.Now,
	}
	go l.evictLoop()
	return l
}

func (l *Limiter) evictLoop() {
	t := time.NewTicker(l.cfg.CleanupInterval)
	defer t.Stop()
	for {
		select {
		case <-l.done:
			return
		case <-t.C:
			l.evictIdle()
		}
	}
}

// evictIdle drops buckets untouched long enough to have refilled completely.
func (l *Limiter) evictIdle() {
	idle := time.Duration(l.cfg.BurstSize+1) * l.cfg.refillEvery()
	if idle < 2*time.Minute {
		idle = 2 * time.Minute
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	cutoff := l.now().Add(-idle)
	for key, b := range l.buckets {
		if b.seen.Before(cutoff) {
			delete(l.buckets, key)
		}
	}
}

func (l *Limiter) Stop() {
	l.once.Do(func() { close(l.done) })
}

// Allow spends one token from key's bucket. A new key starts with a full
// burst.
func (l *Limiter) Allow(_ context.Context, key string) (bool, error) {
	now := l.now()
	l.mu.Lock()
	defer l.mu.Unlock()

	b, ok := l.buckets[key]
	if !ok {
		b = &bucket{tokens: float64(l.cfg.BurstSize), seen: now}
		l.buckets[key] = b
	}
	return b.take(now, float64(l.cfg.RequestsPerMinute)/60, float64(l.cfg.BurstSize)), nil
}

// Key returns the rate-limit key of a request: the authenticated user when
// known, the client IP otherwise.
func Key(c *gin.Context) string {
	if id := auth.UserID(c); id != "" {
		return "user:" + id
	}
	return "ip:" + c.ClientIP()
}

// Middleware rejects requests over budget with 429 and a Retry-After of one
// refill period. Limiter errors let the request through.
func Middleware(a Allower, retryAfter time.Duration, logger *slog.Logger) gin.HandlerFunc {
	secs := int(math.Ceil(retryAfter.Seconds()))
	if secs < 1 {
		secs = 1
	}
	wait := strconv.Itoa(secs)

	return func(c *gin.Context) {
		key := Key(c)
		ok, err := a.Allow(c.Request.Context(), key)
		if err != nil {
			logger.Warn("rate limiter unavailable, allowing request", "error", err)
			c.Next()
			return
		}
		if !ok {
			scope, _, _ := strings.Cut(key, ":")
			rejectedTotal.WithLabelValues(scope).Inc()
			c.Header("Retry-After", wait)
			c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{
				"success": false,
				"error":   "too many requests, please slow down",
			})
			return
		}
		c.Next()
	}
}

// RetryAfter is the wait advertised to throttled callers under cfg.
func RetryAfter(cfg Config) time.Duration { return cfg.refillEvery() }
