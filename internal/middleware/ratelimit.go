package middleware

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"lectern/internal/models"
	"lectern/internal/observability"

	"github.com/gofiber/fiber/v2"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// FailPolicy defines the behavior when the rate limit store (Redis) is unavailable.
type FailPolicy int

const (
	// FailOpen allows the request to proceed if Redis is unavailable.
	FailOpen FailPolicy = iota
	// FailClosed blocks the request (503 Service Unavailable) if Redis is unavailable.
	FailClosed
)

// Limiter admits or rejects one more event for a key.
type Limiter interface {
	Allow(ctx context.Context, key string) (bool, error)
}

const sweepEvery = 1024

// SlidingWindow allows at most limit events per key within any window,
// tracked as a per-key list of timestamps pruned on every check. Rejected
// attempts are not recorded.
type SlidingWindow struct {
	mu     sync.Mutex
	limit  int
	window time.Duration
	now    func() time.Time
	hits   map[string][]time.Time
	calls  int
}

// NewSlidingWindow creates an in-process sliding window limiter.
func NewSlidingWindow(limit int, window time.Duration) *SlidingWindow {
	return &SlidingWindow{
		limit:  limit,
		window: window,
		now:    time.Now,
		hits:   make(map[string][]time.Time),
	}
}

// SetClock replaces the time source.
func (l *SlidingWindow) SetClock(now func() time.Time) {
	l.mu.Lock()
	l.now = now
	l.mu.Unlock()
}

// Allow records an event for key if it fits in the window.
func (l *SlidingWindow) Allow(_ context.Context, key string) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	l.calls++
	if l.calls%sweepEvery == 0 {
		l.sweep(now)
	}

	kept := prune(l.hits[key], now, l.window)
	if len(kept) >= l.limit {
		l.hits[key] = kept
		return false, nil
	}
	l.hits[key] = append(kept, now)
	return true, nil
}

func (l *SlidingWindow) sweep(now time.Time) {
	for key, ts := range l.hits {
		if kept := prune(ts, now, l.window); len(kept) == 0 {
			delete(l.hits, key)
		} else {
			l.hits[key] = kept
		}
	}
}

// prune drops timestamps that are a full window or more in the past.
func prune(ts []time.Time, now time.Time, window time.Duration) []time.Time {
	i := 0
	for i < len(ts) && now.Sub(ts[i]) >= window {
		i++
	}
	if i == 0 {
		return ts
	}
	return append(ts[:0:0], ts[i:]...)
}

var slidingWindowScript = redis.NewScript(`
local key = KEYS[1]
local now = tonumber(ARGV[1])
local window = tonumber(ARGV[2])
local limit = tonumber(ARGV[3])
redis.call('ZREMRANGEBYSCORE', key, '-inf', now - window)
if redis.call('ZCARD', key) >= limit then
  return 0
end
redis.call('ZADD', key, now, ARGV[4])
redis.call('PEXPIRE', key, window)
return 1
`)

// RedisSlidingWindow is the shared-state variant of SlidingWindow, backed by
// one sorted set per key so several instances enforce a single budget.
type RedisSlidingWindow struct {
	rdb      *redis.Client
	resource string
	limit    int
	window   time.Duration
	now      func() time.Time
}

// NewRedisSlidingWindow creates a limiter storing timestamps under rl:sw:<resource>:<key>.
func NewRedisSlidingWindow(rdb *redis.Client, resource string, limit int, window time.Duration) *RedisSlidingWindow {
	return &RedisSlidingWindow{rdb: rdb, resource: resource, limit: limit, window: window, now: time.Now}
}

// SetClock replaces the time source.
func (l *RedisSlidingWindow) SetClock(now func() time.Time) {
	l.now = now
}

// Allow records an event for key if it fits in the window.
func (l *RedisSlidingWindow) Allow(ctx context.Context, key string) (bool, error) {
	if l.rdb == nil {
		return false, fmt.Errorf("redis client is nil")
	}
	redisKey := fmt.Sprintf("rl:sw:%s:%s", l.resource, key)
	res, err := slidingWindowScript.Run(ctx, l.rdb, []string{redisKey},
		l.now().UnixMilli(), l.window.Milliseconds(), l.limit, uuid.NewString()).Int()
	if err != nil {
		observability.RedisErrorRate.WithLabelValues("ratelimit").Inc()
		return false, err
	}
	return res == 1, nil
}

// RateLimit returns a Fiber middleware that charges the authenticated user
// (or the remote IP) against l. It defaults to FailOpen policy.
func RateLimit(l Limiter, resource string) fiber.Handler {
	return RateLimitWithPolicy(l, resource, FailOpen)
}

// RateLimitWithPolicy returns a Fiber middleware enforcing l with a specific failure policy.
func RateLimitWithPolicy(l Limiter, resource string, policy FailPolicy) fiber.Handler {
	return func(c *fiber.Ctx) error {
		id := CurrentUserID(c)
		if id == "" {
			id = "ip:" + c.IP()
		}

		allowed, err := l.Allow(c.UserContext(), id)
		if err != nil {
			if policy == FailClosed {
				log.Printf("WARNING: Rate limit fail-closed for route %s (resource: %s): %v", c.Path(), resource, err)
				return models.RespondWithError(c, fiber.StatusServiceUnavailable,
					models.NewUnavailableError("rate limit unavailable", err))
			}
			return c.Next()
		}

		if !allowed {
			observability.RateLimitRejections.WithLabelValues(resource).Inc()
			return models.RespondWithError(c, fiber.StatusTooManyRequests,
				models.NewRateLimitedError("Too many messages, slow down"))
		}
		return c.Next()
	}
}
