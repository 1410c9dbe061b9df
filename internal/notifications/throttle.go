package notifications

import (
	"context"
	"sync"
	"time"

	"lectern/internal/cache"
	"lectern/internal/observability"

	"github.com/redis/go-redis/v9"
)

// Throttle admits at most one typing broadcast per (user, conversation)
// per interval.
type Throttle interface {
	Allow(ctx context.Context, userID, conversationID string) bool
}

// MemoryThrottle is the in-process Throttle.
type MemoryThrottle struct {
	mu    sync.Mutex
	gap   time.Duration
	last  map[string]time.Time
	now   func() time.Time
	calls int
}

// NewMemoryThrottle creates a throttle with the given minimum gap.
func NewMemoryThrottle(gap time.Duration) *MemoryThrottle {
	return &MemoryThrottle{gap: gap, last: make(map[string]time.Time), now: time.Now}
}

// SetClock replaces the time source.
func (t *MemoryThrottle) SetClock(now func() time.Time) {
	t.mu.Lock()
	t.now = now
	t.mu.Unlock()
}

func (t *MemoryThrottle) Allow(_ context.Context, userID, conversationID string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	now := t.now()
	t.calls++
	if t.calls%sweepEvery == 0 {
		for k, at := range t.last {
			if now.Sub(at) >= t.gap {
				delete(t.last, k)
			}
		}
	}

	key := cache.TypingThrottleKey(userID, conversationID)
	if at, ok := t.last[key]; ok && now.Sub(at) < t.gap {
		return false
	}
	t.last[key] = now
	return true
}

const sweepEvery = 1024

// RedisThrottle shares the throttle across instances with SET NX PX. It
// admits the event when Redis is unreachable.
type RedisThrottle struct {
	rdb *redis.Client
	gap time.Duration
}

// NewRedisThrottle creates a Redis-backed throttle.
func NewRedisThrottle(rdb *redis.Client, gap time.Duration) *RedisThrottle {
	return &RedisThrottle{rdb: rdb, gap: gap}
}

func (t *RedisThrottle) Allow(ctx context.Context, userID, conversationID string) bool {
	ok, err := t.rdb.SetNX(ctx, cache.TypingThrottleKey(userID, conversationID), 1, t.gap).Result()
	if err != nil {
		observability.RedisErrorRate.WithLabelValues("typing_throttle").Inc()
		return true
	}
	return ok
}
