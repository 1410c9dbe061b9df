package cache

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"lectern/internal/observability"

	"github.com/redis/go-redis/v9"
)

// Load reads key into dest. It reports false on a miss, when Redis is not
// configured, and for an entry that no longer decodes, which is dropped.
func Load(ctx context.Context, key string, dest any) (bool, error) {
	if client == nil {
		return false, nil
	}
	raw, err := client.Get(ctx, key).Bytes()
	switch {
	case errors.Is(err, redis.Nil):
		return false, nil
	case err != nil:
		return false, err
	}
	if err := json.Unmarshal(raw, dest); err != nil {
		client.Del(ctx, key)
		return false, nil
	}
	return true, nil
}

// Store writes v under key for ttl. It is a no-op without Redis.
func Store(ctx context.Context, key string, v any, ttl time.Duration) error {
	if client == nil {
		return nil
	}
	raw, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return client.Set(ctx, key, raw, ttl).Err()
}

// Aside returns the cached value for key, or calls fetch and caches its
// result. Redis failures degrade to calling fetch; fetch errors are
// returned and never cached. kind labels the hit/miss metric.
func Aside[T any](ctx context.Context, kind, key string, ttl time.Duration, fetch func(context.Context) (T, error)) (T, error) {
	var cached T
	if ok, err := Load(ctx, key, &cached); err == nil && ok {
		observability.CacheLookups.WithLabelValues(kind, "hit").Inc()
		return cached, nil
	}
	observability.CacheLookups.WithLabelValues(kind, "miss").Inc()

	v, err := fetch(ctx)
	if err != nil {
		return v, err
	}
	_ = Store(ctx, key, v, ttl)
	return v, nil
}
