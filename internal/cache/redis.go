// Package cache holds the shared Redis client, its key layout and
// cache-aside helpers.
package cache

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"lectern/internal/middleware"
	"lectern/internal/observability"

	"github.com/redis/go-redis/v9"
)

var client *redis.Client

// errorCounter counts failed commands by name. redis.Nil is a miss, not a
// failure.
type errorCounter struct{}

func (errorCounter) DialHook(next redis.DialHook) redis.DialHook { return next }

func (errorCounter) ProcessHook(next redis.ProcessHook) redis.ProcessHook {
	return func(ctx context.Context, cmd redis.Cmder) error {
		err := next(ctx, cmd)
		countFailure(err, cmd.Name())
		return err
	}
}

func (errorCounter) ProcessPipelineHook(next redis.ProcessPipelineHook) redis.ProcessPipelineHook {
	return func(ctx context.Context, cmds []redis.Cmder) error {
		err := next(ctx, cmds)
		countFailure(err, "pipeline")
		return err
	}
}

func countFailure(err error, op string) {
	if err != nil && !errors.Is(err, redis.Nil) {
		observability.RedisErrorRate.WithLabelValues(op).Inc()
	}
}

// redisOptions accepts a redis:// or rediss:// URL or a bare host:port.
func redisOptions(addr string) (*redis.Options, error) {
	if !strings.Contains(addr, "://") {
		return &redis.Options{Addr: addr}, nil
	}
	opts, err := redis.ParseURL(addr)
	if err != nil {
		return nil, fmt.Errorf("parse REDIS_URL: %w", err)
	}
	return opts, nil
}

// InitRedis connects to addr and installs the client for the package. An
// empty, invalid or unreachable address leaves the client nil: presence,
// fan-out and rate limits then run process-local.
func InitRedis(addr string) *redis.Client {
	client = nil
	if addr == "" {
		return nil
	}
	opts, err := redisOptions(addr)
	if err != nil {
		middleware.Logger.Warn("redis disabled", slog.String("error", err.Error()))
		return nil
	}

	rdb := redis.NewClient(opts)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := rdb.Ping(ctx).Err(); err != nil {
		middleware.Logger.Warn("redis unreachable, running single-instance",
			slog.String("addr", opts.Addr),
			slog.String("error", err.Error()),
		)
		_ = rdb.Close()
		return nil
	}

	SetClient(rdb)
	middleware.Logger.Info("redis connected", slog.String("addr", opts.Addr), slog.Int("db", opts.DB))
	return client
}

// GetClient returns the shared client, or nil without Redis.
func GetClient() *redis.Client {
	return client
}

// SetClient installs rdb as the shared client. Tests pass a miniredis
// client, or nil to disable Redis.
func SetClient(rdb *redis.Client) {
	if rdb != nil {
		rdb.AddHook(errorCounter{})
	}
	client = rdb
}
