// Package bootstrap connects the process-wide database and Redis clients.
package bootstrap

import (
	"context"
	"fmt"
	"log/slog"

	"lectern/internal/cache"
	"lectern/internal/config"
	"lectern/internal/database"
	"lectern/internal/middleware"
	"lectern/internal/models"
	"lectern/internal/seed"

	"github.com/redis/go-redis/v9"
	"gorm.io/gorm"
)

// InitRuntime connects to DB and Redis. The Redis client is nil when no
// REDIS_URL is configured or the server is unreachable.
func InitRuntime(ctx context.Context, cfg *config.Config) (*gorm.DB, *redis.Client, error) {
	db, err := database.Connect(cfg)
	if err != nil {
		return nil, nil, fmt.Errorf("database connection failed: %w", err)
	}

	cache.InitRedis(cfg.RedisURL)
	r := cache.GetClient()

	if err := seedDevFixtures(ctx, cfg, db); err != nil {
		return nil, nil, fmt.Errorf("failed to seed development fixtures: %w", err)
	}
	return db, r, nil
}

// seedDevFixtures loads DEV_SEED_FIXTURES into an empty development
// database. It never runs in production or against a database with users.
func seedDevFixtures(ctx context.Context, cfg *config.Config, db *gorm.DB) error {
	if cfg == nil || db == nil || cfg.DevSeedFixtures == "" || cfg.IsProduction() {
		return nil
	}

	var users int64
	if err := db.WithContext(ctx).Model(&models.User{}).Count(&users).Error; err != nil {
		return err
	}
	if users > 0 {
		return nil
	}

	fx, err := seed.LoadFixtures(cfg.DevSeedFixtures)
	if err != nil {
		return err
	}
	res, err := seed.NewSeeder(db).ApplyFixtures(ctx, fx)
	if err != nil {
		return err
	}
	middleware.Logger.Info("development fixtures seeded",
		slog.String("path", cfg.DevSeedFixtures),
		slog.Int("users", res.Users),
		slog.Int("conversations", res.Conversations),
		slog.Int("messages", res.Messages),
	)
	return nil
}
