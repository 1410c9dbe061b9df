// Package database handles database connections and migrations.
package database

import (
	"fmt"
	"log/slog"
	"time"

	"lectern/internal/config"
	"lectern/internal/middleware"

	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// DB is the global database connection instance.
var DB *gorm.DB

var readDB *gorm.DB

// Now is the timestamp source used for every persisted time: UTC with
// microsecond precision, matching what PostgreSQL stores.
func Now() time.Time {
	return time.Now().UTC().Truncate(time.Microsecond)
}

func gormConfig() *gorm.Config {
	return &gorm.Config{
		Logger:         newQueryLogger(200*time.Millisecond, logger.Warn),
		NowFunc:        Now,
		TranslateError: true,
		// Users are provisioned by the host platform, so rows here may
		// reference ids that have no local users row yet.
		DisableForeignKeyConstraintWhenMigrating: true,
	}
}

func postgresDSN(host, port string, cfg *config.Config) string {
	sslMode := cfg.DBSSLMode
	if sslMode == "" {
		sslMode = "disable"
	}
	return fmt.Sprintf(
		"host=%s port=%s user=%s password=%s dbname=%s sslmode=%s TimeZone=UTC",
		host, port, cfg.DBUser, cfg.DBPassword, cfg.DBName, sslMode,
	)
}

// Connect opens a database connection using the provided configuration and returns the gorm DB instance.
func Connect(cfg *config.Config) (*gorm.DB, error) {
	var (
		dbInstance *gorm.DB
		err        error
	)

	switch cfg.DBDriver {
	case "sqlite":
		dbInstance, err = OpenSQLite(cfg.DBSQLitePath)
	default:
		dbInstance, err = gorm.Open(postgres.Open(postgresDSN(cfg.DBHost, cfg.DBPort, cfg)), gormConfig())
	}
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	middleware.Logger.Info("Database connected successfully", slog.String("driver", cfg.DBDriver))

	if !cfg.IsProduction() {
		// Keep AutoMigrate in non-production for developer/test ergonomics.
		if err := Migrate(dbInstance); err != nil {
			return nil, err
		}
		middleware.Logger.Info("Database migration completed")
	}

	if cfg.DBDriver != "sqlite" {
		configurePool(dbInstance)
	}

	if cfg.DBDriver == "postgres" && cfg.DBReadHost != "" {
		replica, rerr := gorm.Open(postgres.Open(postgresDSN(cfg.DBReadHost, cfg.DBReadPort, cfg)), gormConfig())
		if rerr != nil {
			middleware.Logger.Warn("Read replica unavailable, using primary", slog.String("error", rerr.Error()))
		} else {
			configurePool(replica)
			readDB = replica
		}
	}

	DB = dbInstance
	return DB, nil
}

// OpenSQLite opens a SQLite database (":memory:" for tests) and migrates it.
// The pool is pinned to one connection so an in-memory database is shared
// by every query.
func OpenSQLite(path string) (*gorm.DB, error) {
	if path == "" {
		path = ":memory:"
	}
	db, err := gorm.Open(sqlite.Open(path), gormConfig())
	if err != nil {
		return nil, err
	}
	sqlDB, err := db.DB()
	if err != nil {
		return nil, err
	}
	sqlDB.SetMaxOpenConns(1)

	if err := Migrate(db); err != nil {
		return nil, err
	}
	return db, nil
}

// Migrate creates or updates the schema, including the indexes AutoMigrate
// cannot express.
func Migrate(db *gorm.DB) error {
	if err := db.AutoMigrate(PersistentModels()...); err != nil {
		return fmt.Errorf("failed to migrate database: %w", err)
	}
	for _, stmt := range indexStatements {
		if err := db.Exec(stmt).Error; err != nil {
			return fmt.Errorf("failed to create index: %w", err)
		}
	}
	return nil
}

func configurePool(db *gorm.DB) {
	sqlDB, err := db.DB()
	if err != nil {
		return
	}
	sqlDB.SetMaxOpenConns(25)
	sqlDB.SetMaxIdleConns(5)
	sqlDB.SetConnMaxLifetime(5 * time.Minute)
}

// GetReadDB returns the read replica when one is configured.
func GetReadDB() *gorm.DB {
	return readDB
}

// SetReadDB overrides the read replica, mainly for tests.
func SetReadDB(db *gorm.DB) {
	readDB = db
}
