package database

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"lectern/internal/middleware"
	"lectern/internal/observability"

	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// queryLogger sends GORM output to the application logger and records
// every statement's latency by verb and table.
type queryLogger struct {
	level         logger.LogLevel
	slowThreshold time.Duration
}

func newQueryLogger(slow time.Duration, level logger.LogLevel) *queryLogger {
	return &queryLogger{level: level, slowThreshold: slow}
}

func (l *queryLogger) LogMode(level logger.LogLevel) logger.Interface {
	cp := *l
	cp.level = level
	return &cp
}

func (l *queryLogger) Info(ctx context.Context, msg string, data ...interface{}) {
	l.printf(ctx, logger.Info, slog.LevelInfo, msg, data)
}

func (l *queryLogger) Warn(ctx context.Context, msg string, data ...interface{}) {
	l.printf(ctx, logger.Warn, slog.LevelWarn, msg, data)
}

func (l *queryLogger) Error(ctx context.Context, msg string, data ...interface{}) {
	l.printf(ctx, logger.Error, slog.LevelError, msg, data)
}

func (l *queryLogger) printf(ctx context.Context, threshold logger.LogLevel, level slog.Level, msg string, data []interface{}) {
	if l.level >= threshold {
		middleware.Logger.Log(ctx, level, fmt.Sprintf(msg, data...))
	}
}

// Trace runs after every statement. Missing rows and unique violations
// are expected outcomes and are not logged as errors.
func (l *queryLogger) Trace(ctx context.Context, begin time.Time, fc func() (string, int64), err error) {
	elapsed := time.Since(begin)
	sql, rows := fc()
	verb, table := statementTarget(sql)
	observability.DatabaseQueryLatency.WithLabelValues(verb, table).Observe(elapsed.Seconds())

	if l.level <= logger.Silent {
		return
	}

	attrs := []slog.Attr{
		slog.String("op", verb),
		slog.String("table", table),
		slog.Int64("rows", rows),
		slog.Duration("elapsed", elapsed),
	}
	switch {
	case err != nil && l.level >= logger.Error &&
		!errors.Is(err, gorm.ErrRecordNotFound) && !errors.Is(err, gorm.ErrDuplicatedKey):
		attrs = append(attrs, slog.String("sql", sql), slog.String("error", err.Error()))
		middleware.Logger.LogAttrs(ctx, slog.LevelError, "query failed", attrs...)
	case l.slowThreshold > 0 && elapsed > l.slowThreshold && l.level >= logger.Warn:
		attrs = append(attrs, slog.String("sql", sql))
		middleware.Logger.LogAttrs(ctx, slog.LevelWarn, "slow query", attrs...)
	case l.level >= logger.Info:
		attrs = append(attrs, slog.String("sql", sql))
		middleware.Logger.LogAttrs(ctx, slog.LevelDebug, "query", attrs...)
	}
}

// statementTarget extracts the lowercased verb and the first table a
// statement touches, e.g. ("select", "messages").
func statementTarget(sql string) (verb, table string) {
	fields := strings.Fields(sql)
	if len(fields) == 0 {
		return "unknown", ""
	}
	verb = strings.ToLower(fields[0])

	var marker string
	switch verb {
	case "select", "delete":
		marker = "from"
	case "insert":
		marker = "into"
	case "update":
		marker = "update"
	default:
		return verb, ""
	}
	for i, f := range fields[:len(fields)-1] {
		if strings.EqualFold(f, marker) {
			return verb, strings.Trim(fields[i+1], "\"`()")
		}
	}
	return verb, ""
}
