// Package observability provides logging, metrics, and tracing.
package observability

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"sync/atomic"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var logger atomic.Pointer[slog.Logger]

func init() {
	logger.Store(slog.New(slog.NewJSONHandler(os.Stdout, nil)))
}

// SetLogger replaces the logger behind RepoLogger and WSLogger. The
// middleware package installs its context-aware logger here.
func SetLogger(l *slog.Logger) {
	if l != nil {
		logger.Store(l)
	}
}

func current() *slog.Logger { return logger.Load() }

// RepositoryErrors counts failed repository operations by table.
var RepositoryErrors = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "lectern_repository_errors_total",
	Help: "Failed repository operations by table and operation",
}, []string{"table", "operation"})

// RepoLogger records repository failures for one table.
type RepoLogger struct {
	table string
}

// NewRepoLogger returns a RepoLogger for table.
func NewRepoLogger(table string) *RepoLogger {
	return &RepoLogger{table: table}
}

// LogError logs and counts err. Cancelled requests are ignored.
func (l *RepoLogger) LogError(ctx context.Context, err error, operation string) {
	if err == nil || errors.Is(err, context.Canceled) {
		return
	}
	RepositoryErrors.WithLabelValues(l.table, operation).Inc()
	current().LogAttrs(ctx, slog.LevelError, "repository error",
		slog.String("table", l.table),
		slog.String("operation", operation),
		slog.String("error", err.Error()),
	)
}

// WSLogger logs connection lifecycle for one realtime component.
type WSLogger struct {
	component string
}

// NewWSLogger returns a WSLogger tagged with component.
func NewWSLogger(component string) *WSLogger {
	return &WSLogger{component: component}
}

// LogConnect records an accepted socket.
func (l *WSLogger) LogConnect(ctx context.Context, userID, connID string) {
	current().LogAttrs(ctx, slog.LevelInfo, "socket connected",
		slog.String("component", l.component),
		slog.String("user_id", userID),
		slog.String("conn_id", connID),
	)
}

// LogDisconnect records a closed socket and why it closed.
func (l *WSLogger) LogDisconnect(ctx context.Context, userID, connID, reason string) {
	current().LogAttrs(ctx, slog.LevelInfo, "socket disconnected",
		slog.String("component", l.component),
		slog.String("user_id", userID),
		slog.String("conn_id", connID),
		slog.String("reason", reason),
	)
}

// LogError records a failed event. room may be empty.
func (l *WSLogger) LogError(ctx context.Context, userID, room string, err error, event string) {
	if err == nil {
		return
	}
	attrs := []slog.Attr{
		slog.String("component", l.component),
		slog.String("event", event),
		slog.String("error", err.Error()),
	}
	if userID != "" {
		attrs = append(attrs, slog.String("user_id", userID))
	}
	if room != "" {
		attrs = append(attrs, slog.String("room", room))
	}
	current().LogAttrs(ctx, slog.LevelError, "socket event failed", attrs...)
}

// LogLifecycle records a component-wide event such as shutdown.
func (l *WSLogger) LogLifecycle(ctx context.Context, event string, attrs ...slog.Attr) {
	attrs = append([]slog.Attr{
		slog.String("component", l.component),
		slog.String("event", event),
	}, attrs...)
	current().LogAttrs(ctx, slog.LevelInfo, "socket lifecycle", attrs...)
}
