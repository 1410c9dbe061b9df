package observability

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// RedisErrorRate counts Redis errors by operation type.
	RedisErrorRate = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "lectern_redis_error_rate_total",
		Help: "Total number of Redis errors by operation type",
	}, []string{"operation"})

	// CacheLookups counts cache-aside reads by kind and result.
	CacheLookups = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "lectern_cache_lookups_total",
		Help: "Cache-aside lookups by kind and result (hit or miss)",
	}, []string{"kind", "result"})

	// DatabaseQueryLatency records database query latency by operation and table.
	DatabaseQueryLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "lectern_database_query_latency_seconds",
		Help:    "Database query latency in seconds",
		Buckets: prometheus.DefBuckets,
	}, []string{"operation", "table"})

	// WebSocketConnectionsTotal is the gauge of total WebSocket connections.
	WebSocketConnectionsTotal = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "lectern_websocket_connections_total",
		Help: "Total number of active WebSocket connections",
	})

	// WebSocketEventsTotal counts inbound gateway events by name and outcome.
	WebSocketEventsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "lectern_websocket_events_total",
		Help: "Total WebSocket events by type",
	}, []string{"event_type", "outcome"})

	// WebSocketBackpressureDrops counts messages dropped due to backpressure by hub and reason.
	WebSocketBackpressureDrops = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "lectern_websocket_backpressure_drops_total",
		Help: "Total number of WebSocket messages dropped due to backpressure",
	}, []string{"hub", "reason"})

	// MessagesPersisted counts persisted messages by kind.
	MessagesPersisted = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "lectern_messages_persisted_total",
		Help: "Total number of messages persisted",
	}, []string{"kind"})

	// RateLimitRejections counts rejected attempts by limited resource.
	RateLimitRejections = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "lectern_rate_limit_rejections_total",
		Help: "Total number of attempts rejected by a rate limiter",
	}, []string{"resource"})

	// TypingDrops counts typing events suppressed by the throttle.
	TypingDrops = promauto.NewCounter(prometheus.CounterOpts{
		Name: "lectern_typing_throttled_total",
		Help: "Total number of typing events dropped by the throttle",
	})

	// CallsActive is the number of call sessions started and not yet ended
	// by this instance.
	CallsActive = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "lectern_calls_active",
		Help: "Number of active call sessions",
	})

	// CallEvents counts call lifecycle transitions.
	CallEvents = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "lectern_call_events_total",
		Help: "Total call lifecycle events",
	}, []string{"event"})
)

// TrackQuery returns a function that records query latency when called (e.g. defer).
func TrackQuery(operation, table string) func() {
	start := time.Now()
	return func() {
		DatabaseQueryLatency.WithLabelValues(operation, table).Observe(time.Since(start).Seconds())
	}
}
