package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics for the chat fabric and the debate orchestrator.
//
// Naming convention: namespace_subsystem_name
// - namespace: parley (application-level grouping)
// - subsystem: websocket, room, debate, provider, redis
//
// Metric Types:
// - Gauge: current state (connections, rooms, debates)
// - Counter: cumulative events (frames routed, denials, turns)
// - Histogram: latency distributions (frame processing, provider calls)

var (
	// ActiveConnections tracks the current number of live WebSocket sessions.
	ActiveConnections = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "parley",
		Subsystem: "websocket",
		Name:      "connections_active",
		Help:      "Current number of active WebSocket sessions",
	})

	// ActiveRooms tracks rooms with at least one local session.
	ActiveRooms = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "parley",
		Subsystem: "room",
		Name:      "rooms_active",
		Help:      "Current number of rooms with local sessions",
	})

	// FramesRouted counts inbound frames by type and routing outcome.
	FramesRouted = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "parley",
		Subsystem: "websocket",
		Name:      "frames_total",
		Help:      "Total inbound frames processed",
	}, []string{"frame_type", "status"})

	// FrameProcessingDuration tracks router pipeline latency per frame type.
	FrameProcessingDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "parley",
		Subsystem: "websocket",
		Name:      "frame_processing_seconds",
		Help:      "Time spent routing inbound frames",
		Buckets:   []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1},
	}, []string{"frame_type"})

	// RateLimitDenials counts message publishes rejected by the room bucket.
	RateLimitDenials = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "parley",
		Subsystem: "room",
		Name:      "rate_limit_denials_total",
		Help:      "Messages denied by the per-room token bucket",
	}, []string{"room_id"})

	// RateLimitExceeded counts HTTP/WS-connect edge limit rejections.
	RateLimitExceeded = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "parley",
		Subsystem: "http",
		Name:      "rate_limit_exceeded_total",
		Help:      "Requests rejected by the HTTP edge rate limiter",
	}, []string{"endpoint", "limit_type"})

	// ActiveDebates tracks debates currently in the running state.
	ActiveDebates = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "parley",
		Subsystem: "debate",
		Name:      "debates_active",
		Help:      "Current number of running debates",
	})

	// DebatesStarted counts debates successfully started.
	DebatesStarted = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "parley",
		Subsystem: "debate",
		Name:      "debates_started_total",
		Help:      "Total debates started",
	})

	// DebatesCompleted counts debate terminations by reason.
	DebatesCompleted = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "parley",
		Subsystem: "debate",
		Name:      "debates_completed_total",
		Help:      "Total debates terminated, by reason",
	}, []string{"reason"})

	// ProviderCallDuration tracks per-provider turn latency.
	ProviderCallDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "parley",
		Subsystem: "provider",
		Name:      "call_seconds",
		Help:      "Language-model provider call latency",
		Buckets:   []float64{.1, .25, .5, 1, 2.5, 5, 10, 15},
	}, []string{"provider", "status"})

	// ProviderTokens counts tokens reported by providers.
	ProviderTokens = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "parley",
		Subsystem: "provider",
		Name:      "tokens_total",
		Help:      "Total tokens reported by provider responses",
	}, []string{"provider"})

	// CircuitBreakerState reports the backplane breaker state (0 closed, 1 open, 2 half-open).
	CircuitBreakerState = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "parley",
		Subsystem: "redis",
		Name:      "circuit_breaker_state",
		Help:      "Circuit breaker state (0=closed, 1=open, 2=half-open)",
	}, []string{"name"})

	// CircuitBreakerFailures counts operations dropped while the breaker is open.
	CircuitBreakerFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "parley",
		Subsystem: "redis",
		Name:      "circuit_breaker_failures_total",
		Help:      "Operations rejected by an open circuit breaker",
	}, []string{"name"})
)

func IncConnection() {
	ActiveConnections.Inc()
}

func DecConnection() {
	ActiveConnections.Dec()
}
