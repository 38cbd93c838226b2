package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Gateway metrics.
//
// Naming convention: namespace_subsystem_name
// - namespace: collab_gateway
// - subsystem: websocket, presence, lock, ratelimit
//
// Gauges carry current state, counters cumulative events, histograms
// latency distributions.

var (
	// ActiveConnections tracks the current number of registered sessions.
	ActiveConnections = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "collab_gateway",
		Subsystem: "websocket",
		Name:      "connections_active",
		Help:      "Current number of active WebSocket connections",
	})

	// ActiveRooms tracks the current number of presence rooms.
	ActiveRooms = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "collab_gateway",
		Subsystem: "presence",
		Name:      "rooms_active",
		Help:      "Current number of active resource rooms",
	})

	// RoomOccupancy tracks members per resource type.
	RoomOccupancy = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "collab_gateway",
		Subsystem: "presence",
		Name:      "room_occupancy",
		Help:      "Number of members per resource room",
	}, []string{"resource_type"})

	// EventsTotal counts inbound frames by event name and outcome.
	EventsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "collab_gateway",
		Subsystem: "websocket",
		Name:      "events_total",
		Help:      "Total WebSocket events processed",
	}, []string{"event", "status"})

	// FrameProcessingDuration measures handler latency per event.
	FrameProcessingDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "collab_gateway",
		Subsystem: "websocket",
		Name:      "frame_processing_seconds",
		Help:      "Time spent processing inbound frames",
		Buckets:   []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1},
	}, []string{"event"})

	// LockOperations counts lock engine calls by operation and outcome.
	LockOperations = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "collab_gateway",
		Subsystem: "lock",
		Name:      "operations_total",
		Help:      "Total lock operations",
	}, []string{"operation", "outcome"})

	// RateLimitDenials counts denied requests by limiter scope.
	RateLimitDenials = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "collab_gateway",
		Subsystem: "ratelimit",
		Name:      "denials_total",
		Help:      "Total rate limited requests",
	}, []string{"scope"})

	// CircuitBreakerState exposes the Redis breaker state (0 closed, 1 open,
	// 2 half-open).
	CircuitBreakerState = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "collab_gateway",
		Subsystem: "redis",
		Name:      "circuit_breaker_state",
		Help:      "Circuit breaker state per backend",
	}, []string{"backend"})

	// CircuitBreakerFailures counts requests rejected by an open breaker.
	CircuitBreakerFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "collab_gateway",
		Subsystem: "redis",
		Name:      "circuit_breaker_failures_total",
		Help:      "Requests dropped by an open circuit breaker",
	}, []string{"backend"})
)

func IncConnection() {
	ActiveConnections.Inc()
}

func DecConnection() {
	ActiveConnections.Dec()
}
