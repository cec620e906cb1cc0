package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics for the collaboration server.
//
// Naming convention: namespace_subsystem_name
// - namespace: driftsync (application-level grouping)
// - subsystem: websocket, room, presence, storage (feature-level grouping)
// - name: specific metric (connections_active, events_total, etc.)
//
// Metric Types:
// - Gauge: Current state (connections, rooms, members)
// - Counter: Cumulative events (messages processed, errors)
// - Histogram: Latency distributions (processing time)

var (
	// ActiveWebSocketConnections tracks the current number of open client connections.
	ActiveWebSocketConnections = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "driftsync",
		Subsystem: "websocket",
		Name:      "connections_active",
		Help:      "Current number of active WebSocket connections",
	})

	// ActiveRooms tracks the current number of live rooms.
	ActiveRooms = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "driftsync",
		Subsystem: "room",
		Name:      "rooms_active",
		Help:      "Current number of active rooms",
	})

	// RoomMembers tracks the member count per room.
	RoomMembers = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "driftsync",
		Subsystem: "room",
		Name:      "members_count",
		Help:      "Number of members in each room",
	}, []string{"room_id"})

	// WebsocketEvents counts processed client messages by type and outcome.
	WebsocketEvents = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "driftsync",
		Subsystem: "websocket",
		Name:      "events_total",
		Help:      "Total WebSocket events processed",
	}, []string{"event_type", "status"})

	// MessageProcessingDuration tracks handler latency per message type.
	MessageProcessingDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "driftsync",
		Subsystem: "websocket",
		Name:      "message_processing_seconds",
		Help:      "Time spent processing WebSocket messages",
		Buckets:   []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1},
	}, []string{"event_type"})

	// OperationsApplied counts CRDT operations applied to room state.
	OperationsApplied = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "driftsync",
		Subsystem: "room",
		Name:      "operations_total",
		Help:      "Total CRDT operations applied",
	}, []string{"op_type"})

	// PresenceReaps counts stale presence entries removed by the reaper.
	PresenceReaps = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "driftsync",
		Subsystem: "presence",
		Name:      "stale_reaped_total",
		Help:      "Total stale presence entries removed",
	})

	// FunctionCalls counts dispatched server functions by outcome.
	FunctionCalls = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "driftsync",
		Subsystem: "websocket",
		Name:      "function_calls_total",
		Help:      "Total server function calls dispatched",
	}, []string{"status"})

	// CircuitBreakerState exposes breaker state per dependency
	// (0 closed, 1 open, 2 half-open).
	CircuitBreakerState = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "driftsync",
		Subsystem: "storage",
		Name:      "circuit_breaker_state",
		Help:      "Circuit breaker state (0=closed, 1=open, 2=half-open)",
	}, []string{"name"})
)

func IncConnection() {
	ActiveWebSocketConnections.Inc()
}

func DecConnection() {
	ActiveWebSocketConnections.Dec()
}
