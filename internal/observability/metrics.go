package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// ActiveSessions tracks connected client sessions.
	ActiveSessions = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "arena_active_sessions",
			Help: "Number of currently connected client sessions",
		},
	)

	// ActiveRooms tracks rooms that have not finished.
	ActiveRooms = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "arena_active_rooms",
			Help: "Number of open, running or paused rooms",
		},
	)

	// RoomsCreated counts rooms by plugin.
	RoomsCreated = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "arena_rooms_created_total",
			Help: "Total number of rooms created",
		},
		[]string{"plugin"},
	)

	// GamesFinished counts results by plugin and whether both seats played out.
	GamesFinished = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "arena_games_finished_total",
			Help: "Total number of finished games",
		},
		[]string{"plugin", "regular"},
	)

	// ActionsHandled counts submitted actions by outcome.
	ActionsHandled = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "arena_actions_total",
			Help: "Total number of actions submitted to rooms",
		},
		[]string{"outcome"},
	)

	// TurnTimeouts counts soft warnings and hard forfeits.
	TurnTimeouts = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "arena_turn_timeouts_total",
			Help: "Total number of turn timeouts",
		},
		[]string{"kind"},
	)

	// OutboxDropped counts envelopes dropped because a recipient was too slow.
	OutboxDropped = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "arena_outbox_dropped_total",
			Help: "Total number of envelopes dropped on full session outboxes",
		},
	)

	// ProtocolErrors counts malformed inbound messages.
	ProtocolErrors = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "arena_protocol_errors_total",
			Help: "Total number of malformed inbound messages",
		},
	)

	// ActionLatency tracks time spent applying an action under the room lock.
	ActionLatency = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "arena_action_duration_seconds",
			Help:    "Duration of action dispatch inside a room",
			Buckets: []float64{0.0001, 0.0005, 0.001, 0.005, 0.01, 0.05, 0.1},
		},
	)
)

// RecordSessionOpened updates session gauges on connect.
func RecordSessionOpened() {
	ActiveSessions.Inc()
}

// RecordSessionClosed updates session gauges on disconnect.
func RecordSessionClosed() {
	ActiveSessions.Dec()
}

// RecordRoomCreated counts a new room.
func RecordRoomCreated(plugin string) {
	RoomsCreated.WithLabelValues(plugin).Inc()
	ActiveRooms.Inc()
}

// RecordGameFinished counts a finished room.
func RecordGameFinished(plugin string, regular bool) {
	label := "false"
	if regular {
		label = "true"
	}
	GamesFinished.WithLabelValues(plugin, label).Inc()
	ActiveRooms.Dec()
}
