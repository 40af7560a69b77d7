package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Connections tracks currently open websocket connections
	Connections = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "realtime_connections",
			Help: "Number of open realtime connections",
		},
	)

	// ConnectionsRejected counts handshakes refused before upgrade
	ConnectionsRejected = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "realtime_connections_rejected_total",
			Help: "Total number of refused realtime handshakes by reason",
		},
		[]string{"reason"},
	)

	// RoomJoins counts room subscription attempts by room kind and result
	RoomJoins = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "realtime_room_joins_total",
			Help: "Total number of room join attempts by kind and result",
		},
		[]string{"kind", "result"},
	)

	// CallAuthorizations counts call signaling gate checks by result
	CallAuthorizations = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "realtime_call_authorizations_total",
			Help: "Total number of call signaling authorization checks by result",
		},
		[]string{"result"},
	)

	// EventsEmitted counts envelopes handed to the hub by event name
	EventsEmitted = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "realtime_events_emitted_total",
			Help: "Total number of emitted realtime events",
		},
		[]string{"event"},
	)

	// EventsDropped counts inbound or outbound events that were discarded
	EventsDropped = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "realtime_events_dropped_total",
			Help: "Total number of dropped realtime events by reason",
		},
		[]string{"reason"},
	)

	// PresenceTasks tracks tasks with at least one collaborator
	PresenceTasks = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "realtime_presence_tasks",
			Help: "Number of tasks with active collaboration presence",
		},
	)

	// SystemMessages counts synthesized call system messages
	SystemMessages = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "realtime_system_messages_total",
			Help: "Total number of call system messages by kind and result",
		},
		[]string{"kind", "result"},
	)
)

const (
	ResultAllowed = "allowed"
	ResultDenied  = "denied"
	ResultOK      = "ok"
	ResultFailed  = "failed"
)
