// Package metrics exposes Prometheus collectors for the broker.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// WebSocket Metrics
	WSConnections = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "websocket_connections",
			Help: "Current number of active WebSocket connections",
		},
	)

	WSRooms = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "websocket_rooms",
			Help: "Current number of rooms with at least one member",
		},
	)

	WSMessagesReceived = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "websocket_messages_received_total",
			Help: "Total number of inbound events by name",
		},
		[]string{"event"},
	)

	WSFramesDelivered = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "websocket_frames_delivered_total",
			Help: "Total number of frames queued to room members by event name",
		},
		[]string{"event"},
	)

	WSSlowClientsEvicted = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "websocket_slow_clients_evicted_total",
			Help: "Total number of clients disconnected because their send buffer was full",
		},
	)

	// Relay Metrics
	RelayEventsRelayed = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "relay_events_relayed_total",
			Help: "Total number of outbound events broadcast by the relay",
		},
		[]string{"event"},
	)

	RelayEventsDropped = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "relay_events_dropped_total",
			Help: "Total number of inbound events dropped by the relay",
		},
		[]string{"event", "reason"},
	)

	// Bus Metrics
	BusPublishes = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "room_bus_publishes_total",
			Help: "Total number of frames published to the room bus",
		},
		[]string{"driver", "result"},
	)

	BusDeliveries = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "room_bus_deliveries_total",
			Help: "Total number of frames received from the room bus",
		},
		[]string{"driver"},
	)
)

// Drop reasons used with RelayEventsDropped.
const (
	DropReasonUnknownEvent   = "unknown_event"
	DropReasonInvalidPayload = "invalid_payload"
	DropReasonForbidden      = "forbidden"
	DropReasonRateLimited    = "rate_limited"
	DropReasonBroadcast      = "broadcast_failed"
)

// Handler returns the HTTP handler serving the default registry.
func Handler() http.Handler {
	return promhttp.Handler()
}
