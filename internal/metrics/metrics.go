// Package metrics provides Prometheus instrumentation for the marketplace
// chat synchronizer and the dev backend. It exposes counters for message
// traffic and delivery fallback, plus gauges for connection and room state.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// SocketConnects counts successful WebSocket handshakes, labeled by
	// kind: "initial" or "reconnect".
	SocketConnects = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "marketchat_socket_connects_total",
		Help: "Successful WebSocket connections",
	}, []string{"kind"})

	// ReconnectFailures counts reconnect attempts that did not reach a
	// successful handshake.
	ReconnectFailures = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "marketchat_reconnect_failures_total",
		Help: "Failed reconnect attempts",
	})

	// MessagesSent counts outgoing messages, labeled by delivery path:
	// "socket" or "rest".
	MessagesSent = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "marketchat_messages_sent_total",
		Help: "Outgoing chat messages by delivery path",
	}, []string{"path"})

	// SendFailures counts outgoing messages that could not be delivered on
	// any path and were marked failed in the store.
	SendFailures = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "marketchat_send_failures_total",
		Help: "Outgoing chat messages marked failed",
	})

	// MessagesIngested counts server messages merged into the local store,
	// labeled by source: "socket" or "rest".
	MessagesIngested = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "marketchat_messages_ingested_total",
		Help: "Server messages merged into the local store",
	}, []string{"source"})

	// DuplicatesDiscarded counts messages dropped by the store's idempotent
	// merge because their ID was already present.
	DuplicatesDiscarded = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "marketchat_duplicates_discarded_total",
		Help: "Messages discarded by de-duplication",
	})

	// JoinedRooms tracks the number of conversations the session is currently
	// a member of.
	JoinedRooms = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "marketchat_joined_rooms",
		Help: "Conversations currently joined",
	})

	// TypingEvents counts typing indicator events, labeled by direction:
	// "sent" or "received".
	TypingEvents = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "marketchat_typing_events_total",
		Help: "Typing indicator events",
	}, []string{"direction"})

	// ServerConnections tracks active WebSocket connections on the dev
	// backend.
	ServerConnections = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "marketchat_server_connections",
		Help: "Active WebSocket connections on the dev backend",
	})

	// ServerMessages counts messages handled by the dev backend, labeled by
	// origin: "socket" or "rest".
	ServerMessages = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "marketchat_server_messages_total",
		Help: "Messages stored by the dev backend",
	}, []string{"origin"})
)

func init() {
	prometheus.MustRegister(
		SocketConnects,
		ReconnectFailures,
		MessagesSent,
		SendFailures,
		MessagesIngested,
		DuplicatesDiscarded,
		JoinedRooms,
		TypingEvents,
		ServerConnections,
		ServerMessages,
	)
}

// Handler returns the Prometheus metrics HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}
