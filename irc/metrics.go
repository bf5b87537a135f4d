package irc

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Registry is the Prometheus registry used by this package.
	Registry = prometheus.NewRegistry()

	// ConnectionsLive tracks connections by lifecycle state.
	ConnectionsLive = promauto.With(Registry).NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "irc_connections_live",
			Help: "Number of live IRC connections by status",
		},
		[]string{"status"},
	)

	// MessagesDelivered counts structured messages handed to subscribers.
	MessagesDelivered = promauto.With(Registry).NewCounterVec(
		prometheus.CounterOpts{
			Name: "irc_messages_delivered_total",
			Help: "Structured messages delivered to subscribers by type",
		},
		[]string{"type"},
	)

	// MessagesDropped counts messages dropped for slow subscribers.
	MessagesDropped = promauto.With(Registry).NewCounter(
		prometheus.CounterOpts{
			Name: "irc_messages_dropped_total",
			Help: "Messages dropped because a subscriber buffer was full",
		},
	)

	// ParseErrors counts lines the wire codec rejected.
	ParseErrors = promauto.With(Registry).NewCounter(
		prometheus.CounterOpts{
			Name: "irc_parse_errors_total",
			Help: "Inbound lines that failed IRC message parsing",
		},
	)
)
