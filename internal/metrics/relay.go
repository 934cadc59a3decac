package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// RelayPublishes tracks publish calls made to the relay.
	RelayPublishes = promauto.With(Registry).NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "relay",
			Name:      "publishes_total",
			Help:      "Total number of messages published to the relay",
		},
		[]string{"status"}, // ack, error
	)

	// RelaySubscriptions tracks the current number of active relay
	// subscriptions held by this client.
	RelaySubscriptions = promauto.With(Registry).NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "relay",
			Name:      "subscriptions_active",
			Help:      "Number of topics currently subscribed to on the relay",
		},
	)

	// RelayReconnects counts transport reconnect attempts.
	RelayReconnects = promauto.With(Registry).NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "relay",
			Name:      "reconnects_total",
			Help:      "Total number of relay transport reconnect attempts",
		},
		[]string{"status"}, // success, failure
	)

	// RelayMessageLatency tracks round-trip time of relay JSON-RPC calls.
	RelayMessageLatency = promauto.With(Registry).NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "relay",
			Name:      "message_duration_seconds",
			Help:      "Duration of relay publish/subscribe/unsubscribe round trips",
			Buckets:   prometheus.ExponentialBuckets(0.001, 2, 14), // 1ms to ~8s
		},
		[]string{"method"},
	)

	// RelayInboundMessages counts subscription pushes dispatched to
	// listeners.
	RelayInboundMessages = promauto.With(Registry).NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "relay",
			Name:      "inbound_messages_total",
			Help:      "Total number of subscription push messages received from the relay",
		},
		[]string{"tag"},
	)
)
