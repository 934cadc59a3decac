package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// SequenceProposed tracks pending sequences created (pairing or session).
	SequenceProposed = promauto.With(Registry).NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "sequence",
			Name:      "proposed_total",
			Help:      "Total number of sequences proposed",
		},
		[]string{"kind"}, // pairing, session
	)

	// SequenceSettled tracks pending sequences that reached settled state.
	SequenceSettled = promauto.With(Registry).NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "sequence",
			Name:      "settled_total",
			Help:      "Total number of sequences that settled",
		},
		[]string{"kind"},
	)

	// SequenceRejected tracks sequences rejected by the responder.
	SequenceRejected = promauto.With(Registry).NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "sequence",
			Name:      "rejected_total",
			Help:      "Total number of sequences rejected",
		},
		[]string{"kind"},
	)

	// SequenceExpired tracks pending sequences that expired unsettled.
	SequenceExpired = promauto.With(Registry).NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "sequence",
			Name:      "expired_total",
			Help:      "Total number of pending sequences that expired before settling",
		},
		[]string{"kind"},
	)

	// SequenceActive tracks currently settled sequences.
	SequenceActive = promauto.With(Registry).NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "sequence",
			Name:      "active",
			Help:      "Number of currently settled sequences",
		},
		[]string{"kind"},
	)

	// SequenceUpgrades tracks permission upgrades applied by a controller.
	SequenceUpgrades = promauto.With(Registry).NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "sequence",
			Name:      "upgrades_total",
			Help:      "Total number of permission upgrades applied to settled sequences",
		},
		[]string{"kind"},
	)

	// SequenceUpdates tracks participant state updates.
	SequenceUpdates = promauto.With(Registry).NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "sequence",
			Name:      "updates_total",
			Help:      "Total number of state updates applied to settled sequences",
		},
		[]string{"kind"},
	)

	// SequenceRequestDuration tracks request/response round trips issued
	// through a settled session sequence.
	SequenceRequestDuration = promauto.With(Registry).NewHistogram(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "sequence",
			Name:      "request_duration_seconds",
			Help:      "Duration of session request/response round trips",
			Buckets:   prometheus.ExponentialBuckets(0.001, 2, 16),
		},
	)
)
