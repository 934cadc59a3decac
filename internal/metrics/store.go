package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// StoreEntries tracks the number of entries currently held by a
	// subscription store.
	StoreEntries = promauto.With(Registry).NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "store",
			Name:      "entries",
			Help:      "Number of entries currently held by a subscription store",
		},
		[]string{"store"},
	)

	// StoreEvents tracks created/updated/deleted/sync events emitted by a
	// subscription store.
	StoreEvents = promauto.With(Registry).NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "store",
			Name:      "events_total",
			Help:      "Total number of events emitted by a subscription store",
		},
		[]string{"store", "event"}, // created, updated, deleted, sync
	)

	// StoreRestoreErrors tracks failures encountered while restoring a
	// store from its persisted cache on startup.
	StoreRestoreErrors = promauto.With(Registry).NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "store",
			Name:      "restore_errors_total",
			Help:      "Total number of errors encountered restoring a store from persisted state",
		},
		[]string{"store"},
	)
)
