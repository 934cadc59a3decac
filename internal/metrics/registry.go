// Package metrics exposes the Prometheus counters, gauges and histograms
// shared by the relayer, the sequence engine and the subscription store.
// Every exported metric is registered against Registry so a single
// /metrics endpoint (see Handler) reports the whole client.
package metrics

import "github.com/prometheus/client_golang/prometheus"

const namespace = "wcrelay"

// Registry is the Prometheus registry every metric in this package binds
// to. A dedicated registry (rather than the global default) keeps a demo
// process that embeds this client from also reporting Go runtime metrics
// unless the caller opts in.
var Registry = prometheus.NewRegistry()
