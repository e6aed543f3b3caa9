// Package metrics exposes the coordinator's Prometheus instrumentation.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

var (
	// WritesTotal counts coordinator writes by operation and outcome.
	// Outcomes: replicated (both nodes), pending (one node + log entry),
	// failed (no node took the write).
	WritesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "titledb",
			Name:      "writes_total",
			Help:      "Coordinator write requests by operation and outcome.",
		},
		[]string{"op", "outcome"},
	)

	// FallbacksTotal counts writes that landed on central because the
	// primary fragment was unavailable.
	FallbacksTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "titledb",
			Name:      "fallbacks_total",
			Help:      "Writes committed on central after a primary fragment failure.",
		},
	)

	// ReplaysTotal counts recovery replays by outcome: success, failed,
	// retry (left pending), skipped (target offline).
	ReplaysTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "titledb",
			Name:      "replays_total",
			Help:      "Replication log replays by outcome.",
		},
		[]string{"outcome"},
	)

	// PendingReplications is the total pending entry count across sources,
	// refreshed on each summary query and reconciler cycle.
	PendingReplications = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "titledb",
			Name:      "pending_replications",
			Help:      "Replication log entries still awaiting replay.",
		},
	)
)

func init() {
	prometheus.MustRegister(WritesTotal, FallbacksTotal, ReplaysTotal, PendingReplications)
}
