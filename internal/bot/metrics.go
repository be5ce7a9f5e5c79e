// Package bot contains the event loop that drives the TOTP bot. This file
// exposes Prometheus instrumentation for the loop. Label cardinality is kept
// low: event results and command outcomes are small fixed sets.
package bot

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	// eventsTotal counts inbound events by how the loop resolved them.
	// result: handled|dropped|error
	eventsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "bot_events_total",
			Help: "Total number of inbound chat events by result.",
		},
		[]string{"result"},
	)

	// commandsTotal counts parsed commands by kind and outcome.
	// kind: help|generate; outcome: replied|delivered|denied|failed
	commandsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "bot_commands_total",
			Help: "Total number of bot commands by kind and outcome.",
		},
		[]string{"kind", "outcome"},
	)

	// oracleDuration records latency of code-oracle fetches.
	oracleDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "bot_oracle_request_duration_seconds",
			Help:    "Duration of code-oracle fetches in seconds.",
			Buckets: prometheus.DefBuckets,
		},
	)

	// pollFailures counts failed event-retrieval calls (queue expiry excluded).
	pollFailures = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "bot_poll_failures_total",
			Help: "Total number of failed event-poll calls.",
		},
	)
)

func init() {
	prometheus.MustRegister(eventsTotal, commandsTotal, oracleDuration, pollFailures)
}

func observeOracle(start time.Time) {
	oracleDuration.Observe(time.Since(start).Seconds())
}
