// Package metrics exposes Prometheus collectors for the conversation engine.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// TurnsTotal counts processed turns by the mode the turn ended in and
	// the decision path that served it.
	TurnsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "chatfunnel_turns_total",
		Help: "Processed conversation turns by resulting mode and serving cohort.",
	}, []string{"mode", "cohort"})

	// TurnDuration tracks end-to-end turn latency per serving cohort.
	TurnDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "chatfunnel_turn_duration_seconds",
		Help:    "End-to-end turn processing latency.",
		Buckets: prometheus.DefBuckets,
	}, []string{"cohort"})

	// RetrievalFailures counts failed Answer Provider calls.
	RetrievalFailures = promauto.NewCounter(prometheus.CounterOpts{
		Name: "chatfunnel_retrieval_failures_total",
		Help: "Answer Provider calls that failed or timed out.",
	})

	// LeadsCaptured counts lead records created.
	LeadsCaptured = promauto.NewCounter(prometheus.CounterOpts{
		Name: "chatfunnel_leads_captured_total",
		Help: "Leads captured across all chatbots.",
	})

	// ShadowComparisons counts recorded shadow comparison rows.
	ShadowComparisons = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "chatfunnel_shadow_comparisons_total",
		Help: "Shadow-mode comparison rows by agent outcome.",
	}, []string{"agent_outcome"})

	// ShadowAlignment tracks the alignment score distribution.
	ShadowAlignment = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "chatfunnel_shadow_alignment_score",
		Help:    "Alignment score (0-100) of agent versus state-machine turns.",
		Buckets: []float64{0, 25, 50, 75, 90, 100},
	})

	// SessionsSwept counts sessions closed by the expiry sweeper.
	SessionsSwept = promauto.NewCounter(prometheus.CounterOpts{
		Name: "chatfunnel_sessions_swept_total",
		Help: "Sessions closed by the inactivity sweeper.",
	})
)
