// Package metrics exposes Prometheus instrumentation for the compliance gate.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// DecisionLatency tracks end-to-end decide latency per resulting action.
	DecisionLatency = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "promptgate_decision_latency_seconds",
			Help:    "End-to-end latency of compliance decisions in seconds",
			Buckets: []float64{0.0005, 0.001, 0.0025, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5},
		},
		[]string{"action"},
	)

	// DecisionsTotal counts decisions by action and whether they were served
	// from cache.
	DecisionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "promptgate_decisions_total",
			Help: "Total number of compliance decisions",
		},
		[]string{"action", "source"},
	)

	// DetectorLatency tracks per-detector evaluation latency.
	DetectorLatency = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "promptgate_detector_latency_seconds",
			Help:    "Latency of individual detector evaluations in seconds",
			Buckets: []float64{0.0001, 0.0005, 0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1},
		},
		[]string{"detector"},
	)

	// DetectorErrors counts detector failures by the failure policy applied.
	DetectorErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "promptgate_detector_errors_total",
			Help: "Total number of detector failures",
		},
		[]string{"detector", "policy"},
	)

	// CacheOperations counts cache hits and misses per tier.
	CacheOperations = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "promptgate_cache_operations_total",
			Help: "Cache lookups by tier and result",
		},
		[]string{"tier", "result"},
	)

	// CacheEvictions counts evictions from the local tier.
	CacheEvictions = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "promptgate_cache_evictions_total",
			Help: "Total number of local cache evictions",
		},
	)

	// SharedCacheErrors counts shared-tier backend failures.
	SharedCacheErrors = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "promptgate_shared_cache_errors_total",
			Help: "Total number of shared cache tier errors",
		},
	)

	// RateLimitChecks counts limiter outcomes.
	RateLimitChecks = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "promptgate_ratelimit_checks_total",
			Help: "Rate limiter check outcomes",
		},
		[]string{"result"},
	)

	// BatchSize observes the size of submitted batches.
	BatchSize = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "promptgate_batch_size",
			Help:    "Number of requests per batch",
			Buckets: []float64{1, 2, 5, 10, 25, 50, 100, 250, 500, 1000},
		},
	)

	// MatcherRecencyCache counts recency cache hits and misses in the fuzzy
	// matcher.
	MatcherRecencyCache = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "promptgate_matcher_recency_cache_total",
			Help: "Fuzzy matcher recency cache lookups by result",
		},
		[]string{"result"},
	)

	// ConfigReloads counts configuration reload attempts.
	ConfigReloads = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "promptgate_config_reloads_total",
			Help: "Configuration reload attempts by result",
		},
		[]string{"result"},
	)
)

// RecordDecision records one finished decision.
func RecordDecision(action string, cached bool, seconds float64) {
	source := "computed"
	if cached {
		source = "cache"
	}
	DecisionsTotal.WithLabelValues(action, source).Inc()
	DecisionLatency.WithLabelValues(action).Observe(seconds)
}

// RecordDetector records one detector evaluation.
func RecordDetector(name string, seconds float64) {
	DetectorLatency.WithLabelValues(name).Observe(seconds)
}

// RecordDetectorError records a detector failure handled by the given policy.
func RecordDetectorError(name, policy string) {
	DetectorErrors.WithLabelValues(name, policy).Inc()
}
