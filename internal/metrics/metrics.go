// Package metrics provides Prometheus metrics for hush. Labels carry only
// enumerations; principal ids and text never appear.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "hush"

var (
	// SubmissionsTotal tracks mood and message submissions by result
	SubmissionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "pipeline",
			Name:      "submissions_total",
			Help:      "Total number of submissions by kind and result",
		},
		[]string{"kind", "result"},
	)

	// LeakDetections tracks identity-leak categories detected
	LeakDetections = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "safety",
			Name:      "leak_detections_total",
			Help:      "Identity-leak detections by category",
		},
		[]string{"category"},
	)

	// MatchDecisions tracks matching outcomes
	MatchDecisions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "matching",
			Name:      "decisions_total",
			Help:      "Matching decisions by outcome, mode and reason",
		},
		[]string{"outcome", "mode", "reason"},
	)

	// GhostMessages tracks scheduler results
	GhostMessages = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "ghost",
			Name:      "messages_total",
			Help:      "Messages handled by the ghost scheduler by result",
		},
		[]string{"result"},
	)

	// GhostTickDuration tracks scheduler tick duration
	GhostTickDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "ghost",
			Name:      "tick_duration_seconds",
			Help:      "Duration of ghost scheduler ticks in seconds",
			Buckets:   []float64{0.005, 0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5},
		},
	)

	// GhostTickErrors tracks failed or panicked ticks
	GhostTickErrors = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "ghost",
			Name:      "tick_errors_total",
			Help:      "Ghost scheduler ticks that failed or panicked",
		},
	)

	// SecondTouch tracks offer and send results
	SecondTouch = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "second_touch",
			Name:      "results_total",
			Help:      "Second-touch offer and send results by reason",
		},
		[]string{"op", "reason"},
	)

	// TuningAdjustments tracks tuning loop decisions
	TuningAdjustments = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "tuning",
			Name:      "adjustments_total",
			Help:      "Health tuning loop runs by direction",
		},
		[]string{"direction"},
	)

	// HealthRatio is the last observed acknowledgement health ratio
	HealthRatio = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "tuning",
			Name:      "health_ratio",
			Help:      "Last observed positive-ack / delivered ratio",
		},
	)

	// EventsEmitted tracks event emission by sink and status
	EventsEmitted = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "events",
			Name:      "emitted_total",
			Help:      "Events emitted by name and status",
		},
		[]string{"name", "status"},
	)

	// KVFailures tracks KV store errors by caller
	KVFailures = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "kv",
			Name:      "failures_total",
			Help:      "KV store failures by caller and policy",
		},
		[]string{"caller", "policy"},
	)

	// HTTPRequestsTotal tracks ops HTTP requests
	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "Ops HTTP requests by route and status",
		},
		[]string{"route", "status_code"},
	)
)

// RecordSubmission records a pipeline submission.
func RecordSubmission(kind, result string) {
	SubmissionsTotal.WithLabelValues(kind, result).Inc()
}

// RecordLeak records one detected leak category.
func RecordLeak(category string) {
	LeakDetections.WithLabelValues(category).Inc()
}

// RecordMatch records a matching decision.
func RecordMatch(outcome, mode, reason string) {
	if reason == "" {
		reason = "none"
	}
	MatchDecisions.WithLabelValues(outcome, mode, reason).Inc()
}

// RecordGhostTick records one scheduler tick.
func RecordGhostTick(delivered, deferred int, durationSeconds float64) {
	GhostMessages.WithLabelValues("delivered").Add(float64(delivered))
	GhostMessages.WithLabelValues("deferred").Add(float64(deferred))
	GhostTickDuration.Observe(durationSeconds)
}

// RecordSecondTouch records an offer or send result.
func RecordSecondTouch(op, reason string) {
	if reason == "" {
		reason = "ok"
	}
	SecondTouch.WithLabelValues(op, reason).Inc()
}

// RecordTuning records a tuning run.
func RecordTuning(direction string, ratio float64) {
	TuningAdjustments.WithLabelValues(direction).Inc()
	HealthRatio.Set(ratio)
}

// RecordEvent records an event emission.
func RecordEvent(name, status string) {
	EventsEmitted.WithLabelValues(name, status).Inc()
}

// RecordKVFailure records a KV failure and the policy applied.
func RecordKVFailure(caller, policy string) {
	KVFailures.WithLabelValues(caller, policy).Inc()
}

// RecordHTTPRequest records an ops request.
func RecordHTTPRequest(route, statusCode string) {
	HTTPRequestsTotal.WithLabelValues(route, statusCode).Inc()
}
