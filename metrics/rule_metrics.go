package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Rule metrics cover evaluation outcomes and rule set reloads.
//
// Evaluation labels:
//   - rule_id: The ID of the evaluated rule
//   - result: "match", "no_match", or "error"

var (
	RuleEvaluationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "chainwatch",
			Subsystem: "rules",
			Name:      "evaluations_total",
			Help:      "Total number of rule evaluations",
		},
		[]string{"rule_id", "result"},
	)

	// RuleEvaluationDuration buckets run from 10μs to 100ms; conditions are small.
	RuleEvaluationDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "chainwatch",
			Subsystem: "rules",
			Name:      "evaluation_duration_seconds",
			Help:      "Time spent evaluating a single rule",
			Buckets: []float64{
				0.00001,
				0.00005,
				0.0001,
				0.0005,
				0.001,
				0.005,
				0.01,
				0.1,
			},
		},
		[]string{"rule_id"},
	)

	ActiveRules = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "chainwatch",
			Subsystem: "rules",
			Name:      "active",
			Help:      "Number of rules in the current rule set",
		},
		[]string{"source"},
	)

	RuleReloads = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "chainwatch",
			Subsystem: "rules",
			Name:      "reloads_total",
			Help:      "Rule set reloads by outcome",
		},
		[]string{"status"},
	)

	RuleLoadErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "chainwatch",
			Subsystem: "rules",
			Name:      "load_errors_total",
			Help:      "Rule files or entries skipped while loading",
		},
		[]string{"kind"},
	)

	RuleLoadDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: "chainwatch",
			Subsystem: "rules",
			Name:      "load_duration_seconds",
			Help:      "Time taken to build a new rule set",
			Buckets:   prometheus.ExponentialBuckets(0.001, 2, 10), // 1ms to ~1s
		},
	)
)

// RecordRuleEvaluation records one evaluation outcome and its duration.
func RecordRuleEvaluation(ruleID string, matched bool, durationSec float64) {
	result := "no_match"
	if matched {
		result = "match"
	}
	RuleEvaluationsTotal.WithLabelValues(ruleID, result).Inc()
	RuleEvaluationDuration.WithLabelValues(ruleID).Observe(durationSec)
}

// RecordRuleEvaluationError records a failed or panicking evaluation.
func RecordRuleEvaluationError(ruleID string) {
	RuleEvaluationsTotal.WithLabelValues(ruleID, "error").Inc()
}

// UpdateActiveRules sets the rule count for a source ("builtin" or "typology").
func UpdateActiveRules(source string, count int) {
	ActiveRules.WithLabelValues(source).Set(float64(count))
}

// RecordRuleLoadError records a skipped file ("file"), entry ("entry") or
// typology rule shadowed by a built-in ("shadowed").
func RecordRuleLoadError(kind string) {
	RuleLoadErrors.WithLabelValues(kind).Inc()
}
