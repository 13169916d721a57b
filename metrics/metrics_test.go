package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
)

func TestMetricsRegistration(t *testing.T) {
	// Metrics are global; assert they exist and were registered without panic
	assert.NotNil(t, EventsProcessed)
	assert.NotNil(t, AlertsGenerated)
	assert.NotNil(t, AlertsSuppressed)
	assert.NotNil(t, EventProcessingDuration)
	assert.NotNil(t, NotificationsSent)
	assert.NotNil(t, ConsumerMessages)
	assert.NotNil(t, DeadLetterInsertFailures)
	assert.NotNil(t, KYTDropped)
	assert.NotNil(t, RuleEvaluationsTotal)
	assert.NotNil(t, ActiveRules)
}

func TestRecordRuleEvaluation(t *testing.T) {
	before := testutil.ToFloat64(RuleEvaluationsTotal.WithLabelValues("metrics_test_rule", "match"))
	RecordRuleEvaluation("metrics_test_rule", true, 0.0001)
	RecordRuleEvaluation("metrics_test_rule", false, 0.0001)
	RecordRuleEvaluationError("metrics_test_rule")

	assert.Equal(t, before+1, testutil.ToFloat64(RuleEvaluationsTotal.WithLabelValues("metrics_test_rule", "match")))
	assert.Equal(t, float64(1), testutil.ToFloat64(RuleEvaluationsTotal.WithLabelValues("metrics_test_rule", "error")))

	UpdateActiveRules("builtin", 3)
	assert.Equal(t, float64(3), testutil.ToFloat64(ActiveRules.WithLabelValues("builtin")))
}
