package core

import "time"

// SuppressionReason explains why a rule match did not become an alert.
type SuppressionReason string

const (
	// ReasonNone is returned when a match is not suppressed
	ReasonNone SuppressionReason = ""
	// ReasonDedupWindow means the same (rule, entity) fired inside the window
	ReasonDedupWindow SuppressionReason = "dedup_window"
	// ReasonGlobalRateLimit means the fixed-interval alert budget is spent
	ReasonGlobalRateLimit SuppressionReason = "global_rate_limit"
	// ReasonRuleSuppression means the rule is muted by an operator
	ReasonRuleSuppression SuppressionReason = "rule_suppression"
	// ReasonEntitySuppression means the entity hit its per-pass rule cap
	ReasonEntitySuppression SuppressionReason = "entity_suppression"
)

// AllSuppressionReasons lists every non-empty reason.
var AllSuppressionReasons = []SuppressionReason{
	ReasonDedupWindow,
	ReasonGlobalRateLimit,
	ReasonRuleSuppression,
	ReasonEntitySuppression,
}

// SuppressionEvent records a rule match that was intentionally dropped.
type SuppressionEvent struct {
	Reason    SuppressionReason `json:"reason"`
	RuleID    string            `json:"rule_id"`
	Entity    string            `json:"entity"`
	Timestamp time.Time         `json:"timestamp"`
}
