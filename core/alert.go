package core

import (
	"time"

	"github.com/google/uuid"
)

// Alert is the engine's output. Alerts are append-only apart from the
// acknowledgement fields.
type Alert struct {
	AlertID        string                 `json:"alert_id"`
	Type           string                 `json:"type"`
	Severity       Severity               `json:"severity"`
	Title          string                 `json:"title"`
	Description    string                 `json:"description"`
	Entity         string                 `json:"entity"`
	TxHash         string                 `json:"tx_hash,omitempty"`
	Chain          string                 `json:"chain,omitempty"`
	EventID        string                 `json:"event_id,omitempty"`
	RuleID         string                 `json:"rule_id"`
	Timestamp      time.Time              `json:"timestamp"`
	Acknowledged   bool                   `json:"acknowledged"`
	AcknowledgedAt *time.Time             `json:"acknowledged_at,omitempty"`
	Payload        map[string]interface{} `json:"payload,omitempty"`
	Deliveries     []DeliveryStatus       `json:"deliveries,omitempty"`
}

// DeliveryStatus records the outcome of one sink for one alert.
type DeliveryStatus struct {
	Sink        string        `json:"sink"`
	Success     bool          `json:"success"`
	Error       string        `json:"error,omitempty"`
	Duration    time.Duration `json:"duration"`
	AttemptedAt time.Time     `json:"attempted_at"`
}

// Payload keys written by the engine.
const (
	PayloadRuleID               = "rule_id"
	PayloadRuleName             = "rule_name"
	PayloadRuleSource           = "rule_source"
	PayloadRuleVersion          = "rule_version"
	PayloadMatchedFields        = "matched_fields"
	PayloadEnrichmentIncomplete = "enrichment_incomplete"
	PayloadEnrichmentErrors     = "enrichment_errors"
	PayloadContributingAlerts   = "contributing_alert_ids"
	PayloadCorrelationRuleID    = "correlation_rule_id"
	PayloadCorrelationCount     = "correlation_count"
	PayloadEventTimestamp       = "event_timestamp"
	PayloadLabels               = "labels"
	PayloadValueUSD             = "value_usd"
	PayloadRiskScore            = "risk_score"
)

// NewAlert creates an Alert with a generated UUID and an empty payload.
func NewAlert(alertType string, severity Severity, entity string, ts time.Time) *Alert {
	return &Alert{
		AlertID:   uuid.New().String(),
		Type:      alertType,
		Severity:  severity,
		Entity:    entity,
		Timestamp: ts,
		Payload:   make(map[string]interface{}),
	}
}

// DeliveredTo reports whether the named sink succeeded.
func (a *Alert) DeliveredTo(sink string) bool {
	for _, d := range a.Deliveries {
		if d.Sink == sink && d.Success {
			return true
		}
	}
	return false
}

// FailedDeliveries returns the sinks that did not accept the alert.
func (a *Alert) FailedDeliveries() []DeliveryStatus {
	var failed []DeliveryStatus
	for _, d := range a.Deliveries {
		if !d.Success {
			failed = append(failed, d)
		}
	}
	return failed
}

// Clone returns a copy whose payload map and delivery slice are not shared.
// Payload values are copied shallowly.
func (a *Alert) Clone() Alert {
	c := *a
	if a.Payload != nil {
		c.Payload = make(map[string]interface{}, len(a.Payload))
		for k, v := range a.Payload {
			c.Payload[k] = v
		}
	}
	c.Deliveries = append([]DeliveryStatus(nil), a.Deliveries...)
	if a.AcknowledgedAt != nil {
		t := *a.AcknowledgedAt
		c.AcknowledgedAt = &t
	}
	return c
}
