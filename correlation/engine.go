// Package correlation turns clusters of alerts on one entity into a single
// escalated alert.
package correlation

import (
	"context"
	"fmt"
	"sync"
	"time"

	"chainwatch/core"
	"chainwatch/dedup"
	"chainwatch/metrics"

	"go.uber.org/zap"
)

// Engine evaluates correlation rules against a recent-alert buffer. It is
// safe for concurrent use.
type Engine struct {
	logger *zap.SugaredLogger

	mu    sync.RWMutex
	rules []Rule
	// marks holds the last escalation per (rule, entity)
	marks *dedup.MemoryIndex
}

// NewEngine validates rules and creates an engine.
func NewEngine(rules []Rule, logger *zap.SugaredLogger) (*Engine, error) {
	e := &Engine{logger: logger, marks: dedup.NewMemoryIndex()}
	if err := e.SetRules(rules); err != nil {
		return nil, err
	}
	return e, nil
}

// SetRules replaces the rule list. Escalation marks are kept, so a reload
// does not re-fire escalations still inside their window.
func (e *Engine) SetRules(rules []Rule) error {
	next := append([]Rule(nil), rules...)
	if err := ValidateRules(next); err != nil {
		return err
	}
	e.mu.Lock()
	e.rules = next
	e.mu.Unlock()
	e.logger.Infow("Correlation rules loaded", "count", len(next))
	return nil
}

// Rules returns a copy of the configured rules.
func (e *Engine) Rules() []Rule {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return append([]Rule(nil), e.rules...)
}

// FindCorrelations returns escalations triggered by trigger. recent may or
// may not already contain trigger. Alerts count when they share the
// trigger's type and entity and are within the rule window of the trigger
// in either direction, since batch workers can append slightly out of order.
// Escalations are never used as triggers here, so nothing cascades.
func (e *Engine) FindCorrelations(trigger core.Alert, recent []core.Alert) []core.Alert {
	e.mu.RLock()
	rules := e.rules
	e.mu.RUnlock()

	var out []core.Alert
	for i := range rules {
		rule := &rules[i]
		if rule.TriggerType != trigger.Type {
			continue
		}

		ids := contributing(rule, trigger, recent)
		if len(ids) < rule.MinCount {
			continue
		}

		claimed, _ := e.marks.Claim(context.Background(), markKey(rule.ID, trigger.Entity), trigger.Timestamp, rule.Window)
		if !claimed {
			e.logger.Debugw("Correlation already escalated in window", "rule_id", rule.ID, "entity", trigger.Entity)
			continue
		}

		out = append(out, escalate(rule, trigger, ids))
		metrics.CorrelationEscalations.WithLabelValues(rule.ID).Inc()
		e.logger.Infow("Correlation escalated",
			"rule_id", rule.ID,
			"entity", trigger.Entity,
			"count", len(ids),
			"window", rule.Window)
	}
	return out
}

func contributing(rule *Rule, trigger core.Alert, recent []core.Alert) []string {
	ids := []string{trigger.AlertID}
	for _, a := range recent {
		if a.AlertID == trigger.AlertID || a.Type != trigger.Type || a.Entity != trigger.Entity {
			continue
		}
		delta := trigger.Timestamp.Sub(a.Timestamp)
		if delta < 0 {
			delta = -delta
		}
		if delta <= rule.Window {
			ids = append(ids, a.AlertID)
		}
	}
	return ids
}

func escalate(rule *Rule, trigger core.Alert, ids []string) core.Alert {
	severity := rule.EscalationSeverity
	if severity == "" {
		severity = trigger.Severity.Escalate()
	}

	alert := core.NewAlert(rule.EscalationType, severity, trigger.Entity, trigger.Timestamp)
	alert.RuleID = rule.ID
	alert.TxHash = trigger.TxHash
	alert.Chain = trigger.Chain
	alert.EventID = trigger.EventID
	alert.Title = fmt.Sprintf("%s: %d %s alerts on %s", rule.Name, len(ids), trigger.Type, trigger.Entity)
	alert.Description = fmt.Sprintf("%d alerts of type %q for %s within %s", len(ids), trigger.Type, trigger.Entity, rule.Window)
	alert.Payload[core.PayloadRuleID] = rule.ID
	alert.Payload[core.PayloadRuleName] = rule.Name
	alert.Payload[core.PayloadRuleSource] = string(core.RuleSourceCorrelation)
	alert.Payload[core.PayloadCorrelationRuleID] = rule.ID
	alert.Payload[core.PayloadCorrelationCount] = len(ids)
	alert.Payload[core.PayloadContributingAlerts] = ids
	return *alert
}

func markKey(ruleID, entity string) string {
	return ruleID + "|" + entity
}

// Lookback returns the longest rule window, the oldest alert age any rule
// can still count.
func (e *Engine) Lookback() time.Duration {
	e.mu.RLock()
	defer e.mu.RUnlock()
	var longest time.Duration
	for _, r := range e.rules {
		if r.Window > longest {
			longest = r.Window
		}
	}
	return longest
}

// Prune drops escalation marks older than the longest rule window.
func (e *Engine) Prune(now time.Time) int {
	longest := e.Lookback()
	if longest == 0 {
		return 0
	}
	return e.marks.Prune(now, longest)
}
