package rules

import (
	"fmt"
	"strings"

	"chainwatch/core"
)

// Built-in rule IDs.
const (
	RuleLargeTransfer   = "large_transfer"
	RuleHighRiskAddress = "high_risk_address"
	RuleSanctionedLabel = "sanctioned_label"
)

// Default thresholds for the built-in rules.
const (
	// DefaultLargeTransferUSD is the value above which a transfer alerts
	DefaultLargeTransferUSD = 100000.0
	// DefaultLargeTransferHighMultiplier escalates a large transfer to high at this multiple of the threshold
	DefaultLargeTransferHighMultiplier = 10.0
	// DefaultHighRiskScore is the risk score at which an address alerts as high
	DefaultHighRiskScore = 0.7
	// DefaultCriticalRiskScore is the risk score at which an address alerts as critical
	DefaultCriticalRiskScore = 0.9
)

// Thresholds parameterise the built-in rules.
type Thresholds struct {
	LargeTransferUSD            float64  `mapstructure:"large_transfer_usd"`
	LargeTransferHighMultiplier float64  `mapstructure:"large_transfer_high_multiplier"`
	HighRiskScore               float64  `mapstructure:"high_risk_score"`
	CriticalRiskScore           float64  `mapstructure:"critical_risk_score"`
	SanctionedLabels            []string `mapstructure:"sanctioned_labels"`
}

// DefaultThresholds returns the documented defaults.
func DefaultThresholds() Thresholds {
	return Thresholds{
		LargeTransferUSD:            DefaultLargeTransferUSD,
		LargeTransferHighMultiplier: DefaultLargeTransferHighMultiplier,
		HighRiskScore:               DefaultHighRiskScore,
		CriticalRiskScore:           DefaultCriticalRiskScore,
		SanctionedLabels:            []string{"sanctioned", "ofac"},
	}
}

// BuiltinRule is a rule implemented natively in Go.
type BuiltinRule struct {
	meta     core.RuleMetadata
	evaluate func(event *core.Event) (Match, bool)
}

// Metadata implements Rule.
func (r *BuiltinRule) Metadata() core.RuleMetadata {
	m := r.meta
	m.Tags = append([]string(nil), r.meta.Tags...)
	return m
}

// Evaluate implements Rule.
func (r *BuiltinRule) Evaluate(event *core.Event, _ map[string]interface{}) (Match, bool, error) {
	match, ok := r.evaluate(event)
	return match, ok, nil
}

// Builtins returns the built-in rules configured with t.
func Builtins(t Thresholds) []*BuiltinRule {
	sanctioned := make([]string, 0, len(t.SanctionedLabels))
	for _, l := range t.SanctionedLabels {
		if l = strings.TrimSpace(l); l != "" {
			sanctioned = append(sanctioned, l)
		}
	}

	rules := []*BuiltinRule{
		{
			meta: builtinMeta(RuleLargeTransfer, "Large transfer", core.AlertTypeLargeTransfer, core.SeverityMedium, "value"),
			evaluate: func(e *core.Event) (Match, bool) {
				if !(e.ValueUSD > t.LargeTransferUSD) {
					return Match{}, false
				}
				sev := core.SeverityMedium
				if e.ValueUSD >= t.LargeTransferUSD*t.LargeTransferHighMultiplier {
					sev = core.SeverityHigh
				}
				return Match{
					Severity:    sev,
					Title:       "Large transfer detected",
					Description: fmt.Sprintf("Transfer of $%.2f exceeds the $%.2f threshold", e.ValueUSD, t.LargeTransferUSD),
					Fields:      map[string]interface{}{"value_usd": e.ValueUSD},
				}, true
			},
		},
		{
			meta: builtinMeta(RuleHighRiskAddress, "High-risk address", core.AlertTypeHighRiskAddress, core.SeverityHigh, "risk"),
			evaluate: func(e *core.Event) (Match, bool) {
				if e.RiskScore == nil || !(*e.RiskScore >= t.HighRiskScore) {
					return Match{}, false
				}
				score := *e.RiskScore
				sev := core.SeverityHigh
				if score >= t.CriticalRiskScore {
					sev = core.SeverityCritical
				}
				return Match{
					Severity:    sev,
					Title:       "High-risk address activity",
					Description: fmt.Sprintf("Address %s has risk score %.2f", e.EntityKey(), score),
					Fields:      map[string]interface{}{"risk_score": score},
				}, true
			},
		},
	}

	if len(sanctioned) > 0 {
		rules = append(rules, &BuiltinRule{
			meta: builtinMeta(RuleSanctionedLabel, "Sanctioned counterparty", core.AlertTypeSanctionedLabel, core.SeverityCritical, "sanctions"),
			evaluate: func(e *core.Event) (Match, bool) {
				var hits []string
				for _, label := range sanctioned {
					if e.HasLabel(label) {
						hits = append(hits, label)
					}
				}
				if len(hits) == 0 {
					return Match{}, false
				}
				return Match{
					Severity:    core.SeverityCritical,
					Title:       "Sanctioned counterparty",
					Description: "Event involves sanctioned label(s): " + strings.Join(hits, ", "),
					Fields:      map[string]interface{}{"labels": hits},
				}, true
			},
		})
	}

	return rules
}

func builtinMeta(id, name, alertType string, sev core.Severity, tag string) core.RuleMetadata {
	return core.RuleMetadata{
		ID:       id,
		Name:     name,
		Version:  "1",
		Type:     alertType,
		Severity: sev,
		Enabled:  true,
		Tags:     []string{tag},
		Source:   core.RuleSourceBuiltin,
	}
}
