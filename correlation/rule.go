package correlation

import (
	"errors"
	"fmt"
	"os"
	"time"

	"chainwatch/core"

	"gopkg.in/yaml.v3"
)

// ErrInvalidRule is wrapped by Rule.Validate failures.
var ErrInvalidRule = errors.New("invalid correlation rule")

// Rule escalates when MinCount alerts of TriggerType land on one entity
// within Window.
type Rule struct {
	ID          string        `mapstructure:"id" yaml:"id" json:"id"`
	Name        string        `mapstructure:"name" yaml:"name" json:"name,omitempty"`
	TriggerType string        `mapstructure:"trigger_type" yaml:"trigger_type" json:"trigger_type"`
	Window      time.Duration `mapstructure:"window" yaml:"window" json:"window"`
	MinCount    int           `mapstructure:"min_count" yaml:"min_count" json:"min_count"`
	// EscalationType is the alert type of the emitted escalation
	EscalationType string `mapstructure:"escalation_type" yaml:"escalation_type" json:"escalation_type"`
	// EscalationSeverity is optional; empty means one level above the trigger
	EscalationSeverity core.Severity `mapstructure:"escalation_severity" yaml:"escalation_severity" json:"escalation_severity,omitempty"`
}

// Validate checks a single rule and fills in the defaulted fields.
func (r *Rule) Validate() error {
	if r.EscalationType == "" {
		r.EscalationType = core.AlertTypeCorrelatedActivity
	}
	switch {
	case r.ID == "":
		return fmt.Errorf("%w: id is required", ErrInvalidRule)
	case r.TriggerType == "":
		return fmt.Errorf("%w %s: trigger_type is required", ErrInvalidRule, r.ID)
	case r.Window <= 0:
		return fmt.Errorf("%w %s: window must be positive", ErrInvalidRule, r.ID)
	case r.MinCount < 2:
		return fmt.Errorf("%w %s: min_count must be at least 2, got %d", ErrInvalidRule, r.ID, r.MinCount)
	case r.EscalationType == r.TriggerType:
		// an escalation that matches its own trigger would feed back into the rule
		return fmt.Errorf("%w %s: escalation_type must differ from trigger_type", ErrInvalidRule, r.ID)
	}
	if r.EscalationSeverity != "" {
		sev, err := core.ParseSeverity(string(r.EscalationSeverity))
		if err != nil {
			return fmt.Errorf("%w %s: %v", ErrInvalidRule, r.ID, err)
		}
		r.EscalationSeverity = sev
	}
	if r.Name == "" {
		r.Name = r.ID
	}
	return nil
}

// ValidateRules validates every rule and rejects duplicate ids.
func ValidateRules(rules []Rule) error {
	seen := make(map[string]bool, len(rules))
	for i := range rules {
		if err := rules[i].Validate(); err != nil {
			return err
		}
		if seen[rules[i].ID] {
			return fmt.Errorf("%w: duplicate id %s", ErrInvalidRule, rules[i].ID)
		}
		seen[rules[i].ID] = true
	}
	return nil
}

type ruleFile struct {
	Rules []Rule `yaml:"correlation_rules"`
}

// LoadFile reads correlation rules from YAML. The file holds either a list
// or a mapping with a correlation_rules key.
func LoadFile(path string) ([]Rule, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read correlation rules %s: %w", path, err)
	}

	var rules []Rule
	if err := yaml.Unmarshal(data, &rules); err != nil {
		var wrapped ruleFile
		if err2 := yaml.Unmarshal(data, &wrapped); err2 != nil {
			return nil, fmt.Errorf("failed to parse correlation rules %s: %w", path, err)
		}
		rules = wrapped.Rules
	}

	if err := ValidateRules(rules); err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return rules, nil
}
