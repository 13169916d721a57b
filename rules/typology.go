package rules

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"chainwatch/core"
	"chainwatch/expr"

	"gopkg.in/yaml.v3"
)

// ErrInvalidRule is wrapped by every typology rule validation failure.
var ErrInvalidRule = errors.New("invalid typology rule")

// TypologyRule is a declarative rule whose condition is an expr expression
// over the event context.
type TypologyRule struct {
	ID          string        `json:"id" yaml:"id"`
	Name        string        `json:"name" yaml:"name"`
	Version     RuleVersion   `json:"version,omitempty" yaml:"version,omitempty"`
	Description string        `json:"description,omitempty" yaml:"description,omitempty"`
	Severity    core.Severity `json:"severity" yaml:"severity"`
	Enabled     *bool         `json:"enabled,omitempty" yaml:"enabled,omitempty"`
	Variant     string        `json:"variant,omitempty" yaml:"variant,omitempty"`
	Condition   string        `json:"condition" yaml:"condition"`
	AlertType   string        `json:"alert_type,omitempty" yaml:"alert_type,omitempty"`
	Tags        []string      `json:"tags,omitempty" yaml:"tags,omitempty"`

	compiled *expr.Expression
}

// RuleVersion is a rule's version label. Rule files may write it as a
// string or a bare number.
type RuleVersion string

// UnmarshalJSON accepts a string or a number.
func (v *RuleVersion) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err == nil {
		*v = RuleVersion(s)
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(data, &n); err != nil {
		return fmt.Errorf("version must be a string or a number: %w", err)
	}
	*v = RuleVersion(n.String())
	return nil
}

// UnmarshalYAML accepts any scalar.
func (v *RuleVersion) UnmarshalYAML(node *yaml.Node) error {
	if node.Kind != yaml.ScalarNode {
		return fmt.Errorf("version must be a scalar, line %d", node.Line)
	}
	*v = RuleVersion(node.Value)
	return nil
}

// Compile validates the rule and compiles its condition. Severity defaults
// to medium and is normalised to lower case.
func (r *TypologyRule) Compile(opts ...expr.Option) error {
	r.ID = strings.TrimSpace(r.ID)
	if r.ID == "" {
		return fmt.Errorf("%w: missing id", ErrInvalidRule)
	}
	if strings.TrimSpace(r.Condition) == "" {
		return fmt.Errorf("%w: rule %s has no condition", ErrInvalidRule, r.ID)
	}

	if r.Severity == "" {
		r.Severity = core.SeverityMedium
	} else {
		sev, err := core.ParseSeverity(string(r.Severity))
		if err != nil {
			return fmt.Errorf("%w: rule %s: %v", ErrInvalidRule, r.ID, err)
		}
		r.Severity = sev
	}

	compiled, err := expr.Compile(r.Condition, opts...)
	if err != nil {
		return fmt.Errorf("%w: rule %s: %w", ErrInvalidRule, r.ID, err)
	}
	r.compiled = compiled

	if r.Name == "" {
		r.Name = r.ID
	}
	if r.AlertType == "" {
		r.AlertType = core.AlertTypeTypologyMatch
	}
	return nil
}

// IsEnabled reports the enabled flag from the rule definition (default true).
func (r *TypologyRule) IsEnabled() bool {
	return r.Enabled == nil || *r.Enabled
}

// Metadata implements Rule.
func (r *TypologyRule) Metadata() core.RuleMetadata {
	return core.RuleMetadata{
		ID:       r.ID,
		Name:     r.Name,
		Version:  string(r.Version),
		Type:     r.AlertType,
		Severity: r.Severity,
		Enabled:  r.IsEnabled(),
		Variant:  r.Variant,
		Tags:     append([]string(nil), r.Tags...),
		Source:   core.RuleSourceTypology,
	}
}

// Evaluate implements Rule. The rule must have been compiled.
func (r *TypologyRule) Evaluate(_ *core.Event, ctx map[string]interface{}) (Match, bool, error) {
	if r.compiled == nil {
		return Match{}, false, fmt.Errorf("rule %s was not compiled", r.ID)
	}

	ok, err := r.compiled.Evaluate(ctx)
	if err != nil || !ok {
		return Match{}, false, err
	}

	fields := make(map[string]interface{})
	for _, name := range r.compiled.Identifiers() {
		if v, exists := ctx[name]; exists {
			fields[name] = v
		}
	}

	description := r.Description
	if description == "" {
		description = fmt.Sprintf("Typology %s matched: %s", r.Name, r.Condition)
	}

	return Match{
		Severity:    r.Severity,
		Title:       r.Name,
		Description: description,
		Fields:      fields,
	}, true, nil
}
