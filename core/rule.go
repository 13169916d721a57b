package core

// RuleSource tells built-in rules apart from declarative typology rules.
type RuleSource string

const (
	RuleSourceBuiltin  RuleSource = "builtin"
	RuleSourceTypology RuleSource = "typology"
	// RuleSourceCorrelation marks escalations emitted by correlation rules
	RuleSourceCorrelation RuleSource = "correlation"
)

// RuleMetadata is the introspection view of a rule returned by ListRules.
type RuleMetadata struct {
	ID       string     `json:"id" yaml:"id"`
	Name     string     `json:"name" yaml:"name"`
	Version  string     `json:"version,omitempty" yaml:"version,omitempty"`
	Type     string     `json:"type" yaml:"type"`
	Severity Severity   `json:"severity" yaml:"severity"`
	Enabled  bool       `json:"enabled" yaml:"enabled"`
	Variant  string     `json:"variant,omitempty" yaml:"variant,omitempty"`
	Tags     []string   `json:"tags,omitempty" yaml:"tags,omitempty"`
	Source   RuleSource `json:"source" yaml:"source"`
}
