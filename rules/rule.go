package rules

import (
	"chainwatch/core"
)

// Rule is anything the engine can evaluate against an event.
type Rule interface {
	// Metadata describes the rule for listing and alert provenance.
	Metadata() core.RuleMetadata
	// Evaluate reports whether the rule matches. ctx is event.Context(),
	// computed once per event and shared across rules; it must not be modified.
	Evaluate(event *core.Event, ctx map[string]interface{}) (Match, bool, error)
}

// Match carries what a matching rule contributes to the resulting alert.
type Match struct {
	Severity    core.Severity
	Title       string
	Description string
	// Fields are the event values that decided the match
	Fields map[string]interface{}
}

func matchesVariant(ruleVariant, variant string) bool {
	return variant == "" || ruleVariant == "" || ruleVariant == variant
}
