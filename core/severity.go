package core

import (
	"fmt"
	"strings"
)

// Severity is the ordered alert severity: low < medium < high < critical.
type Severity string

const (
	// SeverityLow is the lowest alert severity
	SeverityLow Severity = "low"
	// SeverityMedium is the default severity for typology rules without one
	SeverityMedium Severity = "medium"
	// SeverityHigh marks alerts that need same-day review
	SeverityHigh Severity = "high"
	// SeverityCritical is the highest alert severity
	SeverityCritical Severity = "critical"
)

// severityOrder maps each level to its rank. Unknown levels rank 0.
var severityOrder = map[Severity]int{
	SeverityLow:      1,
	SeverityMedium:   2,
	SeverityHigh:     3,
	SeverityCritical: 4,
}

// AllSeverities lists the levels in ascending order.
var AllSeverities = []Severity{SeverityLow, SeverityMedium, SeverityHigh, SeverityCritical}

// ParseSeverity parses a severity name case-insensitively.
func ParseSeverity(s string) (Severity, error) {
	sev := Severity(strings.ToLower(strings.TrimSpace(s)))
	if _, ok := severityOrder[sev]; !ok {
		return "", fmt.Errorf("unknown severity %q (expected low, medium, high or critical)", s)
	}
	return sev, nil
}

// String returns the string representation
func (s Severity) String() string {
	return string(s)
}

// IsValid checks if the severity is one of the four levels
func (s Severity) IsValid() bool {
	_, ok := severityOrder[s]
	return ok
}

// Rank returns the numeric rank of the severity (1 = low, 4 = critical).
func (s Severity) Rank() int {
	return severityOrder[s]
}

// Less reports whether s orders strictly before other.
func (s Severity) Less(other Severity) bool {
	return s.Rank() < other.Rank()
}

// AtLeast reports whether s is at or above min.
func (s Severity) AtLeast(min Severity) bool {
	return s.Rank() >= min.Rank()
}

// Escalate returns the next level up, capped at critical.
func (s Severity) Escalate() Severity {
	switch s {
	case SeverityLow:
		return SeverityMedium
	case SeverityMedium:
		return SeverityHigh
	default:
		return SeverityCritical
	}
}

// MaxSeverity returns the higher of two severities.
func MaxSeverity(a, b Severity) Severity {
	if a.Less(b) {
		return b
	}
	return a
}
