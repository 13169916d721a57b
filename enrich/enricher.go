// Package enrich merges external intelligence (address labels, bridge hops,
// active typologies) into events before they are scored.
package enrich

import (
	"context"
	"fmt"
	"time"

	"chainwatch/core"
	"chainwatch/metrics"
)

// Operation names used in failures and metrics.
const (
	OpGetLabels    = "get_labels"
	OpDetectBridge = "detect_bridge"
	OpTypologies   = "get_active_typology_rules"
)

// TypologyRule is the rule definition as served by the enrichment service.
// It mirrors rules.TypologyRule without depending on it.
type TypologyRule struct {
	ID          string   `json:"id"`
	Name        string   `json:"name"`
	Version     string   `json:"version,omitempty"`
	Description string   `json:"description,omitempty"`
	Severity    string   `json:"severity"`
	Enabled     bool     `json:"enabled"`
	Variant     string   `json:"variant,omitempty"`
	Condition   string   `json:"condition"`
	AlertType   string   `json:"alert_type,omitempty"`
	Tags        []string `json:"tags,omitempty"`
}

// Enricher is the collaborator that knows about addresses, bridges and
// active typologies.
type Enricher interface {
	GetLabels(ctx context.Context, address string) ([]string, error)
	DetectBridge(ctx context.Context, event *core.Event) (*core.BridgeInfo, error)
	GetActiveTypologyRules(ctx context.Context) ([]TypologyRule, error)
}

// Failure records one enrichment lookup that did not complete.
type Failure struct {
	Operation string
	Subject   string
	Err       error
}

func (f Failure) Error() string {
	if f.Subject != "" {
		return fmt.Sprintf("%s(%s): %v", f.Operation, f.Subject, f.Err)
	}
	return fmt.Sprintf("%s: %v", f.Operation, f.Err)
}

// Result is the enriched event plus any lookups that failed.
type Result struct {
	Event    *core.Event
	Failures []Failure
}

// Incomplete reports whether any lookup failed.
func (r Result) Incomplete() bool {
	return len(r.Failures) > 0
}

// Errors renders the failures for alert payloads.
func (r Result) Errors() []string {
	out := make([]string, len(r.Failures))
	for i, f := range r.Failures {
		out[i] = f.Error()
	}
	return out
}

// Enrich returns a copy of event with labels for each involved address and
// any detected bridge merged in. The caller's event is never modified.
// Failures are collected rather than returned so scoring can proceed on
// partial data. timeout bounds all lookups together; zero means no bound
// beyond ctx.
func Enrich(ctx context.Context, enricher Enricher, event *core.Event, timeout time.Duration) Result {
	enriched := event.Clone()
	if enricher == nil {
		return Result{Event: enriched}
	}

	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	var result Result
	seen := make(map[string]bool, 3)
	for _, addr := range []string{enriched.Address, enriched.From, enriched.To} {
		if addr == "" || seen[addr] {
			continue
		}
		seen[addr] = true

		labels, err := enricher.GetLabels(ctx, addr)
		if err != nil {
			metrics.EnrichmentFailures.WithLabelValues(OpGetLabels).Inc()
			result.Failures = append(result.Failures, Failure{Operation: OpGetLabels, Subject: addr, Err: err})
			continue
		}
		enriched.AddLabels(labels...)
	}

	if enriched.Bridge == nil {
		bridge, err := enricher.DetectBridge(ctx, enriched)
		if err != nil {
			metrics.EnrichmentFailures.WithLabelValues(OpDetectBridge).Inc()
			result.Failures = append(result.Failures, Failure{Operation: OpDetectBridge, Subject: enriched.TxHash, Err: err})
		} else if bridge != nil {
			enriched.Bridge = bridge
		}
	}

	result.Event = enriched
	return result
}
