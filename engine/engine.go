// Package engine is the alert engine: it scores events against the active
// rule set, applies dedup and suppression, correlates, and fans alerts out
// to notification sinks.
package engine

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"chainwatch/core"
	"chainwatch/correlation"
	"chainwatch/dedup"
	"chainwatch/enrich"
	"chainwatch/metrics"
	"chainwatch/rules"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

const (
	// DefaultMaxAlerts bounds the in-memory alert log
	DefaultMaxAlerts = 10000
	// DefaultBatchWorkers bounds ProcessEventBatch concurrency
	DefaultBatchWorkers = 8
	// DefaultEnrichmentTimeout bounds all enrichment lookups for one event
	DefaultEnrichmentTimeout = 2 * time.Second
)

// Config holds the engine's tunables.
type Config struct {
	Variant           string        `mapstructure:"active_variant"`
	MaxAlerts         int           `mapstructure:"max_alerts"`
	BatchWorkers      int           `mapstructure:"batch_workers"`
	EnrichmentTimeout time.Duration `mapstructure:"enrichment_timeout"`
}

// Notifier delivers an alert to every configured sink. notify.Dispatcher
// implements it.
type Notifier interface {
	Dispatch(ctx context.Context, alert *core.Alert) []core.DeliveryStatus
}

// Deps are the collaborators an Engine is built from. Rules and Dedup are
// required; the rest are optional.
type Deps struct {
	Rules       *rules.Registry
	Dedup       *dedup.Store
	Correlation *correlation.Engine
	Notifier    Notifier
	Enricher    enrich.Enricher
	Logger      *zap.SugaredLogger
	// Clock stamps alerts and drives dedup windows. Defaults to time.Now.
	Clock func() time.Time
}

// Engine is safe for concurrent use.
type Engine struct {
	cfg         Config
	rules       *rules.Registry
	dedup       *dedup.Store
	correlation *correlation.Engine
	notifier    Notifier
	enricher    enrich.Enricher
	logger      *zap.SugaredLogger
	now         func() time.Time

	mu  sync.RWMutex
	log *alertLog
}

// New creates an engine.
func New(cfg Config, deps Deps) (*Engine, error) {
	if deps.Rules == nil {
		return nil, errors.New("engine: rule registry is required")
	}
	if deps.Dedup == nil {
		return nil, errors.New("engine: dedup store is required")
	}
	if cfg.MaxAlerts <= 0 {
		cfg.MaxAlerts = DefaultMaxAlerts
	}
	if cfg.BatchWorkers <= 0 {
		cfg.BatchWorkers = DefaultBatchWorkers
	}
	if cfg.EnrichmentTimeout <= 0 {
		cfg.EnrichmentTimeout = DefaultEnrichmentTimeout
	}
	if deps.Logger == nil {
		deps.Logger = zap.NewNop().Sugar()
	}
	if deps.Clock == nil {
		deps.Clock = time.Now
	}

	return &Engine{
		cfg:         cfg,
		rules:       deps.Rules,
		dedup:       deps.Dedup,
		correlation: deps.Correlation,
		notifier:    deps.Notifier,
		enricher:    deps.Enricher,
		logger:      deps.Logger,
		now:         deps.Clock,
		log:         newAlertLog(cfg.MaxAlerts),
	}, nil
}

// Config returns the effective configuration.
func (e *Engine) Config() Config {
	return e.cfg
}

// ProcessEvent scores one event and returns every alert it produced,
// correlation escalations included. The only error is
// *core.InvalidEventError; rule, enrichment and sink failures are contained.
func (e *Engine) ProcessEvent(ctx context.Context, event *core.Event) ([]core.Alert, error) {
	start := time.Now()
	defer func() {
		metrics.EventProcessingDuration.Observe(time.Since(start).Seconds())
	}()

	if err := event.Validate(); err != nil {
		metrics.EventsProcessed.WithLabelValues("invalid").Inc()
		e.logger.Warnw("Rejected invalid event", "error", err)
		return nil, err
	}

	enriched := enrich.Enrich(ctx, e.enricher, event, e.cfg.EnrichmentTimeout)
	ev := enriched.Event
	ev.EnsureID()
	if enriched.Incomplete() {
		e.logger.Warnw("Enrichment incomplete, scoring on partial data",
			"event_id", ev.EventID,
			"errors", enriched.Errors())
	}

	set := e.rules.Snapshot()
	evalCtx := ev.Context()
	entity := ev.EntityKey()
	pass := e.dedup.BeginPass()

	var created []*core.Alert
	for _, rule := range set.Active(e.cfg.Variant) {
		match, ok := e.evaluate(rule, ev, evalCtx)
		if !ok {
			continue
		}
		meta := rule.Metadata()
		if suppressed, reason := pass.ShouldSuppress(meta.ID, entity, e.now()); suppressed {
			e.logger.Debugw("Rule match suppressed",
				"rule_id", meta.ID,
				"entity", entity,
				"reason", reason)
			continue
		}
		created = append(created, e.buildAlert(meta, match, ev, enriched, set.Version()))
	}

	created = e.record(created)
	e.deliver(ctx, created)

	metrics.EventsProcessed.WithLabelValues("success").Inc()
	out := make([]core.Alert, len(created))
	e.mu.RLock()
	for i, a := range created {
		out[i] = a.Clone()
	}
	e.mu.RUnlock()
	return out, nil
}

// evaluate runs one rule, containing errors and panics as a no-match.
func (e *Engine) evaluate(rule rules.Rule, ev *core.Event, evalCtx map[string]interface{}) (match rules.Match, ok bool) {
	id := rule.Metadata().ID
	start := time.Now()
	defer func() {
		if r := recover(); r != nil {
			metrics.RecordRuleEvaluationError(id)
			e.logger.Errorw("Rule evaluation panicked", "rule_id", id, "event_id", ev.EventID, "panic", r)
			match, ok = rules.Match{}, false
		}
	}()

	match, ok, err := rule.Evaluate(ev, evalCtx)
	if err != nil {
		metrics.RecordRuleEvaluationError(id)
		e.logger.Errorw("Rule evaluation failed", "rule_id", id, "event_id", ev.EventID, "error", err)
		return rules.Match{}, false
	}
	metrics.RecordRuleEvaluation(id, ok, time.Since(start).Seconds())
	return match, ok
}

func (e *Engine) buildAlert(meta core.RuleMetadata, match rules.Match, ev *core.Event, enriched enrich.Result, version uint64) *core.Alert {
	severity := match.Severity
	if severity == "" {
		severity = meta.Severity
	}

	alert := core.NewAlert(meta.Type, severity, ev.EntityKey(), e.now())
	alert.RuleID = meta.ID
	alert.TxHash = ev.TxHash
	alert.Chain = ev.Chain
	alert.EventID = ev.EventID
	alert.Title = match.Title
	if alert.Title == "" {
		alert.Title = meta.Name
	}
	alert.Description = match.Description

	p := alert.Payload
	p[core.PayloadRuleID] = meta.ID
	p[core.PayloadRuleName] = meta.Name
	p[core.PayloadRuleSource] = string(meta.Source)
	p[core.PayloadRuleVersion] = version
	if len(match.Fields) > 0 {
		p[core.PayloadMatchedFields] = match.Fields
	}
	p[core.PayloadEventTimestamp] = ev.Timestamp
	if len(ev.Labels) > 0 {
		p[core.PayloadLabels] = append([]string(nil), ev.Labels...)
	}
	p[core.PayloadValueUSD] = ev.ValueUSD
	if ev.RiskScore != nil {
		p[core.PayloadRiskScore] = *ev.RiskScore
	}
	if enriched.Incomplete() {
		p[core.PayloadEnrichmentIncomplete] = true
		p[core.PayloadEnrichmentErrors] = enriched.Errors()
	}
	return alert
}

// record appends rule alerts to the log, then any escalations they trigger.
// It returns everything appended in order.
func (e *Engine) record(created []*core.Alert) []*core.Alert {
	if len(created) == 0 {
		return nil
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	for _, a := range created {
		e.log.append(a)
		metrics.AlertsGenerated.WithLabelValues(a.Type, string(a.Severity)).Inc()
	}
	if e.correlation == nil {
		return created
	}

	lookback := e.correlation.Lookback()
	all := created
	for _, trigger := range created {
		since := trigger.Timestamp.Add(-lookback)
		recent := e.log.related(trigger.Entity, trigger.Type, since)
		for _, esc := range e.correlation.FindCorrelations(trigger.Clone(), recent) {
			e.log.append(&esc)
			metrics.AlertsGenerated.WithLabelValues(esc.Type, string(esc.Severity)).Inc()
			all = append(all, &esc)
		}
	}
	return all
}

// deliver fans each alert out and stores the per-sink outcome.
func (e *Engine) deliver(ctx context.Context, alerts []*core.Alert) {
	if e.notifier == nil {
		return
	}
	for _, a := range alerts {
		e.mu.RLock()
		snapshot := a.Clone()
		e.mu.RUnlock()

		statuses := e.notifier.Dispatch(ctx, &snapshot)

		e.mu.Lock()
		a.Deliveries = append(a.Deliveries, statuses...)
		e.mu.Unlock()
	}
}

// EventError reports one failed event in a batch.
type EventError struct {
	Index   int    `json:"index"`
	EventID string `json:"event_id,omitempty"`
	Err     error  `json:"-"`
}

// Error implements the error interface.
func (e EventError) Error() string {
	return fmt.Sprintf("event %d (%s): %v", e.Index, e.EventID, e.Err)
}

// Unwrap returns the underlying error.
func (e EventError) Unwrap() error { return e.Err }

// BatchResult is the outcome of ProcessEventBatch. Alerts are in event order.
type BatchResult struct {
	Alerts []core.Alert
	Errors []EventError
}

// ProcessEventBatch processes events concurrently. A failing event never
// affects the others.
func (e *Engine) ProcessEventBatch(ctx context.Context, events []*core.Event) BatchResult {
	perEvent := make([][]core.Alert, len(events))
	errs := make([]error, len(events))

	var g errgroup.Group
	g.SetLimit(e.cfg.BatchWorkers)
	for i, ev := range events {
		g.Go(func() error {
			defer func() {
				if r := recover(); r != nil {
					errs[i] = fmt.Errorf("panic processing event: %v", r)
					e.logger.Errorw("Event processing panicked", "index", i, "panic", r)
				}
			}()
			perEvent[i], errs[i] = e.ProcessEvent(ctx, ev)
			return nil
		})
	}
	_ = g.Wait()

	var result BatchResult
	for i := range events {
		if errs[i] != nil {
			var id string
			if events[i] != nil {
				id = events[i].EventID
			}
			result.Errors = append(result.Errors, EventError{Index: i, EventID: id, Err: errs[i]})
			continue
		}
		result.Alerts = append(result.Alerts, perEvent[i]...)
	}
	if len(result.Errors) > 0 {
		e.logger.Warnw("Batch processed with failures", "events", len(events), "failed", len(result.Errors))
	}
	return result
}

// Process adapts ProcessEvent to the consumer's processor contract.
func (e *Engine) Process(ctx context.Context, event *core.Event) error {
	_, err := e.ProcessEvent(ctx, event)
	return err
}

// AcknowledgeAlert marks an alert acknowledged. It returns false if the id is
// unknown or has been evicted. Acknowledging twice keeps the first time.
func (e *Engine) AcknowledgeAlert(id string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()

	a, ok := e.log.get(id)
	if !ok {
		return false
	}
	if !a.Acknowledged {
		now := e.now()
		a.Acknowledged = true
		a.AcknowledgedAt = &now
		metrics.AlertsAcknowledged.Inc()
		e.logger.Infow("Alert acknowledged", "alert_id", id)
	}
	return true
}

// GetAlert returns a copy of one alert.
func (e *Engine) GetAlert(id string) (core.Alert, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	a, ok := e.log.get(id)
	if !ok {
		return core.Alert{}, false
	}
	return a.Clone(), true
}

// GetRecentAlerts returns up to limit alerts, newest first, optionally only
// those of one severity. limit <= 0 returns every retained alert.
func (e *Engine) GetRecentAlerts(limit int, severity *core.Severity) []core.Alert {
	e.mu.RLock()
	defer e.mu.RUnlock()

	var out []core.Alert
	e.log.each(func(a *core.Alert) bool {
		if severity != nil && a.Severity != *severity {
			return true
		}
		out = append(out, a.Clone())
		return limit <= 0 || len(out) < limit
	})
	return out
}

// Stats summarises the retained alert log.
type Stats struct {
	Total        int            `json:"total"`
	Acknowledged int            `json:"acknowledged"`
	BySeverity   map[string]int `json:"by_severity"`
	ByType       map[string]int `json:"by_type"`
	// Generated counts every alert ever appended, Evicted those dropped
	// from the bounded log.
	Generated int `json:"generated"`
	Evicted   int `json:"evicted"`
}

// GetAlertStats returns counts over the retained alerts.
func (e *Engine) GetAlertStats() Stats {
	e.mu.RLock()
	defer e.mu.RUnlock()

	stats := Stats{
		BySeverity: make(map[string]int),
		ByType:     make(map[string]int),
		Generated:  e.log.appended,
		Evicted:    e.log.evicted,
	}
	e.log.each(func(a *core.Alert) bool {
		stats.Total++
		if a.Acknowledged {
			stats.Acknowledged++
		}
		stats.BySeverity[string(a.Severity)]++
		stats.ByType[a.Type]++
		return true
	})
	return stats
}

// GetSuppressionEvents returns up to limit suppression events, newest first.
func (e *Engine) GetSuppressionEvents(limit int) []core.SuppressionEvent {
	return e.dedup.Events(limit)
}

// ExportSuppressionEvents returns the retained suppression log oldest first.
func (e *Engine) ExportSuppressionEvents() []dedup.ExportRow {
	return e.dedup.Export()
}

// ExportSuppressionCSV writes the suppression log as CSV.
func (e *Engine) ExportSuppressionCSV(w io.Writer) error {
	return e.dedup.ExportCSV(w)
}

// GetSuppressionStatistics returns cumulative suppression counters.
func (e *Engine) GetSuppressionStatistics() dedup.Statistics {
	return e.dedup.Statistics()
}

// SuppressRule mutes a rule for d.
func (e *Engine) SuppressRule(ruleID string, d time.Duration) {
	e.dedup.SuppressRule(ruleID, e.now().Add(d))
	e.logger.Infow("Rule suppressed", "rule_id", ruleID, "duration", d)
}

// UnsuppressRule lifts a mute. It reports whether one was active.
func (e *Engine) UnsuppressRule(ruleID string) bool {
	return e.dedup.UnsuppressRule(ruleID)
}

// UpdateDedupSettings swaps dedup settings. Past decisions are not revisited.
func (e *Engine) UpdateDedupSettings(settings dedup.Settings) error {
	if err := e.dedup.UpdateSettings(settings); err != nil {
		return fmt.Errorf("failed to update dedup settings: %w", err)
	}
	return nil
}

// ListRules returns metadata for rules visible to variant.
func (e *Engine) ListRules(variant string) []core.RuleMetadata {
	return e.rules.ListRules(variant)
}

// SetRuleEnabled toggles a rule in the live rule set.
func (e *Engine) SetRuleEnabled(id string, enabled bool) error {
	return e.rules.SetEnabled(id, enabled)
}

// ReloadActivePolicies reloads typology rules from every source. On failure
// the previous rule set stays active.
func (e *Engine) ReloadActivePolicies(ctx context.Context) (int, error) {
	return e.rules.Reload(ctx)
}

// Prune drops dedup and correlation state that can no longer affect a
// decision at now.
func (e *Engine) Prune(now time.Time) int {
	n := e.dedup.Prune(now)
	if e.correlation != nil {
		n += e.correlation.Prune(now)
	}
	return n
}
