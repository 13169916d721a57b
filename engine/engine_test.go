package engine

import (
	"bytes"
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"chainwatch/core"
	"chainwatch/correlation"
	"chainwatch/dedup"
	"chainwatch/enrich"
	"chainwatch/rules"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

var t0 = time.Date(2024, 6, 3, 14, 0, 0, 0, time.UTC)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

type recordingNotifier struct {
	mu       sync.Mutex
	alerts   []core.Alert
	statuses func(*core.Alert) []core.DeliveryStatus
}

func (n *recordingNotifier) Dispatch(_ context.Context, alert *core.Alert) []core.DeliveryStatus {
	n.mu.Lock()
	n.alerts = append(n.alerts, alert.Clone())
	n.mu.Unlock()
	if n.statuses == nil {
		return []core.DeliveryStatus{{Sink: "ops-chat", Success: true, AttemptedAt: alert.Timestamp}}
	}
	return n.statuses(alert)
}

func (n *recordingNotifier) count() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return len(n.alerts)
}

type harness struct {
	engine   *Engine
	clock    *fakeClock
	notifier *recordingNotifier
	enricher *enrich.StaticEnricher
	store    *dedup.Store
}

type option func(*Config, *Deps)

func withCorrelation(t *testing.T, rs ...correlation.Rule) option {
	return func(_ *Config, d *Deps) {
		c, err := correlation.NewEngine(rs, zaptest.NewLogger(t).Sugar())
		require.NoError(t, err)
		d.Correlation = c
	}
}

func newHarness(t *testing.T, settings dedup.Settings, opts ...option) *harness {
	t.Helper()
	logger := zaptest.NewLogger(t).Sugar()

	store, err := dedup.NewStore(settings, 100, nil, logger)
	require.NoError(t, err)

	h := &harness{
		clock:    &fakeClock{now: t0},
		notifier: &recordingNotifier{},
		enricher: enrich.NewStaticEnricher(nil),
		store:    store,
	}

	registry := rules.NewRegistry(rules.Builtins(rules.DefaultThresholds()), logger,
		rules.NewEnricherSource(h.enricher, logger, 0))

	cfg := Config{}
	deps := Deps{
		Rules:    registry,
		Dedup:    store,
		Notifier: h.notifier,
		Enricher: h.enricher,
		Logger:   logger,
		Clock:    h.clock.Now,
	}
	for _, o := range opts {
		o(&cfg, &deps)
	}

	h.engine, err = New(cfg, deps)
	require.NoError(t, err)
	return h
}

func riskEvent(address string, score float64) *core.Event {
	return &core.Event{Address: address, RiskScore: &score, Timestamp: t0}
}

func transfer(from string, value float64) *core.Event {
	return &core.Event{From: from, To: "0xDEST", ValueUSD: value, TxHash: "0xtx", Chain: "ethereum", Timestamp: t0}
}

func TestProcessEvent_HighRiskAddress(t *testing.T) {
	h := newHarness(t, dedup.DefaultSettings())

	alerts, err := h.engine.ProcessEvent(context.Background(), riskEvent("0xAAA", 0.95))
	require.NoError(t, err)
	require.Len(t, alerts, 1)

	a := alerts[0]
	assert.Equal(t, core.AlertTypeHighRiskAddress, a.Type)
	assert.Equal(t, core.SeverityCritical, a.Severity)
	assert.Equal(t, "0xAAA", a.Entity)
	assert.Equal(t, rules.RuleHighRiskAddress, a.RuleID)
	assert.Equal(t, t0, a.Timestamp)
	assert.NotEmpty(t, a.EventID, "an id is assigned when the producer sent none")
	assert.Equal(t, 0.95, a.Payload[core.PayloadRiskScore])
	assert.Equal(t, string(core.RuleSourceBuiltin), a.Payload[core.PayloadRuleSource])
	assert.NotContains(t, a.Payload, core.PayloadEnrichmentIncomplete)

	require.Len(t, a.Deliveries, 1)
	assert.True(t, a.DeliveredTo("ops-chat"))
}

func TestProcessEvent_LargeTransfer(t *testing.T) {
	h := newHarness(t, dedup.DefaultSettings())

	alerts, err := h.engine.ProcessEvent(context.Background(), transfer("0xBBB", 150000))
	require.NoError(t, err)
	require.Len(t, alerts, 1)
	assert.Equal(t, core.AlertTypeLargeTransfer, alerts[0].Type)
	assert.Equal(t, core.SeverityMedium, alerts[0].Severity)
	assert.Equal(t, "0xtx", alerts[0].TxHash)
	assert.Equal(t, map[string]interface{}{"value_usd": 150000.0}, alerts[0].Payload[core.PayloadMatchedFields])

	alerts, err = h.engine.ProcessEvent(context.Background(), transfer("0xBBB", 50000))
	require.NoError(t, err)
	assert.Empty(t, alerts, "below threshold")
}

func TestProcessEvent_SuppressedRepeat(t *testing.T) {
	h := newHarness(t, dedup.DefaultSettings())
	ctx := context.Background()

	first, err := h.engine.ProcessEvent(ctx, riskEvent("0xAAA", 0.95))
	require.NoError(t, err)
	require.Len(t, first, 1)

	h.clock.Advance(time.Minute)
	second, err := h.engine.ProcessEvent(ctx, riskEvent("0xAAA", 0.95))
	require.NoError(t, err)
	assert.Empty(t, second)

	events := h.engine.GetSuppressionEvents(10)
	require.Len(t, events, 1)
	assert.Equal(t, core.ReasonDedupWindow, events[0].Reason)
	assert.Equal(t, rules.RuleHighRiskAddress, events[0].RuleID)
	assert.Equal(t, "0xAAA", events[0].Entity)
	assert.Equal(t, 1, h.notifier.count(), "suppressed matches are not delivered")

	other, err := h.engine.ProcessEvent(ctx, riskEvent("0xCCC", 0.95))
	require.NoError(t, err)
	assert.Len(t, other, 1, "dedup is per entity")
}

func TestProcessEvent_WindowRollover(t *testing.T) {
	h := newHarness(t, dedup.DefaultSettings())
	ctx := context.Background()

	_, err := h.engine.ProcessEvent(ctx, riskEvent("0xAAA", 0.8))
	require.NoError(t, err)

	h.clock.Advance(dedup.DefaultWindow - time.Second)
	alerts, err := h.engine.ProcessEvent(ctx, riskEvent("0xAAA", 0.8))
	require.NoError(t, err)
	assert.Empty(t, alerts)

	h.clock.Advance(2 * time.Second)
	alerts, err = h.engine.ProcessEvent(ctx, riskEvent("0xAAA", 0.8))
	require.NoError(t, err)
	require.Len(t, alerts, 1)
	assert.Equal(t, core.SeverityHigh, alerts[0].Severity)
}

func TestProcessEvent_InvalidEvent(t *testing.T) {
	h := newHarness(t, dedup.DefaultSettings())

	_, err := h.engine.ProcessEvent(context.Background(), &core.Event{EventID: "e-1", ValueUSD: 1})
	require.Error(t, err)
	assert.ErrorIs(t, err, core.ErrInvalidEvent)

	var invalid *core.InvalidEventError
	require.ErrorAs(t, err, &invalid)
	assert.Equal(t, "e-1", invalid.EventID)
	assert.Contains(t, invalid.Missing, "timestamp")

	_, err = h.engine.ProcessEvent(context.Background(), nil)
	assert.ErrorIs(t, err, core.ErrInvalidEvent)
}

func TestProcessEvent_EnrichmentIncomplete(t *testing.T) {
	h := newHarness(t, dedup.DefaultSettings())
	h.enricher.FailWith(enrich.OpGetLabels, errors.New("label service unavailable"))

	alerts, err := h.engine.ProcessEvent(context.Background(), riskEvent("0xAAA", 0.95))
	require.NoError(t, err)
	require.Len(t, alerts, 1)
	assert.Equal(t, true, alerts[0].Payload[core.PayloadEnrichmentIncomplete])

	errs, ok := alerts[0].Payload[core.PayloadEnrichmentErrors].([]string)
	require.True(t, ok)
	require.Len(t, errs, 1)
	assert.Contains(t, errs[0], "label service unavailable")
}

func TestProcessEvent_EnrichedLabelsDriveRules(t *testing.T) {
	h := newHarness(t, dedup.DefaultSettings())
	h.enricher.SetLabels("0xbad", "OFAC")

	ev := transfer("0xBAD", 10)
	alerts, err := h.engine.ProcessEvent(context.Background(), ev)
	require.NoError(t, err)
	require.Len(t, alerts, 1)
	assert.Equal(t, core.AlertTypeSanctionedLabel, alerts[0].Type)
	assert.Equal(t, []string{"OFAC"}, alerts[0].Payload[core.PayloadLabels])
	assert.Empty(t, ev.Labels, "the caller's event is not modified")
	assert.Empty(t, ev.EventID)
}

func TestProcessEvent_SinkFailureDoesNotAbort(t *testing.T) {
	h := newHarness(t, dedup.DefaultSettings())
	h.notifier.statuses = func(a *core.Alert) []core.DeliveryStatus {
		return []core.DeliveryStatus{
			{Sink: "email", Success: false, Error: "smtp: connection refused"},
			{Sink: "webhook", Success: true},
		}
	}

	alerts, err := h.engine.ProcessEvent(context.Background(), riskEvent("0xAAA", 0.95))
	require.NoError(t, err)
	require.Len(t, alerts, 1)
	assert.True(t, alerts[0].DeliveredTo("webhook"))
	failed := alerts[0].FailedDeliveries()
	require.Len(t, failed, 1)
	assert.Equal(t, "email", failed[0].Sink)

	stored, ok := h.engine.GetAlert(alerts[0].AlertID)
	require.True(t, ok)
	assert.Len(t, stored.Deliveries, 2, "delivery status is kept on the logged alert")
}

func TestProcessEvent_EntityCap(t *testing.T) {
	settings := dedup.DefaultSettings()
	settings.MaxRulesPerEntity = 1
	h := newHarness(t, settings)

	score := 0.95
	ev := transfer("0xAAA", 150000)
	ev.RiskScore = &score

	alerts, err := h.engine.ProcessEvent(context.Background(), ev)
	require.NoError(t, err)
	require.Len(t, alerts, 1)

	stats := h.engine.GetSuppressionStatistics()
	assert.Equal(t, 1, stats.ByReason[string(core.ReasonEntitySuppression)])
}

func TestProcessEventBatch_Independence(t *testing.T) {
	h := newHarness(t, dedup.DefaultSettings())

	events := []*core.Event{
		riskEvent("0x1", 0.95),
		{EventID: "broken"},
		transfer("0x2", 150000),
		nil,
	}
	result := h.engine.ProcessEventBatch(context.Background(), events)

	require.Len(t, result.Errors, 2)
	assert.Equal(t, 1, result.Errors[0].Index)
	assert.Equal(t, "broken", result.Errors[0].EventID)
	assert.ErrorIs(t, result.Errors[0], core.ErrInvalidEvent)
	assert.Equal(t, 3, result.Errors[1].Index)

	require.Len(t, result.Alerts, 2)
	assert.Equal(t, "0x1", result.Alerts[0].Entity, "alerts keep event order")
	assert.Equal(t, "0x2", result.Alerts[1].Entity)
}

func TestProcessEventBatch_DedupUnderConcurrency(t *testing.T) {
	h := newHarness(t, dedup.DefaultSettings())

	events := make([]*core.Event, 50)
	for i := range events {
		events[i] = riskEvent("0xAAA", 0.95)
	}
	result := h.engine.ProcessEventBatch(context.Background(), events)
	assert.Empty(t, result.Errors)
	assert.Len(t, result.Alerts, 1)
	assert.Equal(t, 49, h.engine.GetSuppressionStatistics().Total)
}

func TestCorrelationEscalation(t *testing.T) {
	settings := dedup.DefaultSettings()
	settings.Window = time.Minute
	h := newHarness(t, settings, withCorrelation(t, correlation.Rule{
		ID:          "repeated_large_transfers",
		TriggerType: core.AlertTypeLargeTransfer,
		Window:      10 * time.Minute,
		MinCount:    3,
	}))
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		alerts, err := h.engine.ProcessEvent(ctx, transfer("0xAAA", 150000))
		require.NoError(t, err)
		require.Len(t, alerts, 1)
		h.clock.Advance(2 * time.Minute)
	}

	alerts, err := h.engine.ProcessEvent(ctx, transfer("0xAAA", 150000))
	require.NoError(t, err)
	require.Len(t, alerts, 2)
	assert.Equal(t, core.AlertTypeLargeTransfer, alerts[0].Type)

	esc := alerts[1]
	assert.Equal(t, core.AlertTypeCorrelatedActivity, esc.Type)
	assert.Equal(t, core.SeverityHigh, esc.Severity)
	assert.Equal(t, 3, esc.Payload[core.PayloadCorrelationCount])
	assert.Len(t, esc.Payload[core.PayloadContributingAlerts], 3)
	assert.True(t, esc.DeliveredTo("ops-chat"), "escalations are delivered too")

	h.clock.Advance(2 * time.Minute)
	alerts, err = h.engine.ProcessEvent(ctx, transfer("0xAAA", 150000))
	require.NoError(t, err)
	assert.Len(t, alerts, 1, "one escalation per entity and window")
	assert.Equal(t, 5, h.notifier.count())
}

func TestReloadActivePolicies(t *testing.T) {
	h := newHarness(t, dedup.DefaultSettings())
	ctx := context.Background()

	ev := transfer("0xMIX", 20000)
	ev.Labels = []string{"mixer"}
	alerts, err := h.engine.ProcessEvent(ctx, ev)
	require.NoError(t, err)
	assert.Empty(t, alerts)

	h.enricher.SetTypologyRules([]enrich.TypologyRule{
		{ID: "mixer_outflow", Name: "Mixer outflow", Severity: "high", Enabled: true,
			Condition: `"mixer" in labels and value_usd >= 10000`},
	})
	n, err := h.engine.ReloadActivePolicies(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	alerts, err = h.engine.ProcessEvent(ctx, ev)
	require.NoError(t, err)
	require.Len(t, alerts, 1)
	assert.Equal(t, "mixer_outflow", alerts[0].RuleID)
	assert.Equal(t, core.SeverityHigh, alerts[0].Severity)
	assert.Equal(t, string(core.RuleSourceTypology), alerts[0].Payload[core.PayloadRuleSource])

	h.enricher.FailWith(enrich.OpTypologies, errors.New("unreachable"))
	_, err = h.engine.ReloadActivePolicies(ctx)
	assert.Error(t, err)

	var ids []string
	for _, m := range h.engine.ListRules("") {
		ids = append(ids, m.ID)
	}
	assert.Contains(t, ids, "mixer_outflow", "a failed reload keeps the active rules")
}

func TestSetRuleEnabled(t *testing.T) {
	h := newHarness(t, dedup.DefaultSettings())

	require.NoError(t, h.engine.SetRuleEnabled(rules.RuleHighRiskAddress, false))
	alerts, err := h.engine.ProcessEvent(context.Background(), riskEvent("0xAAA", 0.95))
	require.NoError(t, err)
	assert.Empty(t, alerts)

	assert.ErrorIs(t, h.engine.SetRuleEnabled("nope", true), rules.ErrUnknownRule)
}

func TestSuppressRule(t *testing.T) {
	h := newHarness(t, dedup.DefaultSettings())
	ctx := context.Background()

	h.engine.SuppressRule(rules.RuleHighRiskAddress, time.Hour)
	alerts, err := h.engine.ProcessEvent(ctx, riskEvent("0xAAA", 0.95))
	require.NoError(t, err)
	assert.Empty(t, alerts)
	assert.Equal(t, core.ReasonRuleSuppression, h.engine.GetSuppressionEvents(1)[0].Reason)

	assert.True(t, h.engine.UnsuppressRule(rules.RuleHighRiskAddress))
	alerts, err = h.engine.ProcessEvent(ctx, riskEvent("0xAAA", 0.95))
	require.NoError(t, err)
	assert.Len(t, alerts, 1)

	rows := h.engine.ExportSuppressionEvents()
	require.Len(t, rows, 1)
	var buf bytes.Buffer
	require.NoError(t, h.engine.ExportSuppressionCSV(&buf))
	assert.Contains(t, buf.String(), string(core.ReasonRuleSuppression))
}

func TestUpdateDedupSettings(t *testing.T) {
	h := newHarness(t, dedup.DefaultSettings())
	ctx := context.Background()

	require.NoError(t, h.engine.UpdateDedupSettings(dedup.Settings{}))
	for i := 0; i < 3; i++ {
		alerts, err := h.engine.ProcessEvent(ctx, riskEvent("0xAAA", 0.95))
		require.NoError(t, err)
		assert.Len(t, alerts, 1, "a zero window disables dedup")
	}

	err := h.engine.UpdateDedupSettings(dedup.Settings{Window: -time.Second})
	assert.ErrorIs(t, err, dedup.ErrInvalidSettings)
}

func TestAcknowledgeAndStats(t *testing.T) {
	h := newHarness(t, dedup.DefaultSettings())
	ctx := context.Background()

	crit, err := h.engine.ProcessEvent(ctx, riskEvent("0x1", 0.95))
	require.NoError(t, err)
	_, err = h.engine.ProcessEvent(ctx, riskEvent("0x2", 0.75))
	require.NoError(t, err)
	_, err = h.engine.ProcessEvent(ctx, transfer("0x3", 150000))
	require.NoError(t, err)

	id := crit[0].AlertID
	h.clock.Advance(time.Minute)
	assert.True(t, h.engine.AcknowledgeAlert(id))
	h.clock.Advance(time.Minute)
	assert.True(t, h.engine.AcknowledgeAlert(id))
	assert.False(t, h.engine.AcknowledgeAlert("missing"))

	stored, ok := h.engine.GetAlert(id)
	require.True(t, ok)
	assert.True(t, stored.Acknowledged)
	require.NotNil(t, stored.AcknowledgedAt)
	assert.Equal(t, t0.Add(time.Minute), *stored.AcknowledgedAt, "the first acknowledgement wins")
	assert.False(t, crit[0].Acknowledged, "returned alerts are copies")

	stats := h.engine.GetAlertStats()
	assert.Equal(t, 3, stats.Total)
	assert.Equal(t, 1, stats.Acknowledged)
	assert.Equal(t, 1, stats.BySeverity[string(core.SeverityCritical)])
	assert.Equal(t, 1, stats.BySeverity[string(core.SeverityHigh)])
	assert.Equal(t, 2, stats.ByType[core.AlertTypeHighRiskAddress])
	assert.Equal(t, 1, stats.ByType[core.AlertTypeLargeTransfer])
}

func TestGetRecentAlerts(t *testing.T) {
	h := newHarness(t, dedup.DefaultSettings())
	ctx := context.Background()

	for _, addr := range []string{"0x1", "0x2", "0x3"} {
		_, err := h.engine.ProcessEvent(ctx, riskEvent(addr, 0.95))
		require.NoError(t, err)
	}
	_, err := h.engine.ProcessEvent(ctx, riskEvent("0x4", 0.75))
	require.NoError(t, err)

	recent := h.engine.GetRecentAlerts(2, nil)
	require.Len(t, recent, 2)
	assert.Equal(t, "0x4", recent[0].Entity, "same timestamp falls back to append order")
	assert.Equal(t, "0x3", recent[1].Entity)

	critical := core.SeverityCritical
	filtered := h.engine.GetRecentAlerts(0, &critical)
	require.Len(t, filtered, 3)
	assert.Equal(t, "0x3", filtered[0].Entity)
	assert.Equal(t, "0x1", filtered[2].Entity)
}

func TestAlertLogEviction(t *testing.T) {
	logger := zaptest.NewLogger(t).Sugar()
	store, err := dedup.NewStore(dedup.DefaultSettings(), 10, nil, logger)
	require.NoError(t, err)
	e, err := New(Config{MaxAlerts: 2}, Deps{
		Rules:  rules.NewRegistry(rules.Builtins(rules.DefaultThresholds()), logger),
		Dedup:  store,
		Logger: logger,
	})
	require.NoError(t, err)

	var ids []string
	for _, addr := range []string{"0x1", "0x2", "0x3"} {
		alerts, err := e.ProcessEvent(context.Background(), riskEvent(addr, 0.95))
		require.NoError(t, err)
		require.Len(t, alerts, 1)
		ids = append(ids, alerts[0].AlertID)
	}

	assert.False(t, e.AcknowledgeAlert(ids[0]), "evicted alerts cannot be acknowledged")
	assert.True(t, e.AcknowledgeAlert(ids[2]))

	stats := e.GetAlertStats()
	assert.Equal(t, 2, stats.Total)
	assert.Equal(t, 3, stats.Generated)
	assert.Equal(t, 1, stats.Evicted)
}

func TestNewRequiresCollaborators(t *testing.T) {
	_, err := New(Config{}, Deps{})
	assert.Error(t, err)

	logger := zaptest.NewLogger(t).Sugar()
	_, err = New(Config{}, Deps{Rules: rules.NewRegistry(nil, logger)})
	assert.Error(t, err)
}

func TestConfigDefaults(t *testing.T) {
	h := newHarness(t, dedup.DefaultSettings())
	cfg := h.engine.Config()
	assert.Equal(t, DefaultMaxAlerts, cfg.MaxAlerts)
	assert.Equal(t, DefaultBatchWorkers, cfg.BatchWorkers)
	assert.Equal(t, DefaultEnrichmentTimeout, cfg.EnrichmentTimeout)
}

func TestPrune(t *testing.T) {
	h := newHarness(t, dedup.DefaultSettings())
	_, err := h.engine.ProcessEvent(context.Background(), riskEvent("0xAAA", 0.95))
	require.NoError(t, err)

	assert.Zero(t, h.engine.Prune(t0.Add(time.Minute)))
	assert.Equal(t, 1, h.engine.Prune(t0.Add(time.Hour)))
}

func TestProcessAdapter(t *testing.T) {
	h := newHarness(t, dedup.DefaultSettings())
	require.NoError(t, h.engine.Process(context.Background(), riskEvent("0xAAA", 0.95)))
	assert.ErrorIs(t, h.engine.Process(context.Background(), &core.Event{}), core.ErrInvalidEvent)
	assert.Equal(t, 1, h.notifier.count())
}
