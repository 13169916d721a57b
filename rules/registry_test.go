package rules

import (
	"context"
	"errors"
	"sync"
	"testing"

	"chainwatch/core"
	"chainwatch/enrich"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest"
	"go.uber.org/zap/zaptest/observer"
)

// staticSource serves a fixed rule list, or an error
type staticSource struct {
	name  string
	rules []*TypologyRule
	err   error
}

func (s *staticSource) Name() string { return s.name }

func (s *staticSource) Load(context.Context) ([]*TypologyRule, error) {
	return s.rules, s.err
}

func compiled(t *testing.T, r *TypologyRule) *TypologyRule {
	t.Helper()
	require.NoError(t, r.Compile())
	return r
}

func ruleIDs(rules []Rule) []string {
	ids := make([]string, len(rules))
	for i, r := range rules {
		ids[i] = r.Metadata().ID
	}
	return ids
}

func TestRegistryReloadAndVariants(t *testing.T) {
	src := &staticSource{name: "test", rules: []*TypologyRule{
		compiled(t, &TypologyRule{ID: "zeta", Condition: "value_usd > 1"}),
		compiled(t, &TypologyRule{ID: "alpha_b", Variant: "b", Condition: "value_usd > 1"}),
		compiled(t, &TypologyRule{ID: "alpha_a", Variant: "a", Condition: "value_usd > 1"}),
	}}
	reg := NewRegistry(Builtins(DefaultThresholds()), zaptest.NewLogger(t).Sugar(), src)

	assert.Equal(t, 3, reg.Snapshot().Len(), "builtins only before first reload")

	n, err := reg.Reload(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 3, n)

	all := reg.ListRules("")
	require.Len(t, all, 6)
	assert.Equal(t, "alpha_a", all[0].ID, "listing sorted by id")

	variantA := reg.ListRules("a")
	ids := make([]string, len(variantA))
	for i, m := range variantA {
		ids[i] = m.ID
	}
	assert.ElementsMatch(t, []string{"alpha_a", "zeta", RuleLargeTransfer, RuleHighRiskAddress, RuleSanctionedLabel}, ids)

	active := ruleIDs(reg.Snapshot().Active("b"))
	assert.Equal(t, []string{RuleLargeTransfer, RuleHighRiskAddress, RuleSanctionedLabel, "alpha_b", "zeta"}, active,
		"builtins evaluate first, typology rules in id order")
}

func TestRegistryBuiltinIDWins(t *testing.T) {
	logCore, logs := observer.New(zap.WarnLevel)
	src := &staticSource{name: "test", rules: []*TypologyRule{
		compiled(t, &TypologyRule{ID: "large_transfer", Severity: "low", Condition: "value_usd > 1"}),
		compiled(t, &TypologyRule{ID: "own_rule", Condition: "value_usd > 1"}),
	}}
	reg := NewRegistry(Builtins(DefaultThresholds()), zap.New(logCore).Sugar(), src)

	n, err := reg.Reload(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	r, ok := reg.Snapshot().Get("large_transfer")
	require.True(t, ok)
	assert.Equal(t, core.RuleSourceBuiltin, r.Metadata().Source)

	warned := logs.FilterMessageSnippet("collides with a built-in").All()
	require.Len(t, warned, 1)
	assert.Equal(t, "large_transfer", warned[0].ContextMap()["rule_id"])
}

func TestRegistryReloadFailureKeepsCurrent(t *testing.T) {
	good := &staticSource{name: "good", rules: []*TypologyRule{compiled(t, &TypologyRule{ID: "r1", Condition: "true"})}}
	reg := NewRegistry(nil, zaptest.NewLogger(t).Sugar(), good)

	_, err := reg.Reload(context.Background())
	require.NoError(t, err)
	before := reg.Snapshot()

	good.err = errors.New("backend unavailable")
	_, err = reg.Reload(context.Background())
	require.Error(t, err)
	assert.Same(t, before, reg.Snapshot())
	assert.Len(t, reg.ListRules(""), 1)
}

func TestRegistrySetEnabledSurvivesReload(t *testing.T) {
	disabled := false
	src := &staticSource{name: "test", rules: []*TypologyRule{
		compiled(t, &TypologyRule{ID: "on", Condition: "true"}),
		compiled(t, &TypologyRule{ID: "off", Enabled: &disabled, Condition: "true"}),
	}}
	reg := NewRegistry(Builtins(DefaultThresholds()), zaptest.NewLogger(t).Sugar(), src)
	_, err := reg.Reload(context.Background())
	require.NoError(t, err)

	assert.NotContains(t, ruleIDs(reg.Snapshot().Active("")), "off")

	require.NoError(t, reg.SetEnabled(RuleLargeTransfer, false))
	require.NoError(t, reg.SetEnabled("off", true))
	assert.ErrorIs(t, reg.SetEnabled("missing", true), ErrUnknownRule)

	check := func() {
		active := ruleIDs(reg.Snapshot().Active(""))
		assert.NotContains(t, active, RuleLargeTransfer)
		assert.Contains(t, active, "off")
		for _, m := range reg.ListRules("") {
			if m.ID == RuleLargeTransfer {
				assert.False(t, m.Enabled)
			}
		}
	}
	check()

	v := reg.Snapshot().Version()
	_, err = reg.Reload(context.Background())
	require.NoError(t, err)
	assert.Greater(t, reg.Snapshot().Version(), v)
	check()
}

func TestRegistryConcurrentReloadAndRead(t *testing.T) {
	src := &staticSource{name: "test", rules: []*TypologyRule{compiled(t, &TypologyRule{ID: "r", Condition: "value_usd > 1"})}}
	reg := NewRegistry(Builtins(DefaultThresholds()), zaptest.NewLogger(t).Sugar(), src)

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(2)
		go func() {
			defer wg.Done()
			_, _ = reg.Reload(context.Background())
		}()
		go func() {
			defer wg.Done()
			snap := reg.Snapshot()
			n := len(snap.Active(""))
			assert.True(t, n == 3 || n == 4, "a snapshot is either the old or the new rule set, got %d", n)
		}()
	}
	wg.Wait()
}

func TestEnricherSource(t *testing.T) {
	static := enrich.NewStaticEnricher(nil)
	static.SetTypologyRules([]enrich.TypologyRule{
		{ID: "remote_ok", Severity: "high", Enabled: true, Condition: `"mixer" in labels`},
		{ID: "remote_disabled", Severity: "low", Enabled: false, Condition: "true"},
		{ID: "remote_bad", Severity: "high", Enabled: true, Condition: "__import__('os')"},
	})

	src := NewEnricherSource(static, zaptest.NewLogger(t).Sugar(), 0)
	loaded, err := src.Load(context.Background())
	require.NoError(t, err)
	require.Len(t, loaded, 2)
	assert.Equal(t, core.SeverityHigh, loaded[0].Severity)
	assert.False(t, loaded[1].IsEnabled())

	static.FailWith(enrich.OpTypologies, errors.New("down"))
	_, err = src.Load(context.Background())
	assert.Error(t, err)
}

func TestDirSource(t *testing.T) {
	src := NewDirSource("../typologies", NewLoader(zaptest.NewLogger(t).Sugar(), 0))
	reg := NewRegistry(Builtins(DefaultThresholds()), zaptest.NewLogger(t).Sugar(), src)

	n, err := reg.Reload(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 5, n)

	_, ok := reg.Snapshot().Get("mixer_outflow")
	assert.True(t, ok)
	assert.NotContains(t, ruleIDs(reg.Snapshot().Active("stable")), "address_poisoning")
}
