package cmd

import (
	"bufio"
	"bytes"
	"strings"
	"testing"
	"time"

	"chainwatch/core"
	"chainwatch/kyt"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTruncate(t *testing.T) {
	assert.Equal(t, "short", truncate("short", 10))
	assert.Equal(t, "abcdefg...", truncate("abcdefghijklmnop", 10))
	assert.Equal(t, "ab", truncate("abcdef", 2))
}

func TestFormatTimeSince(t *testing.T) {
	assert.Equal(t, "Never", formatTimeSince(time.Time{}))
	assert.Equal(t, "5m ago", formatTimeSince(time.Now().Add(-5*time.Minute-time.Second)))
	assert.Equal(t, "3h ago", formatTimeSince(time.Now().Add(-3*time.Hour-time.Minute)))
	assert.Equal(t, "1 day ago", formatTimeSince(time.Now().Add(-25*time.Hour)))
	assert.Equal(t, "4 days ago", formatTimeSince(time.Now().Add(-4*24*time.Hour-time.Hour)))
}

func TestRenderRulesTable(t *testing.T) {
	var buf bytes.Buffer
	renderRulesTable(&buf, nil)
	assert.Contains(t, buf.String(), "No rules loaded")

	buf.Reset()
	renderRulesTable(&buf, []core.RuleMetadata{
		{ID: "large_transfer", Name: "Large transfer", Severity: core.SeverityMedium, Source: core.RuleSourceBuiltin, Enabled: true, Type: "large_transfer"},
		{ID: "peel_chain_hop", Name: "Peel chain hop", Severity: core.SeverityHigh, Source: core.RuleSourceTypology, Variant: "strict"},
	})
	out := buf.String()
	assert.Contains(t, out, "large_transfer")
	assert.Contains(t, out, "strict")
	assert.Contains(t, out, "2 rule(s)")
}

func TestRenderAssessment(t *testing.T) {
	var buf bytes.Buffer
	renderAssessment(&buf, kyt.Assessment{
		Address:        "0xAAA",
		RiskScore:      0.75,
		Level:          kyt.RiskHigh,
		TriggeredRules: []string{"high_risk_address", "large_transfer"},
		Severity:       core.SeverityHigh,
		AnalyzedAt:     time.Date(2024, 6, 3, 14, 0, 0, 0, time.UTC),
	})
	out := buf.String()
	assert.Contains(t, out, "0.75")
	assert.Contains(t, out, "high_risk_address, large_transfer")
	assert.Contains(t, out, "2024-06-03 14:00:00")
}

func TestPromptTransaction(t *testing.T) {
	input := strings.Join([]string{"0xAAA", "", "0xhash", "150000", "0.8", "mixer, exchange"}, "\n") + "\n"
	var out bytes.Buffer
	var tx kyt.Transaction
	require.NoError(t, promptTransaction(bufio.NewReader(strings.NewReader(input)), &out, &tx))

	assert.Equal(t, "0xAAA", tx.From)
	assert.Empty(t, tx.To)
	assert.Equal(t, "0xhash", tx.TxHash)
	assert.Equal(t, 150000.0, tx.ValueUSD)
	assert.Equal(t, 0.8, tx.RiskScore)
	assert.Equal(t, []string{"mixer", "exchange"}, tx.Labels)

	tx = kyt.Transaction{From: "0xAAA"}
	err := promptTransaction(bufio.NewReader(strings.NewReader("\n\nlots\n")), &out, &tx)
	assert.Error(t, err)
}
