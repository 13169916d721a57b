package core

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSeverityOrdering(t *testing.T) {
	assert.True(t, SeverityLow.Less(SeverityMedium))
	assert.True(t, SeverityMedium.Less(SeverityHigh))
	assert.True(t, SeverityHigh.Less(SeverityCritical))
	assert.False(t, SeverityCritical.Less(SeverityHigh))
	assert.True(t, SeverityHigh.AtLeast(SeverityHigh))
	assert.False(t, SeverityLow.AtLeast(SeverityMedium))
	assert.Equal(t, SeverityCritical, MaxSeverity(SeverityHigh, SeverityCritical))

	for i := 1; i < len(AllSeverities); i++ {
		assert.True(t, AllSeverities[i-1].Less(AllSeverities[i]))
	}
}

func TestSeverityEscalate(t *testing.T) {
	assert.Equal(t, SeverityMedium, SeverityLow.Escalate())
	assert.Equal(t, SeverityHigh, SeverityMedium.Escalate())
	assert.Equal(t, SeverityCritical, SeverityHigh.Escalate())
	assert.Equal(t, SeverityCritical, SeverityCritical.Escalate())
}

func TestParseSeverity(t *testing.T) {
	sev, err := ParseSeverity(" High ")
	require.NoError(t, err)
	assert.Equal(t, SeverityHigh, sev)

	_, err = ParseSeverity("urgent")
	assert.Error(t, err)
	assert.False(t, Severity("urgent").IsValid())
	assert.Equal(t, 0, Severity("urgent").Rank())
}

func TestAlertCloneIsIndependent(t *testing.T) {
	alert := NewAlert(AlertTypeLargeTransfer, SeverityHigh, "0x1", time.Now())
	alert.Payload["rule_id"] = "large_transfer"
	alert.Deliveries = []DeliveryStatus{{Sink: "email", Success: true}, {Sink: "webhook", Error: "timeout"}}

	clone := alert.Clone()
	clone.Payload["rule_id"] = "other"
	clone.Deliveries[0].Success = false

	assert.Equal(t, "large_transfer", alert.Payload["rule_id"])
	assert.True(t, alert.DeliveredTo("email"))
	assert.False(t, alert.DeliveredTo("webhook"))
	assert.Len(t, alert.FailedDeliveries(), 1)
}
