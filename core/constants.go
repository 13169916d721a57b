package core

import "time"

// Alert types produced by the built-in rules.
const (
	AlertTypeLargeTransfer      = "large transfer"
	AlertTypeHighRiskAddress    = "high risk address"
	AlertTypeSanctionedLabel    = "sanctioned counterparty"
	AlertTypeTypologyMatch      = "typology match"
	AlertTypeCorrelatedActivity = "correlated activity"
)

const (
	// HTTPClientTimeout bounds outbound webhook requests
	HTTPClientTimeout = 10 * time.Second
	// MaxSinkTimeout is the upper bound for a single notification attempt
	MaxSinkTimeout = 10 * time.Second
	// UserAgent is sent with every outbound HTTP notification
	UserAgent = "chainwatch-alert-engine/1.0"
)
