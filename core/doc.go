// Package core defines the domain model shared by the chainwatch pipeline.
//
// # Overview
//
// The core package provides:
//   - Domain types (Event, Alert, Severity, RuleMetadata, SuppressionEvent)
//   - Validation of inbound events (InvalidEventError)
//   - Constants for alert types and delivery defaults
//   - The CircuitBreaker used to protect notification sinks
//
// Everything that evaluates, stores or transports these types lives in its
// own package (expr, rules, dedup, correlation, engine, notify, ingest, kyt)
// and depends on core, never the reverse.
package core
