package core

import (
	"errors"
	"fmt"
	"reflect"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
)

// Event is an inbound fact describing blockchain activity. Events are
// transient: created at the ingestion boundary and consumed once.
type Event struct {
	EventID   string                 `json:"event_id,omitempty" msgpack:"event_id,omitempty"`
	Chain     string                 `json:"chain,omitempty" msgpack:"chain,omitempty"`
	TxHash    string                 `json:"tx_hash,omitempty" msgpack:"tx_hash,omitempty"`
	From      string                 `json:"from,omitempty" msgpack:"from,omitempty"`
	To        string                 `json:"to,omitempty" msgpack:"to,omitempty"`
	Address   string                 `json:"address,omitempty" msgpack:"address,omitempty" validate:"required_without_all=From To"`
	ValueUSD  float64                `json:"value_usd,omitempty" msgpack:"value_usd,omitempty" validate:"gte=0"`
	RiskScore *float64               `json:"risk_score,omitempty" msgpack:"risk_score,omitempty" validate:"omitempty,gte=0,lte=1"`
	Labels    []string               `json:"labels,omitempty" msgpack:"labels,omitempty"`
	Metadata  map[string]interface{} `json:"metadata,omitempty" msgpack:"metadata,omitempty"`
	Timestamp time.Time              `json:"timestamp" msgpack:"timestamp" validate:"required"`

	// Bridge is set by the enrichment step when the transfer crosses a bridge.
	Bridge *BridgeInfo `json:"bridge,omitempty" msgpack:"bridge,omitempty"`
}

// BridgeInfo describes a cross-chain bridge hop detected during enrichment.
type BridgeInfo struct {
	Protocol         string `json:"protocol" msgpack:"protocol"`
	SourceChain      string `json:"source_chain" msgpack:"source_chain"`
	DestinationChain string `json:"destination_chain" msgpack:"destination_chain"`
	Contract         string `json:"contract,omitempty" msgpack:"contract,omitempty"`
}

// InvalidEventError is returned for events that cannot be scored at all.
// It names every missing or out-of-range field.
type InvalidEventError struct {
	EventID string
	Missing []string
	Invalid []string
}

// Error implements the error interface.
func (e *InvalidEventError) Error() string {
	var parts []string
	if len(e.Missing) > 0 {
		parts = append(parts, "missing required field(s): "+strings.Join(e.Missing, ", "))
	}
	if len(e.Invalid) > 0 {
		parts = append(parts, "invalid field(s): "+strings.Join(e.Invalid, ", "))
	}
	if len(parts) == 0 {
		parts = append(parts, "malformed event")
	}
	if e.EventID != "" {
		return fmt.Sprintf("invalid event %s: %s", e.EventID, strings.Join(parts, "; "))
	}
	return "invalid event: " + strings.Join(parts, "; ")
}

// ErrInvalidEvent is the sentinel matched by errors.Is for any *InvalidEventError.
var ErrInvalidEvent = errors.New("invalid event")

// Is implements error matching for errors.Is().
func (e *InvalidEventError) Is(target error) bool {
	return target == ErrInvalidEvent
}

// addressFields is reported when none of address/from/to is set.
const addressFields = "address|from|to"

var eventValidator = newEventValidator()

func newEventValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	// Report json names so errors match the wire format
	v.RegisterTagNameFunc(func(fld reflect.StructField) string {
		name := strings.SplitN(fld.Tag.Get("json"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		return name
	})
	return v
}

// Validate checks the fields the pipeline cannot work without.
func (e *Event) Validate() error {
	if e == nil {
		return &InvalidEventError{Missing: []string{"timestamp", addressFields}}
	}

	err := eventValidator.Struct(e)
	if err == nil {
		return nil
	}

	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return &InvalidEventError{EventID: e.EventID, Invalid: []string{err.Error()}}
	}

	out := &InvalidEventError{EventID: e.EventID}
	for _, fe := range verrs {
		switch fe.Tag() {
		case "required":
			out.Missing = append(out.Missing, fe.Field())
		case "required_without_all":
			out.Missing = append(out.Missing, addressFields)
		default:
			out.Invalid = append(out.Invalid, fe.Field())
		}
	}
	return out
}

// EnsureID assigns a UUID when the producer did not supply one.
func (e *Event) EnsureID() string {
	if e.EventID == "" {
		e.EventID = uuid.New().String()
	}
	return e.EventID
}

// EntityKey returns the subject entity used for dedup and correlation.
func (e *Event) EntityKey() string {
	switch {
	case e.Address != "":
		return e.Address
	case e.From != "":
		return e.From
	default:
		return e.To
	}
}

// HasLabel reports whether the event carries the given label (case-insensitive).
func (e *Event) HasLabel(label string) bool {
	for _, l := range e.Labels {
		if strings.EqualFold(l, label) {
			return true
		}
	}
	return false
}

// AddLabels merges labels, skipping duplicates.
func (e *Event) AddLabels(labels ...string) {
	for _, l := range labels {
		if l == "" || e.HasLabel(l) {
			continue
		}
		e.Labels = append(e.Labels, l)
	}
}

// Context flattens the event into the variable map seen by condition
// expressions. risk_score and bridge are present only when set, so rules can
// probe them as optional fields.
func (e *Event) Context() map[string]interface{} {
	labels := make([]interface{}, len(e.Labels))
	for i, l := range e.Labels {
		labels[i] = l
	}

	metadata := make(map[string]interface{}, len(e.Metadata))
	for k, v := range e.Metadata {
		metadata[k] = v
	}

	ctx := map[string]interface{}{
		"event_id":  e.EventID,
		"chain":     e.Chain,
		"tx_hash":   e.TxHash,
		"from":      e.From,
		"to":        e.To,
		"address":   e.EntityKey(),
		"value_usd": e.ValueUSD,
		"labels":    labels,
		"metadata":  metadata,
		"timestamp": float64(e.Timestamp.Unix()),
	}
	if e.RiskScore != nil {
		ctx["risk_score"] = *e.RiskScore
	}
	if e.Bridge != nil {
		ctx["bridge"] = map[string]interface{}{
			"protocol":          e.Bridge.Protocol,
			"source_chain":      e.Bridge.SourceChain,
			"destination_chain": e.Bridge.DestinationChain,
			"contract":          e.Bridge.Contract,
		}
	}
	return ctx
}

// Clone returns a copy safe to enrich without mutating the caller's event.
func (e *Event) Clone() *Event {
	c := *e
	if e.RiskScore != nil {
		score := *e.RiskScore
		c.RiskScore = &score
	}
	c.Labels = append([]string(nil), e.Labels...)
	if e.Metadata != nil {
		c.Metadata = make(map[string]interface{}, len(e.Metadata))
		for k, v := range e.Metadata {
			c.Metadata[k] = v
		}
	}
	if e.Bridge != nil {
		b := *e.Bridge
		c.Bridge = &b
	}
	return &c
}
