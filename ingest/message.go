// Package ingest consumes blockchain events from a message queue, runs them
// through the alert engine and routes messages that cannot be processed to
// a dead letter topic.
package ingest

import (
	"context"
	"strconv"
	"strings"
	"time"

	"chainwatch/core"
)

// Message is one record pulled from the inbound queue.
type Message struct {
	Topic     string
	Partition int
	Offset    int64
	Key       []byte
	Value     []byte
	Headers   map[string]string
	Time      time.Time
}

// Header looks up a header case-insensitively.
func (m *Message) Header(name string) string {
	if v, ok := m.Headers[name]; ok {
		return v
	}
	for k, v := range m.Headers {
		if strings.EqualFold(k, name) {
			return v
		}
	}
	return ""
}

// Source is the inbound queue.
type Source interface {
	// Poll returns the next message, or nil and no error when timeout
	// elapses without one.
	Poll(ctx context.Context, timeout time.Duration) (*Message, error)
	// Commit advances the group position past msg.
	Commit(ctx context.Context, msg *Message) error
	Close() error
}

// DLQPublisher publishes dead letter envelopes.
type DLQPublisher interface {
	Publish(ctx context.Context, topic string, key, value []byte, headers map[string]string) error
}

// Processor handles one decoded event. engine.Engine implements it.
type Processor interface {
	Process(ctx context.Context, event *core.Event) error
}

// Dead letter reasons.
const (
	ReasonDeserializeFailed = "deserialize_failed"
	ReasonInvalidEvent      = "invalid_event"
)

// ProcessingFailedReason is the reason recorded after n failed attempts.
func ProcessingFailedReason(n int) string {
	return "processing_failed_after_" + strconv.Itoa(n) + "_retries"
}

// Dead letter header names.
const (
	HeaderReason            = "reason"
	HeaderError             = "error"
	HeaderOriginalTopic     = "original_topic"
	HeaderOriginalPartition = "original_partition"
	HeaderOriginalOffset    = "original_offset"
)

const maxErrorHeaderLen = 512

// Envelope wraps a message that could not be processed.
type Envelope struct {
	OriginalTopic     string    `json:"original_topic"`
	OriginalPartition int       `json:"original_partition"`
	OriginalOffset    int64     `json:"original_offset"`
	Key               []byte    `json:"key,omitempty"`
	Value             []byte    `json:"value"`
	Reason            string    `json:"reason"`
	Error             string    `json:"error,omitempty"`
	Attempts          int       `json:"attempts"`
	FailedAt          time.Time `json:"failed_at"`
}

// NewEnvelope builds the envelope for msg.
func NewEnvelope(msg *Message, reason string, cause error, attempts int, failedAt time.Time) Envelope {
	env := Envelope{
		OriginalTopic:     msg.Topic,
		OriginalPartition: msg.Partition,
		OriginalOffset:    msg.Offset,
		Key:               msg.Key,
		Value:             msg.Value,
		Reason:            reason,
		Attempts:          attempts,
		FailedAt:          failedAt.UTC(),
	}
	if cause != nil {
		env.Error = cause.Error()
	}
	return env
}

// Headers returns the dead letter message headers. Values are ASCII.
func (e Envelope) Headers() map[string]string {
	h := map[string]string{
		HeaderReason:            SanitizeASCII(e.Reason),
		HeaderOriginalTopic:     SanitizeASCII(e.OriginalTopic),
		HeaderOriginalPartition: strconv.Itoa(e.OriginalPartition),
		HeaderOriginalOffset:    strconv.FormatInt(e.OriginalOffset, 10),
	}
	if e.Error != "" {
		errText := SanitizeASCII(e.Error)
		if len(errText) > maxErrorHeaderLen {
			errText = errText[:maxErrorHeaderLen]
		}
		h[HeaderError] = errText
	}
	return h
}

// SanitizeASCII replaces every byte outside printable ASCII with '?'.
func SanitizeASCII(s string) string {
	var b strings.Builder
	b.Grow(len(s))
	for _, r := range s {
		if r >= 0x20 && r < 0x7f {
			b.WriteRune(r)
		} else {
			b.WriteByte('?')
		}
	}
	return b.String()
}
