package ingest

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"chainwatch/core"

	"github.com/vmihailenco/msgpack/v5"
)

// Content types understood by ContentTypeDeserializer.
const (
	HeaderContentType  = "content-type"
	ContentTypeJSON    = "application/json"
	ContentTypeMsgpack = "application/msgpack"
)

// ErrDeserialize wraps every payload decoding failure.
var ErrDeserialize = errors.New("failed to deserialize message")

// Deserializer turns a raw message into an event.
type Deserializer interface {
	Deserialize(msg *Message) (*core.Event, error)
}

// ContentTypeDeserializer decodes JSON by default and msgpack when the
// content-type header asks for it.
type ContentTypeDeserializer struct{}

// Deserialize implements Deserializer.
func (ContentTypeDeserializer) Deserialize(msg *Message) (*core.Event, error) {
	if len(msg.Value) == 0 {
		return nil, fmt.Errorf("%w: empty payload", ErrDeserialize)
	}

	var event core.Event
	contentType := strings.ToLower(strings.TrimSpace(msg.Header(HeaderContentType)))
	if i := strings.IndexByte(contentType, ';'); i >= 0 {
		contentType = strings.TrimSpace(contentType[:i])
	}

	switch contentType {
	case ContentTypeMsgpack, "application/x-msgpack":
		if err := msgpack.Unmarshal(msg.Value, &event); err != nil {
			return nil, fmt.Errorf("%w: msgpack: %v", ErrDeserialize, err)
		}
	case "", ContentTypeJSON:
		if err := json.Unmarshal(msg.Value, &event); err != nil {
			return nil, fmt.Errorf("%w: json: %v", ErrDeserialize, err)
		}
	default:
		return nil, fmt.Errorf("%w: unsupported content type %q", ErrDeserialize, contentType)
	}
	return &event, nil
}
