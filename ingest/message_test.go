package ingest

import (
	"errors"
	"strings"
	"testing"
	"time"

	"chainwatch/core"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/vmihailenco/msgpack/v5"
)

func TestSanitizeASCII(t *testing.T) {
	tests := []struct {
		in, want string
	}{
		{"processing_failed_after_3_retries", "processing_failed_after_3_retries"},
		{"dedup ✓\n", "dedup ??"},
		{"tab\there", "tab?here"},
		{"", ""},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, SanitizeASCII(tt.in))
	}
}

func TestProcessingFailedReason(t *testing.T) {
	assert.Equal(t, "processing_failed_after_3_retries", ProcessingFailedReason(3))
}

func TestEnvelopeHeaders(t *testing.T) {
	m := &Message{Topic: "événements", Partition: 4, Offset: 99, Key: []byte("k")}
	env := NewEnvelope(m, "processing_failed_after_3_retries", errors.New(strings.Repeat("x", 600)+"é"), 3,
		time.Date(2024, 6, 3, 14, 0, 0, 0, time.FixedZone("CEST", 2*3600)))

	h := env.Headers()
	assert.Equal(t, "processing_failed_after_3_retries", h[HeaderReason])
	assert.Equal(t, "?v?nements", h[HeaderOriginalTopic])
	assert.Equal(t, "4", h[HeaderOriginalPartition])
	assert.Equal(t, "99", h[HeaderOriginalOffset])
	assert.Len(t, h[HeaderError], maxErrorHeaderLen)
	assert.Equal(t, time.UTC, env.FailedAt.Location())
	assert.Equal(t, []byte("k"), env.Key)

	noErr := NewEnvelope(m, ReasonDeserializeFailed, nil, 0, time.Now())
	assert.NotContains(t, noErr.Headers(), HeaderError)
}

func TestMessageHeader(t *testing.T) {
	m := &Message{Headers: map[string]string{"Content-Type": "application/msgpack"}}
	assert.Equal(t, "application/msgpack", m.Header("content-type"))
	assert.Equal(t, "application/msgpack", m.Header("Content-Type"))
	assert.Empty(t, m.Header("reason"))
	assert.Empty(t, (&Message{}).Header("reason"))
}

func TestContentTypeDeserializer(t *testing.T) {
	d := ContentTypeDeserializer{}

	ev, err := d.Deserialize(&Message{Value: []byte(validEvent)})
	require.NoError(t, err)
	assert.Equal(t, "0xAAA", ev.Address)
	assert.Equal(t, 150000.0, ev.ValueUSD)

	ev, err = d.Deserialize(&Message{
		Value:   []byte(validEvent),
		Headers: map[string]string{HeaderContentType: "application/json; charset=utf-8"},
	})
	require.NoError(t, err)
	assert.Equal(t, "0xAAA", ev.Address)

	packed, err := msgpack.Marshal(&core.Event{From: "0x1", To: "0x2", ValueUSD: 10, Timestamp: time.Unix(1717423200, 0)})
	require.NoError(t, err)
	ev, err = d.Deserialize(&Message{Value: packed, Headers: map[string]string{HeaderContentType: "application/x-msgpack"}})
	require.NoError(t, err)
	assert.Equal(t, "0x1", ev.From)
	assert.True(t, ev.Timestamp.Equal(time.Unix(1717423200, 0)))

	failures := []*Message{
		{},
		{Value: []byte("{")},
		{Value: []byte("not msgpack"), Headers: map[string]string{HeaderContentType: ContentTypeMsgpack}},
		{Value: []byte(validEvent), Headers: map[string]string{HeaderContentType: "text/csv"}},
	}
	for _, m := range failures {
		_, err := d.Deserialize(m)
		assert.ErrorIs(t, err, ErrDeserialize)
	}
}
