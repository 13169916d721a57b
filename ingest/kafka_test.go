package ingest

import (
	"testing"
	"time"

	"github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

func TestKafkaConfigValidate(t *testing.T) {
	valid := KafkaConfig{Brokers: []string{"localhost:9092"}, Topic: "events", GroupID: "chainwatch"}
	require.NoError(t, valid.Validate())
	assert.Equal(t, kafka.FirstOffset, valid.startOffset())

	latest := valid
	latest.StartOffset = "LATEST"
	require.NoError(t, latest.Validate())
	assert.Equal(t, kafka.LastOffset, latest.startOffset())

	tests := []struct {
		name   string
		mutate func(*KafkaConfig)
	}{
		{"no brokers", func(c *KafkaConfig) { c.Brokers = nil }},
		{"no topic", func(c *KafkaConfig) { c.Topic = "" }},
		{"no group", func(c *KafkaConfig) { c.GroupID = "" }},
		{"bad offset", func(c *KafkaConfig) { c.StartOffset = "middle" }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := valid
			tt.mutate(&c)
			assert.Error(t, c.Validate())
		})
	}
}

func TestKafkaMessageConversion(t *testing.T) {
	ts := time.Date(2024, 6, 3, 14, 0, 0, 0, time.UTC)
	m := fromKafka(kafka.Message{
		Topic:     "events",
		Partition: 3,
		Offset:    77,
		Key:       []byte("0xAAA"),
		Value:     []byte(validEvent),
		Headers:   []kafka.Header{{Key: "content-type", Value: []byte(ContentTypeMsgpack)}},
		Time:      ts,
	})
	assert.Equal(t, "events", m.Topic)
	assert.Equal(t, 3, m.Partition)
	assert.Equal(t, int64(77), m.Offset)
	assert.Equal(t, ContentTypeMsgpack, m.Header(HeaderContentType))
	assert.Equal(t, ts, m.Time)

	back := toKafka(m)
	assert.Equal(t, "events", back.Topic)
	assert.Equal(t, 3, back.Partition)
	assert.Equal(t, int64(77), back.Offset)

	headers := toKafkaHeaders(map[string]string{HeaderReason: ReasonDeserializeFailed})
	require.Len(t, headers, 1)
	assert.Equal(t, HeaderReason, headers[0].Key)
	assert.Equal(t, []byte(ReasonDeserializeFailed), headers[0].Value)
}

func TestNewKafkaComponentsValidate(t *testing.T) {
	logger := zaptest.NewLogger(t).Sugar()
	_, err := NewKafkaSource(KafkaConfig{Topic: "events"}, logger)
	assert.Error(t, err)

	_, err = NewKafkaDLQPublisher(KafkaConfig{}, logger)
	assert.Error(t, err)

	p, err := NewKafkaDLQPublisher(KafkaConfig{Brokers: []string{"localhost:9092"}}, logger)
	require.NoError(t, err)
	assert.NoError(t, p.Close())
}
