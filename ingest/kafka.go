package ingest

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"
)

// KafkaConfig configures the Kafka source and dead letter publisher.
type KafkaConfig struct {
	Brokers  []string      `mapstructure:"brokers"`
	Topic    string        `mapstructure:"topic"`
	GroupID  string        `mapstructure:"group_id"`
	MinBytes int           `mapstructure:"min_bytes"`
	MaxBytes int           `mapstructure:"max_bytes"`
	MaxWait  time.Duration `mapstructure:"max_wait"`
	// StartOffset is "earliest" or "latest" for a group without committed offsets
	StartOffset  string        `mapstructure:"start_offset"`
	WriteTimeout time.Duration `mapstructure:"write_timeout"`
}

// Validate checks the fields every Kafka component needs.
func (c KafkaConfig) Validate() error {
	if len(c.Brokers) == 0 {
		return errors.New("kafka: at least one broker is required")
	}
	if c.Topic == "" {
		return errors.New("kafka: topic is required")
	}
	if c.GroupID == "" {
		return errors.New("kafka: group_id is required")
	}
	switch strings.ToLower(c.StartOffset) {
	case "", "earliest", "latest":
	default:
		return fmt.Errorf("kafka: start_offset must be earliest or latest, got %q", c.StartOffset)
	}
	return nil
}

func (c KafkaConfig) startOffset() int64 {
	if strings.EqualFold(c.StartOffset, "latest") {
		return kafka.LastOffset
	}
	return kafka.FirstOffset
}

func kafkaLogger(logger *zap.SugaredLogger, component string, errorLevel bool) kafka.LoggerFunc {
	l := logger.With("component", component)
	if errorLevel {
		return func(msg string, args ...interface{}) { l.Errorf(msg, args...) }
	}
	return func(msg string, args ...interface{}) { l.Debugf(msg, args...) }
}

// KafkaSource reads events through a consumer group. Offsets are committed
// explicitly, one message at a time.
type KafkaSource struct {
	reader *kafka.Reader
	logger *zap.SugaredLogger
}

// NewKafkaSource creates a source reading cfg.Topic as cfg.GroupID.
func NewKafkaSource(cfg KafkaConfig, logger *zap.SugaredLogger) (*KafkaSource, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	minBytes, maxBytes := cfg.MinBytes, cfg.MaxBytes
	if minBytes <= 0 {
		minBytes = 1
	}
	if maxBytes <= 0 {
		maxBytes = 10 << 20
	}
	maxWait := cfg.MaxWait
	if maxWait <= 0 {
		maxWait = 500 * time.Millisecond
	}

	reader := kafka.NewReader(kafka.ReaderConfig{
		Brokers:        cfg.Brokers,
		GroupID:        cfg.GroupID,
		Topic:          cfg.Topic,
		MinBytes:       minBytes,
		MaxBytes:       maxBytes,
		MaxWait:        maxWait,
		StartOffset:    cfg.startOffset(),
		CommitInterval: 0,
		ReadBackoffMin: 100 * time.Millisecond,
		ReadBackoffMax: time.Second,
		Logger:         kafkaLogger(logger, "kafka-reader", false),
		ErrorLogger:    kafkaLogger(logger, "kafka-reader", true),
	})

	logger.Infow("Kafka source initialized",
		"brokers", cfg.Brokers,
		"topic", cfg.Topic,
		"group", cfg.GroupID,
		"start_offset", cfg.StartOffset)
	return &KafkaSource{reader: reader, logger: logger}, nil
}

// Poll implements Source.
func (s *KafkaSource) Poll(ctx context.Context, timeout time.Duration) (*Message, error) {
	fetchCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	m, err := s.reader.FetchMessage(fetchCtx)
	if err != nil {
		if ctx.Err() == nil && errors.Is(err, context.DeadlineExceeded) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to fetch message: %w", err)
	}
	return fromKafka(m), nil
}

// Commit implements Source.
func (s *KafkaSource) Commit(ctx context.Context, msg *Message) error {
	if err := s.reader.CommitMessages(ctx, toKafka(msg)); err != nil {
		return fmt.Errorf("failed to commit offset %d: %w", msg.Offset, err)
	}
	return nil
}

// Lag returns the reader's current lag.
func (s *KafkaSource) Lag() int64 {
	return s.reader.Lag()
}

// Close implements Source.
func (s *KafkaSource) Close() error {
	return s.reader.Close()
}

// KafkaDLQPublisher writes dead letter envelopes. Messages are partitioned
// by key so envelopes for one key stay ordered.
type KafkaDLQPublisher struct {
	writer *kafka.Writer
}

// NewKafkaDLQPublisher creates a publisher that waits for all in-sync
// replicas to acknowledge.
func NewKafkaDLQPublisher(cfg KafkaConfig, logger *zap.SugaredLogger) (*KafkaDLQPublisher, error) {
	if len(cfg.Brokers) == 0 {
		return nil, errors.New("kafka: at least one broker is required")
	}
	writeTimeout := cfg.WriteTimeout
	if writeTimeout <= 0 {
		writeTimeout = 10 * time.Second
	}
	writer := &kafka.Writer{
		Addr:                   kafka.TCP(cfg.Brokers...),
		Balancer:               &kafka.Hash{},
		RequiredAcks:           kafka.RequireAll,
		WriteTimeout:           writeTimeout,
		AllowAutoTopicCreation: true,
		Logger:                 kafkaLogger(logger, "kafka-dlq-writer", false),
		ErrorLogger:            kafkaLogger(logger, "kafka-dlq-writer", true),
	}
	return &KafkaDLQPublisher{writer: writer}, nil
}

// Publish implements DLQPublisher.
func (p *KafkaDLQPublisher) Publish(ctx context.Context, topic string, key, value []byte, headers map[string]string) error {
	msg := kafka.Message{
		Topic:   topic,
		Key:     key,
		Value:   value,
		Headers: toKafkaHeaders(headers),
		Time:    time.Now(),
	}
	if err := p.writer.WriteMessages(ctx, msg); err != nil {
		return fmt.Errorf("failed to publish to %s: %w", topic, err)
	}
	return nil
}

// Close flushes and closes the writer.
func (p *KafkaDLQPublisher) Close() error {
	return p.writer.Close()
}

func fromKafka(m kafka.Message) *Message {
	headers := make(map[string]string, len(m.Headers))
	for _, h := range m.Headers {
		headers[h.Key] = string(h.Value)
	}
	return &Message{
		Topic:     m.Topic,
		Partition: m.Partition,
		Offset:    m.Offset,
		Key:       m.Key,
		Value:     m.Value,
		Headers:   headers,
		Time:      m.Time,
	}
}

func toKafka(msg *Message) kafka.Message {
	return kafka.Message{
		Topic:     msg.Topic,
		Partition: msg.Partition,
		Offset:    msg.Offset,
	}
}

func toKafkaHeaders(headers map[string]string) []kafka.Header {
	out := make([]kafka.Header, 0, len(headers))
	for k, v := range headers {
		out = append(out, kafka.Header{Key: k, Value: []byte(v)})
	}
	return out
}
