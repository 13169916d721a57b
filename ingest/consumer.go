package ingest

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"chainwatch/core"
	"chainwatch/metrics"

	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// State is a step of the per-message state machine.
type State string

const (
	StatePolling       State = "POLLING"
	StateDeserializing State = "DESERIALIZING"
	StateProcessing    State = "PROCESSING"
	StateRetry         State = "RETRY"
	StateDLQPublish    State = "DLQ_PUBLISH"
	StateCommit        State = "COMMIT"
)

// StateObserver is told about every transition. msg is nil while polling.
// It runs on the consumer goroutine and must not block.
type StateObserver func(msg *Message, state State)

// Consumer defaults.
const (
	DefaultMaxRetries     = 3
	DefaultRetryBackoff   = 200 * time.Millisecond
	DefaultMaxBackoff     = 5 * time.Second
	DefaultPollTimeout    = time.Second
	DefaultProcessTimeout = 30 * time.Second
	DefaultDLQTopic       = "chainwatch.events.dlq"
)

// ConsumerConfig tunes the consumer loop.
type ConsumerConfig struct {
	DLQTopic   string `mapstructure:"dlq_topic"`
	MaxRetries int    `mapstructure:"max_retries"`
	// RetryBackoff is the first retry delay, doubled per attempt up to
	// MaxBackoff. Negative disables the delay.
	RetryBackoff   time.Duration `mapstructure:"retry_backoff"`
	MaxBackoff     time.Duration `mapstructure:"max_backoff"`
	PollTimeout    time.Duration `mapstructure:"poll_timeout"`
	ProcessTimeout time.Duration `mapstructure:"process_timeout"`
	// MaxMessagesPerSecond throttles polling; 0 means unlimited
	MaxMessagesPerSecond float64 `mapstructure:"max_messages_per_second"`
}

func (c ConsumerConfig) withDefaults() ConsumerConfig {
	if c.DLQTopic == "" {
		c.DLQTopic = DefaultDLQTopic
	}
	if c.MaxRetries <= 0 {
		c.MaxRetries = DefaultMaxRetries
	}
	if c.RetryBackoff < 0 {
		c.RetryBackoff = 0
	} else if c.RetryBackoff == 0 {
		c.RetryBackoff = DefaultRetryBackoff
	}
	if c.MaxBackoff < c.RetryBackoff {
		c.MaxBackoff = DefaultMaxBackoff
		if c.MaxBackoff < c.RetryBackoff {
			c.MaxBackoff = c.RetryBackoff
		}
	}
	if c.PollTimeout <= 0 {
		c.PollTimeout = DefaultPollTimeout
	}
	if c.ProcessTimeout <= 0 {
		c.ProcessTimeout = DefaultProcessTimeout
	}
	return c
}

// Stats are cumulative counters since the consumer was created.
type Stats struct {
	Consumed            int64 `json:"consumed"`
	Processed           int64 `json:"processed"`
	Retried             int64 `json:"retried"`
	DeadLettered        int64 `json:"dead_lettered"`
	Committed           int64 `json:"committed"`
	DeserializeFailures int64 `json:"deserialize_failures"`
	CommitFailures      int64 `json:"commit_failures"`
	PublishFailures     int64 `json:"publish_failures"`
}

type counters struct {
	consumed, processed, retried, deadLettered     atomic.Int64
	committed, deserializeFailures, commitFailures atomic.Int64
	publishFailures                                atomic.Int64
}

// Consumer drives messages from a Source through a Processor. A message is
// committed only after it was processed or its envelope was published to
// the dead letter topic.
type Consumer struct {
	cfg          ConsumerConfig
	source       Source
	dlq          DLQPublisher
	processor    Processor
	deserializer Deserializer
	observer     StateObserver
	limiter      *rate.Limiter
	logger       *zap.SugaredLogger
	now          func() time.Time

	stats counters

	stopOnce sync.Once
	stopCh   chan struct{}
	running  atomic.Bool
	done     chan struct{}
}

// ConsumerOption customises a Consumer.
type ConsumerOption func(*Consumer)

// WithObserver reports state transitions to fn.
func WithObserver(fn StateObserver) ConsumerOption {
	return func(c *Consumer) { c.observer = fn }
}

// WithDeserializer replaces the content-type based deserializer.
func WithDeserializer(d Deserializer) ConsumerOption {
	return func(c *Consumer) { c.deserializer = d }
}

// WithClock sets the clock used for envelope timestamps.
func WithClock(now func() time.Time) ConsumerOption {
	return func(c *Consumer) { c.now = now }
}

// NewConsumer creates a consumer.
func NewConsumer(cfg ConsumerConfig, source Source, dlq DLQPublisher, processor Processor, logger *zap.SugaredLogger, opts ...ConsumerOption) (*Consumer, error) {
	if source == nil || dlq == nil || processor == nil {
		return nil, errors.New("ingest: source, dead letter publisher and processor are required")
	}
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	cfg = cfg.withDefaults()

	c := &Consumer{
		cfg:          cfg,
		source:       source,
		dlq:          dlq,
		processor:    processor,
		deserializer: ContentTypeDeserializer{},
		logger:       logger,
		now:          time.Now,
		stopCh:       make(chan struct{}),
		done:         make(chan struct{}),
	}
	if cfg.MaxMessagesPerSecond > 0 {
		burst := int(cfg.MaxMessagesPerSecond)
		if burst < 1 {
			burst = 1
		}
		c.limiter = rate.NewLimiter(rate.Limit(cfg.MaxMessagesPerSecond), burst)
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// Run polls until ctx is cancelled or Stop is called, then closes the
// source. The in-flight message always reaches a terminal state first.
func (c *Consumer) Run(ctx context.Context) error {
	if !c.running.CompareAndSwap(false, true) {
		return errors.New("ingest: consumer already running")
	}
	defer close(c.done)

	pollCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		select {
		case <-c.stopCh:
			cancel()
		case <-pollCtx.Done():
		}
	}()

	c.logger.Infow("Consumer started",
		"dlq_topic", c.cfg.DLQTopic,
		"max_retries", c.cfg.MaxRetries,
		"max_messages_per_second", c.cfg.MaxMessagesPerSecond)

	for pollCtx.Err() == nil {
		if c.limiter != nil {
			if err := c.limiter.Wait(pollCtx); err != nil {
				break
			}
		}

		c.transition(nil, StatePolling)
		msg, err := c.source.Poll(pollCtx, c.cfg.PollTimeout)
		if err != nil {
			if pollCtx.Err() != nil {
				break
			}
			c.logger.Errorw("Poll failed", "error", err)
			metrics.ConsumerMessages.WithLabelValues("poll_error").Inc()
			c.sleep(pollCtx, c.cfg.RetryBackoff)
			continue
		}
		if msg == nil {
			continue
		}

		c.stats.consumed.Add(1)
		// in-flight work is not cut short by shutdown
		c.handle(pollCtx, context.WithoutCancel(ctx), msg)
	}

	if err := c.source.Close(); err != nil {
		c.logger.Warnw("Failed to close source", "error", err)
	}
	c.logger.Infow("Consumer stopped", "stats", c.Stats())
	return nil
}

// Stop stops polling and waits for the in-flight message and Run to finish.
// It is safe to call more than once.
func (c *Consumer) Stop() {
	c.stopOnce.Do(func() { close(c.stopCh) })
	if c.running.Load() {
		<-c.done
	}
}

// Stats returns a snapshot of the counters.
func (c *Consumer) Stats() Stats {
	return Stats{
		Consumed:            c.stats.consumed.Load(),
		Processed:           c.stats.processed.Load(),
		Retried:             c.stats.retried.Load(),
		DeadLettered:        c.stats.deadLettered.Load(),
		Committed:           c.stats.committed.Load(),
		DeserializeFailures: c.stats.deserializeFailures.Load(),
		CommitFailures:      c.stats.commitFailures.Load(),
		PublishFailures:     c.stats.publishFailures.Load(),
	}
}

// handle takes one message to COMMIT, or leaves it uncommitted only when
// shutdown interrupts a failing dead letter publish. life is cancelled on
// shutdown; work is not.
func (c *Consumer) handle(life, work context.Context, msg *Message) {
	c.transition(msg, StateDeserializing)
	event, err := c.deserializer.Deserialize(msg)
	if err != nil {
		c.stats.deserializeFailures.Add(1)
		c.logger.Warnw("Message could not be deserialized",
			"topic", msg.Topic,
			"partition", msg.Partition,
			"offset", msg.Offset,
			"error", err)
		c.deadLetter(life, work, msg, ReasonDeserializeFailed, err, 0)
		return
	}

	for attempt := 1; ; attempt++ {
		c.transition(msg, StateProcessing)
		err := c.process(work, event)
		if err == nil {
			c.stats.processed.Add(1)
			metrics.ConsumerMessages.WithLabelValues("processed").Inc()
			c.commit(work, msg)
			return
		}

		if errors.Is(err, core.ErrInvalidEvent) {
			c.logger.Warnw("Invalid event, not retrying", "offset", msg.Offset, "error", err)
			c.deadLetter(life, work, msg, ReasonInvalidEvent, err, attempt)
			return
		}
		if attempt >= c.cfg.MaxRetries {
			c.logger.Errorw("Processing failed, giving up",
				"topic", msg.Topic,
				"partition", msg.Partition,
				"offset", msg.Offset,
				"attempts", attempt,
				"error", err)
			c.deadLetter(life, work, msg, ProcessingFailedReason(attempt), err, attempt)
			return
		}

		c.stats.retried.Add(1)
		metrics.ConsumerMessages.WithLabelValues("retried").Inc()
		c.logger.Warnw("Processing failed, retrying",
			"offset", msg.Offset,
			"attempt", attempt,
			"max_retries", c.cfg.MaxRetries,
			"error", err)
		c.transition(msg, StateRetry)
		// retries are bounded, so they run to completion even during shutdown
		c.sleep(work, c.backoff(attempt))
	}
}

func (c *Consumer) process(ctx context.Context, event *core.Event) (err error) {
	ctx, cancel := context.WithTimeout(ctx, c.cfg.ProcessTimeout)
	defer cancel()
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("processor panicked: %v", r)
		}
	}()
	return c.processor.Process(ctx, event)
}

// deadLetter publishes the envelope and commits. A failed publish is
// retried until it succeeds or life ends; the message then stays
// uncommitted and will be redelivered.
func (c *Consumer) deadLetter(life, work context.Context, msg *Message, reason string, cause error, attempts int) {
	c.transition(msg, StateDLQPublish)

	env := NewEnvelope(msg, reason, cause, attempts, c.now())
	value, err := json.Marshal(env)
	if err != nil {
		// Envelope holds only plain fields, so this cannot happen in practice.
		c.logger.Errorw("Failed to encode dead letter envelope", "offset", msg.Offset, "error", err)
		return
	}
	headers := env.Headers()

	for attempt := 1; ; attempt++ {
		ctx, cancel := context.WithTimeout(work, c.cfg.ProcessTimeout)
		err := c.dlq.Publish(ctx, c.cfg.DLQTopic, msg.Key, value, headers)
		cancel()
		if err == nil {
			c.stats.deadLettered.Add(1)
			metrics.DeadLetterPublished.WithLabelValues(reason).Inc()
			metrics.ConsumerMessages.WithLabelValues("dead_lettered").Inc()
			c.logger.Infow("Message routed to dead letter topic",
				"topic", c.cfg.DLQTopic,
				"original_offset", msg.Offset,
				"reason", reason)
			c.commit(work, msg)
			return
		}

		c.stats.publishFailures.Add(1)
		metrics.DeadLetterPublishFailures.Inc()
		c.logger.Errorw("Dead letter publish failed", "offset", msg.Offset, "attempt", attempt, "error", err)
		if !c.sleep(life, c.backoff(attempt)) {
			c.logger.Warnw("Shutting down with message uncommitted, it will be redelivered",
				"topic", msg.Topic,
				"partition", msg.Partition,
				"offset", msg.Offset)
			return
		}
	}
}

func (c *Consumer) commit(ctx context.Context, msg *Message) {
	c.transition(msg, StateCommit)
	ctx, cancel := context.WithTimeout(ctx, c.cfg.ProcessTimeout)
	defer cancel()
	if err := c.source.Commit(ctx, msg); err != nil {
		c.stats.commitFailures.Add(1)
		metrics.ConsumerMessages.WithLabelValues("commit_failed").Inc()
		c.logger.Errorw("Commit failed, message may be redelivered", "offset", msg.Offset, "error", err)
		return
	}
	c.stats.committed.Add(1)
}

// backoff doubles per attempt up to MaxBackoff.
func (c *Consumer) backoff(attempt int) time.Duration {
	d := c.cfg.RetryBackoff
	for i := 1; i < attempt && d < c.cfg.MaxBackoff; i++ {
		d *= 2
	}
	if d > c.cfg.MaxBackoff {
		d = c.cfg.MaxBackoff
	}
	return d
}

// sleep waits d and reports false if ctx ended first.
func (c *Consumer) sleep(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return ctx.Err() == nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return true
	case <-ctx.Done():
		return false
	}
}

func (c *Consumer) transition(msg *Message, state State) {
	metrics.ConsumerStateTransitions.WithLabelValues(string(state)).Inc()
	if c.observer != nil {
		c.observer(msg, state)
	}
}
