package ingest

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"chainwatch/core"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/vmihailenco/msgpack/v5"
	"go.uber.org/zap/zaptest"
)

const validEvent = `{"address":"0xAAA","risk_score":0.95,"value_usd":150000,"timestamp":"2024-06-03T14:00:00Z"}`

type fakeSource struct {
	mu        sync.Mutex
	queue     []*Message
	committed []*Message
	commitErr error
	closed    bool
}

func newFakeSource(msgs ...*Message) *fakeSource {
	return &fakeSource{queue: msgs}
}

func (s *fakeSource) Poll(ctx context.Context, timeout time.Duration) (*Message, error) {
	s.mu.Lock()
	if len(s.queue) > 0 {
		m := s.queue[0]
		s.queue = s.queue[1:]
		s.mu.Unlock()
		return m, nil
	}
	s.mu.Unlock()

	t := time.NewTimer(timeout)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-t.C:
		return nil, nil
	}
}

func (s *fakeSource) Commit(_ context.Context, msg *Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.commitErr != nil {
		return s.commitErr
	}
	s.committed = append(s.committed, msg)
	return nil
}

func (s *fakeSource) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

func (s *fakeSource) commits() []*Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]*Message(nil), s.committed...)
}

func (s *fakeSource) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

type published struct {
	topic   string
	key     []byte
	value   []byte
	headers map[string]string
}

type fakeDLQ struct {
	mu       sync.Mutex
	failures int // remaining failures; negative fails forever
	attempts int
	msgs     []published
}

func (d *fakeDLQ) Publish(_ context.Context, topic string, key, value []byte, headers map[string]string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.attempts++
	if d.failures != 0 {
		if d.failures > 0 {
			d.failures--
		}
		return errors.New("broker unavailable")
	}
	d.msgs = append(d.msgs, published{topic: topic, key: key, value: value, headers: headers})
	return nil
}

func (d *fakeDLQ) published() []published {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]published(nil), d.msgs...)
}

func (d *fakeDLQ) attemptCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.attempts
}

type processorFunc func(ctx context.Context, event *core.Event) error

func (f processorFunc) Process(ctx context.Context, event *core.Event) error { return f(ctx, event) }

type stateRecorder struct {
	mu     sync.Mutex
	states []State
}

func (r *stateRecorder) observe(msg *Message, s State) {
	if msg == nil {
		return
	}
	r.mu.Lock()
	r.states = append(r.states, s)
	r.mu.Unlock()
}

func (r *stateRecorder) get() []State {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]State(nil), r.states...)
}

func testConfig() ConsumerConfig {
	return ConsumerConfig{
		DLQTopic:     "events.dlq",
		RetryBackoff: time.Millisecond,
		MaxBackoff:   5 * time.Millisecond,
		PollTimeout:  10 * time.Millisecond,
	}
}

func msg(offset int64, value string) *Message {
	return &Message{Topic: "events", Partition: 2, Offset: offset, Key: []byte("0xAAA"), Value: []byte(value)}
}

// runConsumer starts c and returns a func that stops it and waits for Run.
func runConsumer(t *testing.T, c *Consumer) func() {
	t.Helper()
	done := make(chan error, 1)
	go func() { done <- c.Run(context.Background()) }()
	var once sync.Once
	stop := func() {
		once.Do(func() {
			c.Stop()
			select {
			case err := <-done:
				require.NoError(t, err)
			case <-time.After(5 * time.Second):
				t.Fatal("consumer did not stop")
			}
		})
	}
	t.Cleanup(stop)
	return stop
}

func TestConsumer_ProcessAndCommit(t *testing.T) {
	src := newFakeSource(msg(10, validEvent))
	dlq := &fakeDLQ{}
	rec := &stateRecorder{}
	var got atomic.Pointer[core.Event]
	proc := processorFunc(func(_ context.Context, ev *core.Event) error {
		got.Store(ev)
		return nil
	})

	c, err := NewConsumer(testConfig(), src, dlq, proc, zaptest.NewLogger(t).Sugar(), WithObserver(rec.observe))
	require.NoError(t, err)
	stop := runConsumer(t, c)

	require.Eventually(t, func() bool { return len(src.commits()) == 1 }, time.Second, 5*time.Millisecond)
	stop()

	assert.Equal(t, []State{StateDeserializing, StateProcessing, StateCommit}, rec.get())
	assert.Equal(t, "0xAAA", got.Load().Address)
	assert.Empty(t, dlq.published())
	assert.True(t, src.isClosed())

	stats := c.Stats()
	assert.Equal(t, int64(1), stats.Consumed)
	assert.Equal(t, int64(1), stats.Processed)
	assert.Equal(t, int64(1), stats.Committed)
	assert.Zero(t, stats.DeadLettered)
}

func TestConsumer_RetriesThenDeadLetters(t *testing.T) {
	src := newFakeSource(msg(42, validEvent))
	dlq := &fakeDLQ{}
	rec := &stateRecorder{}
	var calls atomic.Int32
	proc := processorFunc(func(context.Context, *core.Event) error {
		calls.Add(1)
		return errors.New("enrichment service 503")
	})

	c, err := NewConsumer(testConfig(), src, dlq, proc, zaptest.NewLogger(t).Sugar(), WithObserver(rec.observe))
	require.NoError(t, err)
	stop := runConsumer(t, c)

	require.Eventually(t, func() bool { return len(src.commits()) == 1 }, time.Second, 5*time.Millisecond)
	stop()

	assert.Equal(t, int32(DefaultMaxRetries), calls.Load())
	pubs := dlq.published()
	require.Len(t, pubs, 1, "exactly one dead letter per message")
	assert.Equal(t, "events.dlq", pubs[0].topic)
	assert.Equal(t, []byte("0xAAA"), pubs[0].key, "key is preserved")
	assert.Equal(t, "processing_failed_after_3_retries", pubs[0].headers[HeaderReason])
	assert.Equal(t, "42", pubs[0].headers[HeaderOriginalOffset])
	assert.Equal(t, "2", pubs[0].headers[HeaderOriginalPartition])
	assert.Equal(t, "events", pubs[0].headers[HeaderOriginalTopic])

	var env Envelope
	require.NoError(t, json.Unmarshal(pubs[0].value, &env))
	assert.Equal(t, int64(42), env.OriginalOffset)
	assert.Equal(t, validEvent, string(env.Value))
	assert.Equal(t, 3, env.Attempts)
	assert.Contains(t, env.Error, "enrichment service 503")

	assert.Equal(t, []State{
		StateDeserializing,
		StateProcessing, StateRetry,
		StateProcessing, StateRetry,
		StateProcessing,
		StateDLQPublish, StateCommit,
	}, rec.get())

	stats := c.Stats()
	assert.Equal(t, int64(2), stats.Retried)
	assert.Equal(t, int64(1), stats.DeadLettered)
	assert.Equal(t, int64(1), stats.Committed)
}

func TestConsumer_RecoversWithinRetries(t *testing.T) {
	src := newFakeSource(msg(1, validEvent))
	dlq := &fakeDLQ{}
	var calls atomic.Int32
	proc := processorFunc(func(context.Context, *core.Event) error {
		if calls.Add(1) < 3 {
			return errors.New("transient")
		}
		return nil
	})

	c, err := NewConsumer(testConfig(), src, dlq, proc, zaptest.NewLogger(t).Sugar())
	require.NoError(t, err)
	stop := runConsumer(t, c)

	require.Eventually(t, func() bool { return len(src.commits()) == 1 }, time.Second, 5*time.Millisecond)
	stop()

	assert.Equal(t, int32(3), calls.Load())
	assert.Empty(t, dlq.published())
}

func TestConsumer_DeserializeFailureSkipsRetries(t *testing.T) {
	src := newFakeSource(msg(7, "{not json"))
	dlq := &fakeDLQ{}
	rec := &stateRecorder{}
	var calls atomic.Int32
	proc := processorFunc(func(context.Context, *core.Event) error {
		calls.Add(1)
		return nil
	})

	c, err := NewConsumer(testConfig(), src, dlq, proc, zaptest.NewLogger(t).Sugar(), WithObserver(rec.observe))
	require.NoError(t, err)
	stop := runConsumer(t, c)

	require.Eventually(t, func() bool { return len(src.commits()) == 1 }, time.Second, 5*time.Millisecond)
	stop()

	assert.Zero(t, calls.Load())
	pubs := dlq.published()
	require.Len(t, pubs, 1)
	assert.Equal(t, ReasonDeserializeFailed, pubs[0].headers[HeaderReason])
	assert.Equal(t, []State{StateDeserializing, StateDLQPublish, StateCommit}, rec.get())
	assert.Equal(t, int64(1), c.Stats().DeserializeFailures)
}

func TestConsumer_InvalidEventIsNotRetried(t *testing.T) {
	src := newFakeSource(msg(3, `{"value_usd":5}`))
	dlq := &fakeDLQ{}
	var calls atomic.Int32
	proc := processorFunc(func(_ context.Context, ev *core.Event) error {
		calls.Add(1)
		return ev.Validate()
	})

	c, err := NewConsumer(testConfig(), src, dlq, proc, zaptest.NewLogger(t).Sugar())
	require.NoError(t, err)
	stop := runConsumer(t, c)

	require.Eventually(t, func() bool { return len(src.commits()) == 1 }, time.Second, 5*time.Millisecond)
	stop()

	assert.Equal(t, int32(1), calls.Load())
	pubs := dlq.published()
	require.Len(t, pubs, 1)
	assert.Equal(t, ReasonInvalidEvent, pubs[0].headers[HeaderReason])
	assert.Contains(t, pubs[0].headers[HeaderError], "timestamp")
}

func TestConsumer_ProcessorPanicCountsAsFailure(t *testing.T) {
	src := newFakeSource(msg(5, validEvent))
	dlq := &fakeDLQ{}
	proc := processorFunc(func(context.Context, *core.Event) error {
		panic("nil map write")
	})

	cfg := testConfig()
	cfg.MaxRetries = 1
	c, err := NewConsumer(cfg, src, dlq, proc, zaptest.NewLogger(t).Sugar())
	require.NoError(t, err)
	stop := runConsumer(t, c)

	require.Eventually(t, func() bool { return len(src.commits()) == 1 }, time.Second, 5*time.Millisecond)
	stop()

	pubs := dlq.published()
	require.Len(t, pubs, 1)
	assert.Equal(t, "processing_failed_after_1_retries", pubs[0].headers[HeaderReason])
	assert.Contains(t, pubs[0].headers[HeaderError], "nil map write")
}

func TestConsumer_DeadLetterPublishIsRetried(t *testing.T) {
	src := newFakeSource(msg(9, "garbage"))
	dlq := &fakeDLQ{failures: 2}
	proc := processorFunc(func(context.Context, *core.Event) error { return nil })

	c, err := NewConsumer(testConfig(), src, dlq, proc, zaptest.NewLogger(t).Sugar())
	require.NoError(t, err)
	stop := runConsumer(t, c)

	require.Eventually(t, func() bool { return len(src.commits()) == 1 }, time.Second, 5*time.Millisecond)
	stop()

	assert.Equal(t, 3, dlq.attemptCount())
	assert.Len(t, dlq.published(), 1)
	assert.Equal(t, int64(2), c.Stats().PublishFailures)
}

func TestConsumer_ShutdownLeavesUnpublishedMessageUncommitted(t *testing.T) {
	src := newFakeSource(msg(11, "garbage"))
	dlq := &fakeDLQ{failures: -1}
	proc := processorFunc(func(context.Context, *core.Event) error { return nil })

	c, err := NewConsumer(testConfig(), src, dlq, proc, zaptest.NewLogger(t).Sugar())
	require.NoError(t, err)
	stop := runConsumer(t, c)

	require.Eventually(t, func() bool { return dlq.attemptCount() >= 2 }, time.Second, 5*time.Millisecond)
	stop()

	assert.Empty(t, src.commits(), "never commit without a published envelope")
	assert.True(t, src.isClosed())
	assert.Zero(t, c.Stats().DeadLettered)
}

func TestConsumer_StopFinishesInFlightMessage(t *testing.T) {
	src := newFakeSource(msg(20, validEvent), msg(21, validEvent))
	dlq := &fakeDLQ{}
	entered := make(chan struct{})
	release := make(chan struct{})
	var calls atomic.Int32
	proc := processorFunc(func(ctx context.Context, _ *core.Event) error {
		if calls.Add(1) == 1 {
			close(entered)
			<-release
		}
		return ctx.Err()
	})

	c, err := NewConsumer(testConfig(), src, dlq, proc, zaptest.NewLogger(t).Sugar())
	require.NoError(t, err)
	done := make(chan error, 1)
	go func() { done <- c.Run(context.Background()) }()

	<-entered
	stopped := make(chan struct{})
	go func() {
		c.Stop()
		close(stopped)
	}()

	select {
	case <-stopped:
		t.Fatal("Stop returned while a message was in flight")
	case <-time.After(50 * time.Millisecond):
	}

	close(release)
	select {
	case <-stopped:
	case <-time.After(5 * time.Second):
		t.Fatal("Stop did not return")
	}
	require.NoError(t, <-done)

	commits := src.commits()
	require.Len(t, commits, 1)
	assert.Equal(t, int64(20), commits[0].Offset)
	assert.Equal(t, int32(1), calls.Load(), "no new message is polled after Stop")
}

func TestConsumer_ContextCancelStops(t *testing.T) {
	src := newFakeSource()
	c, err := NewConsumer(testConfig(), src, &fakeDLQ{}, processorFunc(func(context.Context, *core.Event) error { return nil }), nil)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- c.Run(ctx) }()
	cancel()

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
	assert.True(t, src.isClosed())
	c.Stop()
}

func TestConsumer_MsgpackPayload(t *testing.T) {
	score := 0.4
	payload, err := msgpack.Marshal(&core.Event{
		Address:   "0xBBB",
		RiskScore: &score,
		Timestamp: time.Date(2024, 6, 3, 14, 0, 0, 0, time.UTC),
	})
	require.NoError(t, err)

	m := msg(30, "")
	m.Value = payload
	m.Headers = map[string]string{"Content-Type": ContentTypeMsgpack}
	src := newFakeSource(m)

	var got atomic.Pointer[core.Event]
	proc := processorFunc(func(_ context.Context, ev *core.Event) error {
		got.Store(ev)
		return nil
	})
	c, err := NewConsumer(testConfig(), src, &fakeDLQ{}, proc, zaptest.NewLogger(t).Sugar())
	require.NoError(t, err)
	stop := runConsumer(t, c)

	require.Eventually(t, func() bool { return len(src.commits()) == 1 }, time.Second, 5*time.Millisecond)
	stop()

	require.NotNil(t, got.Load())
	assert.Equal(t, "0xBBB", got.Load().Address)
	require.NotNil(t, got.Load().RiskScore)
	assert.Equal(t, 0.4, *got.Load().RiskScore)
}

func TestConsumer_CommitFailureIsCounted(t *testing.T) {
	src := newFakeSource(msg(1, validEvent))
	src.commitErr = errors.New("rebalance in progress")
	c, err := NewConsumer(testConfig(), src, &fakeDLQ{}, processorFunc(func(context.Context, *core.Event) error { return nil }), zaptest.NewLogger(t).Sugar())
	require.NoError(t, err)
	stop := runConsumer(t, c)

	require.Eventually(t, func() bool { return c.Stats().CommitFailures == 1 }, time.Second, 5*time.Millisecond)
	stop()
	assert.Zero(t, c.Stats().Committed)
}

func TestNewConsumerValidation(t *testing.T) {
	_, err := NewConsumer(testConfig(), nil, &fakeDLQ{}, processorFunc(nil), nil)
	assert.Error(t, err)

	c, err := NewConsumer(ConsumerConfig{}, newFakeSource(), &fakeDLQ{}, processorFunc(nil), nil)
	require.NoError(t, err)
	assert.Equal(t, DefaultMaxRetries, c.cfg.MaxRetries)
	assert.Equal(t, DefaultDLQTopic, c.cfg.DLQTopic)
	assert.Nil(t, c.limiter)

	c, err = NewConsumer(ConsumerConfig{MaxMessagesPerSecond: 0.5}, newFakeSource(), &fakeDLQ{}, processorFunc(nil), nil)
	require.NoError(t, err)
	require.NotNil(t, c.limiter)
	assert.Equal(t, 1, c.limiter.Burst())
}

func TestBackoff(t *testing.T) {
	c := &Consumer{cfg: ConsumerConfig{RetryBackoff: 100 * time.Millisecond, MaxBackoff: 350 * time.Millisecond}}
	assert.Equal(t, 100*time.Millisecond, c.backoff(1))
	assert.Equal(t, 200*time.Millisecond, c.backoff(2))
	assert.Equal(t, 350*time.Millisecond, c.backoff(3))
	assert.Equal(t, 350*time.Millisecond, c.backoff(10))
}
