// Package notify delivers alerts to notification sinks. Every sink call
// returns a Result; the Dispatcher fans out to all sinks concurrently and
// turns results into per-sink delivery statuses on the alert.
package notify

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"chainwatch/core"

	"go.uber.org/zap"
)

// SinkType selects a sink implementation in config.
type SinkType string

const (
	// SinkEmail sends an HTML email over SMTP
	SinkEmail SinkType = "email"
	// SinkWebhook POSTs the alert as JSON
	SinkWebhook SinkType = "webhook"
	// SinkChat posts a Slack-compatible attachment message
	SinkChat SinkType = "chat"
)

var (
	// ErrSinkTimeout is reported when a sink does not finish within the timeout
	ErrSinkTimeout = errors.New("sink timed out")
	// ErrSinkPanic is reported when a sink panicked during Send
	ErrSinkPanic = errors.New("sink panicked")
	// ErrInvalidSinkConfig is wrapped by config validation failures
	ErrInvalidSinkConfig = errors.New("invalid sink configuration")
)

// Result is the outcome of one sink delivery attempt.
type Result struct {
	Sink     string
	Success  bool
	Err      error
	Duration time.Duration
}

// Status converts the result into the delivery record stored on the alert.
func (r Result) Status(attemptedAt time.Time) core.DeliveryStatus {
	status := core.DeliveryStatus{
		Sink:        r.Sink,
		Success:     r.Success,
		Duration:    r.Duration,
		AttemptedAt: attemptedAt,
	}
	if r.Err != nil {
		status.Error = r.Err.Error()
	}
	return status
}

// Sink is a notification target. Send must not mutate the alert and should
// honour ctx cancellation.
type Sink interface {
	Name() string
	Send(ctx context.Context, alert *core.Alert) Result
}

func newResult(name string, start time.Time, err error) Result {
	return Result{Sink: name, Success: err == nil, Err: err, Duration: time.Since(start)}
}

// Config is the notifications section of the application config.
type Config struct {
	// SinkTimeout bounds each sink call; capped at core.MaxSinkTimeout
	SinkTimeout time.Duration `mapstructure:"sink_timeout"`
	Sinks       []SinkConfig  `mapstructure:"sinks"`
}

// SinkConfig configures one sink and its delivery guards.
type SinkConfig struct {
	Name        string   `mapstructure:"name"`
	Type        SinkType `mapstructure:"type"`
	Enabled     bool     `mapstructure:"enabled"`
	MinSeverity string   `mapstructure:"min_severity"`
	// RateLimit is the max sends per second; 0 is unlimited
	RateLimit      float64                   `mapstructure:"rate_limit"`
	Burst          int                       `mapstructure:"burst"`
	CircuitBreaker core.CircuitBreakerConfig `mapstructure:"circuit_breaker"`

	Email   EmailConfig   `mapstructure:"email"`
	Webhook WebhookConfig `mapstructure:"webhook"`
}

// Options converts the guard settings into route options.
func (c SinkConfig) Options() (RouteOptions, error) {
	opts := RouteOptions{RateLimit: c.RateLimit, Burst: c.Burst, CircuitBreaker: c.CircuitBreaker}
	if c.MinSeverity != "" {
		sev, err := core.ParseSeverity(c.MinSeverity)
		if err != nil {
			return opts, fmt.Errorf("%w: sink %s: %v", ErrInvalidSinkConfig, c.Name, err)
		}
		opts.MinSeverity = sev
	}
	return opts, nil
}

// BuildSink creates the sink described by cfg.
func BuildSink(cfg SinkConfig, logger *zap.SugaredLogger) (Sink, error) {
	name := cfg.Name
	if name == "" {
		name = string(cfg.Type)
	}
	switch SinkType(strings.ToLower(string(cfg.Type))) {
	case SinkEmail:
		return NewEmailSink(name, cfg.Email, logger)
	case SinkWebhook:
		return NewWebhookSink(name, cfg.Webhook, nil, logger)
	case SinkChat:
		return NewChatWebhookSink(name, cfg.Webhook.URL, nil, logger)
	default:
		return nil, fmt.Errorf("%w: sink %s: unknown type %q", ErrInvalidSinkConfig, name, cfg.Type)
	}
}

// BuildSinks creates a dispatcher with every enabled sink from cfg.
func BuildSinks(cfg Config, logger *zap.SugaredLogger) (*Dispatcher, error) {
	d := NewDispatcher(cfg.SinkTimeout, logger)
	for _, sc := range cfg.Sinks {
		if !sc.Enabled {
			continue
		}
		sink, err := BuildSink(sc, logger)
		if err != nil {
			return nil, err
		}
		opts, err := sc.Options()
		if err != nil {
			return nil, err
		}
		if err := d.Register(sink, opts); err != nil {
			return nil, err
		}
	}
	return d, nil
}
