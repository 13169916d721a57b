package notify

import (
	"context"
	"fmt"
	"sync"
	"time"

	"chainwatch/core"
	"chainwatch/metrics"

	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// RouteOptions are the per-sink delivery guards.
type RouteOptions struct {
	// MinSeverity skips alerts below it; skipped sinks record no delivery
	MinSeverity core.Severity
	// RateLimit is sends per second; 0 disables limiting
	RateLimit float64
	Burst     int
	// CircuitBreaker uses core.DefaultCircuitBreakerConfig when zero
	CircuitBreaker core.CircuitBreakerConfig
}

type route struct {
	sink        Sink
	minSeverity core.Severity
	breaker     *core.CircuitBreaker
	limiter     *rate.Limiter
}

// Dispatcher fans alerts out to registered sinks.
type Dispatcher struct {
	timeout time.Duration
	logger  *zap.SugaredLogger

	mu     sync.RWMutex
	routes []*route
}

// NewDispatcher creates an empty dispatcher. timeout is clamped to
// (0, core.MaxSinkTimeout].
func NewDispatcher(timeout time.Duration, logger *zap.SugaredLogger) *Dispatcher {
	if timeout <= 0 || timeout > core.MaxSinkTimeout {
		timeout = core.MaxSinkTimeout
	}
	return &Dispatcher{timeout: timeout, logger: logger}
}

// Register adds a sink. Sink names must be unique.
func (d *Dispatcher) Register(sink Sink, opts RouteOptions) error {
	cbConfig := opts.CircuitBreaker
	if cbConfig == (core.CircuitBreakerConfig{}) {
		cbConfig = core.DefaultCircuitBreakerConfig()
	}
	breaker, err := core.NewCircuitBreaker(sink.Name(), cbConfig)
	if err != nil {
		return fmt.Errorf("sink %s: %w", sink.Name(), err)
	}
	breaker.OnStateChange(func(name string, from, to core.CircuitBreakerState) {
		metrics.CircuitBreakerState.WithLabelValues(name).Set(breakerGauge(to))
		d.logger.Warnw("Sink circuit breaker changed state", "sink", name, "from", from, "to", to)
	})
	metrics.CircuitBreakerState.WithLabelValues(sink.Name()).Set(0)

	r := &route{sink: sink, minSeverity: opts.MinSeverity, breaker: breaker}
	if opts.RateLimit > 0 {
		burst := opts.Burst
		if burst <= 0 {
			burst = 1
		}
		r.limiter = rate.NewLimiter(rate.Limit(opts.RateLimit), burst)
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	for _, existing := range d.routes {
		if existing.sink.Name() == sink.Name() {
			return fmt.Errorf("%w: duplicate sink name %s", ErrInvalidSinkConfig, sink.Name())
		}
	}
	d.routes = append(d.routes, r)
	d.logger.Infow("Registered notification sink", "sink", sink.Name(), "min_severity", opts.MinSeverity, "rate_limit", opts.RateLimit)
	return nil
}

func breakerGauge(state core.CircuitBreakerState) float64 {
	switch state {
	case core.CircuitBreakerStateHalfOpen:
		return 1
	case core.CircuitBreakerStateOpen:
		return 2
	default:
		return 0
	}
}

// Sinks returns the registered sink names in registration order.
func (d *Dispatcher) Sinks() []string {
	d.mu.RLock()
	defer d.mu.RUnlock()
	names := make([]string, len(d.routes))
	for i, r := range d.routes {
		names[i] = r.sink.Name()
	}
	return names
}

// Timeout returns the per-sink timeout.
func (d *Dispatcher) Timeout() time.Duration {
	return d.timeout
}

// Dispatch sends alert to every eligible sink concurrently and returns one
// status per attempted sink, in registration order. It never fails as a
// whole: timeouts, panics and open circuits become failed statuses.
func (d *Dispatcher) Dispatch(ctx context.Context, alert *core.Alert) []core.DeliveryStatus {
	d.mu.RLock()
	var eligible []*route
	for _, r := range d.routes {
		if r.minSeverity != "" && !alert.Severity.AtLeast(r.minSeverity) {
			continue
		}
		eligible = append(eligible, r)
	}
	d.mu.RUnlock()

	if len(eligible) == 0 {
		return nil
	}

	statuses := make([]core.DeliveryStatus, len(eligible))
	var wg sync.WaitGroup
	for i, r := range eligible {
		wg.Add(1)
		go func(i int, r *route) {
			defer wg.Done()
			attempted := time.Now()
			res := d.deliver(ctx, r, alert)
			statuses[i] = res.Status(attempted)
		}(i, r)
	}
	wg.Wait()
	return statuses
}

func (d *Dispatcher) deliver(parent context.Context, r *route, alert *core.Alert) Result {
	name := r.sink.Name()
	start := time.Now()

	ctx, cancel := context.WithTimeout(parent, d.timeout)
	defer cancel()

	if r.limiter != nil {
		if err := r.limiter.Wait(ctx); err != nil {
			return d.record(newResult(name, start, fmt.Errorf("rate limit wait: %w", err)), alert)
		}
	}

	if err := r.breaker.Allow(); err != nil {
		d.logger.Warnw("Circuit breaker open, skipping sink", "sink", name, "alert_id", alert.AlertID)
		return d.record(newResult(name, start, fmt.Errorf("%s: %w", name, err)), alert)
	}

	done := make(chan Result, 1)
	go func() {
		defer func() {
			if p := recover(); p != nil {
				done <- newResult(name, start, fmt.Errorf("%w: %v", ErrSinkPanic, p))
			}
		}()
		done <- r.sink.Send(ctx, alert)
	}()

	var res Result
	select {
	case res = <-done:
		res.Sink = name
	case <-ctx.Done():
		res = newResult(name, start, fmt.Errorf("%w after %s: %v", ErrSinkTimeout, d.timeout, ctx.Err()))
	}

	if res.Success {
		r.breaker.RecordSuccess()
	} else {
		r.breaker.RecordFailure()
	}
	return d.record(res, alert)
}

func (d *Dispatcher) record(res Result, alert *core.Alert) Result {
	status := "success"
	if !res.Success {
		status = "failure"
		d.logger.Errorw("Notification delivery failed",
			"sink", res.Sink,
			"alert_id", alert.AlertID,
			"error", res.Err)
	}
	metrics.NotificationsSent.WithLabelValues(res.Sink, status).Inc()
	metrics.NotificationDuration.WithLabelValues(res.Sink).Observe(res.Duration.Seconds())
	return res
}
