package core

import (
	"errors"
	"fmt"
	"sync"
	"time"
)

// CircuitBreakerState represents the state of a circuit breaker
type CircuitBreakerState string

const (
	// CircuitBreakerStateClosed means requests pass through normally
	CircuitBreakerStateClosed CircuitBreakerState = "closed"
	// CircuitBreakerStateOpen means requests fail immediately
	CircuitBreakerStateOpen CircuitBreakerState = "open"
	// CircuitBreakerStateHalfOpen means a trial request is allowed through
	CircuitBreakerStateHalfOpen CircuitBreakerState = "half_open"
)

var (
	// ErrCircuitBreakerOpen is returned when circuit breaker is open
	ErrCircuitBreakerOpen = errors.New("circuit breaker is open")
	// ErrTooManyRequests is returned when too many requests in half-open state
	ErrTooManyRequests = errors.New("too many requests")
	// ErrInvalidCircuitBreakerConfig is returned when circuit breaker config is invalid
	ErrInvalidCircuitBreakerConfig = errors.New("invalid circuit breaker configuration")
)

// CircuitBreakerConfig holds configuration for a circuit breaker
type CircuitBreakerConfig struct {
	// MaxFailures is the number of consecutive failures before opening the circuit
	MaxFailures uint32 `mapstructure:"max_failures"`
	// Timeout is how long the circuit stays open before a trial request
	Timeout time.Duration `mapstructure:"timeout"`
	// MaxHalfOpenRequests is max concurrent requests in half-open state
	MaxHalfOpenRequests uint32 `mapstructure:"max_half_open_requests"`
}

// Validate checks if the circuit breaker configuration is valid
func (c *CircuitBreakerConfig) Validate() error {
	if c.MaxFailures == 0 {
		return errors.New("MaxFailures must be greater than 0")
	}
	if c.Timeout <= 0 {
		return errors.New("Timeout must be greater than 0")
	}
	if c.MaxHalfOpenRequests == 0 {
		return errors.New("MaxHalfOpenRequests must be greater than 0")
	}
	return nil
}

// DefaultCircuitBreakerConfig returns the settings used for notification sinks
func DefaultCircuitBreakerConfig() CircuitBreakerConfig {
	return CircuitBreakerConfig{
		MaxFailures:         3,
		Timeout:             60 * time.Second,
		MaxHalfOpenRequests: 1,
	}
}

// CircuitBreaker guards a single downstream dependency, such as one sink.
type CircuitBreaker struct {
	name         string
	config       CircuitBreakerConfig
	state        CircuitBreakerState
	failures     uint32
	lastFailTime time.Time
	halfOpenReqs uint32
	now          func() time.Time
	onChange     func(name string, from, to CircuitBreakerState)
	mu           sync.Mutex
}

// NewCircuitBreaker creates a named circuit breaker.
func NewCircuitBreaker(name string, config CircuitBreakerConfig) (*CircuitBreaker, error) {
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidCircuitBreakerConfig, err)
	}

	return &CircuitBreaker{
		name:   name,
		config: config,
		state:  CircuitBreakerStateClosed,
		now:    time.Now,
	}, nil
}

// MustNewCircuitBreaker creates a circuit breaker or panics if config is invalid.
// Only use with hardcoded configs.
func MustNewCircuitBreaker(name string, config CircuitBreakerConfig) *CircuitBreaker {
	cb, err := NewCircuitBreaker(name, config)
	if err != nil {
		panic(err)
	}
	return cb
}

// OnStateChange registers a callback invoked (outside the lock) on transitions.
func (cb *CircuitBreaker) OnStateChange(fn func(name string, from, to CircuitBreakerState)) {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.onChange = fn
}

// Name returns the dependency this breaker guards.
func (cb *CircuitBreaker) Name() string {
	return cb.name
}

// Allow checks if a request is allowed through the circuit breaker
func (cb *CircuitBreaker) Allow() error {
	cb.mu.Lock()
	from := cb.state
	var err error

	switch cb.state {
	case CircuitBreakerStateOpen:
		if cb.now().Sub(cb.lastFailTime) > cb.config.Timeout {
			cb.state = CircuitBreakerStateHalfOpen
			cb.halfOpenReqs = 1
		} else {
			err = ErrCircuitBreakerOpen
		}

	case CircuitBreakerStateHalfOpen:
		if cb.halfOpenReqs >= cb.config.MaxHalfOpenRequests {
			err = ErrTooManyRequests
		} else {
			cb.halfOpenReqs++
		}
	}

	to, notify := cb.state, cb.onChange
	cb.mu.Unlock()

	if from != to && notify != nil {
		notify(cb.name, from, to)
	}
	return err
}

// RecordSuccess records a successful request.
// Returns the old and new state atomically.
func (cb *CircuitBreaker) RecordSuccess() (oldState, newState CircuitBreakerState) {
	cb.mu.Lock()
	oldState = cb.state

	switch cb.state {
	case CircuitBreakerStateClosed:
		cb.failures = 0
	case CircuitBreakerStateHalfOpen:
		cb.state = CircuitBreakerStateClosed
		cb.failures = 0
		cb.halfOpenReqs = 0
	}

	newState = cb.state
	notify := cb.onChange
	cb.mu.Unlock()

	if oldState != newState && notify != nil {
		notify(cb.name, oldState, newState)
	}
	return
}

// RecordFailure records a failed request.
// Returns the old and new state atomically.
func (cb *CircuitBreaker) RecordFailure() (oldState, newState CircuitBreakerState) {
	cb.mu.Lock()
	oldState = cb.state
	cb.lastFailTime = cb.now()
	cb.failures++

	switch cb.state {
	case CircuitBreakerStateClosed:
		if cb.failures >= cb.config.MaxFailures {
			cb.state = CircuitBreakerStateOpen
		}
	case CircuitBreakerStateHalfOpen:
		cb.state = CircuitBreakerStateOpen
		cb.halfOpenReqs = 0
	}

	newState = cb.state
	notify := cb.onChange
	cb.mu.Unlock()

	if oldState != newState && notify != nil {
		notify(cb.name, oldState, newState)
	}
	return
}

// Execute runs fn if the breaker allows it and records the outcome.
func (cb *CircuitBreaker) Execute(fn func() error) error {
	if err := cb.Allow(); err != nil {
		return fmt.Errorf("%s: %w", cb.name, err)
	}
	if err := fn(); err != nil {
		cb.RecordFailure()
		return err
	}
	cb.RecordSuccess()
	return nil
}

// State returns the current state of the circuit breaker
func (cb *CircuitBreaker) State() CircuitBreakerState {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.state
}

// Failures returns the current failure count
func (cb *CircuitBreaker) Failures() uint32 {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.failures
}

// Reset resets the circuit breaker to closed state
func (cb *CircuitBreaker) Reset() {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.state = CircuitBreakerStateClosed
	cb.failures = 0
	cb.halfOpenReqs = 0
}
