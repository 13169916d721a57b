// Package kyt scores single transactions on demand and streams the results
// to live subscribers.
package kyt

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sort"
	"sync"
	"time"

	"chainwatch/core"
	"chainwatch/metrics"
	"chainwatch/rules"

	"go.uber.org/zap"
)

// RiskLevel is the banded interpretation of a risk score.
type RiskLevel string

// Risk levels, lowest first.
const (
	RiskSafe     RiskLevel = "safe"
	RiskLow      RiskLevel = "low"
	RiskMedium   RiskLevel = "medium"
	RiskHigh     RiskLevel = "high"
	RiskCritical RiskLevel = "critical"
)

// Band cutoffs. A score at or above a cutoff falls in that band.
const (
	CriticalCutoff = 0.9
	HighCutoff     = 0.7
	MediumCutoff   = 0.4
	LowCutoff      = 0.2
)

// DefaultSubscriberBuffer is the per-subscriber queue size.
const DefaultSubscriberBuffer = 64

// LevelForScore maps a score in [0, 1] to its band.
func LevelForScore(score float64) RiskLevel {
	switch {
	case score >= CriticalCutoff:
		return RiskCritical
	case score >= HighCutoff:
		return RiskHigh
	case score >= MediumCutoff:
		return RiskMedium
	case score >= LowCutoff:
		return RiskLow
	default:
		return RiskSafe
	}
}

// Transaction is one transfer submitted for an interactive risk check.
type Transaction struct {
	TxHash    string    `json:"tx_hash,omitempty"`
	Chain     string    `json:"chain,omitempty"`
	From      string    `json:"from"`
	To        string    `json:"to"`
	ValueUSD  float64   `json:"value_usd"`
	RiskScore float64   `json:"risk_score"`
	Labels    []string  `json:"labels,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// Assessment is the result of Analyze.
type Assessment struct {
	TxHash         string        `json:"tx_hash,omitempty"`
	Address        string        `json:"address"`
	RiskScore      float64       `json:"risk_score"`
	Level          RiskLevel     `json:"risk_level"`
	TriggeredRules []string      `json:"triggered_rules"`
	Severity       core.Severity `json:"severity,omitempty"`
	AnalyzedAt     time.Time     `json:"analyzed_at"`
}

// Config configures the scorer.
type Config struct {
	SubscriberBuffer int              `mapstructure:"subscriber_buffer"`
	Thresholds       rules.Thresholds `mapstructure:"thresholds"`
}

// Engine evaluates the reduced built-in rule set and fans results out to
// subscribers.
type Engine struct {
	rules  []*rules.BuiltinRule
	buffer int
	logger *zap.SugaredLogger
	now    func() time.Time

	mu          sync.RWMutex
	subscribers map[string][]chan Assessment
}

// New creates an Engine. Zero thresholds fall back to the built-in defaults.
func New(cfg Config, logger *zap.SugaredLogger) *Engine {
	t := cfg.Thresholds
	defaults := rules.DefaultThresholds()
	if t.LargeTransferUSD <= 0 {
		t.LargeTransferUSD = defaults.LargeTransferUSD
	}
	if t.LargeTransferHighMultiplier <= 0 {
		t.LargeTransferHighMultiplier = defaults.LargeTransferHighMultiplier
	}
	if t.HighRiskScore <= 0 {
		t.HighRiskScore = defaults.HighRiskScore
	}
	if t.CriticalRiskScore <= 0 {
		t.CriticalRiskScore = defaults.CriticalRiskScore
	}
	// label screening is left to the full pipeline
	t.SanctionedLabels = nil

	buffer := cfg.SubscriberBuffer
	if buffer <= 0 {
		buffer = DefaultSubscriberBuffer
	}

	return &Engine{
		rules:       rules.Builtins(t),
		buffer:      buffer,
		logger:      logger,
		now:         time.Now,
		subscribers: make(map[string][]chan Assessment),
	}
}

// Analyze scores tx and broadcasts the assessment to every subscriber.
func (e *Engine) Analyze(ctx context.Context, tx Transaction) (Assessment, error) {
	if err := ctx.Err(); err != nil {
		return Assessment{}, err
	}
	if err := tx.validate(); err != nil {
		return Assessment{}, err
	}

	score := tx.RiskScore
	event := &core.Event{
		TxHash:    tx.TxHash,
		Chain:     tx.Chain,
		From:      tx.From,
		To:        tx.To,
		ValueUSD:  tx.ValueUSD,
		RiskScore: &score,
		Labels:    tx.Labels,
		Timestamp: tx.Timestamp,
	}

	a := Assessment{
		TxHash:         tx.TxHash,
		Address:        event.EntityKey(),
		RiskScore:      score,
		Level:          LevelForScore(score),
		TriggeredRules: []string{},
		AnalyzedAt:     e.now().UTC(),
	}
	for _, r := range e.rules {
		match, ok, err := r.Evaluate(event, nil)
		if err != nil || !ok {
			continue
		}
		a.TriggeredRules = append(a.TriggeredRules, r.Metadata().ID)
		a.Severity = core.MaxSeverity(a.Severity, match.Severity)
	}
	sort.Strings(a.TriggeredRules)

	metrics.KYTAssessments.WithLabelValues(string(a.Level)).Inc()
	e.broadcast(a)
	return a, nil
}

func (tx Transaction) validate() error {
	if tx.From == "" && tx.To == "" {
		return errors.New("kyt: transaction needs a from or to address")
	}
	if math.IsNaN(tx.RiskScore) || tx.RiskScore < 0 || tx.RiskScore > 1 {
		return fmt.Errorf("kyt: risk_score %.3f outside [0, 1]", tx.RiskScore)
	}
	if math.IsNaN(tx.ValueUSD) || math.IsInf(tx.ValueUSD, 0) {
		return fmt.Errorf("kyt: value_usd %v is not a finite number", tx.ValueUSD)
	}
	if tx.ValueUSD < 0 {
		return fmt.Errorf("kyt: negative value_usd %.2f", tx.ValueUSD)
	}
	return nil
}

// Subscribe registers a new queue under id. One id may hold several queues.
func (e *Engine) Subscribe(id string) <-chan Assessment {
	ch := make(chan Assessment, e.buffer)

	e.mu.Lock()
	e.subscribers[id] = append(e.subscribers[id], ch)
	e.mu.Unlock()

	metrics.KYTSubscribers.Inc()
	e.logger.Debugw("KYT subscriber registered", "subscriber", id)
	return ch
}

// Unsubscribe removes and closes the queue returned by Subscribe. It reports
// whether the queue was registered under id.
func (e *Engine) Unsubscribe(id string, ch <-chan Assessment) bool {
	e.mu.Lock()
	defer e.mu.Unlock()

	queues := e.subscribers[id]
	for i, q := range queues {
		if (<-chan Assessment)(q) != ch {
			continue
		}
		close(q)
		queues = append(queues[:i], queues[i+1:]...)
		if len(queues) == 0 {
			delete(e.subscribers, id)
		} else {
			e.subscribers[id] = queues
		}
		metrics.KYTSubscribers.Dec()
		e.logger.Debugw("KYT subscriber removed", "subscriber", id)
		return true
	}
	return false
}

// SubscriberCount returns the number of registered queues.
func (e *Engine) SubscriberCount() int {
	e.mu.RLock()
	defer e.mu.RUnlock()
	n := 0
	for _, queues := range e.subscribers {
		n += len(queues)
	}
	return n
}

// Close unsubscribes everyone.
func (e *Engine) Close() {
	e.mu.Lock()
	defer e.mu.Unlock()
	for id, queues := range e.subscribers {
		for _, q := range queues {
			close(q)
			metrics.KYTSubscribers.Dec()
		}
		delete(e.subscribers, id)
	}
}

// broadcast never blocks. A full queue loses this assessment.
func (e *Engine) broadcast(a Assessment) {
	e.mu.RLock()
	defer e.mu.RUnlock()

	for id, queues := range e.subscribers {
		for _, q := range queues {
			select {
			case q <- a:
			default:
				metrics.KYTDropped.Inc()
				e.logger.Warnw("KYT subscriber queue full, dropping assessment",
					"subscriber", id,
					"tx_hash", a.TxHash,
					"risk_level", a.Level)
			}
		}
	}
}
