// Package dedup decides which rule matches become alerts. It enforces the
// per (rule, entity) dedup window, operator rule mutes, the per-entity cap
// within one event and the global rate limit, and keeps a bounded log of
// everything it suppressed.
package dedup

import (
	"context"
	"io"
	"sync"
	"time"

	"chainwatch/core"
	"chainwatch/metrics"

	"go.uber.org/zap"
)

// Statistics summarises suppression activity since start.
type Statistics struct {
	Total             int            `json:"total"`
	ByReason          map[string]int `json:"by_reason"`
	ByRule            map[string]int `json:"by_rule"`
	Retained          int            `json:"retained"`
	LogCapacity       int            `json:"log_capacity"`
	Window            time.Duration  `json:"window"`
	GlobalRateLimit   int            `json:"global_rate_limit"`
	RateLimitInterval time.Duration  `json:"rate_limit_interval"`
	MaxRulesPerEntity int            `json:"max_rules_per_entity"`
	SuppressedRules   int            `json:"suppressed_rules"`
}

// Store is the dedup/suppression store. All methods are safe for concurrent use.
type Store struct {
	index  FireIndex
	logger *zap.SugaredLogger

	mu               sync.Mutex
	settings         Settings
	ruleSuppressions map[string]time.Time
	bucketStart      time.Time
	bucketCount      int
	log              *eventLog
	total            int
	byReason         map[core.SuppressionReason]int
	byRule           map[string]int
}

// NewStore creates a store. A nil index uses a MemoryIndex.
func NewStore(settings Settings, logSize int, index FireIndex, logger *zap.SugaredLogger) (*Store, error) {
	if err := settings.Validate(); err != nil {
		return nil, err
	}
	if index == nil {
		index = NewMemoryIndex()
	}
	return &Store{
		index:            index,
		logger:           logger,
		settings:         settings,
		ruleSuppressions: make(map[string]time.Time),
		log:              newEventLog(logSize),
		byReason:         make(map[core.SuppressionReason]int),
		byRule:           make(map[string]int),
	}, nil
}

// Pass scopes the per-entity rule cap to one event. A Pass is used by a
// single goroutine.
type Pass struct {
	store  *Store
	counts map[string]int
}

// BeginPass starts a new per-event pass.
func (s *Store) BeginPass() *Pass {
	return &Pass{store: s, counts: make(map[string]int)}
}

// ShouldSuppress decides one match within the pass.
func (p *Pass) ShouldSuppress(ruleID, entity string, now time.Time) (bool, core.SuppressionReason) {
	return p.store.decide(p, ruleID, entity, now)
}

// ShouldSuppress decides a single match outside any pass, so the
// per-entity cap does not apply.
func (s *Store) ShouldSuppress(ruleID, entity string, now time.Time) (bool, core.SuppressionReason) {
	return s.decide(nil, ruleID, entity, now)
}

// decide applies the checks in order: rule suppression, dedup window,
// entity cap, global rate limit. A suppressed match never updates the
// last-fired time.
func (s *Store) decide(pass *Pass, ruleID, entity string, now time.Time) (bool, core.SuppressionReason) {
	s.mu.Lock()
	if until, muted := s.ruleSuppressions[ruleID]; muted {
		if until.IsZero() || now.Before(until) {
			s.recordLocked(core.ReasonRuleSuppression, ruleID, entity, now)
			s.mu.Unlock()
			return true, core.ReasonRuleSuppression
		}
		delete(s.ruleSuppressions, ruleID)
	}
	settings := s.settings
	s.mu.Unlock()

	// The index may be remote, so it is consulted without holding the lock.
	key := fireKey(ruleID, entity)
	claimed, err := s.index.Claim(context.Background(), key, now, settings.Window)
	if err != nil {
		s.logger.Warnw("Dedup lookup failed, treating as first fire", "rule_id", ruleID, "entity", entity, "error", err)
	}
	if !claimed {
		s.mu.Lock()
		s.recordLocked(core.ReasonDedupWindow, ruleID, entity, now)
		s.mu.Unlock()
		return true, core.ReasonDedupWindow
	}

	reason := core.ReasonNone
	s.mu.Lock()
	switch {
	case pass != nil && s.settings.MaxRulesPerEntity > 0 && pass.counts[entity] >= s.settings.MaxRulesPerEntity:
		reason = core.ReasonEntitySuppression
	case s.rateLimitedLocked(now):
		reason = core.ReasonGlobalRateLimit
	}
	if reason != core.ReasonNone {
		s.recordLocked(reason, ruleID, entity, now)
		s.mu.Unlock()
		if err := s.index.Release(context.Background(), key, now); err != nil {
			s.logger.Warnw("Failed to release dedup claim", "rule_id", ruleID, "entity", entity, "error", err)
		}
		return true, reason
	}
	s.bucketCount++
	s.mu.Unlock()

	if pass != nil {
		pass.counts[entity]++
	}
	return false, core.ReasonNone
}

// rateLimitedLocked reports whether the current fixed interval is exhausted.
func (s *Store) rateLimitedLocked(now time.Time) bool {
	if s.settings.GlobalRateLimit <= 0 {
		return false
	}
	bucket := now.Truncate(s.settings.RateLimitInterval)
	if !bucket.Equal(s.bucketStart) {
		s.bucketStart = bucket
		s.bucketCount = 0
	}
	return s.bucketCount >= s.settings.GlobalRateLimit
}

func (s *Store) recordLocked(reason core.SuppressionReason, ruleID, entity string, now time.Time) {
	s.log.add(core.SuppressionEvent{Reason: reason, RuleID: ruleID, Entity: entity, Timestamp: now})
	s.total++
	s.byReason[reason]++
	s.byRule[ruleID]++
	metrics.AlertsSuppressed.WithLabelValues(string(reason)).Inc()
}

func fireKey(ruleID, entity string) string {
	return ruleID + "|" + entity
}

// UpdateSettings replaces the suppression parameters. Already recorded
// suppressions and fire times are left as they are.
func (s *Store) UpdateSettings(settings Settings) error {
	if err := settings.Validate(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if settings.RateLimitInterval != s.settings.RateLimitInterval {
		s.bucketStart = time.Time{}
		s.bucketCount = 0
	}
	s.settings = settings
	s.logger.Infow("Dedup settings updated",
		"window", settings.Window,
		"global_rate_limit", settings.GlobalRateLimit,
		"rate_limit_interval", settings.RateLimitInterval,
		"max_rules_per_entity", settings.MaxRulesPerEntity)
	return nil
}

// Settings returns the parameters in effect.
func (s *Store) Settings() Settings {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.settings
}

// SuppressRule mutes a rule until the given time; a zero time mutes it
// until UnsuppressRule.
func (s *Store) SuppressRule(ruleID string, until time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ruleSuppressions[ruleID] = until
}

// UnsuppressRule lifts a mute. It returns false if the rule was not muted.
func (s *Store) UnsuppressRule(ruleID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.ruleSuppressions[ruleID]; !ok {
		return false
	}
	delete(s.ruleSuppressions, ruleID)
	return true
}

// SuppressedRules returns the current mutes keyed by rule id.
func (s *Store) SuppressedRules() map[string]time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]time.Time, len(s.ruleSuppressions))
	for k, v := range s.ruleSuppressions {
		out[k] = v
	}
	return out
}

// Events returns up to limit suppression events, newest first.
func (s *Store) Events(limit int) []core.SuppressionEvent {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.log.newest(limit)
}

// Export returns every retained event as flat rows in chronological order.
func (s *Store) Export() []ExportRow {
	s.mu.Lock()
	events := s.log.oldest()
	s.mu.Unlock()

	rows := make([]ExportRow, len(events))
	for i, ev := range events {
		rows[i] = toRow(ev)
	}
	return rows
}

// ExportCSV writes Export() as CSV with a header line.
func (s *Store) ExportCSV(w io.Writer) error {
	return WriteCSV(w, s.Export())
}

// Statistics returns cumulative counts and the settings in effect.
func (s *Store) Statistics() Statistics {
	s.mu.Lock()
	defer s.mu.Unlock()

	stats := Statistics{
		Total:             s.total,
		ByReason:          make(map[string]int, len(s.byReason)),
		ByRule:            make(map[string]int, len(s.byRule)),
		Retained:          s.log.size,
		LogCapacity:       len(s.log.buf),
		Window:            s.settings.Window,
		GlobalRateLimit:   s.settings.GlobalRateLimit,
		RateLimitInterval: s.settings.RateLimitInterval,
		MaxRulesPerEntity: s.settings.MaxRulesPerEntity,
		SuppressedRules:   len(s.ruleSuppressions),
	}
	for reason, n := range s.byReason {
		stats.ByReason[string(reason)] = n
	}
	for rule, n := range s.byRule {
		stats.ByRule[rule] = n
	}
	return stats
}

// Prune drops expired rule mutes and, for in-memory indexes, fire times
// outside the current window. It returns the number of fire times removed.
func (s *Store) Prune(now time.Time) int {
	s.mu.Lock()
	for id, until := range s.ruleSuppressions {
		if !until.IsZero() && !now.Before(until) {
			delete(s.ruleSuppressions, id)
		}
	}
	window := s.settings.Window
	s.mu.Unlock()

	if p, ok := s.index.(Pruner); ok && window > 0 {
		return p.Prune(now, window)
	}
	return 0
}
