package rules

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"chainwatch/core"
	"chainwatch/metrics"

	"go.uber.org/zap"
)

// ErrUnknownRule is returned when toggling a rule id that is not loaded.
var ErrUnknownRule = errors.New("unknown rule")

// Source supplies typology rules to the registry.
type Source interface {
	Name() string
	Load(ctx context.Context) ([]*TypologyRule, error)
}

// RuleSet is an immutable snapshot of every loaded rule. Evaluators hold a
// snapshot for the duration of one event so a concurrent reload never
// changes the rules seen mid-evaluation.
type RuleSet struct {
	rules    []Rule
	byID     map[string]Rule
	enabled  map[string]bool
	version  uint64
	loadedAt time.Time
}

// newRuleSet builds a snapshot. Typology rules whose id is already taken by a
// built-in are left out and their ids returned.
func newRuleSet(builtins []*BuiltinRule, typology []*TypologyRule, overrides map[string]bool, version uint64) (*RuleSet, []string) {
	set := &RuleSet{
		byID:     make(map[string]Rule, len(builtins)+len(typology)),
		enabled:  make(map[string]bool, len(builtins)+len(typology)),
		version:  version,
		loadedAt: time.Now(),
	}

	var shadowed []string
	add := func(r Rule) {
		meta := r.Metadata()
		if _, exists := set.byID[meta.ID]; exists {
			shadowed = append(shadowed, meta.ID)
			return
		}
		set.rules = append(set.rules, r)
		set.byID[meta.ID] = r
		enabled := meta.Enabled
		if v, ok := overrides[meta.ID]; ok {
			enabled = v
		}
		set.enabled[meta.ID] = enabled
	}

	for _, r := range builtins {
		add(r)
	}

	sorted := append([]*TypologyRule(nil), typology...)
	sort.SliceStable(sorted, func(i, j int) bool { return sorted[i].ID < sorted[j].ID })
	for _, r := range sorted {
		add(r)
	}
	return set, shadowed
}

// withEnabled returns a copy of the set with one rule toggled.
func (s *RuleSet) withEnabled(id string, enabled bool) *RuleSet {
	c := *s
	c.enabled = make(map[string]bool, len(s.enabled))
	for k, v := range s.enabled {
		c.enabled[k] = v
	}
	c.enabled[id] = enabled
	c.version = s.version + 1
	return &c
}

// Active returns the enabled rules for variant, builtins first. An empty
// variant selects every rule; rules without a variant belong to every variant.
func (s *RuleSet) Active(variant string) []Rule {
	out := make([]Rule, 0, len(s.rules))
	for _, r := range s.rules {
		meta := r.Metadata()
		if !s.enabled[meta.ID] || !matchesVariant(meta.Variant, variant) {
			continue
		}
		out = append(out, r)
	}
	return out
}

// Get returns a rule by id.
func (s *RuleSet) Get(id string) (Rule, bool) {
	r, ok := s.byID[id]
	return r, ok
}

// Len returns the number of loaded rules, enabled or not.
func (s *RuleSet) Len() int { return len(s.rules) }

// Version increases with every reload or toggle.
func (s *RuleSet) Version() uint64 { return s.version }

// LoadedAt is when the snapshot was built.
func (s *RuleSet) LoadedAt() time.Time { return s.loadedAt }

// List returns metadata sorted by id, filtered by variant, with the effective enabled flag.
func (s *RuleSet) List(variant string) []core.RuleMetadata {
	out := make([]core.RuleMetadata, 0, len(s.rules))
	for _, r := range s.rules {
		meta := r.Metadata()
		if !matchesVariant(meta.Variant, variant) {
			continue
		}
		meta.Enabled = s.enabled[meta.ID]
		out = append(out, meta)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// count returns rules per source.
func (s *RuleSet) count() (builtin, typology int) {
	for _, r := range s.rules {
		if r.Metadata().Source == core.RuleSourceBuiltin {
			builtin++
		} else {
			typology++
		}
	}
	return builtin, typology
}

// Registry owns the current RuleSet and swaps it atomically on reload.
type Registry struct {
	builtins []*BuiltinRule
	sources  []Source
	logger   *zap.SugaredLogger

	current atomic.Pointer[RuleSet]

	// mu serialises writers; readers only use current
	mu        sync.Mutex
	overrides map[string]bool
	version   uint64
}

// NewRegistry creates a registry holding only the built-in rules until the
// first Reload.
func NewRegistry(builtins []*BuiltinRule, logger *zap.SugaredLogger, sources ...Source) *Registry {
	r := &Registry{
		builtins:  builtins,
		sources:   sources,
		logger:    logger,
		overrides: make(map[string]bool),
	}
	set, _ := newRuleSet(builtins, nil, nil, 0)
	r.current.Store(set)
	metrics.UpdateActiveRules(string(core.RuleSourceBuiltin), len(builtins))
	return r
}

// Snapshot returns the current rule set.
func (r *Registry) Snapshot() *RuleSet {
	return r.current.Load()
}

// Reload pulls typology rules from every source and installs a new
// snapshot. If any source fails the current snapshot is kept and the error
// returned, so a reload is all or nothing. Returns the number of typology
// rules installed.
func (r *Registry) Reload(ctx context.Context) (int, error) {
	start := time.Now()

	var typology []*TypologyRule
	seen := make(map[string]int)
	for _, src := range r.sources {
		loaded, err := src.Load(ctx)
		if err != nil {
			metrics.RuleReloads.WithLabelValues("failure").Inc()
			r.logger.Errorw("Rule reload failed, keeping current rules", "source", src.Name(), "error", err)
			return 0, fmt.Errorf("failed to load rules from %s: %w", src.Name(), err)
		}
		for _, rule := range loaded {
			if i, dup := seen[rule.ID]; dup {
				r.logger.Warnw("Duplicate rule id across sources, later source wins", "rule_id", rule.ID, "source", src.Name())
				typology[i] = rule
				continue
			}
			seen[rule.ID] = len(typology)
			typology = append(typology, rule)
		}
	}

	r.mu.Lock()
	r.version++
	set, shadowed := newRuleSet(r.builtins, typology, r.overrides, r.version)
	r.current.Store(set)
	r.mu.Unlock()

	for _, id := range shadowed {
		r.logger.Warnw("Typology rule id collides with a built-in rule, ignoring typology rule", "rule_id", id)
		metrics.RecordRuleLoadError("shadowed")
	}

	builtin, typ := set.count()
	metrics.UpdateActiveRules(string(core.RuleSourceBuiltin), builtin)
	metrics.UpdateActiveRules(string(core.RuleSourceTypology), typ)
	metrics.RuleReloads.WithLabelValues("success").Inc()
	metrics.RuleLoadDuration.Observe(time.Since(start).Seconds())

	r.logger.Infow("Rule set reloaded", "version", set.Version(), "builtin", builtin, "typology", typ, "duration", time.Since(start))
	return typ, nil
}

// SetEnabled toggles a rule without reloading. The choice survives reloads.
func (r *Registry) SetEnabled(id string, enabled bool) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	cur := r.current.Load()
	if _, ok := cur.Get(id); !ok {
		return fmt.Errorf("%w: %s", ErrUnknownRule, id)
	}
	r.overrides[id] = enabled
	r.version++
	next := cur.withEnabled(id, enabled)
	next.version = r.version
	r.current.Store(next)

	r.logger.Infow("Rule toggled", "rule_id", id, "enabled", enabled)
	return nil
}

// ListRules returns metadata for the current snapshot.
func (r *Registry) ListRules(variant string) []core.RuleMetadata {
	return r.Snapshot().List(variant)
}
