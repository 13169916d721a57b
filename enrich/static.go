package enrich

import (
	"context"
	"strings"
	"sync"

	"chainwatch/core"
)

// StaticEnricher serves labels, bridges and typologies from memory. It backs
// the CLI and tests, and deployments that ship label lists in config.
type StaticEnricher struct {
	mu        sync.RWMutex
	labels    map[string][]string
	bridges   map[string]*core.BridgeInfo
	typology  []TypologyRule
	labelErr  error
	bridgeErr error
	rulesErr  error
	calls     map[string]int
}

// NewStaticEnricher creates an enricher seeded with address labels.
// Addresses are matched case-insensitively.
func NewStaticEnricher(labels map[string][]string) *StaticEnricher {
	s := &StaticEnricher{
		labels:  make(map[string][]string, len(labels)),
		bridges: make(map[string]*core.BridgeInfo),
		calls:   make(map[string]int),
	}
	for addr, l := range labels {
		s.labels[strings.ToLower(addr)] = append([]string(nil), l...)
	}
	return s
}

// SetLabels replaces the labels for an address.
func (s *StaticEnricher) SetLabels(address string, labels ...string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.labels[strings.ToLower(address)] = labels
}

// SetBridge registers a bridge hop for a transaction hash.
func (s *StaticEnricher) SetBridge(txHash string, bridge *core.BridgeInfo) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.bridges[strings.ToLower(txHash)] = bridge
}

// SetTypologyRules replaces the served typology rules.
func (s *StaticEnricher) SetTypologyRules(rules []TypologyRule) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.typology = append([]TypologyRule(nil), rules...)
}

// FailWith makes subsequent calls of the named operation return err. A nil
// err clears the failure.
func (s *StaticEnricher) FailWith(operation string, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	switch operation {
	case OpGetLabels:
		s.labelErr = err
	case OpDetectBridge:
		s.bridgeErr = err
	case OpTypologies:
		s.rulesErr = err
	}
}

// Calls returns how many times an operation was invoked.
func (s *StaticEnricher) Calls(operation string) int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.calls[operation]
}

// GetLabels implements Enricher.
func (s *StaticEnricher) GetLabels(ctx context.Context, address string) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls[OpGetLabels]++
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if s.labelErr != nil {
		return nil, s.labelErr
	}
	return append([]string(nil), s.labels[strings.ToLower(address)]...), nil
}

// DetectBridge implements Enricher.
func (s *StaticEnricher) DetectBridge(ctx context.Context, event *core.Event) (*core.BridgeInfo, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls[OpDetectBridge]++
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if s.bridgeErr != nil {
		return nil, s.bridgeErr
	}
	if event.TxHash == "" {
		return nil, nil
	}
	if b, ok := s.bridges[strings.ToLower(event.TxHash)]; ok {
		c := *b
		return &c, nil
	}
	return nil, nil
}

// GetActiveTypologyRules implements Enricher.
func (s *StaticEnricher) GetActiveTypologyRules(ctx context.Context) ([]TypologyRule, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls[OpTypologies]++
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if s.rulesErr != nil {
		return nil, s.rulesErr
	}
	return append([]TypologyRule(nil), s.typology...), nil
}
