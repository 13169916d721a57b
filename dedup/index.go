package dedup

import (
	"context"
	"sync"
	"time"
)

// FireIndex stores last-fired times for dedup keys. Claim is an atomic
// check-and-set so replicas sharing a backend never both fire for one key.
type FireIndex interface {
	// Claim records now as the last fire for key unless key fired less than
	// window ago. It returns true when the caller may fire.
	Claim(ctx context.Context, key string, now time.Time, window time.Duration) (bool, error)
	// Release undoes a Claim made at now, for matches suppressed by a later check.
	Release(ctx context.Context, key string, now time.Time) error
}

// Pruner is implemented by indexes that need periodic cleanup.
type Pruner interface {
	Prune(now time.Time, window time.Duration) int
}

// MemoryIndex is the in-process FireIndex.
type MemoryIndex struct {
	mu   sync.Mutex
	last map[string]time.Time
}

// NewMemoryIndex creates an empty in-memory index.
func NewMemoryIndex() *MemoryIndex {
	return &MemoryIndex{last: make(map[string]time.Time)}
}

// Claim implements FireIndex.
func (m *MemoryIndex) Claim(_ context.Context, key string, now time.Time, window time.Duration) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if last, ok := m.last[key]; ok && window > 0 && now.Sub(last) < window {
		return false, nil
	}
	m.last[key] = now
	return true, nil
}

// Release implements FireIndex. The previous fire time, if any, was already
// outside the window, so dropping the key restores the observable state.
func (m *MemoryIndex) Release(_ context.Context, key string, now time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if last, ok := m.last[key]; ok && last.Equal(now) {
		delete(m.last, key)
	}
	return nil
}

// LastFired returns the recorded fire time for key.
func (m *MemoryIndex) LastFired(key string) (time.Time, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.last[key]
	return t, ok
}

// Prune drops keys that fired at least window before now.
func (m *MemoryIndex) Prune(now time.Time, window time.Duration) int {
	m.mu.Lock()
	defer m.mu.Unlock()

	removed := 0
	for key, last := range m.last {
		if now.Sub(last) >= window {
			delete(m.last, key)
			removed++
		}
	}
	return removed
}

// Len returns the number of tracked keys.
func (m *MemoryIndex) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.last)
}
