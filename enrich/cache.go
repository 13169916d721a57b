package enrich

import (
	"context"
	"strings"
	"time"

	"chainwatch/core"
	"chainwatch/metrics"

	"github.com/hashicorp/golang-lru/v2/expirable"
)

// CachingEnricher caches address labels in an expiring LRU. Bridge
// detection and typology lookups pass straight through. Failed lookups are
// not cached.
type CachingEnricher struct {
	inner  Enricher
	labels *expirable.LRU[string, []string]
}

// NewCachingEnricher wraps inner with a label cache of size entries that expire after ttl.
func NewCachingEnricher(inner Enricher, size int, ttl time.Duration) *CachingEnricher {
	if size <= 0 {
		size = 10000
	}
	return &CachingEnricher{
		inner:  inner,
		labels: expirable.NewLRU[string, []string](size, nil, ttl),
	}
}

// GetLabels implements Enricher.
func (c *CachingEnricher) GetLabels(ctx context.Context, address string) ([]string, error) {
	key := strings.ToLower(address)
	if labels, ok := c.labels.Get(key); ok {
		metrics.EnrichmentCacheLookups.WithLabelValues("hit").Inc()
		return append([]string(nil), labels...), nil
	}
	metrics.EnrichmentCacheLookups.WithLabelValues("miss").Inc()

	labels, err := c.inner.GetLabels(ctx, address)
	if err != nil {
		return nil, err
	}
	c.labels.Add(key, append([]string(nil), labels...))
	return labels, nil
}

// DetectBridge implements Enricher.
func (c *CachingEnricher) DetectBridge(ctx context.Context, event *core.Event) (*core.BridgeInfo, error) {
	return c.inner.DetectBridge(ctx, event)
}

// GetActiveTypologyRules implements Enricher.
func (c *CachingEnricher) GetActiveTypologyRules(ctx context.Context) ([]TypologyRule, error) {
	return c.inner.GetActiveTypologyRules(ctx)
}

// Purge drops every cached entry.
func (c *CachingEnricher) Purge() {
	c.labels.Purge()
}

// Len returns the number of cached addresses.
func (c *CachingEnricher) Len() int {
	return c.labels.Len()
}
