package catalog

import (
	"context"
	"sync"
	"time"

	"github.com/mihaimyh/subsync/pkg/billing"
)

// Cache stores plan catalog entries in front of the provider.
// Implementations return copies so callers may mutate results.
type Cache interface {
	// GetPlan returns the cached entry and true on a hit.
	GetPlan(ctx context.Context, priceID string) (*billing.PlanCatalogEntry, bool, error)
	SetPlan(ctx context.Context, entry *billing.PlanCatalogEntry, ttl time.Duration) error

	// GetPlans returns the cached list of active plans and true on a hit.
	GetPlans(ctx context.Context) ([]*billing.PlanCatalogEntry, bool, error)
	SetPlans(ctx context.Context, entries []*billing.PlanCatalogEntry, ttl time.Duration) error

	// InvalidatePlan removes one price and the cached plan list.
	InvalidatePlan(ctx context.Context, priceID string) error

	// Clear removes every cached entry.
	Clear(ctx context.Context) error
}

// CacheStats holds cache performance statistics
type CacheStats struct {
	Hits      int64
	Misses    int64
	Evictions int64
	Size      int
}

type cacheEntry struct {
	value      *billing.PlanCatalogEntry
	expiration time.Time
	accessTime time.Time // For LRU eviction
	sequence   int64     // For tiebreaking when access times are equal
}

// NoopCache is a cache implementation that does nothing
// Used when caching is disabled
type NoopCache struct{}

func (NoopCache) GetPlan(context.Context, string) (*billing.PlanCatalogEntry, bool, error) {
	return nil, false, nil
}
func (NoopCache) SetPlan(context.Context, *billing.PlanCatalogEntry, time.Duration) error { return nil }
func (NoopCache) GetPlans(context.Context) ([]*billing.PlanCatalogEntry, bool, error) {
	return nil, false, nil
}
func (NoopCache) SetPlans(context.Context, []*billing.PlanCatalogEntry, time.Duration) error {
	return nil
}
func (NoopCache) InvalidatePlan(context.Context, string) error { return nil }
func (NoopCache) Clear(context.Context) error                  { return nil }

// LRUCache is an in-process Cache with TTL and least-recently-used eviction.
type LRUCache struct {
	mu         sync.Mutex
	entries    map[string]*cacheEntry
	list       []*billing.PlanCatalogEntry
	listExpiry time.Time
	maxEntries int
	hits       int64
	misses     int64
	evictions  int64
	sequence   int64
	now        func() time.Time
}

// NewLRUCache creates an LRU cache holding at most maxEntries prices.
func NewLRUCache(maxEntries int) *LRUCache {
	if maxEntries <= 0 {
		maxEntries = 500 // default
	}
	return &LRUCache{
		entries:    make(map[string]*cacheEntry, maxEntries),
		maxEntries: maxEntries,
		now:        time.Now,
	}
}

func (c *LRUCache) GetPlan(_ context.Context, priceID string) (*billing.PlanCatalogEntry, bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	entry, ok := c.entries[priceID]
	if !ok || now.After(entry.expiration) {
		c.misses++
		return nil, false, nil
	}
	entry.accessTime = now
	c.hits++
	return copyEntry(entry.value), true, nil
}

func (c *LRUCache) SetPlan(_ context.Context, plan *billing.PlanCatalogEntry, ttl time.Duration) error {
	if plan == nil || plan.PriceID == "" {
		return nil
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	if _, exists := c.entries[plan.PriceID]; !exists && len(c.entries) >= c.maxEntries {
		c.evictOldest()
	}

	seq := c.sequence
	c.sequence++
	c.entries[plan.PriceID] = &cacheEntry{
		value:      copyEntry(plan),
		expiration: now.Add(ttl),
		accessTime: now,
		sequence:   seq,
	}
	return nil
}

// evictOldest drops the least recently used entry. Callers hold c.mu.
func (c *LRUCache) evictOldest() {
	var oldestKey string
	var oldestTime time.Time
	var oldestSeq int64
	first := true
	for key, entry := range c.entries {
		if first || entry.accessTime.Before(oldestTime) ||
			(entry.accessTime.Equal(oldestTime) && entry.sequence < oldestSeq) {
			oldestKey = key
			oldestTime = entry.accessTime
			oldestSeq = entry.sequence
			first = false
		}
	}
	if oldestKey != "" {
		delete(c.entries, oldestKey)
		c.evictions++
	}
}

func (c *LRUCache) GetPlans(_ context.Context) ([]*billing.PlanCatalogEntry, bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.list == nil || c.now().After(c.listExpiry) {
		c.misses++
		return nil, false, nil
	}
	c.hits++
	return copyEntries(c.list), true, nil
}

func (c *LRUCache) SetPlans(_ context.Context, plans []*billing.PlanCatalogEntry, ttl time.Duration) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.list = copyEntries(plans)
	c.listExpiry = c.now().Add(ttl)
	return nil
}

func (c *LRUCache) InvalidatePlan(_ context.Context, priceID string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.entries, priceID)
	c.list = nil
	return nil
}

func (c *LRUCache) Clear(_ context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries = make(map[string]*cacheEntry, c.maxEntries)
	c.list = nil
	return nil
}

func (c *LRUCache) Stats() CacheStats {
	c.mu.Lock()
	defer c.mu.Unlock()
	return CacheStats{
		Hits:      c.hits,
		Misses:    c.misses,
		Evictions: c.evictions,
		Size:      len(c.entries),
	}
}

func copyEntry(e *billing.PlanCatalogEntry) *billing.PlanCatalogEntry {
	if e == nil {
		return nil
	}
	out := *e
	if e.Features != nil {
		out.Features = append([]string(nil), e.Features...)
	}
	return &out
}

func copyEntries(in []*billing.PlanCatalogEntry) []*billing.PlanCatalogEntry {
	out := make([]*billing.PlanCatalogEntry, 0, len(in))
	for _, e := range in {
		out = append(out, copyEntry(e))
	}
	return out
}
