// Package catalog serves plan metadata for display, caching provider
// lookups and shedding them while the provider is failing.
package catalog

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/mihaimyh/subsync/pkg/billing"
)

const (
	defaultTTL              = 15 * time.Minute
	defaultFailureThreshold = 5
	defaultResetTimeout     = 30 * time.Second
)

// Source fetches plan metadata from the billing provider.
type Source interface {
	// GetPlan returns billing.ErrPlanNotFound for unknown prices.
	GetPlan(ctx context.Context, priceID string) (*billing.PlanCatalogEntry, error)

	// ListPlans returns the active recurring plans.
	ListPlans(ctx context.Context) ([]*billing.PlanCatalogEntry, error)
}

// Config configures a Catalog.
type Config struct {
	// Cache defaults to an in-process LRU cache.
	Cache Cache

	// TTL for cached entries (default 15m).
	TTL time.Duration

	// FailureThreshold consecutive provider failures open the breaker (default 5).
	FailureThreshold int

	// ResetTimeout before a trial call is let through (default 30s).
	ResetTimeout time.Duration

	Logger  billing.Logger
	Metrics billing.Metrics
}

// Catalog is a read-through cache over a Source.
type Catalog struct {
	source  Source
	cache   Cache
	ttl     time.Duration
	breaker *Breaker
	logger  billing.Logger
	metrics billing.Metrics
}

// New creates a Catalog over source.
func New(source Source, config Config) *Catalog {
	if config.Cache == nil {
		config.Cache = NewLRUCache(0)
	}
	if config.TTL <= 0 {
		config.TTL = defaultTTL
	}
	if config.FailureThreshold <= 0 {
		config.FailureThreshold = defaultFailureThreshold
	}
	if config.ResetTimeout <= 0 {
		config.ResetTimeout = defaultResetTimeout
	}
	logger := config.Logger
	if logger == nil {
		logger = &billing.NoopLogger{}
	}
	metrics := config.Metrics
	if metrics == nil {
		metrics = &billing.NoopMetrics{}
	}

	return &Catalog{
		source: source,
		cache:  config.Cache,
		ttl:    config.TTL,
		breaker: NewBreaker(config.FailureThreshold, config.ResetTimeout, func(s BreakerState) {
			logger.Warn("plan catalog breaker state changed", billing.F("state", string(s)))
			metrics.RecordCatalogBreakerState(string(s))
		}),
		logger:  logger,
		metrics: metrics,
	}
}

// GetPlan returns the plan for a price id.
func (c *Catalog) GetPlan(ctx context.Context, priceID string) (*billing.PlanCatalogEntry, error) {
	if priceID == "" {
		return nil, billing.ErrPlanNotFound
	}

	if plan, ok, err := c.cache.GetPlan(ctx, priceID); err != nil {
		c.logger.Warn("plan cache read failed", billing.F("price_id", priceID), billing.F("error", err))
	} else if ok {
		c.metrics.RecordCatalogLookup("plan", "hit")
		return plan, nil
	}

	var plan *billing.PlanCatalogEntry
	err := c.breaker.Execute(func() error {
		var err error
		plan, err = c.source.GetPlan(ctx, priceID)
		// An unknown price is an answer, not a provider failure.
		if errors.Is(err, billing.ErrPlanNotFound) {
			return nil
		}
		return err
	})
	if err != nil {
		c.metrics.RecordCatalogLookup("plan", "error")
		return nil, fmt.Errorf("failed to fetch plan %s: %w", priceID, err)
	}
	c.metrics.RecordCatalogLookup("plan", "miss")
	if plan == nil {
		return nil, billing.ErrPlanNotFound
	}

	if err := c.cache.SetPlan(ctx, plan, c.ttl); err != nil {
		c.logger.Warn("plan cache write failed", billing.F("price_id", priceID), billing.F("error", err))
	}
	return plan, nil
}

// ListPlans returns the active recurring plans.
func (c *Catalog) ListPlans(ctx context.Context) ([]*billing.PlanCatalogEntry, error) {
	if plans, ok, err := c.cache.GetPlans(ctx); err != nil {
		c.logger.Warn("plan list cache read failed", billing.F("error", err))
	} else if ok {
		c.metrics.RecordCatalogLookup("plans", "hit")
		return plans, nil
	}

	var plans []*billing.PlanCatalogEntry
	err := c.breaker.Execute(func() error {
		var err error
		plans, err = c.source.ListPlans(ctx)
		return err
	})
	if err != nil {
		c.metrics.RecordCatalogLookup("plans", "error")
		return nil, fmt.Errorf("failed to list plans: %w", err)
	}
	c.metrics.RecordCatalogLookup("plans", "miss")

	if err := c.cache.SetPlans(ctx, plans, c.ttl); err != nil {
		c.logger.Warn("plan list cache write failed", billing.F("error", err))
	}
	return plans, nil
}

// Put stores a plan pushed by a catalog event and drops the cached list.
func (c *Catalog) Put(ctx context.Context, plan *billing.PlanCatalogEntry) error {
	if err := c.cache.InvalidatePlan(ctx, plan.PriceID); err != nil {
		return err
	}
	if !plan.Active {
		return nil
	}
	return c.cache.SetPlan(ctx, plan, c.ttl)
}

// Invalidate drops a single price.
func (c *Catalog) Invalidate(ctx context.Context, priceID string) error {
	return c.cache.InvalidatePlan(ctx, priceID)
}

// InvalidateAll drops every cached plan. Product events use this because a
// product name or feature change affects all of its prices.
func (c *Catalog) InvalidateAll(ctx context.Context) error {
	return c.cache.Clear(ctx)
}

// BreakerState exposes the provider breaker state.
func (c *Catalog) BreakerState() BreakerState {
	return c.breaker.State()
}
