// Package redis provides a Redis-backed plan catalog cache, shared by every
// server instance so a catalog webhook invalidates all of them at once.
package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/mihaimyh/subsync/pkg/billing"
)

// PlanCache implements catalog.Cache using Redis
type PlanCache struct {
	client redis.UniversalClient
	config Config
}

// Config holds Redis cache configuration
type Config struct {
	// KeyPrefix is prepended to all Redis keys (default: "subsync:")
	KeyPrefix string

	// ScanCount is the SCAN batch size used by Clear (default: 100)
	ScanCount int64
}

// DefaultConfig returns a Config with sensible defaults
func DefaultConfig() Config {
	return Config{
		KeyPrefix: "subsync:",
		ScanCount: 100,
	}
}

// New creates a new Redis plan cache
// The client can be *redis.Client, *redis.ClusterClient, or *redis.Ring
func New(client redis.UniversalClient, config Config) (*PlanCache, error) {
	if client == nil {
		return nil, fmt.Errorf("redis client is required")
	}

	if config.KeyPrefix == "" {
		config.KeyPrefix = "subsync:"
	}
	if config.ScanCount <= 0 {
		config.ScanCount = 100
	}

	return &PlanCache{client: client, config: config}, nil
}

// GetPlan implements catalog.Cache
func (c *PlanCache) GetPlan(ctx context.Context, priceID string) (*billing.PlanCatalogEntry, bool, error) {
	data, err := c.client.Get(ctx, c.planKey(priceID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("failed to get plan: %w", err)
	}

	var entry billing.PlanCatalogEntry
	if err := json.Unmarshal(data, &entry); err != nil {
		return nil, false, fmt.Errorf("failed to unmarshal plan: %w", err)
	}
	return &entry, true, nil
}

// SetPlan implements catalog.Cache
func (c *PlanCache) SetPlan(ctx context.Context, entry *billing.PlanCatalogEntry, ttl time.Duration) error {
	if entry == nil || entry.PriceID == "" {
		return nil
	}

	data, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("failed to marshal plan: %w", err)
	}
	if err := c.client.Set(ctx, c.planKey(entry.PriceID), data, ttl).Err(); err != nil {
		return fmt.Errorf("failed to set plan: %w", err)
	}
	return nil
}

// GetPlans implements catalog.Cache
func (c *PlanCache) GetPlans(ctx context.Context) ([]*billing.PlanCatalogEntry, bool, error) {
	data, err := c.client.Get(ctx, c.plansKey()).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("failed to get plan list: %w", err)
	}

	var entries []*billing.PlanCatalogEntry
	if err := json.Unmarshal(data, &entries); err != nil {
		return nil, false, fmt.Errorf("failed to unmarshal plan list: %w", err)
	}
	return entries, true, nil
}

// SetPlans implements catalog.Cache
func (c *PlanCache) SetPlans(ctx context.Context, entries []*billing.PlanCatalogEntry, ttl time.Duration) error {
	if entries == nil {
		entries = []*billing.PlanCatalogEntry{}
	}
	data, err := json.Marshal(entries)
	if err != nil {
		return fmt.Errorf("failed to marshal plan list: %w", err)
	}
	if err := c.client.Set(ctx, c.plansKey(), data, ttl).Err(); err != nil {
		return fmt.Errorf("failed to set plan list: %w", err)
	}
	return nil
}

// InvalidatePlan implements catalog.Cache
func (c *PlanCache) InvalidatePlan(ctx context.Context, priceID string) error {
	pipe := c.client.TxPipeline()
	pipe.Del(ctx, c.planKey(priceID))
	pipe.Del(ctx, c.plansKey())
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to invalidate plan: %w", err)
	}
	return nil
}

// Clear implements catalog.Cache. On a cluster client only the keys
// reachable from the node serving the scan are removed.
func (c *PlanCache) Clear(ctx context.Context) error {
	iter := c.client.Scan(ctx, 0, c.config.KeyPrefix+"plan*", c.config.ScanCount).Iterator()
	var keys []string
	for iter.Next(ctx) {
		keys = append(keys, iter.Val())
	}
	if err := iter.Err(); err != nil {
		return fmt.Errorf("failed to scan plan keys: %w", err)
	}
	if len(keys) == 0 {
		return nil
	}
	if err := c.client.Del(ctx, keys...).Err(); err != nil {
		return fmt.Errorf("failed to clear plans: %w", err)
	}
	return nil
}

// Close closes the Redis client connection
func (c *PlanCache) Close() error {
	return c.client.Close()
}

// Ping checks the Redis connection
func (c *PlanCache) Ping(ctx context.Context) error {
	return c.client.Ping(ctx).Err()
}

func (c *PlanCache) planKey(priceID string) string {
	return fmt.Sprintf("%splan:%s", c.config.KeyPrefix, priceID)
}

func (c *PlanCache) plansKey() string {
	return c.config.KeyPrefix + "plans"
}
