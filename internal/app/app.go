// Package app wires configuration into the storage, provider and catalog
// used by the subsync binaries.
package app

import (
	"context"
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	goredis "github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/mihaimyh/subsync/internal/config"
	"github.com/mihaimyh/subsync/pkg/billing"
	"github.com/mihaimyh/subsync/pkg/billing/catalog"
	zerologadapter "github.com/mihaimyh/subsync/pkg/billing/logger/zerolog"
	prommetrics "github.com/mihaimyh/subsync/pkg/billing/metrics/prometheus"
	"github.com/mihaimyh/subsync/pkg/billing/status"
	"github.com/mihaimyh/subsync/pkg/billing/stripe"
	"github.com/mihaimyh/subsync/storage/postgres"
	rediscache "github.com/mihaimyh/subsync/storage/redis"
)

const metricsNamespace = "subsync"

// App holds the wired engine.
type App struct {
	Store    *postgres.Storage
	Provider *stripe.Provider
	Catalog  *catalog.Catalog
	Status   *status.Service
	Logger   billing.Logger

	redis *goredis.Client
}

// Options tweak wiring per binary.
type Options struct {
	// Registerer receives the billing metrics. Nil disables metrics.
	Registerer prometheus.Registerer

	// Migrate applies pending migrations before opening the pool.
	Migrate bool
}

// New connects to Postgres (and Redis when configured) and builds the
// provider, catalog and status service. Call Close when done.
func New(ctx context.Context, cfg *config.Config, logger zerolog.Logger, opts Options) (*App, error) {
	if opts.Migrate {
		logger.Info().Msg("applying database migrations")
		if err := postgres.Migrate(cfg.DB.URL); err != nil {
			return nil, err
		}
	}

	pgConfig := postgres.DefaultConfig()
	pgConfig.ConnectionString = cfg.DB.URL
	pgConfig.MaxConns = cfg.DB.MaxConns
	pgConfig.MinConns = cfg.DB.MinConns
	store, err := postgres.New(ctx, pgConfig)
	if err != nil {
		return nil, err
	}

	a := &App{
		Store:  store,
		Logger: zerologadapter.NewLogger(logger),
	}

	var metrics billing.Metrics = &billing.NoopMetrics{}
	if opts.Registerer != nil {
		metrics = prommetrics.NewMetrics(opts.Registerer, metricsNamespace)
	}

	cache, err := a.planCache(ctx, cfg, logger)
	if err != nil {
		a.Close()
		return nil, err
	}

	client := stripe.NewClient(cfg.Stripe.SecretKey, nil, metrics)
	a.Catalog = catalog.New(stripe.NewPlanSource(client), catalog.Config{
		Cache:   cache,
		TTL:     cfg.Stripe.CatalogTTL,
		Logger:  a.Logger,
		Metrics: metrics,
	})

	var legacy billing.LegacyEntitlementWriter
	if cfg.DB.LegacyProfiles {
		legacy = store.Legacy()
	}

	a.Provider, err = stripe.NewProvider(stripe.Config{
		Config: billing.Config{
			Storage:       store,
			Legacy:        legacy,
			WebhookSecret: cfg.Stripe.WebhookSecret,
			APIKey:        cfg.Stripe.SecretKey,
			Logger:        a.Logger,
			Metrics:       metrics,
		},
		Client:            client,
		Catalog:           a.Catalog,
		PortalReturnURL:   cfg.Stripe.PortalReturnURL,
		RateLimitRequests: cfg.Stripe.WebhookRate,
		RateLimitWindow:   time.Minute,
	})
	if err != nil {
		a.Close()
		return nil, fmt.Errorf("failed to create provider: %w", err)
	}

	a.Status, err = status.New(status.Config{
		Store:  store,
		Plans:  a.Catalog,
		Logger: a.Logger,
	})
	if err != nil {
		a.Close()
		return nil, err
	}
	return a, nil
}

func (a *App) planCache(ctx context.Context, cfg *config.Config, logger zerolog.Logger) (catalog.Cache, error) {
	if cfg.Redis.Addr == "" {
		return catalog.NewLRUCache(0), nil
	}

	a.redis = goredis.NewClient(&goredis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	if err := a.redis.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to redis at %s: %w", cfg.Redis.Addr, err)
	}
	logger.Info().Str("addr", cfg.Redis.Addr).Msg("plan catalog cached in redis")
	cache, err := rediscache.New(a.redis, rediscache.Config{KeyPrefix: cfg.Redis.KeyPrefix})
	if err != nil {
		return nil, err
	}
	return cache, nil
}

// Close releases the database pool and the Redis client.
func (a *App) Close() {
	if a.redis != nil {
		_ = a.redis.Close()
	}
	if a.Store != nil {
		a.Store.Close()
	}
}
