package stripe

import (
	"context"
	"net/http"
	"strings"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/mihaimyh/subsync/pkg/billing"
	"github.com/mihaimyh/subsync/pkg/billing/catalog"
	"github.com/mihaimyh/subsync/pkg/billing/internal"
	"github.com/mihaimyh/subsync/pkg/billing/mapper"
)

const (
	providerName             = "stripe"
	defaultHTTPTimeout       = 10 * time.Second
	refreshTimeout           = 30 * time.Second
	defaultRateLimitWindow   = time.Minute
	defaultRateLimitRequests = 100
	defaultInvoiceLimit      = 12
	defaultPaymentLimit      = 24
	maxWebhookBodyBytes      = 256 * 1024
)

// Config extends billing.Config with Stripe-specific options
type Config struct {
	billing.Config // Base config (Storage, Mapper, secrets, etc.)

	// Client overrides the SDK-backed client built from APIKey.
	Client Client

	// Catalog receives price and product events. Optional.
	Catalog *catalog.Catalog

	// PortalReturnURL is where the billing portal sends users back to.
	PortalReturnURL string

	// Webhook rate limit per client IP (defaults: 100 per minute)
	RateLimitRequests int
	RateLimitWindow   time.Duration

	// Now is the clock used for pulled observations. Defaults to time.Now.
	Now func() time.Time
}

// Provider implements the billing.Provider interface for Stripe
type Provider struct {
	storage         billing.Storage
	legacy          billing.LegacyEntitlementWriter
	mapper          billing.StatusMapper
	client          Client
	catalog         *catalog.Catalog
	rateLimiter     *internal.RateLimiter
	webhookSecret   string
	portalReturnURL string
	refreshGroup    singleflight.Group
	now             func() time.Time
	logger          billing.Logger
	metrics         billing.Metrics
}

// NewProvider creates a new Stripe billing provider
func NewProvider(config Config) (*Provider, error) {
	if config.Storage == nil {
		return nil, billing.ErrProviderNotConfigured
	}

	metrics := config.Metrics
	if metrics == nil {
		metrics = &billing.NoopMetrics{}
	}
	logger := config.Logger
	if logger == nil {
		logger = &billing.NoopLogger{}
	}

	client := config.Client
	if client == nil {
		apiKey := strings.TrimSpace(config.APIKey)
		if apiKey == "" {
			return nil, billing.ErrProviderNotConfigured
		}
		client = NewClient(apiKey, config.HTTPClient, metrics)
	}

	statusMapper := config.Mapper
	if statusMapper == nil {
		statusMapper = mapper.Default
	}

	requests := config.RateLimitRequests
	if requests <= 0 {
		requests = defaultRateLimitRequests
	}
	window := config.RateLimitWindow
	if window <= 0 {
		window = defaultRateLimitWindow
	}

	now := config.Now
	if now == nil {
		now = time.Now
	}

	return &Provider{
		storage:         config.Storage,
		legacy:          config.Legacy,
		mapper:          statusMapper,
		client:          client,
		catalog:         config.Catalog,
		rateLimiter:     internal.NewRateLimiter(requests, window),
		webhookSecret:   strings.TrimSpace(config.WebhookSecret),
		portalReturnURL: config.PortalReturnURL,
		now:             now,
		logger:          logger,
		metrics:         metrics,
	}, nil
}

// Name returns the provider name
func (p *Provider) Name() string {
	return providerName
}

// WebhookHandler returns the HTTP handler for Stripe webhooks
func (p *Provider) WebhookHandler() http.Handler {
	handler := http.HandlerFunc(p.handleWebhook)
	return p.rateLimiter.Middleware(handler)
}

// SyncUser synchronizes a user's entitlement from Stripe and returns the
// resulting tier.
func (p *Provider) SyncUser(ctx context.Context, userID string) (string, error) {
	summary, err := p.Refresh(ctx, userID)
	if err != nil {
		return string(billing.TierFree), err
	}
	return string(summary.Tier), nil
}

// PlanSource exposes the provider's price catalog to catalog.New.
func (p *Provider) PlanSource() catalog.Source {
	return NewPlanSource(p.client)
}

// NewPlanSource builds a catalog.Source over client, for wiring a catalog
// before the provider that feeds it exists.
func NewPlanSource(client Client) catalog.Source {
	return &planSource{client: client}
}
