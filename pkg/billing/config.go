package billing

import (
	"net/http"
)

// Config defines the standard configuration all providers accept
type Config struct {
	// Storage is the canonical store for events, subscriptions and users (required)
	Storage Storage

	// Legacy is an optional secondary entitlement target written only when
	// the primary entitlement write fails.
	Legacy LegacyEntitlementWriter

	// Mapper turns provider status and price into internal status and tier.
	// If nil, providers use mapper.Default.
	Mapper StatusMapper

	// WebhookSecret is used to verify incoming webhook signatures.
	WebhookSecret string

	// APIKey is used for outbound API calls to the billing provider.
	APIKey string

	// HTTPClient is an optional HTTP client for API calls.
	// If nil, a pooled client with a 10s timeout is used.
	HTTPClient *http.Client

	// Logger receives structured logs. If nil, logs are discarded.
	Logger Logger

	// Metrics is an optional metrics collector.
	// Use billing/metrics/prometheus.DefaultMetrics(namespace) for Prometheus metrics.
	Metrics Metrics
}
