package billing

import "time"

// Metrics defines the interface for tracking billing provider operations.
// Providers substitute NoopMetrics when none is configured.
type Metrics interface {
	// RecordWebhookEvent records a webhook event received from the billing provider.
	// status: "processed", "duplicate", "ignored" or "error"
	RecordWebhookEvent(provider, eventType, status string)

	// RecordWebhookProcessingDuration records how long it took to process a webhook.
	RecordWebhookProcessingDuration(provider, eventType string, duration time.Duration)

	// RecordWebhookError records a webhook processing error.
	// errorType: e.g. "auth_failed", "invalid_payload", "store_failed", "processing_error"
	RecordWebhookError(provider, errorType string)

	// RecordUserSync records a refresh of a single user.
	// status: "success" or "error"
	RecordUserSync(provider, status string)

	// RecordUserSyncDuration records how long a user refresh took.
	RecordUserSyncDuration(provider string, duration time.Duration)

	// RecordTierChange records when a user's tier changes.
	RecordTierChange(provider, fromTier, toTier string)

	// RecordStaleUpdate records a snapshot that was skipped because newer
	// provider state was already stored. kind: "subscription" or "entitlement"
	RecordStaleUpdate(provider, kind string)

	// RecordEntitlementFallback records a write to the legacy entitlement target.
	// status: "success" or "error"
	RecordEntitlementFallback(provider, status string)

	// RecordCatalogLookup records a plan catalog read.
	// kind: "plan" or "plans"; result: "hit", "miss" or "error"
	RecordCatalogLookup(kind, result string)

	// RecordCatalogBreakerState records a plan catalog breaker transition.
	// state: "closed", "open" or "half_open"
	RecordCatalogBreakerState(state string)

	// RecordAPICall records an API call to the billing provider.
	// endpoint: The API endpoint called (e.g., "/subscriptions/list")
	RecordAPICall(provider, endpoint, status string)

	// RecordAPICallDuration records how long an API call took.
	RecordAPICallDuration(provider, endpoint string, duration time.Duration)
}

// NoopMetrics is a no-op implementation of the Metrics interface.
type NoopMetrics struct{}

func (n *NoopMetrics) RecordWebhookEvent(_, _, _ string)                            {}
func (n *NoopMetrics) RecordWebhookProcessingDuration(_, _ string, _ time.Duration) {}
func (n *NoopMetrics) RecordWebhookError(_, _ string)                               {}
func (n *NoopMetrics) RecordUserSync(_, _ string)                                   {}
func (n *NoopMetrics) RecordUserSyncDuration(_ string, _ time.Duration)             {}
func (n *NoopMetrics) RecordTierChange(_, _, _ string)                              {}
func (n *NoopMetrics) RecordStaleUpdate(_, _ string)                                {}
func (n *NoopMetrics) RecordEntitlementFallback(_, _ string)                        {}
func (n *NoopMetrics) RecordCatalogLookup(_, _ string)                              {}
func (n *NoopMetrics) RecordCatalogBreakerState(_ string)                           {}
func (n *NoopMetrics) RecordAPICall(_, _, _ string)                                 {}
func (n *NoopMetrics) RecordAPICallDuration(_, _ string, _ time.Duration)           {}
