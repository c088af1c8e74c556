package billing

import (
	"encoding/json"
	"time"
)

// WebhookEvent is an inbound provider event as kept in the event store.
// Rows are created before dispatch and never deleted.
type WebhookEvent struct {
	// ID is the provider-assigned event id and the idempotency key
	ID string

	// Provider is the billing provider name ("stripe")
	Provider string

	// EventType is the provider-specific event type
	// (e.g. "customer.subscription.updated", "invoice.paid")
	EventType string

	// Payload is the raw event body, stored verbatim for audit and replay
	Payload json.RawMessage

	ReceivedAt  time.Time
	ProcessedAt *time.Time
	Processed   bool

	// ErrorMessage holds the last handler failure, empty if none
	ErrorMessage string

	// Attempts counts completed dispatches, successful or not
	Attempts int
}

// Failed reports whether the last dispatch of the event failed.
func (e *WebhookEvent) Failed() bool {
	return !e.Processed && e.ErrorMessage != ""
}
