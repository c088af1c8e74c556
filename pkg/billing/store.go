package billing

import (
	"context"
	"time"
)

// EventStore is the append-only record of inbound provider events.
type EventStore interface {
	// InsertEvent stores evt unless an event with the same id exists.
	// It returns the stored row and whether this call created it.
	InsertEvent(ctx context.Context, evt *WebhookEvent) (*WebhookEvent, bool, error)

	// MarkEventProcessed flags the event as successfully handled.
	MarkEventProcessed(ctx context.Context, id string, at time.Time) error

	// MarkEventFailed records a handler failure for the event.
	MarkEventFailed(ctx context.Context, id, message string, at time.Time) error

	// GetEvent returns ErrEventNotFound for unknown ids.
	GetEvent(ctx context.Context, id string) (*WebhookEvent, error)

	// ListFailedEvents returns unprocessed events with a recorded error,
	// oldest first.
	ListFailedEvents(ctx context.Context, limit int) ([]*WebhookEvent, error)
}

// SubscriptionRepository is the authoritative store of subscription records.
type SubscriptionRepository interface {
	// UpsertSubscription writes rec if it supersedes the stored record
	// (see SubscriptionRecord.Supersedes). A stale rec returns false, nil.
	UpsertSubscription(ctx context.Context, rec *SubscriptionRecord) (bool, error)

	// GetSubscription returns ErrSubscriptionNotFound for unknown ids.
	GetSubscription(ctx context.Context, id string) (*SubscriptionRecord, error)

	// GetCurrentSubscription returns the user's subscription that best
	// represents their billing relationship: a current one (active,
	// trialing, past_due) with the latest period end, otherwise the most
	// recently observed. ErrSubscriptionNotFound if the user has none.
	GetCurrentSubscription(ctx context.Context, userID string) (*SubscriptionRecord, error)
}

// UserDirectory resolves users and owns their entitlement fields.
type UserDirectory interface {
	GetUser(ctx context.Context, userID string) (*User, error)
	FindUserByEmail(ctx context.Context, email string) (*User, error)
	FindUserByCustomerID(ctx context.Context, customerID string) (*User, error)

	// LinkCustomer records the provider customer id on the user.
	LinkCustomer(ctx context.Context, userID, customerID string) error

	// ListBillingUsers returns every user with a linked customer id.
	ListBillingUsers(ctx context.Context) ([]*User, error)

	// GetEntitlement returns ErrEntitlementNotFound if the user never had one.
	GetEntitlement(ctx context.Context, userID string) (*UserEntitlement, error)

	// SetEntitlement overwrites all entitlement fields if ent supersedes
	// the stored entitlement. A stale ent returns false, nil.
	SetEntitlement(ctx context.Context, ent *UserEntitlement) (bool, error)
}

// LegacyEntitlementWriter is a secondary entitlement target kept for
// readers that still use the old profile table.
type LegacyEntitlementWriter interface {
	WriteEntitlement(ctx context.Context, ent *UserEntitlement) error
}

// PaymentHistory stores invoice payments per user.
type PaymentHistory interface {
	UpsertPayment(ctx context.Context, rec *PaymentRecord) error
	ListPayments(ctx context.Context, userID string, limit int) ([]*PaymentRecord, error)
}

// AuditLog stores events that need operator attention.
type AuditLog interface {
	RecordAudit(ctx context.Context, entry *AuditEntry) error
}

// Storage is everything the engine persists.
type Storage interface {
	EventStore
	SubscriptionRepository
	UserDirectory
	PaymentHistory
	AuditLog

	// Ping checks connectivity.
	Ping(ctx context.Context) error
}
