package billing

import (
	"encoding/json"
	"time"
)

// Status is the internal subscription status vocabulary.
type Status string

const (
	StatusActive     Status = "active"
	StatusTrialing   Status = "trialing"
	StatusPastDue    Status = "past_due"
	StatusCanceled   Status = "canceled"
	StatusUnpaid     Status = "unpaid"
	StatusIncomplete Status = "incomplete"
	StatusPaused     Status = "paused"
	StatusInactive   Status = "inactive"
)

// IsSubscribed reports whether the status grants a paid tier.
func (s Status) IsSubscribed() bool {
	return s == StatusActive || s == StatusTrialing
}

// IsCurrent reports whether a subscription in this status still belongs to
// the user's present billing relationship. Past-due subscriptions count:
// they are retried by the provider before being canceled.
func (s Status) IsCurrent() bool {
	return s.IsSubscribed() || s == StatusPastDue
}

// Tier is the product access level derived from a subscription.
type Tier string

const (
	TierFree    Tier = "free"
	TierPremium Tier = "premium"
	TierPatron  Tier = "patron"
)

// HasPremiumAccess reports whether the tier unlocks premium content.
func (t Tier) HasPremiumAccess() bool {
	return t == TierPremium || t == TierPatron
}

// StatusMapper maps a provider-reported status and price into the internal
// status and tier. Implementations must be deterministic.
type StatusMapper interface {
	Map(providerStatus string, amount int64, interval string) (Status, Tier)
}

// SubscriptionRecord is the stored copy of a provider subscription.
type SubscriptionRecord struct {
	ID                 string
	UserID             string
	CustomerID         string
	PlanID             string
	Status             Status
	ProviderStatus     string
	Tier               Tier
	Amount             int64
	Currency           string
	Interval           string
	IntervalCount      int64
	CurrentPeriodStart time.Time
	CurrentPeriodEnd   time.Time
	CancelAtPeriodEnd  bool
	CanceledAt         *time.Time
	TrialStart         *time.Time
	TrialEnd           *time.Time
	Metadata           map[string]string
	ProviderCreatedAt  time.Time

	// ObservedAt is the provider-side moment this snapshot describes:
	// the event creation time for pushed data, the fetch time for pulled data.
	ObservedAt time.Time
	UpdatedAt  time.Time
}

// Supersedes reports whether r describes newer provider state than stored.
// A later billing period always wins; within the same period the later
// observation wins. Equal snapshots do not supersede each other.
func (r *SubscriptionRecord) Supersedes(stored *SubscriptionRecord) bool {
	if stored == nil {
		return true
	}
	if !r.CurrentPeriodStart.Equal(stored.CurrentPeriodStart) {
		return r.CurrentPeriodStart.After(stored.CurrentPeriodStart)
	}
	return r.ObservedAt.After(stored.ObservedAt)
}

// UserEntitlement is the subset of the user profile owned by the engine.
type UserEntitlement struct {
	UserID              string
	SubscriptionStatus  Status
	SubscriptionTier    Tier
	SubscriptionEndDate *time.Time
	CustomerID          string
	SubscriptionID      string
	ObservedAt          time.Time
	UpdatedAt           time.Time
}

// Supersedes reports whether e may overwrite stored. Re-applying the same
// observation is allowed so that retries converge on identical rows.
func (e *UserEntitlement) Supersedes(stored *UserEntitlement) bool {
	if stored == nil {
		return true
	}
	return !e.ObservedAt.Before(stored.ObservedAt)
}

// DefaultEntitlement is the least-privileged entitlement for a user.
func DefaultEntitlement(userID string) *UserEntitlement {
	return &UserEntitlement{
		UserID:             userID,
		SubscriptionStatus: StatusInactive,
		SubscriptionTier:   TierFree,
	}
}

// User is a user directory entry.
type User struct {
	ID         string
	Email      string
	CustomerID string
}

// PlanCatalogEntry describes a recurring price for display enrichment.
type PlanCatalogEntry struct {
	PriceID         string   `json:"price_id"`
	ProductID       string   `json:"product_id"`
	ProductName     string   `json:"product_name"`
	Description     string   `json:"description,omitempty"`
	Amount          int64    `json:"amount"`
	Currency        string   `json:"currency"`
	Interval        string   `json:"interval"`
	IntervalCount   int64    `json:"interval_count"`
	TrialPeriodDays int64    `json:"trial_period_days"`
	Features        []string `json:"features"`
	Active          bool     `json:"active"`
}

// PaymentRecord is a row of a user's payment history.
type PaymentRecord struct {
	ID             string    `json:"id"`
	UserID         string    `json:"user_id"`
	CustomerID     string    `json:"customer_id"`
	InvoiceID      string    `json:"invoice_id"`
	SubscriptionID string    `json:"subscription_id,omitempty"`
	Amount         int64     `json:"amount"`
	Currency       string    `json:"currency"`
	Status         string    `json:"status"`
	Description    string    `json:"description,omitempty"`
	CreatedAt      time.Time `json:"created_at"`
}

// Payment statuses
const (
	PaymentStatusPaid   = "paid"
	PaymentStatusFailed = "failed"
)

// AuditEntry records a provider event that needs operator attention.
type AuditEntry struct {
	ID         string
	Action     string
	TargetType string
	TargetID   string
	Data       json.RawMessage
	CreatedAt  time.Time
}

// RefreshSummary is the outcome of a pull reconciliation.
type RefreshSummary struct {
	UserID            string     `json:"user_id"`
	CustomerID        string     `json:"customer_id,omitempty"`
	SubscriptionID    string     `json:"subscription_id,omitempty"`
	Status            Status     `json:"subscription_status"`
	Tier              Tier       `json:"subscription_tier"`
	CurrentPeriodEnd  *time.Time `json:"current_period_end,omitempty"`
	CancelAtPeriodEnd bool       `json:"cancel_at_period_end"`
	Updated           bool       `json:"updated"`
	Message           string     `json:"message"`
}

// Invoice is a provider invoice as shown in billing history.
type Invoice struct {
	ID         string    `json:"id"`
	Number     string    `json:"number,omitempty"`
	Status     string    `json:"status"`
	AmountDue  int64     `json:"amount_due"`
	AmountPaid int64     `json:"amount_paid"`
	Currency   string    `json:"currency"`
	HostedURL  string    `json:"hosted_invoice_url,omitempty"`
	PDFURL     string    `json:"invoice_pdf,omitempty"`
	CreatedAt  time.Time `json:"created_at"`
}

// BillingInfo is a user's invoice and payment history.
type BillingInfo struct {
	UserID     string           `json:"user_id"`
	CustomerID string           `json:"customer_id,omitempty"`
	Invoices   []*Invoice       `json:"invoices"`
	Payments   []*PaymentRecord `json:"payments"`
}
