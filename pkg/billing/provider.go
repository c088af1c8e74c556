package billing

import (
	"context"
	"net/http"
)

// Provider is the interface a billing backend implements to keep user
// entitlements in sync with its own subscription state.
type Provider interface {
	// Name returns the provider name (e.g., "stripe")
	Name() string

	// WebhookHandler returns the HTTP handler that ingests push events.
	// Verification, deduplication and dispatch happen inside it.
	WebhookHandler() http.Handler

	// Refresh pulls the user's subscriptions from the provider and
	// re-derives the stored subscription record and entitlement.
	Refresh(ctx context.Context, userID string) (*RefreshSummary, error)

	// SyncUser is Refresh for callers that only need the resulting tier.
	SyncUser(ctx context.Context, userID string) (string, error)
}

type emailHintKey struct{}

// WithEmailHint attaches an email address the caller vouches for, such as a
// verified token claim. Customer lookup uses it when the user row has none.
func WithEmailHint(ctx context.Context, email string) context.Context {
	if email == "" {
		return ctx
	}
	return context.WithValue(ctx, emailHintKey{}, email)
}

// EmailHint returns the hint set by WithEmailHint, or "".
func EmailHint(ctx context.Context) string {
	email, _ := ctx.Value(emailHintKey{}).(string)
	return email
}
