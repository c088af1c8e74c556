package billing

import (
	"errors"
	"fmt"
)

var (
	// ErrProviderNotConfigured is returned when a provider is not properly configured
	ErrProviderNotConfigured = errors.New("billing provider not configured")

	// ErrInvalidWebhookSignature is returned when webhook signature validation fails
	ErrInvalidWebhookSignature = errors.New("invalid webhook signature")

	// ErrInvalidWebhookPayload is returned when webhook payload cannot be parsed
	ErrInvalidWebhookPayload = errors.New("invalid webhook payload")

	// ErrUnresolvableUser is returned when an event cannot be attributed to a user
	ErrUnresolvableUser = errors.New("unable to resolve user for billing event")

	// ErrUserNotFound is returned when a user does not exist in the user directory
	ErrUserNotFound = errors.New("user not found")

	// ErrSubscriptionNotFound is returned when a subscription record does not exist
	ErrSubscriptionNotFound = errors.New("subscription not found")

	// ErrNoActiveSubscription is returned when an operation needs an active subscription
	ErrNoActiveSubscription = errors.New("no active subscription")

	// ErrEventNotFound is returned when a webhook event is not in the event store
	ErrEventNotFound = errors.New("webhook event not found")

	// ErrEntitlementNotFound is returned when a user has no stored entitlement
	ErrEntitlementNotFound = errors.New("entitlement not found")

	// ErrProviderAPIError is returned when the provider's API returns an error
	ErrProviderAPIError = errors.New("billing provider API error")

	// ErrCustomerNotFound is returned when a customer cannot be found in the provider
	ErrCustomerNotFound = errors.New("customer not found in billing provider")

	// ErrPlanNotFound is returned when a price is not in the plan catalog
	ErrPlanNotFound = errors.New("plan not found")
)

// EventError ties a handler failure to the provider event that caused it,
// so the HTTP layer can surface the id for redelivery correlation.
type EventError struct {
	EventID   string
	EventType string
	Err       error
}

func (e *EventError) Error() string {
	return fmt.Sprintf("event %s (%s): %v", e.EventID, e.EventType, e.Err)
}

func (e *EventError) Unwrap() error {
	return e.Err
}
