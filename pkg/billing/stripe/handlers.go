package stripe

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/stripe/stripe-go/v83"

	"github.com/mihaimyh/subsync/pkg/billing"
)

// dispatch routes an event to its handler. It reports false for event
// types the engine does not handle.
func (p *Provider) dispatch(ctx context.Context, event *stripe.Event) (bool, error) {
	observedAt := unixTime(event.Created)
	if observedAt.IsZero() {
		observedAt = p.now().UTC()
	}
	raw := event.Data.Raw

	switch event.Type {
	case "customer.subscription.created", "customer.subscription.updated":
		evt, err := decodeSubscription(raw)
		if err != nil {
			return true, err
		}
		_, err = p.applySubscription(ctx, evt.Subscription, observedAt, "")
		return true, err
	case "customer.subscription.deleted":
		evt, err := decodeSubscription(raw)
		if err != nil {
			return true, err
		}
		return true, p.handleSubscriptionDeleted(ctx, evt, observedAt)
	case "invoice.paid", "invoice.payment_succeeded":
		evt, err := decodeInvoice(raw)
		if err != nil {
			return true, err
		}
		return true, p.handleInvoice(ctx, evt, billing.PaymentStatusPaid)
	case "invoice.payment_failed":
		evt, err := decodeInvoice(raw)
		if err != nil {
			return true, err
		}
		return true, p.handleInvoice(ctx, evt, billing.PaymentStatusFailed)
	case "customer.created", "customer.updated":
		evt, err := decodeCustomer(raw)
		if err != nil {
			return true, err
		}
		p.handleCustomer(ctx, evt, event.Type == "customer.created")
		return true, nil
	case "checkout.session.completed":
		evt, err := decodeCheckout(raw)
		if err != nil {
			return true, err
		}
		return true, p.handleCheckoutCompleted(ctx, evt)
	case "price.created", "price.updated":
		evt, err := decodePrice(raw)
		if err != nil {
			return true, err
		}
		return true, p.handlePriceChanged(ctx, evt)
	case "product.created", "product.updated", "product.deleted":
		evt, err := decodeProduct(raw)
		if err != nil {
			return true, err
		}
		return true, p.handleProductChanged(ctx, evt)
	case "charge.dispute.created":
		evt, err := decodeDispute(raw)
		if err != nil {
			return true, err
		}
		return true, p.handleDisputeCreated(ctx, evt, raw, observedAt)
	default:
		return false, nil
	}
}

// applyResult is the outcome of running a subscription through the
// lifecycle path.
type applyResult struct {
	Record             *billing.SubscriptionRecord
	Entitlement        *billing.UserEntitlement
	RecordWritten      bool
	EntitlementWritten bool
}

// applySubscription is the single path by which provider subscription
// state reaches storage, for pushed and pulled data alike.
func (p *Provider) applySubscription(
	ctx context.Context, sub *stripe.Subscription, observedAt time.Time, userHint string,
) (*applyResult, error) {
	userID := userHint
	if userID == "" {
		var err error
		userID, err = p.resolveUser(ctx, sub)
		if err != nil {
			return nil, err
		}
	}

	rec := recordFromSubscription(sub, userID, observedAt, p.mapper)
	return p.applyRecord(ctx, rec, false)
}

// applyRecord upserts rec and derives the entitlement from it. With
// ownedOnly set, the entitlement is written only if rec's subscription
// produced the stored entitlement.
func (p *Provider) applyRecord(ctx context.Context, rec *billing.SubscriptionRecord, ownedOnly bool) (*applyResult, error) {
	result := &applyResult{Record: rec}

	written, err := p.storage.UpsertSubscription(ctx, rec)
	if err != nil {
		return nil, fmt.Errorf("failed to upsert subscription %s: %w", rec.ID, err)
	}
	result.RecordWritten = written
	if !written && !p.isReplayOf(ctx, rec) {
		p.metrics.RecordStaleUpdate(providerName, "subscription")
		p.logger.Info("stale subscription snapshot skipped",
			billing.F("subscription_id", rec.ID),
			billing.F("user_id", rec.UserID),
			billing.F("observed_at", rec.ObservedAt),
		)
		return result, nil
	}

	stored, err := p.storage.GetEntitlement(ctx, rec.UserID)
	switch {
	case errors.Is(err, billing.ErrEntitlementNotFound):
		stored = nil
	case err != nil:
		// Ownership is unknown; writing now could revoke a live subscription.
		return nil, fmt.Errorf("failed to read entitlement for %s: %w", rec.UserID, err)
	}

	if stored != nil && stored.SubscriptionID != "" && stored.SubscriptionID != rec.ID {
		// Another subscription owns the entitlement. A lapsed one must not
		// revoke access granted by the live one.
		if ownedOnly || (stored.SubscriptionStatus.IsCurrent() && !rec.Status.IsCurrent()) {
			p.logger.Info("entitlement owned by another subscription, record only",
				billing.F("user_id", rec.UserID),
				billing.F("subscription_id", rec.ID),
				billing.F("owner_subscription_id", stored.SubscriptionID),
			)
			return result, nil
		}
	}

	ent := entitlementFromRecord(rec)
	if ownedOnly {
		ent.SubscriptionStatus = billing.StatusCanceled
		ent.SubscriptionTier = billing.TierFree
		ent.SubscriptionEndDate = nil
	}
	result.Entitlement = ent

	entWritten, err := p.writeEntitlement(ctx, ent)
	if err != nil {
		return nil, err
	}
	result.EntitlementWritten = entWritten

	if entWritten {
		previous := billing.TierFree
		if stored != nil {
			previous = stored.SubscriptionTier
		}
		if previous != ent.SubscriptionTier {
			p.metrics.RecordTierChange(providerName, string(previous), string(ent.SubscriptionTier))
			p.logger.Info("subscription tier changed",
				billing.F("user_id", ent.UserID),
				billing.F("from", previous),
				billing.F("to", ent.SubscriptionTier),
			)
		}
	}
	return result, nil
}

// isReplayOf reports whether the stored record is this exact snapshot, as
// happens when a failed event is redelivered after its record was written.
// The entitlement write is then retried instead of skipped.
func (p *Provider) isReplayOf(ctx context.Context, rec *billing.SubscriptionRecord) bool {
	stored, err := p.storage.GetSubscription(ctx, rec.ID)
	if err != nil {
		return false
	}
	return stored.CurrentPeriodStart.Equal(rec.CurrentPeriodStart) && stored.ObservedAt.Equal(rec.ObservedAt)
}

// writeEntitlement writes the primary entitlement and falls back to the
// legacy target when that fails.
func (p *Provider) writeEntitlement(ctx context.Context, ent *billing.UserEntitlement) (bool, error) {
	ent.UpdatedAt = p.now().UTC()

	written, err := p.storage.SetEntitlement(ctx, ent)
	if err == nil {
		if !written {
			p.metrics.RecordStaleUpdate(providerName, "entitlement")
		}
		return written, nil
	}

	if p.legacy == nil || errors.Is(err, billing.ErrUserNotFound) {
		return false, fmt.Errorf("failed to write entitlement for %s: %w", ent.UserID, err)
	}

	if legacyErr := p.legacy.WriteEntitlement(ctx, ent); legacyErr != nil {
		p.metrics.RecordEntitlementFallback(providerName, "error")
		return false, fmt.Errorf("failed to write entitlement for %s: %w", ent.UserID, errors.Join(err, legacyErr))
	}

	p.metrics.RecordEntitlementFallback(providerName, "success")
	p.logger.Warn("entitlement written to legacy profile only",
		billing.F("user_id", ent.UserID),
		billing.F("error", err),
	)
	return true, nil
}

// resolveUser attributes a subscription to a user: subscription metadata,
// then the directory by customer id, then customer metadata.
func (p *Provider) resolveUser(ctx context.Context, sub *stripe.Subscription) (string, error) {
	if userID := strings.TrimSpace(sub.Metadata[metadataUserID]); userID != "" {
		return p.knownUser(ctx, userID, "subscription "+sub.ID)
	}

	if sub.Customer == nil || sub.Customer.ID == "" {
		return "", fmt.Errorf("%w: subscription %s has no customer", billing.ErrUnresolvableUser, sub.ID)
	}
	customerID := sub.Customer.ID

	user, err := p.storage.FindUserByCustomerID(ctx, customerID)
	if err == nil {
		return user.ID, nil
	}
	if !errors.Is(err, billing.ErrUserNotFound) {
		return "", fmt.Errorf("failed to look up customer %s: %w", customerID, err)
	}

	cust := sub.Customer
	if cust.Metadata == nil {
		cust, err = p.client.RetrieveCustomer(ctx, customerID)
		if err != nil {
			if errors.Is(err, billing.ErrCustomerNotFound) {
				return "", fmt.Errorf("%w: customer %s not found", billing.ErrUnresolvableUser, customerID)
			}
			return "", err
		}
	}
	if userID := strings.TrimSpace(cust.Metadata[metadataUserID]); userID != "" {
		return p.knownUser(ctx, userID, "customer "+customerID)
	}

	return "", fmt.Errorf("%w: subscription %s, customer %s", billing.ErrUnresolvableUser, sub.ID, customerID)
}

// knownUser returns userID if the directory has it. A metadata id naming
// no user is unresolvable, so nothing is written for it.
func (p *Provider) knownUser(ctx context.Context, userID, source string) (string, error) {
	if _, err := p.storage.GetUser(ctx, userID); err != nil {
		if errors.Is(err, billing.ErrUserNotFound) {
			return "", fmt.Errorf("%w: %s names unknown user %s", billing.ErrUnresolvableUser, source, userID)
		}
		return "", fmt.Errorf("failed to load user %s: %w", userID, err)
	}
	return userID, nil
}

// handleSubscriptionDeleted forces the record to canceled and revokes the
// entitlement if this subscription produced it.
func (p *Provider) handleSubscriptionDeleted(ctx context.Context, evt *subscriptionEvent, observedAt time.Time) error {
	userID, err := p.resolveUser(ctx, evt.Subscription)
	if err != nil {
		return err
	}

	rec := recordFromSubscription(evt.Subscription, userID, observedAt, p.mapper)
	rec.Status = billing.StatusCanceled
	rec.Tier = billing.TierFree
	if rec.CanceledAt == nil {
		canceledAt := observedAt.UTC()
		rec.CanceledAt = &canceledAt
	}

	_, err = p.applyRecord(ctx, rec, true)
	return err
}

// handleInvoice re-asserts the invoice's subscription from the provider so
// the stored state reflects the payment outcome. Failed payments surface as
// past_due through the mapper, never as a direct cancellation.
func (p *Provider) handleInvoice(ctx context.Context, evt *invoiceEvent, paymentStatus string) error {
	userID := ""

	if evt.SubscriptionID != "" {
		sub, err := p.client.RetrieveSubscription(ctx, evt.SubscriptionID)
		if err != nil {
			return fmt.Errorf("failed to fetch subscription %s: %w", evt.SubscriptionID, err)
		}
		res, err := p.applySubscription(ctx, sub, p.now(), "")
		if err != nil {
			return err
		}
		userID = res.Record.UserID
	}

	if userID == "" && evt.CustomerID != "" {
		if user, err := p.storage.FindUserByCustomerID(ctx, evt.CustomerID); err == nil {
			userID = user.ID
		}
	}
	if userID == "" {
		p.logger.Debug("invoice not attributable to a user", billing.F("invoice_id", evt.ID))
		return nil
	}

	amount := evt.AmountPaid
	if paymentStatus == billing.PaymentStatusFailed {
		amount = evt.AmountDue
	}
	payment := &billing.PaymentRecord{
		ID:             evt.ID + ":" + paymentStatus,
		UserID:         userID,
		CustomerID:     evt.CustomerID,
		InvoiceID:      evt.ID,
		SubscriptionID: evt.SubscriptionID,
		Amount:         amount,
		Currency:       evt.Currency,
		Status:         paymentStatus,
		Description:    evt.Description,
		CreatedAt:      evt.Created,
	}
	if payment.CreatedAt.IsZero() {
		payment.CreatedAt = p.now().UTC()
	}
	if err := p.storage.UpsertPayment(ctx, payment); err != nil {
		p.logger.Warn("failed to record payment", billing.F("invoice_id", evt.ID), billing.F("error", err))
	}
	return nil
}

// handleCustomer links a provider customer to a user. Failures are logged.
func (p *Provider) handleCustomer(ctx context.Context, evt *customerEvent, created bool) {
	cust := evt.Customer
	var (
		user *billing.User
		err  error
	)
	if created {
		user, err = p.storage.FindUserByEmail(ctx, cust.Email)
	} else if userID := strings.TrimSpace(cust.Metadata[metadataUserID]); userID != "" {
		user, err = p.storage.GetUser(ctx, userID)
	} else {
		return
	}
	if err != nil {
		if !errors.Is(err, billing.ErrUserNotFound) {
			p.logger.Warn("customer lookup failed", billing.F("customer_id", cust.ID), billing.F("error", err))
		}
		return
	}
	if user.CustomerID == cust.ID {
		return
	}
	if user.CustomerID != "" && created {
		// Keep an existing link; a second customer for the same email is
		// usually a duplicate checkout.
		p.logger.Warn("user already linked to another customer",
			billing.F("user_id", user.ID),
			billing.F("customer_id", user.CustomerID),
			billing.F("new_customer_id", cust.ID),
		)
		return
	}
	if err := p.storage.LinkCustomer(ctx, user.ID, cust.ID); err != nil {
		p.logger.Warn("failed to link customer", billing.F("user_id", user.ID), billing.F("customer_id", cust.ID), billing.F("error", err))
	}
}

// handleCheckoutCompleted links the customer to the purchasing user and
// applies the new subscription without waiting for its own event.
func (p *Provider) handleCheckoutCompleted(ctx context.Context, evt *checkoutEvent) error {
	if evt.UserID != "" && evt.CustomerID != "" {
		if err := p.storage.LinkCustomer(ctx, evt.UserID, evt.CustomerID); err != nil {
			p.logger.Warn("failed to link checkout customer",
				billing.F("user_id", evt.UserID),
				billing.F("customer_id", evt.CustomerID),
				billing.F("error", err),
			)
		}
	}
	if evt.SubscriptionID == "" {
		return nil
	}

	sub, err := p.client.RetrieveSubscription(ctx, evt.SubscriptionID)
	if err != nil {
		return fmt.Errorf("failed to fetch subscription %s: %w", evt.SubscriptionID, err)
	}
	hint := ""
	if evt.UserID != "" {
		if _, err := p.knownUser(ctx, evt.UserID, "checkout session"); err == nil {
			hint = evt.UserID
		}
	}
	_, err = p.applySubscription(ctx, sub, p.now(), hint)
	return err
}

func (p *Provider) handlePriceChanged(ctx context.Context, evt *catalogEvent) error {
	if p.catalog == nil {
		return nil
	}
	if evt.Price.Product != nil && evt.Price.Product.Name != "" {
		return p.catalog.Put(ctx, planFromPrice(evt.Price))
	}
	return p.catalog.Invalidate(ctx, evt.Price.ID)
}

func (p *Provider) handleProductChanged(ctx context.Context, _ *catalogEvent) error {
	if p.catalog == nil {
		return nil
	}
	return p.catalog.InvalidateAll(ctx)
}

func (p *Provider) handleDisputeCreated(ctx context.Context, evt *disputeEvent, raw json.RawMessage, at time.Time) error {
	p.logger.Warn("charge dispute created",
		billing.F("dispute_id", evt.ID),
		billing.F("charge_id", evt.ChargeID),
		billing.F("amount", evt.Amount),
		billing.F("reason", evt.Reason),
	)
	return p.storage.RecordAudit(ctx, &billing.AuditEntry{
		ID:         uuid.NewString(),
		Action:     "charge.dispute.created",
		TargetType: "dispute",
		TargetID:   evt.ID,
		Data:       raw,
		CreatedAt:  at.UTC(),
	})
}
