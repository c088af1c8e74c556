package stripe

import (
	"context"
	"errors"
	"fmt"

	"github.com/mihaimyh/subsync/pkg/billing"
)

// CancelAtPeriodEnd asks Stripe to end the user's current subscription at
// the end of its paid period and mirrors the returned state. Access is kept
// until the period ends.
func (p *Provider) CancelAtPeriodEnd(ctx context.Context, userID string) (*billing.RefreshSummary, error) {
	rec, err := p.storage.GetCurrentSubscription(ctx, userID)
	if err != nil {
		if errors.Is(err, billing.ErrSubscriptionNotFound) {
			return nil, billing.ErrNoActiveSubscription
		}
		return nil, fmt.Errorf("failed to load subscription: %w", err)
	}
	if !rec.Status.IsCurrent() {
		return nil, billing.ErrNoActiveSubscription
	}

	sub, err := p.client.CancelAtPeriodEnd(ctx, rec.ID)
	if err != nil {
		return nil, fmt.Errorf("failed to cancel subscription %s: %w", rec.ID, err)
	}

	res, err := p.applySubscription(ctx, sub, p.now(), userID)
	if err != nil {
		return nil, err
	}

	p.logger.Info("subscription set to cancel at period end",
		billing.F("user_id", userID),
		billing.F("subscription_id", rec.ID),
	)
	summary := summaryFromResult(userID, res)
	summary.Message = "subscription will cancel at the end of the current period"
	return summary, nil
}

// PortalURL creates a billing portal session for the user. An empty
// returnURL uses the configured default.
func (p *Provider) PortalURL(ctx context.Context, userID, returnURL string) (string, error) {
	if returnURL == "" {
		returnURL = p.portalReturnURL
	}
	if returnURL == "" {
		return "", fmt.Errorf("%w: portal return URL", billing.ErrProviderNotConfigured)
	}

	customerID, err := p.customerIDFor(ctx, userID)
	if err != nil {
		return "", err
	}
	if customerID == "" {
		return "", fmt.Errorf("%w: %s", billing.ErrCustomerNotFound, userID)
	}

	return p.client.CreatePortalSession(ctx, customerID, returnURL)
}

// BillingInfo returns recent invoices from Stripe and the stored payment
// history. Users who were never customers get empty lists.
func (p *Provider) BillingInfo(ctx context.Context, userID string) (*billing.BillingInfo, error) {
	customerID, err := p.customerIDFor(ctx, userID)
	if err != nil {
		return nil, err
	}

	info := &billing.BillingInfo{
		UserID:     userID,
		CustomerID: customerID,
		Invoices:   []*billing.Invoice{},
		Payments:   []*billing.PaymentRecord{},
	}

	if customerID != "" {
		invoices, err := p.client.ListInvoices(ctx, customerID, defaultInvoiceLimit)
		if err != nil {
			return nil, fmt.Errorf("failed to list invoices: %w", err)
		}
		for _, inv := range invoices {
			info.Invoices = append(info.Invoices, invoiceFromStripe(inv))
		}
	}

	payments, err := p.storage.ListPayments(ctx, userID, defaultPaymentLimit)
	if err != nil {
		return nil, fmt.Errorf("failed to list payments: %w", err)
	}
	if payments != nil {
		info.Payments = payments
	}
	return info, nil
}

func (p *Provider) customerIDFor(ctx context.Context, userID string) (string, error) {
	user, err := p.storage.GetUser(ctx, userID)
	if err != nil {
		return "", fmt.Errorf("failed to load user %s: %w", userID, err)
	}
	return p.resolveCustomerID(ctx, user)
}

// planSource implements catalog.Source over the Stripe price API.
type planSource struct {
	client Client
}

func (s *planSource) GetPlan(ctx context.Context, priceID string) (*billing.PlanCatalogEntry, error) {
	price, err := s.client.RetrievePrice(ctx, priceID)
	if err != nil {
		return nil, err
	}
	return planFromPrice(price), nil
}

func (s *planSource) ListPlans(ctx context.Context) ([]*billing.PlanCatalogEntry, error) {
	prices, err := s.client.ListRecurringPrices(ctx)
	if err != nil {
		return nil, err
	}
	plans := make([]*billing.PlanCatalogEntry, 0, len(prices))
	for _, price := range prices {
		plan := planFromPrice(price)
		if !plan.Active || plan.Interval == "" {
			continue
		}
		plans = append(plans, plan)
	}
	return plans, nil
}

