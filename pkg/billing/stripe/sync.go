package stripe

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/stripe/stripe-go/v83"

	"github.com/mihaimyh/subsync/pkg/billing"
)

// Refresh pulls the user's subscriptions from Stripe and re-derives the
// stored record and entitlement. Concurrent refreshes for one user share a
// single provider round trip, which outlives any one caller's cancellation
// but is bounded by refreshTimeout.
func (p *Provider) Refresh(ctx context.Context, userID string) (*billing.RefreshSummary, error) {
	ch := p.refreshGroup.DoChan(userID, func() (interface{}, error) {
		shared, cancel := context.WithTimeout(context.WithoutCancel(ctx), refreshTimeout)
		defer cancel()
		return p.refresh(shared, userID)
	})

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		summary := *res.Val.(*billing.RefreshSummary)
		return &summary, nil
	}
}

func (p *Provider) refresh(ctx context.Context, userID string) (*billing.RefreshSummary, error) {
	startTime := time.Now()
	summary, err := p.syncFromAPI(ctx, userID)
	p.metrics.RecordUserSyncDuration(providerName, time.Since(startTime))
	if err != nil {
		p.metrics.RecordUserSync(providerName, "error")
		p.logger.Error("subscription refresh failed", billing.F("user_id", userID), billing.F("error", err))
		return nil, err
	}
	p.metrics.RecordUserSync(providerName, "success")
	p.logger.Info("subscription refreshed",
		billing.F("user_id", userID),
		billing.F("status", summary.Status),
		billing.F("tier", summary.Tier),
		billing.F("updated", summary.Updated),
	)
	return summary, nil
}

func (p *Provider) syncFromAPI(ctx context.Context, userID string) (*billing.RefreshSummary, error) {
	user, err := p.storage.GetUser(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to load user %s: %w", userID, err)
	}

	customerID, err := p.resolveCustomerID(ctx, user)
	if err != nil {
		return nil, err
	}
	if customerID == "" {
		return p.syncToDefault(ctx, userID, "", "no billing customer for user")
	}

	subs, err := p.client.ListSubscriptions(ctx, customerID)
	if err != nil {
		return nil, fmt.Errorf("failed to list subscriptions: %w", err)
	}

	chosen := pickSubscription(subs)
	if chosen == nil {
		return p.syncToDefault(ctx, userID, customerID, "no subscriptions for customer")
	}

	res, err := p.applySubscription(ctx, chosen, p.now(), userID)
	if err != nil {
		return nil, err
	}
	return summaryFromResult(userID, res), nil
}

// Preview computes what Refresh would store for the user without writing
// anything, including a discovered customer id.
func (p *Provider) Preview(ctx context.Context, userID string) (*billing.RefreshSummary, error) {
	user, err := p.storage.GetUser(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to load user %s: %w", userID, err)
	}

	customerID := user.CustomerID
	if customerID == "" {
		cust, err := p.lookupCustomer(ctx, user)
		switch {
		case errors.Is(err, billing.ErrCustomerNotFound):
		case err != nil:
			return nil, fmt.Errorf("failed to look up customer: %w", err)
		default:
			customerID = cust.ID
		}
	}

	summary := &billing.RefreshSummary{
		UserID:     userID,
		CustomerID: customerID,
		Status:     billing.StatusInactive,
		Tier:       billing.TierFree,
		Message:    "would set user to free tier",
	}
	if customerID == "" {
		return summary, nil
	}

	subs, err := p.client.ListSubscriptions(ctx, customerID)
	if err != nil {
		return nil, fmt.Errorf("failed to list subscriptions: %w", err)
	}
	chosen := pickSubscription(subs)
	if chosen == nil {
		return summary, nil
	}

	rec := recordFromSubscription(chosen, userID, p.now(), p.mapper)
	summary = summaryFromResult(userID, &applyResult{Record: rec, Entitlement: entitlementFromRecord(rec)})
	summary.Updated = false
	summary.Message = "would apply subscription " + rec.ID
	return summary, nil
}

// resolveCustomerID returns the user's provider customer id, discovering
// and persisting it when the directory has none. An empty id without error
// means the user has never been a customer.
func (p *Provider) resolveCustomerID(ctx context.Context, user *billing.User) (string, error) {
	if user.CustomerID != "" {
		return user.CustomerID, nil
	}

	cust, err := p.lookupCustomer(ctx, user)
	if err != nil {
		if errors.Is(err, billing.ErrCustomerNotFound) {
			return "", nil
		}
		return "", fmt.Errorf("failed to look up customer: %w", err)
	}

	if err := p.storage.LinkCustomer(ctx, user.ID, cust.ID); err != nil {
		p.logger.Warn("failed to persist discovered customer id",
			billing.F("user_id", user.ID),
			billing.F("customer_id", cust.ID),
			billing.F("error", err),
		)
	}
	return cust.ID, nil
}

// lookupCustomer finds the user's customer by email, then by the user id
// recorded in customer metadata.
func (p *Provider) lookupCustomer(ctx context.Context, user *billing.User) (*stripe.Customer, error) {
	email := strings.TrimSpace(user.Email)
	if email == "" {
		email = strings.TrimSpace(billing.EmailHint(ctx))
	}
	if email != "" {
		cust, err := p.client.FindCustomerByEmail(ctx, email)
		if err == nil {
			return cust, nil
		}
		if !errors.Is(err, billing.ErrCustomerNotFound) {
			return nil, err
		}
	}
	return p.client.SearchCustomerByUserID(ctx, user.ID)
}

// syncToDefault sets a user without a billable subscription to inactive/free.
// The default carries a zero ObservedAt: an absence seen through eventually
// consistent customer search must not outrank any subscription snapshot,
// including one created before this refresh whose event arrives later.
func (p *Provider) syncToDefault(ctx context.Context, userID, customerID, message string) (*billing.RefreshSummary, error) {
	ent := billing.DefaultEntitlement(userID)
	ent.CustomerID = customerID

	written, err := p.writeEntitlement(ctx, ent)
	if err != nil {
		return nil, err
	}
	return &billing.RefreshSummary{
		UserID:     userID,
		CustomerID: customerID,
		Status:     ent.SubscriptionStatus,
		Tier:       ent.SubscriptionTier,
		Updated:    written,
		Message:    message,
	}, nil
}

// pickSubscription chooses the subscription that represents the customer:
// current ones (active, trialing, past_due) beat the rest, then the most
// recently created wins.
func pickSubscription(subs []*stripe.Subscription) *stripe.Subscription {
	var best *stripe.Subscription
	bestCurrent := false
	for _, sub := range subs {
		if sub == nil {
			continue
		}
		current := isCurrentStatus(sub.Status)
		switch {
		case best == nil:
		case current && !bestCurrent:
		case current == bestCurrent && sub.Created > best.Created:
		default:
			continue
		}
		best = sub
		bestCurrent = current
	}
	return best
}

func isCurrentStatus(s stripe.SubscriptionStatus) bool {
	switch s {
	case stripe.SubscriptionStatusActive, stripe.SubscriptionStatusTrialing, stripe.SubscriptionStatusPastDue:
		return true
	}
	return false
}

func summaryFromResult(userID string, res *applyResult) *billing.RefreshSummary {
	rec := res.Record
	summary := &billing.RefreshSummary{
		UserID:            userID,
		CustomerID:        rec.CustomerID,
		SubscriptionID:    rec.ID,
		Status:            rec.Status,
		Tier:              rec.Tier,
		CancelAtPeriodEnd: rec.CancelAtPeriodEnd,
		Updated:           res.RecordWritten || res.EntitlementWritten,
		Message:           "subscription synchronized",
	}
	if !rec.CurrentPeriodEnd.IsZero() {
		end := rec.CurrentPeriodEnd
		summary.CurrentPeriodEnd = &end
	}
	if res.Entitlement == nil {
		summary.Message = "subscription record updated, entitlement unchanged"
	}
	if !res.RecordWritten && !res.EntitlementWritten {
		summary.Message = "stored state is already newer"
	}
	return summary
}
