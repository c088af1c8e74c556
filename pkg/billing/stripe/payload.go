package stripe

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/stripe/stripe-go/v83"

	"github.com/mihaimyh/subsync/pkg/billing"
)

const metadataUserID = "user_id"

// Event payloads are decoded into one of these variants before dispatch.
// Each decoder validates the fields its handler depends on.

type subscriptionEvent struct {
	Subscription *stripe.Subscription
}

type invoiceEvent struct {
	ID             string
	CustomerID     string
	SubscriptionID string
	AmountPaid     int64
	AmountDue      int64
	Currency       string
	Description    string
	Created        time.Time
}

type customerEvent struct {
	Customer *stripe.Customer
}

type checkoutEvent struct {
	SessionID      string
	UserID         string
	CustomerID     string
	SubscriptionID string
}

type catalogEvent struct {
	Price     *stripe.Price
	ProductID string
}

type disputeEvent struct {
	ID       string
	ChargeID string
	Amount   int64
	Currency string
	Reason   string
	Status   string
}

func decodeSubscription(raw json.RawMessage) (*subscriptionEvent, error) {
	var sub stripe.Subscription
	if err := json.Unmarshal(raw, &sub); err != nil {
		return nil, fmt.Errorf("%w: subscription: %v", billing.ErrInvalidWebhookPayload, err)
	}
	if sub.ID == "" {
		return nil, fmt.Errorf("%w: subscription id missing", billing.ErrInvalidWebhookPayload)
	}
	return &subscriptionEvent{Subscription: &sub}, nil
}

func decodeInvoice(raw json.RawMessage) (*invoiceEvent, error) {
	var inv stripe.Invoice
	if err := json.Unmarshal(raw, &inv); err != nil {
		return nil, fmt.Errorf("%w: invoice: %v", billing.ErrInvalidWebhookPayload, err)
	}
	if inv.ID == "" {
		return nil, fmt.Errorf("%w: invoice id missing", billing.ErrInvalidWebhookPayload)
	}

	evt := &invoiceEvent{
		ID:             inv.ID,
		SubscriptionID: invoiceSubscriptionID(raw),
		AmountPaid:     inv.AmountPaid,
		AmountDue:      inv.AmountDue,
		Currency:       string(inv.Currency),
		Description:    inv.Description,
		Created:        unixTime(inv.Created),
	}
	if inv.Customer != nil {
		evt.CustomerID = inv.Customer.ID
	}
	return evt, nil
}

// invoiceSubscriptionID reads the subscription id from the raw invoice.
// Older API versions carry it at the top level, newer ones under
// parent.subscription_details; either may be an id or an expanded object.
func invoiceSubscriptionID(raw json.RawMessage) string {
	var shape struct {
		Subscription json.RawMessage `json:"subscription"`
		Parent       *struct {
			SubscriptionDetails *struct {
				Subscription json.RawMessage `json:"subscription"`
			} `json:"subscription_details"`
		} `json:"parent"`
	}
	if err := json.Unmarshal(raw, &shape); err != nil {
		return ""
	}
	if id := expandableID(shape.Subscription); id != "" {
		return id
	}
	if shape.Parent != nil && shape.Parent.SubscriptionDetails != nil {
		return expandableID(shape.Parent.SubscriptionDetails.Subscription)
	}
	return ""
}

func expandableID(raw json.RawMessage) string {
	if len(raw) == 0 || string(raw) == "null" {
		return ""
	}
	var id string
	if err := json.Unmarshal(raw, &id); err == nil {
		return id
	}
	var obj struct {
		ID string `json:"id"`
	}
	if err := json.Unmarshal(raw, &obj); err == nil {
		return obj.ID
	}
	return ""
}

func decodeCustomer(raw json.RawMessage) (*customerEvent, error) {
	var cust stripe.Customer
	if err := json.Unmarshal(raw, &cust); err != nil {
		return nil, fmt.Errorf("%w: customer: %v", billing.ErrInvalidWebhookPayload, err)
	}
	if cust.ID == "" {
		return nil, fmt.Errorf("%w: customer id missing", billing.ErrInvalidWebhookPayload)
	}
	return &customerEvent{Customer: &cust}, nil
}

func decodeCheckout(raw json.RawMessage) (*checkoutEvent, error) {
	var session stripe.CheckoutSession
	if err := json.Unmarshal(raw, &session); err != nil {
		return nil, fmt.Errorf("%w: checkout session: %v", billing.ErrInvalidWebhookPayload, err)
	}
	if session.ID == "" {
		return nil, fmt.Errorf("%w: checkout session id missing", billing.ErrInvalidWebhookPayload)
	}

	evt := &checkoutEvent{
		SessionID: session.ID,
		UserID:    strings.TrimSpace(session.ClientReferenceID),
	}
	if evt.UserID == "" {
		evt.UserID = strings.TrimSpace(session.Metadata[metadataUserID])
	}
	if session.Customer != nil {
		evt.CustomerID = session.Customer.ID
	}
	if session.Subscription != nil {
		evt.SubscriptionID = session.Subscription.ID
	}
	return evt, nil
}

func decodePrice(raw json.RawMessage) (*catalogEvent, error) {
	var price stripe.Price
	if err := json.Unmarshal(raw, &price); err != nil {
		return nil, fmt.Errorf("%w: price: %v", billing.ErrInvalidWebhookPayload, err)
	}
	if price.ID == "" {
		return nil, fmt.Errorf("%w: price id missing", billing.ErrInvalidWebhookPayload)
	}
	evt := &catalogEvent{Price: &price}
	if price.Product != nil {
		evt.ProductID = price.Product.ID
	}
	return evt, nil
}

func decodeProduct(raw json.RawMessage) (*catalogEvent, error) {
	var product stripe.Product
	if err := json.Unmarshal(raw, &product); err != nil {
		return nil, fmt.Errorf("%w: product: %v", billing.ErrInvalidWebhookPayload, err)
	}
	if product.ID == "" {
		return nil, fmt.Errorf("%w: product id missing", billing.ErrInvalidWebhookPayload)
	}
	return &catalogEvent{ProductID: product.ID}, nil
}

func decodeDispute(raw json.RawMessage) (*disputeEvent, error) {
	var dispute stripe.Dispute
	if err := json.Unmarshal(raw, &dispute); err != nil {
		return nil, fmt.Errorf("%w: dispute: %v", billing.ErrInvalidWebhookPayload, err)
	}
	if dispute.ID == "" {
		return nil, fmt.Errorf("%w: dispute id missing", billing.ErrInvalidWebhookPayload)
	}
	evt := &disputeEvent{
		ID:       dispute.ID,
		Amount:   dispute.Amount,
		Currency: string(dispute.Currency),
		Reason:   string(dispute.Reason),
		Status:   string(dispute.Status),
	}
	if dispute.Charge != nil {
		evt.ChargeID = dispute.Charge.ID
	}
	return evt, nil
}

// recordFromSubscription converts a provider subscription into a record.
// Price and period come from the first item.
func recordFromSubscription(
	sub *stripe.Subscription, userID string, observedAt time.Time, m billing.StatusMapper,
) *billing.SubscriptionRecord {
	rec := &billing.SubscriptionRecord{
		ID:                sub.ID,
		UserID:            userID,
		ProviderStatus:    string(sub.Status),
		Currency:          string(sub.Currency),
		CancelAtPeriodEnd: sub.CancelAtPeriodEnd,
		CanceledAt:        optionalUnix(sub.CanceledAt),
		TrialStart:        optionalUnix(sub.TrialStart),
		TrialEnd:          optionalUnix(sub.TrialEnd),
		ProviderCreatedAt: unixTime(sub.Created),
		ObservedAt:        observedAt.UTC().Truncate(time.Microsecond),
	}
	if sub.Customer != nil {
		rec.CustomerID = sub.Customer.ID
	}
	if len(sub.Metadata) > 0 {
		rec.Metadata = make(map[string]string, len(sub.Metadata))
		for k, v := range sub.Metadata {
			rec.Metadata[k] = v
		}
	}

	if item := firstItem(sub); item != nil {
		rec.CurrentPeriodStart = unixTime(item.CurrentPeriodStart)
		rec.CurrentPeriodEnd = unixTime(item.CurrentPeriodEnd)
		if item.Price != nil {
			rec.PlanID = item.Price.ID
			rec.Amount = item.Price.UnitAmount
			if item.Price.Currency != "" {
				rec.Currency = string(item.Price.Currency)
			}
			if item.Price.Recurring != nil {
				rec.Interval = string(item.Price.Recurring.Interval)
				rec.IntervalCount = item.Price.Recurring.IntervalCount
			}
		}
	}

	rec.Status, rec.Tier = m.Map(rec.ProviderStatus, rec.Amount, rec.Interval)
	return rec
}

func firstItem(sub *stripe.Subscription) *stripe.SubscriptionItem {
	if sub.Items == nil || len(sub.Items.Data) == 0 {
		return nil
	}
	return sub.Items.Data[0]
}

// entitlementFromRecord derives the entitlement a record grants.
func entitlementFromRecord(rec *billing.SubscriptionRecord) *billing.UserEntitlement {
	ent := &billing.UserEntitlement{
		UserID:             rec.UserID,
		SubscriptionStatus: rec.Status,
		SubscriptionTier:   rec.Tier,
		CustomerID:         rec.CustomerID,
		SubscriptionID:     rec.ID,
		ObservedAt:         rec.ObservedAt,
	}
	if !rec.CurrentPeriodEnd.IsZero() {
		end := rec.CurrentPeriodEnd
		ent.SubscriptionEndDate = &end
	}
	return ent
}

// planFromPrice converts a price (with its product expanded when available).
func planFromPrice(price *stripe.Price) *billing.PlanCatalogEntry {
	plan := &billing.PlanCatalogEntry{
		PriceID:  price.ID,
		Amount:   price.UnitAmount,
		Currency: string(price.Currency),
		Active:   price.Active,
	}
	if price.Recurring != nil {
		plan.Interval = string(price.Recurring.Interval)
		plan.IntervalCount = price.Recurring.IntervalCount
		plan.TrialPeriodDays = price.Recurring.TrialPeriodDays
	}
	if p := price.Product; p != nil {
		plan.ProductID = p.ID
		plan.ProductName = p.Name
		plan.Description = p.Description
		plan.Active = plan.Active && (p.Name == "" || p.Active)
		for _, f := range p.MarketingFeatures {
			if f != nil && f.Name != "" {
				plan.Features = append(plan.Features, f.Name)
			}
		}
	}
	if plan.ProductName == "" {
		plan.ProductName = price.Nickname
	}
	return plan
}

func invoiceFromStripe(inv *stripe.Invoice) *billing.Invoice {
	return &billing.Invoice{
		ID:         inv.ID,
		Number:     inv.Number,
		Status:     string(inv.Status),
		AmountDue:  inv.AmountDue,
		AmountPaid: inv.AmountPaid,
		Currency:   string(inv.Currency),
		HostedURL:  inv.HostedInvoiceURL,
		PDFURL:     inv.InvoicePDF,
		CreatedAt:  unixTime(inv.Created),
	}
}

func unixTime(sec int64) time.Time {
	if sec == 0 {
		return time.Time{}
	}
	return time.Unix(sec, 0).UTC()
}

func optionalUnix(sec int64) *time.Time {
	if sec == 0 {
		return nil
	}
	t := unixTime(sec)
	return &t
}
