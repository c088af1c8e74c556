package stripe

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"github.com/stripe/stripe-go/v83"

	"github.com/mihaimyh/subsync/pkg/billing"
	"github.com/mihaimyh/subsync/storage/memory"
)

const testWebhookSecret = "whsec_test_secret"

var testNow = time.Date(2025, 3, 10, 9, 30, 0, 0, time.UTC)

// fakeClient is an in-memory Client.
type fakeClient struct {
	mu            sync.Mutex
	subscriptions map[string]*stripe.Subscription
	customers     map[string]*stripe.Customer
	prices        map[string]*stripe.Price
	invoices      map[string][]*stripe.Invoice
	err           error

	listCalls int32
	listGate  chan struct{}
	portal    []string
}

func newFakeClient() *fakeClient {
	return &fakeClient{
		subscriptions: make(map[string]*stripe.Subscription),
		customers:     make(map[string]*stripe.Customer),
		prices:        make(map[string]*stripe.Price),
		invoices:      make(map[string][]*stripe.Invoice),
	}
}

func (f *fakeClient) addSubscription(sub *stripe.Subscription) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.subscriptions[sub.ID] = sub
}

func (f *fakeClient) addCustomer(cust *stripe.Customer) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.customers[cust.ID] = cust
}

func (f *fakeClient) failWith(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.err = err
}

func (f *fakeClient) RetrieveSubscription(_ context.Context, id string) (*stripe.Subscription, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	sub, ok := f.subscriptions[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", billing.ErrSubscriptionNotFound, id)
	}
	return sub, nil
}

func (f *fakeClient) ListSubscriptions(ctx context.Context, customerID string) ([]*stripe.Subscription, error) {
	atomic.AddInt32(&f.listCalls, 1)
	if f.listGate != nil {
		<-f.listGate
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	var out []*stripe.Subscription
	for _, sub := range f.subscriptions {
		if sub.Customer != nil && sub.Customer.ID == customerID {
			out = append(out, sub)
		}
	}
	return out, nil
}

func (f *fakeClient) CancelAtPeriodEnd(_ context.Context, subscriptionID string) (*stripe.Subscription, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	sub, ok := f.subscriptions[subscriptionID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", billing.ErrSubscriptionNotFound, subscriptionID)
	}
	updated := *sub
	updated.CancelAtPeriodEnd = true
	f.subscriptions[subscriptionID] = &updated
	return &updated, nil
}

func (f *fakeClient) RetrieveCustomer(_ context.Context, id string) (*stripe.Customer, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	cust, ok := f.customers[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", billing.ErrCustomerNotFound, id)
	}
	return cust, nil
}

func (f *fakeClient) FindCustomerByEmail(_ context.Context, email string) (*stripe.Customer, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	for _, cust := range f.customers {
		if cust.Email == email {
			return cust, nil
		}
	}
	return nil, billing.ErrCustomerNotFound
}

func (f *fakeClient) SearchCustomerByUserID(_ context.Context, userID string) (*stripe.Customer, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	for _, cust := range f.customers {
		if cust.Metadata[metadataUserID] == userID {
			return cust, nil
		}
	}
	return nil, billing.ErrCustomerNotFound
}

func (f *fakeClient) RetrievePrice(_ context.Context, id string) (*stripe.Price, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	price, ok := f.prices[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", billing.ErrPlanNotFound, id)
	}
	return price, nil
}

func (f *fakeClient) ListRecurringPrices(_ context.Context) ([]*stripe.Price, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	var out []*stripe.Price
	for _, price := range f.prices {
		out = append(out, price)
	}
	return out, nil
}

func (f *fakeClient) ListInvoices(_ context.Context, customerID string, limit int) ([]*stripe.Invoice, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	out := f.invoices[customerID]
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (f *fakeClient) CreatePortalSession(_ context.Context, customerID, returnURL string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return "", f.err
	}
	f.portal = append(f.portal, customerID)
	return "https://billing.stripe.com/p/session/" + customerID + "?return=" + returnURL, nil
}

type testEnv struct {
	provider *Provider
	storage  *memory.Storage
	legacy   *memory.Legacy
	client   *fakeClient
	now      time.Time
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	env := &testEnv{
		storage: memory.New(),
		legacy:  memory.NewLegacy(),
		client:  newFakeClient(),
		now:     testNow,
	}
	provider, err := NewProvider(Config{
		Config: billing.Config{
			Storage:       env.storage,
			Legacy:        env.legacy,
			WebhookSecret: testWebhookSecret,
		},
		Client:          env.client,
		PortalReturnURL: "https://app.example.com/account",
		Now:             func() time.Time { return env.now },
	})
	require.NoError(t, err)
	env.provider = provider
	return env
}

// testSubscription builds a one-item subscription starting a monthly period
// at periodStart.
func testSubscription(id, customerID string, status stripe.SubscriptionStatus, amount int64, periodStart time.Time) *stripe.Subscription {
	return &stripe.Subscription{
		ID:       id,
		Customer: &stripe.Customer{ID: customerID},
		Status:   status,
		Created:  periodStart.Unix(),
		Currency: stripe.CurrencyUSD,
		Items: &stripe.SubscriptionItemList{
			Data: []*stripe.SubscriptionItem{{
				ID: "si_" + id,
				Price: &stripe.Price{
					ID:         fmt.Sprintf("price_%d_month", amount),
					UnitAmount: amount,
					Currency:   stripe.CurrencyUSD,
					Recurring: &stripe.PriceRecurring{
						Interval:      stripe.PriceRecurringIntervalMonth,
						IntervalCount: 1,
					},
				},
				CurrentPeriodStart: periodStart.Unix(),
				CurrentPeriodEnd:   periodStart.AddDate(0, 1, 0).Unix(),
			}},
		},
	}
}

// subscriptionObject renders a subscription the way Stripe sends it in
// event data, with the customer collapsed to its id.
func subscriptionObject(sub *stripe.Subscription) map[string]interface{} {
	items := make([]map[string]interface{}, 0, len(sub.Items.Data))
	for _, item := range sub.Items.Data {
		items = append(items, map[string]interface{}{
			"id":                   item.ID,
			"object":               "subscription_item",
			"current_period_start": item.CurrentPeriodStart,
			"current_period_end":   item.CurrentPeriodEnd,
			"price": map[string]interface{}{
				"id":          item.Price.ID,
				"object":      "price",
				"unit_amount": item.Price.UnitAmount,
				"currency":    string(item.Price.Currency),
				"recurring": map[string]interface{}{
					"interval":       string(item.Price.Recurring.Interval),
					"interval_count": item.Price.Recurring.IntervalCount,
				},
			},
		})
	}
	metadata := map[string]string{}
	for k, v := range sub.Metadata {
		metadata[k] = v
	}
	return map[string]interface{}{
		"id":                   sub.ID,
		"object":               "subscription",
		"customer":             sub.Customer.ID,
		"status":               string(sub.Status),
		"created":              sub.Created,
		"currency":             string(sub.Currency),
		"cancel_at_period_end": sub.CancelAtPeriodEnd,
		"canceled_at":          sub.CanceledAt,
		"metadata":             metadata,
		"items": map[string]interface{}{
			"object": "list",
			"data":   items,
		},
	}
}

func eventBody(t *testing.T, id, eventType string, created time.Time, object interface{}) []byte {
	t.Helper()
	body, err := json.Marshal(map[string]interface{}{
		"id":          id,
		"object":      "event",
		"type":        eventType,
		"created":     created.Unix(),
		"api_version": "2025-03-31.basil",
		"livemode":    false,
		"data":        map[string]interface{}{"object": object},
	})
	require.NoError(t, err)
	return body
}

func sign(body []byte) string {
	signed := stripe.GenerateTestSignedPayload(&stripe.UnsignedPayload{
		Payload: body,
		Secret:  testWebhookSecret,
	})
	return signed.Header
}

// ingest signs and ingests one event.
func (e *testEnv) ingest(t *testing.T, id, eventType string, created time.Time, object interface{}) (*IngestResult, error) {
	t.Helper()
	body := eventBody(t, id, eventType, created, object)
	return e.provider.Ingest(context.Background(), body, sign(body))
}
