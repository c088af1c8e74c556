package stripe

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/hashicorp/go-cleanhttp"
	"github.com/stripe/stripe-go/v83"

	"github.com/mihaimyh/subsync/pkg/billing"
)

const maxNetworkRetries = 2

// Client is the subset of the Stripe API the provider uses.
type Client interface {
	RetrieveSubscription(ctx context.Context, id string) (*stripe.Subscription, error)
	ListSubscriptions(ctx context.Context, customerID string) ([]*stripe.Subscription, error)
	CancelAtPeriodEnd(ctx context.Context, subscriptionID string) (*stripe.Subscription, error)

	RetrieveCustomer(ctx context.Context, id string) (*stripe.Customer, error)
	// FindCustomerByEmail returns billing.ErrCustomerNotFound if no customer matches.
	FindCustomerByEmail(ctx context.Context, email string) (*stripe.Customer, error)
	// SearchCustomerByUserID returns billing.ErrCustomerNotFound if no customer matches.
	SearchCustomerByUserID(ctx context.Context, userID string) (*stripe.Customer, error)

	RetrievePrice(ctx context.Context, id string) (*stripe.Price, error)
	ListRecurringPrices(ctx context.Context) ([]*stripe.Price, error)

	ListInvoices(ctx context.Context, customerID string, limit int) ([]*stripe.Invoice, error)
	CreatePortalSession(ctx context.Context, customerID, returnURL string) (string, error)
}

// apiClient is the stripe-go backed Client.
type apiClient struct {
	sc      *stripe.Client
	metrics billing.Metrics
}

// NewClient creates a Client for apiKey. A nil httpClient uses a pooled
// client with a 10s timeout.
func NewClient(apiKey string, httpClient *http.Client, metrics billing.Metrics) Client {
	if httpClient == nil {
		httpClient = cleanhttp.DefaultPooledClient()
		httpClient.Timeout = defaultHTTPTimeout
	}
	if metrics == nil {
		metrics = &billing.NoopMetrics{}
	}

	backends := stripe.NewBackendsWithConfig(&stripe.BackendConfig{
		HTTPClient:        httpClient,
		MaxNetworkRetries: stripe.Int64(maxNetworkRetries),
	})

	return &apiClient{
		sc:      stripe.NewClient(apiKey, stripe.WithBackends(backends)),
		metrics: metrics,
	}
}

// observe records the outcome of one API call.
func (c *apiClient) observe(endpoint string, start time.Time, err error) {
	status := "success"
	if err != nil {
		status = "error"
		if isNotFound(err) {
			status = "not_found"
		}
	}
	c.metrics.RecordAPICall(providerName, endpoint, status)
	c.metrics.RecordAPICallDuration(providerName, endpoint, time.Since(start))
}

func (c *apiClient) RetrieveSubscription(ctx context.Context, id string) (*stripe.Subscription, error) {
	start := time.Now()
	sub, err := c.sc.V1Subscriptions.Retrieve(ctx, id, nil)
	c.observe("/subscriptions/retrieve", start, err)
	if err != nil {
		if isNotFound(err) {
			return nil, fmt.Errorf("%w: %s", billing.ErrSubscriptionNotFound, id)
		}
		return nil, apiError("retrieve subscription", err)
	}
	return sub, nil
}

func (c *apiClient) ListSubscriptions(ctx context.Context, customerID string) ([]*stripe.Subscription, error) {
	start := time.Now()
	params := &stripe.SubscriptionListParams{
		Customer: stripe.String(customerID),
		Status:   stripe.String("all"),
	}

	var subs []*stripe.Subscription
	var err error
	for sub, iterErr := range c.sc.V1Subscriptions.List(ctx, params) {
		if iterErr != nil {
			err = iterErr
			break
		}
		subs = append(subs, sub)
	}
	c.observe("/subscriptions/list", start, err)
	if err != nil {
		return nil, apiError("list subscriptions", err)
	}
	return subs, nil
}

func (c *apiClient) CancelAtPeriodEnd(ctx context.Context, subscriptionID string) (*stripe.Subscription, error) {
	start := time.Now()
	params := &stripe.SubscriptionUpdateParams{
		CancelAtPeriodEnd: stripe.Bool(true),
	}
	sub, err := c.sc.V1Subscriptions.Update(ctx, subscriptionID, params)
	c.observe("/subscriptions/update", start, err)
	if err != nil {
		if isNotFound(err) {
			return nil, fmt.Errorf("%w: %s", billing.ErrSubscriptionNotFound, subscriptionID)
		}
		return nil, apiError("cancel subscription", err)
	}
	return sub, nil
}

func (c *apiClient) RetrieveCustomer(ctx context.Context, id string) (*stripe.Customer, error) {
	start := time.Now()
	cust, err := c.sc.V1Customers.Retrieve(ctx, id, nil)
	c.observe("/customers/retrieve", start, err)
	if err != nil {
		if isNotFound(err) {
			return nil, fmt.Errorf("%w: %s", billing.ErrCustomerNotFound, id)
		}
		return nil, apiError("retrieve customer", err)
	}
	return cust, nil
}

func (c *apiClient) FindCustomerByEmail(ctx context.Context, email string) (*stripe.Customer, error) {
	start := time.Now()
	params := &stripe.CustomerListParams{Email: stripe.String(email)}
	params.Limit = stripe.Int64(1)

	var found *stripe.Customer
	var err error
	for cust, iterErr := range c.sc.V1Customers.List(ctx, params) {
		if iterErr != nil {
			err = iterErr
			break
		}
		if !cust.Deleted {
			found = cust
			break
		}
	}
	c.observe("/customers/list", start, err)
	if err != nil {
		return nil, apiError("list customers", err)
	}
	if found == nil {
		return nil, billing.ErrCustomerNotFound
	}
	return found, nil
}

func (c *apiClient) SearchCustomerByUserID(ctx context.Context, userID string) (*stripe.Customer, error) {
	start := time.Now()
	params := &stripe.CustomerSearchParams{}
	params.Query = fmt.Sprintf("metadata['%s']:'%s'", metadataUserID, userID)

	var found *stripe.Customer
	var err error
	for cust, iterErr := range c.sc.V1Customers.Search(ctx, params) {
		if iterErr != nil {
			err = iterErr
			break
		}
		// Search can return partial matches
		if cust.Metadata[metadataUserID] == userID {
			found = cust
			break
		}
	}
	c.observe("/customers/search", start, err)
	if err != nil {
		return nil, apiError("search customers", err)
	}
	if found == nil {
		return nil, billing.ErrCustomerNotFound
	}
	return found, nil
}

func (c *apiClient) RetrievePrice(ctx context.Context, id string) (*stripe.Price, error) {
	start := time.Now()
	params := &stripe.PriceRetrieveParams{}
	params.AddExpand("product")
	price, err := c.sc.V1Prices.Retrieve(ctx, id, params)
	c.observe("/prices/retrieve", start, err)
	if err != nil {
		if isNotFound(err) {
			return nil, fmt.Errorf("%w: %s", billing.ErrPlanNotFound, id)
		}
		return nil, apiError("retrieve price", err)
	}
	return price, nil
}

func (c *apiClient) ListRecurringPrices(ctx context.Context) ([]*stripe.Price, error) {
	start := time.Now()
	params := &stripe.PriceListParams{
		Active: stripe.Bool(true),
		Type:   stripe.String("recurring"),
	}
	params.AddExpand("data.product")

	var prices []*stripe.Price
	var err error
	for price, iterErr := range c.sc.V1Prices.List(ctx, params) {
		if iterErr != nil {
			err = iterErr
			break
		}
		prices = append(prices, price)
	}
	c.observe("/prices/list", start, err)
	if err != nil {
		return nil, apiError("list prices", err)
	}
	return prices, nil
}

func (c *apiClient) ListInvoices(ctx context.Context, customerID string, limit int) ([]*stripe.Invoice, error) {
	start := time.Now()
	params := &stripe.InvoiceListParams{Customer: stripe.String(customerID)}
	params.Limit = stripe.Int64(int64(limit))

	var invoices []*stripe.Invoice
	var err error
	for inv, iterErr := range c.sc.V1Invoices.List(ctx, params) {
		if iterErr != nil {
			err = iterErr
			break
		}
		invoices = append(invoices, inv)
		if len(invoices) >= limit {
			break
		}
	}
	c.observe("/invoices/list", start, err)
	if err != nil {
		return nil, apiError("list invoices", err)
	}
	return invoices, nil
}

func (c *apiClient) CreatePortalSession(ctx context.Context, customerID, returnURL string) (string, error) {
	start := time.Now()
	params := &stripe.BillingPortalSessionCreateParams{
		Customer:  stripe.String(customerID),
		ReturnURL: stripe.String(returnURL),
	}
	session, err := c.sc.V1BillingPortalSessions.Create(ctx, params)
	c.observe("/billing_portal/sessions", start, err)
	if err != nil {
		return "", apiError("create portal session", err)
	}
	return session.URL, nil
}

func isNotFound(err error) bool {
	var stripeErr *stripe.Error
	return errors.As(err, &stripeErr) && stripeErr.HTTPStatusCode == http.StatusNotFound
}

func apiError(op string, err error) error {
	return fmt.Errorf("%w: %s: %v", billing.ErrProviderAPIError, op, err)
}
