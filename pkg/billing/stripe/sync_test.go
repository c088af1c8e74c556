package stripe

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/stripe/stripe-go/v83"

	"github.com/mihaimyh/subsync/pkg/billing"
)

func TestRefresh_NoCustomerYieldsFree(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	env.storage.AddUser(&billing.User{ID: "u1", Email: "new@example.com"})

	summary, err := env.provider.Refresh(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, billing.StatusInactive, summary.Status)
	assert.Equal(t, billing.TierFree, summary.Tier)
	assert.Empty(t, summary.CustomerID)

	ent, err := env.storage.GetEntitlement(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, billing.StatusInactive, ent.SubscriptionStatus)
	assert.Equal(t, billing.TierFree, ent.SubscriptionTier)
}

func TestRefresh_DiscoversCustomerByEmail(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	env.storage.AddUser(&billing.User{ID: "u1", Email: "reader@example.com"})
	env.client.addCustomer(&stripe.Customer{ID: "cus_1", Email: "reader@example.com"})
	env.client.addSubscription(testSubscription("sub_1", "cus_1", stripe.SubscriptionStatusActive, 9999, periodP1))

	summary, err := env.provider.Refresh(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, "cus_1", summary.CustomerID)
	assert.Equal(t, "sub_1", summary.SubscriptionID)
	assert.Equal(t, billing.StatusActive, summary.Status)
	assert.True(t, summary.Updated)

	u, err := env.storage.GetUser(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, "cus_1", u.CustomerID, "discovered customer id is persisted")

	rec, err := env.storage.GetSubscription(ctx, "sub_1")
	require.NoError(t, err)
	assert.Equal(t, testNow, rec.ObservedAt)
}

func TestRefresh_UsesEmailHintWhenUserHasNoEmail(t *testing.T) {
	env := newTestEnv(t)
	env.storage.AddUser(&billing.User{ID: "u1"})
	env.client.addCustomer(&stripe.Customer{ID: "cus_1", Email: "reader@example.com"})
	env.client.addSubscription(testSubscription("sub_1", "cus_1", stripe.SubscriptionStatusActive, 9999, periodP1))

	ctx := billing.WithEmailHint(context.Background(), "reader@example.com")
	summary, err := env.provider.Refresh(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, "cus_1", summary.CustomerID)
	assert.Equal(t, billing.StatusActive, summary.Status)
}

func TestRefresh_StoredEmailWinsOverHint(t *testing.T) {
	env := newTestEnv(t)
	env.storage.AddUser(&billing.User{ID: "u1", Email: "reader@example.com"})
	env.client.addCustomer(&stripe.Customer{ID: "cus_1", Email: "reader@example.com"})
	env.client.addCustomer(&stripe.Customer{ID: "cus_other", Email: "other@example.com"})

	ctx := billing.WithEmailHint(context.Background(), "other@example.com")
	summary, err := env.provider.Refresh(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, "cus_1", summary.CustomerID)
}

func TestRefresh_DiscoversCustomerByMetadata(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	env.storage.AddUser(&billing.User{ID: "u1"})
	env.client.addCustomer(&stripe.Customer{ID: "cus_1", Metadata: map[string]string{"user_id": "u1"}})

	summary, err := env.provider.Refresh(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, "cus_1", summary.CustomerID)
	assert.Equal(t, billing.StatusInactive, summary.Status)
}

func TestRefresh_CorrectsMissedWebhook(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	env.storage.AddUser(&billing.User{ID: "u1", CustomerID: "cus_1"})

	_, err := env.ingest(t, "evt_1", "customer.subscription.created", periodP1,
		subscriptionObject(testSubscription("sub_1", "cus_1", stripe.SubscriptionStatusActive, 999, periodP1)))
	require.NoError(t, err)

	// The cancellation webhook never arrived.
	canceled := testSubscription("sub_1", "cus_1", stripe.SubscriptionStatusCanceled, 999, periodP1)
	env.client.addSubscription(canceled)

	summary, err := env.provider.Refresh(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, billing.StatusCanceled, summary.Status)

	ent, err := env.storage.GetEntitlement(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, billing.TierFree, ent.SubscriptionTier)
}

func TestRefresh_UnknownUser(t *testing.T) {
	env := newTestEnv(t)
	_, err := env.provider.Refresh(context.Background(), "ghost")
	assert.ErrorIs(t, err, billing.ErrUserNotFound)
}

func TestRefresh_ProviderErrorIsReturned(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	env.storage.AddUser(&billing.User{ID: "u1", CustomerID: "cus_1"})
	env.client.failWith(apiError("list subscriptions", errors.New("connection reset")))

	_, err := env.provider.Refresh(ctx, "u1")
	assert.ErrorIs(t, err, billing.ErrProviderAPIError)

	_, err = env.storage.GetEntitlement(ctx, "u1")
	assert.ErrorIs(t, err, billing.ErrEntitlementNotFound, "a failed refresh writes nothing")
}

func TestRefresh_ConcurrentCallsAreCoalesced(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	env.storage.AddUser(&billing.User{ID: "u1", CustomerID: "cus_1"})
	env.client.addSubscription(testSubscription("sub_1", "cus_1", stripe.SubscriptionStatusActive, 999, periodP1))
	env.client.listGate = make(chan struct{})

	var wg sync.WaitGroup
	var failures int32
	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := env.provider.Refresh(ctx, "u1"); err != nil {
				atomic.AddInt32(&failures, 1)
			}
		}()
	}

	time.Sleep(100 * time.Millisecond)
	close(env.client.listGate)
	wg.Wait()

	assert.Zero(t, atomic.LoadInt32(&failures))
	assert.Equal(t, int32(1), atomic.LoadInt32(&env.client.listCalls))
}

func TestSyncUser_ReturnsTier(t *testing.T) {
	env := newTestEnv(t)
	env.storage.AddUser(&billing.User{ID: "u1", CustomerID: "cus_1"})
	env.client.addSubscription(testSubscription("sub_1", "cus_1", stripe.SubscriptionStatusActive, 1999, periodP1))

	tier, err := env.provider.SyncUser(context.Background(), "u1")
	require.NoError(t, err)
	assert.Equal(t, "patron", tier)
}

func TestPickSubscription(t *testing.T) {
	sub := func(id string, status stripe.SubscriptionStatus, created int64) *stripe.Subscription {
		return &stripe.Subscription{ID: id, Status: status, Created: created}
	}

	tests := []struct {
		name string
		subs []*stripe.Subscription
		want string
	}{
		{"empty", nil, ""},
		{"single canceled", []*stripe.Subscription{sub("a", "canceled", 1)}, "a"},
		{
			"current beats newer canceled",
			[]*stripe.Subscription{sub("old_active", "active", 1), sub("new_canceled", "canceled", 5)},
			"old_active",
		},
		{
			"past_due counts as current",
			[]*stripe.Subscription{sub("pd", "past_due", 1), sub("unpaid", "unpaid", 9)},
			"pd",
		},
		{
			"tie goes to most recently created",
			[]*stripe.Subscription{sub("t1", "trialing", 3), sub("a1", "active", 7), sub("a0", "active", 2)},
			"a1",
		},
		{
			"non-current tie goes to most recent",
			[]*stripe.Subscription{sub("c1", "canceled", 3), sub("c2", "incomplete_expired", 8)},
			"c2",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := pickSubscription(tt.subs)
			if tt.want == "" {
				assert.Nil(t, got)
				return
			}
			require.NotNil(t, got)
			assert.Equal(t, tt.want, got.ID)
		})
	}
}

func TestPreview_WritesNothing(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	env.storage.AddUser(&billing.User{ID: "u1", Email: "reader@example.com"})
	env.client.addCustomer(&stripe.Customer{ID: "cus_1", Email: "reader@example.com"})
	env.client.addSubscription(testSubscription("sub_1", "cus_1", stripe.SubscriptionStatusActive, 1999, periodP1))

	summary, err := env.provider.Preview(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, "cus_1", summary.CustomerID)
	assert.Equal(t, "sub_1", summary.SubscriptionID)
	assert.Equal(t, billing.StatusActive, summary.Status)
	assert.Equal(t, billing.TierPatron, summary.Tier)
	assert.False(t, summary.Updated)
	require.NotNil(t, summary.CurrentPeriodEnd)

	u, err := env.storage.GetUser(ctx, "u1")
	require.NoError(t, err)
	assert.Empty(t, u.CustomerID, "discovered customer id is not linked")

	_, err = env.storage.GetSubscription(ctx, "sub_1")
	assert.ErrorIs(t, err, billing.ErrSubscriptionNotFound)
	_, err = env.storage.GetEntitlement(ctx, "u1")
	assert.ErrorIs(t, err, billing.ErrEntitlementNotFound)
}

func TestPreview_NoCustomer(t *testing.T) {
	env := newTestEnv(t)
	env.storage.AddUser(&billing.User{ID: "u1", Email: "new@example.com"})

	summary, err := env.provider.Preview(context.Background(), "u1")
	require.NoError(t, err)
	assert.Equal(t, billing.StatusInactive, summary.Status)
	assert.Equal(t, billing.TierFree, summary.Tier)
	assert.False(t, summary.Updated)
}

func TestPreview_UnknownUser(t *testing.T) {
	env := newTestEnv(t)
	_, err := env.provider.Preview(context.Background(), "ghost")
	assert.ErrorIs(t, err, billing.ErrUserNotFound)
}

func TestRefresh_DefaultDoesNotBlockLateSubscriptionEvent(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	env.storage.AddUser(&billing.User{ID: "u1", Email: "reader@example.com"})

	// Customer search has not caught up with the checkout yet.
	summary, err := env.provider.Refresh(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, billing.TierFree, summary.Tier)

	sub := testSubscription("sub_1", "cus_1", stripe.SubscriptionStatusActive, 1999, periodP1)
	sub.Metadata = map[string]string{"user_id": "u1"}
	_, err = env.ingest(t, "evt_1", "customer.subscription.created", testNow.Add(-time.Minute), subscriptionObject(sub))
	require.NoError(t, err)

	rec, err := env.storage.GetSubscription(ctx, "sub_1")
	require.NoError(t, err)
	ent, err := env.storage.GetEntitlement(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, rec.Status, ent.SubscriptionStatus)
	assert.Equal(t, rec.Tier, ent.SubscriptionTier)
	assert.Equal(t, billing.TierPatron, ent.SubscriptionTier)
	assert.Equal(t, "sub_1", ent.SubscriptionID)
}

func TestRefresh_DefaultAfterDefaultConverges(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	env.storage.AddUser(&billing.User{ID: "u1"})

	for i := 0; i < 2; i++ {
		summary, err := env.provider.Refresh(ctx, "u1")
		require.NoError(t, err)
		assert.True(t, summary.Updated)
	}
}

func TestRefresh_CanceledCallerDoesNotFailOthers(t *testing.T) {
	env := newTestEnv(t)
	env.storage.AddUser(&billing.User{ID: "u1", CustomerID: "cus_1"})
	env.client.addSubscription(testSubscription("sub_1", "cus_1", stripe.SubscriptionStatusActive, 999, periodP1))
	env.client.listGate = make(chan struct{})

	firstCtx, cancelFirst := context.WithCancel(context.Background())
	firstErr := make(chan error, 1)
	go func() {
		_, err := env.provider.Refresh(firstCtx, "u1")
		firstErr <- err
	}()
	require.Eventually(t, func() bool {
		return atomic.LoadInt32(&env.client.listCalls) == 1
	}, time.Second, 5*time.Millisecond)

	type result struct {
		summary *billing.RefreshSummary
		err     error
	}
	second := make(chan result, 1)
	go func() {
		s, err := env.provider.Refresh(context.Background(), "u1")
		second <- result{s, err}
	}()
	time.Sleep(100 * time.Millisecond)

	cancelFirst()
	assert.ErrorIs(t, <-firstErr, context.Canceled)

	close(env.client.listGate)
	got := <-second
	require.NoError(t, got.err)
	assert.Equal(t, billing.TierPremium, got.summary.Tier)
	assert.Equal(t, int32(1), atomic.LoadInt32(&env.client.listCalls))
}
