package catalog

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mihaimyh/subsync/pkg/billing"
)

type fakeSource struct {
	mu        sync.Mutex
	plans     map[string]*billing.PlanCatalogEntry
	err       error
	getCalls  int
	listCalls int
}

func (f *fakeSource) GetPlan(_ context.Context, priceID string) (*billing.PlanCatalogEntry, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.getCalls++
	if f.err != nil {
		return nil, f.err
	}
	p, ok := f.plans[priceID]
	if !ok {
		return nil, billing.ErrPlanNotFound
	}
	return copyEntry(p), nil
}

func (f *fakeSource) ListPlans(_ context.Context) ([]*billing.PlanCatalogEntry, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.listCalls++
	if f.err != nil {
		return nil, f.err
	}
	out := make([]*billing.PlanCatalogEntry, 0, len(f.plans))
	for _, p := range f.plans {
		out = append(out, copyEntry(p))
	}
	return out, nil
}

func monthlyPlan() *billing.PlanCatalogEntry {
	return &billing.PlanCatalogEntry{
		PriceID:       "price_patron_monthly",
		ProductID:     "prod_patron",
		ProductName:   "Patron",
		Amount:        1999,
		Currency:      "usd",
		Interval:      "month",
		IntervalCount: 1,
		Features:      []string{"early access"},
		Active:        true,
	}
}

func TestCatalog_GetPlanCaches(t *testing.T) {
	ctx := context.Background()
	src := &fakeSource{plans: map[string]*billing.PlanCatalogEntry{"price_patron_monthly": monthlyPlan()}}
	c := New(src, Config{})

	p, err := c.GetPlan(ctx, "price_patron_monthly")
	require.NoError(t, err)
	assert.Equal(t, "Patron", p.ProductName)

	p.Features[0] = "mutated"

	p, err = c.GetPlan(ctx, "price_patron_monthly")
	require.NoError(t, err)
	assert.Equal(t, []string{"early access"}, p.Features)
	assert.Equal(t, 1, src.getCalls)
}

func TestCatalog_UnknownPriceDoesNotTripBreaker(t *testing.T) {
	ctx := context.Background()
	src := &fakeSource{plans: map[string]*billing.PlanCatalogEntry{}}
	c := New(src, Config{FailureThreshold: 2})

	for i := 0; i < 5; i++ {
		_, err := c.GetPlan(ctx, "price_missing")
		assert.ErrorIs(t, err, billing.ErrPlanNotFound)
	}
	assert.Equal(t, StateClosed, c.BreakerState())
}

func TestCatalog_BreakerOpensOnProviderFailures(t *testing.T) {
	ctx := context.Background()
	src := &fakeSource{err: errors.New("stripe unavailable")}
	c := New(src, Config{FailureThreshold: 2, ResetTimeout: time.Hour})

	_, err := c.GetPlan(ctx, "price_a")
	require.Error(t, err)
	_, err = c.GetPlan(ctx, "price_a")
	require.Error(t, err)
	assert.Equal(t, StateOpen, c.BreakerState())

	_, err = c.GetPlan(ctx, "price_a")
	assert.ErrorIs(t, err, ErrCircuitOpen)
	assert.Equal(t, 2, src.getCalls)
}

func TestCatalog_PutAndInvalidate(t *testing.T) {
	ctx := context.Background()
	src := &fakeSource{plans: map[string]*billing.PlanCatalogEntry{}}
	c := New(src, Config{})

	plan := monthlyPlan()
	require.NoError(t, c.Put(ctx, plan))

	got, err := c.GetPlan(ctx, plan.PriceID)
	require.NoError(t, err)
	assert.Equal(t, int64(1999), got.Amount)
	assert.Zero(t, src.getCalls)

	require.NoError(t, c.Invalidate(ctx, plan.PriceID))
	_, err = c.GetPlan(ctx, plan.PriceID)
	assert.ErrorIs(t, err, billing.ErrPlanNotFound)
	assert.Equal(t, 1, src.getCalls)
}

func TestCatalog_PutInactiveOnlyInvalidates(t *testing.T) {
	ctx := context.Background()
	cache := NewLRUCache(10)
	c := New(&fakeSource{}, Config{Cache: cache})

	plan := monthlyPlan()
	require.NoError(t, c.Put(ctx, plan))
	plan.Active = false
	require.NoError(t, c.Put(ctx, plan))

	_, ok, err := cache.GetPlan(ctx, plan.PriceID)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestCatalog_ListPlansCachedUntilInvalidated(t *testing.T) {
	ctx := context.Background()
	src := &fakeSource{plans: map[string]*billing.PlanCatalogEntry{"price_patron_monthly": monthlyPlan()}}
	c := New(src, Config{})

	plans, err := c.ListPlans(ctx)
	require.NoError(t, err)
	assert.Len(t, plans, 1)

	_, err = c.ListPlans(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, src.listCalls)

	require.NoError(t, c.InvalidateAll(ctx))
	_, err = c.ListPlans(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, src.listCalls)
}

func TestLRUCache_EvictsLeastRecentlyUsed(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	cache := NewLRUCache(2)
	cache.now = func() time.Time { return now }

	for _, id := range []string{"a", "b"} {
		require.NoError(t, cache.SetPlan(ctx, &billing.PlanCatalogEntry{PriceID: id}, time.Minute))
		now = now.Add(time.Second)
	}

	_, ok, _ := cache.GetPlan(ctx, "a")
	require.True(t, ok)
	now = now.Add(time.Second)

	require.NoError(t, cache.SetPlan(ctx, &billing.PlanCatalogEntry{PriceID: "c"}, time.Minute))

	_, ok, _ = cache.GetPlan(ctx, "b")
	assert.False(t, ok, "b was least recently used")
	_, ok, _ = cache.GetPlan(ctx, "a")
	assert.True(t, ok)
	assert.Equal(t, int64(1), cache.Stats().Evictions)
}

func TestLRUCache_Expiry(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	cache := NewLRUCache(10)
	cache.now = func() time.Time { return now }

	require.NoError(t, cache.SetPlan(ctx, &billing.PlanCatalogEntry{PriceID: "a"}, time.Minute))
	now = now.Add(2 * time.Minute)

	_, ok, _ := cache.GetPlan(ctx, "a")
	assert.False(t, ok)
}

func TestBreaker_HalfOpenRecovery(t *testing.T) {
	now := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	var states []BreakerState
	b := NewBreaker(1, time.Minute, func(s BreakerState) { states = append(states, s) })
	b.now = func() time.Time { return now }

	fail := errors.New("fail")
	assert.Equal(t, fail, b.Execute(func() error { return fail }))
	assert.Equal(t, StateOpen, b.State())

	now = now.Add(time.Minute)
	assert.Equal(t, StateHalfOpen, b.State())

	require.NoError(t, b.Execute(func() error { return nil }))
	assert.Equal(t, StateClosed, b.State())
	assert.Equal(t, []BreakerState{StateOpen, StateClosed}, states)
}

func TestBreaker_HalfOpenFailureReopens(t *testing.T) {
	now := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	b := NewBreaker(3, time.Minute, nil)
	b.now = func() time.Time { return now }

	fail := errors.New("fail")
	for i := 0; i < 3; i++ {
		_ = b.Execute(func() error { return fail })
	}
	now = now.Add(time.Minute)
	_ = b.Execute(func() error { return fail })

	assert.Equal(t, StateOpen, b.State())
}

func TestBreaker_HalfOpenAdmitsSingleTrial(t *testing.T) {
	now := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	b := NewBreaker(1, time.Minute, nil)
	b.now = func() time.Time { return now }

	fail := errors.New("fail")
	_ = b.Execute(func() error { return fail })
	now = now.Add(time.Minute)

	started := make(chan struct{})
	release := make(chan struct{})
	done := make(chan error, 1)
	go func() {
		done <- b.Execute(func() error {
			close(started)
			<-release
			return nil
		})
	}()
	<-started

	called := false
	err := b.Execute(func() error {
		called = true
		return nil
	})
	assert.ErrorIs(t, err, ErrCircuitOpen)
	assert.False(t, called, "only the trial reaches the provider")

	close(release)
	require.NoError(t, <-done)
	assert.Equal(t, StateClosed, b.State())
}

func TestBreaker_CanceledCallsAreNotFailures(t *testing.T) {
	now := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	b := NewBreaker(1, time.Minute, nil)
	b.now = func() time.Time { return now }

	err := b.Execute(func() error { return fmt.Errorf("list prices: %w", context.Canceled) })
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, StateClosed, b.State())

	_ = b.Execute(func() error { return errors.New("fail") })
	now = now.Add(time.Minute)

	// A canceled trial frees the slot without reopening.
	_ = b.Execute(func() error { return context.Canceled })
	assert.Equal(t, StateHalfOpen, b.State())
	require.NoError(t, b.Execute(func() error { return nil }))
	assert.Equal(t, StateClosed, b.State())
}

type recordingMetrics struct {
	billing.NoopMetrics
	mu      sync.Mutex
	lookups []string
	states  []string
}

func (m *recordingMetrics) RecordCatalogLookup(kind, result string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.lookups = append(m.lookups, kind+":"+result)
}

func (m *recordingMetrics) RecordCatalogBreakerState(state string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.states = append(m.states, state)
}

func TestCatalog_RecordsMetrics(t *testing.T) {
	ctx := context.Background()
	src := &fakeSource{plans: map[string]*billing.PlanCatalogEntry{"price_patron_monthly": monthlyPlan()}}
	m := &recordingMetrics{}
	c := New(src, Config{FailureThreshold: 1, ResetTimeout: time.Hour, Metrics: m})

	_, err := c.GetPlan(ctx, "price_patron_monthly")
	require.NoError(t, err)
	_, err = c.GetPlan(ctx, "price_patron_monthly")
	require.NoError(t, err)

	src.err = errors.New("stripe unavailable")
	_, err = c.ListPlans(ctx)
	require.Error(t, err)

	assert.Equal(t, []string{"plan:miss", "plan:hit", "plans:error"}, m.lookups)
	assert.Equal(t, []string{string(StateOpen)}, m.states)
}
