package memory

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/mihaimyh/subsync/pkg/billing"
)

var t0 = time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)

func TestStorage_InsertEventIsIdempotent(t *testing.T) {
	storage := New()
	ctx := context.Background()

	evt := &billing.WebhookEvent{ID: "evt_1", Provider: "stripe", EventType: "invoice.paid", ReceivedAt: t0}
	_, created, err := storage.InsertEvent(ctx, evt)
	if err != nil || !created {
		t.Fatalf("first insert: created=%v err=%v", created, err)
	}

	dup := &billing.WebhookEvent{ID: "evt_1", Provider: "stripe", EventType: "other", ReceivedAt: t0.Add(time.Hour)}
	stored, created, err := storage.InsertEvent(ctx, dup)
	if err != nil {
		t.Fatalf("second insert: %v", err)
	}
	if created {
		t.Error("duplicate insert reported as created")
	}
	if stored.EventType != "invoice.paid" {
		t.Errorf("stored row was overwritten: %s", stored.EventType)
	}
}

func TestStorage_EventLifecycle(t *testing.T) {
	storage := New()
	ctx := context.Background()

	for i, id := range []string{"evt_b", "evt_a", "evt_c"} {
		evt := &billing.WebhookEvent{ID: id, ReceivedAt: t0.Add(time.Duration(i) * time.Minute)}
		if _, _, err := storage.InsertEvent(ctx, evt); err != nil {
			t.Fatal(err)
		}
	}

	if err := storage.MarkEventFailed(ctx, "evt_a", "boom", t0); err != nil {
		t.Fatal(err)
	}
	if err := storage.MarkEventFailed(ctx, "evt_b", "boom", t0); err != nil {
		t.Fatal(err)
	}
	if err := storage.MarkEventProcessed(ctx, "evt_c", t0); err != nil {
		t.Fatal(err)
	}

	failed, err := storage.ListFailedEvents(ctx, 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(failed) != 2 || failed[0].ID != "evt_b" || failed[1].ID != "evt_a" {
		t.Fatalf("unexpected failed events: %+v", failed)
	}

	if err := storage.MarkEventProcessed(ctx, "evt_a", t0.Add(time.Hour)); err != nil {
		t.Fatal(err)
	}
	evt, err := storage.GetEvent(ctx, "evt_a")
	if err != nil {
		t.Fatal(err)
	}
	if !evt.Processed || evt.ErrorMessage != "" || evt.Attempts != 2 {
		t.Errorf("unexpected event after retry: %+v", evt)
	}

	if _, err := storage.GetEvent(ctx, "evt_missing"); !errors.Is(err, billing.ErrEventNotFound) {
		t.Errorf("expected ErrEventNotFound, got %v", err)
	}
}

func TestStorage_UpsertSubscriptionMonotonic(t *testing.T) {
	storage := New()
	ctx := context.Background()

	p1 := &billing.SubscriptionRecord{
		ID:                 "sub_1",
		UserID:             "user1",
		Status:             billing.StatusActive,
		CurrentPeriodStart: t0.AddDate(0, 1, 0),
		ObservedAt:         t0.AddDate(0, 1, 0),
	}
	p0 := &billing.SubscriptionRecord{
		ID:                 "sub_1",
		UserID:             "user1",
		Status:             billing.StatusCanceled,
		CurrentPeriodStart: t0,
		ObservedAt:         t0.AddDate(0, 2, 0),
	}

	if ok, err := storage.UpsertSubscription(ctx, p1); err != nil || !ok {
		t.Fatalf("upsert p1: ok=%v err=%v", ok, err)
	}
	ok, err := storage.UpsertSubscription(ctx, p0)
	if err != nil {
		t.Fatal(err)
	}
	if ok {
		t.Error("older period overwrote newer one")
	}

	again := *p1
	if ok, _ := storage.UpsertSubscription(ctx, &again); ok {
		t.Error("identical snapshot reported as written")
	}

	later := *p1
	later.ObservedAt = p1.ObservedAt.Add(time.Second)
	later.CancelAtPeriodEnd = true
	if ok, _ := storage.UpsertSubscription(ctx, &later); !ok {
		t.Error("later observation in same period was rejected")
	}

	got, err := storage.GetSubscription(ctx, "sub_1")
	if err != nil {
		t.Fatal(err)
	}
	if got.Status != billing.StatusActive || !got.CancelAtPeriodEnd {
		t.Errorf("unexpected stored record: %+v", got)
	}
}

func TestStorage_GetCurrentSubscriptionPrefersCurrent(t *testing.T) {
	storage := New()
	ctx := context.Background()

	recs := []*billing.SubscriptionRecord{
		{ID: "sub_old", UserID: "u", Status: billing.StatusCanceled, ObservedAt: t0.Add(time.Hour)},
		{ID: "sub_live", UserID: "u", Status: billing.StatusPastDue, CurrentPeriodEnd: t0.AddDate(0, 1, 0), ObservedAt: t0},
		{ID: "sub_other", UserID: "v", Status: billing.StatusActive, ObservedAt: t0},
	}
	for _, r := range recs {
		if _, err := storage.UpsertSubscription(ctx, r); err != nil {
			t.Fatal(err)
		}
	}

	got, err := storage.GetCurrentSubscription(ctx, "u")
	if err != nil {
		t.Fatal(err)
	}
	if got.ID != "sub_live" {
		t.Errorf("expected sub_live, got %s", got.ID)
	}

	if _, err := storage.GetCurrentSubscription(ctx, "nobody"); !errors.Is(err, billing.ErrSubscriptionNotFound) {
		t.Errorf("expected ErrSubscriptionNotFound, got %v", err)
	}
}

func TestStorage_SetEntitlement(t *testing.T) {
	storage := New()
	ctx := context.Background()

	ent := &billing.UserEntitlement{UserID: "user1", SubscriptionStatus: billing.StatusActive, SubscriptionTier: billing.TierPatron, ObservedAt: t0}
	if _, err := storage.SetEntitlement(ctx, ent); !errors.Is(err, billing.ErrUserNotFound) {
		t.Fatalf("expected ErrUserNotFound, got %v", err)
	}

	storage.AddUser(&billing.User{ID: "user1", Email: "a@example.com"})
	if ok, err := storage.SetEntitlement(ctx, ent); err != nil || !ok {
		t.Fatalf("set: ok=%v err=%v", ok, err)
	}

	older := &billing.UserEntitlement{UserID: "user1", SubscriptionStatus: billing.StatusCanceled, SubscriptionTier: billing.TierFree, ObservedAt: t0.Add(-time.Minute)}
	if ok, _ := storage.SetEntitlement(ctx, older); ok {
		t.Error("older entitlement overwrote newer one")
	}

	got, err := storage.GetEntitlement(ctx, "user1")
	if err != nil {
		t.Fatal(err)
	}
	if got.SubscriptionTier != billing.TierPatron {
		t.Errorf("tier = %s, want patron", got.SubscriptionTier)
	}
}

func TestStorage_UserDirectory(t *testing.T) {
	storage := New()
	ctx := context.Background()
	storage.AddUser(&billing.User{ID: "user1", Email: "Reader@Example.com"})
	storage.AddUser(&billing.User{ID: "user2", Email: "b@example.com", CustomerID: "cus_2"})

	u, err := storage.FindUserByEmail(ctx, "reader@example.com")
	if err != nil || u.ID != "user1" {
		t.Fatalf("FindUserByEmail: %v %v", u, err)
	}

	if err := storage.LinkCustomer(ctx, "user1", "cus_1"); err != nil {
		t.Fatal(err)
	}
	u, err = storage.FindUserByCustomerID(ctx, "cus_1")
	if err != nil || u.ID != "user1" {
		t.Fatalf("FindUserByCustomerID: %v %v", u, err)
	}

	users, err := storage.ListBillingUsers(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(users) != 2 {
		t.Errorf("expected 2 billing users, got %d", len(users))
	}

	if err := storage.LinkCustomer(ctx, "ghost", "cus_x"); !errors.Is(err, billing.ErrUserNotFound) {
		t.Errorf("expected ErrUserNotFound, got %v", err)
	}
}

func TestStorage_InjectError(t *testing.T) {
	storage := New()
	ctx := context.Background()
	storage.AddUser(&billing.User{ID: "user1"})

	boom := errors.New("connection reset")
	storage.InjectError(OpSetEntitlement, boom)
	if _, err := storage.SetEntitlement(ctx, billing.DefaultEntitlement("user1")); !errors.Is(err, boom) {
		t.Fatalf("expected injected error, got %v", err)
	}

	storage.InjectError(OpSetEntitlement, nil)
	if _, err := storage.SetEntitlement(ctx, billing.DefaultEntitlement("user1")); err != nil {
		t.Fatalf("unexpected error after clearing: %v", err)
	}
}

func TestStorage_ReturnsCopies(t *testing.T) {
	storage := New()
	ctx := context.Background()

	end := t0.AddDate(0, 1, 0)
	rec := &billing.SubscriptionRecord{ID: "sub_1", UserID: "u", Metadata: map[string]string{"user_id": "u"}, CanceledAt: &end}
	if _, err := storage.UpsertSubscription(ctx, rec); err != nil {
		t.Fatal(err)
	}
	rec.Metadata["user_id"] = "mutated"

	got, _ := storage.GetSubscription(ctx, "sub_1")
	got.CanceledAt = nil
	again, _ := storage.GetSubscription(ctx, "sub_1")
	if again.Metadata["user_id"] != "u" || again.CanceledAt == nil {
		t.Errorf("stored record was mutated: %+v", again)
	}
}

func TestStorage_ConcurrentUpserts(t *testing.T) {
	storage := New()
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			rec := &billing.SubscriptionRecord{
				ID:                 "sub_1",
				UserID:             "u",
				CurrentPeriodStart: t0,
				ObservedAt:         t0.Add(time.Duration(i) * time.Second),
			}
			if _, err := storage.UpsertSubscription(ctx, rec); err != nil {
				t.Error(err)
			}
		}(i)
	}
	wg.Wait()

	got, _ := storage.GetSubscription(ctx, "sub_1")
	if !got.ObservedAt.Equal(t0.Add(49 * time.Second)) {
		t.Errorf("latest observation lost: %v", got.ObservedAt)
	}
}

func TestStorage_PaymentsAndAudit(t *testing.T) {
	storage := New()
	ctx := context.Background()

	for i, id := range []string{"in_1", "in_2", "in_3"} {
		p := &billing.PaymentRecord{ID: id, UserID: "u", Status: billing.PaymentStatusPaid, CreatedAt: t0.Add(time.Duration(i) * time.Hour)}
		if err := storage.UpsertPayment(ctx, p); err != nil {
			t.Fatal(err)
		}
	}
	payments, err := storage.ListPayments(ctx, "u", 2)
	if err != nil {
		t.Fatal(err)
	}
	if len(payments) != 2 || payments[0].ID != "in_3" {
		t.Errorf("unexpected payments: %+v", payments)
	}

	if err := storage.RecordAudit(ctx, &billing.AuditEntry{ID: "a1", Action: "charge.dispute.created"}); err != nil {
		t.Fatal(err)
	}
	if got := storage.AuditEntries(); len(got) != 1 || got[0].Action != "charge.dispute.created" {
		t.Errorf("unexpected audit entries: %+v", got)
	}
}

func TestLegacy(t *testing.T) {
	legacy := NewLegacy()
	ctx := context.Background()

	if err := legacy.WriteEntitlement(ctx, billing.DefaultEntitlement("u")); err != nil {
		t.Fatal(err)
	}
	if _, err := legacy.Get("u"); err != nil {
		t.Fatal(err)
	}

	legacy.FailWith(errors.New("down"))
	if err := legacy.WriteEntitlement(ctx, billing.DefaultEntitlement("u")); err == nil {
		t.Error("expected injected failure")
	}
}
