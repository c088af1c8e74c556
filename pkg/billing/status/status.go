// Package status answers "what is this user's subscription right now" for
// front-end display. It reads stored state only and never calls the
// billing provider for the decision itself.
package status

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/mihaimyh/subsync/pkg/billing"
)

// Store is the read side the service needs.
type Store interface {
	GetUser(ctx context.Context, userID string) (*billing.User, error)
	GetEntitlement(ctx context.Context, userID string) (*billing.UserEntitlement, error)
	GetSubscription(ctx context.Context, id string) (*billing.SubscriptionRecord, error)
	GetCurrentSubscription(ctx context.Context, userID string) (*billing.SubscriptionRecord, error)
}

// PlanLookup resolves plan metadata. *catalog.Catalog satisfies it.
type PlanLookup interface {
	GetPlan(ctx context.Context, priceID string) (*billing.PlanCatalogEntry, error)
}

// Config configures a Service.
type Config struct {
	Store Store

	// Plans enriches the view with plan metadata. Optional.
	Plans PlanLookup

	// Now defaults to time.Now.
	Now func() time.Time

	Logger billing.Logger
}

// Service builds status views.
type Service struct {
	store  Store
	plans  PlanLookup
	now    func() time.Time
	logger billing.Logger
}

// New creates a Service.
func New(config Config) (*Service, error) {
	if config.Store == nil {
		return nil, fmt.Errorf("status: store is required")
	}
	now := config.Now
	if now == nil {
		now = time.Now
	}
	logger := config.Logger
	if logger == nil {
		logger = &billing.NoopLogger{}
	}
	return &Service{
		store:  config.Store,
		plans:  config.Plans,
		now:    now,
		logger: logger,
	}, nil
}

// SubscriptionDetail is the stored subscription behind a view.
type SubscriptionDetail struct {
	ID                 string     `json:"id"`
	PlanID             string     `json:"plan_id"`
	Status             string     `json:"status"`
	Amount             int64      `json:"amount"`
	Currency           string     `json:"currency"`
	Interval           string     `json:"interval"`
	IntervalCount      int64      `json:"interval_count"`
	CurrentPeriodStart time.Time  `json:"current_period_start"`
	CurrentPeriodEnd   time.Time  `json:"current_period_end"`
	CancelAtPeriodEnd  bool       `json:"cancel_at_period_end"`
	CanceledAt         *time.Time `json:"canceled_at,omitempty"`
	TrialEnd           *time.Time `json:"trial_end,omitempty"`
}

// View is a user's subscription status as shown to the user.
type View struct {
	UserID              string                    `json:"user_id"`
	Email               string                    `json:"email,omitempty"`
	SubscriptionStatus  billing.Status            `json:"subscription_status"`
	SubscriptionTier    billing.Tier              `json:"subscription_tier"`
	SubscriptionEndDate *time.Time                `json:"subscription_end_date,omitempty"`
	IsSubscribed        bool                      `json:"is_subscribed"`
	HasPremiumAccess    bool                      `json:"has_premium_access"`
	SubscriptionValid   bool                      `json:"subscription_valid"`
	DaysRemaining       *int                      `json:"days_remaining,omitempty"`
	BillingCycle        string                    `json:"billing_cycle,omitempty"`
	CancelAtPeriodEnd   bool                      `json:"cancel_at_period_end"`
	Subscription        *SubscriptionDetail       `json:"subscription,omitempty"`
	Plan                *billing.PlanCatalogEntry `json:"plan,omitempty"`

	// ProfileOnly is set when subscription details could not be read and
	// the view was built from the entitlement alone.
	ProfileOnly bool `json:"profile_only"`
}

// GetStatus builds the status view for userID.
func (s *Service) GetStatus(ctx context.Context, userID string) (*View, error) {
	user, err := s.store.GetUser(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to load user %s: %w", userID, err)
	}

	ent, err := s.store.GetEntitlement(ctx, userID)
	if err != nil {
		if !errors.Is(err, billing.ErrEntitlementNotFound) {
			return nil, fmt.Errorf("failed to load entitlement for %s: %w", userID, err)
		}
		ent = billing.DefaultEntitlement(userID)
	}

	now := s.now()
	view := fromEntitlement(user, ent, now)

	rec, err := s.subscriptionFor(ctx, ent)
	switch {
	case err == nil:
		s.enrich(ctx, view, rec)
	case errors.Is(err, billing.ErrSubscriptionNotFound):
	default:
		s.logger.Warn("subscription lookup failed, serving profile-only status",
			billing.F("user_id", userID),
			billing.F("error", err),
		)
		view.ProfileOnly = true
	}
	return view, nil
}

// subscriptionFor returns the record that produced ent, or the user's
// current record when ent names none.
func (s *Service) subscriptionFor(ctx context.Context, ent *billing.UserEntitlement) (*billing.SubscriptionRecord, error) {
	if ent.SubscriptionID != "" {
		rec, err := s.store.GetSubscription(ctx, ent.SubscriptionID)
		if err == nil && rec.UserID == ent.UserID {
			return rec, nil
		}
		if err != nil && !errors.Is(err, billing.ErrSubscriptionNotFound) {
			return nil, err
		}
	}
	return s.store.GetCurrentSubscription(ctx, ent.UserID)
}

func fromEntitlement(user *billing.User, ent *billing.UserEntitlement, now time.Time) *View {
	status := ent.SubscriptionStatus
	if status == "" {
		status = billing.StatusInactive
	}
	tier := ent.SubscriptionTier
	if tier == "" {
		tier = billing.TierFree
	}

	view := &View{
		UserID:             user.ID,
		Email:              user.Email,
		SubscriptionStatus: status,
		SubscriptionTier:   tier,
		IsSubscribed:       status.IsSubscribed(),
		HasPremiumAccess:   status.IsSubscribed() && tier.HasPremiumAccess(),
	}
	if ent.SubscriptionEndDate != nil {
		end := *ent.SubscriptionEndDate
		view.SubscriptionEndDate = &end
		days := DaysRemaining(end, now)
		view.DaysRemaining = &days
	}
	// Valid only while the paid-through date lies ahead; the status stays as
	// the provider last reported it.
	view.SubscriptionValid = view.SubscriptionEndDate != nil && view.SubscriptionEndDate.After(now)
	return view
}

// enrich adds the subscription record and plan metadata. It only adds
// display detail; the entitlement fields stay as stored.
func (s *Service) enrich(ctx context.Context, view *View, rec *billing.SubscriptionRecord) {
	view.Subscription = &SubscriptionDetail{
		ID:                 rec.ID,
		PlanID:             rec.PlanID,
		Status:             string(rec.Status),
		Amount:             rec.Amount,
		Currency:           rec.Currency,
		Interval:           rec.Interval,
		IntervalCount:      rec.IntervalCount,
		CurrentPeriodStart: rec.CurrentPeriodStart,
		CurrentPeriodEnd:   rec.CurrentPeriodEnd,
		CancelAtPeriodEnd:  rec.CancelAtPeriodEnd,
		CanceledAt:         rec.CanceledAt,
		TrialEnd:           rec.TrialEnd,
	}
	view.CancelAtPeriodEnd = rec.CancelAtPeriodEnd
	view.BillingCycle = BillingCycle(rec.Interval, rec.IntervalCount)

	if s.plans == nil || rec.PlanID == "" {
		return
	}
	plan, err := s.plans.GetPlan(ctx, rec.PlanID)
	if err != nil {
		s.logger.Debug("plan lookup failed", billing.F("plan_id", rec.PlanID), billing.F("error", err))
		return
	}
	view.Plan = plan
	if view.BillingCycle == "" {
		view.BillingCycle = BillingCycle(plan.Interval, plan.IntervalCount)
	}
}

// DaysRemaining is the number of started days until end, never negative.
func DaysRemaining(end, now time.Time) int {
	d := end.Sub(now)
	if d <= 0 {
		return 0
	}
	return int(math.Ceil(d.Hours() / 24))
}

// BillingCycle renders an interval as "1 month", "3 months" or "1 year".
// It returns "" for an unknown interval.
func BillingCycle(interval string, count int64) string {
	if interval == "" {
		return ""
	}
	if count <= 0 {
		count = 1
	}
	if count == 1 {
		return fmt.Sprintf("1 %s", interval)
	}
	return fmt.Sprintf("%d %ss", count, interval)
}
