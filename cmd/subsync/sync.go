package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sort"
	"sync"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/mihaimyh/subsync/pkg/billing"
)

type refresher interface {
	Refresh(ctx context.Context, userID string) (*billing.RefreshSummary, error)
	Preview(ctx context.Context, userID string) (*billing.RefreshSummary, error)
}

type userLister interface {
	GetUser(ctx context.Context, userID string) (*billing.User, error)
	FindUserByEmail(ctx context.Context, email string) (*billing.User, error)
	ListBillingUsers(ctx context.Context) ([]*billing.User, error)
}

type syncTarget struct {
	UserID string
	Email  string
	All    bool
}

type syncer struct {
	users       userLister
	provider    refresher
	logger      zerolog.Logger
	dryRun      bool
	concurrency int
}

// syncReport tallies a bulk sync.
type syncReport struct {
	mu       sync.Mutex
	Total    int
	Updated  int
	Current  int
	Errors   int
	Tiers    map[billing.Tier]int
	Statuses map[billing.Status]int
}

func newSyncReport(total int) *syncReport {
	return &syncReport{
		Total: total,
		Tiers: map[billing.Tier]int{
			billing.TierFree:    0,
			billing.TierPremium: 0,
			billing.TierPatron:  0,
		},
		Statuses: make(map[billing.Status]int),
	}
}

func (r *syncReport) add(summary *billing.RefreshSummary, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err != nil {
		r.Errors++
		return
	}
	if summary.Updated {
		r.Updated++
	} else {
		r.Current++
	}
	r.Tiers[summary.Tier]++
	r.Statuses[summary.Status]++
}

// resolve returns the users a sync run covers. Single-user targets must
// exist; --all covers every user with a linked customer.
func (s *syncer) resolve(ctx context.Context, target syncTarget) ([]*billing.User, error) {
	switch {
	case target.UserID != "":
		u, err := s.users.GetUser(ctx, target.UserID)
		if err != nil {
			return nil, fmt.Errorf("user %s: %w", target.UserID, err)
		}
		return []*billing.User{u}, nil
	case target.Email != "":
		u, err := s.users.FindUserByEmail(ctx, target.Email)
		if err != nil {
			return nil, fmt.Errorf("user %s: %w", target.Email, err)
		}
		return []*billing.User{u}, nil
	case target.All:
		return s.users.ListBillingUsers(ctx)
	}
	return nil, errors.New("specify --user-id, --email or --all")
}

// run syncs every resolved user. One user's failure is counted and logged
// without stopping the others.
func (s *syncer) run(ctx context.Context, target syncTarget) (*syncReport, error) {
	users, err := s.resolve(ctx, target)
	if err != nil {
		return nil, err
	}
	if s.dryRun {
		s.logger.Warn().Msg("dry run, no changes will be applied")
	}
	s.logger.Info().Int("users", len(users)).Msg("starting subscription sync")

	report := newSyncReport(len(users))
	g, gctx := errgroup.WithContext(ctx)
	limit := s.concurrency
	if limit < 1 {
		limit = 1
	}
	g.SetLimit(limit)

	for _, u := range users {
		u := u
		g.Go(func() error {
			if gctx.Err() != nil {
				report.add(nil, gctx.Err())
				return nil
			}
			summary, err := s.syncOne(gctx, u)
			report.add(summary, err)
			return nil
		})
	}
	_ = g.Wait()
	if err := ctx.Err(); err != nil {
		return report, err
	}
	return report, nil
}

func (s *syncer) syncOne(ctx context.Context, u *billing.User) (*billing.RefreshSummary, error) {
	var (
		summary *billing.RefreshSummary
		err     error
	)
	if s.dryRun {
		summary, err = s.provider.Preview(ctx, u.ID)
	} else {
		summary, err = s.provider.Refresh(ctx, u.ID)
	}
	if err != nil {
		s.logger.Error().Err(err).Str("user_id", u.ID).Str("email", u.Email).Msg("failed to sync user")
		return nil, err
	}
	s.logger.Info().
		Str("user_id", u.ID).
		Str("email", u.Email).
		Str("status", string(summary.Status)).
		Str("tier", string(summary.Tier)).
		Bool("updated", summary.Updated).
		Bool("dry_run", s.dryRun).
		Msg(summary.Message)
	return summary, nil
}

// print writes the summary in a stable order.
func (r *syncReport) print(w io.Writer) {
	fmt.Fprintln(w, "Sync summary:")
	fmt.Fprintf(w, "  users:     %d\n", r.Total)
	fmt.Fprintf(w, "  updated:   %d\n", r.Updated)
	fmt.Fprintf(w, "  unchanged: %d\n", r.Current)
	fmt.Fprintf(w, "  errors:    %d\n", r.Errors)

	fmt.Fprintln(w, "Tier distribution:")
	tiers := make([]string, 0, len(r.Tiers))
	for t := range r.Tiers {
		tiers = append(tiers, string(t))
	}
	sort.Strings(tiers)
	for _, t := range tiers {
		fmt.Fprintf(w, "  %s: %d\n", t, r.Tiers[billing.Tier(t)])
	}

	if len(r.Statuses) == 0 {
		return
	}
	fmt.Fprintln(w, "Status distribution:")
	statuses := make([]string, 0, len(r.Statuses))
	for st := range r.Statuses {
		statuses = append(statuses, string(st))
	}
	sort.Strings(statuses)
	for _, st := range statuses {
		fmt.Fprintf(w, "  %s: %d\n", st, r.Statuses[billing.Status(st)])
	}
}
