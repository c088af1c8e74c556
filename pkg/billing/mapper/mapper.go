// Package mapper converts provider subscription state into the internal
// status and tier vocabulary. It performs no I/O.
package mapper

import (
	"strings"

	"github.com/mihaimyh/subsync/pkg/billing"
)

// Band assigns Tier to plans billed per Interval at MinAmount or more
// (amounts in the currency's minor unit).
type Band struct {
	Interval  string
	MinAmount int64
	Tier      billing.Tier
}

// DefaultStatuses maps Stripe subscription statuses to internal statuses.
// "incomplete_expired" is absent and falls back to inactive.
var DefaultStatuses = map[string]billing.Status{
	"active":     billing.StatusActive,
	"trialing":   billing.StatusTrialing,
	"past_due":   billing.StatusPastDue,
	"canceled":   billing.StatusCanceled,
	"unpaid":     billing.StatusUnpaid,
	"incomplete": billing.StatusIncomplete,
	"paused":     billing.StatusPaused,
}

// DefaultBands are the price thresholds, highest first within an interval.
var DefaultBands = []Band{
	{Interval: "month", MinAmount: 1999, Tier: billing.TierPatron},
	{Interval: "month", MinAmount: 999, Tier: billing.TierPremium},
	{Interval: "year", MinAmount: 19999, Tier: billing.TierPatron},
	{Interval: "year", MinAmount: 9999, Tier: billing.TierPremium},
}

// Default is the mapper used when none is configured.
var Default = New(DefaultStatuses, DefaultBands, billing.TierPremium)

// Mapper implements billing.StatusMapper from two lookup tables.
type Mapper struct {
	statuses        map[string]billing.Status
	bands           []Band
	defaultPaidTier billing.Tier
}

// New creates a Mapper. Bands are evaluated in order and the first band
// whose interval matches and whose MinAmount is reached wins, so callers
// list higher thresholds first. defaultPaidTier applies to subscribed
// plans that reach no band, including zero-amount plans.
func New(statuses map[string]billing.Status, bands []Band, defaultPaidTier billing.Tier) *Mapper {
	s := make(map[string]billing.Status, len(statuses))
	for k, v := range statuses {
		s[strings.ToLower(k)] = v
	}
	b := make([]Band, len(bands))
	copy(b, bands)
	for i := range b {
		b[i].Interval = strings.ToLower(b[i].Interval)
	}
	if defaultPaidTier == "" {
		defaultPaidTier = billing.TierPremium
	}
	return &Mapper{statuses: s, bands: b, defaultPaidTier: defaultPaidTier}
}

// Map implements billing.StatusMapper.
func (m *Mapper) Map(providerStatus string, amount int64, interval string) (billing.Status, billing.Tier) {
	status, ok := m.statuses[strings.ToLower(strings.TrimSpace(providerStatus))]
	if !ok {
		return billing.StatusInactive, billing.TierFree
	}
	if !status.IsSubscribed() {
		return status, billing.TierFree
	}
	return status, m.tier(amount, strings.ToLower(interval))
}

func (m *Mapper) tier(amount int64, interval string) billing.Tier {
	for _, b := range m.bands {
		if b.Interval == interval && amount >= b.MinAmount {
			return b.Tier
		}
	}
	return m.defaultPaidTier
}
