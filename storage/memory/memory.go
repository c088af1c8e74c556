// Package memory provides an in-memory implementation of billing.Storage.
// This implementation is primarily intended for testing and development.
package memory

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/mihaimyh/subsync/pkg/billing"
)

// Operation names accepted by InjectError.
const (
	OpInsertEvent            = "InsertEvent"
	OpUpsertSubscription     = "UpsertSubscription"
	OpGetSubscription        = "GetSubscription"
	OpGetCurrentSubscription = "GetCurrentSubscription"
	OpGetEntitlement         = "GetEntitlement"
	OpSetEntitlement         = "SetEntitlement"
	OpLinkCustomer           = "LinkCustomer"
	OpUpsertPayment          = "UpsertPayment"
	OpPing                   = "Ping"
)

// Storage implements billing.Storage using in-memory maps
type Storage struct {
	mu            sync.RWMutex
	events        map[string]*billing.WebhookEvent
	subscriptions map[string]*billing.SubscriptionRecord
	users         map[string]*billing.User
	entitlements  map[string]*billing.UserEntitlement
	payments      map[string]*billing.PaymentRecord
	audit         []*billing.AuditEntry
	faults        map[string]error
}

// New creates a new in-memory storage adapter
func New() *Storage {
	return &Storage{
		events:        make(map[string]*billing.WebhookEvent),
		subscriptions: make(map[string]*billing.SubscriptionRecord),
		users:         make(map[string]*billing.User),
		entitlements:  make(map[string]*billing.UserEntitlement),
		payments:      make(map[string]*billing.PaymentRecord),
		faults:        make(map[string]error),
	}
}

// InjectError makes every call to op fail with err until cleared with a
// nil err.
func (s *Storage) InjectError(op string, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err == nil {
		delete(s.faults, op)
		return
	}
	s.faults[op] = err
}

func (s *Storage) fault(op string) error {
	return s.faults[op]
}

// AddUser creates or replaces a user.
func (s *Storage) AddUser(u *billing.User) {
	s.mu.Lock()
	defer s.mu.Unlock()
	userCopy := *u
	s.users[u.ID] = &userCopy
}

// AuditEntries returns the recorded audit entries in insertion order.
func (s *Storage) AuditEntries() []*billing.AuditEntry {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*billing.AuditEntry, len(s.audit))
	for i, e := range s.audit {
		entryCopy := *e
		out[i] = &entryCopy
	}
	return out
}

// Ping implements billing.Storage
func (s *Storage) Ping(_ context.Context) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.fault(OpPing)
}

// InsertEvent implements billing.EventStore
func (s *Storage) InsertEvent(_ context.Context, evt *billing.WebhookEvent) (*billing.WebhookEvent, bool, error) {
	if evt == nil || evt.ID == "" {
		return nil, false, fmt.Errorf("invalid event")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.fault(OpInsertEvent); err != nil {
		return nil, false, err
	}
	if existing, ok := s.events[evt.ID]; ok {
		return copyEvent(existing), false, nil
	}
	s.events[evt.ID] = copyEvent(evt)
	return copyEvent(evt), true, nil
}

// MarkEventProcessed implements billing.EventStore
func (s *Storage) MarkEventProcessed(_ context.Context, id string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	evt, ok := s.events[id]
	if !ok {
		return billing.ErrEventNotFound
	}
	processedAt := at
	evt.Processed = true
	evt.ProcessedAt = &processedAt
	evt.ErrorMessage = ""
	evt.Attempts++
	return nil
}

// MarkEventFailed implements billing.EventStore
func (s *Storage) MarkEventFailed(_ context.Context, id, message string, _ time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	evt, ok := s.events[id]
	if !ok {
		return billing.ErrEventNotFound
	}
	evt.ErrorMessage = message
	evt.Attempts++
	return nil
}

// GetEvent implements billing.EventStore
func (s *Storage) GetEvent(_ context.Context, id string) (*billing.WebhookEvent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	evt, ok := s.events[id]
	if !ok {
		return nil, billing.ErrEventNotFound
	}
	return copyEvent(evt), nil
}

// ListFailedEvents implements billing.EventStore
func (s *Storage) ListFailedEvents(_ context.Context, limit int) ([]*billing.WebhookEvent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*billing.WebhookEvent
	for _, evt := range s.events {
		if evt.Failed() {
			out = append(out, copyEvent(evt))
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].ReceivedAt.Equal(out[j].ReceivedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].ReceivedAt.Before(out[j].ReceivedAt)
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// UpsertSubscription implements billing.SubscriptionRepository
func (s *Storage) UpsertSubscription(_ context.Context, rec *billing.SubscriptionRecord) (bool, error) {
	if rec == nil || rec.ID == "" {
		return false, fmt.Errorf("invalid subscription record")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.fault(OpUpsertSubscription); err != nil {
		return false, err
	}
	if stored, ok := s.subscriptions[rec.ID]; ok && !rec.Supersedes(stored) {
		return false, nil
	}
	s.subscriptions[rec.ID] = copyRecord(rec)
	return true, nil
}

// GetSubscription implements billing.SubscriptionRepository
func (s *Storage) GetSubscription(_ context.Context, id string) (*billing.SubscriptionRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if err := s.fault(OpGetSubscription); err != nil {
		return nil, err
	}
	rec, ok := s.subscriptions[id]
	if !ok {
		return nil, billing.ErrSubscriptionNotFound
	}
	return copyRecord(rec), nil
}

// GetCurrentSubscription implements billing.SubscriptionRepository
func (s *Storage) GetCurrentSubscription(_ context.Context, userID string) (*billing.SubscriptionRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if err := s.fault(OpGetCurrentSubscription); err != nil {
		return nil, err
	}

	var best *billing.SubscriptionRecord
	for _, rec := range s.subscriptions {
		if rec.UserID != userID {
			continue
		}
		if best == nil || preferRecord(rec, best) {
			best = rec
		}
	}
	if best == nil {
		return nil, billing.ErrSubscriptionNotFound
	}
	return copyRecord(best), nil
}

// preferRecord orders a user's records the same way the postgres query does.
func preferRecord(a, b *billing.SubscriptionRecord) bool {
	aCurrent, bCurrent := a.Status.IsCurrent(), b.Status.IsCurrent()
	if aCurrent != bCurrent {
		return aCurrent
	}
	if aCurrent && !a.CurrentPeriodEnd.Equal(b.CurrentPeriodEnd) {
		return a.CurrentPeriodEnd.After(b.CurrentPeriodEnd)
	}
	if !a.ObservedAt.Equal(b.ObservedAt) {
		return a.ObservedAt.After(b.ObservedAt)
	}
	return a.ID > b.ID
}

// GetUser implements billing.UserDirectory
func (s *Storage) GetUser(_ context.Context, userID string) (*billing.User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	u, ok := s.users[userID]
	if !ok {
		return nil, billing.ErrUserNotFound
	}
	userCopy := *u
	return &userCopy, nil
}

// FindUserByEmail implements billing.UserDirectory
func (s *Storage) FindUserByEmail(_ context.Context, email string) (*billing.User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	email = strings.TrimSpace(email)
	if email == "" {
		return nil, billing.ErrUserNotFound
	}
	for _, u := range s.users {
		if strings.EqualFold(u.Email, email) {
			userCopy := *u
			return &userCopy, nil
		}
	}
	return nil, billing.ErrUserNotFound
}

// FindUserByCustomerID implements billing.UserDirectory
func (s *Storage) FindUserByCustomerID(_ context.Context, customerID string) (*billing.User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if customerID == "" {
		return nil, billing.ErrUserNotFound
	}
	for _, u := range s.users {
		if u.CustomerID == customerID {
			userCopy := *u
			return &userCopy, nil
		}
	}
	return nil, billing.ErrUserNotFound
}

// LinkCustomer implements billing.UserDirectory
func (s *Storage) LinkCustomer(_ context.Context, userID, customerID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.fault(OpLinkCustomer); err != nil {
		return err
	}
	u, ok := s.users[userID]
	if !ok {
		return billing.ErrUserNotFound
	}
	u.CustomerID = customerID
	return nil
}

// ListBillingUsers implements billing.UserDirectory
func (s *Storage) ListBillingUsers(_ context.Context) ([]*billing.User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*billing.User
	for _, u := range s.users {
		if u.CustomerID != "" {
			userCopy := *u
			out = append(out, &userCopy)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// GetEntitlement implements billing.UserDirectory
func (s *Storage) GetEntitlement(_ context.Context, userID string) (*billing.UserEntitlement, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if err := s.fault(OpGetEntitlement); err != nil {
		return nil, err
	}
	ent, ok := s.entitlements[userID]
	if !ok {
		return nil, billing.ErrEntitlementNotFound
	}
	return copyEntitlement(ent), nil
}

// SetEntitlement implements billing.UserDirectory
func (s *Storage) SetEntitlement(_ context.Context, ent *billing.UserEntitlement) (bool, error) {
	if ent == nil || ent.UserID == "" {
		return false, fmt.Errorf("invalid entitlement")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.fault(OpSetEntitlement); err != nil {
		return false, err
	}
	if _, ok := s.users[ent.UserID]; !ok {
		return false, billing.ErrUserNotFound
	}
	if stored, ok := s.entitlements[ent.UserID]; ok && !ent.Supersedes(stored) {
		return false, nil
	}
	s.entitlements[ent.UserID] = copyEntitlement(ent)
	return true, nil
}

// UpsertPayment implements billing.PaymentHistory
func (s *Storage) UpsertPayment(_ context.Context, rec *billing.PaymentRecord) error {
	if rec == nil || rec.ID == "" {
		return fmt.Errorf("invalid payment record")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.fault(OpUpsertPayment); err != nil {
		return err
	}
	recCopy := *rec
	s.payments[rec.ID] = &recCopy
	return nil
}

// ListPayments implements billing.PaymentHistory
func (s *Storage) ListPayments(_ context.Context, userID string, limit int) ([]*billing.PaymentRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*billing.PaymentRecord
	for _, rec := range s.payments {
		if rec.UserID == userID {
			recCopy := *rec
			out = append(out, &recCopy)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// RecordAudit implements billing.AuditLog
func (s *Storage) RecordAudit(_ context.Context, entry *billing.AuditEntry) error {
	if entry == nil || entry.ID == "" {
		return fmt.Errorf("invalid audit entry")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	entryCopy := *entry
	s.audit = append(s.audit, &entryCopy)
	return nil
}

// Legacy is an in-memory billing.LegacyEntitlementWriter.
type Legacy struct {
	mu      sync.RWMutex
	entries map[string]*billing.UserEntitlement
	err     error
}

// NewLegacy creates an empty legacy entitlement target.
func NewLegacy() *Legacy {
	return &Legacy{entries: make(map[string]*billing.UserEntitlement)}
}

// FailWith makes every write fail with err; nil restores normal behavior.
func (l *Legacy) FailWith(err error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.err = err
}

// WriteEntitlement implements billing.LegacyEntitlementWriter
func (l *Legacy) WriteEntitlement(_ context.Context, ent *billing.UserEntitlement) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.err != nil {
		return l.err
	}
	l.entries[ent.UserID] = copyEntitlement(ent)
	return nil
}

// Get returns the last entitlement written for userID.
func (l *Legacy) Get(userID string) (*billing.UserEntitlement, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	ent, ok := l.entries[userID]
	if !ok {
		return nil, errors.New("no legacy entitlement")
	}
	return copyEntitlement(ent), nil
}

func copyEvent(evt *billing.WebhookEvent) *billing.WebhookEvent {
	evtCopy := *evt
	evtCopy.Payload = append([]byte(nil), evt.Payload...)
	evtCopy.ProcessedAt = copyTime(evt.ProcessedAt)
	return &evtCopy
}

func copyRecord(rec *billing.SubscriptionRecord) *billing.SubscriptionRecord {
	recCopy := *rec
	recCopy.CanceledAt = copyTime(rec.CanceledAt)
	recCopy.TrialStart = copyTime(rec.TrialStart)
	recCopy.TrialEnd = copyTime(rec.TrialEnd)
	if rec.Metadata != nil {
		recCopy.Metadata = make(map[string]string, len(rec.Metadata))
		for k, v := range rec.Metadata {
			recCopy.Metadata[k] = v
		}
	}
	return &recCopy
}

func copyEntitlement(ent *billing.UserEntitlement) *billing.UserEntitlement {
	entCopy := *ent
	entCopy.SubscriptionEndDate = copyTime(ent.SubscriptionEndDate)
	return &entCopy
}

func copyTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	tc := *t
	return &tc
}
