// Package postgres provides a PostgreSQL implementation of billing.Storage.
// Monotonic writes are enforced inside the SQL statements themselves, so
// concurrent deliveries never need an application-level lock.
package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/mihaimyh/subsync/pkg/billing"
)

// Storage implements billing.Storage on a pgx connection pool
type Storage struct {
	pool   *pgxpool.Pool
	config Config
}

// Config holds PostgreSQL storage configuration
type Config struct {
	// ConnectionString is the PostgreSQL connection string
	ConnectionString string

	// Pool configuration
	MaxConns        int32
	MinConns        int32
	MaxConnLifetime time.Duration
	MaxConnIdleTime time.Duration
}

// DefaultConfig returns a Config with sensible defaults
func DefaultConfig() Config {
	return Config{
		MaxConns:        10,
		MinConns:        2,
		MaxConnLifetime: time.Hour,
		MaxConnIdleTime: 30 * time.Minute,
	}
}

// New creates a new PostgreSQL storage adapter
func New(ctx context.Context, config Config) (*Storage, error) {
	if config.ConnectionString == "" {
		return nil, fmt.Errorf("connection string is required")
	}

	poolConfig, err := pgxpool.ParseConfig(config.ConnectionString)
	if err != nil {
		return nil, fmt.Errorf("failed to parse connection string: %w", err)
	}

	if config.MaxConns > 0 {
		poolConfig.MaxConns = config.MaxConns
	}
	if config.MinConns > 0 {
		poolConfig.MinConns = config.MinConns
	}
	if config.MaxConnLifetime > 0 {
		poolConfig.MaxConnLifetime = config.MaxConnLifetime
	}
	if config.MaxConnIdleTime > 0 {
		poolConfig.MaxConnIdleTime = config.MaxConnIdleTime
	}

	pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to create connection pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	return &Storage{pool: pool, config: config}, nil
}

// Close closes the PostgreSQL connection pool
func (s *Storage) Close() {
	if s.pool != nil {
		s.pool.Close()
	}
}

// Ping checks the PostgreSQL connection
func (s *Storage) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// Legacy returns the writer for the old user_profiles table, sharing this
// storage's pool.
func (s *Storage) Legacy() *LegacyProfiles {
	return &LegacyProfiles{pool: s.pool}
}

type scanner interface {
	Scan(dest ...any) error
}

const eventColumns = `id, provider, event_type, payload, received_at, processed_at, processed, error_message, attempts`

func scanEvent(row scanner) (*billing.WebhookEvent, error) {
	var evt billing.WebhookEvent
	var payload string
	if err := row.Scan(
		&evt.ID,
		&evt.Provider,
		&evt.EventType,
		&payload,
		&evt.ReceivedAt,
		&evt.ProcessedAt,
		&evt.Processed,
		&evt.ErrorMessage,
		&evt.Attempts,
	); err != nil {
		return nil, err
	}
	evt.Payload = json.RawMessage(payload)
	return &evt, nil
}

// InsertEvent implements billing.EventStore
func (s *Storage) InsertEvent(ctx context.Context, evt *billing.WebhookEvent) (*billing.WebhookEvent, bool, error) {
	if evt == nil || evt.ID == "" {
		return nil, false, fmt.Errorf("invalid event")
	}

	stored, err := scanEvent(s.pool.QueryRow(ctx,
		`INSERT INTO webhook_events (id, provider, event_type, payload, received_at)
			VALUES ($1, $2, $3, $4, $5)
			ON CONFLICT (id) DO NOTHING
			RETURNING `+eventColumns,
		evt.ID, evt.Provider, evt.EventType, string(evt.Payload), evt.ReceivedAt,
	))
	if err == nil {
		return stored, true, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return nil, false, fmt.Errorf("failed to insert event: %w", err)
	}

	// Conflict: another delivery already stored this id.
	stored, err = s.GetEvent(ctx, evt.ID)
	if err != nil {
		return nil, false, err
	}
	return stored, false, nil
}

// MarkEventProcessed implements billing.EventStore
func (s *Storage) MarkEventProcessed(ctx context.Context, id string, at time.Time) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE webhook_events
			SET processed = TRUE, processed_at = $2, error_message = '', attempts = attempts + 1
			WHERE id = $1`,
		id, at)
	if err != nil {
		return fmt.Errorf("failed to mark event processed: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return billing.ErrEventNotFound
	}
	return nil
}

// MarkEventFailed implements billing.EventStore
func (s *Storage) MarkEventFailed(ctx context.Context, id, message string, _ time.Time) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE webhook_events SET error_message = $2, attempts = attempts + 1 WHERE id = $1`,
		id, message)
	if err != nil {
		return fmt.Errorf("failed to mark event failed: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return billing.ErrEventNotFound
	}
	return nil
}

// GetEvent implements billing.EventStore
func (s *Storage) GetEvent(ctx context.Context, id string) (*billing.WebhookEvent, error) {
	evt, err := scanEvent(s.pool.QueryRow(ctx,
		`SELECT `+eventColumns+` FROM webhook_events WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, billing.ErrEventNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get event: %w", err)
	}
	return evt, nil
}

// ListFailedEvents implements billing.EventStore
func (s *Storage) ListFailedEvents(ctx context.Context, limit int) ([]*billing.WebhookEvent, error) {
	var lim any
	if limit > 0 {
		lim = limit
	}
	rows, err := s.pool.Query(ctx,
		`SELECT `+eventColumns+` FROM webhook_events
			WHERE NOT processed AND error_message <> ''
			ORDER BY received_at, id
			LIMIT $1`,
		lim)
	if err != nil {
		return nil, fmt.Errorf("failed to list failed events: %w", err)
	}
	defer rows.Close()

	var out []*billing.WebhookEvent
	for rows.Next() {
		evt, err := scanEvent(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan event: %w", err)
		}
		out = append(out, evt)
	}
	return out, rows.Err()
}

const subscriptionColumns = `id, user_id, customer_id, plan_id, status, provider_status, tier,
	amount, currency, billing_interval, interval_count, current_period_start, current_period_end,
	cancel_at_period_end, canceled_at, trial_start, trial_end, metadata, provider_created_at,
	observed_at, updated_at`

func scanSubscription(row scanner) (*billing.SubscriptionRecord, error) {
	var rec billing.SubscriptionRecord
	var metadata []byte
	if err := row.Scan(
		&rec.ID,
		&rec.UserID,
		&rec.CustomerID,
		&rec.PlanID,
		&rec.Status,
		&rec.ProviderStatus,
		&rec.Tier,
		&rec.Amount,
		&rec.Currency,
		&rec.Interval,
		&rec.IntervalCount,
		&rec.CurrentPeriodStart,
		&rec.CurrentPeriodEnd,
		&rec.CancelAtPeriodEnd,
		&rec.CanceledAt,
		&rec.TrialStart,
		&rec.TrialEnd,
		&metadata,
		&rec.ProviderCreatedAt,
		&rec.ObservedAt,
		&rec.UpdatedAt,
	); err != nil {
		return nil, err
	}
	if len(metadata) > 0 {
		if err := json.Unmarshal(metadata, &rec.Metadata); err != nil {
			return nil, fmt.Errorf("failed to decode subscription metadata: %w", err)
		}
	}
	return &rec, nil
}

// UpsertSubscription implements billing.SubscriptionRepository. The
// conflict clause only updates when the incoming snapshot has a later
// period start, or the same period start and a later observation, so a
// stale snapshot affects zero rows.
func (s *Storage) UpsertSubscription(ctx context.Context, rec *billing.SubscriptionRecord) (bool, error) {
	if rec == nil || rec.ID == "" {
		return false, fmt.Errorf("invalid subscription record")
	}

	metadata := []byte("{}")
	if len(rec.Metadata) > 0 {
		var err error
		if metadata, err = json.Marshal(rec.Metadata); err != nil {
			return false, fmt.Errorf("failed to encode subscription metadata: %w", err)
		}
	}

	tag, err := s.pool.Exec(ctx,
		`INSERT INTO subscriptions (
				id, user_id, customer_id, plan_id, status, provider_status, tier,
				amount, currency, billing_interval, interval_count, current_period_start, current_period_end,
				cancel_at_period_end, canceled_at, trial_start, trial_end, metadata, provider_created_at,
				observed_at, updated_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18, $19, $20, NOW())
			ON CONFLICT (id) DO UPDATE SET
				user_id = EXCLUDED.user_id,
				customer_id = EXCLUDED.customer_id,
				plan_id = EXCLUDED.plan_id,
				status = EXCLUDED.status,
				provider_status = EXCLUDED.provider_status,
				tier = EXCLUDED.tier,
				amount = EXCLUDED.amount,
				currency = EXCLUDED.currency,
				billing_interval = EXCLUDED.billing_interval,
				interval_count = EXCLUDED.interval_count,
				current_period_start = EXCLUDED.current_period_start,
				current_period_end = EXCLUDED.current_period_end,
				cancel_at_period_end = EXCLUDED.cancel_at_period_end,
				canceled_at = EXCLUDED.canceled_at,
				trial_start = EXCLUDED.trial_start,
				trial_end = EXCLUDED.trial_end,
				metadata = EXCLUDED.metadata,
				provider_created_at = EXCLUDED.provider_created_at,
				observed_at = EXCLUDED.observed_at,
				updated_at = EXCLUDED.updated_at
			WHERE subscriptions.current_period_start < EXCLUDED.current_period_start
				OR (subscriptions.current_period_start = EXCLUDED.current_period_start
					AND subscriptions.observed_at < EXCLUDED.observed_at)`,
		rec.ID, rec.UserID, rec.CustomerID, rec.PlanID, string(rec.Status), rec.ProviderStatus, string(rec.Tier),
		rec.Amount, rec.Currency, rec.Interval, rec.IntervalCount, rec.CurrentPeriodStart, rec.CurrentPeriodEnd,
		rec.CancelAtPeriodEnd, rec.CanceledAt, rec.TrialStart, rec.TrialEnd, metadata, rec.ProviderCreatedAt,
		rec.ObservedAt,
	)
	if err != nil {
		return false, fmt.Errorf("failed to upsert subscription: %w", err)
	}
	return tag.RowsAffected() > 0, nil
}

// GetSubscription implements billing.SubscriptionRepository
func (s *Storage) GetSubscription(ctx context.Context, id string) (*billing.SubscriptionRecord, error) {
	rec, err := scanSubscription(s.pool.QueryRow(ctx,
		`SELECT `+subscriptionColumns+` FROM subscriptions WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, billing.ErrSubscriptionNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get subscription: %w", err)
	}
	return rec, nil
}

// GetCurrentSubscription implements billing.SubscriptionRepository
func (s *Storage) GetCurrentSubscription(ctx context.Context, userID string) (*billing.SubscriptionRecord, error) {
	rec, err := scanSubscription(s.pool.QueryRow(ctx,
		`SELECT `+subscriptionColumns+` FROM subscriptions
			WHERE user_id = $1
			ORDER BY
				(status IN ('active', 'trialing', 'past_due')) DESC,
				CASE WHEN status IN ('active', 'trialing', 'past_due') THEN current_period_end END DESC NULLS LAST,
				observed_at DESC,
				id DESC
			LIMIT 1`,
		userID))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, billing.ErrSubscriptionNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get current subscription: %w", err)
	}
	return rec, nil
}

func scanUser(row scanner) (*billing.User, error) {
	var u billing.User
	var customerID *string
	if err := row.Scan(&u.ID, &u.Email, &customerID); err != nil {
		return nil, err
	}
	if customerID != nil {
		u.CustomerID = *customerID
	}
	return &u, nil
}

func (s *Storage) findUser(ctx context.Context, where string, arg any) (*billing.User, error) {
	u, err := scanUser(s.pool.QueryRow(ctx,
		`SELECT id, email, stripe_customer_id FROM profiles WHERE `+where+` ORDER BY id LIMIT 1`, arg))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, billing.ErrUserNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get user: %w", err)
	}
	return u, nil
}

// GetUser implements billing.UserDirectory
func (s *Storage) GetUser(ctx context.Context, userID string) (*billing.User, error) {
	return s.findUser(ctx, `id = $1`, userID)
}

// FindUserByEmail implements billing.UserDirectory
func (s *Storage) FindUserByEmail(ctx context.Context, email string) (*billing.User, error) {
	if email == "" {
		return nil, billing.ErrUserNotFound
	}
	return s.findUser(ctx, `LOWER(email) = LOWER(TRIM($1))`, email)
}

// FindUserByCustomerID implements billing.UserDirectory
func (s *Storage) FindUserByCustomerID(ctx context.Context, customerID string) (*billing.User, error) {
	if customerID == "" {
		return nil, billing.ErrUserNotFound
	}
	return s.findUser(ctx, `stripe_customer_id = $1`, customerID)
}

// LinkCustomer implements billing.UserDirectory
func (s *Storage) LinkCustomer(ctx context.Context, userID, customerID string) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE profiles SET stripe_customer_id = $2 WHERE id = $1`, userID, customerID)
	if err != nil {
		return fmt.Errorf("failed to link customer: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return billing.ErrUserNotFound
	}
	return nil
}

// ListBillingUsers implements billing.UserDirectory
func (s *Storage) ListBillingUsers(ctx context.Context) ([]*billing.User, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, email, stripe_customer_id FROM profiles
			WHERE stripe_customer_id IS NOT NULL AND stripe_customer_id <> ''
			ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("failed to list billing users: %w", err)
	}
	defer rows.Close()

	var out []*billing.User
	for rows.Next() {
		u, err := scanUser(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan user: %w", err)
		}
		out = append(out, u)
	}
	return out, rows.Err()
}

// GetEntitlement implements billing.UserDirectory. A profile that was
// never written by the engine has no entitlement.
func (s *Storage) GetEntitlement(ctx context.Context, userID string) (*billing.UserEntitlement, error) {
	var ent billing.UserEntitlement
	var customerID *string
	var observedAt, updatedAt *time.Time

	err := s.pool.QueryRow(ctx,
		`SELECT id, subscription_status, subscription_tier, subscription_end_date,
				stripe_customer_id, subscription_id, entitlement_observed_at, entitlement_updated_at
			FROM profiles WHERE id = $1`,
		userID).Scan(
		&ent.UserID,
		&ent.SubscriptionStatus,
		&ent.SubscriptionTier,
		&ent.SubscriptionEndDate,
		&customerID,
		&ent.SubscriptionID,
		&observedAt,
		&updatedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) || (err == nil && updatedAt == nil) {
		return nil, billing.ErrEntitlementNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get entitlement: %w", err)
	}

	if customerID != nil {
		ent.CustomerID = *customerID
	}
	if observedAt != nil {
		ent.ObservedAt = *observedAt
	}
	ent.UpdatedAt = *updatedAt
	return &ent, nil
}

// SetEntitlement implements billing.UserDirectory. An empty customer id
// keeps the linked one.
func (s *Storage) SetEntitlement(ctx context.Context, ent *billing.UserEntitlement) (bool, error) {
	if ent == nil || ent.UserID == "" {
		return false, fmt.Errorf("invalid entitlement")
	}

	tag, err := s.pool.Exec(ctx,
		`UPDATE profiles SET
				subscription_status = $2,
				subscription_tier = $3,
				subscription_end_date = $4,
				stripe_customer_id = COALESCE(NULLIF($5, ''), stripe_customer_id),
				subscription_id = $6,
				entitlement_observed_at = $7,
				entitlement_updated_at = NOW()
			WHERE id = $1
				AND (entitlement_observed_at IS NULL OR entitlement_observed_at <= $7)`,
		ent.UserID, string(ent.SubscriptionStatus), string(ent.SubscriptionTier), ent.SubscriptionEndDate,
		ent.CustomerID, ent.SubscriptionID, ent.ObservedAt,
	)
	if err != nil {
		return false, fmt.Errorf("failed to set entitlement: %w", err)
	}
	if tag.RowsAffected() > 0 {
		return true, nil
	}

	var exists bool
	if err := s.pool.QueryRow(ctx,
		`SELECT EXISTS (SELECT 1 FROM profiles WHERE id = $1)`, ent.UserID).Scan(&exists); err != nil {
		return false, fmt.Errorf("failed to check profile: %w", err)
	}
	if !exists {
		return false, billing.ErrUserNotFound
	}
	return false, nil
}

// UpsertPayment implements billing.PaymentHistory
func (s *Storage) UpsertPayment(ctx context.Context, rec *billing.PaymentRecord) error {
	if rec == nil || rec.ID == "" {
		return fmt.Errorf("invalid payment record")
	}

	_, err := s.pool.Exec(ctx,
		`INSERT INTO payment_history
				(id, user_id, customer_id, invoice_id, subscription_id, amount, currency, status, description, created_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
			ON CONFLICT (id) DO UPDATE SET
				amount = EXCLUDED.amount,
				currency = EXCLUDED.currency,
				status = EXCLUDED.status,
				description = EXCLUDED.description`,
		rec.ID, rec.UserID, rec.CustomerID, rec.InvoiceID, rec.SubscriptionID,
		rec.Amount, rec.Currency, rec.Status, rec.Description, rec.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to upsert payment: %w", err)
	}
	return nil
}

// ListPayments implements billing.PaymentHistory
func (s *Storage) ListPayments(ctx context.Context, userID string, limit int) ([]*billing.PaymentRecord, error) {
	var lim any
	if limit > 0 {
		lim = limit
	}
	rows, err := s.pool.Query(ctx,
		`SELECT id, user_id, customer_id, invoice_id, subscription_id, amount, currency, status, description, created_at
			FROM payment_history
			WHERE user_id = $1
			ORDER BY created_at DESC
			LIMIT $2`,
		userID, lim)
	if err != nil {
		return nil, fmt.Errorf("failed to list payments: %w", err)
	}
	defer rows.Close()

	var out []*billing.PaymentRecord
	for rows.Next() {
		var rec billing.PaymentRecord
		if err := rows.Scan(
			&rec.ID,
			&rec.UserID,
			&rec.CustomerID,
			&rec.InvoiceID,
			&rec.SubscriptionID,
			&rec.Amount,
			&rec.Currency,
			&rec.Status,
			&rec.Description,
			&rec.CreatedAt,
		); err != nil {
			return nil, fmt.Errorf("failed to scan payment: %w", err)
		}
		out = append(out, &rec)
	}
	return out, rows.Err()
}

// RecordAudit implements billing.AuditLog
func (s *Storage) RecordAudit(ctx context.Context, entry *billing.AuditEntry) error {
	if entry == nil || entry.ID == "" {
		return fmt.Errorf("invalid audit entry")
	}

	var data []byte
	if len(entry.Data) > 0 {
		data = entry.Data
	}
	_, err := s.pool.Exec(ctx,
		`INSERT INTO audit_log (id, action, target_type, target_id, data, created_at)
			VALUES ($1, $2, $3, $4, $5, $6)
			ON CONFLICT (id) DO NOTHING`,
		entry.ID, entry.Action, entry.TargetType, entry.TargetID, data, entry.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to record audit entry: %w", err)
	}
	return nil
}

// LegacyProfiles writes entitlements to the old user_profiles table.
type LegacyProfiles struct {
	pool *pgxpool.Pool
}

// WriteEntitlement implements billing.LegacyEntitlementWriter
func (l *LegacyProfiles) WriteEntitlement(ctx context.Context, ent *billing.UserEntitlement) error {
	if ent == nil || ent.UserID == "" {
		return fmt.Errorf("invalid entitlement")
	}

	_, err := l.pool.Exec(ctx,
		`INSERT INTO user_profiles
				(user_id, subscription_status, subscription_tier, subscription_end_date, stripe_customer_id, updated_at)
			VALUES ($1, $2, $3, $4, $5, NOW())
			ON CONFLICT (user_id) DO UPDATE SET
				subscription_status = EXCLUDED.subscription_status,
				subscription_tier = EXCLUDED.subscription_tier,
				subscription_end_date = EXCLUDED.subscription_end_date,
				stripe_customer_id = EXCLUDED.stripe_customer_id,
				updated_at = EXCLUDED.updated_at`,
		ent.UserID, string(ent.SubscriptionStatus), string(ent.SubscriptionTier),
		ent.SubscriptionEndDate, ent.CustomerID,
	)
	if err != nil {
		return fmt.Errorf("failed to write legacy entitlement: %w", err)
	}
	return nil
}
