// Package storage is the postgres persistence layer behind the billing
// store contract. All reconciliation writes flow through InUserTx, which
// serializes work per user with an advisory lock so concurrent webhook
// deliveries for the same user cannot interleave.
package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/mapperly/billing/internal/billing"
	"github.com/mapperly/billing/pkg/pg"
)

// Store implements billing.Store on a pgx connection pool.
type Store struct {
	pool *pgxpool.Pool
}

// NewStore creates a postgres-backed billing store.
func NewStore(pool *pgxpool.Pool) *Store {
	if pool == nil {
		panic("storage: pgx pool is required")
	}
	return &Store{pool: pool}
}

// AdmitEvent inserts the ledger row for an inbound event and reports whether
// it still needs applying. The primary key on fingerprint makes the insert
// race-safe; the no-op DO UPDATE makes RETURNING yield the existing row on
// conflict, so a replay of a row whose reconciliation never committed still
// reports pending and gets applied by the retry.
func (s *Store) AdmitEvent(ctx context.Context, entry billing.LedgerEntry) (bool, error) {
	var processed bool
	err := s.pool.QueryRow(ctx, `
		INSERT INTO webhook_events (fingerprint, provider, event_type, payload, received_at)
		VALUES ($1, $2, $3, $4::jsonb, now())
		ON CONFLICT (fingerprint) DO UPDATE SET fingerprint = webhook_events.fingerprint
		RETURNING processed`,
		entry.Fingerprint, string(entry.Provider), entry.EventType, string(entry.Payload)).Scan(&processed)
	if err != nil {
		return false, fmt.Errorf("failed to admit webhook event: %w", err)
	}
	return !processed, nil
}

// ListUnprocessedEvents returns admitted rows whose reconciliation never
// committed, oldest first.
func (s *Store) ListUnprocessedEvents(ctx context.Context, limit int) ([]billing.LedgerEntry, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT fingerprint, provider, event_type, payload, processed, processed_at, received_at
		FROM webhook_events
		WHERE NOT processed
		ORDER BY received_at ASC
		LIMIT $1`, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list unprocessed events: %w", err)
	}
	defer rows.Close()

	var entries []billing.LedgerEntry
	for rows.Next() {
		var e billing.LedgerEntry
		var provider string
		if err := rows.Scan(&e.Fingerprint, &provider, &e.EventType, &e.Payload,
			&e.Processed, &e.ProcessedAt, &e.ReceivedAt); err != nil {
			return nil, fmt.Errorf("failed to scan webhook event: %w", err)
		}
		e.Provider = billing.ProviderName(provider)
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate webhook events: %w", err)
	}
	return entries, nil
}

const profileColumns = `user_id, stripe_customer_id, paddle_customer_id, subscription_status, created_at, updated_at`

func scanProfile(row pgx.Row) (*billing.Profile, error) {
	var p billing.Profile
	var status string
	err := row.Scan(&p.UserID, &p.StripeCustomerID, &p.PaddleCustomerID, &status, &p.CreatedAt, &p.UpdatedAt)
	if pg.IsNotFoundError(err) {
		return nil, billing.ErrProfileNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan profile: %w", err)
	}
	p.SubscriptionStatus = billing.ProfileStatus(status)
	return &p, nil
}

func (s *Store) GetProfile(ctx context.Context, userID uuid.UUID) (*billing.Profile, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+profileColumns+` FROM profiles WHERE user_id = $1`, userID)
	return scanProfile(row)
}

func (s *Store) GetProfileByCustomerID(ctx context.Context, provider billing.ProviderName, customerID string) (*billing.Profile, error) {
	column, err := customerColumn(provider)
	if err != nil {
		return nil, err
	}
	row := s.pool.QueryRow(ctx,
		`SELECT `+profileColumns+` FROM profiles WHERE `+column+` = $1`, customerID)
	return scanProfile(row)
}

const subscriptionColumns = `id, user_id, provider, external_id, price_id, plan_id, status,
	current_period_start, current_period_end, created_at, updated_at`

func scanSubscription(row pgx.Row) (*billing.Subscription, error) {
	var sub billing.Subscription
	var provider, status string
	err := row.Scan(&sub.ID, &sub.UserID, &provider, &sub.ExternalID, &sub.PriceID, &sub.PlanID,
		&status, &sub.CurrentPeriodStart, &sub.CurrentPeriodEnd, &sub.CreatedAt, &sub.UpdatedAt)
	if pg.IsNotFoundError(err) {
		return nil, billing.ErrSubscriptionNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan subscription: %w", err)
	}
	sub.Provider = billing.ProviderName(provider)
	sub.Status = billing.SubscriptionStatus(status)
	return &sub, nil
}

func (s *Store) GetSubscription(ctx context.Context, userID uuid.UUID) (*billing.Subscription, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+subscriptionColumns+` FROM subscriptions WHERE user_id = $1`, userID)
	return scanSubscription(row)
}

func (s *Store) GetSubscriptionByExternalID(ctx context.Context, provider billing.ProviderName, externalID string) (*billing.Subscription, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+subscriptionColumns+` FROM subscriptions WHERE provider = $1 AND external_id = $2`,
		string(provider), externalID)
	return scanSubscription(row)
}

// InUserTx runs fn inside one transaction holding the per-user advisory
// lock. The lock is transaction-scoped, so it releases on commit or rollback
// without explicit bookkeeping.
func (s *Store) InUserTx(ctx context.Context, userID uuid.UUID, fn func(tx billing.Tx) error) error {
	return pgx.BeginFunc(ctx, s.pool, func(ptx pgx.Tx) error {
		if _, err := ptx.Exec(ctx, `SELECT pg_advisory_xact_lock(hashtext($1::text))`, userID); err != nil {
			return fmt.Errorf("failed to acquire user lock: %w", err)
		}
		return fn(&storeTx{tx: ptx})
	})
}

// storeTx implements billing.Tx over an open pgx transaction.
type storeTx struct {
	tx pgx.Tx
}

func (t *storeTx) GetSubscription(ctx context.Context, userID uuid.UUID) (*billing.Subscription, error) {
	row := t.tx.QueryRow(ctx,
		`SELECT `+subscriptionColumns+` FROM subscriptions WHERE user_id = $1`, userID)
	return scanSubscription(row)
}

func (t *storeTx) UpsertSubscription(ctx context.Context, sub *billing.Subscription) error {
	if sub.ID == uuid.Nil {
		sub.ID = uuid.New()
	}
	if sub.CreatedAt.IsZero() {
		sub.CreatedAt = time.Now().UTC()
	}
	_, err := t.tx.Exec(ctx, `
		INSERT INTO subscriptions
			(id, user_id, provider, external_id, price_id, plan_id, status,
			 current_period_start, current_period_end, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		ON CONFLICT (user_id) DO UPDATE SET
			provider = EXCLUDED.provider,
			external_id = EXCLUDED.external_id,
			price_id = EXCLUDED.price_id,
			plan_id = EXCLUDED.plan_id,
			status = EXCLUDED.status,
			current_period_start = EXCLUDED.current_period_start,
			current_period_end = EXCLUDED.current_period_end,
			updated_at = EXCLUDED.updated_at`,
		sub.ID, sub.UserID, string(sub.Provider), sub.ExternalID, sub.PriceID, sub.PlanID,
		string(sub.Status), sub.CurrentPeriodStart, sub.CurrentPeriodEnd, sub.CreatedAt, sub.UpdatedAt)
	if err != nil {
		return fmt.Errorf("failed to upsert subscription: %w", err)
	}
	return nil
}

func (t *storeTx) SetProfileStatus(ctx context.Context, userID uuid.UUID, status billing.ProfileStatus) error {
	_, err := t.tx.Exec(ctx, `
		INSERT INTO profiles (user_id, subscription_status)
		VALUES ($1, $2)
		ON CONFLICT (user_id) DO UPDATE SET
			subscription_status = EXCLUDED.subscription_status,
			updated_at = now()`,
		userID, string(status))
	if err != nil {
		return fmt.Errorf("failed to set profile status: %w", err)
	}
	return nil
}

func (t *storeTx) SetProfileCustomerID(ctx context.Context, userID uuid.UUID, provider billing.ProviderName, customerID string) error {
	column, err := customerColumn(provider)
	if err != nil {
		return err
	}
	_, err = t.tx.Exec(ctx, `
		INSERT INTO profiles (user_id, `+column+`)
		VALUES ($1, $2)
		ON CONFLICT (user_id) DO UPDATE SET
			`+column+` = EXCLUDED.`+column+`,
			updated_at = now()`,
		userID, customerID)
	if err != nil {
		return fmt.Errorf("failed to set profile customer id: %w", err)
	}
	return nil
}

// InsertPaymentRecord appends one payment row. Replays of the same provider
// payment id are absorbed by the unique constraint.
func (t *storeTx) InsertPaymentRecord(ctx context.Context, rec *billing.PaymentRecord) error {
	if rec.ID == uuid.Nil {
		rec.ID = uuid.New()
	}
	_, err := t.tx.Exec(ctx, `
		INSERT INTO payment_records
			(id, user_id, subscription_id, external_id, amount, currency, status, payment_method)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (external_id) DO NOTHING`,
		rec.ID, rec.UserID, rec.SubscriptionID, rec.ExternalID,
		rec.Amount, rec.Currency, rec.Status, rec.PaymentMethod)
	if err != nil {
		return fmt.Errorf("failed to insert payment record: %w", err)
	}
	return nil
}

func (t *storeTx) MarkEventProcessed(ctx context.Context, fingerprint string) error {
	tag, err := t.tx.Exec(ctx, `
		UPDATE webhook_events
		SET processed = TRUE, processed_at = now()
		WHERE fingerprint = $1`, fingerprint)
	if err != nil {
		return fmt.Errorf("failed to mark event processed: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("no ledger row for fingerprint %s", fingerprint)
	}
	return nil
}

func customerColumn(provider billing.ProviderName) (string, error) {
	// Column names are fixed by this switch; provider input never reaches SQL.
	switch provider {
	case billing.ProviderStripe:
		return "stripe_customer_id", nil
	case billing.ProviderPaddle:
		return "paddle_customer_id", nil
	default:
		return "", errors.Join(billing.ErrValidation, fmt.Errorf("unknown provider %q", provider))
	}
}
