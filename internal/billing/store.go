package billing

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// Profile is the per-user billing summary. Only the reconciler mutates it;
// the access gate reads it.
type Profile struct {
	UserID             uuid.UUID
	StripeCustomerID   string
	PaddleCustomerID   string
	SubscriptionStatus ProfileStatus
	CreatedAt          time.Time
	UpdatedAt          time.Time
}

// CustomerID returns the stored customer id for the given provider.
func (p *Profile) CustomerID(provider ProviderName) string {
	switch provider {
	case ProviderStripe:
		return p.StripeCustomerID
	case ProviderPaddle:
		return p.PaddleCustomerID
	default:
		return ""
	}
}

// Subscription is the single live subscription row per user. Cancellation is
// a status transition; rows are never deleted so payment records keep their
// owning relation.
type Subscription struct {
	ID         uuid.UUID
	UserID     uuid.UUID
	Provider   ProviderName
	ExternalID string // provider's subscription id
	PriceID    string
	PlanID     string
	Status     SubscriptionStatus

	CurrentPeriodStart *time.Time
	CurrentPeriodEnd   *time.Time

	CreatedAt time.Time
	// UpdatedAt carries the provider timestamp of the last applied event and
	// is the monotonicity watermark: events older than it do not mutate state.
	UpdatedAt time.Time
}

// IsActive reports whether the subscription is in the active state.
func (s *Subscription) IsActive() bool { return s.Status == StatusActive }

// IsCancelled reports whether the subscription is in the cancelled state.
func (s *Subscription) IsCancelled() bool { return s.Status == StatusCancelled }

// PaymentRecord is one append-only ledger row per successful charge.
type PaymentRecord struct {
	ID             uuid.UUID
	UserID         uuid.UUID
	SubscriptionID uuid.UUID
	ExternalID     string // unique; replays must not create a second row
	Amount         int64  // minor units
	Currency       string
	Status         string
	PaymentMethod  string
	CreatedAt      time.Time
}

// LedgerEntry is one row per accepted inbound webhook event.
type LedgerEntry struct {
	Fingerprint string
	Provider    ProviderName
	EventType   string
	Payload     []byte
	Processed   bool
	ProcessedAt *time.Time
	ReceivedAt  time.Time
}

// Store is the narrow persistence contract shared by the reconciler, the
// session service and the access gate. The postgres implementation lives in
// internal/storage.
type Store interface {
	// AdmitEvent inserts the ledger row for an inbound event. It reports
	// true when the event still needs applying: the row was newly inserted,
	// or it already exists but its reconciliation never committed. Only a
	// duplicate of a processed event reports false. The insert must be
	// atomic with respect to concurrent deliveries of the same event.
	AdmitEvent(ctx context.Context, entry LedgerEntry) (pending bool, err error)

	// ListUnprocessedEvents returns admitted-but-unprocessed ledger rows,
	// oldest first, for the reprocessing sweep.
	ListUnprocessedEvents(ctx context.Context, limit int) ([]LedgerEntry, error)

	GetProfile(ctx context.Context, userID uuid.UUID) (*Profile, error)
	GetProfileByCustomerID(ctx context.Context, provider ProviderName, customerID string) (*Profile, error)

	GetSubscription(ctx context.Context, userID uuid.UUID) (*Subscription, error)
	GetSubscriptionByExternalID(ctx context.Context, provider ProviderName, externalID string) (*Subscription, error)

	// InUserTx runs fn inside a single transaction that holds the per-user
	// advisory lock, serializing reconciliation for one user while leaving
	// other users fully parallel. All writes made through tx commit
	// atomically or not at all.
	InUserTx(ctx context.Context, userID uuid.UUID, fn func(tx Tx) error) error
}

// Tx exposes the writes a reconciliation may perform. Implementations apply
// them within the transaction opened by Store.InUserTx.
type Tx interface {
	GetSubscription(ctx context.Context, userID uuid.UUID) (*Subscription, error)
	UpsertSubscription(ctx context.Context, sub *Subscription) error
	SetProfileStatus(ctx context.Context, userID uuid.UUID, status ProfileStatus) error
	SetProfileCustomerID(ctx context.Context, userID uuid.UUID, provider ProviderName, customerID string) error

	// InsertPaymentRecord is a no-op when a record with the same external
	// payment id already exists.
	InsertPaymentRecord(ctx context.Context, rec *PaymentRecord) error

	MarkEventProcessed(ctx context.Context, fingerprint string) error
}
