package billing

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// ProviderName identifies a payment provider integration.
type ProviderName string

const (
	ProviderStripe ProviderName = "stripe"
	ProviderPaddle ProviderName = "paddle"
)

// EventKind is the canonical, provider-agnostic billing event type.
// The set is closed: the reconciler switches over it exhaustively, so adding
// a kind is a compile-visible change rather than a silently ignored branch.
type EventKind string

const (
	EventCheckoutCompleted     EventKind = "checkout_completed"
	EventSubscriptionActivated EventKind = "subscription_activated"
	EventSubscriptionCancelled EventKind = "subscription_cancelled"
	EventPaymentSucceeded      EventKind = "payment_succeeded"

	// EventUnhandled marks provider events the system intentionally ignores.
	// They are acknowledged so the provider does not retry them.
	EventUnhandled EventKind = "unhandled"
)

// Event is the canonical representation of a billing lifecycle occurrence,
// produced by a provider's normalizer and consumed by the reconciler.
type Event struct {
	Kind          EventKind
	Provider      ProviderName
	ProviderEvent string // original provider event name, for logs and the ledger
	Fingerprint   string // unique per delivery-intent, used for idempotency

	// UserID is recovered from checkout metadata when present. When the
	// provider payload carries no metadata (renewal invoices, for example)
	// it is uuid.Nil and the reconciler resolves the user through the
	// provider customer id instead.
	UserID     uuid.UUID
	CustomerID string // provider's customer id

	SubscriptionID string // provider's subscription id
	PriceID        string
	PlanID         string

	PaymentID     string // provider's payment/invoice/transaction id, empty if none
	Amount        int64  // minor units
	Currency      string
	PaymentMethod string

	Status     string    // provider-reported subscription status, if any
	OccurredAt time.Time // provider event timestamp; zero when not supplied

	PeriodStart *time.Time
	PeriodEnd   *time.Time

	Raw json.RawMessage // exact payload as delivered, kept for audit/replay
}

// FallbackFingerprint builds a deterministic fingerprint for providers that
// omit an event id. Weaker than a provider-assigned id: two distinct events
// with identical type, timestamp and object id would collide.
func FallbackFingerprint(provider ProviderName, eventType, occurredAt, objectID string) string {
	sum := sha256.Sum256(fmt.Appendf(nil, "%s|%s|%s|%s", provider, eventType, occurredAt, objectID))
	return fmt.Sprintf("%s:sha256:%s", provider, hex.EncodeToString(sum[:]))
}
