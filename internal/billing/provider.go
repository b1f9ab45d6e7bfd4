package billing

import (
	"context"

	"github.com/google/uuid"
)

// Provider abstracts a payment provider integration. Implementations verify
// webhook signatures against the exact raw request body, normalize payloads
// into canonical events, and issue outbound session commands through the
// provider's SDK.
type Provider interface {
	Name() ProviderName

	// ParseWebhook verifies the signature over the raw body and normalizes
	// the payload. Returns ErrSignatureInvalid when verification fails;
	// events of types the system ignores come back with Kind EventUnhandled.
	ParseWebhook(ctx context.Context, payload []byte, signature string) (*Event, error)

	// Normalize maps an already-verified raw payload into a canonical event.
	// The reprocessing sweep uses it for stored payloads, which were
	// signature-checked on arrival.
	Normalize(payload []byte) (*Event, error)

	// CreateCheckoutSession creates a hosted checkout for a new subscription.
	// UserID and PlanID are embedded in provider-visible metadata so the
	// webhook path can recover them without a pre-existing local mapping.
	CreateCheckoutSession(ctx context.Context, req CheckoutRequest) (*CheckoutSession, error)

	// CreatePortalSession returns a pre-authenticated customer portal link.
	// The customer id comes from stored state, never from caller input.
	CreatePortalSession(ctx context.Context, customerID, subscriptionExternalID string) (*PortalSession, error)

	// CancelSubscription issues a cancel-at-period-end command. Local state
	// is not touched here; the provider's cancellation webhook is the sole
	// authority for the status flip.
	CancelSubscription(ctx context.Context, subscriptionExternalID string) error
}

// CheckoutRequest carries everything a provider needs to open a checkout.
type CheckoutRequest struct {
	UserID     uuid.UUID
	PlanID     string
	PriceID    string
	Email      string
	SuccessURL string
	CancelURL  string
}

// CheckoutSession is a hosted checkout created at the provider.
type CheckoutSession struct {
	URL       string
	SessionID string
}

// PortalSession is a pre-authenticated customer portal link.
type PortalSession struct {
	URL string
}
