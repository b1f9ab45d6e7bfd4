package billing

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/stripe/stripe-go/v78"
	"github.com/stripe/stripe-go/v78/client"
	"github.com/stripe/stripe-go/v78/webhook"
)

// StripeConfig holds configuration for the Stripe billing provider.
type StripeConfig struct {
	APIKey        string `env:"STRIPE_API_KEY,required"`
	WebhookSecret string `env:"STRIPE_WEBHOOK_SECRET,required"`
}

// StripeProvider implements Provider for Stripe checkout subscriptions.
type StripeProvider struct {
	client        *client.API
	webhookSecret string
}

// NewStripeProvider creates a Stripe billing provider with its own API
// client; no package-level stripe globals are touched.
func NewStripeProvider(cfg StripeConfig) (*StripeProvider, error) {
	if cfg.APIKey == "" {
		return nil, errors.Join(ErrConfiguration, errors.New("stripe API key is required"))
	}
	if cfg.WebhookSecret == "" {
		return nil, errors.Join(ErrConfiguration, errors.New("stripe webhook secret is required"))
	}

	return &StripeProvider{
		client:        client.New(cfg.APIKey, nil),
		webhookSecret: cfg.WebhookSecret,
	}, nil
}

func (p *StripeProvider) Name() ProviderName { return ProviderStripe }

// ParseWebhook verifies the Stripe-Signature header over the exact raw body
// and normalizes the event. The body must not be re-serialized before
// verification; whitespace differences break the signature.
func (p *StripeProvider) ParseWebhook(ctx context.Context, payload []byte, signature string) (*Event, error) {
	event, err := webhook.ConstructEventWithOptions(payload, signature, p.webhookSecret,
		webhook.ConstructEventOptions{IgnoreAPIVersionMismatch: true})
	if err != nil {
		return nil, errors.Join(ErrSignatureInvalid, err)
	}
	return p.normalize(event, payload)
}

// Normalize maps a raw Stripe event envelope without signature verification.
func (p *StripeProvider) Normalize(payload []byte) (*Event, error) {
	var event stripe.Event
	if err := json.Unmarshal(payload, &event); err != nil {
		return nil, errors.Join(ErrValidation, fmt.Errorf("failed to parse stripe event: %w", err))
	}
	return p.normalize(event, payload)
}

func (p *StripeProvider) normalize(event stripe.Event, payload []byte) (*Event, error) {
	evt := &Event{
		Kind:          EventUnhandled,
		Provider:      ProviderStripe,
		ProviderEvent: string(event.Type),
		Fingerprint:   fmt.Sprintf("stripe:%s", event.ID),
		OccurredAt:    time.Unix(event.Created, 0).UTC(),
		Raw:           payload,
	}

	switch event.Type {
	case "checkout.session.completed":
		var sess stripe.CheckoutSession
		if err := json.Unmarshal(event.Data.Raw, &sess); err != nil {
			return nil, errors.Join(ErrValidation, fmt.Errorf("failed to parse checkout session: %w", err))
		}
		// One-time payment sessions carry no subscription and are not ours.
		if sess.Subscription == nil {
			return evt, nil
		}
		evt.Kind = EventCheckoutCompleted
		evt.SubscriptionID = sess.Subscription.ID
		evt.Amount = sess.AmountTotal
		evt.Currency = string(sess.Currency)
		evt.Status = "active"
		if sess.Customer != nil {
			evt.CustomerID = sess.Customer.ID
		}
		if sess.Invoice != nil {
			evt.PaymentID = sess.Invoice.ID
		}
		applyStripeMetadata(evt, sess.Metadata)

	case "customer.subscription.updated", "customer.subscription.deleted":
		var sub stripe.Subscription
		if err := json.Unmarshal(event.Data.Raw, &sub); err != nil {
			return nil, errors.Join(ErrValidation, fmt.Errorf("failed to parse subscription: %w", err))
		}

		switch {
		case event.Type == "customer.subscription.deleted":
			evt.Kind = EventSubscriptionCancelled
		case sub.Status == stripe.SubscriptionStatusActive || sub.Status == stripe.SubscriptionStatusTrialing:
			evt.Kind = EventSubscriptionActivated
		case sub.Status == stripe.SubscriptionStatusCanceled ||
			sub.Status == stripe.SubscriptionStatusUnpaid ||
			sub.Status == stripe.SubscriptionStatusIncompleteExpired:
			evt.Kind = EventSubscriptionCancelled
		default:
			// incomplete / past_due updates carry no transition we act on.
			return evt, nil
		}

		evt.SubscriptionID = sub.ID
		evt.Status = string(sub.Status)
		if sub.Customer != nil {
			evt.CustomerID = sub.Customer.ID
		}
		if sub.Items != nil && len(sub.Items.Data) > 0 && sub.Items.Data[0].Price != nil {
			evt.PriceID = sub.Items.Data[0].Price.ID
		}
		setUnixPeriod(evt, sub.CurrentPeriodStart, sub.CurrentPeriodEnd)
		applyStripeMetadata(evt, sub.Metadata)

	case "invoice.payment_succeeded":
		var inv stripe.Invoice
		if err := json.Unmarshal(event.Data.Raw, &inv); err != nil {
			return nil, errors.Join(ErrValidation, fmt.Errorf("failed to parse invoice: %w", err))
		}
		// Invoices outside a subscription (one-off charges) are ignored.
		if inv.Subscription == nil {
			return evt, nil
		}
		evt.Kind = EventPaymentSucceeded
		evt.SubscriptionID = inv.Subscription.ID
		evt.PaymentID = inv.ID
		evt.Amount = inv.AmountPaid
		evt.Currency = string(inv.Currency)
		if inv.Customer != nil {
			evt.CustomerID = inv.Customer.ID
		}
		setUnixPeriod(evt, inv.PeriodStart, inv.PeriodEnd)
	}

	return evt, nil
}

// CreateCheckoutSession opens a hosted subscription checkout. The user and
// plan ids ride along as metadata on both the session and the subscription it
// creates, so every later webhook can be attributed without a local mapping.
func (p *StripeProvider) CreateCheckoutSession(ctx context.Context, req CheckoutRequest) (*CheckoutSession, error) {
	params := &stripe.CheckoutSessionParams{
		Mode:              stripe.String(string(stripe.CheckoutSessionModeSubscription)),
		SuccessURL:        stripe.String(req.SuccessURL),
		CancelURL:         stripe.String(req.CancelURL),
		ClientReferenceID: stripe.String(req.UserID.String()),
		LineItems: []*stripe.CheckoutSessionLineItemParams{{
			Price:    stripe.String(req.PriceID),
			Quantity: stripe.Int64(1),
		}},
		SubscriptionData: &stripe.CheckoutSessionSubscriptionDataParams{
			Metadata: map[string]string{
				"user_id": req.UserID.String(),
				"plan_id": req.PlanID,
			},
		},
	}
	params.Context = ctx
	params.AddMetadata("user_id", req.UserID.String())
	params.AddMetadata("plan_id", req.PlanID)
	if req.Email != "" {
		params.CustomerEmail = stripe.String(req.Email)
	}

	sess, err := p.client.CheckoutSessions.New(params)
	if err != nil {
		return nil, fmt.Errorf("failed to create stripe checkout session: %w", err)
	}
	if sess.URL == "" {
		return nil, errors.New("no checkout URL returned from stripe")
	}

	return &CheckoutSession{URL: sess.URL, SessionID: sess.ID}, nil
}

// CreatePortalSession returns a billing portal link for the stored customer.
func (p *StripeProvider) CreatePortalSession(ctx context.Context, customerID, _ string) (*PortalSession, error) {
	if customerID == "" {
		return nil, errors.Join(ErrValidation, errors.New("stripe customer id is required"))
	}

	params := &stripe.BillingPortalSessionParams{
		Customer: stripe.String(customerID),
	}
	params.Context = ctx

	sess, err := p.client.BillingPortalSessions.New(params)
	if err != nil {
		return nil, fmt.Errorf("failed to create stripe portal session: %w", err)
	}
	return &PortalSession{URL: sess.URL}, nil
}

// CancelSubscription flags the subscription to cancel at period end. The
// local status flips only when the resulting cancellation webhook arrives.
func (p *StripeProvider) CancelSubscription(ctx context.Context, subscriptionExternalID string) error {
	if subscriptionExternalID == "" {
		return errors.Join(ErrValidation, errors.New("subscription id is required"))
	}

	params := &stripe.SubscriptionParams{
		CancelAtPeriodEnd: stripe.Bool(true),
	}
	params.Context = ctx

	if _, err := p.client.Subscriptions.Update(subscriptionExternalID, params); err != nil {
		return fmt.Errorf("failed to cancel stripe subscription: %w", err)
	}
	return nil
}

func applyStripeMetadata(evt *Event, metadata map[string]string) {
	if metadata == nil {
		return
	}
	if raw, ok := metadata["user_id"]; ok {
		if id, err := uuid.Parse(raw); err == nil {
			evt.UserID = id
		}
	}
	if planID, ok := metadata["plan_id"]; ok {
		evt.PlanID = planID
	}
}

func setUnixPeriod(evt *Event, start, end int64) {
	if start > 0 {
		t := time.Unix(start, 0).UTC()
		evt.PeriodStart = &t
	}
	if end > 0 {
		t := time.Unix(end, 0).UTC()
		evt.PeriodEnd = &t
	}
}
