package billing

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/google/uuid"
)

// ServiceConfig holds the settings for the session service.
type ServiceConfig struct {
	// SiteURL is the public base URL used to build checkout redirect targets.
	SiteURL string `env:"SITE_BASE_URL,required"`
}

// Service issues outbound provider sessions on behalf of authenticated
// users: new subscription checkouts, billing portal redirects and
// cancellation commands. It holds no state machine of its own; all local
// state changes flow through the webhook pipeline.
type Service struct {
	catalog   *PlanCatalog
	providers map[ProviderName]Provider
	store     Store
	siteURL   string
	log       *slog.Logger
}

// NewService creates the session service. At least one provider is required.
func NewService(catalog *PlanCatalog, store Store, log *slog.Logger, cfg ServiceConfig, providers ...Provider) (*Service, error) {
	if catalog == nil {
		panic("billing: PlanCatalog is required")
	}
	if store == nil {
		panic("billing: Store is required")
	}
	if log == nil {
		panic("billing: logger is required")
	}
	if len(providers) == 0 {
		return nil, errors.Join(ErrConfiguration, errors.New("at least one billing provider is required"))
	}
	if cfg.SiteURL == "" {
		return nil, errors.Join(ErrConfiguration, errors.New("site base URL is required"))
	}

	s := &Service{
		catalog:   catalog,
		providers: make(map[ProviderName]Provider, len(providers)),
		store:     store,
		siteURL:   strings.TrimRight(cfg.SiteURL, "/"),
		log:       log,
	}
	for _, p := range providers {
		s.providers[p.Name()] = p
	}
	return s, nil
}

// CreateCheckoutSession opens a hosted checkout for the given plan and
// returns its URL. The plan decides which provider handles the checkout.
func (s *Service) CreateCheckoutSession(ctx context.Context, userID uuid.UUID, planID string) (string, error) {
	if userID == uuid.Nil {
		return "", errors.Join(ErrValidation, errors.New("user id is required"))
	}
	if planID == "" {
		return "", errors.Join(ErrValidation, errors.New("plan id is required"))
	}

	plan, err := s.catalog.Get(planID)
	if err != nil {
		// A plan the catalog does not know is an operator problem, not a
		// user one: the price mapping is missing.
		return "", errors.Join(ErrConfiguration, fmt.Errorf("no price mapping for plan %q", planID))
	}

	provider, ok := s.providers[plan.Provider]
	if !ok {
		return "", errors.Join(ErrConfiguration, ErrProviderNotFound)
	}

	// One live subscription per user. Cancelled rows may be revived through
	// a fresh checkout, anything else blocks.
	if sub, err := s.store.GetSubscription(ctx, userID); err == nil {
		if !sub.IsCancelled() {
			return "", ErrSubscriptionAlreadyExists
		}
	} else if !errors.Is(err, ErrSubscriptionNotFound) {
		return "", err
	}

	sess, err := provider.CreateCheckoutSession(ctx, CheckoutRequest{
		UserID:     userID,
		PlanID:     plan.ID,
		PriceID:    plan.PriceID,
		SuccessURL: s.siteURL + "/billing/success?session_id={CHECKOUT_SESSION_ID}",
		CancelURL:  s.siteURL + "/billing/cancelled",
	})
	if err != nil {
		return "", err
	}

	s.log.InfoContext(ctx, "checkout session created",
		slog.String("user_id", userID.String()),
		slog.String("plan_id", planID),
		slog.String("provider", string(plan.Provider)))
	return sess.URL, nil
}

// CreatePortalSession returns a customer portal URL for the user's stored
// subscription. The provider customer id comes from persisted state, never
// from the request, so a caller cannot open a portal for an arbitrary
// customer.
func (s *Service) CreatePortalSession(ctx context.Context, userID uuid.UUID) (string, error) {
	if userID == uuid.Nil {
		return "", errors.Join(ErrValidation, errors.New("user id is required"))
	}

	sub, err := s.store.GetSubscription(ctx, userID)
	if err != nil {
		return "", err
	}

	profile, err := s.store.GetProfile(ctx, userID)
	if err != nil {
		return "", err
	}

	customerID := profile.CustomerID(sub.Provider)
	if customerID == "" {
		return "", ErrCustomerNotLinked
	}

	provider, ok := s.providers[sub.Provider]
	if !ok {
		return "", errors.Join(ErrConfiguration, ErrProviderNotFound)
	}

	sess, err := provider.CreatePortalSession(ctx, customerID, sub.ExternalID)
	if err != nil {
		return "", err
	}
	return sess.URL, nil
}

// CancelSubscription issues a cancel-at-period-end command to the owning
// provider. Local state is deliberately untouched: the provider's
// cancellation webhook is the single authority for the status flip, keeping
// "cancellation requested" and "cancellation effective" distinct.
func (s *Service) CancelSubscription(ctx context.Context, subscriptionExternalID string) error {
	if subscriptionExternalID == "" {
		return errors.Join(ErrValidation, errors.New("subscription id is required"))
	}

	for name, provider := range s.providers {
		sub, err := s.store.GetSubscriptionByExternalID(ctx, name, subscriptionExternalID)
		if errors.Is(err, ErrSubscriptionNotFound) {
			continue
		}
		if err != nil {
			return err
		}

		if err := provider.CancelSubscription(ctx, sub.ExternalID); err != nil {
			return err
		}

		s.log.InfoContext(ctx, "cancellation requested at provider",
			slog.String("subscription_id", subscriptionExternalID),
			slog.String("provider", string(name)))
		return nil
	}

	return ErrSubscriptionNotFound
}

// GetSubscription returns the user's subscription row.
func (s *Service) GetSubscription(ctx context.Context, userID uuid.UUID) (*Subscription, error) {
	if userID == uuid.Nil {
		return nil, errors.Join(ErrValidation, errors.New("user id is required"))
	}
	return s.store.GetSubscription(ctx, userID)
}

// Provider returns the registered provider implementation by name.
func (s *Service) Provider(name ProviderName) (Provider, error) {
	provider, ok := s.providers[name]
	if !ok {
		return nil, ErrProviderNotFound
	}
	return provider, nil
}
