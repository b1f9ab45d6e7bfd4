package billing

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type staticPlanSource map[string]Plan

func (s staticPlanSource) Load(context.Context) (map[string]Plan, error) { return s, nil }

func testCatalog(t *testing.T) *PlanCatalog {
	t.Helper()
	catalog, err := NewPlanCatalog(context.Background(), staticPlanSource{
		"pro-monthly": {ID: "pro-monthly", Provider: ProviderStripe, PriceID: "price_1", Amount: 4900, Currency: "usd", Interval: BillingIntervalMonthly},
	})
	require.NoError(t, err)
	return catalog
}

func newTestService(t *testing.T, store Store, providers ...Provider) *Service {
	t.Helper()
	if len(providers) == 0 {
		providers = []Provider{&stubProvider{}}
	}
	svc, err := NewService(testCatalog(t), store, testLogger(),
		ServiceConfig{SiteURL: "https://app.test"}, providers...)
	require.NoError(t, err)
	return svc
}

func TestService_CreateCheckoutSession(t *testing.T) {
	t.Parallel()

	ctx := context.Background()

	t.Run("returns checkout URL", func(t *testing.T) {
		t.Parallel()

		svc := newTestService(t, newMemStore())
		url, err := svc.CreateCheckoutSession(ctx, uuid.New(), "pro-monthly")
		require.NoError(t, err)
		assert.Equal(t, "https://checkout.test/session", url)
	})

	t.Run("missing user id", func(t *testing.T) {
		t.Parallel()

		svc := newTestService(t, newMemStore())
		_, err := svc.CreateCheckoutSession(ctx, uuid.Nil, "pro-monthly")
		assert.ErrorIs(t, err, ErrValidation)
	})

	t.Run("missing plan id", func(t *testing.T) {
		t.Parallel()

		svc := newTestService(t, newMemStore())
		_, err := svc.CreateCheckoutSession(ctx, uuid.New(), "")
		assert.ErrorIs(t, err, ErrValidation)
	})

	t.Run("unknown plan is a configuration error", func(t *testing.T) {
		t.Parallel()

		svc := newTestService(t, newMemStore())
		_, err := svc.CreateCheckoutSession(ctx, uuid.New(), "enterprise")
		assert.ErrorIs(t, err, ErrConfiguration)
	})

	t.Run("live subscription blocks a second checkout", func(t *testing.T) {
		t.Parallel()

		store := newMemStore()
		userID := uuid.New()
		store.subs[userID] = &Subscription{UserID: userID, Provider: ProviderStripe, ExternalID: "sub_1", Status: StatusActive}

		svc := newTestService(t, store)
		_, err := svc.CreateCheckoutSession(ctx, userID, "pro-monthly")
		assert.ErrorIs(t, err, ErrSubscriptionAlreadyExists)
	})

	t.Run("cancelled subscription may start a new checkout", func(t *testing.T) {
		t.Parallel()

		store := newMemStore()
		userID := uuid.New()
		store.subs[userID] = &Subscription{UserID: userID, Provider: ProviderStripe, ExternalID: "sub_1", Status: StatusCancelled}

		svc := newTestService(t, store)
		_, err := svc.CreateCheckoutSession(ctx, userID, "pro-monthly")
		assert.NoError(t, err)
	})
}

func TestService_CreatePortalSession(t *testing.T) {
	t.Parallel()

	ctx := context.Background()

	t.Run("returns portal URL from stored state", func(t *testing.T) {
		t.Parallel()

		store := newMemStore()
		userID := uuid.New()
		store.subs[userID] = &Subscription{UserID: userID, Provider: ProviderStripe, ExternalID: "sub_1", Status: StatusActive}
		store.profiles[userID] = &Profile{UserID: userID, StripeCustomerID: "cus_1", SubscriptionStatus: ProfileStatusActive}

		svc := newTestService(t, store)
		url, err := svc.CreatePortalSession(ctx, userID)
		require.NoError(t, err)
		assert.Equal(t, "https://portal.test/session", url)
	})

	t.Run("no subscription", func(t *testing.T) {
		t.Parallel()

		svc := newTestService(t, newMemStore())
		_, err := svc.CreatePortalSession(ctx, uuid.New())
		assert.ErrorIs(t, err, ErrSubscriptionNotFound)
	})

	t.Run("subscription without linked customer", func(t *testing.T) {
		t.Parallel()

		store := newMemStore()
		userID := uuid.New()
		store.subs[userID] = &Subscription{UserID: userID, Provider: ProviderStripe, ExternalID: "sub_1", Status: StatusActive}
		store.profiles[userID] = &Profile{UserID: userID, SubscriptionStatus: ProfileStatusActive}

		svc := newTestService(t, store)
		_, err := svc.CreatePortalSession(ctx, userID)
		assert.ErrorIs(t, err, ErrCustomerNotLinked)
	})
}

func TestService_CancelSubscription(t *testing.T) {
	t.Parallel()

	ctx := context.Background()

	t.Run("issues provider cancel without local mutation", func(t *testing.T) {
		t.Parallel()

		store := newMemStore()
		userID := uuid.New()
		store.subs[userID] = &Subscription{
			UserID: userID, Provider: ProviderStripe, ExternalID: "sub_1",
			Status: StatusActive, UpdatedAt: time.Now().UTC(),
		}

		provider := &cancelRecorder{}
		svc := newTestService(t, store, provider)

		require.NoError(t, svc.CancelSubscription(ctx, "sub_1"))
		assert.Equal(t, []string{"sub_1"}, provider.cancelled)

		// Still active locally until the cancellation webhook arrives.
		sub, err := store.GetSubscription(ctx, userID)
		require.NoError(t, err)
		assert.Equal(t, StatusActive, sub.Status)
	})

	t.Run("unknown subscription", func(t *testing.T) {
		t.Parallel()

		svc := newTestService(t, newMemStore())
		err := svc.CancelSubscription(ctx, "sub_missing")
		assert.ErrorIs(t, err, ErrSubscriptionNotFound)
	})

	t.Run("empty id", func(t *testing.T) {
		t.Parallel()

		svc := newTestService(t, newMemStore())
		err := svc.CancelSubscription(ctx, "")
		assert.ErrorIs(t, err, ErrValidation)
	})
}

// cancelRecorder wraps the stub provider and records cancel calls.
type cancelRecorder struct {
	stubProvider
	cancelled []string
}

func (c *cancelRecorder) CancelSubscription(_ context.Context, id string) error {
	c.cancelled = append(c.cancelled, id)
	return nil
}
