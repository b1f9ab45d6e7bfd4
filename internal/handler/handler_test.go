package handler

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mapperly/billing/internal/billing"
)

type fakeProcessor struct {
	err      error
	received []*billing.Event
}

func (p *fakeProcessor) Process(_ context.Context, evt *billing.Event) error {
	p.received = append(p.received, evt)
	return p.err
}

type fakeVerifier struct {
	name      billing.ProviderName
	err       error
	payload   []byte
	signature string
}

func (v *fakeVerifier) Name() billing.ProviderName { return v.name }

func (v *fakeVerifier) ParseWebhook(_ context.Context, payload []byte, signature string) (*billing.Event, error) {
	v.payload = payload
	v.signature = signature
	if v.err != nil {
		return nil, v.err
	}
	return &billing.Event{
		Kind:        billing.EventCheckoutCompleted,
		Provider:    v.name,
		Fingerprint: string(v.name) + ":evt_1",
	}, nil
}

type fakeService struct {
	checkoutURL string
	portalURL   string
	sub         *billing.Subscription
	err         error
	cancelled   []string
}

func (s *fakeService) CreateCheckoutSession(_ context.Context, _ uuid.UUID, planID string) (string, error) {
	if planID == "" {
		return "", errors.Join(billing.ErrValidation, errors.New("plan id is required"))
	}
	return s.checkoutURL, s.err
}

func (s *fakeService) CreatePortalSession(context.Context, uuid.UUID) (string, error) {
	return s.portalURL, s.err
}

func (s *fakeService) CancelSubscription(_ context.Context, id string) error {
	s.cancelled = append(s.cancelled, id)
	return s.err
}

func (s *fakeService) GetSubscription(context.Context, uuid.UUID) (*billing.Subscription, error) {
	if s.sub == nil {
		return nil, billing.ErrSubscriptionNotFound
	}
	return s.sub, s.err
}

type fakeGate struct {
	err error
}

func (g *fakeGate) Authorize(context.Context, uuid.UUID) error { return g.err }

type testEnv struct {
	router    http.Handler
	processor *fakeProcessor
	verifier  *fakeVerifier
	service   *fakeService
	gate      *fakeGate
}

func newTestEnv() *testEnv {
	env := &testEnv{
		processor: &fakeProcessor{},
		verifier:  &fakeVerifier{name: billing.ProviderStripe},
		service: &fakeService{
			checkoutURL: "https://checkout.test/s1",
			portalURL:   "https://portal.test/s1",
			sub:         &billing.Subscription{Provider: billing.ProviderStripe, ExternalID: "sub_1", PlanID: "pro-monthly", Status: billing.StatusActive},
		},
		gate: &fakeGate{},
	}
	log := slog.New(slog.DiscardHandler)
	env.router = NewRouter(Deps{
		Webhooks:  NewWebhookHandler(env.processor, log),
		Providers: []WebhookVerifier{env.verifier},
		Billing:   NewBillingHandler(env.service),
		Gate:      env.gate,
		Log:       log,
	})
	return env
}

func (e *testEnv) do(t *testing.T, method, path string, body []byte, headers map[string]string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, bytes.NewReader(body))
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	e.router.ServeHTTP(rec, req)
	return rec
}

func authHeaders() map[string]string {
	return map[string]string{"X-User-ID": uuid.NewString()}
}

func TestWebhookRoutes(t *testing.T) {
	t.Parallel()

	t.Run("accepted delivery", func(t *testing.T) {
		t.Parallel()

		env := newTestEnv()
		body := []byte(`{"id":"evt_1"}`)
		rec := env.do(t, http.MethodPost, "/webhooks/stripe", body, map[string]string{"Stripe-Signature": "t=1,v1=abc"})

		assert.Equal(t, http.StatusOK, rec.Code)
		assert.JSONEq(t, `{"received":true}`, rec.Body.String())
		// The exact raw bytes and signature header reach the verifier.
		assert.Equal(t, body, env.verifier.payload)
		assert.Equal(t, "t=1,v1=abc", env.verifier.signature)
		require.Len(t, env.processor.received, 1)
	})

	t.Run("invalid signature", func(t *testing.T) {
		t.Parallel()

		env := newTestEnv()
		env.verifier.err = billing.ErrSignatureInvalid
		rec := env.do(t, http.MethodPost, "/webhooks/stripe", []byte(`{}`), nil)

		assert.Equal(t, http.StatusBadRequest, rec.Code)
		assert.Contains(t, rec.Body.String(), "signature_invalid")
		assert.Empty(t, env.processor.received, "nothing runs after a failed verification")
	})

	t.Run("duplicate acknowledged", func(t *testing.T) {
		t.Parallel()

		env := newTestEnv()
		env.processor.err = billing.ErrDuplicateEvent
		rec := env.do(t, http.MethodPost, "/webhooks/stripe", []byte(`{}`), nil)

		assert.Equal(t, http.StatusOK, rec.Code)
		assert.JSONEq(t, `{"received":true}`, rec.Body.String())
	})

	t.Run("transient failure asks for redelivery", func(t *testing.T) {
		t.Parallel()

		env := newTestEnv()
		env.processor.err = billing.ErrStoreUnavailable
		rec := env.do(t, http.MethodPost, "/webhooks/stripe", []byte(`{}`), nil)

		assert.Equal(t, http.StatusInternalServerError, rec.Code)
		assert.Contains(t, rec.Body.String(), "processing_failed")
	})

	t.Run("unknown provider route", func(t *testing.T) {
		t.Parallel()

		env := newTestEnv()
		rec := env.do(t, http.MethodPost, "/webhooks/square", []byte(`{}`), nil)
		assert.Equal(t, http.StatusNotFound, rec.Code)
	})
}

func TestBillingRoutes(t *testing.T) {
	t.Parallel()

	t.Run("checkout session created", func(t *testing.T) {
		t.Parallel()

		env := newTestEnv()
		rec := env.do(t, http.MethodPost, "/billing/checkout-session",
			[]byte(`{"planId":"pro-monthly"}`), authHeaders())

		assert.Equal(t, http.StatusCreated, rec.Code)
		var resp struct {
			URL string `json:"url"`
		}
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
		assert.Equal(t, "https://checkout.test/s1", resp.URL)
	})

	t.Run("checkout without plan id", func(t *testing.T) {
		t.Parallel()

		env := newTestEnv()
		rec := env.do(t, http.MethodPost, "/billing/checkout-session", []byte(`{}`), authHeaders())
		assert.Equal(t, http.StatusBadRequest, rec.Code)
		assert.Contains(t, rec.Body.String(), "validation_error")
	})

	t.Run("checkout without user header", func(t *testing.T) {
		t.Parallel()

		env := newTestEnv()
		rec := env.do(t, http.MethodPost, "/billing/checkout-session",
			[]byte(`{"planId":"pro-monthly"}`), nil)
		assert.Equal(t, http.StatusUnauthorized, rec.Code)
	})

	t.Run("unknown plan maps to configuration error", func(t *testing.T) {
		t.Parallel()

		env := newTestEnv()
		env.service.err = billing.ErrConfiguration
		rec := env.do(t, http.MethodPost, "/billing/checkout-session",
			[]byte(`{"planId":"enterprise"}`), authHeaders())
		assert.Equal(t, http.StatusInternalServerError, rec.Code)
		assert.Contains(t, rec.Body.String(), "configuration_error")
	})

	t.Run("portal session", func(t *testing.T) {
		t.Parallel()

		env := newTestEnv()
		rec := env.do(t, http.MethodPost, "/billing/portal-session", nil, authHeaders())
		assert.Equal(t, http.StatusCreated, rec.Code)
		assert.Contains(t, rec.Body.String(), "https://portal.test/s1")
	})

	t.Run("portal session without subscription", func(t *testing.T) {
		t.Parallel()

		env := newTestEnv()
		env.service.sub = nil
		env.service.err = billing.ErrSubscriptionNotFound
		rec := env.do(t, http.MethodPost, "/billing/portal-session", nil, authHeaders())
		assert.Equal(t, http.StatusNotFound, rec.Code)
		assert.Contains(t, rec.Body.String(), "not_found")
	})

	t.Run("cancel subscription accepted", func(t *testing.T) {
		t.Parallel()

		env := newTestEnv()
		rec := env.do(t, http.MethodPost, "/billing/cancel-subscription",
			[]byte(`{"subscriptionId":"sub_1"}`), authHeaders())

		assert.Equal(t, http.StatusAccepted, rec.Code)
		var resp struct {
			Message string `json:"message"`
		}
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
		assert.Equal(t, "cancellation requested", resp.Message)
		assert.Equal(t, []string{"sub_1"}, env.service.cancelled)
	})

	t.Run("cancel defaults to the caller's subscription", func(t *testing.T) {
		t.Parallel()

		env := newTestEnv()
		rec := env.do(t, http.MethodPost, "/billing/cancel-subscription", []byte(`{}`), authHeaders())
		assert.Equal(t, http.StatusAccepted, rec.Code)
		assert.Equal(t, []string{"sub_1"}, env.service.cancelled)
	})

	t.Run("cancel rejects a foreign subscription id", func(t *testing.T) {
		t.Parallel()

		env := newTestEnv()
		rec := env.do(t, http.MethodPost, "/billing/cancel-subscription",
			[]byte(`{"subscriptionId":"sub_other"}`), authHeaders())
		assert.Equal(t, http.StatusNotFound, rec.Code)
		assert.Empty(t, env.service.cancelled)
	})

	t.Run("get subscription", func(t *testing.T) {
		t.Parallel()

		env := newTestEnv()
		rec := env.do(t, http.MethodGet, "/billing/subscription", nil, authHeaders())

		assert.Equal(t, http.StatusOK, rec.Code)
		var resp struct {
			Provider       string `json:"provider"`
			SubscriptionID string `json:"subscriptionId"`
			Status         string `json:"status"`
		}
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
		assert.Equal(t, "stripe", resp.Provider)
		assert.Equal(t, "sub_1", resp.SubscriptionID)
		assert.Equal(t, "active", resp.Status)
	})
}

func TestGatedRoutes(t *testing.T) {
	t.Parallel()

	t.Run("active subscription passes the gate", func(t *testing.T) {
		t.Parallel()

		env := newTestEnv()
		rec := env.do(t, http.MethodGet, "/maps/export", nil, authHeaders())
		assert.Equal(t, http.StatusOK, rec.Code)
		assert.Contains(t, rec.Body.String(), "export_started")
	})

	t.Run("no subscription answers 402", func(t *testing.T) {
		t.Parallel()

		env := newTestEnv()
		env.gate.err = billing.ErrNoSubscription
		rec := env.do(t, http.MethodGet, "/maps/export", nil, authHeaders())
		assert.Equal(t, http.StatusPaymentRequired, rec.Code)
		assert.Contains(t, rec.Body.String(), "no_subscription")
	})

	t.Run("cancelled subscription answers 402 with its own reason", func(t *testing.T) {
		t.Parallel()

		env := newTestEnv()
		env.gate.err = billing.ErrSubscriptionCancelled
		rec := env.do(t, http.MethodGet, "/maps/export", nil, authHeaders())
		assert.Equal(t, http.StatusPaymentRequired, rec.Code)
		assert.Contains(t, rec.Body.String(), "subscription_cancelled")
	})

	t.Run("store failure is not a denial", func(t *testing.T) {
		t.Parallel()

		env := newTestEnv()
		env.gate.err = billing.ErrStoreUnavailable
		rec := env.do(t, http.MethodGet, "/maps/export", nil, authHeaders())
		assert.Equal(t, http.StatusInternalServerError, rec.Code)
	})

	t.Run("missing user header", func(t *testing.T) {
		t.Parallel()

		env := newTestEnv()
		rec := env.do(t, http.MethodGet, "/maps/export", nil, nil)
		assert.Equal(t, http.StatusUnauthorized, rec.Code)
	})
}

func TestHealthRoute(t *testing.T) {
	t.Parallel()

	env := newTestEnv()
	rec := env.do(t, http.MethodGet, "/health", nil, nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "OK", rec.Body.String())
}
