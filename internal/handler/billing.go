package handler

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/mapperly/billing/internal/billing"
)

// SessionService is the slice of the billing service the HTTP layer uses.
type SessionService interface {
	CreateCheckoutSession(ctx context.Context, userID uuid.UUID, planID string) (string, error)
	CreatePortalSession(ctx context.Context, userID uuid.UUID) (string, error)
	CancelSubscription(ctx context.Context, subscriptionExternalID string) error
	GetSubscription(ctx context.Context, userID uuid.UUID) (*billing.Subscription, error)
}

// BillingHandler serves the authenticated billing endpoints.
type BillingHandler struct {
	service SessionService
}

// NewBillingHandler creates the billing endpoint handler.
func NewBillingHandler(service SessionService) *BillingHandler {
	if service == nil {
		panic("handler: SessionService is required")
	}
	return &BillingHandler{service: service}
}

// Routes mounts the billing endpoints. All of them require an authenticated
// user; callers wrap them with RequireUser.
func (h *BillingHandler) Routes(r chi.Router) {
	r.Post("/billing/checkout-session", h.createCheckoutSession)
	r.Post("/billing/portal-session", h.createPortalSession)
	r.Post("/billing/cancel-subscription", h.cancelSubscription)
	r.Get("/billing/subscription", h.getSubscription)
}

type checkoutRequest struct {
	PlanID string `json:"planId"`
}

type sessionResponse struct {
	URL string `json:"url"`
}

func (h *BillingHandler) createCheckoutSession(w http.ResponseWriter, r *http.Request) {
	var req checkoutRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, errors.Join(billing.ErrValidation, errors.New("invalid request body")))
		return
	}

	url, err := h.service.CreateCheckoutSession(r.Context(), userIDFromContext(r.Context()), req.PlanID)
	if err != nil {
		respondError(w, err)
		return
	}
	respondJSON(w, http.StatusCreated, sessionResponse{URL: url})
}

func (h *BillingHandler) createPortalSession(w http.ResponseWriter, r *http.Request) {
	url, err := h.service.CreatePortalSession(r.Context(), userIDFromContext(r.Context()))
	if err != nil {
		respondError(w, err)
		return
	}
	respondJSON(w, http.StatusCreated, sessionResponse{URL: url})
}

type cancelRequest struct {
	SubscriptionID string `json:"subscriptionId"`
}

func (h *BillingHandler) cancelSubscription(w http.ResponseWriter, r *http.Request) {
	var req cancelRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, errors.Join(billing.ErrValidation, errors.New("invalid request body")))
		return
	}

	// The subscription must belong to the caller; a user cannot cancel
	// someone else's subscription by guessing provider ids.
	userID := userIDFromContext(r.Context())
	sub, err := h.service.GetSubscription(r.Context(), userID)
	if err != nil {
		respondError(w, err)
		return
	}
	if req.SubscriptionID == "" {
		req.SubscriptionID = sub.ExternalID
	}
	if req.SubscriptionID != sub.ExternalID {
		respondError(w, billing.ErrSubscriptionNotFound)
		return
	}

	if err := h.service.CancelSubscription(r.Context(), req.SubscriptionID); err != nil {
		respondError(w, err)
		return
	}
	// Accepted, not done: the status flips when the cancellation webhook lands.
	respondJSON(w, http.StatusAccepted, map[string]string{"message": "cancellation requested"})
}

type subscriptionResponse struct {
	Provider           string     `json:"provider"`
	SubscriptionID     string     `json:"subscriptionId"`
	PlanID             string     `json:"planId,omitempty"`
	Status             string     `json:"status"`
	CurrentPeriodStart *time.Time `json:"currentPeriodStart,omitempty"`
	CurrentPeriodEnd   *time.Time `json:"currentPeriodEnd,omitempty"`
}

func (h *BillingHandler) getSubscription(w http.ResponseWriter, r *http.Request) {
	sub, err := h.service.GetSubscription(r.Context(), userIDFromContext(r.Context()))
	if err != nil {
		respondError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, subscriptionResponse{
		Provider:           string(sub.Provider),
		SubscriptionID:     sub.ExternalID,
		PlanID:             sub.PlanID,
		Status:             string(sub.Status),
		CurrentPeriodStart: sub.CurrentPeriodStart,
		CurrentPeriodEnd:   sub.CurrentPeriodEnd,
	})
}
