// Package handler is the HTTP surface: provider webhook intake, session
// endpoints for authenticated users, and the subscription gate in front of
// paid functionality.
package handler

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/mapperly/billing/internal/billing"
)

// errorResponse is the JSON envelope for every non-2xx reply.
type errorResponse struct {
	Error errorDetail `json:"error"`
}

type errorDetail struct {
	Code    string `json:"code"`
	Message string `json:"message,omitempty"`
}

func respondJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

// respondError maps domain sentinels to a status and machine-readable code.
// Unknown errors become opaque 500s; internals never leak to clients.
func respondError(w http.ResponseWriter, err error) {
	status, code := http.StatusInternalServerError, "internal_error"
	message := ""

	switch {
	case errors.Is(err, billing.ErrSignatureInvalid):
		status, code = http.StatusBadRequest, "signature_invalid"
	case errors.Is(err, billing.ErrValidation):
		status, code = http.StatusBadRequest, "validation_error"
		message = err.Error()
	case errors.Is(err, billing.ErrSubscriptionAlreadyExists):
		status, code = http.StatusConflict, "subscription_exists"
	case errors.Is(err, billing.ErrProfileNotFound),
		errors.Is(err, billing.ErrSubscriptionNotFound),
		errors.Is(err, billing.ErrCustomerNotLinked):
		status, code = http.StatusNotFound, "not_found"
	case errors.Is(err, billing.ErrNoSubscription):
		status, code = http.StatusPaymentRequired, "no_subscription"
	case errors.Is(err, billing.ErrSubscriptionCancelled):
		status, code = http.StatusPaymentRequired, "subscription_cancelled"
	case errors.Is(err, billing.ErrConfiguration),
		errors.Is(err, billing.ErrPlanNotFound),
		errors.Is(err, billing.ErrProviderNotFound):
		code = "configuration_error"
	}

	respondJSON(w, status, errorResponse{Error: errorDetail{Code: code, Message: message}})
}
