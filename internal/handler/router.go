package handler

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/mapperly/billing/pkg/httpserver"
)

// Deps collects everything the router mounts.
type Deps struct {
	Webhooks  *WebhookHandler
	Providers []WebhookVerifier
	Billing   *BillingHandler
	Gate      Authorizer
	Log       *slog.Logger

	// HealthProbes gate the readiness endpoint on dependency health.
	HealthProbes []func(context.Context) error
}

// NewRouter assembles the service routes. Webhook routes stay outside the
// user middleware: providers authenticate with signatures, not sessions.
func NewRouter(deps Deps) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(30 * time.Second))

	r.Get("/health", httpserver.HealthCheckHandler(deps.Log, deps.HealthProbes...))

	deps.Webhooks.Routes(r, deps.Providers...)

	r.Group(func(r chi.Router) {
		r.Use(RequireUser)
		deps.Billing.Routes(r)

		r.Group(func(r chi.Router) {
			r.Use(RequireSubscription(deps.Gate))
			r.Get("/maps/export", exportMaps)
		})
	})

	return r
}

// exportMaps stands in for the paid map export pipeline. Reaching it at all
// means the subscription gate let the request through.
func exportMaps(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, map[string]string{
		"status":  "export_started",
		"user_id": userIDFromContext(r.Context()).String(),
	})
}
