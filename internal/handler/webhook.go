package handler

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/mapperly/billing/internal/billing"
	"github.com/mapperly/billing/pkg/logger"
)

// Webhook bodies above this size are rejected before verification.
const maxWebhookBody = 1 << 20

// processTimeout bounds one webhook reconciliation. Providers retry on
// timeout, so cutting a stuck delivery loose is safe.
const processTimeout = 10 * time.Second

// EventProcessor applies a verified canonical event. The reconciler
// implements it.
type EventProcessor interface {
	Process(ctx context.Context, evt *billing.Event) error
}

// WebhookVerifier is the slice of the provider a webhook route needs.
type WebhookVerifier interface {
	Name() billing.ProviderName
	ParseWebhook(ctx context.Context, payload []byte, signature string) (*billing.Event, error)
}

// WebhookHandler receives provider deliveries. Each route verifies the
// signature over the exact raw body, then hands the event to the processor.
type WebhookHandler struct {
	processor EventProcessor
	log       *slog.Logger
}

// NewWebhookHandler creates the webhook intake handler.
func NewWebhookHandler(processor EventProcessor, log *slog.Logger) *WebhookHandler {
	if processor == nil {
		panic("handler: EventProcessor is required")
	}
	if log == nil {
		panic("handler: logger is required")
	}
	return &WebhookHandler{processor: processor, log: log}
}

// Routes mounts one POST route per provider under /webhooks.
func (h *WebhookHandler) Routes(r chi.Router, providers ...WebhookVerifier) {
	for _, p := range providers {
		r.Post("/webhooks/"+string(p.Name()), h.handle(p, signatureHeader(p.Name())))
	}
}

func signatureHeader(name billing.ProviderName) string {
	switch name {
	case billing.ProviderStripe:
		return "Stripe-Signature"
	case billing.ProviderPaddle:
		return "Paddle-Signature"
	default:
		return "Webhook-Signature"
	}
}

func (h *WebhookHandler) handle(provider WebhookVerifier, header string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), processTimeout)
		defer cancel()

		// The raw bytes are what the provider signed; they must reach the
		// verifier untouched.
		payload, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxWebhookBody))
		if err != nil {
			respondError(w, errors.Join(billing.ErrValidation, err))
			return
		}

		evt, err := provider.ParseWebhook(ctx, payload, r.Header.Get(header))
		if err != nil {
			h.log.WarnContext(ctx, "webhook rejected",
				slog.String("provider", string(provider.Name())), logger.Error(err))
			respondError(w, err)
			return
		}

		if err := h.processor.Process(ctx, evt); err != nil {
			// Duplicates are the normal face of at-least-once delivery and
			// must be acknowledged, never retried.
			if errors.Is(err, billing.ErrDuplicateEvent) {
				respondJSON(w, http.StatusOK, map[string]bool{"received": true})
				return
			}
			// Anything else is transient as far as the provider is concerned;
			// a 5xx makes it redeliver. Out-of-order arrivals resolve on retry
			// once the event they depend on lands.
			h.log.ErrorContext(ctx, "webhook processing failed",
				slog.String("provider", string(provider.Name())),
				slog.String("event", evt.ProviderEvent), logger.Error(err))
			respondJSON(w, http.StatusInternalServerError,
				errorResponse{Error: errorDetail{Code: "processing_failed"}})
			return
		}

		respondJSON(w, http.StatusOK, map[string]bool{"received": true})
	}
}
