package handler

import (
	"context"
	"net/http"

	"github.com/google/uuid"
)

// userIDHeader carries the authenticated user id, set by the edge proxy
// after session validation. This service trusts it and never sees
// credentials.
const userIDHeader = "X-User-ID"

type ctxKey int

const userIDKey ctxKey = iota

func userIDFromContext(ctx context.Context) uuid.UUID {
	id, _ := ctx.Value(userIDKey).(uuid.UUID)
	return id
}

// RequireUser rejects requests without a valid user id header and stores the
// parsed id in the request context.
func RequireUser(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id, err := uuid.Parse(r.Header.Get(userIDHeader))
		if err != nil || id == uuid.Nil {
			respondJSON(w, http.StatusUnauthorized,
				errorResponse{Error: errorDetail{Code: "unauthorized"}})
			return
		}
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), userIDKey, id)))
	})
}

// Authorizer decides whether a user may reach paid functionality. The
// billing gate implements it.
type Authorizer interface {
	Authorize(ctx context.Context, userID uuid.UUID) error
}

// RequireSubscription guards paid routes. Denials answer 402 with a reason
// code; transient store failures answer 500 rather than silently denying.
func RequireSubscription(gate Authorizer) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if err := gate.Authorize(r.Context(), userIDFromContext(r.Context())); err != nil {
				respondError(w, err)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
