package billing

import (
	"context"
	"errors"
	"log/slog"

	"github.com/google/uuid"

	"github.com/mapperly/billing/pkg/logger"
)

// Gate answers "may this user reach paid functionality" at request time.
// It reads the profile summary the reconciler maintains and never infers
// status from provider calls; the webhook pipeline is the only writer.
type Gate struct {
	store Store
	cache StatusCache
	log   *slog.Logger
}

// GateOption configures optional gate collaborators.
type GateOption func(*Gate)

// WithGateCache plugs in a status cache for read-through lookups.
func WithGateCache(cache StatusCache) GateOption {
	return func(g *Gate) { g.cache = cache }
}

// NewGate creates an access gate backed by the given store.
func NewGate(store Store, log *slog.Logger, opts ...GateOption) *Gate {
	if store == nil {
		panic("billing: Store is required")
	}
	if log == nil {
		panic("billing: logger is required")
	}
	g := &Gate{store: store, log: log}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// Authorize returns nil when the user holds an active subscription. Denials
// use distinct sentinels so callers can tell a user who never subscribed from
// one whose subscription was cancelled.
func (g *Gate) Authorize(ctx context.Context, userID uuid.UUID) error {
	if userID == uuid.Nil {
		return errors.Join(ErrValidation, errors.New("user id is required"))
	}

	status, err := g.status(ctx, userID)
	if err != nil {
		return err
	}

	switch status {
	case ProfileStatusActive:
		return nil
	case ProfileStatusCancelled:
		return ErrSubscriptionCancelled
	default:
		return ErrNoSubscription
	}
}

func (g *Gate) status(ctx context.Context, userID uuid.UUID) (ProfileStatus, error) {
	if g.cache != nil {
		if status, ok, err := g.cache.Get(ctx, userID); err == nil && ok {
			return status, nil
		} else if err != nil {
			// A broken cache must not lock users out; fall through to the store.
			g.log.WarnContext(ctx, "status cache read failed", logger.Error(err))
		}
	}

	profile, err := g.store.GetProfile(ctx, userID)
	if errors.Is(err, ErrProfileNotFound) {
		return ProfileStatusNone, nil
	}
	if err != nil {
		return "", errors.Join(ErrStoreUnavailable, err)
	}

	if g.cache != nil {
		if err := g.cache.Set(ctx, userID, profile.SubscriptionStatus); err != nil {
			g.log.WarnContext(ctx, "status cache write failed", logger.Error(err))
		}
	}
	return profile.SubscriptionStatus, nil
}
