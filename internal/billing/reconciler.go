package billing

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/mapperly/billing/pkg/logger"
)

// StatusCache invalidates and serves the access gate's cached profile status.
// Implementations must treat the persisted profile as the source of truth.
type StatusCache interface {
	Get(ctx context.Context, userID uuid.UUID) (ProfileStatus, bool, error)
	Set(ctx context.Context, userID uuid.UUID, status ProfileStatus) error
	Invalidate(ctx context.Context, userID uuid.UUID) error
}

// Reconciler applies canonical billing events to the subscription state
// machine. Each event is admitted to the idempotency ledger first, then
// applied inside a single per-user transaction: subscription, profile,
// payment record and the processed flag commit together or not at all.
type Reconciler struct {
	store     Store
	ledger    *Ledger
	providers map[ProviderName]Provider
	cache     StatusCache
	log       *slog.Logger
}

// ReconcilerOption configures optional reconciler collaborators.
type ReconcilerOption func(*Reconciler)

// WithStatusCache wires the gate's status cache so profile writes invalidate it.
func WithStatusCache(cache StatusCache) ReconcilerOption {
	return func(r *Reconciler) { r.cache = cache }
}

// WithProviders registers providers for the reprocessing sweep, which
// re-normalizes stored payloads without re-verifying signatures.
func WithProviders(providers ...Provider) ReconcilerOption {
	return func(r *Reconciler) {
		for _, p := range providers {
			r.providers[p.Name()] = p
		}
	}
}

// NewReconciler creates a Reconciler. Store, ledger and logger are required.
func NewReconciler(store Store, ledger *Ledger, log *slog.Logger, opts ...ReconcilerOption) *Reconciler {
	if store == nil {
		panic("billing: Store is required")
	}
	if ledger == nil {
		panic("billing: Ledger is required")
	}
	if log == nil {
		panic("billing: logger is required")
	}

	r := &Reconciler{
		store:     store,
		ledger:    ledger,
		providers: make(map[ProviderName]Provider),
		log:       log,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Process admits an event and applies it to persisted state. Duplicates of
// processed events return ErrDuplicateEvent without touching state; a
// duplicate whose first reconciliation never committed is applied again, so
// provider retries recover from transient failures without waiting for the
// startup sweep. Unhandled events are a logged no-op.
func (r *Reconciler) Process(ctx context.Context, evt *Event) error {
	switch evt.Kind {
	case EventCheckoutCompleted, EventSubscriptionActivated, EventSubscriptionCancelled, EventPaymentSucceeded:
	case EventUnhandled:
		r.log.InfoContext(ctx, "ignoring unhandled provider event",
			slog.String("provider", string(evt.Provider)),
			slog.String("event", evt.ProviderEvent))
		return nil
	default:
		return errors.Join(ErrValidation, fmt.Errorf("unknown event kind %q", evt.Kind))
	}

	pending, err := r.ledger.Admit(ctx, evt)
	if err != nil {
		return err
	}
	if !pending {
		return ErrDuplicateEvent
	}

	return r.reconcile(ctx, evt)
}

// ReprocessPending re-applies admitted-but-unprocessed ledger rows, typically
// left behind by a crash between admission and commit. Payloads were
// signature-verified on arrival, so they are normalized without verification.
// Returns the number of rows successfully reconciled.
func (r *Reconciler) ReprocessPending(ctx context.Context, limit int) (int, error) {
	entries, err := r.ledger.Pending(ctx, limit)
	if err != nil {
		return 0, err
	}

	var processed int
	var errs []error
	for _, entry := range entries {
		provider, ok := r.providers[entry.Provider]
		if !ok {
			errs = append(errs, fmt.Errorf("no provider registered for %q", entry.Provider))
			continue
		}

		evt, err := provider.Normalize(entry.Payload)
		if err != nil {
			errs = append(errs, fmt.Errorf("normalize %s: %w", entry.Fingerprint, err))
			continue
		}
		// Keep the fingerprint the row was admitted under.
		evt.Fingerprint = entry.Fingerprint

		if evt.Kind == EventUnhandled {
			continue
		}

		if err := r.reconcile(ctx, evt); err != nil {
			errs = append(errs, fmt.Errorf("reconcile %s: %w", entry.Fingerprint, err))
			continue
		}
		processed++
	}

	return processed, errors.Join(errs...)
}

// reconcile resolves the owning user and applies the event inside the
// per-user transaction. On failure the transaction rolls back and the ledger
// row stays unprocessed, so a provider retry or the sweep picks it up again.
func (r *Reconciler) reconcile(ctx context.Context, evt *Event) error {
	userID, err := r.resolveUser(ctx, evt)
	if err != nil {
		return err
	}

	err = r.store.InUserTx(ctx, userID, func(tx Tx) error {
		if err := r.apply(ctx, tx, userID, evt); err != nil {
			return err
		}
		return tx.MarkEventProcessed(ctx, evt.Fingerprint)
	})
	if err != nil {
		return err
	}

	if r.cache != nil {
		// Best effort: the gate falls back to the store on a cache miss.
		if err := r.cache.Invalidate(ctx, userID); err != nil {
			r.log.WarnContext(ctx, "failed to invalidate status cache",
				slog.String("user_id", userID.String()), logger.Error(err))
		}
	}

	r.log.InfoContext(ctx, "billing event reconciled",
		slog.String("provider", string(evt.Provider)),
		slog.String("kind", string(evt.Kind)),
		slog.String("fingerprint", evt.Fingerprint),
		slog.String("user_id", userID.String()))
	return nil
}

// resolveUser recovers the owning user from checkout metadata, the provider
// customer id, or the external subscription id, in that order.
func (r *Reconciler) resolveUser(ctx context.Context, evt *Event) (uuid.UUID, error) {
	if evt.UserID != uuid.Nil {
		return evt.UserID, nil
	}

	if evt.CustomerID != "" {
		profile, err := r.store.GetProfileByCustomerID(ctx, evt.Provider, evt.CustomerID)
		if err == nil {
			return profile.UserID, nil
		}
		if !errors.Is(err, ErrProfileNotFound) {
			return uuid.Nil, err
		}
	}

	if evt.SubscriptionID != "" {
		sub, err := r.store.GetSubscriptionByExternalID(ctx, evt.Provider, evt.SubscriptionID)
		if err == nil {
			return sub.UserID, nil
		}
		if !errors.Is(err, ErrSubscriptionNotFound) {
			return uuid.Nil, err
		}
	}

	return uuid.Nil, errors.Join(ErrProfileNotFound,
		fmt.Errorf("cannot resolve user for %s event %s", evt.Provider, evt.ProviderEvent))
}

// apply runs one transition of the subscription state machine. The exhaustive
// switch is deliberate: a new EventKind will not compile into a silent no-op.
func (r *Reconciler) apply(ctx context.Context, tx Tx, userID uuid.UUID, evt *Event) error {
	sub, err := tx.GetSubscription(ctx, userID)
	if err != nil && !errors.Is(err, ErrSubscriptionNotFound) {
		return err
	}

	// Providers do not guarantee delivery order. Any event older than the
	// stored watermark is recorded as processed but must not mutate state;
	// this is what keeps a stale cancellation from clobbering a newer
	// activation.
	stale := sub != nil && !evt.OccurredAt.IsZero() && evt.OccurredAt.Before(sub.UpdatedAt)

	switch evt.Kind {
	case EventCheckoutCompleted:
		return r.applyCheckoutCompleted(ctx, tx, userID, sub, evt, stale)
	case EventSubscriptionActivated:
		return r.applySubscriptionActivated(ctx, tx, userID, sub, evt, stale)
	case EventSubscriptionCancelled:
		return r.applySubscriptionCancelled(ctx, tx, userID, sub, evt, stale)
	case EventPaymentSucceeded:
		return r.applyPaymentSucceeded(ctx, tx, userID, sub, evt, stale)
	case EventUnhandled:
		return nil
	}
	return errors.Join(ErrValidation, fmt.Errorf("unknown event kind %q", evt.Kind))
}

func (r *Reconciler) applyCheckoutCompleted(ctx context.Context, tx Tx, userID uuid.UUID, sub *Subscription, evt *Event, stale bool) error {
	status := subscriptionStatusFrom(evt.Status)

	switch {
	case sub == nil:
		now := time.Now().UTC()
		sub = &Subscription{
			ID:        uuid.New(),
			UserID:    userID,
			CreatedAt: now,
		}
	case !sub.IsCancelled():
		// Precondition: checkout completion only creates or revives a
		// subscription. A live row means a replayed or misdirected event.
		r.logNoOp(ctx, evt, userID, "checkout completed for user with live subscription")
		return nil
	case stale:
		r.logNoOp(ctx, evt, userID, "stale checkout event discarded")
		return nil
	}

	sub.Provider = evt.Provider
	sub.ExternalID = evt.SubscriptionID
	sub.PriceID = evt.PriceID
	sub.PlanID = evt.PlanID
	sub.Status = status
	sub.UpdatedAt = watermark(evt)
	applyPeriod(sub, evt)

	if err := tx.UpsertSubscription(ctx, sub); err != nil {
		return err
	}

	if evt.CustomerID != "" {
		if err := tx.SetProfileCustomerID(ctx, userID, evt.Provider, evt.CustomerID); err != nil {
			return err
		}
	}

	if evt.PaymentID != "" {
		if err := r.insertPayment(ctx, tx, userID, sub, evt); err != nil {
			return err
		}
	}

	return tx.SetProfileStatus(ctx, userID, ProfileStatusFor(status))
}

func (r *Reconciler) applySubscriptionActivated(ctx context.Context, tx Tx, userID uuid.UUID, sub *Subscription, evt *Event, stale bool) error {
	if sub == nil {
		return ErrSubscriptionNotFound
	}
	if stale {
		r.logNoOp(ctx, evt, userID, "stale activation event discarded")
		return nil
	}
	if !CanTransition(sub.Status, StatusActive) {
		return &InvalidTransitionError{From: sub.Status, To: StatusActive}
	}

	sub.Status = StatusActive
	sub.UpdatedAt = watermark(evt)
	applyPeriod(sub, evt)

	if err := tx.UpsertSubscription(ctx, sub); err != nil {
		return err
	}
	return tx.SetProfileStatus(ctx, userID, ProfileStatusActive)
}

func (r *Reconciler) applySubscriptionCancelled(ctx context.Context, tx Tx, userID uuid.UUID, sub *Subscription, evt *Event, stale bool) error {
	if sub == nil {
		return ErrSubscriptionNotFound
	}
	if stale {
		// The central correctness property: a cancellation older than the
		// stored watermark must not regress a newer activation.
		r.logNoOp(ctx, evt, userID, "stale cancellation event discarded")
		return nil
	}
	if !CanTransition(sub.Status, StatusCancelled) {
		return &InvalidTransitionError{From: sub.Status, To: StatusCancelled}
	}

	sub.Status = StatusCancelled
	sub.UpdatedAt = watermark(evt)

	if err := tx.UpsertSubscription(ctx, sub); err != nil {
		return err
	}
	return tx.SetProfileStatus(ctx, userID, ProfileStatusCancelled)
}

func (r *Reconciler) applyPaymentSucceeded(ctx context.Context, tx Tx, userID uuid.UUID, sub *Subscription, evt *Event, stale bool) error {
	if sub == nil {
		return ErrSubscriptionNotFound
	}

	// The payment ledger is append-only and deduplicated by external payment
	// id, so the insert happens even for stale deliveries.
	if evt.PaymentID != "" {
		if err := r.insertPayment(ctx, tx, userID, sub, evt); err != nil {
			return err
		}
	}

	if stale {
		r.logNoOp(ctx, evt, userID, "stale payment event left subscription untouched")
		return nil
	}

	if sub.Status != StatusActive && CanTransition(sub.Status, StatusActive) {
		sub.Status = StatusActive
	}
	sub.UpdatedAt = watermark(evt)
	applyPeriod(sub, evt)

	if err := tx.UpsertSubscription(ctx, sub); err != nil {
		return err
	}
	return tx.SetProfileStatus(ctx, userID, ProfileStatusFor(sub.Status))
}

func (r *Reconciler) insertPayment(ctx context.Context, tx Tx, userID uuid.UUID, sub *Subscription, evt *Event) error {
	return tx.InsertPaymentRecord(ctx, &PaymentRecord{
		ID:             uuid.New(),
		UserID:         userID,
		SubscriptionID: sub.ID,
		ExternalID:     evt.PaymentID,
		Amount:         evt.Amount,
		Currency:       evt.Currency,
		Status:         "succeeded",
		PaymentMethod:  evt.PaymentMethod,
		CreatedAt:      time.Now().UTC(),
	})
}

func (r *Reconciler) logNoOp(ctx context.Context, evt *Event, userID uuid.UUID, msg string) {
	r.log.InfoContext(ctx, msg,
		slog.String("provider", string(evt.Provider)),
		slog.String("event", evt.ProviderEvent),
		slog.String("fingerprint", evt.Fingerprint),
		slog.String("user_id", userID.String()))
}

// watermark picks the provider event timestamp when supplied, falling back to
// arrival time for providers that omit one.
func watermark(evt *Event) time.Time {
	if !evt.OccurredAt.IsZero() {
		return evt.OccurredAt.UTC()
	}
	return time.Now().UTC()
}

func applyPeriod(sub *Subscription, evt *Event) {
	if evt.PeriodStart != nil {
		sub.CurrentPeriodStart = evt.PeriodStart
	}
	if evt.PeriodEnd != nil {
		sub.CurrentPeriodEnd = evt.PeriodEnd
	}
}

// subscriptionStatusFrom maps a provider-reported status string onto the
// local state machine, defaulting to active.
func subscriptionStatusFrom(providerStatus string) SubscriptionStatus {
	switch providerStatus {
	case "incomplete", "past_due":
		return StatusIncomplete
	case "canceled", "cancelled":
		return StatusCancelled
	default:
		return StatusActive
	}
}
