package billing

import (
	"context"
	"errors"
	"time"
)

// Ledger is the idempotency gate in front of the reconciler. Every inbound
// event is recorded by fingerprint before any state is touched; a fingerprint
// that already exists marks the delivery as a duplicate and stops processing.
type Ledger struct {
	store Store
}

// NewLedger creates a Ledger over the given store.
func NewLedger(store Store) *Ledger {
	if store == nil {
		panic("billing: Store is required")
	}
	return &Ledger{store: store}
}

// Admit records the event by fingerprint and reports whether it still needs
// applying. Replays of an already-processed event report false, which is the
// expected outcome under at-least-once delivery and retry storms, not an
// error. A replay of an event whose reconciliation never committed reports
// true again: the row starts unprocessed and the reconciler marks it
// processed inside its commit, so the provider's retry finishes the job a
// crash or rollback left behind.
func (l *Ledger) Admit(ctx context.Context, evt *Event) (bool, error) {
	if evt.Fingerprint == "" {
		return false, errors.Join(ErrValidation, errors.New("event fingerprint is empty"))
	}

	pending, err := l.store.AdmitEvent(ctx, LedgerEntry{
		Fingerprint: evt.Fingerprint,
		Provider:    evt.Provider,
		EventType:   evt.ProviderEvent,
		Payload:     evt.Raw,
		Processed:   false,
		ReceivedAt:  time.Now().UTC(),
	})
	if err != nil {
		return false, errors.Join(ErrStoreUnavailable, err)
	}
	return pending, nil
}

// Pending returns admitted-but-unprocessed entries, oldest first.
func (l *Ledger) Pending(ctx context.Context, limit int) ([]LedgerEntry, error) {
	entries, err := l.store.ListUnprocessedEvents(ctx, limit)
	if err != nil {
		return nil, errors.Join(ErrStoreUnavailable, err)
	}
	return entries, nil
}
