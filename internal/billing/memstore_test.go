package billing

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
)

// memStore is an in-memory Store with transactional semantics: writes made
// through InUserTx are rolled back when fn fails. Fault injection hooks let
// tests break individual writes.
type memStore struct {
	mu       sync.Mutex
	profiles map[uuid.UUID]*Profile
	subs     map[uuid.UUID]*Subscription
	payments map[string]*PaymentRecord
	events   map[string]*LedgerEntry
	order    []string

	failSetProfileStatus bool
	failAdmit            bool
}

func newMemStore() *memStore {
	return &memStore{
		profiles: make(map[uuid.UUID]*Profile),
		subs:     make(map[uuid.UUID]*Subscription),
		payments: make(map[string]*PaymentRecord),
		events:   make(map[string]*LedgerEntry),
	}
}

func (s *memStore) AdmitEvent(_ context.Context, entry LedgerEntry) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failAdmit {
		return false, errors.New("admit failed")
	}
	if e, exists := s.events[entry.Fingerprint]; exists {
		return !e.Processed, nil
	}
	e := entry
	s.events[entry.Fingerprint] = &e
	s.order = append(s.order, entry.Fingerprint)
	return true, nil
}

func (s *memStore) ListUnprocessedEvents(_ context.Context, limit int) ([]LedgerEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []LedgerEntry
	for _, fp := range s.order {
		if len(out) >= limit {
			break
		}
		if e := s.events[fp]; !e.Processed {
			out = append(out, *e)
		}
	}
	return out, nil
}

func (s *memStore) GetProfile(_ context.Context, userID uuid.UUID) (*Profile, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.getProfileLocked(userID)
}

func (s *memStore) getProfileLocked(userID uuid.UUID) (*Profile, error) {
	p, ok := s.profiles[userID]
	if !ok {
		return nil, ErrProfileNotFound
	}
	cp := *p
	return &cp, nil
}

func (s *memStore) GetProfileByCustomerID(_ context.Context, provider ProviderName, customerID string) (*Profile, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, p := range s.profiles {
		if p.CustomerID(provider) == customerID {
			cp := *p
			return &cp, nil
		}
	}
	return nil, ErrProfileNotFound
}

func (s *memStore) GetSubscription(_ context.Context, userID uuid.UUID) (*Subscription, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.getSubscriptionLocked(userID)
}

func (s *memStore) getSubscriptionLocked(userID uuid.UUID) (*Subscription, error) {
	sub, ok := s.subs[userID]
	if !ok {
		return nil, ErrSubscriptionNotFound
	}
	cp := *sub
	return &cp, nil
}

func (s *memStore) GetSubscriptionByExternalID(_ context.Context, provider ProviderName, externalID string) (*Subscription, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, sub := range s.subs {
		if sub.Provider == provider && sub.ExternalID == externalID {
			cp := *sub
			return &cp, nil
		}
	}
	return nil, ErrSubscriptionNotFound
}

// InUserTx holds the store lock for the whole callback, which serializes all
// transactions, a stricter version of the per-user advisory lock. State is
// snapshotted up front and restored when fn fails.
func (s *memStore) InUserTx(ctx context.Context, _ uuid.UUID, fn func(tx Tx) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	snap := s.snapshotLocked()
	if err := fn(&memTx{s: s}); err != nil {
		s.restoreLocked(snap)
		return err
	}
	return nil
}

type memSnapshot struct {
	profiles map[uuid.UUID]*Profile
	subs     map[uuid.UUID]*Subscription
	payments map[string]*PaymentRecord
	events   map[string]*LedgerEntry
}

func (s *memStore) snapshotLocked() memSnapshot {
	snap := memSnapshot{
		profiles: make(map[uuid.UUID]*Profile, len(s.profiles)),
		subs:     make(map[uuid.UUID]*Subscription, len(s.subs)),
		payments: make(map[string]*PaymentRecord, len(s.payments)),
		events:   make(map[string]*LedgerEntry, len(s.events)),
	}
	for k, v := range s.profiles {
		cp := *v
		snap.profiles[k] = &cp
	}
	for k, v := range s.subs {
		cp := *v
		snap.subs[k] = &cp
	}
	for k, v := range s.payments {
		cp := *v
		snap.payments[k] = &cp
	}
	for k, v := range s.events {
		cp := *v
		snap.events[k] = &cp
	}
	return snap
}

func (s *memStore) restoreLocked(snap memSnapshot) {
	s.profiles = snap.profiles
	s.subs = snap.subs
	s.payments = snap.payments
	s.events = snap.events
}

type memTx struct {
	s *memStore
}

func (t *memTx) GetSubscription(_ context.Context, userID uuid.UUID) (*Subscription, error) {
	return t.s.getSubscriptionLocked(userID)
}

func (t *memTx) UpsertSubscription(_ context.Context, sub *Subscription) error {
	cp := *sub
	t.s.subs[sub.UserID] = &cp
	return nil
}

func (t *memTx) SetProfileStatus(_ context.Context, userID uuid.UUID, status ProfileStatus) error {
	if t.s.failSetProfileStatus {
		return errors.New("profile write failed")
	}
	p, ok := t.s.profiles[userID]
	if !ok {
		p = &Profile{UserID: userID, CreatedAt: time.Now().UTC()}
		t.s.profiles[userID] = p
	}
	p.SubscriptionStatus = status
	p.UpdatedAt = time.Now().UTC()
	return nil
}

func (t *memTx) SetProfileCustomerID(_ context.Context, userID uuid.UUID, provider ProviderName, customerID string) error {
	p, ok := t.s.profiles[userID]
	if !ok {
		p = &Profile{UserID: userID, SubscriptionStatus: ProfileStatusNone, CreatedAt: time.Now().UTC()}
		t.s.profiles[userID] = p
	}
	switch provider {
	case ProviderStripe:
		p.StripeCustomerID = customerID
	case ProviderPaddle:
		p.PaddleCustomerID = customerID
	}
	return nil
}

func (t *memTx) InsertPaymentRecord(_ context.Context, rec *PaymentRecord) error {
	if _, exists := t.s.payments[rec.ExternalID]; exists {
		return nil
	}
	cp := *rec
	t.s.payments[rec.ExternalID] = &cp
	return nil
}

func (t *memTx) MarkEventProcessed(_ context.Context, fingerprint string) error {
	e, ok := t.s.events[fingerprint]
	if !ok {
		return errors.New("no ledger row for fingerprint")
	}
	now := time.Now().UTC()
	e.Processed = true
	e.ProcessedAt = &now
	return nil
}

func (s *memStore) eventProcessed(fingerprint string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.events[fingerprint]
	return ok && e.Processed
}

func (s *memStore) eventCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.events)
}

func (s *memStore) paymentCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.payments)
}

// memStatusCache is an in-memory StatusCache for gate and reconciler tests.
type memStatusCache struct {
	mu      sync.Mutex
	entries map[uuid.UUID]ProfileStatus

	failGet bool
}

func newMemStatusCache() *memStatusCache {
	return &memStatusCache{entries: make(map[uuid.UUID]ProfileStatus)}
}

func (c *memStatusCache) Get(_ context.Context, userID uuid.UUID) (ProfileStatus, bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.failGet {
		return "", false, errors.New("cache unavailable")
	}
	status, ok := c.entries[userID]
	return status, ok, nil
}

func (c *memStatusCache) Set(_ context.Context, userID uuid.UUID, status ProfileStatus) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[userID] = status
	return nil
}

func (c *memStatusCache) Invalidate(_ context.Context, userID uuid.UUID) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.entries, userID)
	return nil
}
