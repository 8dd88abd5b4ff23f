package billing

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
)

// memStore is an in-memory Store for tests and development mode. All methods
// share one mutex, which trivially gives ApplyEvent its atomicity.
type memStore struct {
	mu     sync.RWMutex
	subs   map[uuid.UUID]Subscription
	bySub  map[string]uuid.UUID // provider subscription id -> tenant
	events map[string]EventRecord
}

// NewMemStore returns an empty in-memory Store.
func NewMemStore() Store {
	return &memStore{
		subs:   make(map[uuid.UUID]Subscription),
		bySub:  make(map[string]uuid.UUID),
		events: make(map[string]EventRecord),
	}
}

func (s *memStore) Get(ctx context.Context, tenantID uuid.UUID) (*Subscription, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	sub, ok := s.subs[tenantID]
	if !ok {
		return nil, ErrSubscriptionNotFound
	}
	return &sub, nil
}

func (s *memStore) GetByProviderSubID(ctx context.Context, providerSubID string) (*Subscription, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	tenantID, ok := s.bySub[providerSubID]
	if !ok {
		return nil, ErrSubscriptionNotFound
	}
	sub := s.subs[tenantID]
	return &sub, nil
}

func (s *memStore) Create(ctx context.Context, sub *Subscription) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.subs[sub.TenantID]; exists {
		return ErrSubscriptionAlreadyExists
	}

	now := time.Now().UTC()
	sub.Version = 1
	sub.CreatedAt = now
	sub.UpdatedAt = now
	s.commit(*sub)
	return nil
}

func (s *memStore) UpdateCAS(ctx context.Context, sub *Subscription, expectedVersion int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.updateCASLocked(sub, expectedVersion)
}

func (s *memStore) updateCASLocked(sub *Subscription, expectedVersion int64) error {
	current, exists := s.subs[sub.TenantID]
	if !exists {
		return ErrSubscriptionNotFound
	}
	if current.Version != expectedVersion {
		return ErrConcurrentModification
	}

	sub.Version = expectedVersion + 1
	sub.UpdatedAt = time.Now().UTC()
	s.commit(*sub)
	return nil
}

func (s *memStore) commit(sub Subscription) {
	// A re-subscription replaces the provider subscription id; the dead
	// generation's id must stop resolving to this tenant or a late event for
	// it would land on the fresh subscription.
	if prev, ok := s.subs[sub.TenantID]; ok && prev.ProviderSubID != "" && prev.ProviderSubID != sub.ProviderSubID {
		delete(s.bySub, prev.ProviderSubID)
	}
	s.subs[sub.TenantID] = sub
	if sub.ProviderSubID != "" {
		s.bySub[sub.ProviderSubID] = sub.TenantID
	}
}

func (s *memStore) FlagRepair(ctx context.Context, tenantID uuid.UUID, reason string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	sub, exists := s.subs[tenantID]
	if !exists {
		return ErrSubscriptionNotFound
	}
	sub.NeedsRepair = true
	sub.RepairReason = reason
	sub.UpdatedAt = time.Now().UTC()
	s.subs[tenantID] = sub
	return nil
}

func (s *memStore) ListFlaggedForRepair(ctx context.Context) ([]*Subscription, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []*Subscription
	for _, sub := range s.subs {
		if sub.NeedsRepair {
			copied := sub
			result = append(result, &copied)
		}
	}
	return result, nil
}

func (s *memStore) GetEvent(ctx context.Context, eventID string) (*EventRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rec, ok := s.events[eventID]
	if !ok {
		return nil, ErrEventNotFound
	}
	return &rec, nil
}

func (s *memStore) RecordEvent(ctx context.Context, rec EventRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.events[rec.EventID]; !exists {
		s.events[rec.EventID] = rec
	}
	return nil
}

func (s *memStore) ApplyEvent(ctx context.Context, sub *Subscription, expectedVersion int64, rec EventRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.updateCASLocked(sub, expectedVersion); err != nil {
		return err
	}
	s.events[rec.EventID] = rec
	return nil
}

func (s *memStore) PruneEvents(ctx context.Context, cutoff time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var pruned int64
	for id, rec := range s.events {
		if rec.ReceivedAt.Before(cutoff) {
			delete(s.events, id)
			pruned++
		}
	}
	return pruned, nil
}
