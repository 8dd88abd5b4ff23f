package audit

import (
	"context"
	"sync"
)

// memoryStorage keeps entries in memory, newest first. Intended for tests and
// development mode.
type memoryStorage struct {
	mu      sync.RWMutex
	entries []Entry
}

// NewMemoryStorage returns an in-memory Storage implementation.
func NewMemoryStorage() Storage {
	return &memoryStorage{}
}

func (s *memoryStorage) Store(ctx context.Context, entry Entry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries = append(s.entries, entry)
	return nil
}

func (s *memoryStorage) Query(ctx context.Context, criteria Criteria) ([]Entry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []Entry
	// Iterate newest first so Limit returns the most recent entries.
	for i := len(s.entries) - 1; i >= 0; i-- {
		entry := s.entries[i]
		if criteria.TenantID != nil && entry.TenantID != *criteria.TenantID {
			continue
		}
		if criteria.Actor != "" && entry.Actor != criteria.Actor {
			continue
		}
		if criteria.Action != "" && entry.Action != criteria.Action {
			continue
		}
		if !criteria.Since.IsZero() && entry.CreatedAt.Before(criteria.Since) {
			continue
		}
		result = append(result, entry)
		if criteria.Limit > 0 && len(result) >= criteria.Limit {
			break
		}
	}
	return result, nil
}
