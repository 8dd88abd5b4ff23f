package audit

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// Storage persists activity log entries. Implementations only need atomic
// single-entry appends, no cross-entry coordination is required.
type Storage interface {
	Store(ctx context.Context, entry Entry) error
	Query(ctx context.Context, criteria Criteria) ([]Entry, error)
}

// Logger records committed subscription transitions.
type Logger interface {
	Record(ctx context.Context, tenantID uuid.UUID, actor Actor, action, status string, opts ...EntryOption) error
}

// Reader queries the activity log for audit and support tooling.
type Reader interface {
	Find(ctx context.Context, criteria Criteria) ([]Entry, error)
	// LastTransition returns the most recent entry for a tenant, used to
	// compute "time since last transition" in support tooling.
	LastTransition(ctx context.Context, tenantID uuid.UUID) (*Entry, error)
}

type logger struct {
	storage Storage
}

// NewLogger creates an activity logger backed by the given storage.
func NewLogger(storage Storage) Logger {
	if storage == nil {
		panic("audit: storage cannot be nil")
	}
	return &logger{storage: storage}
}

func (l *logger) Record(ctx context.Context, tenantID uuid.UUID, actor Actor, action, status string, opts ...EntryOption) error {
	entry := Entry{
		ID:        uuid.New().String(),
		TenantID:  tenantID,
		Action:    action,
		Actor:     actor,
		Status:    status,
		CreatedAt: time.Now().UTC(),
	}

	for _, opt := range opts {
		opt(&entry)
	}

	if err := entry.Validate(); err != nil {
		return err
	}

	return l.storage.Store(ctx, entry)
}

type reader struct {
	storage Storage
}

// NewReader creates an activity log reader backed by the given storage.
func NewReader(storage Storage) Reader {
	if storage == nil {
		panic("audit: storage cannot be nil")
	}
	return &reader{storage: storage}
}

func (r *reader) Find(ctx context.Context, criteria Criteria) ([]Entry, error) {
	return r.storage.Query(ctx, criteria)
}

func (r *reader) LastTransition(ctx context.Context, tenantID uuid.UUID) (*Entry, error) {
	entries, err := r.storage.Query(ctx, Criteria{TenantID: &tenantID, Limit: 1})
	if err != nil {
		return nil, err
	}
	if len(entries) == 0 {
		return nil, ErrEntryNotFound
	}
	return &entries[0], nil
}
