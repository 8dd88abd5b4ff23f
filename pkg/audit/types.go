package audit

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Actor identifies which write path produced an entry.
type Actor string

const (
	// ActorInteractive marks transitions requested by tenant-facing code.
	ActorInteractive Actor = "interactive"
	// ActorReconciler marks transitions applied from external events.
	ActorReconciler Actor = "reconciler"
	// ActorRepair marks transitions applied by the periodic repair pass.
	ActorRepair Actor = "repair"
)

// Entry is a single activity log record. Entries are append-only: they are
// never mutated or deleted once stored.
type Entry struct {
	ID        string         `json:"id"`
	TenantID  uuid.UUID      `json:"tenant_id"`
	Action    string         `json:"action"`
	Actor     Actor          `json:"actor"`
	Status    string         `json:"status"` // resulting subscription status
	Metadata  map[string]any `json:"metadata,omitempty"`
	CreatedAt time.Time      `json:"created_at"`
}

// Validate checks that the entry has all required fields.
func (e *Entry) Validate() error {
	if e.Action == "" {
		return fmt.Errorf("%w: action is required", ErrEntryValidation)
	}
	if e.Actor == "" {
		return fmt.Errorf("%w: actor is required", ErrEntryValidation)
	}
	return nil
}

// EntryOption applies optional fields to an Entry during creation.
type EntryOption func(*Entry)

// WithMetadata attaches a metadata key/value to the entry.
func WithMetadata(key string, value any) EntryOption {
	return func(e *Entry) {
		if e.Metadata == nil {
			e.Metadata = make(map[string]any)
		}
		e.Metadata[key] = value
	}
}

// Criteria filters activity log queries.
type Criteria struct {
	TenantID *uuid.UUID
	Actor    Actor
	Action   string
	Since    time.Time
	Limit    int
}
