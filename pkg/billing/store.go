package billing

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// Store persists subscriptions and the external event ledger.
//
// UpdateCAS is the single concurrency primitive shared by the controller and
// the reconciler: it commits the given record only if the stored row is still
// at expectedVersion, bumping the version by one. A mismatch returns
// ErrConcurrentModification and the caller must reload and retry rather than
// overwrite.
type Store interface {
	Get(ctx context.Context, tenantID uuid.UUID) (*Subscription, error)
	GetByProviderSubID(ctx context.Context, providerSubID string) (*Subscription, error)

	// Create inserts a new subscription at version 1. Returns
	// ErrSubscriptionAlreadyExists when the tenant already has a row.
	Create(ctx context.Context, sub *Subscription) error

	// UpdateCAS commits sub if the stored row is still at expectedVersion.
	// On success sub.Version is expectedVersion+1 and UpdatedAt is refreshed.
	UpdateCAS(ctx context.Context, sub *Subscription, expectedVersion int64) error

	// FlagRepair marks a subscription as diverged from external truth. It is
	// deliberately version-free: it must succeed even when the record moved,
	// because losing the marker would hide the divergence.
	FlagRepair(ctx context.Context, tenantID uuid.UUID, reason string) error
	ListFlaggedForRepair(ctx context.Context) ([]*Subscription, error)

	// GetEvent returns the ledger record for an external event id, or
	// ErrEventNotFound.
	GetEvent(ctx context.Context, eventID string) (*EventRecord, error)
	// RecordEvent writes a ledger record for an event that changed nothing.
	RecordEvent(ctx context.Context, rec EventRecord) error
	// ApplyEvent commits the subscription mutation and the ledger record in
	// one transaction, so a crash between the two cannot half-apply an event.
	ApplyEvent(ctx context.Context, sub *Subscription, expectedVersion int64, rec EventRecord) error
	// PruneEvents drops ledger records received before the cutoff and
	// returns how many were removed.
	PruneEvents(ctx context.Context, cutoff time.Time) (int64, error)
}
