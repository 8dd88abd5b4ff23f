package billing

import (
	"time"

	"github.com/google/uuid"
)

// Subscription is the canonical, locally-persisted billing record for a
// tenant. Each tenant has exactly one row; cancellation is a terminal status,
// never a deletion, so historical billing and audit queries stay valid.
//
// Version increases by one on every committed mutation and guards both write
// paths: a writer that loaded version N may only commit if the row is still
// at version N.
type Subscription struct {
	TenantID           uuid.UUID // primary key - one subscription per tenant
	PlanKey            string
	Status             Status
	ProviderCustomerID string // never reassigned to a different tenant once set
	ProviderSubID      string
	CurrentPeriodStart time.Time
	CurrentPeriodEnd   time.Time
	CancelAtPeriodEnd  bool
	PendingPlanKey     *string // set while a plan change awaits external confirmation
	Version            int64
	LastEventID        string    // id of the last applied external event
	LastEventAt        time.Time // processor-side timestamp of that event
	NeedsRepair        bool      // gateway succeeded but local commit failed
	RepairReason       string
	CreatedAt          time.Time
	UpdatedAt          time.Time
}

func (s *Subscription) IsTrialing() bool {
	return s.Status == StatusTrialing
}

func (s *Subscription) IsActive() bool {
	return s.Status == StatusActive
}

func (s *Subscription) IsCanceled() bool {
	return s.Status == StatusCanceled
}

// Free reports whether the subscription has no external billing counterpart.
func (s *Subscription) Free() bool {
	return s.ProviderSubID == ""
}

// EntitledAt reports whether the tenant keeps plan entitlements at the given
// time. A scheduled cancellation retains entitlements until period end.
func (s *Subscription) EntitledAt(now time.Time) bool {
	switch s.Status {
	case StatusTrialing, StatusActive, StatusPastDue:
		return true
	case StatusCanceledScheduled:
		return s.CurrentPeriodEnd.IsZero() || now.Before(s.CurrentPeriodEnd)
	default:
		return false
	}
}

// Entitled reports whether the tenant currently keeps plan entitlements.
func (s *Subscription) Entitled() bool {
	return s.EntitledAt(time.Now().UTC())
}
