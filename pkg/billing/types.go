package billing

import "time"

// Status represents the current state of a subscription. The set is closed:
// every persisted status is one of the constants below.
type Status string

const (
	StatusTrialing Status = "trialing"
	StatusActive   Status = "active"
	StatusPaused   Status = "paused"
	StatusPastDue  Status = "past_due"
	// StatusCanceledScheduled means cancellation was requested at period end:
	// no further charges occur but entitlements remain until the period ends.
	StatusCanceledScheduled Status = "canceled_scheduled"
	// StatusCanceled is terminal. Re-subscribing starts a logically new
	// subscription; no transition leaves this state.
	StatusCanceled Status = "canceled"
)

// Valid reports whether s is a member of the closed status set.
func (s Status) Valid() bool {
	switch s {
	case StatusTrialing, StatusActive, StatusPaused, StatusPastDue,
		StatusCanceledScheduled, StatusCanceled:
		return true
	}
	return false
}

// Terminal reports whether no further transitions are permitted from s.
func (s Status) Terminal() bool {
	return s == StatusCanceled
}

// BillingInterval represents the billing frequency for a subscription plan.
type BillingInterval string

const (
	BillingIntervalNone    BillingInterval = "none" // free plans with no billing
	BillingIntervalMonthly BillingInterval = "month"
	BillingIntervalYearly  BillingInterval = "year"
)

// Money represents a monetary amount in the smallest currency unit.
// For example, $10.99 USD is Amount: 1099, Currency: "USD".
type Money struct {
	Amount   int64  `yaml:"amount" json:"amount"`
	Currency string `yaml:"currency" json:"currency"`
}

// Period holds the current billing period boundaries as reported by the
// external processor.
type Period struct {
	Start time.Time `json:"start"`
	End   time.Time `json:"end"`
}

// IsZero reports whether the period carries no information.
func (p Period) IsZero() bool {
	return p.Start.IsZero() && p.End.IsZero()
}

// EventOutcome records how the reconciler disposed of an external event.
type EventOutcome string

const (
	// OutcomeApplied means the event moved local state forward.
	OutcomeApplied EventOutcome = "applied"
	// OutcomeIgnoredDuplicate means the event id was already processed.
	OutcomeIgnoredDuplicate EventOutcome = "ignored_duplicate"
	// OutcomeIgnoredStale means the event carried ordering metadata older
	// than the committed state and was dropped to avoid moving backward.
	OutcomeIgnoredStale EventOutcome = "ignored_stale"
	// OutcomeIgnoredUnknown means the event referenced no known subscription
	// or an event kind outside the handled set.
	OutcomeIgnoredUnknown EventOutcome = "ignored_unknown"
)
