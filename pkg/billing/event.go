package billing

import "time"

// EventKind is the closed set of external event kinds the reconciler handles.
// Provider implementations map their own event names onto these; anything
// outside the set becomes KindUnhandled and is acknowledged without effect.
type EventKind string

const (
	// KindPaymentSucceeded covers the first successful charge at trial end
	// and a successful retry after a failure.
	KindPaymentSucceeded EventKind = "payment_succeeded"
	// KindPaymentFailed marks a failed charge; retries stay with the
	// processor, the local record only mirrors the past_due status.
	KindPaymentFailed EventKind = "payment_failed"
	// KindPeriodRenewed advances the billing period boundaries.
	KindPeriodRenewed EventKind = "period_renewed"
	// KindSubscriptionEnded mirrors the processor's termination decision.
	KindSubscriptionEnded EventKind = "subscription_ended"
	// KindUnhandled is any provider event outside the mapped set.
	KindUnhandled EventKind = "unhandled"
)

// GatewayEvent is a verified, normalized event notification from the
// external processor.
type GatewayEvent struct {
	ID             string    // processor-assigned event id, unique per delivery attempt group
	Kind           EventKind
	ProviderType   string    // original provider event name, for logging
	SubscriptionID string    // provider subscription id the event refers to
	OccurredAt     time.Time // the processor's canonical ordering timestamp
	Period         Period    // new period boundaries when the event carries them
}

// EventRecord is the idempotency ledger entry for one processed external
// event. Records are retained at least as long as the processor may redeliver.
type EventRecord struct {
	EventID    string
	Type       string
	Outcome    EventOutcome
	ReceivedAt time.Time
}
