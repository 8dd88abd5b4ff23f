package billing

// interactiveTransitions is the closed table of status changes an interactive
// operation may request. Plan changes are deliberately absent: they keep the
// current status and only swap the plan.
var interactiveTransitions = map[Status][]Status{
	StatusTrialing: {StatusCanceledScheduled, StatusCanceled},
	StatusActive:   {StatusPaused, StatusCanceledScheduled, StatusCanceled},
	StatusPaused:   {StatusActive, StatusCanceledScheduled, StatusCanceled},
	StatusPastDue:  {StatusCanceled},
	// Scheduled cancellation can still be converted to an immediate one.
	StatusCanceledScheduled: {StatusCanceled},
	StatusCanceled:          {},
}

// CanTransition reports whether an interactive operation may move a
// subscription from one status to another.
func CanTransition(from, to Status) bool {
	for _, allowed := range interactiveTransitions[from] {
		if allowed == to {
			return true
		}
	}
	return false
}

// transitionForEvent maps an external event kind onto a target status given
// the current one. The second return value is false when the event has no
// legal effect from the current status, which the reconciler treats as stale:
// the local record already moved past the state the event describes.
func transitionForEvent(kind EventKind, current Status) (Status, bool) {
	switch kind {
	case KindPaymentSucceeded:
		// First successful charge at trial end, or a recovered retry.
		if current == StatusTrialing || current == StatusPastDue {
			return StatusActive, true
		}
	case KindPaymentFailed:
		if current == StatusActive {
			return StatusPastDue, true
		}
	case KindPeriodRenewed:
		// Renewals keep the status and advance the period boundaries.
		if current == StatusActive || current == StatusPastDue {
			return current, true
		}
	case KindSubscriptionEnded:
		// The processor's termination decision is mirrored locally, whether
		// it comes from a scheduled cancellation reaching period end or from
		// exhausted payment retries.
		if !current.Terminal() {
			return StatusCanceled, true
		}
	}
	return current, false
}
