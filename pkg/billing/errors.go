package billing

import (
	"errors"
	"fmt"
)

var (
	ErrPlanNotFound     = errors.New("billing: plan not found")
	ErrPlanNotAvailable = errors.New("billing: plan not available for subscription")
	ErrSamePlan         = errors.New("billing: subscription already on requested plan")

	ErrSubscriptionNotFound      = errors.New("billing: subscription not found")
	ErrSubscriptionAlreadyExists = errors.New("billing: subscription already exists")

	ErrEventNotFound = errors.New("billing: external event record not found")

	// ErrInvalidTransition rejects an interactive operation that is not legal
	// from the subscription's current status.
	ErrInvalidTransition = errors.New("billing: invalid status transition")

	// ErrConcurrentModification means another writer committed between this
	// operation's read and its write. The caller must retry from fresh state.
	ErrConcurrentModification = errors.New("billing: concurrent modification detected")

	// ErrUnknownOutcome means the gateway call timed out before confirming:
	// the external operation may or may not have been applied. The caller
	// must wait for reconciliation instead of retrying a mutating call.
	ErrUnknownOutcome = errors.New("billing: operation outcome unknown, await reconciliation")

	// ErrUnauthenticated rejects a webhook whose signature failed verification.
	ErrUnauthenticated = errors.New("billing: webhook signature verification failed")

	// ErrGatewayTimeout marks a gateway call that exceeded its deadline.
	ErrGatewayTimeout = errors.New("billing: payment gateway call timed out")
)

// GatewayError wraps a failure returned by the external payment processor,
// carrying whether a retry could succeed. Mutating calls must not be retried
// blindly even when Retryable is set; only the idempotency key makes a retry
// safe.
type GatewayError struct {
	Op        string
	Retryable bool
	Err       error
}

func (e *GatewayError) Error() string {
	return fmt.Sprintf("billing: gateway %s failed (retryable=%t): %v", e.Op, e.Retryable, e.Err)
}

func (e *GatewayError) Unwrap() error {
	return e.Err
}

// IsRetryable reports whether err is a gateway failure worth retrying.
func IsRetryable(err error) bool {
	var ge *GatewayError
	return errors.As(err, &ge) && ge.Retryable
}
