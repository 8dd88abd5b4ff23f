package billing

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// PaymentGateway is the only component allowed to talk to the external
// payment processor. Every mutating call carries an idempotency key so a
// retried network call cannot double-apply; read calls are safe to retry
// without one.
//
// Implementations use the official provider SDK and translate provider
// errors into *GatewayError values carrying a retryability flag. A call that
// exceeds its deadline must wrap ErrGatewayTimeout so callers can report the
// outcome as unknown instead of assuming failure.
type PaymentGateway interface {
	CreateCustomerAndSubscription(ctx context.Context, req CreateSubscriptionRequest) (*CreateSubscriptionResult, error)
	ChangePlan(ctx context.Context, req ChangePlanRequest) (*Period, error)
	Pause(ctx context.Context, req LifecycleRequest) error
	Resume(ctx context.Context, req LifecycleRequest) error
	Cancel(ctx context.Context, req CancelRequest) error

	// ListInvoices returns the tenant's payment history. Read-only.
	ListInvoices(ctx context.Context, providerCustomerID string) ([]Invoice, error)
	// FetchSubscription reads the processor's current view of a
	// subscription. Used by the repair pass to heal drifted records.
	FetchSubscription(ctx context.Context, providerSubID string) (*RemoteSubscription, error)

	// MintPrice and ArchivePrice back administrative price rotation.
	PriceMinter

	// ParseWebhook verifies the event signature and maps the payload onto
	// the closed event kind set. Verification failure is the only error.
	ParseWebhook(payload []byte, signature string) (*GatewayEvent, error)
}

// IdempotencyKey derives a deterministic key for a mutating gateway call from
// the tenant, the operation, and the subscription version the caller loaded.
// A retry of the same logical operation produces the same key; a new attempt
// after a committed change produces a different one.
func IdempotencyKey(tenantID uuid.UUID, op string, version int64) string {
	return fmt.Sprintf("%s:%s:v%d", tenantID, op, version)
}

// CreateSubscriptionRequest asks the processor for a new customer plus
// subscription on the given plan.
type CreateSubscriptionRequest struct {
	TenantID       uuid.UUID
	Plan           Plan
	Email          string
	IdempotencyKey string
}

// CreateSubscriptionResult carries the external identifiers and the payment
// setup handle the UI needs to collect a payment method.
type CreateSubscriptionResult struct {
	CustomerID     string
	SubscriptionID string
	ClientSecret   string // payment-setup handle, empty for trial starts
	Status         Status // trialing or active
	Period         Period
}

// ChangePlanRequest swaps the subscription onto a new provider price.
// Proration is computed by the processor.
type ChangePlanRequest struct {
	SubscriptionID string
	NewPriceID     string
	Prorate        bool
	IdempotencyKey string
}

// LifecycleRequest addresses a pause or resume call.
type LifecycleRequest struct {
	SubscriptionID string
	IdempotencyKey string
}

// CancelRequest ends a subscription either immediately or at period end.
type CancelRequest struct {
	SubscriptionID string
	Immediate      bool
	IdempotencyKey string
}

// Invoice is one entry of a tenant's payment history.
type Invoice struct {
	ID        string    `json:"id"`
	Amount    Money     `json:"amount"`
	Status    string    `json:"status"`
	HostedURL string    `json:"hosted_url,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

// RemoteSubscription is the processor's current view of a subscription,
// consumed by the repair pass.
type RemoteSubscription struct {
	SubscriptionID    string
	Status            Status
	PriceID           string
	Period            Period
	CancelAtPeriodEnd bool
}
