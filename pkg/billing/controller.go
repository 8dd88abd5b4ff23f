package billing

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/placecardhq/placecard/pkg/audit"
)

// Controller orchestrates interactive subscription lifecycle operations.
// Every operation follows the same shape: load the record, validate the
// transition against the closed table, perform the external call, then commit
// locally with a compare-and-swap on the loaded version. Nothing is mutated
// locally before the processor confirms.
type Controller struct {
	store          Store
	gateway        PaymentGateway
	catalog        Catalog
	activity       audit.Logger
	log            *slog.Logger
	gatewayTimeout time.Duration
}

// ControllerOption configures optional Controller settings.
type ControllerOption func(*Controller)

// WithControllerLogger sets the structured logger.
func WithControllerLogger(log *slog.Logger) ControllerOption {
	return func(c *Controller) {
		if log != nil {
			c.log = log
		}
	}
}

// WithGatewayTimeout bounds every external processor call.
func WithGatewayTimeout(d time.Duration) ControllerOption {
	return func(c *Controller) {
		if d > 0 {
			c.gatewayTimeout = d
		}
	}
}

// NewController creates a Controller. Panics if a required dependency is nil
// to fail fast during initialization.
func NewController(store Store, gateway PaymentGateway, catalog Catalog, activity audit.Logger, opts ...ControllerOption) *Controller {
	if store == nil {
		panic("billing: store is required")
	}
	if gateway == nil {
		panic("billing: gateway is required")
	}
	if catalog == nil {
		panic("billing: catalog is required")
	}
	if activity == nil {
		panic("billing: activity logger is required")
	}

	c := &Controller{
		store:          store,
		gateway:        gateway,
		catalog:        catalog,
		activity:       activity,
		log:            slog.New(slog.DiscardHandler),
		gatewayTimeout: 15 * time.Second,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// PaymentSetup is returned from CreateSubscription so the UI layer can finish
// collecting a payment method when the processor requires one.
type PaymentSetup struct {
	ClientSecret string `json:"client_secret,omitempty"`
	Status       Status `json:"status"`
}

// CreateSubscription subscribes a tenant to a plan. A tenant may hold at most
// one live subscription; re-subscribing after cancellation reuses the row but
// starts a logically new subscription with fresh external identifiers.
func (c *Controller) CreateSubscription(ctx context.Context, tenantID uuid.UUID, planKey, email string) (*PaymentSetup, error) {
	plan, err := c.catalog.Get(ctx, planKey)
	if err != nil {
		return nil, err
	}
	if !plan.Active {
		return nil, ErrPlanNotAvailable
	}

	var prior *Subscription
	switch existing, err := c.store.Get(ctx, tenantID); {
	case err == nil:
		if !existing.Status.Terminal() {
			return nil, ErrSubscriptionAlreadyExists
		}
		prior = existing
	case errors.Is(err, ErrSubscriptionNotFound):
	default:
		return nil, err
	}

	now := time.Now().UTC()
	sub := &Subscription{
		TenantID:  tenantID,
		PlanKey:   planKey,
		Status:    StatusActive,
		CreatedAt: now,
	}

	// Free plans bypass the processor entirely and activate immediately.
	if plan.Free() {
		if err := c.commitNew(ctx, sub, prior); err != nil {
			return nil, err
		}
		c.audit(ctx, tenantID, "subscription.create", sub.Status, "plan_key", planKey)
		return &PaymentSetup{Status: sub.Status}, nil
	}

	nextVersion := int64(1)
	if prior != nil {
		nextVersion = prior.Version + 1
	}
	res, err := c.gateway.CreateCustomerAndSubscription(ctx, CreateSubscriptionRequest{
		TenantID:       tenantID,
		Plan:           plan,
		Email:          email,
		IdempotencyKey: IdempotencyKey(tenantID, "create", nextVersion),
	})
	if err != nil {
		return nil, c.classify(err)
	}

	sub.Status = res.Status
	if !sub.Status.Valid() {
		if plan.TrialDays > 0 {
			sub.Status = StatusTrialing
		} else {
			sub.Status = StatusActive
		}
	}
	sub.ProviderCustomerID = res.CustomerID
	sub.ProviderSubID = res.SubscriptionID
	sub.CurrentPeriodStart = res.Period.Start
	sub.CurrentPeriodEnd = res.Period.End

	if err := c.commitNew(ctx, sub, prior); err != nil {
		// The external subscription exists but the local record does not
		// reflect it. This divergence must stay observable.
		c.markDrift(ctx, sub, "create committed externally but not locally")
		return nil, err
	}

	c.audit(ctx, tenantID, "subscription.create", sub.Status, "plan_key", planKey)
	return &PaymentSetup{ClientSecret: res.ClientSecret, Status: sub.Status}, nil
}

// ChangePlan moves a subscription onto a different plan. Proration is
// delegated to the processor; locally only the plan key and the returned
// period boundaries change, the status stays as it was.
func (c *Controller) ChangePlan(ctx context.Context, tenantID uuid.UUID, newPlanKey string) (*Subscription, error) {
	sub, err := c.store.Get(ctx, tenantID)
	if err != nil {
		return nil, err
	}
	if sub.Status != StatusActive && sub.Status != StatusTrialing {
		return nil, fmt.Errorf("%w: cannot change plan from %s", ErrInvalidTransition, sub.Status)
	}
	if sub.PlanKey == newPlanKey {
		return nil, ErrSamePlan
	}
	if sub.Free() {
		return nil, fmt.Errorf("%w: free subscriptions must subscribe anew", ErrInvalidTransition)
	}

	newPlan, err := c.catalog.Get(ctx, newPlanKey)
	if err != nil {
		return nil, err
	}
	if !newPlan.Active || newPlan.Free() {
		return nil, ErrPlanNotAvailable
	}

	period, err := c.gateway.ChangePlan(ctx, ChangePlanRequest{
		SubscriptionID: sub.ProviderSubID,
		NewPriceID:     newPlan.ProviderPriceID,
		Prorate:        true,
		IdempotencyKey: IdempotencyKey(tenantID, "change_plan", sub.Version),
	})
	if err != nil {
		return nil, c.classify(err)
	}

	oldPlanKey := sub.PlanKey
	updated := *sub
	updated.PlanKey = newPlanKey
	updated.PendingPlanKey = nil
	if period != nil && !period.IsZero() {
		updated.CurrentPeriodStart = period.Start
		updated.CurrentPeriodEnd = period.End
	}

	if err := c.commitUpdate(ctx, &updated, sub.Version, "plan change committed externally but not locally"); err != nil {
		return nil, err
	}

	c.audit(ctx, tenantID, "subscription.change_plan", updated.Status,
		"from_plan", oldPlanKey, "to_plan", newPlanKey)
	return &updated, nil
}

// Pause suspends billing without ending the subscription.
func (c *Controller) Pause(ctx context.Context, tenantID uuid.UUID) (*Subscription, error) {
	return c.lifecycle(ctx, tenantID, StatusPaused, "subscription.pause", func(ctx context.Context, sub *Subscription) error {
		return c.gateway.Pause(ctx, LifecycleRequest{
			SubscriptionID: sub.ProviderSubID,
			IdempotencyKey: IdempotencyKey(tenantID, "pause", sub.Version),
		})
	})
}

// Resume restores billing on a paused subscription; the period anchor is
// unchanged.
func (c *Controller) Resume(ctx context.Context, tenantID uuid.UUID) (*Subscription, error) {
	return c.lifecycle(ctx, tenantID, StatusActive, "subscription.resume", func(ctx context.Context, sub *Subscription) error {
		return c.gateway.Resume(ctx, LifecycleRequest{
			SubscriptionID: sub.ProviderSubID,
			IdempotencyKey: IdempotencyKey(tenantID, "resume", sub.Version),
		})
	})
}

// Cancel ends a subscription. With immediate=false the record moves to
// canceled_scheduled now and only reaches canceled when the processor reports
// the period end; with immediate=true it moves straight to canceled.
func (c *Controller) Cancel(ctx context.Context, tenantID uuid.UUID, immediate bool) (*Subscription, error) {
	target := StatusCanceledScheduled
	action := "subscription.cancel_scheduled"
	if immediate {
		target = StatusCanceled
		action = "subscription.cancel"
	}

	sub, err := c.store.Get(ctx, tenantID)
	if err != nil {
		return nil, err
	}
	if !CanTransition(sub.Status, target) {
		return nil, fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, sub.Status, target)
	}

	if !sub.Free() {
		err := c.gateway.Cancel(ctx, CancelRequest{
			SubscriptionID: sub.ProviderSubID,
			Immediate:      immediate,
			IdempotencyKey: IdempotencyKey(tenantID, action, sub.Version),
		})
		if err != nil {
			return nil, c.classify(err)
		}
	}

	updated := *sub
	updated.Status = target
	updated.CancelAtPeriodEnd = !immediate

	if err := c.commitUpdate(ctx, &updated, sub.Version, "cancellation committed externally but not locally"); err != nil {
		return nil, err
	}

	c.audit(ctx, tenantID, action, updated.Status)
	return &updated, nil
}

// GetSubscription returns the tenant's subscription record.
func (c *Controller) GetSubscription(ctx context.Context, tenantID uuid.UUID) (*Subscription, error) {
	return c.store.Get(ctx, tenantID)
}

// PaymentHistory lists the tenant's invoices from the processor. Read-only
// and safe to retry.
func (c *Controller) PaymentHistory(ctx context.Context, tenantID uuid.UUID) ([]Invoice, error) {
	sub, err := c.store.Get(ctx, tenantID)
	if err != nil {
		return nil, err
	}
	if sub.Free() {
		return nil, nil
	}

	ctx, cancel := context.WithTimeout(ctx, c.gatewayTimeout)
	defer cancel()
	return c.gateway.ListInvoices(ctx, sub.ProviderCustomerID)
}

// lifecycle implements pause and resume, which share everything except the
// gateway call and target status.
func (c *Controller) lifecycle(ctx context.Context, tenantID uuid.UUID, target Status, action string, call func(context.Context, *Subscription) error) (*Subscription, error) {
	sub, err := c.store.Get(ctx, tenantID)
	if err != nil {
		return nil, err
	}
	if !CanTransition(sub.Status, target) {
		return nil, fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, sub.Status, target)
	}
	if sub.Free() {
		return nil, fmt.Errorf("%w: free subscriptions have no billing to %s", ErrInvalidTransition, action)
	}

	if err := call(ctx, sub); err != nil {
		return nil, c.classify(err)
	}

	updated := *sub
	updated.Status = target

	if err := c.commitUpdate(ctx, &updated, sub.Version, action+" committed externally but not locally"); err != nil {
		return nil, err
	}

	c.audit(ctx, tenantID, action, updated.Status)
	return &updated, nil
}

// commitNew inserts a fresh subscription, or overwrites the terminal row via
// CAS when the tenant re-subscribes after cancellation.
func (c *Controller) commitNew(ctx context.Context, sub *Subscription, prior *Subscription) error {
	if prior == nil {
		return c.store.Create(ctx, sub)
	}
	return c.store.UpdateCAS(ctx, sub, prior.Version)
}

// commitUpdate commits a post-gateway mutation. Any failure here leaves
// external and local state diverged, so the record is flagged for repair
// before the error is returned.
func (c *Controller) commitUpdate(ctx context.Context, sub *Subscription, expectedVersion int64, driftReason string) error {
	err := c.store.UpdateCAS(ctx, sub, expectedVersion)
	if err == nil {
		return nil
	}
	c.markDrift(ctx, sub, driftReason)
	return err
}

// markDrift records the pending-reconciliation marker. Best effort: if even
// the flag write fails the divergence is still surfaced through the log.
func (c *Controller) markDrift(ctx context.Context, sub *Subscription, reason string) {
	if err := c.store.FlagRepair(ctx, sub.TenantID, reason); err != nil {
		c.log.ErrorContext(ctx, "failed to flag subscription for repair, manual intervention required",
			"tenant_id", sub.TenantID,
			"provider_subscription_id", sub.ProviderSubID,
			"reason", reason,
			"error", err,
		)
		return
	}
	c.log.WarnContext(ctx, "subscription flagged for repair",
		"tenant_id", sub.TenantID, "reason", reason)
}

// classify maps a gateway timeout onto the unknown outcome: the external call
// may have succeeded, so the caller must not retry and must await
// reconciliation.
func (c *Controller) classify(err error) error {
	if errors.Is(err, ErrGatewayTimeout) || errors.Is(err, context.DeadlineExceeded) {
		return errors.Join(ErrUnknownOutcome, err)
	}
	return err
}

// audit appends an activity entry for a committed transition. Failures are
// logged, not propagated: the transition itself already committed.
func (c *Controller) audit(ctx context.Context, tenantID uuid.UUID, action string, status Status, kv ...any) {
	opts := make([]audit.EntryOption, 0, len(kv)/2)
	for i := 0; i+1 < len(kv); i += 2 {
		opts = append(opts, audit.WithMetadata(kv[i].(string), kv[i+1]))
	}
	if err := c.activity.Record(ctx, tenantID, audit.ActorInteractive, action, string(status), opts...); err != nil {
		c.log.WarnContext(ctx, "failed to append activity log entry",
			"tenant_id", tenantID, "action", action, "error", err)
	}
}
