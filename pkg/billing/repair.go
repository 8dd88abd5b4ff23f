package billing

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/placecardhq/placecard/pkg/audit"
)

// RepairReport summarizes one pass over the repair queue.
type RepairReport struct {
	Flagged  int             `json:"flagged"`
	Healed   int             `json:"healed"`
	Failed   int             `json:"failed"`
	Failures []RepairFailure `json:"failures,omitempty"`
	RanAt    time.Time       `json:"ran_at"`
}

// RepairFailure describes one subscription that could not be healed this pass.
type RepairFailure struct {
	TenantID uuid.UUID `json:"tenant_id"`
	Reason   string    `json:"reason"`
}

// Repairer heals subscriptions flagged as diverged from processor truth. For
// each flagged record it fetches the processor's current view and overwrites
// the local copy with it, since the processor is the source of truth for
// everything that happened externally.
type Repairer struct {
	store    Store
	gateway  PaymentGateway
	catalog  Catalog
	activity audit.Logger
	log      *slog.Logger
}

// NewRepairer creates a Repairer. Panics if a required dependency is nil.
func NewRepairer(store Store, gateway PaymentGateway, catalog Catalog, activity audit.Logger, opts ...RepairerOption) *Repairer {
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

	r := &Repairer{
		store:    store,
		gateway:  gateway,
		catalog:  catalog,
		activity: activity,
		log:      slog.New(slog.DiscardHandler),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// RepairerOption configures optional Repairer settings.
type RepairerOption func(*Repairer)

// WithRepairerLogger sets the structured logger.
func WithRepairerLogger(log *slog.Logger) RepairerOption {
	return func(r *Repairer) {
		if log != nil {
			r.log = log
		}
	}
}

// Run executes one repair pass and reports what it found and fixed. A failed
// heal stays flagged and is picked up again on the next pass.
func (r *Repairer) Run(ctx context.Context) (*RepairReport, error) {
	flagged, err := r.store.ListFlaggedForRepair(ctx)
	if err != nil {
		return nil, fmt.Errorf("list flagged subscriptions: %w", err)
	}

	report := &RepairReport{Flagged: len(flagged), RanAt: time.Now().UTC()}
	for _, sub := range flagged {
		if err := r.heal(ctx, sub); err != nil {
			report.Failed++
			report.Failures = append(report.Failures, RepairFailure{TenantID: sub.TenantID, Reason: err.Error()})
			r.log.ErrorContext(ctx, "failed to heal subscription",
				"tenant_id", sub.TenantID, "repair_reason", sub.RepairReason, "error", err)
			continue
		}
		report.Healed++
	}

	r.log.InfoContext(ctx, "repair pass finished",
		"flagged", report.Flagged, "healed", report.Healed, "failed", report.Failed)
	return report, nil
}

func (r *Repairer) heal(ctx context.Context, sub *Subscription) error {
	if sub.ProviderSubID == "" {
		return fmt.Errorf("no provider subscription id on record, manual intervention required")
	}

	remote, err := r.gateway.FetchSubscription(ctx, sub.ProviderSubID)
	if err != nil {
		return fmt.Errorf("fetch remote subscription: %w", err)
	}

	updated := *sub
	if remote.Status.Valid() {
		updated.Status = remote.Status
	}
	updated.CancelAtPeriodEnd = remote.CancelAtPeriodEnd
	if !remote.Period.IsZero() {
		updated.CurrentPeriodStart = remote.Period.Start
		updated.CurrentPeriodEnd = remote.Period.End
	}
	if key, ok := r.planKeyForPrice(ctx, remote.PriceID); ok {
		updated.PlanKey = key
	}
	updated.NeedsRepair = false
	updated.RepairReason = ""

	if err := r.store.UpdateCAS(ctx, &updated, sub.Version); err != nil {
		return fmt.Errorf("commit healed record: %w", err)
	}

	if err := r.activity.Record(ctx, sub.TenantID, audit.ActorRepair, "subscription.repair", string(updated.Status),
		audit.WithMetadata("previous_status", string(sub.Status)),
		audit.WithMetadata("repair_reason", sub.RepairReason),
	); err != nil {
		r.log.WarnContext(ctx, "failed to append activity log entry",
			"tenant_id", sub.TenantID, "error", err)
	}
	return nil
}

// planKeyForPrice reverse-maps a processor price id onto a catalog plan key.
// Retired plans are not listed, so a miss keeps the existing key.
func (r *Repairer) planKeyForPrice(ctx context.Context, priceID string) (string, bool) {
	if priceID == "" {
		return "", false
	}
	plans, err := r.catalog.ListActive(ctx)
	if err != nil {
		return "", false
	}
	for _, p := range plans {
		if p.ProviderPriceID == priceID {
			return p.Key, true
		}
	}
	return "", false
}

// PruneEvents drops idempotency ledger records older than the retention
// window. Records must outlive the processor's redelivery window.
func (r *Repairer) PruneEvents(ctx context.Context, retention time.Duration) (int64, error) {
	if retention <= 0 {
		return 0, nil
	}
	cutoff := time.Now().UTC().Add(-retention)
	pruned, err := r.store.PruneEvents(ctx, cutoff)
	if err != nil {
		return 0, fmt.Errorf("prune event ledger: %w", err)
	}
	if pruned > 0 {
		r.log.InfoContext(ctx, "pruned event ledger", "removed", pruned, "cutoff", cutoff)
	}
	return pruned, nil
}
