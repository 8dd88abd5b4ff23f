package billing

import (
	"context"
	"errors"
	"hash/fnv"
	"log/slog"
	"sync"
	"time"

	"github.com/placecardhq/placecard/pkg/audit"
)

// DuplicateCache is an optional fast path in front of the durable event
// ledger. A cache miss is never authoritative; the ledger decides.
type DuplicateCache interface {
	Seen(ctx context.Context, eventID string) (bool, error)
	MarkSeen(ctx context.Context, eventID string) error
}

// Reconciler applies verified processor events to local subscription records.
// Events for the same provider subscription are serialized through a keyed
// lock, and every event leaves a ledger record with its outcome so redeliveries
// are acknowledged without effect.
type Reconciler struct {
	store    Store
	gateway  PaymentGateway
	activity audit.Logger
	log      *slog.Logger
	cache    DuplicateCache
	retries  int

	locks keyedMutex
}

// ReconcilerOption configures optional Reconciler settings.
type ReconcilerOption func(*Reconciler)

// WithReconcilerLogger sets the structured logger.
func WithReconcilerLogger(log *slog.Logger) ReconcilerOption {
	return func(r *Reconciler) {
		if log != nil {
			r.log = log
		}
	}
}

// WithDuplicateCache adds a best-effort duplicate check before the ledger
// lookup, typically Redis-backed.
func WithDuplicateCache(cache DuplicateCache) ReconcilerOption {
	return func(r *Reconciler) {
		r.cache = cache
	}
}

// WithApplyRetries sets how many times a lost version race is retried from
// fresh state before giving up.
func WithApplyRetries(n int) ReconcilerOption {
	return func(r *Reconciler) {
		if n > 0 {
			r.retries = n
		}
	}
}

// NewReconciler creates a Reconciler. Panics if a required dependency is nil.
func NewReconciler(store Store, gateway PaymentGateway, activity audit.Logger, opts ...ReconcilerOption) *Reconciler {
	if store == nil {
		panic("billing: store is required")
	}
	if gateway == nil {
		panic("billing: gateway is required")
	}
	if activity == nil {
		panic("billing: activity logger is required")
	}

	r := &Reconciler{
		store:    store,
		gateway:  gateway,
		activity: activity,
		log:      slog.New(slog.DiscardHandler),
		retries:  3,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// HandleEvent verifies, deduplicates, and applies one raw webhook delivery.
// The returned outcome is what the ledger records; ErrUnauthenticated means
// the delivery must be rejected without acknowledgment.
func (r *Reconciler) HandleEvent(ctx context.Context, payload []byte, signature string) (EventOutcome, error) {
	ev, err := r.gateway.ParseWebhook(payload, signature)
	if err != nil {
		return "", err
	}

	log := r.log.With("event_id", ev.ID, "event_type", ev.ProviderType, "provider_subscription_id", ev.SubscriptionID)

	// Fast path: the cache may already know this delivery. Errors fall
	// through to the authoritative ledger check.
	if r.cache != nil {
		if seen, err := r.cache.Seen(ctx, ev.ID); err == nil && seen {
			log.DebugContext(ctx, "duplicate event short-circuited by cache")
			return OutcomeIgnoredDuplicate, nil
		}
	}

	if rec, err := r.store.GetEvent(ctx, ev.ID); err == nil {
		log.DebugContext(ctx, "duplicate event found in ledger", "original_outcome", rec.Outcome)
		r.markSeen(ctx, ev.ID)
		return OutcomeIgnoredDuplicate, nil
	} else if !errors.Is(err, ErrEventNotFound) {
		return "", err
	}

	// Serialize events for the same provider subscription so two concurrent
	// deliveries cannot interleave their read-validate-write cycles.
	unlock := r.locks.lock(ev.SubscriptionID)
	defer unlock()

	outcome, err := r.apply(ctx, ev, log)
	if err != nil {
		return "", err
	}

	r.markSeen(ctx, ev.ID)
	return outcome, nil
}

// apply runs the staleness checks and commits the event, retrying a bounded
// number of times when an interactive writer wins the version race.
func (r *Reconciler) apply(ctx context.Context, ev *GatewayEvent, log *slog.Logger) (EventOutcome, error) {
	rec := EventRecord{
		EventID:    ev.ID,
		Type:       ev.ProviderType,
		ReceivedAt: time.Now().UTC(),
	}

	if ev.Kind == KindUnhandled {
		rec.Outcome = OutcomeIgnoredUnknown
		return rec.Outcome, r.store.RecordEvent(ctx, rec)
	}

	var lastErr error
	for attempt := 0; attempt < r.retries; attempt++ {
		sub, err := r.store.GetByProviderSubID(ctx, ev.SubscriptionID)
		if errors.Is(err, ErrSubscriptionNotFound) {
			log.WarnContext(ctx, "event references unknown subscription")
			rec.Outcome = OutcomeIgnoredUnknown
			return rec.Outcome, r.store.RecordEvent(ctx, rec)
		}
		if err != nil {
			return "", err
		}

		if reason, stale := r.stale(ev, sub); stale {
			log.InfoContext(ctx, "stale event ignored", "reason", reason, "status", sub.Status)
			rec.Outcome = OutcomeIgnoredStale
			return rec.Outcome, r.store.RecordEvent(ctx, rec)
		}

		next, _ := transitionForEvent(ev.Kind, sub.Status)
		updated := r.mutate(*sub, ev, next)

		rec.Outcome = OutcomeApplied
		err = r.store.ApplyEvent(ctx, &updated, sub.Version, rec)
		if errors.Is(err, ErrConcurrentModification) {
			// An interactive operation committed first. Reload and
			// re-validate: the event may now be stale or illegal.
			lastErr = err
			continue
		}
		if err != nil {
			return "", err
		}

		if updated.Status != sub.Status {
			r.audit(ctx, &updated, ev, sub.Status)
		}
		log.InfoContext(ctx, "event applied",
			"from_status", sub.Status, "to_status", updated.Status, "version", updated.Version)
		return OutcomeApplied, nil
	}

	return "", lastErr
}

// stale reports whether the event must not be applied to the current record,
// with the reason for the log line.
func (r *Reconciler) stale(ev *GatewayEvent, sub *Subscription) (string, bool) {
	if !ev.OccurredAt.IsZero() && !sub.LastEventAt.IsZero() && ev.OccurredAt.Before(sub.LastEventAt) {
		return "occurred before last applied event", true
	}
	if ev.Kind == KindPeriodRenewed && !ev.Period.IsZero() && !ev.Period.End.After(sub.CurrentPeriodEnd) {
		return "period does not advance", true
	}
	if _, ok := transitionForEvent(ev.Kind, sub.Status); !ok {
		return "no legal transition from current status", true
	}
	return "", false
}

// mutate builds the post-event record.
func (r *Reconciler) mutate(sub Subscription, ev *GatewayEvent, next Status) Subscription {
	sub.Status = next
	if !ev.Period.IsZero() {
		sub.CurrentPeriodStart = ev.Period.Start
		sub.CurrentPeriodEnd = ev.Period.End
	}
	if next == StatusCanceled {
		sub.CancelAtPeriodEnd = false
	}
	sub.LastEventID = ev.ID
	if !ev.OccurredAt.IsZero() {
		sub.LastEventAt = ev.OccurredAt
	}
	return sub
}

func (r *Reconciler) markSeen(ctx context.Context, eventID string) {
	if r.cache == nil {
		return
	}
	if err := r.cache.MarkSeen(ctx, eventID); err != nil {
		r.log.DebugContext(ctx, "failed to mark event in duplicate cache", "event_id", eventID, "error", err)
	}
}

func (r *Reconciler) audit(ctx context.Context, sub *Subscription, ev *GatewayEvent, from Status) {
	err := r.activity.Record(ctx, sub.TenantID, audit.ActorReconciler, "subscription.event", string(sub.Status),
		audit.WithMetadata("event_id", ev.ID),
		audit.WithMetadata("event_type", ev.ProviderType),
		audit.WithMetadata("from_status", string(from)),
	)
	if err != nil {
		r.log.WarnContext(ctx, "failed to append activity log entry",
			"tenant_id", sub.TenantID, "event_id", ev.ID, "error", err)
	}
}

// keyedMutex serializes work per key using a fixed shard table. Two distinct
// keys may share a shard; that only costs throughput, never correctness.
type keyedMutex struct {
	shards [64]sync.Mutex
}

func (k *keyedMutex) lock(key string) func() {
	h := fnv.New32a()
	h.Write([]byte(key))
	m := &k.shards[h.Sum32()%uint32(len(k.shards))]
	m.Lock()
	return m.Unlock
}
