package billing

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/placecardhq/placecard/pkg/audit"
)

// eventGateway returns a fakeGateway whose ParseWebhook resolves payloads
// against a fixed event table. Only the signature "valid" verifies.
func eventGateway(events map[string]*GatewayEvent) *fakeGateway {
	return &fakeGateway{
		parse: func(payload []byte, signature string) (*GatewayEvent, error) {
			if signature != "valid" {
				return nil, ErrUnauthenticated
			}
			ev, ok := events[string(payload)]
			if !ok {
				return nil, ErrUnauthenticated
			}
			copied := *ev
			return &copied, nil
		},
	}
}

type fakeCache struct {
	mu    sync.Mutex
	seen  map[string]bool
	marks int
}

func newFakeCache() *fakeCache {
	return &fakeCache{seen: make(map[string]bool)}
}

func (c *fakeCache) Seen(ctx context.Context, eventID string) (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.seen[eventID], nil
}

func (c *fakeCache) MarkSeen(ctx context.Context, eventID string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.seen[eventID] = true
	c.marks++
	return nil
}

type reconcilerEnv struct {
	store      Store
	storage    audit.Storage
	reconciler *Reconciler
}

func newReconcilerEnv(t *testing.T, events map[string]*GatewayEvent, opts ...ReconcilerOption) *reconcilerEnv {
	t.Helper()

	store := NewMemStore()
	storage := audit.NewMemoryStorage()
	rec := NewReconciler(store, eventGateway(events), audit.NewLogger(storage), opts...)
	return &reconcilerEnv{store: store, storage: storage, reconciler: rec}
}

func TestReconcilerRejectsBadSignature(t *testing.T) {
	t.Parallel()

	env := newReconcilerEnv(t, nil)
	_, err := env.reconciler.HandleEvent(context.Background(), []byte("whatever"), "forged")
	require.ErrorIs(t, err, ErrUnauthenticated)
}

func TestReconcilerAppliesTrialConversion(t *testing.T) {
	t.Parallel()

	now := time.Now().UTC()
	events := map[string]*GatewayEvent{
		"p1": {
			ID:             "evt_1",
			Kind:           KindPaymentSucceeded,
			ProviderType:   "invoice.payment_succeeded",
			SubscriptionID: "sub_test",
			OccurredAt:     now,
			Period:         Period{Start: now, End: now.AddDate(0, 1, 0)},
		},
	}
	env := newReconcilerEnv(t, events)

	tenantID := uuid.New()
	sub := activeSub(tenantID)
	sub.Status = StatusTrialing
	require.NoError(t, env.store.Create(context.Background(), sub))

	outcome, err := env.reconciler.HandleEvent(context.Background(), []byte("p1"), "valid")
	require.NoError(t, err)
	assert.Equal(t, OutcomeApplied, outcome)

	got, err := env.store.Get(context.Background(), tenantID)
	require.NoError(t, err)
	assert.Equal(t, StatusActive, got.Status)
	assert.Equal(t, "evt_1", got.LastEventID)
	assert.Equal(t, now.Unix(), got.LastEventAt.Unix())
	assert.Equal(t, int64(2), got.Version)

	rec, err := env.store.GetEvent(context.Background(), "evt_1")
	require.NoError(t, err)
	assert.Equal(t, OutcomeApplied, rec.Outcome)

	entries, err := env.storage.Query(context.Background(), audit.Criteria{TenantID: &tenantID})
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, audit.ActorReconciler, entries[0].Actor)
}

func TestReconcilerIgnoresDuplicateDelivery(t *testing.T) {
	t.Parallel()

	now := time.Now().UTC()
	events := map[string]*GatewayEvent{
		"p1": {
			ID:             "evt_1",
			Kind:           KindPaymentFailed,
			ProviderType:   "invoice.payment_failed",
			SubscriptionID: "sub_test",
			OccurredAt:     now,
		},
	}
	env := newReconcilerEnv(t, events)

	tenantID := uuid.New()
	require.NoError(t, env.store.Create(context.Background(), activeSub(tenantID)))

	outcome, err := env.reconciler.HandleEvent(context.Background(), []byte("p1"), "valid")
	require.NoError(t, err)
	require.Equal(t, OutcomeApplied, outcome)

	// Redelivery of the same event id is acknowledged without effect.
	outcome, err = env.reconciler.HandleEvent(context.Background(), []byte("p1"), "valid")
	require.NoError(t, err)
	assert.Equal(t, OutcomeIgnoredDuplicate, outcome)

	got, err := env.store.Get(context.Background(), tenantID)
	require.NoError(t, err)
	assert.Equal(t, int64(2), got.Version, "a replay must not bump the version again")
}

func TestReconcilerIgnoresStaleByTimestamp(t *testing.T) {
	t.Parallel()

	now := time.Now().UTC()
	events := map[string]*GatewayEvent{
		"fresh": {
			ID:             "evt_fresh",
			Kind:           KindPaymentFailed,
			ProviderType:   "invoice.payment_failed",
			SubscriptionID: "sub_test",
			OccurredAt:     now,
		},
		"late": {
			ID:             "evt_late",
			Kind:           KindPaymentSucceeded,
			ProviderType:   "invoice.payment_succeeded",
			SubscriptionID: "sub_test",
			OccurredAt:     now.Add(-time.Hour),
		},
	}
	env := newReconcilerEnv(t, events)

	tenantID := uuid.New()
	require.NoError(t, env.store.Create(context.Background(), activeSub(tenantID)))

	outcome, err := env.reconciler.HandleEvent(context.Background(), []byte("fresh"), "valid")
	require.NoError(t, err)
	require.Equal(t, OutcomeApplied, outcome)

	// An older event arriving after a newer one was applied must not move
	// the record backward.
	outcome, err = env.reconciler.HandleEvent(context.Background(), []byte("late"), "valid")
	require.NoError(t, err)
	assert.Equal(t, OutcomeIgnoredStale, outcome)

	got, err := env.store.Get(context.Background(), tenantID)
	require.NoError(t, err)
	assert.Equal(t, StatusPastDue, got.Status)
}

func TestReconcilerIgnoresRenewalForSupersededPeriod(t *testing.T) {
	t.Parallel()

	// A renewal for the old plan's period arrives after a plan change already
	// advanced the period boundaries. The period does not move forward, so
	// the event is stale.
	now := time.Now().UTC()
	events := map[string]*GatewayEvent{
		"old-renewal": {
			ID:             "evt_old",
			Kind:           KindPeriodRenewed,
			ProviderType:   "customer.subscription.updated",
			SubscriptionID: "sub_test",
			OccurredAt:     now,
			Period:         Period{Start: now.AddDate(0, -1, 0), End: now.AddDate(0, 0, 5)},
		},
		"next-renewal": {
			ID:             "evt_next",
			Kind:           KindPeriodRenewed,
			ProviderType:   "customer.subscription.updated",
			SubscriptionID: "sub_test",
			OccurredAt:     now,
			Period:         Period{Start: now, End: now.AddDate(0, 1, 0)},
		},
	}
	env := newReconcilerEnv(t, events)

	tenantID := uuid.New()
	sub := activeSub(tenantID)
	sub.PlanKey = "premium"
	sub.CurrentPeriodEnd = now.AddDate(0, 0, 20)
	require.NoError(t, env.store.Create(context.Background(), sub))

	outcome, err := env.reconciler.HandleEvent(context.Background(), []byte("old-renewal"), "valid")
	require.NoError(t, err)
	assert.Equal(t, OutcomeIgnoredStale, outcome)

	got, err := env.store.Get(context.Background(), tenantID)
	require.NoError(t, err)
	assert.Equal(t, now.AddDate(0, 0, 20).Unix(), got.CurrentPeriodEnd.Unix(), "period must not move backward")

	// A renewal that genuinely advances the period still applies.
	outcome, err = env.reconciler.HandleEvent(context.Background(), []byte("next-renewal"), "valid")
	require.NoError(t, err)
	assert.Equal(t, OutcomeApplied, outcome)
}

func TestReconcilerIgnoresUnknownSubscription(t *testing.T) {
	t.Parallel()

	events := map[string]*GatewayEvent{
		"p1": {
			ID:             "evt_1",
			Kind:           KindPaymentSucceeded,
			ProviderType:   "invoice.payment_succeeded",
			SubscriptionID: "sub_missing",
			OccurredAt:     time.Now().UTC(),
		},
	}
	env := newReconcilerEnv(t, events)

	outcome, err := env.reconciler.HandleEvent(context.Background(), []byte("p1"), "valid")
	require.NoError(t, err)
	assert.Equal(t, OutcomeIgnoredUnknown, outcome)

	rec, err := env.store.GetEvent(context.Background(), "evt_1")
	require.NoError(t, err)
	assert.Equal(t, OutcomeIgnoredUnknown, rec.Outcome)
}

func TestReconcilerIgnoresUnhandledKind(t *testing.T) {
	t.Parallel()

	events := map[string]*GatewayEvent{
		"p1": {
			ID:           "evt_1",
			Kind:         KindUnhandled,
			ProviderType: "customer.updated",
			OccurredAt:   time.Now().UTC(),
		},
	}
	env := newReconcilerEnv(t, events)

	outcome, err := env.reconciler.HandleEvent(context.Background(), []byte("p1"), "valid")
	require.NoError(t, err)
	assert.Equal(t, OutcomeIgnoredUnknown, outcome)
}

func TestReconcilerCompletesScheduledCancellation(t *testing.T) {
	t.Parallel()

	now := time.Now().UTC()
	events := map[string]*GatewayEvent{
		"ended": {
			ID:             "evt_end",
			Kind:           KindSubscriptionEnded,
			ProviderType:   "customer.subscription.deleted",
			SubscriptionID: "sub_test",
			OccurredAt:     now,
		},
	}
	env := newReconcilerEnv(t, events)

	tenantID := uuid.New()
	sub := activeSub(tenantID)
	sub.Status = StatusCanceledScheduled
	sub.CancelAtPeriodEnd = true
	require.NoError(t, env.store.Create(context.Background(), sub))

	outcome, err := env.reconciler.HandleEvent(context.Background(), []byte("ended"), "valid")
	require.NoError(t, err)
	assert.Equal(t, OutcomeApplied, outcome)

	got, err := env.store.Get(context.Background(), tenantID)
	require.NoError(t, err)
	assert.Equal(t, StatusCanceled, got.Status)
	assert.False(t, got.CancelAtPeriodEnd)
	assert.False(t, got.Entitled())
}

func TestReconcilerIgnoresEventForDeadGeneration(t *testing.T) {
	t.Parallel()

	// The tenant canceled, then re-subscribed under a new provider
	// subscription id. A late end-of-subscription event for the dead
	// generation must not touch the fresh subscription.
	now := time.Now().UTC()
	events := map[string]*GatewayEvent{
		"late-end": {
			ID:             "evt_end",
			Kind:           KindSubscriptionEnded,
			ProviderType:   "customer.subscription.deleted",
			SubscriptionID: "sub_test",
			OccurredAt:     now,
		},
	}
	env := newReconcilerEnv(t, events)

	tenantID := uuid.New()
	sub := activeSub(tenantID)
	sub.Status = StatusCanceled
	require.NoError(t, env.store.Create(context.Background(), sub))

	fresh := *sub
	fresh.Status = StatusActive
	fresh.ProviderSubID = "sub_fresh"
	require.NoError(t, env.store.UpdateCAS(context.Background(), &fresh, sub.Version))

	outcome, err := env.reconciler.HandleEvent(context.Background(), []byte("late-end"), "valid")
	require.NoError(t, err)
	assert.Equal(t, OutcomeIgnoredUnknown, outcome)

	got, err := env.store.Get(context.Background(), tenantID)
	require.NoError(t, err)
	assert.Equal(t, StatusActive, got.Status, "the new generation must be untouched")
	assert.Equal(t, fresh.Version, got.Version)
}

func TestReconcilerDuplicateCache(t *testing.T) {
	t.Parallel()

	now := time.Now().UTC()
	events := map[string]*GatewayEvent{
		"p1": {
			ID:             "evt_1",
			Kind:           KindPaymentFailed,
			ProviderType:   "invoice.payment_failed",
			SubscriptionID: "sub_test",
			OccurredAt:     now,
		},
	}
	cache := newFakeCache()
	env := newReconcilerEnv(t, events, WithDuplicateCache(cache))

	tenantID := uuid.New()
	require.NoError(t, env.store.Create(context.Background(), activeSub(tenantID)))

	outcome, err := env.reconciler.HandleEvent(context.Background(), []byte("p1"), "valid")
	require.NoError(t, err)
	require.Equal(t, OutcomeApplied, outcome)
	assert.Equal(t, 1, cache.marks)

	outcome, err = env.reconciler.HandleEvent(context.Background(), []byte("p1"), "valid")
	require.NoError(t, err)
	assert.Equal(t, OutcomeIgnoredDuplicate, outcome)
	assert.Equal(t, 1, cache.marks, "a cache hit short-circuits before any store access")
}

// raceStore injects one version conflict into ApplyEvent before delegating,
// simulating an interactive writer winning the first attempt.
type raceStore struct {
	Store
	mu       sync.Mutex
	injected bool
}

func (s *raceStore) ApplyEvent(ctx context.Context, sub *Subscription, expectedVersion int64, rec EventRecord) error {
	s.mu.Lock()
	if !s.injected {
		s.injected = true
		s.mu.Unlock()
		return ErrConcurrentModification
	}
	s.mu.Unlock()
	return s.Store.ApplyEvent(ctx, sub, expectedVersion, rec)
}

func TestReconcilerRetriesLostRace(t *testing.T) {
	t.Parallel()

	now := time.Now().UTC()
	events := map[string]*GatewayEvent{
		"p1": {
			ID:             "evt_1",
			Kind:           KindPaymentFailed,
			ProviderType:   "invoice.payment_failed",
			SubscriptionID: "sub_test",
			OccurredAt:     now,
		},
	}

	store := &raceStore{Store: NewMemStore()}
	storage := audit.NewMemoryStorage()
	reconciler := NewReconciler(store, eventGateway(events), audit.NewLogger(storage))

	tenantID := uuid.New()
	require.NoError(t, store.Create(context.Background(), activeSub(tenantID)))

	outcome, err := reconciler.HandleEvent(context.Background(), []byte("p1"), "valid")
	require.NoError(t, err)
	assert.Equal(t, OutcomeApplied, outcome)
	assert.True(t, store.injected)
}
