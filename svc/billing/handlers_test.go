package billing_test

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/placecardhq/placecard/pkg/audit"
	"github.com/placecardhq/placecard/pkg/billing"
	billingsvc "github.com/placecardhq/placecard/svc/billing"
)

// stubGateway implements billing.PaymentGateway with canned responses. The
// webhook side resolves payloads against the events table; the signature
// "valid" is the only one that verifies.
type stubGateway struct {
	events map[string]*billing.GatewayEvent
	remote *billing.RemoteSubscription
}

func (g *stubGateway) CreateCustomerAndSubscription(ctx context.Context, req billing.CreateSubscriptionRequest) (*billing.CreateSubscriptionResult, error) {
	status := billing.StatusActive
	if req.Plan.TrialDays > 0 {
		status = billing.StatusTrialing
	}
	now := time.Now().UTC()
	return &billing.CreateSubscriptionResult{
		CustomerID:     "cus_1",
		SubscriptionID: "sub_1",
		ClientSecret:   "pi_secret",
		Status:         status,
		Period:         billing.Period{Start: now, End: now.AddDate(0, 1, 0)},
	}, nil
}

func (g *stubGateway) ChangePlan(ctx context.Context, req billing.ChangePlanRequest) (*billing.Period, error) {
	now := time.Now().UTC()
	return &billing.Period{Start: now, End: now.AddDate(0, 1, 0)}, nil
}

func (g *stubGateway) Pause(ctx context.Context, req billing.LifecycleRequest) error  { return nil }
func (g *stubGateway) Resume(ctx context.Context, req billing.LifecycleRequest) error { return nil }
func (g *stubGateway) Cancel(ctx context.Context, req billing.CancelRequest) error    { return nil }

func (g *stubGateway) ListInvoices(ctx context.Context, providerCustomerID string) ([]billing.Invoice, error) {
	return []billing.Invoice{{ID: "in_1", Amount: billing.Money{Amount: 900, Currency: "USD"}, Status: "paid"}}, nil
}

func (g *stubGateway) FetchSubscription(ctx context.Context, providerSubID string) (*billing.RemoteSubscription, error) {
	if g.remote == nil {
		return nil, billing.ErrSubscriptionNotFound
	}
	return g.remote, nil
}

func (g *stubGateway) MintPrice(ctx context.Context, plan billing.Plan) (string, string, error) {
	return "prod_" + plan.Key, "price_" + plan.Key, nil
}

func (g *stubGateway) ArchivePrice(ctx context.Context, priceID string) error { return nil }

func (g *stubGateway) ParseWebhook(payload []byte, signature string) (*billing.GatewayEvent, error) {
	if signature != "valid" {
		return nil, billing.ErrUnauthenticated
	}
	ev, ok := g.events[string(payload)]
	if !ok {
		return nil, billing.ErrUnauthenticated
	}
	copied := *ev
	return &copied, nil
}

type serverEnv struct {
	store   billing.Store
	gateway *stubGateway
	server  *httptest.Server
}

func newServer(t *testing.T) *serverEnv {
	t.Helper()

	store := billing.NewMemStore()
	gateway := &stubGateway{events: make(map[string]*billing.GatewayEvent)}
	catalog, err := billing.NewCatalog(context.Background(), billing.NewStaticSource(
		billing.Plan{Key: "basic", Name: "Basic", Price: billing.Money{Amount: 900, Currency: "USD"}, Interval: billing.BillingIntervalMonthly, Active: true, ProviderPriceID: "price_basic"},
		billing.Plan{Key: "premium", Name: "Premium", Price: billing.Money{Amount: 2900, Currency: "USD"}, Interval: billing.BillingIntervalMonthly, TrialDays: 14, Active: true, ProviderPriceID: "price_premium"},
		billing.Plan{Key: "legacy", Name: "Legacy", Price: billing.Money{Amount: 500, Currency: "USD"}, Interval: billing.BillingIntervalMonthly, Active: false, ProviderPriceID: "price_legacy"},
	))
	require.NoError(t, err)

	storage := audit.NewMemoryStorage()
	logger := audit.NewLogger(storage)

	controller := billing.NewController(store, gateway, catalog, logger)
	reconciler := billing.NewReconciler(store, gateway, logger)
	repairer := billing.NewRepairer(store, gateway, catalog, logger)

	svc := billingsvc.New(controller, reconciler, repairer, catalog, audit.NewReader(storage))
	server := httptest.NewServer(svc.Router())
	t.Cleanup(server.Close)

	return &serverEnv{store: store, gateway: gateway, server: server}
}

// do issues a request identifying the tenant through the X-Tenant-ID header;
// the businessId addressing styles get their own tests.
func (e *serverEnv) do(t *testing.T, method, path string, tenantID uuid.UUID, body any) *http.Response {
	t.Helper()

	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req, err := http.NewRequest(method, e.server.URL+path, &buf)
	require.NoError(t, err)
	if tenantID != uuid.Nil {
		req.Header.Set("X-Tenant-ID", tenantID.String())
	}

	resp, err := e.server.Client().Do(req)
	require.NoError(t, err)
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func (e *serverEnv) subscribe(t *testing.T, tenantID uuid.UUID, planKey string) {
	t.Helper()
	resp := e.do(t, http.MethodPost, "/subscriptions", tenantID, map[string]string{
		"action": "subscribe", "planKey": planKey, "email": "owner@example.com",
	})
	require.Equal(t, http.StatusCreated, resp.StatusCode)
}

func decode[T any](t *testing.T, resp *http.Response) T {
	t.Helper()
	var v T
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&v))
	return v
}

func TestListPlans(t *testing.T) {
	t.Parallel()

	env := newServer(t)
	resp := env.do(t, http.MethodGet, "/plans", uuid.Nil, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	body := decode[map[string][]billing.Plan](t, resp)
	keys := make([]string, 0, len(body["plans"]))
	for _, p := range body["plans"] {
		keys = append(keys, p.Key)
	}
	assert.Equal(t, []string{"basic", "premium"}, keys, "retired plans are not offered")
}

func TestSubscriptionLifecycleOverHTTP(t *testing.T) {
	t.Parallel()

	env := newServer(t)
	tenantID := uuid.New()

	resp := env.do(t, http.MethodPost, "/subscriptions", tenantID, map[string]string{
		"action":  "subscribe",
		"planKey": "basic",
		"email":   "owner@example.com",
	})
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	setup := decode[map[string]any](t, resp)
	assert.Equal(t, "pi_secret", setup["client_secret"])

	resp = env.do(t, http.MethodGet, "/subscriptions", tenantID, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	sub := decode[map[string]any](t, resp)
	assert.Equal(t, "basic", sub["plan_key"])
	assert.Equal(t, "active", sub["status"])
	assert.Equal(t, true, sub["entitled"])
	history, ok := sub["payment_history"].([]any)
	require.True(t, ok, "payment history is returned inline")
	assert.NotEmpty(t, history)

	resp = env.do(t, http.MethodPost, "/subscriptions", tenantID, map[string]string{
		"action": "change", "planKey": "premium",
	})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	sub = decode[map[string]any](t, resp)
	assert.Equal(t, "premium", sub["plan_key"])
	assert.Equal(t, "active", sub["status"])

	resp = env.do(t, http.MethodPut, "/subscriptions", tenantID, map[string]string{"action": "pause"})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	sub = decode[map[string]any](t, resp)
	assert.Equal(t, "paused", sub["status"])

	resp = env.do(t, http.MethodPut, "/subscriptions", tenantID, map[string]string{"action": "resume"})
	require.Equal(t, http.StatusOK, resp.StatusCode)

	resp = env.do(t, http.MethodDelete, "/subscriptions", tenantID, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	sub = decode[map[string]any](t, resp)
	assert.Equal(t, "canceled_scheduled", sub["status"])
	assert.Equal(t, true, sub["cancel_at_period_end"])

	resp = env.do(t, http.MethodGet, "/subscriptions/activity", tenantID, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	activity := decode[map[string][]audit.Entry](t, resp)
	assert.NotEmpty(t, activity["activity"])
}

func TestSubscriptionBusinessIDAddressing(t *testing.T) {
	t.Parallel()

	env := newServer(t)
	tenantID := uuid.New()

	// The body field identifies the tenant on mutations.
	resp := env.do(t, http.MethodPost, "/subscriptions", uuid.Nil, map[string]string{
		"businessId": tenantID.String(),
		"action":     "subscribe",
		"planKey":    "basic",
		"email":      "owner@example.com",
	})
	require.Equal(t, http.StatusCreated, resp.StatusCode)

	resp = env.do(t, http.MethodPut, "/subscriptions", uuid.Nil, map[string]string{
		"businessId": tenantID.String(), "action": "pause",
	})
	require.Equal(t, http.StatusOK, resp.StatusCode)

	// The query parameter identifies the tenant on reads and deletes.
	resp = env.do(t, http.MethodGet, "/subscriptions?businessId="+tenantID.String(), uuid.Nil, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	sub := decode[map[string]any](t, resp)
	assert.Equal(t, "paused", sub["status"])

	resp = env.do(t, http.MethodDelete, "/subscriptions?businessId="+tenantID.String()+"&immediate=true", uuid.Nil, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	sub = decode[map[string]any](t, resp)
	assert.Equal(t, "canceled", sub["status"])
}

func TestTrialEndReportedWhileTrialing(t *testing.T) {
	t.Parallel()

	env := newServer(t)
	tenantID := uuid.New()
	env.subscribe(t, tenantID, "premium")

	resp := env.do(t, http.MethodGet, "/subscriptions", tenantID, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	sub := decode[map[string]any](t, resp)
	require.Equal(t, "trialing", sub["status"])

	raw, ok := sub["trial_ends_at"].(string)
	require.True(t, ok, "a trialing subscription reports its trial end")
	ends, err := time.Parse(time.RFC3339, raw)
	require.NoError(t, err)
	assert.WithinDuration(t, time.Now().UTC().AddDate(0, 0, 14), ends, time.Minute)
}

func TestSubscriptionValidation(t *testing.T) {
	t.Parallel()

	env := newServer(t)
	tenantID := uuid.New()

	t.Run("tenant identification required", func(t *testing.T) {
		t.Parallel()

		resp := env.do(t, http.MethodGet, "/subscriptions", uuid.Nil, nil)
		assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

		resp = env.do(t, http.MethodPost, "/subscriptions", uuid.Nil, map[string]string{
			"action": "subscribe", "planKey": "basic", "email": "a@b.co",
		})
		assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	})

	t.Run("malformed businessId", func(t *testing.T) {
		t.Parallel()

		resp := env.do(t, http.MethodPost, "/subscriptions", uuid.Nil, map[string]string{
			"businessId": "nope", "action": "subscribe", "planKey": "basic", "email": "a@b.co",
		})
		assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	})

	t.Run("unknown tenant", func(t *testing.T) {
		t.Parallel()

		resp := env.do(t, http.MethodGet, "/subscriptions", uuid.New(), nil)
		assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	})

	t.Run("unknown action", func(t *testing.T) {
		t.Parallel()

		resp := env.do(t, http.MethodPost, "/subscriptions", tenantID, map[string]string{
			"action": "upgrade", "planKey": "basic", "email": "a@b.co",
		})
		assert.Equal(t, http.StatusUnprocessableEntity, resp.StatusCode)

		resp = env.do(t, http.MethodPut, "/subscriptions", tenantID, map[string]string{"action": "freeze"})
		assert.Equal(t, http.StatusUnprocessableEntity, resp.StatusCode)
	})

	t.Run("plan key required", func(t *testing.T) {
		t.Parallel()

		resp := env.do(t, http.MethodPost, "/subscriptions", tenantID, map[string]string{
			"action": "subscribe", "email": "a@b.co",
		})
		assert.Equal(t, http.StatusUnprocessableEntity, resp.StatusCode)
	})

	t.Run("email required", func(t *testing.T) {
		t.Parallel()

		resp := env.do(t, http.MethodPost, "/subscriptions", tenantID, map[string]string{
			"action": "subscribe", "planKey": "basic",
		})
		assert.Equal(t, http.StatusUnprocessableEntity, resp.StatusCode)
	})

	t.Run("retired plan", func(t *testing.T) {
		t.Parallel()

		resp := env.do(t, http.MethodPost, "/subscriptions", uuid.New(), map[string]string{
			"action": "subscribe", "planKey": "legacy", "email": "owner@example.com",
		})
		assert.Equal(t, http.StatusUnprocessableEntity, resp.StatusCode)
	})
}

func TestSubscriptionConflicts(t *testing.T) {
	t.Parallel()

	env := newServer(t)
	tenantID := uuid.New()
	env.subscribe(t, tenantID, "basic")

	t.Run("duplicate subscription", func(t *testing.T) {
		resp := env.do(t, http.MethodPost, "/subscriptions", tenantID, map[string]string{
			"action": "subscribe", "planKey": "premium", "email": "owner@example.com",
		})
		assert.Equal(t, http.StatusConflict, resp.StatusCode)
	})

	t.Run("same plan change", func(t *testing.T) {
		resp := env.do(t, http.MethodPost, "/subscriptions", tenantID, map[string]string{
			"action": "change", "planKey": "basic",
		})
		assert.Equal(t, http.StatusUnprocessableEntity, resp.StatusCode)
	})

	t.Run("resume while active", func(t *testing.T) {
		resp := env.do(t, http.MethodPut, "/subscriptions", tenantID, map[string]string{"action": "resume"})
		assert.Equal(t, http.StatusConflict, resp.StatusCode)
	})
}

func TestWebhookEndpoint(t *testing.T) {
	t.Parallel()

	env := newServer(t)
	tenantID := uuid.New()
	env.subscribe(t, tenantID, "basic")

	env.gateway.events["fail"] = &billing.GatewayEvent{
		ID:             "evt_fail",
		Kind:           billing.KindPaymentFailed,
		ProviderType:   "invoice.payment_failed",
		SubscriptionID: "sub_1",
		OccurredAt:     time.Now().UTC(),
	}

	post := func(t *testing.T, payload, signature string) *http.Response {
		t.Helper()
		req, err := http.NewRequest(http.MethodPost, env.server.URL+"/webhooks/payment", bytes.NewBufferString(payload))
		require.NoError(t, err)
		req.Header.Set("Stripe-Signature", signature)
		resp, err := env.server.Client().Do(req)
		require.NoError(t, err)
		t.Cleanup(func() { resp.Body.Close() })
		return resp
	}

	t.Run("forged signature", func(t *testing.T) {
		resp := post(t, "fail", "forged")
		assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	})

	t.Run("applies and acknowledges", func(t *testing.T) {
		resp := post(t, "fail", "valid")
		require.Equal(t, http.StatusOK, resp.StatusCode)
		body := decode[map[string]string](t, resp)
		assert.Equal(t, string(billing.OutcomeApplied), body["outcome"])

		sub, err := env.store.Get(context.Background(), tenantID)
		require.NoError(t, err)
		assert.Equal(t, billing.StatusPastDue, sub.Status)
	})

	t.Run("redelivery is acknowledged without effect", func(t *testing.T) {
		resp := post(t, "fail", "valid")
		require.Equal(t, http.StatusOK, resp.StatusCode)
		body := decode[map[string]string](t, resp)
		assert.Equal(t, string(billing.OutcomeIgnoredDuplicate), body["outcome"])
	})
}

func TestAdminRepairEndpoint(t *testing.T) {
	t.Parallel()

	env := newServer(t)
	resp := env.do(t, http.MethodPost, "/admin/repair", uuid.Nil, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	report := decode[billing.RepairReport](t, resp)
	assert.Zero(t, report.Flagged)
}
