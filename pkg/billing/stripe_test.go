package billing

import (
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/stripe/stripe-go/v82/webhook"
)

const testWebhookSecret = "whsec_test_secret"

func newTestStripeGateway(t *testing.T) *StripeGateway {
	t.Helper()

	gw, err := NewStripeGateway(StripeConfig{
		APIKey:        "sk_test_key",
		WebhookSecret: testWebhookSecret,
	})
	require.NoError(t, err)
	return gw
}

func signedPayload(t *testing.T, eventType, objectJSON string, created time.Time) ([]byte, string) {
	t.Helper()

	raw := fmt.Sprintf(`{
		"id": "evt_test_1",
		"type": %q,
		"created": %d,
		"data": {"object": %s}
	}`, eventType, created.Unix(), objectJSON)

	signed := webhook.GenerateTestSignedPayload(&webhook.UnsignedPayload{
		Payload:   []byte(raw),
		Secret:    testWebhookSecret,
		Timestamp: time.Now(),
	})
	return signed.Payload, signed.Header
}

func TestStripeParseWebhookRejectsForgedSignature(t *testing.T) {
	t.Parallel()

	gw := newTestStripeGateway(t)
	payload, _ := signedPayload(t, "customer.subscription.updated", `{"id": "sub_1"}`, time.Now())

	_, err := gw.ParseWebhook(payload, "t=1,v1=deadbeef")
	require.ErrorIs(t, err, ErrUnauthenticated)
}

func TestStripeParseWebhookMapsSubscriptionEvents(t *testing.T) {
	t.Parallel()

	gw := newTestStripeGateway(t)
	created := time.Now().Truncate(time.Second)
	start := created.Add(-time.Hour)
	end := created.AddDate(0, 1, 0)

	object := fmt.Sprintf(`{
		"id": "sub_123",
		"status": "active",
		"items": {"data": [{"current_period_start": %d, "current_period_end": %d}]}
	}`, start.Unix(), end.Unix())

	t.Run("updated becomes renewal", func(t *testing.T) {
		t.Parallel()

		payload, header := signedPayload(t, "customer.subscription.updated", object, created)
		ev, err := gw.ParseWebhook(payload, header)
		require.NoError(t, err)

		assert.Equal(t, "evt_test_1", ev.ID)
		assert.Equal(t, KindPeriodRenewed, ev.Kind)
		assert.Equal(t, "sub_123", ev.SubscriptionID)
		assert.Equal(t, created.Unix(), ev.OccurredAt.Unix())
		assert.Equal(t, end.Unix(), ev.Period.End.Unix())
	})

	t.Run("deleted becomes ended", func(t *testing.T) {
		t.Parallel()

		payload, header := signedPayload(t, "customer.subscription.deleted", object, created)
		ev, err := gw.ParseWebhook(payload, header)
		require.NoError(t, err)

		assert.Equal(t, KindSubscriptionEnded, ev.Kind)
		assert.Equal(t, "sub_123", ev.SubscriptionID)
	})
}

func TestStripeParseWebhookMapsInvoiceEvents(t *testing.T) {
	t.Parallel()

	gw := newTestStripeGateway(t)
	created := time.Now().Truncate(time.Second)
	end := created.AddDate(0, 1, 0)

	object := fmt.Sprintf(`{
		"id": "in_123",
		"parent": {"subscription_details": {"subscription": "sub_123"}},
		"lines": {"data": [{"period": {"start": %d, "end": %d}}]}
	}`, created.Unix(), end.Unix())

	t.Run("payment succeeded", func(t *testing.T) {
		t.Parallel()

		payload, header := signedPayload(t, "invoice.payment_succeeded", object, created)
		ev, err := gw.ParseWebhook(payload, header)
		require.NoError(t, err)

		assert.Equal(t, KindPaymentSucceeded, ev.Kind)
		assert.Equal(t, "sub_123", ev.SubscriptionID)
		assert.Equal(t, end.Unix(), ev.Period.End.Unix())
	})

	t.Run("payment failed", func(t *testing.T) {
		t.Parallel()

		payload, header := signedPayload(t, "invoice.payment_failed", object, created)
		ev, err := gw.ParseWebhook(payload, header)
		require.NoError(t, err)

		assert.Equal(t, KindPaymentFailed, ev.Kind)
	})

	t.Run("legacy top-level subscription field", func(t *testing.T) {
		t.Parallel()

		payload, header := signedPayload(t, "invoice.payment_failed", `{"id": "in_1", "subscription": "sub_legacy"}`, created)
		ev, err := gw.ParseWebhook(payload, header)
		require.NoError(t, err)

		assert.Equal(t, "sub_legacy", ev.SubscriptionID)
	})
}

func TestStripeParseWebhookUnhandledType(t *testing.T) {
	t.Parallel()

	gw := newTestStripeGateway(t)
	payload, header := signedPayload(t, "customer.updated", `{"id": "cus_1"}`, time.Now())

	ev, err := gw.ParseWebhook(payload, header)
	require.NoError(t, err)
	assert.Equal(t, KindUnhandled, ev.Kind)
	assert.Equal(t, "customer.updated", ev.ProviderType)
}

func TestStripeGatewayConfigValidation(t *testing.T) {
	t.Parallel()

	_, err := NewStripeGateway(StripeConfig{WebhookSecret: "whsec_x"})
	require.Error(t, err)

	_, err = NewStripeGateway(StripeConfig{APIKey: "sk_test"})
	require.Error(t, err)
}
