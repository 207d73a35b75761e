package providers

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"testing"
	"time"

	"squares-fundraiser/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func signStripe(secret string, ts int64, payload []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	_, _ = fmt.Fprintf(mac, "%d.%s", ts, payload)
	return fmt.Sprintf("t=%d,v1=%s", ts, hex.EncodeToString(mac.Sum(nil)))
}

func headerFunc(h map[string]string) func(string) string {
	return func(k string) string { return h[k] }
}

func intentEvent(eventType string) []byte {
	return []byte(fmt.Sprintf(`{
		"id": "evt_1",
		"object": "event",
		"type": %q,
		"data": {"object": {
			"id": "pi_123",
			"object": "payment_intent",
			"amount": 2500,
			"amount_received": 2000,
			"currency": "usd",
			"metadata": {"square_id": " sq_9 ", "donor_name": "Pat", "donor_email": "pat@example.com", "anonymous": "true"}
		}}
	}`, eventType))
}

func TestStripeVerify(t *testing.T) {
	body := intentEvent("payment_intent.succeeded")
	now := time.Now().Unix()
	a := NewStripeAdapter("", "whsec_abc")

	require.NoError(t, a.Verify(WebhookRequest{Body: body, Header: headerFunc(map[string]string{
		"Stripe-Signature": signStripe("whsec_abc", now, body),
	})}))

	err := a.Verify(WebhookRequest{Body: body, Header: headerFunc(map[string]string{
		"Stripe-Signature": signStripe("whsec_other", now, body),
	})})
	assert.ErrorIs(t, err, ErrSignatureInvalid)

	err = a.Verify(WebhookRequest{Body: body, Header: headerFunc(map[string]string{
		"Stripe-Signature": signStripe("whsec_abc", now-3600, body),
	})})
	assert.ErrorIs(t, err, ErrSignatureInvalid, "stale timestamps are replays")

	err = a.Verify(WebhookRequest{Body: body})
	assert.ErrorIs(t, err, ErrSignatureInvalid)

	err = NewStripeAdapter("", "").Verify(WebhookRequest{Body: body, Header: headerFunc(map[string]string{
		"Stripe-Signature": signStripe("", now, body),
	})})
	assert.ErrorIs(t, err, ErrSecretNotConfigured)
}

func TestStripeParse(t *testing.T) {
	a := NewStripeAdapter("", "whsec_abc")

	ev, err := a.Parse(intentEvent("payment_intent.succeeded"))
	require.NoError(t, err)
	require.NotNil(t, ev)
	assert.Equal(t, models.ProviderStripe, ev.Provider)
	assert.Equal(t, "pi_123", ev.PaymentID)
	assert.Equal(t, "sq_9", ev.SquareID)
	assert.Equal(t, EventCompleted, ev.Kind)
	assert.Equal(t, int64(2000), ev.AmountCents, "amount_received wins for completed intents")
	assert.Equal(t, Donor{Name: "Pat", Email: "pat@example.com", Anonymous: true}, ev.Donor)
	require.NoError(t, ev.Validate())

	kinds := map[string]EventKind{
		"payment_intent.payment_failed":  EventUpdated,
		"payment_intent.canceled":        EventFailed,
		"payment_intent.processing":      EventUpdated,
		"payment_intent.requires_action": EventUpdated,
		"payment_intent.created":         EventUpdated,
	}
	for eventType, kind := range kinds {
		ev, err := a.Parse(intentEvent(eventType))
		require.NoError(t, err, eventType)
		require.NotNil(t, ev, eventType)
		assert.Equal(t, kind, ev.Kind, eventType)
		assert.Equal(t, int64(2500), ev.AmountCents, eventType)
	}

	ev, err = a.Parse(intentEvent("customer.created"))
	require.NoError(t, err)
	assert.Nil(t, ev)

	_, err = a.Parse([]byte(`not json`))
	assert.ErrorIs(t, err, ErrMalformedPayload)

	_, err = a.Parse([]byte(`{"type":"payment_intent.succeeded","data":{"object":{"object":"payment_intent"}}}`))
	assert.ErrorIs(t, err, ErrMalformedPayload)
}

func TestStripeConfigured(t *testing.T) {
	assert.False(t, NewStripeAdapter("", "whsec").Configured())
	assert.True(t, NewStripeAdapter("sk_test_1", "").Configured())

	_, err := NewStripeAdapter("", "").client()
	assert.Error(t, err)

	a := NewStripeAdapter("sk_test_1", "")
	c1, err := a.client()
	require.NoError(t, err)
	c2, err := a.client()
	require.NoError(t, err)
	assert.Same(t, c1, c2)
}
