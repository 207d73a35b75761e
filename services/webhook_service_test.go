package services

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"squares-fundraiser/models"
	"squares-fundraiser/providers"

	"github.com/gofiber/fiber/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testStripeSecret = "whsec_test"

func stripeSignature(t *testing.T, secret string, payload []byte) string {
	t.Helper()
	ts := time.Now().Unix()
	mac := hmac.New(sha256.New, []byte(secret))
	_, _ = fmt.Fprintf(mac, "%d.%s", ts, payload)
	return fmt.Sprintf("t=%d,v1=%s", ts, hex.EncodeToString(mac.Sum(nil)))
}

func stripeEvent(t *testing.T, eventType, paymentID, squareID string, amount int64) []byte {
	t.Helper()
	body, err := json.Marshal(map[string]any{
		"id":     "evt_" + paymentID,
		"object": "event",
		"type":   eventType,
		"data": map[string]any{
			"object": map[string]any{
				"id":              paymentID,
				"object":          "payment_intent",
				"amount":          amount,
				"amount_received": amount,
				"currency":        "usd",
				"metadata": map[string]string{
					providers.MetaSquareID:  squareID,
					providers.MetaDonorName: "Webhook Donor",
				},
			},
		},
	})
	require.NoError(t, err)
	return body
}

func newWebhookApp(f *fixture, creds providers.Credentials) (*fiber.App, *WebhookService) {
	svc := NewWebhookService(providers.NewRegistry(creds), f.Ledger)
	app := fiber.New()
	app.Post("/webhooks/stripe", svc.Handler(models.ProviderStripe))
	app.Post("/webhooks/square", svc.Handler(models.ProviderSquare))
	app.Post("/reload", func(c *fiber.Ctx) error {
		c.Locals("user_id", "staff-9")
		return c.Next()
	}, svc.ReloadProvidersHandler(func() providers.Credentials {
		return providers.Credentials{StripeWebhookSecret: "whsec_rotated"}
	}))
	return app, svc
}

func postWebhook(t *testing.T, app *fiber.App, path string, body []byte, headers map[string]string) (int, map[string]any) {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, path, bytes.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	resp, err := app.Test(req, -1)
	require.NoError(t, err)
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	out := map[string]any{}
	if len(raw) > 0 {
		require.NoError(t, json.Unmarshal(raw, &out), string(raw))
	}
	return resp.StatusCode, out
}

func TestStripeWebhookAppliesSignedEvent(t *testing.T) {
	f := newFixture(t)
	p, squares := f.provision(t, "Quinn Ade", 2, 1, 1000)
	app, _ := newWebhookApp(f, providers.Credentials{StripeWebhookSecret: testStripeSecret})

	body := stripeEvent(t, "payment_intent.succeeded", "pi_hook", squares[0].ID, 1000)
	sig := map[string]string{"Stripe-Signature": stripeSignature(t, testStripeSecret, body)}

	status, out := postWebhook(t, app, "/webhooks/stripe", body, sig)
	assert.Equal(t, http.StatusOK, status)
	assert.Equal(t, true, out["received"])
	assert.Equal(t, int64(1000), f.player(t, p.ID).TotalRaisedCents)

	status, _ = postWebhook(t, app, "/webhooks/stripe", body, sig)
	assert.Equal(t, http.StatusOK, status)
	assert.Equal(t, int64(1000), f.player(t, p.ID).TotalRaisedCents)
	f.requireHealthyLedger(t)
}

func TestStripeWebhookRejectsBadSignatures(t *testing.T) {
	f := newFixture(t)
	p, squares := f.provision(t, "Quinn Ade", 1, 1, 1000)
	body := stripeEvent(t, "payment_intent.succeeded", "pi_forged", squares[0].ID, 1000)

	app, _ := newWebhookApp(f, providers.Credentials{StripeWebhookSecret: testStripeSecret})
	status, _ := postWebhook(t, app, "/webhooks/stripe", body, map[string]string{
		"Stripe-Signature": stripeSignature(t, "whsec_wrong", body),
	})
	assert.Equal(t, http.StatusUnauthorized, status)

	status, _ = postWebhook(t, app, "/webhooks/stripe", body, nil)
	assert.Equal(t, http.StatusUnauthorized, status)

	unconfigured, _ := newWebhookApp(f, providers.Credentials{})
	status, _ = postWebhook(t, unconfigured, "/webhooks/stripe", body, map[string]string{
		"Stripe-Signature": stripeSignature(t, testStripeSecret, body),
	})
	assert.Equal(t, http.StatusUnauthorized, status, "no secret configured must fail closed")

	assert.Empty(t, f.donations(t, p.ID))
	assert.False(t, f.square(t, squares[0].ID).IsPurchased)
}

func TestStripeWebhookStatusMapping(t *testing.T) {
	f := newFixture(t)
	p, squares := f.provision(t, "Quinn Ade", 2, 1, 1000)
	app, _ := newWebhookApp(f, providers.Credentials{StripeWebhookSecret: testStripeSecret})
	send := func(body []byte) (int, map[string]any) {
		return postWebhook(t, app, "/webhooks/stripe", body, map[string]string{
			"Stripe-Signature": stripeSignature(t, testStripeSecret, body),
		})
	}

	status, _ := send([]byte(`{"type": "payment_intent.succeeded", "data": `))
	assert.Equal(t, http.StatusBadRequest, status, "malformed json")

	status, _ = send(stripeEvent(t, "payment_intent.succeeded", "pi_noref", "", 1000))
	assert.Equal(t, http.StatusBadRequest, status, "missing reference on fallback path")

	status, out := send(stripeEvent(t, "charge.refunded", "pi_other", squares[0].ID, 1000))
	assert.Equal(t, http.StatusOK, status, "ignored event type")
	assert.Equal(t, true, out["received"])

	status, _ = send(stripeEvent(t, "payment_intent.processing", "pi_proc", squares[0].ID, 1000))
	assert.Equal(t, http.StatusOK, status)
	assert.Empty(t, f.donations(t, p.ID))

	_, err := f.Ledger.SimulatePayment(context.Background(), SimulateRequest{PlayerID: p.ID, SquareID: squares[1].ID})
	require.NoError(t, err)
	status, _ = send(stripeEvent(t, "payment_intent.succeeded", "pi_late", squares[1].ID, 1000))
	assert.Equal(t, http.StatusOK, status, "consistency violation is acknowledged")
	assert.Contains(t, f.Effects.auditTypes(), models.AuditDonationRejected)
	assert.Equal(t, int64(1000), f.player(t, p.ID).TotalRaisedCents)
}

func TestStripeDeclineThenRetrySucceeds(t *testing.T) {
	f := newFixture(t)
	p, squares := f.provision(t, "Quinn Ade", 1, 1, 1000)
	app, _ := newWebhookApp(f, providers.Credentials{StripeWebhookSecret: testStripeSecret})
	send := func(body []byte) int {
		status, _ := postWebhook(t, app, "/webhooks/stripe", body, map[string]string{
			"Stripe-Signature": stripeSignature(t, testStripeSecret, body),
		})
		return status
	}

	// The first card is declined, the donor retries with another card on the same intent.
	assert.Equal(t, http.StatusOK, send(stripeEvent(t, "payment_intent.payment_failed", "pi_retry", squares[0].ID, 1000)))
	assert.Empty(t, f.donations(t, p.ID))

	assert.Equal(t, http.StatusOK, send(stripeEvent(t, "payment_intent.succeeded", "pi_retry", squares[0].ID, 1000)))
	ds := f.donations(t, p.ID)
	require.Len(t, ds, 1)
	assert.Equal(t, models.DonationSucceeded, ds[0].Status)
	assert.True(t, f.square(t, squares[0].ID).IsPurchased)
	assert.Equal(t, int64(1000), f.player(t, p.ID).TotalRaisedCents)
	f.requireHealthyLedger(t)
}

func TestStripeCanceledThenSucceededIsFlagged(t *testing.T) {
	f := newFixture(t)
	p, squares := f.provision(t, "Quinn Ade", 1, 1, 1000)
	app, _ := newWebhookApp(f, providers.Credentials{StripeWebhookSecret: testStripeSecret})
	send := func(body []byte) int {
		status, _ := postWebhook(t, app, "/webhooks/stripe", body, map[string]string{
			"Stripe-Signature": stripeSignature(t, testStripeSecret, body),
		})
		return status
	}

	assert.Equal(t, http.StatusOK, send(stripeEvent(t, "payment_intent.canceled", "pi_gone", squares[0].ID, 1000)))
	assert.Equal(t, http.StatusOK, send(stripeEvent(t, "payment_intent.succeeded", "pi_gone", squares[0].ID, 1000)))

	assert.Contains(t, f.Effects.auditTypes(), models.AuditDonationRejected)
	assert.Zero(t, f.player(t, p.ID).TotalRaisedCents)
	assert.False(t, f.square(t, squares[0].ID).IsPurchased)
}

func TestSquareWebhook(t *testing.T) {
	f := newFixture(t)
	p, squares := f.provision(t, "Quinn Ade", 1, 1, 2000)
	const key, url = "sq_sig_key", "https://fundraiser.example.org/webhooks/square"
	app, _ := newWebhookApp(f, providers.Credentials{SquareSignatureKey: key, SquareNotificationURL: url})

	body := []byte(fmt.Sprintf(`{"type":"payment.updated","event_id":"e1","data":{"type":"payment","id":"sqpay_1","object":{"payment":{"id":"sqpay_1","status":"COMPLETED","reference_id":%q,"buyer_email_address":"b@example.com","amount_money":{"amount":2000,"currency":"USD"}}}}}`, squares[0].ID))

	status, _ := postWebhook(t, app, "/webhooks/square", body, map[string]string{
		"X-Square-Hmacsha256-Signature": "bm90LXRoZS1zaWduYXR1cmU=",
	})
	assert.Equal(t, http.StatusUnauthorized, status)

	status, _ = postWebhook(t, app, "/webhooks/square", body, map[string]string{
		"X-Square-Hmacsha256-Signature": providers.SignSquarePayload(key, url, body),
	})
	assert.Equal(t, http.StatusOK, status)

	ds := f.donations(t, p.ID)
	require.Len(t, ds, 1)
	assert.Equal(t, models.ProviderSquare, ds[0].PaymentProvider)
	assert.Equal(t, "b@example.com", ds[0].DonorEmail)
	assert.Equal(t, int64(2000), f.player(t, p.ID).TotalRaisedCents)
}

func TestReloadProvidersSwapsSecrets(t *testing.T) {
	f := newFixture(t)
	_, squares := f.provision(t, "Quinn Ade", 1, 1, 1000)
	app, _ := newWebhookApp(f, providers.Credentials{StripeWebhookSecret: testStripeSecret})

	status, _ := postWebhook(t, app, "/reload", nil, nil)
	require.Equal(t, http.StatusOK, status)
	assert.Contains(t, f.Effects.auditTypes(), models.AuditProvidersReloaded)

	body := stripeEvent(t, "payment_intent.succeeded", "pi_after_reload", squares[0].ID, 1000)
	status, _ = postWebhook(t, app, "/webhooks/stripe", body, map[string]string{
		"Stripe-Signature": stripeSignature(t, testStripeSecret, body),
	})
	assert.Equal(t, http.StatusUnauthorized, status, "old secret no longer accepted")

	status, _ = postWebhook(t, app, "/webhooks/stripe", body, map[string]string{
		"Stripe-Signature": stripeSignature(t, "whsec_rotated", body),
	})
	assert.Equal(t, http.StatusOK, status)
}
