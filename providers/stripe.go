package providers

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"strconv"
	"strings"
	"sync"

	"squares-fundraiser/models"

	"github.com/stripe/stripe-go/v74"
	"github.com/stripe/stripe-go/v74/client"
	"github.com/stripe/stripe-go/v74/webhook"
)

// Metadata keys written on PaymentIntents at checkout and read back from webhooks.
const (
	MetaSquareID   = "square_id"
	MetaPlayerID   = "player_id"
	MetaDonorName  = "donor_name"
	MetaDonorEmail = "donor_email"
	MetaAnonymous  = "anonymous"
)

// StripeAdapter verifies Stripe-Signature headers and maps payment_intent.* events.
type StripeAdapter struct {
	secretKey     string
	webhookSecret string

	mu  sync.Mutex
	api *client.API
}

func NewStripeAdapter(secretKey, webhookSecret string) *StripeAdapter {
	return &StripeAdapter{secretKey: secretKey, webhookSecret: webhookSecret}
}

func (a *StripeAdapter) Provider() models.PaymentProvider { return models.ProviderStripe }

// Verify fails closed: without a webhook secret nothing from Stripe is trusted.
func (a *StripeAdapter) Verify(req WebhookRequest) error {
	if a.webhookSecret == "" {
		return ErrSecretNotConfigured
	}
	sig := ""
	if req.Header != nil {
		sig = req.Header("Stripe-Signature")
	}
	if sig == "" {
		return fmt.Errorf("%w: missing Stripe-Signature header", ErrSignatureInvalid)
	}
	if err := webhook.ValidatePayload(req.Body, sig, a.webhookSecret); err != nil {
		return fmt.Errorf("%w: %v", ErrSignatureInvalid, err)
	}
	return nil
}

func (a *StripeAdapter) Parse(body []byte) (*PaymentEvent, error) {
	var ev stripe.Event
	if err := json.Unmarshal(body, &ev); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedPayload, err)
	}

	var kind EventKind
	switch string(ev.Type) {
	case "payment_intent.succeeded":
		kind = EventCompleted
	case "payment_intent.canceled":
		kind = EventFailed
	// A declined attempt returns the intent to requires_payment_method; the donor can
	// retry on the same intent, so it is not terminal.
	case "payment_intent.payment_failed", "payment_intent.created", "payment_intent.processing", "payment_intent.requires_action":
		kind = EventUpdated
	default:
		return nil, nil
	}

	if ev.Data == nil || len(ev.Data.Raw) == 0 {
		return nil, fmt.Errorf("%w: event %s has no data object", ErrMalformedPayload, ev.ID)
	}
	var pi stripe.PaymentIntent
	if err := json.Unmarshal(ev.Data.Raw, &pi); err != nil {
		return nil, fmt.Errorf("%w: payment intent: %v", ErrMalformedPayload, err)
	}
	if pi.ID == "" {
		return nil, fmt.Errorf("%w: payment intent id missing", ErrMalformedPayload)
	}

	amount := pi.Amount
	if kind == EventCompleted && pi.AmountReceived > 0 {
		amount = pi.AmountReceived
	}

	anonymous, _ := strconv.ParseBool(pi.Metadata[MetaAnonymous])
	return &PaymentEvent{
		Provider:    models.ProviderStripe,
		PaymentID:   pi.ID,
		SquareID:    strings.TrimSpace(pi.Metadata[MetaSquareID]),
		AmountCents: amount,
		Kind:        kind,
		Donor: Donor{
			Name:      pi.Metadata[MetaDonorName],
			Email:     pi.Metadata[MetaDonorEmail],
			Anonymous: anonymous,
		},
	}, nil
}

// Configured reports whether checkout can create real PaymentIntents.
func (a *StripeAdapter) Configured() bool {
	return a.secretKey != ""
}

// client lazily builds the API client from the adapter's credentials. The registry
// drops the whole adapter on reload, so a stale client never outlives its key.
func (a *StripeAdapter) client() (*client.API, error) {
	if a.secretKey == "" {
		return nil, fmt.Errorf("stripe secret key not configured")
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.api == nil {
		a.api = client.New(a.secretKey, nil)
	}
	return a.api, nil
}

// CreatePaymentIntent opens a USD PaymentIntent carrying the checkout metadata.
func (a *StripeAdapter) CreatePaymentIntent(ctx context.Context, amountCents int64, metadata map[string]string) (id, clientSecret string, err error) {
	api, err := a.client()
	if err != nil {
		return "", "", err
	}
	params := &stripe.PaymentIntentParams{
		Amount:   stripe.Int64(amountCents),
		Currency: stripe.String(string(stripe.CurrencyUSD)),
	}
	params.Context = ctx
	for k, v := range metadata {
		params.AddMetadata(k, v)
	}
	pi, err := api.PaymentIntents.New(params)
	if err != nil {
		return "", "", fmt.Errorf("failed to create payment intent: %w", err)
	}
	log.Printf("💳 [STRIPE] PaymentIntent %s created for %d cents", pi.ID, amountCents)
	return pi.ID, pi.ClientSecret, nil
}
