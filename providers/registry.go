package providers

import (
	"fmt"
	"log"
	"sync"

	"squares-fundraiser/models"
)

// Credentials are the provider secrets a registry is built from.
type Credentials struct {
	StripeSecretKey       string
	StripeWebhookSecret   string
	SquareSignatureKey    string
	SquareNotificationURL string
}

// Registry holds the live adapters. Reload swaps every adapter at once so clients built
// from old credentials are discarded together.
type Registry struct {
	mu       sync.RWMutex
	adapters map[models.PaymentProvider]Adapter
	stripe   *StripeAdapter
}

func NewRegistry(creds Credentials) *Registry {
	r := &Registry{}
	r.Reload(creds)
	return r
}

func (r *Registry) Reload(creds Credentials) {
	stripeAdapter := NewStripeAdapter(creds.StripeSecretKey, creds.StripeWebhookSecret)
	squareAdapter := NewSquareUpAdapter(creds.SquareSignatureKey, creds.SquareNotificationURL)

	r.mu.Lock()
	r.stripe = stripeAdapter
	r.adapters = map[models.PaymentProvider]Adapter{
		models.ProviderStripe: stripeAdapter,
		models.ProviderSquare: squareAdapter,
	}
	r.mu.Unlock()

	if creds.StripeWebhookSecret == "" {
		log.Println("⚠️  [PROVIDERS] STRIPE_WEBHOOK_SECRET not set; Stripe webhooks will be rejected")
	}
	if creds.SquareSignatureKey == "" {
		log.Println("⚠️  [PROVIDERS] SQUARE_WEBHOOK_SIGNATURE_KEY not set; Square webhooks will be rejected")
	}
}

// Adapter returns the adapter for a webhook-capable provider.
func (r *Registry) Adapter(p models.PaymentProvider) (Adapter, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	a, ok := r.adapters[p]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrProviderNotSupported, p)
	}
	return a, nil
}

// Stripe returns the current Stripe adapter, used by checkout to open PaymentIntents.
func (r *Registry) Stripe() *StripeAdapter {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.stripe
}
