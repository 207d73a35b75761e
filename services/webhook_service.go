// services/webhook_service.go
package services

import (
	"errors"
	"log"

	"squares-fundraiser/models"
	"squares-fundraiser/providers"
	"squares-fundraiser/workers"

	"github.com/gofiber/fiber/v2"
)

// WebhookService is the inbound boundary for payment providers: verify, parse, reconcile.
type WebhookService struct {
	Providers *providers.Registry
	Ledger    *ReconciliationService
}

func NewWebhookService(registry *providers.Registry, ledger *ReconciliationService) *WebhookService {
	return &WebhookService{Providers: registry, Ledger: ledger}
}

// Handler returns the POST handler for one provider's webhook endpoint. Providers only
// ever see 200, 400, 401 or a bare 500.
func (s *WebhookService) Handler(provider models.PaymentProvider) fiber.Handler {
	return func(c *fiber.Ctx) error {
		adapter, err := s.Providers.Adapter(provider)
		if err != nil {
			return c.Status(fiber.StatusNotFound).JSON(fiber.Map{"error": "unknown provider"})
		}

		// fasthttp reuses the request buffer once the handler returns.
		body := append([]byte(nil), c.Body()...)

		if err := adapter.Verify(providers.WebhookRequest{
			Body:   body,
			URL:    c.BaseURL() + c.OriginalURL(),
			Header: func(key string) string { return c.Get(key) },
		}); err != nil {
			log.Printf("🚫 [WEBHOOK] %s signature rejected: %v", provider, err)
			return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{"error": "invalid signature"})
		}

		ev, err := adapter.Parse(body)
		if err != nil {
			log.Printf("❌ [WEBHOOK] %s payload rejected: %v", provider, err)
			return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "malformed payload"})
		}
		if ev == nil {
			return c.JSON(fiber.Map{"received": true})
		}

		res, err := s.Ledger.Apply(c.UserContext(), *ev)
		switch {
		case err == nil:
			log.Printf("[WEBHOOK] %s %s (%s) → %s", provider, ev.PaymentID, ev.Kind, res.Outcome)
			return c.JSON(fiber.Map{"received": true})
		case errors.Is(err, providers.ErrMalformedPayload), errors.Is(err, ErrMissingReference):
			return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "malformed payload"})
		case IsConsistencyError(err):
			// Already logged and audited for staff review; redelivery cannot fix it.
			return c.JSON(fiber.Map{"received": true})
		default:
			return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "internal error"})
		}
	}
}

// ReloadProvidersHandler is POST /s/admin/providers/reload. Clients built from the old
// credentials are discarded with the old adapters.
func (s *WebhookService) ReloadProvidersHandler(load func() providers.Credentials) fiber.Handler {
	return func(c *fiber.Ctx) error {
		creds := load()
		s.Providers.Reload(creds)
		log.Printf("🔄 [PROVIDERS] Credentials reloaded by %s", actorID(c))

		if s.Ledger != nil && s.Ledger.Effects != nil {
			s.Ledger.Effects.Audit(workers.AuditEvent{
				EventType:   models.AuditProvidersReloaded,
				ActorUserID: actorID(c),
				Details: map[string]any{
					"stripe_webhook": creds.StripeWebhookSecret != "",
					"stripe_api":     creds.StripeSecretKey != "",
					"square_webhook": creds.SquareSignatureKey != "",
				},
			})
		}
		return c.JSON(fiber.Map{"message": "Providers reloaded"})
	}
}
