// handlers/admin_routes.go
package handlers

import (
	"squares-fundraiser/middleware"
	"squares-fundraiser/providers"
	"squares-fundraiser/services"

	"github.com/gofiber/fiber/v2"
)

type AdminDeps struct {
	Token              string
	Grid               *services.GridService
	Ledger             *services.ReconciliationService
	Webhooks           *services.WebhookService
	DenominationsCents []int64
	LoadCredentials    func() providers.Credentials
}

// SetupAdminRoutes registers the staff surface under /s/admin.
func SetupAdminRoutes(app *fiber.App, deps AdminDeps) {
	// 🔐 Admin token first, then the acting staff member for audit.
	admin := app.Group("/s/admin",
		middleware.AdminAuthMiddleware(deps.Token),
		middleware.UserContextMiddleware(),
	)

	admin.Post("/players", deps.Grid.ProvisionPlayerHandler)
	admin.Post("/players/:id/randomize", deps.Grid.RandomizeValuesHandler(deps.DenominationsCents))
	admin.Post("/players/:id/deactivate", deps.Grid.SetPlayerActiveHandler(false))
	admin.Post("/players/:id/activate", deps.Grid.SetPlayerActiveHandler(true))
	admin.Delete("/players/:id", deps.Grid.PurgePlayerHandler)

	admin.Post("/payments/simulate", deps.Ledger.SimulatePaymentHandler)
	admin.Post("/players/:id/donations/manual", deps.Ledger.ManualDonationHandler)
	admin.Get("/ledger/verify", deps.Ledger.VerifyLedgerHandler)

	admin.Post("/providers/reload", deps.Webhooks.ReloadProvidersHandler(deps.LoadCredentials))
}
