// services/payment_handlers.go
package services

import (
	"strings"

	"squares-fundraiser/models"
	"squares-fundraiser/providers"
	"squares-fundraiser/utils"

	"github.com/gofiber/fiber/v2"
	"github.com/shopspring/decimal"
)

func actorID(c *fiber.Ctx) string {
	id, _ := c.Locals("user_id").(string)
	return id
}

func centsToDollars(cents int64) float64 {
	return float64(cents) / 100
}

// SimulatePaymentHandler is POST /s/admin/payments/simulate.
func (s *ReconciliationService) SimulatePaymentHandler(c *fiber.Ctx) error {
	var req struct {
		PlayerID   string           `json:"playerId"`
		SquareID   string           `json:"squareId"`
		SquareIDs  []string         `json:"squareIds"`
		DonorName  string           `json:"donorName"`
		DonorEmail string           `json:"donorEmail"`
		Anonymous  bool             `json:"anonymous"`
		Amount     *decimal.Decimal `json:"amount"`
	}
	if err := c.BodyParser(&req); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"success": false, "error": "Invalid request body"})
	}
	if strings.TrimSpace(req.PlayerID) == "" {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"success": false, "error": "playerId is required"})
	}

	var amountCents int64
	if req.Amount != nil {
		cents, err := utils.DollarsToCents(*req.Amount)
		if err != nil {
			return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"success": false, "error": err.Error()})
		}
		amountCents = cents
	}

	summary, err := s.SimulatePayment(c.UserContext(), SimulateRequest{
		PlayerID:    req.PlayerID,
		SquareID:    req.SquareID,
		SquareIDs:   req.SquareIDs,
		Donor:       providers.Donor{Name: req.DonorName, Email: req.DonorEmail, Anonymous: req.Anonymous},
		AmountCents: amountCents,
		ActorUserID: actorID(c),
	})
	if err != nil {
		return c.Status(statusForLedgerError(err)).JSON(fiber.Map{"success": false, "error": publicLedgerError(err)})
	}

	return c.JSON(fiber.Map{
		"success":          true,
		"paymentId":        summary.PaymentID,
		"squaresProcessed": summary.SquaresProcessed,
		"totalAmount":      centsToDollars(summary.TotalAmountCents),
		"totalAmountCents": summary.TotalAmountCents,
	})
}

// ManualDonationHandler is POST /s/admin/players/:id/donations/manual.
func (s *ReconciliationService) ManualDonationHandler(c *fiber.Ctx) error {
	var req struct {
		Amount     decimal.Decimal `json:"amount"`
		Method     string          `json:"method"`
		DonorName  string          `json:"donorName"`
		DonorEmail string          `json:"donorEmail"`
		Anonymous  bool            `json:"anonymous"`
		Notes      string          `json:"notes"`
	}
	if err := c.BodyParser(&req); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"success": false, "error": "Invalid request body"})
	}
	cents, err := utils.DollarsToCents(req.Amount)
	if err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"success": false, "error": err.Error()})
	}

	donation, err := s.RecordManualDonation(c.UserContext(), ManualDonationRequest{
		PlayerID:    c.Params("id"),
		AmountCents: cents,
		Method:      models.ManualMethod(strings.ToLower(strings.TrimSpace(req.Method))),
		Donor:       providers.Donor{Name: req.DonorName, Email: req.DonorEmail, Anonymous: req.Anonymous},
		Notes:       req.Notes,
		ActorUserID: actorID(c),
	})
	if err != nil {
		return c.Status(statusForLedgerError(err)).JSON(fiber.Map{"success": false, "error": publicLedgerError(err)})
	}
	return c.Status(fiber.StatusCreated).JSON(fiber.Map{"success": true, "donation": donation})
}

// VerifyLedgerHandler is GET /s/admin/ledger/verify.
func (s *ReconciliationService) VerifyLedgerHandler(c *fiber.Ctx) error {
	report, err := RunLedgerCheck(c.UserContext(), s.DB, s.Effects)
	if err != nil {
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "ledger check failed"})
	}
	return c.JSON(fiber.Map{"healthy": report.Healthy(), "report": report})
}
