// services/checkout_service.go
package services

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strconv"
	"strings"

	"squares-fundraiser/models"
	"squares-fundraiser/providers"

	"github.com/gofiber/fiber/v2"
	"gorm.io/gorm"
)

// PaymentIntentCreator opens a provider payment for a checkout.
type PaymentIntentCreator interface {
	Configured() bool
	CreatePaymentIntent(ctx context.Context, amountCents int64, metadata map[string]string) (id, clientSecret string, err error)
}

// CheckoutService starts supporter payments and pre-creates their pending donations.
type CheckoutService struct {
	DB     *gorm.DB
	Ledger *ReconciliationService

	// intents is resolved per request so a provider reload takes effect immediately.
	intents func() PaymentIntentCreator
}

func NewCheckoutService(db *gorm.DB, ledger *ReconciliationService, registry *providers.Registry) *CheckoutService {
	return &CheckoutService{
		DB:     db,
		Ledger: ledger,
		intents: func() PaymentIntentCreator {
			return registry.Stripe()
		},
	}
}

type CheckoutRequest struct {
	PlayerID   string   `json:"playerId"`
	SquareIDs  []string `json:"squareIds"`
	DonorName  string   `json:"donorName"`
	DonorEmail string   `json:"donorEmail"`
	Anonymous  bool     `json:"anonymous"`
}

type CheckoutResponse struct {
	Simulated    bool   `json:"simulated"`
	PaymentID    string `json:"paymentId,omitempty"`
	ClientSecret string `json:"clientSecret,omitempty"`
	AmountCents  int64  `json:"amountCents"`
	Squares      int    `json:"squares"`
}

// StartCheckout prices the requested squares and, when Stripe is configured, opens a
// PaymentIntent and records pending donations under its id. Without a provider the
// caller is told to use the simulated payment path.
func (s *CheckoutService) StartCheckout(ctx context.Context, req CheckoutRequest) (*CheckoutResponse, error) {
	ids := uniqueIDs(req.SquareIDs)
	if len(ids) == 0 {
		return nil, ErrEmptyBatch
	}

	var squares []models.Square
	if err := s.DB.WithContext(ctx).Where("id IN ? AND player_id = ?", ids, req.PlayerID).Find(&squares).Error; err != nil {
		return nil, err
	}
	if len(squares) != len(ids) {
		return nil, fmt.Errorf("%w: some squares do not exist for this player", ErrSquareNotFound)
	}
	var total int64
	for _, sq := range squares {
		if sq.IsPurchased {
			return nil, fmt.Errorf("%w: %s", ErrSquareAlreadyPurchased, sq.ID)
		}
		total += sq.ValueCents
	}

	creator := s.intents()
	if creator == nil || !creator.Configured() {
		return &CheckoutResponse{Simulated: true, AmountCents: total, Squares: len(ids)}, nil
	}

	meta := map[string]string{
		providers.MetaPlayerID:   req.PlayerID,
		providers.MetaDonorName:  req.DonorName,
		providers.MetaDonorEmail: req.DonorEmail,
		providers.MetaAnonymous:  strconv.FormatBool(req.Anonymous),
	}
	if len(ids) == 1 {
		meta[providers.MetaSquareID] = ids[0]
	} else {
		meta["square_count"] = strconv.Itoa(len(ids))
	}

	paymentID, clientSecret, err := creator.CreatePaymentIntent(ctx, total, meta)
	if err != nil {
		return nil, err
	}

	if _, err := s.Ledger.CreatePendingDonations(ctx, PendingRequest{
		Provider:  models.ProviderStripe,
		PaymentID: paymentID,
		PlayerID:  req.PlayerID,
		SquareIDs: ids,
		Donor:     providers.Donor{Name: req.DonorName, Email: req.DonorEmail, Anonymous: req.Anonymous},
	}); err != nil {
		log.Printf("❌ [CHECKOUT] PaymentIntent %s opened but pending donations failed: %v", paymentID, err)
		return nil, err
	}

	return &CheckoutResponse{
		PaymentID:    paymentID,
		ClientSecret: clientSecret,
		AmountCents:  total,
		Squares:      len(ids),
	}, nil
}

// StartCheckoutHandler is POST /checkout.
func (s *CheckoutService) StartCheckoutHandler(c *fiber.Ctx) error {
	var req CheckoutRequest
	if err := c.BodyParser(&req); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "Invalid request body"})
	}
	req.PlayerID = strings.TrimSpace(req.PlayerID)
	if req.PlayerID == "" {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "playerId is required"})
	}

	resp, err := s.StartCheckout(c.UserContext(), req)
	if err != nil {
		return c.Status(statusForLedgerError(err)).JSON(fiber.Map{"error": publicLedgerError(err)})
	}
	return c.JSON(resp)
}

// statusForLedgerError maps ledger errors onto the admin/public JSON surface.
func statusForLedgerError(err error) int {
	switch {
	case errors.Is(err, ErrSquareAlreadyPurchased):
		return fiber.StatusConflict
	case errors.Is(err, ErrSquareNotFound), errors.Is(err, ErrPlayerNotFound):
		return fiber.StatusNotFound
	case errors.Is(err, ErrInvalidPayment), errors.Is(err, ErrEmptyBatch),
		errors.Is(err, ErrPlayerInactive), errors.Is(err, ErrMissingReference):
		return fiber.StatusBadRequest
	default:
		return fiber.StatusInternalServerError
	}
}

func publicLedgerError(err error) string {
	if statusForLedgerError(err) == fiber.StatusInternalServerError {
		return "internal error"
	}
	return err.Error()
}
