// services/grid_handlers.go
package services

import (
	"errors"
	"strings"

	"squares-fundraiser/utils"

	"github.com/gofiber/fiber/v2"
	"github.com/shopspring/decimal"
)

// GetPlayerBySlugHandler is the public grid view. Anonymous donors are masked and no
// donor contact data leaves the server.
func (s *GridService) GetPlayerBySlugHandler(c *fiber.Ctx) error {
	p, err := s.GetPlayerBySlug(c.UserContext(), c.Params("slug"))
	if err != nil {
		if errors.Is(err, ErrPlayerNotFound) {
			return c.Status(fiber.StatusNotFound).JSON(fiber.Map{"error": "player not found"})
		}
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "DB error"})
	}
	if !p.IsActive {
		return c.Status(fiber.StatusNotFound).JSON(fiber.Map{"error": "player not found"})
	}

	squares := make([]fiber.Map, 0, len(p.Squares))
	for _, sq := range p.Squares {
		squares = append(squares, fiber.Map{
			"id":           sq.ID,
			"x":            sq.X,
			"y":            sq.Y,
			"value_cents":  sq.ValueCents,
			"is_purchased": sq.IsPurchased,
			"donor_name":   sq.PublicDonorName(),
		})
	}
	return c.JSON(fiber.Map{
		"id":                 p.ID,
		"name":               p.Name,
		"slug":               p.Slug,
		"goal_cents":         p.GoalCents,
		"total_raised_cents": p.TotalRaisedCents,
		"total_raised":       utils.FormatCents(p.TotalRaisedCents),
		"squares":            squares,
	})
}

// ProvisionPlayerHandler is POST /s/admin/players.
func (s *GridService) ProvisionPlayerHandler(c *fiber.Ctx) error {
	var req struct {
		Name        string          `json:"name"`
		Goal        decimal.Decimal `json:"goal"`
		Cols        int             `json:"cols"`
		Rows        int             `json:"rows"`
		SquareValue decimal.Decimal `json:"squareValue"`
	}
	if err := c.BodyParser(&req); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "Invalid request body"})
	}
	valueCents, err := utils.DollarsToCents(req.SquareValue)
	if err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "squareValue: " + err.Error()})
	}
	var goalCents int64
	if !req.Goal.IsZero() {
		if goalCents, err = utils.DollarsToCents(req.Goal); err != nil {
			return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "goal: " + err.Error()})
		}
	}

	player, err := s.ProvisionPlayer(c.UserContext(), ProvisionRequest{
		Name:        strings.TrimSpace(req.Name),
		GoalCents:   goalCents,
		Cols:        req.Cols,
		Rows:        req.Rows,
		ValueCents:  valueCents,
		ActorUserID: actorID(c),
	})
	if err != nil {
		return c.Status(statusForLedgerError(err)).JSON(fiber.Map{"error": publicLedgerError(err)})
	}
	return c.Status(fiber.StatusCreated).JSON(player)
}

// RandomizeValuesHandler is POST /s/admin/players/:id/randomize. With no body the
// configured denominations are used.
func (s *GridService) RandomizeValuesHandler(defaultDenominationsCents []int64) fiber.Handler {
	return func(c *fiber.Ctx) error {
		var req struct {
			Denominations []decimal.Decimal `json:"denominations"`
		}
		if len(c.Body()) > 0 {
			if err := c.BodyParser(&req); err != nil {
				return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "Invalid request body"})
			}
		}
		denoms := defaultDenominationsCents
		if len(req.Denominations) > 0 {
			denoms = make([]int64, 0, len(req.Denominations))
			for _, d := range req.Denominations {
				cents, err := utils.DollarsToCents(d)
				if err != nil {
					return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": err.Error()})
				}
				denoms = append(denoms, cents)
			}
		}

		updated, err := s.RandomizeSquareValues(c.UserContext(), c.Params("id"), denoms, nil, actorID(c))
		if err != nil {
			return c.Status(statusForLedgerError(err)).JSON(fiber.Map{"error": publicLedgerError(err)})
		}
		return c.JSON(fiber.Map{"message": "Square values randomized", "updated": updated})
	}
}

// SetPlayerActiveHandler backs POST /s/admin/players/:id/activate and /deactivate.
func (s *GridService) SetPlayerActiveHandler(active bool) fiber.Handler {
	return func(c *fiber.Ctx) error {
		player, err := s.SetPlayerActive(c.UserContext(), c.Params("id"), active, actorID(c))
		if err != nil {
			return c.Status(statusForLedgerError(err)).JSON(fiber.Map{"error": publicLedgerError(err)})
		}
		return c.JSON(fiber.Map{"player_id": player.ID, "is_active": player.IsActive})
	}
}

// PurgePlayerHandler is DELETE /s/admin/players/:id. Requires ?confirm=<player id>.
func (s *GridService) PurgePlayerHandler(c *fiber.Ctx) error {
	id := c.Params("id")
	if c.Query("confirm") != id {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "purge is irreversible: pass ?confirm=<player id>"})
	}
	if err := s.PurgePlayer(c.UserContext(), id, actorID(c)); err != nil {
		return c.Status(statusForLedgerError(err)).JSON(fiber.Map{"error": publicLedgerError(err)})
	}
	return c.JSON(fiber.Map{"message": "Player purged", "player_id": id})
}
