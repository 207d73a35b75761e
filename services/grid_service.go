// services/grid_service.go
package services

import (
	"context"
	"errors"
	"fmt"
	"log"
	"math/rand/v2"
	"strconv"

	"squares-fundraiser/models"
	"squares-fundraiser/workers"

	"github.com/google/uuid"
	"github.com/gosimple/slug"
	"gorm.io/gorm"
)

// GridService provisions players with their square grid and maintains square values.
type GridService struct {
	DB      *gorm.DB
	Effects workers.Emitter
}

func NewGridService(db *gorm.DB, effects workers.Emitter) *GridService {
	return &GridService{DB: db, Effects: effects}
}

// ProvisionRequest creates a player with a cols×rows grid of unpurchased squares.
type ProvisionRequest struct {
	Name        string
	GoalCents   int64
	Cols        int
	Rows        int
	ValueCents  int64
	ActorUserID string
}

const maxGridCells = 10000

func (s *GridService) ProvisionPlayer(ctx context.Context, req ProvisionRequest) (*models.Player, error) {
	if req.Name == "" {
		return nil, fmt.Errorf("%w: name is required", ErrInvalidPayment)
	}
	if req.Cols <= 0 || req.Rows <= 0 || req.Cols*req.Rows > maxGridCells {
		return nil, fmt.Errorf("%w: grid must have between 1 and %d squares", ErrInvalidPayment, maxGridCells)
	}
	if req.ValueCents <= 0 {
		return nil, fmt.Errorf("%w: square value must be positive", ErrInvalidPayment)
	}

	player := &models.Player{
		ID:        uuid.NewString(),
		Name:      req.Name,
		GoalCents: req.GoalCents,
		IsActive:  true,
	}

	err := s.DB.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var err error
		player.Slug, err = uniqueSlug(tx, req.Name)
		if err != nil {
			return err
		}
		if err := tx.Create(player).Error; err != nil {
			return err
		}

		squares := make([]models.Square, 0, req.Cols*req.Rows)
		for y := 0; y < req.Rows; y++ {
			for x := 0; x < req.Cols; x++ {
				squares = append(squares, models.Square{
					ID:         uuid.NewString(),
					PlayerID:   player.ID,
					X:          x,
					Y:          y,
					ValueCents: req.ValueCents,
				})
			}
		}
		if err := tx.CreateInBatches(&squares, 500).Error; err != nil {
			return fmt.Errorf("failed to create squares: %w", err)
		}
		player.Squares = squares
		return nil
	})
	if err != nil {
		return nil, err
	}

	log.Printf("✅ [GRID] Provisioned player %s (%s) with %d squares", player.Name, player.Slug, len(player.Squares))
	if s.Effects != nil {
		s.Effects.Audit(workers.AuditEvent{
			EventType:   models.AuditPlayerProvisioned,
			ActorUserID: req.ActorUserID,
			PlayerID:    player.ID,
			Details: map[string]any{
				"name":        player.Name,
				"slug":        player.Slug,
				"squares":     len(player.Squares),
				"goal_cents":  player.GoalCents,
				"value_cents": req.ValueCents,
			},
		})
	}
	return player, nil
}

func uniqueSlug(tx *gorm.DB, name string) (string, error) {
	base := slug.Make(name)
	if base == "" {
		base = "player"
	}
	candidate := base
	for i := 2; ; i++ {
		var count int64
		if err := tx.Model(&models.Player{}).Where("slug = ?", candidate).Count(&count).Error; err != nil {
			return "", err
		}
		if count == 0 {
			return candidate, nil
		}
		candidate = base + "-" + strconv.Itoa(i)
	}
}

// GetPlayerBySlug loads a player and its grid ordered row by row.
func (s *GridService) GetPlayerBySlug(ctx context.Context, playerSlug string) (*models.Player, error) {
	var p models.Player
	err := s.DB.WithContext(ctx).
		Preload("Squares", func(db *gorm.DB) *gorm.DB { return db.Order("y ASC, x ASC") }).
		First(&p, "slug = ?", playerSlug).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, fmt.Errorf("%w: %s", ErrPlayerNotFound, playerSlug)
	}
	if err != nil {
		return nil, err
	}
	return &p, nil
}

// BuildValueMultiset spreads n values across the denominations as evenly as possible;
// counts per denomination differ by at most one.
func BuildValueMultiset(n int, denominationsCents []int64) []int64 {
	if n <= 0 || len(denominationsCents) == 0 {
		return nil
	}
	values := make([]int64, n)
	for i := range values {
		values[i] = denominationsCents[i%len(denominationsCents)]
	}
	return values
}

// shuffleValues is a Fisher–Yates shuffle.
func shuffleValues(values []int64, rng *rand.Rand) {
	for i := len(values) - 1; i > 0; i-- {
		j := rng.IntN(i + 1)
		values[i], values[j] = values[j], values[i]
	}
}

// RandomizeSquareValues reassigns values of the player's unpurchased squares. Purchased
// squares and squares held by a pending checkout keep their value, and the update itself
// re-checks is_purchased. rng may be nil.
func (s *GridService) RandomizeSquareValues(ctx context.Context, playerID string, denominationsCents []int64, rng *rand.Rand, actor string) (int, error) {
	if len(denominationsCents) == 0 {
		return 0, fmt.Errorf("%w: at least one denomination is required", ErrInvalidPayment)
	}
	for _, d := range denominationsCents {
		if d <= 0 {
			return 0, fmt.Errorf("%w: denominations must be positive", ErrInvalidPayment)
		}
	}
	if rng == nil {
		rng = rand.New(rand.NewPCG(rand.Uint64(), rand.Uint64()))
	}

	updated := 0
	err := s.DB.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if _, err := lockPlayer(tx, playerID); err != nil {
			return err
		}
		var squares []models.Square
		if err := tx.Where("player_id = ? AND is_purchased = ?", playerID, false).
			Where("NOT EXISTS (SELECT 1 FROM donations WHERE donations.square_id = squares.id AND donations.status = ?)", models.DonationPending).
			Order("y ASC, x ASC").
			Find(&squares).Error; err != nil {
			return err
		}

		values := BuildValueMultiset(len(squares), denominationsCents)
		shuffleValues(values, rng)

		for i, sq := range squares {
			res := tx.Model(&models.Square{}).
				Where("id = ? AND is_purchased = ?", sq.ID, false).
				Update("value_cents", values[i])
			if res.Error != nil {
				return res.Error
			}
			updated += int(res.RowsAffected)
		}
		return nil
	})
	if err != nil {
		return 0, err
	}

	log.Printf("🎲 [GRID] Randomized %d square value(s) for player %s", updated, playerID)
	if s.Effects != nil {
		s.Effects.Audit(workers.AuditEvent{
			EventType:   models.AuditValuesRandomized,
			ActorUserID: actor,
			PlayerID:    playerID,
			Details: map[string]any{
				"updated":       updated,
				"denominations": denominationsCents,
			},
		})
	}
	return updated, nil
}

// SetPlayerActive opens or closes a player's page. Inactive players are hidden from the
// public view and refuse new payments; webhooks for payments already started still land.
func (s *GridService) SetPlayerActive(ctx context.Context, playerID string, active bool, actor string) (*models.Player, error) {
	var player models.Player
	changed := false
	err := s.DB.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var err error
		player, err = lockPlayer(tx, playerID)
		if err != nil {
			return err
		}
		if player.IsActive == active {
			return nil
		}
		if err := tx.Model(&models.Player{}).Where("id = ?", playerID).Update("is_active", active).Error; err != nil {
			return err
		}
		player.IsActive = active
		changed = true
		return nil
	})
	if err != nil {
		return nil, err
	}
	if !changed {
		return &player, nil
	}

	eventType := models.AuditPlayerDeactivated
	if active {
		eventType = models.AuditPlayerReactivated
	}
	log.Printf("🔁 [GRID] Player %s (%s) active=%t", player.Name, player.ID, active)
	if s.Effects != nil {
		s.Effects.Audit(workers.AuditEvent{
			EventType:   eventType,
			ActorUserID: actor,
			PlayerID:    playerID,
			Details:     map[string]any{"name": player.Name},
		})
	}
	return &player, nil
}

// PurgePlayer irreversibly deletes a player, its squares and its donations.
func (s *GridService) PurgePlayer(ctx context.Context, playerID, actor string) error {
	var player models.Player
	var donationCount int64
	err := s.DB.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var err error
		player, err = lockPlayer(tx, playerID)
		if err != nil {
			return err
		}
		res := tx.Where("player_id = ?", playerID).Delete(&models.Donation{})
		if res.Error != nil {
			return res.Error
		}
		donationCount = res.RowsAffected
		if err := tx.Where("player_id = ?", playerID).Delete(&models.Square{}).Error; err != nil {
			return err
		}
		return tx.Delete(&models.Player{}, "id = ?", playerID).Error
	})
	if err != nil {
		return err
	}

	log.Printf("🗑️ [GRID] Purged player %s (%s) and %d donation(s)", player.Name, player.ID, donationCount)
	if s.Effects != nil {
		s.Effects.Audit(workers.AuditEvent{
			EventType:   models.AuditPlayerPurged,
			ActorUserID: actor,
			PlayerID:    playerID,
			Details: map[string]any{
				"name":               player.Name,
				"donations_deleted":  donationCount,
				"total_raised_cents": player.TotalRaisedCents,
			},
		})
	}
	return nil
}
