// services/ledger.go
package services

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"squares-fundraiser/models"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

var (
	ErrSquareAlreadyPurchased = errors.New("square already purchased")
	ErrSquareNotFound         = errors.New("square not found")
	ErrPlayerNotFound         = errors.New("player not found")
	ErrPlayerInactive         = errors.New("player is not active")
	ErrMissingReference       = errors.New("payment does not reference a square")
	ErrInvalidPayment         = errors.New("invalid payment request")
	ErrEmptyBatch             = errors.New("no squares in batch")
	ErrLedgerConflict         = errors.New("ledger rows changed concurrently")
	ErrPaymentAlreadyFailed   = errors.New("payment completed after it was recorded as failed")
)

// IsConsistencyError reports errors that mean "do not apply, flag for staff review".
func IsConsistencyError(err error) bool {
	return errors.Is(err, ErrSquareAlreadyPurchased) ||
		errors.Is(err, ErrSquareNotFound) ||
		errors.Is(err, ErrPlayerNotFound) ||
		errors.Is(err, ErrPlayerInactive) ||
		errors.Is(err, ErrLedgerConflict) ||
		errors.Is(err, ErrPaymentAlreadyFailed)
}

func insertDonations(tx *gorm.DB, donations []models.Donation) error {
	if len(donations) == 0 {
		return nil
	}
	return tx.Create(&donations).Error
}

// transitionDonations moves rows out of pending. Every row must still be pending,
// otherwise another writer got there first and the whole change-set is abandoned.
func transitionDonations(tx *gorm.DB, ids []string, to models.DonationStatus, at time.Time) error {
	updates := map[string]any{"status": to}
	if to == models.DonationSucceeded {
		updates["completed_at"] = at
	}
	res := tx.Model(&models.Donation{}).
		Where("id IN ? AND status = ?", ids, models.DonationPending).
		Updates(updates)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected != int64(len(ids)) {
		return fmt.Errorf("%w: expected %d pending donations, updated %d", ErrLedgerConflict, len(ids), res.RowsAffected)
	}
	return nil
}

// markSquaresPurchased flips is_purchased for the whole set in one statement. Any square
// already sold aborts the change-set instead of being skipped.
func markSquaresPurchased(tx *gorm.DB, squareIDs []string, donorName string, anonymous bool, at time.Time) error {
	if len(squareIDs) == 0 {
		return nil
	}
	res := tx.Model(&models.Square{}).
		Where("id IN ? AND is_purchased = ?", squareIDs, false).
		Updates(map[string]any{
			"is_purchased": true,
			"donor_name":   donorName,
			"is_anonymous": anonymous,
			"purchased_at": at,
		})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected != int64(len(squareIDs)) {
		return fmt.Errorf("%w: %d of %d squares were already sold", ErrSquareAlreadyPurchased, int64(len(squareIDs))-res.RowsAffected, len(squareIDs))
	}
	return nil
}

// lockPlayer reads a player row FOR UPDATE.
func lockPlayer(tx *gorm.DB, playerID string) (models.Player, error) {
	var p models.Player
	err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).First(&p, "id = ?", playerID).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return p, fmt.Errorf("%w: %s", ErrPlayerNotFound, playerID)
	}
	return p, err
}

// lockPlayers locks each distinct player in id order. Writers take player locks before
// touching squares or donations, so every transaction locks player, square, donation.
func lockPlayers(tx *gorm.DB, playerIDs []string) (map[string]bool, error) {
	ids := uniqueIDs(playerIDs)
	sort.Strings(ids)
	locked := make(map[string]bool, len(ids))
	for _, id := range ids {
		if _, err := lockPlayer(tx, id); err != nil {
			return nil, err
		}
		locked[id] = true
	}
	return locked, nil
}

func donationPlayers(donations []models.Donation) []string {
	ids := make([]string, 0, len(donations))
	for _, d := range donations {
		ids = append(ids, d.PlayerID)
	}
	return ids
}

// creditPlayer adds amount to the running total and returns the total before the credit.
func creditPlayer(tx *gorm.DB, playerID string, amountCents int64) (models.Player, int64, error) {
	p, err := lockPlayer(tx, playerID)
	if err != nil {
		return p, 0, err
	}
	previous := p.TotalRaisedCents
	if err := tx.Model(&models.Player{}).
		Where("id = ?", playerID).
		Update("total_raised_cents", gorm.Expr("total_raised_cents + ?", amountCents)).Error; err != nil {
		return p, 0, err
	}
	p.TotalRaisedCents = previous + amountCents
	return p, previous, nil
}

// LedgerDrift is a player whose running total disagrees with its succeeded donations.
type LedgerDrift struct {
	PlayerID         string `json:"player_id"`
	PlayerName       string `json:"player_name"`
	TotalRaisedCents int64  `json:"total_raised_cents"`
	SucceededCents   int64  `json:"succeeded_cents"`
}

// LedgerReport is the result of a full ledger consistency check.
type LedgerReport struct {
	PlayersChecked  int           `json:"players_checked"`
	Drifts          []LedgerDrift `json:"drifts"`
	OversoldSquares []string      `json:"oversold_squares"`
	UnbackedSquares []string      `json:"unbacked_squares"`
	CheckedAt       time.Time     `json:"checked_at"`
}

func (r LedgerReport) Healthy() bool {
	return len(r.Drifts) == 0 && len(r.OversoldSquares) == 0 && len(r.UnbackedSquares) == 0
}

// VerifyLedger checks totalRaised == Σ succeeded per player, that no square carries more
// than one succeeded donation, and that every sold square is backed by a succeeded donation.
func VerifyLedger(ctx context.Context, db *gorm.DB) (LedgerReport, error) {
	report := LedgerReport{CheckedAt: time.Now().UTC()}

	var rows []LedgerDrift
	if err := db.WithContext(ctx).Raw(`
		SELECT p.id AS player_id, p.name AS player_name, p.total_raised_cents,
		       COALESCE(SUM(d.amount_cents), 0) AS succeeded_cents
		FROM players p
		LEFT JOIN donations d ON d.player_id = p.id AND d.status = ?
		GROUP BY p.id, p.name, p.total_raised_cents
	`, models.DonationSucceeded).Scan(&rows).Error; err != nil {
		return report, fmt.Errorf("failed to sum donations: %w", err)
	}
	report.PlayersChecked = len(rows)
	for _, r := range rows {
		if r.TotalRaisedCents != r.SucceededCents {
			report.Drifts = append(report.Drifts, r)
		}
	}

	if err := db.WithContext(ctx).Raw(`
		SELECT square_id FROM donations
		WHERE status = ? AND square_id IS NOT NULL
		GROUP BY square_id HAVING COUNT(*) > 1
	`, models.DonationSucceeded).Scan(&report.OversoldSquares).Error; err != nil {
		return report, fmt.Errorf("failed to check oversold squares: %w", err)
	}

	if err := db.WithContext(ctx).Raw(`
		SELECT s.id FROM squares s
		WHERE s.is_purchased = ? AND NOT EXISTS (
			SELECT 1 FROM donations d WHERE d.square_id = s.id AND d.status = ?
		)
	`, true, models.DonationSucceeded).Scan(&report.UnbackedSquares).Error; err != nil {
		return report, fmt.Errorf("failed to check unbacked squares: %w", err)
	}

	return report, nil
}
