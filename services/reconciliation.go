// services/reconciliation.go
package services

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"squares-fundraiser/models"
	"squares-fundraiser/providers"
	"squares-fundraiser/workers"

	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// Outcome says what a reconciliation did to the ledger.
type Outcome string

const (
	OutcomeApplied   Outcome = "applied"
	OutcomeDuplicate Outcome = "duplicate"
	OutcomeIgnored   Outcome = "ignored"
)

// ReconcileResult summarizes one applied (or skipped) payment.
type ReconcileResult struct {
	Outcome    Outcome               `json:"outcome"`
	PaymentID  string                `json:"payment_id"`
	Status     models.DonationStatus `json:"status,omitempty"`
	Donations  []models.Donation     `json:"donations,omitempty"`
	TotalCents int64                 `json:"total_cents"`
	Created    bool                  `json:"created"`
}

// ReconciliationService owns every write to donations, square purchase state and
// player totals.
type ReconciliationService struct {
	DB      *gorm.DB
	Effects workers.Emitter

	guard *KeyedMutex
	now   func() time.Time
}

func NewReconciliationService(db *gorm.DB, effects workers.Emitter) *ReconciliationService {
	return &ReconciliationService{
		DB:      db,
		Effects: effects,
		guard:   NewKeyedMutex(),
		now:     func() time.Time { return time.Now().UTC() },
	}
}

// pendingEffects collects side effects inside a transaction; they are emitted only
// after commit.
type pendingEffects struct {
	audits  []workers.AuditEvent
	notices []workers.DonationNotice
}

func (s *ReconciliationService) emit(fx *pendingEffects) {
	if s.Effects == nil || fx == nil {
		return
	}
	for _, a := range fx.audits {
		s.Effects.Audit(a)
	}
	for _, n := range fx.notices {
		s.Effects.NotifyDonation(n)
	}
}

// Apply reconciles one verified payment event. Duplicate deliveries, including ones
// racing each other, resolve to OutcomeDuplicate without touching the ledger.
func (s *ReconciliationService) Apply(ctx context.Context, ev providers.PaymentEvent) (*ReconcileResult, error) {
	if err := ev.Validate(); err != nil {
		return nil, err
	}

	unlock := s.guard.Lock(paymentKey(ev.Provider, ev.PaymentID))
	defer unlock()

	var res *ReconcileResult
	fx := &pendingEffects{}
	err := s.DB.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		check, err := checkPayment(tx, ev.Provider, ev.PaymentID)
		if err != nil {
			return err
		}
		if res = settledResult(check, ev.PaymentID); res != nil {
			return nil
		}
		if ev.Kind == providers.EventUpdated {
			res = &ReconcileResult{Outcome: OutcomeIgnored, PaymentID: ev.PaymentID}
			return nil
		}

		if check.State == StatePending {
			locked, err := lockPlayers(tx, donationPlayers(check.Donations))
			if err != nil {
				return err
			}
			// Another process may have resolved the rows while we waited on the players.
			if check, err = checkPayment(tx, ev.Provider, ev.PaymentID); err != nil {
				return err
			}
			if res = settledResult(check, ev.PaymentID); res != nil {
				return nil
			}
			for _, d := range check.Donations {
				if !locked[d.PlayerID] {
					return fmt.Errorf("payment %s gained rows for player %s while locking", ev.PaymentID, d.PlayerID)
				}
			}
		}

		donations := check.Pending()
		created := false
		if check.State == StateNew {
			d, err := s.synthesizeDonation(tx, ev)
			if err != nil {
				return err
			}
			if err := insertDonations(tx, []models.Donation{d}); err != nil {
				return err
			}
			donations = []models.Donation{d}
			created = true
			fx.audits = append(fx.audits, donationAudit(models.AuditDonationCreated, d, ""))
		}

		switch ev.Kind {
		case providers.EventCompleted:
			if ev.AmountCents > 0 && ev.AmountCents != sumCents(donations) {
				log.Printf("⚠️ [RECONCILE] %s %s reported %d cents, ledger rows total %d; ledger amounts kept",
					ev.Provider, ev.PaymentID, ev.AmountCents, sumCents(donations))
			}
			res, err = s.complete(tx, ev.PaymentID, donations, "", fx)
		case providers.EventFailed:
			res, err = s.fail(tx, ev.PaymentID, donations, fx)
		}
		if err != nil {
			return err
		}
		res.Created = created
		return nil
	})

	if errors.Is(err, gorm.ErrDuplicatedKey) {
		// Another delivery inserted the same payment id first; it owns the application.
		log.Printf("ℹ️ [RECONCILE] %s %s inserted concurrently, treating as duplicate", ev.Provider, ev.PaymentID)
		return &ReconcileResult{Outcome: OutcomeDuplicate, PaymentID: ev.PaymentID}, nil
	}
	if err != nil {
		s.reject(ev.Provider, ev.PaymentID, ev.SquareID, "", err)
		return nil, err
	}

	if res.Outcome == OutcomeDuplicate && res.Status == models.DonationFailed && ev.Kind == providers.EventCompleted {
		// The provider captured money for a payment the ledger already closed as failed.
		s.reject(ev.Provider, ev.PaymentID, rejectedSquare(ev, res.Donations), "",
			fmt.Errorf("%w: %s %s", ErrPaymentAlreadyFailed, ev.Provider, ev.PaymentID))
	}

	switch res.Outcome {
	case OutcomeDuplicate:
		log.Printf("ℹ️ [RECONCILE] %s %s already %s, nothing to do", ev.Provider, ev.PaymentID, res.Status)
	case OutcomeIgnored:
		log.Printf("ℹ️ [RECONCILE] %s %s %s event acknowledged, ledger unchanged", ev.Provider, ev.PaymentID, ev.Kind)
	default:
		log.Printf("✅ [RECONCILE] %s %s → %s (%d donation(s), %d cents)", ev.Provider, ev.PaymentID, res.Status, len(res.Donations), res.TotalCents)
	}
	s.emit(fx)
	return res, nil
}

// settledResult reports a payment whose rows already reached a terminal status.
func settledResult(check PaymentCheck, paymentID string) *ReconcileResult {
	var status models.DonationStatus
	switch check.State {
	case StateSucceeded:
		status = models.DonationSucceeded
	case StateFailed:
		status = models.DonationFailed
	default:
		return nil
	}
	return &ReconcileResult{Outcome: OutcomeDuplicate, PaymentID: paymentID, Status: status, Donations: check.Donations}
}

func rejectedSquare(ev providers.PaymentEvent, donations []models.Donation) string {
	if ev.SquareID != "" {
		return ev.SquareID
	}
	for _, d := range donations {
		if d.SquareID != nil {
			return *d.SquareID
		}
	}
	return ""
}

// synthesizeDonation builds the pending row for a payment seen for the first time.
func (s *ReconciliationService) synthesizeDonation(tx *gorm.DB, ev providers.PaymentEvent) (models.Donation, error) {
	if ev.SquareID == "" {
		return models.Donation{}, fmt.Errorf("%w: %s %s", ErrMissingReference, ev.Provider, ev.PaymentID)
	}

	// Unlocked read to find the owner, then player lock, then the square itself.
	var sq models.Square
	err := tx.First(&sq, "id = ?", ev.SquareID).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return models.Donation{}, fmt.Errorf("%w: %s", ErrSquareNotFound, ev.SquareID)
	}
	if err != nil {
		return models.Donation{}, err
	}
	if _, err := lockPlayer(tx, sq.PlayerID); err != nil {
		return models.Donation{}, err
	}
	if err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).First(&sq, "id = ?", ev.SquareID).Error; err != nil {
		return models.Donation{}, err
	}
	if sq.IsPurchased {
		return models.Donation{}, fmt.Errorf("%w: %s claimed by new payment %s", ErrSquareAlreadyPurchased, sq.ID, ev.PaymentID)
	}

	amount := ev.AmountCents
	if amount <= 0 {
		amount = sq.ValueCents
	}
	squareID := sq.ID
	return models.Donation{
		ID:              uuid.NewString(),
		PlayerID:        sq.PlayerID,
		SquareID:        &squareID,
		AmountCents:     amount,
		DonorName:       ev.Donor.Name,
		DonorEmail:      ev.Donor.Email,
		IsAnonymous:     ev.Donor.Anonymous,
		PaymentProvider: ev.Provider,
		PaymentID:       ev.PaymentID,
		BatchID:         ev.PaymentID,
		Status:          models.DonationPending,
	}, nil
}

// complete resolves a set of pending donations: lock the players, flip the squares,
// mark the rows succeeded and credit each player exactly once. Any failure rolls back
// the whole set.
func (s *ReconciliationService) complete(tx *gorm.DB, paymentID string, donations []models.Donation, actor string, fx *pendingEffects) (*ReconcileResult, error) {
	if len(donations) == 0 {
		return nil, fmt.Errorf("%w: no pending donations for %s", ErrLedgerConflict, paymentID)
	}
	now := s.now()

	ids := make([]string, 0, len(donations))
	var squareIDs []string
	perPlayer := map[string]int64{}
	var playerOrder []string
	for _, d := range donations {
		ids = append(ids, d.ID)
		if d.SquareID != nil {
			squareIDs = append(squareIDs, *d.SquareID)
		}
		if _, ok := perPlayer[d.PlayerID]; !ok {
			playerOrder = append(playerOrder, d.PlayerID)
		}
		perPlayer[d.PlayerID] += d.AmountCents
	}

	if _, err := lockPlayers(tx, playerOrder); err != nil {
		return nil, err
	}
	payer := donations[0]
	if err := markSquaresPurchased(tx, squareIDs, payer.DonorName, payer.IsAnonymous, now); err != nil {
		return nil, err
	}
	if err := transitionDonations(tx, ids, models.DonationSucceeded, now); err != nil {
		return nil, err
	}

	var total int64
	for _, playerID := range playerOrder {
		amount := perPlayer[playerID]
		player, previous, err := creditPlayer(tx, playerID, amount)
		if err != nil {
			return nil, err
		}
		total += amount

		notice := workers.DonationNotice{
			PlayerID:           playerID,
			PlayerName:         player.Name,
			AmountCents:        amount,
			DonorName:          payer.DonorName,
			DonorEmail:         payer.DonorEmail,
			Anonymous:          payer.IsAnonymous,
			TransactionID:      paymentID,
			PreviousTotalCents: previous,
		}
		for _, d := range donations {
			if d.PlayerID == playerID && d.SquareID != nil {
				notice.SquareIDs = append(notice.SquareIDs, *d.SquareID)
			}
		}
		if len(notice.SquareIDs) > 0 {
			notice.SquareID = notice.SquareIDs[0]
		}
		fx.notices = append(fx.notices, notice)
	}

	out := make([]models.Donation, len(donations))
	for i, d := range donations {
		d.Status = models.DonationSucceeded
		d.CompletedAt = &now
		out[i] = d
		fx.audits = append(fx.audits, donationAudit(models.AuditDonationCompleted, d, actor))
	}

	return &ReconcileResult{
		Outcome:    OutcomeApplied,
		PaymentID:  paymentID,
		Status:     models.DonationSucceeded,
		Donations:  out,
		TotalCents: total,
	}, nil
}

// fail marks pending donations failed. Squares and totals are untouched.
func (s *ReconciliationService) fail(tx *gorm.DB, paymentID string, donations []models.Donation, fx *pendingEffects) (*ReconcileResult, error) {
	if _, err := lockPlayers(tx, donationPlayers(donations)); err != nil {
		return nil, err
	}
	ids := make([]string, 0, len(donations))
	for _, d := range donations {
		ids = append(ids, d.ID)
	}
	if err := transitionDonations(tx, ids, models.DonationFailed, s.now()); err != nil {
		return nil, err
	}
	out := make([]models.Donation, len(donations))
	for i, d := range donations {
		d.Status = models.DonationFailed
		out[i] = d
		fx.audits = append(fx.audits, donationAudit(models.AuditDonationFailed, d, ""))
	}
	return &ReconcileResult{
		Outcome:   OutcomeApplied,
		PaymentID: paymentID,
		Status:    models.DonationFailed,
		Donations: out,
	}, nil
}

// reject logs a refused payment and leaves an audit trail for staff review.
func (s *ReconciliationService) reject(provider models.PaymentProvider, paymentID, squareID, actor string, cause error) {
	if !IsConsistencyError(cause) && !errors.Is(cause, ErrMissingReference) {
		log.Printf("❌ [RECONCILE] %s %s failed: %v", provider, paymentID, cause)
		return
	}
	log.Printf("❌ [RECONCILE] %s %s rejected, needs manual review: %v", provider, paymentID, cause)
	if s.Effects == nil {
		return
	}
	s.Effects.Audit(workers.AuditEvent{
		EventType:   models.AuditDonationRejected,
		ActorUserID: actor,
		SquareID:    squareID,
		Details: map[string]any{
			"provider":   string(provider),
			"payment_id": paymentID,
			"reason":     cause.Error(),
		},
	})
}

func donationAudit(eventType string, d models.Donation, actor string) workers.AuditEvent {
	ev := workers.AuditEvent{
		EventType:   eventType,
		ActorUserID: actor,
		PlayerID:    d.PlayerID,
		DonationID:  d.ID,
		Details: map[string]any{
			"amount_cents": d.AmountCents,
			"provider":     string(d.PaymentProvider),
			"payment_id":   d.PaymentID,
			"batch_id":     d.BatchID,
			"status":       string(d.Status),
		},
	}
	if d.SquareID != nil {
		ev.SquareID = *d.SquareID
	}
	if d.ManualMethod != "" {
		ev.Details["method"] = string(d.ManualMethod)
	}
	return ev
}

func sumCents(donations []models.Donation) int64 {
	var total int64
	for _, d := range donations {
		total += d.AmountCents
	}
	return total
}
