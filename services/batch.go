// services/batch.go
package services

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sort"
	"strings"

	"squares-fundraiser/models"
	"squares-fundraiser/providers"
	"squares-fundraiser/workers"

	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// BatchRequest pays for one or more squares of a single player in one transaction.
// AmountOverrideCents is only honored when exactly one square is purchased; for
// multi-square batches each square's own value is authoritative.
type BatchRequest struct {
	Provider            models.PaymentProvider
	BatchID             string
	PlayerID            string
	SquareIDs           []string
	Donor               providers.Donor
	ActorUserID         string
	AmountOverrideCents int64
}

// SubPaymentID is the per-row idempotency key of a square inside a batch.
func SubPaymentID(batchID, squareID string) string {
	return batchID + ":" + squareID
}

func uniqueIDs(ids []string) []string {
	seen := make(map[string]struct{}, len(ids))
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		id = strings.TrimSpace(id)
		if id == "" {
			continue
		}
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	return out
}

// buildBatch validates every square up front and returns pending donations for them.
// A single already-sold square rejects the whole batch.
func buildBatch(tx *gorm.DB, req BatchRequest) ([]models.Donation, error) {
	ids := uniqueIDs(req.SquareIDs)
	if len(ids) == 0 {
		return nil, ErrEmptyBatch
	}

	player, err := lockPlayer(tx, req.PlayerID)
	if err != nil {
		return nil, err
	}
	if !player.IsActive {
		return nil, fmt.Errorf("%w: %s", ErrPlayerInactive, player.ID)
	}

	var squares []models.Square
	if err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
		Where("id IN ?", ids).
		Find(&squares).Error; err != nil {
		return nil, err
	}
	if len(squares) != len(ids) {
		found := make(map[string]bool, len(squares))
		for _, sq := range squares {
			found[sq.ID] = true
		}
		var missing []string
		for _, id := range ids {
			if !found[id] {
				missing = append(missing, id)
			}
		}
		return nil, fmt.Errorf("%w: %s", ErrSquareNotFound, strings.Join(missing, ", "))
	}

	var sold []string
	for _, sq := range squares {
		if sq.PlayerID != player.ID {
			return nil, fmt.Errorf("%w: square %s does not belong to player %s", ErrInvalidPayment, sq.ID, player.ID)
		}
		if sq.IsPurchased {
			sold = append(sold, sq.ID)
		}
	}
	if len(sold) > 0 {
		sort.Strings(sold)
		return nil, fmt.Errorf("%w: %s", ErrSquareAlreadyPurchased, strings.Join(sold, ", "))
	}

	sort.Slice(squares, func(i, j int) bool {
		if squares[i].Y != squares[j].Y {
			return squares[i].Y < squares[j].Y
		}
		return squares[i].X < squares[j].X
	})

	donations := make([]models.Donation, 0, len(squares))
	for _, sq := range squares {
		squareID := sq.ID
		d := models.Donation{
			ID:              uuid.NewString(),
			PlayerID:        player.ID,
			SquareID:        &squareID,
			AmountCents:     sq.ValueCents,
			DonorName:       req.Donor.Name,
			DonorEmail:      req.Donor.Email,
			IsAnonymous:     req.Donor.Anonymous,
			PaymentProvider: req.Provider,
			PaymentID:       SubPaymentID(req.BatchID, sq.ID),
			BatchID:         req.BatchID,
			Status:          models.DonationPending,
			CreatedByUserID: req.ActorUserID,
		}
		if len(squares) == 1 {
			d.PaymentID = req.BatchID
			if req.AmountOverrideCents > 0 {
				d.AmountCents = req.AmountOverrideCents
			}
		}
		donations = append(donations, d)
	}
	return donations, nil
}

// ApplyBatch creates and immediately completes donations for a set of squares,
// all-or-nothing.
func (s *ReconciliationService) ApplyBatch(ctx context.Context, req BatchRequest) (*ReconcileResult, error) {
	if !req.Provider.Valid() {
		return nil, fmt.Errorf("%w: unknown provider %q", ErrInvalidPayment, req.Provider)
	}
	if req.BatchID == "" {
		req.BatchID = newBatchID(req.Provider)
	}

	unlock := s.guard.Lock(paymentKey(req.Provider, req.BatchID))
	defer unlock()

	var res *ReconcileResult
	fx := &pendingEffects{}
	err := s.DB.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		check, err := checkPayment(tx, req.Provider, req.BatchID)
		if err != nil {
			return err
		}
		if check.State != StateNew {
			res = &ReconcileResult{Outcome: OutcomeDuplicate, PaymentID: req.BatchID, Donations: check.Donations}
			return nil
		}

		donations, err := buildBatch(tx, req)
		if err != nil {
			return err
		}
		if err := insertDonations(tx, donations); err != nil {
			return err
		}
		for _, d := range donations {
			fx.audits = append(fx.audits, donationAudit(models.AuditDonationCreated, d, req.ActorUserID))
		}
		res, err = s.complete(tx, req.BatchID, donations, req.ActorUserID, fx)
		if err != nil {
			return err
		}
		res.Created = true
		return nil
	})

	if errors.Is(err, gorm.ErrDuplicatedKey) {
		log.Printf("ℹ️ [RECONCILE] batch %s inserted concurrently, treating as duplicate", req.BatchID)
		return &ReconcileResult{Outcome: OutcomeDuplicate, PaymentID: req.BatchID}, nil
	}
	if err != nil {
		s.reject(req.Provider, req.BatchID, strings.Join(req.SquareIDs, ","), req.ActorUserID, err)
		return nil, err
	}
	if res.Outcome == OutcomeApplied {
		log.Printf("✅ [RECONCILE] batch %s applied: %d square(s), %d cents", req.BatchID, len(res.Donations), res.TotalCents)
	}
	s.emit(fx)
	return res, nil
}

// PendingRequest pre-creates donations when a checkout opens a provider payment.
type PendingRequest struct {
	Provider  models.PaymentProvider
	PaymentID string
	PlayerID  string
	SquareIDs []string
	Donor     providers.Donor
}

// CreatePendingDonations records the rows a later webhook will resolve.
func (s *ReconciliationService) CreatePendingDonations(ctx context.Context, req PendingRequest) ([]models.Donation, error) {
	if req.PaymentID == "" || !req.Provider.Valid() {
		return nil, fmt.Errorf("%w: provider and payment id are required", ErrInvalidPayment)
	}

	unlock := s.guard.Lock(paymentKey(req.Provider, req.PaymentID))
	defer unlock()

	var donations []models.Donation
	err := s.DB.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		check, err := checkPayment(tx, req.Provider, req.PaymentID)
		if err != nil {
			return err
		}
		if check.State != StateNew {
			return fmt.Errorf("%w: payment %s already recorded", ErrInvalidPayment, req.PaymentID)
		}
		donations, err = buildBatch(tx, BatchRequest{
			Provider:  req.Provider,
			BatchID:   req.PaymentID,
			PlayerID:  req.PlayerID,
			SquareIDs: req.SquareIDs,
			Donor:     req.Donor,
		})
		if err != nil {
			return err
		}
		return insertDonations(tx, donations)
	})
	if err != nil {
		return nil, err
	}

	fx := &pendingEffects{}
	for _, d := range donations {
		fx.audits = append(fx.audits, donationAudit(models.AuditDonationCreated, d, ""))
	}
	s.emit(fx)
	return donations, nil
}

func newBatchID(provider models.PaymentProvider) string {
	prefix := "batch"
	switch provider {
	case models.ProviderSimulation:
		prefix = "sim"
	case models.ProviderManual:
		prefix = "manual"
	}
	return prefix + "_" + strings.ReplaceAll(uuid.NewString(), "-", "")
}

// SimulateRequest drives the simulated-payment path used when no provider is
// configured and by staff testing a grid.
type SimulateRequest struct {
	PlayerID    string
	SquareID    string
	SquareIDs   []string
	Donor       providers.Donor
	AmountCents int64
	ActorUserID string
}

// SimulationSummary is returned to the caller of the simulate endpoint.
type SimulationSummary struct {
	PaymentID        string `json:"paymentId"`
	SquaresProcessed int    `json:"squaresProcessed"`
	TotalAmountCents int64  `json:"totalAmountCents"`
	Duplicate        bool   `json:"duplicate,omitempty"`
}

// SimulatePayment pays for one square (an explicit amount is honored) or many
// (square values are authoritative) under a synthesized batch id.
func (s *ReconciliationService) SimulatePayment(ctx context.Context, req SimulateRequest) (*SimulationSummary, error) {
	ids := req.SquareIDs
	if len(ids) == 0 && req.SquareID != "" {
		ids = []string{req.SquareID}
	}
	ids = uniqueIDs(ids)
	if len(ids) == 0 {
		return nil, ErrEmptyBatch
	}

	batch := BatchRequest{
		Provider:    models.ProviderSimulation,
		PlayerID:    req.PlayerID,
		SquareIDs:   ids,
		Donor:       req.Donor,
		ActorUserID: req.ActorUserID,
	}
	if len(ids) == 1 {
		batch.AmountOverrideCents = req.AmountCents
	} else if req.AmountCents > 0 {
		log.Printf("ℹ️ [RECONCILE] explicit amount ignored for %d-square simulated batch, square values used", len(ids))
	}

	res, err := s.ApplyBatch(ctx, batch)
	if err != nil {
		return nil, err
	}
	return &SimulationSummary{
		PaymentID:        res.PaymentID,
		SquaresProcessed: len(res.Donations),
		TotalAmountCents: res.TotalCents,
		Duplicate:        res.Outcome == OutcomeDuplicate,
	}, nil
}

// ManualDonationRequest records cash/check money received by staff.
type ManualDonationRequest struct {
	PlayerID    string
	AmountCents int64
	Method      models.ManualMethod
	Donor       providers.Donor
	Notes       string
	ActorUserID string
}

// RecordManualDonation creates an already-succeeded donation with no square and
// credits the player. Staff-initiated, so there is no caller-supplied idempotency key.
func (s *ReconciliationService) RecordManualDonation(ctx context.Context, req ManualDonationRequest) (*models.Donation, error) {
	if req.AmountCents <= 0 {
		return nil, fmt.Errorf("%w: amount must be positive", ErrInvalidPayment)
	}
	switch req.Method {
	case models.ManualCash, models.ManualCheck, models.ManualOther:
	default:
		return nil, fmt.Errorf("%w: payment method must be cash, check or other", ErrInvalidPayment)
	}

	now := s.now()
	paymentID := newBatchID(models.ProviderManual)
	d := models.Donation{
		ID:              uuid.NewString(),
		PlayerID:        req.PlayerID,
		AmountCents:     req.AmountCents,
		DonorName:       req.Donor.Name,
		DonorEmail:      req.Donor.Email,
		IsAnonymous:     req.Donor.Anonymous,
		PaymentProvider: models.ProviderManual,
		PaymentID:       paymentID,
		BatchID:         paymentID,
		Status:          models.DonationSucceeded,
		CompletedAt:     &now,
		ManualMethod:    req.Method,
		ManualNotes:     req.Notes,
		CreatedByUserID: req.ActorUserID,
	}

	var notice workers.DonationNotice
	err := s.DB.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		player, err := lockPlayer(tx, req.PlayerID)
		if err != nil {
			return err
		}
		if !player.IsActive {
			return fmt.Errorf("%w: %s", ErrPlayerInactive, player.ID)
		}
		if err := tx.Create(&d).Error; err != nil {
			return err
		}
		player, previous, err := creditPlayer(tx, player.ID, d.AmountCents)
		if err != nil {
			return err
		}
		notice = workers.DonationNotice{
			PlayerID:           player.ID,
			PlayerName:         player.Name,
			AmountCents:        d.AmountCents,
			DonorName:          d.DonorName,
			DonorEmail:         d.DonorEmail,
			Anonymous:          d.IsAnonymous,
			TransactionID:      paymentID,
			PreviousTotalCents: previous,
		}
		return nil
	})
	if err != nil {
		s.reject(models.ProviderManual, paymentID, "", req.ActorUserID, err)
		return nil, err
	}

	log.Printf("✅ [RECONCILE] manual %s donation %s of %d cents for player %s", d.ManualMethod, d.ID, d.AmountCents, d.PlayerID)
	s.emit(&pendingEffects{
		audits:  []workers.AuditEvent{donationAudit(models.AuditManualDonation, d, req.ActorUserID)},
		notices: []workers.DonationNotice{notice},
	})
	return &d, nil
}
