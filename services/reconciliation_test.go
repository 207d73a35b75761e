package services

import (
	"context"
	"sync"
	"testing"

	"squares-fundraiser/models"
	"squares-fundraiser/providers"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func completedEvent(paymentID, squareID string, amountCents int64) providers.PaymentEvent {
	return providers.PaymentEvent{
		Provider:    models.ProviderStripe,
		PaymentID:   paymentID,
		SquareID:    squareID,
		AmountCents: amountCents,
		Kind:        providers.EventCompleted,
		Donor:       providers.Donor{Name: "Pat Donor", Email: "pat@example.com"},
	}
}

func TestApplyCompletedWebhookCreatesAndCompletesDonation(t *testing.T) {
	f := newFixture(t)
	p, squares := f.provision(t, "Jamie Rivera", 2, 2, 1000)
	sqA := squares[0]
	f.Effects.reset()

	res, err := f.Ledger.Apply(context.Background(), completedEvent("pay_1", sqA.ID, 1000))
	require.NoError(t, err)
	assert.Equal(t, OutcomeApplied, res.Outcome)
	assert.Equal(t, models.DonationSucceeded, res.Status)
	assert.True(t, res.Created)
	assert.Equal(t, int64(1000), res.TotalCents)

	ds := f.donations(t, p.ID)
	require.Len(t, ds, 1)
	assert.Equal(t, "pay_1", ds[0].PaymentID)
	assert.Equal(t, models.DonationSucceeded, ds[0].Status)
	assert.Equal(t, int64(1000), ds[0].AmountCents)
	require.NotNil(t, ds[0].CompletedAt)

	sq := f.square(t, sqA.ID)
	assert.True(t, sq.IsPurchased)
	assert.Equal(t, "Pat Donor", sq.DonorName)
	require.NotNil(t, sq.PurchasedAt)

	assert.Equal(t, int64(1000), f.player(t, p.ID).TotalRaisedCents)
	assert.Equal(t, []string{models.AuditDonationCreated, models.AuditDonationCompleted}, f.Effects.auditTypes())
	assert.Equal(t, 1, f.Effects.noticeCount())
	f.requireHealthyLedger(t)
}

func TestApplyRedeliveryIsDuplicate(t *testing.T) {
	f := newFixture(t)
	p, squares := f.provision(t, "Jamie Rivera", 2, 2, 1000)
	ev := completedEvent("pay_1", squares[0].ID, 1000)

	_, err := f.Ledger.Apply(context.Background(), ev)
	require.NoError(t, err)

	res, err := f.Ledger.Apply(context.Background(), ev)
	require.NoError(t, err)
	assert.Equal(t, OutcomeDuplicate, res.Outcome)
	assert.Equal(t, models.DonationSucceeded, res.Status)

	assert.Equal(t, int64(1000), f.player(t, p.ID).TotalRaisedCents)
	assert.Len(t, f.donations(t, p.ID), 1)
	assert.Equal(t, 1, f.Effects.noticeCount())
	f.requireHealthyLedger(t)
}

func TestApplyConcurrentRedeliveriesApplyOnce(t *testing.T) {
	f := newFixture(t)
	p, squares := f.provision(t, "Jamie Rivera", 2, 2, 1000)
	ev := completedEvent("pay_race", squares[1].ID, 1000)

	const deliveries = 8
	var wg sync.WaitGroup
	outcomes := make([]Outcome, deliveries)
	errs := make([]error, deliveries)
	for i := 0; i < deliveries; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			res, err := f.Ledger.Apply(context.Background(), ev)
			errs[i] = err
			if res != nil {
				outcomes[i] = res.Outcome
			}
		}(i)
	}
	wg.Wait()

	applied := 0
	for i := range outcomes {
		require.NoError(t, errs[i])
		if outcomes[i] == OutcomeApplied {
			applied++
		} else {
			assert.Equal(t, OutcomeDuplicate, outcomes[i])
		}
	}
	assert.Equal(t, 1, applied)
	assert.Equal(t, int64(1000), f.player(t, p.ID).TotalRaisedCents)
	assert.Len(t, f.donations(t, p.ID), 1)
	assert.Zero(t, f.Ledger.guard.Len())
	f.requireHealthyLedger(t)
}

func TestApplyFailedWebhookWithoutPendingDonation(t *testing.T) {
	f := newFixture(t)
	p, squares := f.provision(t, "Jamie Rivera", 2, 1, 2000)
	ev := completedEvent("pay_failed", squares[0].ID, 2000)
	ev.Kind = providers.EventFailed

	res, err := f.Ledger.Apply(context.Background(), ev)
	require.NoError(t, err)
	assert.Equal(t, OutcomeApplied, res.Outcome)
	assert.Equal(t, models.DonationFailed, res.Status)

	ds := f.donations(t, p.ID)
	require.Len(t, ds, 1)
	assert.Equal(t, models.DonationFailed, ds[0].Status)
	assert.Nil(t, ds[0].CompletedAt)
	assert.False(t, f.square(t, squares[0].ID).IsPurchased)
	assert.Zero(t, f.player(t, p.ID).TotalRaisedCents)
	assert.Zero(t, f.Effects.noticeCount())
	f.requireHealthyLedger(t)
}

func TestApplyTerminalStatusIsFinal(t *testing.T) {
	f := newFixture(t)
	p, squares := f.provision(t, "Jamie Rivera", 2, 1, 1000)
	ev := completedEvent("pay_final", squares[0].ID, 1000)

	_, err := f.Ledger.Apply(context.Background(), ev)
	require.NoError(t, err)

	ev.Kind = providers.EventFailed
	res, err := f.Ledger.Apply(context.Background(), ev)
	require.NoError(t, err)
	assert.Equal(t, OutcomeDuplicate, res.Outcome)
	assert.Equal(t, models.DonationSucceeded, res.Status)

	ds := f.donations(t, p.ID)
	require.Len(t, ds, 1)
	assert.Equal(t, models.DonationSucceeded, ds[0].Status)
	assert.Equal(t, int64(1000), f.player(t, p.ID).TotalRaisedCents)
}

func TestApplyUpdatedEventLeavesLedgerAlone(t *testing.T) {
	f := newFixture(t)
	p, squares := f.provision(t, "Jamie Rivera", 1, 1, 1000)
	ev := completedEvent("pay_upd", squares[0].ID, 1000)
	ev.Kind = providers.EventUpdated

	res, err := f.Ledger.Apply(context.Background(), ev)
	require.NoError(t, err)
	assert.Equal(t, OutcomeIgnored, res.Outcome)
	assert.Empty(t, f.donations(t, p.ID))
	assert.False(t, f.square(t, squares[0].ID).IsPurchased)
}

func TestApplyUsesSquareValueWhenAmountMissing(t *testing.T) {
	f := newFixture(t)
	p, squares := f.provision(t, "Jamie Rivera", 1, 1, 2500)

	_, err := f.Ledger.Apply(context.Background(), completedEvent("pay_noamt", squares[0].ID, 0))
	require.NoError(t, err)
	assert.Equal(t, int64(2500), f.player(t, p.ID).TotalRaisedCents)
	f.requireHealthyLedger(t)
}

func TestApplyRejectsInconsistentPayments(t *testing.T) {
	t.Run("missing reference", func(t *testing.T) {
		f := newFixture(t)
		_, err := f.Ledger.Apply(context.Background(), completedEvent("pay_noref", "", 1000))
		require.ErrorIs(t, err, ErrMissingReference)
		assert.Contains(t, f.Effects.auditTypes(), models.AuditDonationRejected)
	})

	t.Run("unknown square", func(t *testing.T) {
		f := newFixture(t)
		_, err := f.Ledger.Apply(context.Background(), completedEvent("pay_ghost", "sq_missing", 1000))
		require.ErrorIs(t, err, ErrSquareNotFound)
		assert.True(t, IsConsistencyError(err))
	})

	t.Run("square sold to another payment", func(t *testing.T) {
		f := newFixture(t)
		p, squares := f.provision(t, "Jamie Rivera", 1, 1, 1000)
		_, err := f.Ledger.Apply(context.Background(), completedEvent("pay_first", squares[0].ID, 1000))
		require.NoError(t, err)

		_, err = f.Ledger.Apply(context.Background(), completedEvent("pay_second", squares[0].ID, 1000))
		require.ErrorIs(t, err, ErrSquareAlreadyPurchased)

		assert.Len(t, f.donations(t, p.ID), 1)
		assert.Equal(t, int64(1000), f.player(t, p.ID).TotalRaisedCents)
		assert.Contains(t, f.Effects.auditTypes(), models.AuditDonationRejected)
		f.requireHealthyLedger(t)
	})

	t.Run("malformed event", func(t *testing.T) {
		f := newFixture(t)
		_, err := f.Ledger.Apply(context.Background(), providers.PaymentEvent{Provider: models.ProviderStripe, Kind: providers.EventCompleted})
		require.ErrorIs(t, err, providers.ErrMalformedPayload)
	})
}

func TestApplyCompletesPendingBatchFromCheckout(t *testing.T) {
	f := newFixture(t)
	p, squares := f.provision(t, "Jamie Rivera", 3, 1, 500)
	f.setValue(t, squares[2].ID, 2000)

	pending, err := f.Ledger.CreatePendingDonations(context.Background(), PendingRequest{
		Provider:  models.ProviderStripe,
		PaymentID: "pi_batch",
		PlayerID:  p.ID,
		SquareIDs: []string{squares[0].ID, squares[2].ID},
		Donor:     providers.Donor{Name: "Lee", Anonymous: true},
	})
	require.NoError(t, err)
	require.Len(t, pending, 2)
	assert.Equal(t, SubPaymentID("pi_batch", squares[0].ID), pending[0].PaymentID)
	assert.False(t, f.square(t, squares[0].ID).IsPurchased)
	assert.Zero(t, f.player(t, p.ID).TotalRaisedCents)

	// Multi-square intents carry no single square reference; the pending rows do.
	res, err := f.Ledger.Apply(context.Background(), completedEvent("pi_batch", "", 2500))
	require.NoError(t, err)
	assert.Equal(t, OutcomeApplied, res.Outcome)
	assert.False(t, res.Created)
	assert.Len(t, res.Donations, 2)

	assert.Equal(t, int64(2500), f.player(t, p.ID).TotalRaisedCents)
	sq := f.square(t, squares[2].ID)
	assert.True(t, sq.IsPurchased)
	assert.Equal(t, "Anonymous", sq.PublicDonorName())
	assert.False(t, f.square(t, squares[1].ID).IsPurchased)
	f.requireHealthyLedger(t)

	res, err = f.Ledger.Apply(context.Background(), completedEvent("pi_batch", "", 2500))
	require.NoError(t, err)
	assert.Equal(t, OutcomeDuplicate, res.Outcome)
	assert.Equal(t, int64(2500), f.player(t, p.ID).TotalRaisedCents)
}

func TestApplyPendingBatchRollsBackWhenASquareWasSoldMeanwhile(t *testing.T) {
	f := newFixture(t)
	p, squares := f.provision(t, "Jamie Rivera", 2, 1, 1000)

	_, err := f.Ledger.CreatePendingDonations(context.Background(), PendingRequest{
		Provider:  models.ProviderStripe,
		PaymentID: "pi_slow",
		PlayerID:  p.ID,
		SquareIDs: []string{squares[0].ID, squares[1].ID},
	})
	require.NoError(t, err)

	_, err = f.Ledger.SimulatePayment(context.Background(), SimulateRequest{PlayerID: p.ID, SquareID: squares[1].ID})
	require.NoError(t, err)

	_, err = f.Ledger.Apply(context.Background(), completedEvent("pi_slow", "", 2000))
	require.ErrorIs(t, err, ErrSquareAlreadyPurchased)

	assert.False(t, f.square(t, squares[0].ID).IsPurchased)
	assert.Equal(t, int64(1000), f.player(t, p.ID).TotalRaisedCents)
	var pendingCount int64
	require.NoError(t, f.DB.Model(&models.Donation{}).Where("batch_id = ? AND status = ?", "pi_slow", models.DonationPending).Count(&pendingCount).Error)
	assert.Equal(t, int64(2), pendingCount)
	f.requireHealthyLedger(t)
}

func TestApplyCompletedAfterFailedIsFlagged(t *testing.T) {
	f := newFixture(t)
	p, squares := f.provision(t, "Jamie Rivera", 1, 1, 1000)
	ev := completedEvent("pay_closed", squares[0].ID, 1000)
	ev.Kind = providers.EventFailed
	_, err := f.Ledger.Apply(context.Background(), ev)
	require.NoError(t, err)
	f.Effects.reset()

	ev.Kind = providers.EventCompleted
	res, err := f.Ledger.Apply(context.Background(), ev)
	require.NoError(t, err)
	assert.Equal(t, OutcomeDuplicate, res.Outcome)
	assert.Equal(t, models.DonationFailed, res.Status)

	assert.Equal(t, []string{models.AuditDonationRejected}, f.Effects.auditTypes())
	assert.Equal(t, squares[0].ID, f.Effects.audits[0].SquareID)
	assert.Contains(t, f.Effects.audits[0].Details["reason"], ErrPaymentAlreadyFailed.Error())
	assert.False(t, f.square(t, squares[0].ID).IsPurchased)
	assert.Zero(t, f.player(t, p.ID).TotalRaisedCents)
	f.requireHealthyLedger(t)
}

func TestApplyFailedPendingBatchLeavesSquaresOpen(t *testing.T) {
	f := newFixture(t)
	p, squares := f.provision(t, "Jamie Rivera", 2, 1, 1000)
	_, err := f.Ledger.CreatePendingDonations(context.Background(), PendingRequest{
		Provider:  models.ProviderStripe,
		PaymentID: "pi_cancel",
		PlayerID:  p.ID,
		SquareIDs: []string{squares[0].ID, squares[1].ID},
	})
	require.NoError(t, err)

	ev := completedEvent("pi_cancel", "", 2000)
	ev.Kind = providers.EventFailed
	res, err := f.Ledger.Apply(context.Background(), ev)
	require.NoError(t, err)
	assert.Equal(t, OutcomeApplied, res.Outcome)
	assert.Len(t, res.Donations, 2)

	for _, d := range f.donations(t, p.ID) {
		assert.Equal(t, models.DonationFailed, d.Status)
	}
	assert.False(t, f.square(t, squares[0].ID).IsPurchased)
	assert.Zero(t, f.player(t, p.ID).TotalRaisedCents)
}
