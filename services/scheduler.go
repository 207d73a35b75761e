// services/scheduler.go
package services

import (
	"context"
	"log"
	"time"

	"squares-fundraiser/models"
	"squares-fundraiser/workers"

	"github.com/go-co-op/gocron/v2"
	"gorm.io/gorm"
)

// RunLedgerCheck verifies the ledger once and audits anything inconsistent.
func RunLedgerCheck(ctx context.Context, db *gorm.DB, effects workers.Emitter) (LedgerReport, error) {
	report, err := VerifyLedger(ctx, db)
	if err != nil {
		log.Printf("[LEDGER_CHECK] DB error: %v", err)
		return report, err
	}
	if report.Healthy() {
		log.Printf("✅ [LEDGER_CHECK] %d player(s) consistent", report.PlayersChecked)
		return report, nil
	}

	for _, d := range report.Drifts {
		log.Printf("❌ [LEDGER_CHECK] Player %s (%s): total_raised=%d succeeded=%d",
			d.PlayerName, d.PlayerID, d.TotalRaisedCents, d.SucceededCents)
	}
	for _, id := range report.OversoldSquares {
		log.Printf("❌ [LEDGER_CHECK] Square %s has more than one succeeded donation", id)
	}
	for _, id := range report.UnbackedSquares {
		log.Printf("❌ [LEDGER_CHECK] Square %s is sold without a succeeded donation", id)
	}
	if effects != nil {
		effects.Audit(workers.AuditEvent{
			EventType: models.AuditLedgerDrift,
			Details: map[string]any{
				"drifts":           report.Drifts,
				"oversold_squares": report.OversoldSquares,
				"unbacked_squares": report.UnbackedSquares,
			},
		})
	}
	return report, nil
}

// StartLedgerCheckScheduler runs RunLedgerCheck every interval until Shutdown.
func (s *ReconciliationService) StartLedgerCheckScheduler(interval time.Duration) (gocron.Scheduler, error) {
	sched, err := gocron.NewScheduler()
	if err != nil {
		return nil, err
	}

	_, err = sched.NewJob(
		gocron.DurationJob(interval),
		gocron.NewTask(func() {
			ctx, cancel := context.WithTimeout(context.Background(), interval)
			defer cancel()
			_, _ = RunLedgerCheck(ctx, s.DB, s.Effects)
		}),
		gocron.WithSingletonMode(gocron.LimitModeReschedule),
	)
	if err != nil {
		_ = sched.Shutdown()
		return nil, err
	}

	sched.Start()
	log.Printf("🔁 [LEDGER_CHECK] Scheduled every %s", interval)
	return sched, nil
}
