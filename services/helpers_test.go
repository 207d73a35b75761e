package services

import (
	"context"
	"path/filepath"
	"sync"
	"testing"

	"squares-fundraiser/models"
	"squares-fundraiser/workers"

	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// newTestDB opens a migrated SQLite ledger in a temp dir. One connection keeps
// writers serialized the way row locks would on Postgres.
func newTestDB(t *testing.T) *gorm.DB {
	t.Helper()

	db, err := gorm.Open(sqlite.Open(filepath.Join(t.TempDir(), "ledger.db")), &gorm.Config{
		TranslateError: true,
		Logger:         logger.Default.LogMode(logger.Silent),
	})
	require.NoError(t, err)

	sqlDB, err := db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = sqlDB.Close() })

	require.NoError(t, models.AutoMigrate(db))
	return db
}

// recordingEmitter captures side effects instead of queueing them.
type recordingEmitter struct {
	mu      sync.Mutex
	audits  []workers.AuditEvent
	notices []workers.DonationNotice
}

func (r *recordingEmitter) Audit(ev workers.AuditEvent) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.audits = append(r.audits, ev)
}

func (r *recordingEmitter) NotifyDonation(n workers.DonationNotice) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.notices = append(r.notices, n)
}

// reset drops everything recorded so far, typically provisioning audits.
func (r *recordingEmitter) reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.audits = nil
	r.notices = nil
}

func (r *recordingEmitter) auditTypes() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, 0, len(r.audits))
	for _, a := range r.audits {
		out = append(out, a.EventType)
	}
	return out
}

func (r *recordingEmitter) noticeCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.notices)
}

type fixture struct {
	DB      *gorm.DB
	Effects *recordingEmitter
	Ledger  *ReconciliationService
	Grid    *GridService
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	db := newTestDB(t)
	fx := &recordingEmitter{}
	return &fixture{
		DB:      db,
		Effects: fx,
		Ledger:  NewReconciliationService(db, fx),
		Grid:    NewGridService(db, fx),
	}
}

// provision creates a player with a cols×rows grid where every square is worth valueCents.
func (f *fixture) provision(t *testing.T, name string, cols, rows int, valueCents int64) (*models.Player, []models.Square) {
	t.Helper()
	p, err := f.Grid.ProvisionPlayer(context.Background(), ProvisionRequest{
		Name:       name,
		GoalCents:  100000,
		Cols:       cols,
		Rows:       rows,
		ValueCents: valueCents,
	})
	require.NoError(t, err)
	return p, f.squares(t, p.ID)
}

func (f *fixture) squares(t *testing.T, playerID string) []models.Square {
	t.Helper()
	var squares []models.Square
	require.NoError(t, f.DB.Where("player_id = ?", playerID).Order("y ASC, x ASC").Find(&squares).Error)
	return squares
}

func (f *fixture) square(t *testing.T, id string) models.Square {
	t.Helper()
	var sq models.Square
	require.NoError(t, f.DB.First(&sq, "id = ?", id).Error)
	return sq
}

func (f *fixture) setValue(t *testing.T, squareID string, cents int64) {
	t.Helper()
	require.NoError(t, f.DB.Model(&models.Square{}).Where("id = ?", squareID).Update("value_cents", cents).Error)
}

func (f *fixture) player(t *testing.T, id string) models.Player {
	t.Helper()
	var p models.Player
	require.NoError(t, f.DB.First(&p, "id = ?", id).Error)
	return p
}

func (f *fixture) donations(t *testing.T, playerID string) []models.Donation {
	t.Helper()
	var ds []models.Donation
	require.NoError(t, f.DB.Where("player_id = ?", playerID).Order("payment_id ASC").Find(&ds).Error)
	return ds
}

func (f *fixture) requireHealthyLedger(t *testing.T) {
	t.Helper()
	report, err := VerifyLedger(context.Background(), f.DB)
	require.NoError(t, err)
	require.True(t, report.Healthy(), "ledger drift: %+v", report)
}
