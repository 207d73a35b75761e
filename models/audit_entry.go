// models/audit_entry.go
package models

import "time"

const (
	AuditDonationCreated   = "donation_created"
	AuditDonationCompleted = "donation_completed"
	AuditDonationFailed    = "donation_failed"
	AuditDonationRejected  = "donation_rejected"
	AuditManualDonation    = "manual_donation"
	AuditPlayerProvisioned = "player_provisioned"
	AuditPlayerPurged      = "player_purged"
	AuditPlayerDeactivated = "player_deactivated"
	AuditPlayerReactivated = "player_reactivated"
	AuditValuesRandomized  = "square_values_randomized"
	AuditLedgerDrift       = "ledger_drift_detected"
	AuditProvidersReloaded = "providers_reloaded"
)

// AuditEntry is append-only. Subject ids are plain strings so entries survive a player purge.
type AuditEntry struct {
	ID          string    `gorm:"primaryKey;type:varchar(36)" json:"id"`
	EventType   string    `gorm:"type:varchar(64);not null;index" json:"event_type"`
	ActorUserID string    `gorm:"type:varchar(64);index" json:"actor_user_id,omitempty"`
	PlayerID    string    `gorm:"type:varchar(36);index" json:"player_id,omitempty"`
	SquareID    string    `gorm:"type:varchar(36)" json:"square_id,omitempty"`
	DonationID  string    `gorm:"type:varchar(36)" json:"donation_id,omitempty"`
	Details     string    `gorm:"type:jsonb" json:"details"` // e.g., {"amount_cents": 1000, "provider": "stripe"}
	CreatedAt   time.Time `gorm:"autoCreateTime;index" json:"created_at"`
}
