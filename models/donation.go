// models/donation.go
package models

import "time"

// PaymentProvider discriminates where a donation's money came from.
type PaymentProvider string

const (
	ProviderStripe     PaymentProvider = "stripe"
	ProviderSquare     PaymentProvider = "square"
	ProviderManual     PaymentProvider = "manual"
	ProviderSimulation PaymentProvider = "simulation"
)

func (p PaymentProvider) Valid() bool {
	switch p {
	case ProviderStripe, ProviderSquare, ProviderManual, ProviderSimulation:
		return true
	}
	return false
}

// DonationStatus is the ledger lifecycle: pending → succeeded | failed. Both outcomes are terminal.
type DonationStatus string

const (
	DonationPending   DonationStatus = "pending"
	DonationSucceeded DonationStatus = "succeeded"
	DonationFailed    DonationStatus = "failed"
)

func (s DonationStatus) Terminal() bool {
	return s == DonationSucceeded || s == DonationFailed
}

// ManualMethod is how staff received an offline donation.
type ManualMethod string

const (
	ManualCash  ManualMethod = "cash"
	ManualCheck ManualMethod = "check"
	ManualOther ManualMethod = "other"
)

// Donation is one ledger row. PaymentID is globally unique and is the idempotency key;
// BatchID groups the rows paid by a single provider transaction.
type Donation struct {
	ID              string          `gorm:"primaryKey;type:varchar(36)" json:"id"`
	PlayerID        string          `gorm:"type:varchar(36);not null;index" json:"player_id"`
	SquareID        *string         `gorm:"type:varchar(36);index" json:"square_id,omitempty"`
	AmountCents     int64           `gorm:"not null" json:"amount_cents"`
	DonorName       string          `gorm:"type:varchar(255)" json:"donor_name,omitempty"`
	DonorEmail      string          `gorm:"type:varchar(255)" json:"donor_email,omitempty"`
	IsAnonymous     bool            `gorm:"not null;default:false" json:"is_anonymous"`
	PaymentProvider PaymentProvider `gorm:"type:varchar(16);not null;index" json:"payment_provider"`
	PaymentID       string          `gorm:"type:varchar(255);not null;uniqueIndex" json:"payment_id"`
	BatchID         string          `gorm:"type:varchar(255);not null;index" json:"batch_id"`
	Status          DonationStatus  `gorm:"type:varchar(16);not null;default:'pending';index" json:"status"`
	CompletedAt     *time.Time      `json:"completed_at,omitempty"`

	// Manual (cash/check) donations only.
	ManualMethod    ManualMethod `gorm:"type:varchar(16)" json:"manual_method,omitempty"`
	ManualNotes     string       `gorm:"type:text" json:"manual_notes,omitempty"`
	CreatedByUserID string       `gorm:"type:varchar(64)" json:"created_by_user_id,omitempty"`

	Timestamps
}
