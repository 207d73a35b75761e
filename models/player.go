// models/player.go
package models

import "time"

// Player is the fundraising beneficiary. TotalRaisedCents is only ever moved by the
// reconciliation engine and must equal the sum of the player's succeeded donations.
type Player struct {
	ID               string `gorm:"primaryKey;type:varchar(36)" json:"id"`
	Name             string `gorm:"not null" json:"name"`
	Slug             string `gorm:"type:varchar(128);uniqueIndex;not null" json:"slug"`
	GoalCents        int64  `gorm:"not null;default:0" json:"goal_cents"`
	TotalRaisedCents int64  `gorm:"not null;default:0" json:"total_raised_cents"`
	IsActive         bool   `gorm:"not null;default:true" json:"is_active"`

	Squares []Square `json:"squares,omitempty" gorm:"foreignKey:PlayerID"`

	Timestamps
}

// Timestamps adds GORM auto-times. Ledger rows are never soft deleted, so there is no DeletedAt.
type Timestamps struct {
	CreatedAt time.Time `json:"created_at" gorm:"autoCreateTime"`
	UpdatedAt time.Time `json:"updated_at" gorm:"autoUpdateTime"`
}
