// models/square.go
package models

import "time"

// Square is one purchasable grid cell. Position and value are fixed once the square is sold.
type Square struct {
	ID          string     `gorm:"primaryKey;type:varchar(36)" json:"id"`
	PlayerID    string     `gorm:"type:varchar(36);not null;index;uniqueIndex:ux_square_player_pos,priority:1" json:"player_id"`
	X           int        `gorm:"not null;uniqueIndex:ux_square_player_pos,priority:2" json:"x"`
	Y           int        `gorm:"not null;uniqueIndex:ux_square_player_pos,priority:3" json:"y"`
	ValueCents  int64      `gorm:"not null" json:"value_cents"`
	IsPurchased bool       `gorm:"not null;default:false;index" json:"is_purchased"`
	DonorName   string     `gorm:"type:varchar(255)" json:"donor_name,omitempty"`
	IsAnonymous bool       `gorm:"not null;default:false" json:"is_anonymous"`
	PurchasedAt *time.Time `json:"purchased_at,omitempty"`

	Timestamps
}

// PublicDonorName hides the donor of an anonymous purchase.
func (s Square) PublicDonorName() string {
	if !s.IsPurchased {
		return ""
	}
	if s.IsAnonymous || s.DonorName == "" {
		return "Anonymous"
	}
	return s.DonorName
}
