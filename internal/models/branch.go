package models

import "time"

// Branch is a location registered with the cloud ledger.
type Branch struct {
	ID         string `gorm:"primaryKey;size:64"`
	Code       string `gorm:"size:32;not null;uniqueIndex"`
	Name       string `gorm:"size:100;not null"`
	Active     bool   `gorm:"not null"`
	APIKeyHash string `gorm:"size:255;not null"` // bcrypt
	CreatedAt  time.Time
	UpdatedAt  time.Time
}
