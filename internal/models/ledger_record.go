package models

import "time"

// LedgerRecord is a FinancialEntry as accepted by the cloud ledger.
// ID is the id the branch generated, which makes repeated pushes idempotent.
type LedgerRecord struct {
	ID          string    `gorm:"primaryKey;size:36" json:"id"`
	BranchID    string    `gorm:"size:64;index;not null" json:"branch_id"`
	Type        EntryType `gorm:"size:3;not null" json:"type"`
	Category    string    `gorm:"size:50;not null" json:"category"`
	Amount      int64     `gorm:"not null" json:"amount"`
	Description string    `gorm:"size:255" json:"description"`
	CreatedAt   time.Time `gorm:"not null;index" json:"created_at"` // branch wall clock
	ReceivedAt  time.Time `gorm:"not null" json:"received_at"`

	// sha256 over the immutable fields, compared on duplicate pushes
	Fingerprint string `gorm:"size:64;not null" json:"-"`
}
