package models

import (
	"errors"
	"time"

	"gorm.io/gorm"
)

type EntryType string

const (
	EntryTypeIn  EntryType = "IN"  // income
	EntryTypeOut EntryType = "OUT" // expense
)

func (t EntryType) Valid() bool {
	return t == EntryTypeIn || t == EntryTypeOut
}

// SyncState is the upload lifecycle of a FinancialEntry.
//
// Allowed transitions:
//
//	pending -> syncing -> synced | failed
//	failed  -> syncing            (operator retry)
//	syncing -> pending            (network failure or crash recovery)
type SyncState string

const (
	SyncStatePending SyncState = "pending"
	SyncStateSyncing SyncState = "syncing"
	SyncStateSynced  SyncState = "synced"
	SyncStateFailed  SyncState = "failed"
)

func (s SyncState) Valid() bool {
	switch s {
	case SyncStatePending, SyncStateSyncing, SyncStateSynced, SyncStateFailed:
		return true
	}
	return false
}

var ErrEntryImmutable = errors.New("financial entries are append-only")

// FinancialEntry is one income or expense record created at the branch.
// Only the Sync* columns change after creation.
type FinancialEntry struct {
	ID          string    `gorm:"primaryKey;size:36" json:"id"`
	BranchID    string    `gorm:"size:64;index;not null" json:"branch_id"`
	Type        EntryType `gorm:"size:3;not null" json:"type"`
	Category    string    `gorm:"size:50;not null" json:"category"`
	Amount      int64     `gorm:"not null" json:"amount"` // minor currency units
	Description string    `gorm:"size:255" json:"description"`
	CreatedAt   time.Time `gorm:"not null;index:idx_entries_sync_queue,priority:2" json:"created_at"`

	SyncState    SyncState  `gorm:"size:10;not null;default:pending;index:idx_entries_sync_queue,priority:1" json:"sync_state"`
	SyncError    string     `gorm:"size:255" json:"sync_error,omitempty"`
	SyncAttempts int        `gorm:"not null;default:0" json:"sync_attempts"`
	SyncedAt     *time.Time `json:"synced_at"`
}

func (FinancialEntry) TableName() string {
	return "financial_entries"
}

func (e *FinancialEntry) BeforeDelete(tx *gorm.DB) error {
	return ErrEntryImmutable
}
