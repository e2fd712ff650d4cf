package models

import "time"

type Connectivity string

const (
	ConnectivityOnline  Connectivity = "online"
	ConnectivityOffline Connectivity = "offline"
	// the cycle never reached the remote side, e.g. it lost a claim race
	ConnectivityUnknown Connectivity = "unknown"
)

// SyncRun is the persisted summary of one synchronizer cycle.
type SyncRun struct {
	ID         uint      `gorm:"primaryKey" json:"id"`
	StartedAt  time.Time `gorm:"index;not null" json:"started_at"`
	FinishedAt time.Time `gorm:"not null" json:"finished_at"`

	Connectivity Connectivity `gorm:"size:10;index;not null" json:"connectivity"`

	Attempted int `json:"attempted"`
	Synced    int `json:"synced"`
	Failed    int `json:"failed"`
	Deferred  int `json:"deferred"` // sent back to pending after a network failure

	Conflict bool   `json:"conflict"` // another cycle already held the batch
	Trigger  string `gorm:"size:20" json:"trigger"`
	Error    string `gorm:"size:255" json:"error,omitempty"`
}
