// Package syncapi holds the wire types shared by the branch uploader and
// the cloud ledger.
package syncapi

import (
	"time"

	"branch-ledger/internal/models"
)

const (
	PushPath   = "/api/sync/push"
	TokenPath  = "/api/auth/branch-token"
	HealthPath = "/api/health"
)

type ResultStatus string

const (
	StatusAccepted ResultStatus = "accepted"
	StatusRejected ResultStatus = "rejected"
)

// Rejection reasons returned by the cloud ledger.
const (
	ReasonInvalidBranch   = "invalid branch"
	ReasonInvalidType     = "invalid type"
	ReasonInvalidAmount   = "invalid amount"
	ReasonInvalidCategory = "invalid category"
	ReasonMissingID       = "missing id"
	ReasonIDConflict      = "id conflict"
)

type PushEntry struct {
	ID          string           `json:"id"`
	BranchID    string           `json:"branch_id"`
	Type        models.EntryType `json:"type"`
	Category    string           `json:"category"`
	Amount      int64            `json:"amount"`
	Description string           `json:"description"`
	CreatedAt   time.Time        `json:"created_at"`
}

func FromEntry(e models.FinancialEntry) PushEntry {
	return PushEntry{
		ID:          e.ID,
		BranchID:    e.BranchID,
		Type:        e.Type,
		Category:    e.Category,
		Amount:      e.Amount,
		Description: e.Description,
		CreatedAt:   e.CreatedAt.UTC(),
	}
}

type PushRequest struct {
	Entries []PushEntry `json:"entries"`
}

type PushResult struct {
	ID     string       `json:"id"`
	Status ResultStatus `json:"status"`
	Reason string       `json:"reason,omitempty"`
}

type PushResponse struct {
	Results []PushResult `json:"results"`
}

type TokenRequest struct {
	BranchID string `json:"branch_id"`
	APIKey   string `json:"api_key"`
}

type TokenResponse struct {
	Token     string    `json:"token"`
	ExpiresAt time.Time `json:"expires_at"`
}

type HealthResponse struct {
	Status string    `json:"status"`
	Role   string    `json:"role"`
	Time   time.Time `json:"time"`
}

// ErrorResponse is the body of every non-2xx reply from either server.
type ErrorResponse struct {
	Error string `json:"error"`
}
