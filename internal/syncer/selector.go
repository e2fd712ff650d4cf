package syncer

import (
	"context"
	"time"

	"branch-ledger/internal/models"
)

// Store is the part of the entry repository the synchronizer drives.
// All sync state changes go through it.
type Store interface {
	ListByState(ctx context.Context, state models.SyncState, limit int) ([]models.FinancialEntry, error)
	Get(ctx context.Context, id string) (*models.FinancialEntry, error)
	MarkSyncing(ctx context.Context, ids []string) error
	MarkSynced(ctx context.Context, id string, syncedAt time.Time) error
	MarkFailed(ctx context.Context, id string, reason string) error
	RevertToPending(ctx context.Context, ids []string) (int64, error)
	RecoverStale(ctx context.Context) (int64, error)
	CountPending(ctx context.Context) (int64, error)
}

// Selector picks the next batch: pending entries, oldest first. Failed
// entries wait for an operator retry.
type Selector struct {
	store     Store
	batchSize int
}

func NewSelector(store Store, batchSize int) *Selector {
	if batchSize <= 0 {
		batchSize = 50
	}
	return &Selector{store: store, batchSize: batchSize}
}

func (s *Selector) Next(ctx context.Context) ([]models.FinancialEntry, error) {
	return s.store.ListByState(ctx, models.SyncStatePending, s.batchSize)
}
