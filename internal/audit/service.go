// Package audit keeps the history of sync cycles in the local store.
package audit

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	"branch-ledger/internal/models"
	"branch-ledger/internal/syncer"

	"github.com/rs/zerolog"
	"gorm.io/gorm"
)

const (
	defaultRetention = 30 * 24 * time.Hour
	pruneEvery       = 100
)

// Service writes one sync_runs row per cycle and prunes old rows.
type Service struct {
	db        *gorm.DB
	log       zerolog.Logger
	retention time.Duration
	writes    atomic.Int64
}

type Option func(*Service)

// WithRetention sets how long runs are kept; 0 keeps every run.
func WithRetention(d time.Duration) Option {
	return func(s *Service) { s.retention = d }
}

func NewService(db *gorm.DB, log zerolog.Logger, opts ...Option) *Service {
	s := &Service{db: db, log: log, retention: defaultRetention}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// RecordCycle persists res. Failures are logged, never returned: history
// must not break a sync cycle.
func (s *Service) RecordCycle(ctx context.Context, res syncer.CycleResult) {
	run := RunFromResult(res)
	if err := s.WriteRun(ctx, &run); err != nil {
		s.log.Error().Err(err).Msg("sync run could not be recorded")
		return
	}
	if s.writes.Add(1)%pruneEvery == 0 && s.retention > 0 {
		if n, err := s.Prune(ctx, res.FinishedAt.Add(-s.retention)); err != nil {
			s.log.Warn().Err(err).Msg("sync run pruning failed")
		} else if n > 0 {
			s.log.Debug().Int64("deleted", n).Msg("old sync runs pruned")
		}
	}
}

func RunFromResult(res syncer.CycleResult) models.SyncRun {
	run := models.SyncRun{
		StartedAt:    res.StartedAt.UTC(),
		FinishedAt:   res.FinishedAt.UTC(),
		Connectivity: res.Connectivity,
		Attempted:    res.Attempted,
		Synced:       res.Synced,
		Failed:       len(res.Failed),
		Deferred:     res.Deferred,
		Conflict:     res.Conflict,
		Trigger:      string(res.Trigger),
	}
	if run.Connectivity == "" {
		run.Connectivity = models.ConnectivityUnknown
	}
	if res.Err != nil {
		run.Error = truncate(res.Err.Error(), maxErrorLength)
	}
	return run
}

func (s *Service) WriteRun(ctx context.Context, run *models.SyncRun) error {
	if err := s.db.WithContext(ctx).Create(run).Error; err != nil {
		return fmt.Errorf("write sync run: %w", err)
	}
	return nil
}

// LastOnline returns the finish time of the newest cycle that reached the
// cloud ledger, or nil when there is none.
func (s *Service) LastOnline(ctx context.Context) (*time.Time, error) {
	run, err := s.lastOnlineRun(ctx)
	if err != nil || run == nil {
		return nil, err
	}
	t := run.FinishedAt
	return &t, nil
}

func (s *Service) lastOnlineRun(ctx context.Context) (*models.SyncRun, error) {
	var run models.SyncRun
	err := s.db.WithContext(ctx).
		Where("connectivity = ?", models.ConnectivityOnline).
		Order("finished_at DESC, id DESC").
		First(&run).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("last online run: %w", err)
	}
	return &run, nil
}

type RunFilter struct {
	Connectivity models.Connectivity
	Since        time.Time
	Limit        int
}

// ListRuns returns runs newest first.
func (s *Service) ListRuns(ctx context.Context, f RunFilter) ([]models.SyncRun, error) {
	if f.Limit <= 0 || f.Limit > 500 {
		f.Limit = 50
	}
	q := s.db.WithContext(ctx).Model(&models.SyncRun{})
	if f.Connectivity != "" {
		q = q.Where("connectivity = ?", f.Connectivity)
	}
	if !f.Since.IsZero() {
		q = q.Where("started_at >= ?", f.Since.UTC())
	}

	var runs []models.SyncRun
	if err := q.Order("started_at DESC, id DESC").Limit(f.Limit).Find(&runs).Error; err != nil {
		return nil, fmt.Errorf("list sync runs: %w", err)
	}
	return runs, nil
}

// Prune deletes runs that started before cutoff, keeping the newest online
// run so the last successful sync time survives.
func (s *Service) Prune(ctx context.Context, cutoff time.Time) (int64, error) {
	last, err := s.lastOnlineRun(ctx)
	if err != nil {
		return 0, err
	}
	q := s.db.WithContext(ctx).Where("started_at < ?", cutoff.UTC())
	if last != nil {
		q = q.Where("id <> ?", last.ID)
	}
	res := q.Delete(&models.SyncRun{})
	if res.Error != nil {
		return 0, fmt.Errorf("prune sync runs: %w", res.Error)
	}
	return res.RowsAffected, nil
}

const maxErrorLength = 255

// truncate cuts s to at most n bytes without splitting a rune.
func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return strings.ToValidUTF8(s[:n], "")
}
