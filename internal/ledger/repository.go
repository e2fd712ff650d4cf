// Package ledger is the only reader and writer of the branch's financial
// entries. It enforces append-only entries and forward-only sync states.
package ledger

import (
	"context"
	"errors"
	"strings"
	"time"

	"branch-ledger/internal/models"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

const (
	maxAmount         int64 = 100_000_000_000_00 // 100 billion in minor units
	maxReasonLength         = 255
	maxDescriptionLen       = 255
)

// NewEntry holds the caller-provided fields of an entry.
type NewEntry struct {
	BranchID    string
	Type        models.EntryType
	Category    string
	Amount      int64
	Description string
}

func (n *NewEntry) normalize() {
	n.BranchID = strings.TrimSpace(n.BranchID)
	n.Type = models.EntryType(strings.ToUpper(strings.TrimSpace(string(n.Type))))
	n.Category = strings.TrimSpace(n.Category)
	n.Description = strings.TrimSpace(n.Description)
}

func (n *NewEntry) Validate() error {
	switch {
	case n.BranchID == "":
		return &ValidationError{Field: "branch_id", Msg: "is required"}
	case !n.Type.Valid():
		return &ValidationError{Field: "type", Msg: "must be IN or OUT"}
	case n.Category == "":
		return &ValidationError{Field: "category", Msg: "is required"}
	case len(n.Category) > 50:
		return &ValidationError{Field: "category", Msg: "must be at most 50 characters"}
	case n.Amount <= 0:
		return &ValidationError{Field: "amount", Msg: "must be greater than 0"}
	case n.Amount > maxAmount:
		return &ValidationError{Field: "amount", Msg: "is too large"}
	case len(n.Description) > maxDescriptionLen:
		return &ValidationError{Field: "description", Msg: "must be at most 255 characters"}
	}
	return nil
}

type Repository struct {
	db  *gorm.DB
	now func() time.Time
}

type Option func(*Repository)

// WithClock replaces time.Now, mainly for tests.
func WithClock(now func() time.Time) Option {
	return func(r *Repository) { r.now = now }
}

func NewRepository(db *gorm.DB, opts ...Option) *Repository {
	r := &Repository{db: db, now: time.Now}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Create assigns an id and creation time and commits the entry as pending.
func (r *Repository) Create(ctx context.Context, in NewEntry) (*models.FinancialEntry, error) {
	in.normalize()
	if err := in.Validate(); err != nil {
		return nil, err
	}

	id, err := uuid.NewV7()
	if err != nil {
		return nil, storageErr("generate id", err)
	}

	entry := &models.FinancialEntry{
		ID:          id.String(),
		BranchID:    in.BranchID,
		Type:        in.Type,
		Category:    in.Category,
		Amount:      in.Amount,
		Description: in.Description,
		CreatedAt:   r.now().UTC(),
		SyncState:   models.SyncStatePending,
	}

	err = r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		return tx.Create(entry).Error
	})
	if err != nil {
		return nil, storageErr("create entry", err)
	}
	return entry, nil
}

func (r *Repository) Get(ctx context.Context, id string) (*models.FinancialEntry, error) {
	var entry models.FinancialEntry
	err := r.db.WithContext(ctx).Where("id = ?", id).First(&entry).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, storageErr("get entry", err)
	}
	return &entry, nil
}

// ListPending returns entries that have not reached the remote ledger and
// are not in flight (pending or failed), oldest first. limit <= 0 means all.
func (r *Repository) ListPending(ctx context.Context, limit int) ([]models.FinancialEntry, error) {
	return r.listStates(ctx, limit, models.SyncStatePending, models.SyncStateFailed)
}

// ListByState is the range scan by sync state in creation order.
func (r *Repository) ListByState(ctx context.Context, state models.SyncState, limit int) ([]models.FinancialEntry, error) {
	return r.listStates(ctx, limit, state)
}

func (r *Repository) listStates(ctx context.Context, limit int, states ...models.SyncState) ([]models.FinancialEntry, error) {
	q := r.db.WithContext(ctx).
		Where("sync_state IN ?", states).
		Order("created_at ASC, id ASC")
	if limit > 0 {
		q = q.Limit(limit)
	}

	var entries []models.FinancialEntry
	if err := q.Find(&entries).Error; err != nil {
		return nil, storageErr("list entries", err)
	}
	return entries, nil
}

// MarkSyncing claims the entries for one upload. Either every id moves from
// pending/failed to syncing, or nothing changes and ErrConflict is returned.
func (r *Repository) MarkSyncing(ctx context.Context, ids []string) error {
	ids = uniqueIDs(ids)
	if len(ids) == 0 {
		return nil
	}

	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		res := tx.Model(&models.FinancialEntry{}).
			Where("id IN ? AND sync_state IN ?", ids, []models.SyncState{models.SyncStatePending, models.SyncStateFailed}).
			Updates(map[string]any{
				"sync_state":    models.SyncStateSyncing,
				"sync_error":    "",
				"sync_attempts": gorm.Expr("sync_attempts + 1"),
			})
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected != int64(len(ids)) {
			return ErrConflict
		}
		return nil
	})
	if errors.Is(err, ErrConflict) {
		return ErrConflict
	}
	return storageErr("mark syncing", err)
}

// MarkSynced records remote acceptance. Repeating it is a no-op.
func (r *Repository) MarkSynced(ctx context.Context, id string, syncedAt time.Time) error {
	return r.finish(ctx, "mark synced", id, func(e *models.FinancialEntry) bool {
		return e.SyncState == models.SyncStateSynced
	}, map[string]any{
		"sync_state": models.SyncStateSynced,
		"sync_error": "",
		"synced_at":  syncedAt.UTC(),
	})
}

// MarkFailed records a remote rejection. Repeating it with the same reason
// is a no-op.
func (r *Repository) MarkFailed(ctx context.Context, id string, reason string) error {
	reason = truncate(strings.TrimSpace(reason), maxReasonLength)
	if reason == "" {
		reason = "rejected"
	}
	return r.finish(ctx, "mark failed", id, func(e *models.FinancialEntry) bool {
		return e.SyncState == models.SyncStateFailed && e.SyncError == reason
	}, map[string]any{
		"sync_state": models.SyncStateFailed,
		"sync_error": reason,
	})
}

func (r *Repository) finish(ctx context.Context, op, id string, done func(*models.FinancialEntry) bool, updates map[string]any) error {
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		res := tx.Model(&models.FinancialEntry{}).
			Where("id = ? AND sync_state = ?", id, models.SyncStateSyncing).
			Updates(updates)
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 1 {
			return nil
		}

		var current models.FinancialEntry
		if err := tx.Where("id = ?", id).First(&current).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return ErrNotFound
			}
			return err
		}
		if done(&current) {
			return nil
		}
		return ErrInvalidTransition
	})

	switch {
	case err == nil:
		return nil
	case errors.Is(err, ErrNotFound), errors.Is(err, ErrInvalidTransition):
		return err
	default:
		return storageErr(op, err)
	}
}

// RevertToPending returns claimed entries to the queue after an upload
// that did not produce a verdict. Entries no longer syncing are left alone.
func (r *Repository) RevertToPending(ctx context.Context, ids []string) (int64, error) {
	ids = uniqueIDs(ids)
	if len(ids) == 0 {
		return 0, nil
	}

	var n int64
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		res := tx.Model(&models.FinancialEntry{}).
			Where("id IN ? AND sync_state = ?", ids, models.SyncStateSyncing).
			Update("sync_state", models.SyncStatePending)
		n = res.RowsAffected
		return res.Error
	})
	return n, storageErr("revert to pending", err)
}

// RecoverStale moves every syncing entry back to pending. It must run
// before the first cycle after a process start.
func (r *Repository) RecoverStale(ctx context.Context) (int64, error) {
	var n int64
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		res := tx.Model(&models.FinancialEntry{}).
			Where("sync_state = ?", models.SyncStateSyncing).
			Update("sync_state", models.SyncStatePending)
		n = res.RowsAffected
		return res.Error
	})
	return n, storageErr("recover stale", err)
}

// CountPending counts entries not yet accepted by the remote ledger.
func (r *Repository) CountPending(ctx context.Context) (int64, error) {
	var n int64
	err := r.db.WithContext(ctx).Model(&models.FinancialEntry{}).
		Where("sync_state <> ?", models.SyncStateSynced).
		Count(&n).Error
	return n, storageErr("count pending", err)
}

func (r *Repository) CountByState(ctx context.Context) (map[models.SyncState]int64, error) {
	type row struct {
		SyncState models.SyncState
		N         int64
	}
	var rows []row
	err := r.db.WithContext(ctx).Model(&models.FinancialEntry{}).
		Select("sync_state, COUNT(*) AS n").
		Group("sync_state").
		Scan(&rows).Error
	if err != nil {
		return nil, storageErr("count by state", err)
	}

	out := map[models.SyncState]int64{
		models.SyncStatePending: 0,
		models.SyncStateSyncing: 0,
		models.SyncStateSynced:  0,
		models.SyncStateFailed:  0,
	}
	for _, rw := range rows {
		out[rw.SyncState] = rw.N
	}
	return out, nil
}

type ListFilter struct {
	Page     int
	Limit    int
	BranchID string
	Type     models.EntryType
	State    models.SyncState
}

// List pages through entries newest first.
func (r *Repository) List(ctx context.Context, f ListFilter) ([]models.FinancialEntry, int64, error) {
	if f.Page < 1 {
		f.Page = 1
	}
	if f.Limit < 1 {
		f.Limit = 20
	}

	q := r.db.WithContext(ctx).Model(&models.FinancialEntry{})
	if f.BranchID != "" {
		q = q.Where("branch_id = ?", f.BranchID)
	}
	if f.Type != "" {
		q = q.Where("type = ?", f.Type)
	}
	if f.State != "" {
		q = q.Where("sync_state = ?", f.State)
	}

	var total int64
	if err := q.Count(&total).Error; err != nil {
		return nil, 0, storageErr("count entries", err)
	}

	var entries []models.FinancialEntry
	err := q.Order("created_at DESC, id DESC").
		Offset((f.Page - 1) * f.Limit).
		Limit(f.Limit).
		Find(&entries).Error
	if err != nil {
		return nil, 0, storageErr("list entries", err)
	}
	return entries, total, nil
}

// Each streams every entry matching f in id order, which for v7 ids is
// creation order. fn must not use the store: the scan holds its connection.
func (r *Repository) Each(ctx context.Context, f ListFilter, fn func(models.FinancialEntry) error) error {
	q := r.db.WithContext(ctx).Model(&models.FinancialEntry{})
	if f.BranchID != "" {
		q = q.Where("branch_id = ?", f.BranchID)
	}
	if f.Type != "" {
		q = q.Where("type = ?", f.Type)
	}
	if f.State != "" {
		q = q.Where("sync_state = ?", f.State)
	}

	var batch []models.FinancialEntry
	var cbErr error
	res := q.FindInBatches(&batch, 500, func(_ *gorm.DB, _ int) error {
		for _, e := range batch {
			if err := fn(e); err != nil {
				cbErr = err
				return err
			}
		}
		return nil
	})
	if cbErr != nil {
		return cbErr
	}
	return storageErr("scan entries", res.Error)
}

type Summary struct {
	TotalIn     int64 `json:"total_in"`
	TotalOut    int64 `json:"total_out"`
	Balance     int64 `json:"balance"`
	CountIn     int64 `json:"count_in"`
	CountOut    int64 `json:"count_out"`
	UnsyncCount int64 `json:"unsync_count"`
}

// Summary totals entries per type. An empty branchID covers all branches.
func (r *Repository) Summary(ctx context.Context, branchID string) (*Summary, error) {
	type row struct {
		Type  models.EntryType
		Total int64
		N     int64
	}
	var rows []row
	q := r.db.WithContext(ctx).Model(&models.FinancialEntry{}).
		Select("type, COALESCE(SUM(amount), 0) AS total, COUNT(*) AS n").
		Group("type")
	if branchID != "" {
		q = q.Where("branch_id = ?", branchID)
	}
	if err := q.Scan(&rows).Error; err != nil {
		return nil, storageErr("summary", err)
	}

	var s Summary
	for _, rw := range rows {
		switch rw.Type {
		case models.EntryTypeIn:
			s.TotalIn, s.CountIn = rw.Total, rw.N
		case models.EntryTypeOut:
			s.TotalOut, s.CountOut = rw.Total, rw.N
		}
	}
	s.Balance = s.TotalIn - s.TotalOut

	unsynced, err := r.CountPending(ctx)
	if err != nil {
		return nil, err
	}
	s.UnsyncCount = unsynced
	return &s, nil
}

type DailyTotal struct {
	Day string `json:"day"` // YYYY-MM-DD in loc
	In  int64  `json:"in"`
	Out int64  `json:"out"`
}

// DailyTotals sums entries per calendar day in loc over [from, to), one
// point per day including empty ones. Bucketing happens here rather than in
// SQL so the same code serves SQLite and Postgres.
func (r *Repository) DailyTotals(ctx context.Context, branchID string, from, to time.Time, loc *time.Location) ([]DailyTotal, error) {
	type row struct {
		Type      models.EntryType
		Amount    int64
		CreatedAt time.Time
	}
	var rows []row
	q := r.db.WithContext(ctx).Model(&models.FinancialEntry{}).
		Select("type, amount, created_at").
		Where("created_at >= ? AND created_at < ?", from.UTC(), to.UTC())
	if branchID != "" {
		q = q.Where("branch_id = ?", branchID)
	}
	if err := q.Scan(&rows).Error; err != nil {
		return nil, storageErr("daily totals", err)
	}

	const layout = "2006-01-02"
	var days []DailyTotal
	index := make(map[string]int)
	for d := from.In(loc); d.Before(to); d = d.AddDate(0, 0, 1) {
		key := d.Format(layout)
		index[key] = len(days)
		days = append(days, DailyTotal{Day: key})
	}

	for _, rw := range rows {
		i, ok := index[rw.CreatedAt.In(loc).Format(layout)]
		if !ok {
			continue
		}
		switch rw.Type {
		case models.EntryTypeIn:
			days[i].In += rw.Amount
		case models.EntryTypeOut:
			days[i].Out += rw.Amount
		}
	}
	return days, nil
}

func uniqueIDs(ids []string) []string {
	seen := make(map[string]struct{}, len(ids))
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	return out
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return strings.ToValidUTF8(s[:n], "")
}
