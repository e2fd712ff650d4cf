// Package cloud is the central ledger that branches push their entries to.
package cloud

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"branch-ledger/internal/models"
	"branch-ledger/internal/syncapi"

	"github.com/rs/zerolog"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// Ledger ingests pushed entries. The branch-generated id is the primary
// key: a repeated push of the same entry is acknowledged without creating
// a second record, and a different entry reusing a known id is rejected.
type Ledger struct {
	db  *gorm.DB
	log zerolog.Logger
	now func() time.Time
}

func NewLedger(db *gorm.DB, log zerolog.Logger) *Ledger {
	return &Ledger{db: db, log: log, now: time.Now}
}

// Ingest returns one result per entry, in request order. An error means the
// ledger could not decide and the branch should retry the whole batch.
func (l *Ledger) Ingest(ctx context.Context, branchID string, entries []syncapi.PushEntry) ([]syncapi.PushResult, error) {
	var branch models.Branch
	branchOK := true
	if err := l.db.WithContext(ctx).Where("id = ?", branchID).First(&branch).Error; err != nil {
		if !errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, fmt.Errorf("load branch: %w", err)
		}
		branchOK = false
	} else if !branch.Active {
		branchOK = false
	}

	results := make([]syncapi.PushResult, 0, len(entries))
	for _, e := range entries {
		if reason := validate(e, branchID, branchOK); reason != "" {
			results = append(results, syncapi.PushResult{ID: e.ID, Status: syncapi.StatusRejected, Reason: reason})
			continue
		}

		res, err := l.insert(ctx, e)
		if err != nil {
			return nil, err
		}
		results = append(results, res)
	}
	return results, nil
}

func validate(e syncapi.PushEntry, branchID string, branchOK bool) string {
	switch {
	case strings.TrimSpace(e.ID) == "":
		return syncapi.ReasonMissingID
	case !branchOK || e.BranchID != branchID:
		return syncapi.ReasonInvalidBranch
	case !e.Type.Valid():
		return syncapi.ReasonInvalidType
	case e.Amount <= 0:
		return syncapi.ReasonInvalidAmount
	case strings.TrimSpace(e.Category) == "":
		return syncapi.ReasonInvalidCategory
	}
	return ""
}

func (l *Ledger) insert(ctx context.Context, e syncapi.PushEntry) (syncapi.PushResult, error) {
	rec := models.LedgerRecord{
		ID:          e.ID,
		BranchID:    e.BranchID,
		Type:        e.Type,
		Category:    e.Category,
		Amount:      e.Amount,
		Description: e.Description,
		CreatedAt:   e.CreatedAt.UTC(),
		ReceivedAt:  l.now().UTC(),
		Fingerprint: Fingerprint(e),
	}

	res := l.db.WithContext(ctx).
		Clauses(clause.OnConflict{Columns: []clause.Column{{Name: "id"}}, DoNothing: true}).
		Create(&rec)
	if res.Error != nil {
		return syncapi.PushResult{}, fmt.Errorf("insert record %s: %w", e.ID, res.Error)
	}
	if res.RowsAffected == 1 {
		return syncapi.PushResult{ID: e.ID, Status: syncapi.StatusAccepted}, nil
	}

	var existing models.LedgerRecord
	if err := l.db.WithContext(ctx).Select("id", "fingerprint").Where("id = ?", e.ID).First(&existing).Error; err != nil {
		return syncapi.PushResult{}, fmt.Errorf("load record %s: %w", e.ID, err)
	}
	if existing.Fingerprint != rec.Fingerprint {
		l.log.Warn().Str("entry_id", e.ID).Str("branch_id", e.BranchID).Msg("id reused for different content")
		return syncapi.PushResult{ID: e.ID, Status: syncapi.StatusRejected, Reason: syncapi.ReasonIDConflict}, nil
	}
	l.log.Debug().Str("entry_id", e.ID).Msg("duplicate push acknowledged")
	return syncapi.PushResult{ID: e.ID, Status: syncapi.StatusAccepted}, nil
}

// Fingerprint hashes the immutable fields of an entry.
func Fingerprint(e syncapi.PushEntry) string {
	h := sha256.New()
	for _, part := range []string{
		e.BranchID,
		string(e.Type),
		e.Category,
		strconv.FormatInt(e.Amount, 10),
		e.Description,
		e.CreatedAt.UTC().Format(time.RFC3339Nano),
	} {
		h.Write([]byte(part))
		h.Write([]byte{0})
	}
	return hex.EncodeToString(h.Sum(nil))
}

type RecordFilter struct {
	BranchID string
	From, To time.Time
	Page     int
	Limit    int
}

// Records lists accepted entries newest first.
func (l *Ledger) Records(ctx context.Context, f RecordFilter) ([]models.LedgerRecord, int64, error) {
	if f.Page < 1 {
		f.Page = 1
	}
	if f.Limit < 1 || f.Limit > 500 {
		f.Limit = 50
	}

	q := l.db.WithContext(ctx).Model(&models.LedgerRecord{})
	if f.BranchID != "" {
		q = q.Where("branch_id = ?", f.BranchID)
	}
	if !f.From.IsZero() {
		q = q.Where("created_at >= ?", f.From.UTC())
	}
	if !f.To.IsZero() {
		q = q.Where("created_at < ?", f.To.UTC())
	}

	var total int64
	if err := q.Count(&total).Error; err != nil {
		return nil, 0, fmt.Errorf("count records: %w", err)
	}

	var recs []models.LedgerRecord
	err := q.Order("created_at DESC, id DESC").
		Offset((f.Page - 1) * f.Limit).
		Limit(f.Limit).
		Find(&recs).Error
	if err != nil {
		return nil, 0, fmt.Errorf("list records: %w", err)
	}
	return recs, total, nil
}
