package cloud

import (
	"context"
	"fmt"
	"sort"
	"time"

	"branch-ledger/internal/ledger"
	"branch-ledger/internal/models"

	"github.com/gofiber/fiber/v2"
)

type BranchMonthTotals struct {
	BranchID string `json:"branch_id"`
	TotalIn  int64  `json:"total_in"`
	TotalOut int64  `json:"total_out"`
	Net      int64  `json:"net"`
	Count    int64  `json:"count"`
}

// MonthlyTotals sums accepted records per branch for one calendar month
// (UTC, by entry creation time). An empty branchID covers every branch.
func (l *Ledger) MonthlyTotals(ctx context.Context, year int, month time.Month, branchID string) ([]BranchMonthTotals, error) {
	from := time.Date(year, month, 1, 0, 0, 0, 0, time.UTC)
	to := from.AddDate(0, 1, 0)

	type row struct {
		BranchID string
		Type     models.EntryType
		Total    int64
		N        int64
	}
	var rows []row
	q := l.db.WithContext(ctx).Model(&models.LedgerRecord{}).
		Select("branch_id, type, COALESCE(SUM(amount), 0) AS total, COUNT(*) AS n").
		Where("created_at >= ? AND created_at < ?", from, to).
		Group("branch_id, type")
	if branchID != "" {
		q = q.Where("branch_id = ?", branchID)
	}
	if err := q.Scan(&rows).Error; err != nil {
		return nil, fmt.Errorf("monthly totals: %w", err)
	}

	byBranch := make(map[string]*BranchMonthTotals)
	for _, rw := range rows {
		t, ok := byBranch[rw.BranchID]
		if !ok {
			t = &BranchMonthTotals{BranchID: rw.BranchID}
			byBranch[rw.BranchID] = t
		}
		switch rw.Type {
		case models.EntryTypeIn:
			t.TotalIn += rw.Total
		case models.EntryTypeOut:
			t.TotalOut += rw.Total
		}
		t.Count += rw.N
	}

	out := make([]BranchMonthTotals, 0, len(byBranch))
	for _, t := range byBranch {
		t.Net = t.TotalIn - t.TotalOut
		out = append(out, *t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].BranchID < out[j].BranchID })
	return out, nil
}

type MonthlyReportResponse struct {
	Year       int                 `json:"year"`
	Month      int                 `json:"month"`
	Branches   []BranchMonthTotals `json:"branches"`
	TotalIn    int64               `json:"total_in"`
	TotalOut   int64               `json:"total_out"`
	Net        int64               `json:"net"`
	NetText    string              `json:"net_text"`
	ReportDate string              `json:"report_date"`
}

// GET /api/admin/reports/monthly?year=2025&month=3&branch_id=...
// Defaults to the current month.
func MonthlyReportHandler(l *Ledger) fiber.Handler {
	return func(c *fiber.Ctx) error {
		now := time.Now().UTC()
		year := c.QueryInt("year", now.Year())
		month := c.QueryInt("month", int(now.Month()))
		if month < 1 || month > 12 {
			return fiber.NewError(fiber.StatusBadRequest, "month must be between 1 and 12")
		}
		if year < 2000 || year > 9999 {
			return fiber.NewError(fiber.StatusBadRequest, "year is out of range")
		}

		totals, err := l.MonthlyTotals(c.UserContext(), year, time.Month(month), c.Query("branch_id"))
		if err != nil {
			l.log.Error().Err(err).Msg("monthly report failed")
			return fiber.NewError(fiber.StatusInternalServerError, "could not build monthly report")
		}

		res := MonthlyReportResponse{
			Year:       year,
			Month:      month,
			Branches:   totals,
			ReportDate: now.Format(time.RFC3339),
		}
		for _, t := range totals {
			res.TotalIn += t.TotalIn
			res.TotalOut += t.TotalOut
		}
		res.Net = res.TotalIn - res.TotalOut
		res.NetText = ledger.FormatAmount(res.Net)
		return c.JSON(res)
	}
}
