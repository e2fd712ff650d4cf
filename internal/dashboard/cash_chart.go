package dashboard

import (
	"time"

	"branch-ledger/internal/ledger"

	"github.com/gofiber/fiber/v2"
	"github.com/rs/zerolog/log"
)

const maxChartDays = 90

type CashChartPoint struct {
	Label string `json:"label"` // YYYY-MM-DD
	In    int64  `json:"in"`
	Out   int64  `json:"out"`
	Net   int64  `json:"net"`
}

type CashChartGrandTotals struct {
	In  int64 `json:"in"`
	Out int64 `json:"out"`
	Net int64 `json:"net"`
}

type CashChartResponse struct {
	BranchID    string               `json:"branch_id"`
	From        string               `json:"from"`
	To          string               `json:"to"`
	Points      []CashChartPoint     `json:"points"`
	GrandTotals CashChartGrandTotals `json:"grand_totals"`
}

// GET /api/dashboard/cash-chart?days=7
// Days are local calendar days ending today; empty days are included.
func CashChartHandler(repo *ledger.Repository, branchID string) fiber.Handler {
	return func(c *fiber.Ctx) error {
		days := c.QueryInt("days", 7)
		if days < 1 || days > maxChartDays {
			return fiber.NewError(fiber.StatusBadRequest, "days must be between 1 and 90")
		}

		now := time.Now()
		loc := now.Location()
		// tomorrow 00:00 so today is included
		end := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, loc).AddDate(0, 0, 1)
		start := end.AddDate(0, 0, -days)

		totals, err := repo.DailyTotals(c.UserContext(), branchID, start, end, loc)
		if err != nil {
			log.Error().Err(err).Msg("cash chart query failed")
			return fiber.NewError(fiber.StatusInternalServerError, "could not build cash chart")
		}

		res := CashChartResponse{
			BranchID: branchID,
			From:     start.Format("2006-01-02"),
			To:       end.AddDate(0, 0, -1).Format("2006-01-02"),
			Points:   make([]CashChartPoint, 0, len(totals)),
		}
		for _, d := range totals {
			res.Points = append(res.Points, CashChartPoint{Label: d.Day, In: d.In, Out: d.Out, Net: d.In - d.Out})
			res.GrandTotals.In += d.In
			res.GrandTotals.Out += d.Out
		}
		res.GrandTotals.Net = res.GrandTotals.In - res.GrandTotals.Out

		return c.JSON(res)
	}
}
