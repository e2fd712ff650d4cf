// Package dashboard serves the branch totals and chart.
package dashboard

import (
	"branch-ledger/internal/ledger"

	"github.com/gofiber/fiber/v2"
	"github.com/rs/zerolog/log"
)

type SummaryResponse struct {
	ledger.Summary
	BalanceText string `json:"balance_text"`
}

// GET /api/dashboard/summary
func SummaryHandler(repo *ledger.Repository, branchID string) fiber.Handler {
	return func(c *fiber.Ctx) error {
		s, err := repo.Summary(c.UserContext(), branchID)
		if err != nil {
			log.Error().Err(err).Msg("dashboard summary failed")
			return fiber.NewError(fiber.StatusInternalServerError, "could not load summary")
		}
		return c.JSON(SummaryResponse{Summary: *s, BalanceText: ledger.FormatAmount(s.Balance)})
	}
}
