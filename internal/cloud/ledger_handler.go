package cloud

import (
	"time"

	"branch-ledger/internal/ledger"
	"branch-ledger/internal/models"

	"github.com/gofiber/fiber/v2"
)

type LedgerRecordResponse struct {
	ID          string           `json:"id"`
	BranchID    string           `json:"branch_id"`
	Type        models.EntryType `json:"type"`
	Category    string           `json:"category"`
	Amount      int64            `json:"amount"`
	AmountText  string           `json:"amount_text"`
	Description string           `json:"description"`
	CreatedAt   string           `json:"created_at"`
	ReceivedAt  string           `json:"received_at"`
}

type LedgerListResponse struct {
	Items []LedgerRecordResponse `json:"items"`
	Total int64                  `json:"total"`
	Page  int                    `json:"page"`
	Limit int                    `json:"limit"`
}

// GET /api/admin/ledger?branch_id=...&from=2025-03-01&to=2025-03-31&page=1&limit=50
// "to" is inclusive.
func ListLedgerHandler(l *Ledger) fiber.Handler {
	return func(c *fiber.Ctx) error {
		f := RecordFilter{
			BranchID: c.Query("branch_id"),
			Page:     c.QueryInt("page", 1),
			Limit:    c.QueryInt("limit", 50),
		}

		if from := c.Query("from"); from != "" {
			t, err := time.Parse("2006-01-02", from)
			if err != nil {
				return fiber.NewError(fiber.StatusBadRequest, "from must be YYYY-MM-DD")
			}
			f.From = t
		}
		if to := c.Query("to"); to != "" {
			t, err := time.Parse("2006-01-02", to)
			if err != nil {
				return fiber.NewError(fiber.StatusBadRequest, "to must be YYYY-MM-DD")
			}
			f.To = t.AddDate(0, 0, 1)
		}
		if !f.From.IsZero() && !f.To.IsZero() && !f.From.Before(f.To) {
			return fiber.NewError(fiber.StatusBadRequest, "from must not be after to")
		}

		recs, total, err := l.Records(c.UserContext(), f)
		if err != nil {
			return fiber.NewError(fiber.StatusInternalServerError, "could not list ledger")
		}

		items := make([]LedgerRecordResponse, 0, len(recs))
		for _, r := range recs {
			items = append(items, LedgerRecordResponse{
				ID:          r.ID,
				BranchID:    r.BranchID,
				Type:        r.Type,
				Category:    r.Category,
				Amount:      r.Amount,
				AmountText:  ledger.FormatAmount(r.Amount),
				Description: r.Description,
				CreatedAt:   r.CreatedAt.UTC().Format(time.RFC3339),
				ReceivedAt:  r.ReceivedAt.UTC().Format(time.RFC3339),
			})
		}

		page, limit := f.Page, f.Limit
		if page < 1 {
			page = 1
		}
		if limit < 1 || limit > 500 {
			limit = 50
		}
		return c.JSON(LedgerListResponse{Items: items, Total: total, Page: page, Limit: limit})
	}
}
