// Package entry is the branch HTTP surface for financial entries.
package entry

import (
	"encoding/json"
	"errors"
	"strings"
	"time"

	"branch-ledger/internal/ledger"
	"branch-ledger/internal/models"

	"github.com/gofiber/fiber/v2"
	"github.com/rs/zerolog/log"
)

type CreateEntryRequest struct {
	BranchID    string           `json:"branch_id"` // empty uses the configured branch
	Type        models.EntryType `json:"type"`      // "IN" | "OUT"
	Category    string           `json:"category"`
	Amount      json.Number      `json:"amount"` // decimal, e.g. 12.50 or "12.50"
	Description string           `json:"description"`
}

type EntryResponse struct {
	ID           string           `json:"id"`
	BranchID     string           `json:"branch_id"`
	Type         models.EntryType `json:"type"`
	Category     string           `json:"category"`
	Amount       int64            `json:"amount"`
	AmountText   string           `json:"amount_text"`
	Description  string           `json:"description"`
	CreatedAt    string           `json:"created_at"`
	SyncState    models.SyncState `json:"sync_state"`
	SyncError    string           `json:"sync_error,omitempty"`
	SyncAttempts int              `json:"sync_attempts"`
	SyncedAt     *string          `json:"synced_at"`
}

type EntryListResponse struct {
	Items []EntryResponse `json:"items"`
	Total int64           `json:"total"`
	Page  int             `json:"page"`
	Limit int             `json:"limit"`
}

func toResponse(e models.FinancialEntry) EntryResponse {
	res := EntryResponse{
		ID:           e.ID,
		BranchID:     e.BranchID,
		Type:         e.Type,
		Category:     e.Category,
		Amount:       e.Amount,
		AmountText:   ledger.FormatAmount(e.Amount),
		Description:  e.Description,
		CreatedAt:    e.CreatedAt.UTC().Format(time.RFC3339Nano),
		SyncState:    e.SyncState,
		SyncError:    e.SyncError,
		SyncAttempts: e.SyncAttempts,
	}
	if e.SyncedAt != nil {
		s := e.SyncedAt.UTC().Format(time.RFC3339)
		res.SyncedAt = &s
	}
	return res
}

// storeError maps repository errors to HTTP errors.
func storeError(err error, msg string) error {
	var verr *ledger.ValidationError
	switch {
	case errors.As(err, &verr):
		return fiber.NewError(fiber.StatusBadRequest, verr.Error())
	case errors.Is(err, ledger.ErrNotFound):
		return fiber.NewError(fiber.StatusNotFound, "entry not found")
	}
	log.Error().Err(err).Msg(msg)
	return fiber.NewError(fiber.StatusInternalServerError, msg)
}

// -------------------------------------------------
// POST /api/entries
// -------------------------------------------------
// The entry is committed locally and answered at once; upload happens in
// the background.
func CreateEntryHandler(repo *ledger.Repository, defaultBranchID string) fiber.Handler {
	return func(c *fiber.Ctx) error {
		var body CreateEntryRequest
		if err := c.BodyParser(&body); err != nil {
			return fiber.NewError(fiber.StatusBadRequest, "invalid request body")
		}

		amount, err := ledger.ParseAmount(body.Amount.String())
		if err != nil {
			return storeError(err, "could not create entry")
		}

		branchID := strings.TrimSpace(body.BranchID)
		if branchID == "" {
			branchID = defaultBranchID
		}

		e, err := repo.Create(c.UserContext(), ledger.NewEntry{
			BranchID:    branchID,
			Type:        body.Type,
			Category:    body.Category,
			Amount:      amount,
			Description: body.Description,
		})
		if err != nil {
			return storeError(err, "could not create entry")
		}

		return c.Status(fiber.StatusCreated).JSON(toResponse(*e))
	}
}

// parseFilter reads the shared list/export query parameters.
func parseFilter(c *fiber.Ctx) (ledger.ListFilter, error) {
	f := ledger.ListFilter{
		Page:     c.QueryInt("page", 1),
		Limit:    c.QueryInt("limit", 20),
		BranchID: c.Query("branch_id"),
	}
	if f.Page < 1 {
		f.Page = 1
	}
	if f.Limit < 1 || f.Limit > 100 {
		f.Limit = 20
	}

	if t := models.EntryType(strings.ToUpper(c.Query("type"))); t != "" {
		if !t.Valid() {
			return f, fiber.NewError(fiber.StatusBadRequest, "type must be IN or OUT")
		}
		f.Type = t
	}
	if s := models.SyncState(c.Query("sync_state")); s != "" {
		if !s.Valid() {
			return f, fiber.NewError(fiber.StatusBadRequest, "sync_state must be pending, syncing, synced or failed")
		}
		f.State = s
	}
	return f, nil
}

// -------------------------------------------------
// GET /api/entries?page=1&limit=20&type=IN&sync_state=failed
// -------------------------------------------------
func ListEntriesHandler(repo *ledger.Repository) fiber.Handler {
	return func(c *fiber.Ctx) error {
		f, err := parseFilter(c)
		if err != nil {
			return err
		}

		entries, total, err := repo.List(c.UserContext(), f)
		if err != nil {
			return storeError(err, "could not list entries")
		}

		items := make([]EntryResponse, 0, len(entries))
		for _, e := range entries {
			items = append(items, toResponse(e))
		}
		return c.JSON(EntryListResponse{Items: items, Total: total, Page: f.Page, Limit: f.Limit})
	}
}

// -------------------------------------------------
// GET /api/entries/:id
// -------------------------------------------------
func GetEntryHandler(repo *ledger.Repository) fiber.Handler {
	return func(c *fiber.Ctx) error {
		e, err := repo.Get(c.UserContext(), c.Params("id"))
		if err != nil {
			return storeError(err, "could not load entry")
		}
		return c.JSON(toResponse(*e))
	}
}
