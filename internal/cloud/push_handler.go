package cloud

import (
	"branch-ledger/internal/auth"
	"branch-ledger/internal/syncapi"

	"github.com/gofiber/fiber/v2"
	"github.com/rs/zerolog/log"
)

const maxPushEntries = 500

// POST /api/sync/push
func PushHandler(l *Ledger) fiber.Handler {
	return func(c *fiber.Ctx) error {
		branchID, err := auth.BranchIDFromCtx(c)
		if err != nil {
			return err
		}

		var body syncapi.PushRequest
		if err := c.BodyParser(&body); err != nil {
			return fiber.NewError(fiber.StatusBadRequest, "invalid request body")
		}
		if len(body.Entries) > maxPushEntries {
			return fiber.NewError(fiber.StatusRequestEntityTooLarge, "too many entries in one push")
		}

		results, err := l.Ingest(c.UserContext(), branchID, body.Entries)
		if err != nil {
			log.Error().Err(err).Str("branch_id", branchID).Int("entries", len(body.Entries)).Msg("push ingest failed")
			return fiber.NewError(fiber.StatusInternalServerError, "could not store entries")
		}

		var accepted int
		for _, r := range results {
			if r.Status == syncapi.StatusAccepted {
				accepted++
			}
		}
		log.Info().Str("branch_id", branchID).Int("received", len(body.Entries)).Int("accepted", accepted).Msg("push ingested")

		return c.JSON(syncapi.PushResponse{Results: results})
	}
}
