package status

import (
	"time"

	"branch-ledger/internal/syncapi"

	"github.com/gofiber/fiber/v2"
	"github.com/rs/zerolog/log"
)

type SystemStatusResponse struct {
	Snapshot
	Status        string `json:"status"`         // online | offline
	UnsyncedCount int64  `json:"unsynced_count"` // same as pending_count
	Timestamp     string `json:"timestamp"`
}

// GET /api/system/status
func SystemStatusHandler(r *Reporter) fiber.Handler {
	return func(c *fiber.Ctx) error {
		snap, err := r.Status(c.UserContext())
		if err != nil {
			log.Error().Err(err).Msg("status snapshot failed")
			return fiber.NewError(fiber.StatusInternalServerError, "could not read sync status")
		}
		return c.JSON(SystemStatusResponse{
			Snapshot:      snap,
			Status:        string(snap.Connectivity),
			UnsyncedCount: snap.PendingCount,
			Timestamp:     time.Now().UTC().Format(time.RFC3339),
		})
	}
}

// GET /api/health
func HealthHandler(role string) fiber.Handler {
	return func(c *fiber.Ctx) error {
		return c.JSON(syncapi.HealthResponse{
			Status: "ok",
			Role:   role,
			Time:   time.Now().UTC(),
		})
	}
}
