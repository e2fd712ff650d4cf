package audit

import (
	"time"

	"branch-ledger/internal/models"

	"github.com/gofiber/fiber/v2"
)

type SyncRunResponse struct {
	ID           uint                `json:"id"`
	StartedAt    string              `json:"started_at"`
	FinishedAt   string              `json:"finished_at"`
	DurationMS   int64               `json:"duration_ms"`
	Trigger      string              `json:"trigger"`
	Connectivity models.Connectivity `json:"connectivity"`
	Attempted    int                 `json:"attempted"`
	Synced       int                 `json:"synced"`
	Failed       int                 `json:"failed"`
	Deferred     int                 `json:"deferred"`
	Conflict     bool                `json:"conflict"`
	Error        string              `json:"error,omitempty"`
}

func ToResponse(r models.SyncRun) SyncRunResponse {
	return SyncRunResponse{
		ID:           r.ID,
		StartedAt:    r.StartedAt.Format(time.RFC3339),
		FinishedAt:   r.FinishedAt.Format(time.RFC3339),
		DurationMS:   r.FinishedAt.Sub(r.StartedAt).Milliseconds(),
		Trigger:      r.Trigger,
		Connectivity: r.Connectivity,
		Attempted:    r.Attempted,
		Synced:       r.Synced,
		Failed:       r.Failed,
		Deferred:     r.Deferred,
		Conflict:     r.Conflict,
		Error:        r.Error,
	}
}

// GET /api/sync/runs?connectivity=offline&since=2025-03-01&limit=20
func ListSyncRunsHandler(s *Service) fiber.Handler {
	return func(c *fiber.Ctx) error {
		f := RunFilter{Limit: c.QueryInt("limit", 50)}

		switch conn := models.Connectivity(c.Query("connectivity")); conn {
		case "":
		case models.ConnectivityOnline, models.ConnectivityOffline, models.ConnectivityUnknown:
			f.Connectivity = conn
		default:
			return fiber.NewError(fiber.StatusBadRequest, "connectivity must be online, offline or unknown")
		}

		if since := c.Query("since"); since != "" {
			t, err := time.Parse("2006-01-02", since)
			if err != nil {
				return fiber.NewError(fiber.StatusBadRequest, "since must be YYYY-MM-DD")
			}
			f.Since = t
		}

		runs, err := s.ListRuns(c.UserContext(), f)
		if err != nil {
			return fiber.NewError(fiber.StatusInternalServerError, "could not list sync runs")
		}

		resp := make([]SyncRunResponse, 0, len(runs))
		for _, r := range runs {
			resp = append(resp, ToResponse(r))
		}

		return c.JSON(resp)
	}
}
