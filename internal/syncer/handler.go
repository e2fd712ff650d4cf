package syncer

import (
	"errors"
	"time"

	"branch-ledger/internal/ledger"
	"branch-ledger/internal/models"

	"github.com/gofiber/fiber/v2"
)

type CycleResponse struct {
	Trigger      Trigger             `json:"trigger"`
	Connectivity models.Connectivity `json:"connectivity"`
	StartedAt    string              `json:"started_at"`
	FinishedAt   string              `json:"finished_at"`
	Attempted    int                 `json:"attempted"`
	Synced       int                 `json:"synced"`
	Failed       map[string]string   `json:"failed"`
	Deferred     int                 `json:"deferred"`
	NetworkError bool                `json:"network_error"`
	Error        string              `json:"error,omitempty"`
	State        string              `json:"state"`
	BackoffUntil *string             `json:"backoff_until,omitempty"`
}

type RetryRequest struct {
	IDs []string `json:"ids"`
}

func (s *Synchronizer) response(res CycleResult) CycleResponse {
	out := CycleResponse{
		Trigger:      res.Trigger,
		Connectivity: res.Connectivity,
		StartedAt:    res.StartedAt.UTC().Format(time.RFC3339),
		FinishedAt:   res.FinishedAt.UTC().Format(time.RFC3339),
		Attempted:    res.Attempted,
		Synced:       res.Synced,
		Failed:       res.Failed,
		Deferred:     res.Deferred,
		NetworkError: res.NetworkError,
		State:        s.State().String(),
	}
	if out.Failed == nil {
		out.Failed = map[string]string{}
	}
	if res.Err != nil {
		out.Error = res.Err.Error()
	}
	if until := s.BackoffUntil(); !until.IsZero() {
		v := until.UTC().Format(time.RFC3339)
		out.BackoffUntil = &v
	}
	return out
}

func busyError(err error) error {
	switch {
	case errors.Is(err, ErrBusy):
		return fiber.NewError(fiber.StatusConflict, "a sync cycle is already running")
	case errors.Is(err, ErrStopped):
		return fiber.NewError(fiber.StatusServiceUnavailable, "synchronizer is shutting down")
	}
	return nil
}

// POST /api/sync
// Runs a cycle now, even during backoff. The cycle outcome is reported in
// the body; a network failure is not an HTTP error.
func SyncNowHandler(s *Synchronizer) fiber.Handler {
	return func(c *fiber.Ctx) error {
		res, err := s.SyncNow(c.UserContext())
		if err != nil {
			if herr := busyError(err); herr != nil {
				return herr
			}
			return fiber.NewError(fiber.StatusInternalServerError, "could not run sync")
		}
		return c.JSON(s.response(res))
	}
}

// POST /api/sync/retry {"ids": ["..."]}
// Sends failed (or pending) entries again, at most one batch per request.
// Either every id is claimed or none is.
func RetryFailedHandler(s *Synchronizer) fiber.Handler {
	return func(c *fiber.Ctx) error {
		var body RetryRequest
		if err := c.BodyParser(&body); err != nil {
			return fiber.NewError(fiber.StatusBadRequest, "invalid request body")
		}
		if len(body.IDs) == 0 {
			return fiber.NewError(fiber.StatusBadRequest, "ids are required")
		}

		res, err := s.RetryFailed(c.UserContext(), body.IDs)
		switch {
		case err == nil:
		case errors.Is(err, ledger.ErrConflict):
			return fiber.NewError(fiber.StatusConflict, "some entries cannot be retried")
		case errors.Is(err, ErrTooManyIDs):
			return fiber.NewError(fiber.StatusBadRequest, err.Error())
		case busyError(err) != nil:
			return busyError(err)
		default:
			// the cycle ran; its error is part of the outcome
			if res.StartedAt.IsZero() {
				return fiber.NewError(fiber.StatusInternalServerError, "could not retry entries")
			}
		}
		return c.JSON(s.response(res))
	}
}

// DisabledHandler answers sync triggers on a branch without a cloud URL.
func DisabledHandler() fiber.Handler {
	return func(c *fiber.Ctx) error {
		return fiber.NewError(fiber.StatusServiceUnavailable, "sync is disabled: cloud_api_url not set")
	}
}
