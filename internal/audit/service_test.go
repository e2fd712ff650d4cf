package audit

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"
	"unicode/utf8"

	"branch-ledger/internal/database"
	"branch-ledger/internal/models"
	"branch-ledger/internal/syncer"

	"github.com/gofiber/fiber/v2"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm/logger"
)

func newTestService(t *testing.T) *Service {
	t.Helper()
	db, err := database.OpenLocal(filepath.Join(t.TempDir(), "ledger.db"), logger.Discard)
	require.NoError(t, err)
	require.NoError(t, database.MigrateLocal(db))
	t.Cleanup(func() { _ = database.Close(db) })
	return NewService(db, zerolog.Nop())
}

var t0 = time.Date(2025, 3, 1, 9, 0, 0, 0, time.UTC)

func cycle(at time.Time, conn models.Connectivity) syncer.CycleResult {
	return syncer.CycleResult{
		Trigger:      syncer.TriggerTimer,
		StartedAt:    at,
		FinishedAt:   at.Add(2 * time.Second),
		Connectivity: conn,
		Failed:       map[string]string{},
	}
}

func TestRecordCycle_AndLastOnline(t *testing.T) {
	s := newTestService(t)
	ctx := context.Background()

	last, err := s.LastOnline(ctx)
	require.NoError(t, err)
	assert.Nil(t, last)

	s.RecordCycle(ctx, cycle(t0, models.ConnectivityOnline))
	s.RecordCycle(ctx, cycle(t0.Add(time.Minute), models.ConnectivityOnline))

	offline := cycle(t0.Add(2*time.Minute), models.ConnectivityOffline)
	offline.NetworkError = true
	offline.Attempted, offline.Deferred = 3, 3
	offline.Err = errors.New("push: context deadline exceeded")
	s.RecordCycle(ctx, offline)

	last, err = s.LastOnline(ctx)
	require.NoError(t, err)
	require.NotNil(t, last)
	assert.True(t, t0.Add(time.Minute+2*time.Second).Equal(*last))

	runs, err := s.ListRuns(ctx, RunFilter{})
	require.NoError(t, err)
	require.Len(t, runs, 3)
	assert.Equal(t, models.ConnectivityOffline, runs[0].Connectivity)
	assert.Equal(t, 3, runs[0].Deferred)
	assert.Equal(t, "push: context deadline exceeded", runs[0].Error)

	online, err := s.ListRuns(ctx, RunFilter{Connectivity: models.ConnectivityOnline, Limit: 1})
	require.NoError(t, err)
	require.Len(t, online, 1)
	assert.True(t, t0.Add(time.Minute).Equal(online[0].StartedAt))
}

func TestRunFromResult(t *testing.T) {
	res := cycle(t0, "")
	res.Failed = map[string]string{"a": "invalid branch", "b": "invalid amount"}
	res.Synced = 4
	res.Attempted = 6

	run := RunFromResult(res)
	assert.Equal(t, models.ConnectivityUnknown, run.Connectivity)
	assert.Equal(t, 2, run.Failed)
	assert.Equal(t, 4, run.Synced)
	assert.Equal(t, "timer", run.Trigger)
}

func TestPrune_KeepsNewestOnlineRun(t *testing.T) {
	s := newTestService(t)
	ctx := context.Background()

	s.RecordCycle(ctx, cycle(t0, models.ConnectivityOnline))
	s.RecordCycle(ctx, cycle(t0.Add(time.Hour), models.ConnectivityOnline))
	s.RecordCycle(ctx, cycle(t0.Add(2*time.Hour), models.ConnectivityOffline))
	s.RecordCycle(ctx, cycle(t0.Add(48*time.Hour), models.ConnectivityOffline))

	n, err := s.Prune(ctx, t0.Add(24*time.Hour))
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)

	runs, err := s.ListRuns(ctx, RunFilter{})
	require.NoError(t, err)
	require.Len(t, runs, 2)
	assert.Equal(t, models.ConnectivityOffline, runs[0].Connectivity)
	assert.True(t, t0.Add(time.Hour).Equal(runs[1].StartedAt))
}

func TestListSyncRunsHandler(t *testing.T) {
	s := newTestService(t)
	ctx := context.Background()
	s.RecordCycle(ctx, cycle(t0, models.ConnectivityOnline))
	s.RecordCycle(ctx, cycle(t0.Add(time.Minute), models.ConnectivityOffline))

	app := fiber.New()
	app.Get("/api/sync/runs", ListSyncRunsHandler(s))

	resp, err := app.Test(httptest.NewRequest(http.MethodGet, "/api/sync/runs?connectivity=offline", nil))
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var body []SyncRunResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	require.Len(t, body, 1)
	assert.Equal(t, models.ConnectivityOffline, body[0].Connectivity)
	assert.Equal(t, int64(2000), body[0].DurationMS)

	resp, err = app.Test(httptest.NewRequest(http.MethodGet, "/api/sync/runs?connectivity=sideways", nil))
	require.NoError(t, err)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp, err = app.Test(httptest.NewRequest(http.MethodGet, "/api/sync/runs?since=yesterday", nil))
	require.NoError(t, err)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestRunFromResult_TruncatesErrorOnRuneBoundary(t *testing.T) {
	res := cycle(t0, models.ConnectivityOffline)
	res.Err = errors.New(strings.Repeat("ş", 200))

	run := RunFromResult(res)
	assert.LessOrEqual(t, len(run.Error), 255)
	assert.True(t, utf8.ValidString(run.Error))
	assert.Equal(t, 254, len(run.Error))
}
