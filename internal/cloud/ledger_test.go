package cloud

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"branch-ledger/internal/auth"
	"branch-ledger/internal/config"
	"branch-ledger/internal/database"
	"branch-ledger/internal/models"
	"branch-ledger/internal/server"
	"branch-ledger/internal/syncapi"

	"github.com/gofiber/fiber/v2"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

const testSecret = "0123456789abcdef0123456789abcdef"

func testConfig() *config.Config {
	return &config.Config{
		Role:          config.RoleCloud,
		JWTSecret:     testSecret,
		JWTTTL:        time.Hour,
		AdminToken:    "admin-token",
		PushRateLimit: 100,
		PushBurst:     100,
	}
}

func newCloudDB(t *testing.T) *gorm.DB {
	t.Helper()
	db, err := database.OpenLocal(filepath.Join(t.TempDir(), "cloud.db"), logger.Discard)
	require.NoError(t, err)
	require.NoError(t, database.MigrateCloud(db))
	t.Cleanup(func() { _ = database.Close(db) })
	return db
}

// addBranch registers an active branch and returns its plain API key.
func addBranch(t *testing.T, db *gorm.DB, id, code string) string {
	t.Helper()
	plain, hash, err := auth.NewAPIKey()
	require.NoError(t, err)
	require.NoError(t, db.Create(&models.Branch{ID: id, Code: code, Name: code, Active: true, APIKeyHash: hash}).Error)
	return plain
}

func pushEntry(id, branchID string) syncapi.PushEntry {
	return syncapi.PushEntry{
		ID:          id,
		BranchID:    branchID,
		Type:        models.EntryTypeIn,
		Category:    "sales",
		Amount:      12_50,
		Description: "lunch",
		CreatedAt:   time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC),
	}
}

func TestIngest_AcceptsAndDeduplicates(t *testing.T) {
	db := newCloudDB(t)
	addBranch(t, db, "b1", "IST01")
	l := NewLedger(db, zerolog.Nop())
	ctx := context.Background()

	entries := []syncapi.PushEntry{pushEntry("e1", "b1"), pushEntry("e2", "b1")}
	res, err := l.Ingest(ctx, "b1", entries)
	require.NoError(t, err)
	require.Len(t, res, 2)
	for _, r := range res {
		assert.Equal(t, syncapi.StatusAccepted, r.Status)
	}

	// the same push again is acknowledged without new rows
	res, err = l.Ingest(ctx, "b1", entries)
	require.NoError(t, err)
	for _, r := range res {
		assert.Equal(t, syncapi.StatusAccepted, r.Status)
	}

	var count int64
	require.NoError(t, db.Model(&models.LedgerRecord{}).Count(&count).Error)
	assert.Equal(t, int64(2), count)
}

func TestIngest_IDConflict(t *testing.T) {
	db := newCloudDB(t)
	addBranch(t, db, "b1", "IST01")
	l := NewLedger(db, zerolog.Nop())
	ctx := context.Background()

	_, err := l.Ingest(ctx, "b1", []syncapi.PushEntry{pushEntry("e1", "b1")})
	require.NoError(t, err)

	changed := pushEntry("e1", "b1")
	changed.Amount = 99_00
	res, err := l.Ingest(ctx, "b1", []syncapi.PushEntry{changed})
	require.NoError(t, err)
	require.Len(t, res, 1)
	assert.Equal(t, syncapi.StatusRejected, res[0].Status)
	assert.Equal(t, syncapi.ReasonIDConflict, res[0].Reason)

	var rec models.LedgerRecord
	require.NoError(t, db.First(&rec, "id = ?", "e1").Error)
	assert.Equal(t, int64(12_50), rec.Amount, "the first write wins")
}

func TestIngest_RejectionReasons(t *testing.T) {
	db := newCloudDB(t)
	addBranch(t, db, "b1", "IST01")
	l := NewLedger(db, zerolog.Nop())

	missingID := pushEntry("", "b1")
	otherBranch := pushEntry("e2", "b2")
	badType := pushEntry("e3", "b1")
	badType.Type = "XFER"
	zero := pushEntry("e4", "b1")
	zero.Amount = 0
	noCategory := pushEntry("e5", "b1")
	noCategory.Category = "  "
	ok := pushEntry("e6", "b1")

	res, err := l.Ingest(context.Background(), "b1", []syncapi.PushEntry{missingID, otherBranch, badType, zero, noCategory, ok})
	require.NoError(t, err)
	require.Len(t, res, 6)

	want := []string{
		syncapi.ReasonMissingID,
		syncapi.ReasonInvalidBranch,
		syncapi.ReasonInvalidType,
		syncapi.ReasonInvalidAmount,
		syncapi.ReasonInvalidCategory,
	}
	for i, reason := range want {
		assert.Equal(t, syncapi.StatusRejected, res[i].Status, "entry %d", i)
		assert.Equal(t, reason, res[i].Reason, "entry %d", i)
	}
	assert.Equal(t, syncapi.StatusAccepted, res[5].Status)
	assert.Equal(t, "e6", res[5].ID)
}

func TestIngest_InactiveBranch(t *testing.T) {
	db := newCloudDB(t)
	addBranch(t, db, "b1", "IST01")
	require.NoError(t, db.Model(&models.Branch{}).Where("id = ?", "b1").Update("active", false).Error)
	l := NewLedger(db, zerolog.Nop())

	res, err := l.Ingest(context.Background(), "b1", []syncapi.PushEntry{pushEntry("e1", "b1")})
	require.NoError(t, err)
	require.Len(t, res, 1)
	assert.Equal(t, syncapi.ReasonInvalidBranch, res[0].Reason)

	res, err = l.Ingest(context.Background(), "ghost", []syncapi.PushEntry{pushEntry("e2", "ghost")})
	require.NoError(t, err)
	assert.Equal(t, syncapi.ReasonInvalidBranch, res[0].Reason)
}

func TestFingerprint_CoversImmutableFields(t *testing.T) {
	base := pushEntry("e1", "b1")
	same := base
	same.ID = "other-id"
	assert.Equal(t, Fingerprint(base), Fingerprint(same), "id is not part of the fingerprint")

	local := base
	local.CreatedAt = base.CreatedAt.In(time.FixedZone("TRT", 3*60*60))
	assert.Equal(t, Fingerprint(base), Fingerprint(local))

	desc := base
	desc.Description = "dinner"
	assert.NotEqual(t, Fingerprint(base), Fingerprint(desc))
}

func TestRecords_FilterAndPage(t *testing.T) {
	db := newCloudDB(t)
	addBranch(t, db, "b1", "IST01")
	addBranch(t, db, "b2", "ANK01")
	l := NewLedger(db, zerolog.Nop())
	ctx := context.Background()

	day := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
	for i := 0; i < 5; i++ {
		e := pushEntry(fmt.Sprintf("b1-%d", i), "b1")
		e.CreatedAt = day.AddDate(0, 0, i)
		_, err := l.Ingest(ctx, "b1", []syncapi.PushEntry{e})
		require.NoError(t, err)
	}
	_, err := l.Ingest(ctx, "b2", []syncapi.PushEntry{pushEntry("b2-0", "b2")})
	require.NoError(t, err)

	recs, total, err := l.Records(ctx, RecordFilter{BranchID: "b1", Limit: 2})
	require.NoError(t, err)
	assert.Equal(t, int64(5), total)
	require.Len(t, recs, 2)
	assert.Equal(t, "b1-4", recs[0].ID, "newest first")

	recs, total, err = l.Records(ctx, RecordFilter{From: day.AddDate(0, 0, 1), To: day.AddDate(0, 0, 3)})
	require.NoError(t, err)
	assert.Equal(t, int64(2), total)
	assert.Equal(t, []string{"b1-2", "b1-1"}, []string{recs[0].ID, recs[1].ID})
}

func TestBranchLimiter(t *testing.T) {
	lim := NewBranchLimiter(1, 2)
	now := time.Now()
	assert.True(t, lim.Allow("b1", now))
	assert.True(t, lim.Allow("b1", now))
	assert.False(t, lim.Allow("b1", now))
	assert.True(t, lim.Allow("b2", now), "buckets are per branch")
	assert.True(t, lim.Allow("b1", now.Add(time.Second)))
}

func newCloudApp(t *testing.T, cfg *config.Config) (*fiber.App, *gorm.DB) {
	t.Helper()
	db := newCloudDB(t)
	app := server.NewApp(cfg)
	Mount(app, cfg, db, NewLedger(db, zerolog.Nop()))
	return app, db
}

func doJSON(t *testing.T, app *fiber.App, method, path, body string, headers map[string]string) *http.Response {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	resp, err := app.Test(req)
	require.NoError(t, err)
	return resp
}

func TestPushHandler(t *testing.T) {
	cfg := testConfig()
	app, db := newCloudApp(t, cfg)
	addBranch(t, db, "b1", "IST01")

	tok, _, err := auth.GenerateBranchToken(testSecret, "b1", time.Hour, time.Now())
	require.NoError(t, err)
	bearer := map[string]string{"Authorization": "Bearer " + tok}

	body, err := json.Marshal(syncapi.PushRequest{Entries: []syncapi.PushEntry{pushEntry("e1", "b1")}})
	require.NoError(t, err)

	resp := doJSON(t, app, http.MethodPost, syncapi.PushPath, string(body), bearer)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var pr syncapi.PushResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&pr))
	require.Len(t, pr.Results, 1)
	assert.Equal(t, syncapi.StatusAccepted, pr.Results[0].Status)

	resp = doJSON(t, app, http.MethodPost, syncapi.PushPath, string(body), nil)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	resp = doJSON(t, app, http.MethodPost, syncapi.PushPath, "{", bearer)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	many := make([]syncapi.PushEntry, maxPushEntries+1)
	body, err = json.Marshal(syncapi.PushRequest{Entries: many})
	require.NoError(t, err)
	resp = doJSON(t, app, http.MethodPost, syncapi.PushPath, string(body), bearer)
	assert.Equal(t, http.StatusRequestEntityTooLarge, resp.StatusCode)
}

func TestPushHandler_RateLimited(t *testing.T) {
	cfg := testConfig()
	cfg.PushRateLimit = 0.001
	cfg.PushBurst = 1
	app, db := newCloudApp(t, cfg)
	addBranch(t, db, "b1", "IST01")

	tok, _, err := auth.GenerateBranchToken(testSecret, "b1", time.Hour, time.Now())
	require.NoError(t, err)
	bearer := map[string]string{"Authorization": "Bearer " + tok}

	resp := doJSON(t, app, http.MethodPost, syncapi.PushPath, `{"entries":[]}`, bearer)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	resp = doJSON(t, app, http.MethodPost, syncapi.PushPath, `{"entries":[]}`, bearer)
	assert.Equal(t, http.StatusTooManyRequests, resp.StatusCode)
	assert.Equal(t, "1", resp.Header.Get(fiber.HeaderRetryAfter))
}

func TestBranchAdminHandlers(t *testing.T) {
	cfg := testConfig()
	app, db := newCloudApp(t, cfg)
	admin := map[string]string{auth.AdminTokenHeader: "admin-token"}

	resp := doJSON(t, app, http.MethodPost, "/api/admin/branches", `{"code":"ist01","name":"Istanbul"}`, nil)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	resp = doJSON(t, app, http.MethodPost, "/api/admin/branches", `{"code":"ist01","name":"Istanbul"}`, admin)
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	var created BranchCredentialsResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&created))
	assert.Equal(t, "IST01", created.Code)
	assert.True(t, created.Active)
	assert.NotEmpty(t, created.ID)
	assert.True(t, strings.HasPrefix(created.APIKey, "bl_"))

	resp = doJSON(t, app, http.MethodPost, "/api/admin/branches", `{"code":"IST01","name":"Again"}`, admin)
	assert.Equal(t, http.StatusConflict, resp.StatusCode)
	resp = doJSON(t, app, http.MethodPost, "/api/admin/branches", `{"code":""}`, admin)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	// the issued key works for the token exchange
	resp = doJSON(t, app, http.MethodPost, syncapi.TokenPath,
		fmt.Sprintf(`{"branch_id":%q,"api_key":%q}`, created.ID, created.APIKey), nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	resp = doJSON(t, app, http.MethodPatch, "/api/admin/branches/"+created.ID, `{"active":false}`, admin)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var b models.Branch
	require.NoError(t, db.First(&b, "id = ?", created.ID).Error)
	assert.False(t, b.Active)

	resp = doJSON(t, app, http.MethodPost, "/api/admin/branches/"+created.ID+"/api-key", "", admin)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var rotated BranchCredentialsResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&rotated))
	assert.NotEqual(t, created.APIKey, rotated.APIKey)

	resp = doJSON(t, app, http.MethodPost, syncapi.TokenPath,
		fmt.Sprintf(`{"branch_id":%q,"api_key":%q}`, created.ID, created.APIKey), nil)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode, "the old key is revoked")

	resp = doJSON(t, app, http.MethodGet, "/api/admin/branches", "", admin)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var list []BranchResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&list))
	require.Len(t, list, 1)

	resp = doJSON(t, app, http.MethodPatch, "/api/admin/branches/missing", `{"active":true}`, admin)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestListLedgerHandler(t *testing.T) {
	cfg := testConfig()
	app, db := newCloudApp(t, cfg)
	addBranch(t, db, "b1", "IST01")
	l := NewLedger(db, zerolog.Nop())
	_, err := l.Ingest(context.Background(), "b1", []syncapi.PushEntry{pushEntry("e1", "b1")})
	require.NoError(t, err)

	admin := map[string]string{auth.AdminTokenHeader: "admin-token"}
	resp := doJSON(t, app, http.MethodGet, "/api/admin/ledger?branch_id=b1&from=2025-03-01&to=2025-03-01", "", admin)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var out LedgerListResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	assert.Equal(t, int64(1), out.Total)
	require.Len(t, out.Items, 1)
	assert.Equal(t, "12.50", out.Items[0].AmountText)

	resp = doJSON(t, app, http.MethodGet, "/api/admin/ledger?from=03-01-2025", "", admin)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	resp = doJSON(t, app, http.MethodGet, "/api/admin/ledger?from=2025-03-05&to=2025-03-01", "", admin)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestMonthlyReport(t *testing.T) {
	cfg := testConfig()
	app, db := newCloudApp(t, cfg)
	addBranch(t, db, "b1", "IST01")
	addBranch(t, db, "b2", "ANK01")
	l := NewLedger(db, zerolog.Nop())
	ctx := context.Background()

	march := time.Date(2025, 3, 10, 12, 0, 0, 0, time.UTC)
	in := pushEntry("m1", "b1")
	in.CreatedAt = march
	out := pushEntry("m2", "b1")
	out.Type = models.EntryTypeOut
	out.Amount = 2_50
	out.CreatedAt = march
	april := pushEntry("m3", "b1")
	april.CreatedAt = time.Date(2025, 4, 1, 0, 0, 0, 0, time.UTC)
	_, err := l.Ingest(ctx, "b1", []syncapi.PushEntry{in, out, april})
	require.NoError(t, err)
	other := pushEntry("m4", "b2")
	other.CreatedAt = march
	_, err = l.Ingest(ctx, "b2", []syncapi.PushEntry{other})
	require.NoError(t, err)

	totals, err := l.MonthlyTotals(ctx, 2025, time.March, "")
	require.NoError(t, err)
	require.Len(t, totals, 2)
	assert.Equal(t, BranchMonthTotals{BranchID: "b1", TotalIn: 12_50, TotalOut: 2_50, Net: 10_00, Count: 2}, totals[0])
	assert.Equal(t, "b2", totals[1].BranchID)

	admin := map[string]string{auth.AdminTokenHeader: "admin-token"}
	resp := doJSON(t, app, http.MethodGet, "/api/admin/reports/monthly?year=2025&month=3&branch_id=b1", "", admin)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var rep MonthlyReportResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&rep))
	require.Len(t, rep.Branches, 1)
	assert.Equal(t, int64(10_00), rep.Net)
	assert.Equal(t, "10.00", rep.NetText)

	resp = doJSON(t, app, http.MethodGet, "/api/admin/reports/monthly?month=13", "", admin)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}
