package uploader

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"branch-ledger/internal/models"
	"branch-ledger/internal/syncapi"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testEntries(ids ...string) []models.FinancialEntry {
	out := make([]models.FinancialEntry, 0, len(ids))
	for _, id := range ids {
		out = append(out, models.FinancialEntry{
			ID:        id,
			BranchID:  "branch-1",
			Type:      models.EntryTypeIn,
			Category:  "sales",
			Amount:    100,
			CreatedAt: time.Date(2025, 3, 1, 9, 0, 0, 0, time.UTC),
			SyncState: models.SyncStateSyncing,
		})
	}
	return out
}

type fakeCloud struct {
	tokenCalls atomic.Int32
	pushCalls  atomic.Int32
	push       func(w http.ResponseWriter, req syncapi.PushRequest)
	expires    time.Time
}

func (f *fakeCloud) handler(t *testing.T) http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc(syncapi.TokenPath, func(w http.ResponseWriter, r *http.Request) {
		f.tokenCalls.Add(1)
		var req syncapi.TokenRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		if req.APIKey != "secret-key" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		_ = json.NewEncoder(w).Encode(syncapi.TokenResponse{Token: "tok", ExpiresAt: f.expires})
	})
	mux.HandleFunc(syncapi.PushPath, func(w http.ResponseWriter, r *http.Request) {
		f.pushCalls.Add(1)
		if r.Header.Get("Authorization") != "Bearer tok" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		var req syncapi.PushRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		f.push(w, req)
	})
	mux.HandleFunc(syncapi.HealthPath, func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	})
	return mux
}

func newTestUploader(t *testing.T, f *fakeCloud) (*HTTPUploader, *httptest.Server) {
	t.Helper()
	if f.expires.IsZero() {
		f.expires = time.Now().Add(time.Hour)
	}
	srv := httptest.NewServer(f.handler(t))
	t.Cleanup(srv.Close)

	u := New(Config{
		BaseURL:  srv.URL + "/",
		BranchID: "branch-1",
		APIKey:   "secret-key",
		Timeout:  2 * time.Second,
	}, zerolog.Nop())
	return u, srv
}

func TestUpload_PerEntryVerdicts(t *testing.T) {
	f := &fakeCloud{push: func(w http.ResponseWriter, req syncapi.PushRequest) {
		require.Len(t, req.Entries, 3)
		assert.Equal(t, "branch-1", req.Entries[0].BranchID)
		_ = json.NewEncoder(w).Encode(syncapi.PushResponse{Results: []syncapi.PushResult{
			{ID: "a", Status: syncapi.StatusAccepted},
			{ID: "b", Status: syncapi.StatusRejected, Reason: syncapi.ReasonInvalidBranch},
			// c omitted
		}})
	}}
	u, _ := newTestUploader(t, f)

	out, err := u.Upload(context.Background(), testEntries("a", "b", "c"))
	require.NoError(t, err)
	assert.Equal(t, Outcomes{
		"a": {Kind: Accepted},
		"b": {Kind: Rejected, Reason: "invalid branch"},
		"c": {Kind: NetworkFailure},
	}, out)
}

func TestUpload_ServerErrorIsBatchNetworkFailure(t *testing.T) {
	f := &fakeCloud{push: func(w http.ResponseWriter, _ syncapi.PushRequest) {
		w.WriteHeader(http.StatusInternalServerError)
		_, _ = w.Write([]byte(`{"error":"db down"}`))
	}}
	u, _ := newTestUploader(t, f)

	out, err := u.Upload(context.Background(), testEntries("a", "b"))
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrNetwork)

	var nerr *NetworkError
	require.True(t, errors.As(err, &nerr))
	assert.Equal(t, http.StatusInternalServerError, nerr.Status)
	assert.Contains(t, nerr.Error(), "db down")

	assert.Equal(t, Outcomes{"a": {Kind: NetworkFailure}, "b": {Kind: NetworkFailure}}, out)
}

func TestUpload_UnreachableHost(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close()

	u := New(Config{BaseURL: url, Timeout: time.Second}, zerolog.Nop())
	out, err := u.Upload(context.Background(), testEntries("a"))
	assert.ErrorIs(t, err, ErrNetwork)
	assert.Equal(t, NetworkFailure, out["a"].Kind)
}

func TestUpload_Timeout(t *testing.T) {
	release := make(chan struct{})
	f := &fakeCloud{push: func(w http.ResponseWriter, _ syncapi.PushRequest) {
		<-release
	}}
	u, _ := newTestUploader(t, f)
	defer close(release)
	u.cfg.Timeout = 100 * time.Millisecond
	u.hc.Timeout = 100 * time.Millisecond
	u.token, u.tokenExpiry = "tok", time.Now().Add(time.Hour)

	_, err := u.Upload(context.Background(), testEntries("a"))
	assert.ErrorIs(t, err, ErrNetwork)
}

func TestUpload_UndecodableBody(t *testing.T) {
	f := &fakeCloud{push: func(w http.ResponseWriter, _ syncapi.PushRequest) {
		_, _ = w.Write([]byte(`not json`))
	}}
	u, _ := newTestUploader(t, f)

	_, err := u.Upload(context.Background(), testEntries("a"))
	assert.ErrorIs(t, err, ErrNetwork)
}

func TestUpload_EmptyBatchMakesNoRequest(t *testing.T) {
	f := &fakeCloud{}
	u, _ := newTestUploader(t, f)

	out, err := u.Upload(context.Background(), nil)
	require.NoError(t, err)
	assert.Empty(t, out)
	assert.Zero(t, f.tokenCalls.Load())
	assert.Zero(t, f.pushCalls.Load())
}

func TestBearer_CachesUntilNearExpiry(t *testing.T) {
	accept := func(w http.ResponseWriter, req syncapi.PushRequest) {
		res := make([]syncapi.PushResult, 0, len(req.Entries))
		for _, e := range req.Entries {
			res = append(res, syncapi.PushResult{ID: e.ID, Status: syncapi.StatusAccepted})
		}
		_ = json.NewEncoder(w).Encode(syncapi.PushResponse{Results: res})
	}
	expires := time.Date(2025, 3, 1, 10, 0, 0, 0, time.UTC)
	f := &fakeCloud{push: accept, expires: expires}
	u, _ := newTestUploader(t, f)

	now := expires.Add(-30 * time.Minute)
	u.now = func() time.Time { return now }

	for i := 0; i < 3; i++ {
		_, err := u.Upload(context.Background(), testEntries("a"))
		require.NoError(t, err)
	}
	assert.Equal(t, int32(1), f.tokenCalls.Load())

	now = expires.Add(-30 * time.Second)
	_, err := u.Upload(context.Background(), testEntries("a"))
	require.NoError(t, err)
	assert.Equal(t, int32(2), f.tokenCalls.Load())
}

func TestUpload_UnauthorizedDropsToken(t *testing.T) {
	f := &fakeCloud{push: func(w http.ResponseWriter, _ syncapi.PushRequest) {
		w.WriteHeader(http.StatusUnauthorized)
	}}
	u, _ := newTestUploader(t, f)

	_, err := u.Upload(context.Background(), testEntries("a"))
	assert.ErrorIs(t, err, ErrNetwork)
	assert.ErrorIs(t, err, ErrUnauthorized)
	assert.Empty(t, u.token)

	_, _ = u.Upload(context.Background(), testEntries("a"))
	assert.Equal(t, int32(2), f.tokenCalls.Load())
}

func TestUpload_BadAPIKey(t *testing.T) {
	f := &fakeCloud{}
	u, _ := newTestUploader(t, f)
	u.cfg.APIKey = "wrong"

	_, err := u.Upload(context.Background(), testEntries("a"))
	assert.ErrorIs(t, err, ErrUnauthorized)
	assert.Zero(t, f.pushCalls.Load())
}

func TestProbe(t *testing.T) {
	u, _ := newTestUploader(t, &fakeCloud{})
	assert.NoError(t, u.Probe(context.Background()))

	down := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer down.Close()

	u2 := New(Config{BaseURL: down.URL}, zerolog.Nop())
	err := u2.Probe(context.Background())
	assert.ErrorIs(t, err, ErrNetwork)
}
