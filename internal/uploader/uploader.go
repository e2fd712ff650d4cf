// Package uploader sends batches of entries to the cloud ledger and reports
// a verdict per entry.
package uploader

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"branch-ledger/internal/models"
	"branch-ledger/internal/syncapi"

	"github.com/rs/zerolog"
)

const maxResponseBytes = 4 << 20

type Kind int

const (
	Accepted Kind = iota + 1
	Rejected
	NetworkFailure
)

func (k Kind) String() string {
	switch k {
	case Accepted:
		return "accepted"
	case Rejected:
		return "rejected"
	case NetworkFailure:
		return "network_error"
	}
	return "unknown"
}

// Outcome is the verdict for one entry of a batch. Reason is set for
// Rejected.
type Outcome struct {
	Kind   Kind
	Reason string
}

// Outcomes maps entry id to its verdict. Upload always fills every id of
// the batch.
type Outcomes map[string]Outcome

// Uploader is what the synchronizer needs from the remote side.
type Uploader interface {
	Upload(ctx context.Context, entries []models.FinancialEntry) (Outcomes, error)
	Probe(ctx context.Context) error
}

type Config struct {
	BaseURL      string
	BranchID     string
	APIKey       string // empty skips the token exchange
	Timeout      time.Duration
	ProbeTimeout time.Duration
}

// HTTPUploader talks to the cloud ledger over HTTPS. It is safe for
// concurrent use.
type HTTPUploader struct {
	cfg Config
	hc  *http.Client
	log zerolog.Logger
	now func() time.Time

	mu          sync.Mutex
	token       string
	tokenExpiry time.Time
}

func New(cfg Config, log zerolog.Logger) *HTTPUploader {
	if cfg.Timeout == 0 {
		cfg.Timeout = 30 * time.Second
	}
	if cfg.ProbeTimeout == 0 {
		cfg.ProbeTimeout = 3 * time.Second
	}
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	return &HTTPUploader{
		cfg: cfg,
		hc:  &http.Client{Timeout: cfg.Timeout},
		log: log,
		now: time.Now,
	}
}

// Upload pushes entries as one batch. A non-nil error is always a
// *NetworkError and then every outcome is NetworkFailure.
func (u *HTTPUploader) Upload(ctx context.Context, entries []models.FinancialEntry) (Outcomes, error) {
	out := make(Outcomes, len(entries))
	if len(entries) == 0 {
		return out, nil
	}

	resp, err := u.push(ctx, entries)
	if err != nil {
		for _, e := range entries {
			out[e.ID] = Outcome{Kind: NetworkFailure}
		}
		return out, err
	}

	results := make(map[string]syncapi.PushResult, len(resp.Results))
	for _, r := range resp.Results {
		results[r.ID] = r
	}

	var missing int
	for _, e := range entries {
		r, ok := results[e.ID]
		switch {
		case !ok:
			missing++
			out[e.ID] = Outcome{Kind: NetworkFailure}
		case r.Status == syncapi.StatusAccepted:
			out[e.ID] = Outcome{Kind: Accepted}
		case r.Status == syncapi.StatusRejected:
			reason := r.Reason
			if reason == "" {
				reason = "rejected"
			}
			out[e.ID] = Outcome{Kind: Rejected, Reason: reason}
		default:
			missing++
			out[e.ID] = Outcome{Kind: NetworkFailure}
		}
	}
	if missing > 0 {
		u.log.Warn().Int("missing", missing).Int("batch", len(entries)).Msg("push response lacks verdicts; entries stay queued")
	}
	return out, nil
}

func (u *HTTPUploader) push(ctx context.Context, entries []models.FinancialEntry) (*syncapi.PushResponse, error) {
	token, err := u.bearer(ctx)
	if err != nil {
		return nil, err
	}

	payload := syncapi.PushRequest{Entries: make([]syncapi.PushEntry, 0, len(entries))}
	for _, e := range entries {
		payload.Entries = append(payload.Entries, syncapi.FromEntry(e))
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, &NetworkError{Op: "push", Err: err}
	}

	ctx, cancel := context.WithTimeout(ctx, u.cfg.Timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, u.cfg.BaseURL+syncapi.PushPath, bytes.NewReader(body))
	if err != nil {
		return nil, &NetworkError{Op: "push", Err: err}
	}
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := u.hc.Do(req)
	if err != nil {
		return nil, &NetworkError{Op: "push", Err: err}
	}
	defer func() {
		_ = resp.Body.Close()
	}()

	if resp.StatusCode == http.StatusUnauthorized {
		u.dropToken()
		return nil, &NetworkError{Op: "push", Status: resp.StatusCode, Err: ErrUnauthorized}
	}
	if resp.StatusCode != http.StatusOK {
		return nil, &NetworkError{Op: "push", Status: resp.StatusCode, Err: errors.New(readError(resp.Body))}
	}

	var out syncapi.PushResponse
	if err := json.NewDecoder(io.LimitReader(resp.Body, maxResponseBytes)).Decode(&out); err != nil {
		return nil, &NetworkError{Op: "push", Status: resp.StatusCode, Err: fmt.Errorf("decode response: %w", err)}
	}
	return &out, nil
}

// bearer returns a cached branch token, exchanging the API key for a new
// one when none is valid for at least another minute.
func (u *HTTPUploader) bearer(ctx context.Context) (string, error) {
	if u.cfg.APIKey == "" {
		return "", nil
	}

	u.mu.Lock()
	defer u.mu.Unlock()
	if u.token != "" && u.now().Add(time.Minute).Before(u.tokenExpiry) {
		return u.token, nil
	}

	body, err := json.Marshal(syncapi.TokenRequest{BranchID: u.cfg.BranchID, APIKey: u.cfg.APIKey})
	if err != nil {
		return "", &NetworkError{Op: "token", Err: err}
	}

	ctx, cancel := context.WithTimeout(ctx, u.cfg.Timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, u.cfg.BaseURL+syncapi.TokenPath, bytes.NewReader(body))
	if err != nil {
		return "", &NetworkError{Op: "token", Err: err}
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := u.hc.Do(req)
	if err != nil {
		return "", &NetworkError{Op: "token", Err: err}
	}
	defer func() {
		_ = resp.Body.Close()
	}()

	if resp.StatusCode == http.StatusUnauthorized {
		return "", &NetworkError{Op: "token", Status: resp.StatusCode, Err: ErrUnauthorized}
	}
	if resp.StatusCode != http.StatusOK {
		return "", &NetworkError{Op: "token", Status: resp.StatusCode, Err: errors.New(readError(resp.Body))}
	}

	var tr syncapi.TokenResponse
	if err := json.NewDecoder(io.LimitReader(resp.Body, maxResponseBytes)).Decode(&tr); err != nil {
		return "", &NetworkError{Op: "token", Status: resp.StatusCode, Err: fmt.Errorf("decode response: %w", err)}
	}
	if tr.Token == "" {
		return "", &NetworkError{Op: "token", Status: resp.StatusCode, Err: errors.New("empty token")}
	}

	u.token, u.tokenExpiry = tr.Token, tr.ExpiresAt
	u.log.Debug().Time("expires_at", tr.ExpiresAt).Msg("branch token refreshed")
	return u.token, nil
}

func (u *HTTPUploader) dropToken() {
	u.mu.Lock()
	u.token = ""
	u.tokenExpiry = time.Time{}
	u.mu.Unlock()
}

// Probe reports whether the cloud ledger answers its health check within
// the probe timeout.
func (u *HTTPUploader) Probe(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, u.cfg.ProbeTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.cfg.BaseURL+syncapi.HealthPath, nil)
	if err != nil {
		return &NetworkError{Op: "probe", Err: err}
	}
	resp, err := u.hc.Do(req)
	if err != nil {
		return &NetworkError{Op: "probe", Err: err}
	}
	defer func() {
		_ = resp.Body.Close()
	}()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, maxResponseBytes))

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return &NetworkError{Op: "probe", Status: resp.StatusCode, Err: errors.New(http.StatusText(resp.StatusCode))}
	}
	return nil
}

func readError(r io.Reader) string {
	var body syncapi.ErrorResponse
	if err := json.NewDecoder(io.LimitReader(r, 64<<10)).Decode(&body); err != nil || body.Error == "" {
		return "unexpected response"
	}
	return body.Error
}
