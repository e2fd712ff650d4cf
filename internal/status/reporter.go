// Package status answers "are we online and how much is left to sync".
// Connectivity comes from the outcome of the latest sync cycle, not from a
// separate heartbeat.
package status

import (
	"context"
	"sync"
	"time"

	"branch-ledger/internal/models"
	"branch-ledger/internal/syncer"
)

// Counter is the part of the entry repository the reporter reads.
type Counter interface {
	CountByState(ctx context.Context) (map[models.SyncState]int64, error)
}

type Snapshot struct {
	Connectivity         models.Connectivity `json:"connectivity"`
	PendingCount         int64               `json:"pending_count"`
	FailedCount          int64               `json:"failed_count"`
	LastSuccessfulSyncAt *time.Time          `json:"last_successful_sync_at"`
	LastCycleAt          *time.Time          `json:"last_cycle_at"`
	LastError            string              `json:"last_error,omitempty"`
	State                string              `json:"state"`
}

type Reporter struct {
	counter Counter
	state   func() string

	mu           sync.RWMutex
	connectivity models.Connectivity
	lastSuccess  *time.Time
	lastCycle    *time.Time
	lastError    string
}

type Option func(*Reporter)

// WithState reports the synchronizer's state in snapshots.
func WithState(fn func() string) Option {
	return func(r *Reporter) { r.state = fn }
}

func NewReporter(counter Counter, opts ...Option) *Reporter {
	r := &Reporter{
		counter:      counter,
		state:        func() string { return "disabled" },
		connectivity: models.ConnectivityOffline,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Seed restores the last successful sync time from history. Connectivity
// stays offline until a cycle in this process proves otherwise.
func (r *Reporter) Seed(lastSuccess *time.Time) {
	if lastSuccess == nil {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.lastSuccess == nil || lastSuccess.After(*r.lastSuccess) {
		t := *lastSuccess
		r.lastSuccess = &t
	}
}

func (r *Reporter) RecordCycle(_ context.Context, res syncer.CycleResult) {
	r.mu.Lock()
	defer r.mu.Unlock()

	finished := res.FinishedAt
	r.lastCycle = &finished

	switch res.Connectivity {
	case models.ConnectivityOnline:
		r.connectivity = models.ConnectivityOnline
		r.lastSuccess = &finished
		r.lastError = ""
	case models.ConnectivityOffline:
		r.connectivity = models.ConnectivityOffline
		if res.Err != nil {
			r.lastError = res.Err.Error()
		}
	default:
		// lost a claim race or failed locally; says nothing about the link
	}
}

func (r *Reporter) Status(ctx context.Context) (Snapshot, error) {
	counts, err := r.counter.CountByState(ctx)
	if err != nil {
		return Snapshot{}, err
	}

	r.mu.RLock()
	snap := Snapshot{
		Connectivity:         r.connectivity,
		LastSuccessfulSyncAt: copyTime(r.lastSuccess),
		LastCycleAt:          copyTime(r.lastCycle),
		LastError:            r.lastError,
	}
	r.mu.RUnlock()

	snap.PendingCount = counts[models.SyncStatePending] + counts[models.SyncStateSyncing] + counts[models.SyncStateFailed]
	snap.FailedCount = counts[models.SyncStateFailed]
	snap.State = r.state()
	return snap, nil
}

func copyTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	c := *t
	return &c
}
