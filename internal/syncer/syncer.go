// Package syncer moves locally committed entries to the cloud ledger in the
// background, one batch per cycle.
package syncer

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sync"
	"time"

	"branch-ledger/internal/ledger"
	"branch-ledger/internal/models"
	"branch-ledger/internal/uploader"

	"github.com/rs/zerolog"
)

var (
	// ErrBusy is returned by manual triggers while a cycle is running.
	ErrBusy    = errors.New("sync cycle already running")
	ErrStopped = errors.New("synchronizer stopped")
	// ErrTooManyIDs is returned by RetryFailed for more ids than one batch holds.
	ErrTooManyIDs = errors.New("too many entries for one retry")

	errBackingOff = errors.New("backing off")
)

type State int32

const (
	Idle State = iota
	Running
	BackingOff
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Running:
		return "running"
	case BackingOff:
		return "backing_off"
	}
	return "unknown"
}

type Trigger string

const (
	TriggerTimer  Trigger = "timer"
	TriggerManual Trigger = "manual"
	TriggerRetry  Trigger = "retry"
)

// CycleResult summarizes one cycle.
type CycleResult struct {
	Trigger      Trigger
	StartedAt    time.Time
	FinishedAt   time.Time
	Connectivity models.Connectivity

	Attempted int
	Synced    int
	Failed    map[string]string // entry id -> rejection reason
	Deferred  int               // released without a verdict

	// NetworkError is set when the batch upload failed as a whole; such a
	// cycle puts the synchronizer into backoff.
	NetworkError bool
	// Conflict is set when another cycle already held the batch.
	Conflict bool
	Err      error
}

// Recorder receives every finished cycle.
type Recorder interface {
	RecordCycle(ctx context.Context, res CycleResult)
}

type Config struct {
	Interval          time.Duration
	BatchSize         int
	BackoffInitial    time.Duration
	BackoffMax        time.Duration
	BackoffMultiplier float64
	// CycleTimeout bounds one cycle, including store writes after the
	// upload. It runs detached from shutdown.
	CycleTimeout time.Duration
}

func (c *Config) setDefaults() {
	if c.Interval <= 0 {
		c.Interval = 30 * time.Second
	}
	if c.BatchSize <= 0 {
		c.BatchSize = 50
	}
	if c.BackoffInitial <= 0 {
		c.BackoffInitial = 30 * time.Second
	}
	if c.BackoffMax < c.BackoffInitial {
		c.BackoffMax = 10 * time.Minute
		if c.BackoffMax < c.BackoffInitial {
			c.BackoffMax = c.BackoffInitial
		}
	}
	if c.BackoffMultiplier < 1 {
		c.BackoffMultiplier = 2
	}
	if c.CycleTimeout <= 0 {
		c.CycleTimeout = 2 * time.Minute
	}
}

type Synchronizer struct {
	cfg       Config
	store     Store
	selector  *Selector
	up        uploader.Uploader
	recorders []Recorder
	log       zerolog.Logger
	now       func() time.Time

	mu           sync.Mutex
	state        State
	failures     int
	backoffUntil time.Time
	stopping     bool
	wg           sync.WaitGroup
}

type Option func(*Synchronizer)

func WithClock(now func() time.Time) Option {
	return func(s *Synchronizer) { s.now = now }
}

func WithRecorders(rs ...Recorder) Option {
	return func(s *Synchronizer) { s.recorders = append(s.recorders, rs...) }
}

func New(cfg Config, store Store, up uploader.Uploader, log zerolog.Logger, opts ...Option) *Synchronizer {
	cfg.setDefaults()
	s := &Synchronizer{
		cfg:      cfg,
		store:    store,
		selector: NewSelector(store, cfg.BatchSize),
		up:       up,
		log:      log,
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Run sweeps entries stranded in syncing by a previous process, then runs
// a cycle immediately and on every interval until ctx is done. On shutdown
// it waits for the in-flight cycle to finish.
func (s *Synchronizer) Run(ctx context.Context) error {
	n, err := s.store.RecoverStale(ctx)
	if err != nil {
		return fmt.Errorf("recover stale entries: %w", err)
	}
	if n > 0 {
		s.log.Warn().Int64("count", n).Msg("entries left syncing by previous run returned to pending")
	}

	s.log.Info().Dur("interval", s.cfg.Interval).Int("batch_size", s.cfg.BatchSize).Msg("synchronizer started")

	ticker := time.NewTicker(s.cfg.Interval)
	defer ticker.Stop()

	s.Tick(ctx)
	for {
		select {
		case <-ctx.Done():
			s.stop()
			s.log.Info().Msg("synchronizer stopped")
			return nil
		case <-ticker.C:
			s.Tick(ctx)
		}
	}
}

func (s *Synchronizer) stop() {
	s.mu.Lock()
	s.stopping = true
	s.mu.Unlock()
	s.wg.Wait()
}

// Tick is a timer firing. It is dropped when a cycle is running or the
// backoff delay has not elapsed. ran reports whether a cycle happened.
func (s *Synchronizer) Tick(ctx context.Context) (CycleResult, bool) {
	if err := s.begin(TriggerTimer); err != nil {
		s.log.Debug().Err(err).Msg("tick dropped")
		return CycleResult{}, false
	}
	return s.runCycle(ctx, TriggerTimer, nil), true
}

// SyncNow runs a cycle right away, cutting any backoff short. It returns
// ErrBusy when a cycle is already running.
func (s *Synchronizer) SyncNow(ctx context.Context) (CycleResult, error) {
	if err := s.begin(TriggerManual); err != nil {
		return CycleResult{}, err
	}
	return s.runCycle(ctx, TriggerManual, nil), nil
}

// RetryFailed uploads the given entries again in one batch. Failed and
// pending ids are accepted; it claims all of them or none, and
// ledger.ErrConflict means at least one id is synced, in flight or unknown.
// Entries the cloud gives no verdict for go back to the state they had.
func (s *Synchronizer) RetryFailed(ctx context.Context, ids []string) (CycleResult, error) {
	ids = dedupe(ids)
	if len(ids) == 0 {
		return CycleResult{}, nil
	}
	if len(ids) > s.cfg.BatchSize {
		return CycleResult{}, fmt.Errorf("%w: %d ids, at most %d", ErrTooManyIDs, len(ids), s.cfg.BatchSize)
	}
	if err := s.begin(TriggerRetry); err != nil {
		return CycleResult{}, err
	}
	res := s.runCycle(ctx, TriggerRetry, ids)
	if res.Conflict {
		return res, ledger.ErrConflict
	}
	return res, res.Err
}

func (s *Synchronizer) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// BackoffUntil is the end of the current backoff, zero when not backing off.
func (s *Synchronizer) BackoffUntil() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != BackingOff {
		return time.Time{}
	}
	return s.backoffUntil
}

func (s *Synchronizer) begin(trigger Trigger) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.stopping {
		return ErrStopped
	}
	switch s.state {
	case Running:
		return ErrBusy
	case BackingOff:
		if trigger == TriggerTimer && s.now().Before(s.backoffUntil) {
			return errBackingOff
		}
	}
	s.state = Running
	s.wg.Add(1)
	return nil
}

func (s *Synchronizer) end(res CycleResult) {
	s.mu.Lock()
	defer s.mu.Unlock()

	switch {
	case res.NetworkError:
		s.failures++
		delay := s.backoffDelay(s.failures)
		s.backoffUntil = s.now().Add(delay)
		s.state = BackingOff
		s.log.Warn().Int("failures", s.failures).Dur("delay", delay).Msg("cloud unreachable, backing off")
	case res.Connectivity == models.ConnectivityOnline && res.Err == nil && !res.Conflict:
		s.failures = 0
		s.backoffUntil = time.Time{}
		s.state = Idle
	case s.now().Before(s.backoffUntil):
		// inconclusive cycle: the escalation and any remaining delay stay
		s.state = BackingOff
	default:
		s.state = Idle
	}
}

// backoffDelay is initial * multiplier^(failures-1), capped at max.
func (s *Synchronizer) backoffDelay(failures int) time.Duration {
	d := float64(s.cfg.BackoffInitial) * math.Pow(s.cfg.BackoffMultiplier, float64(failures-1))
	if math.IsInf(d, 0) || math.IsNaN(d) || d > float64(s.cfg.BackoffMax) {
		return s.cfg.BackoffMax
	}
	return time.Duration(d)
}

// runCycle runs with a context that survives shutdown so an upload is never
// cut off mid-request; the cycle timeout still bounds it.
func (s *Synchronizer) runCycle(parent context.Context, trigger Trigger, retryIDs []string) CycleResult {
	defer s.wg.Done()
	ctx, cancel := context.WithTimeout(context.WithoutCancel(parent), s.cfg.CycleTimeout)
	defer cancel()

	res := CycleResult{
		Trigger:      trigger,
		StartedAt:    s.now(),
		Connectivity: models.ConnectivityUnknown,
		Failed:       map[string]string{},
	}
	if retryIDs != nil {
		s.retry(ctx, &res, retryIDs)
	} else {
		s.cycle(ctx, &res)
	}
	res.FinishedAt = s.now()

	s.end(res)
	s.logResult(res)
	for _, r := range s.recorders {
		r.RecordCycle(ctx, res)
	}
	return res
}

func (s *Synchronizer) cycle(ctx context.Context, res *CycleResult) {
	batch, err := s.selector.Next(ctx)
	if err != nil {
		res.Err = err
		return
	}

	if len(batch) == 0 {
		if err := s.up.Probe(ctx); err != nil {
			res.Connectivity = models.ConnectivityOffline
			res.Err = err
			return
		}
		res.Connectivity = models.ConnectivityOnline
		return
	}

	if err := s.store.MarkSyncing(ctx, entryIDs(batch)); err != nil {
		if errors.Is(err, ledger.ErrConflict) {
			res.Conflict = true
			return
		}
		res.Err = err
		return
	}
	s.deliver(ctx, res, batch)
}

// retry reads the entries before claiming them so that entries left
// without a verdict can be released back to failed with their reason.
func (s *Synchronizer) retry(ctx context.Context, res *CycleResult, ids []string) {
	batch := make([]models.FinancialEntry, 0, len(ids))
	for _, id := range ids {
		e, err := s.store.Get(ctx, id)
		if err != nil {
			if errors.Is(err, ledger.ErrNotFound) {
				res.Conflict = true
				return
			}
			res.Err = err
			return
		}
		batch = append(batch, *e)
	}

	if err := s.store.MarkSyncing(ctx, ids); err != nil {
		if errors.Is(err, ledger.ErrConflict) {
			res.Conflict = true
			return
		}
		res.Err = err
		return
	}
	s.deliver(ctx, res, batch)
}

// deliver uploads a claimed batch and applies each verdict. Entries without
// a verdict are released to the state they were claimed from.
func (s *Synchronizer) deliver(ctx context.Context, res *CycleResult, batch []models.FinancialEntry) {
	res.Attempted = len(batch)

	outcomes, err := s.up.Upload(ctx, batch)
	if err != nil {
		s.release(ctx, batch)
		res.Deferred = len(batch)
		res.Connectivity = models.ConnectivityOffline
		res.NetworkError = true
		res.Err = err
		return
	}
	res.Connectivity = models.ConnectivityOnline

	var deferred []models.FinancialEntry
	syncedAt := s.now()
	for _, e := range batch {
		out := outcomes[e.ID]
		switch out.Kind {
		case uploader.Accepted:
			if err := s.store.MarkSynced(ctx, e.ID, syncedAt); err != nil {
				s.log.Error().Err(err).Str("entry_id", e.ID).Msg("record accepted entry")
				deferred = append(deferred, e)
				continue
			}
			res.Synced++
		case uploader.Rejected:
			if err := s.store.MarkFailed(ctx, e.ID, out.Reason); err != nil {
				s.log.Error().Err(err).Str("entry_id", e.ID).Msg("record rejected entry")
				deferred = append(deferred, e)
				continue
			}
			res.Failed[e.ID] = out.Reason
			s.log.Warn().Str("entry_id", e.ID).Str("reason", out.Reason).Msg("entry rejected by cloud ledger")
		default:
			deferred = append(deferred, e)
		}
	}

	if len(deferred) > 0 {
		s.release(ctx, deferred)
		res.Deferred = len(deferred)
	}
}

// release undoes a claim. Entries claimed from failed keep their rejection
// reason; everything else returns to pending.
func (s *Synchronizer) release(ctx context.Context, entries []models.FinancialEntry) {
	var pending []string
	for _, e := range entries {
		if e.SyncState != models.SyncStateFailed {
			pending = append(pending, e.ID)
			continue
		}
		if err := s.store.MarkFailed(ctx, e.ID, e.SyncError); err != nil {
			s.log.Error().Err(err).Str("entry_id", e.ID).Msg("return entry to failed")
		}
	}
	if len(pending) == 0 {
		return
	}
	if _, err := s.store.RevertToPending(ctx, pending); err != nil {
		// left syncing; the startup sweep picks them up
		s.log.Error().Err(err).Int("count", len(pending)).Msg("return entries to pending")
	}
}

func (s *Synchronizer) logResult(res CycleResult) {
	level := zerolog.InfoLevel
	switch {
	case res.Conflict:
		level = zerolog.DebugLevel
	case res.Err != nil && res.Connectivity == models.ConnectivityUnknown:
		level = zerolog.ErrorLevel
	case res.Err != nil:
		level = zerolog.WarnLevel
	case res.Attempted == 0:
		level = zerolog.DebugLevel
	}

	ev := s.log.WithLevel(level)
	if res.Err != nil {
		ev = ev.Err(res.Err)
	}
	ev.Str("trigger", string(res.Trigger)).
		Str("connectivity", string(res.Connectivity)).
		Int("attempted", res.Attempted).
		Int("synced", res.Synced).
		Int("failed", len(res.Failed)).
		Int("deferred", res.Deferred).
		Bool("conflict", res.Conflict).
		Dur("took", res.FinishedAt.Sub(res.StartedAt)).
		Msg("sync cycle finished")
}

func entryIDs(entries []models.FinancialEntry) []string {
	ids := make([]string, len(entries))
	for i, e := range entries {
		ids[i] = e.ID
	}
	return ids
}

func dedupe(ids []string) []string {
	seen := make(map[string]struct{}, len(ids))
	out := ids[:0:0]
	for _, id := range ids {
		if _, ok := seen[id]; ok || id == "" {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	return out
}
