// Package syncer coordinates token refresh, activity fetching, normalization
// and persistence under a staleness policy.
package syncer

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"example.com/runsync/internal/domain"
	"example.com/runsync/internal/observability"
	"example.com/runsync/internal/strava"
)

// Defaults applied when Config leaves a field zero.
const (
	DefaultStalenessInterval = 6 * time.Hour
	DefaultSyncTimeout       = 5 * time.Minute
	DefaultFailureBackoff    = time.Minute
)

// ActivityFetcher walks the remote activities of an account.
type ActivityFetcher interface {
	FetchAllRaw(ctx context.Context, accountID, kind string) (strava.FetchResult, error)
}

// ActivityNormalizer maps remote records to runs.
type ActivityNormalizer interface {
	Normalize(accountID string, raw domain.RawActivity) (domain.NormalizedRun, error)
}

// Config holds the sync policy.
type Config struct {
	ActivityKind      string
	StalenessInterval time.Duration
	SyncTimeout       time.Duration
	// FailureBackoff is how long GetRuns waits after a failed attempt before
	// starting another background sync.
	FailureBackoff time.Duration
}

// Option configures an Orchestrator.
type Option func(*Orchestrator)

// WithLogger overrides the logger.
func WithLogger(logger zerolog.Logger) Option {
	return func(o *Orchestrator) {
		o.logger = logger
	}
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(o *Orchestrator) {
		o.now = now
	}
}

// Orchestrator owns the per-account SyncState and is the only writer of runs.
type Orchestrator struct {
	fetcher    ActivityFetcher
	normalizer ActivityNormalizer
	store      domain.ActivityStore
	cfg        Config
	logger     zerolog.Logger
	now        func() time.Time

	mu     sync.Mutex
	states map[string]*domain.SyncState
	closed bool

	bgCtx    context.Context
	bgCancel context.CancelFunc
	bg       sync.WaitGroup
}

// New constructs an Orchestrator. Close must be called to stop background syncs.
func New(fetcher ActivityFetcher, normalizer ActivityNormalizer, store domain.ActivityStore, cfg Config, opts ...Option) *Orchestrator {
	if cfg.StalenessInterval <= 0 {
		cfg.StalenessInterval = DefaultStalenessInterval
	}
	if cfg.SyncTimeout <= 0 {
		cfg.SyncTimeout = DefaultSyncTimeout
	}
	if cfg.FailureBackoff <= 0 {
		cfg.FailureBackoff = DefaultFailureBackoff
	}
	bgCtx, cancel := context.WithCancel(context.Background())
	o := &Orchestrator{
		fetcher:    fetcher,
		normalizer: normalizer,
		store:      store,
		cfg:        cfg,
		logger:     zerolog.Nop(),
		now:        time.Now,
		states:     make(map[string]*domain.SyncState),
		bgCtx:      bgCtx,
		bgCancel:   cancel,
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// Sync runs one sync pass for the account unless one is already running or,
// without force, the last success is younger than the staleness interval or
// the account is waiting for a reconnect. Stored runs are never cleared; on
// error they stay as they were.
func (o *Orchestrator) Sync(ctx context.Context, accountID string, force bool) (domain.SyncReport, error) {
	started := o.now()
	report, proceed := o.begin(accountID, force, started)
	if !proceed {
		observability.RecordSyncOutcome(string(report.Status))
		return report, nil
	}

	report, err := o.run(ctx, accountID, started)
	o.finish(accountID, report, err)
	return report, err
}

// begin is the in-progress gate: it flips InProgress under the lock before
// any I/O happens.
func (o *Orchestrator) begin(accountID string, force bool, now time.Time) (domain.SyncReport, bool) {
	o.mu.Lock()
	defer o.mu.Unlock()

	state := o.stateLocked(accountID)
	if state.InProgress {
		return domain.SyncReport{AccountID: accountID, Status: domain.SyncStatusAlreadySyncing, StartedAt: now, FinishedAt: now}, false
	}
	if !force && state.ReconnectRequired {
		report := domain.SyncReport{AccountID: accountID, Status: domain.SyncStatusReconnectRequired, StartedAt: now, FinishedAt: now}
		return report, false
	}
	if !force && !state.Stale(now, o.cfg.StalenessInterval) {
		report := domain.SyncReport{AccountID: accountID}
		if state.LastReport != nil {
			report = *state.LastReport
		}
		report.Status = domain.SyncStatusFresh
		return report, false
	}

	state.InProgress = true
	state.LastAttemptAt = now
	return domain.SyncReport{}, true
}

func (o *Orchestrator) finish(accountID string, report domain.SyncReport, err error) {
	o.mu.Lock()
	defer o.mu.Unlock()

	state := o.stateLocked(accountID)
	state.InProgress = false
	if err != nil {
		state.LastError = err.Error()
		var authErr *domain.AuthError
		if errors.As(err, &authErr) && authErr.ReconnectRequired() {
			state.ReconnectRequired = true
			o.logger.Warn().Str("account_id", accountID).Msg("credential rejected; automatic syncs paused until the account reconnects")
		}
		return
	}
	state.LastError = ""
	state.ReconnectRequired = false
	state.LastSyncAt = report.FinishedAt
	last := report
	state.LastReport = &last
}

func (o *Orchestrator) run(ctx context.Context, accountID string, started time.Time) (report domain.SyncReport, err error) {
	ctx, cancel := context.WithTimeout(ctx, o.cfg.SyncTimeout)
	defer cancel()

	report = domain.SyncReport{RunID: uuid.NewString(), AccountID: accountID, StartedAt: started}
	logger := o.logger.With().Str("account_id", accountID).Str("run_id", report.RunID).Logger()

	defer func() {
		if r := recover(); r != nil {
			err = &domain.SyncError{AccountID: accountID, Stage: "panic", Err: errors.New("sync panicked")}
			logger.Error().Interface("panic", r).Msg("sync panicked")
		}
		report.FinishedAt = o.now()
		report.Duration = report.FinishedAt.Sub(started)
		observability.RecordSyncDuration(report.Duration)
		if err != nil {
			observability.RecordSyncOutcome("failed")
			return
		}
		observability.RecordSyncOutcome(string(report.Status))
		observability.RecordSyncSuccess(report.FinishedAt)
	}()

	result, err := o.fetcher.FetchAllRaw(ctx, accountID, "")
	if err != nil {
		logger.Error().Err(err).Msg("sync aborted while fetching; stored runs left untouched")
		return report, &domain.SyncError{AccountID: accountID, Stage: "fetch", Err: err}
	}
	report.TotalFetched = len(result.Activities)
	report.Pages = result.Pages

	runs := make([]domain.NormalizedRun, 0, len(result.Activities))
	for _, raw := range result.Activities {
		if raw.Type != o.cfg.ActivityKind {
			continue
		}
		run, normErr := o.normalizer.Normalize(accountID, raw)
		if normErr != nil {
			report.Skipped++
			logger.Warn().Err(normErr).Int64("activity_id", raw.ID).Msg("skipping activity that failed validation")
			continue
		}
		runs = append(runs, run)
	}
	observability.RecordValidationSkips(report.Skipped)

	written, err := o.store.UpsertMany(ctx, accountID, runs)
	if err != nil {
		logger.Error().Err(err).Int("runs", len(runs)).Msg("sync aborted while storing runs")
		return report, &domain.SyncError{AccountID: accountID, Stage: "store", Err: err}
	}
	report.ActivitiesSynced = written
	observability.RecordRunsUpserted(written)

	report.Status = domain.SyncStatusCompleted
	event := logger.Info()
	if result.Partial {
		report.Status = domain.SyncStatusPartial
		event = logger.Warn()
	}
	event.
		Str("status", string(report.Status)).
		Int("fetched", report.TotalFetched).
		Int("synced", report.ActivitiesSynced).
		Int("skipped", report.Skipped).
		Int("pages", report.Pages).
		Msg("sync finished")
	return report, nil
}

// GetRuns returns the stored runs immediately. When nothing is stored or the
// data is stale it starts a background sync without waiting for it, unless the
// account needs a reconnect or the last attempt failed within FailureBackoff.
func (o *Orchestrator) GetRuns(ctx context.Context, accountID string) ([]domain.NormalizedRun, error) {
	runs, err := o.store.QueryAll(ctx, accountID)
	if err != nil {
		return nil, err
	}

	now := o.now()
	o.mu.Lock()
	state := o.stateLocked(accountID)
	wanted := !o.closed && !state.InProgress && !state.ReconnectRequired &&
		!state.BackingOff(now, o.cfg.FailureBackoff) &&
		(len(runs) == 0 || state.Stale(now, o.cfg.StalenessInterval))
	if wanted {
		o.bg.Add(1)
	}
	o.mu.Unlock()

	if wanted {
		o.syncInBackground(accountID)
	}
	return runs, nil
}

// syncInBackground expects the caller to have added to o.bg.
func (o *Orchestrator) syncInBackground(accountID string) {
	go func() {
		defer o.bg.Done()
		if _, err := o.Sync(o.bgCtx, accountID, false); err != nil {
			o.logger.Warn().Err(err).Str("account_id", accountID).Msg("background sync failed")
		}
	}()
}

// Reconnected clears the reconnect requirement after the account obtained a
// new credential, so the next read or scheduled pass syncs again.
func (o *Orchestrator) Reconnected(accountID string) {
	o.mu.Lock()
	defer o.mu.Unlock()

	state := o.stateLocked(accountID)
	state.ReconnectRequired = false
	state.LastError = ""
}

// State returns a copy of the account's sync state.
func (o *Orchestrator) State(accountID string) domain.SyncState {
	o.mu.Lock()
	defer o.mu.Unlock()

	state := *o.stateLocked(accountID)
	if state.LastReport != nil {
		report := *state.LastReport
		state.LastReport = &report
	}
	return state
}

// Close cancels background syncs and waits for them to return.
func (o *Orchestrator) Close() {
	o.mu.Lock()
	o.closed = true
	o.mu.Unlock()

	o.bgCancel()
	o.bg.Wait()
}

func (o *Orchestrator) stateLocked(accountID string) *domain.SyncState {
	state, ok := o.states[accountID]
	if !ok {
		state = domain.NewSyncState(accountID)
		o.states[accountID] = state
	}
	return state
}
