package syncer

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"example.com/runsync/internal/domain"
	"example.com/runsync/internal/normalize"
	"example.com/runsync/internal/persistence/memory"
	"example.com/runsync/internal/strava"
)

type stubFetcher struct {
	calls   atomic.Int32
	result  strava.FetchResult
	err     error
	release chan struct{}
	entered chan struct{}
}

func (f *stubFetcher) FetchAllRaw(ctx context.Context, accountID, kind string) (strava.FetchResult, error) {
	f.calls.Add(1)
	if f.entered != nil {
		f.entered <- struct{}{}
	}
	if f.release != nil {
		select {
		case <-f.release:
		case <-ctx.Done():
			return strava.FetchResult{}, ctx.Err()
		}
	}
	if f.err != nil {
		return strava.FetchResult{}, f.err
	}
	return f.result, nil
}

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func ptr[T any](v T) *T { return &v }

func rawActivity(id int64, kind string) domain.RawActivity {
	return domain.RawActivity{
		ID:                 id,
		Name:               "Morning Run en Valencia",
		Distance:           ptr(5200.0),
		MovingTime:         ptr(1680.0),
		TotalElevationGain: ptr(41.6),
		StartDateLocal:     "2025-04-30T06:30:00Z",
		Type:               kind,
	}
}

type fixture struct {
	orch    *Orchestrator
	fetcher *stubFetcher
	store   *memory.Store
	clock   *fakeClock
}

func newFixture(t *testing.T, fetcher *stubFetcher) fixture {
	t.Helper()
	store := memory.NewStore()
	clock := &fakeClock{now: time.Date(2025, time.May, 1, 8, 0, 0, 0, time.UTC)}
	orch := New(fetcher, normalize.New(normalize.Options{TimezoneBias: 6 * time.Hour}), store, Config{
		ActivityKind:      "Run",
		StalenessInterval: time.Hour,
		SyncTimeout:       5 * time.Second,
	}, WithClock(clock.Now))
	t.Cleanup(orch.Close)
	return fixture{orch: orch, fetcher: fetcher, store: store, clock: clock}
}

func TestSyncStoresOnlyConfiguredKind(t *testing.T) {
	f := newFixture(t, &stubFetcher{result: strava.FetchResult{
		Activities: []domain.RawActivity{rawActivity(1, "Run"), rawActivity(2, "Ride"), rawActivity(3, "Run")},
		Pages:      2,
	}})

	report, err := f.orch.Sync(context.Background(), "acct", false)
	require.NoError(t, err)
	require.Equal(t, domain.SyncStatusCompleted, report.Status)
	require.Equal(t, 3, report.TotalFetched)
	require.Equal(t, 2, report.ActivitiesSynced)
	require.Equal(t, 2, report.Pages)
	require.NotEmpty(t, report.RunID)

	runs, err := f.store.QueryAll(context.Background(), "acct")
	require.NoError(t, err)
	require.Len(t, runs, 2)
	for _, run := range runs {
		require.Equal(t, "Run", run.Kind)
		require.NotEqual(t, int64(2), run.ID)
	}
}

func TestForcedSyncIsIdempotent(t *testing.T) {
	f := newFixture(t, &stubFetcher{result: strava.FetchResult{
		Activities: []domain.RawActivity{rawActivity(1, "Run"), rawActivity(2, "Run")},
		Pages:      1,
	}})
	ctx := context.Background()

	_, err := f.orch.Sync(ctx, "acct", true)
	require.NoError(t, err)
	first, err := f.store.QueryAll(ctx, "acct")
	require.NoError(t, err)

	f.clock.Advance(time.Minute)
	_, err = f.orch.Sync(ctx, "acct", true)
	require.NoError(t, err)
	second, err := f.store.QueryAll(ctx, "acct")
	require.NoError(t, err)

	require.Equal(t, first, second)
	require.EqualValues(t, 2, f.fetcher.calls.Load())
}

func TestSyncWithinStalenessIntervalIsNoOp(t *testing.T) {
	f := newFixture(t, &stubFetcher{result: strava.FetchResult{
		Activities: []domain.RawActivity{rawActivity(1, "Run")},
		Pages:      1,
	}})
	ctx := context.Background()

	first, err := f.orch.Sync(ctx, "acct", false)
	require.NoError(t, err)

	f.clock.Advance(30 * time.Minute)
	second, err := f.orch.Sync(ctx, "acct", false)
	require.NoError(t, err)
	require.Equal(t, domain.SyncStatusFresh, second.Status)
	require.Equal(t, first.RunID, second.RunID, "fresh returns the last report")
	require.EqualValues(t, 1, f.fetcher.calls.Load())

	f.clock.Advance(time.Hour)
	third, err := f.orch.Sync(ctx, "acct", false)
	require.NoError(t, err)
	require.Equal(t, domain.SyncStatusCompleted, third.Status)
	require.EqualValues(t, 2, f.fetcher.calls.Load())
}

func TestFailedFetchPreservesStoredRuns(t *testing.T) {
	fetcher := &stubFetcher{result: strava.FetchResult{
		Activities: []domain.RawActivity{rawActivity(1, "Run"), rawActivity(2, "Run")},
		Pages:      1,
	}}
	f := newFixture(t, fetcher)
	ctx := context.Background()

	_, err := f.orch.Sync(ctx, "acct", true)
	require.NoError(t, err)
	before, err := f.store.QueryAll(ctx, "acct")
	require.NoError(t, err)
	lastSync := f.orch.State("acct").LastSyncAt

	fetcher.err = &domain.AuthError{AccountID: "acct", Status: 400}
	f.clock.Advance(time.Minute)
	_, err = f.orch.Sync(ctx, "acct", true)

	var syncErr *domain.SyncError
	require.True(t, errors.As(err, &syncErr))
	require.Equal(t, "fetch", syncErr.Stage)
	var authErr *domain.AuthError
	require.True(t, errors.As(err, &authErr))

	after, err := f.store.QueryAll(ctx, "acct")
	require.NoError(t, err)
	require.Equal(t, before, after)

	state := f.orch.State("acct")
	require.False(t, state.InProgress)
	require.Equal(t, lastSync, state.LastSyncAt, "failure does not advance last sync")
	require.NotEmpty(t, state.LastError)
}

func TestFailedStorePreservesStoredRuns(t *testing.T) {
	fetcher := &stubFetcher{result: strava.FetchResult{
		Activities: []domain.RawActivity{rawActivity(1, "Run")},
		Pages:      1,
	}}
	f := newFixture(t, fetcher)
	ctx := context.Background()

	_, err := f.orch.Sync(ctx, "acct", true)
	require.NoError(t, err)
	before, err := f.store.QueryAll(ctx, "acct")
	require.NoError(t, err)

	fetcher.result.Activities = []domain.RawActivity{rawActivity(1, "Run"), rawActivity(9, "Run")}
	f.store.FailUpserts(errors.New("connection reset"))
	_, err = f.orch.Sync(ctx, "acct", true)

	var syncErr *domain.SyncError
	require.True(t, errors.As(err, &syncErr))
	require.Equal(t, "store", syncErr.Stage)

	after, err := f.store.QueryAll(ctx, "acct")
	require.NoError(t, err)
	require.Equal(t, before, after)
}

func TestSyncSkipsInvalidActivities(t *testing.T) {
	broken := rawActivity(2, "Run")
	broken.Distance = nil
	f := newFixture(t, &stubFetcher{result: strava.FetchResult{
		Activities: []domain.RawActivity{rawActivity(1, "Run"), broken},
		Pages:      1,
	}})

	report, err := f.orch.Sync(context.Background(), "acct", true)
	require.NoError(t, err)
	require.Equal(t, 1, report.Skipped)
	require.Equal(t, 1, report.ActivitiesSynced)
}

func TestPartialFetchIsReportedAndCountsAsSuccess(t *testing.T) {
	f := newFixture(t, &stubFetcher{result: strava.FetchResult{
		Activities: []domain.RawActivity{rawActivity(1, "Run")},
		Pages:      20,
		Partial:    true,
	}})

	report, err := f.orch.Sync(context.Background(), "acct", true)
	require.NoError(t, err)
	require.Equal(t, domain.SyncStatusPartial, report.Status)

	state := f.orch.State("acct")
	require.Equal(t, report.FinishedAt, state.LastSyncAt)
	require.Equal(t, domain.SyncStatusPartial, state.LastReport.Status)
}

func TestConcurrentSyncReportsAlreadySyncing(t *testing.T) {
	fetcher := &stubFetcher{
		result:  strava.FetchResult{Activities: []domain.RawActivity{rawActivity(1, "Run")}, Pages: 1},
		release: make(chan struct{}),
		entered: make(chan struct{}, 1),
	}
	f := newFixture(t, fetcher)
	ctx := context.Background()

	done := make(chan error, 1)
	go func() {
		_, err := f.orch.Sync(ctx, "acct", true)
		done <- err
	}()
	<-fetcher.entered

	require.True(t, f.orch.State("acct").InProgress)
	report, err := f.orch.Sync(ctx, "acct", true)
	require.NoError(t, err)
	require.Equal(t, domain.SyncStatusAlreadySyncing, report.Status)

	close(fetcher.release)
	require.NoError(t, <-done)
	require.EqualValues(t, 1, fetcher.calls.Load())
	require.False(t, f.orch.State("acct").InProgress)
}

func TestGetRunsReturnsImmediatelyAndSyncsInBackground(t *testing.T) {
	fetcher := &stubFetcher{
		result:  strava.FetchResult{Activities: []domain.RawActivity{rawActivity(1, "Run")}, Pages: 1},
		release: make(chan struct{}),
		entered: make(chan struct{}, 1),
	}
	f := newFixture(t, fetcher)
	ctx := context.Background()

	runs, err := f.orch.GetRuns(ctx, "acct")
	require.NoError(t, err)
	require.Empty(t, runs)

	select {
	case <-fetcher.entered:
	case <-time.After(2 * time.Second):
		t.Fatal("background sync was not started")
	}

	runs, err = f.orch.GetRuns(ctx, "acct")
	require.NoError(t, err)
	require.Empty(t, runs, "in-flight sync does not block readers")

	close(fetcher.release)
	require.Eventually(t, func() bool {
		runs, err := f.store.QueryAll(ctx, "acct")
		return err == nil && len(runs) == 1 && !f.orch.State("acct").InProgress
	}, 2*time.Second, 10*time.Millisecond)

	runs, err = f.orch.GetRuns(ctx, "acct")
	require.NoError(t, err)
	require.Len(t, runs, 1)
	require.EqualValues(t, 1, fetcher.calls.Load(), "fresh data does not trigger another sync")
}

func TestCloseCancelsBackgroundSync(t *testing.T) {
	fetcher := &stubFetcher{
		release: make(chan struct{}),
		entered: make(chan struct{}, 1),
	}
	f := newFixture(t, fetcher)

	_, err := f.orch.GetRuns(context.Background(), "acct")
	require.NoError(t, err)
	<-fetcher.entered

	f.orch.Close()
	state := f.orch.State("acct")
	require.False(t, state.InProgress)
	require.NotEmpty(t, state.LastError)

	_, err = f.orch.GetRuns(context.Background(), "acct")
	require.NoError(t, err)
	require.EqualValues(t, 1, fetcher.calls.Load(), "closed orchestrator starts no syncs")
}

func TestRejectedCredentialPausesAutomaticSyncs(t *testing.T) {
	var tokenCalls, pageCalls atomic.Int32
	mux := http.NewServeMux()
	mux.HandleFunc("/oauth/token", func(w http.ResponseWriter, r *http.Request) {
		tokenCalls.Add(1)
		http.Error(w, `{"message":"Bad Request","errors":[{"code":"invalid","field":"refresh_token"}]}`, http.StatusBadRequest)
	})
	mux.HandleFunc("/athlete/activities", func(w http.ResponseWriter, r *http.Request) {
		pageCalls.Add(1)
		_, _ = w.Write([]byte(`[]`))
	})
	server := httptest.NewServer(mux)
	t.Cleanup(server.Close)

	ctx := context.Background()
	store := memory.NewStore()
	require.NoError(t, store.PutCredential(ctx, domain.Credential{
		AccountID:    "acct",
		AccessToken:  "revoked-access",
		RefreshToken: "revoked-refresh",
		ExpiresAt:    time.Now().Add(-time.Hour),
	}))
	refresher := strava.NewRefresher(store, strava.NewOAuthClient(server.URL+"/oauth/token", "id", "secret", 2*time.Second))
	fetcher := strava.NewFetcher(strava.FetcherConfig{BaseURL: server.URL, PageSize: 50, PageCap: 3, Timeout: 2 * time.Second}, refresher)

	clock := &fakeClock{now: time.Date(2025, time.May, 1, 8, 0, 0, 0, time.UTC)}
	orch := New(fetcher, normalize.New(normalize.Options{}), store, Config{
		ActivityKind:      "Run",
		StalenessInterval: time.Hour,
		FailureBackoff:    time.Minute,
	}, WithClock(clock.Now))
	t.Cleanup(orch.Close)

	settled := func() bool {
		state := orch.State("acct")
		return !state.InProgress && state.LastError != ""
	}
	for read := 0; read < 5; read++ {
		_, err := orch.GetRuns(ctx, "acct")
		require.NoError(t, err)
		require.Eventually(t, settled, 2*time.Second, 5*time.Millisecond)
		clock.Advance(10 * time.Minute)
	}

	require.EqualValues(t, 1, tokenCalls.Load(), "a revoked credential is sent to the token endpoint once")
	require.Zero(t, pageCalls.Load())
	require.True(t, orch.State("acct").ReconnectRequired)

	report, err := orch.Sync(ctx, "acct", false)
	require.NoError(t, err)
	require.Equal(t, domain.SyncStatusReconnectRequired, report.Status)
	require.EqualValues(t, 1, tokenCalls.Load())

	_, err = orch.Sync(ctx, "acct", true)
	var authErr *domain.AuthError
	require.ErrorAs(t, err, &authErr)
	require.True(t, authErr.ReconnectRequired())
	require.EqualValues(t, 2, tokenCalls.Load(), "an explicit sync still reaches the remote")

	orch.Reconnected("acct")
	require.False(t, orch.State("acct").ReconnectRequired)
	_, err = orch.GetRuns(ctx, "acct")
	require.NoError(t, err)
	require.Eventually(t, func() bool { return tokenCalls.Load() == 3 && settled() }, 2*time.Second, 5*time.Millisecond)
}

func TestForcedSyncClearsReconnectRequired(t *testing.T) {
	fetcher := &stubFetcher{err: &domain.AuthError{AccountID: "acct", Status: http.StatusBadRequest}}
	f := newFixture(t, fetcher)
	ctx := context.Background()

	_, err := f.orch.Sync(ctx, "acct", false)
	require.Error(t, err)
	require.True(t, f.orch.State("acct").ReconnectRequired)

	report, err := f.orch.Sync(ctx, "acct", false)
	require.NoError(t, err)
	require.Equal(t, domain.SyncStatusReconnectRequired, report.Status)
	require.EqualValues(t, 1, fetcher.calls.Load())

	fetcher.err = nil
	fetcher.result = strava.FetchResult{Activities: []domain.RawActivity{rawActivity(1, "Run")}, Pages: 1}
	report, err = f.orch.Sync(ctx, "acct", true)
	require.NoError(t, err)
	require.Equal(t, domain.SyncStatusCompleted, report.Status)

	state := f.orch.State("acct")
	require.False(t, state.ReconnectRequired)
	require.Empty(t, state.LastError)
}

func TestTransientFailureKeepsRetryingAfterBackoff(t *testing.T) {
	fetcher := &stubFetcher{err: &domain.AuthError{AccountID: "acct", Temporary: true}}
	f := newFixture(t, fetcher)
	ctx := context.Background()

	settled := func() bool {
		state := f.orch.State("acct")
		return !state.InProgress && state.LastError != ""
	}

	_, err := f.orch.GetRuns(ctx, "acct")
	require.NoError(t, err)
	require.Eventually(t, settled, 2*time.Second, 5*time.Millisecond)
	require.False(t, f.orch.State("acct").ReconnectRequired, "temporary failures do not need a reconnect")

	_, err = f.orch.GetRuns(ctx, "acct")
	require.NoError(t, err)
	require.EqualValues(t, 1, fetcher.calls.Load(), "no new sync inside the failure backoff")

	f.clock.Advance(DefaultFailureBackoff)
	_, err = f.orch.GetRuns(ctx, "acct")
	require.NoError(t, err)
	require.Eventually(t, func() bool { return fetcher.calls.Load() == 2 && settled() }, 2*time.Second, 5*time.Millisecond)
}
