package fetch

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/rmax-ai/usagebar/pkg/cache"
	"github.com/rmax-ai/usagebar/pkg/provider"
)

func newTestFetcher(t *testing.T, opts ...Option) (*Fetcher, *cache.Cache, *cache.Lock) {
	t.Helper()
	dir := t.TempDir()
	c, err := cache.New(dir)
	if err != nil {
		t.Fatalf("cache.New: %v", err)
	}
	l := cache.NewLock(dir)
	return New(c, l, opts...), c, l
}

func TestFreshCacheHitSkipsNetwork(t *testing.T) {
	f, c, _ := newTestFetcher(t)
	mock := provider.NewMockProvider(provider.Claude)

	entry := &cache.Entry{
		Provider:  provider.Claude,
		FetchedAt: time.Now().UTC(),
		Status:    provider.StatusOK,
		FiveHour:  provider.NewWindowUsage(10, nil),
	}
	if err := c.Write(provider.Claude, entry); err != nil {
		t.Fatal(err)
	}

	got := f.Fetch(context.Background(), mock)
	if got.FiveHour.Utilization != 10 {
		t.Errorf("Utilization = %v, want cached 10", got.FiveHour.Utilization)
	}
	if loads, _, fetches := mock.Calls(); loads != 0 || fetches != 0 {
		t.Errorf("fresh hit made %d loads, %d fetches; want 0, 0", loads, fetches)
	}
}

func TestStaleCacheTriggersFetch(t *testing.T) {
	f, c, _ := newTestFetcher(t)
	mock := provider.NewMockProvider(provider.Codex)

	stale := &cache.Entry{
		Provider:  provider.Codex,
		FetchedAt: time.Now().UTC().Add(-5 * time.Minute),
		Status:    provider.StatusOK,
	}
	if err := c.Write(provider.Codex, stale); err != nil {
		t.Fatal(err)
	}

	got := f.Fetch(context.Background(), mock)
	if got.Status != provider.StatusOK {
		t.Fatalf("Status = %s, want ok", got.Status)
	}
	if got.FiveHour.Utilization != 42 {
		t.Errorf("Utilization = %v, want freshly fetched 42", got.FiveHour.Utilization)
	}
	if _, _, fetches := mock.Calls(); fetches != 1 {
		t.Errorf("fetch calls = %d, want 1", fetches)
	}

	// The result was written back.
	cached, ok := c.Read(provider.Codex)
	if !ok || cached.FiveHour.Utilization != 42 {
		t.Error("expected fetched entry in cache")
	}
}

func TestErrorEntryCached(t *testing.T) {
	f, c, _ := newTestFetcher(t, WithClock(time.Now, func(time.Duration) {}))
	mock := provider.NewMockProvider(provider.Claude)
	mock.LoadFunc = func() (provider.Credential, error) {
		return nil, provider.ErrNoCredentials
	}

	got := f.Fetch(context.Background(), mock)
	if got.Status != provider.StatusNoCredentials {
		t.Fatalf("Status = %s, want no_credentials", got.Status)
	}

	cached, ok := c.Read(provider.Claude)
	if !ok {
		t.Fatal("error entry not cached")
	}
	if cached.Status != provider.StatusNoCredentials {
		t.Errorf("cached Status = %s, want no_credentials", cached.Status)
	}
}

func TestLockHeldServesStaleEntry(t *testing.T) {
	f, c, l := newTestFetcher(t)
	mock := provider.NewMockProvider(provider.Claude)

	stale := &cache.Entry{
		Provider:  provider.Claude,
		FetchedAt: time.Now().UTC().Add(-10 * time.Minute),
		Status:    provider.StatusOK,
		FiveHour:  provider.NewWindowUsage(55, nil),
	}
	if err := c.Write(provider.Claude, stale); err != nil {
		t.Fatal(err)
	}
	if !l.TryAcquire(provider.Claude) {
		t.Fatal("could not pre-acquire lock")
	}

	got := f.Fetch(context.Background(), mock)
	if got.FiveHour.Utilization != 55 {
		t.Errorf("Utilization = %v, want stale 55", got.FiveHour.Utilization)
	}
	if _, _, fetches := mock.Calls(); fetches != 0 {
		t.Errorf("lock loser made %d fetch calls, want 0", fetches)
	}
}

func TestLockHeldNoCacheWaitsForWinner(t *testing.T) {
	var mu sync.Mutex
	now := time.Now()
	clock := func() time.Time {
		mu.Lock()
		defer mu.Unlock()
		return now
	}

	f, c, l := newTestFetcher(t)
	mock := provider.NewMockProvider(provider.Codex)

	if !l.TryAcquire(provider.Codex) {
		t.Fatal("could not pre-acquire lock")
	}

	// Simulated winner: after two sleep steps an entry appears.
	steps := 0
	sleep := func(time.Duration) {
		mu.Lock()
		now = now.Add(200 * time.Millisecond)
		mu.Unlock()
		steps++
		if steps == 2 {
			entry := &cache.Entry{
				Provider:  provider.Codex,
				FetchedAt: clock().UTC(),
				Status:    provider.StatusOK,
				FiveHour:  provider.NewWindowUsage(33, nil),
			}
			if err := c.Write(provider.Codex, entry); err != nil {
				t.Error(err)
			}
		}
	}
	WithClock(clock, sleep)(f)

	got := f.Fetch(context.Background(), mock)
	if got.FiveHour.Utilization != 33 {
		t.Errorf("Utilization = %v, want winner's 33", got.FiveHour.Utilization)
	}
	if _, _, fetches := mock.Calls(); fetches != 0 {
		t.Errorf("lock loser made %d fetch calls, want 0", fetches)
	}
}

func TestLockHeldNoCacheGivesUp(t *testing.T) {
	now := time.Now()
	clock := func() time.Time { return now }
	sleep := func(time.Duration) { now = now.Add(time.Second) }

	f, _, l := newTestFetcher(t)
	WithClock(clock, sleep)(f)
	mock := provider.NewMockProvider(provider.Codex)

	if !l.TryAcquire(provider.Codex) {
		t.Fatal("could not pre-acquire lock")
	}

	got := f.Fetch(context.Background(), mock)
	if got.Status == provider.StatusOK {
		t.Error("expected terminal error entry when winner never writes")
	}
}

func TestProactiveRefresh(t *testing.T) {
	f, _, _ := newTestFetcher(t, WithClock(time.Now, func(time.Duration) {}))
	mock := provider.NewMockProvider(provider.Codex)
	mock.NeedsRefreshFunc = func(provider.Credential, time.Time) bool { return true }
	mock.RefreshFunc = func(ctx context.Context, cred provider.Credential) (provider.Credential, error) {
		return provider.MockCredential{Token: "refreshed"}, nil
	}
	var seenToken string
	mock.FetchFunc = func(ctx context.Context, cred provider.Credential) (*provider.Snapshot, error) {
		seenToken = cred.AccessToken()
		snap := mock.Snapshot
		return &snap, nil
	}

	got := f.Fetch(context.Background(), mock)
	if got.Status != provider.StatusOK {
		t.Fatalf("Status = %s, want ok", got.Status)
	}
	if _, refreshes, _ := mock.Calls(); refreshes != 1 {
		t.Errorf("refresh calls = %d, want 1", refreshes)
	}
	if seenToken != "refreshed" {
		t.Errorf("fetch used token %q, want refreshed credential", seenToken)
	}
}

func TestProactiveRefreshFailureIsTerminal(t *testing.T) {
	f, _, _ := newTestFetcher(t, WithClock(time.Now, func(time.Duration) {}))
	mock := provider.NewMockProvider(provider.Codex)
	mock.NeedsRefreshFunc = func(provider.Credential, time.Time) bool { return true }
	mock.RefreshFunc = func(ctx context.Context, cred provider.Credential) (provider.Credential, error) {
		return nil, provider.ErrRefreshFailed
	}

	got := f.Fetch(context.Background(), mock)
	if got.Status != provider.StatusRefreshFailed {
		t.Errorf("Status = %s, want refresh_failed", got.Status)
	}
	if _, _, fetches := mock.Calls(); fetches != 0 {
		t.Errorf("fetch calls after failed refresh = %d, want 0", fetches)
	}
}

func TestUnauthorizedRefreshRetryOnce(t *testing.T) {
	f, _, _ := newTestFetcher(t, WithClock(time.Now, func(time.Duration) {}))
	mock := provider.NewMockProvider(provider.Codex)
	mock.RefreshFunc = func(ctx context.Context, cred provider.Credential) (provider.Credential, error) {
		return provider.MockCredential{Token: "refreshed"}, nil
	}
	mock.FetchFunc = func(ctx context.Context, cred provider.Credential) (*provider.Snapshot, error) {
		if cred.AccessToken() != "refreshed" {
			return nil, &provider.HTTPError{StatusCode: 401, URL: "https://example.test/usage"}
		}
		snap := mock.Snapshot
		return &snap, nil
	}

	got := f.Fetch(context.Background(), mock)
	if got.Status != provider.StatusOK {
		t.Fatalf("Status = %s, want ok after refresh retry", got.Status)
	}
	if _, refreshes, fetches := mock.Calls(); refreshes != 1 || fetches != 2 {
		t.Errorf("calls = %d refreshes, %d fetches; want 1, 2", refreshes, fetches)
	}
}

func TestUnauthorizedTwiceIsAuthError(t *testing.T) {
	f, _, _ := newTestFetcher(t, WithClock(time.Now, func(time.Duration) {}))
	mock := provider.NewMockProvider(provider.Codex)
	mock.RefreshFunc = func(ctx context.Context, cred provider.Credential) (provider.Credential, error) {
		return provider.MockCredential{Token: "refreshed"}, nil
	}
	mock.FetchFunc = func(ctx context.Context, cred provider.Credential) (*provider.Snapshot, error) {
		return nil, &provider.HTTPError{StatusCode: 401, URL: "https://example.test/usage"}
	}

	got := f.Fetch(context.Background(), mock)
	if got.Status != provider.StatusAuthError {
		t.Errorf("Status = %s, want auth_error", got.Status)
	}
	if _, refreshes, fetches := mock.Calls(); refreshes != 1 || fetches != 2 {
		t.Errorf("calls = %d refreshes, %d fetches; want 1, 2", refreshes, fetches)
	}
}

func TestUnauthorizedWithoutRefreshPath(t *testing.T) {
	f, _, _ := newTestFetcher(t, WithClock(time.Now, func(time.Duration) {}))
	mock := provider.NewMockProvider(provider.Claude)
	// Default RefreshFunc returns ErrRefreshUnsupported.
	mock.FetchFunc = func(ctx context.Context, cred provider.Credential) (*provider.Snapshot, error) {
		return nil, &provider.HTTPError{StatusCode: 401, URL: "https://example.test/usage"}
	}

	got := f.Fetch(context.Background(), mock)
	if got.Status != provider.StatusAuthError {
		t.Errorf("Status = %s, want auth_error", got.Status)
	}
	if _, _, fetches := mock.Calls(); fetches != 1 {
		t.Errorf("fetch calls = %d, want 1 (no retry without refresh path)", fetches)
	}
}

func TestNetworkErrorRetriesOnce(t *testing.T) {
	var slept []time.Duration
	f, _, _ := newTestFetcher(t, WithClock(time.Now, func(d time.Duration) {
		slept = append(slept, d)
	}))
	mock := provider.NewMockProvider(provider.Claude)
	calls := 0
	mock.FetchFunc = func(ctx context.Context, cred provider.Credential) (*provider.Snapshot, error) {
		calls++
		if calls == 1 {
			return nil, errors.New("connection refused")
		}
		snap := mock.Snapshot
		return &snap, nil
	}

	got := f.Fetch(context.Background(), mock)
	if got.Status != provider.StatusOK {
		t.Fatalf("Status = %s, want ok after retry", got.Status)
	}
	if calls != 2 {
		t.Errorf("fetch calls = %d, want 2", calls)
	}
	if len(slept) != 1 {
		t.Errorf("backoff sleeps = %d, want 1", len(slept))
	}
}

func TestNetworkErrorTwiceIsTerminal(t *testing.T) {
	f, _, _ := newTestFetcher(t, WithClock(time.Now, func(time.Duration) {}))
	mock := provider.NewMockProvider(provider.Claude)
	mock.FetchFunc = func(ctx context.Context, cred provider.Credential) (*provider.Snapshot, error) {
		return nil, errors.New("connection refused")
	}

	got := f.Fetch(context.Background(), mock)
	if got.Status != provider.StatusNetworkError {
		t.Errorf("Status = %s, want network_error", got.Status)
	}
	if _, _, fetches := mock.Calls(); fetches != 2 {
		t.Errorf("fetch calls = %d, want 2", fetches)
	}
}

func TestServerErrorRetriesOnce(t *testing.T) {
	f, _, _ := newTestFetcher(t, WithClock(time.Now, func(time.Duration) {}))
	mock := provider.NewMockProvider(provider.Codex)
	mock.FetchFunc = func(ctx context.Context, cred provider.Credential) (*provider.Snapshot, error) {
		return nil, &provider.HTTPError{StatusCode: 503, URL: "https://example.test/usage"}
	}

	got := f.Fetch(context.Background(), mock)
	if got.Status != provider.StatusNetworkError {
		t.Errorf("Status = %s, want network_error", got.Status)
	}
	if _, _, fetches := mock.Calls(); fetches != 2 {
		t.Errorf("fetch calls = %d, want 2", fetches)
	}
}

func TestLockReleasedAfterFetch(t *testing.T) {
	f, _, l := newTestFetcher(t)
	mock := provider.NewMockProvider(provider.Claude)

	f.Fetch(context.Background(), mock)
	if l.Held(provider.Claude) {
		t.Error("lock marker still present after fetch")
	}
}

type recorderFunc func(*cache.Entry) error

func (fn recorderFunc) Record(e *cache.Entry) error { return fn(e) }

func TestHistoryRecordsFetches(t *testing.T) {
	var recorded []*cache.Entry
	rec := recorderFunc(func(e *cache.Entry) error {
		recorded = append(recorded, e)
		return nil
	})
	f, c, _ := newTestFetcher(t, WithHistory(rec))
	mock := provider.NewMockProvider(provider.Codex)

	f.Fetch(context.Background(), mock)
	if len(recorded) != 1 {
		t.Fatalf("recorded %d entries, want 1", len(recorded))
	}

	// A fresh cache hit must not be recorded.
	if _, ok := c.Read(provider.Codex); !ok {
		t.Fatal("expected cached entry")
	}
	f.Fetch(context.Background(), mock)
	if len(recorded) != 1 {
		t.Errorf("cache hit was recorded: %d entries", len(recorded))
	}
}
