// Package fetch orchestrates one usage poll per provider: cache lookup,
// cross-process lock, credential load, conditional token refresh, the HTTP
// call with a single retry, and the cache write-back. The state machine is
// generic over the provider capability set so the two integrations share it.
package fetch

import (
	"context"
	"errors"
	"log"
	"net/http"
	"time"

	"github.com/rmax-ai/usagebar/pkg/cache"
	"github.com/rmax-ai/usagebar/pkg/provider"
)

// defaultWinnerWait bounds how long a lock loser with an empty cache polls
// for the winner's entry before giving up.
const defaultWinnerWait = 3 * time.Second

// Recorder receives every entry produced by an actual network fetch.
// Cache hits are not recorded. Implemented by the history store.
type Recorder interface {
	Record(entry *cache.Entry) error
}

// Fetcher runs the per-provider fetch state machine.
type Fetcher struct {
	cache      *cache.Cache
	lock       *cache.Lock
	history    Recorder
	backoff    BackoffStrategy
	winnerWait time.Duration
	now        func() time.Time
	sleep      func(time.Duration)
}

// Option tweaks a Fetcher.
type Option func(*Fetcher)

// WithHistory attaches a recorder for fetched entries.
func WithHistory(r Recorder) Option {
	return func(f *Fetcher) { f.history = r }
}

// WithBackoff overrides the retry pause strategy.
func WithBackoff(b BackoffStrategy) Option {
	return func(f *Fetcher) { f.backoff = b }
}

// WithWinnerWait overrides the bounded wait for another process's result.
func WithWinnerWait(d time.Duration) Option {
	return func(f *Fetcher) { f.winnerWait = d }
}

// WithClock overrides the wall clock and sleep, for deterministic tests.
func WithClock(now func() time.Time, sleep func(time.Duration)) Option {
	return func(f *Fetcher) {
		f.now = now
		f.sleep = sleep
	}
}

// New creates a Fetcher over a cache and its lock directory.
func New(c *cache.Cache, l *cache.Lock, opts ...Option) *Fetcher {
	f := &Fetcher{
		cache:      c,
		lock:       l,
		backoff:    DefaultBackoff(),
		winnerWait: defaultWinnerWait,
		now:        time.Now,
		sleep:      time.Sleep,
	}
	for _, opt := range opts {
		opt(f)
	}
	return f
}

// Fetch returns the current usage entry for a provider, from cache when
// fresh, otherwise from the upstream API. It never returns nil and never
// propagates a raw error: every failure becomes a terminal status entry,
// which is also cached so concurrent waiters get a fast answer.
func (f *Fetcher) Fetch(ctx context.Context, prov provider.Provider) *cache.Entry {
	id := prov.ID()

	if entry, ok := f.cache.Read(id); ok && f.cache.Fresh(entry) {
		return entry
	}

	if !f.lock.TryAcquire(id) {
		// Another process is fetching. Serve the most recent entry even
		// if stale rather than blocking the status bar on freshness.
		if entry, ok := f.cache.Read(id); ok {
			return entry
		}
		// Nothing cached yet (first ever run). Poll briefly for the
		// winner's write, then give up with a terminal entry.
		deadline := f.now().Add(f.winnerWait)
		for f.now().Before(deadline) {
			f.sleep(200 * time.Millisecond)
			if entry, ok := f.cache.Read(id); ok {
				return entry
			}
		}
		return f.errorEntry(id, provider.StatusNoCredentials,
			"no cached usage and another process holds the fetch lock")
	}
	defer func() {
		if err := f.lock.Release(id); err != nil {
			log.Printf("release %s lock marker: %v", id, err)
		}
	}()

	entry := f.fetchLocked(ctx, prov)

	if err := f.cache.Write(id, entry); err != nil {
		log.Printf("write %s cache entry: %v", id, err)
	}
	if f.history != nil {
		if err := f.history.Record(entry); err != nil {
			log.Printf("record %s history: %v", id, err)
		}
	}
	return entry
}

// fetchLocked runs the credential/refresh/call pipeline while holding the
// lock marker.
func (f *Fetcher) fetchLocked(ctx context.Context, prov provider.Provider) *cache.Entry {
	id := prov.ID()

	cred, err := prov.LoadCredential()
	if err != nil {
		return f.errorEntry(id, provider.StatusFor(err), err.Error())
	}

	if prov.NeedsRefresh(cred, f.now()) {
		refreshed, err := prov.Refresh(ctx, cred)
		if err != nil {
			return f.errorEntry(id, provider.StatusFor(err), err.Error())
		}
		cred = refreshed
	}

	// At most one reactive refresh on 401 and one retry on network
	// faults: worst case three calls, bounded wall time.
	refreshedOn401 := false
	retriedNetwork := false
	for {
		snap, err := prov.FetchUsage(ctx, cred)
		if err == nil {
			return f.okEntry(snap)
		}

		var httpErr *provider.HTTPError
		if errors.As(err, &httpErr) {
			switch {
			case httpErr.StatusCode == http.StatusUnauthorized && !refreshedOn401:
				refreshedOn401 = true
				refreshed, rerr := prov.Refresh(ctx, cred)
				if errors.Is(rerr, provider.ErrRefreshUnsupported) {
					return f.errorEntry(id, provider.StatusAuthError, err.Error())
				}
				if rerr != nil {
					return f.errorEntry(id, provider.StatusFor(rerr), rerr.Error())
				}
				cred = refreshed
				continue
			case httpErr.StatusCode == http.StatusUnauthorized,
				httpErr.StatusCode == http.StatusForbidden:
				return f.errorEntry(id, provider.StatusAuthError, err.Error())
			}
			// 5xx and other unexpected statuses fall through to the
			// network retry below.
		}

		if retriedNetwork {
			return f.errorEntry(id, provider.StatusNetworkError, err.Error())
		}
		retriedNetwork = true
		f.sleep(f.backoff.Next(0))
	}
}

func (f *Fetcher) okEntry(snap *provider.Snapshot) *cache.Entry {
	return &cache.Entry{
		Provider:  snap.Provider,
		FetchedAt: f.now().UTC(),
		Status:    provider.StatusOK,
		PlanType:  snap.PlanType,
		FiveHour:  snap.FiveHour,
		SevenDay:  snap.SevenDay,
	}
}

func (f *Fetcher) errorEntry(id provider.ID, status provider.Status, msg string) *cache.Entry {
	return &cache.Entry{
		Provider:  id,
		FetchedAt: f.now().UTC(),
		Status:    status,
		Message:   msg,
	}
}
