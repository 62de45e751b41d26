package cache

import (
	"errors"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	"github.com/rmax-ai/usagebar/pkg/provider"
)

// DefaultLockStale is how old a lock marker may get before it is treated as
// abandoned by a crashed holder and force-acquired.
const DefaultLockStale = 30 * time.Second

// Lock is a filesystem-based mutual-exclusion marker: one `.updating` file
// per provider, created with exclusive-create semantics. It coordinates
// independent OS processes sharing the cache directory, so that many
// concurrent cache misses collapse into one upstream fetch.
type Lock struct {
	dir   string
	stale time.Duration
	now   func() time.Time
}

// LockOption tweaks a Lock.
type LockOption func(*Lock)

// WithStaleAfter overrides the abandoned-marker threshold.
func WithStaleAfter(d time.Duration) LockOption {
	return func(l *Lock) { l.stale = d }
}

// WithLockClock overrides the wall clock used for staleness checks.
func WithLockClock(now func() time.Time) LockOption {
	return func(l *Lock) { l.now = now }
}

// NewLock creates a lock manager over the given cache directory.
func NewLock(dir string, opts ...LockOption) *Lock {
	l := &Lock{dir: dir, stale: DefaultLockStale, now: time.Now}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

func (l *Lock) markerPath(id provider.ID) string {
	return filepath.Join(l.dir, string(id)+".updating")
}

// TryAcquire atomically creates the marker if absent and returns true.
// Returns false when another live process holds it. A marker older than the
// staleness threshold is reclaimed: the previous holder crashed, and leaving
// it would deadlock every future reader.
func (l *Lock) TryAcquire(id provider.ID) bool {
	if l.create(id) {
		return true
	}
	info, err := os.Stat(l.markerPath(id))
	if err != nil {
		// Holder released between our create and stat; try once more.
		return l.create(id)
	}
	if l.now().Sub(info.ModTime()) < l.stale {
		return false
	}
	// Abandoned marker. Remove and retake; if several processes race here,
	// last writer wins the cache file anyway (atomic rename).
	os.Remove(l.markerPath(id))
	return l.create(id)
}

func (l *Lock) create(id provider.ID) bool {
	f, err := os.OpenFile(l.markerPath(id), os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644)
	if err != nil {
		return false
	}
	f.Close()
	return true
}

// Release deletes the marker. Idempotent: releasing an absent lock is fine.
func (l *Lock) Release(id provider.ID) error {
	err := os.Remove(l.markerPath(id))
	if err != nil && !errors.Is(err, fs.ErrNotExist) {
		return err
	}
	return nil
}

// Held reports whether a live (non-stale) marker exists.
func (l *Lock) Held(id provider.ID) bool {
	info, err := os.Stat(l.markerPath(id))
	if err != nil {
		return false
	}
	return l.now().Sub(info.ModTime()) < l.stale
}
