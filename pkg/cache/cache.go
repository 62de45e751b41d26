// Package cache is the per-provider on-disk usage cache shared by every
// concurrent usagebar process. Writes are atomic (temp file + rename) and a
// lock marker file coordinates single-flight fetching across processes.
package cache

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/rmax-ai/usagebar/pkg/provider"
)

// DefaultTTL is how long a cached entry is fresh enough to serve without a
// network call. Error entries use the same TTL so a failing upstream is not
// hammered every poll cycle.
const DefaultTTL = 60 * time.Second

// Entry is the cached outcome of one fetch: usage windows on success, a
// terminal status otherwise. Entries are overwritten, never deleted.
type Entry struct {
	Provider   provider.ID          `json:"provider"`
	FetchedAt  time.Time            `json:"fetched_at"`
	TTLSeconds int                  `json:"ttl_seconds"`
	Status     provider.Status      `json:"status"`
	Message    string               `json:"message,omitempty"`
	PlanType   string               `json:"plan_type,omitempty"`
	FiveHour   provider.WindowUsage `json:"five_hour"`
	SevenDay   provider.WindowUsage `json:"seven_day"`
}

// Cache reads and writes entries under a single directory.
type Cache struct {
	dir string
	ttl time.Duration
	now func() time.Time
}

// Option tweaks a Cache.
type Option func(*Cache)

// WithTTL overrides the freshness window.
func WithTTL(ttl time.Duration) Option {
	return func(c *Cache) { c.ttl = ttl }
}

// WithClock overrides the wall clock used for freshness checks.
func WithClock(now func() time.Time) Option {
	return func(c *Cache) { c.now = now }
}

// New creates a cache rooted at dir, creating it if needed.
func New(dir string, opts ...Option) (*Cache, error) {
	c := &Cache{dir: dir, ttl: DefaultTTL, now: time.Now}
	for _, opt := range opts {
		opt(c)
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create cache dir %s: %w", dir, err)
	}
	return c, nil
}

// Dir returns the cache directory.
func (c *Cache) Dir() string { return c.dir }

// TTL returns the configured freshness window.
func (c *Cache) TTL() time.Duration { return c.ttl }

func (c *Cache) entryPath(id provider.ID) string {
	return filepath.Join(c.dir, string(id)+".json")
}

// Read returns the cached entry for a provider. A missing, unreadable or
// corrupt file is reported as absent, never as an error: the caller just
// fetches fresh data.
func (c *Cache) Read(id provider.ID) (*Entry, bool) {
	data, err := os.ReadFile(c.entryPath(id))
	if err != nil {
		return nil, false
	}
	var entry Entry
	if err := json.Unmarshal(data, &entry); err != nil {
		return nil, false
	}
	if entry.FetchedAt.IsZero() {
		return nil, false
	}
	return &entry, true
}

// Fresh reports whether the entry is within its TTL.
func (c *Cache) Fresh(entry *Entry) bool {
	ttl := time.Duration(entry.TTLSeconds) * time.Second
	if ttl <= 0 {
		ttl = c.ttl
	}
	return c.now().Sub(entry.FetchedAt) < ttl
}

// Write persists the entry atomically: temp file in the same directory,
// fsync, rename. Concurrent readers observe either the previous or the new
// entry, never a torn write.
func (c *Cache) Write(id provider.ID, entry *Entry) error {
	if entry.TTLSeconds <= 0 {
		entry.TTLSeconds = int(c.ttl / time.Second)
	}
	data, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("marshal cache entry: %w", err)
	}

	tmp, err := os.CreateTemp(c.dir, string(id)+"-*.tmp")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return fmt.Errorf("write temp file: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return fmt.Errorf("sync temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("close temp file: %w", err)
	}
	if err := os.Rename(tmp.Name(), c.entryPath(id)); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("rename temp file: %w", err)
	}
	return nil
}
