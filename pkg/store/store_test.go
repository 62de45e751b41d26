package store

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/rmax-ai/usagebar/pkg/cache"
	"github.com/rmax-ai/usagebar/pkg/provider"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := New(filepath.Join(t.TempDir(), "history.db"))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func entryAt(id provider.ID, fetchedAt time.Time, util5h float64) *cache.Entry {
	reset := fetchedAt.Add(2 * time.Hour)
	return &cache.Entry{
		Provider:  id,
		FetchedAt: fetchedAt,
		Status:    provider.StatusOK,
		FiveHour:  provider.NewWindowUsage(util5h, &reset),
		SevenDay:  provider.NewWindowUsage(12, nil),
	}
}

func TestRecordAndRecent(t *testing.T) {
	s := newTestStore(t)
	base := time.Date(2026, 8, 26, 12, 0, 0, 0, time.UTC)

	if err := s.Record(entryAt(provider.Claude, base, 10)); err != nil {
		t.Fatalf("Record: %v", err)
	}
	if err := s.Record(entryAt(provider.Claude, base.Add(time.Minute), 20)); err != nil {
		t.Fatalf("Record: %v", err)
	}
	if err := s.Record(entryAt(provider.Codex, base.Add(2*time.Minute), 30)); err != nil {
		t.Fatalf("Record: %v", err)
	}

	got, err := s.Recent(provider.Claude, 10)
	if err != nil {
		t.Fatalf("Recent: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("Recent(claude) = %d rows, want 2", len(got))
	}
	// Newest first.
	if got[0].FiveHourPct != 20 || got[1].FiveHourPct != 10 {
		t.Errorf("order = %.0f, %.0f; want 20, 10", got[0].FiveHourPct, got[1].FiveHourPct)
	}
	if !got[0].FetchedAt.Equal(base.Add(time.Minute)) {
		t.Errorf("FetchedAt = %v, want %v", got[0].FetchedAt, base.Add(time.Minute))
	}
	if got[0].FiveHourRst == nil {
		t.Error("FiveHourRst = nil, want stored reset time")
	}
	if got[0].SevenDayRst != nil {
		t.Errorf("SevenDayRst = %v, want nil", got[0].SevenDayRst)
	}
}

func TestRecentAllProviders(t *testing.T) {
	s := newTestStore(t)
	base := time.Now().UTC()

	s.Record(entryAt(provider.Claude, base, 10))
	s.Record(entryAt(provider.Codex, base.Add(time.Second), 20))

	got, err := s.Recent("", 10)
	if err != nil {
		t.Fatalf("Recent: %v", err)
	}
	if len(got) != 2 {
		t.Errorf("Recent(all) = %d rows, want 2", len(got))
	}
}

func TestRecentLimit(t *testing.T) {
	s := newTestStore(t)
	base := time.Now().UTC()
	for i := 0; i < 5; i++ {
		s.Record(entryAt(provider.Claude, base.Add(time.Duration(i)*time.Minute), float64(i)))
	}

	got, err := s.Recent(provider.Claude, 3)
	if err != nil {
		t.Fatalf("Recent: %v", err)
	}
	if len(got) != 3 {
		t.Errorf("Recent limit 3 = %d rows", len(got))
	}
}

func TestRecordErrorEntry(t *testing.T) {
	s := newTestStore(t)
	entry := &cache.Entry{
		Provider:  provider.Codex,
		FetchedAt: time.Now().UTC(),
		Status:    provider.StatusAuthError,
		Message:   "HTTP 401 from usage endpoint",
	}
	if err := s.Record(entry); err != nil {
		t.Fatalf("Record: %v", err)
	}

	got, err := s.Recent(provider.Codex, 1)
	if err != nil {
		t.Fatalf("Recent: %v", err)
	}
	if len(got) != 1 || got[0].Status != provider.StatusAuthError {
		t.Errorf("got %+v, want one auth_error row", got)
	}
}

func TestPrune(t *testing.T) {
	s := newTestStore(t)
	base := time.Date(2026, 8, 26, 12, 0, 0, 0, time.UTC)

	s.Record(entryAt(provider.Claude, base.Add(-48*time.Hour), 10))
	s.Record(entryAt(provider.Claude, base.Add(-20*time.Hour), 20))
	s.Record(entryAt(provider.Claude, base, 30))

	removed, err := s.Prune(base.Add(-24 * time.Hour))
	if err != nil {
		t.Fatalf("Prune: %v", err)
	}
	if removed != 1 {
		t.Errorf("Prune removed %d rows, want 1", removed)
	}

	got, err := s.Recent(provider.Claude, 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 2 {
		t.Errorf("rows after prune = %d, want 2", len(got))
	}
}
