// Package store persists a local history of usage observations in SQLite so
// `usagebar history` and the watch TUI can show how quota burned down over
// time. Only entries produced by an actual network fetch are recorded.
package store

import (
	"database/sql"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/rmax-ai/usagebar/pkg/cache"
	"github.com/rmax-ai/usagebar/pkg/provider"
)

// Observation is one recorded fetch outcome.
type Observation struct {
	ID          int64
	Provider    provider.ID
	FetchedAt   time.Time
	Status      provider.Status
	FiveHourPct float64
	SevenDayPct float64
	FiveHourRst *time.Time
	SevenDayRst *time.Time
}

// Store manages the SQLite connection and schema.
type Store struct {
	db *sql.DB
}

// New opens (or creates) the history database. WAL mode keeps concurrent
// usagebar processes from blocking each other on writes.
func New(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite3", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open sqlite db: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping sqlite db: %w", err)
	}
	if _, err := db.Exec("PRAGMA journal_mode=WAL;"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enable WAL mode: %w", err)
	}
	if _, err := db.Exec("PRAGMA busy_timeout=2000;"); err != nil {
		db.Close()
		return nil, fmt.Errorf("set busy timeout: %w", err)
	}

	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("schema migration failed: %w", err)
	}
	return s, nil
}

// Close closes the underlying database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) migrate() error {
	query := `
	CREATE TABLE IF NOT EXISTS observations (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		provider TEXT NOT NULL,
		fetched_at DATETIME NOT NULL,
		status TEXT NOT NULL,
		five_hour_pct REAL NOT NULL DEFAULT 0,
		seven_day_pct REAL NOT NULL DEFAULT 0,
		five_hour_reset DATETIME,
		seven_day_reset DATETIME
	);

	CREATE INDEX IF NOT EXISTS idx_observations_provider_ts
		ON observations(provider, fetched_at);
	`
	if _, err := s.db.Exec(query); err != nil {
		return fmt.Errorf("create observations table: %w", err)
	}
	return nil
}

// Record appends a fetch outcome. Implements fetch.Recorder.
func (s *Store) Record(entry *cache.Entry) error {
	_, err := s.db.Exec(`
		INSERT INTO observations
			(provider, fetched_at, status, five_hour_pct, seven_day_pct, five_hour_reset, seven_day_reset)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`,
		string(entry.Provider),
		entry.FetchedAt.UTC(),
		string(entry.Status),
		entry.FiveHour.Utilization,
		entry.SevenDay.Utilization,
		nullableTime(entry.FiveHour.ResetsAt),
		nullableTime(entry.SevenDay.ResetsAt),
	)
	if err != nil {
		return fmt.Errorf("insert observation: %w", err)
	}
	return nil
}

// Recent returns the newest observations for a provider, newest first.
// An empty provider matches all providers.
func (s *Store) Recent(id provider.ID, limit int) ([]Observation, error) {
	if limit <= 0 {
		limit = 20
	}

	query := `
		SELECT id, provider, fetched_at, status,
		       five_hour_pct, seven_day_pct, five_hour_reset, seven_day_reset
		FROM observations
	`
	args := []any{}
	if id != "" {
		query += " WHERE provider = ?"
		args = append(args, string(id))
	}
	query += " ORDER BY fetched_at DESC, id DESC LIMIT ?"
	args = append(args, limit)

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("query observations: %w", err)
	}
	defer rows.Close()

	var out []Observation
	for rows.Next() {
		var (
			obs      Observation
			prov     string
			status   string
			fiveRst  sql.NullTime
			sevenRst sql.NullTime
		)
		if err := rows.Scan(&obs.ID, &prov, &obs.FetchedAt, &status,
			&obs.FiveHourPct, &obs.SevenDayPct, &fiveRst, &sevenRst); err != nil {
			return nil, fmt.Errorf("scan observation: %w", err)
		}
		obs.Provider = provider.ID(prov)
		obs.Status = provider.Status(status)
		if fiveRst.Valid {
			t := fiveRst.Time
			obs.FiveHourRst = &t
		}
		if sevenRst.Valid {
			t := sevenRst.Time
			obs.SevenDayRst = &t
		}
		out = append(out, obs)
	}
	return out, rows.Err()
}

// Prune deletes observations older than the cutoff and returns how many
// rows were removed.
func (s *Store) Prune(cutoff time.Time) (int64, error) {
	res, err := s.db.Exec(`DELETE FROM observations WHERE fetched_at < ?`, cutoff.UTC())
	if err != nil {
		return 0, fmt.Errorf("prune observations: %w", err)
	}
	return res.RowsAffected()
}

func nullableTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.UTC()
}
