// Package archive keeps a SQLite history of harvest runs and the media each
// site produced.
package archive

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"github.com/go-scripts/harvest/internal/datewindow"
	"github.com/go-scripts/harvest/internal/records"
	"github.com/go-scripts/harvest/internal/runner"
)

const schema = `
CREATE TABLE IF NOT EXISTS runs (
	id TEXT PRIMARY KEY,
	start_date TEXT,
	end_date TEXT,
	started_at DATETIME NOT NULL,
	finished_at DATETIME
);

CREATE TABLE IF NOT EXISTS medias (
	run_id TEXT NOT NULL REFERENCES runs(id),
	base_url TEXT NOT NULL,
	position INTEGER NOT NULL,
	url TEXT NOT NULL,
	title TEXT NOT NULL,
	date TEXT,
	source_type TEXT NOT NULL,
	reason TEXT,
	PRIMARY KEY (run_id, base_url, url)
);

CREATE INDEX IF NOT EXISTS idx_medias_url ON medias(base_url, url);
`

// Store is safe for concurrent use.
type Store struct {
	db *sql.DB
	mu sync.Mutex
}

// Open opens or creates the archive at path. ":memory:" gives a private
// in-memory database.
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open archive: %w", err)
	}
	if path == ":memory:" {
		// Every connection would get its own empty database.
		db.SetMaxOpenConns(1)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping archive: %w", err)
	}
	if path != ":memory:" {
		if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
			db.Close()
			return nil, fmt.Errorf("enable WAL mode: %w", err)
		}
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("create tables: %w", err)
	}
	return &Store{db: db}, nil
}

func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.db.Close()
}

// Run is one harvest invocation. It implements runner.Recorder.
type Run struct {
	ID    string
	store *Store
}

// BeginRun registers a new run for the given request.
func (s *Store) BeginRun(ctx context.Context, in runner.Input) (*Run, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	id := uuid.NewString()
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO runs (id, start_date, end_date, started_at) VALUES (?, ?, ?, ?)`,
		id, nullable(in.StartDate), nullable(in.EndDate), time.Now().UTC())
	if err != nil {
		return nil, fmt.Errorf("begin run: %w", err)
	}
	return &Run{ID: id, store: s}, nil
}

// Record stores a site's medias. Recording the same site twice in one run
// keeps the first copy of each URL.
func (r *Run) Record(ctx context.Context, res runner.SiteResult) error {
	s := r.store
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, `
		INSERT OR IGNORE INTO medias (run_id, base_url, position, url, title, date, source_type, reason)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return err
	}
	defer stmt.Close()

	reason := res.State.Reason.String()
	for i, m := range res.Medias {
		var date any
		if m.Date != nil {
			date = m.Date.Format(datewindow.Layout)
		}
		if _, err := stmt.ExecContext(ctx, r.ID, res.BaseURL, i, m.URL, m.Title, date, string(m.SourceType), reason); err != nil {
			return fmt.Errorf("record %s: %w", m.URL, err)
		}
	}
	return tx.Commit()
}

// Finish stamps the run as complete.
func (r *Run) Finish(ctx context.Context) error {
	s := r.store
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err := s.db.ExecContext(ctx, `UPDATE runs SET finished_at = ? WHERE id = ?`, time.Now().UTC(), r.ID)
	return err
}

// Known reports whether any earlier run archived url for baseURL.
func (s *Store) Known(ctx context.Context, baseURL, url string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var one int
	err := s.db.QueryRowContext(ctx,
		`SELECT 1 FROM medias WHERE base_url = ? AND url = ? LIMIT 1`, baseURL, url).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

// RunSummary describes one archived run.
type RunSummary struct {
	ID         string
	StartDate  string
	EndDate    string
	StartedAt  time.Time
	FinishedAt *time.Time
	Sites      int
	Medias     int
}

// Runs lists up to limit runs, newest first.
func (s *Store) Runs(ctx context.Context, limit int) ([]RunSummary, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rows, err := s.db.QueryContext(ctx, `
		SELECT r.id, COALESCE(r.start_date, ''), COALESCE(r.end_date, ''), r.started_at, r.finished_at,
			COUNT(DISTINCT m.base_url), COUNT(m.url)
		FROM runs r LEFT JOIN medias m ON m.run_id = r.id
		GROUP BY r.id
		ORDER BY r.started_at DESC
		LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("list runs: %w", err)
	}
	defer rows.Close()

	var out []RunSummary
	for rows.Next() {
		var (
			r        RunSummary
			finished sql.NullTime
		)
		if err := rows.Scan(&r.ID, &r.StartDate, &r.EndDate, &r.StartedAt, &finished, &r.Sites, &r.Medias); err != nil {
			return nil, err
		}
		if finished.Valid {
			r.FinishedAt = &finished.Time
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// Medias returns what a run archived for baseURL in harvest order.
func (s *Store) Medias(ctx context.Context, runID, baseURL string) ([]records.MediaRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rows, err := s.db.QueryContext(ctx, `
		SELECT url, title, date, source_type FROM medias
		WHERE run_id = ? AND base_url = ? ORDER BY position`, runID, baseURL)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := []records.MediaRecord{}
	for rows.Next() {
		var (
			m    records.MediaRecord
			date sql.NullString
			kind string
		)
		if err := rows.Scan(&m.URL, &m.Title, &date, &kind); err != nil {
			return nil, err
		}
		m.SourceType = records.SourceType(kind)
		if date.Valid {
			t, err := time.Parse(datewindow.Layout, date.String)
			if err != nil {
				return nil, fmt.Errorf("stored date %q: %w", date.String, err)
			}
			m.Date = &t
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

func nullable(s string) any {
	if s == "" {
		return nil
	}
	return s
}

var (
	_ runner.Recorder = (*Run)(nil)
	_ runner.History  = (*Store)(nil)
)
