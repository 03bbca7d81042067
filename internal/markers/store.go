// Package markers persists the set of capture base names whose processing
// has finished. A marker is only ever written after the pipeline has at
// least attempted to enqueue the capture's artifacts, so a base name without
// a marker is always safe to process again.
package markers

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"
)

// Outcome records which tier produced the capture's deliverables.
type Outcome string

const (
	OutcomeImages        Outcome = "images"
	OutcomeVisualization Outcome = "visualization"
	OutcomeRaw           Outcome = "raw"
	OutcomeNone          Outcome = "none"
)

// Marker is the durable fact "base name X has completed processing".
type Marker struct {
	BaseName    string    `json:"base_name"`
	Satellite   string    `json:"satellite"`
	Artifacts   int       `json:"artifacts"`
	Outcome     Outcome   `json:"outcome"`
	CompletedAt time.Time `json:"completed_at"`
}

// Store is the SQLite-backed marker set.
type Store struct {
	db   *sql.DB
	path string
}

const (
	dbFile = "markers.db"

	sqliteBusyCode          = 5
	busyRetryAttempts       = 5
	busyRetryInitialBackoff = 10 * time.Millisecond
	busyRetryMaxBackoff     = 200 * time.Millisecond
)

const schema = `
CREATE TABLE IF NOT EXISTS processed (
	base_name    TEXT PRIMARY KEY,
	satellite    TEXT NOT NULL,
	artifacts    INTEGER NOT NULL,
	outcome      TEXT NOT NULL,
	completed_at TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_processed_completed ON processed(completed_at);
`

// Open creates or opens <stateDir>/markers.db.
func Open(stateDir string) (*Store, error) {
	if err := os.MkdirAll(stateDir, 0o755); err != nil {
		return nil, fmt.Errorf("create state dir: %w", err)
	}

	path := filepath.Join(stateDir, dbFile)
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite db: %w", err)
	}

	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA synchronous=FULL",
		"PRAGMA busy_timeout = 5000",
	}
	for _, pragma := range pragmas {
		if _, err := db.Exec(pragma); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("apply pragma %q: %w", pragma, err)
		}
	}
	if _, err := db.Exec(schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("init schema: %w", err)
	}

	return &Store{db: db, path: path}, nil
}

func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// Path returns the database file location.
func (s *Store) Path() string { return s.path }

// Has reports whether base has completed processing.
func (s *Store) Has(ctx context.Context, base string) (bool, error) {
	var n int
	err := retryOnBusy(ctx, func() error {
		return s.db.QueryRowContext(ctx,
			`SELECT COUNT(1) FROM processed WHERE base_name = ?`, base).Scan(&n)
	})
	if err != nil {
		return false, fmt.Errorf("lookup marker %s: %w", base, err)
	}
	return n > 0, nil
}

// Mark records m. Marking an already-marked base name is a no-op, so the
// first terminal outcome is the one that sticks.
func (s *Store) Mark(ctx context.Context, m Marker) error {
	if m.BaseName == "" {
		return errors.New("marker needs a base name")
	}
	if m.CompletedAt.IsZero() {
		m.CompletedAt = time.Now()
	}
	err := retryOnBusy(ctx, func() error {
		_, err := s.db.ExecContext(ctx,
			`INSERT OR IGNORE INTO processed (base_name, satellite, artifacts, outcome, completed_at)
			 VALUES (?, ?, ?, ?, ?)`,
			m.BaseName, m.Satellite, m.Artifacts, string(m.Outcome),
			m.CompletedAt.UTC().Format(time.RFC3339Nano))
		return err
	})
	if err != nil {
		return fmt.Errorf("write marker %s: %w", m.BaseName, err)
	}
	return nil
}

// List returns the most recent markers, newest first. limit <= 0 means all.
func (s *Store) List(ctx context.Context, limit int) ([]Marker, error) {
	query := `SELECT base_name, satellite, artifacts, outcome, completed_at
		FROM processed ORDER BY completed_at DESC, base_name`
	args := []any{}
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list markers: %w", err)
	}
	defer rows.Close()

	var out []Marker
	for rows.Next() {
		var (
			m       Marker
			outcome string
			ts      string
		)
		if err := rows.Scan(&m.BaseName, &m.Satellite, &m.Artifacts, &outcome, &ts); err != nil {
			return nil, fmt.Errorf("scan marker: %w", err)
		}
		m.Outcome = Outcome(outcome)
		if t, err := time.Parse(time.RFC3339Nano, ts); err == nil {
			m.CompletedAt = t
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

// Count returns the number of markers.
func (s *Store) Count(ctx context.Context) (int, error) {
	var n int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(1) FROM processed`).Scan(&n); err != nil {
		return 0, fmt.Errorf("count markers: %w", err)
	}
	return n, nil
}

func isSQLiteBusy(err error) bool {
	if err == nil {
		return false
	}
	var coder interface{ Code() int }
	if errors.As(err, &coder) && coder.Code() == sqliteBusyCode {
		return true
	}
	msg := err.Error()
	return strings.Contains(msg, "SQLITE_BUSY") || strings.Contains(msg, "database is locked")
}

func retryOnBusy(ctx context.Context, op func() error) error {
	delay := busyRetryInitialBackoff
	var lastErr error
	for attempt := 0; attempt < busyRetryAttempts; attempt++ {
		lastErr = op()
		if lastErr == nil || !isSQLiteBusy(lastErr) {
			return lastErr
		}
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return ctx.Err()
		}
		delay = min(delay*2, busyRetryMaxBackoff)
	}
	return lastErr
}
