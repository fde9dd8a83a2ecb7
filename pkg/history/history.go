// Package history persists the editor's log lines so a controller can
// fetch recent output after (re)connecting, including lines emitted while
// it was not attached.
package history

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"
)

// Entry is one captured log line.
type Entry struct {
	Seq      int64  `json:"seq"`
	Level    string `json:"level"`
	Message  string `json:"message"`
	Stack    string `json:"stack,omitempty"`
	LoggedAt int64  `json:"loggedAt"` // unix milliseconds
}

// Store owns the SQLite database holding log history.
type Store struct {
	db   *sql.DB
	path string
	max  int
}

// Open initializes a store at path capped to maxEntries rows.
func Open(path string, maxEntries int) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, err
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	return &Store{db: db, path: path, max: maxEntries}, nil
}

// Path returns the underlying SQLite file path.
func (s *Store) Path() string {
	return s.path
}

// Close releases database resources.
func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// Init ensures pragmas and schema are configured.
func (s *Store) Init(ctx context.Context) error {
	if s == nil || s.db == nil {
		return errors.New("nil store")
	}
	pragmas := []string{
		"PRAGMA journal_mode = DELETE;",
		"PRAGMA synchronous = FULL;",
		"PRAGMA busy_timeout = 5000;",
	}
	for _, stmt := range pragmas {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("apply pragma %q: %w", stmt, err)
		}
	}
	ddl := []string{
		`CREATE TABLE IF NOT EXISTS meta (
			key TEXT PRIMARY KEY,
			value TEXT NOT NULL
		);`,
		`INSERT OR IGNORE INTO meta(key,value) VALUES ('schemaVersion','1');`,
		`CREATE TABLE IF NOT EXISTS log_entries (
			seq INTEGER PRIMARY KEY AUTOINCREMENT,
			level TEXT NOT NULL CHECK (level IN ('info','warning','error')),
			message TEXT NOT NULL,
			stack TEXT,
			logged_at INTEGER NOT NULL
		);`,
		`CREATE INDEX IF NOT EXISTS idx_log_entries_logged_at ON log_entries(logged_at);`,
	}
	for _, stmt := range ddl {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("apply schema: %w", err)
		}
	}
	return nil
}

// Append records one log line and prunes the oldest rows past the cap.
func (s *Store) Append(ctx context.Context, level, message, stack string) error {
	now := time.Now().UnixMilli()
	if _, err := s.db.ExecContext(ctx, `
		INSERT INTO log_entries(level, message, stack, logged_at)
		VALUES (?, ?, ?, ?);
	`, level, message, nullable(stack), now); err != nil {
		return fmt.Errorf("append log entry: %w", err)
	}
	if s.max > 0 {
		if _, err := s.db.ExecContext(ctx, `
			DELETE FROM log_entries
			WHERE seq <= (SELECT MAX(seq) FROM log_entries) - ?;
		`, s.max); err != nil {
			return fmt.Errorf("prune log entries: %w", err)
		}
	}
	return nil
}

// Recent returns up to n entries, newest first.
func (s *Store) Recent(ctx context.Context, n int) ([]Entry, error) {
	if n <= 0 {
		n = 100
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT seq, level, message, COALESCE(stack, ''), logged_at
		FROM log_entries
		ORDER BY seq DESC
		LIMIT ?;
	`, n)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var entries []Entry
	for rows.Next() {
		var e Entry
		if err := rows.Scan(&e.Seq, &e.Level, &e.Message, &e.Stack, &e.LoggedAt); err != nil {
			return nil, err
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

func nullable(s string) any {
	if s == "" {
		return nil
	}
	return s
}
