// Package prefs provides a small persisted key/value store backed by a
// SQLite table. It holds operator-tunable knobs and the credential-rotation
// state that must survive restarts: the mobile client treats the service as
// the source of truth for which API keys exist and which are exhausted.
package prefs

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

// ErrNotFound is returned by Get when the requested key does not exist.
var ErrNotFound = errors.New("prefs: key not found")

// Store is the read/write interface for persisted preferences.
// Implementations must be safe for concurrent use.
type Store interface {
	Get(ctx context.Context, key string) (string, error)
	Set(ctx context.Context, key, value string) error
	Delete(ctx context.Context, key string) error
	List(ctx context.Context) (map[string]string, error)
	Close() error
}

// SQLiteStore implements Store on a single-table SQLite database.
type SQLiteStore struct {
	db *sql.DB
}

// Open opens or creates the preferences database at path.
func Open(path string) (*SQLiteStore, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("prefs: create db dir: %w", err)
	}

	db, err := sql.Open("sqlite", path+"?_pragma=journal_mode(wal)&_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, fmt.Errorf("prefs: open db: %w", err)
	}

	if _, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS prefs (
			key        TEXT PRIMARY KEY,
			value      TEXT NOT NULL,
			updated_at TEXT NOT NULL
		)
	`); err != nil {
		db.Close()
		return nil, fmt.Errorf("prefs: migrate: %w", err)
	}

	return &SQLiteStore{db: db}, nil
}

// Get returns the value for key or ErrNotFound when absent.
func (s *SQLiteStore) Get(ctx context.Context, key string) (string, error) {
	var value string
	err := s.db.QueryRowContext(ctx,
		`SELECT value FROM prefs WHERE key = ?`, key,
	).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return "", ErrNotFound
	}
	if err != nil {
		return "", fmt.Errorf("prefs: get %q: %w", key, err)
	}
	return value, nil
}

// Set upserts the key/value pair, stamping updated_at with the current UTC time.
func (s *SQLiteStore) Set(ctx context.Context, key, value string) error {
	now := time.Now().UTC().Format(time.RFC3339)
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO prefs (key, value, updated_at)
		VALUES (?, ?, ?)
		ON CONFLICT(key) DO UPDATE SET
			value      = excluded.value,
			updated_at = excluded.updated_at
	`, key, value, now)
	if err != nil {
		return fmt.Errorf("prefs: set %q: %w", key, err)
	}
	return nil
}

// Delete removes key. Deleting a non-existent key returns nil.
func (s *SQLiteStore) Delete(ctx context.Context, key string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM prefs WHERE key = ?`, key)
	if err != nil {
		return fmt.Errorf("prefs: delete %q: %w", key, err)
	}
	return nil
}

// List returns a snapshot of all key/value pairs. An empty map (not nil) is
// returned when no entries are present.
func (s *SQLiteStore) List(ctx context.Context) (map[string]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT key, value FROM prefs ORDER BY key`)
	if err != nil {
		return nil, fmt.Errorf("prefs: list: %w", err)
	}
	defer rows.Close()

	result := make(map[string]string)
	for rows.Next() {
		var k, v string
		if err := rows.Scan(&k, &v); err != nil {
			return nil, fmt.Errorf("prefs: list scan: %w", err)
		}
		result[k] = v
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("prefs: list rows: %w", err)
	}
	return result, nil
}

func (s *SQLiteStore) Close() error { return s.db.Close() }
