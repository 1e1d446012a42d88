package storage

import (
	"database/sql"
	"fmt"

	_ "github.com/mattn/go-sqlite3"
)

// Store wraps the SQLite database backing the dedup store and delivery queue.
type Store struct {
	*sql.DB
}

// Open opens (or creates) the database file.
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite3", path+"?_busy_timeout=5000&_journal_mode=WAL")
	if err != nil {
		return nil, fmt.Errorf("open storage %s: %w", path, err)
	}
	// Single writer connection: lease transactions serialize instead of
	// failing with SQLITE_BUSY under concurrent dequeues.
	db.SetMaxOpenConns(1)
	return &Store{db}, nil
}

// InitSchema creates the tables and indexes if they do not exist.
func (s *Store) InitSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS events (
		event_id    TEXT PRIMARY KEY,
		event_type  TEXT NOT NULL,
		source      TEXT,
		payload     BLOB NOT NULL,
		received_at DATETIME NOT NULL,
		expires_at  DATETIME NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_events_expires ON events(expires_at);

	CREATE TABLE IF NOT EXISTS jobs (
		job_id           TEXT PRIMARY KEY,
		event_id         TEXT NOT NULL,
		destination_id   TEXT NOT NULL,
		payload          BLOB NOT NULL,
		state            TEXT NOT NULL,
		attempt_count    INTEGER NOT NULL DEFAULT 0,
		next_attempt_at  DATETIME NOT NULL,
		lease_expires_at DATETIME,
		last_error       TEXT,
		created_at       DATETIME NOT NULL,
		updated_at       DATETIME NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_jobs_ready ON jobs(destination_id, state, next_attempt_at);
	CREATE INDEX IF NOT EXISTS idx_jobs_event ON jobs(event_id);
	`

	_, err := s.Exec(schema)
	return err
}

func nullString(v string) sql.NullString {
	if v == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: v, Valid: true}
}
