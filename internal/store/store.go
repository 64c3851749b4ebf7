package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	_ "modernc.org/sqlite"
)

// ErrNotFound is returned when a channel or item lookup matches nothing.
var ErrNotFound = errors.New("not found")

const schema = `
CREATE TABLE IF NOT EXISTS channels (
	id              TEXT PRIMARY KEY,
	url             TEXT NOT NULL,
	title           TEXT NOT NULL,
	description     TEXT NOT NULL DEFAULT '',
	thumbnail_url   TEXT NOT NULL DEFAULT '',
	enabled         INTEGER NOT NULL DEFAULT 1,
	feed_type       TEXT NOT NULL DEFAULT 'audio',
	episode_count   INTEGER NOT NULL DEFAULT 50,
	last_refresh_at TIMESTAMP,
	created_at      TIMESTAMP NOT NULL,
	updated_at      TIMESTAMP NOT NULL
);
CREATE UNIQUE INDEX IF NOT EXISTS idx_channels_url_enabled ON channels(url) WHERE enabled = 1;

CREATE TABLE IF NOT EXISTS items (
	id              TEXT PRIMARY KEY,
	channel_id      TEXT NOT NULL REFERENCES channels(id),
	video_id        TEXT NOT NULL,
	title           TEXT NOT NULL,
	description     TEXT NOT NULL DEFAULT '',
	thumbnail_url   TEXT NOT NULL DEFAULT '',
	duration        INTEGER,
	published_at    TIMESTAMP,
	status          TEXT NOT NULL DEFAULT 'pending',
	file_path_audio TEXT,
	file_size_audio INTEGER,
	file_path_video TEXT,
	file_size_video INTEGER,
	downloaded_at   TIMESTAMP,
	last_error      TEXT NOT NULL DEFAULT '',
	created_at      TIMESTAMP NOT NULL,
	updated_at      TIMESTAMP NOT NULL
);
CREATE UNIQUE INDEX IF NOT EXISTS idx_items_video_id ON items(video_id);
CREATE INDEX IF NOT EXISTS idx_items_channel_id ON items(channel_id);
CREATE INDEX IF NOT EXISTS idx_items_status ON items(status);

CREATE TABLE IF NOT EXISTS queue_entries (
	id            TEXT PRIMARY KEY,
	item_id       TEXT NOT NULL REFERENCES items(id),
	priority      INTEGER NOT NULL DEFAULT 5,
	status        TEXT NOT NULL DEFAULT 'pending',
	attempts      INTEGER NOT NULL DEFAULT 0,
	max_attempts  INTEGER NOT NULL DEFAULT 5,
	next_retry_at TIMESTAMP,
	last_error    TEXT NOT NULL DEFAULT '',
	created_at    TIMESTAMP NOT NULL,
	updated_at    TIMESTAMP NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_queue_status_priority_created ON queue_entries(status, priority, created_at);
CREATE INDEX IF NOT EXISTS idx_queue_status_priority_retry ON queue_entries(status, priority, next_retry_at);
`

// Store is the single source of truth for channels and items, backed by
// SQLite. Every operation runs in its own transaction.
type Store struct {
	db *sql.DB
}

// Open opens (creating if needed) the database at path and applies the
// schema. Use ":memory:" for an in-memory database in tests.
func Open(path string) (*Store, error) {
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, fmt.Errorf("failed to create database directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// The driver serializes access; a single connection sidesteps
	// table-lock errors under concurrent writers.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec("PRAGMA journal_mode=WAL; PRAGMA foreign_keys=ON;"); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to set pragmas: %w", err)
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to apply schema: %w", err)
	}

	slog.Info("Database opened", "path", path)
	return &Store{db: db}, nil
}

// DB exposes the underlying handle so the queue can share the database.
func (s *Store) DB() *sql.DB { return s.db }

// Close closes the database.
func (s *Store) Close() error { return s.db.Close() }

// Ping verifies the database is reachable.
func (s *Store) Ping(ctx context.Context) error { return s.db.PingContext(ctx) }
