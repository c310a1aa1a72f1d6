// Package store persists identities, commands, settings, challenge state and
// fleet workers in SQLite. Credentials are encrypted before they touch disk.
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	_ "modernc.org/sqlite"

	"msgpilot/internal/crypto"
)

var (
	ErrNotRegistered     = errors.New("identity not registered")
	ErrAlreadyRegistered = errors.New("identity already registered")
	ErrWorkerNotFound    = errors.New("worker not found")
	ErrInvalidIndex      = errors.New("invalid command index")
)

type Store struct {
	db  *sql.DB
	box *crypto.Box
}

func Open(ctx context.Context, path string, box *crypto.Box) (*Store, error) {
	if path == "" {
		return nil, fmt.Errorf("database path cannot be empty")
	}

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create database directory %q: %w", dir, err)
	}

	conn, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open database at %q: %w", path, err)
	}

	conn.SetMaxOpenConns(1)
	conn.SetMaxIdleConns(1)

	if err := conn.PingContext(ctx); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	if _, err := conn.ExecContext(ctx, `PRAGMA foreign_keys = ON`); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("enable foreign keys: %w", err)
	}

	if err := migrate(ctx, conn); err != nil {
		_ = conn.Close()
		return nil, err
	}

	return &Store{db: conn, box: box}, nil
}

func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func migrate(ctx context.Context, db *sql.DB) error {
	const schema = `
CREATE TABLE IF NOT EXISTS users (
	identity_key TEXT PRIMARY KEY,
	api_key TEXT UNIQUE NOT NULL,
	encrypted_credential TEXT NOT NULL,
	display_name TEXT NOT NULL DEFAULT '',
	created_at INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_users_api_key ON users(api_key);

CREATE TABLE IF NOT EXISTS commands (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	identity_key TEXT NOT NULL,
	command_data TEXT NOT NULL,
	FOREIGN KEY (identity_key) REFERENCES users(identity_key) ON DELETE CASCADE
);
CREATE INDEX IF NOT EXISTS idx_commands_identity ON commands(identity_key);

CREATE TABLE IF NOT EXISTS settings (
	identity_key TEXT PRIMARY KEY,
	channel_id TEXT NOT NULL DEFAULT '',
	presence_enabled INTEGER NOT NULL DEFAULT 0,
	presence TEXT NOT NULL DEFAULT '{}',
	auto_delete TEXT NOT NULL DEFAULT '{}',
	FOREIGN KEY (identity_key) REFERENCES users(identity_key) ON DELETE CASCADE
);

CREATE TABLE IF NOT EXISTS challenge_states (
	identity_key TEXT PRIMARY KEY,
	active INTEGER NOT NULL DEFAULT 0,
	evidence TEXT,
	updated_at INTEGER NOT NULL DEFAULT 0,
	FOREIGN KEY (identity_key) REFERENCES users(identity_key) ON DELETE CASCADE
);

CREATE TABLE IF NOT EXISTS command_stats (
	identity_key TEXT NOT NULL,
	command_text TEXT NOT NULL,
	count INTEGER NOT NULL DEFAULT 0,
	PRIMARY KEY (identity_key, command_text)
);

CREATE TABLE IF NOT EXISTS workers (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	owner_key TEXT NOT NULL,
	display_name TEXT NOT NULL DEFAULT '',
	encrypted_credential TEXT NOT NULL,
	config TEXT NOT NULL DEFAULT '{}',
	active INTEGER NOT NULL DEFAULT 0,
	FOREIGN KEY (owner_key) REFERENCES users(identity_key) ON DELETE CASCADE
);
CREATE INDEX IF NOT EXISTS idx_workers_owner ON workers(owner_key);
`
	if _, err := db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("run migrations: %w", err)
	}
	return nil
}
