// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package store provides client-local persistence: the rejoin channel list
// and the fresh-client marker, backed by SQLite.
package store

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"

	_ "modernc.org/sqlite" // Pure Go SQLite driver
)

// =============================================================================
// STORE
// =============================================================================

// Store is the client's local database. It survives restarts so the client
// can rejoin the channels it was in, and it is the thing the destructive
// recovery path wipes when local storage is corrupt.
type Store struct {
	db   *sql.DB
	path string
}

// Open opens (or creates) the store under dataDir.
func Open(dataDir string) (*Store, error) {
	if err := os.MkdirAll(dataDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create data directory: %w", err)
	}
	path := filepath.Join(dataDir, "rawchat.db")

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// SQLite only supports one writer at a time, so limit connections
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA foreign_keys=ON",
	}
	for _, pragma := range pragmas {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("failed to set pragma: %w", err)
		}
	}

	s := &Store{db: db, path: path}
	if err := s.initSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}
	return s, nil
}

func (s *Store) initSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS rejoin_channels (
		channel TEXT PRIMARY KEY
	);
	CREATE TABLE IF NOT EXISTS meta (
		key   TEXT PRIMARY KEY,
		value TEXT NOT NULL
	);
	`
	_, err := s.db.Exec(schema)
	return err
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}

// =============================================================================
// REJOIN LIST
// =============================================================================

// Remember records channel as joined. Rejoining an already-listed channel
// moves it to the end of the list; the list never holds duplicates.
func (s *Store) Remember(channel string) error {
	// Delete-then-insert moves the row to the highest rowid, so rowid
	// order is join recency without a clock.
	if _, err := s.db.Exec(`DELETE FROM rejoin_channels WHERE channel = ?`, channel); err != nil {
		return fmt.Errorf("failed to remember channel: %w", err)
	}
	if _, err := s.db.Exec(`INSERT INTO rejoin_channels (channel) VALUES (?)`, channel); err != nil {
		return fmt.Errorf("failed to remember channel: %w", err)
	}
	return nil
}

// Forget removes channel from the rejoin list. Forgetting an unlisted
// channel is a no-op.
func (s *Store) Forget(channel string) error {
	if _, err := s.db.Exec(`DELETE FROM rejoin_channels WHERE channel = ?`, channel); err != nil {
		return fmt.Errorf("failed to forget channel: %w", err)
	}
	return nil
}

// RejoinList returns the channels to rejoin on reconnect, most recently
// joined last.
func (s *Store) RejoinList() ([]string, error) {
	rows, err := s.db.Query(`SELECT channel FROM rejoin_channels ORDER BY rowid ASC`)
	if err != nil {
		return nil, fmt.Errorf("failed to read rejoin list: %w", err)
	}
	defer rows.Close()

	var channels []string
	for rows.Next() {
		var ch string
		if err := rows.Scan(&ch); err != nil {
			return nil, err
		}
		channels = append(channels, ch)
	}
	return channels, rows.Err()
}

// =============================================================================
// FRESH-CLIENT MARKER
// =============================================================================

// IsFresh reports whether this client has never connected before. The first
// connect on a fresh client joins the default channels even when the rejoin
// list would otherwise govern.
func (s *Store) IsFresh() (bool, error) {
	var value string
	err := s.db.QueryRow(`SELECT value FROM meta WHERE key = 'initialized'`).Scan(&value)
	if err == sql.ErrNoRows {
		return true, nil
	}
	if err != nil {
		return false, fmt.Errorf("failed to read marker: %w", err)
	}
	return false, nil
}

// MarkInitialized clears the fresh-client marker.
func (s *Store) MarkInitialized() error {
	_, err := s.db.Exec(`
		INSERT INTO meta (key, value) VALUES ('initialized', '1')
		ON CONFLICT(key) DO NOTHING`)
	if err != nil {
		return fmt.Errorf("failed to mark initialized: %w", err)
	}
	return nil
}

// =============================================================================
// DESTRUCTIVE RECOVERY
// =============================================================================

// Wipe deletes all local state and reopens an empty database. It is the
// recovery path for unrecoverable storage corruption: the next connect sees
// a fresh client.
func (s *Store) Wipe() error {
	if err := s.db.Close(); err != nil {
		return fmt.Errorf("failed to close database: %w", err)
	}
	for _, suffix := range []string{"", "-wal", "-shm"} {
		if err := os.Remove(s.path + suffix); err != nil && !os.IsNotExist(err) {
			return fmt.Errorf("failed to remove database file: %w", err)
		}
	}

	db, err := sql.Open("sqlite", s.path)
	if err != nil {
		return fmt.Errorf("failed to reopen database: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	s.db = db
	return s.initSchema()
}
