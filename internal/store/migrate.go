// SPDX-License-Identifier: MIT

package store

import "fmt"

// migrations are applied in order; schema_version records the highest
// applied version. New schema changes append a new entry, never edit an
// existing one.
var migrations = []string{
	// v1: core tables
	`
	CREATE TABLE IF NOT EXISTS schema_version (
		version INTEGER PRIMARY KEY
	);

	CREATE TABLE IF NOT EXISTS meta (
		key   TEXT PRIMARY KEY,
		value TEXT NOT NULL
	);

	CREATE TABLE IF NOT EXISTS queue_entries (
		id              TEXT PRIMARY KEY,
		token_hash      TEXT NOT NULL UNIQUE,
		name            TEXT NOT NULL,
		email           TEXT NOT NULL,
		ip_address      TEXT NOT NULL,
		state           TEXT NOT NULL DEFAULT 'waiting'
			CHECK (state IN ('waiting', 'ready', 'active', 'done', 'cancelled')),
		position        INTEGER NOT NULL,
		result          TEXT
			CHECK (result IS NULL OR result IN
				('win', 'loss', 'expired', 'skipped', 'admin_skipped', 'cancelled', 'error')),
		tries_used      INTEGER NOT NULL DEFAULT 0,
		created_at      TEXT NOT NULL DEFAULT (strftime('%Y-%m-%dT%H:%M:%fZ', 'now')),
		activated_at    TEXT,
		completed_at    TEXT,
		try_move_end_at TEXT,
		turn_end_at     TEXT
	);

	CREATE INDEX IF NOT EXISTS idx_queue_entries_state ON queue_entries(state);
	CREATE INDEX IF NOT EXISTS idx_queue_entries_position
		ON queue_entries(position) WHERE state IN ('waiting', 'ready', 'active');
	-- Single-active invariant: at most one row may be ready or active.
	CREATE UNIQUE INDEX IF NOT EXISTS ux_queue_entries_single_live
		ON queue_entries((1)) WHERE state IN ('ready', 'active');

	CREATE TABLE IF NOT EXISTS game_events (
		id         INTEGER PRIMARY KEY AUTOINCREMENT,
		entry_id   TEXT,
		type       TEXT NOT NULL,
		detail     TEXT,
		created_at TEXT NOT NULL DEFAULT (strftime('%Y-%m-%dT%H:%M:%fZ', 'now'))
	);

	CREATE INDEX IF NOT EXISTS idx_game_events_entry ON game_events(entry_id);
	CREATE INDEX IF NOT EXISTS idx_game_events_created ON game_events(created_at);

	CREATE TABLE IF NOT EXISTS contacts (
		email         TEXT PRIMARY KEY,
		name          TEXT NOT NULL,
		first_seen_at TEXT NOT NULL DEFAULT (strftime('%Y-%m-%dT%H:%M:%fZ', 'now')),
		last_seen_at  TEXT NOT NULL DEFAULT (strftime('%Y-%m-%dT%H:%M:%fZ', 'now')),
		join_count    INTEGER NOT NULL DEFAULT 1
	);

	CREATE TABLE IF NOT EXISTS rate_limits (
		id  INTEGER PRIMARY KEY AUTOINCREMENT,
		key TEXT NOT NULL,
		ts  TEXT NOT NULL DEFAULT (strftime('%Y-%m-%dT%H:%M:%fZ', 'now'))
	);

	CREATE INDEX IF NOT EXISTS idx_rate_limits_key_ts ON rate_limits(key, ts);
	`,
}

func (s *Store) migrate() error {
	if _, err := s.db.Exec(`CREATE TABLE IF NOT EXISTS schema_version (version INTEGER PRIMARY KEY)`); err != nil {
		return err
	}

	var current int
	if err := s.db.QueryRow(`SELECT COALESCE(MAX(version), 0) FROM schema_version`).Scan(&current); err != nil {
		return err
	}

	for i, stmt := range migrations {
		version := i + 1
		if version <= current {
			continue
		}
		tx, err := s.db.Begin()
		if err != nil {
			return err
		}
		if _, err := tx.Exec(stmt); err != nil {
			_ = tx.Rollback()
			return fmt.Errorf("migration %d: %w", version, err)
		}
		if _, err := tx.Exec(`INSERT INTO schema_version (version) VALUES (?)`, version); err != nil {
			_ = tx.Rollback()
			return fmt.Errorf("migration %d: record version: %w", version, err)
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("migration %d: commit: %w", version, err)
		}
	}
	return nil
}
