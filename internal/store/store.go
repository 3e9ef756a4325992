// SPDX-License-Identifier: MIT

// Package store provides SQLite persistence for the claw machine queue,
// game events, contacts and rate-limit observations.
package store

import (
	"crypto/rand"
	"database/sql"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite" // SQLite driver (pure Go, no CGO)

	"github.com/eclaw/clawd/internal/log"
)

// Config defines SQLite operational parameters.
type Config struct {
	BusyTimeout  time.Duration
	MaxOpenConns int
}

// DefaultConfig returns the recommended configuration: WAL allows
// concurrent readers while SQLite serialises the single writer.
func DefaultConfig() Config {
	return Config{
		BusyTimeout:  5 * time.Second,
		MaxOpenConns: 4,
	}
}

// Store wraps the database handle and the token salt.
type Store struct {
	db   *sql.DB
	salt []byte
}

// Open initialises the SQLite store with mandatory PRAGMAs and runs
// migrations. The parent directory is created if missing.
func Open(dbPath string, cfg Config) (*Store, error) {
	if dir := filepath.Dir(dbPath); dir != "" && dir != "." {
		if err := os.MkdirAll(dir, 0o750); err != nil {
			return nil, fmt.Errorf("store: create data dir: %w", err)
		}
	}

	// PRAGMAs in the DSN so they apply to every pooled connection.
	dsn := fmt.Sprintf("file:%s?_pragma=journal_mode(WAL)&_pragma=busy_timeout(%d)&_pragma=synchronous(NORMAL)&_pragma=foreign_keys(ON)",
		dbPath, cfg.BusyTimeout.Milliseconds())

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("store: open failed: %w", err)
	}
	db.SetMaxOpenConns(cfg.MaxOpenConns)
	db.SetMaxIdleConns(cfg.MaxOpenConns)
	db.SetConnMaxLifetime(1 * time.Hour)

	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("store: ping failed: %w", err)
	}

	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("store: migrate: %w", err)
	}
	if err := s.loadSalt(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("store: token salt: %w", err)
	}

	logger := log.WithComponent("store")
	logger.Info().
		Str("event", "store.opened").
		Str("path", dbPath).
		Msg("database ready")
	return s, nil
}

// Close closes the database connection pool.
func (s *Store) Close() error {
	return s.db.Close()
}

// loadSalt reads the persisted token salt, generating one on first boot.
// The salt makes stored token hashes useless without the database file's
// meta row, and keeps hashes stable across restarts.
func (s *Store) loadSalt() error {
	var hexSalt string
	err := s.db.QueryRow(`SELECT value FROM meta WHERE key = 'token_salt'`).Scan(&hexSalt)
	switch {
	case err == sql.ErrNoRows:
		raw := make([]byte, 16)
		if _, err := rand.Read(raw); err != nil {
			return err
		}
		hexSalt = hex.EncodeToString(raw)
		if _, err := s.db.Exec(`INSERT INTO meta (key, value) VALUES ('token_salt', ?)`, hexSalt); err != nil {
			return err
		}
	case err != nil:
		return err
	}
	salt, err := hex.DecodeString(hexSalt)
	if err != nil {
		return err
	}
	s.salt = salt
	return nil
}
