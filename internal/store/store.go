// Package store persists sessions as append-only event logs on SQLite.
//
// Events are the source of truth: session rows carry derived aggregates and a
// head pointer, and every mutation happens by appending events in a single
// transaction. Large payloads are offloaded to a content-addressed blob pool.
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	_ "modernc.org/sqlite" // pure-Go SQLite driver
)

var (
	// ErrNotFound is returned when a session, event, or blob does not exist.
	ErrNotFound = errors.New("not found")

	// ErrStoreConflict is returned when an append asserts a parent event that
	// is no longer the session head.
	ErrStoreConflict = errors.New("store conflict: asserted parent is not head")

	// ErrInvalidOperation is returned for structurally invalid requests, such
	// as tombstoning a non-message event or deleting a message twice.
	ErrInvalidOperation = errors.New("invalid operation")
)

// Store is the SQLite-backed event store.
type Store struct {
	db *sql.DB

	// blobThreshold is the payload size in bytes above which payloads move to
	// the blob pool.
	blobThreshold int
}

// Options tunes store behavior.
type Options struct {
	// BlobThreshold overrides the default 32 KiB payload offload threshold.
	BlobThreshold int
}

// Open opens (or creates) the database at path and applies pending
// migrations. Use ":memory:" for tests.
func Open(ctx context.Context, path string, opts Options) (*Store, error) {
	if path == "" {
		return nil, fmt.Errorf("store path is required")
	}

	dsn := path + "?_pragma=journal_mode(WAL)&_pragma=foreign_keys(1)&_pragma=busy_timeout(5000)"
	if path == ":memory:" {
		// A shared cache keeps the in-memory database alive across the
		// connections database/sql pools.
		dsn = "file::memory:?mode=memory&cache=shared&_pragma=foreign_keys(1)"
	}

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	if path == ":memory:" {
		db.SetMaxOpenConns(1)
	}
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	migrator, err := NewMigrator(db)
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	if _, err := migrator.Up(ctx, 0); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}

	threshold := opts.BlobThreshold
	if threshold <= 0 {
		threshold = 32 * 1024
	}

	return &Store{db: db, blobThreshold: threshold}, nil
}

// DB exposes the underlying handle for the migrate CLI subcommand.
func (s *Store) DB() *sql.DB {
	return s.db
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}

// inTx runs fn inside a transaction, rolling back on error.
func (s *Store) inTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit tx: %w", err)
	}
	return nil
}
