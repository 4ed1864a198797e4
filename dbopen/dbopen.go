// Package dbopen opens the SQLite file that holds the gateway's durable
// state: the resource cache, the mutation queue and the event journal.
//
// Every connection gets the same pragmas:
//
//	foreign_keys = ON
//	journal_mode = WAL
//	busy_timeout = 10000
//	synchronous  = NORMAL   (FULL with Durable)
//
// Schemas registered with WithSchema are applied together in one
// transaction, so a partially migrated file is never left behind.
//
//	db, err := dbopen.Open("data/nous.db",
//	    dbopen.WithMkdirAll(),
//	    dbopen.WithSchema(cachestore.Schema),
//	    dbopen.WithSchema(mutation.Schema))
//
// Tests use OpenMemory.
package dbopen

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"testing"
)

const memory = ":memory:"

type config struct {
	busyTimeout int
	synchronous string
	mkdirAll    bool
	schemas     []string
}

func (c *config) pragmas() []string {
	return []string{
		"PRAGMA foreign_keys = ON",
		"PRAGMA journal_mode = WAL",
		fmt.Sprintf("PRAGMA busy_timeout = %d", c.busyTimeout),
		"PRAGMA synchronous = " + c.synchronous,
	}
}

// Option customises Open.
type Option func(*config)

// WithBusyTimeout sets PRAGMA busy_timeout in milliseconds. Default: 10000.
func WithBusyTimeout(ms int) Option { return func(c *config) { c.busyTimeout = ms } }

// Durable sets synchronous=FULL: a committed queue entry survives power
// loss, at the cost of an fsync per commit.
func Durable() Option { return func(c *config) { c.synchronous = "FULL" } }

// WithMkdirAll creates the parent directory of the database file.
func WithMkdirAll() Option { return func(c *config) { c.mkdirAll = true } }

// WithSchema registers DDL applied after the pragmas. Schemas must be
// idempotent (CREATE ... IF NOT EXISTS).
func WithSchema(s string) Option { return func(c *config) { c.schemas = append(c.schemas, s) } }

// Open opens path with the gateway pragmas and applies the registered
// schemas.
func Open(path string, opts ...Option) (*sql.DB, error) {
	cfg := config{busyTimeout: 10_000, synchronous: "NORMAL"}
	for _, o := range opts {
		o(&cfg)
	}

	if cfg.mkdirAll && path != memory {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, fmt.Errorf("dbopen: mkdir: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("dbopen: open: %w", err)
	}
	if err := setup(db, &cfg); err != nil {
		db.Close()
		return nil, err
	}
	return db, nil
}

func setup(db *sql.DB, cfg *config) error {
	for _, p := range cfg.pragmas() {
		if _, err := db.Exec(p); err != nil {
			return fmt.Errorf("dbopen: %s: %w", p, err)
		}
	}
	if len(cfg.schemas) == 0 {
		return db.Ping()
	}
	return RunTx(context.Background(), db, func(tx *sql.Tx) error {
		for i, s := range cfg.schemas {
			if _, err := tx.Exec(s); err != nil {
				return fmt.Errorf("dbopen: schema %d: %w", i, err)
			}
		}
		return nil
	})
}

// OpenMemory opens an in-memory database closed by t.Cleanup. Every
// connection to ":memory:" is a separate database, so the pool is pinned
// to one connection.
func OpenMemory(t testing.TB, opts ...Option) *sql.DB {
	t.Helper()
	db, err := Open(memory, opts...)
	if err != nil {
		t.Fatalf("dbopen.OpenMemory: %v", err)
	}
	db.SetMaxOpenConns(1)
	t.Cleanup(func() { db.Close() })
	return db
}
