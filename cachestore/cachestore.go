// Package cachestore persists response snapshots keyed by
// (generation, resource) in SQLite, so that several generations can coexist
// while a cutover is in progress and a whole generation can be evicted in a
// single transaction.
//
// The same database also records each generation's lifecycle state so the
// active generation survives a process restart.
package cachestore

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/hazyhaar/nous/dbopen"
	"github.com/hazyhaar/nous/manifest"
)

// ErrMiss is returned by Get when no entry exists for the key.
var ErrMiss = errors.New("cachestore: miss")

// ErrEvicted is returned by Put when the generation has been deleted. The
// entry is not stored.
var ErrEvicted = errors.New("cachestore: generation evicted")

// StateRetired marks the state record DeleteGeneration leaves behind. Puts
// into a retired generation are refused until SaveGeneration records a
// different state for it.
const StateRetired = "retired"

// Schema creates the cache and generation-state tables.
const Schema = `
CREATE TABLE IF NOT EXISTS cache_entries (
	generation_id TEXT    NOT NULL,
	resource_id   TEXT    NOT NULL,
	status        INTEGER NOT NULL,
	header        TEXT    NOT NULL DEFAULT '{}',
	body          BLOB,
	stored_at     INTEGER NOT NULL,
	PRIMARY KEY (generation_id, resource_id)
);
CREATE TABLE IF NOT EXISTS generation_state (
	generation_id TEXT PRIMARY KEY,
	state         TEXT    NOT NULL,
	manifest      BLOB,
	updated_at    INTEGER NOT NULL
);`

// Entry is a captured response. Entries are replaced, never mutated.
type Entry struct {
	ResourceID   manifest.ResourceID
	GenerationID string
	Status       int
	Header       http.Header
	Body         []byte
	StoredAt     time.Time
}

// Record is the persisted lifecycle state of one generation.
type Record struct {
	Generation string
	State      string
	Manifest   []byte
	UpdatedAt  time.Time
}

// Store is the cache contract used by the strategy router and the lifecycle
// controller.
type Store interface {
	Put(ctx context.Context, e Entry) error
	Get(ctx context.Context, generation string, id manifest.ResourceID) (*Entry, error)
	DeleteGeneration(ctx context.Context, generation string) error
	ListGenerations(ctx context.Context) ([]string, error)
}

// StateStore persists generation lifecycle states.
type StateStore interface {
	SaveGeneration(ctx context.Context, r Record) error
	LoadGenerations(ctx context.Context) ([]Record, error)
}

// Options configures an SQLStore.
type Options struct {
	Logger *slog.Logger
	// RetryBase is the first backoff between DeleteGeneration attempts.
	RetryBase time.Duration
	// RetryMax caps the backoff.
	RetryMax time.Duration
	Now      func() time.Time
}

func (o *Options) defaults() {
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
	if o.RetryBase <= 0 {
		o.RetryBase = 50 * time.Millisecond
	}
	if o.RetryMax <= 0 {
		o.RetryMax = 5 * time.Second
	}
	if o.Now == nil {
		o.Now = time.Now
	}
}

// SQLStore implements Store and StateStore on SQLite.
type SQLStore struct {
	db   *sql.DB
	opts Options
}

// New wraps db. Call EnsureTable (or open db with dbopen.WithSchema(Schema))
// before use.
func New(db *sql.DB, opts Options) *SQLStore {
	opts.defaults()
	return &SQLStore{db: db, opts: opts}
}

// EnsureTable creates the tables if they do not exist.
func (s *SQLStore) EnsureTable(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, Schema); err != nil {
		return fmt.Errorf("cachestore: ensure table: %w", err)
	}
	return nil
}

// Put stores e, replacing any entry under the same key. The write and the
// retired check are one statement, so a put racing DeleteGeneration either
// lands before the delete and is removed with it, or is refused with
// ErrEvicted.
func (s *SQLStore) Put(ctx context.Context, e Entry) error {
	if e.GenerationID == "" || e.ResourceID == "" {
		return fmt.Errorf("cachestore: put: generation and resource are required")
	}
	hdr, err := json.Marshal(e.Header)
	if err != nil {
		return fmt.Errorf("cachestore: put: encode header: %w", err)
	}
	storedAt := e.StoredAt
	if storedAt.IsZero() {
		storedAt = s.opts.Now()
	}
	res, err := dbopen.Exec(ctx, s.db,
		`INSERT OR REPLACE INTO cache_entries (generation_id, resource_id, status, header, body, stored_at)
		 SELECT ?, ?, ?, ?, ?, ?
		 WHERE NOT EXISTS (
		   SELECT 1 FROM generation_state WHERE generation_id = ? AND state = '`+StateRetired+`')`,
		e.GenerationID, string(e.ResourceID), e.Status, string(hdr), e.Body, storedAt.UnixMilli(), e.GenerationID)
	if err != nil {
		return fmt.Errorf("cachestore: put %s: %w", e.ResourceID, err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return fmt.Errorf("cachestore: put %s in %s: %w", e.ResourceID, e.GenerationID, ErrEvicted)
	}
	return nil
}

// Get returns the entry for (generation, id) or ErrMiss.
func (s *SQLStore) Get(ctx context.Context, generation string, id manifest.ResourceID) (*Entry, error) {
	var (
		hdr      string
		storedAt int64
		e        = Entry{ResourceID: id, GenerationID: generation}
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT status, header, body, stored_at FROM cache_entries
		 WHERE generation_id = ? AND resource_id = ?`,
		generation, string(id)).Scan(&e.Status, &hdr, &e.Body, &storedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrMiss
	}
	if err != nil {
		return nil, fmt.Errorf("cachestore: get %s: %w", id, err)
	}
	if err := json.Unmarshal([]byte(hdr), &e.Header); err != nil {
		return nil, fmt.Errorf("cachestore: get %s: decode header: %w", id, err)
	}
	e.StoredAt = time.UnixMilli(storedAt)
	return &e, nil
}

// DeleteGeneration removes every entry of generation and marks its state
// record retired, in one transaction. A failed attempt is retried with exponential backoff until
// it succeeds or ctx ends, so the generation is never left half-evicted.
func (s *SQLStore) DeleteGeneration(ctx context.Context, generation string) error {
	backoff := s.opts.RetryBase
	for attempt := 1; ; attempt++ {
		err := dbopen.RunTx(ctx, s.db, func(tx *sql.Tx) error {
			if _, err := tx.ExecContext(ctx, `DELETE FROM cache_entries WHERE generation_id = ?`, generation); err != nil {
				return err
			}
			_, err := tx.ExecContext(ctx,
				`INSERT INTO generation_state (generation_id, state, manifest, updated_at)
				 VALUES (?, '`+StateRetired+`', NULL, ?)
				 ON CONFLICT(generation_id) DO UPDATE SET
				   state = excluded.state, manifest = NULL, updated_at = excluded.updated_at`,
				generation, s.opts.Now().UnixMilli())
			return err
		})
		if err == nil {
			return nil
		}
		if ctx.Err() != nil {
			return fmt.Errorf("cachestore: delete generation %s: %w", generation, errors.Join(err, ctx.Err()))
		}
		s.opts.Logger.Warn("cachestore: delete generation failed, retrying",
			"generation", generation, "attempt", attempt, "backoff", backoff, "error", err)
		if err := dbopen.SleepCtx(ctx, backoff); err != nil {
			return fmt.Errorf("cachestore: delete generation %s: %w", generation, err)
		}
		backoff = min(backoff*2, s.opts.RetryMax)
	}
}

// ListGenerations returns every generation that has cache entries or a live
// state record, sorted.
func (s *SQLStore) ListGenerations(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT generation_id FROM cache_entries
		 UNION SELECT generation_id FROM generation_state WHERE state <> ?
		 ORDER BY 1`, StateRetired)
	if err != nil {
		return nil, fmt.Errorf("cachestore: list generations: %w", err)
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var g string
		if err := rows.Scan(&g); err != nil {
			return nil, fmt.Errorf("cachestore: list generations: %w", err)
		}
		out = append(out, g)
	}
	return out, rows.Err()
}

// CountEntries returns the number of cached entries per generation.
func (s *SQLStore) CountEntries(ctx context.Context) (map[string]int, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT generation_id, COUNT(*) FROM cache_entries GROUP BY generation_id`)
	if err != nil {
		return nil, fmt.Errorf("cachestore: count entries: %w", err)
	}
	defer rows.Close()

	out := make(map[string]int)
	for rows.Next() {
		var (
			g string
			n int
		)
		if err := rows.Scan(&g, &n); err != nil {
			return nil, fmt.Errorf("cachestore: count entries: %w", err)
		}
		out[g] = n
	}
	return out, rows.Err()
}

// SaveGeneration upserts the lifecycle record of a generation.
func (s *SQLStore) SaveGeneration(ctx context.Context, r Record) error {
	updated := r.UpdatedAt
	if updated.IsZero() {
		updated = s.opts.Now()
	}
	// NULL keeps the stored manifest.
	var blob any
	if len(r.Manifest) > 0 {
		blob = r.Manifest
	}
	_, err := dbopen.Exec(ctx, s.db,
		`INSERT INTO generation_state (generation_id, state, manifest, updated_at)
		 VALUES (?, ?, ?, ?)
		 ON CONFLICT(generation_id) DO UPDATE SET
		   state = excluded.state,
		   manifest = COALESCE(excluded.manifest, generation_state.manifest),
		   updated_at = excluded.updated_at`,
		r.Generation, r.State, blob, updated.UnixMilli())
	if err != nil {
		return fmt.Errorf("cachestore: save generation %s: %w", r.Generation, err)
	}
	return nil
}

// LoadGenerations returns the lifecycle record of every generation that has
// not been retired, oldest first.
func (s *SQLStore) LoadGenerations(ctx context.Context) ([]Record, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT generation_id, state, manifest, updated_at FROM generation_state
		 WHERE state <> ?
		 ORDER BY updated_at, generation_id`, StateRetired)
	if err != nil {
		return nil, fmt.Errorf("cachestore: load generations: %w", err)
	}
	defer rows.Close()

	var out []Record
	for rows.Next() {
		var (
			r  Record
			ts int64
		)
		if err := rows.Scan(&r.Generation, &r.State, &r.Manifest, &ts); err != nil {
			return nil, fmt.Errorf("cachestore: load generations: %w", err)
		}
		r.UpdatedAt = time.UnixMilli(ts)
		out = append(out, r)
	}
	return out, rows.Err()
}
