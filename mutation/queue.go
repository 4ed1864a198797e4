// Package mutation implements the durable, ordered log of writes that could
// not reach the remote document store, and their in-order replay.
//
// Expected schema (created automatically by EnsureTable):
//
//	CREATE TABLE IF NOT EXISTS mutation_queue (
//	    seq         INTEGER PRIMARY KEY AUTOINCREMENT,
//	    op_type     TEXT    NOT NULL,
//	    target_path TEXT    NOT NULL,
//	    payload     BLOB,
//	    enqueued_at INTEGER NOT NULL,            -- milliseconds since epoch
//	    attempts    INTEGER NOT NULL DEFAULT 0,
//	    last_error  TEXT    NOT NULL DEFAULT ''
//	);
//
// AUTOINCREMENT guarantees seq is never reused, even after the tail of the
// queue has been drained.
package mutation

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/hazyhaar/nous/dbopen"
	"github.com/hazyhaar/nous/horosafe"
	"github.com/hazyhaar/nous/remote"
)

// ErrInvalid is matched by every validation failure from Validate,
// Enqueue and Submitter.Submit.
var ErrInvalid = errors.New("mutation: invalid mutation")

// Schema creates the queue table.
const Schema = `
CREATE TABLE IF NOT EXISTS mutation_queue (
	seq         INTEGER PRIMARY KEY AUTOINCREMENT,
	op_type     TEXT    NOT NULL,
	target_path TEXT    NOT NULL,
	payload     BLOB,
	enqueued_at INTEGER NOT NULL,
	attempts    INTEGER NOT NULL DEFAULT 0,
	last_error  TEXT    NOT NULL DEFAULT ''
);`

// Entry is a queued write.
type Entry struct {
	Seq        int64         `json:"seq"`
	Op         remote.OpType `json:"op"`
	TargetPath string        `json:"target_path"`
	Payload    []byte        `json:"payload,omitempty"`
	EnqueuedAt time.Time     `json:"enqueued_at"`
	Attempts   int           `json:"attempts"`
	LastError  string        `json:"last_error,omitempty"`
}

func (e *Entry) mutation() remote.Mutation {
	return remote.Mutation{Op: e.Op, TargetPath: e.TargetPath, Payload: e.Payload}
}

// Failure is one entry that did not replay.
type Failure struct {
	Seq        int64         `json:"seq"`
	Op         remote.OpType `json:"op"`
	TargetPath string        `json:"target_path"`
	Err        error         `json:"-"`
	Message    string        `json:"error"`
	// Permanent is true when the store rejected the write. Such entries have
	// been removed from the queue. Transient failures stay at the head.
	Permanent bool `json:"permanent"`
}

// Summary reports one Drain call.
type Summary struct {
	Succeeded int       `json:"synced"`
	Failed    []Failure `json:"failed"`
	Remaining int       `json:"pending"`
}

// Stalled reports whether draining stopped on a transient failure.
func (s Summary) Stalled() bool {
	for _, f := range s.Failed {
		if !f.Permanent {
			return true
		}
	}
	return false
}

// Options configures queue behaviour.
type Options struct {
	// MaxPayload bounds a single payload. Default: horosafe.MaxPayload.
	MaxPayload int64
	Logger     *slog.Logger
	Now        func() time.Time
}

func (o *Options) defaults() {
	if o.MaxPayload <= 0 {
		o.MaxPayload = horosafe.MaxPayload
	}
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
	if o.Now == nil {
		o.Now = time.Now
	}
}

// Queue is the durable mutation log.
type Queue struct {
	db       *sql.DB
	opts     Options
	mu       sync.Mutex // held for the whole of Drain
	draining atomic.Bool
}

// New creates a queue handle. Call EnsureTable once at startup.
func New(db *sql.DB, opts Options) *Queue {
	opts.defaults()
	return &Queue{db: db, opts: opts}
}

// EnsureTable creates the mutation_queue table if it doesn't exist.
func (q *Queue) EnsureTable(ctx context.Context) error {
	if _, err := q.db.ExecContext(ctx, Schema); err != nil {
		return fmt.Errorf("mutation: ensure table: %w", err)
	}
	return nil
}

// Validate checks a mutation before it is written or queued.
func (q *Queue) Validate(m remote.Mutation) error {
	if _, err := remote.ParseOpType(string(m.Op)); err != nil {
		return fmt.Errorf("%w: %w", ErrInvalid, err)
	}
	if err := horosafe.ValidateTargetPath(m.TargetPath); err != nil {
		return fmt.Errorf("%w: %w", ErrInvalid, err)
	}
	if int64(len(m.Payload)) > q.opts.MaxPayload {
		return fmt.Errorf("%w: payload exceeds %d bytes", ErrInvalid, q.opts.MaxPayload)
	}
	return nil
}

// Enqueue appends m and returns its sequence number.
func (q *Queue) Enqueue(ctx context.Context, m remote.Mutation) (int64, error) {
	if err := q.Validate(m); err != nil {
		return 0, err
	}
	res, err := dbopen.Exec(ctx, q.db,
		`INSERT INTO mutation_queue (op_type, target_path, payload, enqueued_at) VALUES (?, ?, ?, ?)`,
		string(m.Op), m.TargetPath, m.Payload, q.opts.Now().UnixMilli())
	if err != nil {
		return 0, fmt.Errorf("mutation: enqueue: %w", err)
	}
	seq, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("mutation: enqueue: %w", err)
	}
	q.opts.Logger.Debug("mutation: enqueued", "seq", seq, "op", m.Op, "path", m.TargetPath)
	return seq, nil
}

// Drain replays queued entries against w in ascending seq order, one at a
// time. A success removes the entry and moves on. A permanent rejection
// removes the entry, reports it and moves on. A transient failure increments
// attempts, records the error, leaves the entry at the head and stops.
//
// Draining an empty queue performs no writes. The returned error is non-nil
// only when the queue itself could not be read or updated, or ctx ended; the
// Summary is valid in every case.
func (q *Queue) Drain(ctx context.Context, w remote.Writer) (Summary, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.draining.Store(true)
	defer q.draining.Store(false)

	var (
		sum     Summary
		loopErr error
	)
loop:
	for {
		if err := ctx.Err(); err != nil {
			loopErr = err
			break
		}
		head, err := q.head(ctx)
		if err != nil {
			loopErr = err
			break
		}
		if head == nil {
			break
		}

		werr := w.Write(ctx, head.mutation())
		switch remote.Classify(werr) {
		case remote.OutcomeOK:
			if err := q.remove(ctx, head.Seq); err != nil {
				loopErr = err
				break loop
			}
			sum.Succeeded++
		case remote.OutcomeRejected:
			q.opts.Logger.Warn("mutation: entry rejected, dropping",
				"seq", head.Seq, "op", head.Op, "path", head.TargetPath, "error", werr)
			if err := q.remove(ctx, head.Seq); err != nil {
				loopErr = err
				break loop
			}
			sum.Failed = append(sum.Failed, failure(head, werr, true))
		default:
			q.opts.Logger.Info("mutation: drain paused on transient failure",
				"seq", head.Seq, "attempts", head.Attempts+1, "error", werr)
			sum.Failed = append(sum.Failed, failure(head, werr, false))
			loopErr = q.markFailed(ctx, head.Seq, werr)
			break loop
		}
	}

	// Remaining is read on a fresh context so a cancelled drain still reports.
	n, err := q.Len(context.WithoutCancel(ctx))
	if err != nil {
		loopErr = errors.Join(loopErr, err)
	}
	sum.Remaining = n
	if sum.Failed == nil {
		sum.Failed = []Failure{}
	}
	if loopErr != nil {
		return sum, fmt.Errorf("mutation: drain: %w", loopErr)
	}
	return sum, nil
}

func failure(e *Entry, err error, permanent bool) Failure {
	return Failure{
		Seq:        e.Seq,
		Op:         e.Op,
		TargetPath: e.TargetPath,
		Err:        err,
		Message:    err.Error(),
		Permanent:  permanent,
	}
}

// Draining reports whether a Drain is in progress.
func (q *Queue) Draining() bool { return q.draining.Load() }

func (q *Queue) head(ctx context.Context) (*Entry, error) {
	entries, err := q.List(ctx, 1)
	if err != nil {
		return nil, err
	}
	if len(entries) == 0 {
		return nil, nil
	}
	return &entries[0], nil
}

func (q *Queue) remove(ctx context.Context, seq int64) error {
	// The write is already confirmed remotely, so the delete must not be
	// abandoned on cancellation.
	if _, err := dbopen.Exec(context.WithoutCancel(ctx), q.db, `DELETE FROM mutation_queue WHERE seq = ?`, seq); err != nil {
		return fmt.Errorf("mutation: remove %d: %w", seq, err)
	}
	return nil
}

func (q *Queue) markFailed(ctx context.Context, seq int64, cause error) error {
	_, err := dbopen.Exec(context.WithoutCancel(ctx), q.db,
		`UPDATE mutation_queue SET attempts = attempts + 1, last_error = ? WHERE seq = ?`,
		cause.Error(), seq)
	if err != nil {
		return fmt.Errorf("mutation: mark %d failed: %w", seq, err)
	}
	return nil
}

// Len returns the number of queued entries.
func (q *Queue) Len(ctx context.Context) (int, error) {
	var n int
	if err := q.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM mutation_queue`).Scan(&n); err != nil {
		return 0, fmt.Errorf("mutation: len: %w", err)
	}
	return n, nil
}

// List returns up to limit entries in replay order. limit <= 0 means all.
func (q *Queue) List(ctx context.Context, limit int) ([]Entry, error) {
	if limit <= 0 {
		limit = -1
	}
	rows, err := q.db.QueryContext(ctx,
		`SELECT seq, op_type, target_path, payload, enqueued_at, attempts, last_error
		 FROM mutation_queue ORDER BY seq ASC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("mutation: list: %w", err)
	}
	defer rows.Close()

	var out []Entry
	for rows.Next() {
		var (
			e  Entry
			op string
			at int64
		)
		if err := rows.Scan(&e.Seq, &op, &e.TargetPath, &e.Payload, &at, &e.Attempts, &e.LastError); err != nil {
			return nil, fmt.Errorf("mutation: list: %w", err)
		}
		e.Op = remote.OpType(op)
		e.EnqueuedAt = time.UnixMilli(at)
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("mutation: list: %w", err)
	}
	return out, nil
}
