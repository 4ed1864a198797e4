package dbopen

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"
)

// Attempts bounds the tries of RunTx and Exec on a busy database.
const Attempts = 3

// IsBusy reports whether err means another connection holds the lock.
// The cachestore sweeper and the queue writer hit this while a large
// generation is being deleted.
func IsBusy(err error) bool {
	if err == nil {
		return false
	}
	var se *sqlite.Error
	if errors.As(err, &se) {
		switch se.Code() & 0xff {
		case sqlite3.SQLITE_BUSY, sqlite3.SQLITE_LOCKED:
			return true
		}
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "SQLITE_BUSY") ||
		strings.Contains(msg, "database is locked") ||
		strings.Contains(msg, "database table is locked")
}

// retry runs op until it succeeds, fails with a non-busy error or
// Attempts is reached, waiting 100ms, 200ms, ... between tries.
func retry[T any](ctx context.Context, op string, fn func() (T, error)) (T, error) {
	var zero T
	for i := 1; ; i++ {
		v, err := fn()
		if err == nil || !IsBusy(err) {
			return v, err
		}
		if i == Attempts {
			return zero, fmt.Errorf("dbopen: %s: still busy after %d attempts: %w", op, Attempts, err)
		}
		if err := SleepCtx(ctx, time.Duration(i)*100*time.Millisecond); err != nil {
			return zero, fmt.Errorf("dbopen: %s: %w", op, err)
		}
	}
}

// RunTx runs fn in a transaction, retrying the whole transaction while the
// database is busy. fn may run more than once.
func RunTx(ctx context.Context, db *sql.DB, fn func(*sql.Tx) error) error {
	_, err := retry(ctx, "tx", func() (struct{}, error) {
		return struct{}{}, runOnce(ctx, db, fn)
	})
	return err
}

func runOnce(ctx context.Context, db *sql.DB, fn func(*sql.Tx) error) error {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("dbopen: begin tx: %w", err)
	}
	if err := fn(tx); err != nil {
		tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("dbopen: commit: %w", err)
	}
	return nil
}

// Exec runs one statement, retrying while the database is busy.
func Exec(ctx context.Context, db *sql.DB, query string, args ...any) (sql.Result, error) {
	return retry(ctx, "exec", func() (sql.Result, error) {
		return db.ExecContext(ctx, query, args...)
	})
}

// SleepCtx waits for d or until ctx is done.
func SleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
