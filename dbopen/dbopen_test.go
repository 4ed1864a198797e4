package dbopen_test

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"github.com/hazyhaar/nous/dbopen"
)

func pragma(t *testing.T, db *sql.DB, name string) int {
	t.Helper()
	var v int
	if err := db.QueryRow("PRAGMA " + name).Scan(&v); err != nil {
		t.Fatalf("PRAGMA %s: %v", name, err)
	}
	return v
}

func TestPragmas(t *testing.T) {
	db := dbopen.OpenMemory(t)
	if fk := pragma(t, db, "foreign_keys"); fk != 1 {
		t.Fatalf("foreign_keys = %d, want 1", fk)
	}
	if s := pragma(t, db, "synchronous"); s != 1 {
		t.Fatalf("synchronous = %d, want 1 (NORMAL)", s)
	}
	if bt := pragma(t, db, "busy_timeout"); bt != 10_000 {
		t.Fatalf("busy_timeout = %d, want 10000", bt)
	}

	durable := dbopen.OpenMemory(t, dbopen.Durable(), dbopen.WithBusyTimeout(250))
	if s := pragma(t, durable, "synchronous"); s != 2 {
		t.Fatalf("durable synchronous = %d, want 2 (FULL)", s)
	}
	if bt := pragma(t, durable, "busy_timeout"); bt != 250 {
		t.Fatalf("busy_timeout = %d, want 250", bt)
	}
}

func TestOpenFileUsesWAL(t *testing.T) {
	path := filepath.Join(t.TempDir(), "state", "nous.db")
	db, err := dbopen.Open(path, dbopen.WithMkdirAll())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer db.Close()

	var mode string
	if err := db.QueryRow("PRAGMA journal_mode").Scan(&mode); err != nil {
		t.Fatal(err)
	}
	if mode != "wal" {
		t.Fatalf("journal_mode = %q, want wal", mode)
	}
}

func TestSchemasAppliedTogether(t *testing.T) {
	db := dbopen.OpenMemory(t,
		dbopen.WithSchema(`CREATE TABLE IF NOT EXISTS generations (id TEXT PRIMARY KEY)`),
		dbopen.WithSchema(`CREATE TABLE IF NOT EXISTS entries (
			generation_id TEXT REFERENCES generations(id) ON DELETE CASCADE,
			rid TEXT)`),
	)
	if _, err := db.Exec(`INSERT INTO generations (id) VALUES ('g1')`); err != nil {
		t.Fatal(err)
	}
	if _, err := db.Exec(`INSERT INTO entries (generation_id, rid) VALUES ('g1', 'GET /')`); err != nil {
		t.Fatal(err)
	}
	if _, err := db.Exec(`DELETE FROM generations WHERE id = 'g1'`); err != nil {
		t.Fatal(err)
	}
	var n int
	db.QueryRow(`SELECT COUNT(*) FROM entries`).Scan(&n)
	if n != 0 {
		t.Fatalf("entries = %d, want 0 after cascade", n)
	}
}

func TestBrokenSchemaLeavesNothing(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nous.db")
	_, err := dbopen.Open(path,
		dbopen.WithSchema(`CREATE TABLE mutation_queue (seq INTEGER PRIMARY KEY)`),
		dbopen.WithSchema(`CREATE TABLE broken (`))
	if err == nil {
		t.Fatal("expected schema error")
	}

	db, err := dbopen.Open(path)
	if err != nil {
		t.Fatal(err)
	}
	defer db.Close()
	var n int
	db.QueryRow(`SELECT COUNT(*) FROM sqlite_master WHERE name = 'mutation_queue'`).Scan(&n)
	if n != 0 {
		t.Fatal("first schema survived a failed migration")
	}
}

func TestIsBusy(t *testing.T) {
	tests := []struct {
		err  error
		want bool
	}{
		{nil, false},
		{errors.New("constraint failed"), false},
		{errors.New("SQLITE_BUSY"), true},
		{errors.New("database is locked"), true},
		{fmt.Errorf("cachestore: delete: %w", errors.New("database table is locked")), true},
	}
	for _, tt := range tests {
		if got := dbopen.IsBusy(tt.err); got != tt.want {
			t.Errorf("IsBusy(%v) = %v, want %v", tt.err, got, tt.want)
		}
	}
}

func TestRunTx(t *testing.T) {
	db := dbopen.OpenMemory(t, dbopen.WithSchema(`CREATE TABLE kv (k TEXT PRIMARY KEY, v TEXT)`))
	ctx := context.Background()

	if err := dbopen.RunTx(ctx, db, func(tx *sql.Tx) error {
		_, err := tx.Exec(`INSERT INTO kv VALUES ('a', '1')`)
		return err
	}); err != nil {
		t.Fatalf("RunTx: %v", err)
	}

	sentinel := errors.New("rollback me")
	err := dbopen.RunTx(ctx, db, func(tx *sql.Tx) error {
		tx.Exec(`INSERT INTO kv VALUES ('b', '2')`)
		return sentinel
	})
	if !errors.Is(err, sentinel) {
		t.Fatalf("RunTx = %v, want sentinel", err)
	}

	var n int
	db.QueryRow(`SELECT COUNT(*) FROM kv`).Scan(&n)
	if n != 1 {
		t.Fatalf("rows = %d, want 1", n)
	}
}

func TestRunTxRetriesBusy(t *testing.T) {
	db := dbopen.OpenMemory(t)
	calls := 0
	err := dbopen.RunTx(context.Background(), db, func(*sql.Tx) error {
		calls++
		if calls < 2 {
			return errors.New("database is locked")
		}
		return nil
	})
	if err != nil || calls != 2 {
		t.Fatalf("RunTx = %v after %d calls", err, calls)
	}

	calls = 0
	err = dbopen.RunTx(context.Background(), db, func(*sql.Tx) error {
		calls++
		return errors.New("database is locked")
	})
	if !dbopen.IsBusy(err) || calls != dbopen.Attempts {
		t.Fatalf("RunTx = %v after %d calls, want busy after %d", err, calls, dbopen.Attempts)
	}
}

func TestRunTxCancelled(t *testing.T) {
	db := dbopen.OpenMemory(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := dbopen.RunTx(ctx, db, func(*sql.Tx) error { return nil }); err == nil {
		t.Fatal("expected error on cancelled context")
	}
}

func TestExec(t *testing.T) {
	db := dbopen.OpenMemory(t, dbopen.WithSchema(`CREATE TABLE ids (id TEXT PRIMARY KEY)`))
	res, err := dbopen.Exec(context.Background(), db, `INSERT INTO ids (id) VALUES (?)`, "1")
	if err != nil {
		t.Fatalf("Exec: %v", err)
	}
	if n, _ := res.RowsAffected(); n != 1 {
		t.Fatalf("RowsAffected = %d", n)
	}
}

func TestSleepCtx(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := dbopen.SleepCtx(ctx, time.Hour); !errors.Is(err, context.Canceled) {
		t.Fatalf("SleepCtx = %v, want context.Canceled", err)
	}
	if err := dbopen.SleepCtx(context.Background(), time.Millisecond); err != nil {
		t.Fatalf("SleepCtx = %v", err)
	}
}
