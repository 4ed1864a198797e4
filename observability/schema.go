// Package observability keeps a durable journal of the gateway's business
// events: generation lifecycle transitions, install outcomes, drain
// summaries, connectivity edges. It lives in the same SQLite file as the
// cache and queue and is exposed read-only over the admin surface.
package observability

import (
	"context"
	"database/sql"
	"fmt"
)

// Schema contains the DDL for the journal.
const Schema = `
CREATE TABLE IF NOT EXISTS offline_events (
    event_id   TEXT PRIMARY KEY,
    kind       TEXT NOT NULL,
    generation TEXT NOT NULL DEFAULT '',
    actor      TEXT NOT NULL DEFAULT '',
    details    TEXT NOT NULL DEFAULT '{}',
    success    INTEGER NOT NULL DEFAULT 1,
    created_at INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_offline_events_time
    ON offline_events(created_at DESC);
CREATE INDEX IF NOT EXISTS idx_offline_events_kind
    ON offline_events(kind, created_at DESC);
`

// Init applies Schema to db.
func Init(ctx context.Context, db *sql.DB) error {
	if _, err := db.ExecContext(ctx, Schema); err != nil {
		return fmt.Errorf("observability: init: %w", err)
	}
	return nil
}
