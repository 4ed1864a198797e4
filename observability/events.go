package observability

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"maps"
	"time"

	"github.com/hazyhaar/nous/idgen"
	"github.com/hazyhaar/nous/kit"
)

// Event kinds.
const (
	KindInstallStarted   = "install_started"
	KindInstallCompleted = "install_completed"
	KindInstallFailed    = "install_failed"
	KindActivated        = "activated"
	KindEvicted          = "evicted"
	KindCleared          = "cleared"
	KindConnectivity     = "connectivity"
	KindDrain            = "drain"
)

// Event is one journal entry.
type Event struct {
	ID         string         `json:"id"`
	Kind       string         `json:"kind"`
	Generation string         `json:"generation,omitempty"`
	Actor      string         `json:"actor,omitempty"`
	Details    map[string]any `json:"details,omitempty"`
	Success    bool           `json:"success"`
	CreatedAt  time.Time      `json:"created_at"`
}

// EventLogger writes events and serves the recent history.
type EventLogger struct {
	db     *sql.DB
	newID  idgen.Generator
	now    func() time.Time
	logger *slog.Logger
}

// EventLoggerOption configures an EventLogger.
type EventLoggerOption func(*EventLogger)

// WithEventIDGenerator sets a custom ID generator for event IDs.
func WithEventIDGenerator(gen idgen.Generator) EventLoggerOption {
	return func(l *EventLogger) { l.newID = gen }
}

// WithClock overrides time.Now.
func WithClock(now func() time.Time) EventLoggerOption {
	return func(l *EventLogger) { l.now = now }
}

// WithLogger sets the slog logger used to report journal write failures.
func WithLogger(logger *slog.Logger) EventLoggerOption {
	return func(l *EventLogger) { l.logger = logger }
}

// NewEventLogger creates a journal backed by db. Call Init first.
func NewEventLogger(db *sql.DB, opts ...EventLoggerOption) *EventLogger {
	l := &EventLogger{
		db:     db,
		newID:  idgen.Prefixed("evt_", idgen.Default),
		now:    time.Now,
		logger: slog.Default(),
	}
	for _, o := range opts {
		o(l)
	}
	return l
}

// LogEvent records ev. Failures are logged, never returned, so a broken
// journal cannot block a lifecycle transition or a drain. A nil logger is a
// no-op. The actor defaults to kit.GetActor(ctx). For calls that arrived
// over HTTP or MCP the transport, trace id and client address are added to
// the details.
func (l *EventLogger) LogEvent(ctx context.Context, ev Event) {
	if l == nil {
		return
	}
	if ev.Actor == "" {
		ev.Actor = kit.GetActor(ctx)
	}
	if origin := callOrigin(ctx); len(origin) > 0 {
		ev.Details = maps.Clone(ev.Details)
		if ev.Details == nil {
			ev.Details = make(map[string]any, len(origin))
		}
		maps.Copy(ev.Details, origin)
	}
	details := "{}"
	if len(ev.Details) > 0 {
		b, err := json.Marshal(ev.Details)
		if err != nil {
			l.logger.Warn("observability: encode details failed", "kind", ev.Kind, "error", err)
		} else {
			details = string(b)
		}
	}
	_, err := l.db.ExecContext(context.WithoutCancel(ctx), `
		INSERT INTO offline_events (event_id, kind, generation, actor, details, success, created_at)
		VALUES (?,?,?,?,?,?,?)`,
		l.newID(), ev.Kind, ev.Generation, ev.Actor, details, ev.Success, l.now().UnixMilli())
	if err != nil {
		l.logger.Error("observability: event log failed", "error", err, "kind", ev.Kind)
	}
}

func callOrigin(ctx context.Context) map[string]any {
	out := make(map[string]any, 3)
	if t, ok := kit.LookupTransport(ctx); ok {
		out["transport"] = t
	}
	if tid := kit.GetTraceID(ctx); tid != "" {
		out["trace_id"] = tid
	}
	if addr := kit.GetRemoteAddr(ctx); addr != "" {
		out["remote_addr"] = addr
	}
	return out
}

// Recent returns up to limit events, newest first, optionally filtered by kind.
func (l *EventLogger) Recent(ctx context.Context, kind string, limit int) ([]Event, error) {
	if limit <= 0 || limit > 1000 {
		limit = 100
	}
	rows, err := l.db.QueryContext(ctx, `
		SELECT event_id, kind, generation, actor, details, success, created_at
		FROM offline_events
		WHERE (? = '' OR kind = ?)
		ORDER BY created_at DESC, rowid DESC
		LIMIT ?`, kind, kind, limit)
	if err != nil {
		return nil, fmt.Errorf("observability: recent: %w", err)
	}
	defer rows.Close()

	var out []Event
	for rows.Next() {
		var (
			ev      Event
			details string
			ts      int64
		)
		if err := rows.Scan(&ev.ID, &ev.Kind, &ev.Generation, &ev.Actor, &details, &ev.Success, &ts); err != nil {
			return nil, fmt.Errorf("observability: recent: %w", err)
		}
		if details != "" && details != "{}" {
			if err := json.Unmarshal([]byte(details), &ev.Details); err != nil {
				return nil, fmt.Errorf("observability: recent: decode details: %w", err)
			}
		}
		ev.CreatedAt = time.UnixMilli(ts)
		out = append(out, ev)
	}
	return out, rows.Err()
}

// Cleanup deletes events older than maxAge and returns how many were removed.
func (l *EventLogger) Cleanup(ctx context.Context, maxAge time.Duration) (int64, error) {
	cutoff := l.now().Add(-maxAge).UnixMilli()
	res, err := l.db.ExecContext(ctx, `DELETE FROM offline_events WHERE created_at < ?`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("observability: cleanup: %w", err)
	}
	return res.RowsAffected()
}
