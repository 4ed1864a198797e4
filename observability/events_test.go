package observability

import (
	"context"
	"testing"
	"time"

	_ "modernc.org/sqlite"

	"github.com/hazyhaar/nous/dbopen"
	"github.com/hazyhaar/nous/idgen"
	"github.com/hazyhaar/nous/kit"
)

func newTestLogger(t *testing.T, now *time.Time) *EventLogger {
	t.Helper()
	db := dbopen.OpenMemory(t, dbopen.WithSchema(Schema))
	return NewEventLogger(db,
		WithEventIDGenerator(idgen.Sequence("evt_")),
		WithClock(func() time.Time { return *now }))
}

func TestLogEventAndRecent(t *testing.T) {
	now := time.Date(2026, 10, 18, 9, 0, 0, 0, time.UTC)
	l := newTestLogger(t, &now)
	ctx := kit.WithActor(context.Background(), "admin")

	l.LogEvent(ctx, Event{Kind: KindInstallCompleted, Generation: "g1", Success: true, Details: map[string]any{"resources": 4}})
	now = now.Add(time.Second)
	l.LogEvent(ctx, Event{Kind: KindActivated, Generation: "g1", Success: true})
	now = now.Add(time.Second)
	l.LogEvent(context.Background(), Event{Kind: KindDrain, Success: false})

	all, err := l.Recent(context.Background(), "", 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(all) != 3 {
		t.Fatalf("events = %d, want 3", len(all))
	}
	if all[0].Kind != KindDrain || all[0].Actor != "system" || all[0].Success {
		t.Fatalf("newest = %+v", all[0])
	}
	if all[2].Actor != "admin" || all[2].Details["resources"] != float64(4) {
		t.Fatalf("oldest = %+v", all[2])
	}

	only, err := l.Recent(context.Background(), KindActivated, 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(only) != 1 || only[0].ID != "evt_2" {
		t.Fatalf("filtered = %+v", only)
	}
}

func TestLogEventRecordsCallOrigin(t *testing.T) {
	now := time.Date(2026, 10, 18, 9, 0, 0, 0, time.UTC)
	l := newTestLogger(t, &now)

	ctx := kit.WithTransport(context.Background(), "http")
	ctx = kit.WithTraceID(ctx, "0a1b2c3d")
	ctx = kit.WithRemoteAddr(ctx, "10.0.0.7")
	l.LogEvent(ctx, Event{Kind: KindCleared, Success: true, Details: map[string]any{"evicted": 2}})
	now = now.Add(time.Second)
	l.LogEvent(kit.WithTransport(context.Background(), "mcp"), Event{Kind: KindActivated, Generation: "g1", Success: true})
	now = now.Add(time.Second)
	l.LogEvent(context.Background(), Event{Kind: KindConnectivity, Success: true})

	evs, err := l.Recent(context.Background(), "", 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(evs) != 3 {
		t.Fatalf("events = %d, want 3", len(evs))
	}
	if _, ok := evs[0].Details["transport"]; ok {
		t.Fatalf("background event carries a transport: %+v", evs[0].Details)
	}
	if evs[1].Details["transport"] != "mcp" || evs[1].Details["remote_addr"] != nil {
		t.Fatalf("mcp event details = %+v", evs[1].Details)
	}
	d := evs[2].Details
	if d["transport"] != "http" || d["trace_id"] != "0a1b2c3d" || d["remote_addr"] != "10.0.0.7" || d["evicted"] != float64(2) {
		t.Fatalf("http event details = %+v", d)
	}
}

func TestNilEventLoggerIsNoop(t *testing.T) {
	var l *EventLogger
	l.LogEvent(context.Background(), Event{Kind: KindCleared})
}

func TestCleanup(t *testing.T) {
	now := time.Date(2026, 10, 1, 0, 0, 0, 0, time.UTC)
	l := newTestLogger(t, &now)
	ctx := context.Background()

	l.LogEvent(ctx, Event{Kind: KindConnectivity})
	now = now.AddDate(0, 0, 10)
	l.LogEvent(ctx, Event{Kind: KindConnectivity})

	n, err := l.Cleanup(ctx, 7*24*time.Hour)
	if err != nil {
		t.Fatal(err)
	}
	if n != 1 {
		t.Fatalf("removed = %d, want 1", n)
	}
	left, _ := l.Recent(ctx, "", 0)
	if len(left) != 1 {
		t.Fatalf("left = %d", len(left))
	}
}
