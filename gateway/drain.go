package gateway

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/hazyhaar/nous/connectivity"
	"github.com/hazyhaar/nous/hub"
	"github.com/hazyhaar/nous/metrics"
	"github.com/hazyhaar/nous/mutation"
	"github.com/hazyhaar/nous/observability"
	"github.com/hazyhaar/nous/remote"
)

// Drainer replays the queue when connectivity returns and reports the
// outcome. Its Drain method is the connectivity.Monitor drain hook.
type Drainer struct {
	Queue   *mutation.Queue
	Writer  remote.Writer
	Hub     *hub.Hub
	Journal *observability.EventLogger
	Metrics *metrics.Collector
	Logger  *slog.Logger
}

// Drain replays pending writes in order. Every drain, including an empty
// one, is broadcast as SYNC_RESULT. A drain stopped by a transient failure
// returns an error wrapping connectivity.ErrStalled.
func (d *Drainer) Drain(ctx context.Context) error {
	log := d.Logger
	if log == nil {
		log = slog.Default()
	}
	sum, err := d.Queue.Drain(ctx, d.Writer)
	failed := len(sum.Failed)
	d.Metrics.Drained(sum.Succeeded, failed, sum.Remaining)

	details := map[string]any{"synced": sum.Succeeded, "failed": failed, "pending": sum.Remaining}
	if err != nil {
		details["error"] = err.Error()
	}
	d.Journal.LogEvent(ctx, observability.Event{
		Kind: observability.KindDrain, Success: err == nil && failed == 0, Details: details,
	})
	if d.Hub != nil {
		d.Hub.Broadcast(hub.SyncResult(sum.Succeeded, failed, sum.Remaining))
	}
	if err != nil {
		return fmt.Errorf("gateway: drain: %w", err)
	}

	for _, f := range sum.Failed {
		if f.Permanent {
			log.WarnContext(ctx, "gateway: queued write rejected", "seq", f.Seq, "op", f.Op, "path", f.TargetPath, "error", f.Message)
		}
	}
	if sum.Stalled() {
		return fmt.Errorf("gateway: drain: %w: %w", connectivity.ErrStalled, sum.Failed[len(sum.Failed)-1].Err)
	}
	log.InfoContext(ctx, "gateway: drain finished", "synced", sum.Succeeded, "failed", failed, "pending", sum.Remaining)
	return nil
}
