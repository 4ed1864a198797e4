// Package connectivity tracks whether the remote collaborator is reachable
// and replays the mutation queue when it comes back.
//
// A Monitor holds one boolean. Set is edge-triggered: only an actual
// change notifies listeners, and only the unreachable to reachable edge
// starts a drain. At most one drain runs at a time; recovery signals that
// arrive while it runs are absorbed.
//
//	mon := connectivity.NewMonitor(connectivity.Options{Drain: drainQueue})
//	unsub := mon.Subscribe(func(reachable bool) { ... })
//	defer unsub()
//	mon.Set(ctx, false)
//	mon.Set(ctx, true) // starts exactly one drain
package connectivity

import (
	"context"
	"errors"
	"log/slog"
	"slices"
	"sync"
	"sync/atomic"
	"time"
)

// DrainFunc replays pending work. It runs in its own goroutine on a context
// detached from the caller of Set. An error wrapping ErrStalled marks the
// remote unreachable after the drain returns.
type DrainFunc func(ctx context.Context) error

// Listener observes every reachability transition.
type Listener func(reachable bool)

// Recorder receives connectivity metrics. metrics.Collector implements it.
type Recorder interface {
	Connectivity(reachable bool)
	DrainStarted()
}

// Options configures a Monitor.
type Options struct {
	Logger   *slog.Logger
	Drain    DrainFunc
	Recorder Recorder
	// StartUnreachable makes the monitor begin in the unreachable state.
	// The first Set(true) then starts a drain.
	StartUnreachable bool
	// Now stamps state changes. Default: time.Now.
	Now func() time.Time
}

func (o *Options) defaults() {
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
	if o.Now == nil {
		o.Now = time.Now
	}
	if o.Recorder == nil {
		o.Recorder = nopRecorder{}
	}
}

type nopRecorder struct{}

func (nopRecorder) Connectivity(bool) {}
func (nopRecorder) DrainStarted()     {}

// Monitor is the connectivity state holder.
type Monitor struct {
	opts Options
	log  *slog.Logger

	mu        sync.Mutex
	reachable bool
	changed   time.Time
	listeners map[int]Listener
	nextID    int

	draining atomic.Bool
	wg       sync.WaitGroup
}

// NewMonitor creates a Monitor. It starts reachable unless
// Options.StartUnreachable is set.
func NewMonitor(opts Options) *Monitor {
	opts.defaults()
	m := &Monitor{
		opts:      opts,
		log:       opts.Logger,
		reachable: !opts.StartUnreachable,
		changed:   opts.Now(),
		listeners: make(map[int]Listener),
	}
	m.opts.Recorder.Connectivity(m.reachable)
	return m
}

// Reachable returns the current state.
func (m *Monitor) Reachable() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.reachable
}

// Changed returns when the current state began.
func (m *Monitor) Changed() time.Time {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.changed
}

// Set records the reachability of the remote. It reports whether the state
// changed. Listeners run synchronously, in subscription order, after the
// state is updated.
func (m *Monitor) Set(ctx context.Context, reachable bool) bool {
	m.mu.Lock()
	if m.reachable == reachable {
		m.mu.Unlock()
		return false
	}
	now := m.opts.Now()
	held := now.Sub(m.changed)
	m.reachable = reachable
	m.changed = now
	ls := m.snapshot()
	m.mu.Unlock()

	m.log.InfoContext(ctx, "connectivity: state changed", "reachable", reachable, "previous_for", held)
	m.opts.Recorder.Connectivity(reachable)
	for _, l := range ls {
		l(reachable)
	}
	if reachable {
		m.startDrain(ctx)
	}
	return true
}

// ReportUnreachable marks the remote unreachable after a failed write.
// mutation.Submitter calls it.
func (m *Monitor) ReportUnreachable(ctx context.Context, cause error) {
	if m.Set(ctx, false) {
		m.log.WarnContext(ctx, "connectivity: remote unreachable", "error", cause)
	}
}

// TriggerDrain starts a drain if the remote is reachable and none is
// running. It reports whether a drain was started. The host calls it at
// startup so entries left by a previous run are replayed.
func (m *Monitor) TriggerDrain(ctx context.Context) bool {
	if !m.Reachable() {
		return false
	}
	return m.startDrain(ctx)
}

// Draining reports whether a drain is running.
func (m *Monitor) Draining() bool { return m.draining.Load() }

// Subscribe registers l and returns a function that removes it.
func (m *Monitor) Subscribe(l Listener) (unsubscribe func()) {
	m.mu.Lock()
	id := m.nextID
	m.nextID++
	m.listeners[id] = l
	m.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			m.mu.Lock()
			delete(m.listeners, id)
			m.mu.Unlock()
		})
	}
}

// Wait blocks until no drain is running.
func (m *Monitor) Wait() { m.wg.Wait() }

func (m *Monitor) startDrain(ctx context.Context) bool {
	if m.opts.Drain == nil {
		return false
	}
	if !m.draining.CompareAndSwap(false, true) {
		m.log.DebugContext(ctx, "connectivity: drain already running, recovery absorbed")
		return false
	}
	m.opts.Recorder.DrainStarted()
	m.wg.Add(1)
	dctx := context.WithoutCancel(ctx)
	go func() {
		defer m.wg.Done()
		err := m.opts.Drain(dctx)
		m.draining.Store(false)
		switch {
		case err == nil:
		case errors.Is(err, ErrStalled):
			m.ReportUnreachable(dctx, err)
		default:
			m.log.WarnContext(dctx, "connectivity: drain failed", "error", err)
		}
	}()
	return true
}

// snapshot must be called with mu held.
func (m *Monitor) snapshot() []Listener {
	ids := make([]int, 0, len(m.listeners))
	for id := range m.listeners {
		ids = append(ids, id)
	}
	slices.Sort(ids)
	out := make([]Listener, len(ids))
	for i, id := range ids {
		out[i] = m.listeners[id]
	}
	return out
}
