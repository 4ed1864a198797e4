package lifecycle

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/hazyhaar/nous/cachestore"
	"github.com/hazyhaar/nous/manifest"
	"github.com/hazyhaar/nous/observability"
	"github.com/hazyhaar/nous/strategy"
)

// Store is the persistence the controller needs.
type Store interface {
	cachestore.Store
	cachestore.StateStore
}

// Update is sent to connected clients after a cutover.
type Update struct {
	Generation string `json:"generation"`
	Previous   string `json:"previous,omitempty"`
}

// Notifier tells every connected client that a new generation is active.
type Notifier interface {
	Notify(ctx context.Context, u Update)
}

// Recorder receives lifecycle metrics. metrics.Collector implements it.
type Recorder interface {
	InstallFinished(outcome string, d time.Duration)
	Activated(generation string)
	Evicted(n int)
}

// Options configures a Controller.
type Options struct {
	Logger *slog.Logger
	// AutoActivate promotes a generation as soon as its install completes.
	AutoActivate bool
	// Concurrency bounds parallel shell fetches during install. Default: 4.
	Concurrency int
	Notifier    Notifier
	Recorder    Recorder
	Journal     *observability.EventLogger
	// OnActivate runs after every cutover (and after Restore finds an
	// active generation) so the host can reconfigure routing.
	OnActivate func(*manifest.Manifest)
	Now        func() time.Time
}

func (o *Options) defaults() {
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
	if o.Concurrency <= 0 {
		o.Concurrency = 4
	}
	if o.Recorder == nil {
		o.Recorder = nopRecorder{}
	}
	if o.Now == nil {
		o.Now = time.Now
	}
}

type nopRecorder struct{}

func (nopRecorder) InstallFinished(string, time.Duration) {}
func (nopRecorder) Activated(string)                      {}
func (nopRecorder) Evicted(int)                           {}

type generation struct {
	state      State
	manifest   *manifest.Manifest
	installing bool
	installed  int
	lastError  string
	updatedAt  time.Time
}

// GenerationStatus is one row of Status.
type GenerationStatus struct {
	Generation  string    `json:"generation"`
	State       State     `json:"state"`
	Fingerprint string    `json:"fingerprint,omitempty"`
	Shell       int       `json:"shell"`
	Installed   int       `json:"installed"`
	LastError   string    `json:"last_error,omitempty"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// Controller owns the generations.
type Controller struct {
	store   Store
	fetcher strategy.Fetcher
	opts    Options
	log     *slog.Logger

	// opMu serialises Activate, Clear and Restore.
	opMu   sync.Mutex
	mu     sync.Mutex
	gens   map[string]*generation
	active atomic.Pointer[string]
}

// NewController builds a Controller. Call Restore before serving traffic.
func NewController(store Store, fetcher strategy.Fetcher, opts Options) *Controller {
	opts.defaults()
	c := &Controller{
		store:   store,
		fetcher: fetcher,
		opts:    opts,
		log:     opts.Logger,
		gens:    make(map[string]*generation),
	}
	empty := ""
	c.active.Store(&empty)
	return c
}

// Active returns the generation serving traffic, or "".
func (c *Controller) Active() string { return *c.active.Load() }

// ActiveManifest returns the manifest of the active generation, or nil.
func (c *Controller) ActiveManifest() *manifest.Manifest {
	c.mu.Lock()
	defer c.mu.Unlock()
	if g := c.gens[c.Active()]; g != nil {
		return g.manifest
	}
	return nil
}

// Observe handles "new version observed": it installs every shell resource
// of m under m's generation. Any shell failure leaves the generation in
// Installing and returns an *InstallError; optional resources are
// best-effort. Observing the same generation again retries the install.
// Observing an installed generation is a no-op.
func (c *Controller) Observe(ctx context.Context, m *manifest.Manifest) error {
	gen := m.Generation()

	c.mu.Lock()
	g := c.gens[gen]
	switch {
	case g == nil:
		g = &generation{state: Installing, manifest: m, updatedAt: c.opts.Now()}
		c.gens[gen] = g
	case g.state == Retired:
		c.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrRetired, gen)
	case g.state != Installing:
		c.mu.Unlock()
		c.log.DebugContext(ctx, "lifecycle: generation already installed", "generation", gen, "state", g.state)
		return nil
	case g.installing:
		c.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrInstallInProgress, gen)
	default:
		g.manifest = m
	}
	g.installing = true
	c.mu.Unlock()

	c.persist(ctx, gen, Installing, m)
	c.journal(ctx, observability.Event{Kind: observability.KindInstallStarted, Generation: gen, Success: true,
		Details: map[string]any{"shell": len(m.Shell()), "fingerprint": m.Fingerprint()}})
	c.log.InfoContext(ctx, "lifecycle: installing", "generation", gen, "shell", len(m.Shell()))

	start := c.opts.Now()
	installed, failures := c.install(ctx, gen, m)
	dur := c.opts.Now().Sub(start)

	c.mu.Lock()
	g.installing = false
	g.installed = installed
	g.updatedAt = c.opts.Now()
	if g.state == Retired {
		// Evicted while installing. Puts after the eviction were refused;
		// delete again unless a newer install of gen has taken over.
		reinstalled := c.gens[gen] != nil && c.gens[gen] != g
		c.mu.Unlock()
		if !reinstalled {
			if err := c.store.DeleteGeneration(context.WithoutCancel(ctx), gen); err != nil {
				c.log.WarnContext(ctx, "lifecycle: cleanup of superseded install failed", "generation", gen, "error", err)
			}
		}
		c.opts.Recorder.InstallFinished("superseded", dur)
		return fmt.Errorf("%w: %s", ErrSuperseded, gen)
	}
	if len(failures) > 0 {
		next, _ := Transition(g.state, EventInstallFailed)
		g.state = next
		ierr := &InstallError{Generation: gen, Failures: failures}
		g.lastError = ierr.Error()
		c.mu.Unlock()

		c.persist(ctx, gen, next, nil)
		c.opts.Recorder.InstallFinished("incomplete", dur)
		c.journal(ctx, observability.Event{Kind: observability.KindInstallFailed, Generation: gen, Success: false,
			Details: map[string]any{"failed": len(failures), "installed": installed, "error": ierr.Error()}})
		c.log.WarnContext(ctx, "lifecycle: install incomplete, generation not promoted",
			"generation", gen, "failed", len(failures), "installed", installed)
		return ierr
	}
	next, err := Transition(g.state, EventInstalled)
	if err != nil {
		c.mu.Unlock()
		return err
	}
	g.state = next
	g.lastError = ""
	c.mu.Unlock()

	c.persist(ctx, gen, next, nil)
	c.opts.Recorder.InstallFinished("complete", dur)
	c.journal(ctx, observability.Event{Kind: observability.KindInstallCompleted, Generation: gen, Success: true,
		Details: map[string]any{"installed": installed, "duration_ms": dur.Milliseconds()}})
	c.log.InfoContext(ctx, "lifecycle: installed, waiting", "generation", gen, "installed", installed)

	if c.opts.AutoActivate {
		return c.Activate(ctx, gen)
	}
	return nil
}

// install fetches the shell (required) and optional resources into gen.
func (c *Controller) install(ctx context.Context, gen string, m *manifest.Manifest) (int, []ResourceFailure) {
	var (
		mu        sync.Mutex
		failures  []ResourceFailure
		installed int
		wg        sync.WaitGroup
		sem       = make(chan struct{}, c.opts.Concurrency)
	)
	run := func(ids []manifest.ResourceID, required bool) {
		for _, id := range ids {
			wg.Add(1)
			sem <- struct{}{}
			go func() {
				defer wg.Done()
				defer func() { <-sem }()
				err := c.installOne(ctx, gen, id)
				mu.Lock()
				defer mu.Unlock()
				switch {
				case err == nil:
					installed++
				case required:
					failures = append(failures, ResourceFailure{Resource: id, Err: err})
				default:
					c.log.InfoContext(ctx, "lifecycle: optional resource skipped", "generation", gen, "resource", id, "error", err)
				}
			}()
		}
	}
	run(m.Shell(), true)
	run(m.Optional(), false)
	wg.Wait()

	slices.SortFunc(failures, func(a, b ResourceFailure) int {
		switch {
		case a.Resource < b.Resource:
			return -1
		case a.Resource > b.Resource:
			return 1
		}
		return 0
	})
	return installed, failures
}

func (c *Controller) installOne(ctx context.Context, gen string, id manifest.ResourceID) error {
	u, err := url.Parse(id.Target())
	if err != nil {
		return err
	}
	req := &strategy.Request{Method: id.Method(), URL: u, Header: http.Header{"Accept": {"*/*"}}}
	resp, err := c.fetcher.Fetch(ctx, req)
	if err != nil {
		return err
	}
	if resp.Status < 200 || resp.Status > 299 {
		return fmt.Errorf("status %d", resp.Status)
	}
	return c.store.Put(ctx, cachestore.Entry{
		ResourceID:   id,
		GenerationID: gen,
		Status:       resp.Status,
		Header:       resp.Header,
		Body:         resp.Body,
	})
}

// Activate handles "activate now": gen moves from Waiting to Active, the
// previously active generation retires, every other generation is evicted
// and connected clients are notified. Activating the active generation is a
// no-op.
func (c *Controller) Activate(ctx context.Context, gen string) error {
	c.opMu.Lock()
	defer c.opMu.Unlock()

	c.mu.Lock()
	g := c.gens[gen]
	if g == nil {
		c.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrUnknownGeneration, gen)
	}
	if g.state == Active {
		c.mu.Unlock()
		return nil
	}
	next, err := Transition(g.state, EventActivate)
	if err != nil {
		c.mu.Unlock()
		return err
	}
	prev := c.Active()
	g.state = next
	g.updatedAt = c.opts.Now()
	if p := c.gens[prev]; p != nil && prev != gen {
		p.state, _ = Transition(p.state, EventSuperseded)
		p.updatedAt = g.updatedAt
	}
	c.active.Store(&gen)
	m := g.manifest
	c.mu.Unlock()

	c.persist(ctx, gen, Active, nil)
	if prev != "" {
		c.persist(ctx, prev, Retiring, nil)
	}
	c.log.InfoContext(ctx, "lifecycle: activated", "generation", gen, "previous", prev)
	c.opts.Recorder.Activated(gen)
	c.journal(ctx, observability.Event{Kind: observability.KindActivated, Generation: gen, Success: true,
		Details: map[string]any{"previous": prev}})

	if c.opts.OnActivate != nil && m != nil {
		c.opts.OnActivate(m)
	}

	evictErr := c.evictAllBut(ctx, gen)

	if c.opts.Notifier != nil {
		c.opts.Notifier.Notify(ctx, Update{Generation: gen, Previous: prev})
	}
	return evictErr
}

// evictAllBut deletes every generation other than keep from the store and
// marks it Retired. A generation whose delete fails stays in its current
// state and is retried by the next Activate or Clear.
func (c *Controller) evictAllBut(ctx context.Context, keep string) error {
	listed, err := c.store.ListGenerations(ctx)
	if err != nil {
		return fmt.Errorf("lifecycle: evict: %w", err)
	}
	c.mu.Lock()
	victims := make(map[string]bool)
	for _, g := range listed {
		victims[g] = true
	}
	for id, g := range c.gens {
		if g.state != Retired {
			victims[id] = true
		}
	}
	delete(victims, keep)
	c.mu.Unlock()

	var errs []error
	evicted := 0
	for id := range victims {
		if err := c.store.DeleteGeneration(ctx, id); err != nil {
			errs = append(errs, err)
			continue
		}
		evicted++
		c.mu.Lock()
		if g := c.gens[id]; g != nil {
			g.state, _ = Transition(g.state, EventEvicted)
			g.updatedAt = c.opts.Now()
		}
		c.mu.Unlock()
		c.journal(ctx, observability.Event{Kind: observability.KindEvicted, Generation: id, Success: true})
		c.log.InfoContext(ctx, "lifecycle: generation evicted", "generation", id)
	}
	c.opts.Recorder.Evicted(evicted)
	if len(errs) > 0 {
		return fmt.Errorf("lifecycle: evict: %w", errors.Join(errs...))
	}
	return nil
}

// Clear handles "manual cache clear": every generation is deleted and
// nothing is active afterwards. Cleared generations are forgotten, so
// observing one of them again installs it afresh.
func (c *Controller) Clear(ctx context.Context) error {
	c.opMu.Lock()
	defer c.opMu.Unlock()

	empty := ""
	c.active.Store(&empty)
	err := c.evictAllBut(ctx, "")
	c.mu.Lock()
	for id, g := range c.gens {
		if g.state == Retired {
			delete(c.gens, id)
		}
	}
	c.mu.Unlock()
	c.journal(ctx, observability.Event{Kind: observability.KindCleared, Success: err == nil})
	c.log.InfoContext(ctx, "lifecycle: cache cleared", "error", err)
	return err
}

// Restore reloads persisted generation states. Generations that were
// retiring when the process stopped are evicted now.
func (c *Controller) Restore(ctx context.Context) error {
	c.opMu.Lock()
	defer c.opMu.Unlock()

	recs, err := c.store.LoadGenerations(ctx)
	if err != nil {
		return fmt.Errorf("lifecycle: restore: %w", err)
	}

	var (
		active   string
		activeM  *manifest.Manifest
		retiring []string
	)
	c.mu.Lock()
	for _, r := range recs {
		var m *manifest.Manifest
		if len(r.Manifest) > 0 {
			if m, err = manifest.Parse(r.Manifest); err != nil {
				c.log.WarnContext(ctx, "lifecycle: restore: bad manifest", "generation", r.Generation, "error", err)
				m = nil
			}
		}
		st := State(r.State)
		if st == Active && m == nil {
			c.log.WarnContext(ctx, "lifecycle: restore: active generation without manifest, retiring", "generation", r.Generation)
			st = Retiring
		}
		c.gens[r.Generation] = &generation{state: st, manifest: m, updatedAt: r.UpdatedAt}
		switch st {
		case Active:
			// Records are ordered oldest first, so the newest active wins.
			if active != "" {
				c.gens[active].state = Retiring
				retiring = append(retiring, active)
			}
			active, activeM = r.Generation, m
		case Retiring:
			retiring = append(retiring, r.Generation)
		}
	}
	c.active.Store(&active)
	c.mu.Unlock()

	for _, id := range retiring {
		if err := c.store.DeleteGeneration(ctx, id); err != nil {
			return fmt.Errorf("lifecycle: restore: evict %s: %w", id, err)
		}
		c.mu.Lock()
		c.gens[id].state = Retired
		c.mu.Unlock()
	}
	if active != "" && c.opts.OnActivate != nil {
		c.opts.OnActivate(activeM)
	}
	c.log.InfoContext(ctx, "lifecycle: restored", "generations", len(recs), "active", active)
	return nil
}

// Status lists every known generation, oldest first.
func (c *Controller) Status() []GenerationStatus {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]GenerationStatus, 0, len(c.gens))
	for id, g := range c.gens {
		st := GenerationStatus{
			Generation: id,
			State:      g.state,
			Installed:  g.installed,
			LastError:  g.lastError,
			UpdatedAt:  g.updatedAt,
		}
		if g.manifest != nil {
			st.Fingerprint = g.manifest.Fingerprint()
			st.Shell = len(g.manifest.Shell())
		}
		out = append(out, st)
	}
	slices.SortFunc(out, func(a, b GenerationStatus) int {
		if n := a.UpdatedAt.Compare(b.UpdatedAt); n != 0 {
			return n
		}
		switch {
		case a.Generation < b.Generation:
			return -1
		case a.Generation > b.Generation:
			return 1
		}
		return 0
	})
	return out
}

// persist writes the state record. Retired generations are never written:
// their record was removed together with their entries.
func (c *Controller) persist(ctx context.Context, gen string, st State, m *manifest.Manifest) {
	c.mu.Lock()
	g := c.gens[gen]
	retired := g != nil && g.state == Retired
	c.mu.Unlock()
	if retired {
		return
	}
	rec := cachestore.Record{Generation: gen, State: string(st), UpdatedAt: c.opts.Now()}
	if m != nil {
		var buf bytes.Buffer
		if err := m.Encode(&buf); err == nil {
			rec.Manifest = buf.Bytes()
		}
	}
	if err := c.store.SaveGeneration(context.WithoutCancel(ctx), rec); err != nil {
		c.log.WarnContext(ctx, "lifecycle: persist state failed", "generation", gen, "state", st, "error", err)
	}
}

func (c *Controller) journal(ctx context.Context, ev observability.Event) {
	c.opts.Journal.LogEvent(ctx, ev)
}
