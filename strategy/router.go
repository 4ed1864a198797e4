package strategy

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"

	"github.com/hazyhaar/nous/cachestore"
	"github.com/hazyhaar/nous/manifest"
)

// ErrNotIntercepted is returned for bypassed requests. The caller forwards
// them with its normal transport.
var ErrNotIntercepted = errors.New("strategy: not intercepted")

// Source tells where a response came from.
type Source string

const (
	SourceNetwork  Source = "network"
	SourceCache    Source = "cache"
	SourceFallback Source = "fallback"
)

// Response is a served response.
type Response struct {
	Status int
	Header http.Header
	Body   []byte
	Source Source
	// Generation is the cache generation the response was read from or
	// stored under, empty when none.
	Generation string
}

// Fetcher performs live fetches.
type Fetcher interface {
	Fetch(ctx context.Context, r *Request) (*Response, error)
}

// FetcherFunc adapts a function to Fetcher.
type FetcherFunc func(ctx context.Context, r *Request) (*Response, error)

func (f FetcherFunc) Fetch(ctx context.Context, r *Request) (*Response, error) { return f(ctx, r) }

// Generations reports the generation currently serving traffic, or "".
type Generations interface {
	Active() string
}

// Recorder receives routing metrics. metrics.Collector implements it.
type Recorder interface {
	Served(class, source string)
	StoreError(op string)
	Refresh(outcome string)
}

// FetchError is returned when a request could be served neither live nor
// from the cache.
type FetchError struct {
	ID       manifest.ResourceID
	Class    Class
	Document bool
	Err      error
}

func (e *FetchError) Error() string {
	return fmt.Sprintf("strategy: %s %s: %v", e.Class, e.ID, e.Err)
}

func (e *FetchError) Unwrap() error { return e.Err }

// Options configures a Router.
type Options struct {
	Logger   *slog.Logger
	Recorder Recorder
	// RefreshTimeout bounds one background refresh. Default: 30s.
	RefreshTimeout time.Duration
	// RefreshRate limits background refreshes per second; refreshes over
	// the limit wait. Default: 10.
	RefreshRate rate.Limit
	// RefreshBurst is the limiter burst. Default: 20.
	RefreshBurst int
	// NavigationFallbacks are tried in order when a document is neither
	// reachable nor cached. Default: GET /index.html, GET /.
	NavigationFallbacks []manifest.ResourceID
}

func (o *Options) defaults() {
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
	if o.Recorder == nil {
		o.Recorder = nopRecorder{}
	}
	if o.RefreshTimeout <= 0 {
		o.RefreshTimeout = 30 * time.Second
	}
	if o.RefreshRate <= 0 {
		o.RefreshRate = 10
	}
	if o.RefreshBurst <= 0 {
		o.RefreshBurst = 20
	}
	if o.NavigationFallbacks == nil {
		for _, p := range manifest.DefaultNavigationFallbacks {
			o.NavigationFallbacks = append(o.NavigationFallbacks, manifest.MustResourceID("GET", p))
		}
	}
}

type nopRecorder struct{}

func (nopRecorder) Served(string, string) {}
func (nopRecorder) StoreError(string)     {}
func (nopRecorder) Refresh(string)        {}

// Router serves intercepted requests.
type Router struct {
	store   cachestore.Store
	fetcher Fetcher
	gens    Generations
	opts    Options
	log     *slog.Logger

	table     atomic.Pointer[Table]
	fallbacks atomic.Pointer[[]manifest.ResourceID]
	limiter   *rate.Limiter

	mu       sync.Mutex
	inflight map[manifest.ResourceID]struct{}
	wg       sync.WaitGroup
}

// NewRouter builds a Router using table for classification.
func NewRouter(table *Table, store cachestore.Store, fetcher Fetcher, gens Generations, opts Options) *Router {
	opts.defaults()
	r := &Router{
		store:    store,
		fetcher:  fetcher,
		gens:     gens,
		opts:     opts,
		log:      opts.Logger,
		limiter:  rate.NewLimiter(opts.RefreshRate, opts.RefreshBurst),
		inflight: make(map[manifest.ResourceID]struct{}),
	}
	r.table.Store(table)
	fb := slices.Clone(opts.NavigationFallbacks)
	r.fallbacks.Store(&fb)
	return r
}

// SetTable swaps the classification table, e.g. after a new generation with
// different remote hosts is activated.
func (r *Router) SetTable(t *Table) { r.table.Store(t) }

// SetNavigationFallbacks swaps the navigation fallback chain.
func (r *Router) SetNavigationFallbacks(ids []manifest.ResourceID) {
	fb := slices.Clone(ids)
	r.fallbacks.Store(&fb)
}

// Classify exposes the current table's decision.
func (r *Router) Classify(req *Request) (Class, string) {
	return r.table.Load().Classify(req)
}

// Serve answers req according to its class. Bypassed requests return
// ErrNotIntercepted and are never read from or written to the cache.
func (r *Router) Serve(ctx context.Context, req *Request) (*Response, error) {
	class, rule := r.Classify(req)
	if class == Bypass {
		r.opts.Recorder.Served(class.String(), "passthrough")
		return nil, ErrNotIntercepted
	}
	id, err := req.ID()
	if err != nil {
		return nil, fmt.Errorf("strategy: %w", err)
	}
	r.log.DebugContext(ctx, "strategy: classified", "resource", id, "class", class, "rule", rule)

	var resp *Response
	switch class {
	case NetworkFirst:
		resp, err = r.networkFirst(ctx, req, id)
	default:
		resp, err = r.cacheFirst(ctx, req, id)
	}
	if err != nil {
		r.opts.Recorder.Served(class.String(), "error")
		return nil, err
	}
	r.opts.Recorder.Served(class.String(), string(resp.Source))
	return resp, nil
}

func (r *Router) networkFirst(ctx context.Context, req *Request, id manifest.ResourceID) (*Response, error) {
	gen := r.gens.Active()
	resp, err := r.fetcher.Fetch(ctx, req)
	if err == nil {
		resp.Source = SourceNetwork
		if gen != "" && cacheable(resp) && r.put(ctx, gen, id, resp) {
			resp.Generation = gen
		}
		return resp, nil
	}

	r.log.InfoContext(ctx, "strategy: live fetch failed, trying cache", "resource", id, "error", err)
	if gen == "" {
		return nil, &FetchError{ID: id, Class: NetworkFirst, Document: true, Err: err}
	}
	if e := r.get(ctx, gen, id); e != nil {
		return fromEntry(e, SourceCache), nil
	}
	for _, fb := range *r.fallbacks.Load() {
		if fb == id {
			continue
		}
		if e := r.get(ctx, gen, fb); e != nil {
			return fromEntry(e, SourceFallback), nil
		}
	}
	return nil, &FetchError{ID: id, Class: NetworkFirst, Document: true, Err: err}
}

func (r *Router) cacheFirst(ctx context.Context, req *Request, id manifest.ResourceID) (*Response, error) {
	gen := r.gens.Active()
	if gen != "" {
		if e := r.get(ctx, gen, id); e != nil {
			r.refresh(ctx, gen, req, id)
			return fromEntry(e, SourceCache), nil
		}
	}

	resp, err := r.fetcher.Fetch(ctx, req)
	if err != nil {
		return nil, &FetchError{ID: id, Class: CacheFirst, Document: IsDocument(req), Err: err}
	}
	resp.Source = SourceNetwork
	if gen != "" && cacheable(resp) && r.put(ctx, gen, id, resp) {
		resp.Generation = gen
	}
	return resp, nil
}

// refresh schedules one background re-fetch of id. Concurrent refreshes of
// the same key are collapsed. Over the rate limit a refresh waits for a token
// rather than being dropped. The result is stored only if gen is still live.
func (r *Router) refresh(ctx context.Context, gen string, req *Request, id manifest.ResourceID) {
	r.mu.Lock()
	if _, busy := r.inflight[id]; busy {
		r.mu.Unlock()
		r.opts.Recorder.Refresh("deduplicated")
		return
	}
	r.inflight[id] = struct{}{}
	r.wg.Add(1)
	r.mu.Unlock()

	req = req.clone()
	bg := context.WithoutCancel(ctx)
	go func() {
		defer r.wg.Done()
		defer func() {
			r.mu.Lock()
			delete(r.inflight, id)
			r.mu.Unlock()
		}()

		ctx, cancel := context.WithTimeout(bg, r.opts.RefreshTimeout)
		defer cancel()

		if err := r.limiter.Wait(ctx); err != nil {
			r.opts.Recorder.Refresh("throttled")
			return
		}
		if r.gens.Active() != gen {
			r.opts.Recorder.Refresh("superseded")
			return
		}
		resp, err := r.fetcher.Fetch(ctx, req)
		if err != nil {
			r.log.DebugContext(ctx, "strategy: background refresh failed", "resource", id, "error", err)
			r.opts.Recorder.Refresh("failed")
			return
		}
		if !cacheable(resp) {
			r.opts.Recorder.Refresh("uncacheable")
			return
		}
		if r.gens.Active() != gen || !r.put(ctx, gen, id, resp) {
			r.opts.Recorder.Refresh("superseded")
			return
		}
		r.opts.Recorder.Refresh("stored")
	}()
}

// Wait blocks until all background refreshes have finished.
func (r *Router) Wait() { r.wg.Wait() }

func (r *Router) get(ctx context.Context, gen string, id manifest.ResourceID) *cachestore.Entry {
	e, err := r.store.Get(ctx, gen, id)
	if err == nil {
		return e
	}
	if !errors.Is(err, cachestore.ErrMiss) {
		r.log.WarnContext(ctx, "strategy: cache read failed", "resource", id, "generation", gen, "error", err)
		r.opts.Recorder.StoreError("get")
	}
	return nil
}

// put stores resp under gen and reports whether it was stored. A generation
// evicted while the fetch was in flight refuses the write.
func (r *Router) put(ctx context.Context, gen string, id manifest.ResourceID, resp *Response) bool {
	err := r.store.Put(ctx, cachestore.Entry{
		ResourceID:   id,
		GenerationID: gen,
		Status:       resp.Status,
		Header:       resp.Header.Clone(),
		Body:         resp.Body,
	})
	switch {
	case err == nil:
		return true
	case errors.Is(err, cachestore.ErrEvicted):
		r.log.DebugContext(ctx, "strategy: generation evicted during fetch, not cached", "resource", id, "generation", gen)
	default:
		r.log.WarnContext(ctx, "strategy: cache write failed", "resource", id, "generation", gen, "error", err)
		r.opts.Recorder.StoreError("put")
	}
	return false
}

// cacheable: only complete 200 responses that do not forbid storage.
func cacheable(resp *Response) bool {
	if resp.Status != http.StatusOK {
		return false
	}
	return !containsToken(resp.Header.Get("Cache-Control"), "no-store")
}

func fromEntry(e *cachestore.Entry, src Source) *Response {
	return &Response{
		Status:     e.Status,
		Header:     e.Header.Clone(),
		Body:       e.Body,
		Source:     src,
		Generation: e.GenerationID,
	}
}
