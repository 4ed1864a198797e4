package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"slices"
	"strconv"
	"time"

	"github.com/hazyhaar/nous/horosafe"
	"github.com/hazyhaar/nous/kit"
	"github.com/hazyhaar/nous/lifecycle"
	"github.com/hazyhaar/nous/manifest"
	"github.com/hazyhaar/nous/mutation"
	"github.com/hazyhaar/nous/remote"
	"github.com/hazyhaar/nous/shield"
)

// Status is the admin view of the offline layer.
type Status struct {
	Active      string                       `json:"active"`
	Reachable   bool                         `json:"reachable"`
	Since       time.Time                    `json:"since"`
	Draining    bool                         `json:"draining"`
	Pending     int                          `json:"pending"`
	Clients     int                          `json:"clients"`
	Generations []lifecycle.GenerationStatus `json:"generations"`
}

// VersionInfo answers GET /_offline/version.
type VersionInfo struct {
	Version string `json:"version"`
	Waiting string `json:"waiting,omitempty"`
}

// WriteRequest is the body of POST /_offline/writes.
type WriteRequest struct {
	Op      string          `json:"op"`
	Path    string          `json:"path"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// Status collects the current state.
func (g *Gateway) Status(ctx context.Context) (*Status, error) {
	n, err := g.d.Queue.Len(ctx)
	if err != nil {
		return nil, fmt.Errorf("gateway: status: %w", err)
	}
	g.d.Metrics.QueueDepth(n)
	return &Status{
		Active:      g.d.Controller.Active(),
		Reachable:   g.d.Monitor.Reachable(),
		Since:       g.d.Monitor.Changed(),
		Draining:    g.d.Monitor.Draining() || g.d.Queue.Draining(),
		Pending:     n,
		Clients:     g.clients(),
		Generations: g.d.Controller.Status(),
	}, nil
}

// Version reports the active generation and the newest waiting one.
func (g *Gateway) Version() VersionInfo {
	return VersionInfo{Version: g.d.Controller.Active(), Waiting: g.newestWaiting()}
}

// Pending lists up to limit queued writes in replay order.
func (g *Gateway) Pending(ctx context.Context, limit int) ([]mutation.Entry, error) {
	entries, err := g.d.Queue.List(ctx, limit)
	if err != nil {
		return nil, fmt.Errorf("gateway: queue: %w", err)
	}
	if entries == nil {
		entries = []mutation.Entry{}
	}
	return entries, nil
}

// Activate promotes gen, or the newest waiting generation when gen is empty.
// It returns the generation that was activated.
func (g *Gateway) Activate(ctx context.Context, gen string) (string, error) {
	if gen == "" {
		gen = g.newestWaiting()
		if gen == "" {
			return "", fmt.Errorf("%w: no waiting generation", lifecycle.ErrUnknownGeneration)
		}
	}
	if err := g.d.Controller.Activate(ctx, gen); err != nil {
		return "", err
	}
	return gen, nil
}

// ClearResult reports a manual cache clear.
type ClearResult struct {
	Status      string `json:"status"`
	Reinstalled string `json:"reinstalled,omitempty"`
	Warning     string `json:"warning,omitempty"`
}

// Clear deletes every cached generation, then reinstalls and activates the
// generation that was active so that pages keep being cached. A failed
// reinstall is a warning: the clear itself has happened.
func (g *Gateway) Clear(ctx context.Context) (*ClearResult, error) {
	ctrl := g.d.Controller
	m := ctrl.ActiveManifest()
	if err := ctrl.Clear(ctx); err != nil {
		return nil, err
	}
	res := &ClearResult{Status: "cleared"}
	if m == nil {
		return res, nil
	}
	if err := g.reinstall(ctx, m); err != nil {
		g.log.WarnContext(ctx, "gateway: reinstall after clear failed", "generation", m.Generation(), "error", err)
		res.Warning = err.Error()
		return res, nil
	}
	res.Reinstalled = m.Generation()
	return res, nil
}

func (g *Gateway) reinstall(ctx context.Context, m *manifest.Manifest) error {
	ctrl := g.d.Controller
	if err := ctrl.Observe(ctx, m); err != nil {
		return err
	}
	if ctrl.Active() == m.Generation() {
		return nil
	}
	return ctrl.Activate(ctx, m.Generation())
}

func (g *Gateway) newestWaiting() string {
	st := g.d.Controller.Status()
	for _, s := range slices.Backward(st) {
		if s.State == lifecycle.Waiting {
			return s.Generation
		}
	}
	return ""
}

// --- handlers ---

func (g *Gateway) handleVersion(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, g.Version())
}

func (g *Gateway) handleManifest(w http.ResponseWriter, r *http.Request) {
	body, err := horosafe.LimitedReadAll(r.Body, g.opts.MaxBody)
	if err != nil {
		writeError(w, http.StatusRequestEntityTooLarge, err)
		return
	}
	m, err := manifest.Parse(body)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	ctx := kit.WithTransport(r.Context(), "http")
	err = g.d.Controller.Observe(ctx, m)
	var ie *lifecycle.InstallError
	switch {
	case err == nil:
		st := lifecycle.Waiting
		if g.d.Controller.Active() == m.Generation() {
			st = lifecycle.Active
		}
		writeJSON(w, http.StatusOK, map[string]any{"generation": m.Generation(), "state": st})
	case errors.As(err, &ie):
		failed := make([]map[string]string, 0, len(ie.Failures))
		for _, f := range ie.Failures {
			failed = append(failed, map[string]string{"resource": f.Resource.String(), "error": f.Err.Error()})
		}
		writeJSON(w, http.StatusBadGateway, map[string]any{
			"generation": m.Generation(), "state": lifecycle.Installing,
			"error": err.Error(), "failures": failed,
		})
	case errors.Is(err, lifecycle.ErrRetired),
		errors.Is(err, lifecycle.ErrInstallInProgress),
		errors.Is(err, lifecycle.ErrSuperseded):
		writeError(w, http.StatusConflict, err)
	default:
		shield.GetLogger(r.Context()).Error("gateway: observe failed", "generation", m.Generation(), "error", err)
		writeError(w, http.StatusInternalServerError, err)
	}
}

func (g *Gateway) handleActivate(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Generation string `json:"generation"`
	}
	if r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, err)
			return
		}
	}
	gen, err := g.Activate(kit.WithTransport(r.Context(), "http"), req.Generation)
	switch {
	case err == nil:
		writeJSON(w, http.StatusOK, map[string]string{"active": gen})
	case errors.Is(err, lifecycle.ErrUnknownGeneration):
		writeError(w, http.StatusNotFound, err)
	case errors.Is(err, lifecycle.ErrInvalidTransition):
		writeError(w, http.StatusConflict, err)
	default:
		// The cutover happened; eviction of older generations failed and
		// will be retried.
		shield.GetLogger(r.Context()).Warn("gateway: activate finished with eviction errors", "error", err)
		writeJSON(w, http.StatusOK, map[string]string{"active": gen, "warning": err.Error()})
	}
}

func (g *Gateway) handleClear(w http.ResponseWriter, r *http.Request) {
	res, err := g.Clear(kit.WithTransport(r.Context(), "http"))
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (g *Gateway) handleDrain(w http.ResponseWriter, r *http.Request) {
	started := g.d.Monitor.TriggerDrain(r.Context())
	writeJSON(w, http.StatusAccepted, map[string]bool{"started": started})
}

func (g *Gateway) handleStatus(w http.ResponseWriter, r *http.Request) {
	st, err := g.Status(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, st)
}

func (g *Gateway) handleQueue(w http.ResponseWriter, r *http.Request) {
	entries, err := g.Pending(r.Context(), queryInt(r, "limit", 100))
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, entries)
}

func (g *Gateway) handleEvents(w http.ResponseWriter, r *http.Request) {
	if g.d.Journal == nil {
		writeJSON(w, http.StatusOK, []any{})
		return
	}
	events, err := g.d.Journal.Recent(r.Context(), r.URL.Query().Get("kind"), queryInt(r, "limit", 100))
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, events)
}

func (g *Gateway) handleWrite(w http.ResponseWriter, r *http.Request) {
	var req WriteRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	op, err := remote.ParseOpType(req.Op)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	m := remote.Mutation{Op: op, TargetPath: req.Path}
	if len(req.Payload) > 0 && string(req.Payload) != "null" {
		m.Payload = req.Payload
	}

	res, err := g.d.Submitter.Submit(kit.WithTransport(r.Context(), "http"), m)
	switch {
	case err == nil:
	case errors.Is(err, mutation.ErrInvalid):
		writeError(w, http.StatusBadRequest, err)
		return
	case remote.IsRejected(err):
		writeError(w, http.StatusUnprocessableEntity, err)
		return
	default:
		shield.GetLogger(r.Context()).Error("gateway: submit failed", "op", op, "path", req.Path, "error", err)
		writeError(w, http.StatusInternalServerError, err)
		return
	}

	g.d.Metrics.Submitted(outcome(res))
	if res.Queued {
		writeJSON(w, http.StatusAccepted, res)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (g *Gateway) handleConnectivity(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Reachable *bool `json:"reachable"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	if req.Reachable == nil {
		writeError(w, http.StatusBadRequest, errors.New("reachable is required"))
		return
	}
	changed := g.d.Monitor.Set(r.Context(), *req.Reachable)
	writeJSON(w, http.StatusOK, map[string]bool{"reachable": *req.Reachable, "changed": changed})
}

func outcome(res mutation.Result) string {
	if res.Queued {
		return "queued"
	}
	return "direct"
}

// --- helpers ---

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, code int, err error) {
	writeJSON(w, code, map[string]string{"error": err.Error()})
}

func queryInt(r *http.Request, key string, def int) int {
	s := r.URL.Query().Get(key)
	if s == "" {
		return def
	}
	v, err := strconv.Atoi(s)
	if err != nil {
		return def
	}
	return v
}
