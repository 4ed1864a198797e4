// Package gateway is the host adapter: it exposes the offline layer over
// HTTP. Application traffic hits the catch-all route and is answered by the
// strategy router (or proxied to the origin when bypassed). The /_offline
// routes carry the lifecycle signals, the write API, client notifications
// and the admin views. /mcp serves the same admin operations as MCP tools.
package gateway

import (
	"context"
	"log/slog"
	"net/http"
	"net/http/httputil"
	"net/url"

	"github.com/go-chi/chi/v5"
	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/hazyhaar/nous/connectivity"
	"github.com/hazyhaar/nous/horosafe"
	"github.com/hazyhaar/nous/hub"
	"github.com/hazyhaar/nous/lifecycle"
	"github.com/hazyhaar/nous/manifest"
	"github.com/hazyhaar/nous/metrics"
	"github.com/hazyhaar/nous/mutation"
	"github.com/hazyhaar/nous/observability"
	"github.com/hazyhaar/nous/shield"
	"github.com/hazyhaar/nous/strategy"
)

// Deps are the components the gateway adapts. Journal and Metrics may be nil.
type Deps struct {
	Router     *strategy.Router
	Controller *lifecycle.Controller
	Queue      *mutation.Queue
	Submitter  *mutation.Submitter
	Monitor    *connectivity.Monitor
	Hub        *hub.Hub
	Journal    *observability.EventLogger
	Metrics    *metrics.Collector
	// Origin receives bypassed requests.
	Origin *url.URL
}

// Options tunes the HTTP surface.
type Options struct {
	Logger *slog.Logger
	// OfflinePage is served with 503 when a navigation cannot be answered.
	OfflinePage []byte
	Limiter     *shield.RateLimiter
	Auth        *shield.AdminAuth
	// MaxBody bounds /_offline request bodies. Default: 2 × horosafe.MaxPayload.
	MaxBody int64
	// Version is reported by the MCP server.
	Version string
}

func (o *Options) defaults() {
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
	if len(o.OfflinePage) == 0 {
		o.OfflinePage = []byte(defaultOfflinePage)
	}
	if o.MaxBody <= 0 {
		o.MaxBody = 2 * horosafe.MaxPayload
	}
	if o.Version == "" {
		o.Version = "dev"
	}
}

// Gateway serves the offline layer.
type Gateway struct {
	d     Deps
	opts  Options
	log   *slog.Logger
	proxy *httputil.ReverseProxy
	mcp   *mcp.Server
	unsub func()
}

// New builds the gateway and subscribes it to connectivity changes, which
// are journalled and broadcast to clients. Call Close to unsubscribe.
func New(d Deps, opts Options) *Gateway {
	opts.defaults()
	g := &Gateway{d: d, opts: opts, log: opts.Logger}

	g.proxy = httputil.NewSingleHostReverseProxy(d.Origin)
	g.proxy.ErrorHandler = func(w http.ResponseWriter, r *http.Request, err error) {
		shield.GetLogger(r.Context()).Warn("gateway: bypass proxy failed", "error", err)
		http.Error(w, "origin unreachable", http.StatusBadGateway)
	}

	g.mcp = mcp.NewServer(&mcp.Implementation{Name: "nous", Version: opts.Version}, nil)
	g.RegisterMCP(g.mcp)

	g.unsub = d.Monitor.Subscribe(func(reachable bool) {
		if d.Hub != nil {
			d.Hub.Broadcast(hub.Connectivity(reachable))
		}
		d.Journal.LogEvent(context.Background(), observability.Event{
			Kind: observability.KindConnectivity, Success: reachable,
			Details: map[string]any{"reachable": reachable},
		})
	})
	d.Metrics.TrackClients(g.clients)
	return g
}

// Close unsubscribes from the monitor.
func (g *Gateway) Close() { g.unsub() }

// Handler returns the HTTP routes.
func (g *Gateway) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(shield.TraceID)

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "text/plain")
		w.Write([]byte("ok"))
	})
	r.Handle("/metrics", g.d.Metrics.Handler())

	r.Route("/_offline", func(r chi.Router) {
		r.Group(func(r chi.Router) {
			r.Use(shield.SecurityHeaders(shield.DefaultHeaders()))
			if g.d.Hub != nil {
				r.Get("/updates", g.d.Hub.ServeHTTP)
			}
			r.Group(func(r chi.Router) {
				r.Use(shield.MaxBody(g.opts.MaxBody))
				if g.opts.Limiter != nil {
					r.Use(g.opts.Limiter.Middleware)
				}
				r.Get("/version", g.handleVersion)
				r.Post("/writes", g.handleWrite)
				// The page reports its online/offline events here, so this
				// sits with /writes outside admin auth.
				r.Post("/connectivity", g.handleConnectivity)
			})
		})
		r.Group(func(r chi.Router) {
			for _, mw := range shield.AdminStack(g.opts.Limiter, g.opts.Auth, g.opts.MaxBody) {
				r.Use(mw)
			}
			r.Post("/manifest", g.handleManifest)
			r.Post("/activate", g.handleActivate)
			r.Post("/clear", g.handleClear)
			r.Post("/drain", g.handleDrain)
			r.Get("/status", g.handleStatus)
			r.Get("/queue", g.handleQueue)
			r.Get("/events", g.handleEvents)
		})
	})

	r.Group(func(r chi.Router) {
		for _, mw := range shield.AdminStack(g.opts.Limiter, g.opts.Auth, g.opts.MaxBody) {
			r.Use(mw)
		}
		h := mcp.NewStreamableHTTPHandler(func(*http.Request) *mcp.Server { return g.mcp }, nil)
		r.Handle("/mcp", h)
		r.Handle("/mcp/*", h)
	})

	r.Handle("/*", http.HandlerFunc(g.intercept))
	return r
}

func (g *Gateway) clients() int {
	if g.d.Hub == nil {
		return 0
	}
	return g.d.Hub.Count()
}

// ApplyManifest returns the lifecycle OnActivate hook that reconfigures
// router r for the newly active manifest.
func ApplyManifest(r *strategy.Router, originHost string) func(*manifest.Manifest) {
	return func(m *manifest.Manifest) {
		if m == nil {
			return
		}
		r.SetTable(strategy.DefaultTable(strategy.ConfigFromManifest(originHost, m)))
		r.SetNavigationFallbacks(m.NavigationFallbacks())
	}
}

const defaultOfflinePage = `<!doctype html>
<html lang="en">
<head><meta charset="utf-8"><meta name="viewport" content="width=device-width, initial-scale=1">
<title>Offline</title>
<style>body{font-family:system-ui,sans-serif;display:flex;align-items:center;justify-content:center;height:100vh;margin:0;color:#333}main{text-align:center}</style>
</head>
<body><main><h1>You are offline</h1><p>This page is not available offline yet. Your habits are saved and will sync when the connection returns.</p></main></body>
</html>
`
