package gateway

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/hazyhaar/nous/shield"
	"github.com/hazyhaar/nous/strategy"
)

// Response headers describing how an intercepted request was served.
const (
	HeaderSource     = "X-Offline-Source"
	HeaderGeneration = "X-Offline-Generation"
)

// intercept adapts an application request to the strategy router. Bypassed
// requests are proxied to the origin untouched.
func (g *Gateway) intercept(w http.ResponseWriter, r *http.Request) {
	req := strategy.NewRequest(r)
	resp, err := g.d.Router.Serve(r.Context(), req)
	if errors.Is(err, strategy.ErrNotIntercepted) {
		g.proxy.ServeHTTP(w, r)
		return
	}
	if err != nil {
		log := shield.GetLogger(r.Context())
		var fe *strategy.FetchError
		if errors.As(err, &fe) && fe.Document {
			log.Info("gateway: navigation unavailable offline", "path", r.URL.Path, "error", err)
			g.offlinePage(w)
			return
		}
		log.Info("gateway: resource unavailable offline", "path", r.URL.Path, "error", err)
		http.Error(w, "resource unavailable offline", http.StatusServiceUnavailable)
		return
	}

	h := w.Header()
	for k, vs := range resp.Header {
		for _, v := range vs {
			h.Add(k, v)
		}
	}
	h.Set("Content-Length", strconv.Itoa(len(resp.Body)))
	h.Set(HeaderSource, string(resp.Source))
	if resp.Generation != "" {
		h.Set(HeaderGeneration, resp.Generation)
	}
	w.WriteHeader(resp.Status)
	if r.Method != http.MethodHead {
		w.Write(resp.Body)
	}
}

func (g *Gateway) offlinePage(w http.ResponseWriter) {
	h := w.Header()
	h.Set("Content-Type", "text/html; charset=utf-8")
	h.Set("Cache-Control", "no-store")
	h.Set(HeaderSource, "offline")
	w.WriteHeader(http.StatusServiceUnavailable)
	w.Write(g.opts.OfflinePage)
}
