package strategy

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/hazyhaar/nous/horosafe"
)

// forwardHeaders are copied from the client request to live fetches.
var forwardHeaders = []string{
	"Accept",
	"Accept-Language",
	"Authorization",
	"Cookie",
	"If-None-Match",
	"If-Modified-Since",
	"User-Agent",
}

// hopHeaders are never copied into a Response.
var hopHeaders = []string{
	"Connection",
	"Keep-Alive",
	"Proxy-Authenticate",
	"Proxy-Authorization",
	"Te",
	"Trailer",
	"Transfer-Encoding",
	"Upgrade",
	"Set-Cookie",
}

// HTTPFetcher fetches resources from the application origin.
type HTTPFetcher struct {
	origin  *url.URL
	client  *http.Client
	maxBody int64
}

// NewHTTPFetcher fetches from origin (e.g. "http://127.0.0.1:5173"). A zero
// timeout defaults to 15s.
func NewHTTPFetcher(origin string, timeout time.Duration) (*HTTPFetcher, error) {
	u, err := horosafe.ValidateBaseURL(origin)
	if err != nil {
		return nil, fmt.Errorf("strategy: origin: %w", err)
	}
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	return &HTTPFetcher{
		origin:  u,
		client:  &http.Client{Timeout: timeout},
		maxBody: horosafe.MaxResponseBody,
	}, nil
}

// Origin returns the origin URL.
func (f *HTTPFetcher) Origin() *url.URL {
	u := *f.origin
	return &u
}

// Fetch performs the request against the origin. Any response received is a
// success, whatever its status; only transport failures return an error.
func (f *HTTPFetcher) Fetch(ctx context.Context, r *Request) (*Response, error) {
	target := *f.origin
	target.Path = f.origin.Path + r.URL.Path
	target.RawPath = ""
	target.RawQuery = r.URL.RawQuery

	req, err := http.NewRequestWithContext(ctx, r.Method, target.String(), nil)
	if err != nil {
		return nil, fmt.Errorf("strategy: fetch: %w", err)
	}
	for _, h := range forwardHeaders {
		if v := r.Header.Values(h); len(v) > 0 {
			req.Header[h] = v
		}
	}

	resp, err := f.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("strategy: fetch %s: %w", r.URL.Path, err)
	}
	defer resp.Body.Close()

	body, err := horosafe.LimitedReadAll(resp.Body, f.maxBody)
	if err != nil {
		return nil, fmt.Errorf("strategy: fetch %s: read body: %w", r.URL.Path, err)
	}
	hdr := resp.Header.Clone()
	for _, h := range hopHeaders {
		hdr.Del(h)
	}
	return &Response{Status: resp.StatusCode, Header: hdr, Body: body}, nil
}

func containsToken(header, token string) bool {
	for _, part := range strings.Split(header, ",") {
		if strings.EqualFold(strings.TrimSpace(part), token) {
			return true
		}
	}
	return false
}
