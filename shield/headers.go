package shield

import "net/http"

// DefaultHeaders is the header set for the gateway's own JSON and
// WebSocket endpoints. Admin responses are never cached by the browser.
// Intercepted application responses do not get it.
func DefaultHeaders() http.Header {
	return http.Header{
		"Content-Security-Policy": {"default-src 'none'; frame-ancestors 'none'"},
		"X-Frame-Options":         {"DENY"},
		"X-Content-Type-Options":  {"nosniff"},
		"Referrer-Policy":         {"no-referrer"},
		"Cache-Control":           {"no-store"},
	}
}

// SecurityHeaders sets every header of set on each response, replacing
// values written earlier in the chain.
func SecurityHeaders(set http.Header) func(http.Handler) http.Handler {
	set = set.Clone()
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			h := w.Header()
			for k, v := range set {
				h[k] = v
			}
			next.ServeHTTP(w, r)
		})
	}
}
