// Package shield provides the HTTP middleware used by the gateway: security
// headers, request tracing, body limits, per-IP rate limiting and Basic Auth
// for the admin endpoints.
//
// Usage:
//
//	r := chi.NewRouter()
//	r.Use(shield.TraceID)
//	r.Route("/_offline", func(r chi.Router) {
//	    for _, mw := range shield.AdminStack(limiter, auth) {
//	        r.Use(mw)
//	    }
//	})
//
// Intercepted application traffic only gets TraceID: the application's own
// headers must reach the client unchanged.
package shield

import "net/http"

type contextKey string

// LoggerKey is the context key for the per-request structured logger.
const LoggerKey contextKey = "shield_logger"

// AdminStack returns the middleware stack for the gateway's own endpoints.
// Order: SecurityHeaders → MaxBody → RateLimiter → AdminAuth. A nil limiter
// or auth is skipped.
func AdminStack(rl *RateLimiter, auth *AdminAuth, maxBody int64) []func(http.Handler) http.Handler {
	stack := []func(http.Handler) http.Handler{
		SecurityHeaders(DefaultHeaders()),
		MaxBody(maxBody),
	}
	if rl != nil {
		stack = append(stack, rl.Middleware)
	}
	if auth != nil {
		stack = append(stack, auth.Middleware)
	}
	return stack
}
