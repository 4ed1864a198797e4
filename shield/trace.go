package shield

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/hazyhaar/nous/horosafe"
	"github.com/hazyhaar/nous/idgen"
	"github.com/hazyhaar/nous/kit"
)

// TraceHeader carries the trace id in both directions.
const TraceHeader = "X-Trace-ID"

var newTraceID = idgen.NanoID(8)

// TraceID tags each request with a trace id: the client's X-Trace-ID when it
// is a short safe identifier, a fresh one otherwise. The id is echoed in the
// response, stored with kit.WithTraceID and attached to a per-request logger
// available through GetLogger.
func TraceID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get(TraceHeader)
		if len(id) > 64 || horosafe.ValidateIdentifier(id) != nil {
			id = newTraceID()
		}
		w.Header().Set(TraceHeader, id)

		ip := ExtractIP(r)
		ctx := kit.WithTraceID(r.Context(), id)
		ctx = kit.WithRemoteAddr(ctx, ip)
		logger := slog.Default().With("trace_id", id, "method", r.Method, "path", r.URL.Path, "ip", ip)
		ctx = context.WithValue(ctx, LoggerKey, logger)
		logger.Debug("request")

		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// GetLogger returns the per-request logger, or slog.Default().
func GetLogger(ctx context.Context) *slog.Logger {
	if l, ok := ctx.Value(LoggerKey).(*slog.Logger); ok {
		return l
	}
	return slog.Default()
}
