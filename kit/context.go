package kit

import "context"

// key is a typed context key with a default for missing values.
type key[T any] struct {
	name string
	def  T
}

func (k key[T]) with(ctx context.Context, v T) context.Context {
	return context.WithValue(ctx, k, v)
}

func (k key[T]) get(ctx context.Context) T {
	if v, ok := k.lookup(ctx); ok {
		return v
	}
	return k.def
}

func (k key[T]) lookup(ctx context.Context) (T, bool) {
	v, ok := ctx.Value(k).(T)
	return v, ok
}

var (
	transportKey  = key[string]{name: "transport"}
	traceIDKey    = key[string]{name: "trace_id"}
	remoteAddrKey = key[string]{name: "remote_addr"}
	actorKey      = key[string]{name: "actor", def: "system"}
)

// WithTransport records the surface a call arrived on ("http", "mcp").
func WithTransport(ctx context.Context, t string) context.Context { return transportKey.with(ctx, t) }

// LookupTransport returns the recorded transport and whether one was set.
// Background work carries none.
func LookupTransport(ctx context.Context) (string, bool) { return transportKey.lookup(ctx) }

func WithTraceID(ctx context.Context, id string) context.Context { return traceIDKey.with(ctx, id) }
func GetTraceID(ctx context.Context) string                      { return traceIDKey.get(ctx) }

func WithRemoteAddr(ctx context.Context, addr string) context.Context {
	return remoteAddrKey.with(ctx, addr)
}
func GetRemoteAddr(ctx context.Context) string { return remoteAddrKey.get(ctx) }

// WithActor records who triggered an admin operation: the Basic Auth user,
// "mcp" for tool calls, "system" otherwise. Journal entries carry it.
func WithActor(ctx context.Context, actor string) context.Context { return actorKey.with(ctx, actor) }

// HasActor reports whether an actor was recorded on ctx.
func HasActor(ctx context.Context) bool {
	_, ok := actorKey.lookup(ctx)
	return ok
}

// GetActor defaults to "system".
func GetActor(ctx context.Context) string { return actorKey.get(ctx) }
