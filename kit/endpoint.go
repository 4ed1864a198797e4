// Package kit carries the admin plumbing: the Endpoint function type and
// middleware chaining used by the MCP tools, and the request-scoped context
// values both admin surfaces set.
package kit

import "context"

// Endpoint is a transport-agnostic operation. The MCP tools are built from
// Endpoints via RegisterMCPTool. The admin HTTP handlers call the same
// Gateway methods directly.
type Endpoint func(ctx context.Context, req any) (any, error)

// Middleware decorates an Endpoint.
type Middleware func(Endpoint) Endpoint

// Chain composes middlewares so that the first one is outermost.
func Chain(outer Middleware, others ...Middleware) Middleware {
	return func(next Endpoint) Endpoint {
		for i := len(others) - 1; i >= 0; i-- {
			next = others[i](next)
		}
		return outer(next)
	}
}
