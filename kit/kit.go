// Package kit holds the small transport toolkit shared by recolte's
// operational surfaces: an endpoint abstraction with middleware chaining,
// request-scoped context helpers, and the MCP tool adapter.
package kit

import "context"

// Endpoint is one callable operation, decoupled from its transport.
// HTTP handlers and MCP tools both decode into a request value and
// invoke an Endpoint.
type Endpoint func(ctx context.Context, request any) (any, error)

// Middleware wraps an Endpoint with cross-cutting behaviour.
type Middleware func(next Endpoint) Endpoint

// Chain composes middlewares so the first argument is outermost.
func Chain(mws ...Middleware) Middleware {
	return func(next Endpoint) Endpoint {
		for i := len(mws) - 1; i >= 0; i-- {
			next = mws[i](next)
		}
		return next
	}
}
