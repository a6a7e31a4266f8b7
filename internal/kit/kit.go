// Package kit provides the transport-agnostic endpoint abstraction shared by
// the HTTP API and the MCP tools. An Endpoint is a plain function so the same
// handler logic can sit behind both surfaces, with middleware composed around
// it for cross-cutting concerns.
package kit

import (
	"context"
	"log/slog"
	"time"
)

// Endpoint is the unit of work both transports funnel into.
type Endpoint func(ctx context.Context, req any) (any, error)

// Middleware wraps an Endpoint with additional behavior.
type Middleware func(Endpoint) Endpoint

// Chain composes middlewares so the first argument is the outermost wrapper:
// Chain(a, b, c)(endpoint) runs a before b before c before the endpoint.
func Chain(mws ...Middleware) Middleware {
	return func(next Endpoint) Endpoint {
		for i := len(mws) - 1; i >= 0; i-- {
			next = mws[i](next)
		}
		return next
	}
}

// Logging reports each invocation of the named endpoint with its transport
// and duration. Failures log at Warn, successes at Debug.
func Logging(logger *slog.Logger, name string) Middleware {
	return func(next Endpoint) Endpoint {
		return func(ctx context.Context, req any) (any, error) {
			start := time.Now()
			resp, err := next(ctx, req)
			if err != nil {
				logger.Warn("endpoint failed",
					"endpoint", name,
					"transport", GetTransport(ctx),
					"elapsed", time.Since(start),
					"error", err)
				return resp, err
			}
			logger.Debug("endpoint",
				"endpoint", name,
				"transport", GetTransport(ctx),
				"elapsed", time.Since(start))
			return resp, err
		}
	}
}
