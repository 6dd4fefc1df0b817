package circuit

import (
	"context"
	"errors"

	"agentcore/pkg/agent/llm"
	"agentcore/pkg/agent/llmerrors"
)

// Middleware rejects requests while the circuit is open. Only transient
// provider failures count against the provider; a bad request or a
// cancelled caller says nothing about provider health.
func Middleware(breaker *Breaker) llm.Middleware {
	return func(next llm.Provider) llm.Provider {
		return llm.WrapProvider(next.Name(), func(ctx context.Context, req llm.Request) (llm.Response, error) {
			if !breaker.Allow() {
				return llm.Response{}, &Error{Provider: next.Name(), State: breaker.State()}
			}

			resp, err := next.Send(ctx, req)
			switch {
			case err == nil:
				breaker.Record(true)
			case errors.Is(err, context.Canceled):
			case llmerrors.IsTransient(err):
				breaker.Record(false)
			}
			return resp, err //nolint:wrapcheck // Middleware should pass through errors unchanged
		})
	}
}
