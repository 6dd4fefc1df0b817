// Package timeout provides per-request timeout middleware for providers.
package timeout

import (
	"context"
	"errors"
	"fmt"
	"time"

	"agentcore/pkg/agent/llm"
	"agentcore/pkg/agent/llmerrors"
)

// Middleware bounds every Send with its own deadline. A request that hits
// this deadline while the caller's context is still live fails with a
// transient timeout error so the retry executor can try again.
func Middleware(duration time.Duration) llm.Middleware {
	return func(next llm.Provider) llm.Provider {
		if duration <= 0 {
			return next
		}
		return llm.WrapProvider(next.Name(), func(ctx context.Context, req llm.Request) (llm.Response, error) {
			timeoutCtx, cancel := context.WithTimeout(ctx, duration)
			defer cancel()

			resp, err := next.Send(timeoutCtx, req)
			if err != nil && ctx.Err() == nil && errors.Is(timeoutCtx.Err(), context.DeadlineExceeded) {
				return llm.Response{}, llmerrors.NewErrorWithCause(llmerrors.ErrorTypeTimeout, err,
					fmt.Sprintf("request exceeded %s", duration))
			}
			return resp, err
		})
	}
}
