// Package validation provides response validation middleware for providers.
package validation

import (
	"context"
	"strings"

	"agentcore/pkg/agent/llm"
	"agentcore/pkg/agent/llmerrors"
	"agentcore/pkg/logx"
)

const snippetLimit = 200

// completedStopReasons are the stop reasons with which Anthropic, OpenAI and
// Gemini report that the model finished its turn on its own.
var completedStopReasons = map[string]bool{
	"end_turn": true,
	"stop":     true,
	"STOP":     true,
}

// EmptyResponseMiddleware fails responses that carry neither text nor tool
// calls unless the model reported a normal end of turn. The failure is a
// transient server error, so the caller's retry policy asks the provider
// again instead of committing an empty turn.
func EmptyResponseMiddleware(logger *logx.Logger) llm.Middleware {
	if logger == nil {
		logger = logx.NewLogger("empty-response-validator")
	}
	return func(next llm.Provider) llm.Provider {
		return llm.WrapProvider(next.Name(), func(ctx context.Context, req llm.Request) (llm.Response, error) {
			resp, err := next.Send(ctx, req)
			if err != nil {
				return resp, err //nolint:wrapcheck // Middleware should pass through errors unchanged
			}
			if !IsEmpty(resp) || completedStopReasons[resp.StopReason] {
				return resp, nil
			}

			logEmptyResponse(logger, next.Name(), req, resp)
			return llm.Response{}, llmerrors.NewError(llmerrors.ErrorTypeServer,
				"received empty response: no text and no tool calls")
		})
	}
}

// IsEmpty reports whether resp has no usable content.
func IsEmpty(resp llm.Response) bool {
	return len(resp.ToolCalls()) == 0 && strings.TrimSpace(resp.Text()) == ""
}

func logEmptyResponse(logger *logx.Logger, provider string, req llm.Request, resp llm.Response) {
	logger.Warn("empty response from %s: stop_reason=%q messages=%d tools=%d",
		provider, resp.StopReason, len(req.Messages), len(req.Tools))
	if n := len(req.Messages); n > 0 {
		last := &req.Messages[n-1]
		text := last.Text()
		if len(text) > snippetLimit {
			text = text[:snippetLimit] + "..."
		}
		logger.Debug("last %s message: %s", last.Role, text)
	}
}
