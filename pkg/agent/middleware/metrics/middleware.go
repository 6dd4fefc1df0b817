package metrics

import (
	"context"
	"errors"
	"time"

	"agentcore/pkg/agent/llm"
	"agentcore/pkg/agent/llmerrors"
	"agentcore/pkg/logx"
	"agentcore/pkg/utils"
)

const (
	statusSuccess = "success"
	statusError   = "error"
)

// UsageExtractor returns input and output token counts for a finished request.
type UsageExtractor func(req llm.Request, resp llm.Response) (inputTokens, outputTokens int)

// DefaultUsageExtractor trusts provider usage and estimates with tiktoken when a provider reports none.
func DefaultUsageExtractor(req llm.Request, resp llm.Response) (inputTokens, outputTokens int) {
	if resp.Usage.InputTokens > 0 || resp.Usage.OutputTokens > 0 {
		return resp.Usage.InputTokens, resp.Usage.OutputTokens
	}

	promptText := req.System + "\n"
	for i := range req.Messages {
		promptText += req.Messages[i].Text() + "\n"
	}
	return utils.CountTokensSimple(promptText), utils.CountTokensSimple(resp.Text())
}

// Middleware records latency, token usage and failures for every provider request.
func Middleware(recorder Recorder, usageExtractor UsageExtractor, logger *logx.Logger) llm.Middleware {
	if usageExtractor == nil {
		usageExtractor = DefaultUsageExtractor
	}
	if recorder == nil {
		recorder = Nop()
	}

	return func(next llm.Provider) llm.Provider {
		return llm.WrapProvider(next.Name(), func(ctx context.Context, req llm.Request) (llm.Response, error) {
			start := time.Now()
			resp, err := next.Send(ctx, req)
			duration := time.Since(start)

			obs := Observation{
				Provider:       next.Name(),
				ConversationID: ConversationID(ctx),
				Duration:       duration,
				Success:        err == nil,
			}
			if err == nil {
				obs.InputTokens, obs.OutputTokens = usageExtractor(req, resp)
			} else {
				obs.ErrorType = errorType(err)
			}
			recorder.ObserveRequest(obs)

			if logger != nil {
				status := statusSuccess
				if err != nil {
					status = statusError
				}
				logger.Debug("provider request: provider=%s tokens=%d+%d status=%s duration=%dms",
					obs.Provider, obs.InputTokens, obs.OutputTokens, status, duration.Milliseconds())
			}

			return resp, err //nolint:wrapcheck // Middleware should pass through errors unchanged
		})
	}
}

func errorType(err error) string {
	if errors.Is(err, context.Canceled) {
		return "canceled"
	}
	return llmerrors.TypeOf(err).String()
}
