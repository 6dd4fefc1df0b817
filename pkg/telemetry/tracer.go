// Package telemetry emits span and event records for an external exporter.
package telemetry

import (
	"context"
	"time"

	"agentcore/pkg/agent/llm"
)

// Tracer is the telemetry sink port.
type Tracer interface {
	StartSpan(ctx context.Context, name string, attrs map[string]any) (context.Context, func(err error))
	Event(ctx context.Context, name string, attrs map[string]any)
}

type nopTracer struct{}

// Nop returns a tracer that discards everything.
func Nop() Tracer { return nopTracer{} }

func (nopTracer) StartSpan(ctx context.Context, _ string, _ map[string]any) (context.Context, func(error)) {
	return ctx, func(error) {}
}

func (nopTracer) Event(context.Context, string, map[string]any) {}

// OrNop returns t, or a no-op tracer when t is nil.
func OrNop(t Tracer) Tracer {
	if t == nil {
		return Nop()
	}
	return t
}

// Middleware wraps every provider call in a "provider.send" span and reports
// token usage as a "provider.usage" event.
func Middleware(tracer Tracer) llm.Middleware {
	tracer = OrNop(tracer)
	return func(next llm.Provider) llm.Provider {
		return llm.WrapProvider(next.Name(), func(ctx context.Context, req llm.Request) (llm.Response, error) {
			ctx, end := tracer.StartSpan(ctx, "provider.send", map[string]any{
				"provider": next.Name(),
				"messages": len(req.Messages),
				"tools":    len(req.Tools),
			})
			start := time.Now()
			resp, err := next.Send(ctx, req)
			if err == nil {
				tracer.Event(ctx, "provider.usage", map[string]any{
					"provider":      next.Name(),
					"input_tokens":  resp.Usage.InputTokens,
					"output_tokens": resp.Usage.OutputTokens,
					"stop_reason":   resp.StopReason,
					"duration_ms":   time.Since(start).Milliseconds(),
				})
			}
			end(err)
			return resp, err
		})
	}
}
