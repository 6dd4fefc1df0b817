package telemetry

import (
	"context"
	"io"
	"time"

	"github.com/rs/zerolog"
)

type spanLoggerKey struct{}

// ZerologTracer writes one JSON line per span start, span end and event.
type ZerologTracer struct {
	logger zerolog.Logger
}

// NewZerologTracer creates a tracer writing to logger.
func NewZerologTracer(logger zerolog.Logger) *ZerologTracer {
	return &ZerologTracer{logger: logger}
}

// NewZerologTracerTo builds a timestamped zerolog logger on w.
func NewZerologTracerTo(w io.Writer) *ZerologTracer {
	return NewZerologTracer(zerolog.New(w).With().Timestamp().Logger())
}

// StartSpan starts a new span and returns the context and finish function.
func (t *ZerologTracer) StartSpan(ctx context.Context, name string, attrs map[string]any) (context.Context, func(err error)) {
	fields := t.logger.With().Str("span", name)
	for k, v := range attrs {
		fields = fields.Interface(k, v)
	}
	spanLogger := fields.Logger()
	ctx = context.WithValue(ctx, spanLoggerKey{}, spanLogger)

	startTime := time.Now()
	spanLogger.Debug().Str("event", "span_start").Msg("span started")

	return ctx, func(err error) {
		event := spanLogger.Info()
		if err != nil {
			event = spanLogger.Error().Err(err)
		}
		event.
			Str("event", "span_end").
			Int64("duration_ms", time.Since(startTime).Milliseconds()).
			Msg("span finished")
	}
}

// Event logs under the enclosing span when there is one.
func (t *ZerologTracer) Event(ctx context.Context, name string, attrs map[string]any) {
	logger := t.logger
	if spanLogger, ok := ctx.Value(spanLoggerKey{}).(zerolog.Logger); ok {
		logger = spanLogger
	}

	event := logger.Info()
	for k, v := range attrs {
		event = event.Interface(k, v)
	}
	event.Str("event", name).Msg("event")
}

var _ Tracer = (*ZerologTracer)(nil)
