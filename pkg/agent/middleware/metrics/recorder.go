// Package metrics records provider and tool activity.
package metrics

import (
	"context"
	"time"
)

// Observation describes one finished provider request.
type Observation struct {
	Provider       string
	ConversationID string
	ErrorType      string
	InputTokens    int
	OutputTokens   int
	Duration       time.Duration
	Success        bool
}

// Recorder defines the interface for recording agent metrics.
type Recorder interface {
	// ObserveRequest records a completed provider request.
	ObserveRequest(obs Observation)

	// ObserveToolCall counts a tool execution by outcome ("ok", "error", "unknown").
	ObserveToolCall(conversationID, tool, outcome string)
}

// NoopRecorder implements Recorder with no-op behavior for when metrics are disabled.
type NoopRecorder struct{}

// Nop returns a no-op metrics recorder that discards all metrics.
func Nop() Recorder {
	return &NoopRecorder{}
}

func (n *NoopRecorder) ObserveRequest(_ Observation) {}

func (n *NoopRecorder) ObserveToolCall(_, _, _ string) {}

type multiRecorder []Recorder

// Multi fans observations out to every recorder.
func Multi(recorders ...Recorder) Recorder {
	return multiRecorder(recorders)
}

func (m multiRecorder) ObserveRequest(obs Observation) {
	for _, r := range m {
		r.ObserveRequest(obs)
	}
}

func (m multiRecorder) ObserveToolCall(conversationID, tool, outcome string) {
	for _, r := range m {
		r.ObserveToolCall(conversationID, tool, outcome)
	}
}

type conversationKey struct{}

// WithConversationID tags provider calls made with ctx.
func WithConversationID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, conversationKey{}, id)
}

// ConversationID returns the id stored by WithConversationID.
func ConversationID(ctx context.Context) string {
	id, _ := ctx.Value(conversationKey{}).(string)
	return id
}
