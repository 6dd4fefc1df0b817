package metrics

import (
	"sync"
	"time"
)

// InternalRecorder aggregates usage per conversation in memory.
type InternalRecorder struct {
	conversations map[string]*ConversationUsage
	mu            sync.RWMutex
}

// ConversationUsage is the running total for one conversation.
//
//nolint:govet
type ConversationUsage struct {
	InputTokens    int64     `json:"input_tokens"`
	OutputTokens   int64     `json:"output_tokens"`
	TotalTokens    int64     `json:"total_tokens"`
	RequestCount   int64     `json:"request_count"`
	ToolCalls      int64     `json:"tool_calls"`
	ConversationID string    `json:"conversation_id"`
	LastUpdated    time.Time `json:"last_updated"`
}

// NewInternalRecorder returns an empty recorder.
func NewInternalRecorder() *InternalRecorder {
	return &InternalRecorder{conversations: make(map[string]*ConversationUsage)}
}

func (r *InternalRecorder) usage(id string) *ConversationUsage {
	u, ok := r.conversations[id]
	if !ok {
		u = &ConversationUsage{ConversationID: id}
		r.conversations[id] = u
	}
	return u
}

// ObserveRequest adds successful requests to their conversation's totals.
func (r *InternalRecorder) ObserveRequest(obs Observation) {
	if !obs.Success || obs.ConversationID == "" {
		return
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	u := r.usage(obs.ConversationID)
	u.InputTokens += int64(obs.InputTokens)
	u.OutputTokens += int64(obs.OutputTokens)
	u.TotalTokens = u.InputTokens + u.OutputTokens
	u.RequestCount++
	u.LastUpdated = time.Now()
}

// ObserveToolCall counts a tool execution against its conversation.
func (r *InternalRecorder) ObserveToolCall(conversationID, _, _ string) {
	if conversationID == "" {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.usage(conversationID).ToolCalls++
}

// Usage returns a copy of a conversation's totals, or nil.
func (r *InternalRecorder) Usage(conversationID string) *ConversationUsage {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if u, ok := r.conversations[conversationID]; ok {
		cp := *u
		return &cp
	}
	return nil
}
