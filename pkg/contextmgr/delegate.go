package contextmgr

import (
	"context"
	"errors"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"

	"agentcore/pkg/agent/llm"
	"agentcore/pkg/agent/middleware/metrics"
	"agentcore/pkg/agent/middleware/resilience/retry"
	"agentcore/pkg/utils"
)

// requestOverhead covers role markers and formatting not seen by the counter.
const requestOverhead = 64

// SubConversation is the isolated exchange used to summarize one piece of
// content. It only knows its parent's id and is never persisted.
type SubConversation struct {
	ID             string
	ParentID       string
	Purpose        string
	AnalysisPrompt string
	messages       []llm.Message
}

func newSubConversation(parentID, purpose, analysisPrompt, content string) *SubConversation {
	body := content
	if purpose != "" {
		body = purpose + "\n\n" + content
	}
	return &SubConversation{
		ID:             uuid.NewString(),
		ParentID:       parentID,
		Purpose:        purpose,
		AnalysisPrompt: analysisPrompt,
		messages: []llm.Message{
			llm.NewSystemMessage(analysisPrompt),
			llm.NewUserMessage(body),
		},
	}
}

// Messages returns a copy of the sub-conversation's messages.
func (s *SubConversation) Messages() []llm.Message {
	out := make([]llm.Message, len(s.messages))
	for i := range s.messages {
		out[i] = s.messages[i].Clone()
	}
	return out
}

func (s *SubConversation) request(maxTokens int) llm.Request {
	return llm.Request{
		System:    s.AnalysisPrompt,
		Messages:  llm.WithoutSystem(s.Messages()),
		MaxTokens: maxTokens,
	}
}

// MaybeDelegate returns content unchanged when it fits in thresholdTokens.
// Larger content is summarized by one provider call (retried per policy) in
// a throwaway sub-conversation holding only analysisPrompt and content. The
// returned summary is always shorter than content.
func (m *Manager) MaybeDelegate(ctx context.Context, content, purpose, analysisPrompt string, thresholdTokens int) (string, error) {
	tokens := m.CountTokens(content)
	if tokens <= thresholdTokens {
		return content, nil
	}
	if m.provider == nil {
		return "", errors.New("contextmgr: delegation requires a provider")
	}

	ctx, end := m.tracer.StartSpan(ctx, "contextmgr.delegate", map[string]any{
		"content_tokens":   tokens,
		"threshold_tokens": thresholdTokens,
		"purpose":          purpose,
	})
	start := time.Now()

	summary, err := m.delegate(ctx, content, purpose, analysisPrompt, thresholdTokens)
	end(err)
	if err != nil {
		return "", err
	}

	m.logger.Info("delegated %d tokens of %q, summary is %d tokens (%s)",
		tokens, purpose, m.CountTokens(summary), time.Since(start).Round(time.Millisecond))
	return summary, nil
}

func (m *Manager) delegate(ctx context.Context, content, purpose, analysisPrompt string, thresholdTokens int) (string, error) {
	if limit := m.inputLimit(purpose, analysisPrompt); limit > 0 {
		content = utils.TruncateToTokenLimit(m.CountTokens, content, limit)
	}

	sub := newSubConversation(metrics.ConversationID(ctx), purpose, analysisPrompt, content)
	req := sub.request(m.summaryTokens(thresholdTokens))

	opts := append([]retry.Option{
		retry.WithOperation("contextmgr.delegate"),
		retry.WithLastRole(string(llm.RoleUser)),
		retry.WithObserver(func(a retry.Attempt) {
			m.tracer.Event(ctx, "retry.attempt", map[string]any{
				"op":       a.Op,
				"attempt":  a.Number,
				"delay_ms": a.Delay.Milliseconds(),
				"error":    a.Err.Error(),
			})
		}),
	}, m.retryOptions...)

	resp, err := retry.Execute(ctx, m.policy, func(ctx context.Context) (llm.Response, error) {
		return m.provider.Send(ctx, req)
	}, opts...)
	if err != nil {
		return "", err
	}

	summary := strings.TrimSpace(resp.Text())
	if summary == "" {
		return "", ErrEmptySummary
	}
	return m.Clip(summary, content, thresholdTokens), nil
}

// Clip bounds text to limit tokens and guarantees the result is strictly
// shorter than original. It is also the fallback when summarization fails.
func (m *Manager) Clip(text, original string, limit int) string {
	if m.CountTokens(text) > limit {
		text = utils.TruncateToTokenLimit(m.CountTokens, text, limit)
	}
	if len(text) >= len(original) {
		text = utils.TruncateToTokenLimit(m.CountTokens, original, min(limit, m.CountTokens(original)-1))
	}
	if len(text) >= len(original) && original != "" {
		_, size := utf8.DecodeLastRuneInString(original)
		text = original[:len(original)-size]
	}
	return text
}

// inputLimit is the room left for content in a delegation request, or 0 when no window is set.
func (m *Manager) inputLimit(purpose, analysisPrompt string) int {
	if m.windowTokens <= 0 {
		return 0
	}
	limit := m.windowTokens - m.maxReplyTokens - m.CountTokens(purpose) - m.CountTokens(analysisPrompt) - requestOverhead
	return max(limit, 1)
}

func (m *Manager) summaryTokens(thresholdTokens int) int {
	if m.maxReplyTokens > 0 && m.maxReplyTokens < thresholdTokens {
		return m.maxReplyTokens
	}
	return thresholdTokens
}
