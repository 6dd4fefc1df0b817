package contextmgr

import (
	"context"
	"fmt"
	"math/rand/v2"
	"strings"
	"sync"
	"testing"
	"time"
	"unicode/utf8"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"agentcore/pkg/agent/llm"
	"agentcore/pkg/agent/llmerrors"
	"agentcore/pkg/agent/middleware/metrics"
	"agentcore/pkg/agent/middleware/resilience/retry"
	"agentcore/pkg/telemetry"
	"agentcore/pkg/utils"
)

// charCounter counts one token per byte.
var charCounter = CounterFunc(func(s string) int { return len(s) })

// scriptedProvider returns queued responses and records requests.
type scriptedProvider struct {
	mu        sync.Mutex
	responses []func(llm.Request) (llm.Response, error)
	requests  []llm.Request
}

func (p *scriptedProvider) Send(_ context.Context, req llm.Request) (llm.Response, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.requests = append(p.requests, req)
	next := p.responses[0]
	if len(p.responses) > 1 {
		p.responses = p.responses[1:]
	}
	return next(req)
}

func (p *scriptedProvider) Name() string { return "scripted" }

func (p *scriptedProvider) calls() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.requests)
}

func reply(text string) func(llm.Request) (llm.Response, error) {
	return func(llm.Request) (llm.Response, error) {
		return llm.Response{Content: []llm.ContentBlock{llm.TextBlock(text)}, StopReason: "end_turn"}, nil
	}
}

func fail(err error) func(llm.Request) (llm.Response, error) {
	return func(llm.Request) (llm.Response, error) { return llm.Response{}, err }
}

func noSleep(context.Context, time.Duration) error { return nil }

func newDelegatingManager(p llm.Provider, opts ...Option) *Manager {
	base := []Option{
		WithProvider(p),
		WithRetryPolicy(retry.Policy{MaxAttempts: 3, InitialDelay: time.Millisecond, MaxDelay: time.Millisecond, BackoffFactor: 2}),
		WithRetryOptions(retry.WithSleep(noSleep)),
	}
	return New(CounterFunc(utils.CharEstimate), append(base, opts...)...)
}

// =============================================================================
// Delegation
// =============================================================================

func TestMaybeDelegate_BelowThresholdUnchanged(t *testing.T) {
	p := &scriptedProvider{responses: []func(llm.Request) (llm.Response, error){reply("unused")}}
	m := newDelegatingManager(p)
	content := strings.Repeat("word", 50) // 50 tokens

	for i := 0; i < 3; i++ {
		got, err := m.MaybeDelegate(context.Background(), content, "purpose", "prompt", 3000)
		require.NoError(t, err)
		assert.Equal(t, content, got)
	}
	assert.Equal(t, 0, p.calls())
}

func TestMaybeDelegate_AboveThresholdSummarizesOnce(t *testing.T) {
	p := &scriptedProvider{responses: []func(llm.Request) (llm.Response, error){reply("  The log shows three timeouts.  ")}}
	tracer := telemetry.NewRecorder()
	m := newDelegatingManager(p, WithTracer(tracer))
	content := strings.Repeat("data", 5000) // 5000 tokens
	ctx := metrics.WithConversationID(context.Background(), "parent-1")

	got, err := m.MaybeDelegate(ctx, content, "Find the timeouts", "Summarize tool output.", 3000)

	require.NoError(t, err)
	assert.Equal(t, "The log shows three timeouts.", got)
	assert.Less(t, len(got), len(content))
	assert.NotEqual(t, content, got)
	require.Equal(t, 1, p.calls())

	req := p.requests[0]
	assert.Equal(t, "Summarize tool output.", req.System)
	require.Len(t, req.Messages, 1)
	assert.Equal(t, llm.RoleUser, req.Messages[0].Role)
	assert.True(t, strings.HasPrefix(req.Messages[0].Text(), "Find the timeouts\n\n"))
	assert.Empty(t, req.Tools)

	spans := tracer.Named("contextmgr.delegate")
	require.Len(t, spans, 1)
	assert.Equal(t, 5000, spans[0].Attrs["content_tokens"])
}

func TestMaybeDelegate_RetriesTransientFailures(t *testing.T) {
	p := &scriptedProvider{responses: []func(llm.Request) (llm.Response, error){
		fail(llmerrors.NewErrorWithStatus(429, nil, "slow down")),
		fail(llmerrors.NewErrorWithStatus(503, nil, "unavailable")),
		reply("summary"),
	}}
	tracer := telemetry.NewRecorder()
	m := newDelegatingManager(p, WithTracer(tracer))

	got, err := m.MaybeDelegate(context.Background(), strings.Repeat("x", 400), "", "prompt", 10)

	require.NoError(t, err)
	assert.Equal(t, "summary", got)
	assert.Equal(t, 3, p.calls())
	assert.Len(t, tracer.Named("retry.attempt"), 2)
}

func TestMaybeDelegate_PermanentFailurePropagates(t *testing.T) {
	auth := llmerrors.NewErrorWithStatus(401, nil, "bad key")
	p := &scriptedProvider{responses: []func(llm.Request) (llm.Response, error){fail(auth)}}
	m := newDelegatingManager(p)

	_, err := m.MaybeDelegate(context.Background(), strings.Repeat("x", 400), "", "prompt", 10)

	assert.ErrorIs(t, err, auth)
	assert.Equal(t, 1, p.calls())
}

func TestMaybeDelegate_EmptySummary(t *testing.T) {
	p := &scriptedProvider{responses: []func(llm.Request) (llm.Response, error){reply("   ")}}
	m := newDelegatingManager(p)

	_, err := m.MaybeDelegate(context.Background(), strings.Repeat("x", 400), "", "prompt", 10)
	assert.ErrorIs(t, err, ErrEmptySummary)
}

func TestMaybeDelegate_LongSummaryIsClipped(t *testing.T) {
	p := &scriptedProvider{responses: []func(llm.Request) (llm.Response, error){reply(strings.Repeat("verbose ", 200))}}
	m := New(charCounter, WithProvider(p), WithRetryOptions(retry.WithSleep(noSleep)))
	content := strings.Repeat("y", 1000)

	got, err := m.MaybeDelegate(context.Background(), content, "", "prompt", 100)

	require.NoError(t, err)
	assert.LessOrEqual(t, len(got), 100)
	assert.Less(t, len(got), len(content))
}

func TestMaybeDelegate_ClipsContentToWindow(t *testing.T) {
	p := &scriptedProvider{responses: []func(llm.Request) (llm.Response, error){reply("ok")}}
	m := New(charCounter, WithProvider(p), WithWindow(1000, 200), WithRetryOptions(retry.WithSleep(noSleep)))

	_, err := m.MaybeDelegate(context.Background(), strings.Repeat("z", 5000), "p", "a", 100)

	require.NoError(t, err)
	sent := p.requests[0].Messages[0].Text()
	assert.LessOrEqual(t, len(sent), 1000-200)
	assert.Equal(t, 100, p.requests[0].MaxTokens)
}

func TestMaybeDelegate_NoProvider(t *testing.T) {
	m := New(charCounter)
	_, err := m.MaybeDelegate(context.Background(), strings.Repeat("z", 50), "", "", 10)
	assert.Error(t, err)
}

func TestClip(t *testing.T) {
	m := New(charCounter)
	original := strings.Repeat("a", 200)

	clipped := m.Clip(original, original, 50)
	assert.LessOrEqual(t, len(clipped), 50)
	assert.True(t, strings.HasSuffix(clipped, "..."))

	// A summary that is not shorter than the original falls back to clipping the original.
	assert.Less(t, len(m.Clip(strings.Repeat("b", 300), "short original", 500)), len("short original"))
}

func TestClip_MultibyteOriginalStaysShorter(t *testing.T) {
	// One token per rune plus a start token; trailing dots are free.
	counter := CounterFunc(func(s string) int {
		return utf8.RuneCountInString(strings.TrimRight(s, ".")) + 1
	})
	m := New(counter)
	original := "日本語"

	clipped := m.Clip(original, original, 3)

	assert.Less(t, len(clipped), len(original))
	assert.True(t, utf8.ValidString(clipped))
	assert.Equal(t, "日本", clipped)

	for _, limit := range []int{1, 2, 3, 10} {
		got := New(nil).Clip(original, original, limit)
		assert.Less(t, len(got), len(original), "limit %d", limit)
		assert.True(t, utf8.ValidString(got), "limit %d", limit)
	}
}

func TestSubConversationIsIsolated(t *testing.T) {
	sub := newSubConversation("parent", "why", "analyze", "content")
	msgs := sub.Messages()
	require.Len(t, msgs, 2)
	assert.Equal(t, llm.RoleSystem, msgs[0].Role)
	assert.Equal(t, "why\n\ncontent", msgs[1].Text())
	assert.Equal(t, "parent", sub.ParentID)
	assert.NotEmpty(t, sub.ID)

	msgs[1].Content[0].Text = "changed"
	assert.Equal(t, "why\n\ncontent", sub.Messages()[1].Text())
}

// =============================================================================
// Estimation
// =============================================================================

func TestEstimateMessage(t *testing.T) {
	m := New(charCounter)

	user := llm.NewUserMessage("hello")
	assert.Equal(t, MessageOverhead+BlockOverhead+5, m.EstimateMessage(&user))

	call := llm.NewAssistantMessage("", llm.ToolCall{ID: "1", Name: "ls", Input: map[string]any{"p": "x"}})
	// tool_use: name "ls" (2) + input {"p":"x"} (9)
	assert.Equal(t, MessageOverhead+BlockOverhead+2+9, m.EstimateMessage(&call))

	msgs := []llm.Message{user, call}
	total := m.Estimate(msgs)
	assert.Equal(t, msgs[0].TokenEstimate+msgs[1].TokenEstimate, total)
	assert.Positive(t, msgs[0].TokenEstimate, "estimate is cached on the message")
}

func TestNewDefaultsToCharEstimate(t *testing.T) {
	m := New(nil)
	assert.Equal(t, 3, m.CountTokens("twelve chars"))
}

// =============================================================================
// Budgeting
// =============================================================================

func text(n int) string { return strings.Repeat("t", n) }

// toolTurn returns an assistant tool_use message and its results.
func toolTurn(id string, resultSize int) []llm.Message {
	return []llm.Message{
		llm.NewAssistantMessage("", llm.ToolCall{ID: id, Name: "f"}),
		llm.NewToolResultMessage(llm.ToolResult{ToolCallID: id, Content: text(resultSize)}),
	}
}

func TestEnsureWithinBudget_FitsUnchanged(t *testing.T) {
	m := New(charCounter)
	msgs := []llm.Message{llm.NewSystemMessage("sys"), llm.NewUserMessage("hi")}

	got, err := m.EnsureWithinBudget(context.Background(), msgs, 1000, 100)

	require.NoError(t, err)
	assert.Len(t, got, 2)
	assert.Zero(t, msgs[0].TokenEstimate, "input is not modified")
}

func TestEnsureWithinBudget_DropsOldestKeepsSystemAndPairs(t *testing.T) {
	m := New(charCounter)
	tracer := telemetry.NewRecorder()
	m.tracer = tracer

	var msgs []llm.Message
	msgs = append(msgs, llm.NewSystemMessage(text(50)))
	msgs = append(msgs, llm.NewUserMessage(text(100)))
	msgs = append(msgs, toolTurn("a", 300)...)
	msgs = append(msgs, llm.NewAssistantMessage(text(100)))
	msgs = append(msgs, llm.NewUserMessage(text(100)))
	msgs = append(msgs, toolTurn("b", 100)...)

	got, err := m.EnsureWithinBudget(context.Background(), msgs, 600, 100)
	require.NoError(t, err)

	assert.Equal(t, llm.RoleSystem, got[0].Role)
	assertPairsIntact(t, got)
	assert.LessOrEqual(t, m.Estimate(got)+100, 600)

	// The latest user message and final tool turn survive.
	last := got[len(got)-1]
	assert.Equal(t, llm.RoleTool, last.Role)
	assert.Equal(t, "b", last.ToolResults()[0].ToolCallID)
	assert.Contains(t, roles(got), llm.RoleUser)

	events := tracer.Named("contextmgr.truncated")
	require.Len(t, events, 1)
	assert.Positive(t, events[0].Attrs["dropped_messages"])
}

func TestEnsureWithinBudget_Overflow(t *testing.T) {
	m := New(charCounter)
	msgs := []llm.Message{llm.NewSystemMessage(text(500)), llm.NewUserMessage(text(500))}

	_, err := m.EnsureWithinBudget(context.Background(), msgs, 800, 100)

	require.ErrorIs(t, err, ErrContextOverflow)
	var overflow *OverflowError
	require.ErrorAs(t, err, &overflow)
	assert.Equal(t, 800, overflow.Budget)
	assert.Equal(t, "user", overflow.LastRole)
	assert.Greater(t, overflow.Required, overflow.Budget)
}

func TestEnsureWithinBudget_RandomizedInvariants(t *testing.T) {
	m := New(charCounter)
	rng := rand.New(rand.NewPCG(7, 11))

	for iter := 0; iter < 200; iter++ {
		msgs := []llm.Message{llm.NewSystemMessage(text(20 + rng.IntN(40)))}
		for turn := 0; turn < 1+rng.IntN(6); turn++ {
			msgs = append(msgs, llm.NewUserMessage(text(10+rng.IntN(200))))
			for k := 0; k < rng.IntN(3); k++ {
				msgs = append(msgs, toolTurn(fmt.Sprintf("%d-%d-%d", iter, turn, k), 10+rng.IntN(400))...)
			}
			msgs = append(msgs, llm.NewAssistantMessage(text(10+rng.IntN(100))))
		}
		maxTokens := 200 + rng.IntN(2000)
		reserved := rng.IntN(100)

		got, err := m.EnsureWithinBudget(context.Background(), msgs, maxTokens, reserved)
		if err != nil {
			assert.ErrorIs(t, err, ErrContextOverflow)
			continue
		}
		assert.Equal(t, llm.RoleSystem, got[0].Role)
		assert.LessOrEqual(t, m.Estimate(got)+reserved, maxTokens)
		assertPairsIntact(t, got)
		assert.Equal(t, msgs[len(msgs)-1].Text(), got[len(got)-1].Text(), "final message kept")
	}
}

func assertPairsIntact(t *testing.T, msgs []llm.Message) {
	t.Helper()
	pending := map[string]bool{}
	for i := range msgs {
		for _, call := range msgs[i].ToolCalls() {
			pending[call.ID] = true
		}
		for _, res := range msgs[i].ToolResults() {
			assert.True(t, pending[res.ToolCallID], "tool_result %s without its tool_use", res.ToolCallID)
			delete(pending, res.ToolCallID)
		}
	}
	assert.Empty(t, pending, "tool_use without its tool_result")
}

func roles(msgs []llm.Message) []llm.Role {
	out := make([]llm.Role, len(msgs))
	for i := range msgs {
		out[i] = msgs[i].Role
	}
	return out
}
