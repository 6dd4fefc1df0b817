package toolloop_test

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"agentcore/pkg/agent/llm"
	"agentcore/pkg/agent/llmerrors"
	"agentcore/pkg/agent/middleware/resilience/retry"
	"agentcore/pkg/agent/toolloop"
	"agentcore/pkg/config"
	"agentcore/pkg/contextmgr"
	"agentcore/pkg/telemetry"
	"agentcore/pkg/tools"
)

// scriptedProvider answers each Send through handle, numbering calls from 1.
type scriptedProvider struct {
	handle   func(ctx context.Context, call int, req llm.Request) (llm.Response, error)
	requests []llm.Request
	mu       sync.Mutex
}

func (p *scriptedProvider) Send(ctx context.Context, req llm.Request) (llm.Response, error) {
	p.mu.Lock()
	p.requests = append(p.requests, req)
	call := len(p.requests)
	p.mu.Unlock()
	return p.handle(ctx, call, req)
}

func (p *scriptedProvider) Name() string { return "scripted" }

func (p *scriptedProvider) calls() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.requests)
}

func (p *scriptedProvider) request(n int) llm.Request {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.requests[n-1]
}

func textResponse(text string) llm.Response {
	return llm.Response{Content: []llm.ContentBlock{llm.TextBlock(text)}, StopReason: "end_turn"}
}

func toolResponse(calls ...llm.ToolCall) llm.Response {
	blocks := make([]llm.ContentBlock, len(calls))
	for i := range calls {
		blocks[i] = llm.ToolUseBlock(calls[i])
	}
	return llm.Response{Content: blocks, StopReason: "tool_use"}
}

func noSleep(context.Context, time.Duration) error { return nil }

var fastPolicy = retry.Policy{MaxAttempts: 3, InitialDelay: time.Millisecond, MaxDelay: time.Millisecond, BackoffFactor: 2}

func newOrchestrator(p llm.Provider, reg *tools.Registry, cfg toolloop.Config, opts ...toolloop.Option) *toolloop.Orchestrator {
	cfg.Retry = fastPolicy
	manager := contextmgr.New(nil,
		contextmgr.WithProvider(p),
		contextmgr.WithRetryPolicy(fastPolicy),
		contextmgr.WithRetryOptions(retry.WithSleep(noSleep)))
	return toolloop.New(p, reg, manager, cfg, append([]toolloop.Option{toolloop.WithRetryOptions(retry.WithSleep(noSleep))}, opts...)...)
}

func echoRegistry(t *testing.T) *tools.Registry {
	t.Helper()
	reg := tools.NewRegistry()
	require.NoError(t, reg.Register("echo", "Echo the text back", llm.InputSchema{
		Properties: map[string]llm.Property{"text": {Type: "string"}},
		Required:   []string{"text"},
	}, func(_ context.Context, input map[string]any) (any, error) {
		return input["text"], nil
	}))
	return reg
}

func echo(id, text string) llm.ToolCall {
	return llm.ToolCall{ID: id, Name: "echo", Input: map[string]any{"text": text}}
}

// =============================================================================
// Basic flow
// =============================================================================

func TestSendMessage_FinalAnswer(t *testing.T) {
	p := &scriptedProvider{handle: func(context.Context, int, llm.Request) (llm.Response, error) {
		return textResponse("hello back"), nil
	}}
	o := newOrchestrator(p, echoRegistry(t), toolloop.Config{SystemPrompt: "be kind"})
	conv := llm.NewConversation()

	answer, err := o.SendMessage(context.Background(), conv, "hello")

	require.NoError(t, err)
	assert.Equal(t, "hello back", answer)
	assert.Equal(t, 1, p.calls())

	req := p.request(1)
	assert.Equal(t, "be kind", req.System)
	require.Len(t, req.Messages, 1, "system prompt travels out of band")
	assert.Equal(t, "hello", req.Messages[0].Text())
	require.Len(t, req.Tools, 1)
	assert.Equal(t, "echo", req.Tools[0].Name)
	assert.Equal(t, config.DefaultMaxReplyTokens, req.MaxTokens)

	msgs := conv.Messages()
	require.Len(t, msgs, 2)
	assert.Equal(t, llm.RoleUser, msgs[0].Role)
	assert.Equal(t, llm.RoleAssistant, msgs[1].Role)
	assert.Equal(t, "hello back", msgs[1].Text())
	assert.Positive(t, msgs[0].TokenEstimate)
}

func TestSendMessage_ToolRoundTrip(t *testing.T) {
	p := &scriptedProvider{handle: func(_ context.Context, call int, _ llm.Request) (llm.Response, error) {
		if call == 1 {
			return toolResponse(echo("c1", "ping")), nil
		}
		return textResponse("done"), nil
	}}
	o := newOrchestrator(p, echoRegistry(t), toolloop.Config{})
	conv := llm.NewConversation()

	answer, err := o.SendMessage(context.Background(), conv, "use the tool")

	require.NoError(t, err)
	assert.Equal(t, "done", answer)
	assert.Equal(t, 2, p.calls())

	msgs := conv.Messages()
	require.Len(t, msgs, 4)
	assert.Equal(t, []llm.Role{llm.RoleUser, llm.RoleAssistant, llm.RoleTool, llm.RoleAssistant},
		[]llm.Role{msgs[0].Role, msgs[1].Role, msgs[2].Role, msgs[3].Role})
	result := msgs[2].ToolResults()[0]
	assert.Equal(t, "c1", result.ToolCallID)
	assert.Equal(t, "ping", result.Content)
	assert.False(t, result.IsError)

	second := p.request(2)
	require.Len(t, second.Messages, 3)
	assert.Equal(t, llm.RoleTool, second.Messages[2].Role)
}

// =============================================================================
// Iteration cap
// =============================================================================

func TestSendMessage_IterationCapStopsAtTen(t *testing.T) {
	p := &scriptedProvider{handle: func(_ context.Context, call int, _ llm.Request) (llm.Response, error) {
		return toolResponse(echo(fmt.Sprintf("call-%d", call), "again")), nil
	}}
	o := newOrchestrator(p, echoRegistry(t), toolloop.Config{MaxIterations: 10})
	conv := llm.NewConversation()

	_, err := o.SendMessage(context.Background(), conv, "loop forever")

	require.Error(t, err)
	assert.ErrorIs(t, err, toolloop.ErrToolLoopExceeded)
	assert.True(t, toolloop.IsLoopExceeded(err))
	var exceeded *toolloop.LoopExceededError
	require.ErrorAs(t, err, &exceeded)
	assert.Equal(t, 10, exceeded.Iterations)
	assert.Equal(t, "tool", exceeded.LastRole)
	assert.Equal(t, 10, p.calls(), "no eleventh provider call")
	assert.Equal(t, 1+10*2, conv.Len())
}

func TestSendMessage_DefaultIterationCap(t *testing.T) {
	p := &scriptedProvider{handle: func(_ context.Context, call int, _ llm.Request) (llm.Response, error) {
		return toolResponse(echo(fmt.Sprintf("id-%d", call), "x")), nil
	}}
	o := newOrchestrator(p, echoRegistry(t), toolloop.Config{})

	_, err := o.SendMessage(context.Background(), llm.NewConversation(), "go")

	assert.ErrorIs(t, err, toolloop.ErrToolLoopExceeded)
	assert.Equal(t, config.DefaultMaxIterations, p.calls())
}

// =============================================================================
// Tool failures are fed back to the model
// =============================================================================

func TestSendMessage_RecoversFromToolErrors(t *testing.T) {
	reg := echoRegistry(t)
	require.NoError(t, reg.Register("explode", "Always fails", llm.InputSchema{}, func(context.Context, map[string]any) (any, error) {
		return nil, errors.New("disk on fire")
	}))

	p := &scriptedProvider{handle: func(_ context.Context, call int, _ llm.Request) (llm.Response, error) {
		switch call {
		case 1:
			return toolResponse(
				llm.ToolCall{ID: "a", Name: "explode"},
				llm.ToolCall{ID: "b", Name: "foo"},
				llm.ToolCall{ID: "c", Name: "echo", Input: map[string]any{"text": 42}},
			), nil
		default:
			return textResponse("recovered"), nil
		}
	}}
	o := newOrchestrator(p, reg, toolloop.Config{})
	conv := llm.NewConversation()

	answer, err := o.SendMessage(context.Background(), conv, "try")

	require.NoError(t, err)
	assert.Equal(t, "recovered", answer)

	msgs := conv.Messages()
	require.Len(t, msgs, 6)
	var results []llm.ToolResult
	for i := 2; i <= 4; i++ {
		results = append(results, msgs[i].ToolResults()...)
	}
	require.Len(t, results, 3)
	for _, r := range results {
		assert.True(t, r.IsError, r.ToolCallID)
	}
	assert.Contains(t, results[0].Content, "disk on fire")
	assert.Contains(t, results[1].Content, "foo")
	assert.Contains(t, results[2].Content, "text")
}

// =============================================================================
// Parallel dispatch
// =============================================================================

func TestSendMessage_ParallelResultsKeepCallOrder(t *testing.T) {
	var (
		mu        sync.Mutex
		completed []string
	)
	delays := map[string]time.Duration{"slow": 60 * time.Millisecond, "medium": 30 * time.Millisecond, "fast": 0}

	reg := tools.NewRegistry()
	require.NoError(t, reg.Register("wait", "Sleep then answer", llm.InputSchema{
		Properties: map[string]llm.Property{"name": {Type: "string"}},
		Required:   []string{"name"},
	}, func(_ context.Context, input map[string]any) (any, error) {
		name := input["name"].(string)
		time.Sleep(delays[name])
		mu.Lock()
		completed = append(completed, name)
		mu.Unlock()
		return name, nil
	}))

	p := &scriptedProvider{handle: func(_ context.Context, call int, _ llm.Request) (llm.Response, error) {
		if call == 1 {
			return toolResponse(
				llm.ToolCall{ID: "1", Name: "wait", Input: map[string]any{"name": "slow"}},
				llm.ToolCall{ID: "2", Name: "wait", Input: map[string]any{"name": "medium"}},
				llm.ToolCall{ID: "3", Name: "wait", Input: map[string]any{"name": "fast"}},
			), nil
		}
		return textResponse("ok"), nil
	}}
	o := newOrchestrator(p, reg, toolloop.Config{ParallelTools: true, MaxParallelTools: 3})
	conv := llm.NewConversation()

	_, err := o.SendMessage(context.Background(), conv, "parallel")
	require.NoError(t, err)

	mu.Lock()
	assert.Equal(t, "fast", completed[0], "handlers ran concurrently")
	mu.Unlock()

	msgs := conv.Messages()
	var ids, contents []string
	for i := range msgs {
		for _, r := range msgs[i].ToolResults() {
			ids = append(ids, r.ToolCallID)
			contents = append(contents, r.Content)
		}
	}
	assert.Equal(t, []string{"1", "2", "3"}, ids)
	assert.Equal(t, []string{"slow", "medium", "fast"}, contents)
}

func TestSendMessage_SequentialByDefault(t *testing.T) {
	var order []string
	reg := tools.NewRegistry()
	require.NoError(t, reg.Register("mark", "Record a mark", llm.InputSchema{
		Properties: map[string]llm.Property{"n": {Type: "string"}},
	}, func(_ context.Context, input map[string]any) (any, error) {
		order = append(order, input["n"].(string))
		return "ok", nil
	}))

	p := &scriptedProvider{handle: func(_ context.Context, call int, _ llm.Request) (llm.Response, error) {
		if call == 1 {
			var calls []llm.ToolCall
			for i := range 5 {
				n := fmt.Sprint(i)
				calls = append(calls, llm.ToolCall{ID: n, Name: "mark", Input: map[string]any{"n": n}})
			}
			return toolResponse(calls...), nil
		}
		return textResponse("ok"), nil
	}}
	o := newOrchestrator(p, reg, toolloop.Config{})

	_, err := o.SendMessage(context.Background(), llm.NewConversation(), "go")

	require.NoError(t, err)
	assert.Equal(t, []string{"0", "1", "2", "3", "4"}, order)
}

// =============================================================================
// Provider errors
// =============================================================================

func TestSendMessage_RetriesTransientProviderErrors(t *testing.T) {
	p := &scriptedProvider{handle: func(_ context.Context, call int, _ llm.Request) (llm.Response, error) {
		if call < 3 {
			return llm.Response{}, llmerrors.NewErrorWithStatus(429, nil, "rate limited")
		}
		return textResponse("finally"), nil
	}}
	tracer := telemetry.NewRecorder()
	o := newOrchestrator(p, nil, toolloop.Config{}, toolloop.WithTracer(tracer))

	answer, err := o.SendMessage(context.Background(), llm.NewConversation(), "hi")

	require.NoError(t, err)
	assert.Equal(t, "finally", answer)
	assert.Equal(t, 3, p.calls())
	attempts := tracer.Named("retry.attempt")
	require.Len(t, attempts, 2)
	assert.Equal(t, "toolloop.send_message", attempts[0].Attrs["op"])
}

func TestSendMessage_ExhaustedRetriesAreFatal(t *testing.T) {
	p := &scriptedProvider{handle: func(context.Context, int, llm.Request) (llm.Response, error) {
		return llm.Response{}, llmerrors.NewErrorWithStatus(503, nil, "down")
	}}
	o := newOrchestrator(p, nil, toolloop.Config{})
	conv := llm.NewConversation()

	_, err := o.SendMessage(context.Background(), conv, "hi")

	require.ErrorIs(t, err, retry.ErrExhausted)
	var exhausted *retry.ExhaustedError
	require.ErrorAs(t, err, &exhausted)
	assert.Equal(t, 3, exhausted.Attempts)
	assert.Equal(t, "user", exhausted.LastRole)
	assert.Equal(t, 3, p.calls())
	assert.Equal(t, 1, conv.Len())
}

func TestSendMessage_PermanentErrorPropagatesUnmodified(t *testing.T) {
	auth := llmerrors.NewErrorWithStatus(401, nil, "invalid api key")
	p := &scriptedProvider{handle: func(context.Context, int, llm.Request) (llm.Response, error) {
		return llm.Response{}, auth
	}}
	o := newOrchestrator(p, nil, toolloop.Config{})
	conv := llm.NewConversation()

	_, err := o.SendMessage(context.Background(), conv, "hi")

	assert.Same(t, auth, err)
	assert.Equal(t, 1, p.calls())
	assert.Equal(t, 1, conv.Len(), "only the user message was committed")
}

// =============================================================================
// Cancellation
// =============================================================================

func TestSendMessage_CancelDuringProviderCall(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	p := &scriptedProvider{handle: func(ctx context.Context, _ int, _ llm.Request) (llm.Response, error) {
		cancel()
		<-ctx.Done()
		return llm.Response{}, ctx.Err()
	}}
	o := newOrchestrator(p, nil, toolloop.Config{})
	conv := llm.NewConversation()

	_, err := o.SendMessage(ctx, conv, "hi")

	assert.ErrorIs(t, err, context.Canceled)
	require.Equal(t, 1, conv.Len())
	assert.Equal(t, llm.RoleUser, conv.LastRole())
}

func TestSendMessage_CancelDuringToolsCommitsNothing(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	reg := tools.NewRegistry()
	require.NoError(t, reg.Register("hang", "Cancels the turn", llm.InputSchema{}, func(context.Context, map[string]any) (any, error) {
		cancel()
		return "too late", nil
	}))

	p := &scriptedProvider{handle: func(_ context.Context, call int, _ llm.Request) (llm.Response, error) {
		if call == 1 {
			return textResponse("first answer"), nil
		}
		return toolResponse(llm.ToolCall{ID: "h1", Name: "hang"}, llm.ToolCall{ID: "h2", Name: "hang"}), nil
	}}
	o := newOrchestrator(p, reg, toolloop.Config{})
	conv := llm.NewConversation()

	_, err := o.SendMessage(context.Background(), conv, "one")
	require.NoError(t, err)
	before := conv.Messages()

	_, err = o.SendMessage(ctx, conv, "two")

	assert.ErrorIs(t, err, context.Canceled)
	after := conv.Messages()
	require.Len(t, after, len(before)+1, "only the new user message")
	assert.Equal(t, "two", after[len(after)-1].Text())
	for i := range after {
		assert.False(t, after[i].HasToolUse(), "no dangling tool_use was committed")
	}
}

func TestSendMessage_AlreadyCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	p := &scriptedProvider{handle: func(context.Context, int, llm.Request) (llm.Response, error) {
		return textResponse("unused"), nil
	}}
	conv := llm.NewConversation()

	_, err := newOrchestrator(p, nil, toolloop.Config{}).SendMessage(ctx, conv, "hi")

	assert.ErrorIs(t, err, context.Canceled)
	assert.Zero(t, conv.Len())
	assert.Zero(t, p.calls())
}

// =============================================================================
// Delegation of large results
// =============================================================================

const analysisPrompt = "Summarize for the caller."

func bigResultRegistry(t *testing.T, size int) *tools.Registry {
	t.Helper()
	reg := tools.NewRegistry()
	require.NoError(t, reg.Register("dump", "Return a lot of text", llm.InputSchema{}, func(context.Context, map[string]any) (any, error) {
		return strings.Repeat("line of log output\n", size), nil
	}))
	return reg
}

func TestSendMessage_DelegatesLargeResults(t *testing.T) {
	p := &scriptedProvider{handle: func(_ context.Context, _ int, req llm.Request) (llm.Response, error) {
		if req.System == analysisPrompt {
			assert.Empty(t, req.Tools)
			return textResponse("200 identical log lines"), nil
		}
		if len(req.Messages) == 1 {
			return toolResponse(llm.ToolCall{ID: "d1", Name: "dump"}), nil
		}
		return textResponse("the log is repetitive"), nil
	}}
	o := newOrchestrator(p, bigResultRegistry(t, 200), toolloop.Config{AnalysisPrompt: analysisPrompt, DelegateThreshold: 100})
	conv := llm.NewConversation()

	answer, err := o.SendMessage(context.Background(), conv, "read the log")

	require.NoError(t, err)
	assert.Equal(t, "the log is repetitive", answer)
	assert.Equal(t, 3, p.calls(), "loop call, summary call, loop call")
	assert.Equal(t, "200 identical log lines", conv.Messages()[2].ToolResults()[0].Content)
	assert.Len(t, conv.Messages(), 4, "sub-conversation messages never reach the parent")
}

func TestSendMessage_DelegationFailureClips(t *testing.T) {
	p := &scriptedProvider{handle: func(_ context.Context, _ int, req llm.Request) (llm.Response, error) {
		if req.System == analysisPrompt {
			return llm.Response{}, llmerrors.NewErrorWithStatus(400, nil, "too long")
		}
		if len(req.Messages) == 1 {
			return toolResponse(llm.ToolCall{ID: "d1", Name: "dump"}), nil
		}
		return textResponse("ok"), nil
	}}
	o := newOrchestrator(p, bigResultRegistry(t, 200), toolloop.Config{AnalysisPrompt: analysisPrompt, DelegateThreshold: 100})
	conv := llm.NewConversation()

	_, err := o.SendMessage(context.Background(), conv, "read the log")

	require.NoError(t, err)
	content := conv.Messages()[2].ToolResults()[0].Content
	assert.Less(t, len(content), len(strings.Repeat("line of log output\n", 200)))
	assert.LessOrEqual(t, len(content), 100*4)
}

func failingDumpRegistry(t *testing.T, size int) *tools.Registry {
	t.Helper()
	reg := tools.NewRegistry()
	require.NoError(t, reg.Register("dump", "Return a lot of text", llm.InputSchema{}, func(context.Context, map[string]any) (any, error) {
		return nil, errors.New(strings.Repeat("stack frame at worker.go:42\n", size))
	}))
	return reg
}

func TestSendMessage_LargeToolErrorsAreDelegated(t *testing.T) {
	p := &scriptedProvider{handle: func(_ context.Context, _ int, req llm.Request) (llm.Response, error) {
		if req.System == analysisPrompt {
			return textResponse("worker panicked at worker.go:42"), nil
		}
		if len(req.Messages) == 1 {
			return toolResponse(llm.ToolCall{ID: "d1", Name: "dump"}), nil
		}
		return textResponse("the worker crashed"), nil
	}}
	o := newOrchestrator(p, failingDumpRegistry(t, 1800), toolloop.Config{
		AnalysisPrompt:    analysisPrompt,
		DelegateThreshold: 3000,
		MaxContextTokens:  12000,
	})
	conv := llm.NewConversation()

	answer, err := o.SendMessage(context.Background(), conv, "read the log")

	require.NoError(t, err)
	assert.Equal(t, "the worker crashed", answer)
	assert.Equal(t, 3, p.calls(), "loop call, summary call, loop call")
	result := conv.Messages()[2].ToolResults()[0]
	assert.True(t, result.IsError)
	assert.Equal(t, "worker panicked at worker.go:42", result.Content)
}

func TestSendMessage_LargeToolErrorsAreClippedWhenDelegationFails(t *testing.T) {
	p := &scriptedProvider{handle: func(_ context.Context, _ int, req llm.Request) (llm.Response, error) {
		if req.System == analysisPrompt {
			return llm.Response{}, llmerrors.NewErrorWithStatus(400, nil, "too long")
		}
		if len(req.Messages) == 1 {
			return toolResponse(llm.ToolCall{ID: "d1", Name: "dump"}), nil
		}
		return textResponse("ok"), nil
	}}
	o := newOrchestrator(p, failingDumpRegistry(t, 1800), toolloop.Config{
		AnalysisPrompt:    analysisPrompt,
		DelegateThreshold: 3000,
		MaxContextTokens:  12000,
	})
	conv := llm.NewConversation()

	_, err := o.SendMessage(context.Background(), conv, "read the log")

	require.NoError(t, err)
	result := conv.Messages()[2].ToolResults()[0]
	assert.True(t, result.IsError)
	assert.LessOrEqual(t, len(result.Content), 3000*4)
	assert.True(t, strings.HasPrefix(result.Content, `tool "dump" failed: stack frame`), result.Content[:40])
}

func TestSendMessage_SmallResultsAreNotDelegated(t *testing.T) {
	p := &scriptedProvider{handle: func(_ context.Context, call int, _ llm.Request) (llm.Response, error) {
		if call == 1 {
			return toolResponse(echo("e1", "short")), nil
		}
		return textResponse("ok"), nil
	}}
	o := newOrchestrator(p, echoRegistry(t), toolloop.Config{DelegateThreshold: 3000})

	_, err := o.SendMessage(context.Background(), llm.NewConversation(), "hi")

	require.NoError(t, err)
	assert.Equal(t, 2, p.calls())
}

// =============================================================================
// Budgeting and telemetry
// =============================================================================

func TestSendMessage_BudgetedViewLeavesHistoryIntact(t *testing.T) {
	p := &scriptedProvider{handle: func(context.Context, int, llm.Request) (llm.Response, error) {
		return textResponse(strings.Repeat("answer ", 50)), nil
	}}
	o := newOrchestrator(p, nil, toolloop.Config{MaxContextTokens: 400, ReservedTokens: 50, MaxReplyTokens: 50})
	conv := llm.NewConversation()

	for i := range 6 {
		_, err := o.SendMessage(context.Background(), conv, fmt.Sprintf("question %d %s", i, strings.Repeat("pad ", 40)))
		require.NoError(t, err)
	}

	assert.Equal(t, 12, conv.Len(), "history is never trimmed")
	last := p.request(6)
	assert.Less(t, len(last.Messages), 11, "older turns left out of the request")
	assert.True(t, strings.HasPrefix(last.Messages[len(last.Messages)-1].Text(), "question 5"))
}

func TestSendMessage_ContextOverflowIsFatal(t *testing.T) {
	p := &scriptedProvider{handle: func(context.Context, int, llm.Request) (llm.Response, error) {
		return textResponse("unused"), nil
	}}
	o := newOrchestrator(p, nil, toolloop.Config{MaxContextTokens: 100, ReservedTokens: 50})

	_, err := o.SendMessage(context.Background(), llm.NewConversation(), strings.Repeat("huge ", 200))

	assert.ErrorIs(t, err, contextmgr.ErrContextOverflow)
	assert.Zero(t, p.calls())
}

func TestSendMessage_EmitsSpans(t *testing.T) {
	tracer := telemetry.NewRecorder()
	reg := tools.NewRegistry(tools.WithTracer(tracer))
	require.NoError(t, reg.Register("echo", "Echo", llm.InputSchema{}, func(context.Context, map[string]any) (any, error) {
		return "e", nil
	}))
	p := &scriptedProvider{handle: func(_ context.Context, call int, _ llm.Request) (llm.Response, error) {
		if call == 1 {
			return toolResponse(llm.ToolCall{ID: "x", Name: "echo"}), nil
		}
		return textResponse("ok"), nil
	}}
	o := newOrchestrator(p, reg, toolloop.Config{}, toolloop.WithTracer(tracer))
	conv := llm.NewConversation()

	_, err := o.SendMessage(context.Background(), conv, "hi")
	require.NoError(t, err)

	send := tracer.Named("toolloop.send_message")
	require.Len(t, send, 1)
	assert.Equal(t, conv.ID(), send[0].Attrs["conversation_id"])
	assert.NoError(t, send[0].Err)

	iterations := tracer.Named("toolloop.iteration")
	require.Len(t, iterations, 2)
	assert.Equal(t, 1, iterations[0].Attrs["tool_calls"])
	assert.Equal(t, 0, iterations[1].Attrs["tool_calls"])
	assert.Len(t, tracer.Named("tool.execute"), 1)
}

func TestConfigFrom(t *testing.T) {
	cfg := config.Default()
	cfg.Loop.SystemPrompt = "sys"
	cfg.Loop.ParallelTools = true

	lc := toolloop.ConfigFrom(&cfg)

	assert.Equal(t, "sys", lc.SystemPrompt)
	assert.Equal(t, config.DefaultMaxIterations, lc.MaxIterations)
	assert.Equal(t, cfg.Model.ReservedTokens, lc.ReservedTokens)
	assert.Equal(t, config.DefaultDelegateThreshold, lc.DelegateThreshold)
	assert.True(t, lc.ParallelTools)
	assert.Equal(t, cfg.Retry.Policy(), lc.Retry)
}
