// Package toolloop drives one agent turn: provider call, tool dispatch and
// result append, repeated until the model answers in text or the iteration
// cap is reached.
package toolloop

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/sourcegraph/conc/pool"

	"agentcore/pkg/agent/llm"
	"agentcore/pkg/agent/middleware/metrics"
	"agentcore/pkg/agent/middleware/resilience/retry"
	"agentcore/pkg/config"
	"agentcore/pkg/contextmgr"
	"agentcore/pkg/logx"
	"agentcore/pkg/telemetry"
	"agentcore/pkg/tools"
)

const opSendMessage = "toolloop.send_message"

// Config defines how the tool loop behaves.
//
//nolint:govet // fieldalignment: grouped by concern
type Config struct {
	SystemPrompt   string
	AnalysisPrompt string // system prompt of delegation sub-conversations

	MaxIterations     int
	MaxReplyTokens    int
	MaxContextTokens  int
	ReservedTokens    int // kept free of history on every request
	DelegateThreshold int // tool results above this many tokens are summarized; 0 disables

	ParallelTools    bool
	MaxParallelTools int

	Retry retry.Policy
}

// ConfigFrom extracts the loop settings from a full configuration.
func ConfigFrom(cfg *config.Config) Config {
	return Config{
		SystemPrompt:      cfg.Loop.SystemPrompt,
		AnalysisPrompt:    cfg.Loop.AnalysisPrompt,
		MaxIterations:     cfg.Loop.MaxIterations,
		MaxReplyTokens:    cfg.Model.MaxReplyTokens,
		MaxContextTokens:  cfg.Model.MaxContextTokens,
		ReservedTokens:    cfg.Model.ReservedTokens,
		DelegateThreshold: cfg.Loop.DelegateThreshold,
		ParallelTools:     cfg.Loop.ParallelTools,
		MaxParallelTools:  cfg.Loop.MaxParallelTools,
		Retry:             cfg.Retry.Policy(),
	}
}

func (c *Config) applyDefaults() {
	if c.MaxIterations <= 0 {
		c.MaxIterations = config.DefaultMaxIterations
	}
	if c.MaxReplyTokens <= 0 {
		c.MaxReplyTokens = config.DefaultMaxReplyTokens
	}
	if c.MaxContextTokens <= 0 {
		c.MaxContextTokens = config.DefaultMaxContextTokens
	}
	if c.MaxParallelTools <= 0 {
		c.MaxParallelTools = config.DefaultMaxParallelTools
	}
	if c.AnalysisPrompt == "" {
		c.AnalysisPrompt = config.DefaultAnalysisPrompt
	}
	if c.Retry == (retry.Policy{}) {
		c.Retry = retry.DefaultPolicy()
	}
}

// Orchestrator runs the tool loop for any number of conversations. It keeps
// no per-conversation state; a single conversation must not be advanced by
// two SendMessage calls at once.
type Orchestrator struct {
	provider     llm.Provider
	registry     *tools.Registry
	context      *contextmgr.Manager
	tracer       telemetry.Tracer
	logger       *logx.Logger
	retryOptions []retry.Option
	cfg          Config
}

// Option configures an Orchestrator.
type Option func(*Orchestrator)

// WithTracer sets the telemetry sink.
func WithTracer(t telemetry.Tracer) Option {
	return func(o *Orchestrator) { o.tracer = telemetry.OrNop(t) }
}

// WithRetryOptions passes extra options to every provider retry.
func WithRetryOptions(opts ...retry.Option) Option {
	return func(o *Orchestrator) { o.retryOptions = append(o.retryOptions, opts...) }
}

// WithLogger replaces the default component logger.
func WithLogger(l *logx.Logger) Option {
	return func(o *Orchestrator) {
		if l != nil {
			o.logger = l
		}
	}
}

// New creates an Orchestrator. A nil registry means no tools; a nil manager
// gets a character-estimate manager that delegates through provider.
func New(provider llm.Provider, registry *tools.Registry, manager *contextmgr.Manager, cfg Config, opts ...Option) *Orchestrator {
	cfg.applyDefaults()
	if registry == nil {
		registry = tools.NewRegistry()
	}
	if manager == nil {
		manager = contextmgr.New(nil,
			contextmgr.WithProvider(provider),
			contextmgr.WithRetryPolicy(cfg.Retry),
			contextmgr.WithWindow(cfg.MaxContextTokens, cfg.MaxReplyTokens))
	}
	o := &Orchestrator{
		provider: provider,
		registry: registry,
		context:  manager,
		tracer:   telemetry.Nop(),
		logger:   logx.NewLogger("toolloop"),
		cfg:      cfg,
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// SendMessage appends userText to conv and runs the loop until the model
// answers without tool calls, returning that answer.
//
// conv is only ever appended to, at two kinds of commit point: the user
// message, then per iteration the assistant message together with all of
// its tool results. Cancellation between commit points leaves conv as of
// the last commit.
func (o *Orchestrator) SendMessage(ctx context.Context, conv *llm.Conversation, userText string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", fmt.Errorf("%s: %w", opSendMessage, err)
	}
	ctx = metrics.WithConversationID(ctx, conv.ID())
	ctx, end := o.tracer.StartSpan(ctx, opSendMessage, map[string]any{
		"conversation_id": conv.ID(),
		"max_iterations":  o.cfg.MaxIterations,
	})

	answer, err := o.run(ctx, conv, userText)
	end(err)
	return answer, err
}

func (o *Orchestrator) run(ctx context.Context, conv *llm.Conversation, userText string) (string, error) {
	if err := o.commit(conv, llm.NewUserMessage(userText)); err != nil {
		return "", err
	}

	defs := o.registry.Definitions()
	reserved := o.cfg.ReservedTokens + o.definitionTokens(defs)

	for iteration := 1; iteration <= o.cfg.MaxIterations; iteration++ {
		if err := ctx.Err(); err != nil {
			return "", fmt.Errorf("%s: cancelled before iteration %d: %w", opSendMessage, iteration, err)
		}

		answer, done, err := o.iterate(ctx, conv, defs, reserved, iteration)
		if err != nil {
			return "", err
		}
		if done {
			return answer, nil
		}
	}

	o.logger.Warn("conversation %s: maximum tool iterations (%d) reached", conv.ID(), o.cfg.MaxIterations)
	return "", &LoopExceededError{
		Op:         opSendMessage,
		Iterations: o.cfg.MaxIterations,
		LastRole:   string(conv.LastRole()),
	}
}

// iterate performs one provider call and, when the model asked for tools,
// one round of tool execution. done reports a final text answer.
func (o *Orchestrator) iterate(ctx context.Context, conv *llm.Conversation, defs []llm.ToolDefinition, reserved, iteration int) (answer string, done bool, err error) {
	attrs := map[string]any{"iteration": iteration}
	ctx, end := o.tracer.StartSpan(ctx, "toolloop.iteration", attrs)
	defer func() { end(err) }()

	req, lastRole, err := o.request(ctx, conv, defs, reserved)
	if err != nil {
		return "", false, err
	}

	start := time.Now()
	resp, err := retry.Execute(ctx, o.cfg.Retry, func(ctx context.Context) (llm.Response, error) {
		return o.provider.Send(ctx, req)
	}, o.providerRetryOptions(ctx, lastRole)...)
	if err != nil {
		o.logger.Error("provider call failed after %.3gs (iteration %d): %v", time.Since(start).Seconds(), iteration, err)
		return "", false, err
	}

	calls := resp.ToolCalls()
	attrs["tool_calls"] = len(calls)
	o.logger.Debug("iteration %d: %d messages sent, %d tool calls back in %.3gs",
		iteration, len(req.Messages), len(calls), time.Since(start).Seconds())

	if len(calls) == 0 {
		text := resp.Text()
		if err := o.commit(conv, llm.NewAssistantMessage(text)); err != nil {
			return "", false, err
		}
		return text, true, nil
	}

	results := o.dispatch(ctx, calls)
	if err := ctx.Err(); err != nil {
		return "", false, fmt.Errorf("%s: cancelled during tool execution: %w", opSendMessage, err)
	}

	msgs := make([]llm.Message, 0, len(calls)+1)
	msgs = append(msgs, llm.NewAssistantMessage(resp.Text(), calls...))
	for i := range results {
		content, err := o.condense(ctx, &calls[i], &results[i])
		if err != nil {
			return "", false, err
		}
		results[i].Content = content
		msgs = append(msgs, llm.NewToolResultMessage(results[i]))
	}
	return "", false, o.commit(conv, msgs...)
}

// request builds the provider request from a budgeted view of conv.
func (o *Orchestrator) request(ctx context.Context, conv *llm.Conversation, defs []llm.ToolDefinition, reserved int) (llm.Request, string, error) {
	history := conv.Messages()
	if o.cfg.SystemPrompt != "" {
		history = append([]llm.Message{llm.NewSystemMessage(o.cfg.SystemPrompt)}, history...)
	}

	view, err := o.context.EnsureWithinBudget(ctx, history, o.cfg.MaxContextTokens, reserved)
	if err != nil {
		return llm.Request{}, "", err
	}

	lastRole := ""
	if len(view) > 0 {
		lastRole = string(view[len(view)-1].Role)
	}
	return llm.Request{
		Messages:  llm.WithoutSystem(view),
		MaxTokens: o.cfg.MaxReplyTokens,
		System:    o.cfg.SystemPrompt,
		Tools:     defs,
	}, lastRole, nil
}

func (o *Orchestrator) providerRetryOptions(ctx context.Context, lastRole string) []retry.Option {
	opts := []retry.Option{
		retry.WithOperation(opSendMessage),
		retry.WithLastRole(lastRole),
		retry.WithObserver(func(a retry.Attempt) {
			o.tracer.Event(ctx, "retry.attempt", map[string]any{
				"op":       a.Op,
				"attempt":  a.Number,
				"delay_ms": a.Delay.Milliseconds(),
				"error":    a.Err.Error(),
			})
			o.logger.Warn("%s attempt %d failed, retrying in %s: %v", a.Op, a.Number, a.Delay.Round(time.Millisecond), a.Err)
		}),
	}
	return append(opts, o.retryOptions...)
}

// dispatch executes calls and returns their results in call order. With
// parallel dispatch enabled handlers run on a bounded pool; each writes
// only its own slot.
func (o *Orchestrator) dispatch(ctx context.Context, calls []llm.ToolCall) []llm.ToolResult {
	results := make([]llm.ToolResult, len(calls))

	if !o.cfg.ParallelTools || len(calls) == 1 {
		for i := range calls {
			if ctx.Err() != nil {
				break
			}
			results[i] = o.registry.Execute(ctx, calls[i])
		}
		return results
	}

	p := pool.New().WithMaxGoroutines(o.cfg.MaxParallelTools)
	for i := range calls {
		p.Go(func() {
			results[i] = o.registry.Execute(ctx, calls[i])
		})
	}
	p.Wait()
	return results
}

// condense passes an oversized tool result, failed or not, through delegation. When
// summarization fails the result is clipped instead so the turn goes on.
func (o *Orchestrator) condense(ctx context.Context, call *llm.ToolCall, result *llm.ToolResult) (string, error) {
	content := result.Content
	threshold := o.cfg.DelegateThreshold
	if threshold <= 0 {
		return content, nil
	}

	purpose := fmt.Sprintf("Summarize the output of the %s tool for the conversation that called it.", call.Name)
	if result.IsError {
		purpose = fmt.Sprintf("Summarize the error the %s tool reported, keeping the cause and any identifiers.", call.Name)
	}
	summary, err := o.context.MaybeDelegate(ctx, content, purpose, o.cfg.AnalysisPrompt, threshold)
	if err == nil {
		return summary, nil
	}
	if ctxErr := ctx.Err(); ctxErr != nil {
		return "", fmt.Errorf("%s: cancelled while summarizing %s output: %w", opSendMessage, call.Name, ctxErr)
	}

	o.logger.Warn("summarizing %s output (%s) failed, clipping instead: %v", call.Name, call.ID, err)
	return o.context.Clip(content, content, threshold), nil
}

// commit appends msgs to conv in one step, filling token estimates first.
func (o *Orchestrator) commit(conv *llm.Conversation, msgs ...llm.Message) error {
	o.context.Estimate(msgs)
	if err := conv.Append(msgs...); err != nil {
		return fmt.Errorf("%s: append to conversation %s: %w", opSendMessage, conv.ID(), err)
	}
	return nil
}

// definitionTokens estimates the room tool definitions take in every request.
func (o *Orchestrator) definitionTokens(defs []llm.ToolDefinition) int {
	if len(defs) == 0 {
		return 0
	}
	data, err := json.Marshal(defs)
	if err != nil {
		return 0
	}
	return o.context.CountTokens(string(data))
}

// IsLoopExceeded reports whether err came from hitting the iteration cap.
func IsLoopExceeded(err error) bool {
	return errors.Is(err, ErrToolLoopExceeded)
}
