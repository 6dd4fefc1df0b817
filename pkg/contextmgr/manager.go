// Package contextmgr keeps conversations inside the model's token window.
//
// Token counts are estimates from a GPT-4 tokenizer; providers count
// differently, so callers reserve headroom rather than rely on exact parity.
package contextmgr

import (
	"context"
	"encoding/json"

	"agentcore/pkg/agent/llm"
	"agentcore/pkg/agent/middleware/resilience/retry"
	"agentcore/pkg/logx"
	"agentcore/pkg/telemetry"
	"agentcore/pkg/utils"
)

// Per-message overhead added to the text estimate.
const (
	BlockOverhead   = 4
	MessageOverhead = 4
)

// Counter estimates the number of tokens in text.
type Counter interface {
	CountTokens(text string) int
}

// CounterFunc adapts a function to Counter.
type CounterFunc func(string) int

func (f CounterFunc) CountTokens(text string) int { return f(text) }

// Manager estimates, budgets and delegates. It holds no per-conversation
// state and is safe for concurrent use.
type Manager struct {
	counter        Counter
	provider       llm.Provider
	tracer         telemetry.Tracer
	logger         *logx.Logger
	retryOptions   []retry.Option
	policy         retry.Policy
	windowTokens   int
	maxReplyTokens int
}

// Option configures a Manager.
type Option func(*Manager)

// WithProvider sets the provider used for delegation.
func WithProvider(p llm.Provider) Option {
	return func(m *Manager) { m.provider = p }
}

// WithRetryPolicy sets the policy for delegation calls.
func WithRetryPolicy(p retry.Policy) Option {
	return func(m *Manager) { m.policy = p }
}

// WithRetryOptions passes extra options to every retry.Execute call.
func WithRetryOptions(opts ...retry.Option) Option {
	return func(m *Manager) { m.retryOptions = append(m.retryOptions, opts...) }
}

// WithTracer sets the telemetry sink.
func WithTracer(t telemetry.Tracer) Option {
	return func(m *Manager) { m.tracer = telemetry.OrNop(t) }
}

// WithWindow bounds delegation requests to the model's context window.
func WithWindow(contextTokens, replyTokens int) Option {
	return func(m *Manager) {
		m.windowTokens = contextTokens
		m.maxReplyTokens = replyTokens
	}
}

// New creates a Manager. A nil counter falls back to the 4-characters-per-token estimate.
func New(counter Counter, opts ...Option) *Manager {
	if counter == nil {
		counter = CounterFunc(utils.CharEstimate)
	}
	m := &Manager{
		counter: counter,
		policy:  retry.DefaultPolicy(),
		tracer:  telemetry.Nop(),
		logger:  logx.NewLogger("contextmgr"),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// CountTokens estimates tokens in text.
func (m *Manager) CountTokens(text string) int {
	return m.counter.CountTokens(text)
}

// EstimateMessage estimates one message: text of every block, plus block and message overhead.
func (m *Manager) EstimateMessage(msg *llm.Message) int {
	total := MessageOverhead
	for i := range msg.Content {
		b := &msg.Content[i]
		total += BlockOverhead
		switch b.Type {
		case llm.BlockText:
			total += m.CountTokens(b.Text)
		case llm.BlockToolUse:
			if b.ToolCall != nil {
				total += m.CountTokens(b.ToolCall.Name)
				if input, err := json.Marshal(b.ToolCall.Input); err == nil {
					total += m.CountTokens(string(input))
				}
			}
		case llm.BlockToolResult:
			if b.ToolResult != nil {
				total += m.CountTokens(b.ToolResult.Content)
			}
		}
	}
	return total
}

// Estimate fills in missing TokenEstimate values and returns the total.
func (m *Manager) Estimate(msgs []llm.Message) int {
	total := 0
	for i := range msgs {
		if msgs[i].TokenEstimate <= 0 {
			msgs[i].TokenEstimate = m.EstimateMessage(&msgs[i])
		}
		total += msgs[i].TokenEstimate
	}
	return total
}

// group is a run of messages kept or dropped together.
type group struct {
	start, end int // [start, end)
	tokens     int
	protected  bool
}

// EnsureWithinBudget returns a view of msgs whose estimate plus reserved fits
// within maxTokens. Oldest groups go first. System messages, the group with
// the latest user text and the final group are never dropped, and an
// assistant tool_use message is kept or dropped together with its results.
// msgs itself is not modified.
func (m *Manager) EnsureWithinBudget(ctx context.Context, msgs []llm.Message, maxTokens, reserved int) ([]llm.Message, error) {
	work := make([]llm.Message, len(msgs))
	for i := range msgs {
		work[i] = msgs[i].Clone()
	}
	total := m.Estimate(work)
	budget := maxTokens - reserved
	if total <= budget {
		return work, nil
	}

	groups, systemTokens := m.groups(work)
	required := systemTokens
	for _, g := range groups {
		if g.protected {
			required += g.tokens
		}
	}
	if required > budget {
		return nil, &OverflowError{
			Op:       "ensure_within_budget",
			Required: required + reserved,
			Budget:   maxTokens,
			LastRole: lastRole(msgs),
		}
	}

	drop := make([]bool, len(work))
	dropped, droppedTokens := 0, 0
	for _, g := range groups {
		if total <= budget {
			break
		}
		if g.protected {
			continue
		}
		for i := g.start; i < g.end; i++ {
			drop[i] = true
		}
		total -= g.tokens
		dropped += g.end - g.start
		droppedTokens += g.tokens
	}

	out := make([]llm.Message, 0, len(work)-dropped)
	for i := range work {
		if !drop[i] {
			out = append(out, work[i])
		}
	}

	m.tracer.Event(ctx, "contextmgr.truncated", map[string]any{
		"dropped_messages": dropped,
		"dropped_tokens":   droppedTokens,
		"kept_tokens":      total,
		"budget":           budget,
	})
	logx.Debug(ctx, "contextmgr", "dropped %d messages (%d tokens) to fit %d", dropped, droppedTokens, budget)
	return out, nil
}

// groups splits the non-system messages of work into droppable units and
// returns them oldest first along with the tokens held by system messages.
func (m *Manager) groups(work []llm.Message) ([]group, int) {
	var (
		groups       []group
		systemTokens int
	)
	for i := 0; i < len(work); {
		if work[i].Role == llm.RoleSystem {
			systemTokens += work[i].TokenEstimate
			i++
			continue
		}

		g := group{start: i, end: i + 1, tokens: work[i].TokenEstimate}
		if work[i].Role == llm.RoleAssistant && work[i].HasToolUse() {
			pending := make(map[string]bool)
			for _, call := range work[i].ToolCalls() {
				pending[call.ID] = true
			}
			for g.end < len(work) && work[g.end].Role == llm.RoleTool && answers(&work[g.end], pending) {
				g.tokens += work[g.end].TokenEstimate
				g.end++
			}
		}
		groups = append(groups, g)
		i = g.end
	}

	if len(groups) > 0 {
		groups[len(groups)-1].protected = true
	}
	for gi := len(groups) - 1; gi >= 0; gi-- {
		if hasUserText(work[groups[gi].start:groups[gi].end]) {
			groups[gi].protected = true
			break
		}
	}
	return groups, systemTokens
}

func answers(msg *llm.Message, pending map[string]bool) bool {
	results := msg.ToolResults()
	if len(results) == 0 {
		return false
	}
	for _, r := range results {
		if !pending[r.ToolCallID] {
			return false
		}
	}
	return true
}

func hasUserText(msgs []llm.Message) bool {
	for i := range msgs {
		if msgs[i].Role == llm.RoleUser && msgs[i].HasUserText() {
			return true
		}
	}
	return false
}

func lastRole(msgs []llm.Message) string {
	if len(msgs) == 0 {
		return ""
	}
	return string(msgs[len(msgs)-1].Role)
}
