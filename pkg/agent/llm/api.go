// Package llm defines the message model, the Provider port and the middleware chain.
package llm

import (
	"context"
	"strings"
)

// Role identifies the author of a message.
type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleTool      Role = "tool"
)

// BlockType tags a ContentBlock.
type BlockType string

const (
	BlockText       BlockType = "text"
	BlockToolUse    BlockType = "tool_use"
	BlockToolResult BlockType = "tool_result"
)

// ToolCall is a model request to run a tool.
type ToolCall struct {
	ID    string         `json:"id"`
	Name  string         `json:"name"`
	Input map[string]any `json:"input,omitempty"`
}

// ToolResult answers exactly one ToolCall.
type ToolResult struct {
	ToolCallID string `json:"tool_call_id"`
	Content    string `json:"content"`
	IsError    bool   `json:"is_error,omitempty"`
}

// ContentBlock is one piece of message content. Exactly one payload is set, matching Type.
type ContentBlock struct {
	Type       BlockType   `json:"type"`
	Text       string      `json:"text,omitempty"`
	ToolCall   *ToolCall   `json:"tool_call,omitempty"`
	ToolResult *ToolResult `json:"tool_result,omitempty"`
}

func TextBlock(text string) ContentBlock {
	return ContentBlock{Type: BlockText, Text: text}
}

func ToolUseBlock(call ToolCall) ContentBlock {
	return ContentBlock{Type: BlockToolUse, ToolCall: &call}
}

func ToolResultBlock(result ToolResult) ContentBlock {
	return ContentBlock{Type: BlockToolResult, ToolResult: &result}
}

// Message is an entry in a conversation.
// TokenEstimate caches the context manager's estimate; zero means not yet computed.
type Message struct {
	Role          Role           `json:"role"`
	Content       []ContentBlock `json:"content"`
	TokenEstimate int            `json:"token_estimate,omitempty"`
}

func NewSystemMessage(text string) Message {
	return Message{Role: RoleSystem, Content: []ContentBlock{TextBlock(text)}}
}

func NewUserMessage(text string) Message {
	return Message{Role: RoleUser, Content: []ContentBlock{TextBlock(text)}}
}

// NewAssistantMessage builds an assistant message from optional text followed by tool calls.
func NewAssistantMessage(text string, calls ...ToolCall) Message {
	blocks := make([]ContentBlock, 0, len(calls)+1)
	if text != "" {
		blocks = append(blocks, TextBlock(text))
	}
	for i := range calls {
		blocks = append(blocks, ToolUseBlock(calls[i]))
	}
	return Message{Role: RoleAssistant, Content: blocks}
}

func NewToolResultMessage(result ToolResult) Message {
	return Message{Role: RoleTool, Content: []ContentBlock{ToolResultBlock(result)}}
}

// Text joins the message's text blocks.
func (m *Message) Text() string {
	return joinText(m.Content)
}

// ToolCalls returns the tool_use payloads in order.
func (m *Message) ToolCalls() []ToolCall {
	return toolCalls(m.Content)
}

// ToolResults returns the tool_result payloads in order.
func (m *Message) ToolResults() []ToolResult {
	var out []ToolResult
	for i := range m.Content {
		if m.Content[i].Type == BlockToolResult && m.Content[i].ToolResult != nil {
			out = append(out, *m.Content[i].ToolResult)
		}
	}
	return out
}

// HasToolUse reports whether the message requests any tool.
func (m *Message) HasToolUse() bool {
	for i := range m.Content {
		if m.Content[i].Type == BlockToolUse {
			return true
		}
	}
	return false
}

// HasUserText reports whether this is a user message carrying text.
func (m *Message) HasUserText() bool {
	return m.Role == RoleUser && m.Text() != ""
}

// Clone copies the block slice so the result shares no mutable state with m.
func (m *Message) Clone() Message {
	out := *m
	out.Content = make([]ContentBlock, len(m.Content))
	for i, b := range m.Content {
		if b.ToolCall != nil {
			tc := *b.ToolCall
			tc.Input = cloneInput(tc.Input)
			b.ToolCall = &tc
		}
		if b.ToolResult != nil {
			tr := *b.ToolResult
			b.ToolResult = &tr
		}
		out.Content[i] = b
	}
	return out
}

// cloneInput deep-copies the maps and slices decoded JSON is made of.
func cloneInput(in map[string]any) map[string]any {
	if in == nil {
		return nil
	}
	out := make(map[string]any, len(in))
	for k, v := range in {
		out[k] = cloneValue(v)
	}
	return out
}

func cloneValue(v any) any {
	switch v := v.(type) {
	case map[string]any:
		return cloneInput(v)
	case []any:
		out := make([]any, len(v))
		for i, e := range v {
			out[i] = cloneValue(e)
		}
		return out
	default:
		return v
	}
}

// Property describes one field of a tool input schema.
type Property struct {
	Type        string               `json:"type"`
	Description string               `json:"description,omitempty"`
	Enum        []string             `json:"enum,omitempty"`
	Items       *Property            `json:"items,omitempty"`
	Properties  map[string]*Property `json:"properties,omitempty"`
	Required    []string             `json:"required,omitempty"`
}

// InputSchema is the structural schema of a tool's input object.
type InputSchema struct {
	Type       string              `json:"type"`
	Properties map[string]Property `json:"properties"`
	Required   []string            `json:"required,omitempty"`
}

// ToolDefinition is the provider-facing description of a registered tool.
type ToolDefinition struct {
	Name        string      `json:"name"`
	Description string      `json:"description"`
	InputSchema InputSchema `json:"input_schema"`
}

// Usage reports provider token accounting.
type Usage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
}

// Request is one provider call. System is sent out of band from Messages.
type Request struct {
	Messages  []Message
	MaxTokens int
	System    string
	Tools     []ToolDefinition
}

// Response is a provider's answer.
type Response struct {
	Content    []ContentBlock
	StopReason string
	Usage      Usage
}

// Text joins the response's text blocks.
func (r *Response) Text() string {
	return joinText(r.Content)
}

// ToolCalls returns the tool_use payloads in order.
func (r *Response) ToolCalls() []ToolCall {
	return toolCalls(r.Content)
}

// Provider is the language-model calling port.
type Provider interface {
	Send(ctx context.Context, req Request) (Response, error)
	Name() string
}

// WithoutSystem drops system messages; providers receive the prompt through Request.System.
func WithoutSystem(msgs []Message) []Message {
	out := make([]Message, 0, len(msgs))
	for i := range msgs {
		if msgs[i].Role != RoleSystem {
			out = append(out, msgs[i])
		}
	}
	return out
}

func joinText(blocks []ContentBlock) string {
	var parts []string
	for i := range blocks {
		if blocks[i].Type == BlockText && blocks[i].Text != "" {
			parts = append(parts, blocks[i].Text)
		}
	}
	return strings.Join(parts, "\n")
}

func toolCalls(blocks []ContentBlock) []ToolCall {
	var out []ToolCall
	for i := range blocks {
		if blocks[i].Type == BlockToolUse && blocks[i].ToolCall != nil {
			out = append(out, *blocks[i].ToolCall)
		}
	}
	return out
}
