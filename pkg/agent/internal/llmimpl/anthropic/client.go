// Package anthropic adapts the Anthropic Messages API to llm.Provider.
package anthropic

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"

	"agentcore/pkg/agent/llm"
	"agentcore/pkg/agent/llmerrors"
)

// omittedHistory stands in for the user turn dropped from the front of a budgeted view.
const omittedHistory = "(earlier conversation omitted)"

// ClaudeClient sends requests to the Anthropic Messages API.
//
//nolint:govet // Simple client struct, logical grouping preferred
type ClaudeClient struct {
	client anthropic.Client
	model  anthropic.Model
}

// NewClaudeClient creates a raw client; middleware is applied by the factory.
// SDK level retries are disabled because callers retry with their own policy.
func NewClaudeClient(apiKey, model, baseURL string) *ClaudeClient {
	opts := []option.RequestOption{option.WithAPIKey(apiKey), option.WithMaxRetries(0)}
	if baseURL != "" {
		opts = append(opts, option.WithBaseURL(baseURL))
	}
	return &ClaudeClient{
		client: anthropic.NewClient(opts...),
		model:  anthropic.Model(model),
	}
}

// Name implements llm.Provider.
func (c *ClaudeClient) Name() string {
	return "anthropic"
}

// Send implements llm.Provider.
func (c *ClaudeClient) Send(ctx context.Context, req llm.Request) (llm.Response, error) {
	params, err := c.buildParams(req)
	if err != nil {
		return llm.Response{}, llmerrors.NewErrorWithCause(llmerrors.ErrorTypeBadRequest, err, "message conversion failed")
	}

	resp, err := c.client.Messages.New(ctx, params)
	if err != nil {
		return llm.Response{}, classifyError(err)
	}
	if resp == nil || len(resp.Content) == 0 {
		return llm.Response{}, llmerrors.NewError(llmerrors.ErrorTypeServer, "received empty response from Claude API")
	}
	return convertResponse(resp)
}

func (c *ClaudeClient) buildParams(req llm.Request) (anthropic.MessageNewParams, error) {
	msgs, err := ensureAlternation(req.Messages)
	if err != nil {
		return anthropic.MessageNewParams{}, err
	}

	params := anthropic.MessageNewParams{
		Model:     c.model,
		Messages:  make([]anthropic.MessageParam, 0, len(msgs)),
		MaxTokens: int64(req.MaxTokens),
	}
	for i := range msgs {
		params.Messages = append(params.Messages, convertMessage(&msgs[i]))
	}
	if req.System != "" {
		params.System = []anthropic.TextBlockParam{{Text: req.System}}
	}
	if len(req.Tools) > 0 {
		params.Tools = convertTools(req.Tools)
	}
	return params, nil
}

// ensureAlternation maps tool messages to the user role and merges
// consecutive messages of the same role, so all results of one assistant
// turn travel in a single user message. The sequence must end with a user
// turn; a leading assistant turn gets a placeholder user message before it.
func ensureAlternation(messages []llm.Message) ([]llm.Message, error) {
	if len(messages) == 0 {
		return nil, fmt.Errorf("message list cannot be empty")
	}

	var merged []llm.Message
	for i := range messages {
		msg := messages[i].Clone()
		switch msg.Role {
		case llm.RoleSystem:
			return nil, fmt.Errorf("system message found at index %d (should be sent as the system parameter)", i)
		case llm.RoleTool:
			msg.Role = llm.RoleUser
		}

		if n := len(merged); n > 0 && merged[n-1].Role == msg.Role {
			merged[n-1].Content = append(merged[n-1].Content, msg.Content...)
			continue
		}
		merged = append(merged, msg)
	}

	if merged[0].Role != llm.RoleUser {
		merged = append([]llm.Message{llm.NewUserMessage(omittedHistory)}, merged...)
	}
	if last := merged[len(merged)-1].Role; last != llm.RoleUser {
		return nil, fmt.Errorf("last message must be user role, got: %s", last)
	}
	return merged, nil
}

func convertMessage(msg *llm.Message) anthropic.MessageParam {
	blocks := make([]anthropic.ContentBlockParamUnion, 0, len(msg.Content))
	for i := range msg.Content {
		b := &msg.Content[i]
		switch b.Type {
		case llm.BlockText:
			if b.Text != "" {
				blocks = append(blocks, anthropic.NewTextBlock(b.Text))
			}
		case llm.BlockToolUse:
			input := b.ToolCall.Input
			if input == nil {
				input = map[string]any{}
			}
			blocks = append(blocks, anthropic.NewToolUseBlock(b.ToolCall.ID, input, b.ToolCall.Name))
		case llm.BlockToolResult:
			blocks = append(blocks, anthropic.NewToolResultBlock(b.ToolResult.ToolCallID, b.ToolResult.Content, b.ToolResult.IsError))
		}
	}

	if msg.Role == llm.RoleAssistant {
		return anthropic.NewAssistantMessage(blocks...)
	}
	return anthropic.NewUserMessage(blocks...)
}

func convertTools(defs []llm.ToolDefinition) []anthropic.ToolUnionParam {
	tools := make([]anthropic.ToolUnionParam, 0, len(defs))
	for i := range defs {
		def := &defs[i]
		properties := make(map[string]any, len(def.InputSchema.Properties))
		for name, prop := range def.InputSchema.Properties {
			properties[name] = prop
		}
		tool := anthropic.ToolUnionParamOfTool(anthropic.ToolInputSchemaParam{
			Properties: properties,
			Required:   def.InputSchema.Required,
		}, def.Name)
		if def.Description != "" {
			tool.OfTool.Description = anthropic.String(def.Description)
		}
		tools = append(tools, tool)
	}
	return tools
}

func convertResponse(resp *anthropic.Message) (llm.Response, error) {
	out := llm.Response{
		StopReason: string(resp.StopReason),
		Usage: llm.Usage{
			InputTokens:  int(resp.Usage.InputTokens),
			OutputTokens: int(resp.Usage.OutputTokens),
		},
	}
	for i := range resp.Content {
		block := &resp.Content[i]
		switch block.Type {
		case "text":
			out.Content = append(out.Content, llm.TextBlock(block.AsText().Text))
		case "tool_use":
			toolUse := block.AsToolUse()
			var input map[string]any
			if len(toolUse.Input) > 0 {
				if err := json.Unmarshal(toolUse.Input, &input); err != nil {
					return llm.Response{}, llmerrors.NewErrorWithCause(llmerrors.ErrorTypeServer, err,
						fmt.Sprintf("failed to parse input of tool call %s", toolUse.ID))
				}
			}
			out.Content = append(out.Content, llm.ToolUseBlock(llm.ToolCall{
				ID:    toolUse.ID,
				Name:  toolUse.Name,
				Input: input,
			}))
		}
	}
	return out, nil
}

// classifyError maps SDK errors to llmerrors types, by status code when the
// API answered and by error type or message otherwise.
func classifyError(err error) error {
	if errors.Is(err, context.Canceled) {
		return err
	}

	var apiErr *anthropic.Error
	if errors.As(err, &apiErr) {
		return llmerrors.NewErrorWithStatus(apiErr.StatusCode, err, fmt.Sprintf("anthropic API returned %d", apiErr.StatusCode))
	}

	if errType := llmerrors.TypeOf(err); errType != llmerrors.ErrorTypeUnknown {
		return llmerrors.NewErrorWithCause(errType, err, "anthropic request failed")
	}
	return llmerrors.NewErrorWithCause(llmerrors.ClassifyMessage(err.Error()), err, "anthropic request failed")
}
