// Package openai adapts the OpenAI Chat Completions API to llm.Provider.
package openai

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"

	"agentcore/pkg/agent/llm"
	"agentcore/pkg/agent/llmerrors"
)

// ChatClient sends requests to the Chat Completions API.
type ChatClient struct {
	client openai.Client
	model  string
}

// NewChatClient creates a raw client; middleware is applied by the factory.
func NewChatClient(apiKey, model, baseURL string) *ChatClient {
	opts := []option.RequestOption{option.WithAPIKey(apiKey), option.WithMaxRetries(0)}
	if baseURL != "" {
		opts = append(opts, option.WithBaseURL(baseURL))
	}
	return &ChatClient{
		client: openai.NewClient(opts...),
		model:  model,
	}
}

// Name implements llm.Provider.
func (c *ChatClient) Name() string {
	return "openai"
}

// Send implements llm.Provider.
func (c *ChatClient) Send(ctx context.Context, req llm.Request) (llm.Response, error) {
	resp, err := c.client.Chat.Completions.New(ctx, c.buildParams(req))
	if err != nil {
		return llm.Response{}, classifyError(err)
	}
	if resp == nil || len(resp.Choices) == 0 {
		return llm.Response{}, llmerrors.NewError(llmerrors.ErrorTypeServer, "no choices returned")
	}
	return convertResponse(resp)
}

func (c *ChatClient) buildParams(req llm.Request) openai.ChatCompletionNewParams {
	params := openai.ChatCompletionNewParams{
		Model:    openai.ChatModel(c.model),
		Messages: buildMessages(req.System, req.Messages),
	}
	if req.MaxTokens > 0 {
		params.MaxCompletionTokens = openai.Int(int64(req.MaxTokens))
	}
	if len(req.Tools) == 0 {
		return params
	}

	tools := make([]openai.ChatCompletionToolParam, len(req.Tools))
	for i := range req.Tools {
		def := &req.Tools[i]
		tools[i] = openai.ChatCompletionToolParam{
			Function: openai.FunctionDefinitionParam{
				Name:        def.Name,
				Description: openai.String(def.Description),
				Parameters:  schemaParameters(&def.InputSchema),
			},
		}
	}
	params.Tools = tools
	return params
}

// buildMessages converts messages to chat format. Each tool_result block
// becomes its own tool message following the assistant call.
func buildMessages(system string, msgs []llm.Message) []openai.ChatCompletionMessageParamUnion {
	out := make([]openai.ChatCompletionMessageParamUnion, 0, len(msgs)+1)
	if system != "" {
		out = append(out, openai.SystemMessage(system))
	}

	for i := range msgs {
		msg := &msgs[i]
		switch msg.Role {
		case llm.RoleSystem:
			out = append(out, openai.SystemMessage(msg.Text()))
		case llm.RoleUser:
			out = append(out, openai.UserMessage(msg.Text()))
		case llm.RoleAssistant:
			out = append(out, assistantMessage(msg))
		case llm.RoleTool:
			for _, result := range msg.ToolResults() {
				content := result.Content
				if result.IsError {
					content = "ERROR: " + content
				}
				out = append(out, openai.ToolMessage(content, result.ToolCallID))
			}
		}
	}
	return out
}

func assistantMessage(msg *llm.Message) openai.ChatCompletionMessageParamUnion {
	calls := msg.ToolCalls()
	if len(calls) == 0 {
		return openai.AssistantMessage(msg.Text())
	}

	param := openai.ChatCompletionAssistantMessageParam{
		ToolCalls: make([]openai.ChatCompletionMessageToolCallParam, len(calls)),
	}
	if text := msg.Text(); text != "" {
		param.Content.OfString = openai.String(text)
	}
	for i := range calls {
		args, err := json.Marshal(calls[i].Input)
		if err != nil || calls[i].Input == nil {
			args = []byte("{}")
		}
		param.ToolCalls[i] = openai.ChatCompletionMessageToolCallParam{
			ID: calls[i].ID,
			Function: openai.ChatCompletionMessageToolCallFunctionParam{
				Name:      calls[i].Name,
				Arguments: string(args),
			},
		}
	}
	return openai.ChatCompletionMessageParamUnion{OfAssistant: &param}
}

func schemaParameters(schema *llm.InputSchema) openai.FunctionParameters {
	properties := make(map[string]any, len(schema.Properties))
	for name, prop := range schema.Properties {
		properties[name] = prop
	}
	params := openai.FunctionParameters{
		"type":       "object",
		"properties": properties,
	}
	if len(schema.Required) > 0 {
		params["required"] = schema.Required
	}
	return params
}

func convertResponse(resp *openai.ChatCompletion) (llm.Response, error) {
	choice := resp.Choices[0]
	out := llm.Response{
		StopReason: string(choice.FinishReason),
		Usage: llm.Usage{
			InputTokens:  int(resp.Usage.PromptTokens),
			OutputTokens: int(resp.Usage.CompletionTokens),
		},
	}
	if choice.Message.Content != "" {
		out.Content = append(out.Content, llm.TextBlock(choice.Message.Content))
	}
	for _, tc := range choice.Message.ToolCalls {
		var input map[string]any
		if tc.Function.Arguments != "" {
			if err := json.Unmarshal([]byte(tc.Function.Arguments), &input); err != nil {
				return llm.Response{}, llmerrors.NewErrorWithCause(llmerrors.ErrorTypeServer, err,
					fmt.Sprintf("failed to parse arguments of tool call %s", tc.ID))
			}
		}
		out.Content = append(out.Content, llm.ToolUseBlock(llm.ToolCall{
			ID:    tc.ID,
			Name:  tc.Function.Name,
			Input: input,
		}))
	}
	return out, nil
}

func classifyError(err error) error {
	if errors.Is(err, context.Canceled) {
		return err
	}

	var apiErr *openai.Error
	if errors.As(err, &apiErr) {
		return llmerrors.NewErrorWithStatus(apiErr.StatusCode, err, fmt.Sprintf("openai API returned %d", apiErr.StatusCode))
	}

	if errType := llmerrors.TypeOf(err); errType != llmerrors.ErrorTypeUnknown {
		return llmerrors.NewErrorWithCause(errType, err, "openai request failed")
	}
	return llmerrors.NewErrorWithCause(llmerrors.ClassifyMessage(err.Error()), err, "openai request failed")
}
