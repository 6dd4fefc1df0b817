// Package google adapts the Gemini API to llm.Provider.
package google

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"google.golang.org/genai"

	"agentcore/pkg/agent/llm"
	"agentcore/pkg/agent/llmerrors"
)

const (
	roleUser  = "user"
	roleModel = "model"
)

// GeminiClient sends requests to the Gemini API.
type GeminiClient struct {
	client  *genai.Client
	apiKey  string
	model   string
	baseURL string
	mu      sync.Mutex
}

// NewGeminiClient creates a raw client; middleware is applied by the factory.
// The SDK client needs a context, so it is created on first use.
func NewGeminiClient(apiKey, model, baseURL string) *GeminiClient {
	return &GeminiClient{apiKey: apiKey, model: model, baseURL: baseURL}
}

// Name implements llm.Provider.
func (g *GeminiClient) Name() string {
	return "google"
}

func (g *GeminiClient) sdk(ctx context.Context) (*genai.Client, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.client != nil {
		return g.client, nil
	}

	cfg := &genai.ClientConfig{APIKey: g.apiKey, Backend: genai.BackendGeminiAPI}
	if g.baseURL != "" {
		cfg.HTTPOptions = genai.HTTPOptions{BaseURL: g.baseURL}
	}
	client, err := genai.NewClient(ctx, cfg)
	if err != nil {
		return nil, llmerrors.NewErrorWithCause(llmerrors.ErrorTypeAuth, err, "failed to create Gemini client")
	}
	g.client = client
	return client, nil
}

// Send implements llm.Provider.
func (g *GeminiClient) Send(ctx context.Context, req llm.Request) (llm.Response, error) {
	contents, err := convertMessagesToGemini(req.Messages)
	if err != nil {
		return llm.Response{}, llmerrors.NewErrorWithCause(llmerrors.ErrorTypeBadRequest, err, "message conversion failed")
	}

	client, err := g.sdk(ctx)
	if err != nil {
		return llm.Response{}, err
	}

	//nolint:gosec // MaxTokens is bounded by configuration validation
	config := &genai.GenerateContentConfig{MaxOutputTokens: int32(req.MaxTokens)}
	if req.System != "" {
		config.SystemInstruction = &genai.Content{Parts: []*genai.Part{{Text: req.System}}}
	}
	if len(req.Tools) > 0 {
		config.Tools = []*genai.Tool{{FunctionDeclarations: convertToolsToGemini(req.Tools)}}
	}

	result, err := client.Models.GenerateContent(ctx, g.model, contents, config)
	if err != nil {
		return llm.Response{}, classifyError(err)
	}
	return convertResponse(result)
}

// convertMessagesToGemini maps roles to user/model and merges consecutive
// contents of the same role. Function responses carry the name of the call
// they answer, looked up from earlier function calls.
func convertMessagesToGemini(messages []llm.Message) ([]*genai.Content, error) {
	if len(messages) == 0 {
		return nil, fmt.Errorf("message list cannot be empty")
	}

	names := make(map[string]string)
	var contents []*genai.Content
	for i := range messages {
		msg := &messages[i]

		var role string
		switch msg.Role {
		case llm.RoleUser, llm.RoleTool:
			role = roleUser
		case llm.RoleAssistant:
			role = roleModel
		default:
			return nil, fmt.Errorf("unsupported message role: %s", msg.Role)
		}

		var parts []*genai.Part
		for j := range msg.Content {
			b := &msg.Content[j]
			switch b.Type {
			case llm.BlockText:
				if b.Text != "" {
					parts = append(parts, &genai.Part{Text: b.Text})
				}
			case llm.BlockToolUse:
				names[b.ToolCall.ID] = b.ToolCall.Name
				parts = append(parts, &genai.Part{FunctionCall: &genai.FunctionCall{
					ID:   b.ToolCall.ID,
					Name: b.ToolCall.Name,
					Args: b.ToolCall.Input,
				}})
			case llm.BlockToolResult:
				name, ok := names[b.ToolResult.ToolCallID]
				if !ok {
					return nil, fmt.Errorf("tool result %s has no matching function call", b.ToolResult.ToolCallID)
				}
				key := "output"
				if b.ToolResult.IsError {
					key = "error"
				}
				parts = append(parts, &genai.Part{FunctionResponse: &genai.FunctionResponse{
					ID:       b.ToolResult.ToolCallID,
					Name:     name,
					Response: map[string]any{key: b.ToolResult.Content},
				}})
			}
		}
		if len(parts) == 0 {
			continue
		}

		if n := len(contents); n > 0 && contents[n-1].Role == role {
			contents[n-1].Parts = append(contents[n-1].Parts, parts...)
			continue
		}
		contents = append(contents, &genai.Content{Role: role, Parts: parts})
	}
	return contents, nil
}

// convertToolsToGemini converts tool definitions to function declarations.
func convertToolsToGemini(defs []llm.ToolDefinition) []*genai.FunctionDeclaration {
	declarations := make([]*genai.FunctionDeclaration, len(defs))
	for i := range defs {
		def := &defs[i]
		properties := make(map[string]*genai.Schema, len(def.InputSchema.Properties))
		//nolint:gocritic // rangeValCopy: Property size acceptable for this use case
		for name, prop := range def.InputSchema.Properties {
			properties[name] = convertPropertyToGeminiSchema(&prop)
		}
		declarations[i] = &genai.FunctionDeclaration{
			Name:        def.Name,
			Description: def.Description,
			Parameters: &genai.Schema{
				Type:       genai.TypeObject,
				Properties: properties,
				Required:   def.InputSchema.Required,
			},
		}
	}
	return declarations
}

// convertPropertyToGeminiSchema recursively converts a Property to Gemini schema format.
func convertPropertyToGeminiSchema(prop *llm.Property) *genai.Schema {
	schema := &genai.Schema{Description: prop.Description, Enum: prop.Enum}

	switch prop.Type {
	case "number":
		schema.Type = genai.TypeNumber
	case "integer":
		schema.Type = genai.TypeInteger
	case "boolean":
		schema.Type = genai.TypeBoolean
	case "array":
		schema.Type = genai.TypeArray
		if prop.Items != nil {
			schema.Items = convertPropertyToGeminiSchema(prop.Items)
		}
	case "object":
		schema.Type = genai.TypeObject
		if prop.Properties != nil {
			schema.Properties = make(map[string]*genai.Schema, len(prop.Properties))
			for name, child := range prop.Properties {
				if child != nil {
					schema.Properties[name] = convertPropertyToGeminiSchema(child)
				}
			}
			schema.Required = prop.Required
		}
	default:
		schema.Type = genai.TypeString
	}
	return schema
}

func convertResponse(result *genai.GenerateContentResponse) (llm.Response, error) {
	if result == nil || len(result.Candidates) == 0 || result.Candidates[0].Content == nil {
		return llm.Response{}, llmerrors.NewError(llmerrors.ErrorTypeServer, "empty response from Gemini API")
	}

	candidate := result.Candidates[0]
	out := llm.Response{StopReason: string(candidate.FinishReason)}
	if usage := result.UsageMetadata; usage != nil {
		out.Usage = llm.Usage{
			InputTokens:  int(usage.PromptTokenCount),
			OutputTokens: int(usage.CandidatesTokenCount),
		}
	}

	for _, part := range candidate.Content.Parts {
		switch {
		case part == nil, part.Thought:
			continue
		case part.FunctionCall != nil:
			// Gemini may omit call ids; every call needs a unique one to be answered.
			id := part.FunctionCall.ID
			if id == "" {
				id = part.FunctionCall.Name + "-" + uuid.NewString()
			}
			out.Content = append(out.Content, llm.ToolUseBlock(llm.ToolCall{
				ID:    id,
				Name:  part.FunctionCall.Name,
				Input: part.FunctionCall.Args,
			}))
		case part.Text != "":
			out.Content = append(out.Content, llm.TextBlock(part.Text))
		}
	}
	return out, nil
}

func classifyError(err error) error {
	if errors.Is(err, context.Canceled) {
		return err
	}

	var apiErr genai.APIError
	if errors.As(err, &apiErr) && apiErr.Code != 0 {
		return llmerrors.NewErrorWithStatus(apiErr.Code, err, fmt.Sprintf("gemini API returned %d %s", apiErr.Code, apiErr.Status))
	}

	if errType := llmerrors.TypeOf(err); errType != llmerrors.ErrorTypeUnknown {
		return llmerrors.NewErrorWithCause(errType, err, "gemini request failed")
	}
	return llmerrors.NewErrorWithCause(llmerrors.ClassifyMessage(err.Error()), err, "gemini request failed")
}
