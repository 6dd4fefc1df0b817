package anthropic

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"agentcore/pkg/agent/llm"
	"agentcore/pkg/agent/llmerrors"
)

// TestEnsureAlternation tests the message alternation logic.
func TestEnsureAlternation(t *testing.T) {
	call := llm.ToolCall{ID: "t1", Name: "ls"}
	call2 := llm.ToolCall{ID: "t2", Name: "cat"}

	tests := []struct {
		name        string
		input       []llm.Message
		expectRoles []llm.Role
		errContains string
	}{
		{
			name:        "empty messages",
			errContains: "message list cannot be empty",
		},
		{
			name:        "system message rejected",
			input:       []llm.Message{llm.NewSystemMessage("sys"), llm.NewUserMessage("hi")},
			errContains: "system message found",
		},
		{
			name: "proper alternation maintained",
			input: []llm.Message{
				llm.NewUserMessage("Hello"),
				llm.NewAssistantMessage("Hi"),
				llm.NewUserMessage("How are you?"),
			},
			expectRoles: []llm.Role{llm.RoleUser, llm.RoleAssistant, llm.RoleUser},
		},
		{
			name: "tool results merged into one user turn",
			input: []llm.Message{
				llm.NewUserMessage("look"),
				llm.NewAssistantMessage("", call, call2),
				llm.NewToolResultMessage(llm.ToolResult{ToolCallID: "t1", Content: "a"}),
				llm.NewToolResultMessage(llm.ToolResult{ToolCallID: "t2", Content: "b"}),
			},
			expectRoles: []llm.Role{llm.RoleUser, llm.RoleAssistant, llm.RoleUser},
		},
		{
			name: "leading assistant gets placeholder",
			input: []llm.Message{
				llm.NewAssistantMessage("", call),
				llm.NewToolResultMessage(llm.ToolResult{ToolCallID: "t1", Content: "a"}),
			},
			expectRoles: []llm.Role{llm.RoleUser, llm.RoleAssistant, llm.RoleUser},
		},
		{
			name:        "ends with assistant returns error",
			input:       []llm.Message{llm.NewUserMessage("Hello"), llm.NewAssistantMessage("Hi")},
			errContains: "last message must be user",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			msgs, err := ensureAlternation(tt.input)
			if tt.errContains != "" {
				if err == nil || !strings.Contains(err.Error(), tt.errContains) {
					t.Fatalf("expected error containing %q, got %v", tt.errContains, err)
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if len(msgs) != len(tt.expectRoles) {
				t.Fatalf("expected %d messages, got %d", len(tt.expectRoles), len(msgs))
			}
			for i, role := range tt.expectRoles {
				if msgs[i].Role != role {
					t.Errorf("message %d: expected role %s, got %s", i, role, msgs[i].Role)
				}
			}
		})
	}
}

func TestEnsureAlternationDoesNotMutateInput(t *testing.T) {
	input := []llm.Message{
		llm.NewUserMessage("a"),
		llm.NewUserMessage("b"),
	}
	if _, err := ensureAlternation(input); err != nil {
		t.Fatal(err)
	}
	if len(input[0].Content) != 1 {
		t.Errorf("input message was modified: %d blocks", len(input[0].Content))
	}
}

// fakeAPI serves one canned response and records the request body.
func fakeAPI(t *testing.T, status int, body string, captured *map[string]any) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !strings.HasSuffix(r.URL.Path, "/v1/messages") {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		raw, _ := io.ReadAll(r.Body)
		if captured != nil {
			_ = json.Unmarshal(raw, captured)
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		_, _ = io.WriteString(w, body)
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestSendConvertsRequestAndResponse(t *testing.T) {
	var captured map[string]any
	srv := fakeAPI(t, http.StatusOK, `{
		"id": "msg_1", "type": "message", "role": "assistant", "model": "claude-sonnet-4-5",
		"content": [
			{"type": "text", "text": "Let me check."},
			{"type": "tool_use", "id": "toolu_2", "name": "cat", "input": {"path": "a.txt"}}
		],
		"stop_reason": "tool_use",
		"usage": {"input_tokens": 42, "output_tokens": 7}
	}`, &captured)

	client := NewClaudeClient("test-key", "claude-sonnet-4-5", srv.URL)
	resp, err := client.Send(context.Background(), llm.Request{
		System:    "be brief",
		MaxTokens: 256,
		Messages: []llm.Message{
			llm.NewUserMessage("list files"),
			llm.NewAssistantMessage("", llm.ToolCall{ID: "toolu_1", Name: "ls", Input: map[string]any{"dir": "."}}),
			llm.NewToolResultMessage(llm.ToolResult{ToolCallID: "toolu_1", Content: "a.txt", IsError: false}),
		},
		Tools: []llm.ToolDefinition{{
			Name:        "cat",
			Description: "Print a file",
			InputSchema: llm.InputSchema{
				Type:       "object",
				Properties: map[string]llm.Property{"path": {Type: "string"}},
				Required:   []string{"path"},
			},
		}},
	})
	if err != nil {
		t.Fatalf("Send: %v", err)
	}

	if resp.Text() != "Let me check." {
		t.Errorf("text = %q", resp.Text())
	}
	calls := resp.ToolCalls()
	if len(calls) != 1 || calls[0].ID != "toolu_2" || calls[0].Input["path"] != "a.txt" {
		t.Errorf("tool calls = %+v", calls)
	}
	if resp.StopReason != "tool_use" || resp.Usage.InputTokens != 42 || resp.Usage.OutputTokens != 7 {
		t.Errorf("stop reason %q usage %+v", resp.StopReason, resp.Usage)
	}

	if captured["model"] != "claude-sonnet-4-5" {
		t.Errorf("model = %v", captured["model"])
	}
	if captured["max_tokens"] != float64(256) {
		t.Errorf("max_tokens = %v", captured["max_tokens"])
	}
	messages, _ := captured["messages"].([]any)
	if len(messages) != 3 {
		t.Fatalf("expected 3 wire messages, got %d", len(messages))
	}
	last, _ := messages[2].(map[string]any)
	if last["role"] != "user" {
		t.Errorf("tool results sent with role %v", last["role"])
	}
	blocks, _ := last["content"].([]any)
	first, _ := blocks[0].(map[string]any)
	if first["type"] != "tool_result" || first["tool_use_id"] != "toolu_1" {
		t.Errorf("tool result block = %v", first)
	}
	tools, _ := captured["tools"].([]any)
	if len(tools) != 1 {
		t.Fatalf("expected 1 tool, got %d", len(tools))
	}
	tool, _ := tools[0].(map[string]any)
	if tool["name"] != "cat" || tool["description"] != "Print a file" {
		t.Errorf("tool = %v", tool)
	}
}

func TestSendClassifiesErrors(t *testing.T) {
	tests := []struct {
		name      string
		status    int
		errType   llmerrors.ErrorType
		transient bool
	}{
		{"rate limited", http.StatusTooManyRequests, llmerrors.ErrorTypeRateLimit, true},
		{"overloaded", 529, llmerrors.ErrorTypeServer, true},
		{"bad key", http.StatusUnauthorized, llmerrors.ErrorTypeAuth, false},
		{"bad request", http.StatusBadRequest, llmerrors.ErrorTypeBadRequest, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := fakeAPI(t, tt.status, `{"type":"error","error":{"type":"some_error","message":"nope"}}`, nil)
			client := NewClaudeClient("test-key", "claude-sonnet-4-5", srv.URL)

			_, err := client.Send(context.Background(), llm.Request{
				MaxTokens: 10,
				Messages:  []llm.Message{llm.NewUserMessage("hi")},
			})

			if !llmerrors.Is(err, tt.errType) {
				t.Fatalf("expected %s, got %v", tt.errType, err)
			}
			if llmerrors.IsTransient(err) != tt.transient {
				t.Errorf("transient = %v, want %v", llmerrors.IsTransient(err), tt.transient)
			}
		})
	}
}

func TestSendRejectsInvalidHistoryWithoutCalling(t *testing.T) {
	client := NewClaudeClient("test-key", "claude-sonnet-4-5", "http://127.0.0.1:1")

	_, err := client.Send(context.Background(), llm.Request{
		Messages: []llm.Message{llm.NewUserMessage("hi"), llm.NewAssistantMessage("done")},
	})

	if !llmerrors.Is(err, llmerrors.ErrorTypeBadRequest) {
		t.Fatalf("expected bad request, got %v", err)
	}
}
