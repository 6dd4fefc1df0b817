package tools

import (
	"context"
	"fmt"

	"agentcore/pkg/agent/llm"
	"agentcore/pkg/memory"
	"agentcore/pkg/utils"
)

// Memory tool names.
const (
	ToolRemember = "remember"
	ToolRecall   = "recall"
)

// RegisterMemoryTools exposes store to the model as the remember and recall tools.
func RegisterMemoryTools(r *Registry, store memory.Store) error {
	if err := r.Register(ToolRemember,
		"Save an assessment so it can be recalled in later conversations.",
		llm.InputSchema{
			Type: "object",
			Properties: map[string]llm.Property{
				"key":           {Type: "string", Description: "Subject the assessment is about, e.g. a ticket id"},
				"decision":      {Type: "string", Description: "The decision or label reached"},
				"justification": {Type: "string", Description: "Why the decision was reached"},
				"findings":      {Type: "array", Description: "Supporting findings", Items: &llm.Property{Type: "string"}},
			},
			Required: []string{"key", "decision"},
		},
		rememberHandler(store),
	); err != nil {
		return err
	}

	return r.Register(ToolRecall,
		"Search previously saved assessments. Leave query empty for the most recent ones.",
		llm.InputSchema{
			Type: "object",
			Properties: map[string]llm.Property{
				"query": {Type: "string", Description: "Words to search for"},
				"limit": {Type: "integer", Description: fmt.Sprintf("Maximum results (default %d)", memory.DefaultLimit)},
			},
		},
		recallHandler(store),
	)
}

func rememberHandler(store memory.Store) Handler {
	return func(ctx context.Context, input map[string]any) (any, error) {
		findings, err := utils.GetStringSlice(input, "findings")
		if err != nil {
			return nil, err
		}
		m := memory.Memory{
			Key:           utils.GetMapFieldOr(input, "key", ""),
			Decision:      utils.GetMapFieldOr(input, "decision", ""),
			Justification: utils.GetMapFieldOr(input, "justification", ""),
			Findings:      findings,
		}
		if err := store.Store(ctx, m); err != nil {
			return nil, err
		}
		return fmt.Sprintf("remembered %s: %s", m.Key, m.Decision), nil
	}
}

func recallHandler(store memory.Store) Handler {
	return func(ctx context.Context, input map[string]any) (any, error) {
		limit := 0
		if _, ok := input["limit"]; ok {
			n, err := utils.GetInt(input, "limit")
			if err != nil {
				return nil, err
			}
			limit = n
		}
		found, err := store.Retrieve(ctx, memory.Query{
			Text:  utils.GetMapFieldOr(input, "query", ""),
			Limit: limit,
		})
		if err != nil {
			return nil, err
		}
		if len(found) == 0 {
			return "no matching memories", nil
		}
		return found, nil
	}
}
