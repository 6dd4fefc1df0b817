package llm

import (
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Conversation is an append-only message arena. Callers only ever see copies;
// budgeted views handed to a provider never alter the stored history.
type Conversation struct {
	mu        sync.RWMutex
	id        string
	createdAt time.Time
	updatedAt time.Time
	messages  []Message
}

// NewConversation starts an empty conversation with a fresh id.
func NewConversation() *Conversation {
	now := time.Now().UTC()
	return &Conversation{
		id:        uuid.NewString(),
		createdAt: now,
		updatedAt: now,
	}
}

// RestoreConversation rebuilds a conversation loaded by a store.
func RestoreConversation(id string, createdAt, updatedAt time.Time, messages []Message) *Conversation {
	c := &Conversation{id: id, createdAt: createdAt, updatedAt: updatedAt}
	c.messages = make([]Message, 0, len(messages))
	for i := range messages {
		c.messages = append(c.messages, messages[i].Clone())
	}
	return c
}

func (c *Conversation) ID() string {
	return c.id
}

func (c *Conversation) CreatedAt() time.Time {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.createdAt
}

func (c *Conversation) UpdatedAt() time.Time {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.updatedAt
}

func (c *Conversation) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.messages)
}

// Messages returns a copy of the history.
func (c *Conversation) Messages() []Message {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]Message, len(c.messages))
	for i := range c.messages {
		out[i] = c.messages[i].Clone()
	}
	return out
}

// LastRole returns the role of the newest message, or "" when empty.
func (c *Conversation) LastRole() Role {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if len(c.messages) == 0 {
		return ""
	}
	return c.messages[len(c.messages)-1].Role
}

// Append commits msgs as one unit. Either all are stored or none are.
// A tool_result must answer a tool_use already in the history or earlier in msgs,
// and each tool_use id may be answered only once.
func (c *Conversation) Append(msgs ...Message) error {
	if len(msgs) == 0 {
		return nil
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	pending, answered := c.toolState()
	for i := range msgs {
		for _, call := range msgs[i].ToolCalls() {
			pending[call.ID] = true
		}
		for _, res := range msgs[i].ToolResults() {
			if !pending[res.ToolCallID] {
				return fmt.Errorf("tool result %q has no matching tool call", res.ToolCallID)
			}
			if answered[res.ToolCallID] {
				return fmt.Errorf("tool call %q already answered", res.ToolCallID)
			}
			answered[res.ToolCallID] = true
		}
	}

	for i := range msgs {
		c.messages = append(c.messages, msgs[i].Clone())
	}
	c.updatedAt = time.Now().UTC()
	return nil
}

func (c *Conversation) toolState() (pending, answered map[string]bool) {
	pending = make(map[string]bool)
	answered = make(map[string]bool)
	for i := range c.messages {
		for _, call := range c.messages[i].ToolCalls() {
			pending[call.ID] = true
		}
		for _, res := range c.messages[i].ToolResults() {
			answered[res.ToolCallID] = true
		}
	}
	return pending, answered
}

type conversationJSON struct {
	ID        string    `json:"id"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
	Messages  []Message `json:"messages"`
}

func (c *Conversation) MarshalJSON() ([]byte, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return json.Marshal(conversationJSON{
		ID:        c.id,
		CreatedAt: c.createdAt,
		UpdatedAt: c.updatedAt,
		Messages:  c.messages,
	})
}

func (c *Conversation) UnmarshalJSON(data []byte) error {
	var snap conversationJSON
	if err := json.Unmarshal(data, &snap); err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.id = snap.ID
	c.createdAt = snap.CreatedAt
	c.updatedAt = snap.UpdatedAt
	c.messages = snap.Messages
	return nil
}
