// Package ai talks to OpenAI-compatible chat and embedding endpoints and
// defines the provider-neutral message types the orchestrator works with.
package ai

import "context"

const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
	RoleTool      = "tool"
)

type ToolCall struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	Arguments string `json:"arguments"`
}

type Message struct {
	Role       string     `json:"role"`
	Content    string     `json:"content"`
	ToolCalls  []ToolCall `json:"tool_calls,omitempty"`
	ToolCallID string     `json:"tool_call_id,omitempty"`
}

// Tool declares a function the model may call. Parameters is a JSON schema.
type Tool struct {
	Name        string
	Description string
	Parameters  any
}

type Request struct {
	System   string
	Messages []Message
	Tools    []Tool
}

// Response carries either final text or one or more tool calls.
type Response struct {
	Content   string
	ToolCalls []ToolCall
}

// Model is the language-model capability used by a conversation turn.
type Model interface {
	Generate(ctx context.Context, req Request) (Response, error)
}
