package llm

import "context"

// Client is the abstraction a provider package (anthropic, openai, google)
// implements to back an "llm.prompt" node. It exists so the Handler never
// imports a provider SDK directly.
type Client interface {
	// Complete sends a prompt to the model and returns its response.
	Complete(ctx context.Context, messages []Message, tools []ToolSpec) (Completion, error)
}

// Message is one turn in a prompt sent to a Client.
type Message struct {
	Role    string
	Content string
}

// Role values accepted in Message.Role.
const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// ToolSpec describes a tool a Client may invoke instead of (or alongside)
// returning text, using JSON Schema for its input shape.
type ToolSpec struct {
	Name        string
	Description string
	Schema      map[string]any
}

// Completion is a Client's response to Complete.
type Completion struct {
	Text      string
	ToolCalls []ToolCall
}

// ToolCall is one tool invocation requested by the model.
type ToolCall struct {
	Name  string
	Input map[string]any
}
