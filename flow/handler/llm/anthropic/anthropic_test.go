package anthropic

import (
	"context"
	"errors"
	"testing"

	"github.com/flowforge/enginecore/flow/handler/llm"
)

func TestNew_DefaultsModelName(t *testing.T) {
	c := New("test-api-key", "")
	if c == nil || c.modelName != "claude-sonnet-4-5-20250929" {
		t.Fatalf("expected default model name, got %+v", c)
	}
}

func TestComplete_SendsMessagesAndReturnsResponse(t *testing.T) {
	mock := &mockAPI{response: "Hello! I'm Claude, an AI assistant."}
	c := &Client{api: mock, modelName: "claude-3-opus-20240229"}

	out, err := c.Complete(context.Background(), []llm.Message{{Role: llm.RoleUser, Content: "Hi there!"}}, nil)
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	if out.Text != "Hello! I'm Claude, an AI assistant." {
		t.Errorf("unexpected text %q", out.Text)
	}
	if mock.callCount != 1 {
		t.Errorf("expected 1 call, got %d", mock.callCount)
	}
}

func TestComplete_HandlesToolCalls(t *testing.T) {
	mock := &mockAPI{toolCalls: []llm.ToolCall{{Name: "search", Input: map[string]any{"query": "test"}}}}
	c := &Client{api: mock, modelName: "claude-3-opus-20240229"}

	out, err := c.Complete(context.Background(),
		[]llm.Message{{Role: llm.RoleUser, Content: "Search for test"}},
		[]llm.ToolSpec{{Name: "search", Description: "Search the web"}})
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	if len(out.ToolCalls) != 1 || out.ToolCalls[0].Name != "search" {
		t.Fatalf("expected 1 search tool call, got %+v", out.ToolCalls)
	}
}

func TestComplete_RespectsContextCancellation(t *testing.T) {
	c := &Client{api: &mockAPI{response: "Response"}, modelName: "claude-3-opus-20240229"}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := c.Complete(ctx, []llm.Message{{Role: llm.RoleUser, Content: "Test"}}, nil)
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
}

func TestComplete_PropagatesAPIError(t *testing.T) {
	c := &Client{api: &mockAPI{err: errors.New("API error: invalid request")}, modelName: "claude-3-opus-20240229"}

	_, err := c.Complete(context.Background(), []llm.Message{{Role: llm.RoleUser, Content: "Test"}}, nil)
	if err == nil {
		t.Fatal("expected error, got nil")
	}
}

func TestComplete_EmptyAPIKeyFails(t *testing.T) {
	c := New("", "claude-3-opus-20240229")
	_, err := c.Complete(context.Background(), []llm.Message{{Role: llm.RoleUser, Content: "Test"}}, nil)
	if err == nil {
		t.Error("expected error for empty API key")
	}
}

func TestComplete_ExtractsSystemMessageSeparately(t *testing.T) {
	mock := &mockAPI{response: "System extracted"}
	c := &Client{api: mock, modelName: "claude-3-opus-20240229"}

	_, err := c.Complete(context.Background(), []llm.Message{
		{Role: llm.RoleSystem, Content: "You are helpful"},
		{Role: llm.RoleUser, Content: "User message"},
	}, nil)
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	if mock.systemPrompt != "You are helpful" {
		t.Errorf("expected extracted system prompt, got %q", mock.systemPrompt)
	}
	if len(mock.lastMessages) != 1 {
		t.Errorf("expected 1 remaining message, got %d", len(mock.lastMessages))
	}
}

func TestExtractSystemPrompt_ConcatenatesMultipleSystemMessages(t *testing.T) {
	system, rest := extractSystemPrompt([]llm.Message{
		{Role: llm.RoleSystem, Content: "first"},
		{Role: llm.RoleSystem, Content: "second"},
		{Role: llm.RoleUser, Content: "hi"},
	})
	if system != "first\n\nsecond" {
		t.Errorf("unexpected concatenated system prompt %q", system)
	}
	if len(rest) != 1 {
		t.Errorf("expected 1 remaining message, got %d", len(rest))
	}
}

type mockAPI struct {
	response     string
	toolCalls    []llm.ToolCall
	err          error
	callCount    int
	lastMessages []llm.Message
	systemPrompt string
}

func (m *mockAPI) createMessage(_ context.Context, systemPrompt string, messages []llm.Message, _ []llm.ToolSpec) (llm.Completion, error) {
	m.callCount++
	m.lastMessages = messages
	m.systemPrompt = systemPrompt

	if m.err != nil {
		return llm.Completion{}, m.err
	}
	return llm.Completion{Text: m.response, ToolCalls: m.toolCalls}, nil
}
