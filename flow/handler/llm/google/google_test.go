package google

import (
	"context"
	"errors"
	"testing"

	"github.com/flowforge/enginecore/flow/handler/llm"
)

func TestNew_DefaultsModelName(t *testing.T) {
	c := New("test-api-key", "")
	if c == nil || c.modelName != "gemini-2.5-flash" {
		t.Fatalf("expected default model name, got %+v", c)
	}
}

func TestComplete_SendsMessagesAndReturnsResponse(t *testing.T) {
	mock := &mockAPI{response: "Hello! I'm Gemini, a helpful AI assistant."}
	c := &Client{api: mock, modelName: "gemini-pro"}

	out, err := c.Complete(context.Background(), []llm.Message{{Role: llm.RoleUser, Content: "Hi there!"}}, nil)
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	if out.Text != "Hello! I'm Gemini, a helpful AI assistant." {
		t.Errorf("unexpected text %q", out.Text)
	}
	if mock.callCount != 1 {
		t.Errorf("expected 1 call, got %d", mock.callCount)
	}
}

func TestComplete_HandlesToolCalls(t *testing.T) {
	mock := &mockAPI{toolCalls: []llm.ToolCall{{Name: "search", Input: map[string]any{"query": "test"}}}}
	c := &Client{api: mock, modelName: "gemini-pro"}

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
	c := &Client{api: &mockAPI{response: "Response"}, modelName: "gemini-pro"}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := c.Complete(ctx, []llm.Message{{Role: llm.RoleUser, Content: "Test"}}, nil)
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
}

func TestComplete_SafetyFilterBlockSurfacesTypedError(t *testing.T) {
	mock := &mockAPI{err: &SafetyFilterError{reason: "SAFETY", category: "HARM_CATEGORY_DANGEROUS_CONTENT"}}
	c := &Client{api: mock, modelName: "gemini-pro"}

	_, err := c.Complete(context.Background(), []llm.Message{{Role: llm.RoleUser, Content: "Dangerous content"}}, nil)

	var safetyErr *SafetyFilterError
	if !errors.As(err, &safetyErr) {
		t.Fatalf("expected SafetyFilterError, got %T: %v", err, err)
	}
	if safetyErr.Category() != "HARM_CATEGORY_DANGEROUS_CONTENT" {
		t.Errorf("unexpected category %q", safetyErr.Category())
	}
}

func TestComplete_PassesThroughNonSafetyErrors(t *testing.T) {
	c := &Client{api: &mockAPI{err: errors.New("API error: quota exceeded")}, modelName: "gemini-pro"}

	_, err := c.Complete(context.Background(), []llm.Message{{Role: llm.RoleUser, Content: "Test"}}, nil)

	var safetyErr *SafetyFilterError
	if errors.As(err, &safetyErr) {
		t.Error("expected non-safety error, got SafetyFilterError")
	}
	if err == nil {
		t.Fatal("expected error, got nil")
	}
}

func TestComplete_EmptyAPIKeyFails(t *testing.T) {
	c := New("", "gemini-pro")
	_, err := c.Complete(context.Background(), []llm.Message{{Role: llm.RoleUser, Content: "Test"}}, nil)
	if err == nil {
		t.Error("expected error for empty API key")
	}
}

type mockAPI struct {
	response     string
	toolCalls    []llm.ToolCall
	err          error
	callCount    int
	lastMessages []llm.Message
}

func (m *mockAPI) generateContent(_ context.Context, messages []llm.Message, _ []llm.ToolSpec) (llm.Completion, error) {
	m.callCount++
	m.lastMessages = messages

	if m.err != nil {
		return llm.Completion{}, m.err
	}
	return llm.Completion{Text: m.response, ToolCalls: m.toolCalls}, nil
}
