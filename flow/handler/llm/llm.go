// Package llm implements a reference Handler for "llm.prompt" nodes on top
// of a small provider-agnostic Client abstraction (see client.go), adding
// per-call cost tracking. Concrete providers live in the anthropic, openai,
// and google subpackages.
package llm

import (
	"github.com/flowforge/enginecore/flow"
	"github.com/flowforge/enginecore/flow/handler"
	"github.com/flowforge/enginecore/flow/metrics"
)

// NodeType is the handler type string registered for this handler.
const NodeType = "llm.prompt"

// Provider selects which Client a node uses; config key "provider".
type Provider string

const (
	ProviderAnthropic Provider = "anthropic"
	ProviderOpenAI    Provider = "openai"
	ProviderGoogle    Provider = "google"
)

// Handler dispatches to one of several Client backends by the node's
// "provider" config field, and records per-call cost against a shared
// CostTracker keyed by execution id.
type Handler struct {
	models map[Provider]Client
	costs  func(executionID string) *metrics.CostTracker
}

// New returns a Handler that dispatches to models (keyed by provider name)
// and records spend via costFor, which must return a CostTracker scoped to
// the given execution (callers typically keep one CostTracker per
// in-flight execution and cache it there).
func New(models map[Provider]Client, costFor func(executionID string) *metrics.CostTracker) *Handler {
	return &Handler{models: models, costs: costFor}
}

func (h *Handler) ValidateConfig(config map[string]any) error {
	provider, _ := config["provider"].(string)
	if provider == "" {
		return &handler.ValidationError{Field: "provider", Reason: "required string: anthropic|openai|google"}
	}
	if _, ok := h.models[Provider(provider)]; !ok {
		return &handler.ValidationError{Field: "provider", Reason: "no model configured for provider " + provider}
	}
	if _, ok := config["model"].(string); !ok {
		return &handler.ValidationError{Field: "model", Reason: "required string: model name for cost accounting"}
	}
	return nil
}

func (h *Handler) DeclareInputs() []handler.PortDecl {
	return []handler.PortDecl{{Name: "prompt", Required: true}, {Name: "system"}}
}

func (h *Handler) DeclareOutputs() []handler.PortDecl {
	return []handler.PortDecl{{Name: "text"}, {Name: "tool_calls"}}
}

func (h *Handler) Execute(hctx handler.HandlerContext) handler.Result {
	providerName, _ := hctx.NodeConfig["provider"].(string)
	chatModel, ok := h.models[Provider(providerName)]
	if !ok {
		return handler.Failure(flow.ErrCodeInternalError, "no model configured for provider "+providerName, false)
	}

	prompt, _ := hctx.ResolvedInputs["prompt"].(string)
	if prompt == "" {
		return handler.Failure(flow.ErrCodeInvalidBinding, "prompt input required", false)
	}

	var messages []Message
	if system, ok := hctx.ResolvedInputs["system"].(string); ok && system != "" {
		messages = append(messages, Message{Role: RoleSystem, Content: system})
	}
	messages = append(messages, Message{Role: RoleUser, Content: prompt})

	out, err := chatModel.Complete(hctx.Context, messages, nil)
	if err != nil {
		retryable := hctx.Context.Err() == nil
		return handler.Failure("LLM_PROVIDER_ERROR", err.Error(), retryable)
	}

	if h.costs != nil {
		modelName, _ := hctx.NodeConfig["model"].(string)
		if tracker := h.costs(hctx.ExecutionID); tracker != nil {
			inputTokens := estimateTokens(prompt)
			outputTokens := estimateTokens(out.Text)
			tracker.Record(modelName, inputTokens, outputTokens)
		}
	}

	output := map[string]any{"text": out.Text}
	if len(out.ToolCalls) > 0 {
		calls := make([]any, len(out.ToolCalls))
		for i, c := range out.ToolCalls {
			calls[i] = map[string]any{"name": c.Name, "input": c.Input}
		}
		output["tool_calls"] = calls
	}
	return handler.Success(output)
}

// estimateTokens is a rough, provider-agnostic approximation (~4 chars per
// token) used only for cost accounting when the provider SDK doesn't
// return usage counts directly.
func estimateTokens(s string) int {
	n := len(s) / 4
	if n == 0 && s != "" {
		n = 1
	}
	return n
}
