// Package handler defines the Handler Registry (C6): the contract a node
// type implements, and the process-wide registry that maps a node's `type`
// string to its Handler.
package handler

import (
	"context"
	"fmt"
	"sync"

	"github.com/flowforge/enginecore/flow"
)

// ValidationError is returned by Handler.ValidateConfig when a node's
// config fails validation for that handler's type.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("field %q: %s", e.Field, e.Reason)
}

// HandlerContext is everything a Handler needs to execute one node.
// Handlers receive the node's identity, config, ResolvedInputs, deadline,
// cancellation observer and credential resolver, and no scheduler or
// store handle; they MUST NOT reach into scheduler or store state directly.
type HandlerContext struct {
	Context         context.Context
	ExecutionID     string
	NodeID          string
	NodeConfig      map[string]any
	ResolvedInputs  map[string]any
	DeadlineMs      int64
	IsCancelled     func() bool
	ResolveCredential func(credentialID string) (map[string]any, error)
}

// Result is the outcome of one handler invocation.
type Result struct {
	Output     map[string]any
	Err        error
	Code       string // HANDLER_ERROR code when Err != nil
	Retryable  bool
}

// Success builds a successful Result.
func Success(output map[string]any) Result {
	return Result{Output: output}
}

// Failure builds a failed Result with the given error code and message.
func Failure(code, message string, retryable bool) Result {
	return Result{Err: fmt.Errorf("%s", message), Code: code, Retryable: retryable}
}

// PortDecl documents one declared input or output port, used only for the
// parser's optional schema checks.
type PortDecl struct {
	Name     string
	Required bool
}

// Handler implements one node `type`: it validates its own config,
// executes against a HandlerContext, and may declare its input/output
// ports for schema validation.
type Handler interface {
	ValidateConfig(config map[string]any) error
	Execute(hctx HandlerContext) Result
	DeclareInputs() []PortDecl
	DeclareOutputs() []PortDecl
}

// Registry is a process-wide, one-shot-populated map from node `type` to
// Handler. Registration happens at start-up via an explicit bootstrap step
// (Register) — there is no ambient DI container or reflection-based wiring.
type Registry struct {
	mu       sync.RWMutex
	handlers map[string]Handler
}

// NewRegistry returns an empty Registry.
func NewRegistry() *Registry {
	return &Registry{handlers: make(map[string]Handler)}
}

// Register adds a Handler for the given type. Returns an error if the type
// is already registered — duplicate types are a configuration error, not a
// silent override.
func (r *Registry) Register(nodeType string, h Handler) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.handlers[nodeType]; exists {
		return &flow.Error{Code: "DUPLICATE_HANDLER_TYPE", Message: "handler type already registered: " + nodeType}
	}
	r.handlers[nodeType] = h
	return nil
}

// Lookup returns the Handler for nodeType, or false if none is registered.
func (r *Registry) Lookup(nodeType string) (Handler, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	h, ok := r.handlers[nodeType]
	return h, ok
}

// Has reports whether nodeType is registered, used by the DAG parser's
// validation step 3.
func (r *Registry) Has(nodeType string) bool {
	_, ok := r.Lookup(nodeType)
	return ok
}

// ValidateNodeConfig looks up nodeType and runs its Handler.ValidateConfig,
// used by the DAG parser's validation step 4. Returns an error if nodeType
// is unregistered.
func (r *Registry) ValidateNodeConfig(nodeType string, config map[string]any) error {
	h, ok := r.Lookup(nodeType)
	if !ok {
		return fmt.Errorf("unregistered handler type: %s", nodeType)
	}
	return h.ValidateConfig(config)
}
