// Package executor implements the Node Executor (C5): resolves a node's
// inputs from upstream outputs or trigger data, invokes the handler for
// the node's type, persists its output, and applies timeout, retry, and
// cancellation checks.
package executor

import (
	"context"
	"math/rand"
	"time"

	"github.com/flowforge/enginecore/flow"
	"github.com/flowforge/enginecore/flow/expr"
	"github.com/flowforge/enginecore/flow/handler"
	"github.com/flowforge/enginecore/flow/store"
)

// Result is the outcome of one (possibly multi-attempt) node execution.
type Result struct {
	Status       flow.NodeStatus
	DurationMs   int64
	ErrorCode    string
	ErrorMessage string
	RetryCount   int
}

// Executor is C5. nowFn/sleepFn are indirected for deterministic tests.
type Executor struct {
	Store    store.Store
	Registry *handler.Registry
	rng      *rand.Rand

	nowFn   func() time.Time
	sleepFn func(ctx context.Context, d time.Duration) error
}

// New returns an Executor backed by s and reg. seed fixes the jitter RNG
// for reproducible tests.
func New(s store.Store, reg *handler.Registry, seed int64) *Executor {
	return &Executor{
		Store:    s,
		Registry: reg,
		rng:      rand.New(rand.NewSource(seed)),
		nowFn:    time.Now,
		sleepFn:  sleepCtx,
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// Execute runs node (executionID-scoped), resolving its inputs, invoking
// its Handler under nodeTimeoutMs, retrying per retry up to
// retry.MaxAttempts, and persisting outputs to the store. Retries happen
// here, in the retry loop below, not by re-entering the scheduler's
// dispatch queue.
func (e *Executor) Execute(ctx context.Context, executionID string, node flow.Node, nodeTimeoutMs int64, retry flow.RetrySettings) Result {
	maxAttempts := retry.MaxAttempts
	if maxAttempts < 1 {
		maxAttempts = 1
	}

	var retryCount int
	for {
		if cancelled, _ := e.Store.IsCancelled(ctx, executionID); cancelled {
			return Result{Status: flow.NodeCancelled, RetryCount: retryCount}
		}

		inputs, err := e.resolveInputs(ctx, executionID, node)
		if err != nil {
			ferr, ok := err.(*flow.Error)
			code := flow.ErrCodeBindingUnresolved
			if ok {
				code = ferr.Code
			}
			return Result{Status: flow.NodeFailed, ErrorCode: code, ErrorMessage: err.Error(), RetryCount: retryCount}
		}

		h, ok := e.Registry.Lookup(node.Type)
		if !ok {
			return Result{Status: flow.NodeFailed, ErrorCode: flow.ErrCodeInternalError, ErrorMessage: "no handler registered for type " + node.Type, RetryCount: retryCount}
		}

		start := e.nowFn()
		deadline := time.Duration(nodeTimeoutMs) * time.Millisecond
		hctx, cancel := context.WithTimeout(ctx, deadline)
		res := h.Execute(handler.HandlerContext{
			Context:        hctx,
			ExecutionID:    executionID,
			NodeID:         node.ID,
			NodeConfig:     node.Config,
			ResolvedInputs: inputs,
			DeadlineMs:     nodeTimeoutMs,
			IsCancelled: func() bool {
				cancelled, _ := e.Store.IsCancelled(ctx, executionID)
				return cancelled
			},
		})
		timedOut := hctx.Err() == context.DeadlineExceeded
		cancel()
		duration := e.nowFn().Sub(start).Milliseconds()

		if timedOut {
			return Result{Status: flow.NodeFailed, ErrorCode: flow.ErrCodeNodeTimeout, ErrorMessage: "node exceeded its deadline", DurationMs: duration, RetryCount: retryCount}
		}

		if res.Err == nil {
			for key, value := range res.Output {
				if err := e.Store.PutOutput(ctx, executionID, node.ID, key, value); err != nil {
					return Result{Status: flow.NodeFailed, ErrorCode: flow.ErrCodeInternalError, ErrorMessage: err.Error(), DurationMs: duration, RetryCount: retryCount}
				}
			}
			return Result{Status: flow.NodeCompleted, DurationMs: duration, RetryCount: retryCount}
		}

		if res.Code == flow.ErrCodeCancelled {
			return Result{Status: flow.NodeCancelled, DurationMs: duration, RetryCount: retryCount}
		}

		if res.Retryable && retryCount+1 < maxAttempts {
			retryCount++
			delay := computeBackoff(retryCount, retry.InitialBackoffMs, retry.Multiplier, e.rng)
			if err := e.sleepFn(ctx, delay); err != nil {
				return Result{Status: flow.NodeCancelled, DurationMs: duration, RetryCount: retryCount}
			}
			continue
		}

		code := res.Code
		if code == "" {
			code = "HANDLER_ERROR"
		}
		return Result{Status: flow.NodeFailed, ErrorCode: code, ErrorMessage: res.Err.Error(), DurationMs: duration, RetryCount: retryCount}
	}
}

// resolveInputs walks every declared binding for node, dereferencing blob
// references transparently.
func (e *Executor) resolveInputs(ctx context.Context, executionID string, node flow.Node) (map[string]any, error) {
	triggerPayload, err := e.Store.GetTriggerPayload(ctx, executionID)
	if err != nil {
		return nil, &flow.Error{Code: flow.ErrCodeBindingUnresolved, Message: "no trigger payload recorded", ExecutionID: executionID, NodeID: node.ID}
	}

	outputs := make(expr.NodeOutputs)
	resolved := make(map[string]any, len(node.InputBindings))

	for inputName, source := range node.InputBindings {
		owner, refID, perr := parseSource(source)
		if perr != nil {
			return nil, &flow.Error{Code: flow.ErrCodeBindingSyntax, Message: perr.Error(), ExecutionID: executionID, NodeID: node.ID, Field: inputName}
		}
		if owner == "nodes" {
			if _, have := outputs[refID]; !have {
				out, oerr := e.Store.GetOutputs(ctx, executionID, refID)
				if oerr != nil {
					return nil, &flow.Error{Code: flow.ErrCodeBindingUnresolved, Message: "upstream output not found for node " + refID, ExecutionID: executionID, NodeID: node.ID, Field: inputName}
				}
				outputs[refID] = out
			}
		}

		v, rerr := expr.Resolve(source, triggerPayload, outputs)
		if rerr != nil {
			return nil, &flow.Error{Code: flow.ErrCodeBindingUnresolved, Message: rerr.Error(), ExecutionID: executionID, NodeID: node.ID, Field: inputName}
		}
		resolvedVal, berr := e.Store.ResolveBinding(ctx, v)
		if berr != nil {
			return nil, &flow.Error{Code: flow.ErrCodeBindingUnresolved, Message: berr.Error(), ExecutionID: executionID, NodeID: node.ID, Field: inputName}
		}
		resolved[inputName] = resolvedVal
	}

	return resolved, nil
}

func parseSource(source string) (owner, refID string, err error) {
	return flow.ParseBindingSource(source)
}
