package executor

import (
	"context"
	"math/rand"
	"testing"
	"time"

	"github.com/flowforge/enginecore/flow"
	"github.com/flowforge/enginecore/flow/handler"
	"github.com/flowforge/enginecore/flow/store"
)

type fakeHandler struct {
	results []handler.Result
	calls   int
}

func (f *fakeHandler) ValidateConfig(config map[string]any) error { return nil }
func (f *fakeHandler) DeclareInputs() []handler.PortDecl           { return nil }
func (f *fakeHandler) DeclareOutputs() []handler.PortDecl          { return nil }
func (f *fakeHandler) Execute(hctx handler.HandlerContext) handler.Result {
	res := f.results[f.calls]
	if f.calls < len(f.results)-1 {
		f.calls++
	}
	return res
}

type sleepingHandler struct{ sleep time.Duration }

func (h *sleepingHandler) ValidateConfig(config map[string]any) error { return nil }
func (h *sleepingHandler) DeclareInputs() []handler.PortDecl          { return nil }
func (h *sleepingHandler) DeclareOutputs() []handler.PortDecl         { return nil }
func (h *sleepingHandler) Execute(hctx handler.HandlerContext) handler.Result {
	select {
	case <-time.After(h.sleep):
		return handler.Success(map[string]any{"ok": true})
	case <-hctx.Context.Done():
		return handler.Failure(flow.ErrCodeNodeTimeout, "deadline", false)
	}
}

func newFixture(t *testing.T, executionID string, node flow.Node) (*store.MemStore, *handler.Registry) {
	t.Helper()
	s := store.NewMemStore()
	reg := handler.NewRegistry()
	meta := flow.ExecutionMeta{ExecutionID: executionID, FlowID: "f1", TotalNodes: 1}
	dag := &flow.DAG{FlowID: "f1", Nodes: map[string]flow.Node{node.ID: node}}
	if _, err := s.InitExecution(context.Background(), meta, dag, map[string]any{"value": "hello"}, time.Hour); err != nil {
		t.Fatalf("InitExecution: %v", err)
	}
	return s, reg
}

func TestExecute_SuccessPersistsOutputs(t *testing.T) {
	node := flow.Node{ID: "a", Type: "noop", InputBindings: map[string]string{"x": "trigger.value"}}
	s, reg := newFixture(t, "e1", node)
	reg.Register("noop", &fakeHandler{results: []handler.Result{handler.Success(map[string]any{"out": "ok"})}})

	e := New(s, reg, 1)
	res := e.Execute(context.Background(), "e1", node, 1000, flow.RetrySettings{MaxAttempts: 1})
	if res.Status != flow.NodeCompleted {
		t.Fatalf("expected NodeCompleted, got %+v", res)
	}

	out, err := s.GetOutputs(context.Background(), "e1", "a")
	if err != nil {
		t.Fatalf("GetOutputs: %v", err)
	}
	if out["out"] != "ok" {
		t.Fatalf("got %v", out)
	}
}

func TestExecute_RetriesRetryableFailureThenSucceeds(t *testing.T) {
	node := flow.Node{ID: "a", Type: "flaky"}
	s, reg := newFixture(t, "e1", node)
	fh := &fakeHandler{results: []handler.Result{
		handler.Failure("TRANSIENT", "temporary glitch", true),
		handler.Success(map[string]any{"out": "ok"}),
	}}
	reg.Register("flaky", fh)

	e := New(s, reg, 1)
	e.sleepFn = func(ctx context.Context, d time.Duration) error { return nil }
	res := e.Execute(context.Background(), "e1", node, 1000, flow.RetrySettings{MaxAttempts: 3, InitialBackoffMs: 10, Multiplier: 2})
	if res.Status != flow.NodeCompleted {
		t.Fatalf("expected eventual success, got %+v", res)
	}
	if res.RetryCount != 1 {
		t.Fatalf("expected 1 retry, got %d", res.RetryCount)
	}
}

func TestExecute_ExhaustsRetriesAndFails(t *testing.T) {
	node := flow.Node{ID: "a", Type: "alwaysfails"}
	s, reg := newFixture(t, "e1", node)
	reg.Register("alwaysfails", &fakeHandler{results: []handler.Result{
		handler.Failure("TRANSIENT", "nope", true),
	}})

	e := New(s, reg, 1)
	e.sleepFn = func(ctx context.Context, d time.Duration) error { return nil }
	res := e.Execute(context.Background(), "e1", node, 1000, flow.RetrySettings{MaxAttempts: 2, InitialBackoffMs: 10, Multiplier: 2})
	if res.Status != flow.NodeFailed {
		t.Fatalf("expected NodeFailed after exhausting retries, got %+v", res)
	}
	if res.RetryCount != 1 {
		t.Fatalf("expected exactly 1 retry before giving up (MaxAttempts=2), got %d", res.RetryCount)
	}
}

func TestExecute_NonRetryableFailureStopsImmediately(t *testing.T) {
	node := flow.Node{ID: "a", Type: "hardfail"}
	s, reg := newFixture(t, "e1", node)
	reg.Register("hardfail", &fakeHandler{results: []handler.Result{
		handler.Failure("VALIDATION_ERROR", "bad config", false),
	}})

	e := New(s, reg, 1)
	res := e.Execute(context.Background(), "e1", node, 1000, flow.RetrySettings{MaxAttempts: 5, InitialBackoffMs: 10, Multiplier: 2})
	if res.Status != flow.NodeFailed || res.RetryCount != 0 {
		t.Fatalf("expected immediate failure with no retries, got %+v", res)
	}
}

func TestExecute_TimeoutReportsNodeTimeoutCode(t *testing.T) {
	node := flow.Node{ID: "a", Type: "slow"}
	s, reg := newFixture(t, "e1", node)
	reg.Register("slow", &sleepingHandler{sleep: 200 * time.Millisecond})

	e := New(s, reg, 1)
	res := e.Execute(context.Background(), "e1", node, 20, flow.RetrySettings{MaxAttempts: 1})
	if res.Status != flow.NodeFailed || res.ErrorCode != flow.ErrCodeNodeTimeout {
		t.Fatalf("expected NODE_TIMEOUT failure, got %+v", res)
	}
}

func TestExecute_CancelledBeforeStartShortCircuits(t *testing.T) {
	node := flow.Node{ID: "a", Type: "noop"}
	s, reg := newFixture(t, "e1", node)
	reg.Register("noop", &fakeHandler{results: []handler.Result{handler.Success(nil)}})
	if _, err := s.SetCancelled(context.Background(), "e1", "USER", "alice"); err != nil {
		t.Fatalf("SetCancelled: %v", err)
	}

	e := New(s, reg, 1)
	res := e.Execute(context.Background(), "e1", node, 1000, flow.RetrySettings{MaxAttempts: 1})
	if res.Status != flow.NodeCancelled {
		t.Fatalf("expected NodeCancelled, got %+v", res)
	}
}

func TestExecute_UnresolvedBindingFails(t *testing.T) {
	node := flow.Node{ID: "a", Type: "noop", InputBindings: map[string]string{"x": "nodes.missing.body"}}
	s, reg := newFixture(t, "e1", node)
	reg.Register("noop", &fakeHandler{results: []handler.Result{handler.Success(nil)}})

	e := New(s, reg, 1)
	res := e.Execute(context.Background(), "e1", node, 1000, flow.RetrySettings{MaxAttempts: 1})
	if res.Status != flow.NodeFailed || res.ErrorCode != flow.ErrCodeBindingUnresolved {
		t.Fatalf("expected BINDING_UNRESOLVED failure, got %+v", res)
	}
}

func TestExecute_UnregisteredHandlerFails(t *testing.T) {
	node := flow.Node{ID: "a", Type: "nonexistent"}
	s, reg := newFixture(t, "e1", node)

	e := New(s, reg, 1)
	res := e.Execute(context.Background(), "e1", node, 1000, flow.RetrySettings{MaxAttempts: 1})
	if res.Status != flow.NodeFailed || res.ErrorCode != flow.ErrCodeInternalError {
		t.Fatalf("expected INTERNAL_ERROR for missing handler, got %+v", res)
	}
}

func TestComputeBackoff_NeverBelowPrescribedMinimum(t *testing.T) {
	rng := rand.New(rand.NewSource(1))
	for attempt := 1; attempt <= 5; attempt++ {
		d := computeBackoff(attempt, 100, 2, rng)
		min := time.Duration(float64(100)*pow(2, float64(attempt-1))) * time.Millisecond
		if d < min {
			t.Fatalf("attempt %d: backoff %v below prescribed minimum %v", attempt, d, min)
		}
	}
}

func pow(base, exp float64) float64 {
	result := 1.0
	for i := 0; i < int(exp); i++ {
		result *= base
	}
	return result
}
