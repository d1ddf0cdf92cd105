package store

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/flowforge/enginecore/flow"
)

func newTestExecution(t *testing.T, s *MemStore, executionID string) {
	t.Helper()
	meta := flow.ExecutionMeta{ExecutionID: executionID, FlowID: "f1", TotalNodes: 1}
	dag := &flow.DAG{FlowID: "f1", Nodes: map[string]flow.Node{"a": {ID: "a"}}}
	if _, err := s.InitExecution(context.Background(), meta, dag, map[string]any{"x": 1}, time.Hour); err != nil {
		t.Fatalf("InitExecution: %v", err)
	}
	if err := s.PutNodeState(context.Background(), executionID, flow.NodeState{NodeID: "a", Status: flow.NodeReady}); err != nil {
		t.Fatalf("PutNodeState: %v", err)
	}
}

func TestMemStore_InitExecutionIsIdempotent(t *testing.T) {
	s := NewMemStore()
	ctx := context.Background()
	meta := flow.ExecutionMeta{ExecutionID: "e1", TotalNodes: 1}
	dag := &flow.DAG{Nodes: map[string]flow.Node{"a": {ID: "a"}}}

	first, err := s.InitExecution(ctx, meta, dag, nil, time.Hour)
	if err != nil {
		t.Fatalf("first InitExecution: %v", err)
	}

	changed := meta
	changed.TotalNodes = 99
	second, err := s.InitExecution(ctx, changed, dag, nil, time.Hour)
	if err != nil {
		t.Fatalf("second InitExecution: %v", err)
	}
	if second.TotalNodes != first.TotalNodes {
		t.Fatalf("expected InitExecution to be idempotent, got %d vs %d", second.TotalNodes, first.TotalNodes)
	}
}

func TestMemStore_SetNodeStatusCAS(t *testing.T) {
	s := NewMemStore()
	ctx := context.Background()
	newTestExecution(t, s, "e1")

	res, err := s.SetNodeStatus(ctx, "e1", "a", flow.NodeReady, flow.NodeRunning)
	if err != nil {
		t.Fatalf("SetNodeStatus: %v", err)
	}
	if !res.OK {
		t.Fatal("expected CAS to succeed")
	}

	stale, err := s.SetNodeStatus(ctx, "e1", "a", flow.NodeReady, flow.NodeRunning)
	if err != nil {
		t.Fatalf("SetNodeStatus: %v", err)
	}
	if stale.OK {
		t.Fatal("expected second CAS with stale expectation to fail")
	}
	if stale.State.Status != flow.NodeRunning {
		t.Fatalf("expected stale CAS to report current status, got %s", stale.State.Status)
	}
}

func TestMemStore_DecrementPendingNeverNegative(t *testing.T) {
	s := NewMemStore()
	ctx := context.Background()
	newTestExecution(t, s, "e1")
	if err := s.InitPendingCounter(ctx, "e1", "a", 1); err != nil {
		t.Fatalf("InitPendingCounter: %v", err)
	}

	v, err := s.DecrementPending(ctx, "e1", "a")
	if err != nil || v != 0 {
		t.Fatalf("got v=%d err=%v", v, err)
	}
	v, err = s.DecrementPending(ctx, "e1", "a")
	if err != nil || v != 0 {
		t.Fatalf("expected decrement to floor at 0, got v=%d err=%v", v, err)
	}
}

func TestMemStore_SetCancelledIsIdempotent(t *testing.T) {
	s := NewMemStore()
	ctx := context.Background()
	newTestExecution(t, s, "e1")

	ok, err := s.SetCancelled(ctx, "e1", "USER", "alice")
	if err != nil || !ok {
		t.Fatalf("expected first cancel to succeed, got ok=%v err=%v", ok, err)
	}
	ok, err = s.SetCancelled(ctx, "e1", "USER", "alice")
	if err != nil || ok {
		t.Fatalf("expected second cancel to be a no-op, got ok=%v err=%v", ok, err)
	}
	cancelled, err := s.IsCancelled(ctx, "e1")
	if err != nil || !cancelled {
		t.Fatalf("expected IsCancelled true, got %v err=%v", cancelled, err)
	}
}

func TestMemStore_IncrementCounterUnknownField(t *testing.T) {
	s := NewMemStore()
	ctx := context.Background()
	newTestExecution(t, s, "e1")
	if _, err := s.IncrementCounter(ctx, "e1", "bogus"); err == nil {
		t.Fatal("expected error for unknown counter field")
	}
}

func TestMemStore_PutOutputInlineSmallValue(t *testing.T) {
	s := NewMemStore()
	ctx := context.Background()
	newTestExecution(t, s, "e1")

	if err := s.PutOutput(ctx, "e1", "a", "status", "ok"); err != nil {
		t.Fatalf("PutOutput: %v", err)
	}
	out, err := s.GetOutputs(ctx, "e1", "a")
	if err != nil {
		t.Fatalf("GetOutputs: %v", err)
	}
	if out["status"] != "ok" {
		t.Fatalf("got %v", out["status"])
	}
	if _, isBlob := IsBlobRef(out["status"]); isBlob {
		t.Fatal("small value should not become a blob reference")
	}
}

func TestMemStore_PutOutputLargeValueBecomesBlob(t *testing.T) {
	s := NewMemStore()
	ctx := context.Background()
	newTestExecution(t, s, "e1")

	big := strings.Repeat("x", BlobThreshold+1)
	if err := s.PutOutput(ctx, "e1", "a", "body", big); err != nil {
		t.Fatalf("PutOutput: %v", err)
	}
	out, err := s.GetOutputs(ctx, "e1", "a")
	if err != nil {
		t.Fatalf("GetOutputs: %v", err)
	}
	blobID, isBlob := IsBlobRef(out["body"])
	if !isBlob || blobID == "" {
		t.Fatalf("expected blob reference, got %v", out["body"])
	}

	resolved, err := s.ResolveBinding(ctx, out["body"])
	if err != nil {
		t.Fatalf("ResolveBinding: %v", err)
	}
	if resolved != big {
		t.Fatal("expected resolved blob to match original value")
	}
}

func TestMemStore_PutOutputLargeStructuredValueRoundTripsThroughJSON(t *testing.T) {
	s := NewMemStore()
	ctx := context.Background()
	newTestExecution(t, s, "e1")

	rows := make([]any, 0, 2000)
	for i := 0; i < 2000; i++ {
		rows = append(rows, map[string]any{"id": float64(i), "name": "widget"})
	}
	if err := s.PutOutput(ctx, "e1", "a", "rows", rows); err != nil {
		t.Fatalf("PutOutput: %v", err)
	}
	out, err := s.GetOutputs(ctx, "e1", "a")
	if err != nil {
		t.Fatalf("GetOutputs: %v", err)
	}
	blobID, isBlob := IsBlobRef(out["rows"])
	if !isBlob || blobID == "" {
		t.Fatalf("expected blob reference, got %v", out["rows"])
	}

	resolved, err := s.ResolveBinding(ctx, out["rows"])
	if err != nil {
		t.Fatalf("ResolveBinding: %v", err)
	}
	resolvedRows, ok := resolved.([]any)
	if !ok || len(resolvedRows) != len(rows) {
		t.Fatalf("expected resolved value to be the original []any of length %d, got %T of length %v", len(rows), resolved, resolved)
	}
	firstRow, ok := resolvedRows[0].(map[string]any)
	if !ok || firstRow["name"] != "widget" {
		t.Fatalf("expected resolved rows to preserve structure, got %v", resolvedRows[0])
	}
}

func TestMemStore_ResolveBindingPassesThroughNonBlob(t *testing.T) {
	s := NewMemStore()
	v, err := s.ResolveBinding(context.Background(), 42)
	if err != nil || v != 42 {
		t.Fatalf("got v=%v err=%v", v, err)
	}
}

func TestMemStore_Idempotency(t *testing.T) {
	s := NewMemStore()
	ctx := context.Background()
	seen, err := s.CheckIdempotency(ctx, "key1")
	if err != nil || seen {
		t.Fatalf("expected unseen key, got seen=%v err=%v", seen, err)
	}
	if err := s.RecordIdempotency(ctx, "key1"); err != nil {
		t.Fatalf("RecordIdempotency: %v", err)
	}
	seen, err = s.CheckIdempotency(ctx, "key1")
	if err != nil || !seen {
		t.Fatalf("expected seen key, got seen=%v err=%v", seen, err)
	}
}

func TestMemStore_GetMetaNotFound(t *testing.T) {
	s := NewMemStore()
	if _, err := s.GetMeta(context.Background(), "missing"); err != ErrNotFound {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}
