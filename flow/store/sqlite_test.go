package store

import (
	"context"
	"testing"
	"time"

	"github.com/flowforge/enginecore/flow"
)

func newTestSQLiteStore(t *testing.T) *SQLiteStore {
	t.Helper()
	s, err := OpenSQLiteStore(":memory:")
	if err != nil {
		t.Fatalf("OpenSQLiteStore: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func seedSQLiteExecution(t *testing.T, s *SQLiteStore, executionID string) {
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

func TestSQLiteStore_InitExecutionIsIdempotent(t *testing.T) {
	s := newTestSQLiteStore(t)
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
		t.Fatalf("expected idempotent InitExecution, got %d vs %d", second.TotalNodes, first.TotalNodes)
	}
}

func TestSQLiteStore_SetNodeStatusCAS(t *testing.T) {
	s := newTestSQLiteStore(t)
	ctx := context.Background()
	seedSQLiteExecution(t, s, "e1")

	res, err := s.SetNodeStatus(ctx, "e1", "a", flow.NodeReady, flow.NodeRunning)
	if err != nil || !res.OK {
		t.Fatalf("expected CAS to succeed, got %+v err=%v", res, err)
	}
	stale, err := s.SetNodeStatus(ctx, "e1", "a", flow.NodeReady, flow.NodeRunning)
	if err != nil {
		t.Fatalf("SetNodeStatus: %v", err)
	}
	if stale.OK {
		t.Fatal("expected stale CAS to fail")
	}
}

func TestSQLiteStore_DecrementPendingNeverNegative(t *testing.T) {
	s := newTestSQLiteStore(t)
	ctx := context.Background()
	seedSQLiteExecution(t, s, "e1")
	if err := s.InitPendingCounter(ctx, "e1", "a", 1); err != nil {
		t.Fatalf("InitPendingCounter: %v", err)
	}
	if v, err := s.DecrementPending(ctx, "e1", "a"); err != nil || v != 0 {
		t.Fatalf("got v=%d err=%v", v, err)
	}
	if v, err := s.DecrementPending(ctx, "e1", "a"); err != nil || v != 0 {
		t.Fatalf("expected floor at 0, got v=%d err=%v", v, err)
	}
}

func TestSQLiteStore_SetCancelledIsIdempotent(t *testing.T) {
	s := newTestSQLiteStore(t)
	ctx := context.Background()
	seedSQLiteExecution(t, s, "e1")

	ok, err := s.SetCancelled(ctx, "e1", "USER", "alice")
	if err != nil || !ok {
		t.Fatalf("expected first cancel to succeed, got ok=%v err=%v", ok, err)
	}
	ok, err = s.SetCancelled(ctx, "e1", "USER", "alice")
	if err != nil || ok {
		t.Fatalf("expected second cancel to no-op, got ok=%v err=%v", ok, err)
	}
	cancelled, err := s.IsCancelled(ctx, "e1")
	if err != nil || !cancelled {
		t.Fatalf("expected IsCancelled true, got %v err=%v", cancelled, err)
	}
}

func TestSQLiteStore_PutOutputLargeValueBecomesBlob(t *testing.T) {
	s := newTestSQLiteStore(t)
	ctx := context.Background()
	seedSQLiteExecution(t, s, "e1")

	big := make([]byte, BlobThreshold+1)
	for i := range big {
		big[i] = 'x'
	}
	if err := s.PutOutput(ctx, "e1", "a", "body", string(big)); err != nil {
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
	if resolved != string(big) {
		t.Fatal("expected resolved blob to match original value")
	}
}

func TestSQLiteStore_IncrementCounterUnknownField(t *testing.T) {
	s := newTestSQLiteStore(t)
	ctx := context.Background()
	seedSQLiteExecution(t, s, "e1")
	if _, err := s.IncrementCounter(ctx, "e1", "bogus"); err == nil {
		t.Fatal("expected error for unknown counter field")
	}
}

func TestSQLiteStore_Idempotency(t *testing.T) {
	s := newTestSQLiteStore(t)
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

func TestSQLiteStore_GetMetaNotFound(t *testing.T) {
	s := newTestSQLiteStore(t)
	if _, err := s.GetMeta(context.Background(), "missing"); err != ErrNotFound {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestSQLiteStore_GetDAGRoundTrips(t *testing.T) {
	s := newTestSQLiteStore(t)
	ctx := context.Background()
	seedSQLiteExecution(t, s, "e1")

	dag, err := s.GetDAG(ctx, "e1")
	if err != nil {
		t.Fatalf("GetDAG: %v", err)
	}
	if dag.FlowID != "f1" {
		t.Fatalf("got flow id %q", dag.FlowID)
	}
	if _, ok := dag.Nodes["a"]; !ok {
		t.Fatal("expected node a to round-trip through JSON storage")
	}
}
