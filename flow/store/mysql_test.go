package store

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/flowforge/enginecore/flow"
)

// getTestMySQLDSN returns the DSN for a live MySQL instance to test against.
// Example: TEST_MYSQL_DSN="user:pass@tcp(localhost:3306)/test_db"
// To run these tests: export TEST_MYSQL_DSN="your-connection-string"
func getTestMySQLDSN(t *testing.T) string {
	dsn := os.Getenv("TEST_MYSQL_DSN")
	if dsn == "" {
		t.Skip("MySQL tests skipped: Set TEST_MYSQL_DSN environment variable to run")
	}
	return dsn
}

func newTestMySQLStore(t *testing.T) *MySQLStore {
	t.Helper()
	dsn := getTestMySQLDSN(t)
	s, err := OpenMySQLStore(dsn)
	if err != nil {
		t.Fatalf("OpenMySQLStore: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func seedMySQLExecution(t *testing.T, s *MySQLStore, executionID string) {
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

func TestMySQLStore_InitExecutionIsIdempotent(t *testing.T) {
	s := newTestMySQLStore(t)
	ctx := context.Background()
	meta := flow.ExecutionMeta{ExecutionID: "mysql-e1", TotalNodes: 1}
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

func TestMySQLStore_SetNodeStatusCAS(t *testing.T) {
	s := newTestMySQLStore(t)
	ctx := context.Background()
	seedMySQLExecution(t, s, "mysql-e2")

	res, err := s.SetNodeStatus(ctx, "mysql-e2", "a", flow.NodeReady, flow.NodeRunning)
	if err != nil || !res.OK {
		t.Fatalf("expected CAS to succeed, got %+v err=%v", res, err)
	}
	stale, err := s.SetNodeStatus(ctx, "mysql-e2", "a", flow.NodeReady, flow.NodeRunning)
	if err != nil {
		t.Fatalf("SetNodeStatus: %v", err)
	}
	if stale.OK {
		t.Fatal("expected stale CAS to fail")
	}
}

func TestMySQLStore_DecrementPendingNeverNegative(t *testing.T) {
	s := newTestMySQLStore(t)
	ctx := context.Background()
	seedMySQLExecution(t, s, "mysql-e3")
	if err := s.InitPendingCounter(ctx, "mysql-e3", "a", 1); err != nil {
		t.Fatalf("InitPendingCounter: %v", err)
	}
	if v, err := s.DecrementPending(ctx, "mysql-e3", "a"); err != nil || v != 0 {
		t.Fatalf("got v=%d err=%v", v, err)
	}
	if v, err := s.DecrementPending(ctx, "mysql-e3", "a"); err != nil || v != 0 {
		t.Fatalf("expected floor at 0, got v=%d err=%v", v, err)
	}
}

func TestMySQLStore_SetCancelledIsIdempotent(t *testing.T) {
	s := newTestMySQLStore(t)
	ctx := context.Background()
	seedMySQLExecution(t, s, "mysql-e4")

	ok, err := s.SetCancelled(ctx, "mysql-e4", "USER", "alice")
	if err != nil || !ok {
		t.Fatalf("expected first cancel to succeed, got ok=%v err=%v", ok, err)
	}
	ok, err = s.SetCancelled(ctx, "mysql-e4", "USER", "alice")
	if err != nil || ok {
		t.Fatalf("expected second cancel to no-op, got ok=%v err=%v", ok, err)
	}
	cancelled, err := s.IsCancelled(ctx, "mysql-e4")
	if err != nil || !cancelled {
		t.Fatalf("expected IsCancelled true, got %v err=%v", cancelled, err)
	}
}

func TestMySQLStore_PutOutputLargeValueBecomesBlob(t *testing.T) {
	s := newTestMySQLStore(t)
	ctx := context.Background()
	seedMySQLExecution(t, s, "mysql-e5")

	big := make([]byte, BlobThreshold+1)
	for i := range big {
		big[i] = 'x'
	}
	if err := s.PutOutput(ctx, "mysql-e5", "a", "body", string(big)); err != nil {
		t.Fatalf("PutOutput: %v", err)
	}
	out, err := s.GetOutputs(ctx, "mysql-e5", "a")
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

func TestMySQLStore_IncrementCounterUnknownField(t *testing.T) {
	s := newTestMySQLStore(t)
	ctx := context.Background()
	seedMySQLExecution(t, s, "mysql-e6")
	if _, err := s.IncrementCounter(ctx, "mysql-e6", "bogus"); err == nil {
		t.Fatal("expected error for unknown counter field")
	}
}

func TestMySQLStore_Idempotency(t *testing.T) {
	s := newTestMySQLStore(t)
	ctx := context.Background()
	seen, err := s.CheckIdempotency(ctx, "mysql-key1")
	if err != nil || seen {
		t.Fatalf("expected unseen key, got seen=%v err=%v", seen, err)
	}
	if err := s.RecordIdempotency(ctx, "mysql-key1"); err != nil {
		t.Fatalf("RecordIdempotency: %v", err)
	}
	seen, err = s.CheckIdempotency(ctx, "mysql-key1")
	if err != nil || !seen {
		t.Fatalf("expected seen key, got seen=%v err=%v", seen, err)
	}
}

func TestMySQLStore_GetMetaNotFound(t *testing.T) {
	s := newTestMySQLStore(t)
	if _, err := s.GetMeta(context.Background(), "mysql-missing"); err != ErrNotFound {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}
