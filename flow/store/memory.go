package store

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/flowforge/enginecore/flow"
)

// MemStore is an in-process Store guarded by a single mutex: maps
// protected by a sync.Mutex, with compare-and-set emulated as
// compare-then-write under the lock. Suitable for a single engine
// replica, tests, and the reference CLI.
type MemStore struct {
	mu sync.Mutex

	meta       map[string]flow.ExecutionMeta
	dags       map[string]*flow.DAG
	triggers   map[string]map[string]any
	nodeStates map[string]map[string]flow.NodeState // executionId -> nodeId -> state
	pending    map[string]map[string]int            // executionId -> nodeId -> count
	cancelled  map[string]cancellation
	outputs    map[string]map[string]map[string]any // executionId -> nodeId -> outputs
	blobs      map[string][]byte
	idemp      map[string]struct{}
	blobSeq    int
	scopes     map[string]scopeRecord // scopeKey -> run-set/queue bytes + version
}

type scopeRecord struct {
	data    []byte
	version int
}

type cancellation struct {
	reason string
	by     string
}

// NewMemStore returns an empty MemStore.
func NewMemStore() *MemStore {
	return &MemStore{
		meta:       make(map[string]flow.ExecutionMeta),
		dags:       make(map[string]*flow.DAG),
		triggers:   make(map[string]map[string]any),
		nodeStates: make(map[string]map[string]flow.NodeState),
		pending:    make(map[string]map[string]int),
		cancelled:  make(map[string]cancellation),
		outputs:    make(map[string]map[string]map[string]any),
		blobs:      make(map[string][]byte),
		idemp:      make(map[string]struct{}),
		scopes:     make(map[string]scopeRecord),
	}
}

func (s *MemStore) InitExecution(ctx context.Context, meta flow.ExecutionMeta, dag *flow.DAG, triggerPayload map[string]any, retentionHint time.Duration) (flow.ExecutionMeta, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if existing, ok := s.meta[meta.ExecutionID]; ok {
		return existing, nil
	}

	s.meta[meta.ExecutionID] = meta
	s.dags[meta.ExecutionID] = dag
	s.triggers[meta.ExecutionID] = triggerPayload
	s.nodeStates[meta.ExecutionID] = make(map[string]flow.NodeState)
	s.pending[meta.ExecutionID] = make(map[string]int)
	s.outputs[meta.ExecutionID] = make(map[string]map[string]any)
	return meta, nil
}

func (s *MemStore) GetMeta(ctx context.Context, executionID string) (flow.ExecutionMeta, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.meta[executionID]
	if !ok {
		return flow.ExecutionMeta{}, ErrNotFound
	}
	return m, nil
}

func (s *MemStore) PutMeta(ctx context.Context, meta flow.ExecutionMeta) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.meta[meta.ExecutionID] = meta
	return nil
}

func (s *MemStore) GetDAG(ctx context.Context, executionID string) (*flow.DAG, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	d, ok := s.dags[executionID]
	if !ok {
		return nil, ErrNotFound
	}
	return d, nil
}

func (s *MemStore) GetTriggerPayload(ctx context.Context, executionID string) (map[string]any, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.triggers[executionID]
	if !ok {
		return nil, ErrNotFound
	}
	return p, nil
}

func (s *MemStore) GetNodeState(ctx context.Context, executionID, nodeID string) (flow.NodeState, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	states, ok := s.nodeStates[executionID]
	if !ok {
		return flow.NodeState{}, ErrNotFound
	}
	st, ok := states[nodeID]
	if !ok {
		return flow.NodeState{}, ErrNotFound
	}
	return st, nil
}

func (s *MemStore) PutNodeState(ctx context.Context, executionID string, state flow.NodeState) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	states, ok := s.nodeStates[executionID]
	if !ok {
		states = make(map[string]flow.NodeState)
		s.nodeStates[executionID] = states
	}
	states[state.NodeID] = state
	return nil
}

func (s *MemStore) SetNodeStatus(ctx context.Context, executionID, nodeID string, expected, next flow.NodeStatus) (CASResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	states, ok := s.nodeStates[executionID]
	if !ok {
		return CASResult{}, ErrNotFound
	}
	st, ok := states[nodeID]
	if !ok {
		return CASResult{}, ErrNotFound
	}
	if st.Status != expected {
		return CASResult{OK: false, State: NodeStatusRecord{Status: st.Status}}, nil
	}
	st.Status = next
	states[nodeID] = st
	return CASResult{OK: true, State: NodeStatusRecord{Status: next}}, nil
}

func (s *MemStore) InitPendingCounter(ctx context.Context, executionID, nodeID string, count int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.pending[executionID]
	if !ok {
		m = make(map[string]int)
		s.pending[executionID] = m
	}
	m[nodeID] = count
	return nil
}

func (s *MemStore) DecrementPending(ctx context.Context, executionID, nodeID string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.pending[executionID]
	if !ok {
		return 0, ErrNotFound
	}
	v := m[nodeID]
	if v > 0 {
		v--
	}
	m[nodeID] = v
	return v, nil
}

func (s *MemStore) SetCancelled(ctx context.Context, executionID, reason, by string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, already := s.cancelled[executionID]; already {
		return false, nil
	}
	s.cancelled[executionID] = cancellation{reason: reason, by: by}
	return true, nil
}

func (s *MemStore) IsCancelled(ctx context.Context, executionID string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.cancelled[executionID]
	return ok, nil
}

func (s *MemStore) IncrementCounter(ctx context.Context, executionID, field string) (flow.ExecutionMeta, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.meta[executionID]
	if !ok {
		return flow.ExecutionMeta{}, ErrNotFound
	}
	switch field {
	case "completedNodes":
		m.CompletedNodes++
	case "failedNodes":
		m.FailedNodes++
	case "cancelledNodes":
		m.CancelledNodes++
	case "skippedNodes":
		m.SkippedNodes++
	default:
		return flow.ExecutionMeta{}, fmt.Errorf("store: unknown counter field %q", field)
	}
	s.meta[executionID] = m
	return m, nil
}

func (s *MemStore) PutOutput(ctx context.Context, executionID, nodeID, key string, value any) error {
	raw, err := json.Marshal(value)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	stored := value
	if len(raw) >= BlobThreshold {
		s.blobSeq++
		blobID := fmt.Sprintf("blob-%s-%s-%d", executionID, nodeID, s.blobSeq)
		s.blobs[blobID] = raw
		stored = map[string]any{BlobRefKey: blobID}
	}

	nodeOutputs, ok := s.outputs[executionID]
	if !ok {
		nodeOutputs = make(map[string]map[string]any)
		s.outputs[executionID] = nodeOutputs
	}
	out, ok := nodeOutputs[nodeID]
	if !ok {
		out = make(map[string]any)
		nodeOutputs[nodeID] = out
	}
	out[key] = stored
	return nil
}

func (s *MemStore) GetOutputs(ctx context.Context, executionID, nodeID string) (map[string]any, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	nodeOutputs, ok := s.outputs[executionID]
	if !ok {
		return nil, ErrNotFound
	}
	out, ok := nodeOutputs[nodeID]
	if !ok {
		return nil, ErrNotFound
	}
	cp := make(map[string]any, len(out))
	for k, v := range out {
		cp[k] = v
	}
	return cp, nil
}

func (s *MemStore) ResolveBinding(ctx context.Context, value any) (any, error) {
	blobID, ok := IsBlobRef(value)
	if !ok {
		return value, nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	raw, ok := s.blobs[blobID]
	if !ok {
		return nil, ErrNotFound
	}
	var v any
	if err := json.Unmarshal(raw, &v); err != nil {
		return nil, err
	}
	return v, nil
}

func (s *MemStore) CheckIdempotency(ctx context.Context, key string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.idemp[key]
	return ok, nil
}

func (s *MemStore) RecordIdempotency(ctx context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.idemp[key] = struct{}{}
	return nil
}

func (s *MemStore) GetScopeState(ctx context.Context, scopeKey string) ([]byte, string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.scopes[scopeKey]
	if !ok {
		return nil, "", nil
	}
	return rec.data, strconv.Itoa(rec.version), nil
}

func (s *MemStore) CASScopeState(ctx context.Context, scopeKey, version string, data []byte) (string, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, exists := s.scopes[scopeKey]
	if version == "" {
		if exists {
			return "", false, nil
		}
		s.scopes[scopeKey] = scopeRecord{data: data, version: 1}
		return "1", true, nil
	}

	current, err := strconv.Atoi(version)
	if err != nil {
		return "", false, fmt.Errorf("store: invalid scope state version %q", version)
	}
	if !exists || rec.version != current {
		return "", false, nil
	}
	next := scopeRecord{data: data, version: current + 1}
	s.scopes[scopeKey] = next
	return strconv.Itoa(next.version), true, nil
}
