// Package store provides the State Store (C2): a typed capability set over
// a shared key-value store for execution meta, DAG snapshots, node status,
// input/output payloads, blobs, pending counters, and cancellation flags.
//
// All operations are safe to call concurrently from multiple engine
// replicas; single-key operations (compare-and-set, atomic decrement) are
// strongly consistent. The store is not required to be transactional
// across keys.
package store

import (
	"context"
	"errors"
	"time"

	"github.com/flowforge/enginecore/flow"
)

// ErrNotFound is returned when a requested execution, node, or output does
// not exist.
var ErrNotFound = errors.New("store: not found")

// BlobThreshold is the default size (bytes) above which OutputPayload
// values are replaced with a blob reference.
const BlobThreshold = 64 * 1024

// BlobRefKey is the map key used in a blob-reference placeholder, e.g.
// {"$blob": "<blobId>"}.
const BlobRefKey = "$blob"

// IsBlobRef reports whether v is a blob-reference placeholder, and if so
// returns the referenced blob id.
func IsBlobRef(v any) (blobID string, ok bool) {
	m, isMap := v.(map[string]any)
	if !isMap || len(m) != 1 {
		return "", false
	}
	id, hasKey := m[BlobRefKey]
	if !hasKey {
		return "", false
	}
	s, isString := id.(string)
	return s, isString
}

// CASResult is the outcome of a compare-and-set status transition.
type CASResult struct {
	OK    bool
	State NodeStatusRecord
}

// NodeStatusRecord is the minimal node-state view the store's CAS
// operation needs and returns.
type NodeStatusRecord struct {
	Status flow.NodeStatus
}

// Store is the capability set the scheduler, executor, and concurrency
// manager rely on. Implementations: MemStore (in-process), SQLiteStore,
// MySQLStore.
type Store interface {
	// InitExecution is idempotent: if the meta key already exists
	// unchanged, it returns the prior value without overwriting.
	InitExecution(ctx context.Context, meta flow.ExecutionMeta, dag *flow.DAG, triggerPayload map[string]any, retentionHint time.Duration) (flow.ExecutionMeta, error)

	GetMeta(ctx context.Context, executionID string) (flow.ExecutionMeta, error)
	PutMeta(ctx context.Context, meta flow.ExecutionMeta) error

	GetDAG(ctx context.Context, executionID string) (*flow.DAG, error)
	GetTriggerPayload(ctx context.Context, executionID string) (map[string]any, error)

	GetNodeState(ctx context.Context, executionID, nodeID string) (flow.NodeState, error)
	PutNodeState(ctx context.Context, executionID string, state flow.NodeState) error

	// SetNodeStatus performs compare-and-set on the status field; if
	// expected does not match the current status, OK is false and State
	// carries the actual current status as a stale-write signal.
	SetNodeStatus(ctx context.Context, executionID, nodeID string, expected, next flow.NodeStatus) (CASResult, error)

	// DecrementPending atomically decrements nodeID's pending counter and
	// returns the post-value. Never negative.
	DecrementPending(ctx context.Context, executionID, nodeID string) (int, error)
	InitPendingCounter(ctx context.Context, executionID, nodeID string, count int) error

	// SetCancelled compare-and-sets the cancel flag: succeeds only if it
	// was previously absent.
	SetCancelled(ctx context.Context, executionID, reason, by string) (bool, error)
	IsCancelled(ctx context.Context, executionID string) (bool, error)

	// IncrementCounter increments one of completedNodes/failedNodes/
	// cancelledNodes/skippedNodes on the execution's meta and returns the
	// updated meta.
	IncrementCounter(ctx context.Context, executionID, field string) (flow.ExecutionMeta, error)

	// PutOutput inlines values under BlobThreshold and writes larger
	// values to a separate blob key, storing a reference in place.
	PutOutput(ctx context.Context, executionID, nodeID, key string, value any) error
	GetOutputs(ctx context.Context, executionID, nodeID string) (map[string]any, error)

	// ResolveBinding transparently dereferences blob references found in
	// an output value.
	ResolveBinding(ctx context.Context, value any) (any, error)

	// CheckIdempotency verifies whether a side-effect idempotency key has
	// already been used (dedup for the node executor's at-least-once
	// retries).
	CheckIdempotency(ctx context.Context, key string) (bool, error)
	RecordIdempotency(ctx context.Context, key string) error

	// GetScopeState returns the raw bytes last written by CASScopeState
	// for scopeKey, plus an opaque version token. A scopeKey with no
	// record yet returns a nil data slice and an empty version, not an
	// error — callers treat that as the scope's initial empty state.
	GetScopeState(ctx context.Context, scopeKey string) (data []byte, version string, err error)

	// CASScopeState writes data for scopeKey, succeeding only if version
	// still matches the value most recently returned by GetScopeState (an
	// empty version matches only a scopeKey with no record yet). This is
	// the same compare-and-set shape as SetNodeStatus, generalized to an
	// arbitrary caller-owned byte payload; the Concurrency Manager uses it
	// to make run-set/queue admission atomic under the scope key.
	CASScopeState(ctx context.Context, scopeKey, version string, data []byte) (newVersion string, ok bool, err error)
}
