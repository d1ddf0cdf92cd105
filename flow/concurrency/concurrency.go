// Package concurrency implements the Concurrency Manager (C3): on trigger,
// decides admit/reject/enqueue/preempt based on the flow's concurrency
// policy, and owns the run-set and queue per scope key.
package concurrency

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/flowforge/enginecore/flow"
	"github.com/flowforge/enginecore/flow/expr"
	"github.com/flowforge/enginecore/flow/store"
)

// DefaultQueueCapacity bounds a scope's FIFO queue.
const DefaultQueueCapacity = 1000

// maxCASAttempts bounds the optimistic retry loop against the store; a
// scope key under heavy contention retries rather than blocking, but not
// forever.
const maxCASAttempts = 50

// Decision is the outcome of Admit.
type Decision struct {
	Outcome           Outcome
	RunningExecutions []string
	QueuePosition     int
}

// Outcome enumerates the four admission branches.
type Outcome int

const (
	Admit Outcome = iota
	Reject
	Enqueue
	// Preempt is returned instead of Admit when mode=REPLACE admits the
	// new execution and requests cancellation of existing run-set members.
	Preempt
)

// QueuedTrigger is one entry waiting in a scope's FIFO queue. It carries
// everything the scheduler needs to start the execution later, since a
// queued trigger is never initialised in the store until it is popped.
type QueuedTrigger struct {
	ExecutionID    string
	Definition     flow.FlowDefinition
	Settings       flow.FlowSettings
	TriggerPayload map[string]any
	TriggeredBy    string
	TriggerType    flow.TriggerType
	EnqueuedAtMs   int64
}

// scopeRecord is the JSON representation of a scope's run-set and queue,
// the opaque payload the store persists under a scope key via
// GetScopeState/CASScopeState.
type scopeRecord struct {
	RunSet []string        `json:"runSet"`
	Queue  []QueuedTrigger `json:"queue"`
}

func (r scopeRecord) has(executionID string) bool {
	for _, id := range r.RunSet {
		if id == executionID {
			return true
		}
	}
	return false
}

func (r scopeRecord) withAdded(executionID string) scopeRecord {
	if r.has(executionID) {
		return r
	}
	return scopeRecord{RunSet: append(append([]string{}, r.RunSet...), executionID), Queue: r.Queue}
}

func (r scopeRecord) withRemoved(executionID string) scopeRecord {
	runSet := make([]string, 0, len(r.RunSet))
	for _, id := range r.RunSet {
		if id != executionID {
			runSet = append(runSet, id)
		}
	}
	return scopeRecord{RunSet: runSet, Queue: r.Queue}
}

// Manager implements C3. Run-sets and FIFO queues are scope-keyed records
// held in the shared Store, so admission is coordinated across engine
// replicas and survives a process crash: Admit/Release read-modify-write
// the scope record through an optimistic compare-and-set retry loop rather
// than caching state locally.
type Manager struct {
	store store.Store
}

// NewManager returns a Manager backed by st.
func NewManager(st store.Store) *Manager {
	return &Manager{store: st}
}

// ScopeKey computes the scope key: flowId for scope=FLOW, or
// flowId+":"+eval(keyExpression, triggerPayload) for scope=KEY.
func ScopeKey(flowID string, settings flow.ConcurrencySettings, triggerPayload map[string]any) string {
	if settings.Scope != flow.ScopeKey {
		return flowID
	}
	key := expr.EvalKeyExpression(settings.KeyExpression, triggerPayload)
	if key == "" {
		return flowID
	}
	return flowID + ":" + key
}

func (m *Manager) load(ctx context.Context, scopeKey string) (scopeRecord, string, error) {
	data, version, err := m.store.GetScopeState(ctx, scopeKey)
	if err != nil {
		return scopeRecord{}, "", err
	}
	if data == nil {
		return scopeRecord{}, version, nil
	}
	var rec scopeRecord
	if err := json.Unmarshal(data, &rec); err != nil {
		return scopeRecord{}, "", err
	}
	return rec, version, nil
}

// casUpdate reads the current scope record, applies fn, and writes the
// result back with CASScopeState, retrying on a concurrent writer until
// its own write wins or maxCASAttempts is exhausted.
func (m *Manager) casUpdate(ctx context.Context, scopeKey string, fn func(scopeRecord) (scopeRecord, error)) (scopeRecord, error) {
	for attempt := 0; attempt < maxCASAttempts; attempt++ {
		current, version, err := m.load(ctx, scopeKey)
		if err != nil {
			return scopeRecord{}, err
		}
		next, err := fn(current)
		if err != nil {
			return scopeRecord{}, err
		}
		data, err := json.Marshal(next)
		if err != nil {
			return scopeRecord{}, err
		}
		_, ok, err := m.store.CASScopeState(ctx, scopeKey, version, data)
		if err != nil {
			return scopeRecord{}, err
		}
		if ok {
			return next, nil
		}
	}
	return scopeRecord{}, fmt.Errorf("concurrency: scope %q did not converge after %d CAS attempts", scopeKey, maxCASAttempts)
}

// Admit decides whether trigger.ExecutionID may start immediately. Cancel
// is invoked (without waiting) for every currently-running execution in
// the run-set when mode=REPLACE.
func (m *Manager) Admit(ctx context.Context, flowID, scopeKey string, settings flow.ConcurrencySettings, trigger QueuedTrigger, cancel func(executionID, reason, by string)) (Decision, error) {
	executionID := trigger.ExecutionID
	decision := Decision{}
	var queueFull bool

	switch settings.Mode {
	case flow.ConcurrencyAllow:
		return Decision{Outcome: Admit}, nil

	case flow.ConcurrencyDeny:
		_, err := m.casUpdate(ctx, scopeKey, func(rec scopeRecord) (scopeRecord, error) {
			if len(rec.RunSet) >= max(settings.MaxInstances, 1) {
				decision = Decision{Outcome: Reject, RunningExecutions: append([]string{}, rec.RunSet...)}
				return rec, nil
			}
			decision = Decision{Outcome: Admit}
			return rec.withAdded(executionID), nil
		})
		if err != nil {
			return Decision{}, err
		}
		return decision, nil

	case flow.ConcurrencyQueue:
		_, err := m.casUpdate(ctx, scopeKey, func(rec scopeRecord) (scopeRecord, error) {
			if len(rec.RunSet) < max(settings.MaxInstances, 1) {
				decision = Decision{Outcome: Admit}
				return rec.withAdded(executionID), nil
			}
			if len(rec.Queue) >= DefaultQueueCapacity {
				queueFull = true
				return rec, nil
			}
			queue := append(append([]QueuedTrigger{}, rec.Queue...), trigger)
			decision = Decision{Outcome: Enqueue, QueuePosition: len(queue)}
			return scopeRecord{RunSet: rec.RunSet, Queue: queue}, nil
		})
		if err != nil {
			return Decision{}, err
		}
		if queueFull {
			return Decision{Outcome: Reject}, flow.ErrQueueFull
		}
		return decision, nil

	case flow.ConcurrencyReplace:
		var toCancel []string
		_, err := m.casUpdate(ctx, scopeKey, func(rec scopeRecord) (scopeRecord, error) {
			toCancel = append([]string{}, rec.RunSet...)
			decision = Decision{Outcome: Preempt}
			return rec.withAdded(executionID), nil
		})
		if err != nil {
			return Decision{}, err
		}
		if cancel != nil {
			for _, running := range toCancel {
				cancel(running, "REPLACED", "system")
			}
		}
		return decision, nil

	default:
		return Decision{}, fmt.Errorf("concurrency: unknown mode %q", settings.Mode)
	}
}

// Release removes executionID from scopeKey's run-set and, if the queue
// is non-empty and the run-set is under the configured cap, pops the
// head and returns it as a deferred trigger for the scheduler to launch.
func (m *Manager) Release(ctx context.Context, scopeKey, executionID string, settings flow.ConcurrencySettings) (*QueuedTrigger, error) {
	var popped *QueuedTrigger
	_, err := m.casUpdate(ctx, scopeKey, func(rec scopeRecord) (scopeRecord, error) {
		popped = nil
		rec = rec.withRemoved(executionID)
		if len(rec.Queue) == 0 {
			return rec, nil
		}
		if len(rec.RunSet) >= max(settings.MaxInstances, 1) {
			return rec, nil
		}
		head := rec.Queue[0]
		popped = &head
		return scopeRecord{RunSet: append(rec.RunSet, head.ExecutionID), Queue: append([]QueuedTrigger{}, rec.Queue[1:]...)}, nil
	})
	if err != nil {
		return nil, err
	}
	return popped, nil
}

// RunSetSize returns the current run-set size for scopeKey (for tests and
// metrics).
func (m *Manager) RunSetSize(ctx context.Context, scopeKey string) (int, error) {
	rec, _, err := m.load(ctx, scopeKey)
	if err != nil {
		return 0, err
	}
	return len(rec.RunSet), nil
}

// QueueLen returns the current queue length for scopeKey.
func (m *Manager) QueueLen(ctx context.Context, scopeKey string) (int, error) {
	rec, _, err := m.load(ctx, scopeKey)
	if err != nil {
		return 0, err
	}
	return len(rec.Queue), nil
}

func max(a, b int) int {
	if a > b {
		return a
	}
	return b
}
