package scheduler

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/flowforge/enginecore/flow"
	"github.com/flowforge/enginecore/flow/concurrency"
	"github.com/flowforge/enginecore/flow/emit"
	"github.com/flowforge/enginecore/flow/executor"
	"github.com/flowforge/enginecore/flow/handler"
	"github.com/flowforge/enginecore/flow/store"
)

// DefaultRetentionHint is how long an execution's records live in the
// store after reaching a terminal state.
const DefaultRetentionHint = 24 * time.Hour

// TriggerOutcome is the synchronous result of Scheduler.Trigger.
type TriggerOutcome struct {
	Code          string // STARTED | QUEUED | CONCURRENT_DENIED | QUEUE_FULL | PARSE_ERROR | UNKNOWN_FLOW
	ExecutionID   string
	QueuePosition int
	Running       []string
	Err           error
}

// CancelOutcome reports which nodes were observed RUNNING at cancel time.
type CancelOutcome struct {
	RunningNodeIDs []string
}

// execContext is the scheduler's in-memory cache of one execution's
// static context; it is reconstructable from the store, which remains
// the source of truth shared across scheduler replicas.
type execContext struct {
	dag      *flow.DAG
	settings flow.FlowSettings
	flowID   string
	scopeKey string
	timer    *time.Timer
}

// Scheduler is C4: the central component driving execution end-to-end,
// built on the DAG parser (C1, via flow.ParseDefinition), the State Store
// (C2), the Concurrency Manager (C3), the Node Executor (C5, via
// executor.Executor), the Handler Registry (C6, via handler.Registry) and
// the Event Publisher (C7, via emit.Bus).
type Scheduler struct {
	Store      store.Store
	Registry   *handler.Registry
	Concurrency *concurrency.Manager
	Executor   *executor.Executor
	Bus        *emit.Bus

	MaxConcurrentNodes int
	QueueDepth         int
	DefaultNodeTimeoutMs int64

	frontier *Frontier
	workerWg sync.WaitGroup
	workCtx  context.Context
	workStop context.CancelFunc

	mu       sync.Mutex
	execs    map[string]*execContext
	settings map[string]settingsRecord // retained past completion, for Retry
}

// settingsRecord is the durable half of execContext: the part Retry needs
// to reconstruct an execContext for an execution that already finished and
// was evicted from execs.
type settingsRecord struct {
	settings flow.FlowSettings
	flowID   string
	scopeKey string
}

// Option configures a Scheduler via the functional-options pattern
// idiom (graph/options.go).
type Option func(*Scheduler)

func WithMaxConcurrent(n int) Option        { return func(s *Scheduler) { s.MaxConcurrentNodes = n } }
func WithQueueDepth(n int) Option           { return func(s *Scheduler) { s.QueueDepth = n } }
func WithDefaultNodeTimeout(ms int64) Option { return func(s *Scheduler) { s.DefaultNodeTimeoutMs = ms } }

// New builds a Scheduler and starts its worker pool. Call Stop to shut the
// pool down.
func New(st store.Store, reg *handler.Registry, conc *concurrency.Manager, exec *executor.Executor, bus *emit.Bus, opts ...Option) *Scheduler {
	s := &Scheduler{
		Store: st, Registry: reg, Concurrency: conc, Executor: exec, Bus: bus,
		MaxConcurrentNodes:   8,
		QueueDepth:           1024,
		DefaultNodeTimeoutMs: 30_000,
		execs:                make(map[string]*execContext),
		settings:             make(map[string]settingsRecord),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.frontier = NewFrontier(s.QueueDepth)
	s.workCtx, s.workStop = context.WithCancel(context.Background())
	for i := 0; i < s.MaxConcurrentNodes; i++ {
		s.workerWg.Add(1)
		go s.workerLoop()
	}
	return s
}

// Stop cancels the worker pool and waits for the workers to exit; work
// items still queued in the frontier are not run.
func (s *Scheduler) Stop() {
	s.workStop()
	s.workerWg.Wait()
}

func (s *Scheduler) workerLoop() {
	defer s.workerWg.Done()
	for {
		item, err := s.frontier.Dequeue(s.workCtx)
		if err != nil {
			return
		}
		s.runNode(s.workCtx, item)
	}
}

// Trigger admits a new execution of a flow, seeding the store and
// dispatching every root node.
func (s *Scheduler) Trigger(ctx context.Context, def flow.FlowDefinition, settings flow.FlowSettings, triggerPayload map[string]any, triggeredBy string, triggerType flow.TriggerType) TriggerOutcome {
	dag, err := flow.ParseDefinition(def, registryLookup{s.Registry})
	if err != nil {
		return TriggerOutcome{Code: flow.ErrCodeParseError, Err: err}
	}

	executionID := uuid.NewString()
	scopeKey := concurrency.ScopeKey(def.FlowID, settings.Concurrency, triggerPayload)

	trigger := concurrency.QueuedTrigger{
		ExecutionID:    executionID,
		Definition:     def,
		Settings:       settings,
		TriggerPayload: triggerPayload,
		TriggeredBy:    triggeredBy,
		TriggerType:    triggerType,
		EnqueuedAtMs:   time.Now().UnixMilli(),
	}
	decision, derr := s.Concurrency.Admit(ctx, def.FlowID, scopeKey, settings.Concurrency, trigger, func(eid, reason, by string) {
		s.Cancel(ctx, eid, reason, by)
	})
	if derr != nil {
		return TriggerOutcome{Code: flow.ErrCodeQueueFull, Err: derr}
	}
	switch decision.Outcome {
	case concurrency.Reject:
		return TriggerOutcome{Code: flow.ErrCodeConcurrentDenied, Running: decision.RunningExecutions}
	case concurrency.Enqueue:
		return TriggerOutcome{Code: "QUEUED", ExecutionID: executionID, QueuePosition: decision.QueuePosition}
	}

	s.startExecution(ctx, executionID, dag, settings, def.FlowID, scopeKey, def.Version, triggerPayload, triggeredBy, triggerType)
	return TriggerOutcome{Code: "STARTED", ExecutionID: executionID}
}

func (s *Scheduler) startExecution(ctx context.Context, executionID string, dag *flow.DAG, settings flow.FlowSettings, flowID, scopeKey string, flowVersion int, triggerPayload map[string]any, triggeredBy string, triggerType flow.TriggerType) {
	meta := flow.ExecutionMeta{
		ExecutionID: executionID,
		FlowID:      flowID,
		FlowVersion: flowVersion,
		Status:      flow.StatusRunning,
		TotalNodes:  len(dag.Nodes),
		StartedAtMs: time.Now().UnixMilli(),
		TriggeredBy: triggeredBy,
		TriggerType: triggerType,
	}
	meta, _ = s.Store.InitExecution(ctx, meta, dag, triggerPayload, DefaultRetentionHint)

	for id := range dag.Nodes {
		status := flow.NodePending
		if _, isRoot := dag.Roots[id]; isRoot {
			status = flow.NodeReady
		}
		s.Store.PutNodeState(ctx, executionID, flow.NodeState{NodeID: id, Status: status})
		s.Store.InitPendingCounter(ctx, executionID, id, len(dag.Deps[id]))
	}

	ec := &execContext{dag: dag, settings: settings, flowID: flowID, scopeKey: scopeKey}
	s.mu.Lock()
	s.execs[executionID] = ec
	s.settings[executionID] = settingsRecord{settings: settings, flowID: flowID, scopeKey: scopeKey}
	s.mu.Unlock()

	if settings.FlowTimeoutMs > 0 {
		ec.timer = time.AfterFunc(time.Duration(settings.FlowTimeoutMs)*time.Millisecond, func() {
			s.Cancel(context.Background(), executionID, "TIMEOUT", "system")
		})
	}

	s.Bus.Publish(emit.Event{ExecutionID: executionID, Kind: emit.ExecutionStarted, At: time.Now()})

	roots := sortedIDs(dag.Roots)
	for _, root := range roots {
		s.launch(ctx, executionID, dag, root)
	}
}

// launch performs the CAS READY->RUNNING uniqueness point and enqueues the
// node for execution.
func (s *Scheduler) launch(ctx context.Context, executionID string, dag *flow.DAG, nodeID string) {
	res, err := s.Store.SetNodeStatus(ctx, executionID, nodeID, flow.NodeReady, flow.NodeRunning)
	if err != nil || !res.OK {
		return // STALE: another replica already launched it, or a store error — abort silently
	}

	st, _ := s.Store.GetNodeState(ctx, executionID, nodeID)
	st.StartedAtMs = time.Now().UnixMilli()
	s.Store.PutNodeState(ctx, executionID, st)

	s.Bus.Publish(emit.Event{ExecutionID: executionID, Kind: emit.NodeStarted, NodeID: nodeID, At: time.Now()})

	item := WorkItem{ExecutionID: executionID, NodeID: nodeID, Layer: dag.Layer[nodeID]}
	_ = s.frontier.Enqueue(ctx, item)
}

func (s *Scheduler) runNode(ctx context.Context, item WorkItem) {
	s.mu.Lock()
	ec, ok := s.execs[item.ExecutionID]
	s.mu.Unlock()
	if !ok {
		return
	}

	node := ec.dag.Nodes[item.NodeID]
	nodeTimeout := nodeTimeoutMs(ec.settings, s.DefaultNodeTimeoutMs)
	result := s.Executor.Execute(ctx, item.ExecutionID, node, nodeTimeout, ec.settings.Retry)

	s.completeNode(ctx, item.ExecutionID, ec, item.NodeID, result)
}

func nodeTimeoutMs(settings flow.FlowSettings, fallback int64) int64 {
	if settings.NodeTimeoutMs > 0 {
		return settings.NodeTimeoutMs
	}
	return fallback
}

// completeNode records a node's terminal status and fans out to its
// dependents.
func (s *Scheduler) completeNode(ctx context.Context, executionID string, ec *execContext, nodeID string, result executor.Result) {
	st, _ := s.Store.GetNodeState(ctx, executionID, nodeID)
	st.Status = result.Status
	st.CompletedAtMs = time.Now().UnixMilli()
	st.DurationMs = result.DurationMs
	st.RetryCount += result.RetryCount
	st.ErrorCode = result.ErrorCode
	st.ErrorMessage = result.ErrorMessage
	s.Store.PutNodeState(ctx, executionID, st)
	s.Store.SetNodeStatus(ctx, executionID, nodeID, flow.NodeRunning, result.Status)

	var kind emit.Kind
	var counterField string
	switch result.Status {
	case flow.NodeCompleted:
		kind, counterField = emit.NodeCompleted, "completedNodes"
	case flow.NodeFailed:
		kind, counterField = emit.NodeFailed, "failedNodes"
	case flow.NodeCancelled:
		kind, counterField = emit.NodeCancelled, "cancelledNodes"
	}
	meta, _ := s.Store.IncrementCounter(ctx, executionID, counterField)
	s.Bus.Publish(emit.Event{ExecutionID: executionID, Kind: kind, NodeID: nodeID, At: time.Now()})

	switch result.Status {
	case flow.NodeCompleted:
		s.fanOutSuccess(ctx, executionID, ec, nodeID)
	case flow.NodeFailed:
		s.fanOutFailure(ctx, executionID, ec, nodeID)
	case flow.NodeCancelled:
		s.skipDownstream(ctx, executionID, ec, nodeID)
	}

	meta, _ = s.Store.GetMeta(ctx, executionID)
	if meta.Terminal() {
		s.finishExecution(ctx, executionID, ec, meta)
	}
}

// fanOutSuccess implements the success policy branch: decrement every
// dependent's pending counter; the replica that observes it hit zero is
// the sole launcher, guaranteeing each node launches exactly once even
// under concurrent scheduler replicas.
func (s *Scheduler) fanOutSuccess(ctx context.Context, executionID string, ec *execContext, nodeID string) {
	cancelled, _ := s.Store.IsCancelled(ctx, executionID)
	for _, dep := range sortedSet(ec.dag.Dependents[nodeID]) {
		post, err := s.Store.DecrementPending(ctx, executionID, dep)
		if err != nil {
			continue
		}
		if post == 0 && !cancelled {
			s.launch(ctx, executionID, ec.dag, dep)
		}
	}
}

// fanOutFailure marks every transitively-downstream node SKIPPED unless an
// error-route edge designates a successor to run instead.
func (s *Scheduler) fanOutFailure(ctx context.Context, executionID string, ec *execContext, nodeID string) {
	for _, errEdge := range ec.dag.ErrorEdges(nodeID) {
		// Error-route targets carry the error edge itself as a dependency
		// (the deps/dependents maps do not special-case error routes), so
		// they start PENDING rather than READY like a root.
		res, err := s.Store.SetNodeStatus(ctx, executionID, errEdge.TargetNodeID, flow.NodePending, flow.NodeRunning)
		if err == nil && res.OK {
			st, _ := s.Store.GetNodeState(ctx, executionID, errEdge.TargetNodeID)
			st.StartedAtMs = time.Now().UnixMilli()
			s.Store.PutNodeState(ctx, executionID, st)
			s.Bus.Publish(emit.Event{ExecutionID: executionID, Kind: emit.NodeStarted, NodeID: errEdge.TargetNodeID, At: time.Now()})
			item := WorkItem{ExecutionID: executionID, NodeID: errEdge.TargetNodeID, Layer: ec.dag.Layer[errEdge.TargetNodeID]}
			s.frontier.Enqueue(ctx, item)
		}
	}
	for _, dep := range sortedSet(ec.dag.Dependents[nodeID]) {
		if hasErrorEdgeTo(ec.dag, nodeID, dep) {
			continue
		}
		s.skipNode(ctx, executionID, ec, dep)
	}
}

func hasErrorEdgeTo(dag *flow.DAG, from, to string) bool {
	for _, e := range dag.ErrorEdges(from) {
		if e.TargetNodeID == to {
			return true
		}
	}
	return false
}

// skipDownstream marks every node transitively downstream of nodeID as
// SKIPPED, used when nodeID itself was CANCELLED.
func (s *Scheduler) skipDownstream(ctx context.Context, executionID string, ec *execContext, nodeID string) {
	for _, dep := range sortedSet(ec.dag.Dependents[nodeID]) {
		s.skipNode(ctx, executionID, ec, dep)
	}
}

func (s *Scheduler) skipNode(ctx context.Context, executionID string, ec *execContext, nodeID string) {
	res, err := s.Store.SetNodeStatus(ctx, executionID, nodeID, flow.NodePending, flow.NodeSkipped)
	if err != nil || !res.OK {
		return
	}
	s.Store.IncrementCounter(ctx, executionID, "skippedNodes")
	for _, dep := range sortedSet(ec.dag.Dependents[nodeID]) {
		s.skipNode(ctx, executionID, ec, dep)
	}
}

func (s *Scheduler) finishExecution(ctx context.Context, executionID string, ec *execContext, meta flow.ExecutionMeta) {
	cancelled, _ := s.Store.IsCancelled(ctx, executionID)

	var kind emit.Kind
	switch {
	case meta.FailedNodes > 0:
		meta.Status = flow.StatusFailed
		kind = emit.ExecutionFailed
	case cancelled:
		meta.Status = flow.StatusCancelled
		kind = emit.ExecutionCancelled
	default:
		meta.Status = flow.StatusCompleted
		kind = emit.ExecutionCompleted
	}
	meta.CompletedAtMs = time.Now().UnixMilli()
	s.Store.PutMeta(ctx, meta)
	s.Bus.Publish(emit.Event{ExecutionID: executionID, Kind: kind, At: time.Now()})

	if ec.timer != nil {
		ec.timer.Stop()
	}

	s.mu.Lock()
	delete(s.execs, executionID)
	s.mu.Unlock()

	next, _ := s.Concurrency.Release(ctx, ec.scopeKey, executionID, ec.settings.Concurrency)
	if next != nil {
		dag, derr := flow.ParseDefinition(next.Definition, registryLookup{s.Registry})
		if derr == nil {
			s.startExecution(ctx, next.ExecutionID, dag, next.Settings, next.Definition.FlowID, ec.scopeKey, next.Definition.Version, next.TriggerPayload, next.TriggeredBy, next.TriggerType)
		}
	}
}

// Cancel sets the cancel flag and marks meta CANCELLING.
func (s *Scheduler) Cancel(ctx context.Context, executionID, reason, by string) (CancelOutcome, error) {
	ok, err := s.Store.SetCancelled(ctx, executionID, reason, by)
	if err != nil {
		return CancelOutcome{}, err
	}
	if !ok {
		return CancelOutcome{}, nil // already cancelled: idempotent
	}

	meta, err := s.Store.GetMeta(ctx, executionID)
	if err != nil {
		return CancelOutcome{}, err
	}
	meta.Status = flow.StatusCancelling
	s.Store.PutMeta(ctx, meta)

	s.mu.Lock()
	ec, ok := s.execs[executionID]
	s.mu.Unlock()
	if !ok {
		return CancelOutcome{}, nil
	}

	var running []string
	for id := range ec.dag.Nodes {
		st, serr := s.Store.GetNodeState(ctx, executionID, id)
		if serr == nil && st.Status == flow.NodeRunning {
			running = append(running, id)
		}
	}
	sort.Strings(running)
	return CancelOutcome{RunningNodeIDs: running}, nil
}

// Retry resets FAILED nodes to READY, takes them out of the execution's
// failedNodes counter, and relaunches them. It does not go through the
// Concurrency Manager (C3): the execution is not re-admitted against its
// scope's run-set. Only valid for executions currently in FAILED.
func (s *Scheduler) Retry(ctx context.Context, executionID string) TriggerOutcome {
	meta, err := s.Store.GetMeta(ctx, executionID)
	if err != nil {
		return TriggerOutcome{Code: flow.ErrCodeUnknownFlow, Err: err}
	}
	if meta.Status != flow.StatusFailed {
		return TriggerOutcome{Code: flow.ErrCodeInternalError, Err: fmt.Errorf("scheduler: retry only valid for FAILED executions, got %s", meta.Status)}
	}
	dag, err := s.Store.GetDAG(ctx, executionID)
	if err != nil {
		return TriggerOutcome{Code: flow.ErrCodeUnknownFlow, Err: err}
	}

	for id := range dag.Nodes {
		st, serr := s.Store.GetNodeState(ctx, executionID, id)
		if serr != nil || st.Status != flow.NodeFailed {
			continue
		}
		st.RetryCount++
		st.StartedAtMs = 0
		st.CompletedAtMs = 0
		s.Store.PutNodeState(ctx, executionID, st)
		if res, _ := s.Store.SetNodeStatus(ctx, executionID, id, flow.NodeFailed, flow.NodeReady); res.OK {
			meta.FailedNodes--
		}
	}

	meta.Status = flow.StatusRunning
	s.Store.PutMeta(ctx, meta)

	s.mu.Lock()
	ec, has := s.execs[executionID]
	if !has {
		rec, known := s.settings[executionID]
		if !known {
			s.mu.Unlock()
			return TriggerOutcome{Code: flow.ErrCodeInternalError, Err: fmt.Errorf("scheduler: no retained settings for execution %s", executionID)}
		}
		ec = &execContext{dag: dag, settings: rec.settings, flowID: rec.flowID, scopeKey: rec.scopeKey}
		if rec.settings.FlowTimeoutMs > 0 {
			ec.timer = time.AfterFunc(time.Duration(rec.settings.FlowTimeoutMs)*time.Millisecond, func() {
				s.Cancel(context.Background(), executionID, "TIMEOUT", "system")
			})
		}
		s.execs[executionID] = ec
	}
	s.mu.Unlock()

	for id := range dag.Nodes {
		st, _ := s.Store.GetNodeState(ctx, executionID, id)
		if st.Status == flow.NodeReady {
			s.launch(ctx, executionID, dag, id)
		}
	}
	return TriggerOutcome{Code: "STARTED", ExecutionID: executionID}
}

// Snapshot returns a point-in-time view of one execution.
func (s *Scheduler) Snapshot(ctx context.Context, executionID string) (flow.Snapshot, error) {
	meta, err := s.Store.GetMeta(ctx, executionID)
	if err != nil {
		return flow.Snapshot{}, err
	}
	dag, err := s.Store.GetDAG(ctx, executionID)
	if err != nil {
		return flow.Snapshot{}, err
	}
	var nodes []flow.NodeState
	for id := range dag.Nodes {
		st, serr := s.Store.GetNodeState(ctx, executionID, id)
		if serr == nil {
			nodes = append(nodes, st)
		}
	}
	sort.Slice(nodes, func(i, j int) bool { return nodes[i].NodeID < nodes[j].NodeID })
	return flow.Snapshot{Meta: meta, Nodes: nodes, Edges: dag.Edges}, nil
}

func sortedIDs(set map[string]struct{}) []string {
	out := make([]string, 0, len(set))
	for id := range set {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

func sortedSet(set map[string]struct{}) []string { return sortedIDs(set) }

// registryLookup adapts *handler.Registry to flow.HandlerLookup.
type registryLookup struct{ r *handler.Registry }

func (l registryLookup) Has(nodeType string) bool { return l.r.Has(nodeType) }
func (l registryLookup) ValidateNodeConfig(nodeType string, config map[string]any) error {
	return l.r.ValidateNodeConfig(nodeType, config)
}
