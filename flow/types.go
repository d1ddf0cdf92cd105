// Package flow implements the core of a workflow-automation platform: a
// DAG-based flow execution engine with concurrency control, cancellation,
// fan-in synchronization, and real-time progress reporting.
package flow

import "errors"

// ConcurrencyMode controls how a flow's triggers are admitted when other
// executions of the same flow (or scope) are already running.
type ConcurrencyMode string

const (
	ConcurrencyAllow   ConcurrencyMode = "ALLOW"
	ConcurrencyDeny    ConcurrencyMode = "DENY"
	ConcurrencyQueue   ConcurrencyMode = "QUEUE"
	ConcurrencyReplace ConcurrencyMode = "REPLACE"
)

// ConcurrencyScope selects what a concurrency policy's scope key is derived from.
type ConcurrencyScope string

const (
	ScopeFlow ConcurrencyScope = "FLOW"
	ScopeKey  ConcurrencyScope = "KEY"
)

// TriggerType identifies how an execution was started.
type TriggerType string

const (
	TriggerManual   TriggerType = "MANUAL"
	TriggerWebhook  TriggerType = "WEBHOOK"
	TriggerSchedule TriggerType = "SCHEDULE"
	TriggerRetry    TriggerType = "RETRY"
)

// ExecutionStatus is the lifecycle state of one flow execution.
type ExecutionStatus string

const (
	StatusPending    ExecutionStatus = "PENDING"
	StatusRunning    ExecutionStatus = "RUNNING"
	StatusCompleted  ExecutionStatus = "COMPLETED"
	StatusFailed     ExecutionStatus = "FAILED"
	StatusCancelled  ExecutionStatus = "CANCELLED"
	StatusCancelling ExecutionStatus = "CANCELLING"
)

// NodeStatus is the lifecycle state of one node within one execution.
type NodeStatus string

const (
	NodePending   NodeStatus = "PENDING"
	NodeReady     NodeStatus = "READY"
	NodeRunning   NodeStatus = "RUNNING"
	NodeCompleted NodeStatus = "COMPLETED"
	NodeFailed    NodeStatus = "FAILED"
	NodeCancelled NodeStatus = "CANCELLED"
	NodeSkipped   NodeStatus = "SKIPPED"
)

// ErrorHandle is the sourceHandle value that marks an edge as an error route:
// followed only when its source node fails, instead of its normal successors.
const ErrorHandle = "error"

// Node is one descriptor in a FlowDefinition. Config is opaque to the
// parser and scheduler; only the Handler registered for Type interprets it.
type Node struct {
	ID             string            `json:"id"`
	Type           string            `json:"type"`
	Config         map[string]any    `json:"config"`
	InputBindings  map[string]string `json:"inputBindings"`
}

// Edge connects two nodes. SourceHandle/TargetHandle name the port on each
// side; a SourceHandle of ErrorHandle marks this as an error-route edge,
// followed instead of the node's normal successors when the source fails.
type Edge struct {
	SourceNodeID string `json:"sourceNodeId"`
	TargetNodeID string `json:"targetNodeId"`
	SourceHandle string `json:"sourceHandle"`
	TargetHandle string `json:"targetHandle"`
}

// IsErrorRoute reports whether this edge is only followed on node failure.
func (e Edge) IsErrorRoute() bool { return e.SourceHandle == string(ErrorHandle) }

// FlowDefinition is the input to the DAG parser: immutable for the
// duration of one execution.
type FlowDefinition struct {
	FlowID  string `json:"flowId"`
	Version int    `json:"version"`
	Nodes   []Node `json:"nodes"`
	Edges   []Edge `json:"edges"`
}

// RetrySettings governs per-node retry behaviour.
type RetrySettings struct {
	MaxAttempts      int     `json:"maxAttempts"`
	InitialBackoffMs int64   `json:"initialBackoffMs"`
	Multiplier       float64 `json:"multiplier"`
}

// ConcurrencySettings governs C3's admission decision on trigger.
type ConcurrencySettings struct {
	Mode          ConcurrencyMode  `json:"mode"`
	Scope         ConcurrencyScope `json:"scope"`
	MaxInstances  int              `json:"maxInstances"`
	KeyExpression string           `json:"keyExpression,omitempty"`
}

// FlowSettings bundles all per-flow tunables that affect the engine.
type FlowSettings struct {
	Concurrency   ConcurrencySettings `json:"concurrency"`
	FlowTimeoutMs int64               `json:"flowTimeoutMs"`
	NodeTimeoutMs int64               `json:"nodeTimeoutMs"`
	Retry         RetrySettings       `json:"retry"`
}

// DAG is the validated, derived form of a FlowDefinition produced by the
// parser (C1). Node/edge identity is unchanged in meaning from the
// FlowDefinition; Deps/Dependents/Layer are derived.
type DAG struct {
	FlowID     string
	Nodes      map[string]Node
	Edges      []Edge
	Deps       map[string]map[string]struct{} // nodeId -> upstream nodeIds
	Dependents map[string]map[string]struct{} // nodeId -> downstream nodeIds
	Roots      map[string]struct{}
	Leaves     map[string]struct{}
	Layer      map[string]int // topological layer, used only as a scheduling tie-break
}

// OutEdges returns the normal (non-error-route) edges leaving nodeID.
func (d *DAG) OutEdges(nodeID string) []Edge {
	var out []Edge
	for _, e := range d.Edges {
		if e.SourceNodeID == nodeID && !e.IsErrorRoute() {
			out = append(out, e)
		}
	}
	return out
}

// ErrorEdges returns the error-route edges leaving nodeID.
func (d *DAG) ErrorEdges(nodeID string) []Edge {
	var out []Edge
	for _, e := range d.Edges {
		if e.SourceNodeID == nodeID && e.IsErrorRoute() {
			out = append(out, e)
		}
	}
	return out
}

// ExecutionMeta is the per-execution record owned exclusively by the
// scheduler; handlers only ever observe it.
type ExecutionMeta struct {
	ExecutionID    string          `json:"executionId"`
	FlowID         string          `json:"flowId"`
	FlowVersion    int             `json:"flowVersion"`
	Status         ExecutionStatus `json:"status"`
	TotalNodes     int             `json:"totalNodes"`
	CompletedNodes int             `json:"completedNodes"`
	FailedNodes    int             `json:"failedNodes"`
	CancelledNodes int             `json:"cancelledNodes"`
	SkippedNodes   int             `json:"skippedNodes"`
	StartedAtMs    int64           `json:"startedAtMs"`
	CompletedAtMs  int64           `json:"completedAtMs,omitempty"`
	TriggeredBy    string          `json:"triggeredBy"`
	TriggerType    TriggerType     `json:"triggerType"`
}

// Terminal reports whether every node has reached a terminal state.
func (m *ExecutionMeta) Terminal() bool {
	return m.CompletedNodes+m.FailedNodes+m.CancelledNodes+m.SkippedNodes == m.TotalNodes
}

// NodeState is the per-(execution,node) record.
type NodeState struct {
	NodeID        string     `json:"nodeId"`
	Status        NodeStatus `json:"status"`
	StartedAtMs   int64      `json:"startedAtMs,omitempty"`
	CompletedAtMs int64      `json:"completedAtMs,omitempty"`
	DurationMs    int64      `json:"durationMs,omitempty"`
	RetryCount    int        `json:"retryCount"`
	WorkerID      string     `json:"workerId,omitempty"`
	ErrorMessage  string     `json:"errorMessage,omitempty"`
	ErrorCode     string     `json:"errorCode,omitempty"`
}

// Snapshot is the point-in-time view returned by Scheduler.Snapshot.
type Snapshot struct {
	Meta  ExecutionMeta
	Nodes []NodeState
	Edges []Edge
}

// Error kinds surfaced synchronously at parse/admission time.
const (
	ErrCodeParseError           = "PARSE_ERROR"
	ErrCodeCycle                = "CYCLE"
	ErrCodeUnknownNodeType      = "UNKNOWN_NODE_TYPE"
	ErrCodeInvalidBinding       = "INVALID_BINDING"
	ErrCodeDuplicateID          = "DUPLICATE_ID"
	ErrCodeUnknownEdgeEndpoint  = "UNKNOWN_EDGE_ENDPOINT"
	ErrCodeHandlerConfigReject  = "HANDLER_CONFIG_REJECTED"
	ErrCodeConcurrentDenied     = "CONCURRENT_DENIED"
	ErrCodeQueueFull            = "QUEUE_FULL"
	ErrCodeFlowDisabled         = "FLOW_DISABLED"
	ErrCodeBindingUnresolved    = "BINDING_UNRESOLVED"
	ErrCodeBindingSyntax        = "BINDING_SYNTAX"
	ErrCodeNodeTimeout          = "NODE_TIMEOUT"
	ErrCodeCredentialNotFound   = "CREDENTIAL_NOT_FOUND"
	ErrCodeCancelled            = "CANCELLED"
	ErrCodeFlowTimeout          = "FLOW_TIMEOUT"
	ErrCodeInternalError        = "INTERNAL_ERROR"
	ErrCodeStateStoreUnavail    = "STATE_STORE_UNAVAILABLE"
	ErrCodeUnknownFlow          = "UNKNOWN_FLOW"
)

// Error is the engine's structured error type, carrying a machine-readable
// Code alongside the human-readable Message.
type Error struct {
	Message     string
	Code        string
	ExecutionID string
	NodeID      string
	Field       string
	Cause       error
}

func (e *Error) Error() string {
	if e.NodeID != "" {
		return e.Code + ": " + e.Message + " (node " + e.NodeID + ")"
	}
	return e.Code + ": " + e.Message
}

func (e *Error) Unwrap() error { return e.Cause }

// Sentinel errors used internally by the store/scheduler/concurrency layers.
var (
	ErrNotFound             = errors.New("flow: not found")
	ErrStale                = errors.New("flow: compare-and-set mismatch")
	ErrNoProgress           = errors.New("flow: no runnable nodes in frontier")
	ErrMaxAttemptsExceeded  = errors.New("flow: max retry attempts exceeded")
	ErrQueueFull            = errors.New("flow: concurrency queue full")
)
