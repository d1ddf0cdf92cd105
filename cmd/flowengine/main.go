// Command flowengine demonstrates the flow execution engine end to end:
// it registers a handful of reference handlers, defines a small DAG with a
// fan-out/fan-in shape, triggers it, and prints every
// event the Scheduler publishes until the execution reaches a terminal
// state.
package main

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	_ "modernc.org/sqlite"

	"github.com/flowforge/enginecore/flow"
	"github.com/flowforge/enginecore/flow/concurrency"
	"github.com/flowforge/enginecore/flow/emit"
	"github.com/flowforge/enginecore/flow/executor"
	"github.com/flowforge/enginecore/flow/handler"
	"github.com/flowforge/enginecore/flow/handler/httpcall"
	"github.com/flowforge/enginecore/flow/handler/llm"
	"github.com/flowforge/enginecore/flow/handler/sqlquery"
	"github.com/flowforge/enginecore/flow/metrics"
	"github.com/flowforge/enginecore/flow/handler/llm/anthropic"
	"github.com/flowforge/enginecore/flow/handler/llm/google"
	"github.com/flowforge/enginecore/flow/handler/llm/openai"
	"github.com/flowforge/enginecore/flow/scheduler"
	"github.com/flowforge/enginecore/flow/store"
)

func main() {
	logger := slog.New(slog.NewTextHandler(os.Stdout, nil))

	registry := handler.NewRegistry()
	if err := registry.Register(httpcall.NodeType, httpcall.New(nil)); err != nil {
		logger.Error("handler registration failed", "err", err)
		os.Exit(1)
	}
	if err := registry.Register("transform.noop", noopHandler{}); err != nil {
		logger.Error("handler registration failed", "err", err)
		os.Exit(1)
	}
	if err := registry.Register(sqlquery.NodeType, sqlquery.New(openDemoDB(logger))); err != nil {
		logger.Error("handler registration failed", "err", err)
		os.Exit(1)
	}
	costTrackers := newCostTrackerCache()
	if err := registry.Register(llm.NodeType, llm.New(demoChatModels(), costTrackers.get)); err != nil {
		logger.Error("handler registration failed", "err", err)
		os.Exit(1)
	}

	reg := prometheus.NewRegistry()
	metrics.New(reg)
	go func() {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
		if err := http.ListenAndServe("127.0.0.1:9090", mux); err != nil {
			logger.Warn("metrics server stopped", "err", err)
		}
	}()

	st := store.NewMemStore()
	bus := emit.NewBus()
	bus.AttachSink(emit.NewLogSink(logger))
	conc := concurrency.NewManager(st)
	exec := executor.New(st, registry, time.Now().UnixNano())

	sched := scheduler.New(st, registry, conc, exec, bus, scheduler.WithMaxConcurrent(4))
	defer sched.Stop()

	def := flow.FlowDefinition{
		FlowID:  "demo-fanout",
		Version: 1,
		Nodes: []flow.Node{
			{ID: "start", Type: "transform.noop"},
			{ID: "branch_a", Type: "transform.noop", InputBindings: map[string]string{"in": "nodes.start.value"}},
			{ID: "branch_b", Type: "transform.noop", InputBindings: map[string]string{"in": "nodes.start.value"}},
			{ID: "join", Type: "transform.noop", InputBindings: map[string]string{
				"a": "nodes.branch_a.value",
				"b": "nodes.branch_b.value",
			}},
		},
		Edges: []flow.Edge{
			{SourceNodeID: "start", TargetNodeID: "branch_a"},
			{SourceNodeID: "start", TargetNodeID: "branch_b"},
			{SourceNodeID: "branch_a", TargetNodeID: "join"},
			{SourceNodeID: "branch_b", TargetNodeID: "join"},
		},
	}

	settings := flow.FlowSettings{
		Concurrency:   flow.ConcurrencySettings{Mode: flow.ConcurrencyAllow},
		FlowTimeoutMs: 30_000,
		NodeTimeoutMs: 5_000,
		Retry:         flow.RetrySettings{MaxAttempts: 3, InitialBackoffMs: 20, Multiplier: 2},
	}

	ctx := context.Background()
	outcome := sched.Trigger(ctx, def, settings, map[string]any{"value": "hello"}, "cli-demo", flow.TriggerManual)
	fmt.Printf("trigger outcome: %+v\n", outcome)

	if outcome.Code != "STARTED" {
		return
	}

	watch := bus.Subscribe(outcome.ExecutionID)
	defer watch.Unsubscribe()
	for evt := range watch.C {
		fmt.Printf("[%s] %s node=%s\n", evt.ExecutionID, evt.Kind, evt.NodeID)
		if evt.Kind.IsTerminal() {
			break
		}
	}

	snap, err := sched.Snapshot(ctx, outcome.ExecutionID)
	if err != nil {
		logger.Error("snapshot failed", "err", err)
		return
	}
	fmt.Printf("final status: %s (%d/%d completed)\n", snap.Meta.Status, snap.Meta.CompletedNodes, snap.Meta.TotalNodes)
}

// noopHandler passes its "in" input (or a literal "value" config) through
// as its "value" output; used by the demo DAG to avoid any external calls.
type noopHandler struct{}

func (noopHandler) ValidateConfig(map[string]any) error { return nil }

func (noopHandler) DeclareInputs() []handler.PortDecl  { return nil }
func (noopHandler) DeclareOutputs() []handler.PortDecl { return []handler.PortDecl{{Name: "value"}} }

func (noopHandler) Execute(hctx handler.HandlerContext) handler.Result {
	if v, ok := hctx.ResolvedInputs["in"]; ok {
		return handler.Success(map[string]any{"value": v})
	}
	if v, ok := hctx.ResolvedInputs["value"]; ok {
		return handler.Success(map[string]any{"value": v})
	}
	return handler.Success(map[string]any{"value": hctx.NodeConfig["value"]})
}

// demoChatModels wires each configured provider API key to its llm.Client
// adapter. A provider with no key set is simply omitted; llm.prompt nodes
// referencing it then fail ValidateConfig rather than panicking at runtime.
func demoChatModels() map[llm.Provider]llm.Client {
	clients := make(map[llm.Provider]llm.Client)
	if key := os.Getenv("ANTHROPIC_API_KEY"); key != "" {
		clients[llm.ProviderAnthropic] = anthropic.New(key, "claude-sonnet-4")
	}
	if key := os.Getenv("OPENAI_API_KEY"); key != "" {
		clients[llm.ProviderOpenAI] = openai.New(key, "gpt-4o")
	}
	if key := os.Getenv("GOOGLE_API_KEY"); key != "" {
		clients[llm.ProviderGoogle] = google.New(key, "gemini-1.5-pro")
	}
	return clients
}

// costTrackerCache hands each execution its own metrics.CostTracker,
// created lazily on first use and kept for the process lifetime of this
// demo (a production scheduler would evict one on execution completion
// alongside its other per-execution state).
type costTrackerCache struct {
	trackers map[string]*metrics.CostTracker
}

func newCostTrackerCache() *costTrackerCache {
	return &costTrackerCache{trackers: make(map[string]*metrics.CostTracker)}
}

func (c *costTrackerCache) get(executionID string) *metrics.CostTracker {
	if t, ok := c.trackers[executionID]; ok {
		return t
	}
	t := metrics.NewCostTracker(executionID, "USD")
	c.trackers[executionID] = t
	return t
}

// openDemoDB opens an in-memory sqlite database seeded with a handful of
// rows so the sql.query reference handler has something to select from.
func openDemoDB(logger *slog.Logger) *sql.DB {
	db, err := sql.Open("sqlite", ":memory:")
	if err != nil {
		logger.Error("demo db open failed", "err", err)
		os.Exit(1)
	}
	if _, err := db.Exec(`CREATE TABLE widgets (id INTEGER PRIMARY KEY, name TEXT)`); err != nil {
		logger.Error("demo db migrate failed", "err", err)
		os.Exit(1)
	}
	if _, err := db.Exec(`INSERT INTO widgets (id, name) VALUES (1, 'sprocket'), (2, 'gizmo')`); err != nil {
		logger.Error("demo db seed failed", "err", err)
		os.Exit(1)
	}
	return db
}
