package emit

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"strings"
	"testing"

	"go.opentelemetry.io/otel"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

func TestNullSink_ObserveDoesNothing(t *testing.T) {
	var s NullSink
	s.Observe(Event{Kind: NodeStarted, ExecutionID: "e1"})
}

func TestLogSink_ObserveWritesStructuredFields(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewJSONHandler(&buf, nil))
	s := NewLogSink(logger)

	s.Observe(Event{ExecutionID: "e1", Kind: NodeStarted, NodeID: "a", Seq: 3})

	var line map[string]any
	if err := json.Unmarshal(buf.Bytes(), &line); err != nil {
		t.Fatalf("expected valid JSON log line, got %q: %v", buf.String(), err)
	}
	if line["executionId"] != "e1" || line["nodeId"] != "a" {
		t.Fatalf("unexpected fields in log line: %+v", line)
	}
	if !strings.Contains(buf.String(), string(NodeStarted)) {
		t.Fatalf("expected event kind in log line, got %q", buf.String())
	}
}

func TestLogSink_NilLoggerFallsBackToDefault(t *testing.T) {
	s := NewLogSink(nil)
	if s.logger == nil {
		t.Fatal("expected NewLogSink(nil) to fall back to slog.Default()")
	}
}

func TestOtelSink_ObserveRecordsSpanEventsAndEndsOnTerminal(t *testing.T) {
	exporter := tracetest.NewInMemoryExporter()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSyncer(exporter))
	otel.SetTracerProvider(tp)
	defer func() { _ = tp.Shutdown(context.Background()) }()

	sink := NewOtelSink(otel.Tracer("test"))
	ctx := sink.StartExecution(context.Background(), "e1", "f1")
	_ = ctx

	sink.Observe(Event{ExecutionID: "e1", Kind: NodeStarted, NodeID: "a", Seq: 1})
	sink.Observe(Event{ExecutionID: "e1", Kind: ExecutionCompleted, Seq: 2})

	spans := exporter.GetSpans()
	if len(spans) != 1 {
		t.Fatalf("expected span ended after terminal event, got %d spans", len(spans))
	}
	span := spans[0]
	if len(span.Events) != 2 {
		t.Fatalf("expected 2 recorded span events, got %d", len(span.Events))
	}
	if !span.EndTime.After(span.StartTime) {
		t.Fatal("expected span to be ended after terminal event")
	}
}

func TestOtelSink_ObserveIgnoresUnknownExecution(t *testing.T) {
	exporter := tracetest.NewInMemoryExporter()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSyncer(exporter))
	otel.SetTracerProvider(tp)
	defer func() { _ = tp.Shutdown(context.Background()) }()

	sink := NewOtelSink(otel.Tracer("test"))
	sink.Observe(Event{ExecutionID: "never-started", Kind: NodeStarted})

	if len(exporter.GetSpans()) != 0 {
		t.Fatal("expected no spans for an execution that was never started")
	}
}
