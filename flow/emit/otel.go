package emit

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// OtelSink records every event as a span event on a per-execution trace
// span. Call StartExecution when an execution begins; the span ends itself
// on the execution's terminal event.
type OtelSink struct {
	tracer trace.Tracer
	spans  map[string]trace.Span
}

// NewOtelSink wraps tracer as a Sink.
func NewOtelSink(tracer trace.Tracer) *OtelSink {
	return &OtelSink{tracer: tracer, spans: make(map[string]trace.Span)}
}

// StartExecution opens a root span for executionID and returns the
// context carrying it, for node-level sub-spans to parent under.
func (s *OtelSink) StartExecution(ctx context.Context, executionID, flowID string) context.Context {
	ctx, span := s.tracer.Start(ctx, "flow.execution",
		trace.WithAttributes(
			attribute.String("flow.execution_id", executionID),
			attribute.String("flow.flow_id", flowID),
		),
	)
	s.spans[executionID] = span
	return ctx
}

func (s *OtelSink) Observe(evt Event) {
	span, ok := s.spans[evt.ExecutionID]
	if !ok {
		return
	}
	span.AddEvent(string(evt.Kind), trace.WithAttributes(
		attribute.String("flow.node_id", evt.NodeID),
		attribute.Int64("flow.seq", evt.Seq),
	))
	if evt.Kind.IsTerminal() {
		span.End()
		delete(s.spans, evt.ExecutionID)
	}
}
