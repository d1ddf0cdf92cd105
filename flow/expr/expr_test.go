package expr

import (
	"errors"
	"testing"
)

func TestResolve_TriggerPath(t *testing.T) {
	trigger := map[string]any{"user": map[string]any{"id": "u1"}}
	v, err := Resolve("trigger.user.id", trigger, nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if v != "u1" {
		t.Fatalf("got %v", v)
	}
}

func TestResolve_TriggerRoot(t *testing.T) {
	trigger := map[string]any{"a": float64(1)}
	v, err := Resolve("trigger", trigger, nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	m, ok := v.(map[string]any)
	if !ok || m["a"] != float64(1) {
		t.Fatalf("got %v", v)
	}
}

func TestResolve_TriggerMissingPathIsNilNotError(t *testing.T) {
	v, err := Resolve("trigger.missing.path", map[string]any{}, nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if v != nil {
		t.Fatalf("expected nil, got %v", v)
	}
}

func TestResolve_NodeOutput(t *testing.T) {
	outputs := NodeOutputs{"fetch": {"body": "hello"}}
	v, err := Resolve("nodes.fetch.body", nil, outputs)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if v != "hello" {
		t.Fatalf("got %v", v)
	}
}

func TestResolve_NodeOutputMissingNode(t *testing.T) {
	_, err := Resolve("nodes.missing.body", nil, NodeOutputs{})
	if !errors.Is(err, ErrUnresolved) {
		t.Fatalf("expected ErrUnresolved, got %v", err)
	}
}

func TestResolve_NodeOutputMissingKey(t *testing.T) {
	outputs := NodeOutputs{"fetch": {"body": "hello"}}
	_, err := Resolve("nodes.fetch.missing", nil, outputs)
	if !errors.Is(err, ErrUnresolved) {
		t.Fatalf("expected ErrUnresolved, got %v", err)
	}
}

func TestResolve_MalformedSource(t *testing.T) {
	_, err := Resolve("nodes.onlyid", nil, NodeOutputs{})
	if !errors.Is(err, ErrBindingSyntax) {
		t.Fatalf("expected ErrBindingSyntax, got %v", err)
	}
	_, err = Resolve("unknown.path", nil, NodeOutputs{})
	if !errors.Is(err, ErrBindingSyntax) {
		t.Fatalf("expected ErrBindingSyntax, got %v", err)
	}
}

func TestEvalKeyExpression(t *testing.T) {
	trigger := map[string]any{"customer": map[string]any{"id": "c42"}}
	if got := EvalKeyExpression("customer.id", trigger); got != "c42" {
		t.Fatalf("got %q", got)
	}
	if got := EvalKeyExpression("customer.missing", trigger); got != "" {
		t.Fatalf("expected empty string, got %q", got)
	}
	if got := EvalKeyExpression("", trigger); got != "" {
		t.Fatalf("expected empty string for empty expression, got %q", got)
	}
}
