// Package expr resolves the dotted-path source expressions used by
// FlowDefinition input bindings ("trigger.<path>", "nodes.<id>.<key>") and
// by concurrency-scope key expressions, using gjson over the
// JSON-serialized trigger payload and node output maps.
package expr

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/tidwall/gjson"
)

// ErrBindingSyntax is returned when a source expression cannot be parsed.
var ErrBindingSyntax = errors.New("expr: malformed binding expression")

// ErrUnresolved is returned when a binding's referenced path or node output
// does not exist.
var ErrUnresolved = errors.New("expr: binding source not found")

// NodeOutputs is resolved outputs for every upstream node, keyed by node id.
type NodeOutputs map[string]map[string]any

// Resolve evaluates one source expression ("trigger.<path>" or
// "nodes.<id>.<key>") against the trigger payload and node outputs:
//   - missing trigger path binds null (not an error)
//   - missing upstream output returns ErrUnresolved
//   - a malformed expression returns ErrBindingSyntax
func Resolve(source string, triggerPayload map[string]any, outputs NodeOutputs) (any, error) {
	parts := strings.SplitN(source, ".", 3)
	switch parts[0] {
	case "trigger":
		path := ""
		if len(parts) > 1 {
			path = strings.Join(parts[1:], ".")
		}
		return resolvePath(triggerPayload, path, true)
	case "nodes":
		if len(parts) < 3 {
			return nil, fmt.Errorf("%w: %q", ErrBindingSyntax, source)
		}
		nodeID, key := parts[1], parts[2]
		out, ok := outputs[nodeID]
		if !ok {
			return nil, fmt.Errorf("%w: node %s has no recorded output", ErrUnresolved, nodeID)
		}
		v, err := resolvePath(out, key, false)
		if err != nil {
			return nil, err
		}
		return v, nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrBindingSyntax, source)
	}
}

// resolvePath walks a dotted path into data using gjson. If allowMissing is
// true, a missing path yields (nil, nil); otherwise it yields ErrUnresolved.
func resolvePath(data map[string]any, path string, allowMissing bool) (any, error) {
	raw, err := json.Marshal(data)
	if err != nil {
		return nil, fmt.Errorf("expr: marshal source data: %w", err)
	}
	if path == "" {
		var v any
		if err := json.Unmarshal(raw, &v); err != nil {
			return nil, err
		}
		return v, nil
	}
	result := gjson.GetBytes(raw, path)
	if !result.Exists() {
		if allowMissing {
			return nil, nil
		}
		return nil, fmt.Errorf("%w: path %q", ErrUnresolved, path)
	}
	return result.Value(), nil
}

// EvalKeyExpression evaluates a concurrency scope-key dotted path against
// the trigger payload. A missing path yields an empty string (caller
// treats that as the flow-level scope).
func EvalKeyExpression(keyExpression string, triggerPayload map[string]any) string {
	if keyExpression == "" {
		return ""
	}
	raw, err := json.Marshal(triggerPayload)
	if err != nil {
		return ""
	}
	result := gjson.GetBytes(raw, keyExpression)
	if !result.Exists() {
		return ""
	}
	return result.String()
}
