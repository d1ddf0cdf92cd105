package flow

import (
	"fmt"
	"strings"
)

// ParseBindingSource splits a source expression of the form "trigger.<path>"
// or "nodes.<id>.<outputKey>" into its owner ("trigger" or "nodes") and the
// referenced id (empty for trigger bindings). It does not evaluate the
// expression — see package flow/expr for that.
func ParseBindingSource(source string) (owner string, refID string, err error) {
	return parseBindingSource(source)
}

// parseBindingSource is the unexported implementation shared by the DAG
// parser (validation only) and ParseBindingSource (runtime resolution).
func parseBindingSource(source string) (owner string, refID string, err error) {
	if source == "" {
		return "", "", fmt.Errorf("empty binding expression")
	}
	parts := strings.SplitN(source, ".", 3)
	switch parts[0] {
	case "trigger":
		return "trigger", "", nil
	case "nodes":
		if len(parts) < 3 {
			return "", "", fmt.Errorf("malformed nodes binding %q: expected nodes.<id>.<key>", source)
		}
		return "nodes", parts[1], nil
	default:
		return "", "", fmt.Errorf("binding must start with \"trigger.\" or \"nodes.\", got %q", source)
	}
}
