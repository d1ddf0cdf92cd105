package flow

import (
	"fmt"
	"sort"
)

// HandlerLookup is the minimal view of the Handler Registry (C6) the DAG
// parser needs. Satisfied structurally by *handler.Registry without flow
// importing the handler package (handler already imports flow).
type HandlerLookup interface {
	Has(nodeType string) bool
	ValidateNodeConfig(nodeType string, config map[string]any) error
}

// ParseDefinition validates a FlowDefinition against the registry and
// produces a DAG, or returns a *Error with Code=PARSE_ERROR carrying the
// first offending element. Validation short-circuits on first failure.
func ParseDefinition(def FlowDefinition, registry HandlerLookup) (*DAG, error) {
	if err := checkUniqueNonEmptyIDs(def.Nodes); err != nil {
		return nil, err
	}

	nodesByID := make(map[string]Node, len(def.Nodes))
	for _, n := range def.Nodes {
		nodesByID[n.ID] = n
	}

	if err := checkEdgeEndpoints(def.Edges, nodesByID); err != nil {
		return nil, err
	}

	if err := checkNodeTypesRegistered(def.Nodes, registry); err != nil {
		return nil, err
	}

	if err := checkHandlerConfigs(def.Nodes, registry); err != nil {
		return nil, err
	}

	deps, dependents := buildDepsMaps(def.Nodes, def.Edges)

	layer, err := topologicalLayers(nodesByID, deps)
	if err != nil {
		return nil, err
	}

	dag := &DAG{
		FlowID:     def.FlowID,
		Nodes:      nodesByID,
		Edges:      def.Edges,
		Deps:       deps,
		Dependents: dependents,
		Roots:      rootsOf(nodesByID, deps),
		Leaves:     leavesOf(nodesByID, dependents),
		Layer:      layer,
	}

	if err := checkBindingSources(def.Nodes, dag); err != nil {
		return nil, err
	}

	return dag, nil
}

func checkUniqueNonEmptyIDs(nodes []Node) error {
	seen := make(map[string]struct{}, len(nodes))
	for _, n := range nodes {
		if n.ID == "" {
			return &Error{Code: ErrCodeParseError, Message: "node id must not be empty", Field: ErrCodeDuplicateID}
		}
		if _, dup := seen[n.ID]; dup {
			return &Error{Code: ErrCodeParseError, Message: "duplicate node id: " + n.ID, NodeID: n.ID, Field: ErrCodeDuplicateID}
		}
		seen[n.ID] = struct{}{}
	}
	return nil
}

func checkEdgeEndpoints(edges []Edge, nodesByID map[string]Node) error {
	for _, e := range edges {
		if _, ok := nodesByID[e.SourceNodeID]; !ok {
			return &Error{Code: ErrCodeParseError, Message: "edge source does not exist: " + e.SourceNodeID, Field: ErrCodeUnknownEdgeEndpoint}
		}
		if _, ok := nodesByID[e.TargetNodeID]; !ok {
			return &Error{Code: ErrCodeParseError, Message: "edge target does not exist: " + e.TargetNodeID, Field: ErrCodeUnknownEdgeEndpoint}
		}
	}
	return nil
}

func checkNodeTypesRegistered(nodes []Node, registry HandlerLookup) error {
	if registry == nil {
		return nil
	}
	for _, n := range nodes {
		if !registry.Has(n.Type) {
			return &Error{Code: ErrCodeParseError, Message: "unregistered node type: " + n.Type, NodeID: n.ID, Field: ErrCodeUnknownNodeType}
		}
	}
	return nil
}

func checkHandlerConfigs(nodes []Node, registry HandlerLookup) error {
	if registry == nil {
		return nil
	}
	for _, n := range nodes {
		if err := registry.ValidateNodeConfig(n.Type, n.Config); err != nil {
			return &Error{Code: ErrCodeParseError, Message: "handler rejected config: " + err.Error(), NodeID: n.ID, Field: ErrCodeHandlerConfigReject, Cause: err}
		}
	}
	return nil
}

func buildDepsMaps(nodes []Node, edges []Edge) (deps, dependents map[string]map[string]struct{}) {
	deps = make(map[string]map[string]struct{}, len(nodes))
	dependents = make(map[string]map[string]struct{}, len(nodes))
	for _, n := range nodes {
		deps[n.ID] = make(map[string]struct{})
		dependents[n.ID] = make(map[string]struct{})
	}
	for _, e := range edges {
		deps[e.TargetNodeID][e.SourceNodeID] = struct{}{}
		dependents[e.SourceNodeID][e.TargetNodeID] = struct{}{}
	}
	return deps, dependents
}

func rootsOf(nodes map[string]Node, deps map[string]map[string]struct{}) map[string]struct{} {
	roots := make(map[string]struct{})
	for id := range nodes {
		if len(deps[id]) == 0 {
			roots[id] = struct{}{}
		}
	}
	return roots
}

func leavesOf(nodes map[string]Node, dependents map[string]map[string]struct{}) map[string]struct{} {
	leaves := make(map[string]struct{})
	for id := range nodes {
		if len(dependents[id]) == 0 {
			leaves[id] = struct{}{}
		}
	}
	return leaves
}

// topologicalLayers runs iterative Kahn's algorithm, assigning each node a
// layer index equal to the longest path from any root to it. If the
// algorithm cannot drain all nodes, a cycle exists; one offending node id
// (the first remaining in sorted order) is reported.
func topologicalLayers(nodes map[string]Node, deps map[string]map[string]struct{}) (map[string]int, error) {
	indegree := make(map[string]int, len(nodes))
	for id := range nodes {
		indegree[id] = len(deps[id])
	}

	layer := make(map[string]int, len(nodes))
	var frontier []string
	for id, d := range indegree {
		if d == 0 {
			frontier = append(frontier, id)
			layer[id] = 0
		}
	}
	sort.Strings(frontier)

	dependentsOf := make(map[string][]string, len(nodes))
	for id := range nodes {
		for dep := range deps[id] {
			dependentsOf[dep] = append(dependentsOf[dep], id)
		}
	}

	drained := 0
	for len(frontier) > 0 {
		next := frontier[0]
		frontier = frontier[1:]
		drained++

		successors := append([]string(nil), dependentsOf[next]...)
		sort.Strings(successors)
		for _, succ := range successors {
			if l := layer[next] + 1; l > layer[succ] {
				layer[succ] = l
			}
			indegree[succ]--
			if indegree[succ] == 0 {
				frontier = append(frontier, succ)
			}
		}
		sort.Strings(frontier)
	}

	if drained != len(nodes) {
		var remaining []string
		for id, d := range indegree {
			if d > 0 {
				remaining = append(remaining, id)
			}
		}
		sort.Strings(remaining)
		first := ""
		if len(remaining) > 0 {
			first = remaining[0]
		}
		return nil, &Error{Code: ErrCodeParseError, Message: "cycle detected involving node: " + first, NodeID: first, Field: ErrCodeCycle}
	}

	return layer, nil
}

// checkBindingSources validates that each inputBinding targets trigger.*
// or nodes.<id>.<key> where <id> is a transitive upstream of the
// binding's owner.
func checkBindingSources(nodes []Node, dag *DAG) error {
	for _, n := range nodes {
		upstream := transitiveUpstream(n.ID, dag.Deps)
		for inputName, source := range n.InputBindings {
			owner, refID, err := parseBindingSource(source)
			if err != nil {
				return &Error{Code: ErrCodeParseError, Message: fmt.Sprintf("binding %q on node %s: %v", inputName, n.ID, err), NodeID: n.ID, Field: ErrCodeInvalidBinding}
			}
			if owner == "trigger" {
				continue
			}
			if _, ok := upstream[refID]; !ok {
				return &Error{Code: ErrCodeParseError, Message: fmt.Sprintf("binding %q on node %s references non-upstream node %s", inputName, n.ID, refID), NodeID: n.ID, Field: ErrCodeInvalidBinding}
			}
		}
	}
	return nil
}

func transitiveUpstream(nodeID string, deps map[string]map[string]struct{}) map[string]struct{} {
	visited := make(map[string]struct{})
	var visit func(id string)
	visit = func(id string) {
		for dep := range deps[id] {
			if _, seen := visited[dep]; seen {
				continue
			}
			visited[dep] = struct{}{}
			visit(dep)
		}
	}
	visit(nodeID)
	return visited
}
