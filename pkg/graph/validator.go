// Package graph validates workflow graphs before they are activated.
package graph

import (
	"fmt"
	"sort"
	"strings"

	"github.com/dukex/runbook/pkg/models"
)

// ViolationKind tells callers which structural rule a graph broke.
type ViolationKind string

const (
	ViolationNone  ViolationKind = ""
	ViolationMerge ViolationKind = "merge"
	ViolationCycle ViolationKind = "cycle"
)

// Result is the outcome of validating a graph. Failures are reported here, never panicked.
type Result struct {
	Valid  bool          `json:"is_valid"`
	Error  string        `json:"error,omitempty"`
	Kind   ViolationKind `json:"violation_kind,omitempty"`
	NodeID string        `json:"node_id,omitempty"`
}

// ValidationError is the error form of a failed Result.
type ValidationError struct {
	Kind    ViolationKind
	NodeID  string
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid workflow graph (%s): %s", e.Kind, e.Message)
}

// Err returns nil for a valid result and a *ValidationError otherwise.
func (r Result) Err() error {
	if r.Valid {
		return nil
	}

	return &ValidationError{Kind: r.Kind, NodeID: r.NodeID, Message: r.Error}
}

// Validate checks that the graph is fan-in-free and acyclic. When pending is non-nil it is
// checked as if it were already part of edges; neither input is modified.
func Validate(nodes []*models.WorkflowNode, edges []*models.Connection, pending *models.Connection) Result {
	all := edges
	if pending != nil {
		all = make([]*models.Connection, 0, len(edges)+1)
		all = append(all, edges...)
		all = append(all, pending)
	}

	if result := checkMerge(all); !result.Valid {
		return result
	}

	return checkCycle(nodes, all)
}

// ValidateWorkflow validates the workflow's own nodes and connections.
func ValidateWorkflow(workflow *models.Workflow) Result {
	return Validate(workflow.Nodes, workflow.Connections, nil)
}

func checkMerge(edges []*models.Connection) Result {
	sources := make(map[string]map[string]struct{})
	order := make([]string, 0)

	for _, edge := range edges {
		if edge == nil {
			continue
		}

		set, ok := sources[edge.TargetNodeID]
		if !ok {
			set = make(map[string]struct{})
			sources[edge.TargetNodeID] = set
			order = append(order, edge.TargetNodeID)
		}

		set[edge.SourceNodeID] = struct{}{}
	}

	for _, target := range order {
		set := sources[target]
		if len(set) < 2 {
			continue
		}

		names := make([]string, 0, len(set))
		for source := range set {
			names = append(names, source)
		}

		sort.Strings(names)

		return Result{
			Kind:   ViolationMerge,
			NodeID: target,
			Error: fmt.Sprintf(
				"node %q receives connections from %d nodes (%s); branches may split but never merge",
				target, len(set), strings.Join(names, ", "),
			),
		}
	}

	return Result{Valid: true}
}

func checkCycle(nodes []*models.WorkflowNode, edges []*models.Connection) Result {
	adjacency := make(map[string][]string)
	order := make([]string, 0, len(nodes))
	seen := make(map[string]bool)

	addNode := func(id string) {
		if !seen[id] {
			seen[id] = true
			order = append(order, id)
		}
	}

	for _, node := range nodes {
		if node != nil {
			addNode(node.ID)
		}
	}

	for _, edge := range edges {
		if edge == nil {
			continue
		}

		addNode(edge.SourceNodeID)
		addNode(edge.TargetNodeID)
		adjacency[edge.SourceNodeID] = append(adjacency[edge.SourceNodeID], edge.TargetNodeID)
	}

	visited := make(map[string]bool, len(order))
	onStack := make(map[string]bool)

	var from, to string

	var visit func(id string) bool
	visit = func(id string) bool {
		visited[id] = true
		onStack[id] = true

		for _, next := range adjacency[id] {
			if onStack[next] {
				from, to = id, next

				return true
			}

			if !visited[next] && visit(next) {
				return true
			}
		}

		onStack[id] = false

		return false
	}

	for _, id := range order {
		if visited[id] {
			continue
		}

		if visit(id) {
			return Result{
				Kind:   ViolationCycle,
				NodeID: to,
				Error:  fmt.Sprintf("connection from %q to %q creates a cycle", from, to),
			}
		}
	}

	return Result{Valid: true}
}
