package constellation

import (
	"fmt"

	"github.com/galaxy-org/galaxy/internal/core"
)

// ApplyPlan merges a planner-produced graph description into the staged
// graph. Matching is by node id: surviving nodes keep their runtime state
// (status, attempt, result, error, timestamps, assignment) and take the
// planner-supplied fields; new nodes are created pending; nodes absent from
// the spec are removed. Removing a running node is rejected, which rolls the
// whole batch back.
func (t *Txn) ApplyPlan(spec PlanSpec) error {
	keep := make(map[string]struct{}, len(spec.Nodes))

	for _, nodeSpec := range spec.Nodes {
		if nodeSpec.ID == "" {
			return fmt.Errorf("%w: plan node without id", ErrInvalidSpec)
		}
		keep[nodeSpec.ID] = struct{}{}

		if existing, ok := t.nodes[nodeSpec.ID]; ok {
			// Surviving node: only planner-owned fields may change.
			existing.Intent = nodeSpec.Intent
			existing.Binding = nodeSpec.Binding
			if nodeSpec.MaxAttempts > 0 {
				existing.MaxAttempts = nodeSpec.MaxAttempts
			}
			if nodeSpec.TimeoutMS > 0 {
				existing.TimeoutMS = nodeSpec.TimeoutMS
			}
			if nodeSpec.Payload != nil {
				existing.Payload = nodeSpec.Payload
			}
			continue
		}

		if _, err := t.CreateNode(nodeSpec); err != nil {
			return err
		}
	}

	// Remove nodes the planner dropped.
	for _, id := range append([]string(nil), t.order...) {
		if _, ok := keep[id]; ok {
			continue
		}
		node := t.nodes[id]
		if node.Status == core.StatusRunning {
			return &InvariantViolationError{Which: ViolationRunningRemoved, Detail: id}
		}
		if err := t.RemoveNode(id); err != nil {
			return err
		}
	}

	// Replace the edge set wholesale; commit-time validation checks the
	// resulting graph for cycles and dangling references.
	t.edges = make(map[TaskStarLine]struct{}, len(spec.Edges))
	for _, edgeSpec := range spec.Edges {
		cond := edgeSpec.Condition
		if cond == "" {
			cond = core.CondOnSuccess
		}
		if _, ok := t.nodes[edgeSpec.From]; !ok {
			return fmt.Errorf("%w: %s", ErrMissingNode, edgeSpec.From)
		}
		if _, ok := t.nodes[edgeSpec.To]; !ok {
			return fmt.Errorf("%w: %s", ErrMissingNode, edgeSpec.To)
		}
		edge := TaskStarLine{From: edgeSpec.From, To: edgeSpec.To, Condition: cond}
		if _, dup := t.edges[edge]; dup {
			return fmt.Errorf("%w: edge %s -> %s", ErrDuplicate, edge.From, edge.To)
		}
		t.edges[edge] = struct{}{}
	}

	return nil
}
