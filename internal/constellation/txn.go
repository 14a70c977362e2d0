package constellation

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/galaxy-org/galaxy/internal/core"
	"github.com/google/uuid"
)

// Txn is the mutable handle passed to Batch. All operations stage changes
// against a private copy of the graph; nothing is visible until commit.
type Txn struct {
	nodes map[string]*TaskStar
	edges map[TaskStarLine]struct{}
	order []string
}

// Node returns the staged node with the given id. The returned pointer is the
// staged copy; mutating it directly bypasses transition checks, so callers
// should use the Txn operations instead.
func (t *Txn) Node(id string) (*TaskStar, bool) {
	node, ok := t.nodes[id]
	return node, ok
}

// CreateNode stages a new task star and returns its id.
func (t *Txn) CreateNode(spec NodeSpec) (string, error) {
	if spec.Binding.IsZero() && spec.Kind != core.KindSentinel {
		return "", fmt.Errorf("%w: empty device binding", ErrInvalidSpec)
	}
	maxAttempts := spec.MaxAttempts
	if maxAttempts == 0 {
		maxAttempts = 1
	}
	if maxAttempts < 1 {
		return "", fmt.Errorf("%w: max_attempts must be >= 1", ErrInvalidSpec)
	}

	id := spec.ID
	if id == "" {
		uid, err := uuid.NewV7()
		if err != nil {
			return "", fmt.Errorf("failed to generate node id: %w", err)
		}
		id = uid.String()
	}
	if _, exists := t.nodes[id]; exists {
		return "", fmt.Errorf("%w: node %s", ErrDuplicate, id)
	}

	kind := spec.Kind
	if kind == "" {
		kind = core.KindTask
	}

	t.nodes[id] = &TaskStar{
		ID:          id,
		Intent:      spec.Intent,
		Kind:        kind,
		Binding:     spec.Binding,
		Status:      core.StatusPending,
		MaxAttempts: maxAttempts,
		TimeoutMS:   spec.TimeoutMS,
		Payload:     spec.Payload,
		CreatedAt:   time.Now(),
	}
	t.order = append(t.order, id)
	return id, nil
}

// CreateEdge stages a new dependency edge.
func (t *Txn) CreateEdge(from, to string, cond core.EdgeCondition) error {
	if _, ok := t.nodes[from]; !ok {
		return fmt.Errorf("%w: %s", ErrMissingNode, from)
	}
	if _, ok := t.nodes[to]; !ok {
		return fmt.Errorf("%w: %s", ErrMissingNode, to)
	}
	if cond == "" {
		cond = core.CondOnSuccess
	}
	edge := TaskStarLine{From: from, To: to, Condition: cond}
	if _, exists := t.edges[edge]; exists {
		return fmt.Errorf("%w: edge %s -> %s", ErrDuplicate, from, to)
	}
	t.edges[edge] = struct{}{}
	if t.hasCycle() {
		delete(t.edges, edge)
		return fmt.Errorf("%w: edge %s -> %s", ErrCycle, from, to)
	}
	return nil
}

// RemoveNode stages removal of a node and all edges touching it.
// Removing a running node is rejected; it must be cancelled first.
func (t *Txn) RemoveNode(id string) error {
	node, ok := t.nodes[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrMissingNode, id)
	}
	if node.Status == core.StatusRunning {
		return &InvariantViolationError{Which: ViolationRunningRemoved, Detail: id}
	}
	delete(t.nodes, id)
	for edge := range t.edges {
		if edge.From == id || edge.To == id {
			delete(t.edges, edge)
		}
	}
	for i, ordered := range t.order {
		if ordered == id {
			t.order = append(t.order[:i], t.order[i+1:]...)
			break
		}
	}
	return nil
}

// RemoveEdge stages removal of an edge.
func (t *Txn) RemoveEdge(edge TaskStarLine) error {
	if _, exists := t.edges[edge]; !exists {
		return fmt.Errorf("%w: edge %s -> %s", ErrMissingNode, edge.From, edge.To)
	}
	delete(t.edges, edge)
	return nil
}

// UpdateStatus stages a status transition per the lattice. Transitions into
// running must use MarkRunning; failed -> pending must use Retry.
func (t *Txn) UpdateStatus(id string, to core.Status, result json.RawMessage, errRec *core.ErrorRecord) error {
	node, ok := t.nodes[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrMissingNode, id)
	}
	if to == core.StatusRunning || to == core.StatusPending {
		return fmt.Errorf("%w: %s -> %s requires MarkRunning or Retry", ErrIllegalTransition, node.Status, to)
	}
	if !core.CanTransition(node.Status, to) {
		return fmt.Errorf("%w: node %s: %s -> %s", ErrIllegalTransition, id, node.Status, to)
	}

	node.Status = to
	switch to {
	case core.StatusCompleted:
		node.Result = result
		node.AssignedDeviceID = ""
		node.FinishedAt = time.Now()
	case core.StatusFailed:
		node.Err = errRec
		node.AssignedDeviceID = ""
		node.FinishedAt = time.Now()
	case core.StatusCancelled, core.StatusSkipped:
		node.AssignedDeviceID = ""
		node.FinishedAt = time.Now()
	}
	return nil
}

// MarkRunning stages the ready -> running transition and binds the device.
func (t *Txn) MarkRunning(id, deviceID string) error {
	node, ok := t.nodes[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrMissingNode, id)
	}
	if node.Status != core.StatusReady {
		return fmt.Errorf("%w: node %s: %s -> running", ErrIllegalTransition, id, node.Status)
	}
	if deviceID == "" {
		return fmt.Errorf("%w: running node requires a device", ErrInvalidSpec)
	}
	node.Status = core.StatusRunning
	node.AssignedDeviceID = deviceID
	node.StartedAt = time.Now()
	return nil
}

// UnmarkRunning reverts a running node back to ready. This is the dispatch
// rollback path: the node was marked running but the device refused the task.
func (t *Txn) UnmarkRunning(id string) error {
	node, ok := t.nodes[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrMissingNode, id)
	}
	if node.Status != core.StatusRunning {
		return fmt.Errorf("%w: node %s: %s -> ready", ErrIllegalTransition, id, node.Status)
	}
	node.Status = core.StatusReady
	node.AssignedDeviceID = ""
	node.StartedAt = time.Time{}
	return nil
}

// Retry stages the failed -> pending transition, consuming retry budget.
func (t *Txn) Retry(id string) error {
	node, ok := t.nodes[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrMissingNode, id)
	}
	if node.Status != core.StatusFailed {
		return fmt.Errorf("%w: node %s: %s -> pending", ErrIllegalTransition, id, node.Status)
	}
	if !node.CanRetry() {
		return fmt.Errorf("%w: node %s: retry budget exhausted (attempt %d of %d)",
			ErrIllegalTransition, id, node.Attempt, node.MaxAttempts)
	}
	node.Status = core.StatusPending
	node.Attempt++
	node.Result = nil
	node.Err = nil
	node.AssignedDeviceID = ""
	node.StartedAt = time.Time{}
	node.FinishedAt = time.Time{}
	return nil
}

// validate checks the staged graph against the commit-time invariants.
func (t *Txn) validate() error {
	// Referential integrity: every edge endpoint exists.
	for edge := range t.edges {
		if _, ok := t.nodes[edge.From]; !ok {
			return &InvariantViolationError{Which: ViolationReferential, Detail: edge.From}
		}
		if _, ok := t.nodes[edge.To]; !ok {
			return &InvariantViolationError{Which: ViolationReferential, Detail: edge.To}
		}
	}

	if t.hasCycle() {
		return &InvariantViolationError{Which: ViolationAcyclicity}
	}

	// Single assignment: a device carries at most one running task.
	assigned := make(map[string]string)
	for id, node := range t.nodes {
		if node.Status != core.StatusRunning {
			continue
		}
		if node.AssignedDeviceID == "" {
			return &InvariantViolationError{Which: ViolationAssignment, Detail: "running node " + id + " has no device"}
		}
		if other, dup := assigned[node.AssignedDeviceID]; dup {
			return &InvariantViolationError{
				Which:  ViolationAssignment,
				Detail: fmt.Sprintf("device %s assigned to %s and %s", node.AssignedDeviceID, other, id),
			}
		}
		assigned[node.AssignedDeviceID] = id
	}
	return nil
}

// hasCycle checks for cycles using Kahn's algorithm.
func (t *Txn) hasCycle() bool {
	inDegrees := make(map[string]int, len(t.nodes))
	for id := range t.nodes {
		inDegrees[id] = 0
	}
	for edge := range t.edges {
		inDegrees[edge.To]++
	}

	var queue []string
	for id, deg := range inDegrees {
		if deg == 0 {
			queue = append(queue, id)
		}
	}

	processed := 0
	for len(queue) > 0 {
		u := queue[0]
		queue = queue[1:]
		processed++

		for edge := range t.edges {
			if edge.From != u {
				continue
			}
			inDegrees[edge.To]--
			if inDegrees[edge.To] == 0 {
				queue = append(queue, edge.To)
			}
		}
	}

	return processed != len(t.nodes)
}

// settle recomputes readiness to a fixpoint: pending nodes whose every
// incoming edge has released become ready; pending nodes with an edge that can
// never release become skipped; sentinel nodes complete as soon as they are
// released, since they carry no execution.
func (t *Txn) settle() {
	incoming := make(map[string][]TaskStarLine, len(t.nodes))
	for edge := range t.edges {
		incoming[edge.To] = append(incoming[edge.To], edge)
	}

	for changed := true; changed; {
		changed = false
		for _, id := range t.order {
			node := t.nodes[id]
			if node.Status != core.StatusPending {
				continue
			}

			released, dead := t.evalEdges(incoming[id])
			switch {
			case dead:
				node.Status = core.StatusSkipped
				node.FinishedAt = time.Now()
				changed = true
			case released:
				if node.Kind == core.KindSentinel {
					node.Status = core.StatusCompleted
					node.FinishedAt = time.Now()
				} else {
					node.Status = core.StatusReady
				}
				changed = true
			}
		}
	}
}

// evalEdges reports whether all incoming edges have released, and whether any
// edge is dead (its upstream has settled in a state that can never satisfy
// the condition).
func (t *Txn) evalEdges(edges []TaskStarLine) (allReleased, anyDead bool) {
	allReleased = true
	for _, edge := range edges {
		upstream := t.nodes[edge.From]
		if releasesEdge(edge.Condition, upstream) {
			continue
		}
		allReleased = false
		if settledUpstream(upstream) {
			anyDead = true
		}
	}
	return allReleased, anyDead
}

// releasesEdge applies the readiness predicate. A failed upstream with retry
// budget left counts as still in flight, not as failed.
func releasesEdge(cond core.EdgeCondition, upstream *TaskStar) bool {
	status := upstream.Status
	if status == core.StatusFailed && upstream.CanRetry() {
		return false
	}
	return cond.Releases(status)
}

// settledUpstream reports whether the upstream can never change status again.
func settledUpstream(upstream *TaskStar) bool {
	switch upstream.Status {
	case core.StatusCompleted, core.StatusSkipped, core.StatusCancelled:
		return true
	case core.StatusFailed:
		return !upstream.CanRetry()
	default:
		return false
	}
}
