package constellation

import (
	"time"

	"github.com/galaxy-org/galaxy/internal/core"
)

// Snapshot is an immutable, structurally independent view of the graph at a
// point in time. It is safe to hand to the planner or serialize to JSON while
// the live constellation keeps mutating.
type Snapshot struct {
	ID       string                  `json:"constellation_id"`
	Revision uint64                  `json:"revision"`
	State    core.ConstellationState `json:"state"`
	Nodes    []TaskStar              `json:"nodes"`
	Edges    []TaskStarLine          `json:"edges"`
	TakenAt  time.Time               `json:"taken_at"`
}

// Snapshot produces an immutable view of the current graph.
func (c *Constellation) Snapshot() *Snapshot {
	c.mu.RLock()
	defer c.mu.RUnlock()

	snap := &Snapshot{
		ID:       c.id,
		Revision: c.revision,
		State:    c.state,
		Nodes:    make([]TaskStar, 0, len(c.nodes)),
		Edges:    make([]TaskStarLine, 0, len(c.edges)),
		TakenAt:  time.Now(),
	}
	for _, id := range c.order {
		snap.Nodes = append(snap.Nodes, *c.nodes[id].clone())
	}
	for edge := range c.edges {
		snap.Edges = append(snap.Edges, edge)
	}
	return snap
}

// Node returns the snapshot node with the given id.
func (s *Snapshot) Node(id string) (TaskStar, bool) {
	for _, node := range s.Nodes {
		if node.ID == id {
			return node, true
		}
	}
	return TaskStar{}, false
}

// Incoming returns the edges ending at the given node.
func (s *Snapshot) Incoming(id string) []TaskStarLine {
	var edges []TaskStarLine
	for _, edge := range s.Edges {
		if edge.To == id {
			edges = append(edges, edge)
		}
	}
	return edges
}

// Outgoing returns the edges starting at the given node.
func (s *Snapshot) Outgoing(id string) []TaskStarLine {
	var edges []TaskStarLine
	for _, edge := range s.Edges {
		if edge.From == id {
			edges = append(edges, edge)
		}
	}
	return edges
}

// AllTerminal reports whether every node has reached a terminal status.
func (s *Snapshot) AllTerminal() bool {
	for _, node := range s.Nodes {
		if !node.Status.IsTerminal() {
			return false
		}
	}
	return true
}

// HasFailed reports whether any node failed with no retry budget left.
func (s *Snapshot) HasFailed() bool {
	for _, node := range s.Nodes {
		if node.FinalFailed() {
			return true
		}
	}
	return false
}

// CountByStatus returns the number of nodes per status.
func (s *Snapshot) CountByStatus() map[core.Status]int {
	counts := make(map[core.Status]int)
	for _, node := range s.Nodes {
		counts[node.Status]++
	}
	return counts
}

// HasWork reports whether any node is ready or running.
func (s *Snapshot) HasWork() bool {
	for _, node := range s.Nodes {
		if node.Status == core.StatusReady || node.Status == core.StatusRunning {
			return true
		}
	}
	return false
}

// Equal reports structural equality of the two snapshots, ignoring revision
// and capture time.
func (s *Snapshot) Equal(other *Snapshot) bool {
	if len(s.Nodes) != len(other.Nodes) || len(s.Edges) != len(other.Edges) {
		return false
	}
	for _, node := range s.Nodes {
		peer, ok := other.Node(node.ID)
		if !ok {
			return false
		}
		if node.Intent != peer.Intent || node.Status != peer.Status ||
			node.Attempt != peer.Attempt || node.Kind != peer.Kind {
			return false
		}
	}
	edges := make(map[TaskStarLine]struct{}, len(s.Edges))
	for _, edge := range s.Edges {
		edges[edge] = struct{}{}
	}
	for _, edge := range other.Edges {
		if _, ok := edges[edge]; !ok {
			return false
		}
	}
	return true
}
