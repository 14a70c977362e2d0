// Package constellation implements the live task DAG: nodes (task stars),
// conditional dependency edges (star lines), and the transactional edit API
// that keeps the graph's invariants intact under concurrent orchestration.
package constellation

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/galaxy-org/galaxy/internal/common/logger"
	"github.com/galaxy-org/galaxy/internal/common/logger/tag"
	"github.com/galaxy-org/galaxy/internal/core"
)

// Publisher is the sink for events emitted on committed mutations.
// The event bus satisfies this; a nil publisher disables emission.
type Publisher interface {
	Publish(event core.Event)
}

// Constellation is the container for the task graph of one user request.
// All mutations go through Batch; reads take a shared lock and return copies.
type Constellation struct {
	id  string
	bus Publisher

	mu       sync.RWMutex
	nodes    map[string]*TaskStar
	edges    map[TaskStarLine]struct{}
	order    []string // node ids in creation order, for deterministic iteration
	revision uint64
	state    core.ConstellationState
}

// New creates an empty constellation in draft state.
func New(id string, bus Publisher) *Constellation {
	return &Constellation{
		id:    id,
		bus:   bus,
		nodes: make(map[string]*TaskStar),
		edges: make(map[TaskStarLine]struct{}),
		state: core.StateDraft,
	}
}

// ID returns the constellation identifier.
func (c *Constellation) ID() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.id
}

// Revision returns the number of committed mutation batches.
func (c *Constellation) Revision() uint64 {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.revision
}

// State returns the constellation lifecycle state.
func (c *Constellation) State() core.ConstellationState {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.state
}

// stateTransitions is the permitted constellation lifecycle.
var stateTransitions = map[core.ConstellationState][]core.ConstellationState{
	core.StateDraft:     {core.StateExecuting, core.StateFailed, core.StateCancelled},
	core.StateExecuting: {core.StateCompleted, core.StateFailed, core.StateCancelled},
}

// SetState transitions the constellation lifecycle state and emits the
// matching constellation event.
func (c *Constellation) SetState(ctx context.Context, to core.ConstellationState, reason string) error {
	c.mu.Lock()
	from := c.state
	legal := false
	for _, next := range stateTransitions[from] {
		if next == to {
			legal = true
			break
		}
	}
	if !legal {
		c.mu.Unlock()
		return fmt.Errorf("%w: constellation %s -> %s", ErrIllegalTransition, from, to)
	}
	c.state = to
	rev := c.revision
	c.mu.Unlock()

	logger.Info(ctx, "Constellation state changed",
		tag.Constellation, c.id, tag.Status, string(to), tag.Reason, reason)

	c.emit(stateEventKind(to), rev, to, reason)
	return nil
}

func stateEventKind(s core.ConstellationState) core.EventKind {
	switch s {
	case core.StateCompleted:
		return core.EventConstellationCompleted
	case core.StateFailed, core.StateCancelled:
		return core.EventConstellationFailed
	default:
		return core.EventConstellationUpdated
	}
}

// Node returns a copy of the node with the given id.
func (c *Constellation) Node(id string) (TaskStar, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	node, ok := c.nodes[id]
	if !ok {
		return TaskStar{}, false
	}
	return *node.clone(), true
}

// ReadyNodes returns copies of all nodes in ready status, in creation order.
func (c *Constellation) ReadyNodes() []TaskStar {
	c.mu.RLock()
	defer c.mu.RUnlock()
	var ready []TaskStar
	for _, id := range c.order {
		if node := c.nodes[id]; node.Status == core.StatusReady {
			ready = append(ready, *node.clone())
		}
	}
	return ready
}

// Batch runs fn against a staged copy of the graph and commits the result
// atomically. If fn returns an error, or the staged graph violates an
// invariant, nothing is applied. On success the revision increments and a
// constellation_updated event is emitted.
func (c *Constellation) Batch(ctx context.Context, fn func(*Txn) error) error {
	c.mu.Lock()

	txn := c.stage()
	if err := fn(txn); err != nil {
		c.mu.Unlock()
		return err
	}

	if err := txn.validate(); err != nil {
		c.mu.Unlock()
		logger.Warn(ctx, "Batch rolled back", tag.Constellation, c.id, tag.Error, err)
		return err
	}

	txn.settle()

	c.nodes = txn.nodes
	c.edges = txn.edges
	c.order = txn.order
	c.revision++
	rev := c.revision
	state := c.state
	c.mu.Unlock()

	logger.Debug(ctx, "Batch committed", tag.Constellation, c.id, tag.Revision, rev)
	c.emit(core.EventConstellationUpdated, rev, state, "")
	return nil
}

// stage deep-copies the graph into a new transaction. Caller holds the lock.
func (c *Constellation) stage() *Txn {
	nodes := make(map[string]*TaskStar, len(c.nodes))
	for id, node := range c.nodes {
		nodes[id] = node.clone()
	}
	edges := make(map[TaskStarLine]struct{}, len(c.edges))
	for edge := range c.edges {
		edges[edge] = struct{}{}
	}
	order := append([]string(nil), c.order...)
	return &Txn{nodes: nodes, edges: edges, order: order}
}

func (c *Constellation) emit(kind core.EventKind, revision uint64, state core.ConstellationState, reason string) {
	if c.bus == nil {
		return
	}
	c.bus.Publish(core.ConstellationEvent{
		EventKind:       kind,
		At:              time.Now(),
		SourceID:        c.id,
		ConstellationID: c.id,
		Revision:        revision,
		State:           state,
		Reason:          reason,
	})
}
