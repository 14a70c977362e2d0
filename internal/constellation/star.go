package constellation

import (
	"encoding/json"
	"time"

	"github.com/galaxy-org/galaxy/internal/core"
)

// TaskStar is a single node of the constellation: one unit of work bound to a
// device (or to a capability predicate selecting one).
type TaskStar struct {
	ID          string             `json:"id"`
	Intent      string             `json:"intent"`
	Kind        core.NodeKind      `json:"kind"`
	Binding     core.DeviceBinding `json:"device_binding"`
	Status      core.Status        `json:"status"`
	Attempt     int                `json:"attempt"`
	MaxAttempts int                `json:"max_attempts"`
	TimeoutMS   int64              `json:"timeout_ms,omitempty"`
	Payload     json.RawMessage    `json:"payload,omitempty"`
	Result      json.RawMessage    `json:"result,omitempty"`
	Err         *core.ErrorRecord  `json:"error,omitempty"`

	AssignedDeviceID string `json:"assigned_device_id,omitempty"`

	CreatedAt  time.Time `json:"created_at"`
	StartedAt  time.Time `json:"started_at,omitzero"`
	FinishedAt time.Time `json:"finished_at,omitzero"`
}

// CanRetry reports whether a failed star has retry budget left.
func (s *TaskStar) CanRetry() bool {
	return s.Attempt+1 < s.MaxAttempts
}

// FinalFailed reports whether the star is failed with no retry budget left.
// A failed star that can still be retried is not considered final: edges
// conditioned on its outcome must not release until the budget is spent.
func (s *TaskStar) FinalFailed() bool {
	return s.Status == core.StatusFailed && !s.CanRetry()
}

func (s *TaskStar) clone() *TaskStar {
	c := *s
	if s.Binding.Capabilities != nil {
		c.Binding.Capabilities = append([]string(nil), s.Binding.Capabilities...)
	}
	if s.Err != nil {
		errCopy := *s.Err
		c.Err = &errCopy
	}
	return &c
}

// TaskStarLine is a directed dependency edge with a release condition.
type TaskStarLine struct {
	From      string             `json:"from_id"`
	To        string             `json:"to_id"`
	Condition core.EdgeCondition `json:"condition"`
}

// NodeSpec describes a star to create. ID may be empty, in which case one is
// generated at creation time.
type NodeSpec struct {
	ID          string             `json:"id,omitempty"`
	Intent      string             `json:"intent"`
	Kind        core.NodeKind      `json:"kind,omitempty"`
	Binding     core.DeviceBinding `json:"device_binding"`
	MaxAttempts int                `json:"max_attempts,omitempty"`
	TimeoutMS   int64              `json:"timeout_ms,omitempty"`
	Payload     json.RawMessage    `json:"payload,omitempty"`
}

// EdgeSpec describes an edge to create.
type EdgeSpec struct {
	From      string             `json:"from_id"`
	To        string             `json:"to_id"`
	Condition core.EdgeCondition `json:"condition,omitempty"`
}

// PlanSpec is the planner's description of a constellation: the full node and
// edge set it wants to exist after the edit is applied.
type PlanSpec struct {
	Nodes []NodeSpec `json:"nodes"`
	Edges []EdgeSpec `json:"edges"`
}
