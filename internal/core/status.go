// Package core defines the domain types shared across the orchestration
// packages: task and constellation statuses, device states, edge conditions,
// and the events routed over the bus.
package core

// Status represents the lifecycle state of a task star.
type Status string

const (
	StatusPending   Status = "pending"
	StatusReady     Status = "ready"
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	StatusCancelled Status = "cancelled"
	StatusSkipped   Status = "skipped"
)

// IsTerminal reports whether the status is final for the current attempt.
// A failed node may still be revived by an explicit retry edit.
func (s Status) IsTerminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusCancelled, StatusSkipped:
		return true
	default:
		return false
	}
}

// transitions is the permitted status lattice. A failed node transitioning
// back to pending is only legal inside a retry edit and is checked separately.
// Ready -> failed covers tasks that can never dispatch: every device their
// binding accepts has exhausted its connection attempts.
var transitions = map[Status][]Status{
	StatusPending: {StatusReady, StatusSkipped, StatusCancelled},
	StatusReady:   {StatusRunning, StatusSkipped, StatusCancelled, StatusFailed},
	StatusRunning: {StatusCompleted, StatusFailed, StatusCancelled},
	StatusFailed:  {StatusPending},
}

// CanTransition reports whether from -> to is a legal lattice move.
func CanTransition(from, to Status) bool {
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// ConstellationState represents the lifecycle state of a whole constellation.
type ConstellationState string

const (
	StateDraft     ConstellationState = "draft"
	StateExecuting ConstellationState = "executing"
	StateCompleted ConstellationState = "completed"
	StateFailed    ConstellationState = "failed"
	StateCancelled ConstellationState = "cancelled"
)

// IsTerminal reports whether the constellation has finished.
func (s ConstellationState) IsTerminal() bool {
	switch s {
	case StateCompleted, StateFailed, StateCancelled:
		return true
	default:
		return false
	}
}

// NodeKind classifies a task star.
type NodeKind string

const (
	// KindTask is a regular unit of work executed on a device.
	KindTask NodeKind = "task"
	// KindDiagnostic is a probe task inserted by the planner to gather state.
	KindDiagnostic NodeKind = "diagnostic"
	// KindSentinel is an aggregation point with no execution of its own.
	KindSentinel NodeKind = "sentinel"
)

// EdgeCondition governs when a dependency edge releases its successor.
type EdgeCondition string

const (
	CondAlways    EdgeCondition = "always"
	CondOnSuccess EdgeCondition = "on_success"
	CondOnFailure EdgeCondition = "on_failure"
)

// Releases reports whether an upstream terminal status satisfies the edge.
func (c EdgeCondition) Releases(upstream Status) bool {
	switch c {
	case CondAlways:
		return upstream == StatusCompleted || upstream == StatusFailed || upstream == StatusSkipped
	case CondOnSuccess:
		return upstream == StatusCompleted
	case CondOnFailure:
		return upstream == StatusFailed
	default:
		return false
	}
}

// DeviceStatus represents the connection state of a registered device.
type DeviceStatus string

const (
	DeviceRegistered   DeviceStatus = "registered"
	DeviceConnecting   DeviceStatus = "connecting"
	DeviceConnected    DeviceStatus = "connected"
	DeviceBusy         DeviceStatus = "busy"
	DeviceDisconnected DeviceStatus = "disconnected"
	DeviceFailed       DeviceStatus = "failed"
)
