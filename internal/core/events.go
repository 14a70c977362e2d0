package core

import (
	"encoding/json"
	"time"
)

// EventKind tags the concrete event types routed over the bus.
type EventKind string

const (
	EventTaskStarted   EventKind = "task_started"
	EventTaskProgress  EventKind = "task_progress"
	EventTaskCompleted EventKind = "task_completed"
	EventTaskFailed    EventKind = "task_failed"

	EventConstellationCreated   EventKind = "constellation_created"
	EventConstellationUpdated   EventKind = "constellation_updated"
	EventConstellationCompleted EventKind = "constellation_completed"
	EventConstellationFailed    EventKind = "constellation_failed"

	EventDeviceConnected     EventKind = "device_connected"
	EventDeviceDisconnected  EventKind = "device_disconnected"
	EventDeviceStatusChanged EventKind = "device_status_changed"
	EventDeviceHeartbeat     EventKind = "device_heartbeat"

	EventSubscriberLagging EventKind = "subscriber_lagging"
)

// IsTerminalTaskEvent reports whether the kind ends a task attempt.
func (k EventKind) IsTerminalTaskEvent() bool {
	return k == EventTaskCompleted || k == EventTaskFailed
}

// Event is the interface implemented by everything routed over the bus.
type Event interface {
	Kind() EventKind
	OccurredAt() time.Time
	Source() string
}

// TaskEvent reports a status change of a single task star.
type TaskEvent struct {
	EventKind EventKind       `json:"kind"`
	At        time.Time       `json:"timestamp"`
	SourceID  string          `json:"source_id"`
	TaskID    string          `json:"task_id"`
	Status    Status          `json:"status"`
	Attempt   int             `json:"attempt"`
	Result    json.RawMessage `json:"result,omitempty"`
	Err       *ErrorRecord    `json:"error,omitempty"`
	Progress  json.RawMessage `json:"progress,omitempty"`
}

func (e TaskEvent) Kind() EventKind       { return e.EventKind }
func (e TaskEvent) OccurredAt() time.Time { return e.At }
func (e TaskEvent) Source() string        { return e.SourceID }

// ConstellationEvent reports a lifecycle change of the whole constellation.
type ConstellationEvent struct {
	EventKind       EventKind          `json:"kind"`
	At              time.Time          `json:"timestamp"`
	SourceID        string             `json:"source_id"`
	ConstellationID string             `json:"constellation_id"`
	Revision        uint64             `json:"revision"`
	State           ConstellationState `json:"state,omitempty"`
	Reason          string             `json:"reason,omitempty"`
}

func (e ConstellationEvent) Kind() EventKind       { return e.EventKind }
func (e ConstellationEvent) OccurredAt() time.Time { return e.At }
func (e ConstellationEvent) Source() string        { return e.SourceID }

// DeviceEvent reports a connection or health change of a device.
type DeviceEvent struct {
	EventKind EventKind    `json:"kind"`
	At        time.Time    `json:"timestamp"`
	SourceID  string       `json:"source_id"`
	DeviceID  string       `json:"device_id"`
	Status    DeviceStatus `json:"status"`
}

func (e DeviceEvent) Kind() EventKind       { return e.EventKind }
func (e DeviceEvent) OccurredAt() time.Time { return e.At }
func (e DeviceEvent) Source() string        { return e.SourceID }

// DiagnosticEvent carries bus-internal diagnostics such as lagging subscribers.
type DiagnosticEvent struct {
	EventKind EventKind `json:"kind"`
	At        time.Time `json:"timestamp"`
	SourceID  string    `json:"source_id"`
	Subject   string    `json:"subject,omitempty"`
	Dropped   uint64    `json:"dropped,omitempty"`
}

func (e DiagnosticEvent) Kind() EventKind       { return e.EventKind }
func (e DiagnosticEvent) OccurredAt() time.Time { return e.At }
func (e DiagnosticEvent) Source() string        { return e.SourceID }
