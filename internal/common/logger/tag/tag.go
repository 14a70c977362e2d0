// Package tag provides standardized tag keys for structured logging.
//
// All tag keys use kebab-case naming convention for consistency.
// Use these constants instead of raw strings to ensure consistent
// log output across the codebase.
package tag

// Core identification tags
const (
	// Error is the standard tag for error objects.
	// Always use this instead of "error" for consistency.
	Error = "err"

	// Task identifies a task star by id.
	Task = "task"

	// Constellation identifies a constellation by id.
	Constellation = "constellation"

	// Device identifies a device by id.
	Device = "device"

	// MessageID identifies an AIP message.
	MessageID = "message-id"

	// Attempt identifies an attempt number.
	Attempt = "attempt"
)

// Execution context tags
const (
	// Status identifies execution status values.
	Status = "status"

	// Revision identifies a constellation revision.
	Revision = "revision"

	// Reason identifies failure or shutdown reasons.
	Reason = "reason"

	// Timeout identifies timeout duration values.
	Timeout = "timeout"

	// Count identifies numeric counts.
	Count = "count"

	// MaxConcurrency identifies maximum concurrency limits.
	MaxConcurrency = "max-concurrency"
)

// Network and service tags
const (
	// Endpoint identifies device endpoints.
	Endpoint = "endpoint"

	// Addr identifies network addresses.
	Addr = "addr"

	// MessageType identifies AIP frame types.
	MessageType = "message-type"
)

// Time-related tags
const (
	// Interval identifies time intervals.
	Interval = "interval"

	// Duration identifies time durations.
	Duration = "duration"
)
