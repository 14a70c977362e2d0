package core

import "encoding/json"

// Task error kinds reported by devices or synthesized by the scheduler.
const (
	ErrKindTimeout        = "timeout"
	ErrKindDeviceLost     = "device_lost"
	ErrKindDeviceRejected = "device_rejected"
	ErrKindExecution      = "execution_error"
	ErrKindCancelled      = "cancelled"
)

// ErrorRecord is the structured error attached to a failed task star.
type ErrorRecord struct {
	Kind    string          `json:"kind"`
	Message string          `json:"message"`
	Detail  json.RawMessage `json:"detail,omitempty"`
}

// Error implements the error interface.
func (e *ErrorRecord) Error() string {
	if e.Message == "" {
		return e.Kind
	}
	return e.Kind + ": " + e.Message
}
