package device

import "errors"

var (
	// ErrUnknownDevice is returned when the device ID is not registered.
	ErrUnknownDevice = errors.New("unknown device")
	// ErrDuplicateDevice is returned when registering an already known ID.
	ErrDuplicateDevice = errors.New("duplicate device")
	// ErrDeviceNotConnected is returned when an operation needs a live session.
	ErrDeviceNotConnected = errors.New("device not connected")
	// ErrDeviceBusy is returned when the device already holds a task assignment.
	ErrDeviceBusy = errors.New("device busy")
	// ErrRegisterRejected is returned when the registration handshake fails.
	ErrRegisterRejected = errors.New("registration rejected")
	// ErrSendQueueFull is returned when the session's outbound queue is full.
	ErrSendQueueFull = errors.New("send queue full")
)
