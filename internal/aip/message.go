// Package aip implements the Agent Interaction Protocol wire format: one
// JSON object per websocket frame, exchanged over a persistent full-duplex
// session between the orchestrator and a device agent.
package aip

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/galaxy-org/galaxy/internal/core"
	"github.com/google/uuid"
)

// MessageType identifies an AIP frame.
type MessageType string

const (
	TypeRegister      MessageType = "register"
	TypeRegisterAck   MessageType = "register_ack"
	TypeHeartbeat     MessageType = "heartbeat"
	TypeTaskDispatch  MessageType = "task_dispatch"
	TypeTaskAccept    MessageType = "task_accept"
	TypeTaskProgress  MessageType = "task_progress"
	TypeTaskCompleted MessageType = "task_completed"
	TypeTaskFailed    MessageType = "task_failed"
	TypeTaskCancel    MessageType = "task_cancel"
	TypeTaskCancelled MessageType = "task_cancelled"
	TypeError         MessageType = "error"
)

var (
	// ErrMalformedFrame is returned when a frame cannot be decoded or fails validation.
	ErrMalformedFrame = errors.New("malformed frame")
	// ErrUnknownType is returned for an unrecognized message type.
	ErrUnknownType = errors.New("unknown message type")
)

// Message is a single AIP frame. Fields beyond the three required ones are
// populated depending on Type.
type Message struct {
	Type      MessageType `json:"type"`
	Timestamp int64       `json:"timestamp"` // unix milliseconds
	MessageID string      `json:"message_id"`

	// register
	DeviceID     string          `json:"device_id,omitempty"`
	Capabilities []string        `json:"capabilities,omitempty"`
	OS           string          `json:"os,omitempty"`
	Metadata     json.RawMessage `json:"metadata,omitempty"`

	// register_ack
	Accepted *bool  `json:"accepted,omitempty"`
	Reason   string `json:"reason,omitempty"`

	// heartbeat
	Load *float64 `json:"load,omitempty"`

	// task_* frames
	TaskID    string            `json:"task_id,omitempty"`
	Intent    string            `json:"intent,omitempty"`
	Payload   json.RawMessage   `json:"payload,omitempty"`
	TimeoutMS int64             `json:"timeout_ms,omitempty"`
	Progress  json.RawMessage   `json:"progress,omitempty"`
	Result    json.RawMessage   `json:"result,omitempty"`
	TaskError *core.ErrorRecord `json:"error,omitempty"`

	// protocol error
	Code    string `json:"code,omitempty"`
	Message string `json:"message,omitempty"`
}

// Encode serializes the message to a single JSON frame.
func Encode(msg *Message) ([]byte, error) {
	if msg.MessageID == "" {
		msg.MessageID = uuid.NewString()
	}
	if msg.Timestamp == 0 {
		msg.Timestamp = time.Now().UnixMilli()
	}
	return json.Marshal(msg)
}

// Decode parses and validates a single JSON frame.
func Decode(data []byte) (*Message, error) {
	var msg Message
	if err := json.Unmarshal(data, &msg); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedFrame, err)
	}
	if err := msg.Validate(); err != nil {
		return nil, err
	}
	return &msg, nil
}

// Validate checks the required fields for the message type.
func (m *Message) Validate() error {
	if m.Type == "" || m.MessageID == "" || m.Timestamp == 0 {
		return fmt.Errorf("%w: missing required fields", ErrMalformedFrame)
	}
	switch m.Type {
	case TypeRegister:
		if m.DeviceID == "" {
			return fmt.Errorf("%w: register without device_id", ErrMalformedFrame)
		}
	case TypeRegisterAck:
		if m.Accepted == nil {
			return fmt.Errorf("%w: register_ack without accepted", ErrMalformedFrame)
		}
	case TypeHeartbeat:
		// no additional required fields
	case TypeTaskDispatch:
		if m.TaskID == "" || m.Intent == "" {
			return fmt.Errorf("%w: task_dispatch without task_id or intent", ErrMalformedFrame)
		}
	case TypeTaskAccept, TypeTaskProgress, TypeTaskCancel, TypeTaskCancelled:
		if m.TaskID == "" {
			return fmt.Errorf("%w: %s without task_id", ErrMalformedFrame, m.Type)
		}
	case TypeTaskCompleted:
		if m.TaskID == "" {
			return fmt.Errorf("%w: task_completed without task_id", ErrMalformedFrame)
		}
	case TypeTaskFailed:
		if m.TaskID == "" || m.TaskError == nil {
			return fmt.Errorf("%w: task_failed without task_id or error", ErrMalformedFrame)
		}
	case TypeError:
		if m.Code == "" {
			return fmt.Errorf("%w: error frame without code", ErrMalformedFrame)
		}
	default:
		return fmt.Errorf("%w: %s", ErrUnknownType, m.Type)
	}
	return nil
}

func newMessage(msgType MessageType) *Message {
	return &Message{
		Type:      msgType,
		Timestamp: time.Now().UnixMilli(),
		MessageID: uuid.NewString(),
	}
}

// NewRegister builds the first frame a device sends on a new session.
func NewRegister(deviceID string, capabilities []string, os string, metadata json.RawMessage) *Message {
	msg := newMessage(TypeRegister)
	msg.DeviceID = deviceID
	msg.Capabilities = capabilities
	msg.OS = os
	msg.Metadata = metadata
	return msg
}

// NewRegisterAck builds the orchestrator's response to a register frame.
func NewRegisterAck(accepted bool, reason string) *Message {
	msg := newMessage(TypeRegisterAck)
	msg.Accepted = &accepted
	msg.Reason = reason
	return msg
}

// NewHeartbeat builds a liveness frame.
func NewHeartbeat() *Message {
	return newMessage(TypeHeartbeat)
}

// NewTaskDispatch builds the frame instructing a device to execute a task.
func NewTaskDispatch(taskID, intent string, payload json.RawMessage, timeoutMS int64) *Message {
	msg := newMessage(TypeTaskDispatch)
	msg.TaskID = taskID
	msg.Intent = intent
	msg.Payload = payload
	msg.TimeoutMS = timeoutMS
	return msg
}

// NewTaskAccept builds the acknowledgement that a device began a task.
func NewTaskAccept(taskID string) *Message {
	msg := newMessage(TypeTaskAccept)
	msg.TaskID = taskID
	return msg
}

// NewTaskProgress builds an optional telemetry frame.
func NewTaskProgress(taskID string, progress json.RawMessage) *Message {
	msg := newMessage(TypeTaskProgress)
	msg.TaskID = taskID
	msg.Progress = progress
	return msg
}

// NewTaskCompleted builds the terminal success frame.
func NewTaskCompleted(taskID string, result json.RawMessage) *Message {
	msg := newMessage(TypeTaskCompleted)
	msg.TaskID = taskID
	msg.Result = result
	return msg
}

// NewTaskFailed builds the terminal failure frame.
func NewTaskFailed(taskID string, errRec *core.ErrorRecord) *Message {
	msg := newMessage(TypeTaskFailed)
	msg.TaskID = taskID
	msg.TaskError = errRec
	return msg
}

// NewTaskCancel builds the cancellation request frame.
func NewTaskCancel(taskID string) *Message {
	msg := newMessage(TypeTaskCancel)
	msg.TaskID = taskID
	return msg
}

// NewTaskCancelled builds the cancellation acknowledgement frame.
func NewTaskCancelled(taskID string) *Message {
	msg := newMessage(TypeTaskCancelled)
	msg.TaskID = taskID
	return msg
}

// NewError builds a protocol-level error frame.
func NewError(code, message string) *Message {
	msg := newMessage(TypeError)
	msg.Code = code
	msg.Message = message
	return msg
}
