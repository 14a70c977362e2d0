// Package device manages the registry of remote agent devices and their
// persistent websocket sessions. Each connected device runs a reader, a
// writer, and a heartbeat goroutine; task frames arriving on a session are
// translated into events on the bus.
package device

import (
	"sync"
	"time"

	"github.com/galaxy-org/galaxy/internal/config"
	"github.com/galaxy-org/galaxy/internal/core"
)

// Device is one registered entry of the device registry. All mutable fields
// are guarded by mu; the spec is immutable after registration.
type Device struct {
	spec config.DeviceSpec
	caps map[string]struct{}

	mu           sync.Mutex
	status       core.DeviceStatus
	sess         *session
	assignedTask string
	dispatches   uint64
	lastSeen     time.Time
	closing      bool
	lostTimer    *time.Timer
	cancelAcks   map[string]chan struct{}
}

func newDevice(spec config.DeviceSpec) *Device {
	caps := make(map[string]struct{}, len(spec.Capabilities))
	for _, c := range spec.Capabilities {
		caps[c] = struct{}{}
	}
	return &Device{
		spec:       spec,
		caps:       caps,
		status:     core.DeviceRegistered,
		cancelAcks: make(map[string]chan struct{}),
	}
}

// ID returns the device identifier.
func (d *Device) ID() string { return d.spec.DeviceID }

func (d *Device) hasCapabilities(required []string) bool {
	for _, c := range required {
		if _, ok := d.caps[c]; !ok {
			return false
		}
	}
	return true
}

func (d *Device) touch() {
	d.mu.Lock()
	d.lastSeen = time.Now()
	d.mu.Unlock()
}

// View is a read-only snapshot of a device's state.
type View struct {
	DeviceID     string            `json:"device_id"`
	Endpoint     string            `json:"endpoint"`
	Capabilities []string          `json:"capabilities,omitempty"`
	OS           string            `json:"os,omitempty"`
	Status       core.DeviceStatus `json:"status"`
	AssignedTask string            `json:"assigned_task,omitempty"`
	LastSeen     time.Time         `json:"last_seen,omitzero"`
}

func (d *Device) view() View {
	d.mu.Lock()
	defer d.mu.Unlock()
	return View{
		DeviceID:     d.spec.DeviceID,
		Endpoint:     d.spec.Endpoint,
		Capabilities: append([]string(nil), d.spec.Capabilities...),
		OS:           d.spec.OS,
		Status:       d.status,
		AssignedTask: d.assignedTask,
		LastSeen:     d.lastSeen,
	}
}
