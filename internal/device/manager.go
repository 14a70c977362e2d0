package device

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/coder/websocket"

	"github.com/galaxy-org/galaxy/internal/aip"
	"github.com/galaxy-org/galaxy/internal/common/backoff"
	"github.com/galaxy-org/galaxy/internal/common/logger"
	"github.com/galaxy-org/galaxy/internal/common/logger/tag"
	"github.com/galaxy-org/galaxy/internal/config"
	"github.com/galaxy-org/galaxy/internal/core"
)

// handshakeTimeout bounds the dial plus register exchange on a new session.
const handshakeTimeout = 10 * time.Second

// reconnectInitialInterval seeds the exponential backoff between reconnect
// attempts after an unexpected session loss.
const reconnectInitialInterval = time.Second

// Publisher is the event sink the manager reports to.
type Publisher interface {
	Publish(core.Event)
}

// Manager owns the device registry and all live sessions.
type Manager struct {
	ctx context.Context
	bus Publisher
	cfg *config.Config

	mu      sync.RWMutex
	devices map[string]*Device
}

// NewManager builds a manager and registers every device from the config.
// Nothing is connected until Start or Connect is called.
func NewManager(ctx context.Context, bus Publisher, cfg *config.Config) (*Manager, error) {
	m := &Manager{
		ctx:     ctx,
		bus:     bus,
		cfg:     cfg,
		devices: make(map[string]*Device),
	}
	for _, spec := range cfg.Devices {
		if err := m.Register(spec); err != nil {
			return nil, err
		}
	}
	return m, nil
}

// Register adds a device to the registry in the registered state.
func (m *Manager) Register(spec config.DeviceSpec) error {
	if spec.DeviceID == "" || spec.Endpoint == "" {
		return fmt.Errorf("%w: device_id and endpoint are required", ErrRegisterRejected)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.devices[spec.DeviceID]; exists {
		return fmt.Errorf("%w: %s", ErrDuplicateDevice, spec.DeviceID)
	}
	m.devices[spec.DeviceID] = newDevice(spec)
	m.bus.Publish(core.DeviceEvent{
		EventKind: core.EventDeviceStatusChanged,
		At:        time.Now(),
		SourceID:  spec.DeviceID,
		DeviceID:  spec.DeviceID,
		Status:    core.DeviceRegistered,
	})
	return nil
}

// Start connects every auto-connect device. Connection attempts run in the
// background; failures are retried per device and do not fail Start.
func (m *Manager) Start(ctx context.Context) {
	m.mu.RLock()
	devices := make([]*Device, 0, len(m.devices))
	for _, d := range m.devices {
		devices = append(devices, d)
	}
	m.mu.RUnlock()

	for _, d := range devices {
		if !d.spec.ShouldAutoConnect() {
			continue
		}
		go func(d *Device) {
			if err := m.connectWithRetry(ctx, d); err != nil {
				logger.Error(ctx, "Device connection failed",
					tag.Device, d.ID(), tag.Error, err)
			}
		}(d)
	}
}

// Connect dials the device's endpoint and performs the register handshake,
// retrying with exponential backoff up to the device's max_retries.
func (m *Manager) Connect(ctx context.Context, deviceID string) error {
	d, err := m.lookup(deviceID)
	if err != nil {
		return err
	}
	return m.connectWithRetry(ctx, d)
}

func (m *Manager) connectWithRetry(ctx context.Context, d *Device) error {
	d.mu.Lock()
	if d.sess != nil {
		d.mu.Unlock()
		return nil
	}
	d.closing = false
	d.mu.Unlock()

	m.setStatus(d, core.DeviceConnecting)

	policy := backoff.WithJitter(&backoff.ExponentialBackoffPolicy{
		InitialInterval: reconnectInitialInterval,
		BackoffFactor:   2.0,
		MaxInterval:     30 * time.Second,
		MaxRetries:      d.spec.MaxRetries,
	}, backoff.FullJitter)

	err := backoff.Retry(ctx, func(ctx context.Context) error {
		return m.dialAndAttach(ctx, d)
	}, policy, nil)
	if err != nil {
		m.setStatus(d, core.DeviceFailed)
		return fmt.Errorf("connect %s: %w", d.ID(), err)
	}
	return nil
}

// dialAndAttach performs one connection attempt: dial, expect a register
// frame, acknowledge it, then hand the session to the run loops.
func (m *Manager) dialAndAttach(ctx context.Context, d *Device) error {
	hctx, cancel := context.WithTimeout(ctx, handshakeTimeout)
	defer cancel()

	conn, _, err := websocket.Dial(hctx, d.spec.Endpoint, nil)
	if err != nil {
		return fmt.Errorf("dial %s: %w", d.spec.Endpoint, err)
	}

	sess := newSession(conn)
	msg, err := sess.readFrame(hctx)
	if err != nil {
		sess.close(websocket.StatusProtocolError, "handshake failed")
		return fmt.Errorf("handshake read: %w", err)
	}
	if msg.Type != aip.TypeRegister {
		sess.close(websocket.StatusProtocolError, "expected register")
		return fmt.Errorf("%w: first frame %s", ErrRegisterRejected, msg.Type)
	}
	if msg.DeviceID != d.ID() {
		ack, _ := aip.Encode(aip.NewRegisterAck(false, "device_id mismatch"))
		_ = conn.Write(hctx, websocket.MessageText, ack)
		sess.close(websocket.StatusPolicyViolation, "device_id mismatch")
		return fmt.Errorf("%w: got device_id %s, want %s", ErrRegisterRejected, msg.DeviceID, d.ID())
	}

	ack, err := aip.Encode(aip.NewRegisterAck(true, ""))
	if err != nil {
		sess.close(websocket.StatusInternalError, "encode failed")
		return err
	}
	if err := conn.Write(hctx, websocket.MessageText, ack); err != nil {
		sess.close(websocket.StatusAbnormalClosure, "ack write failed")
		return fmt.Errorf("handshake write: %w", err)
	}

	m.attach(d, sess)
	return nil
}

// attach installs a live session on the device and starts its goroutines.
func (m *Manager) attach(d *Device, sess *session) {
	d.mu.Lock()
	if d.sess != nil {
		d.sess.close(websocket.StatusNormalClosure, "superseded")
	}
	d.sess = sess
	d.lastSeen = time.Now()
	if d.lostTimer != nil {
		d.lostTimer.Stop()
		d.lostTimer = nil
	}
	busy := d.assignedTask != ""
	d.mu.Unlock()

	status := core.DeviceConnected
	if busy {
		status = core.DeviceBusy
	}
	m.setStatus(d, status)
	m.bus.Publish(core.DeviceEvent{
		EventKind: core.EventDeviceConnected,
		At:        time.Now(),
		SourceID:  d.ID(),
		DeviceID:  d.ID(),
		Status:    status,
	})
	logger.Info(m.ctx, "Device connected", tag.Device, d.ID(), tag.Endpoint, d.spec.Endpoint)

	go sess.writeLoop(m.ctx)
	go m.readLoop(d, sess)
	go m.heartbeatLoop(d, sess)
}

// readLoop decodes inbound frames until the session dies.
func (m *Manager) readLoop(d *Device, sess *session) {
	for {
		_, data, err := sess.conn.Read(m.ctx)
		if err != nil {
			sess.close(websocket.StatusAbnormalClosure, "read failed")
			m.sessionLost(d, sess)
			return
		}
		msg, err := aip.Decode(data)
		if err != nil {
			logger.Warn(m.ctx, "Dropping malformed frame", tag.Device, d.ID(), tag.Error, err)
			_ = sess.send(aip.NewError("malformed_frame", err.Error()))
			continue
		}
		d.touch()
		m.handleFrame(d, msg)
	}
}

// heartbeatLoop sends heartbeats and expires the session when the device has
// been silent for longer than the expiry window.
func (m *Manager) heartbeatLoop(d *Device, sess *session) {
	interval := m.cfg.HeartbeatInterval()
	expiry := m.cfg.HeartbeatExpiry()

	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-sess.done:
			return
		case <-m.ctx.Done():
			return
		case <-ticker.C:
			if err := sess.send(aip.NewHeartbeat()); err != nil {
				return
			}
			d.mu.Lock()
			silent := time.Since(d.lastSeen)
			d.mu.Unlock()
			if silent > expiry {
				logger.Warn(m.ctx, "Heartbeat expired, closing session",
					tag.Device, d.ID(), tag.Duration, silent.String())
				sess.close(websocket.StatusGoingAway, "heartbeat expired")
				m.sessionLost(d, sess)
				return
			}
		}
	}
}

func (m *Manager) handleFrame(d *Device, msg *aip.Message) {
	now := time.Now()
	switch msg.Type {
	case aip.TypeHeartbeat:
		m.bus.Publish(core.DeviceEvent{
			EventKind: core.EventDeviceHeartbeat,
			At:        now,
			SourceID:  d.ID(),
			DeviceID:  d.ID(),
			Status:    m.statusOf(d),
		})
	case aip.TypeTaskAccept:
		m.bus.Publish(core.TaskEvent{
			EventKind: core.EventTaskStarted,
			At:        now,
			SourceID:  d.ID(),
			TaskID:    msg.TaskID,
			Status:    core.StatusRunning,
		})
	case aip.TypeTaskProgress:
		m.bus.Publish(core.TaskEvent{
			EventKind: core.EventTaskProgress,
			At:        now,
			SourceID:  d.ID(),
			TaskID:    msg.TaskID,
			Status:    core.StatusRunning,
			Progress:  msg.Progress,
		})
	case aip.TypeTaskCompleted:
		m.clearAssignment(d, msg.TaskID)
		m.bus.Publish(core.TaskEvent{
			EventKind: core.EventTaskCompleted,
			At:        now,
			SourceID:  d.ID(),
			TaskID:    msg.TaskID,
			Status:    core.StatusCompleted,
			Result:    msg.Result,
		})
	case aip.TypeTaskFailed:
		m.clearAssignment(d, msg.TaskID)
		m.bus.Publish(core.TaskEvent{
			EventKind: core.EventTaskFailed,
			At:        now,
			SourceID:  d.ID(),
			TaskID:    msg.TaskID,
			Status:    core.StatusFailed,
			Err:       msg.TaskError,
		})
	case aip.TypeTaskCancelled:
		d.mu.Lock()
		if ch, ok := d.cancelAcks[msg.TaskID]; ok {
			close(ch)
			delete(d.cancelAcks, msg.TaskID)
		}
		d.mu.Unlock()
		m.clearAssignment(d, msg.TaskID)
	case aip.TypeError:
		logger.Warn(m.ctx, "Device reported protocol error",
			tag.Device, d.ID(), "code", msg.Code, tag.Reason, msg.Message)
	case aip.TypeRegister:
		_ = mustSend(d, aip.NewError("already_registered", "session already registered"))
	default:
		logger.Warn(m.ctx, "Unexpected frame from device",
			tag.Device, d.ID(), tag.MessageType, string(msg.Type))
	}
}

func mustSend(d *Device, msg *aip.Message) error {
	d.mu.Lock()
	sess := d.sess
	d.mu.Unlock()
	if sess == nil {
		return ErrDeviceNotConnected
	}
	return sess.send(msg)
}

// Dispatch sends a task to the device and records the assignment. The device
// holds at most one assignment at a time; acceptance arrives asynchronously
// as a task_started event.
func (m *Manager) Dispatch(ctx context.Context, deviceID, taskID, intent string, payload json.RawMessage, timeout time.Duration) error {
	d, err := m.lookup(deviceID)
	if err != nil {
		return err
	}

	d.mu.Lock()
	if d.sess == nil {
		d.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrDeviceNotConnected, deviceID)
	}
	if d.assignedTask != "" {
		busyWith := d.assignedTask
		d.mu.Unlock()
		return fmt.Errorf("%w: %s running %s", ErrDeviceBusy, deviceID, busyWith)
	}
	d.assignedTask = taskID
	sess := d.sess
	d.mu.Unlock()

	msg := aip.NewTaskDispatch(taskID, intent, payload, timeout.Milliseconds())
	if err := sess.send(msg); err != nil {
		m.clearAssignment(d, taskID)
		return fmt.Errorf("dispatch %s to %s: %w", taskID, deviceID, err)
	}

	d.mu.Lock()
	d.dispatches++
	d.mu.Unlock()
	m.setStatus(d, core.DeviceBusy)
	logger.Info(ctx, "Task dispatched",
		tag.Task, taskID, tag.Device, deviceID, tag.Timeout, timeout.String())
	return nil
}

// Cancel asks the device to abandon a task and waits for the acknowledgement
// up to the configured cancel timeout. On timeout the assignment is force
// cleared so the slot is usable again.
func (m *Manager) Cancel(ctx context.Context, deviceID, taskID string) error {
	d, err := m.lookup(deviceID)
	if err != nil {
		return err
	}

	d.mu.Lock()
	sess := d.sess
	if sess == nil {
		if d.assignedTask == taskID {
			d.assignedTask = ""
		}
		d.mu.Unlock()
		return nil
	}
	ack := make(chan struct{})
	d.cancelAcks[taskID] = ack
	d.mu.Unlock()

	if err := sess.send(aip.NewTaskCancel(taskID)); err != nil {
		m.dropCancelWaiter(d, taskID)
		m.clearAssignment(d, taskID)
		return nil
	}

	select {
	case <-ack:
		return nil
	case <-ctx.Done():
		m.dropCancelWaiter(d, taskID)
		return ctx.Err()
	case <-time.After(m.cfg.CancelTimeout()):
		logger.Warn(ctx, "Cancel not acknowledged, force clearing assignment",
			tag.Task, taskID, tag.Device, deviceID)
		m.dropCancelWaiter(d, taskID)
		m.clearAssignment(d, taskID)
		return nil
	}
}

func (m *Manager) dropCancelWaiter(d *Device, taskID string) {
	d.mu.Lock()
	delete(d.cancelAcks, taskID)
	d.mu.Unlock()
}

// Disconnect closes the device session without scheduling a reconnect.
func (m *Manager) Disconnect(deviceID string) error {
	d, err := m.lookup(deviceID)
	if err != nil {
		return err
	}
	d.mu.Lock()
	d.closing = true
	sess := d.sess
	d.mu.Unlock()
	if sess != nil {
		sess.close(websocket.StatusNormalClosure, "disconnect requested")
	}
	return nil
}

// Stop disconnects every device.
func (m *Manager) Stop() {
	m.mu.RLock()
	ids := make([]string, 0, len(m.devices))
	for id := range m.devices {
		ids = append(ids, id)
	}
	m.mu.RUnlock()
	for _, id := range ids {
		_ = m.Disconnect(id)
	}
}

// sessionLost handles an unexpected session end: publishes the disconnect,
// arms the reconnect-grace timer for any in-flight assignment, and kicks off
// background reconnection unless the close was requested.
func (m *Manager) sessionLost(d *Device, sess *session) {
	d.mu.Lock()
	if d.sess != sess {
		d.mu.Unlock()
		return
	}
	d.sess = nil
	explicit := d.closing
	assigned := d.assignedTask
	if assigned != "" && d.lostTimer == nil && !explicit {
		d.lostTimer = time.AfterFunc(m.cfg.ReconnectDelay(), func() {
			m.expireAssignment(d)
		})
	}
	for taskID, ch := range d.cancelAcks {
		close(ch)
		delete(d.cancelAcks, taskID)
	}
	d.mu.Unlock()

	m.setStatus(d, core.DeviceDisconnected)
	m.bus.Publish(core.DeviceEvent{
		EventKind: core.EventDeviceDisconnected,
		At:        time.Now(),
		SourceID:  d.ID(),
		DeviceID:  d.ID(),
		Status:    core.DeviceDisconnected,
	})

	if explicit {
		if assigned != "" {
			m.failAssignment(d, assigned, "session closed")
		}
		return
	}

	logger.Warn(m.ctx, "Device session lost, reconnecting", tag.Device, d.ID())
	go func() {
		if err := m.connectWithRetry(m.ctx, d); err != nil {
			logger.Error(m.ctx, "Device reconnection exhausted",
				tag.Device, d.ID(), tag.Error, err)
		}
	}()
}

// expireAssignment fires when the reconnect grace window elapses with the
// in-flight task still unresolved.
func (m *Manager) expireAssignment(d *Device) {
	d.mu.Lock()
	taskID := d.assignedTask
	connected := d.sess != nil
	d.lostTimer = nil
	d.mu.Unlock()
	if taskID == "" || connected {
		return
	}
	m.failAssignment(d, taskID, "reconnect grace window elapsed")
}

func (m *Manager) failAssignment(d *Device, taskID, reason string) {
	m.clearAssignment(d, taskID)
	logger.Warn(m.ctx, "Failing in-flight task, device lost",
		tag.Task, taskID, tag.Device, d.ID(), tag.Reason, reason)
	m.bus.Publish(core.TaskEvent{
		EventKind: core.EventTaskFailed,
		At:        time.Now(),
		SourceID:  d.ID(),
		TaskID:    taskID,
		Status:    core.StatusFailed,
		Err: &core.ErrorRecord{
			Kind:    core.ErrKindDeviceLost,
			Message: reason,
		},
	})
}

func (m *Manager) clearAssignment(d *Device, taskID string) {
	d.mu.Lock()
	if d.assignedTask != taskID {
		d.mu.Unlock()
		return
	}
	d.assignedTask = ""
	if d.lostTimer != nil {
		d.lostTimer.Stop()
		d.lostTimer = nil
	}
	connected := d.sess != nil
	d.mu.Unlock()
	if connected {
		m.setStatus(d, core.DeviceConnected)
	}
}

// Eligible returns the IDs of connected, unassigned devices satisfying the
// binding, least-loaded first. Load is the number of tasks dispatched to the
// device so far; ties break on the lexicographically smaller device ID.
func (m *Manager) Eligible(binding core.DeviceBinding) []string {
	m.mu.RLock()
	defer m.mu.RUnlock()

	type candidate struct {
		id   string
		load uint64
	}
	var matches []candidate
	for id, d := range m.devices {
		if binding.DeviceID != "" && binding.DeviceID != id {
			continue
		}
		d.mu.Lock()
		free := d.sess != nil && d.assignedTask == ""
		load := d.dispatches
		d.mu.Unlock()
		if !free {
			continue
		}
		if binding.OS != "" && binding.OS != d.spec.OS {
			continue
		}
		if !d.hasCapabilities(binding.Capabilities) {
			continue
		}
		matches = append(matches, candidate{id: id, load: load})
	}
	sort.Slice(matches, func(i, j int) bool {
		if matches[i].load != matches[j].load {
			return matches[i].load < matches[j].load
		}
		return matches[i].id < matches[j].id
	})
	out := make([]string, 0, len(matches))
	for _, c := range matches {
		out = append(out, c.id)
	}
	return out
}

// Reachable reports whether any device satisfying the binding's static
// requirements could still serve a dispatch: anything short of the failed
// state counts, including devices mid-reconnect or inside the grace window.
// A binding no registered device matches is unreachable.
func (m *Manager) Reachable(binding core.DeviceBinding) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()

	for id, d := range m.devices {
		if binding.DeviceID != "" && binding.DeviceID != id {
			continue
		}
		if binding.OS != "" && binding.OS != d.spec.OS {
			continue
		}
		if !d.hasCapabilities(binding.Capabilities) {
			continue
		}
		d.mu.Lock()
		status := d.status
		d.mu.Unlock()
		if status != core.DeviceFailed {
			return true
		}
	}
	return false
}

// Views returns a snapshot of every registered device.
func (m *Manager) Views() []View {
	m.mu.RLock()
	defer m.mu.RUnlock()
	views := make([]View, 0, len(m.devices))
	for _, d := range m.devices {
		views = append(views, d.view())
	}
	sort.Slice(views, func(i, j int) bool { return views[i].DeviceID < views[j].DeviceID })
	return views
}

func (m *Manager) lookup(deviceID string) (*Device, error) {
	m.mu.RLock()
	d, ok := m.devices[deviceID]
	m.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownDevice, deviceID)
	}
	return d, nil
}

func (m *Manager) statusOf(d *Device) core.DeviceStatus {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.status
}

func (m *Manager) setStatus(d *Device, status core.DeviceStatus) {
	d.mu.Lock()
	if d.status == status {
		d.mu.Unlock()
		return
	}
	d.status = status
	d.mu.Unlock()
	m.bus.Publish(core.DeviceEvent{
		EventKind: core.EventDeviceStatusChanged,
		At:        time.Now(),
		SourceID:  d.ID(),
		DeviceID:  d.ID(),
		Status:    status,
	})
}

// IsRetriableDispatch reports whether a dispatch error warrants trying a
// different device rather than failing the task.
func IsRetriableDispatch(err error) bool {
	return errors.Is(err, ErrDeviceBusy) ||
		errors.Is(err, ErrDeviceNotConnected) ||
		errors.Is(err, ErrSendQueueFull)
}
