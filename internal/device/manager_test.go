package device_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/stretchr/testify/require"

	"github.com/galaxy-org/galaxy/internal/aip"
	"github.com/galaxy-org/galaxy/internal/config"
	"github.com/galaxy-org/galaxy/internal/core"
	"github.com/galaxy-org/galaxy/internal/device"
)

// stubDevice is a scripted remote agent behind an httptest server. It sends
// the register frame on connect and exposes every inbound frame to the test.
type stubDevice struct {
	t      *testing.T
	id     string
	caps   []string
	os     string
	srv    *httptest.Server
	conns  chan *websocket.Conn
	frames chan *aip.Message
	refuse atomic.Bool
}

func newStubDevice(t *testing.T, id string, caps []string, osName string) *stubDevice {
	s := &stubDevice{
		t:      t,
		id:     id,
		caps:   caps,
		os:     osName,
		conns:  make(chan *websocket.Conn, 4),
		frames: make(chan *aip.Message, 64),
	}
	s.srv = httptest.NewServer(http.HandlerFunc(s.handle))
	t.Cleanup(s.srv.Close)
	return s
}

func (s *stubDevice) handle(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		return
	}
	ctx := r.Context()
	if s.refuse.Load() {
		_ = conn.Close(websocket.StatusGoingAway, "refusing")
		return
	}

	data, err := aip.Encode(aip.NewRegister(s.id, s.caps, s.os, nil))
	if err != nil {
		return
	}
	if err := conn.Write(ctx, websocket.MessageText, data); err != nil {
		return
	}
	if _, _, err := conn.Read(ctx); err != nil { // register_ack
		return
	}
	s.conns <- conn

	for {
		_, raw, err := conn.Read(ctx)
		if err != nil {
			return
		}
		msg, err := aip.Decode(raw)
		if err != nil {
			continue
		}
		s.frames <- msg
	}
}

func (s *stubDevice) reply(conn *websocket.Conn, msg *aip.Message) {
	s.t.Helper()
	data, err := aip.Encode(msg)
	require.NoError(s.t, err)
	require.NoError(s.t, conn.Write(context.Background(), websocket.MessageText, data))
}

func (s *stubDevice) waitFrame(msgType aip.MessageType) *aip.Message {
	s.t.Helper()
	deadline := time.After(5 * time.Second)
	for {
		select {
		case msg := <-s.frames:
			if msg.Type == msgType {
				return msg
			}
		case <-deadline:
			s.t.Fatalf("timed out waiting for %s frame", msgType)
		}
	}
}

type busRecorder struct{ ch chan core.Event }

func newBusRecorder() *busRecorder {
	return &busRecorder{ch: make(chan core.Event, 256)}
}

func (b *busRecorder) Publish(event core.Event) {
	select {
	case b.ch <- event:
	default:
	}
}

func (b *busRecorder) wait(t *testing.T, match func(core.Event) bool) core.Event {
	t.Helper()
	deadline := time.After(5 * time.Second)
	for {
		select {
		case event := <-b.ch:
			if match(event) {
				return event
			}
		case <-deadline:
			t.Fatal("timed out waiting for event")
		}
	}
}

func managerConfig(specs ...config.DeviceSpec) *config.Config {
	return &config.Config{
		HeartbeatIntervalMS:       1000,
		HeartbeatExpiryMultiplier: 100,
		ReconnectDelayMS:          100,
		CancelTimeoutMS:           1000,
		Devices:                   specs,
	}
}

func newManager(t *testing.T, bus device.Publisher, cfg *config.Config) *device.Manager {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	mgr, err := device.NewManager(ctx, bus, cfg)
	require.NoError(t, err)
	t.Cleanup(mgr.Stop)
	return mgr
}

func TestConnectAndDispatch(t *testing.T) {
	stub := newStubDevice(t, "d1", []string{"shell"}, "linux")
	bus := newBusRecorder()
	mgr := newManager(t, bus, managerConfig(config.DeviceSpec{
		DeviceID: "d1", Endpoint: stub.srv.URL, MaxRetries: 2,
	}))

	require.NoError(t, mgr.Connect(context.Background(), "d1"))
	conn := <-stub.conns

	require.Equal(t, []string{"d1"}, mgr.Eligible(core.DeviceBinding{}))

	err := mgr.Dispatch(context.Background(), "d1", "t1", "list files",
		json.RawMessage(`{"dir":"/tmp"}`), 30*time.Second)
	require.NoError(t, err)

	dispatch := stub.waitFrame(aip.TypeTaskDispatch)
	require.Equal(t, "t1", dispatch.TaskID)
	require.Equal(t, "list files", dispatch.Intent)

	// Assignment holds the single slot until the task resolves.
	err = mgr.Dispatch(context.Background(), "d1", "t2", "other", nil, 0)
	require.ErrorIs(t, err, device.ErrDeviceBusy)
	require.Empty(t, mgr.Eligible(core.DeviceBinding{}))

	stub.reply(conn, aip.NewTaskAccept("t1"))
	started := bus.wait(t, func(e core.Event) bool { return e.Kind() == core.EventTaskStarted })
	require.Equal(t, "t1", started.(core.TaskEvent).TaskID)

	stub.reply(conn, aip.NewTaskCompleted("t1", json.RawMessage(`{"files":[]}`)))
	completed := bus.wait(t, func(e core.Event) bool { return e.Kind() == core.EventTaskCompleted })
	require.JSONEq(t, `{"files":[]}`, string(completed.(core.TaskEvent).Result))

	// Slot is free again.
	require.Eventually(t, func() bool {
		return len(mgr.Eligible(core.DeviceBinding{})) == 1
	}, 5*time.Second, 10*time.Millisecond)
}

func TestDispatchToUnknownOrDisconnectedDevice(t *testing.T) {
	stub := newStubDevice(t, "d1", nil, "linux")
	bus := newBusRecorder()
	mgr := newManager(t, bus, managerConfig(config.DeviceSpec{
		DeviceID: "d1", Endpoint: stub.srv.URL, MaxRetries: 1,
	}))

	err := mgr.Dispatch(context.Background(), "nope", "t1", "x", nil, 0)
	require.ErrorIs(t, err, device.ErrUnknownDevice)

	err = mgr.Dispatch(context.Background(), "d1", "t1", "x", nil, 0)
	require.ErrorIs(t, err, device.ErrDeviceNotConnected)
}

func TestCancelAcknowledged(t *testing.T) {
	stub := newStubDevice(t, "d1", nil, "linux")
	bus := newBusRecorder()
	mgr := newManager(t, bus, managerConfig(config.DeviceSpec{
		DeviceID: "d1", Endpoint: stub.srv.URL, MaxRetries: 2,
	}))

	require.NoError(t, mgr.Connect(context.Background(), "d1"))
	conn := <-stub.conns

	require.NoError(t, mgr.Dispatch(context.Background(), "d1", "t1", "x", nil, 0))
	stub.waitFrame(aip.TypeTaskDispatch)

	done := make(chan error, 1)
	go func() { done <- mgr.Cancel(context.Background(), "d1", "t1") }()

	stub.waitFrame(aip.TypeTaskCancel)
	stub.reply(conn, aip.NewTaskCancelled("t1"))
	require.NoError(t, <-done)

	require.Eventually(t, func() bool {
		return len(mgr.Eligible(core.DeviceBinding{})) == 1
	}, 5*time.Second, 10*time.Millisecond)
}

func TestDeviceLostFailsTaskAfterGrace(t *testing.T) {
	stub := newStubDevice(t, "d1", nil, "linux")
	bus := newBusRecorder()
	mgr := newManager(t, bus, managerConfig(config.DeviceSpec{
		DeviceID: "d1", Endpoint: stub.srv.URL, MaxRetries: 1,
	}))

	require.NoError(t, mgr.Connect(context.Background(), "d1"))
	conn := <-stub.conns

	require.NoError(t, mgr.Dispatch(context.Background(), "d1", "t1", "x", nil, 0))
	stub.waitFrame(aip.TypeTaskDispatch)

	// Drop the session and refuse the reconnect attempts.
	stub.refuse.Store(true)
	require.NoError(t, conn.Close(websocket.StatusGoingAway, "bye"))

	failed := bus.wait(t, func(e core.Event) bool { return e.Kind() == core.EventTaskFailed })
	taskEvent := failed.(core.TaskEvent)
	require.Equal(t, "t1", taskEvent.TaskID)
	require.NotNil(t, taskEvent.Err)
	require.Equal(t, core.ErrKindDeviceLost, taskEvent.Err.Kind)
}

func TestReconnectWithinGraceResumesTask(t *testing.T) {
	stub := newStubDevice(t, "d1", nil, "linux")
	bus := newBusRecorder()
	cfg := managerConfig(config.DeviceSpec{
		DeviceID: "d1", Endpoint: stub.srv.URL, MaxRetries: 3,
	})
	cfg.ReconnectDelayMS = 5000
	mgr := newManager(t, bus, cfg)

	require.NoError(t, mgr.Connect(context.Background(), "d1"))
	conn := <-stub.conns

	require.NoError(t, mgr.Dispatch(context.Background(), "d1", "t1", "x", nil, 0))
	stub.waitFrame(aip.TypeTaskDispatch)

	// Drop the session; the stub keeps accepting, so the manager reconnects
	// well inside the grace window.
	require.NoError(t, conn.Close(websocket.StatusGoingAway, "bye"))
	conn2 := <-stub.conns

	// The assignment survived the reconnect and still holds the slot.
	require.Empty(t, mgr.Eligible(core.DeviceBinding{}))

	stub.reply(conn2, aip.NewTaskCompleted("t1", json.RawMessage(`{"ok":true}`)))
	event := bus.wait(t, func(e core.Event) bool {
		kind := e.Kind()
		return kind == core.EventTaskCompleted || kind == core.EventTaskFailed
	})
	require.Equal(t, core.EventTaskCompleted, event.Kind())
	require.Equal(t, "t1", event.(core.TaskEvent).TaskID)
}

func TestEligibleOrdersByDispatchLoad(t *testing.T) {
	one := newStubDevice(t, "d1", []string{"shell"}, "linux")
	two := newStubDevice(t, "d2", []string{"shell"}, "linux")
	bus := newBusRecorder()
	mgr := newManager(t, bus, managerConfig(
		config.DeviceSpec{DeviceID: "d1", Endpoint: one.srv.URL, MaxRetries: 2},
		config.DeviceSpec{DeviceID: "d2", Endpoint: two.srv.URL, MaxRetries: 2},
	))

	require.NoError(t, mgr.Connect(context.Background(), "d1"))
	require.NoError(t, mgr.Connect(context.Background(), "d2"))
	conn1 := <-one.conns
	<-two.conns

	// An untouched fleet ties on load, so IDs decide the order.
	require.Equal(t, []string{"d1", "d2"}, mgr.Eligible(core.DeviceBinding{}))

	require.NoError(t, mgr.Dispatch(context.Background(), "d1", "t1", "x", nil, 0))
	one.waitFrame(aip.TypeTaskDispatch)
	one.reply(conn1, aip.NewTaskCompleted("t1", json.RawMessage(`{}`)))
	bus.wait(t, func(e core.Event) bool { return e.Kind() == core.EventTaskCompleted })

	// d1 carries one dispatch, so the idle d2 goes first now.
	require.Eventually(t, func() bool {
		eligible := mgr.Eligible(core.DeviceBinding{})
		return len(eligible) == 2 && eligible[0] == "d2" && eligible[1] == "d1"
	}, 5*time.Second, 10*time.Millisecond)
}

func TestEligibleFiltersBinding(t *testing.T) {
	shell := newStubDevice(t, "d1", []string{"shell"}, "linux")
	gui := newStubDevice(t, "d2", []string{"shell", "gui"}, "android")
	bus := newBusRecorder()
	mgr := newManager(t, bus, managerConfig(
		config.DeviceSpec{DeviceID: "d1", Endpoint: shell.srv.URL, MaxRetries: 2},
		config.DeviceSpec{DeviceID: "d2", Endpoint: gui.srv.URL, MaxRetries: 2},
	))

	require.NoError(t, mgr.Connect(context.Background(), "d1"))
	require.NoError(t, mgr.Connect(context.Background(), "d2"))
	<-shell.conns
	<-gui.conns

	require.Equal(t, []string{"d1", "d2"}, mgr.Eligible(core.DeviceBinding{}))
	require.Equal(t, []string{"d2"}, mgr.Eligible(core.DeviceBinding{Capabilities: []string{"gui"}}))
	require.Equal(t, []string{"d2"}, mgr.Eligible(core.DeviceBinding{OS: "android"}))
	require.Equal(t, []string{"d1"}, mgr.Eligible(core.DeviceBinding{DeviceID: "d1"}))
	require.Empty(t, mgr.Eligible(core.DeviceBinding{Capabilities: []string{"camera"}}))
}

func TestInboundRegistration(t *testing.T) {
	bus := newBusRecorder()
	mgr := newManager(t, bus, managerConfig(config.DeviceSpec{
		DeviceID: "listed", Endpoint: "ws://unused", MaxRetries: 1,
	}))

	srv := httptest.NewServer(mgr.Handler())
	t.Cleanup(srv.Close)

	conn, _, err := websocket.Dial(context.Background(), srv.URL+"/aip/v1/connect", nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close(websocket.StatusNormalClosure, "done") })

	data, err := aip.Encode(aip.NewRegister("walk-in", []string{"camera"}, "ios", nil))
	require.NoError(t, err)
	require.NoError(t, conn.Write(context.Background(), websocket.MessageText, data))

	_, raw, err := conn.Read(context.Background())
	require.NoError(t, err)
	ack, err := aip.Decode(raw)
	require.NoError(t, err)
	require.Equal(t, aip.TypeRegisterAck, ack.Type)
	require.True(t, *ack.Accepted)

	require.Eventually(t, func() bool {
		return len(mgr.Eligible(core.DeviceBinding{DeviceID: "walk-in"})) == 1
	}, 5*time.Second, 10*time.Millisecond)
}
