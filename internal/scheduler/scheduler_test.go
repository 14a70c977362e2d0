package scheduler_test

import (
	"context"
	"encoding/json"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/galaxy-org/galaxy/internal/config"
	"github.com/galaxy-org/galaxy/internal/constellation"
	"github.com/galaxy-org/galaxy/internal/core"
	"github.com/galaxy-org/galaxy/internal/eventbus"
	"github.com/galaxy-org/galaxy/internal/scheduler"
)

// outcome scripts what the fake gateway reports for one attempt.
type outcome struct {
	fail   bool
	silent bool // never report back; used for timeout tests
	delay  time.Duration
	result json.RawMessage
}

// fakeGateway simulates a fleet of single-slot devices. Dispatch spawns a
// goroutine that publishes the scripted task events on the bus, the same way
// the real device manager does.
type fakeGateway struct {
	bus *eventbus.Bus

	mu         sync.Mutex
	free       map[string]bool
	gone       map[string]bool // connection attempts exhausted
	caps       map[string][]string
	outcomes   map[string][]outcome // taskID -> per-attempt script
	attempts   map[string]int
	dispatched []string
	cancelled  []string
	inFlight   int
	peak       int
}

func newFakeGateway(bus *eventbus.Bus, deviceIDs ...string) *fakeGateway {
	g := &fakeGateway{
		bus:      bus,
		free:     make(map[string]bool),
		gone:     make(map[string]bool),
		caps:     make(map[string][]string),
		outcomes: make(map[string][]outcome),
		attempts: make(map[string]int),
	}
	for _, id := range deviceIDs {
		g.free[id] = true
	}
	return g
}

func (g *fakeGateway) script(taskID string, attempts ...outcome) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.outcomes[taskID] = attempts
}

func (g *fakeGateway) Eligible(binding core.DeviceBinding) []string {
	g.mu.Lock()
	defer g.mu.Unlock()
	var out []string
	for id, free := range g.free {
		if !free || g.gone[id] {
			continue
		}
		if binding.DeviceID != "" && binding.DeviceID != id {
			continue
		}
		if !hasAll(g.caps[id], binding.Capabilities) {
			continue
		}
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

func (g *fakeGateway) Reachable(binding core.DeviceBinding) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	for id := range g.free {
		if g.gone[id] {
			continue
		}
		if binding.DeviceID != "" && binding.DeviceID != id {
			continue
		}
		if !hasAll(g.caps[id], binding.Capabilities) {
			continue
		}
		return true
	}
	return false
}

func hasAll(have, want []string) bool {
	set := make(map[string]struct{}, len(have))
	for _, c := range have {
		set[c] = struct{}{}
	}
	for _, c := range want {
		if _, ok := set[c]; !ok {
			return false
		}
	}
	return true
}

func (g *fakeGateway) Dispatch(_ context.Context, deviceID, taskID, _ string, _ json.RawMessage, _ time.Duration) error {
	g.mu.Lock()
	g.free[deviceID] = false
	g.dispatched = append(g.dispatched, taskID)
	attempt := g.attempts[taskID]
	g.attempts[taskID]++
	g.inFlight++
	if g.inFlight > g.peak {
		g.peak = g.inFlight
	}
	script := g.outcomes[taskID]
	g.mu.Unlock()

	var out outcome
	if attempt < len(script) {
		out = script[attempt]
	}

	go func() {
		g.bus.Publish(core.TaskEvent{
			EventKind: core.EventTaskStarted, At: time.Now(),
			SourceID: deviceID, TaskID: taskID, Status: core.StatusRunning,
		})
		if out.delay > 0 {
			time.Sleep(out.delay)
		}
		if out.silent {
			return
		}
		g.release(deviceID)
		if out.fail {
			g.bus.Publish(core.TaskEvent{
				EventKind: core.EventTaskFailed, At: time.Now(),
				SourceID: deviceID, TaskID: taskID, Status: core.StatusFailed,
				Err: &core.ErrorRecord{Kind: core.ErrKindExecution, Message: "scripted failure"},
			})
			return
		}
		result := out.result
		if result == nil {
			result = json.RawMessage(`{}`)
		}
		g.bus.Publish(core.TaskEvent{
			EventKind: core.EventTaskCompleted, At: time.Now(),
			SourceID: deviceID, TaskID: taskID, Status: core.StatusCompleted,
			Result: result,
		})
	}()
	return nil
}

func (g *fakeGateway) release(deviceID string) {
	g.mu.Lock()
	g.free[deviceID] = true
	g.inFlight--
	g.mu.Unlock()
}

func (g *fakeGateway) Cancel(_ context.Context, deviceID, taskID string) error {
	g.mu.Lock()
	g.cancelled = append(g.cancelled, taskID)
	g.mu.Unlock()
	g.release(deviceID)
	return nil
}

func (g *fakeGateway) dispatchOrder() []string {
	g.mu.Lock()
	defer g.mu.Unlock()
	return append([]string(nil), g.dispatched...)
}

func testConfig() *config.Config {
	return &config.Config{
		MaxConcurrentTasks: 6,
		MaxStep:            15,
		StepBudgetMS:       60000,
		CancelTimeoutMS:    200,
	}
}

func newRun(t *testing.T) (*eventbus.Bus, *constellation.Constellation) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	bus := eventbus.New(ctx)
	t.Cleanup(bus.Close)
	return bus, constellation.New("test-run", bus)
}

func addTask(t *testing.T, txn *constellation.Txn, id string, maxAttempts int) {
	t.Helper()
	_, err := txn.CreateNode(constellation.NodeSpec{
		ID:          id,
		Intent:      "do " + id,
		Binding:     core.DeviceBinding{Capabilities: []string{"shell"}},
		MaxAttempts: maxAttempts,
	})
	require.NoError(t, err)
}

func TestLinearChainCompletes(t *testing.T) {
	bus, cons := newRun(t)
	gw := newFakeGateway(bus, "d1")
	gw.caps["d1"] = []string{"shell"}

	require.NoError(t, cons.Batch(context.Background(), func(txn *constellation.Txn) error {
		addTask(t, txn, "a", 1)
		addTask(t, txn, "b", 1)
		addTask(t, txn, "c", 1)
		require.NoError(t, txn.CreateEdge("a", "b", core.CondOnSuccess))
		require.NoError(t, txn.CreateEdge("b", "c", core.CondOnSuccess))
		return nil
	}))

	sched := scheduler.New(bus, cons, gw, testConfig(), nil)
	state, err := sched.Run(context.Background())
	require.NoError(t, err)
	require.Equal(t, core.StateCompleted, state)
	require.Equal(t, []string{"a", "b", "c"}, gw.dispatchOrder())
}

func TestConcurrencyBound(t *testing.T) {
	bus, cons := newRun(t)
	devices := []string{"d1", "d2", "d3", "d4", "d5", "d6", "d7", "d8"}
	gw := newFakeGateway(bus, devices...)
	for _, d := range devices {
		gw.caps[d] = []string{"shell"}
	}

	cfg := testConfig()
	cfg.MaxConcurrentTasks = 2

	require.NoError(t, cons.Batch(context.Background(), func(txn *constellation.Txn) error {
		for _, id := range []string{"t1", "t2", "t3", "t4", "t5", "t6"} {
			addTask(t, txn, id, 1)
			gw.script(id, outcome{delay: 20 * time.Millisecond})
		}
		return nil
	}))

	sched := scheduler.New(bus, cons, gw, cfg, nil)
	state, err := sched.Run(context.Background())
	require.NoError(t, err)
	require.Equal(t, core.StateCompleted, state)
	require.LessOrEqual(t, gw.peak, 2)
}

func TestRetryWithinBudget(t *testing.T) {
	bus, cons := newRun(t)
	gw := newFakeGateway(bus, "d1")
	gw.caps["d1"] = []string{"shell"}
	gw.script("flaky", outcome{fail: true}, outcome{})

	require.NoError(t, cons.Batch(context.Background(), func(txn *constellation.Txn) error {
		addTask(t, txn, "flaky", 2)
		return nil
	}))

	sched := scheduler.New(bus, cons, gw, testConfig(), nil)
	state, err := sched.Run(context.Background())
	require.NoError(t, err)
	require.Equal(t, core.StateCompleted, state)
	require.Equal(t, []string{"flaky", "flaky"}, gw.dispatchOrder())

	node, ok := cons.Node("flaky")
	require.True(t, ok)
	require.Equal(t, 1, node.Attempt)
}

func TestExhaustedRetriesFailRun(t *testing.T) {
	bus, cons := newRun(t)
	gw := newFakeGateway(bus, "d1")
	gw.caps["d1"] = []string{"shell"}
	gw.script("doomed", outcome{fail: true}, outcome{fail: true})

	require.NoError(t, cons.Batch(context.Background(), func(txn *constellation.Txn) error {
		addTask(t, txn, "doomed", 2)
		addTask(t, txn, "after", 1)
		require.NoError(t, txn.CreateEdge("doomed", "after", core.CondOnSuccess))
		return nil
	}))

	sched := scheduler.New(bus, cons, gw, testConfig(), nil)
	state, err := sched.Run(context.Background())
	require.NoError(t, err)
	require.Equal(t, core.StateFailed, state)

	after, ok := cons.Node("after")
	require.True(t, ok)
	require.Equal(t, core.StatusSkipped, after.Status)
}

func TestOnFailureFallbackCompensates(t *testing.T) {
	bus, cons := newRun(t)
	gw := newFakeGateway(bus, "d1")
	gw.caps["d1"] = []string{"shell"}
	gw.script("primary", outcome{fail: true})

	require.NoError(t, cons.Batch(context.Background(), func(txn *constellation.Txn) error {
		addTask(t, txn, "primary", 1)
		addTask(t, txn, "fallback", 1)
		require.NoError(t, txn.CreateEdge("primary", "fallback", core.CondOnFailure))
		return nil
	}))

	sched := scheduler.New(bus, cons, gw, testConfig(), nil)
	state, err := sched.Run(context.Background())
	require.NoError(t, err)
	require.Equal(t, core.StateCompleted, state)

	fallback, ok := cons.Node("fallback")
	require.True(t, ok)
	require.Equal(t, core.StatusCompleted, fallback.Status)
}

func TestTimeoutFailsAttempt(t *testing.T) {
	bus, cons := newRun(t)
	gw := newFakeGateway(bus, "d1")
	gw.caps["d1"] = []string{"shell"}
	gw.script("slow", outcome{silent: true})

	require.NoError(t, cons.Batch(context.Background(), func(txn *constellation.Txn) error {
		_, err := txn.CreateNode(constellation.NodeSpec{
			ID:        "slow",
			Intent:    "do slow",
			Binding:   core.DeviceBinding{Capabilities: []string{"shell"}},
			TimeoutMS: 50,
		})
		return err
	}))

	sched := scheduler.New(bus, cons, gw, testConfig(), nil)
	state, err := sched.Run(context.Background())
	require.NoError(t, err)
	require.Equal(t, core.StateFailed, state)

	node, ok := cons.Node("slow")
	require.True(t, ok)
	require.Equal(t, core.StatusFailed, node.Status)
	require.NotNil(t, node.Err)
	require.Equal(t, core.ErrKindTimeout, node.Err.Kind)
	require.Contains(t, gw.cancelled, "slow")
}

func TestEscalateInsertsFallback(t *testing.T) {
	bus, cons := newRun(t)
	gw := newFakeGateway(bus, "d1")
	gw.caps["d1"] = []string{"shell"}
	gw.script("primary", outcome{fail: true})

	require.NoError(t, cons.Batch(context.Background(), func(txn *constellation.Txn) error {
		addTask(t, txn, "primary", 1)
		return nil
	}))

	// Calls are serialized: the scheduler runs at most one escalation at a
	// time, so plain variables are safe here.
	var inserted bool
	escalate := func(ctx context.Context, snap *constellation.Snapshot) (bool, error) {
		if _, found := scheduler.UncompensatedFailure(snap); !found {
			return false, nil
		}
		if inserted {
			return false, nil
		}
		inserted = true
		err := cons.Batch(ctx, func(txn *constellation.Txn) error {
			addTask(t, txn, "repair", 1)
			return txn.CreateEdge("primary", "repair", core.CondOnFailure)
		})
		return true, err
	}

	sched := scheduler.New(bus, cons, gw, testConfig(), escalate)
	state, err := sched.Run(context.Background())
	require.NoError(t, err)
	require.Equal(t, core.StateCompleted, state)

	repair, ok := cons.Node("repair")
	require.True(t, ok)
	require.Equal(t, core.StatusCompleted, repair.Status)
}

func TestUnreachableDeviceFailsRun(t *testing.T) {
	bus, cons := newRun(t)
	gw := newFakeGateway(bus, "d1")
	gw.caps["d1"] = []string{"shell"}
	gw.free["d1"] = false
	gw.gone["d1"] = true

	require.NoError(t, cons.Batch(context.Background(), func(txn *constellation.Txn) error {
		_, err := txn.CreateNode(constellation.NodeSpec{
			ID:          "stranded",
			Intent:      "do stranded",
			Binding:     core.DeviceBinding{DeviceID: "d1"},
			MaxAttempts: 2,
		})
		return err
	}))

	sched := scheduler.New(bus, cons, gw, testConfig(), nil)
	state, err := sched.Run(context.Background())
	require.NoError(t, err)
	require.Equal(t, core.StateFailed, state)
	require.Equal(t, core.StateFailed, cons.State())

	node, ok := cons.Node("stranded")
	require.True(t, ok)
	require.Equal(t, core.StatusFailed, node.Status)
	require.NotNil(t, node.Err)
	require.Equal(t, core.ErrKindDeviceLost, node.Err.Kind)
	require.Equal(t, 1, node.Attempt)
	require.Empty(t, gw.dispatchOrder())
}

func TestEmptyPlanCompletesImmediately(t *testing.T) {
	bus, cons := newRun(t)
	gw := newFakeGateway(bus, "d1")

	sched := scheduler.New(bus, cons, gw, testConfig(), nil)
	state, err := sched.Run(context.Background())
	require.NoError(t, err)
	require.Equal(t, core.StateCompleted, state)
	require.Equal(t, core.StateCompleted, cons.State())
	require.Empty(t, gw.dispatchOrder())
}

func TestRunCancellation(t *testing.T) {
	bus, cons := newRun(t)
	gw := newFakeGateway(bus, "d1")
	gw.caps["d1"] = []string{"shell"}
	gw.script("hang", outcome{silent: true})

	require.NoError(t, cons.Batch(context.Background(), func(txn *constellation.Txn) error {
		addTask(t, txn, "hang", 1)
		return nil
	}))

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(50 * time.Millisecond)
		cancel()
	}()

	sched := scheduler.New(bus, cons, gw, testConfig(), nil)
	state, err := sched.Run(ctx)
	require.ErrorIs(t, err, context.Canceled)
	require.Equal(t, core.StateCancelled, state)
	require.Equal(t, core.StateCancelled, cons.State())

	node, ok := cons.Node("hang")
	require.True(t, ok)
	require.Equal(t, core.StatusCancelled, node.Status)
	require.Contains(t, gw.cancelled, "hang")
}
