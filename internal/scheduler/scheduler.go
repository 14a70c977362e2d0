// Package scheduler drives execution of a constellation: it watches the
// graph for ready work, assigns devices, dispatches tasks under the
// concurrency bound, applies task outcomes back to the graph, and detects
// termination.
package scheduler

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/galaxy-org/galaxy/internal/common/logger"
	"github.com/galaxy-org/galaxy/internal/common/logger/tag"
	"github.com/galaxy-org/galaxy/internal/config"
	"github.com/galaxy-org/galaxy/internal/constellation"
	"github.com/galaxy-org/galaxy/internal/core"
	"github.com/galaxy-org/galaxy/internal/eventbus"
)

// DeviceGateway is the slice of the device manager the scheduler needs.
// Eligible returns free devices ordered least-loaded first; Reachable reports
// whether any device satisfying the binding could still serve a dispatch,
// now or after a reconnect.
type DeviceGateway interface {
	Eligible(binding core.DeviceBinding) []string
	Reachable(binding core.DeviceBinding) bool
	Dispatch(ctx context.Context, deviceID, taskID, intent string, payload json.RawMessage, timeout time.Duration) error
	Cancel(ctx context.Context, deviceID, taskID string) error
}

// EscalateFunc is consulted with a fresh snapshot after every graph change.
// It returns true when it edited the graph in response to a replanning
// trigger (a task failed beyond its retry budget without a completed
// fallback, or a completed task requested an edit) and false when no
// unserviced trigger exists. It runs off the dispatch loop, so the scheduler
// keeps dispatching other ready nodes while a plan revision is in flight.
type EscalateFunc func(ctx context.Context, snap *constellation.Snapshot) (bool, error)

// Scheduler owns the dispatch loop for one constellation run.
type Scheduler struct {
	bus      *eventbus.Bus
	cons     *constellation.Constellation
	devices  DeviceGateway
	cfg      *config.Config
	escalate EscalateFunc

	wake chan struct{}

	mu            sync.Mutex
	timers        map[string]*attemptTimer
	escalating    bool
	escalatedRev  uint64
	escalationErr error
}

type attemptTimer struct {
	attempt int
	timer   *time.Timer
}

// New builds a scheduler. The escalate hook may be nil.
func New(bus *eventbus.Bus, cons *constellation.Constellation, devices DeviceGateway, cfg *config.Config, escalate EscalateFunc) *Scheduler {
	return &Scheduler{
		bus:      bus,
		cons:     cons,
		devices:  devices,
		cfg:      cfg,
		escalate: escalate,
		wake:     make(chan struct{}, 1),
		timers:   make(map[string]*attemptTimer),
	}
}

// Run executes the constellation to a terminal state. It returns the final
// state; a context cancellation cancels all in-flight tasks first.
func (s *Scheduler) Run(ctx context.Context) (core.ConstellationState, error) {
	unsub := s.bus.Subscribe("scheduler", s.onEvent,
		core.EventTaskCompleted,
		core.EventTaskFailed,
		core.EventConstellationUpdated,
		core.EventDeviceConnected,
		core.EventDeviceStatusChanged,
	)
	defer unsub()
	defer s.stopAllTimers()

	if s.cons.State() == core.StateDraft {
		if err := s.cons.SetState(ctx, core.StateExecuting, "run started"); err != nil {
			return s.cons.State(), err
		}
	}

	s.poke()
	for {
		select {
		case <-ctx.Done():
			s.cancelInFlight(ctx)
			return core.StateCancelled, ctx.Err()
		case <-s.wake:
			if state, finished := s.step(ctx); finished {
				return state, nil
			}
		}
	}
}

func (s *Scheduler) poke() {
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

func (s *Scheduler) onEvent(ctx context.Context, event core.Event) {
	if taskEvent, ok := event.(core.TaskEvent); ok && taskEvent.Kind().IsTerminalTaskEvent() {
		s.applyTaskResult(ctx, taskEvent)
	}
	s.poke()
}

// applyTaskResult commits a device-reported outcome to the graph. Stale
// reports for nodes that are no longer running are ignored; a failure within
// the retry budget is converted to a fresh pending attempt in the same batch.
func (s *Scheduler) applyTaskResult(ctx context.Context, event core.TaskEvent) {
	s.stopTimer(event.TaskID)
	err := s.cons.Batch(ctx, func(txn *constellation.Txn) error {
		node, ok := txn.Node(event.TaskID)
		if !ok || node.Status != core.StatusRunning {
			return nil
		}
		if event.SourceID != "" && node.AssignedDeviceID != "" && event.SourceID != node.AssignedDeviceID {
			logger.Warn(ctx, "Ignoring task report from unassigned device",
				tag.Task, event.TaskID, tag.Device, event.SourceID)
			return nil
		}

		switch event.Kind() {
		case core.EventTaskCompleted:
			return txn.UpdateStatus(event.TaskID, core.StatusCompleted, event.Result, nil)
		case core.EventTaskFailed:
			if err := txn.UpdateStatus(event.TaskID, core.StatusFailed, nil, event.Err); err != nil {
				return err
			}
			if node.CanRetry() {
				logger.Info(ctx, "Retrying failed task",
					tag.Task, event.TaskID, tag.Attempt, node.Attempt+1)
				return txn.Retry(event.TaskID)
			}
		}
		return nil
	})
	if err != nil {
		logger.Error(ctx, "Failed to apply task result",
			tag.Task, event.TaskID, tag.Error, err)
	}
}

// step dispatches ready work up to the concurrency bound, then checks for
// termination. It returns the final state when the run is over.
func (s *Scheduler) step(ctx context.Context) (core.ConstellationState, bool) {
	snap := s.cons.Snapshot()
	capacity := s.cfg.MaxConcurrentTasks - snap.CountByStatus()[core.StatusRunning]

	for _, node := range snap.Nodes {
		if capacity <= 0 {
			break
		}
		if node.Status != core.StatusReady {
			continue
		}
		deviceID, ok := s.pickDevice(node)
		if !ok {
			if !s.devices.Reachable(node.Binding) {
				s.failUnreachable(ctx, node)
			}
			continue
		}
		if err := s.dispatchNode(ctx, node, deviceID); err != nil {
			logger.Warn(ctx, "Dispatch failed, node returned to ready",
				tag.Task, node.ID, tag.Device, deviceID, tag.Error, err)
			continue
		}
		capacity--
	}

	snap = s.cons.Snapshot()
	s.maybeEscalate(ctx, snap)

	s.mu.Lock()
	escalating := s.escalating
	escErr := s.escalationErr
	s.mu.Unlock()

	if snap.HasWork() || escalating {
		return "", false
	}

	if escErr != nil {
		return s.finalize(ctx, snap, fmt.Sprintf("escalation failed: %v", escErr)), true
	}
	if !snap.AllTerminal() {
		return "", false
	}
	return s.finalize(ctx, snap, ""), true
}

// maybeEscalate consults the escalation hook off the dispatch loop so other
// ready nodes keep dispatching while the planner works on the snapshot. Each
// graph revision is consulted at most once; the completion poke re-runs step,
// which either sees new work from the applied edit or finalizes.
func (s *Scheduler) maybeEscalate(ctx context.Context, snap *constellation.Snapshot) {
	if s.escalate == nil {
		return
	}
	s.mu.Lock()
	if s.escalating || snap.Revision == s.escalatedRev {
		s.mu.Unlock()
		return
	}
	s.escalating = true
	s.escalatedRev = snap.Revision
	s.mu.Unlock()

	go func() {
		_, err := s.escalate(ctx, snap)
		s.mu.Lock()
		s.escalating = false
		if err != nil {
			s.escalationErr = err
		}
		s.mu.Unlock()
		s.poke()
	}()
}

// pickDevice selects the execution device: an explicit binding wins, then
// the least-loaded free device satisfying the binding, ties broken by the
// lexicographically smaller device ID. The gateway returns candidates in that
// order already.
func (s *Scheduler) pickDevice(node constellation.TaskStar) (string, bool) {
	eligible := s.devices.Eligible(node.Binding)
	if len(eligible) == 0 {
		return "", false
	}
	return eligible[0], true
}

// failUnreachable fails a ready node whose binding no live or recoverable
// device can satisfy. The failure consumes retry budget like any other, so a
// device coming back mid-budget can still pick the task up; once the budget
// is exhausted the node fails for good and the run can finalize instead of
// waiting on a device that will never return.
func (s *Scheduler) failUnreachable(ctx context.Context, node constellation.TaskStar) {
	logger.Warn(ctx, "No reachable device satisfies task binding",
		tag.Task, node.ID, tag.Attempt, node.Attempt)
	err := s.cons.Batch(ctx, func(txn *constellation.Txn) error {
		staged, ok := txn.Node(node.ID)
		if !ok || staged.Status != core.StatusReady {
			return nil
		}
		errRec := &core.ErrorRecord{
			Kind:    core.ErrKindDeviceLost,
			Message: "no reachable device satisfies the binding",
		}
		if err := txn.UpdateStatus(node.ID, core.StatusFailed, nil, errRec); err != nil {
			return err
		}
		if staged.CanRetry() {
			return txn.Retry(node.ID)
		}
		return nil
	})
	if err != nil {
		logger.Error(ctx, "Failed to fail unreachable task",
			tag.Task, node.ID, tag.Error, err)
	}
}

func (s *Scheduler) dispatchNode(ctx context.Context, node constellation.TaskStar, deviceID string) error {
	timeout := s.taskTimeout(node)

	if err := s.cons.Batch(ctx, func(txn *constellation.Txn) error {
		return txn.MarkRunning(node.ID, deviceID)
	}); err != nil {
		return err
	}

	if err := s.devices.Dispatch(ctx, deviceID, node.ID, node.Intent, node.Payload, timeout); err != nil {
		if rbErr := s.cons.Batch(ctx, func(txn *constellation.Txn) error {
			return txn.UnmarkRunning(node.ID)
		}); rbErr != nil {
			logger.Error(ctx, "Dispatch rollback failed", tag.Task, node.ID, tag.Error, rbErr)
		}
		return err
	}

	s.armTimer(ctx, node.ID, node.Attempt, deviceID, timeout)
	return nil
}

// taskTimeout returns the per-attempt deadline: the node's own timeout when
// set, otherwise the step budget scaled by the step ceiling.
func (s *Scheduler) taskTimeout(node constellation.TaskStar) time.Duration {
	if node.TimeoutMS > 0 {
		return time.Duration(node.TimeoutMS) * time.Millisecond
	}
	return time.Duration(s.cfg.MaxStep) * s.cfg.StepBudget()
}

func (s *Scheduler) armTimer(ctx context.Context, taskID string, attempt int, deviceID string, timeout time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if prev, ok := s.timers[taskID]; ok {
		prev.timer.Stop()
	}
	s.timers[taskID] = &attemptTimer{
		attempt: attempt,
		timer: time.AfterFunc(timeout, func() {
			s.onTimeout(ctx, taskID, attempt, deviceID, timeout)
		}),
	}
}

func (s *Scheduler) stopTimer(taskID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if t, ok := s.timers[taskID]; ok {
		t.timer.Stop()
		delete(s.timers, taskID)
	}
}

func (s *Scheduler) stopAllTimers() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for id, t := range s.timers {
		t.timer.Stop()
		delete(s.timers, id)
	}
}

// onTimeout fires when an attempt exceeds its deadline: cancel on the device,
// then fail the attempt. The attempt guard makes a late timer for a finished
// or retried attempt a no-op.
func (s *Scheduler) onTimeout(ctx context.Context, taskID string, attempt int, deviceID string, timeout time.Duration) {
	logger.Warn(ctx, "Task attempt timed out",
		tag.Task, taskID, tag.Attempt, attempt, tag.Timeout, timeout.String())
	_ = s.devices.Cancel(ctx, deviceID, taskID)

	err := s.cons.Batch(ctx, func(txn *constellation.Txn) error {
		node, ok := txn.Node(taskID)
		if !ok || node.Status != core.StatusRunning || node.Attempt != attempt {
			return nil
		}
		errRec := &core.ErrorRecord{
			Kind:    core.ErrKindTimeout,
			Message: fmt.Sprintf("attempt exceeded %s", timeout),
		}
		if err := txn.UpdateStatus(taskID, core.StatusFailed, nil, errRec); err != nil {
			return err
		}
		if node.CanRetry() {
			return txn.Retry(taskID)
		}
		return nil
	})
	if err != nil {
		logger.Error(ctx, "Failed to record task timeout", tag.Task, taskID, tag.Error, err)
	}
	s.stopTimer(taskID)
	s.poke()
}

// cancelInFlight cancels every running task and moves all live nodes to
// cancelled. Used on context cancellation.
func (s *Scheduler) cancelInFlight(ctx context.Context) {
	cleanupCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.cfg.CancelTimeout()+time.Second)
	defer cancel()

	snap := s.cons.Snapshot()
	for _, node := range snap.Nodes {
		if node.Status == core.StatusRunning && node.AssignedDeviceID != "" {
			_ = s.devices.Cancel(cleanupCtx, node.AssignedDeviceID, node.ID)
		}
	}

	err := s.cons.Batch(cleanupCtx, func(txn *constellation.Txn) error {
		for _, node := range snap.Nodes {
			staged, ok := txn.Node(node.ID)
			if !ok || staged.Status.IsTerminal() {
				continue
			}
			if err := txn.UpdateStatus(node.ID, core.StatusCancelled, nil, nil); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		logger.Error(ctx, "Failed to cancel in-flight work", tag.Error, err)
	}
	if !s.cons.State().IsTerminal() {
		_ = s.cons.SetState(cleanupCtx, core.StateCancelled, "run cancelled")
	}
}

// finalize moves the constellation to its terminal state. A final-failed node
// whose on_failure fallback completed counts as compensated; a run with only
// compensated failures completes.
func (s *Scheduler) finalize(ctx context.Context, snap *constellation.Snapshot, reason string) core.ConstellationState {
	culprit, failed := UncompensatedFailure(snap)
	if failed {
		if reason == "" {
			reason = "task " + culprit + " failed beyond retry budget"
		}
		if err := s.cons.SetState(ctx, core.StateFailed, reason); err != nil {
			logger.Error(ctx, "Failed to finalize constellation", tag.Error, err)
		}
		return core.StateFailed
	}
	if reason == "" {
		reason = "all tasks settled"
	}
	if err := s.cons.SetState(ctx, core.StateCompleted, reason); err != nil {
		logger.Error(ctx, "Failed to finalize constellation", tag.Error, err)
	}
	return core.StateCompleted
}

// UncompensatedFailure returns the first final-failed node that has no
// completed on_failure fallback.
func UncompensatedFailure(snap *constellation.Snapshot) (string, bool) {
	for _, node := range snap.Nodes {
		if !node.FinalFailed() {
			continue
		}
		if !hasCompletedFallback(snap, node.ID) {
			return node.ID, true
		}
	}
	return "", false
}

func hasCompletedFallback(snap *constellation.Snapshot, id string) bool {
	for _, edge := range snap.Outgoing(id) {
		if edge.Condition != core.CondOnFailure && edge.Condition != core.CondAlways {
			continue
		}
		if target, ok := snap.Node(edge.To); ok && target.Status == core.StatusCompleted {
			return true
		}
	}
	return false
}
