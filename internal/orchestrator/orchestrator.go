// Package orchestrator ties the pieces together for one user request: it
// obtains the initial plan, runs the scheduler, and brokers plan revisions
// between the execution layer and the planner.
package orchestrator

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/galaxy-org/galaxy/internal/common/backoff"
	"github.com/galaxy-org/galaxy/internal/common/logger"
	"github.com/galaxy-org/galaxy/internal/common/logger/tag"
	"github.com/galaxy-org/galaxy/internal/config"
	"github.com/galaxy-org/galaxy/internal/constellation"
	"github.com/galaxy-org/galaxy/internal/core"
	"github.com/galaxy-org/galaxy/internal/device"
	"github.com/galaxy-org/galaxy/internal/eventbus"
	"github.com/galaxy-org/galaxy/internal/planner"
	"github.com/galaxy-org/galaxy/internal/scheduler"
)

// Fleet is the slice of the device manager the orchestrator needs.
type Fleet interface {
	scheduler.DeviceGateway
	Views() []device.View
}

// Result is the terminal summary of one orchestrated request.
type Result struct {
	ConstellationID string                  `json:"constellation_id"`
	Outcome         core.ConstellationState `json:"outcome"`
	Reason          string                  `json:"reason,omitempty"`
	CulpritNode     string                  `json:"culprit_node,omitempty"`
	StartedAt       time.Time               `json:"started_at"`
	FinishedAt      time.Time               `json:"finished_at"`
	PlanEdits       []EditRecord            `json:"plan_edits,omitempty"`
	Snapshot        *constellation.Snapshot `json:"snapshot,omitempty"`
}

// EditRecord is one serviced plan revision.
type EditRecord struct {
	At     time.Time `json:"at"`
	Reason string    `json:"reason"`
}

// Orchestrator coordinates one request end to end. It is single-use: create
// one per Run.
type Orchestrator struct {
	cfg     *config.Config
	bus     *eventbus.Bus
	fleet   Fleet
	planner planner.Planner

	consMu      sync.RWMutex
	cons        *constellation.Constellation
	userRequest string

	plannerMu sync.Mutex
	serviced  map[string]bool
	edits     []EditRecord
}

// New builds an orchestrator for a single request.
func New(cfg *config.Config, bus *eventbus.Bus, fleet Fleet, p planner.Planner) *Orchestrator {
	return &Orchestrator{
		cfg:      cfg,
		bus:      bus,
		fleet:    fleet,
		planner:  p,
		serviced: make(map[string]bool),
	}
}

// Run decomposes the user request into a constellation and executes it to a
// terminal state.
func (o *Orchestrator) Run(ctx context.Context, userRequest string) (*Result, error) {
	started := time.Now()
	o.userRequest = userRequest
	o.consMu.Lock()
	o.cons = constellation.New(o.cfg.ConstellationID, o.bus)
	o.consMu.Unlock()

	o.bus.Publish(core.ConstellationEvent{
		EventKind:       core.EventConstellationCreated,
		At:              started,
		SourceID:        o.cons.ID(),
		ConstellationID: o.cons.ID(),
		State:           core.StateDraft,
	})
	logger.Info(ctx, "Planning user request", tag.Constellation, o.cons.ID())

	err := o.installPlan(ctx, func(ctx context.Context) (constellation.PlanSpec, error) {
		return o.planner.Create(ctx, planner.CreateRequest{
			ConstellationID: o.cons.ID(),
			UserRequest:     userRequest,
			Devices:         o.fleet.Views(),
		})
	})
	if err != nil {
		reason := fmt.Sprintf("initial planning failed: %v", err)
		if stateErr := o.cons.SetState(ctx, core.StateFailed, reason); stateErr != nil {
			logger.Error(ctx, "Failed to mark constellation failed", tag.Error, stateErr)
		}
		return o.result(started, core.StateFailed, reason), err
	}

	sched := scheduler.New(o.bus, o.cons, o.fleet, o.cfg, o.escalate)
	state, runErr := sched.Run(ctx)

	res := o.result(started, state, "")
	switch state {
	case core.StateFailed:
		if culprit, found := scheduler.UncompensatedFailure(res.Snapshot); found {
			res.CulpritNode = culprit
			if node, ok := res.Snapshot.Node(culprit); ok && node.Err != nil {
				res.Reason = node.Err.Message
			}
		}
		if res.Reason == "" {
			res.Reason = "execution failed"
		}
	case core.StateCancelled:
		res.Reason = "run cancelled"
	}
	return res, runErr
}

// Snapshot returns the current constellation snapshot, or nil before Run has
// created the graph. Safe for concurrent use by telemetry scrapes.
func (o *Orchestrator) Snapshot() *constellation.Snapshot {
	o.consMu.RLock()
	defer o.consMu.RUnlock()
	if o.cons == nil {
		return nil
	}
	return o.cons.Snapshot()
}

func (o *Orchestrator) result(started time.Time, outcome core.ConstellationState, reason string) *Result {
	o.plannerMu.Lock()
	edits := append([]EditRecord(nil), o.edits...)
	o.plannerMu.Unlock()
	return &Result{
		ConstellationID: o.cons.ID(),
		Outcome:         outcome,
		Reason:          reason,
		StartedAt:       started,
		FinishedAt:      time.Now(),
		PlanEdits:       edits,
		Snapshot:        o.cons.Snapshot(),
	}
}

// installPlan fetches a plan and applies it, retrying both planner errors and
// plans that fail graph validation, up to the configured retry budget.
func (o *Orchestrator) installPlan(ctx context.Context, fetch func(ctx context.Context) (constellation.PlanSpec, error)) error {
	policy := backoff.NewConstantBackoffPolicy(time.Second)
	policy.MaxRetries = o.cfg.MaxPlannerRetries

	return backoff.Retry(ctx, func(ctx context.Context) error {
		spec, err := fetch(ctx)
		if err != nil {
			logger.Warn(ctx, "Planner call failed", tag.Error, err)
			return err
		}
		if err := o.cons.Batch(ctx, func(txn *constellation.Txn) error {
			return txn.ApplyPlan(spec)
		}); err != nil {
			logger.Warn(ctx, "Plan rejected by graph validation", tag.Error, err)
			return fmt.Errorf("%w: %v", planner.ErrInvalidPlan, err)
		}
		return nil
	}, policy, nil)
}

// escalate is the scheduler's replanning hook, consulted with a snapshot
// after every graph change while dispatching continues. It asks the planner
// for a revision when a task failed beyond its retry budget without a live
// or completed fallback, or when a completed task requested an edit. Each
// trigger is serviced at most once, so an unhelpful revision cannot loop.
func (o *Orchestrator) escalate(ctx context.Context, snap *constellation.Snapshot) (bool, error) {
	o.plannerMu.Lock()
	defer o.plannerMu.Unlock()

	reason, ok := o.nextEscalation(snap)
	if !ok {
		return false, nil
	}
	logger.Info(ctx, "Escalating to planner",
		tag.Constellation, o.cons.ID(), tag.Reason, reason)

	err := o.installPlan(ctx, func(ctx context.Context) (constellation.PlanSpec, error) {
		return o.planner.Edit(ctx, planner.EditRequest{
			ConstellationID: o.cons.ID(),
			UserRequest:     o.userRequest,
			Reason:          reason,
			Snapshot:        o.cons.Snapshot(),
			Devices:         o.fleet.Views(),
		})
	})
	if err != nil {
		return false, fmt.Errorf("plan revision: %w", err)
	}
	o.edits = append(o.edits, EditRecord{At: time.Now(), Reason: reason})
	return true, nil
}

// nextEscalation picks the first unserviced escalation trigger.
func (o *Orchestrator) nextEscalation(snap *constellation.Snapshot) (string, bool) {
	if culprit, found := scheduler.UncompensatedFailure(snap); found && !fallbackInFlight(snap, culprit) {
		node, _ := snap.Node(culprit)
		key := "fail:" + culprit + ":" + strconv.Itoa(node.Attempt)
		if !o.serviced[key] {
			o.serviced[key] = true
			msg := "unknown error"
			if node.Err != nil {
				msg = node.Err.Message
			}
			return fmt.Sprintf("task %s failed beyond retry budget: %s", culprit, msg), true
		}
	}

	for _, node := range snap.Nodes {
		if node.Status != core.StatusCompleted || !requestsEdit(node.Result) {
			continue
		}
		key := "edit:" + node.ID + ":" + strconv.Itoa(node.Attempt)
		if !o.serviced[key] {
			o.serviced[key] = true
			return fmt.Sprintf("task %s requested a plan edit", node.ID), true
		}
	}
	return "", false
}

// fallbackInFlight reports whether a failed node still has a live fallback
// path: an on_failure or always successor that has not reached a terminal
// state. Such a failure may yet be compensated, so it is not escalated.
func fallbackInFlight(snap *constellation.Snapshot, id string) bool {
	for _, edge := range snap.Outgoing(id) {
		if edge.Condition != core.CondOnFailure && edge.Condition != core.CondAlways {
			continue
		}
		if node, ok := snap.Node(edge.To); ok && !node.Status.IsTerminal() {
			return true
		}
	}
	return false
}

// requestsEdit reports whether a task result asks for replanning.
func requestsEdit(result json.RawMessage) bool {
	if len(result) == 0 {
		return false
	}
	var payload struct {
		RequestEdit bool `json:"request_edit"`
	}
	if err := json.Unmarshal(result, &payload); err != nil {
		return false
	}
	return payload.RequestEdit
}
