// Package engine advances scenario instances: the router turns player
// events into instances, the executor walks each instance through its
// graph, and the scheduler wakes delayed instances.
package engine

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/spinleaf/scenario-engine/internal/dispatch"
	"github.com/spinleaf/scenario-engine/internal/events"
	"github.com/spinleaf/scenario-engine/internal/players"
	"github.com/spinleaf/scenario-engine/internal/predicate"
	"github.com/spinleaf/scenario-engine/internal/scenario"
	"github.com/spinleaf/scenario-engine/internal/store"
)

// conflictRetries bounds how often a step re-reads after losing a
// conditional write.
const conflictRetries = 3

// ActionDispatcher delivers action payloads. Satisfied by
// dispatch.Dispatcher.
type ActionDispatcher interface {
	Dispatch(ctx context.Context, req dispatch.Request) dispatch.Result
}

// ExecutorConfig wires the executor's collaborators.
type ExecutorConfig struct {
	Store      store.Store
	Registry   *scenario.Registry
	Attributes players.AttributeSource
	Segments   *players.SegmentStore
	Dispatcher ActionDispatcher
	Clock      Clock

	// FailOnMissingData fails an instance whose condition references an
	// unavailable attribute instead of treating the predicate as false.
	FailOnMissingData bool

	// DeferRetry is the wake delay applied when a dispatch is deferred.
	DeferRetry time.Duration
}

// Executor advances one instance at a time through its pinned scenario
// version. It holds no per-instance state; all progress is persisted
// through conditional writes.
type Executor struct {
	cfg ExecutorConfig
}

func NewExecutor(cfg ExecutorConfig) *Executor {
	if cfg.Clock == nil {
		cfg.Clock = NewRealClock()
	}
	if cfg.DeferRetry <= 0 {
		cfg.DeferRetry = 5 * time.Second
	}
	return &Executor{cfg: cfg}
}

// Step advances the instance as far as it can go in one pass: until it
// suspends on a delay, defers on dispatch backpressure, or terminates.
// A lost conditional write is retried by re-reading.
func (e *Executor) Step(ctx context.Context, instanceID string) error {
	for attempt := 0; attempt < conflictRetries; attempt++ {
		inst, err := e.cfg.Store.Instance(ctx, instanceID)
		if err != nil {
			return err
		}
		err = e.run(ctx, inst)
		if errors.Is(err, store.ErrConflict) {
			continue
		}
		return err
	}
	return store.ErrConflict
}

func (e *Executor) run(ctx context.Context, inst *store.Instance) error {
	if inst.Status.Terminal() {
		return nil
	}

	sc, err := e.cfg.Registry.Version(ctx, inst.ScenarioID, inst.ScenarioVersion)
	if err != nil {
		return e.fail(ctx, inst, fmt.Sprintf("scenario %s v%d unavailable: %v",
			inst.ScenarioID, inst.ScenarioVersion, err))
	}

	for {
		if inst.Status.Terminal() {
			return nil
		}
		if e.cfg.Registry.IsPaused(inst.ScenarioID) {
			// A running instance must stay visible to the due-sweep, or
			// resume would strand it until the next process restart.
			if inst.Status == store.StatusRunning && inst.WakeAt == nil {
				wake := e.cfg.Clock.Now().Add(e.cfg.DeferRetry)
				inst.WakeAt = &wake
				return e.cfg.Store.UpdateInstance(ctx, inst)
			}
			return nil
		}

		node := sc.NodeByID(inst.CurrentNodeID)
		if node == nil {
			return e.fail(ctx, inst, "current node "+inst.CurrentNodeID+" not in scenario")
		}

		if inst.Status == store.StatusWaiting {
			if inst.WakeAt == nil || e.cfg.Clock.Now().Before(*inst.WakeAt) {
				return nil
			}
			if err := e.wake(ctx, inst, sc, node); err != nil {
				return err
			}
			continue
		}

		var stepErr error
		var suspended bool
		switch {
		case node.Kind == scenario.KindTrigger:
			stepErr = e.advance(ctx, inst, sc, node, "")
		case node.Kind == scenario.KindAction:
			suspended, stepErr = e.stepAction(ctx, inst, sc, node)
		case node.Subtype == scenario.LogicDelay:
			suspended, stepErr = e.stepDelay(ctx, inst, node)
		case node.Subtype == scenario.LogicCondition:
			stepErr = e.stepCondition(ctx, inst, sc, node)
		case node.Subtype == scenario.LogicSplit:
			stepErr = e.stepSplit(ctx, inst, sc, node)
		case node.Subtype == scenario.LogicMerge:
			stepErr = e.advance(ctx, inst, sc, node, "")
		default:
			stepErr = e.fail(ctx, inst, fmt.Sprintf("unknown node kind %s/%s", node.Kind, node.Subtype))
		}
		if stepErr != nil {
			return stepErr
		}
		if suspended {
			return nil
		}
	}
}

// advance records the visit and moves to the node's outgoing edge. An
// empty handle takes the single unlabeled edge; no edge completes the
// instance.
func (e *Executor) advance(ctx context.Context, inst *store.Instance, sc *scenario.Scenario, node *scenario.Node, handle string) error {
	e.visit(inst, node.ID)

	var target string
	if handle != "" {
		edge := sc.OutgoingByHandle(node.ID, handle)
		if edge == nil {
			return e.fail(ctx, inst, fmt.Sprintf("node %s has no %q edge", node.ID, handle))
		}
		target = edge.Target
	} else {
		out := sc.Outgoing(node.ID)
		if len(out) == 0 {
			return e.complete(ctx, inst)
		}
		target = out[0].Target
	}

	inst.CurrentNodeID = target
	inst.WakeAt = nil
	if err := e.cfg.Store.UpdateInstance(ctx, inst); err != nil {
		return err
	}
	events.Emit("debug", "instance.advanced", "", map[string]interface{}{
		"instance_id": inst.ID,
		"node_id":     target,
	})
	return nil
}

func (e *Executor) stepAction(ctx context.Context, inst *store.Instance, sc *scenario.Scenario, node *scenario.Node) (suspended bool, err error) {
	res := e.cfg.Dispatcher.Dispatch(ctx, dispatch.Request{
		InstanceID: inst.ID,
		NodeID:     node.ID,
		PlayerID:   inst.PlayerID,
		Channel:    node.Subtype,
		Payload:    node.Config,
	})

	switch res.Outcome {
	case dispatch.Sent:
		return false, e.advance(ctx, inst, sc, node, "")
	case dispatch.Deferred:
		// stay running, come back after a short wake
		wake := e.cfg.Clock.Now().Add(e.cfg.DeferRetry)
		inst.WakeAt = &wake
		return true, e.cfg.Store.UpdateInstance(ctx, inst)
	default:
		return false, e.fail(ctx, inst, "dispatch at "+node.ID+" failed: "+res.Detail)
	}
}

func (e *Executor) stepDelay(ctx context.Context, inst *store.Instance, node *scenario.Node) (suspended bool, err error) {
	dur, err := node.DelayDuration()
	if err != nil {
		return false, e.fail(ctx, inst, "delay node "+node.ID+": "+err.Error())
	}

	wake := e.cfg.Clock.Now().Add(dur)
	inst.Status = store.StatusWaiting
	inst.WakeAt = &wake
	if err := e.cfg.Store.UpdateInstance(ctx, inst); err != nil {
		return false, err
	}
	events.Emit("debug", "instance.waiting", "", map[string]interface{}{
		"instance_id": inst.ID,
		"node_id":     node.ID,
		"wake_at":     wake.Format(time.RFC3339),
	})
	return true, nil
}

// wake resumes a waiting instance whose delay elapsed and moves it past
// the delay node.
func (e *Executor) wake(ctx context.Context, inst *store.Instance, sc *scenario.Scenario, node *scenario.Node) error {
	out := sc.Outgoing(node.ID)
	inst.Status = store.StatusRunning
	inst.WakeAt = nil
	if len(out) == 0 {
		return e.complete(ctx, inst)
	}
	inst.CurrentNodeID = out[0].Target
	if err := e.cfg.Store.UpdateInstance(ctx, inst); err != nil {
		return err
	}
	events.Emit("debug", "instance.woken", "", map[string]interface{}{
		"instance_id": inst.ID,
		"node_id":     inst.CurrentNodeID,
	})
	return nil
}

func (e *Executor) stepCondition(ctx context.Context, inst *store.Instance, sc *scenario.Scenario, node *scenario.Node) error {
	expr, err := node.ConditionPredicate()
	if err != nil {
		return e.fail(ctx, inst, "condition node "+node.ID+": "+err.Error())
	}

	// attributes are read at decision time, not at instance creation
	attrs, err := e.cfg.Attributes.Attributes(ctx, inst.PlayerID)
	if err != nil {
		return fmt.Errorf("attribute fetch for %s: %w", inst.PlayerID, err)
	}

	result, err := predicate.Eval(expr, e.vars(inst.PlayerID, attrs))
	if err != nil {
		if errors.Is(err, predicate.ErrMissingData) && !e.cfg.FailOnMissingData {
			result = false
		} else {
			return e.fail(ctx, inst, "condition node "+node.ID+": "+err.Error())
		}
	}

	handle := scenario.HandleNo
	if result {
		handle = scenario.HandleYes
	}
	return e.advance(ctx, inst, sc, node, handle)
}

func (e *Executor) stepSplit(ctx context.Context, inst *store.Instance, sc *scenario.Scenario, node *scenario.Node) error {
	weights, err := node.SplitWeights()
	if err != nil {
		return e.fail(ctx, inst, "split node "+node.ID+": "+err.Error())
	}
	handle := chooseSplitHandle(weights, inst.PlayerID, inst.ScenarioID)
	if handle == "" {
		return e.fail(ctx, inst, "split node "+node.ID+" has no usable branches")
	}
	return e.advance(ctx, inst, sc, node, handle)
}

func (e *Executor) complete(ctx context.Context, inst *store.Instance) error {
	inst.Status = store.StatusCompleted
	inst.WakeAt = nil
	if err := e.cfg.Store.UpdateInstance(ctx, inst); err != nil {
		return err
	}
	events.Emit("info", "instance.completed", "", map[string]interface{}{
		"instance_id": inst.ID,
		"scenario_id": inst.ScenarioID,
		"player_id":   inst.PlayerID,
	})
	return nil
}

func (e *Executor) fail(ctx context.Context, inst *store.Instance, reason string) error {
	inst.Status = store.StatusFailed
	inst.FailReason = reason
	inst.WakeAt = nil
	if err := e.cfg.Store.UpdateInstance(ctx, inst); err != nil {
		return err
	}
	events.Emit("error", "instance.failed", reason, map[string]interface{}{
		"instance_id": inst.ID,
		"scenario_id": inst.ScenarioID,
	})
	return nil
}

func (e *Executor) visit(inst *store.Instance, nodeID string) {
	inst.Visited = append(inst.Visited, store.VisitedNode{
		NodeID: nodeID,
		At:     e.cfg.Clock.Now(),
	})
}

// vars builds the predicate environment for a player.
func (e *Executor) vars(playerID string, attrs players.Attributes) predicate.Vars {
	player := make(map[string]interface{}, len(attrs))
	for k, v := range attrs {
		player[k] = v
	}
	var segments []string
	if e.cfg.Segments != nil {
		segments = e.cfg.Segments.Segments(playerID)
	}
	return predicate.Vars{
		"player":   player,
		"segments": segments,
	}
}
