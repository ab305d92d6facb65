package engine

import (
	"context"
	"errors"

	"github.com/google/uuid"

	"github.com/spinleaf/scenario-engine/internal/dedup"
	"github.com/spinleaf/scenario-engine/internal/events"
	"github.com/spinleaf/scenario-engine/internal/players"
	"github.com/spinleaf/scenario-engine/internal/predicate"
	"github.com/spinleaf/scenario-engine/internal/scenario"
	"github.com/spinleaf/scenario-engine/internal/store"
)

// RouterConfig wires the router's collaborators.
type RouterConfig struct {
	Store      store.Store
	Registry   *scenario.Registry
	Deduper    dedup.Deduper
	Attributes players.AttributeSource
	Segments   *players.SegmentStore
	Clock      Clock

	// Submit hands a newly created instance to the worker pool.
	Submit func(instanceID string)
}

// Router matches inbound player events against active scenario triggers
// and creates instances.
type Router struct {
	cfg RouterConfig
}

func NewRouter(cfg RouterConfig) *Router {
	if cfg.Clock == nil {
		cfg.Clock = NewRealClock()
	}
	return &Router{cfg: cfg}
}

// Route processes one player event. Replayed event ids are dropped
// before trigger matching. Returns the ids of the instances created.
func (r *Router) Route(ctx context.Context, evt PlayerEvent) ([]string, error) {
	if evt.ID != "" {
		seen, err := r.cfg.Deduper.Seen(ctx, evt.ID)
		if err != nil {
			return nil, err
		}
		if seen {
			events.Emit("debug", "ingest.duplicate", "", map[string]interface{}{
				"event_id": evt.ID,
				"type":     evt.Type,
			})
			return nil, nil
		}
	}
	events.Emit("debug", "ingest.received", "", map[string]interface{}{
		"event_id":  evt.ID,
		"type":      evt.Type,
		"player_id": evt.PlayerID,
	})

	var created []string
	for _, sc := range r.cfg.Registry.Active() {
		trigger := r.match(ctx, sc, evt)
		if trigger == nil {
			continue
		}

		inst := &store.Instance{
			ID:              uuid.New().String(),
			ScenarioID:      sc.ID,
			ScenarioVersion: sc.Version,
			PlayerID:        evt.PlayerID,
			CurrentNodeID:   trigger.ID,
			Status:          store.StatusRunning,
		}
		err := r.cfg.Store.CreateInstance(ctx, inst, !sc.AllowConcurrent)
		if errors.Is(err, store.ErrDuplicateActive) {
			events.Emit("debug", "ingest.dropped", "player already in scenario", map[string]interface{}{
				"scenario_id": sc.ID,
				"player_id":   evt.PlayerID,
			})
			continue
		}
		if err != nil {
			// Give the event id back so the upstream's redelivery is
			// not dropped as a duplicate of this failed attempt.
			if evt.ID != "" {
				if relErr := r.cfg.Deduper.Release(ctx, evt.ID); relErr != nil {
					events.Emit("error", "system.error", "dedup release failed", map[string]interface{}{
						"event_id": evt.ID,
						"error":    relErr.Error(),
					})
				}
			}
			return created, err
		}

		events.Emit("info", "instance.created", "", map[string]interface{}{
			"instance_id": inst.ID,
			"scenario_id": sc.ID,
			"version":     sc.Version,
			"player_id":   evt.PlayerID,
		})
		created = append(created, inst.ID)
		if r.cfg.Submit != nil {
			r.cfg.Submit(inst.ID)
		}
	}
	return created, nil
}

// match returns the first trigger of sc that fires for evt, or nil.
func (r *Router) match(ctx context.Context, sc *scenario.Scenario, evt PlayerEvent) *scenario.Node {
	if sc.Segment != "" && r.cfg.Segments != nil && !r.cfg.Segments.Contains(evt.PlayerID, sc.Segment) {
		return nil
	}

	for _, trigger := range sc.Triggers() {
		eventType, err := trigger.TriggerEventType()
		if err != nil || eventType != evt.Type {
			continue
		}

		filter := trigger.TriggerFilter()
		if filter == "" {
			t := trigger
			return &t
		}

		ok, err := predicate.Eval(filter, r.filterVars(ctx, evt))
		if err != nil && !errors.Is(err, predicate.ErrMissingData) {
			events.Emit("warning", "ingest.dropped", "trigger filter error: "+err.Error(), map[string]interface{}{
				"scenario_id": sc.ID,
				"node_id":     trigger.ID,
			})
			continue
		}
		if ok {
			t := trigger
			return &t
		}
	}
	return nil
}

func (r *Router) filterVars(ctx context.Context, evt PlayerEvent) predicate.Vars {
	var player map[string]interface{}
	if r.cfg.Attributes != nil {
		if attrs, err := r.cfg.Attributes.Attributes(ctx, evt.PlayerID); err == nil {
			player = attrs
		}
	}
	if player == nil {
		player = map[string]interface{}{}
	}
	var segments []string
	if r.cfg.Segments != nil {
		segments = r.cfg.Segments.Segments(evt.PlayerID)
	}
	return predicate.Vars{
		"event": map[string]interface{}{
			"id":      evt.ID,
			"type":    evt.Type,
			"payload": evt.Payload,
		},
		"player":   player,
		"segments": segments,
	}
}
