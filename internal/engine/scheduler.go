package engine

import (
	"context"
	"errors"
	"time"

	"github.com/spinleaf/scenario-engine/internal/events"
	"github.com/spinleaf/scenario-engine/internal/scenario"
	"github.com/spinleaf/scenario-engine/internal/store"
)

// SchedulerConfig wires the scheduler's collaborators.
type SchedulerConfig struct {
	Store    store.Store
	Registry *scenario.Registry
	Clock    Clock

	// Submit hands a due instance to the worker pool.
	Submit func(instanceID string)

	// Tick is the sweep interval.
	Tick time.Duration
	// SweepLimit caps instances pulled per sweep.
	SweepLimit int
}

// Scheduler resumes instances whose persisted wakeAt has passed. The
// wake time lives in the store, so an instance due while the process
// was down still fires exactly once after restart.
type Scheduler struct {
	cfg SchedulerConfig
}

func NewScheduler(cfg SchedulerConfig) *Scheduler {
	if cfg.Clock == nil {
		cfg.Clock = NewRealClock()
	}
	if cfg.Tick <= 0 {
		cfg.Tick = time.Second
	}
	if cfg.SweepLimit <= 0 {
		cfg.SweepLimit = 500
	}
	return &Scheduler{cfg: cfg}
}

// Sweep submits every due instance to the pool, skipping instances of
// paused scenarios. Returns how many were submitted.
func (s *Scheduler) Sweep(ctx context.Context) (int, error) {
	ids, err := s.cfg.Store.DueInstanceIDs(ctx, s.cfg.Clock.Now(), s.cfg.SweepLimit)
	if err != nil {
		return 0, err
	}

	submitted := 0
	for _, id := range ids {
		inst, err := s.cfg.Store.Instance(ctx, id)
		if err != nil {
			if errors.Is(err, store.ErrNotFound) {
				continue
			}
			return submitted, err
		}
		if s.cfg.Registry.IsPaused(inst.ScenarioID) {
			continue
		}
		s.cfg.Submit(id)
		submitted++
	}
	return submitted, nil
}

// Run sweeps on every tick until ctx is cancelled. Store failures back
// off at the process level so no wake-up is silently lost.
func (s *Scheduler) Run(ctx context.Context) {
	ticker := time.NewTicker(s.cfg.Tick)
	defer ticker.Stop()

	backoff := s.cfg.Tick
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := s.Sweep(ctx); err != nil {
				events.Emit("error", "system.error", "scheduler sweep failed", map[string]interface{}{
					"error": err.Error(),
				})
				backoff *= 2
				if backoff > 30*time.Second {
					backoff = 30 * time.Second
				}
				select {
				case <-ctx.Done():
					return
				case <-time.After(backoff):
				}
				continue
			}
			backoff = s.cfg.Tick
		}
	}
}

// CancelScenario terminates every open instance of a scenario and
// clears their pending wake-ups.
func (s *Scheduler) CancelScenario(ctx context.Context, scenarioID string) (int, error) {
	ids, err := s.cfg.Store.OpenInstanceIDs(ctx, scenarioID)
	if err != nil {
		return 0, err
	}

	cancelled := 0
	for _, id := range ids {
		if err := s.cancelInstance(ctx, id); err != nil {
			return cancelled, err
		}
		cancelled++
	}
	events.Emit("info", "scenario.cancelled", "", map[string]interface{}{
		"scenario_id": scenarioID,
		"instances":   cancelled,
	})
	return cancelled, nil
}

func (s *Scheduler) cancelInstance(ctx context.Context, id string) error {
	for attempt := 0; attempt < conflictRetries; attempt++ {
		inst, err := s.cfg.Store.Instance(ctx, id)
		if err != nil {
			if errors.Is(err, store.ErrNotFound) {
				return nil
			}
			return err
		}
		if inst.Status.Terminal() {
			return nil
		}

		inst.Status = store.StatusCancelled
		inst.WakeAt = nil
		err = s.cfg.Store.UpdateInstance(ctx, inst)
		if errors.Is(err, store.ErrConflict) {
			continue
		}
		if err != nil {
			return err
		}
		events.Emit("info", "instance.cancelled", "", map[string]interface{}{
			"instance_id": inst.ID,
			"scenario_id": inst.ScenarioID,
		})
		return nil
	}
	return store.ErrConflict
}
