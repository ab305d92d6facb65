package scenario

import (
	"context"
	"fmt"
	"sync"

	"github.com/spinleaf/scenario-engine/internal/events"
)

// VersionStore is the persistence the registry needs. The instance store
// implementations also satisfy this interface.
type VersionStore interface {
	SaveScenario(ctx context.Context, s *Scenario) error
	LoadScenario(ctx context.Context, id string, version int) (*Scenario, error)
	LoadLatestScenarios(ctx context.Context) ([]*Scenario, error)
	SetScenarioStatus(ctx context.Context, id string, version int, status Status) error
}

// Registry holds published scenario versions. Published versions are
// immutable; Publish assigns the next version number. Running instances
// resolve nodes through their pinned (id, version) pair, never the latest.
type Registry struct {
	store VersionStore

	mu       sync.RWMutex
	versions map[string]map[int]*Scenario
	latest   map[string]int
}

// NewRegistry creates a registry backed by the given store.
func NewRegistry(store VersionStore) *Registry {
	return &Registry{
		store:    store,
		versions: make(map[string]map[int]*Scenario),
		latest:   make(map[string]int),
	}
}

// Load warms the cache with the latest version of every known scenario.
// Older pinned versions are fetched lazily by Version.
func (r *Registry) Load(ctx context.Context) error {
	all, err := r.store.LoadLatestScenarios(ctx)
	if err != nil {
		return fmt.Errorf("failed to load scenarios: %w", err)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, s := range all {
		r.cacheLocked(s)
	}
	return nil
}

func (r *Registry) cacheLocked(s *Scenario) {
	byVersion, ok := r.versions[s.ID]
	if !ok {
		byVersion = make(map[int]*Scenario)
		r.versions[s.ID] = byVersion
	}
	byVersion[s.Version] = s
	if s.Version > r.latest[s.ID] {
		r.latest[s.ID] = s.Version
	}
}

// Publish validates s, assigns the next version number, marks it active,
// and persists it. The returned scenario is the stored version.
func (r *Registry) Publish(ctx context.Context, s *Scenario) (*Scenario, []ValidationError, error) {
	if errs := Validate(s); len(errs) > 0 {
		return nil, errs, fmt.Errorf("scenario %s failed validation with %d errors", s.ID, len(errs))
	}

	r.mu.Lock()
	next := r.latest[s.ID] + 1
	r.mu.Unlock()

	published := *s
	published.Version = next
	published.Status = StatusActive

	if err := r.store.SaveScenario(ctx, &published); err != nil {
		return nil, nil, fmt.Errorf("failed to persist scenario %s v%d: %w", s.ID, next, err)
	}

	r.mu.Lock()
	r.cacheLocked(&published)
	r.mu.Unlock()

	events.Emit("info", "scenario.published", "", map[string]interface{}{
		"scenario_id": published.ID,
		"version":     published.Version,
	})

	return &published, nil, nil
}

// Version returns a specific published version, consulting the store on a
// cache miss (an old version pinned by a long-running instance).
func (r *Registry) Version(ctx context.Context, id string, version int) (*Scenario, error) {
	r.mu.RLock()
	if byVersion, ok := r.versions[id]; ok {
		if s, ok := byVersion[version]; ok {
			r.mu.RUnlock()
			return s, nil
		}
	}
	r.mu.RUnlock()

	s, err := r.store.LoadScenario(ctx, id, version)
	if err != nil {
		return nil, err
	}
	r.mu.Lock()
	r.cacheLocked(s)
	r.mu.Unlock()
	return s, nil
}

// Latest returns the newest version of a scenario, or nil if unknown.
func (r *Registry) Latest(id string) *Scenario {
	r.mu.RLock()
	defer r.mu.RUnlock()
	v, ok := r.latest[id]
	if !ok {
		return nil
	}
	return r.versions[id][v]
}

// Active returns the latest version of every scenario whose status is
// active. The router iterates this set for each inbound event.
func (r *Registry) Active() []*Scenario {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []*Scenario
	for id, v := range r.latest {
		s := r.versions[id][v]
		if s != nil && s.Status == StatusActive {
			out = append(out, s)
		}
	}
	return out
}

// IsPaused reports whether the latest version of a scenario is paused.
// The scheduler checks this before firing due instances.
func (r *Registry) IsPaused(id string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	v, ok := r.latest[id]
	if !ok {
		return false
	}
	return r.versions[id][v].Status == StatusPaused
}

// Pause stops the router from creating new instances of the scenario and
// the scheduler from firing due ones. In-flight dispatches complete.
func (r *Registry) Pause(ctx context.Context, id string) error {
	if err := r.setStatus(ctx, id, StatusPaused); err != nil {
		return err
	}
	events.Emit("info", "scenario.paused", "", map[string]interface{}{"scenario_id": id})
	return nil
}

// Resume reactivates a paused scenario.
func (r *Registry) Resume(ctx context.Context, id string) error {
	if err := r.setStatus(ctx, id, StatusActive); err != nil {
		return err
	}
	events.Emit("info", "scenario.resumed", "", map[string]interface{}{"scenario_id": id})
	return nil
}

func (r *Registry) setStatus(ctx context.Context, id string, status Status) error {
	r.mu.Lock()
	v, ok := r.latest[id]
	if !ok {
		r.mu.Unlock()
		return fmt.Errorf("unknown scenario: %s", id)
	}
	s := r.versions[id][v]
	updated := *s
	updated.Status = status
	r.versions[id][v] = &updated
	r.mu.Unlock()

	return r.store.SetScenarioStatus(ctx, id, v, status)
}
