package store

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/spinleaf/scenario-engine/internal/scenario"
)

// Memory is an in-process Store for tests and single-node development.
// It honors the same conditional-write discipline as the SQL drivers.
type Memory struct {
	mu         sync.Mutex
	instances  map[string]*Instance
	byPair     map[string][]string // scenarioID|playerID -> instance ids
	audit      map[string][]AuditEntry
	delivered  map[string]struct{}
	scenarios  map[string]*scenario.Scenario // id:version
	latestVers map[string]int
}

// NewMemory creates an empty in-memory store.
func NewMemory() *Memory {
	return &Memory{
		instances:  make(map[string]*Instance),
		byPair:     make(map[string][]string),
		audit:      make(map[string][]AuditEntry),
		delivered:  make(map[string]struct{}),
		scenarios:  make(map[string]*scenario.Scenario),
		latestVers: make(map[string]int),
	}
}

func pairKey(scenarioID, playerID string) string {
	return scenarioID + "|" + playerID
}

func scenarioKey(id string, version int) string {
	return fmt.Sprintf("%s:%d", id, version)
}

func cloneInstance(inst *Instance) *Instance {
	out := *inst
	if inst.WakeAt != nil {
		wake := *inst.WakeAt
		out.WakeAt = &wake
	}
	out.Visited = append([]VisitedNode(nil), inst.Visited...)
	return &out
}

func (m *Memory) CreateInstance(_ context.Context, inst *Instance, requireUnique bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if requireUnique {
		for _, id := range m.byPair[pairKey(inst.ScenarioID, inst.PlayerID)] {
			if existing, ok := m.instances[id]; ok && !existing.Status.Terminal() {
				return ErrDuplicateActive
			}
		}
	}

	now := time.Now().UTC()
	stored := cloneInstance(inst)
	stored.Revision = 1
	stored.CreatedAt = now
	stored.UpdatedAt = now
	m.instances[stored.ID] = stored
	key := pairKey(inst.ScenarioID, inst.PlayerID)
	m.byPair[key] = append(m.byPair[key], stored.ID)

	inst.Revision = stored.Revision
	inst.CreatedAt = stored.CreatedAt
	inst.UpdatedAt = stored.UpdatedAt
	return nil
}

func (m *Memory) Instance(_ context.Context, id string) (*Instance, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	inst, ok := m.instances[id]
	if !ok {
		return nil, ErrNotFound
	}
	return cloneInstance(inst), nil
}

func (m *Memory) UpdateInstance(_ context.Context, inst *Instance) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	stored, ok := m.instances[inst.ID]
	if !ok {
		return ErrNotFound
	}
	if stored.Revision != inst.Revision {
		return ErrConflict
	}

	updated := cloneInstance(inst)
	updated.Revision = stored.Revision + 1
	updated.CreatedAt = stored.CreatedAt
	updated.UpdatedAt = time.Now().UTC()
	m.instances[inst.ID] = updated

	inst.Revision = updated.Revision
	inst.UpdatedAt = updated.UpdatedAt
	return nil
}

func (m *Memory) ActiveInstanceID(_ context.Context, scenarioID, playerID string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, id := range m.byPair[pairKey(scenarioID, playerID)] {
		if inst, ok := m.instances[id]; ok && !inst.Status.Terminal() {
			return id, nil
		}
	}
	return "", nil
}

func (m *Memory) DueInstanceIDs(_ context.Context, now time.Time, limit int) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	type due struct {
		id   string
		wake time.Time
	}
	var dues []due
	for id, inst := range m.instances {
		if inst.Status.Terminal() || inst.WakeAt == nil {
			continue
		}
		if !inst.WakeAt.After(now) {
			dues = append(dues, due{id, *inst.WakeAt})
		}
	}
	sort.Slice(dues, func(i, j int) bool { return dues[i].wake.Before(dues[j].wake) })

	var out []string
	for i, d := range dues {
		if limit > 0 && i >= limit {
			break
		}
		out = append(out, d.id)
	}
	return out, nil
}

func (m *Memory) OpenInstanceIDs(_ context.Context, scenarioID string) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []string
	for id, inst := range m.instances {
		if inst.ScenarioID == scenarioID && !inst.Status.Terminal() {
			out = append(out, id)
		}
	}
	sort.Strings(out)
	return out, nil
}

func (m *Memory) RunningInstanceIDs(_ context.Context, limit int) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []string
	for id, inst := range m.instances {
		if inst.Status == StatusRunning {
			out = append(out, id)
			if limit > 0 && len(out) >= limit {
				break
			}
		}
	}
	sort.Strings(out)
	return out, nil
}

func (m *Memory) AppendAudit(_ context.Context, entry AuditEntry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.audit[entry.InstanceID] = append(m.audit[entry.InstanceID], entry)
	return nil
}

func (m *Memory) AuditByInstance(_ context.Context, instanceID string) ([]AuditEntry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]AuditEntry(nil), m.audit[instanceID]...), nil
}

func (m *Memory) MarkDelivered(_ context.Context, key string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.delivered[key]; ok {
		return false, nil
	}
	m.delivered[key] = struct{}{}
	return true, nil
}

func (m *Memory) Delivered(_ context.Context, key string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.delivered[key]
	return ok, nil
}

func (m *Memory) SaveScenario(_ context.Context, s *scenario.Scenario) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	copied := *s
	m.scenarios[scenarioKey(s.ID, s.Version)] = &copied
	if s.Version > m.latestVers[s.ID] {
		m.latestVers[s.ID] = s.Version
	}
	return nil
}

func (m *Memory) LoadScenario(_ context.Context, id string, version int) (*scenario.Scenario, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.scenarios[scenarioKey(id, version)]
	if !ok {
		return nil, ErrNotFound
	}
	return s, nil
}

func (m *Memory) LoadLatestScenarios(_ context.Context) ([]*scenario.Scenario, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*scenario.Scenario
	for id, v := range m.latestVers {
		out = append(out, m.scenarios[scenarioKey(id, v)])
	}
	return out, nil
}

func (m *Memory) SetScenarioStatus(_ context.Context, id string, version int, status scenario.Status) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.scenarios[scenarioKey(id, version)]
	if !ok {
		return ErrNotFound
	}
	s.Status = status
	return nil
}

func (m *Memory) Close() error { return nil }
