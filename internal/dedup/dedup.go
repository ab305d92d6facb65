// Package dedup suppresses replayed player events. Every inbound event
// carries a unique id; an id seen within the retention window is dropped
// before it reaches trigger matching.
package dedup

import (
	"context"
	"sync"
	"time"
)

// Deduper records event ids and reports replays. Seen returns true when
// the id was already recorded inside the retention window. Release gives
// a claimed id back so an upstream redelivery is processed; the router
// calls it when routing fails after the claim.
type Deduper interface {
	Seen(ctx context.Context, eventID string) (bool, error)
	Release(ctx context.Context, eventID string) error
	Close() error
}

// Memory is a process-local deduper with TTL expiry, used for
// single-node deployments and tests.
type Memory struct {
	mu   sync.Mutex
	ttl  time.Duration
	seen map[string]time.Time
	now  func() time.Time
}

func NewMemory(ttl time.Duration) *Memory {
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	return &Memory{
		ttl:  ttl,
		seen: make(map[string]time.Time),
		now:  time.Now,
	}
}

func (m *Memory) Seen(ctx context.Context, eventID string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	if expiry, ok := m.seen[eventID]; ok && now.Before(expiry) {
		return true, nil
	}
	m.seen[eventID] = now.Add(m.ttl)

	// opportunistic sweep once the map grows large
	if len(m.seen) > 100000 {
		for id, expiry := range m.seen {
			if now.After(expiry) {
				delete(m.seen, id)
			}
		}
	}
	return false, nil
}

func (m *Memory) Release(ctx context.Context, eventID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.seen, eventID)
	return nil
}

func (m *Memory) Close() error { return nil }
