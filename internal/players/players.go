// Package players resolves player attributes and segment membership for
// trigger filters, condition predicates, and segment actions.
package players

import (
	"context"
	"sort"
	"sync"
)

// Attributes is a flat snapshot of a player's profile at read time.
type Attributes map[string]interface{}

// AttributeSource fetches the current attributes for a player. Condition
// nodes re-read attributes on every evaluation so decisions reflect the
// state at decision time, not at trigger time.
type AttributeSource interface {
	Attributes(ctx context.Context, playerID string) (Attributes, error)
}

// Static is an in-memory attribute source, used in tests and as the
// fallback when no attribute service is configured.
type Static struct {
	mu    sync.RWMutex
	attrs map[string]Attributes
}

func NewStatic() *Static {
	return &Static{attrs: make(map[string]Attributes)}
}

// Set replaces the stored attributes for a player.
func (s *Static) Set(playerID string, attrs Attributes) {
	s.mu.Lock()
	defer s.mu.Unlock()
	copied := make(Attributes, len(attrs))
	for k, v := range attrs {
		copied[k] = v
	}
	s.attrs[playerID] = copied
}

// SetAttr updates a single attribute, creating the player if needed.
func (s *Static) SetAttr(playerID, key string, value interface{}) {
	s.mu.Lock()
	defer s.mu.Unlock()
	attrs, ok := s.attrs[playerID]
	if !ok {
		attrs = make(Attributes)
		s.attrs[playerID] = attrs
	}
	attrs[key] = value
}

func (s *Static) Attributes(ctx context.Context, playerID string) (Attributes, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	attrs, ok := s.attrs[playerID]
	if !ok {
		return Attributes{}, nil
	}
	copied := make(Attributes, len(attrs))
	for k, v := range attrs {
		copied[k] = v
	}
	return copied, nil
}

// SegmentStore tracks segment membership. Segment actions mutate it and
// predicates read it through the player.segments variable.
type SegmentStore struct {
	mu       sync.RWMutex
	segments map[string]map[string]bool // playerID -> segment set
}

func NewSegmentStore() *SegmentStore {
	return &SegmentStore{segments: make(map[string]map[string]bool)}
}

// Add puts the player in the segment. Adding twice is a no-op.
func (s *SegmentStore) Add(playerID, segment string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	set, ok := s.segments[playerID]
	if !ok {
		set = make(map[string]bool)
		s.segments[playerID] = set
	}
	set[segment] = true
}

// Remove takes the player out of the segment. Removing a player who is
// not a member is a no-op.
func (s *SegmentStore) Remove(playerID, segment string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if set, ok := s.segments[playerID]; ok {
		delete(set, segment)
	}
}

// Contains reports whether the player belongs to the segment.
func (s *SegmentStore) Contains(playerID, segment string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.segments[playerID][segment]
}

// Segments returns the player's segments in sorted order.
func (s *SegmentStore) Segments(playerID string) []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	set := s.segments[playerID]
	out := make([]string, 0, len(set))
	for seg := range set {
		out = append(out, seg)
	}
	sort.Strings(out)
	return out
}
