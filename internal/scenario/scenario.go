// Package scenario contains the campaign graph model: typed nodes and edges,
// the JSON document codec shared with the visual editor, structural
// validation, and the versioned registry of published definitions.
package scenario

import (
	"encoding/json"
	"fmt"
	"time"
)

// Status is the lifecycle state of a scenario definition.
type Status string

const (
	StatusDraft  Status = "draft"
	StatusActive Status = "active"
	StatusPaused Status = "paused"
)

// NodeKind is the top-level node discriminator.
type NodeKind string

const (
	KindTrigger NodeKind = "trigger"
	KindAction  NodeKind = "action"
	KindLogic   NodeKind = "logic"
)

// Action subtypes (channel types).
const (
	ActionEmail         = "email"
	ActionSMS           = "sms"
	ActionPush          = "push"
	ActionWebhook       = "webhook"
	ActionBonusGrant    = "bonus-grant"
	ActionSegmentAdd    = "segment-add"
	ActionSegmentRemove = "segment-remove"
)

// Logic subtypes.
const (
	LogicDelay     = "delay"
	LogicCondition = "condition"
	LogicSplit     = "split"
	LogicMerge     = "merge"
)

// Condition branch handles.
const (
	HandleYes = "yes"
	HandleNo  = "no"
)

// Node is one step in a scenario graph. Nodes are pure definitions and
// carry no runtime state.
type Node struct {
	ID      string                 `json:"id"`
	Kind    NodeKind               `json:"kind"`
	Subtype string                 `json:"subtype,omitempty"`
	Config  map[string]interface{} `json:"config,omitempty"`
}

// Edge is a transition between nodes. SourceHandle distinguishes condition
// and split branches.
type Edge struct {
	Source       string `json:"source"`
	SourceHandle string `json:"sourceHandle,omitempty"`
	Target       string `json:"target"`
}

// Scenario is a versioned campaign workflow definition. Published versions
// are immutable; edits produce a new version.
type Scenario struct {
	ID              string `json:"id"`
	Name            string `json:"name,omitempty"`
	Version         int    `json:"version"`
	Status          Status `json:"status"`
	Segment         string `json:"segment,omitempty"`
	AllowConcurrent bool   `json:"allowConcurrent,omitempty"`
	Nodes           []Node `json:"nodes"`
	Edges           []Edge `json:"edges"`
}

// Parse decodes a scenario document as produced by the campaign editor.
func Parse(data []byte) (*Scenario, error) {
	var sc Scenario
	if err := json.Unmarshal(data, &sc); err != nil {
		return nil, fmt.Errorf("failed to parse scenario JSON: %w", err)
	}
	if sc.ID == "" {
		return nil, fmt.Errorf("scenario document has no id")
	}
	return &sc, nil
}

// Encode serializes a scenario back to its document form.
func (s *Scenario) Encode() ([]byte, error) {
	return json.Marshal(s)
}

// NodeByID returns the node with the given id, or nil.
func (s *Scenario) NodeByID(id string) *Node {
	for i := range s.Nodes {
		if s.Nodes[i].ID == id {
			return &s.Nodes[i]
		}
	}
	return nil
}

// Outgoing returns the edges whose source is nodeID.
func (s *Scenario) Outgoing(nodeID string) []Edge {
	var out []Edge
	for _, e := range s.Edges {
		if e.Source == nodeID {
			out = append(out, e)
		}
	}
	return out
}

// OutgoingByHandle returns the edge from nodeID with the given handle, or nil.
func (s *Scenario) OutgoingByHandle(nodeID, handle string) *Edge {
	for i := range s.Edges {
		if s.Edges[i].Source == nodeID && s.Edges[i].SourceHandle == handle {
			return &s.Edges[i]
		}
	}
	return nil
}

// Triggers returns all trigger nodes.
func (s *Scenario) Triggers() []Node {
	var out []Node
	for _, n := range s.Nodes {
		if n.Kind == KindTrigger {
			out = append(out, n)
		}
	}
	return out
}

// configString reads a string config key.
func (n *Node) configString(key string) (string, error) {
	v, ok := n.Config[key]
	if !ok {
		return "", fmt.Errorf("node %s: missing %q config", n.ID, key)
	}
	s, ok := v.(string)
	if !ok {
		return "", fmt.Errorf("node %s: %q config is not a string", n.ID, key)
	}
	return s, nil
}

// TriggerEventType returns the event type a trigger node matches.
func (n *Node) TriggerEventType() (string, error) {
	return n.configString("eventType")
}

// TriggerFilter returns the optional filter expression of a trigger node.
// Empty means unfiltered.
func (n *Node) TriggerFilter() string {
	if v, ok := n.Config["filter"].(string); ok {
		return v
	}
	return ""
}

// DelayDuration returns a delay node's duration, e.g. "5m" or "24h".
func (n *Node) DelayDuration() (time.Duration, error) {
	raw, err := n.configString("duration")
	if err != nil {
		return 0, err
	}
	d, err := time.ParseDuration(raw)
	if err != nil {
		return 0, fmt.Errorf("node %s: bad duration %q: %w", n.ID, raw, err)
	}
	if d <= 0 {
		return 0, fmt.Errorf("node %s: duration must be positive, got %q", n.ID, raw)
	}
	return d, nil
}

// ConditionPredicate returns a condition node's predicate expression.
func (n *Node) ConditionPredicate() (string, error) {
	return n.configString("predicate")
}

// SplitWeights returns a split node's handle→weight map.
func (n *Node) SplitWeights() (map[string]float64, error) {
	v, ok := n.Config["weights"]
	if !ok {
		return nil, fmt.Errorf("node %s: missing %q config", n.ID, "weights")
	}
	raw, ok := v.(map[string]interface{})
	if !ok {
		return nil, fmt.Errorf("node %s: %q config is not an object", n.ID, "weights")
	}
	weights := make(map[string]float64, len(raw))
	for handle, wv := range raw {
		f, ok := toFloat(wv)
		if !ok {
			return nil, fmt.Errorf("node %s: weight for %q is not a number", n.ID, handle)
		}
		weights[handle] = f
	}
	return weights, nil
}

func toFloat(v interface{}) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case int:
		return float64(n), true
	case json.Number:
		f, err := n.Float64()
		return f, err == nil
	}
	return 0, false
}
