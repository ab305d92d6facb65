package scenario

import (
	"testing"
	"time"
)

const welcomeDoc = `{
  "id": "welcome-journey",
  "name": "Welcome journey",
  "version": 1,
  "status": "active",
  "nodes": [
    {"id": "t1", "kind": "trigger", "config": {"eventType": "registration"}},
    {"id": "d1", "kind": "logic", "subtype": "delay", "config": {"duration": "5m"}},
    {"id": "a1", "kind": "action", "subtype": "email", "config": {"template": "welcome"}},
    {"id": "d2", "kind": "logic", "subtype": "delay", "config": {"duration": "24h"}},
    {"id": "c1", "kind": "logic", "subtype": "condition", "config": {"predicate": "player.hasDeposit"}},
    {"id": "a2", "kind": "action", "subtype": "bonus-grant", "config": {"percent": 100}},
    {"id": "a3", "kind": "action", "subtype": "push", "config": {"template": "reminder"}}
  ],
  "edges": [
    {"source": "t1", "target": "d1"},
    {"source": "d1", "target": "a1"},
    {"source": "a1", "target": "d2"},
    {"source": "d2", "target": "c1"},
    {"source": "c1", "sourceHandle": "yes", "target": "a2"},
    {"source": "c1", "sourceHandle": "no", "target": "a3"}
  ]
}`

func TestParseWelcomeDoc(t *testing.T) {
	sc, err := Parse([]byte(welcomeDoc))
	if err != nil {
		t.Fatalf("failed to parse: %v", err)
	}

	if sc.ID != "welcome-journey" {
		t.Errorf("id = %q", sc.ID)
	}
	if len(sc.Nodes) != 7 || len(sc.Edges) != 6 {
		t.Errorf("got %d nodes, %d edges", len(sc.Nodes), len(sc.Edges))
	}

	trigger := sc.NodeByID("t1")
	if trigger == nil || trigger.Kind != KindTrigger {
		t.Fatalf("t1 not parsed as trigger")
	}
	et, err := trigger.TriggerEventType()
	if err != nil || et != "registration" {
		t.Errorf("eventType = %q, err = %v", et, err)
	}

	delay := sc.NodeByID("d2")
	d, err := delay.DelayDuration()
	if err != nil || d != 24*time.Hour {
		t.Errorf("duration = %v, err = %v", d, err)
	}

	yes := sc.OutgoingByHandle("c1", HandleYes)
	if yes == nil || yes.Target != "a2" {
		t.Errorf("yes edge = %+v", yes)
	}
}

func TestParseRejectsMissingID(t *testing.T) {
	if _, err := Parse([]byte(`{"nodes": [], "edges": []}`)); err == nil {
		t.Error("expected error for document without id")
	}
}

func TestEncodeRoundTrip(t *testing.T) {
	sc, err := Parse([]byte(welcomeDoc))
	if err != nil {
		t.Fatalf("failed to parse: %v", err)
	}
	data, err := sc.Encode()
	if err != nil {
		t.Fatalf("failed to encode: %v", err)
	}
	back, err := Parse(data)
	if err != nil {
		t.Fatalf("failed to re-parse: %v", err)
	}
	if back.ID != sc.ID || len(back.Nodes) != len(sc.Nodes) {
		t.Errorf("round trip lost data: %+v", back)
	}
}

func TestSplitWeights(t *testing.T) {
	n := Node{
		ID:      "s1",
		Kind:    KindLogic,
		Subtype: LogicSplit,
		Config:  map[string]interface{}{"weights": map[string]interface{}{"a": 0.5, "b": 0.5}},
	}
	w, err := n.SplitWeights()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if w["a"] != 0.5 || w["b"] != 0.5 {
		t.Errorf("weights = %v", w)
	}

	bad := Node{ID: "s2", Kind: KindLogic, Subtype: LogicSplit, Config: map[string]interface{}{"weights": map[string]interface{}{"a": "half"}}}
	if _, err := bad.SplitWeights(); err == nil {
		t.Error("non-numeric weight not rejected")
	}
}

func TestDelayDurationErrors(t *testing.T) {
	tests := []struct {
		name   string
		config map[string]interface{}
	}{
		{"missing", map[string]interface{}{}},
		{"not a string", map[string]interface{}{"duration": 300}},
		{"unparseable", map[string]interface{}{"duration": "5 minutes"}},
		{"negative", map[string]interface{}{"duration": "-5m"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			n := Node{ID: "d", Kind: KindLogic, Subtype: LogicDelay, Config: tt.config}
			if _, err := n.DelayDuration(); err == nil {
				t.Error("expected error")
			}
		})
	}
}
