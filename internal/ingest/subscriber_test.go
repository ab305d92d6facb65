package ingest

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/spinleaf/scenario-engine/internal/engine"
)

type captureRouter struct {
	mu     sync.Mutex
	events []engine.PlayerEvent
	err    error
}

func (r *captureRouter) Route(ctx context.Context, evt engine.PlayerEvent) ([]string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.err != nil {
		return nil, r.err
	}
	r.events = append(r.events, evt)
	return nil, nil
}

func (r *captureRouter) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.events)
}

func TestHandleDecodesEvent(t *testing.T) {
	router := &captureRouter{}
	sub := NewSubscriber(router, nil)

	sub.Handle([]byte(`{"id":"e1","type":"deposit","playerId":"p1","payload":{"amount":50},"occurredAt":"2026-03-01T12:00:00Z"}`))

	if router.count() != 1 {
		t.Fatalf("expected 1 routed event, got %d", router.count())
	}
	evt := router.events[0]
	if evt.Type != "deposit" || evt.PlayerID != "p1" {
		t.Errorf("decoded event = %+v", evt)
	}
	if evt.Payload["amount"] != 50.0 {
		t.Errorf("payload amount = %v, want 50", evt.Payload["amount"])
	}
	if want := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC); !evt.At.Equal(want) {
		t.Errorf("occurredAt = %v, want %v", evt.At, want)
	}
}

func TestHandleDropsMalformed(t *testing.T) {
	tests := []struct {
		name    string
		payload string
	}{
		{"not json", `not json at all`},
		{"missing type", `{"id":"e1","playerId":"p1"}`},
		{"missing player", `{"id":"e1","type":"deposit"}`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			router := &captureRouter{}
			sub := NewSubscriber(router, nil)
			sub.Handle([]byte(tt.payload))
			if router.count() != 0 {
				t.Errorf("malformed payload reached the router")
			}
		})
	}
}

func TestHandleFeedsWatchdog(t *testing.T) {
	w := NewWatchdog(time.Minute)
	sub := NewSubscriber(&captureRouter{}, w)

	sub.Handle([]byte(`garbage`))

	w.mu.Lock()
	armed := !w.lastSeen.IsZero()
	w.mu.Unlock()
	if !armed {
		t.Error("watchdog not fed on receipt, even for malformed payloads")
	}
}

func TestWatchdogStallAndRecover(t *testing.T) {
	w := NewWatchdog(time.Minute)
	current := time.Now()
	w.now = func() time.Time { return current }

	w.check()
	if w.Stalled() {
		t.Fatal("watchdog tripped before the first event")
	}

	w.Observe()
	current = current.Add(30 * time.Second)
	w.check()
	if w.Stalled() {
		t.Fatal("watchdog tripped within tolerance")
	}

	current = current.Add(2 * time.Minute)
	w.check()
	if !w.Stalled() {
		t.Fatal("watchdog did not trip after the tolerance")
	}

	w.Observe()
	if w.Stalled() {
		t.Fatal("watchdog did not recover on new traffic")
	}
}

func TestResolveBroker(t *testing.T) {
	if got := ResolveBroker("tcp://broker:1883"); got != "tcp://broker:1883" {
		t.Errorf("configured broker ignored: %s", got)
	}

	t.Setenv("MQTT_URL", "tcp://env-broker:1883")
	if got := ResolveBroker(""); got != "tcp://env-broker:1883" {
		t.Errorf("env broker ignored: %s", got)
	}

	t.Setenv("MQTT_URL", "")
	if got := ResolveBroker(""); got != "tcp://localhost:1883" {
		t.Errorf("default broker = %s", got)
	}
}
