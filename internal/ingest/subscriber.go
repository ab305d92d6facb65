package ingest

import (
	"context"
	"encoding/json"
	"time"

	paho "github.com/eclipse/paho.mqtt.golang"

	"github.com/spinleaf/scenario-engine/internal/engine"
	"github.com/spinleaf/scenario-engine/internal/events"
)

// EventRouter is the downstream for decoded player events. Satisfied by
// engine.Router.
type EventRouter interface {
	Route(ctx context.Context, evt engine.PlayerEvent) ([]string, error)
}

// Subscriber decodes player events off the event topic and hands them
// to the router. Malformed payloads are dropped with an event, never
// propagated.
type Subscriber struct {
	router   EventRouter
	watchdog *Watchdog
}

func NewSubscriber(router EventRouter, watchdog *Watchdog) *Subscriber {
	return &Subscriber{router: router, watchdog: watchdog}
}

// Handler returns the MQTT message handler for the player-event topic.
func (s *Subscriber) Handler() paho.MessageHandler {
	return func(_ paho.Client, msg paho.Message) {
		s.Handle(msg.Payload())
	}
}

// Handle processes one raw event payload.
func (s *Subscriber) Handle(payload []byte) {
	if s.watchdog != nil {
		s.watchdog.Observe()
	}

	var evt engine.PlayerEvent
	if err := json.Unmarshal(payload, &evt); err != nil {
		events.Emit("warning", "ingest.dropped", "malformed event payload", map[string]interface{}{
			"error": err.Error(),
		})
		return
	}
	if evt.Type == "" || evt.PlayerID == "" {
		events.Emit("warning", "ingest.dropped", "event missing type or playerId", map[string]interface{}{
			"event_id": evt.ID,
		})
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if _, err := s.router.Route(ctx, evt); err != nil {
		events.Emit("error", "system.error", "event routing failed", map[string]interface{}{
			"event_id": evt.ID,
			"type":     evt.Type,
			"error":    err.Error(),
		})
	}
}
