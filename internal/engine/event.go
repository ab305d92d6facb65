package engine

import "time"

// PlayerEvent is one inbound event from the platform's player stream
// (registration, deposit, login, bet-settled, and so on).
type PlayerEvent struct {
	ID       string                 `json:"id"`
	Type     string                 `json:"type"`
	PlayerID string                 `json:"playerId"`
	Payload  map[string]interface{} `json:"payload,omitempty"`
	At       time.Time              `json:"occurredAt,omitempty"`
}
