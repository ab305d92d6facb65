package events

import (
	"encoding/json"
	"fmt"
	"sync"
	"time"
)

var buffer = NewRingBuffer(256)

// Sink receives every emitted event for durable storage. Implementations
// must be safe for concurrent use. The engine wires the store's event log
// here; tests usually leave it unset.
type Sink interface {
	AppendEvent(ts time.Time, level, name, msg string, fields map[string]interface{}) error
}

var (
	sink           Sink
	sinkMu         sync.RWMutex
	sinkErrLogged  bool
)

// SetSink sets the durable sink for event persistence.
func SetSink(s Sink) {
	sinkMu.Lock()
	sink = s
	sinkErrLogged = false
	sinkMu.Unlock()
}

type Event struct {
	Timestamp string                 `json:"ts"`
	Level     string                 `json:"level"`
	Name      string                 `json:"event"`
	Message   string                 `json:"msg,omitempty"`
	Fields    map[string]interface{} `json:"fields,omitempty"`
}

func Emit(level, name, msg string, fields map[string]interface{}) ([]byte, error) {
	if err := Validate(name); err != nil {
		return nil, err
	}

	ts := time.Now().UTC()
	e := Event{
		Timestamp: ts.Format(time.RFC3339Nano),
		Level:     level,
		Name:      name,
		Message:   msg,
		Fields:    fields,
	}

	buffer.Add(e)
	broadcast(e)

	sinkMu.RLock()
	s := sink
	errLogged := sinkErrLogged
	sinkMu.RUnlock()

	if s != nil {
		if err := s.AppendEvent(ts, level, name, msg, fields); err != nil {
			// Log the sink failure once to avoid spam. The error event goes
			// directly to the ring buffer, NOT through Emit, so a persistently
			// failing sink cannot recurse.
			if !errLogged {
				sinkMu.Lock()
				if !sinkErrLogged {
					sinkErrLogged = true
					sinkMu.Unlock()
					errEvent := Event{
						Timestamp: time.Now().UTC().Format(time.RFC3339Nano),
						Level:     "error",
						Name:      "system.error",
						Message:   "event sink append failed",
						Fields: map[string]interface{}{
							"error": err.Error(),
						},
					}
					buffer.Add(errEvent)
				} else {
					sinkMu.Unlock()
				}
			}
		}
	}

	b, err := json.Marshal(e)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal event: %w", err)
	}

	return b, nil
}

func Snapshot() []Event {
	return buffer.Snapshot()
}

// TotalCount returns the number of events emitted since startup.
func TotalCount() int64 {
	return buffer.Total()
}

// Clear resets the event buffer. Used for testing.
func Clear() {
	buffer.Clear()
}
