package events

import "fmt"

var allowedEvents = map[string]struct{}{
	// scenario lifecycle
	"scenario.published": {},
	"scenario.paused":    {},
	"scenario.resumed":   {},
	"scenario.cancelled": {},

	// instance lifecycle
	"instance.created":   {},
	"instance.advanced":  {},
	"instance.waiting":   {},
	"instance.woken":     {},
	"instance.completed": {},
	"instance.failed":    {},
	"instance.cancelled": {},

	// action dispatch
	"dispatch.sent":     {},
	"dispatch.rejected": {},
	"dispatch.deferred": {},
	"dispatch.retry":    {},
	"dispatch.failed":   {},

	// provider health
	"provider.circuit_open":   {},
	"provider.circuit_closed": {},

	// ingestion
	"ingest.received":  {},
	"ingest.duplicate": {},
	"ingest.dropped":   {},

	// system
	"system.startup":         {},
	"system.shutdown":        {},
	"system.error":           {},
	"system.startup_restore": {},
}

func Validate(event string) error {
	if _, ok := allowedEvents[event]; !ok {
		return fmt.Errorf("unknown event: %s", event)
	}
	return nil
}
