package ingest

import (
	"sync"
	"time"

	"github.com/spinleaf/scenario-engine/internal/events"
)

// Watchdog tracks when the event stream last produced anything. A
// stream that goes quiet longer than the tolerance raises an alert once
// and a recovery event when flow resumes, so a dead broker route is
// noticed even though the MQTT session itself still looks healthy.
type Watchdog struct {
	mu        sync.Mutex
	lastSeen  time.Time
	tolerance time.Duration
	stalled   bool
	stopCh    chan struct{}
	wg        sync.WaitGroup
	now       func() time.Time
}

func NewWatchdog(tolerance time.Duration) *Watchdog {
	if tolerance <= 0 {
		tolerance = 5 * time.Minute
	}
	return &Watchdog{
		tolerance: tolerance,
		stopCh:    make(chan struct{}),
		now:       time.Now,
	}
}

// Observe records that an event arrived.
func (w *Watchdog) Observe() {
	w.mu.Lock()
	defer w.mu.Unlock()

	w.lastSeen = w.now()
	if w.stalled {
		w.stalled = false
		events.Emit("info", "ingest.received", "event stream recovered", map[string]interface{}{
			"quiet_for": w.tolerance.String(),
		})
	}
}

// Stalled reports whether the stream is currently considered quiet.
func (w *Watchdog) Stalled() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.stalled
}

// check flags the stream as stalled when nothing arrived within the
// tolerance. The first Observe arms the watchdog.
func (w *Watchdog) check() {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.lastSeen.IsZero() || w.stalled {
		return
	}
	quiet := w.now().Sub(w.lastSeen)
	if quiet > w.tolerance {
		w.stalled = true
		events.Emit("warning", "system.error", "event stream quiet", map[string]interface{}{
			"quiet_for": quiet.Round(time.Second).String(),
		})
	}
}

// Start runs periodic checks until Stop is called.
func (w *Watchdog) Start(interval time.Duration) {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	w.wg.Add(1)
	go func() {
		defer w.wg.Done()
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-w.stopCh:
				return
			case <-ticker.C:
				w.check()
			}
		}
	}()
}

// Stop terminates the check loop.
func (w *Watchdog) Stop() {
	close(w.stopCh)
	w.wg.Wait()
}
