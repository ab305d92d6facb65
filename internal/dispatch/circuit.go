package dispatch

import (
	"sync"
	"time"
)

type circuitState int

const (
	circuitClosed circuitState = iota
	circuitOpen
	circuitHalfOpen
)

// breaker is a per-provider circuit breaker. It opens when more than
// half of the calls in the sliding window fail, stays open for the
// cooldown, then lets a single probe through.
type breaker struct {
	mu       sync.Mutex
	state    circuitState
	window   []bool // true = failure
	size     int
	minCalls int
	cooldown time.Duration
	openedAt time.Time
	probing  bool
	now      func() time.Time
}

func newBreaker(windowSize int, cooldown time.Duration) *breaker {
	if windowSize <= 0 {
		windowSize = 20
	}
	if cooldown <= 0 {
		cooldown = 30 * time.Second
	}
	return &breaker{
		size:     windowSize,
		minCalls: windowSize / 2,
		cooldown: cooldown,
		now:      time.Now,
	}
}

// Allow reports whether a call may proceed. In the open state it admits
// one probe per cooldown period.
func (b *breaker) Allow() bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case circuitClosed:
		return true
	case circuitOpen:
		if b.now().Sub(b.openedAt) >= b.cooldown {
			b.state = circuitHalfOpen
			b.probing = true
			return true
		}
		return false
	case circuitHalfOpen:
		if b.probing {
			return false
		}
		b.probing = true
		return true
	}
	return false
}

// Record feeds a call result back. Returns (opened, closed) transitions
// so the caller can emit events.
func (b *breaker) Record(failure bool) (opened, closed bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.state == circuitHalfOpen {
		b.probing = false
		if failure {
			b.state = circuitOpen
			b.openedAt = b.now()
			return false, false
		}
		b.state = circuitClosed
		b.window = nil
		return false, true
	}

	b.window = append(b.window, failure)
	if len(b.window) > b.size {
		b.window = b.window[1:]
	}
	if b.state == circuitClosed && len(b.window) >= b.minCalls {
		failures := 0
		for _, f := range b.window {
			if f {
				failures++
			}
		}
		if failures*2 > len(b.window) {
			b.state = circuitOpen
			b.openedAt = b.now()
			b.window = nil
			return true, false
		}
	}
	return false, false
}
