package engine

import (
	"context"
	"sync"

	"github.com/spinleaf/scenario-engine/internal/events"
)

// Pool runs executor steps on a fixed set of workers. At most one step
// per instance is in flight at any time; a submit that arrives while
// the instance is being stepped is run again afterwards instead of
// concurrently.
type Pool struct {
	exec  *Executor
	queue chan string

	mu       sync.Mutex
	inflight map[string]bool
	again    map[string]bool
	closed   bool

	wg sync.WaitGroup
}

func NewPool(exec *Executor, queueSize int) *Pool {
	if queueSize <= 0 {
		queueSize = 1024
	}
	return &Pool{
		exec:     exec,
		queue:    make(chan string, queueSize),
		inflight: make(map[string]bool),
		again:    make(map[string]bool),
	}
}

// Start launches n workers that run until ctx is cancelled.
func (p *Pool) Start(ctx context.Context, n int) {
	if n <= 0 {
		n = 8
	}
	for i := 0; i < n; i++ {
		p.wg.Add(1)
		go p.worker(ctx)
	}
}

// Submit queues an instance for a step. Blocks when the queue is full
// rather than dropping the step.
func (p *Pool) Submit(id string) {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.mu.Unlock()
	p.queue <- id
}

// Stop waits for the workers to exit. Cancel the context passed to
// Start first; queued entries not yet picked up are abandoned and will
// resurface through the scheduler sweep.
func (p *Pool) Stop() {
	p.mu.Lock()
	p.closed = true
	p.mu.Unlock()
	p.wg.Wait()
}

func (p *Pool) worker(ctx context.Context) {
	defer p.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case id := <-p.queue:
			p.step(ctx, id)
		}
	}
}

func (p *Pool) step(ctx context.Context, id string) {
	p.mu.Lock()
	if p.inflight[id] {
		p.again[id] = true
		p.mu.Unlock()
		return
	}
	p.inflight[id] = true
	p.mu.Unlock()

	if err := p.exec.Step(ctx, id); err != nil && ctx.Err() == nil {
		events.Emit("error", "system.error", "instance step failed", map[string]interface{}{
			"instance_id": id,
			"error":       err.Error(),
		})
	}

	p.mu.Lock()
	delete(p.inflight, id)
	rerun := p.again[id]
	delete(p.again, id)
	closed := p.closed
	p.mu.Unlock()

	if rerun && !closed {
		select {
		case p.queue <- id:
		default:
			go p.Submit(id)
		}
	}
}
