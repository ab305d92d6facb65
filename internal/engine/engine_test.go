package engine

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/spinleaf/scenario-engine/internal/dedup"
	"github.com/spinleaf/scenario-engine/internal/dispatch"
	"github.com/spinleaf/scenario-engine/internal/players"
	"github.com/spinleaf/scenario-engine/internal/scenario"
	"github.com/spinleaf/scenario-engine/internal/store"
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

type recordingProvider struct {
	mu    sync.Mutex
	calls []dispatch.Request
	err   error
}

func (p *recordingProvider) Deliver(ctx context.Context, req dispatch.Request) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.err != nil {
		return p.err
	}
	p.calls = append(p.calls, req)
	return nil
}

func (p *recordingProvider) count() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.calls)
}

type harness struct {
	t        *testing.T
	ctx      context.Context
	store    *store.Memory
	registry *scenario.Registry
	attrs    *players.Static
	segments *players.SegmentStore
	clock    *FakeClock
	exec     *Executor
	router   *Router
	sched    *Scheduler

	mu        sync.Mutex
	pending   []string
	providers map[string]*recordingProvider
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	h := &harness{
		t:         t,
		ctx:       context.Background(),
		store:     store.NewMemory(),
		attrs:     players.NewStatic(),
		segments:  players.NewSegmentStore(),
		clock:     NewFakeClock(time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)),
		providers: make(map[string]*recordingProvider),
	}
	h.registry = scenario.NewRegistry(h.store)

	d := dispatch.NewDispatcher(h.store, dispatch.Options{
		Retry: dispatch.RetryPolicy{MaxAttempts: 1, BaseDelay: time.Millisecond, MaxDelay: time.Millisecond},
	})
	for _, ch := range []string{"email", "sms", "push", "bonus-grant"} {
		p := &recordingProvider{}
		h.providers[ch] = p
		d.Register(ch, p)
	}
	d.Register("segment-add", dispatch.NewSegmentProvider(h.segments, false))
	d.Register("segment-remove", dispatch.NewSegmentProvider(h.segments, true))

	h.exec = NewExecutor(ExecutorConfig{
		Store:      h.store,
		Registry:   h.registry,
		Attributes: h.attrs,
		Segments:   h.segments,
		Dispatcher: d,
		Clock:      h.clock,
		DeferRetry: time.Second,
	})
	h.router = NewRouter(RouterConfig{
		Store:      h.store,
		Registry:   h.registry,
		Deduper:    dedup.NewMemory(time.Hour),
		Attributes: h.attrs,
		Segments:   h.segments,
		Clock:      h.clock,
		Submit:     h.submit,
	})
	h.sched = NewScheduler(SchedulerConfig{
		Store:    h.store,
		Registry: h.registry,
		Clock:    h.clock,
		Submit:   h.submit,
	})
	return h
}

func (h *harness) submit(id string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.pending = append(h.pending, id)
}

// drain steps every pending instance until nothing is queued.
func (h *harness) drain() {
	for {
		h.mu.Lock()
		if len(h.pending) == 0 {
			h.mu.Unlock()
			return
		}
		id := h.pending[0]
		h.pending = h.pending[1:]
		h.mu.Unlock()

		if err := h.exec.Step(h.ctx, id); err != nil {
			h.t.Fatalf("step %s failed: %v", id, err)
		}
	}
}

func (h *harness) sweepAndDrain() int {
	n, err := h.sched.Sweep(h.ctx)
	if err != nil {
		h.t.Fatalf("sweep failed: %v", err)
	}
	h.drain()
	return n
}

func (h *harness) publish(doc string) *scenario.Scenario {
	h.t.Helper()
	parsed, err := scenario.Parse([]byte(doc))
	if err != nil {
		h.t.Fatalf("failed to parse scenario: %v", err)
	}
	published, verrs, err := h.registry.Publish(h.ctx, parsed)
	if err != nil {
		h.t.Fatalf("publish failed: %v", err)
	}
	if len(verrs) > 0 {
		h.t.Fatalf("scenario invalid: %v", verrs)
	}
	return published
}

func (h *harness) route(evt PlayerEvent) []string {
	h.t.Helper()
	ids, err := h.router.Route(h.ctx, evt)
	if err != nil {
		h.t.Fatalf("route failed: %v", err)
	}
	return ids
}

func (h *harness) instance(id string) *store.Instance {
	h.t.Helper()
	inst, err := h.store.Instance(h.ctx, id)
	if err != nil {
		h.t.Fatalf("load instance %s: %v", id, err)
	}
	return inst
}

func visitedIDs(inst *store.Instance) []string {
	ids := make([]string, len(inst.Visited))
	for i, v := range inst.Visited {
		ids[i] = v.NodeID
	}
	return ids
}

// pathConnected reports whether `to` is reachable from `from` crossing
// only delay nodes in between. Delay nodes are not recorded in the
// visited log, so consecutive entries may be bridged by them.
func pathConnected(sc *scenario.Scenario, from, to string) bool {
	frontier := []string{from}
	seen := map[string]bool{from: true}
	for len(frontier) > 0 {
		cur := frontier[0]
		frontier = frontier[1:]
		for _, e := range sc.Outgoing(cur) {
			if e.Target == to {
				return true
			}
			n := sc.NodeByID(e.Target)
			if n != nil && n.Subtype == scenario.LogicDelay && !seen[e.Target] {
				seen[e.Target] = true
				frontier = append(frontier, e.Target)
			}
		}
	}
	return false
}

func TestWelcomeJourneyEndToEnd(t *testing.T) {
	h := newHarness(t)
	h.attrs.Set("p1", players.Attributes{"hasDeposit": false})
	sc := h.publish(welcomeDoc)

	ids := h.route(PlayerEvent{ID: "e1", Type: "registration", PlayerID: "p1"})
	if len(ids) != 1 {
		t.Fatalf("expected 1 instance, got %d", len(ids))
	}
	h.drain()

	inst := h.instance(ids[0])
	if inst.Status != store.StatusWaiting || inst.CurrentNodeID != "d1" {
		t.Fatalf("expected waiting at d1, got %s at %s", inst.Status, inst.CurrentNodeID)
	}
	if inst.WakeAt == nil {
		t.Fatal("wakeAt not persisted")
	}

	// not due yet
	if n := h.sweepAndDrain(); n != 0 {
		t.Fatalf("premature wake: %d instances submitted", n)
	}

	h.clock.Advance(5 * time.Minute)
	h.sweepAndDrain()
	if got := h.providers["email"].count(); got != 1 {
		t.Fatalf("expected 1 email after first delay, got %d", got)
	}

	inst = h.instance(ids[0])
	if inst.Status != store.StatusWaiting || inst.CurrentNodeID != "d2" {
		t.Fatalf("expected waiting at d2, got %s at %s", inst.Status, inst.CurrentNodeID)
	}

	h.clock.Advance(24 * time.Hour)
	h.sweepAndDrain()

	inst = h.instance(ids[0])
	if inst.Status != store.StatusCompleted {
		t.Fatalf("expected completed, got %s (%s)", inst.Status, inst.FailReason)
	}
	if got := h.providers["email"].count(); got != 1 {
		t.Errorf("email dispatched %d times, want 1", got)
	}
	if got := h.providers["push"].count(); got != 1 {
		t.Errorf("push dispatched %d times, want 1", got)
	}
	if got := h.providers["bonus-grant"].count(); got != 0 {
		t.Errorf("bonus granted %d times, want 0", got)
	}

	visited := visitedIDs(inst)
	want := []string{"t1", "a1", "c1", "a3"}
	if len(visited) != len(want) {
		t.Fatalf("visited log = %v, want %v", visited, want)
	}
	for i := range want {
		if visited[i] != want[i] {
			t.Fatalf("visited log = %v, want %v", visited, want)
		}
	}
	for i := 0; i+1 < len(visited); i++ {
		if !pathConnected(sc, visited[i], visited[i+1]) {
			t.Errorf("visited log jumps from %s to %s with no edge path", visited[i], visited[i+1])
		}
	}
}

func TestDepositTakesYesBranch(t *testing.T) {
	h := newHarness(t)
	h.attrs.Set("p1", players.Attributes{"hasDeposit": false})
	h.publish(welcomeDoc)

	ids := h.route(PlayerEvent{ID: "e1", Type: "registration", PlayerID: "p1"})
	h.drain()
	h.clock.Advance(5 * time.Minute)
	h.sweepAndDrain()

	// deposit lands while the instance waits out the second delay; the
	// condition must see the state at decision time
	h.attrs.SetAttr("p1", "hasDeposit", true)

	h.clock.Advance(24 * time.Hour)
	h.sweepAndDrain()

	inst := h.instance(ids[0])
	if inst.Status != store.StatusCompleted {
		t.Fatalf("expected completed, got %s", inst.Status)
	}
	if got := h.providers["bonus-grant"].count(); got != 1 {
		t.Errorf("bonus granted %d times, want 1", got)
	}
	if got := h.providers["push"].count(); got != 0 {
		t.Errorf("push dispatched %d times, want 0", got)
	}
}

func TestDelayFiresOnceAcrossRestart(t *testing.T) {
	h := newHarness(t)
	h.attrs.Set("p1", players.Attributes{"hasDeposit": false})
	h.publish(welcomeDoc)

	ids := h.route(PlayerEvent{ID: "e1", Type: "registration", PlayerID: "p1"})
	h.drain()

	// the process dies while the instance waits; a new executor and
	// scheduler come up over the same store well past the due time
	restarted := newHarness(t)
	restarted.store = h.store
	restarted.attrs = h.attrs
	restarted.registry = scenario.NewRegistry(h.store)
	if err := restarted.registry.Load(restarted.ctx); err != nil {
		t.Fatalf("registry reload failed: %v", err)
	}
	restarted.clock = NewFakeClock(h.clock.Now().Add(45 * time.Minute))
	restarted.exec = NewExecutor(ExecutorConfig{
		Store:      restarted.store,
		Registry:   restarted.registry,
		Attributes: restarted.attrs,
		Segments:   restarted.segments,
		Dispatcher: h.exec.cfg.Dispatcher,
		Clock:      restarted.clock,
	})
	restarted.sched = NewScheduler(SchedulerConfig{
		Store:    restarted.store,
		Registry: restarted.registry,
		Clock:    restarted.clock,
		Submit:   restarted.submit,
	})

	// two sweeps must not double-fire an instance due 40 minutes ago
	restarted.sweepAndDrain()
	restarted.sweepAndDrain()

	if got := h.providers["email"].count(); got != 1 {
		t.Fatalf("email dispatched %d times after restart, want 1", got)
	}
	inst := restarted.instance(ids[0])
	if inst.CurrentNodeID != "d2" || inst.Status != store.StatusWaiting {
		t.Fatalf("expected waiting at d2, got %s at %s", inst.Status, inst.CurrentNodeID)
	}
}

func TestDuplicateEventDropped(t *testing.T) {
	h := newHarness(t)
	h.publish(welcomeDoc)

	first := h.route(PlayerEvent{ID: "e1", Type: "registration", PlayerID: "p1"})
	replay := h.route(PlayerEvent{ID: "e1", Type: "registration", PlayerID: "p1"})

	if len(first) != 1 {
		t.Fatalf("expected 1 instance from first event, got %d", len(first))
	}
	if len(replay) != 0 {
		t.Fatalf("replayed event created %d instances", len(replay))
	}
}

func TestConcurrentEntryBlocked(t *testing.T) {
	h := newHarness(t)
	h.publish(welcomeDoc)

	h.route(PlayerEvent{ID: "e1", Type: "registration", PlayerID: "p1"})
	again := h.route(PlayerEvent{ID: "e2", Type: "registration", PlayerID: "p1"})
	if len(again) != 0 {
		t.Fatalf("player entered the scenario twice: %v", again)
	}

	// a different player is unaffected
	other := h.route(PlayerEvent{ID: "e3", Type: "registration", PlayerID: "p2"})
	if len(other) != 1 {
		t.Fatalf("expected 1 instance for p2, got %d", len(other))
	}
}

func TestTriggerFilter(t *testing.T) {
	doc := `{
	  "id": "big-deposit",
	  "version": 1,
	  "status": "active",
	  "nodes": [
	    {"id": "t1", "kind": "trigger", "config": {"eventType": "deposit", "filter": "event.payload.amount >= 100"}},
	    {"id": "a1", "kind": "action", "subtype": "email", "config": {"template": "thanks"}}
	  ],
	  "edges": [{"source": "t1", "target": "a1"}]
	}`

	h := newHarness(t)
	h.publish(doc)

	small := h.route(PlayerEvent{ID: "e1", Type: "deposit", PlayerID: "p1",
		Payload: map[string]interface{}{"amount": 20.0}})
	if len(small) != 0 {
		t.Fatalf("filter let a small deposit through")
	}

	big := h.route(PlayerEvent{ID: "e2", Type: "deposit", PlayerID: "p1",
		Payload: map[string]interface{}{"amount": 250.0}})
	if len(big) != 1 {
		t.Fatalf("expected 1 instance for big deposit, got %d", len(big))
	}
	h.drain()

	if got := h.providers["email"].count(); got != 1 {
		t.Errorf("email dispatched %d times, want 1", got)
	}
}

func TestScenarioSegmentGate(t *testing.T) {
	doc := `{
	  "id": "vip-weekly",
	  "version": 1,
	  "status": "active",
	  "segment": "vip",
	  "nodes": [
	    {"id": "t1", "kind": "trigger", "config": {"eventType": "login"}},
	    {"id": "a1", "kind": "action", "subtype": "push", "config": {"template": "vip-offer"}}
	  ],
	  "edges": [{"source": "t1", "target": "a1"}]
	}`

	h := newHarness(t)
	h.publish(doc)

	if ids := h.route(PlayerEvent{ID: "e1", Type: "login", PlayerID: "p1"}); len(ids) != 0 {
		t.Fatal("non-member entered a segmented scenario")
	}

	h.segments.Add("p1", "vip")
	if ids := h.route(PlayerEvent{ID: "e2", Type: "login", PlayerID: "p1"}); len(ids) != 1 {
		t.Fatal("segment member did not enter")
	}
}

func TestPauseAndResume(t *testing.T) {
	h := newHarness(t)
	h.publish(welcomeDoc)

	ids := h.route(PlayerEvent{ID: "e1", Type: "registration", PlayerID: "p1"})
	h.drain()

	if err := h.registry.Pause(h.ctx, "welcome-journey"); err != nil {
		t.Fatalf("pause failed: %v", err)
	}

	// no new instances while paused
	if got := h.route(PlayerEvent{ID: "e2", Type: "registration", PlayerID: "p2"}); len(got) != 0 {
		t.Fatal("paused scenario accepted a new instance")
	}

	// due instances are not fired while paused
	h.clock.Advance(10 * time.Minute)
	if n := h.sweepAndDrain(); n != 0 {
		t.Fatalf("paused scenario fired %d wakes", n)
	}
	if got := h.providers["email"].count(); got != 0 {
		t.Fatalf("paused scenario dispatched %d emails", got)
	}

	if err := h.registry.Resume(h.ctx, "welcome-journey"); err != nil {
		t.Fatalf("resume failed: %v", err)
	}
	h.sweepAndDrain()
	if got := h.providers["email"].count(); got != 1 {
		t.Fatalf("resumed scenario dispatched %d emails, want 1", got)
	}

	inst := h.instance(ids[0])
	if inst.CurrentNodeID != "d2" {
		t.Errorf("instance at %s, want d2", inst.CurrentNodeID)
	}
}

type flakyStore struct {
	store.Store
	failures int
}

func (f *flakyStore) CreateInstance(ctx context.Context, inst *store.Instance, requireUnique bool) error {
	if f.failures > 0 {
		f.failures--
		return errors.New("store unavailable")
	}
	return f.Store.CreateInstance(ctx, inst, requireUnique)
}

func TestRedeliveryAfterStoreFailure(t *testing.T) {
	h := newHarness(t)
	h.publish(welcomeDoc)

	router := NewRouter(RouterConfig{
		Store:      &flakyStore{Store: h.store, failures: 1},
		Registry:   h.registry,
		Deduper:    dedup.NewMemory(time.Hour),
		Attributes: h.attrs,
		Segments:   h.segments,
		Clock:      h.clock,
		Submit:     h.submit,
	})

	evt := PlayerEvent{ID: "e1", Type: "registration", PlayerID: "p1"}
	if _, err := router.Route(h.ctx, evt); err == nil {
		t.Fatal("expected the first delivery to fail")
	}

	// the upstream redelivers the same event id after the blip
	ids, err := router.Route(h.ctx, evt)
	if err != nil {
		t.Fatalf("redelivery failed: %v", err)
	}
	if len(ids) != 1 {
		t.Fatalf("redelivery created %d instances, want 1", len(ids))
	}
}

func TestResumeRunsInstancePausedMidWalk(t *testing.T) {
	h := newHarness(t)
	h.publish(welcomeDoc)

	ids := h.route(PlayerEvent{ID: "e1", Type: "registration", PlayerID: "p1"})

	// pause lands before the queued instance takes its first step
	if err := h.registry.Pause(h.ctx, "welcome-journey"); err != nil {
		t.Fatalf("pause failed: %v", err)
	}
	h.drain()

	inst := h.instance(ids[0])
	if inst.Status != store.StatusRunning {
		t.Fatalf("instance status = %s, want running", inst.Status)
	}
	if inst.WakeAt == nil {
		t.Fatal("paused running instance dropped out of the due-sweep")
	}

	if err := h.registry.Resume(h.ctx, "welcome-journey"); err != nil {
		t.Fatalf("resume failed: %v", err)
	}
	h.clock.Advance(time.Minute)
	h.sweepAndDrain()

	inst = h.instance(ids[0])
	if inst.Status != store.StatusWaiting || inst.CurrentNodeID != "d1" {
		t.Fatalf("instance at %s %s, want waiting at d1", inst.Status, inst.CurrentNodeID)
	}
}

func TestCancelScenario(t *testing.T) {
	h := newHarness(t)
	h.publish(welcomeDoc)

	ids := h.route(PlayerEvent{ID: "e1", Type: "registration", PlayerID: "p1"})
	h.route(PlayerEvent{ID: "e2", Type: "registration", PlayerID: "p2"})
	h.drain()

	n, err := h.sched.CancelScenario(h.ctx, "welcome-journey")
	if err != nil {
		t.Fatalf("cancel failed: %v", err)
	}
	if n != 2 {
		t.Fatalf("cancelled %d instances, want 2", n)
	}

	inst := h.instance(ids[0])
	if inst.Status != store.StatusCancelled {
		t.Errorf("status = %s, want cancelled", inst.Status)
	}
	if inst.WakeAt != nil {
		t.Error("cancelled instance kept a pending wake-up")
	}

	h.clock.Advance(time.Hour)
	if got := h.sweepAndDrain(); got != 0 {
		t.Errorf("cancelled instances still due: %d", got)
	}
}

func TestConditionMissingDataDefaultsToNo(t *testing.T) {
	h := newHarness(t)
	// player never seen by the attribute service
	h.publish(welcomeDoc)

	ids := h.route(PlayerEvent{ID: "e1", Type: "registration", PlayerID: "ghost"})
	h.drain()
	h.clock.Advance(5 * time.Minute)
	h.sweepAndDrain()
	h.clock.Advance(24 * time.Hour)
	h.sweepAndDrain()

	inst := h.instance(ids[0])
	if inst.Status != store.StatusCompleted {
		t.Fatalf("expected completed, got %s (%s)", inst.Status, inst.FailReason)
	}
	if got := h.providers["push"].count(); got != 1 {
		t.Errorf("expected the no branch (push), got %d pushes", got)
	}
}

func TestConditionMissingDataFailsWhenConfigured(t *testing.T) {
	h := newHarness(t)
	h.exec.cfg.FailOnMissingData = true
	h.publish(welcomeDoc)

	ids := h.route(PlayerEvent{ID: "e1", Type: "registration", PlayerID: "ghost"})
	h.drain()
	h.clock.Advance(5 * time.Minute)
	h.sweepAndDrain()
	h.clock.Advance(24 * time.Hour)
	h.sweepAndDrain()

	inst := h.instance(ids[0])
	if inst.Status != store.StatusFailed {
		t.Fatalf("expected failed, got %s", inst.Status)
	}
	if !strings.Contains(inst.FailReason, "c1") {
		t.Errorf("fail reason %q does not name the condition node", inst.FailReason)
	}
}

type stubDispatcher struct {
	mu  sync.Mutex
	res dispatch.Result
}

func (s *stubDispatcher) Dispatch(ctx context.Context, req dispatch.Request) dispatch.Result {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.res
}

func (s *stubDispatcher) set(res dispatch.Result) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.res = res
}

func TestDeferredDispatchKeepsInstanceRunnable(t *testing.T) {
	h := newHarness(t)
	stub := &stubDispatcher{res: dispatch.Result{Outcome: dispatch.Deferred, Detail: "saturated"}}
	h.exec.cfg.Dispatcher = stub
	h.publish(welcomeDoc)

	ids := h.route(PlayerEvent{ID: "e1", Type: "registration", PlayerID: "p1"})
	h.drain()
	h.clock.Advance(5 * time.Minute)
	h.sweepAndDrain()

	inst := h.instance(ids[0])
	if inst.Status != store.StatusRunning || inst.CurrentNodeID != "a1" {
		t.Fatalf("deferred dispatch should leave the instance running at a1, got %s at %s",
			inst.Status, inst.CurrentNodeID)
	}
	if inst.WakeAt == nil {
		t.Fatal("deferred instance has no retry wake")
	}

	// capacity returns; the retry wake brings the instance back
	stub.set(dispatch.Result{Outcome: dispatch.Sent})
	h.clock.Advance(2 * time.Second)
	h.sweepAndDrain()

	inst = h.instance(ids[0])
	if inst.CurrentNodeID != "d2" || inst.Status != store.StatusWaiting {
		t.Fatalf("expected waiting at d2 after retry, got %s at %s", inst.Status, inst.CurrentNodeID)
	}
}

func TestRejectedDispatchFailsInstance(t *testing.T) {
	h := newHarness(t)
	h.providers["email"].err = dispatch.ErrPermanent
	h.publish(welcomeDoc)

	ids := h.route(PlayerEvent{ID: "e1", Type: "registration", PlayerID: "p1"})
	h.drain()
	h.clock.Advance(5 * time.Minute)
	h.sweepAndDrain()

	inst := h.instance(ids[0])
	if inst.Status != store.StatusFailed {
		t.Fatalf("expected failed, got %s", inst.Status)
	}

	audit, err := h.store.AuditByInstance(h.ctx, ids[0])
	if err != nil {
		t.Fatalf("audit query failed: %v", err)
	}
	if len(audit) == 0 || audit[len(audit)-1].Status != "rejected" {
		t.Errorf("audit log missing the rejection: %v", audit)
	}
}

func TestSplitRouting(t *testing.T) {
	doc := `{
	  "id": "offer-test",
	  "version": 1,
	  "status": "active",
	  "nodes": [
	    {"id": "t1", "kind": "trigger", "config": {"eventType": "login"}},
	    {"id": "s1", "kind": "logic", "subtype": "split", "config": {"weights": {"a": 0.5, "b": 0.5}}},
	    {"id": "aa", "kind": "action", "subtype": "email", "config": {"template": "offer-a"}},
	    {"id": "ab", "kind": "action", "subtype": "sms", "config": {"template": "offer-b"}}
	  ],
	  "edges": [
	    {"source": "t1", "target": "s1"},
	    {"source": "s1", "sourceHandle": "a", "target": "aa"},
	    {"source": "s1", "sourceHandle": "b", "target": "ab"}
	  ]
	}`

	h := newHarness(t)
	h.publish(doc)

	ids := h.route(PlayerEvent{ID: "e1", Type: "login", PlayerID: "p1"})
	h.drain()

	inst := h.instance(ids[0])
	if inst.Status != store.StatusCompleted {
		t.Fatalf("expected completed, got %s (%s)", inst.Status, inst.FailReason)
	}

	wantHandle := chooseSplitHandle(map[string]float64{"a": 0.5, "b": 0.5}, "p1", "offer-test")
	wantNode := "aa"
	if wantHandle == "b" {
		wantNode = "ab"
	}
	visited := visitedIDs(inst)
	if visited[len(visited)-1] != wantNode {
		t.Errorf("visited %v, want final node %s", visited, wantNode)
	}
	if h.providers["email"].count()+h.providers["sms"].count() != 1 {
		t.Errorf("expected exactly one branch action")
	}
}

func TestRestoreResubmitsRunning(t *testing.T) {
	h := newHarness(t)
	h.publish(welcomeDoc)
	h.route(PlayerEvent{ID: "e1", Type: "registration", PlayerID: "p1"})
	// the submit from routing is lost: simulate a crash before stepping
	h.mu.Lock()
	h.pending = nil
	h.mu.Unlock()

	n, err := Restore(h.ctx, h.store, h.submit, 100)
	if err != nil {
		t.Fatalf("restore failed: %v", err)
	}
	if n != 1 {
		t.Fatalf("restored %d instances, want 1", n)
	}
	h.drain()

	ids, err := h.store.OpenInstanceIDs(h.ctx, "welcome-journey")
	if err != nil || len(ids) != 1 {
		t.Fatalf("open instances = %v, err = %v", ids, err)
	}
	inst := h.instance(ids[0])
	if inst.CurrentNodeID != "d1" || inst.Status != store.StatusWaiting {
		t.Fatalf("expected waiting at d1 after restore, got %s at %s", inst.Status, inst.CurrentNodeID)
	}
}
