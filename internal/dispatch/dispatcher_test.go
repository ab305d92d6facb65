package dispatch

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/spinleaf/scenario-engine/internal/players"
	"github.com/spinleaf/scenario-engine/internal/store"
)

func newTestDispatcher(t *testing.T, opts Options) (*Dispatcher, *store.Memory) {
	t.Helper()
	mem := store.NewMemory()
	d := NewDispatcher(mem, opts)
	d.sleep = func(ctx context.Context, _ time.Duration) error { return ctx.Err() }
	return d, mem
}

func testRequest() Request {
	return Request{
		InstanceID: "inst-1",
		NodeID:     "a1",
		PlayerID:   "p1",
		Channel:    "email",
		Payload:    map[string]interface{}{"template": "welcome"},
	}
}

func TestDispatchSent(t *testing.T) {
	d, mem := newTestDispatcher(t, Options{})
	var calls int32
	d.Register("email", ProviderFunc(func(ctx context.Context, req Request) error {
		atomic.AddInt32(&calls, 1)
		return nil
	}))

	res := d.Dispatch(context.Background(), testRequest())
	assert.Equal(t, Sent, res.Outcome)
	assert.EqualValues(t, 1, calls)

	delivered, err := mem.Delivered(context.Background(), "inst-1:a1")
	require.NoError(t, err)
	assert.True(t, delivered)

	audit, err := mem.AuditByInstance(context.Background(), "inst-1")
	require.NoError(t, err)
	require.Len(t, audit, 1)
	assert.Equal(t, "sent", audit[0].Status)
	assert.Equal(t, "email", audit[0].Channel)
}

func TestDispatchIdempotent(t *testing.T) {
	d, _ := newTestDispatcher(t, Options{})
	var calls int32
	d.Register("email", ProviderFunc(func(ctx context.Context, req Request) error {
		atomic.AddInt32(&calls, 1)
		return nil
	}))

	req := testRequest()
	first := d.Dispatch(context.Background(), req)
	second := d.Dispatch(context.Background(), req)

	assert.Equal(t, Sent, first.Outcome)
	assert.Equal(t, Sent, second.Outcome)
	assert.EqualValues(t, 1, calls, "provider must be contacted exactly once")
}

func TestDispatchRetriesThenSucceeds(t *testing.T) {
	d, _ := newTestDispatcher(t, Options{
		Retry: RetryPolicy{MaxAttempts: 4, BaseDelay: time.Millisecond, MaxDelay: time.Millisecond},
	})
	var calls int32
	d.Register("email", ProviderFunc(func(ctx context.Context, req Request) error {
		if atomic.AddInt32(&calls, 1) < 3 {
			return errors.New("timeout")
		}
		return nil
	}))

	res := d.Dispatch(context.Background(), testRequest())
	assert.Equal(t, Sent, res.Outcome)
	assert.EqualValues(t, 3, calls)
}

func TestDispatchPermanentFailure(t *testing.T) {
	d, _ := newTestDispatcher(t, Options{})
	var calls int32
	d.Register("email", ProviderFunc(func(ctx context.Context, req Request) error {
		atomic.AddInt32(&calls, 1)
		return fmt.Errorf("%w: bad template", ErrPermanent)
	}))

	res := d.Dispatch(context.Background(), testRequest())
	assert.Equal(t, Rejected, res.Outcome)
	assert.EqualValues(t, 1, calls, "permanent failures must not be retried")
}

func TestDispatchRetriesExhausted(t *testing.T) {
	d, mem := newTestDispatcher(t, Options{
		Retry: RetryPolicy{MaxAttempts: 3, BaseDelay: time.Millisecond, MaxDelay: time.Millisecond},
	})
	var calls int32
	d.Register("email", ProviderFunc(func(ctx context.Context, req Request) error {
		atomic.AddInt32(&calls, 1)
		return errors.New("timeout")
	}))

	res := d.Dispatch(context.Background(), testRequest())
	assert.Equal(t, Rejected, res.Outcome)
	assert.EqualValues(t, 3, calls)

	delivered, _ := mem.Delivered(context.Background(), "inst-1:a1")
	assert.False(t, delivered, "failed delivery must not be recorded in the ledger")
}

func TestDispatchUnknownChannel(t *testing.T) {
	d, _ := newTestDispatcher(t, Options{})
	res := d.Dispatch(context.Background(), testRequest())
	assert.Equal(t, Rejected, res.Outcome)
}

func TestDispatchDeferredWhenSaturated(t *testing.T) {
	d, _ := newTestDispatcher(t, Options{InflightPerChan: 1})
	blocked := make(chan struct{})
	release := make(chan struct{})
	d.Register("email", ProviderFunc(func(ctx context.Context, req Request) error {
		close(blocked)
		<-release
		return nil
	}))

	done := make(chan struct{})
	go func() {
		defer close(done)
		d.Dispatch(context.Background(), testRequest())
	}()
	<-blocked

	second := testRequest()
	second.InstanceID = "inst-2"
	res := d.Dispatch(context.Background(), second)
	close(release)
	<-done

	assert.Equal(t, Deferred, res.Outcome)
}

func TestCircuitOpensAndDefers(t *testing.T) {
	d, _ := newTestDispatcher(t, Options{
		Retry:         RetryPolicy{MaxAttempts: 1, BaseDelay: time.Millisecond, MaxDelay: time.Millisecond},
		BreakerWindow: 4,
	})
	d.Register("email", ProviderFunc(func(ctx context.Context, req Request) error {
		return errors.New("connection refused")
	}))

	// enough failures to trip the breaker
	for i := 0; i < 4; i++ {
		req := testRequest()
		req.InstanceID = fmt.Sprintf("inst-%d", i)
		d.Dispatch(context.Background(), req)
	}

	req := testRequest()
	req.InstanceID = "inst-after"
	res := d.Dispatch(context.Background(), req)
	assert.Equal(t, Deferred, res.Outcome, "open circuit should defer instead of calling the provider")
}

func TestCircuitHalfOpenRecovery(t *testing.T) {
	b := newBreaker(4, time.Minute)
	current := time.Now()
	b.now = func() time.Time { return current }

	for i := 0; i < 4; i++ {
		b.Record(true)
	}
	if b.Allow() {
		t.Fatal("breaker should be open after repeated failures")
	}

	current = current.Add(2 * time.Minute)
	if !b.Allow() {
		t.Fatal("breaker should admit a probe after the cooldown")
	}
	if b.Allow() {
		t.Fatal("only one probe may pass in half-open")
	}

	_, closed := b.Record(false)
	if !closed {
		t.Fatal("successful probe should close the breaker")
	}
	if !b.Allow() {
		t.Fatal("closed breaker should allow calls")
	}
}

func TestSegmentProvider(t *testing.T) {
	segs := players.NewSegmentStore()
	add := NewSegmentProvider(segs, false)
	remove := NewSegmentProvider(segs, true)

	req := testRequest()
	req.Channel = "segment-add"
	req.Payload = map[string]interface{}{"segment": "welcomed"}

	require.NoError(t, add.Deliver(context.Background(), req))
	assert.True(t, segs.Contains("p1", "welcomed"))

	require.NoError(t, remove.Deliver(context.Background(), req))
	assert.False(t, segs.Contains("p1", "welcomed"))

	req.Payload = map[string]interface{}{}
	err := add.Deliver(context.Background(), req)
	assert.ErrorIs(t, err, ErrPermanent)
}

func TestBackoffBounds(t *testing.T) {
	p := RetryPolicy{MaxAttempts: 5, BaseDelay: 100 * time.Millisecond, MaxDelay: time.Second}
	for attempt := 1; attempt <= 6; attempt++ {
		d := p.Backoff(attempt)
		if d < 0 || d > p.MaxDelay+p.MaxDelay/2 {
			t.Errorf("attempt %d: backoff %v out of bounds", attempt, d)
		}
	}
}
