package dispatch

import (
	"context"
	"errors"
	"fmt"
	"time"

	"golang.org/x/time/rate"

	"github.com/spinleaf/scenario-engine/internal/events"
	"github.com/spinleaf/scenario-engine/internal/store"
)

// Ledger is the durable record of deliveries and attempts. The store
// satisfies it.
type Ledger interface {
	MarkDelivered(ctx context.Context, key string) (bool, error)
	Delivered(ctx context.Context, key string) (bool, error)
	AppendAudit(ctx context.Context, entry store.AuditEntry) error
}

// Options bound how hard the dispatcher pushes each provider.
type Options struct {
	Retry            RetryPolicy
	InflightPerChan  int     // concurrent deliveries per channel
	RatePerChan      float64 // deliveries per second per channel, 0 = unlimited
	BreakerWindow    int
	BreakerCooldown  time.Duration
}

func (o *Options) defaults() {
	if o.Retry.MaxAttempts <= 0 {
		o.Retry = DefaultRetryPolicy
	}
	if o.InflightPerChan <= 0 {
		o.InflightPerChan = 16
	}
}

type channelLane struct {
	provider Provider
	breaker  *breaker
	limiter  *rate.Limiter
	slots    chan struct{}
}

// Dispatcher routes requests to the provider registered for their
// channel, enforcing the idempotency ledger, retry policy, rate limit,
// and circuit breaker.
type Dispatcher struct {
	ledger Ledger
	opts   Options
	lanes  map[string]*channelLane
	sleep  func(ctx context.Context, d time.Duration) error
}

func NewDispatcher(ledger Ledger, opts Options) *Dispatcher {
	opts.defaults()
	return &Dispatcher{
		ledger: ledger,
		opts:   opts,
		lanes:  make(map[string]*channelLane),
		sleep:  sleepCtx,
	}
}

// Register installs the provider for a channel. Channels without a
// provider reject every request.
func (d *Dispatcher) Register(channel string, p Provider) {
	limiter := rate.NewLimiter(rate.Inf, 1)
	if d.opts.RatePerChan > 0 {
		limiter = rate.NewLimiter(rate.Limit(d.opts.RatePerChan), int(d.opts.RatePerChan)+1)
	}
	d.lanes[channel] = &channelLane{
		provider: p,
		breaker:  newBreaker(d.opts.BreakerWindow, d.opts.BreakerCooldown),
		limiter:  limiter,
		slots:    make(chan struct{}, d.opts.InflightPerChan),
	}
}

// Dispatch delivers the request and reports the outcome. It is safe to
// call again for the same instance node: the ledger short-circuits
// duplicates to Sent without contacting the provider.
func (d *Dispatcher) Dispatch(ctx context.Context, req Request) Result {
	key := req.IdempotencyKey()

	delivered, err := d.ledger.Delivered(ctx, key)
	if err != nil {
		return d.deferred(ctx, req, fmt.Sprintf("ledger read failed: %v", err))
	}
	if delivered {
		return Result{Outcome: Sent, Detail: "already delivered"}
	}

	lane, ok := d.lanes[req.Channel]
	if !ok {
		return d.rejected(ctx, req, fmt.Sprintf("no provider for channel %q", req.Channel))
	}

	if !lane.breaker.Allow() {
		return d.deferred(ctx, req, "circuit open for "+req.Channel)
	}

	select {
	case lane.slots <- struct{}{}:
		defer func() { <-lane.slots }()
	default:
		return d.deferred(ctx, req, "channel "+req.Channel+" saturated")
	}

	if err := lane.limiter.Wait(ctx); err != nil {
		return d.deferred(ctx, req, "rate limit wait cancelled")
	}

	return d.attempt(ctx, lane, req)
}

func (d *Dispatcher) attempt(ctx context.Context, lane *channelLane, req Request) Result {
	var lastErr error
	for attempt := 1; attempt <= d.opts.Retry.MaxAttempts; attempt++ {
		err := lane.provider.Deliver(ctx, req)
		opened, closed := lane.breaker.Record(err != nil && !errors.Is(err, ErrPermanent))
		if opened {
			events.Emit("warning", "provider.circuit_open", "circuit opened for "+req.Channel, map[string]interface{}{
				"channel": req.Channel,
			})
		}
		if closed {
			events.Emit("info", "provider.circuit_closed", "circuit closed for "+req.Channel, map[string]interface{}{
				"channel": req.Channel,
			})
		}

		if err == nil {
			first, merr := d.ledger.MarkDelivered(ctx, req.IdempotencyKey())
			if merr != nil {
				// delivery happened; the ledger write is retried by the
				// executor re-running this node, where Delivered wins
				events.Emit("error", "system.error", "ledger write failed after delivery", map[string]interface{}{
					"instance_id": req.InstanceID,
					"node_id":     req.NodeID,
					"error":       merr.Error(),
				})
			}
			detail := "delivered"
			if !first && merr == nil {
				detail = "delivered by concurrent attempt"
			}
			return d.sent(ctx, req, detail)
		}

		lastErr = err
		if errors.Is(err, ErrPermanent) {
			return d.rejected(ctx, req, err.Error())
		}
		if attempt == d.opts.Retry.MaxAttempts {
			break
		}

		events.Emit("warning", "dispatch.retry", "delivery attempt failed, retrying", map[string]interface{}{
			"instance_id": req.InstanceID,
			"node_id":     req.NodeID,
			"channel":     req.Channel,
			"attempt":     attempt,
			"error":       err.Error(),
		})
		if !lane.breaker.Allow() {
			return d.deferred(ctx, req, "circuit opened mid-retry for "+req.Channel)
		}
		if err := d.sleep(ctx, d.opts.Retry.Backoff(attempt)); err != nil {
			return d.deferred(ctx, req, "retry wait cancelled")
		}
	}

	return d.failed(ctx, req, fmt.Sprintf("retries exhausted: %v", lastErr))
}

func (d *Dispatcher) sent(ctx context.Context, req Request, detail string) Result {
	d.audit(ctx, req, "sent", detail)
	events.Emit("info", "dispatch.sent", "action delivered", map[string]interface{}{
		"instance_id": req.InstanceID,
		"node_id":     req.NodeID,
		"channel":     req.Channel,
		"player_id":   req.PlayerID,
	})
	return Result{Outcome: Sent, Detail: detail}
}

func (d *Dispatcher) rejected(ctx context.Context, req Request, detail string) Result {
	d.audit(ctx, req, "rejected", detail)
	events.Emit("error", "dispatch.rejected", "action permanently rejected", map[string]interface{}{
		"instance_id": req.InstanceID,
		"node_id":     req.NodeID,
		"channel":     req.Channel,
		"detail":      detail,
	})
	return Result{Outcome: Rejected, Detail: detail}
}

func (d *Dispatcher) deferred(ctx context.Context, req Request, detail string) Result {
	d.audit(ctx, req, "deferred", detail)
	events.Emit("warning", "dispatch.deferred", "action deferred", map[string]interface{}{
		"instance_id": req.InstanceID,
		"node_id":     req.NodeID,
		"channel":     req.Channel,
		"detail":      detail,
	})
	return Result{Outcome: Deferred, Detail: detail}
}

func (d *Dispatcher) failed(ctx context.Context, req Request, detail string) Result {
	d.audit(ctx, req, "failed", detail)
	events.Emit("error", "dispatch.failed", "action delivery failed", map[string]interface{}{
		"instance_id": req.InstanceID,
		"node_id":     req.NodeID,
		"channel":     req.Channel,
		"detail":      detail,
	})
	return Result{Outcome: Rejected, Detail: detail}
}

func (d *Dispatcher) audit(ctx context.Context, req Request, status, detail string) {
	entry := store.AuditEntry{
		InstanceID: req.InstanceID,
		NodeID:     req.NodeID,
		Channel:    req.Channel,
		Status:     status,
		Detail:     detail,
		At:         time.Now().UTC(),
	}
	if err := d.ledger.AppendAudit(ctx, entry); err != nil {
		events.Emit("error", "system.error", "audit append failed", map[string]interface{}{
			"instance_id": req.InstanceID,
			"error":       err.Error(),
		})
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
