// Package dispatch sends action payloads to delivery providers with
// retries, rate limiting, circuit breaking, and an idempotency ledger
// that guarantees each action fires at most once per instance node.
package dispatch

import (
	"context"
	"errors"
)

// Outcome classifies the result of a dispatch attempt.
type Outcome string

const (
	// Sent means the provider accepted the payload.
	Sent Outcome = "sent"
	// Rejected means the provider permanently refused the payload, or
	// retries were exhausted. The instance fails.
	Rejected Outcome = "rejected"
	// Deferred means the engine could not attempt delivery right now
	// (saturation or open circuit). The instance stays runnable and is
	// retried after a short wake.
	Deferred Outcome = "deferred"
)

// Request is one action delivery.
type Request struct {
	InstanceID string
	NodeID     string
	PlayerID   string
	Channel    string // action subtype: email, sms, push, webhook, ...
	Payload    map[string]interface{}
}

// IdempotencyKey identifies the delivery in the ledger. One instance
// visiting one action node dispatches at most once, across restarts.
func (r Request) IdempotencyKey() string {
	return r.InstanceID + ":" + r.NodeID
}

// Result is what the dispatcher reports back to the executor.
type Result struct {
	Outcome Outcome
	Detail  string
}

// ErrPermanent wraps provider errors that must not be retried, such as
// a malformed payload rejected with a 4xx status.
var ErrPermanent = errors.New("permanent delivery failure")

// Provider delivers payloads for one channel.
type Provider interface {
	Deliver(ctx context.Context, req Request) error
}

// ProviderFunc adapts a function to the Provider interface.
type ProviderFunc func(ctx context.Context, req Request) error

func (f ProviderFunc) Deliver(ctx context.Context, req Request) error {
	return f(ctx, req)
}
