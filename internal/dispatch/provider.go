package dispatch

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/spinleaf/scenario-engine/internal/players"
)

// HTTPProvider posts action payloads to an external delivery service
// (ESP, SMS gateway, push service, or a plain webhook receiver).
type HTTPProvider struct {
	url    string
	client *http.Client
}

func NewHTTPProvider(url string) *HTTPProvider {
	return &HTTPProvider{
		url:    url,
		client: &http.Client{Timeout: 15 * time.Second},
	}
}

func (p *HTTPProvider) Deliver(ctx context.Context, req Request) error {
	body, err := json.Marshal(map[string]interface{}{
		"playerId": req.PlayerID,
		"channel":  req.Channel,
		"payload":  req.Payload,
	})
	if err != nil {
		return fmt.Errorf("%w: %v", ErrPermanent, err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, p.url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("%w: %v", ErrPermanent, err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Idempotency-Key", req.IdempotencyKey())

	resp, err := p.client.Do(httpReq)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		return nil
	case resp.StatusCode == http.StatusTooManyRequests:
		return fmt.Errorf("provider throttled: %d", resp.StatusCode)
	case resp.StatusCode >= 400 && resp.StatusCode < 500:
		return fmt.Errorf("%w: provider rejected with %d", ErrPermanent, resp.StatusCode)
	default:
		return fmt.Errorf("provider returned %d", resp.StatusCode)
	}
}

// SegmentProvider applies segment-add and segment-remove actions to the
// local segment store. Delivery is synchronous and cannot fail
// transiently.
type SegmentProvider struct {
	segments *players.SegmentStore
	remove   bool
}

func NewSegmentProvider(segments *players.SegmentStore, remove bool) *SegmentProvider {
	return &SegmentProvider{segments: segments, remove: remove}
}

func (p *SegmentProvider) Deliver(ctx context.Context, req Request) error {
	segment, _ := req.Payload["segment"].(string)
	if segment == "" {
		return fmt.Errorf("%w: segment action without segment name", ErrPermanent)
	}
	if p.remove {
		p.segments.Remove(req.PlayerID, segment)
	} else {
		p.segments.Add(req.PlayerID, segment)
	}
	return nil
}
