package players

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/tidwall/gjson"
)

// HTTPSource fetches attributes from a player-profile service. The
// configured URL may contain a {playerId} placeholder; otherwise the id
// is appended as a path segment.
type HTTPSource struct {
	url    string
	client *http.Client
}

func NewHTTPSource(rawURL string) *HTTPSource {
	return &HTTPSource{
		url:    rawURL,
		client: &http.Client{Timeout: 10 * time.Second},
	}
}

func (h *HTTPSource) Attributes(ctx context.Context, playerID string) (Attributes, error) {
	target := h.url
	if strings.Contains(target, "{playerId}") {
		target = strings.ReplaceAll(target, "{playerId}", url.PathEscape(playerID))
	} else {
		target = strings.TrimRight(target, "/") + "/" + url.PathEscape(playerID)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "application/json")

	resp, err := h.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("attribute fetch for %s failed: %w", playerID, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return Attributes{}, nil
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("attribute service returned %d for %s", resp.StatusCode, playerID)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, err
	}
	parsed := gjson.ParseBytes(body)
	if !parsed.IsObject() {
		return nil, fmt.Errorf("attribute service returned non-object body for %s", playerID)
	}

	attrs := make(Attributes)
	parsed.ForEach(func(key, value gjson.Result) bool {
		attrs[key.String()] = value.Value()
		return true
	})
	return attrs, nil
}
