package streaming

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// DaprPublisher publishes through a Dapr sidecar:
// POST {base}/v1.0/publish/{pubsub}/{topic}.
type DaprPublisher struct {
	baseURL    string
	pubsubName string
	client     *http.Client
}

// NewDaprPublisher creates a publisher for the given sidecar and component.
func NewDaprPublisher(baseURL, pubsubName string, timeout time.Duration) *DaprPublisher {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &DaprPublisher{
		baseURL:    strings.TrimRight(baseURL, "/"),
		pubsubName: pubsubName,
		client:     &http.Client{Timeout: timeout},
	}
}

// Publish posts the JSON-encoded message.
func (p *DaprPublisher) Publish(ctx context.Context, msg Message) error {
	if msg.Topic == "" {
		return fmt.Errorf("dapr publish: empty topic")
	}
	data, err := json.Marshal(stamp(msg))
	if err != nil {
		return fmt.Errorf("dapr publish: encode message: %w", err)
	}
	endpoint := fmt.Sprintf("%s/v1.0/publish/%s/%s", p.baseURL,
		url.PathEscape(p.pubsubName), url.PathEscape(msg.Topic))

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(data))
	if err != nil {
		return fmt.Errorf("dapr publish: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := p.client.Do(req)
	if err != nil {
		return fmt.Errorf("dapr publish %s: %w", msg.Topic, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return fmt.Errorf("dapr publish %s: status %d: %s", msg.Topic, resp.StatusCode, strings.TrimSpace(string(body)))
	}
	return nil
}

var _ Publisher = (*DaprPublisher)(nil)
