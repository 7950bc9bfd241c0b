package channel

import (
	"bytes"
	"context"
	"fmt"
	"net/http"

	"github.com/constitutional-mesh/iaer/pkg/types"
)

// Webhook delivers a rendered message as an HTTP POST body to address (the
// target URL). It is the generic fallback Channel for operators without a
// dedicated adapter.
type Webhook struct {
	client          *http.Client
	capacity        int
	refillPerSecond float64
}

// NewWebhook builds a Webhook channel adapter.
func NewWebhook(client *http.Client) *Webhook {
	if client == nil {
		client = http.DefaultClient
	}
	return &Webhook{client: client, capacity: 10, refillPerSecond: 5}
}

func (w *Webhook) Kind() types.ChannelKind { return types.ChannelWebhook }

func (w *Webhook) RateLimit() (int, float64) { return w.capacity, w.refillPerSecond }

func (w *Webhook) Send(ctx context.Context, renderedMessage string, address string) (Outcome, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, address, bytes.NewBufferString(renderedMessage))
	if err != nil {
		return PermanentError, err
	}
	req.Header.Set("Content-Type", "text/plain; charset=utf-8")

	resp, err := w.client.Do(req)
	if err != nil {
		return TransientError, err
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		return Delivered, nil
	case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500:
		return TransientError, fmt.Errorf("webhook: transient status %d", resp.StatusCode)
	default:
		return PermanentError, fmt.Errorf("webhook: permanent status %d", resp.StatusCode)
	}
}
