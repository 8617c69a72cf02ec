package alert

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

var (
	_ Notifier = (*WebhookNotifier)(nil)
	_ Notifier = NopNotifier{}
)

// NopNotifier discards every alert. Used when no webhook endpoint is
// configured: alerts are still created, logged, and kept in history.
type NopNotifier struct{}

// Notify implements [Notifier].
func (NopNotifier) Notify(context.Context, Record) error { return nil }

// WebhookNotifier posts alert payloads to an HTTP endpoint.
type WebhookNotifier struct {
	endpoint string
	client   *http.Client
}

// NewWebhookNotifier creates a notifier posting to endpoint with a 10 s
// request timeout.
func NewWebhookNotifier(endpoint string) *WebhookNotifier {
	return &WebhookNotifier{
		endpoint: endpoint,
		client:   &http.Client{Timeout: 10 * time.Second},
	}
}

// webhookPayload is the JSON body posted for one alert.
type webhookPayload struct {
	ID        string    `json:"id"`
	DeviceID  string    `json:"device_id"`
	Text      string    `json:"text"`
	Keywords  []string  `json:"keywords"`
	Priority  string    `json:"priority"`
	CreatedAt time.Time `json:"created_at"`
}

// Notify implements [Notifier].
func (n *WebhookNotifier) Notify(ctx context.Context, rec Record) error {
	body, err := json.Marshal(webhookPayload{
		ID:        rec.ID,
		DeviceID:  rec.DeviceID,
		Text:      rec.Text,
		Keywords:  rec.Keywords,
		Priority:  rec.Priority.String(),
		CreatedAt: rec.CreatedAt,
	})
	if err != nil {
		return fmt.Errorf("alert: marshal webhook payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, n.endpoint, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("alert: build webhook request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := n.client.Do(req)
	if err != nil {
		return fmt.Errorf("alert: post webhook: %w", err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("alert: webhook returned status %d", resp.StatusCode)
	}
	return nil
}
