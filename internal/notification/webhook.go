package notification

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"time"
)

// poster sends JSON bodies for the HTTP backends.
type poster struct {
	name   string
	client *http.Client
}

func newPoster(name string) poster {
	return poster{name: name, client: &http.Client{Timeout: 10 * time.Second}}
}

func (p poster) postJSON(ctx context.Context, url string, v any) error {
	body, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("%s: marshal: %w", p.name, err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("%s: create request: %w", p.name, err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := p.client.Do(req)
	if err != nil {
		return fmt.Errorf("%s: send: %w", p.name, err)
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("%s: unexpected status %d", p.name, resp.StatusCode)
	}
	return nil
}

// WebhookNotifier POSTs each alert as JSON to url.
type WebhookNotifier struct {
	poster
	url string
	now func() time.Time
}

func NewWebhookNotifier(url string) *WebhookNotifier {
	return &WebhookNotifier{poster: newPoster("webhook"), url: url, now: time.Now}
}

type webhookPayload struct {
	Alert
	TS string `json:"ts"`
}

func (w *WebhookNotifier) Send(ctx context.Context, alert Alert) error {
	payload := webhookPayload{Alert: alert, TS: w.now().UTC().Format(time.RFC3339Nano)}
	if err := w.postJSON(ctx, w.url, payload); err != nil {
		return err
	}
	log.Printf("[webhook] sent %s alert: %s", alert.Level, alert.Title)
	return nil
}
