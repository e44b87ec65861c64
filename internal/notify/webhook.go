// Package notify posts a terminal job event to an operator-configured
// webhook, generalizing the teacher's SendGroupMe (internal/notify/
// groupme.go) — same POST-JSON-if-configured shape, aimed at any
// webhook receiver instead of one hardcoded to GroupMe's bot API.
package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"optimizectl/internal/eventlog"
)

// Webhook posts terminal events to a configured URL. A zero-value
// Webhook (empty URL) is a no-op, the same "disabled unless configured"
// behavior as SendGroupMe.
type Webhook struct {
	URL    string
	Client *http.Client
}

// New returns a Webhook notifier targeting url. An empty url makes every
// Notify call a no-op.
func New(url string) *Webhook {
	return &Webhook{URL: url, Client: &http.Client{Timeout: 10 * time.Second}}
}

// Notify posts env — expected to be a terminal event — as JSON to the
// configured URL. It is silently a no-op if no URL is configured.
func (w *Webhook) Notify(ctx context.Context, env eventlog.Envelope) error {
	if w.URL == "" {
		return nil
	}
	body, err := env.Encode()
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.URL, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	client := w.Client
	if client == nil {
		client = http.DefaultClient
	}
	resp, err := client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		var body map[string]any
		_ = json.NewDecoder(resp.Body).Decode(&body)
		return fmt.Errorf("notify: webhook status %d", resp.StatusCode)
	}
	return nil
}
