// Package webhook provides a generic JSON webhook notifier.
package webhook

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/suhlabs/provisioner/internal/port/notifier"
)

// Notifier posts notifications as JSON to a configured URL.
type Notifier struct {
	url    string
	client *http.Client
}

// NewNotifier creates a webhook notifier for the given URL.
func NewNotifier(url string) *Notifier {
	return &Notifier{
		url:    url,
		client: &http.Client{Timeout: 10 * time.Second},
	}
}

// Name returns the notifier identifier.
func (n *Notifier) Name() string { return "webhook" }

// Capabilities returns what this notifier supports.
func (n *Notifier) Capabilities() notifier.Capabilities {
	return notifier.Capabilities{}
}

// Send posts the notification payload.
func (n *Notifier) Send(ctx context.Context, note notifier.Notification) error {
	if n.url == "" {
		return notifier.ErrNotConfigured
	}

	body, err := json.Marshal(note)
	if err != nil {
		return fmt.Errorf("webhook marshal: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, n.url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("webhook request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := n.client.Do(req)
	if err != nil {
		return fmt.Errorf("webhook send: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode >= 300 {
		return fmt.Errorf("webhook send: unexpected status %d", resp.StatusCode)
	}
	return nil
}
