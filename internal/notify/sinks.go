package notify

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	appLog "github.com/jazzdanger/nudge-me/internal/log"
)

// LogSink writes notifications to the application log. It is the always-on
// surface and never fails.
type LogSink struct{}

func (LogSink) Deliver(n Notification) error {
	appLog.Info("notification",
		"id", n.ID,
		"title", n.Title,
		"body", n.Body,
		"priority", n.Priority,
		"category", n.Category,
	)
	return nil
}

// WebhookSink POSTs each notification as JSON to a configured URL.
type WebhookSink struct {
	URL    string
	client *http.Client
}

// NewWebhookSink creates a WebhookSink with a bounded request timeout.
func NewWebhookSink(url string) *WebhookSink {
	return &WebhookSink{
		URL: url,
		client: &http.Client{
			Timeout: 10 * time.Second,
		},
	}
}

func (w *WebhookSink) Deliver(n Notification) error {
	body, err := json.Marshal(n)
	if err != nil {
		return fmt.Errorf("encode notification: %w", err)
	}

	resp, err := w.client.Post(w.URL, "application/json", bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("post notification: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("webhook returned %s", resp.Status)
	}
	return nil
}
