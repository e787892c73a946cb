// Package notify delivers operator alerts to a webhook endpoint.
// Delivery is fire and forget; a failed send is logged and never bubbles
// into the pipeline that raised the alert.
package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"
)

// Report describes one noteworthy condition: a dropped event, an exhausted
// retry, a completed sweep.
type Report struct {
	Processor string    `json:"processor"`
	Kind      string    `json:"kind"`
	Excerpt   string    `json:"excerpt"`
	Timestamp time.Time `json:"timestamp"`
}

// Notifier accepts reports for delivery.
type Notifier interface {
	Emit(ctx context.Context, report Report)
}

type httpDoer interface {
	Do(req *http.Request) (*http.Response, error)
}

// WebhookNotifier posts reports as JSON to a single webhook URL.
type WebhookNotifier struct {
	url        string
	httpClient httpDoer
	log        *slog.Logger
}

func NewWebhookNotifier(url string, log *slog.Logger) *WebhookNotifier {
	return &WebhookNotifier{
		url:        strings.TrimSpace(url),
		httpClient: &http.Client{Timeout: 10 * time.Second},
		log:        log,
	}
}

// webhookMessage matches the alert channel's expected envelope.
type webhookMessage struct {
	Source  string `json:"source"`
	Content struct {
		Title       string `json:"title"`
		Description string `json:"description"`
	} `json:"content"`
}

func (n *WebhookNotifier) Emit(ctx context.Context, report Report) {
	if n.url == "" {
		return
	}
	if report.Timestamp.IsZero() {
		report.Timestamp = time.Now().UTC()
	}

	var message webhookMessage
	message.Source = "custom"
	message.Content.Title = fmt.Sprintf("%s: %s", report.Processor, report.Kind)
	message.Content.Description = report.Excerpt

	payload, err := json.Marshal(message)
	if err != nil {
		n.log.Error("marshal notification", "error", err)
		return
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, n.url, bytes.NewReader(payload))
	if err != nil {
		n.log.Error("create notification request", "error", err)
		return
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := n.httpClient.Do(req)
	if err != nil {
		n.log.Error("send notification", "error", err)
		return
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		n.log.Error("notification rejected", "status", resp.StatusCode, "kind", report.Kind)
	}
}

// Nop discards all reports. Used when no webhook URL is configured and in
// tests that do not care about alerts.
type Nop struct{}

func (Nop) Emit(context.Context, Report) {}
