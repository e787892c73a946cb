package notify

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"testing"
	"time"
)

type fakeDoer struct {
	fn func(*http.Request) (*http.Response, error)
}

func (f fakeDoer) Do(req *http.Request) (*http.Response, error) {
	return f.fn(req)
}

func TestWebhookNotifierEnvelope(t *testing.T) {
	t.Parallel()

	var captured []byte
	notifier := NewWebhookNotifier("https://alerts.example.com/hook", slog.New(slog.DiscardHandler))
	notifier.httpClient = fakeDoer{fn: func(r *http.Request) (*http.Response, error) {
		var err error
		captured, err = io.ReadAll(r.Body)
		if err != nil {
			t.Fatalf("read notification body: %v", err)
		}
		return &http.Response{
			StatusCode: http.StatusOK,
			Body:       io.NopCloser(strings.NewReader("")),
		}, nil
	}}

	notifier.Emit(context.Background(), Report{
		Processor: "entry-create",
		Kind:      "permanent-failure",
		Excerpt:   "submission rejected",
		Timestamp: time.Date(2026, 4, 2, 10, 0, 0, 0, time.UTC),
	})

	var message struct {
		Source  string `json:"source"`
		Content struct {
			Title       string `json:"title"`
			Description string `json:"description"`
		} `json:"content"`
	}
	if err := json.Unmarshal(captured, &message); err != nil {
		t.Fatalf("unmarshal captured notification: %v", err)
	}
	if message.Source != "custom" {
		t.Fatalf("unexpected source %q", message.Source)
	}
	if message.Content.Title != "entry-create: permanent-failure" {
		t.Fatalf("unexpected title %q", message.Content.Title)
	}
	if message.Content.Description != "submission rejected" {
		t.Fatalf("unexpected description %q", message.Content.Description)
	}
}

func TestWebhookNotifierSwallowsSendErrors(t *testing.T) {
	t.Parallel()

	notifier := NewWebhookNotifier("https://alerts.example.com/hook", slog.New(slog.DiscardHandler))
	notifier.httpClient = fakeDoer{fn: func(r *http.Request) (*http.Response, error) {
		return nil, errors.New("connection refused")
	}}

	// Must not panic or propagate.
	notifier.Emit(context.Background(), Report{Processor: "cleanup", Kind: "sweep-failed"})
}

func TestWebhookNotifierNoURL(t *testing.T) {
	t.Parallel()

	notifier := NewWebhookNotifier("", slog.New(slog.DiscardHandler))
	notifier.httpClient = fakeDoer{fn: func(r *http.Request) (*http.Response, error) {
		t.Fatal("no request expected without a URL")
		return nil, nil
	}}

	notifier.Emit(context.Background(), Report{Processor: "cleanup", Kind: "sweep-complete"})
}
