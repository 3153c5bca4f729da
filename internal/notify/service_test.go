package notify_test

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"loom/internal/config"
	"loom/internal/notify"
)

func TestNewServiceReturnsNoopWhenWebhookMissing(t *testing.T) {
	cfg := config.Default()
	cfg.Notifications.WebhookURL = ""
	svc := notify.NewService(&cfg)
	if err := svc.NotifyRequestCompleted(context.Background(), "tok-1", "daily digest", nil); err != nil {
		t.Fatalf("expected noop notifier to return nil, got %v", err)
	}
}

func TestWebhookServicePostsJSONPayload(t *testing.T) {
	var captured struct {
		Event     string   `json:"event"`
		Token     string   `json:"request"`
		Message   string   `json:"message"`
		Artifacts []string `json:"artifacts"`
	}
	var contentType string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		contentType = r.Header.Get("Content-Type")
		body, err := io.ReadAll(r.Body)
		if err != nil {
			t.Errorf("read body: %v", err)
		}
		if err := json.Unmarshal(body, &captured); err != nil {
			t.Errorf("decode body: %v", err)
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	cfg := config.Default()
	cfg.Notifications.WebhookURL = server.URL
	cfg.Notifications.Completion = true
	svc := notify.NewService(&cfg)

	if err := svc.NotifyRequestCompleted(context.Background(), "tok-2", "weekly report", []string{"a.json"}); err != nil {
		t.Fatalf("NotifyRequestCompleted: %v", err)
	}
	if contentType != "application/json" {
		t.Fatalf("expected JSON content type, got %q", contentType)
	}
	if captured.Event != "request.completed" {
		t.Fatalf("unexpected event %q", captured.Event)
	}
	if captured.Token != "tok-2" {
		t.Fatalf("unexpected token %q", captured.Token)
	}
	if len(captured.Artifacts) != 1 || captured.Artifacts[0] != "a.json" {
		t.Fatalf("unexpected artifacts %v", captured.Artifacts)
	}
}

func TestWebhookServiceHonorsCategoryToggles(t *testing.T) {
	calls := 0
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	cfg := config.Default()
	cfg.Notifications.WebhookURL = server.URL
	cfg.Notifications.Completion = false
	cfg.Notifications.Errors = false
	svc := notify.NewService(&cfg)

	if err := svc.NotifyRequestCompleted(context.Background(), "tok-3", "", nil); err != nil {
		t.Fatalf("NotifyRequestCompleted: %v", err)
	}
	if err := svc.NotifyRequestFailed(context.Background(), "tok-3", "retrieval", "source unavailable"); err != nil {
		t.Fatalf("NotifyRequestFailed: %v", err)
	}
	if calls != 0 {
		t.Fatalf("expected no webhook calls with categories disabled, got %d", calls)
	}
}

func TestWebhookServiceReportsServerError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "nope", http.StatusBadGateway)
	}))
	defer server.Close()

	cfg := config.Default()
	cfg.Notifications.WebhookURL = server.URL
	cfg.Notifications.Errors = true
	svc := notify.NewService(&cfg)

	if err := svc.NotifyRequestFailed(context.Background(), "tok-4", "validation", "bad params"); err == nil {
		t.Fatal("expected error for non-2xx webhook response")
	}
}
