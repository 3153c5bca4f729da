package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"loom/internal/config"
)

const userAgent = "Loom-Go/0.1.0"

// Service defines the notification surface exposed to pipeline components.
type Service interface {
	NotifyRequestCompleted(ctx context.Context, token, topic string, artifacts []string) error
	NotifyRequestFailed(ctx context.Context, token, stage, message string) error
	NotifyRequestCancelled(ctx context.Context, token string) error
	TestNotification(ctx context.Context) error
}

// NewService builds a notification service backed by a webhook when configured.
// When no webhook URL is configured, a noop implementation is returned.
func NewService(cfg *config.Config) Service {
	url := strings.TrimSpace(cfg.Notifications.WebhookURL)
	if url == "" {
		return noopService{}
	}

	timeout := time.Duration(cfg.Notifications.RequestTimeout) * time.Second
	if timeout <= 0 {
		timeout = 10 * time.Second
	}

	return &webhookService{
		endpoint:   url,
		client:     &http.Client{Timeout: timeout},
		completion: cfg.Notifications.Completion,
		errors:     cfg.Notifications.Errors,
	}
}

type payload struct {
	Event     string   `json:"event"`
	Token     string   `json:"request,omitempty"`
	Stage     string   `json:"stage,omitempty"`
	Message   string   `json:"message"`
	Artifacts []string `json:"artifacts,omitempty"`
}

type webhookService struct {
	endpoint   string
	client     *http.Client
	completion bool
	errors     bool
}

func (w *webhookService) NotifyRequestCompleted(ctx context.Context, token, topic string, artifacts []string) error {
	if !w.completion {
		return nil
	}
	topic = strings.TrimSpace(topic)
	message := fmt.Sprintf("Request complete: %s", token)
	if topic != "" {
		message = fmt.Sprintf("Request complete: %s (%s)", token, topic)
	}
	return w.send(ctx, payload{
		Event:     "request.completed",
		Token:     token,
		Message:   message,
		Artifacts: artifacts,
	})
}

func (w *webhookService) NotifyRequestFailed(ctx context.Context, token, stage, message string) error {
	if !w.errors {
		return nil
	}
	message = strings.TrimSpace(message)
	if message == "" {
		message = "unknown"
	}
	return w.send(ctx, payload{
		Event:   "request.failed",
		Token:   token,
		Stage:   stage,
		Message: fmt.Sprintf("Request failed: %s", message),
	})
}

func (w *webhookService) NotifyRequestCancelled(ctx context.Context, token string) error {
	if !w.errors {
		return nil
	}
	return w.send(ctx, payload{
		Event:   "request.cancelled",
		Token:   token,
		Message: fmt.Sprintf("Request cancelled: %s", token),
	})
}

func (w *webhookService) TestNotification(ctx context.Context) error {
	return w.send(ctx, payload{
		Event:   "test",
		Message: "Notification system test",
	})
}

func (w *webhookService) send(ctx context.Context, data payload) error {
	if w == nil || w.client == nil {
		return nil
	}

	body, err := json.Marshal(data)
	if err != nil {
		return fmt.Errorf("encode webhook payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.endpoint, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build webhook request: %w", err)
	}
	req.Header.Set("User-Agent", userAgent)
	req.Header.Set("Content-Type", "application/json")

	resp, err := w.client.Do(req)
	if err != nil {
		return fmt.Errorf("send webhook notification: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 2048))
		return fmt.Errorf("webhook returned %d: %s", resp.StatusCode, strings.TrimSpace(string(snippet)))
	}
	_, _ = io.Copy(io.Discard, resp.Body)
	return nil
}

type noopService struct{}

func (noopService) NotifyRequestCompleted(context.Context, string, string, []string) error {
	return nil
}

func (noopService) NotifyRequestFailed(context.Context, string, string, string) error { return nil }

func (noopService) NotifyRequestCancelled(context.Context, string) error { return nil }

func (noopService) TestNotification(context.Context) error { return nil }
