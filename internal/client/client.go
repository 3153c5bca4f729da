package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"loom/internal/api"
)

// Client provides HTTP access to a running loom daemon.
type Client struct {
	baseURL string
	httpc   *http.Client
}

// APIError carries the status code and message returned by the daemon.
type APIError struct {
	StatusCode int
	Message    string
}

func (e *APIError) Error() string {
	if strings.TrimSpace(e.Message) == "" {
		return fmt.Sprintf("daemon returned status %d", e.StatusCode)
	}
	return e.Message
}

// New builds a client for the daemon API listening at baseURL. The scheme
// may be omitted; plain host:port addresses are accepted.
func New(baseURL string) *Client {
	trimmed := strings.TrimRight(strings.TrimSpace(baseURL), "/")
	if trimmed != "" && !strings.Contains(trimmed, "://") {
		trimmed = "http://" + trimmed
	}
	return &Client{
		baseURL: trimmed,
		httpc:   &http.Client{Timeout: 10 * time.Second},
	}
}

// Status retrieves the daemon runtime status.
func (c *Client) Status(ctx context.Context) (*api.DaemonStatus, error) {
	var resp api.DaemonStatus
	if err := c.do(ctx, http.MethodGet, "/api/status", nil, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// Submit enqueues a new generation request.
func (c *Client) Submit(ctx context.Context, req api.SubmitRequest) (*api.SubmitResponse, error) {
	var resp api.SubmitResponse
	if err := c.do(ctx, http.MethodPost, "/api/requests", req, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// ListRequests returns requests, optionally filtered by status.
func (c *Client) ListRequests(ctx context.Context, statuses ...string) (*api.RequestListResponse, error) {
	path := "/api/requests"
	if len(statuses) > 0 {
		values := url.Values{}
		for _, status := range statuses {
			values.Add("status", status)
		}
		path += "?" + values.Encode()
	}
	var resp api.RequestListResponse
	if err := c.do(ctx, http.MethodGet, path, nil, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// DescribeRequest returns a request with its stage and event history.
func (c *Client) DescribeRequest(ctx context.Context, token string) (*api.RequestDetailResponse, error) {
	var resp api.RequestDetailResponse
	if err := c.do(ctx, http.MethodGet, "/api/requests/"+url.PathEscape(token), nil, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// CancelRequest asks the daemon to cancel an in-flight request.
func (c *Client) CancelRequest(ctx context.Context, token string) error {
	return c.do(ctx, http.MethodPost, "/api/requests/"+url.PathEscape(token)+"/cancel", nil, nil)
}

// Delivery issues a signed delivery reference for a completed request.
func (c *Client) Delivery(ctx context.Context, token, object string) (*api.DeliveryResponse, error) {
	path := "/api/requests/" + url.PathEscape(token) + "/delivery"
	if strings.TrimSpace(object) != "" {
		path += "?object=" + url.QueryEscape(object)
	}
	var resp api.DeliveryResponse
	if err := c.do(ctx, http.MethodGet, path, nil, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// QueueOverview bundles queue depth with the current dead letters.
type QueueOverview struct {
	Stats       api.QueueStatsView   `json:"stats"`
	DeadLetters []api.DeadLetterView `json:"deadLetters"`
}

// Queue retrieves queue statistics and dead letters.
func (c *Client) Queue(ctx context.Context) (*QueueOverview, error) {
	var resp QueueOverview
	if err := c.do(ctx, http.MethodGet, "/api/queue", nil, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// RetryDeadLetter republishes a dead-lettered message for reprocessing.
func (c *Client) RetryDeadLetter(ctx context.Context, id int64) error {
	return c.do(ctx, http.MethodPost, fmt.Sprintf("/api/queue/dead-letters/%d/retry", id), nil, nil)
}

// RemoveDeadLetter discards a dead-lettered message.
func (c *Client) RemoveDeadLetter(ctx context.Context, id int64) error {
	return c.do(ctx, http.MethodDelete, fmt.Sprintf("/api/queue/dead-letters/%d", id), nil, nil)
}

// Metrics retrieves hourly aggregates and stage durations for a window.
func (c *Client) Metrics(ctx context.Context, from, to time.Time, tenant string) (*api.MetricsResponse, error) {
	values := url.Values{}
	if !from.IsZero() {
		values.Set("from", from.UTC().Format(time.RFC3339))
	}
	if !to.IsZero() {
		values.Set("to", to.UTC().Format(time.RFC3339))
	}
	if strings.TrimSpace(tenant) != "" {
		values.Set("tenant", tenant)
	}
	path := "/api/metrics"
	if encoded := values.Encode(); encoded != "" {
		path += "?" + encoded
	}
	var resp api.MetricsResponse
	if err := c.do(ctx, http.MethodGet, path, nil, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// CacheStats retrieves two-tier cache usage.
func (c *Client) CacheStats(ctx context.Context) (*api.CacheStatsView, error) {
	var resp api.CacheStatsView
	if err := c.do(ctx, http.MethodGet, "/api/cache", nil, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// InvalidateCache evicts the cache entry for the given request shape and
// returns the fingerprint that was invalidated.
func (c *Client) InvalidateCache(ctx context.Context, topic string, personalization map[string]any, variant string) (string, error) {
	payload := struct {
		Topic           string         `json:"topic"`
		Personalization map[string]any `json:"personalization,omitempty"`
		Variant         string         `json:"variant,omitempty"`
	}{Topic: topic, Personalization: personalization, Variant: variant}

	var resp struct {
		Fingerprint string `json:"fingerprint"`
	}
	if err := c.do(ctx, http.MethodPost, "/api/cache/invalidate", payload, &resp); err != nil {
		return "", err
	}
	return resp.Fingerprint, nil
}

// TestNotification asks the daemon to emit a test webhook notification.
func (c *Client) TestNotification(ctx context.Context) error {
	return c.do(ctx, http.MethodPost, "/api/notifications/test", nil, nil)
}

func (c *Client) do(ctx context.Context, method, path string, payload, out any) error {
	if c.baseURL == "" {
		return fmt.Errorf("daemon address is not configured")
	}

	var body io.Reader
	if payload != nil {
		encoded, err := json.Marshal(payload)
		if err != nil {
			return fmt.Errorf("encode request: %w", err)
		}
		body = bytes.NewReader(encoded)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpc.Do(req)
	if err != nil {
		return fmt.Errorf("contact daemon: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= http.StatusMultipleChoices {
		return decodeAPIError(resp)
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

func decodeAPIError(resp *http.Response) error {
	apiErr := &APIError{StatusCode: resp.StatusCode}
	var payload struct {
		Error string `json:"error"`
	}
	raw, err := io.ReadAll(io.LimitReader(resp.Body, 64*1024))
	if err == nil && json.Unmarshal(raw, &payload) == nil {
		apiErr.Message = payload.Error
	}
	return apiErr
}
