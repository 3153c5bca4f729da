package client_test

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"loom/internal/api"
	"loom/internal/client"
)

func TestClientSubmitAndDescribe(t *testing.T) {
	t.Parallel()

	mux := http.NewServeMux()
	mux.HandleFunc("/api/requests", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			t.Errorf("unexpected method %s", r.Method)
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusAccepted)
		_, _ = w.Write([]byte(`{"token":"tok-1","status":"pending"}`))
	})
	mux.HandleFunc("/api/requests/tok-1", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"request":{"token":"tok-1","topic":"compilers","variant":"default","status":"completed","progress":100,"retryCount":0}}`))
	})
	server := httptest.NewServer(mux)
	defer server.Close()

	c := client.New(server.URL)
	resp, err := c.Submit(context.Background(), api.SubmitRequest{Topic: "compilers"})
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	if resp.Token != "tok-1" || resp.Status != "pending" {
		t.Fatalf("unexpected submit response: %+v", resp)
	}

	detail, err := c.DescribeRequest(context.Background(), "tok-1")
	if err != nil {
		t.Fatalf("DescribeRequest: %v", err)
	}
	if detail.Request.Status != "completed" || detail.Request.Progress != 100 {
		t.Fatalf("unexpected detail: %+v", detail.Request)
	}
}

func TestClientDecodesErrorBody(t *testing.T) {
	t.Parallel()

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusNotFound)
		_, _ = w.Write([]byte(`{"error":"request not found"}`))
	}))
	defer server.Close()

	c := client.New(server.URL)
	_, err := c.DescribeRequest(context.Background(), "missing")
	if err == nil {
		t.Fatal("expected error")
	}
	var apiErr *client.APIError
	if !errors.As(err, &apiErr) {
		t.Fatalf("expected APIError, got %T: %v", err, err)
	}
	if apiErr.StatusCode != http.StatusNotFound || apiErr.Message != "request not found" {
		t.Fatalf("unexpected API error: %+v", apiErr)
	}
}

func TestClientNormalizesBareAddress(t *testing.T) {
	t.Parallel()

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"running":true,"pid":42,"consumer":{"running":true},"queue":{"ready":1,"leased":0,"deadLetters":0}}`))
	}))
	defer server.Close()

	addr := server.Listener.Addr().String()
	c := client.New(addr)
	status, err := c.Status(context.Background())
	if err != nil {
		t.Fatalf("Status: %v", err)
	}
	if !status.Running || status.PID != 42 || status.Queue.Ready != 1 {
		t.Fatalf("unexpected status: %+v", status)
	}
}
