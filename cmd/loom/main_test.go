package main

import (
	"bytes"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
)

func runCommand(t *testing.T, args ...string) (string, error) {
	t.Helper()
	cmd := newRootCommand()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetArgs(args)
	err := cmd.Execute()
	return out.String(), err
}

func TestParseKeyValues(t *testing.T) {
	t.Parallel()

	values, err := parseKeyValues([]string{"audience=beginners", "depth=3", "strict=true"})
	if err != nil {
		t.Fatalf("parseKeyValues: %v", err)
	}
	if values["audience"] != "beginners" {
		t.Fatalf("expected string value, got %#v", values["audience"])
	}
	if values["depth"] != int64(3) {
		t.Fatalf("expected int value, got %#v", values["depth"])
	}
	if values["strict"] != true {
		t.Fatalf("expected bool value, got %#v", values["strict"])
	}

	if _, err := parseKeyValues([]string{"missing-separator"}); err == nil {
		t.Fatal("expected error for pair without separator")
	}
}

func TestListCommandRendersTable(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/requests" {
			http.NotFound(w, r)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"requests":[{"token":"tok-1","topic":"compilers","variant":"default","status":"completed","progress":100,"retryCount":0}]}`))
	}))
	defer server.Close()

	out, err := runCommand(t, "--addr", server.Listener.Addr().String(), "list")
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if !strings.Contains(out, "tok-1") || !strings.Contains(out, "completed") {
		t.Fatalf("unexpected output:\n%s", out)
	}
}

func TestSubmitCommandReportsToken(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost || r.URL.Path != "/api/requests" {
			http.NotFound(w, r)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusAccepted)
		_, _ = w.Write([]byte(`{"token":"tok-9","status":"pending"}`))
	}))
	defer server.Close()

	out, err := runCommand(t, "--addr", server.Listener.Addr().String(), "submit", "compilers", "-p", "audience=beginners")
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if !strings.Contains(out, "tok-9") {
		t.Fatalf("expected token in output:\n%s", out)
	}
}

func TestSubmitCommandSurfacesAPIError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusBadRequest)
		_, _ = w.Write([]byte(`{"error":"topic is required"}`))
	}))
	defer server.Close()

	_, err := runCommand(t, "--addr", server.Listener.Addr().String(), "submit", "x")
	if err == nil || !strings.Contains(err.Error(), "topic is required") {
		t.Fatalf("expected API error message, got %v", err)
	}
}

func TestConfigInitWritesSample(t *testing.T) {
	target := filepath.Join(t.TempDir(), "config.toml")
	out, err := runCommand(t, "config", "init", "--path", target)
	if err != nil {
		t.Fatalf("config init: %v", err)
	}
	if !strings.Contains(out, target) {
		t.Fatalf("expected target path in output:\n%s", out)
	}

	if _, err := runCommand(t, "config", "init", "--path", target); err == nil {
		t.Fatal("expected error when sample already exists")
	}
}
