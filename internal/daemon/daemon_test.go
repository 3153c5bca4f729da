package daemon_test

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"testing"
	"time"

	"loom/internal/api"
	"loom/internal/daemon"
	"loom/internal/logging"
	"loom/internal/store"
	"loom/internal/testsupport"
)

func startDaemon(t *testing.T) *daemon.Daemon {
	t.Helper()
	cfg := testsupport.NewConfig(t)
	d, err := daemon.New(cfg, logging.NewNop())
	if err != nil {
		t.Fatalf("daemon.New: %v", err)
	}
	t.Cleanup(func() { _ = d.Close() })
	if err := d.Start(context.Background()); err != nil {
		t.Fatalf("daemon.Start: %v", err)
	}
	t.Cleanup(d.Stop)
	return d
}

func TestDaemonLockPreventsSecondInstance(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	first, err := daemon.New(cfg, logging.NewNop())
	if err != nil {
		t.Fatalf("daemon.New: %v", err)
	}
	defer first.Close()
	if err := first.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer first.Stop()

	second, err := daemon.New(cfg, logging.NewNop())
	if err != nil {
		t.Fatalf("daemon.New second: %v", err)
	}
	defer second.Close()
	if err := second.Start(context.Background()); err == nil {
		second.Stop()
		t.Fatal("expected second daemon instance to fail lock acquisition")
	}
}

func TestAPISubmitAndPollRoundTrip(t *testing.T) {
	d := startDaemon(t)
	base := "http://" + d.APIAddr()

	body, _ := json.Marshal(api.SubmitRequest{
		Requester: "reports-team",
		Topic:     "integration digest",
	})
	resp, err := http.Post(base+"/api/requests", "application/json", bytes.NewReader(body))
	if err != nil {
		t.Fatalf("POST /api/requests: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusAccepted {
		t.Fatalf("expected 202, got %d", resp.StatusCode)
	}
	var submitted api.SubmitResponse
	if err := json.NewDecoder(resp.Body).Decode(&submitted); err != nil {
		t.Fatalf("decode submit response: %v", err)
	}
	if submitted.Token == "" {
		t.Fatal("expected a token")
	}

	deadline := time.Now().Add(15 * time.Second)
	for time.Now().Before(deadline) {
		detail := fetchDetail(t, base, submitted.Token)
		if detail.Request.Status == string(store.StatusCompleted) {
			if detail.Request.Progress != 100 {
				t.Fatalf("expected 100%% progress, got %d", detail.Request.Progress)
			}
			if len(detail.Request.Artifacts) == 0 {
				t.Fatal("expected artifact references on completion")
			}
			if len(detail.Stages) == 0 {
				t.Fatal("expected stage history")
			}
			return
		}
		if detail.Request.Status == string(store.StatusFailed) {
			t.Fatalf("request failed: %+v", detail.Request.Error)
		}
		time.Sleep(100 * time.Millisecond)
	}
	t.Fatal("request did not complete in time")
}

func TestAPIUnknownRequestReturns404(t *testing.T) {
	d := startDaemon(t)
	resp, err := http.Get("http://" + d.APIAddr() + "/api/requests/no-such-token")
	if err != nil {
		t.Fatalf("GET: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", resp.StatusCode)
	}
}

func TestAPIStatusReportsRunningConsumer(t *testing.T) {
	d := startDaemon(t)
	resp, err := http.Get("http://" + d.APIAddr() + "/api/status")
	if err != nil {
		t.Fatalf("GET /api/status: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
	var status api.DaemonStatus
	if err := json.NewDecoder(resp.Body).Decode(&status); err != nil {
		t.Fatalf("decode status: %v", err)
	}
	if !status.Running || !status.Consumer.Running {
		t.Fatalf("expected running daemon and consumer, got %+v", status)
	}
}

func fetchDetail(t *testing.T, base, token string) api.RequestDetailResponse {
	t.Helper()
	resp, err := http.Get(fmt.Sprintf("%s/api/requests/%s", base, token))
	if err != nil {
		t.Fatalf("GET request detail: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
	var detail api.RequestDetailResponse
	if err := json.NewDecoder(resp.Body).Decode(&detail); err != nil {
		t.Fatalf("decode detail: %v", err)
	}
	return detail
}
