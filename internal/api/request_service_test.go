package api_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"loom/internal/api"
	"loom/internal/logging"
	"loom/internal/services"
	"loom/internal/store"
	"loom/internal/testsupport"
)

func newService(t *testing.T) (*api.RequestService, *store.Store) {
	t.Helper()
	cfg := testsupport.NewConfig(t)
	st := testsupport.MustOpenStore(t, cfg)
	q := testsupport.MustOpenQueue(t, cfg)
	svc, err := api.NewRequestService(cfg, st, q, nil, logging.NewNop())
	if err != nil {
		t.Fatalf("NewRequestService: %v", err)
	}
	return svc, st
}

func TestSubmitCreatesPendingRequestAndMessage(t *testing.T) {
	svc, st := newService(t)
	ctx := context.Background()

	resp, err := svc.Submit(ctx, api.SubmitRequest{
		Requester: "reports-team",
		Topic:     "weekly revenue digest",
		Variant:   "detailed",
		Personalization: map[string]any{
			"region": "emea",
		},
	})
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	if resp.Token == "" {
		t.Fatal("expected a request token")
	}
	if resp.Status != string(store.StatusPending) {
		t.Fatalf("expected pending, got %s", resp.Status)
	}

	req, err := st.GetByToken(ctx, resp.Token)
	if err != nil {
		t.Fatalf("GetByToken: %v", err)
	}
	if req == nil {
		t.Fatal("expected a stored request row")
	}
	if req.Fingerprint == "" {
		t.Fatal("expected a computed fingerprint")
	}

	stats, err := svc.QueueStats(ctx)
	if err != nil {
		t.Fatalf("QueueStats: %v", err)
	}
	if stats.Ready != 1 {
		t.Fatalf("expected one ready message, got %d", stats.Ready)
	}
}

func TestSubmitRejectsEmptyTopic(t *testing.T) {
	svc, _ := newService(t)
	_, err := svc.Submit(context.Background(), api.SubmitRequest{Requester: "x"})
	if !errors.Is(err, services.ErrValidation) {
		t.Fatalf("expected validation error, got %v", err)
	}
}

func TestSubmitSamePayloadSharesFingerprint(t *testing.T) {
	svc, st := newService(t)
	ctx := context.Background()

	first, err := svc.Submit(ctx, api.SubmitRequest{Topic: "Same Topic", Variant: "default"})
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	second, err := svc.Submit(ctx, api.SubmitRequest{Topic: "  same topic ", Variant: "default"})
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}

	a, _ := st.GetByToken(ctx, first.Token)
	b, _ := st.GetByToken(ctx, second.Token)
	if a.Fingerprint != b.Fingerprint {
		t.Fatalf("equivalent payloads must share a fingerprint: %s vs %s", a.Fingerprint, b.Fingerprint)
	}
}

func TestCancelIsIdempotentAndRejectsTerminal(t *testing.T) {
	svc, st := newService(t)
	ctx := context.Background()

	resp, err := svc.Submit(ctx, api.SubmitRequest{Topic: "cancel me"})
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}

	ok, err := svc.Cancel(ctx, resp.Token)
	if err != nil {
		t.Fatalf("Cancel: %v", err)
	}
	if !ok {
		t.Fatal("expected first cancel to succeed")
	}

	ok, err = svc.Cancel(ctx, resp.Token)
	if err != nil {
		t.Fatalf("Cancel: %v", err)
	}
	if ok {
		t.Fatal("second cancel of a terminal request must be a noop")
	}

	req, err := st.GetByToken(ctx, resp.Token)
	if err != nil {
		t.Fatalf("GetByToken: %v", err)
	}
	if req.Status != store.StatusCancelled {
		t.Fatalf("expected cancelled, got %s", req.Status)
	}
}

func TestDeliveryRequiresCompletion(t *testing.T) {
	svc, _ := newService(t)
	ctx := context.Background()

	resp, err := svc.Submit(ctx, api.SubmitRequest{Topic: "pending delivery"})
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	if _, err := svc.Delivery(ctx, resp.Token, ""); !errors.Is(err, services.ErrValidation) {
		t.Fatalf("expected validation error before completion, got %v", err)
	}
}

func TestDeliveryIssuesExpiringReference(t *testing.T) {
	svc, st := newService(t)
	ctx := context.Background()

	resp, err := svc.Submit(ctx, api.SubmitRequest{Topic: "ready delivery"})
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	req, _ := st.GetByToken(ctx, resp.Token)
	if err := st.MarkCompleted(ctx, req.ID, store.StatusPending, []string{"/artifacts/bundle.json"}); err != nil {
		t.Fatalf("MarkCompleted: %v", err)
	}

	ref, err := svc.Delivery(ctx, resp.Token, "")
	if err != nil {
		t.Fatalf("Delivery: %v", err)
	}
	if ref.Object != "/artifacts/bundle.json" {
		t.Fatalf("expected primary artifact, got %q", ref.Object)
	}
	if ref.Token == "" || ref.ExpiresAt == "" {
		t.Fatalf("expected signed token and expiry, got %+v", ref)
	}

	if _, err := svc.Delivery(ctx, resp.Token, "/artifacts/other.json"); !errors.Is(err, services.ErrNotFound) {
		t.Fatalf("expected not-found for unknown object, got %v", err)
	}
}

func TestMetricsWindowReturnsBuckets(t *testing.T) {
	svc, st := newService(t)
	ctx := context.Background()
	now := time.Now().UTC()

	if err := st.BumpMetrics(ctx, now, "reports-team", store.OutcomeCompleted, 0, true); err != nil {
		t.Fatalf("BumpMetrics: %v", err)
	}
	if err := st.BumpMetrics(ctx, now, "reports-team", store.OutcomeFailed, 2, false); err != nil {
		t.Fatalf("BumpMetrics: %v", err)
	}

	resp, err := svc.Metrics(ctx, now.Add(-time.Hour), now.Add(time.Hour), "reports-team")
	if err != nil {
		t.Fatalf("Metrics: %v", err)
	}
	if len(resp.Buckets) != 1 {
		t.Fatalf("expected one hourly bucket, got %d", len(resp.Buckets))
	}
	bucket := resp.Buckets[0]
	if bucket.Completed != 1 || bucket.Failed != 1 || bucket.CacheHits != 1 || bucket.Retries != 2 {
		t.Fatalf("unexpected bucket counters: %+v", bucket)
	}
}

func TestDescribeReturnsNilForUnknownToken(t *testing.T) {
	svc, _ := newService(t)
	detail, err := svc.Describe(context.Background(), "missing-token")
	if err != nil {
		t.Fatalf("Describe: %v", err)
	}
	if detail != nil {
		t.Fatalf("expected nil for unknown token, got %+v", detail)
	}
}
