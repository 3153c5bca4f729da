package testsupport

import (
	"context"
	"testing"

	"loom/internal/config"
	"loom/internal/fingerprint"
	"loom/internal/queue"
	"loom/internal/store"
)

// MustOpenStore opens a request store for tests and registers cleanup.
func MustOpenStore(t testing.TB, cfg *config.Config) *store.Store {
	t.Helper()

	st, err := store.Open(cfg)
	if err != nil {
		t.Fatalf("store.Open: %v", err)
	}
	t.Cleanup(func() {
		st.Close()
	})
	return st
}

// MustOpenQueue opens a message queue for tests and registers cleanup.
func MustOpenQueue(t testing.TB, cfg *config.Config) *queue.Queue {
	t.Helper()

	q, err := queue.Open(cfg)
	if err != nil {
		t.Fatalf("queue.Open: %v", err)
	}
	t.Cleanup(func() {
		q.Close()
	})
	return q
}

// NewRequest creates a pending request for tests using the provided store.
func NewRequest(t testing.TB, st *store.Store, topic, variant string) *store.Request {
	t.Helper()

	req, err := st.CreateRequest(context.Background(), store.NewRequest{
		Requester:   "tester",
		Topic:       topic,
		Variant:     variant,
		Fingerprint: fingerprint.Compute(topic, "", variant),
	})
	if err != nil {
		t.Fatalf("store.CreateRequest: %v", err)
	}
	return req
}
