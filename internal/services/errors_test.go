package services_test

import (
	"errors"
	"testing"

	"loom/internal/services"
)

func TestWrapTagsMarker(t *testing.T) {
	err := services.Wrap(services.ErrValidation, "validation", "check params", "topic missing", nil)
	if !errors.Is(err, services.ErrValidation) {
		t.Fatalf("expected validation marker, got %v", err)
	}
	if services.Retryable(err) {
		t.Fatal("validation errors must not be retryable")
	}
}

func TestWrapDefaultsToTransient(t *testing.T) {
	err := services.Wrap(nil, "retrieval", "fetch", "connection reset", errors.New("ECONNRESET"))
	if !errors.Is(err, services.ErrTransient) {
		t.Fatalf("expected transient marker, got %v", err)
	}
	if !services.Retryable(err) {
		t.Fatal("transient errors must be retryable")
	}
}

func TestDetailsStripsMarkerPrefix(t *testing.T) {
	err := services.Wrap(services.ErrTimeout, "primary_generation", "render", "deadline exceeded", nil)
	details := services.Details(err)
	if details.Kind != "timeout" {
		t.Fatalf("expected timeout kind, got %q", details.Kind)
	}
	if details.Message != "primary_generation: render: deadline exceeded" {
		t.Fatalf("unexpected message: %q", details.Message)
	}
}

func TestRetryableUnknownDefaultsTrue(t *testing.T) {
	if !services.Retryable(errors.New("mystery")) {
		t.Fatal("unclassified errors should default to retryable")
	}
	if services.Retryable(nil) {
		t.Fatal("nil error is not retryable")
	}
}
