package fingerprint_test

import (
	"encoding/hex"
	"testing"

	"loom/internal/fingerprint"
)

func TestComputeIsPure(t *testing.T) {
	a := fingerprint.Compute("newton-third-law", "basketball", "default")
	b := fingerprint.Compute("newton-third-law", "basketball", "default")
	if a != b {
		t.Fatalf("identical input produced distinct keys: %s vs %s", a, b)
	}
}

func TestComputeNormalizes(t *testing.T) {
	a := fingerprint.Compute("Newton-Third-Law", " basketball ", "")
	b := fingerprint.Compute("newton-third-law", "basketball", "default")
	if a != b {
		t.Fatalf("normalization mismatch: %s vs %s", a, b)
	}
}

func TestComputeDistinguishesInputs(t *testing.T) {
	base := fingerprint.Compute("newton-third-law", "basketball", "default")
	cases := []struct {
		topic, personalization, variant string
	}{
		{"newton-first-law", "basketball", "default"},
		{"newton-third-law", "soccer", "default"},
		{"newton-third-law", "basketball", "spanish"},
	}
	for _, tc := range cases {
		if got := fingerprint.Compute(tc.topic, tc.personalization, tc.variant); got == base {
			t.Fatalf("distinct tuple %v collided with base key", tc)
		}
	}
}

func TestComputeFieldBoundaries(t *testing.T) {
	// The separator byte keeps ("ab","c") from colliding with ("a","bc").
	a := fingerprint.Compute("ab", "c", "v")
	b := fingerprint.Compute("a", "bc", "v")
	if a == b {
		t.Fatal("field boundary collision")
	}
}

func TestComputeDigestShape(t *testing.T) {
	key := fingerprint.Compute("topic", "p", "v")
	if len(key) != 64 {
		t.Fatalf("expected 64 hex chars, got %d", len(key))
	}
	if _, err := hex.DecodeString(key); err != nil {
		t.Fatalf("key is not hex: %v", err)
	}
}
