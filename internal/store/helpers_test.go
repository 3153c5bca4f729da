package store

import (
	"testing"
	"time"
)

func TestTimestampSortsLexicographically(t *testing.T) {
	t.Parallel()

	// The whole-second value is the hazard: a layout that drops trailing
	// zeros renders it "...T10:00:00Z", which compares greater than any
	// sub-second instant inside the same second.
	whole := time.Date(2026, 8, 31, 10, 0, 0, 0, time.UTC)
	ordered := []time.Time{
		whole.Add(-time.Nanosecond),
		whole,
		whole.Add(250 * time.Millisecond),
		whole.Add(time.Second),
	}
	for i := 1; i < len(ordered); i++ {
		prev, next := timestamp(ordered[i-1]), timestamp(ordered[i])
		if prev >= next {
			t.Fatalf("%q must sort before %q", prev, next)
		}
	}
}

func TestTimestampRoundTrips(t *testing.T) {
	t.Parallel()

	for _, tc := range []time.Time{
		time.Date(2026, 8, 31, 10, 0, 0, 0, time.UTC),
		time.Date(2026, 8, 31, 10, 0, 0, 123456789, time.UTC),
	} {
		parsed, err := parseTimeString(timestamp(tc))
		if err != nil {
			t.Fatalf("parseTimeString(%q): %v", timestamp(tc), err)
		}
		if !parsed.Equal(tc) {
			t.Fatalf("round trip drifted: %s != %s", parsed, tc)
		}
	}
}
