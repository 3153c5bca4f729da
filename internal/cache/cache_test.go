package cache

import (
	"path/filepath"
	"testing"
	"time"

	"loom/internal/logging"
)

func testManager(t *testing.T, ttl time.Duration) *Manager {
	t.Helper()
	return &Manager{
		hot:    newHotTier(ttl),
		cold:   newColdTier(filepath.Join(t.TempDir(), "cold")),
		logger: logging.NewNop(),
	}
}

func testEntry(fingerprint string) Entry {
	return Entry{
		Fingerprint:      fingerprint,
		Artifacts:        []string{"artifacts/" + fingerprint + "/final.mp4"},
		GeneratedAt:      time.Now().UTC(),
		GenerationMillis: 1200,
	}
}

func TestWriteThenHotHit(t *testing.T) {
	m := testManager(t, time.Minute)
	entry := testEntry("fp-1")
	if err := m.Write(entry); err != nil {
		t.Fatalf("Write failed: %v", err)
	}

	got, tier, err := m.Lookup("fp-1")
	if err != nil {
		t.Fatalf("Lookup failed: %v", err)
	}
	if tier != TierHot {
		t.Fatalf("expected hot tier hit, got %q", tier)
	}
	if len(got.Artifacts) != 1 || got.Artifacts[0] != entry.Artifacts[0] {
		t.Fatalf("unexpected artifacts: %v", got.Artifacts)
	}
}

func TestColdHitRewarmsHot(t *testing.T) {
	m := testManager(t, time.Minute)
	if err := m.Write(testEntry("fp-2")); err != nil {
		t.Fatalf("Write failed: %v", err)
	}

	// Simulate TTL expiry of the hot copy.
	m.ExpireHot("fp-2")

	_, tier, err := m.Lookup("fp-2")
	if err != nil {
		t.Fatalf("Lookup failed: %v", err)
	}
	if tier != TierCold {
		t.Fatalf("expected cold tier hit, got %q", tier)
	}

	// The cold hit must have re-warmed the hot tier.
	_, tier, err = m.Lookup("fp-2")
	if err != nil {
		t.Fatalf("second Lookup failed: %v", err)
	}
	if tier != TierHot {
		t.Fatalf("expected re-warmed hot hit, got %q", tier)
	}
}

func TestHotTTLExpiry(t *testing.T) {
	hot := newHotTier(time.Minute)
	current := time.Now()
	hot.now = func() time.Time { return current }

	hot.Set(testEntry("fp-3"))
	if _, ok := hot.Get("fp-3"); !ok {
		t.Fatal("expected hot hit before expiry")
	}

	current = current.Add(2 * time.Minute)
	if _, ok := hot.Get("fp-3"); ok {
		t.Fatal("expected hot miss after TTL")
	}
	if hot.Len() != 0 {
		t.Fatalf("expired entry still counted: %d", hot.Len())
	}
}

func TestDoubleMiss(t *testing.T) {
	m := testManager(t, time.Minute)
	_, tier, err := m.Lookup("absent")
	if err != nil {
		t.Fatalf("Lookup failed: %v", err)
	}
	if tier != "" {
		t.Fatalf("expected miss, got tier %q", tier)
	}
}

func TestInvalidateRemovesBothTiers(t *testing.T) {
	m := testManager(t, time.Minute)
	if err := m.Write(testEntry("fp-4")); err != nil {
		t.Fatalf("Write failed: %v", err)
	}
	if err := m.Invalidate("fp-4"); err != nil {
		t.Fatalf("Invalidate failed: %v", err)
	}
	_, tier, err := m.Lookup("fp-4")
	if err != nil {
		t.Fatalf("Lookup failed: %v", err)
	}
	if tier != "" {
		t.Fatalf("expected miss after invalidation, got %q", tier)
	}
}

func TestWriteRejectsEmptyArtifacts(t *testing.T) {
	m := testManager(t, time.Minute)
	entry := Entry{Fingerprint: "fp-5"}
	if err := m.Write(entry); err == nil {
		t.Fatal("expected error for entry without artifacts")
	}
}

func TestNilManagerIsNoop(t *testing.T) {
	var m *Manager
	if err := m.Write(testEntry("fp-6")); err != nil {
		t.Fatalf("nil manager Write should be a no-op: %v", err)
	}
	if _, tier, err := m.Lookup("fp-6"); err != nil || tier != "" {
		t.Fatalf("nil manager Lookup should miss: tier=%q err=%v", tier, err)
	}
}

func TestUsageCountsEntries(t *testing.T) {
	m := testManager(t, time.Minute)
	m.cold.statfs = func(string) (uint64, uint64, error) { return 1000, 400, nil }

	if err := m.Write(testEntry("fp-7")); err != nil {
		t.Fatalf("Write failed: %v", err)
	}
	if err := m.Write(testEntry("fp-8")); err != nil {
		t.Fatalf("Write failed: %v", err)
	}

	stats, err := m.Usage()
	if err != nil {
		t.Fatalf("Usage failed: %v", err)
	}
	if stats.ColdEntries != 2 {
		t.Fatalf("expected 2 cold entries, got %d", stats.ColdEntries)
	}
	if stats.HotEntries != 2 {
		t.Fatalf("expected 2 hot entries, got %d", stats.HotEntries)
	}
	if stats.FreeRatio != 0.4 {
		t.Fatalf("expected free ratio 0.4, got %f", stats.FreeRatio)
	}
}
