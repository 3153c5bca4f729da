package cache

import (
	"sync"
	"time"
)

// hotTier is the in-process low-latency layer. Entries expire after a bounded
// TTL; losing one costs only an extra cold-tier hop.
type hotTier struct {
	ttl time.Duration
	now func() time.Time

	mu      sync.RWMutex
	entries map[string]hotEntry
}

type hotEntry struct {
	entry     Entry
	expiresAt time.Time
}

func newHotTier(ttl time.Duration) *hotTier {
	return &hotTier{
		ttl:     ttl,
		now:     time.Now,
		entries: make(map[string]hotEntry),
	}
}

func (h *hotTier) Get(fingerprint string) (Entry, bool) {
	h.mu.RLock()
	cached, ok := h.entries[fingerprint]
	h.mu.RUnlock()
	if !ok {
		return Entry{}, false
	}
	if h.now().After(cached.expiresAt) {
		h.mu.Lock()
		if current, exists := h.entries[fingerprint]; exists && h.now().After(current.expiresAt) {
			delete(h.entries, fingerprint)
		}
		h.mu.Unlock()
		return Entry{}, false
	}
	return cached.entry, true
}

func (h *hotTier) Set(entry Entry) {
	h.mu.Lock()
	h.entries[entry.Fingerprint] = hotEntry{entry: entry, expiresAt: h.now().Add(h.ttl)}
	h.mu.Unlock()
}

func (h *hotTier) Delete(fingerprint string) {
	h.mu.Lock()
	delete(h.entries, fingerprint)
	h.mu.Unlock()
}

func (h *hotTier) Len() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	now := h.now()
	for fingerprint, cached := range h.entries {
		if now.After(cached.expiresAt) {
			delete(h.entries, fingerprint)
		}
	}
	return len(h.entries)
}
