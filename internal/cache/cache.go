package cache

import (
	"errors"
	"log/slog"
	"strings"
	"time"

	"loom/internal/config"
	"loom/internal/logging"
)

// Manager fronts the two-tier artifact cache. Lookups try the hot tier first,
// fall back to the cold tier, and synchronously re-warm the hot tier on a
// cold hit so the next identical request takes the fast path. Concurrent
// writers of the same fingerprint write equivalent values, so last-write-wins
// is acceptable everywhere.
type Manager struct {
	hot    *hotTier
	cold   *coldTier
	logger *slog.Logger
}

// NewManager builds the cache manager. Returns nil when caching is disabled;
// all call sites tolerate a nil manager.
func NewManager(cfg *config.Config, logger *slog.Logger) *Manager {
	if cfg == nil || !cfg.Cache.Enabled {
		return nil
	}
	if strings.TrimSpace(cfg.Cache.ColdDir) == "" {
		return nil
	}
	return &Manager{
		hot:    newHotTier(time.Duration(cfg.Cache.HotTTLSeconds) * time.Second),
		cold:   newColdTier(cfg.Cache.ColdDir),
		logger: logging.NewComponentLogger(logger, "cache"),
	}
}

// Lookup resolves a fingerprint through both tiers. The returned Tier names
// the layer that answered; a double miss returns a zero Entry and empty Tier.
func (m *Manager) Lookup(fingerprint string) (Entry, Tier, error) {
	if m == nil {
		return Entry{}, "", nil
	}
	if entry, ok := m.hot.Get(fingerprint); ok {
		return entry, TierHot, nil
	}
	entry, ok, err := m.cold.Get(fingerprint)
	if err != nil {
		return Entry{}, "", err
	}
	if !ok {
		return Entry{}, "", nil
	}
	m.hot.Set(entry)
	m.logger.Debug("re-warmed hot tier from cold hit", logging.String("fingerprint", fingerprint))
	return entry, TierCold, nil
}

// Write stores an entry in both tiers: hot with bounded TTL, cold permanently.
func (m *Manager) Write(entry Entry) error {
	if m == nil {
		return nil
	}
	if strings.TrimSpace(entry.Fingerprint) == "" {
		return errors.New("cache entry requires a fingerprint")
	}
	if len(entry.Artifacts) == 0 {
		return errors.New("cache entry requires artifact references")
	}
	if err := m.cold.Set(entry); err != nil {
		return err
	}
	m.hot.Set(entry)
	m.logger.Info("cache entry written",
		logging.String("fingerprint", entry.Fingerprint),
		logging.Int("artifacts", len(entry.Artifacts)),
	)
	return nil
}

// Invalidate removes a fingerprint from both tiers. This is the only way a
// cold entry disappears.
func (m *Manager) Invalidate(fingerprint string) error {
	if m == nil {
		return nil
	}
	m.hot.Delete(fingerprint)
	if err := m.cold.Delete(fingerprint); err != nil {
		return err
	}
	m.logger.Info("cache entry invalidated", logging.String("fingerprint", fingerprint))
	return nil
}

// ExpireHot removes a fingerprint from the hot tier only, as TTL expiry does.
func (m *Manager) ExpireHot(fingerprint string) {
	if m == nil {
		return
	}
	m.hot.Delete(fingerprint)
}

// Usage reports entry counts and cold-tier filesystem headroom.
func (m *Manager) Usage() (Stats, error) {
	if m == nil {
		return Stats{}, nil
	}
	entries, bytes, total, free, err := m.cold.Stats()
	if err != nil {
		return Stats{}, err
	}
	stats := Stats{
		HotEntries:  m.hot.Len(),
		ColdEntries: entries,
		ColdBytes:   bytes,
	}
	if total > 0 {
		stats.TotalFSBytes = total
		stats.FreeBytes = free
		stats.FreeRatio = float64(free) / float64(total)
	}
	return stats, nil
}
