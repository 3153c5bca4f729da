package cache

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"golang.org/x/sys/unix"
)

// statfsFunc allows tests to stub filesystem stats.
type statfsFunc func(path string) (total uint64, free uint64, err error)

// coldTier is the durable layer: one JSON document per fingerprint. Entries
// are permanent once written and removed only by explicit invalidation.
type coldTier struct {
	root   string
	statfs statfsFunc
}

func newColdTier(root string) *coldTier {
	return &coldTier{root: root, statfs: statfsForPath}
}

func (c *coldTier) path(fingerprint string) string {
	return filepath.Join(c.root, fingerprint+".json")
}

func (c *coldTier) Get(fingerprint string) (Entry, bool, error) {
	data, err := os.ReadFile(c.path(fingerprint))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return Entry{}, false, nil
		}
		return Entry{}, false, fmt.Errorf("read cold entry: %w", err)
	}
	var entry Entry
	if err := json.Unmarshal(data, &entry); err != nil {
		return Entry{}, false, fmt.Errorf("decode cold entry %s: %w", fingerprint, err)
	}
	return entry, true, nil
}

func (c *coldTier) Set(entry Entry) error {
	if err := os.MkdirAll(c.root, 0o755); err != nil {
		return fmt.Errorf("create cold cache dir: %w", err)
	}
	data, err := json.MarshalIndent(entry, "", "  ")
	if err != nil {
		return fmt.Errorf("encode cold entry: %w", err)
	}
	tmp := c.path(entry.Fingerprint) + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("write cold entry: %w", err)
	}
	if err := os.Rename(tmp, c.path(entry.Fingerprint)); err != nil {
		_ = os.Remove(tmp)
		return fmt.Errorf("commit cold entry: %w", err)
	}
	return nil
}

func (c *coldTier) Delete(fingerprint string) error {
	err := os.Remove(c.path(fingerprint))
	if err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("remove cold entry: %w", err)
	}
	return nil
}

func (c *coldTier) Stats() (entries int, bytes int64, total, free uint64, err error) {
	items, err := os.ReadDir(c.root)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			err = nil
		}
		return 0, 0, 0, 0, err
	}
	for _, item := range items {
		if item.IsDir() || !strings.HasSuffix(item.Name(), ".json") {
			continue
		}
		entries++
		if info, infoErr := item.Info(); infoErr == nil {
			bytes += info.Size()
		}
	}
	total, free, statErr := c.statfs(c.root)
	if statErr != nil {
		// Usage stats are advisory; entry counts are still valid.
		return entries, bytes, 0, 0, nil
	}
	return entries, bytes, total, free, nil
}

func statfsForPath(path string) (uint64, uint64, error) {
	var stat unix.Statfs_t
	if err := unix.Statfs(path, &stat); err != nil {
		return 0, 0, err
	}
	blockSize := uint64(stat.Bsize)
	return stat.Blocks * blockSize, stat.Bavail * blockSize, nil
}
