// Package fingerprint derives the deterministic cache key for a generation
// request. Identical normalized inputs always map to the identical key, so
// distinct requests for the same content share one cache entry.
package fingerprint

import (
	"crypto/sha256"
	"encoding/hex"
	"strings"
)

// Compute hashes the normalized (topic, personalization, variant) tuple into
// a fixed-length hex digest. Normalization lowercases and trims each part so
// cosmetic differences never split the cache.
func Compute(topic, personalization, variant string) string {
	if strings.TrimSpace(variant) == "" {
		variant = "default"
	}
	h := sha256.New()
	for _, part := range []string{topic, personalization, variant} {
		h.Write([]byte(normalize(part)))
		h.Write([]byte{0})
	}
	return hex.EncodeToString(h.Sum(nil))
}

func normalize(value string) string {
	return strings.ToLower(strings.TrimSpace(value))
}
