package cache

import "time"

// Tier identifies which cache layer satisfied a lookup.
type Tier string

const (
	TierHot  Tier = "hot"
	TierCold Tier = "cold"
)

// Entry maps a fingerprint to the artifact references produced for it. An
// entry never records request status; it outlives every request that shares
// the fingerprint and is only removed by explicit invalidation.
type Entry struct {
	Fingerprint      string    `json:"fingerprint"`
	Artifacts        []string  `json:"artifacts"`
	GeneratedAt      time.Time `json:"generated_at"`
	GenerationMillis int64     `json:"generation_ms"`
}

// Stats describes current cache usage across both tiers.
type Stats struct {
	HotEntries   int     `json:"hot_entries"`
	ColdEntries  int     `json:"cold_entries"`
	ColdBytes    int64   `json:"cold_bytes"`
	FreeBytes    uint64  `json:"free_bytes"`
	TotalFSBytes uint64  `json:"total_fs_bytes"`
	FreeRatio    float64 `json:"free_ratio"`
}
