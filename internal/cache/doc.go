// Package cache implements the two-tier artifact cache keyed by request
// fingerprint.
//
// The hot tier is an in-process TTL map; the cold tier is one durable JSON
// document per fingerprint on disk. A cold hit synchronously re-warms the hot
// tier. Entries record artifact references only, never request status, so the
// cache can outlive every request that produced or consumed an entry.
package cache
