// Package worker consumes generation messages and advances requests through
// the configured pipeline stages.
//
// The Worker polls the queue with a pool of consumers, rehydrates each
// message against the request store, and drives the stage handlers under
// compare-and-set status transitions. Delivery is at-least-once, so every
// path here is written to be idempotent: a duplicate delivery of an active or
// finished request acknowledges without side effects, a crashed stage is
// reclaimed through heartbeat staleness, and completed stage records are
// never re-executed. Terminal transitions feed the metrics buckets and, on
// success, the artifact cache.
package worker
