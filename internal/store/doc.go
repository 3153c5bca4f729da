// Package store persists generation requests in SQLite and exposes the
// conditional updates every worker coordinates through.
//
// The Store owns four tables: requests (lifecycle, progress, error info),
// stage_executions (one row per request and stage, idempotently upserted),
// events (append-only audit trail), and metrics_buckets (hourly rollups).
// Requests own their stage executions and events; deleting a request cascades.
//
// Status transitions are compare-and-set: a conditional UPDATE matching the
// expected current status either wins the row or returns ErrConflict, which
// callers treat as evidence of a duplicate or stale delivery. No in-memory or
// distributed lock exists anywhere; a crashed worker's claim is recovered by
// the stale-heartbeat takeover built into ClaimStage.
//
// Treat this package as the single source of truth for request semantics;
// when you add statuses or columns, update schema.sql and bump schemaVersion.
package store
