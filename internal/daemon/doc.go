// Package daemon wires the request store, message queue, artifact cache,
// consumer pool, and HTTP API into a single-instance background service.
// A file lock enforces one daemon per data directory.
package daemon
