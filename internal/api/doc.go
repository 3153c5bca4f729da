// Package api exposes request operations as transport-friendly services and
// DTOs consumed by the daemon's HTTP surface and the CLI. Views returned here
// are sanitized: internal error diagnostics, fingerprints of other tenants,
// and raw stage payloads never leave this layer.
package api
