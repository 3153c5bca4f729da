// Package client implements the HTTP client used by the loom CLI to talk
// to a running daemon's API server.
package client
