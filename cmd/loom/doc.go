// Command loom is the operator CLI for the loom daemon. It submits and
// inspects generation requests, manages the delivery queue and artifact
// cache, and reports daemon status over the HTTP API.
package main
