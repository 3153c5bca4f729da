// Package notify publishes request lifecycle updates to an operator-configured
// webhook. The service degrades to a noop when no webhook URL is configured so
// callers never need to branch on notification availability.
package notify
