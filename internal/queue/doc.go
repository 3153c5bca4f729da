// Package queue provides the durable at-least-once message queue the workers
// consume from.
//
// Messages carry only identity: the request token, a correlation token, the
// requester, and the original input parameters. Workers always rehydrate full
// state from the request store, so stale or duplicated message bodies cannot
// corrupt a request.
//
// Delivery uses leases rather than removal: Dequeue claims the oldest
// deliverable message under a lease, Ack deletes it, and an expired lease
// makes the message deliverable again. Messages that cannot be processed move
// to the dead_letters table with diagnostics for operator tooling.
package queue
