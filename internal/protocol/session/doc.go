// Package session owns per-session reliability state for the daemon protocol.
//
// Ownership boundary:
// - sequence numbers (in/out/connect/global) and the ack backlog
// - the priority-ordered outgoing queue and the unacknowledged sent list
// - write batching with small-segment coalescing
// - retry/backoff primitives
// - transport security validation
//
// A Tracker is not safe for concurrent use; the owning connection serializes
// access under its write lock. Moving a Tracker between connections transfers
// the whole session.
package session
