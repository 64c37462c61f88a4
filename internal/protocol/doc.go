// Package protocol owns the shared vocabulary of the daemon session protocol.
//
// Ownership boundary:
// - entity names and addresses (with their total order)
// - handshake and framing tags
// - feature bits
// - cross-package sentinel errors
//
// Wire encoding lives in protocol/frame; per-session sequence bookkeeping
// lives in protocol/session.
package protocol
