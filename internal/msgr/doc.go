// Package msgr runs the session protocol between cluster daemons.
//
// A Messenger owns the connection registry for one daemon. Each Connection
// drives a client or server handshake on a fresh transport, then the framing
// loop, and routes every failure through the fault policy, which reconnects,
// parks the connection in standby, or closes it. Accepting a connection from
// a peer that already has one registered runs the race arbiter, which either
// rejects the attempt with a retry reply or moves the session over to the new
// transport.
package msgr
