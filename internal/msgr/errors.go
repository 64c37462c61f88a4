package msgr

import (
	"errors"
	"fmt"
)

var (
	// ErrPermanent marks failures that reconnecting cannot fix.
	ErrPermanent = errors.New("msgr: permanent failure")
	// ErrConnectionClosed completes messages discarded by a closed connection.
	ErrConnectionClosed = errors.New("msgr: connection closed")
	// ErrSessionReset completes messages discarded by a session reset.
	ErrSessionReset     = errors.New("msgr: session reset")
	ErrMessengerClosed  = errors.New("msgr: messenger shut down")
	ErrNoDialer         = errors.New("msgr: no dialer configured")
	ErrNoDispatcher     = errors.New("msgr: dispatcher required")
	ErrProtocol         = errors.New("msgr: protocol violation")
	ErrPeerAddrMismatch = errors.New("msgr: peer address mismatch")
	ErrBadSignature     = errors.New("msgr: message signature mismatch")
	ErrFeatures         = errors.New("msgr: required features missing")
	ErrProtocolVersion  = errors.New("msgr: protocol version mismatch")
	ErrAuthRejected     = errors.New("msgr: authorizer rejected")
	ErrSkippedMessage   = errors.New("msgr: skipped incoming sequence")
	ErrOldMessage       = errors.New("msgr: old message despite reconnect seq")
	ErrPeerClosed       = errors.New("msgr: peer closed session")
	ErrRegistryRace     = errors.New("msgr: peer registered by a concurrent accept")

	errPeerWait = errors.New("msgr: peer asked us to wait")
	errStale    = errors.New("msgr: attempt superseded")
)

func permanent(err error) error {
	if errors.Is(err, ErrPermanent) {
		return err
	}
	return fmt.Errorf("%w: %w", ErrPermanent, err)
}
