package session

import (
	"errors"
	"fmt"
	"strings"

	"github.com/danmuck/edgemsgr/internal/protocol/frame"
)

var (
	ErrInvalidSecurityMode     = errors.New("session: invalid security mode")
	ErrTLSRequired             = errors.New("session: tls required")
	ErrMTLSRequired            = errors.New("session: mtls required")
	ErrTLSCertFileRequired     = errors.New("session: tls cert file required")
	ErrTLSKeyFileRequired      = errors.New("session: tls key file required")
	ErrTLSCAFileRequired       = errors.New("session: tls ca file required")
	ErrTLSInsecureSkipNotAllow = errors.New("session: insecure skip verify not allowed")
	ErrHandshakeUnbounded      = errors.New("session: handshake timeout required")
	ErrCRCRequired             = errors.New("session: header crc required")
	ErrKeepaliveWindow         = errors.New("session: session_dead_after must exceed heartbeat_interval")
)

// Side is the half of a session a transport check applies to.
type Side int

const (
	// SideDial is the connecting daemon.
	SideDial Side = iota
	// SideAccept is the daemon accepting from its listener.
	SideAccept
)

func (s Side) String() string {
	if s == SideAccept {
		return "accept"
	}
	return "dial"
}

func NormalizeSecurityMode(mode SecurityMode) SecurityMode {
	if strings.TrimSpace(string(mode)) == "" {
		return SecurityModeDevelopment
	}
	return SecurityMode(strings.ToLower(strings.TrimSpace(string(mode))))
}

// ValidateTransport checks the settings a messenger uses on side before any
// socket is opened. Production mode demands mutual TLS, a bounded
// handshake and header checksums.
func (c Config) ValidateTransport(side Side) error {
	mode := NormalizeSecurityMode(c.SecurityMode)
	switch mode {
	case SecurityModeDevelopment, SecurityModeProduction:
	default:
		return fmt.Errorf("%w: %q", ErrInvalidSecurityMode, c.SecurityMode)
	}

	tc := c.TLS
	if mode == SecurityModeProduction {
		switch {
		case !tc.Enabled:
			return ErrTLSRequired
		case !tc.Mutual:
			return ErrMTLSRequired
		case side == SideDial && tc.InsecureSkipVerify:
			return ErrTLSInsecureSkipNotAllow
		case c.HandshakeTimeout <= 0:
			return ErrHandshakeUnbounded
		case c.CRC&frame.CRCHeader == 0:
			return ErrCRCRequired
		}
	}
	if tc.Mutual && !tc.Enabled {
		return ErrTLSRequired
	}
	if c.HeartbeatInterval > 0 && c.SessionDeadAfter > 0 && c.SessionDeadAfter <= c.HeartbeatInterval {
		return fmt.Errorf("%w: %s <= %s", ErrKeepaliveWindow, c.SessionDeadAfter, c.HeartbeatInterval)
	}
	if !tc.Enabled {
		return nil
	}

	// The acceptor always presents a certificate; the dialer only under mTLS.
	needLeaf := side == SideAccept || tc.Mutual
	needCA := (side == SideDial && !tc.InsecureSkipVerify) || (side == SideAccept && tc.Mutual)
	if needCA && strings.TrimSpace(tc.CAFile) == "" {
		return ErrTLSCAFileRequired
	}
	if needLeaf {
		if strings.TrimSpace(tc.CertFile) == "" {
			return ErrTLSCertFileRequired
		}
		if strings.TrimSpace(tc.KeyFile) == "" {
			return ErrTLSKeyFileRequired
		}
	}
	return nil
}
