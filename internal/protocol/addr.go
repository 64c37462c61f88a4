package protocol

import (
	"bytes"
	"fmt"
	"net"
	"net/netip"
	"strconv"
	"strings"
)

// EntityAddr is a daemon's network identity: the endpoint plus a nonce that
// distinguishes restarts on the same endpoint.
type EntityAddr struct {
	Type  uint32
	Nonce uint32
	IP    netip.Addr
	Port  uint16
}

// ParseEntityAddr parses "host:port" with an optional "/nonce" suffix.
func ParseEntityAddr(raw string) (EntityAddr, error) {
	var nonce uint32
	if i := strings.LastIndexByte(raw, '/'); i >= 0 {
		n, err := strconv.ParseUint(raw[i+1:], 10, 32)
		if err != nil {
			return EntityAddr{}, fmt.Errorf("%w: nonce %q", ErrInvalidAddr, raw[i+1:])
		}
		nonce = uint32(n)
		raw = raw[:i]
	}
	host, portRaw, err := net.SplitHostPort(raw)
	if err != nil {
		return EntityAddr{}, fmt.Errorf("%w: %v", ErrInvalidAddr, err)
	}
	port, err := strconv.ParseUint(portRaw, 10, 16)
	if err != nil {
		return EntityAddr{}, fmt.Errorf("%w: port %q", ErrInvalidAddr, portRaw)
	}
	addr := EntityAddr{Nonce: nonce, Port: uint16(port)}
	if host != "" {
		ip, err := netip.ParseAddr(host)
		if err != nil {
			return EntityAddr{}, fmt.Errorf("%w: host %q", ErrInvalidAddr, host)
		}
		addr.IP = ip.Unmap()
	}
	return addr, nil
}

// AddrFromNet converts a socket address. Non-IP addresses yield a blank
// address.
func AddrFromNet(a net.Addr) EntityAddr {
	if a == nil {
		return EntityAddr{}
	}
	ap, err := netip.ParseAddrPort(a.String())
	if err != nil {
		return EntityAddr{}
	}
	return EntityAddr{IP: ap.Addr().Unmap(), Port: ap.Port()}
}

// IsBlankIP reports whether the address carries no IP (unset or unspecified).
func (a EntityAddr) IsBlankIP() bool {
	return !a.IP.IsValid() || a.IP.IsUnspecified()
}

// WithIP returns a copy of a with the IP replaced.
func (a EntityAddr) WithIP(ip netip.Addr) EntityAddr {
	a.IP = ip
	return a
}

// HostPort renders the dialable endpoint.
func (a EntityAddr) HostPort() string {
	host := ""
	if a.IP.IsValid() {
		host = a.IP.String()
	}
	return net.JoinHostPort(host, strconv.Itoa(int(a.Port)))
}

func (a EntityAddr) String() string {
	return a.HostPort() + "/" + strconv.FormatUint(uint64(a.Nonce), 10)
}

// IP16 returns the IP mapped into 16 bytes; blank addresses are all zeros.
func (a EntityAddr) IP16() [16]byte {
	if !a.IP.IsValid() {
		return [16]byte{}
	}
	return a.IP.As16()
}

// Compare orders addresses by IP bytes, then port, then nonce, then type.
// The order is total and identical on every daemon, which is what the
// connection race tie-break relies on.
func (a EntityAddr) Compare(b EntityAddr) int {
	ai, bi := a.IP16(), b.IP16()
	if c := bytes.Compare(ai[:], bi[:]); c != 0 {
		return c
	}
	switch {
	case a.Port < b.Port:
		return -1
	case a.Port > b.Port:
		return 1
	case a.Nonce < b.Nonce:
		return -1
	case a.Nonce > b.Nonce:
		return 1
	case a.Type < b.Type:
		return -1
	case a.Type > b.Type:
		return 1
	}
	return 0
}

func (a EntityAddr) Less(b EntityAddr) bool {
	return a.Compare(b) < 0
}

// Equal compares on the ordered fields, so 1.2.3.4 and ::ffff:1.2.3.4 match.
func (a EntityAddr) Equal(b EntityAddr) bool {
	return a.Compare(b) == 0
}

// SameEndpointBlankIP reports whether a matches want on port and nonce with a
// blank IP. A daemon bound to a wildcard address advertises itself that way.
func (a EntityAddr) SameEndpointBlankIP(want EntityAddr) bool {
	return a.IsBlankIP() && a.Port == want.Port && a.Nonce == want.Nonce
}

// Key is the registry key used by the messenger.
func (a EntityAddr) Key() string {
	ip := a.IP16()
	return string(ip[:]) + ":" + strconv.Itoa(int(a.Port)) + "/" + strconv.FormatUint(uint64(a.Nonce), 10)
}
