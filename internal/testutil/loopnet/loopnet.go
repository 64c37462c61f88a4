// Package loopnet runs messengers over loopback TCP and keeps every
// transport it creates so tests can sever them to inject faults.
package loopnet

import (
	"context"
	"net"
	"sync"
	"testing"

	"github.com/danmuck/edgemsgr/internal/protocol"
)

type Network struct {
	mu     sync.Mutex
	conns  []net.Conn
	dials  int
	refuse map[string]bool
}

func New(t testing.TB) *Network {
	n := &Network{refuse: make(map[string]bool)}
	t.Cleanup(func() { n.Sever() })
	return n
}

// Listen opens a loopback listener and returns its entity address with the
// given nonce.
func (n *Network) Listen(t testing.TB, nonce uint32) (net.Listener, protocol.EntityAddr) {
	t.Helper()
	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	addr := protocol.AddrFromNet(l.Addr())
	addr.Nonce = nonce
	return &listener{Listener: l, net: n}, addr
}

// Dial satisfies the messenger's dialer interface.
func (n *Network) Dial(ctx context.Context, addr protocol.EntityAddr) (net.Conn, error) {
	n.mu.Lock()
	n.dials++
	refused := n.refuse[addr.HostPort()]
	n.mu.Unlock()
	if refused {
		return nil, &net.OpError{Op: "dial", Net: "tcp", Err: errRefused}
	}
	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", addr.HostPort())
	if err != nil {
		return nil, err
	}
	n.track(conn)
	return conn, nil
}

// Refuse makes dials to addr fail until Allow is called.
func (n *Network) Refuse(addr protocol.EntityAddr) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.refuse[addr.HostPort()] = true
}

func (n *Network) Allow(addr protocol.EntityAddr) {
	n.mu.Lock()
	defer n.mu.Unlock()
	delete(n.refuse, addr.HostPort())
}

// Dials is the number of dial attempts so far.
func (n *Network) Dials() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.dials
}

// Sever closes every transport created so far and returns how many there
// were.
func (n *Network) Sever() int {
	n.mu.Lock()
	conns := n.conns
	n.conns = nil
	n.mu.Unlock()
	for _, c := range conns {
		_ = c.Close()
	}
	return len(conns)
}

func (n *Network) track(c net.Conn) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.conns = append(n.conns, c)
}

type listener struct {
	net.Listener
	net *Network
}

func (l *listener) Accept() (net.Conn, error) {
	c, err := l.Listener.Accept()
	if err != nil {
		return nil, err
	}
	l.net.track(c)
	return c, nil
}

type refusedError struct{}

func (refusedError) Error() string   { return "loopnet: connection refused" }
func (refusedError) Timeout() bool   { return false }
func (refusedError) Temporary() bool { return true }

var errRefused error = refusedError{}
