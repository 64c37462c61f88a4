// Package ws carries messenger sessions over WebSocket binary messages for
// peers that can only reach each other through HTTP infrastructure.
package ws

import (
	"context"
	"errors"
	"net"
	"net/http"
	"net/netip"
	"sync"

	"github.com/danmuck/edgemsgr/internal/protocol"
	"nhooyr.io/websocket"
)

// DefaultPath is where the listener is mounted when none is configured.
const DefaultPath = "/msgr"

// ErrPlainWithTLS rejects a dialer carrying a TLS client config on ws://,
// which would send the session unencrypted.
var ErrPlainWithTLS = errors.New("ws: tls client config on a plain ws dialer")

// Dialer opens WebSocket streams to peers at ws://host:port/path.
type Dialer struct {
	Path string
	// Secure selects wss.
	Secure     bool
	HTTPClient *http.Client
}

func (d Dialer) url(addr protocol.EntityAddr) string {
	scheme := "ws"
	if d.Secure {
		scheme = "wss"
	}
	path := d.Path
	if path == "" {
		path = DefaultPath
	}
	return scheme + "://" + addr.HostPort() + path
}

// Validate reports dialer settings that contradict each other.
func (d Dialer) Validate() error {
	if d.Secure || d.HTTPClient == nil {
		return nil
	}
	if tr, ok := d.HTTPClient.Transport.(*http.Transport); ok && tr.TLSClientConfig != nil {
		return ErrPlainWithTLS
	}
	return nil
}

func (d Dialer) Dial(ctx context.Context, addr protocol.EntityAddr) (net.Conn, error) {
	if err := d.Validate(); err != nil {
		return nil, err
	}
	c, _, err := websocket.Dial(ctx, d.url(addr), &websocket.DialOptions{HTTPClient: d.HTTPClient})
	if err != nil {
		return nil, err
	}
	// Frames carry arbitrary protocol bytes; the session enforces its own
	// limits.
	c.SetReadLimit(-1)
	return websocket.NetConn(context.Background(), c, websocket.MessageBinary), nil
}

// Listener is an http.Handler that upgrades requests and hands the streams
// to Accept, so a messenger can Serve it like any net.Listener.
type Listener struct {
	addr   net.Addr
	conns  chan net.Conn
	closed chan struct{}
	once   sync.Once
}

// NewListener returns a listener reporting addr, normally the address of
// the HTTP server it is mounted on.
func NewListener(addr net.Addr) *Listener {
	return &Listener{
		addr:   addr,
		conns:  make(chan net.Conn),
		closed: make(chan struct{}),
	}
}

func (l *Listener) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	select {
	case <-l.closed:
		http.Error(w, "listener closed", http.StatusServiceUnavailable)
		return
	default:
	}
	c, err := websocket.Accept(w, r, nil)
	if err != nil {
		return
	}
	c.SetReadLimit(-1)
	conn := &peerConn{
		Conn:   websocket.NetConn(context.Background(), c, websocket.MessageBinary),
		remote: remoteAddr(r.RemoteAddr),
	}
	select {
	case l.conns <- conn:
	case <-l.closed:
		_ = conn.Close()
	}
}

// Accept returns net.ErrClosed once the listener is closed.
func (l *Listener) Accept() (net.Conn, error) {
	select {
	case c := <-l.conns:
		return c, nil
	case <-l.closed:
		return nil, net.ErrClosed
	}
}

func (l *Listener) Close() error {
	l.once.Do(func() { close(l.closed) })
	return nil
}

func (l *Listener) Addr() net.Addr { return l.addr }

// peerConn reports the HTTP client's socket address so the accepting side
// can fill a blank peer IP.
type peerConn struct {
	net.Conn
	remote net.Addr
}

func (c *peerConn) RemoteAddr() net.Addr {
	if c.remote != nil {
		return c.remote
	}
	return c.Conn.RemoteAddr()
}

func remoteAddr(raw string) net.Addr {
	ap, err := netip.ParseAddrPort(raw)
	if err != nil {
		return nil
	}
	return net.TCPAddrFromAddrPort(ap)
}
