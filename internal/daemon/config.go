package daemon

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/danmuck/edgemsgr/internal/msgr"
	"github.com/danmuck/edgemsgr/internal/protocol"
	"github.com/danmuck/edgemsgr/internal/protocol/session"
)

var (
	ErrInvalidName      = errors.New("daemon: invalid name")
	ErrInvalidListen    = errors.New("daemon: invalid listen address")
	ErrInvalidTransport = errors.New("daemon: invalid transport")
	ErrInvalidHeartbeat = errors.New("daemon: invalid heartbeat interval")
	ErrInvalidPeer      = errors.New("daemon: invalid peer")
	ErrUnknownPeer      = errors.New("daemon: unknown peer")
)

// Transport names accepted in Config.Transport.
const (
	TransportTCP       = "tcp"
	TransportWebSocket = "ws"
)

// Peer is a daemon this one keeps a session with.
type Peer struct {
	Name protocol.EntityName
	Addr protocol.EntityAddr
}

// Config configures one daemon process.
type Config struct {
	Name protocol.EntityName
	// Listen is "host:port/nonce". Port 0 picks a free port.
	Listen    string
	Transport string
	Peers     []Peer
	Policies  msgr.PolicyTable
	// Secret enables shared-secret authorizers and message signing.
	Secret string

	// AdminAddr enables the HTTP status server.
	AdminAddr   string
	AdminToken  string
	CORSOrigins []string

	// Heartbeat is the interval of daemon-level heartbeat messages to every
	// configured peer. Zero disables them.
	Heartbeat time.Duration

	Session session.Config
}

func DefaultConfig() Config {
	return Config{
		Name:      protocol.EntityName{Type: protocol.EntityOSD, Num: 0},
		Listen:    "127.0.0.1:6800/1",
		Transport: TransportTCP,
		Policies:  msgr.NewPolicyTable(msgr.LosslessPeer()),
		Heartbeat: 2 * time.Second,
		Session:   session.DefaultConfig(),
	}
}

// Validate checks the settings New depends on.
func (c Config) Validate() error {
	if _, err := protocol.ParseEntityType(c.Name.Type.String()); err != nil {
		return fmt.Errorf("%w: %s", ErrInvalidName, c.Name)
	}
	listen, err := c.listenAddr()
	if err != nil {
		return err
	}
	// Peers dial host:port/nonce and reject any other nonce, so a random
	// one drawn at startup could never be reached.
	if listen.Nonce == 0 {
		return fmt.Errorf("%w: %q needs a non-zero /nonce", ErrInvalidListen, c.Listen)
	}
	switch c.transport() {
	case TransportTCP, TransportWebSocket:
	default:
		return fmt.Errorf("%w: %q", ErrInvalidTransport, c.Transport)
	}
	if c.Heartbeat < 0 {
		return ErrInvalidHeartbeat
	}
	for _, p := range c.Peers {
		if p.Addr.Port == 0 {
			return fmt.Errorf("%w: %s has no port", ErrInvalidPeer, p.Name)
		}
		if p.Addr.Nonce == 0 {
			return fmt.Errorf("%w: %s at %s has no nonce", ErrInvalidPeer, p.Name, p.Addr.HostPort())
		}
	}
	for _, side := range []session.Side{session.SideAccept, session.SideDial} {
		if err := c.Session.ValidateTransport(side); err != nil {
			return fmt.Errorf("daemon: %s transport: %w", side, err)
		}
	}
	return nil
}

func (c Config) transport() string {
	t := strings.ToLower(strings.TrimSpace(c.Transport))
	if t == "" {
		return TransportTCP
	}
	return t
}

func (c Config) listenAddr() (protocol.EntityAddr, error) {
	addr, err := protocol.ParseEntityAddr(strings.TrimSpace(c.Listen))
	if err != nil {
		return protocol.EntityAddr{}, fmt.Errorf("%w: %v", ErrInvalidListen, err)
	}
	return addr, nil
}

func (c Config) peer(name protocol.EntityName) (Peer, bool) {
	for _, p := range c.Peers {
		if p.Name == name {
			return p, true
		}
	}
	return Peer{}, false
}
