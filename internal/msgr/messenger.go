package msgr

import (
	"context"
	"encoding/binary"
	"errors"
	"net"
	"sort"
	"sync"
	"sync/atomic"

	"github.com/danmuck/edgemsgr/internal/auth"
	"github.com/danmuck/edgemsgr/internal/observability"
	"github.com/danmuck/edgemsgr/internal/protocol"
	"github.com/danmuck/edgemsgr/internal/protocol/frame"
	"github.com/danmuck/edgemsgr/internal/protocol/session"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// Options configures a Messenger. A zero Config means session.DefaultConfig.
type Options struct {
	Name     protocol.EntityName
	Addr     protocol.EntityAddr
	Config   session.Config
	Policies PolicyTable

	Dispatcher Dispatcher
	Dialer     Dialer
	// Auth builds outgoing authorizers; nil sends none.
	Auth auth.ClientProvider
	// Verifier checks incoming authorizers; nil accepts every peer.
	Verifier auth.ServerVerifier

	Logger          *zerolog.Logger
	ProtocolVersion uint32
}

// Messenger owns the connections of one daemon: the registry keyed by
// peer address, the global sequence, and the shared receive throttles.
type Messenger struct {
	name         protocol.EntityName
	nodeLabel    string
	cfg          session.Config
	policies     PolicyTable
	dispatcher   Dispatcher
	dialer       Dialer
	auth         auth.ClientProvider
	verifier     auth.ServerVerifier
	protoVersion uint32
	logger       zerolog.Logger

	nextID           atomic.Uint64
	globalSeq        atomic.Uint32
	closed           atomic.Bool
	wg               sync.WaitGroup
	dispatchThrottle *Throttle

	mu        sync.Mutex
	addr      protocol.EntityAddr
	conns     map[string]*Connection
	accepting map[*Connection]struct{}
	throttles map[protocol.EntityType]*policyThrottles
	listeners []net.Listener
}

func New(opts Options) (*Messenger, error) {
	if opts.Dispatcher == nil {
		return nil, ErrNoDispatcher
	}
	cfg := opts.Config
	if cfg == (session.Config{}) {
		cfg = session.DefaultConfig()
	}
	base := log.Logger
	if opts.Logger != nil {
		base = *opts.Logger
	}
	addr := opts.Addr
	if addr.Nonce == 0 {
		id := uuid.New()
		addr.Nonce = binary.LittleEndian.Uint32(id[:4])
	}
	proto := opts.ProtocolVersion
	if proto == 0 {
		proto = frame.ProtocolVersion
	}

	m := &Messenger{
		name:             opts.Name,
		nodeLabel:        opts.Name.String(),
		cfg:              cfg,
		policies:         opts.Policies,
		dispatcher:       opts.Dispatcher,
		dialer:           opts.Dialer,
		auth:             opts.Auth,
		verifier:         opts.Verifier,
		protoVersion:     proto,
		dispatchThrottle: NewThrottle(cfg.DispatchThrottleBytes),
		addr:             addr,
		conns:            make(map[string]*Connection),
		accepting:        make(map[*Connection]struct{}),
		throttles:        make(map[protocol.EntityType]*policyThrottles),
	}
	m.logger = observability.Component(base, "msgr").With().Str("node", m.nodeLabel).Logger()
	observability.RegisterMetrics()
	return m, nil
}

func (m *Messenger) Name() protocol.EntityName { return m.name }

// Addr is the address advertised to peers. Its IP may be learned from the
// first peer that reports it.
func (m *Messenger) Addr() protocol.EntityAddr {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.addr
}

func (m *Messenger) Config() session.Config { return m.cfg }

// GlobalSeq returns a value greater than both every earlier result and old.
func (m *Messenger) GlobalSeq(old uint32) uint32 {
	for {
		cur := m.globalSeq.Load()
		next := max(cur, old) + 1
		if m.globalSeq.CompareAndSwap(cur, next) {
			return next
		}
	}
}

// learnedAddr adopts the IP a peer saw us connect from when we were bound
// to a wildcard address.
func (m *Messenger) learnedAddr(seen protocol.EntityAddr) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.addr.IsBlankIP() || seen.IsBlankIP() {
		return
	}
	m.addr = m.addr.WithIP(seen.IP)
	m.logger.Info().Str("addr", m.addr.String()).Msg("msgr: learned own address")
}

func (m *Messenger) throttlesFor(peer protocol.EntityType, p Policy) *policyThrottles {
	m.mu.Lock()
	defer m.mu.Unlock()
	th, ok := m.throttles[peer]
	if !ok {
		th = newPolicyThrottles(p)
		m.throttles[peer] = th
	}
	return th
}

// Serve accepts transports from l until l is closed or Shutdown runs.
func (m *Messenger) Serve(l net.Listener) error {
	m.mu.Lock()
	if m.closed.Load() {
		m.mu.Unlock()
		return ErrMessengerClosed
	}
	m.listeners = append(m.listeners, l)
	m.mu.Unlock()

	m.logger.Info().Str("listen", l.Addr().String()).Msg("msgr: serving")
	for {
		conn, err := l.Accept()
		if err != nil {
			if m.closed.Load() || errors.Is(err, net.ErrClosed) {
				return nil
			}
			return err
		}
		m.Accept(conn)
	}
}

// Accept runs the accepting handshake on an established transport.
func (m *Messenger) Accept(conn net.Conn) *Connection {
	c := newConnection(m)
	a := newAttempt()
	a.attach(conn)
	c.cur = a
	c.state = StateAccepting
	c.role = roleServer

	m.mu.Lock()
	if m.closed.Load() {
		m.mu.Unlock()
		_ = conn.Close()
		c.cur = nil
		c.state = StateClosed
		return c
	}
	m.accepting[c] = struct{}{}
	m.mu.Unlock()

	c.log().Debug().Str("remote", conn.RemoteAddr().String()).Msg("msgr: accepted transport")
	m.wg.Add(1)
	go c.runServer(a)
	return c
}

// Connect returns the connection registered for addr, creating and dialing
// one when there is none.
func (m *Messenger) Connect(addr protocol.EntityAddr, peerType protocol.EntityType) (*Connection, error) {
	if m.closed.Load() {
		return nil, ErrMessengerClosed
	}
	if m.dialer == nil {
		return nil, ErrNoDialer
	}
	if existing := m.Lookup(addr); existing != nil {
		return existing, nil
	}

	c := newConnection(m)
	var after afterUnlock
	c.mu.Lock()
	c.setPeerLocked(addr, peerType)
	c.setPolicyLocked(m.policies.Lookup(peerType))
	if existing, ok := m.register(c, addr); !ok {
		c.mu.Unlock()
		return existing, nil
	}
	c.startConnectLocked(&after)
	c.mu.Unlock()
	after.run()
	return c, nil
}

// SendTo queues msg for addr, connecting first when needed.
func (m *Messenger) SendTo(addr protocol.EntityAddr, peerType protocol.EntityType, msg *frame.Message, done func(error)) error {
	c, err := m.Connect(addr, peerType)
	if err != nil {
		return err
	}
	return c.Send(msg, done)
}

// Lookup returns the connection registered for addr, or nil.
func (m *Messenger) Lookup(addr protocol.EntityAddr) *Connection {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.conns[addr.Key()]
}

// register inserts c under addr unless another connection holds it.
func (m *Messenger) register(c *Connection, addr protocol.EntityAddr) (*Connection, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := addr.Key()
	if existing, ok := m.conns[key]; ok {
		return existing, false
	}
	m.conns[key] = c
	delete(m.accepting, c)
	return c, true
}

// swap hands old's registry slot to c. Callers hold both connection locks.
func (m *Messenger) swap(old, c *Connection) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := old.peerAddr.Key()
	if m.conns[key] != old {
		return false
	}
	m.conns[key] = c
	delete(m.accepting, c)
	return true
}

// unregister drops c from the registry if it still owns its slot. Callers
// hold c.mu.
func (m *Messenger) unregister(c *Connection) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.accepting, c)
	key := c.peerAddr.Key()
	if m.conns[key] == c {
		delete(m.conns, key)
	}
}

func (m *Messenger) snapshot() []*Connection {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*Connection, 0, len(m.conns)+len(m.accepting))
	for _, c := range m.conns {
		out = append(out, c)
	}
	for c := range m.accepting {
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].id < out[j].id })
	return out
}

// Connections reports every registered and accepting connection.
func (m *Messenger) Connections() []ConnectionStatus {
	conns := m.snapshot()
	out := make([]ConnectionStatus, 0, len(conns))
	for _, c := range conns {
		out = append(out, c.Status())
	}
	return out
}

// Shutdown closes listeners, marks every connection down, and waits for
// connection goroutines until ctx is done.
func (m *Messenger) Shutdown(ctx context.Context) error {
	m.closed.Store(true)
	m.mu.Lock()
	listeners := m.listeners
	m.listeners = nil
	m.mu.Unlock()
	for _, l := range listeners {
		_ = l.Close()
	}
	for _, c := range m.snapshot() {
		c.MarkDown()
	}

	done := make(chan struct{})
	go func() {
		m.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		m.logger.Info().Msg("msgr: shut down")
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
