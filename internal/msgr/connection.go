package msgr

import (
	"bufio"
	"context"
	"errors"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/danmuck/edgemsgr/internal/auth"
	"github.com/danmuck/edgemsgr/internal/observability"
	"github.com/danmuck/edgemsgr/internal/protocol"
	"github.com/danmuck/edgemsgr/internal/protocol/frame"
	"github.com/danmuck/edgemsgr/internal/protocol/session"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// State is the externally visible lifecycle state of a Connection.
type State int

const (
	StateNone State = iota
	StateConnecting
	StateAccepting
	StateOpen
	StateStandby
	StateWait
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateNone:
		return "none"
	case StateConnecting:
		return "connecting"
	case StateAccepting:
		return "accepting"
	case StateOpen:
		return "open"
	case StateStandby:
		return "standby"
	case StateWait:
		return "wait"
	case StateClosed:
		return "closed"
	}
	return "unknown"
}

// role is the machine currently driving the transport.
type role int

const (
	roleNone role = iota
	roleClient
	roleServer
	roleFraming
)

func (r role) String() string {
	switch r {
	case roleClient:
		return "client"
	case roleServer:
		return "server"
	case roleFraming:
		return "framing"
	}
	return "none"
}

// attempt is one transport lifetime. Goroutines started for an attempt
// compare it against Connection.cur before touching shared state and exit
// once done is closed.
type attempt struct {
	conn    net.Conn
	rd      *bufio.Reader
	done    chan struct{}
	wake    chan struct{}
	started time.Time
}

func newAttempt() *attempt {
	return &attempt{
		done:    make(chan struct{}),
		wake:    make(chan struct{}, 1),
		started: time.Now(),
	}
}

func (a *attempt) attach(conn net.Conn) {
	a.conn = conn
	a.rd = bufio.NewReader(conn)
}

func (a *attempt) write(b []byte) error {
	_, err := a.conn.Write(b)
	return err
}

func (a *attempt) notify() {
	select {
	case a.wake <- struct{}{}:
	default:
	}
}

type afterUnlock []func()

func (a *afterUnlock) add(f func()) {
	*a = append(*a, f)
}

func (a afterUnlock) run() {
	for _, f := range a {
		f()
	}
}

func completeAll(entries []*session.Entry, err error) {
	for _, e := range entries {
		e.Complete(err)
	}
}

// Connection is one logical session with a peer.
//
// Lock order: mu, then writeMu, then the messenger lock. Arbitration holds
// two connections' mu, taken in ascending id order.
type Connection struct {
	id    uint64
	trace string
	msgr  *Messenger
	logp  atomic.Pointer[zerolog.Logger]

	mu               sync.Mutex
	state            State
	role             role
	cur              *attempt
	peerAddr         protocol.EntityAddr
	peerType         protocol.EntityType
	policy           Policy
	throttles        *policyThrottles
	features         protocol.Features
	onceReady        bool
	replacing        bool
	successor        *Connection
	backoff          *session.Backoff
	timer            *time.Timer
	timerGen         uint64
	security         *sessionSecurity
	challenge        auth.Challenge
	err              error
	lastKeepalive    time.Time
	lastKeepaliveAck time.Time
	rxBuffers        map[uint64][]byte

	writeMu          sync.Mutex
	tracker          *session.Tracker
	writer           *attempt
	wopts            session.FrameOptions
	outBuf           []byte
	keepalivePending bool
}

func newConnection(m *Messenger) *Connection {
	c := &Connection{
		id:        m.nextID.Add(1),
		trace:     uuid.NewString(),
		msgr:      m,
		backoff:   session.NewBackoff(m.cfg.Backoff, nil),
		tracker:   session.NewTracker(),
		rxBuffers: make(map[uint64][]byte),
	}
	logger := m.logger.With().Uint64("conn", c.id).Str("trace", c.trace).Logger()
	c.logp.Store(&logger)
	return c
}

func (c *Connection) log() *zerolog.Logger {
	return c.logp.Load()
}

// setPeerLocked records the peer identity and tags the logger with it.
func (c *Connection) setPeerLocked(addr protocol.EntityAddr, peerType protocol.EntityType) {
	c.peerAddr = addr
	c.peerType = peerType
	logger := c.msgr.logger.With().
		Uint64("conn", c.id).
		Str("trace", c.trace).
		Str("peer", addr.String()).
		Str("peer_type", peerType.String()).
		Logger()
	c.logp.Store(&logger)
}

func (c *Connection) setPolicyLocked(p Policy) {
	c.policy = p
	c.throttles = c.msgr.throttlesFor(c.peerType, p)
}

func (c *Connection) ID() uint64 { return c.id }

func (c *Connection) Trace() string { return c.trace }

func (c *Connection) PeerAddr() protocol.EntityAddr {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.peerAddr
}

func (c *Connection) PeerType() protocol.EntityType {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.peerType
}

func (c *Connection) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Features is the feature set negotiated by the last handshake.
func (c *Connection) Features() protocol.Features {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.features
}

func (c *Connection) Policy() Policy {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.policy
}

// Err is the terminal error of a closed connection, if any.
func (c *Connection) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.err
}

// Successor is the connection that took over this session, if it was
// replaced.
func (c *Connection) Successor() *Connection {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.successor
}

func (c *Connection) IsConnected() bool {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return c.writer != nil
}

func (c *Connection) LastKeepalive() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastKeepalive
}

func (c *Connection) LastKeepaliveAck() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastKeepaliveAck
}

// Send queues m for the peer. done, if set, is called once: nil when the
// peer acknowledged the message (or, on lossy sessions, when it was
// written), an error when it was discarded. When Send itself returns an
// error done is not called.
func (c *Connection) Send(m *frame.Message, done func(error)) error {
	if m == nil {
		return errors.New("msgr: nil message")
	}
	if m.Header.Src == (protocol.EntityName{}) {
		m.Header.Src = c.msgr.name
	}
	if m.Header.Priority == 0 {
		m.Header.Priority = protocol.PriorityDefault
	}
	// Requeued messages go out in the highest lane; nothing may pass them.
	if m.Header.Priority > protocol.PriorityHighest {
		m.Header.Priority = protocol.PriorityHighest
	}
	e := &session.Entry{Message: m, Done: done}
	e.Prepare(c.msgr.cfg.CRC)

	var after afterUnlock
	c.mu.Lock()
	if c.state == StateClosed {
		next, err := c.successor, c.err
		c.mu.Unlock()
		if next != nil {
			return next.Send(m, done)
		}
		if err == nil {
			err = ErrConnectionClosed
		}
		return err
	}
	c.writeMu.Lock()
	c.tracker.Enqueue(e)
	w := c.writer
	c.writeMu.Unlock()
	if c.state == StateStandby && !c.policy.Server {
		c.log().Debug().Msg("msgr: message queued in standby, reconnecting")
		c.startConnectLocked(&after)
	}
	c.mu.Unlock()
	if w != nil {
		w.notify()
	}
	after.run()
	return nil
}

// SendKeepalive asks the writer to emit a keepalive with the next batch.
func (c *Connection) SendKeepalive() {
	c.mu.Lock()
	closed := c.state == StateClosed
	c.mu.Unlock()
	if closed {
		return
	}
	c.writeMu.Lock()
	c.keepalivePending = true
	w := c.writer
	c.writeMu.Unlock()
	if w != nil {
		w.notify()
	}
}

// PostRxBuffer registers buf as the destination of the data segment of the
// incoming message with the given tid.
func (c *Connection) PostRxBuffer(tid uint64, buf []byte) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.rxBuffers[tid] = buf
}

func (c *Connection) RevokeRxBuffer(tid uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.rxBuffers, tid)
}

// takeRxBuffer returns the registered buffer for tid sized to n bytes, or
// nil when none fits.
func (c *Connection) takeRxBuffer(tid uint64, n int) []byte {
	c.mu.Lock()
	defer c.mu.Unlock()
	buf, ok := c.rxBuffers[tid]
	if !ok || cap(buf) < n {
		return nil
	}
	delete(c.rxBuffers, tid)
	return buf[:n]
}

// MarkDown closes the connection and discards everything queued. The
// dispatcher is not notified.
func (c *Connection) MarkDown() {
	var after afterUnlock
	c.mu.Lock()
	c.stopLocked(ErrConnectionClosed, &after)
	c.mu.Unlock()
	after.run()
}

// MarkDisposable turns the session lossy: a later fault resets it instead
// of reconnecting.
func (c *Connection) MarkDisposable() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.policy.Lossy = true
	c.writeMu.Lock()
	c.wopts.Lossy = true
	c.writeMu.Unlock()
}

// ConnectionStatus is a point-in-time view for the admin API.
type ConnectionStatus struct {
	ID               uint64    `json:"id"`
	Trace            string    `json:"trace"`
	Peer             string    `json:"peer"`
	PeerType         string    `json:"peer_type"`
	State            string    `json:"state"`
	Role             string    `json:"role"`
	Lossy            bool      `json:"lossy"`
	Features         string    `json:"features"`
	ConnectSeq       uint32    `json:"connect_seq"`
	PeerGlobalSeq    uint32    `json:"peer_global_seq"`
	InSeq            uint64    `json:"in_seq"`
	OutSeq           uint64    `json:"out_seq"`
	Queued           int       `json:"queued"`
	Unacked          int       `json:"unacked"`
	LastKeepalive    time.Time `json:"last_keepalive"`
	LastKeepaliveAck time.Time `json:"last_keepalive_ack"`
}

func (c *Connection) Status() ConnectionStatus {
	c.mu.Lock()
	defer c.mu.Unlock()
	st := ConnectionStatus{
		ID:               c.id,
		Trace:            c.trace,
		Peer:             c.peerAddr.String(),
		PeerType:         c.peerType.String(),
		State:            c.state.String(),
		Role:             c.role.String(),
		Lossy:            c.policy.Lossy,
		Features:         c.features.String(),
		LastKeepalive:    c.lastKeepalive,
		LastKeepaliveAck: c.lastKeepaliveAck,
	}
	c.writeMu.Lock()
	st.ConnectSeq = c.tracker.ConnectSeq
	st.PeerGlobalSeq = c.tracker.PeerGlobalSeq
	st.InSeq = c.tracker.InSeq
	st.OutSeq = c.tracker.OutSeq
	st.Queued = c.tracker.Queued()
	st.Unacked = c.tracker.Unacked()
	c.writeMu.Unlock()
	return st
}

// lockIfCurrent takes mu when a is still the live attempt.
func (c *Connection) lockIfCurrent(a *attempt) bool {
	c.mu.Lock()
	if c.cur != a {
		c.mu.Unlock()
		return false
	}
	return true
}

// lockPair locks two connections in ascending id order.
func lockPair(a, b *Connection) {
	if a.id < b.id {
		a.mu.Lock()
		b.mu.Lock()
		return
	}
	b.mu.Lock()
	a.mu.Lock()
}

func unlockPair(a, b *Connection) {
	a.mu.Unlock()
	b.mu.Unlock()
}

// startConnectLocked begins a client attempt towards peerAddr.
func (c *Connection) startConnectLocked(after *afterUnlock) {
	if c.msgr.closed.Load() {
		c.stopLocked(ErrMessengerClosed, after)
		return
	}
	a := newAttempt()
	c.cur = a
	c.state = StateConnecting
	c.role = roleClient
	c.msgr.wg.Add(1)
	go c.runClient(a)
}

func (c *Connection) runClient(a *attempt) {
	defer c.msgr.wg.Done()

	c.mu.Lock()
	peer := c.peerAddr
	c.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), c.msgr.cfg.ConnectTimeout)
	go func() {
		select {
		case <-a.done:
			cancel()
		case <-ctx.Done():
		}
	}()
	conn, err := c.msgr.dialer.Dial(ctx, peer)
	cancel()
	if err != nil {
		c.log().Debug().Err(err).Msg("msgr: dial failed")
		c.fault(a, err)
		return
	}
	if !c.lockIfCurrent(a) {
		_ = conn.Close()
		return
	}
	a.attach(conn)
	c.mu.Unlock()

	if err := c.runClientHandshake(a); err != nil {
		c.fault(a, err)
		return
	}
	c.fault(a, c.readLoop(a))
}

func (c *Connection) runServer(a *attempt) {
	defer c.msgr.wg.Done()
	if err := c.runServerHandshake(a); err != nil {
		c.fault(a, err)
		return
	}
	c.fault(a, c.readLoop(a))
}

// openLocked switches a finished handshake to framing and starts the writer.
func (c *Connection) openLocked(a *attempt) {
	c.state = StateOpen
	c.role = roleFraming
	c.replacing = false
	if a.conn != nil {
		_ = a.conn.SetDeadline(time.Time{})
	}
	c.writeMu.Lock()
	c.writer = a
	c.wopts = session.FrameOptions{
		Lossy:    c.policy.Lossy,
		Features: c.features,
		CRC:      c.msgr.cfg.CRC,
		Sign:     c.security.signer(),
	}
	c.writeMu.Unlock()

	c.msgr.wg.Add(1)
	go c.writeLoop(a)
	if c.msgr.cfg.HeartbeatInterval > 0 {
		c.msgr.wg.Add(1)
		go c.heartbeat(a, c.msgr.cfg.HeartbeatInterval)
	}
	a.notify()
}

func (c *Connection) heartbeat(a *attempt, every time.Duration) {
	defer c.msgr.wg.Done()
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		select {
		case <-a.done:
			return
		case <-ticker.C:
			c.SendKeepalive()
		}
	}
}

// teardownLocked ends the live attempt and cancels timers. Queue state is
// left alone.
func (c *Connection) teardownLocked() {
	if a := c.cur; a != nil {
		close(a.done)
		if a.conn != nil {
			_ = a.conn.Close()
		}
		c.cur = nil
	}
	if c.timer != nil {
		c.timer.Stop()
		c.timer = nil
	}
	c.writeMu.Lock()
	c.writer = nil
	c.outBuf = nil
	c.writeMu.Unlock()
}

// stopLocked closes the connection for good and fails everything queued
// with cause.
func (c *Connection) stopLocked(cause error, after *afterUnlock) {
	if c.state == StateClosed {
		return
	}
	c.state = StateClosed
	c.role = roleNone
	c.teardownLocked()
	c.writeMu.Lock()
	discarded := c.tracker.DiscardAll()
	c.writeMu.Unlock()
	c.msgr.unregister(c)
	if len(discarded) > 0 {
		after.add(func() { completeAll(discarded, cause) })
	}
}

// retireLocked hands the session to successor. The tracker must already
// have been moved out.
func (c *Connection) retireLocked(successor *Connection) {
	c.state = StateClosed
	c.role = roleNone
	c.successor = successor
	c.teardownLocked()
	c.writeMu.Lock()
	c.tracker = session.NewTracker()
	c.writeMu.Unlock()
}

// sessionResetLocked discards the session after one side restarted.
func (c *Connection) sessionResetLocked(after *afterUnlock) {
	c.writeMu.Lock()
	discarded := c.tracker.Reset(c.features.Has(protocol.FeatureMsgAuth), nil)
	c.outBuf = nil
	c.writeMu.Unlock()
	c.onceReady = false
	c.log().Info().Int("discarded", len(discarded)).Msg("msgr: session reset")
	after.add(func() {
		completeAll(discarded, ErrSessionReset)
		c.msgr.dispatcher.HandleRemoteReset(c)
	})
}

// fault routes a failure of attempt a through the fault policy. Failures of
// superseded attempts are ignored.
func (c *Connection) fault(a *attempt, cause error) {
	if cause == nil {
		cause = ErrConnectionClosed
	}
	var after afterUnlock
	c.mu.Lock()
	if a != nil && c.cur != a {
		c.mu.Unlock()
		return
	}
	c.handleFailureLocked(cause, &after)
	c.mu.Unlock()
	after.run()
}

func (c *Connection) handleFailureLocked(cause error, after *afterUnlock) {
	c.writeMu.Lock()
	queueEmpty := c.tracker.Queued()+c.tracker.Unacked() == 0
	c.writeMu.Unlock()

	d := decideFault(faultInput{
		State:       c.state,
		Handshaking: c.cur != nil && c.cur.conn != nil && c.role != roleFraming,
		Lossy:       c.policy.Lossy,
		Server:      c.policy.Server,
		Standby:     c.policy.Standby,
		OnceReady:   c.onceReady,
		Replacing:   c.replacing,
		QueueEmpty:  queueEmpty,
		Permanent:   isPermanent(cause),
	})
	if d.Action == faultIgnore {
		return
	}
	observability.RecordFault(c.msgr.nodeLabel, d.Action.String())
	c.log().Info().Err(cause).Str("state", c.state.String()).Str("action", d.Action.String()).Msg("msgr: fault")

	switch d.Action {
	case faultClose:
		c.err = cause
		c.stopLocked(cause, after)
		after.add(func() { c.msgr.dispatcher.HandleReset(c) })
		return
	case faultReset, faultStop:
		c.stopLocked(ErrConnectionClosed, after)
		after.add(func() { c.msgr.dispatcher.HandleReset(c) })
		return
	}

	c.teardownLocked()
	if d.Requeue {
		c.writeMu.Lock()
		n := c.tracker.RequeueSent()
		c.writeMu.Unlock()
		if n > 0 {
			c.log().Debug().Int("requeued", n).Msg("msgr: requeued unacked messages")
		}
	}
	c.replacing = false
	if d.ResetBackoff {
		c.backoff.Reset()
	}

	switch d.Action {
	case faultStandby:
		c.state = StateStandby
		c.role = roleNone
	case faultReconnect:
		c.writeMu.Lock()
		c.tracker.ConnectSeq++
		c.writeMu.Unlock()
		c.startConnectLocked(after)
	case faultBackoff:
		var delay time.Duration
		if d.PinBackoff {
			delay = c.backoff.Pin()
		} else {
			delay = c.backoff.Next()
		}
		c.state = StateConnecting
		c.role = roleClient
		c.log().Debug().Dur("delay", delay).Msg("msgr: reconnect scheduled")
		c.timerGen++
		gen := c.timerGen
		c.timer = time.AfterFunc(delay, func() { c.backoffExpired(gen) })
	}
}

func (c *Connection) backoffExpired(gen uint64) {
	var after afterUnlock
	c.mu.Lock()
	if c.timer == nil || c.timerGen != gen || c.state != StateConnecting {
		c.mu.Unlock()
		return
	}
	c.timer = nil
	c.startConnectLocked(&after)
	c.mu.Unlock()
	after.run()
}
