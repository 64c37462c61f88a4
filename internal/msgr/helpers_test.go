package msgr

import (
	"bufio"
	"context"
	"fmt"
	"net"
	"net/netip"
	"sync/atomic"
	"testing"
	"time"

	"github.com/danmuck/edgemsgr/internal/auth"
	"github.com/danmuck/edgemsgr/internal/protocol"
	"github.com/danmuck/edgemsgr/internal/protocol/frame"
	"github.com/danmuck/edgemsgr/internal/protocol/session"
)

const waitTimeout = 5 * time.Second

func testConfig() session.Config {
	cfg := session.DefaultConfig()
	cfg.HeartbeatInterval = 0
	cfg.SessionDeadAfter = 0
	cfg.ConnectTimeout = 2 * time.Second
	cfg.HandshakeTimeout = 2 * time.Second
	cfg.Backoff = session.BackoffConfig{
		InitialDelay: 10 * time.Millisecond,
		Multiplier:   2,
		MaxDelay:     100 * time.Millisecond,
	}
	return cfg
}

func newTestMessenger(t *testing.T, opts Options) *Messenger {
	t.Helper()
	if opts.Config == (session.Config{}) {
		opts.Config = testConfig()
	}
	m, err := New(opts)
	if err != nil {
		t.Fatalf("new messenger: %v", err)
	}
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), waitTimeout)
		defer cancel()
		if err := m.Shutdown(ctx); err != nil {
			t.Errorf("shutdown: %v", err)
		}
	})
	return m
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(waitTimeout)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

// recorder is a Dispatcher that records everything it is handed.
type recorder struct {
	hold       bool
	deliveries chan *Delivery

	connects     atomic.Int32
	accepts      atomic.Int32
	resets       atomic.Int32
	remoteResets atomic.Int32
}

func newRecorder() *recorder {
	return &recorder{deliveries: make(chan *Delivery, 1024)}
}

func (r *recorder) Deliver(d *Delivery) {
	if !r.hold {
		d.Release()
	}
	r.deliveries <- d
}

func (r *recorder) HandleConnect(*Connection)     { r.connects.Add(1) }
func (r *recorder) HandleAccept(*Connection)      { r.accepts.Add(1) }
func (r *recorder) HandleReset(*Connection)       { r.resets.Add(1) }
func (r *recorder) HandleRemoteReset(*Connection) { r.remoteResets.Add(1) }

func (r *recorder) next(t *testing.T) *Delivery {
	t.Helper()
	select {
	case d := <-r.deliveries:
		return d
	case <-time.After(waitTimeout):
		t.Fatalf("timed out waiting for a delivery")
		return nil
	}
}

func (r *recorder) expectNone(t *testing.T, within time.Duration) {
	t.Helper()
	select {
	case d := <-r.deliveries:
		t.Fatalf("unexpected delivery seq=%d front=%q", d.Header.Seq, d.Front)
	case <-time.After(within):
	}
}

func testMessage(i int) *frame.Message {
	return &frame.Message{
		Header: frame.Header{Type: 0x40, Tid: uint64(i)},
		Front:  []byte(fmt.Sprintf("msg-%04d", i)),
		Data:   []byte(fmt.Sprintf("data-%04d", i)),
	}
}

// pipeDialer hands the far end of every dialed pipe to the test.
type pipeDialer struct {
	peers chan net.Conn
	dials atomic.Int32
}

func newPipeDialer() *pipeDialer {
	return &pipeDialer{peers: make(chan net.Conn, 8)}
}

func (d *pipeDialer) Dial(ctx context.Context, addr protocol.EntityAddr) (net.Conn, error) {
	d.dials.Add(1)
	local, remote := net.Pipe()
	select {
	case d.peers <- remote:
		return local, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (d *pipeDialer) next(t *testing.T) *scriptedPeer {
	t.Helper()
	select {
	case c := <-d.peers:
		return newScriptedPeer(t, c)
	case <-time.After(waitTimeout):
		t.Fatalf("timed out waiting for a dial")
		return nil
	}
}

// scriptedPeer speaks the wire protocol by hand from the test goroutine.
type scriptedPeer struct {
	t    *testing.T
	conn net.Conn
	rd   *bufio.Reader
}

func newScriptedPeer(t *testing.T, conn net.Conn) *scriptedPeer {
	_ = conn.SetDeadline(time.Now().Add(waitTimeout))
	t.Cleanup(func() { _ = conn.Close() })
	return &scriptedPeer{t: t, conn: conn, rd: bufio.NewReader(conn)}
}

func (p *scriptedPeer) write(b []byte) {
	p.t.Helper()
	if _, err := p.conn.Write(b); err != nil {
		p.t.Fatalf("peer write: %v", err)
	}
}

// greetClient plays the accepting side of the banner exchange and returns
// the address the client advertised.
func (p *scriptedPeer) greetClient(self, seen protocol.EntityAddr) protocol.EntityAddr {
	p.t.Helper()
	if err := frame.ReadBanner(p.rd); err != nil {
		p.t.Fatalf("peer read banner: %v", err)
	}
	buf := frame.AppendBanner(nil)
	buf = frame.AppendAddr(buf, self)
	buf = frame.AppendAddr(buf, seen)
	p.write(buf)
	addr, err := frame.ReadAddr(p.rd)
	if err != nil {
		p.t.Fatalf("peer read client addr: %v", err)
	}
	return addr
}

// greetServer plays the connecting side of the banner exchange and returns
// the address the server advertised.
func (p *scriptedPeer) greetServer(self protocol.EntityAddr) protocol.EntityAddr {
	p.t.Helper()
	if err := frame.ReadBanner(p.rd); err != nil {
		p.t.Fatalf("peer read banner: %v", err)
	}
	srv, err := frame.ReadAddr(p.rd)
	if err != nil {
		p.t.Fatalf("peer read server addr: %v", err)
	}
	if _, err := frame.ReadAddr(p.rd); err != nil {
		p.t.Fatalf("peer read seen addr: %v", err)
	}
	p.write(frame.AppendAddr(frame.AppendBanner(nil), self))
	return srv
}

func (p *scriptedPeer) readConnect() frame.ConnectRequest {
	p.t.Helper()
	req, err := frame.ReadConnectRequest(p.rd, frame.DefaultLimits())
	if err != nil {
		p.t.Fatalf("peer read connect: %v", err)
	}
	return req
}

func (p *scriptedPeer) readReply() frame.ConnectReply {
	p.t.Helper()
	r, err := frame.ReadConnectReply(p.rd, frame.DefaultLimits())
	if err != nil {
		p.t.Fatalf("peer read reply: %v", err)
	}
	return r
}

func (p *scriptedPeer) readSeq() uint64 {
	p.t.Helper()
	seq, err := frame.ReadSeq(p.rd)
	if err != nil {
		p.t.Fatalf("peer read seq: %v", err)
	}
	return seq
}

func (p *scriptedPeer) readTag() protocol.Tag {
	p.t.Helper()
	tag, err := frame.ReadTag(p.rd)
	if err != nil {
		p.t.Fatalf("peer read tag: %v", err)
	}
	return tag
}

func (p *scriptedPeer) reply(r frame.ConnectReply) {
	p.t.Helper()
	if r.ProtocolVersion == 0 {
		r.ProtocolVersion = frame.ProtocolVersion
	}
	p.write(frame.AppendConnectReply(nil, r))
}

func (p *scriptedPeer) sendMessage(m *frame.Message, features protocol.Features) {
	p.t.Helper()
	p.write(frame.AppendMessage(nil, m, features))
}

// readMessage reads one MSG record the client wrote.
func (p *scriptedPeer) readMessage(features protocol.Features) *frame.Message {
	p.t.Helper()
	if tag := p.readTag(); tag != protocol.TagMsg {
		p.t.Fatalf("peer expected msg, got %s", tag)
	}
	var hb [frame.HeaderLen]byte
	if err := frame.ReadFull(p.rd, hb[:]); err != nil {
		p.t.Fatalf("peer read header: %v", err)
	}
	h, err := frame.DecodeHeader(hb[:], frame.CRCAll)
	if err != nil {
		p.t.Fatalf("peer decode header: %v", err)
	}
	segment := func(n uint32) []byte {
		b := make([]byte, n)
		if err := frame.ReadFull(p.rd, b); err != nil {
			p.t.Fatalf("peer read segment: %v", err)
		}
		return b
	}
	msg := &frame.Message{Header: h}
	msg.Front = segment(h.FrontLen)
	msg.Middle = segment(h.MiddleLen)
	msg.Data = segment(h.DataLen)
	fb := make([]byte, frame.FooterLength(features))
	if err := frame.ReadFull(p.rd, fb); err != nil {
		p.t.Fatalf("peer read footer: %v", err)
	}
	if msg.Footer, err = frame.DecodeFooter(fb, features); err != nil {
		p.t.Fatalf("peer decode footer: %v", err)
	}
	return msg
}

// sendSeq seals and writes a copy of testMessage(i) carrying seq.
func (p *scriptedPeer) sendSeq(i int, seq uint64, features protocol.Features) {
	p.t.Helper()
	msg := testMessage(i)
	msg.Header.Seq = seq
	msg.Seal(frame.CRCAll)
	p.sendMessage(msg, features)
}

// closed reports whether the far end has gone away.
func (p *scriptedPeer) closed() bool {
	_ = p.conn.SetReadDeadline(time.Now().Add(waitTimeout))
	_, err := p.rd.ReadByte()
	return err != nil
}

func readyReply(req frame.ConnectRequest, tag protocol.Tag) frame.ConnectReply {
	return frame.ConnectReply{
		Tag:        tag,
		Features:   protocol.FeaturesAll,
		HostType:   protocol.EntityOSD,
		GlobalSeq:  100,
		ConnectSeq: req.ConnectSeq + 1,
	}
}

var (
	scriptServerAddr = protocol.EntityAddr{IP: netip.MustParseAddr("10.0.0.9"), Port: 6800, Nonce: 9}
	scriptSeenAddr   = protocol.EntityAddr{IP: netip.MustParseAddr("10.0.0.5"), Port: 41000}
	scriptClientAddr = protocol.EntityAddr{IP: netip.MustParseAddr("10.0.0.3"), Port: 7000, Nonce: 5}
)

// countingProvider wraps a ClientProvider and counts forced refreshes.
type countingProvider struct {
	inner  auth.ClientProvider
	calls  atomic.Int32
	forced atomic.Int32
}

func (p *countingProvider) Authorizer(peer protocol.EntityType, forceNew bool) (auth.Authorizer, error) {
	p.calls.Add(1)
	if forceNew {
		p.forced.Add(1)
	}
	return p.inner.Authorizer(peer, forceNew)
}
