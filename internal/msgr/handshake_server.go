package msgr

import (
	"errors"
	"fmt"
	"time"

	"github.com/danmuck/edgemsgr/internal/auth"
	"github.com/danmuck/edgemsgr/internal/observability"
	"github.com/danmuck/edgemsgr/internal/protocol"
	"github.com/danmuck/edgemsgr/internal/protocol/frame"
	"github.com/danmuck/edgemsgr/internal/protocol/session"
)

type serverStep int

const (
	serverSendBanner serverStep = iota
	serverAwaitBanner
	serverAwaitConnect
	serverAwaitSeq
	serverReady
	serverDone
)

func (s serverStep) String() string {
	switch s {
	case serverSendBanner:
		return "send_banner"
	case serverAwaitBanner:
		return "await_banner"
	case serverAwaitConnect:
		return "await_connect"
	case serverAwaitSeq:
		return "await_seq"
	case serverReady:
		return "ready"
	case serverDone:
		return "done"
	}
	return "unknown"
}

// serverHandshake drives one incoming handshake. It loops on connect
// requests until one is accepted or the transport fails.
type serverHandshake struct {
	c    *Connection
	a    *attempt
	step serverStep

	socketPeer protocol.EntityAddr
	peer       protocol.EntityAddr
	policy     Policy
	challenge  auth.Challenge
	verified   auth.Verified
	req        frame.ConnectRequest
	waitSeq    bool
}

func (c *Connection) runServerHandshake(a *attempt) error {
	h := &serverHandshake{c: c, a: a}
	return h.run()
}

func (h *serverHandshake) run() error {
	if d := h.c.msgr.cfg.HandshakeTimeout; d > 0 {
		_ = h.a.conn.SetDeadline(time.Now().Add(d))
	}
	for h.step != serverDone {
		from := h.step
		if err := h.advance(); err != nil {
			h.c.log().Debug().Err(err).Str("step", from.String()).Msg("msgr: server handshake failed")
			return err
		}
	}
	return nil
}

func (h *serverHandshake) advance() error {
	switch h.step {
	case serverSendBanner:
		h.socketPeer = protocol.AddrFromNet(h.a.conn.RemoteAddr())
		buf := frame.AppendBanner(nil)
		buf = frame.AppendAddr(buf, h.c.msgr.Addr())
		buf = frame.AppendAddr(buf, h.socketPeer)
		if err := h.a.write(buf); err != nil {
			return err
		}
		h.step = serverAwaitBanner
		return nil
	case serverAwaitBanner:
		return h.awaitBanner()
	case serverAwaitConnect:
		return h.awaitConnect()
	case serverAwaitSeq:
		return h.awaitSeq()
	case serverReady:
		return h.ready()
	}
	return fmt.Errorf("%w: server step %s", ErrProtocol, h.step)
}

func (h *serverHandshake) awaitBanner() error {
	if err := frame.ReadBanner(h.a.rd); err != nil {
		if errors.Is(err, frame.ErrBadBanner) {
			return permanent(err)
		}
		return err
	}
	peer, err := frame.ReadAddr(h.a.rd)
	if err != nil {
		return err
	}
	if peer.IsBlankIP() && h.socketPeer.IP.IsValid() {
		peer = peer.WithIP(h.socketPeer.IP)
	}
	h.peer = peer
	h.step = serverAwaitConnect
	return nil
}

func (h *serverHandshake) awaitConnect() error {
	c, m := h.c, h.c.msgr
	req, err := frame.ReadConnectRequest(h.a.rd, m.cfg.Limits)
	if err != nil {
		return err
	}
	h.req = req

	if !c.lockIfCurrent(h.a) {
		return errStale
	}
	c.setPeerLocked(h.peer, req.HostType)
	c.setPolicyLocked(m.policies.Lookup(req.HostType))
	h.policy = c.policy
	c.mu.Unlock()

	c.log().Debug().
		Uint32("gseq", req.GlobalSeq).
		Uint32("cseq", req.ConnectSeq).
		Bool("lossy", h.policy.Lossy).
		Bool("server", h.policy.Server).
		Msg("msgr: connect request")

	h.verified = auth.Verified{}
	if req.ProtocolVersion != m.protoVersion {
		return h.reply(protocol.TagBadProtoVer, 0, 0)
	}
	if missing := req.Features.Missing(h.policy.FeaturesRequired); missing != 0 {
		c.log().Info().Str("missing", missing.String()).Msg("msgr: peer lacks required features")
		return h.reply(protocol.TagFeatures, 0, 0)
	}
	if m.verifier != nil {
		var ch *auth.Challenge
		if req.Features.Has(protocol.FeatureAuthChallenge) {
			ch = &h.challenge
		}
		hadChallenge := ch.Issued()
		v, err := m.verifier.Verify(req.HostType, req.AuthorizerProtocol, req.Authorizer, ch)
		if err != nil {
			if ch != nil && !hadChallenge && ch.Issued() {
				h.verified = auth.Verified{Reply: v.Reply}
				return h.reply(protocol.TagChallengeAuthorizer, 0, 0)
			}
			c.log().Info().Err(err).Msg("msgr: bad authorizer")
			return h.reply(protocol.TagBadAuthorizer, 0, 0)
		}
		h.verified = v
	}
	return h.arbitrate()
}

// reply answers the connect request without opening and waits for the next
// one.
func (h *serverHandshake) reply(tag protocol.Tag, gseq, cseq uint32) error {
	m := h.c.msgr
	r := frame.ConnectReply{
		Tag:             tag,
		Features:        (h.req.Features & h.policy.FeaturesSupported) | h.policy.FeaturesRequired,
		HostType:        m.name.Type,
		GlobalSeq:       gseq,
		ConnectSeq:      cseq,
		ProtocolVersion: m.protoVersion,
		Authorizer:      h.verified.Reply,
	}
	observability.RecordHandshakeReply(m.nodeLabel, "server", tag.String())
	h.c.log().Debug().Str("tag", tag.String()).Uint32("gseq", gseq).Uint32("cseq", cseq).Msg("msgr: connect reply")
	if err := h.a.write(frame.AppendConnectReply(nil, r)); err != nil {
		return err
	}
	h.step = serverAwaitConnect
	return nil
}

// arbitrate resolves the request against the connection registered for the
// peer, then replies, opens, or replaces.
func (h *serverHandshake) arbitrate() error {
	c, m := h.c, h.c.msgr
	for {
		existing := m.Lookup(h.peer)
		if existing == c {
			existing = nil
		}

		if existing == nil {
			if !c.lockIfCurrent(h.a) {
				return errStale
			}
			d := arbitrate(arbiterInput{
				ReqGlobalSeq:  h.req.GlobalSeq,
				ReqConnectSeq: h.req.ConnectSeq,
				PeerAddr:      h.peer,
				MyAddr:        m.Addr(),
				ResetCheck:    h.policy.ResetCheck,
				Replacing:     c.replacing,
			})
			observability.RecordArbitration(m.nodeLabel, d.Outcome)
			if d.Action == arbiterReply {
				c.mu.Unlock()
				return h.reply(d.Reply, d.GlobalSeq, d.ConnectSeq)
			}
			if _, ok := m.register(c, h.peer); !ok {
				c.mu.Unlock()
				return ErrRegistryRace
			}
			var after afterUnlock
			return h.open(d, &after)
		}

		lockPair(c, existing)
		if c.cur != h.a {
			unlockPair(c, existing)
			return errStale
		}
		if m.Lookup(h.peer) != existing {
			unlockPair(c, existing)
			continue
		}
		in := arbiterInput{
			ReqGlobalSeq:      h.req.GlobalSeq,
			ReqConnectSeq:     h.req.ConnectSeq,
			PeerAddr:          h.peer,
			MyAddr:            m.Addr(),
			ResetCheck:        h.policy.ResetCheck,
			Replacing:         c.replacing,
			HasExisting:       true,
			ExistingState:     existing.state,
			ExistingReplacing: existing.replacing,
			ExistingLossy:     existing.policy.Lossy,
			ExistingServer:    existing.policy.Server,
		}
		existing.writeMu.Lock()
		in.ExistingConnectSeq = existing.tracker.ConnectSeq
		in.ExistingPeerGlobalSeq = existing.tracker.PeerGlobalSeq
		existing.writeMu.Unlock()

		d := arbitrate(in)
		observability.RecordArbitration(m.nodeLabel, d.Outcome)
		c.log().Debug().
			Uint64("existing", existing.id).
			Str("existing_state", existing.state.String()).
			Str("outcome", d.Outcome).
			Str("action", d.Action.String()).
			Msg("msgr: arbitration")

		var after afterUnlock
		switch d.Action {
		case arbiterReply:
			unlockPair(c, existing)
			return h.reply(d.Reply, d.GlobalSeq, d.ConnectSeq)
		case arbiterOpen:
			ok := m.swap(existing, c)
			existing.mu.Unlock()
			if !ok {
				c.mu.Unlock()
				return ErrRegistryRace
			}
			return h.open(d, &after)
		}

		if existing.policy.Lossy {
			existing.stopLocked(ErrConnectionClosed, &after)
			after.add(func() { m.dispatcher.HandleReset(existing) })
			existing.mu.Unlock()
			if _, ok := m.register(c, h.peer); !ok {
				c.mu.Unlock()
				after.run()
				return ErrRegistryRace
			}
			return h.open(d, &after)
		}

		if d.ResetExisting {
			existing.sessionResetLocked(&after)
		}
		existing.writeMu.Lock()
		moved := existing.tracker
		existing.writeMu.Unlock()
		c.writeMu.Lock()
		c.tracker = moved
		requeued := moved.RequeueSent()
		c.writeMu.Unlock()
		c.replacing = true
		c.onceReady = existing.onceReady
		for tid, buf := range existing.rxBuffers {
			c.rxBuffers[tid] = buf
		}
		existing.retireLocked(c)
		ok := m.swap(existing, c)
		existing.mu.Unlock()
		if !ok {
			c.mu.Unlock()
			after.run()
			return ErrRegistryRace
		}
		c.log().Info().Uint64("replaced", existing.id).Int("requeued", requeued).Msg("msgr: replaced existing connection")
		return h.open(d, &after)
	}
}

// open accepts the request. It is entered with c.mu held and the connection
// registered, and returns with it released.
func (h *serverHandshake) open(d arbiterDecision, after *afterUnlock) error {
	c, m := h.c, h.c.msgr
	req := h.req

	c.writeMu.Lock()
	c.tracker.ConnectSeq = req.ConnectSeq + 1
	c.tracker.PeerGlobalSeq = req.GlobalSeq
	tag := protocol.TagReady
	var discarded []*session.Entry
	if req.Features.Has(protocol.FeatureReconnectSeq) && !d.ResetFromPeer {
		tag = protocol.TagSeq
	} else {
		discarded = c.tracker.DiscardRequeuedUpTo(0)
		c.tracker.InSeq = 0
	}
	cseq, inSeq := c.tracker.ConnectSeq, c.tracker.InSeq
	c.writeMu.Unlock()
	h.waitSeq = tag == protocol.TagSeq

	c.features = h.policy.FeaturesSupported & req.Features
	c.security = newSessionSecurity(h.verified.SessionKey, c.features)
	reply := frame.ConnectReply{
		Tag:                tag,
		Features:           h.policy.FeaturesSupported,
		HostType:           m.name.Type,
		GlobalSeq:          m.GlobalSeq(0),
		ConnectSeq:         cseq,
		ProtocolVersion:    m.protoVersion,
		AuthorizerProtocol: req.AuthorizerProtocol,
		Authorizer:         h.verified.Reply,
	}
	if h.policy.Lossy {
		reply.Flags |= protocol.ConnectFlagLossy
	}
	c.mu.Unlock()
	completeAll(discarded, nil)
	after.run()

	buf := frame.AppendConnectReply(nil, reply)
	if h.waitSeq {
		buf = frame.AppendSeq(buf, inSeq)
	}
	observability.RecordHandshakeReply(m.nodeLabel, "server", tag.String())
	if err := h.a.write(buf); err != nil {
		return err
	}

	if !c.lockIfCurrent(h.a) {
		return errStale
	}
	c.onceReady = true
	c.mu.Unlock()
	m.dispatcher.HandleAccept(c)

	if h.waitSeq {
		h.step = serverAwaitSeq
	} else {
		h.step = serverReady
	}
	return nil
}

func (h *serverHandshake) awaitSeq() error {
	c := h.c
	acked, err := frame.ReadSeq(h.a.rd)
	if err != nil {
		return err
	}
	c.writeMu.Lock()
	discarded := c.tracker.DiscardRequeuedUpTo(acked)
	c.writeMu.Unlock()
	completeAll(discarded, nil)
	c.log().Debug().Uint64("acked", acked).Int("discarded", len(discarded)).Msg("msgr: seq exchange")
	h.step = serverReady
	return nil
}

func (h *serverHandshake) ready() error {
	c, m := h.c, h.c.msgr
	if !c.lockIfCurrent(h.a) {
		return errStale
	}
	c.openLocked(h.a)
	features, lossy := c.features, c.policy.Lossy
	c.mu.Unlock()

	observability.RecordHandshake(m.nodeLabel, "server", time.Since(h.a.started))
	c.log().Info().
		Bool("lossy", lossy).
		Str("features", features.String()).
		Msg("msgr: session accepted")
	h.step = serverDone
	return nil
}
