package msgr

import (
	"errors"
	"fmt"
	"time"

	"github.com/danmuck/edgemsgr/internal/auth"
	"github.com/danmuck/edgemsgr/internal/observability"
	"github.com/danmuck/edgemsgr/internal/protocol"
	"github.com/danmuck/edgemsgr/internal/protocol/frame"
)

type clientStep int

const (
	clientSendBanner clientStep = iota
	clientAwaitBanner
	clientSendAddr
	clientSendConnect
	clientAwaitReply
	clientAwaitAckSeq
	clientReady
	clientDone
)

func (s clientStep) String() string {
	switch s {
	case clientSendBanner:
		return "send_banner"
	case clientAwaitBanner:
		return "await_banner"
	case clientSendAddr:
		return "send_addr"
	case clientSendConnect:
		return "send_connect"
	case clientAwaitReply:
		return "await_reply"
	case clientAwaitAckSeq:
		return "await_ack_seq"
	case clientReady:
		return "ready"
	case clientDone:
		return "done"
	}
	return "unknown"
}

// clientHandshake drives one outgoing handshake over an attached transport.
type clientHandshake struct {
	c    *Connection
	a    *attempt
	step clientStep

	peer       protocol.EntityAddr
	peerType   protocol.EntityType
	policy     Policy
	authz      auth.Authorizer
	forceNew   bool
	gotBadAuth bool

	req   frame.ConnectRequest
	reply frame.ConnectReply
}

func (c *Connection) runClientHandshake(a *attempt) error {
	c.mu.Lock()
	h := &clientHandshake{
		c:        c,
		a:        a,
		peer:     c.peerAddr,
		peerType: c.peerType,
		policy:   c.policy,
	}
	c.mu.Unlock()
	return h.run()
}

func (h *clientHandshake) run() error {
	m := h.c.msgr
	if d := m.cfg.HandshakeTimeout; d > 0 {
		_ = h.a.conn.SetDeadline(time.Now().Add(d))
	}
	h.c.writeMu.Lock()
	h.c.tracker.GlobalSeq = m.GlobalSeq(0)
	h.c.writeMu.Unlock()

	for h.step != clientDone {
		from := h.step
		if err := h.advance(); err != nil {
			h.c.log().Debug().Err(err).Str("step", from.String()).Msg("msgr: client handshake failed")
			return err
		}
	}
	return nil
}

func (h *clientHandshake) advance() error {
	switch h.step {
	case clientSendBanner:
		if err := h.a.write(frame.AppendBanner(nil)); err != nil {
			return err
		}
		h.step = clientAwaitBanner
		return nil
	case clientAwaitBanner:
		return h.awaitBanner()
	case clientSendAddr:
		if err := h.a.write(frame.AppendAddr(nil, h.c.msgr.Addr())); err != nil {
			return err
		}
		h.step = clientSendConnect
		return nil
	case clientSendConnect:
		return h.sendConnect()
	case clientAwaitReply:
		return h.awaitReply()
	case clientAwaitAckSeq:
		return h.exchangeSeq()
	case clientReady:
		return h.ready()
	}
	return fmt.Errorf("%w: client step %s", ErrProtocol, h.step)
}

func (h *clientHandshake) awaitBanner() error {
	rd := h.a.rd
	if err := frame.ReadBanner(rd); err != nil {
		if errors.Is(err, frame.ErrBadBanner) {
			return permanent(err)
		}
		return err
	}
	peer, err := frame.ReadAddr(rd)
	if err != nil {
		return err
	}
	me, err := frame.ReadAddr(rd)
	if err != nil {
		return err
	}
	if !peer.Equal(h.peer) && !peer.SameEndpointBlankIP(h.peer) {
		return fmt.Errorf("%w: dialed %s, peer is %s", ErrPeerAddrMismatch, h.peer, peer)
	}
	h.c.msgr.learnedAddr(me)
	h.step = clientSendAddr
	return nil
}

func (h *clientHandshake) sendConnect() error {
	c, m := h.c, h.c.msgr
	if h.authz == nil && m.auth != nil {
		az, err := m.auth.Authorizer(h.peerType, h.forceNew)
		if err != nil {
			return fmt.Errorf("msgr: build authorizer: %w", err)
		}
		h.authz = az
	}

	c.writeMu.Lock()
	h.req = frame.ConnectRequest{
		Features:        h.policy.FeaturesSupported,
		HostType:        m.name.Type,
		GlobalSeq:       c.tracker.GlobalSeq,
		ConnectSeq:      c.tracker.ConnectSeq,
		ProtocolVersion: m.protoVersion,
	}
	c.writeMu.Unlock()
	if h.policy.Lossy {
		h.req.Flags |= protocol.ConnectFlagLossy
	}
	if h.authz != nil {
		h.req.AuthorizerProtocol = h.authz.Protocol()
		h.req.Authorizer = h.authz.Payload()
	}

	c.log().Debug().
		Uint32("gseq", h.req.GlobalSeq).
		Uint32("cseq", h.req.ConnectSeq).
		Msg("msgr: sending connect")
	if err := h.a.write(frame.AppendConnectRequest(nil, h.req)); err != nil {
		return err
	}
	h.step = clientAwaitReply
	return nil
}

func (h *clientHandshake) awaitReply() error {
	c, m := h.c, h.c.msgr
	reply, err := frame.ReadConnectReply(h.a.rd, m.cfg.Limits)
	if err != nil {
		return err
	}
	h.reply = reply
	observability.RecordHandshakeReply(m.nodeLabel, "client", reply.Tag.String())
	c.log().Debug().
		Str("tag", reply.Tag.String()).
		Uint32("gseq", reply.GlobalSeq).
		Uint32("cseq", reply.ConnectSeq).
		Msg("msgr: connect reply")

	if reply.Tag == protocol.TagChallengeAuthorizer {
		if h.authz == nil {
			return fmt.Errorf("%w: challenge without authorizer", ErrProtocol)
		}
		if err := h.authz.AddChallenge(reply.Authorizer); err != nil {
			return fmt.Errorf("%w: %v", ErrAuthRejected, err)
		}
		h.step = clientSendConnect
		return nil
	}
	if h.authz != nil && len(reply.Authorizer) > 0 {
		if err := h.authz.VerifyReply(reply.Authorizer); err != nil {
			return fmt.Errorf("%w: reply proof: %v", ErrAuthRejected, err)
		}
	}

	switch reply.Tag {
	case protocol.TagFeatures:
		return permanent(fmt.Errorf("%w: peer requires %s", ErrFeatures,
			reply.Features.Missing(h.req.Features)))
	case protocol.TagBadProtoVer:
		return permanent(fmt.Errorf("%w: ours %d, peer %d", ErrProtocolVersion,
			h.req.ProtocolVersion, reply.ProtocolVersion))
	case protocol.TagBadAuthorizer:
		if h.gotBadAuth {
			return permanent(ErrAuthRejected)
		}
		h.gotBadAuth = true
		h.authz = nil
		h.forceNew = true
		h.step = clientSendConnect
		return nil
	case protocol.TagResetSession:
		var after afterUnlock
		if !c.lockIfCurrent(h.a) {
			return errStale
		}
		c.sessionResetLocked(&after)
		c.mu.Unlock()
		after.run()
		h.step = clientSendConnect
		return nil
	case protocol.TagRetryGlobal:
		gseq := m.GlobalSeq(reply.GlobalSeq)
		c.writeMu.Lock()
		c.tracker.GlobalSeq = gseq
		c.writeMu.Unlock()
		c.log().Debug().Uint32("peer_gseq", reply.GlobalSeq).Uint32("gseq", gseq).Msg("msgr: retry global")
		h.step = clientSendConnect
		return nil
	case protocol.TagRetrySession:
		if reply.ConnectSeq <= h.req.ConnectSeq {
			return fmt.Errorf("%w: retry session to %d from %d", ErrProtocol, reply.ConnectSeq, h.req.ConnectSeq)
		}
		c.writeMu.Lock()
		c.tracker.ConnectSeq = reply.ConnectSeq
		c.writeMu.Unlock()
		h.step = clientSendConnect
		return nil
	case protocol.TagWait:
		if !c.lockIfCurrent(h.a) {
			return errStale
		}
		c.state = StateWait
		c.mu.Unlock()
		return errPeerWait
	case protocol.TagSeq, protocol.TagReady:
		if missing := reply.Features.Missing(h.policy.FeaturesRequired); missing != 0 {
			return permanent(fmt.Errorf("%w: peer lacks %s", ErrFeatures, missing))
		}
		if reply.Tag == protocol.TagSeq {
			h.step = clientAwaitAckSeq
		} else {
			h.step = clientReady
		}
		return nil
	}
	return fmt.Errorf("%w: unexpected connect reply %s", ErrProtocol, reply.Tag)
}

// exchangeSeq reads what the peer already has of our requeued messages and
// tells it what we have of its.
func (h *clientHandshake) exchangeSeq() error {
	c := h.c
	acked, err := frame.ReadSeq(h.a.rd)
	if err != nil {
		return err
	}
	c.writeMu.Lock()
	discarded := c.tracker.DiscardRequeuedUpTo(acked)
	in := c.tracker.InSeq
	c.writeMu.Unlock()
	completeAll(discarded, nil)
	c.log().Debug().Uint64("acked", acked).Uint64("in_seq", in).Int("discarded", len(discarded)).Msg("msgr: seq exchange")

	if err := h.a.write(frame.AppendSeq(nil, in)); err != nil {
		return err
	}
	h.step = clientReady
	return nil
}

func (h *clientHandshake) ready() error {
	c, m := h.c, h.c.msgr
	if !c.lockIfCurrent(h.a) {
		return errStale
	}
	c.writeMu.Lock()
	c.tracker.PeerGlobalSeq = h.reply.GlobalSeq
	c.tracker.ConnectSeq++
	cseq := c.tracker.ConnectSeq
	c.writeMu.Unlock()
	if cseq != h.reply.ConnectSeq {
		c.mu.Unlock()
		return fmt.Errorf("%w: connect seq %d, peer says %d", ErrProtocol, cseq, h.reply.ConnectSeq)
	}

	c.policy.Lossy = h.reply.Lossy()
	c.onceReady = true
	c.backoff.Reset()
	c.features = h.reply.Features & h.req.Features
	var key []byte
	if h.authz != nil {
		key = h.authz.SessionKey()
	}
	c.security = newSessionSecurity(key, c.features)
	c.openLocked(h.a)
	features, lossy := c.features, c.policy.Lossy
	c.mu.Unlock()

	observability.RecordHandshake(m.nodeLabel, "client", time.Since(h.a.started))
	c.log().Info().
		Uint32("cseq", cseq).
		Bool("lossy", lossy).
		Str("features", features.String()).
		Msg("msgr: session open")
	h.step = clientDone
	m.dispatcher.HandleConnect(c)
	return nil
}
