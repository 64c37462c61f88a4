package msgr

import (
	"fmt"
	"time"

	"github.com/danmuck/edgemsgr/internal/observability"
	"github.com/danmuck/edgemsgr/internal/protocol"
	"github.com/danmuck/edgemsgr/internal/protocol/frame"
)

// readLoop runs the framing phase of attempt a until the transport fails or
// the attempt is superseded.
func (c *Connection) readLoop(a *attempt) error {
	m := c.msgr
	for {
		if d := m.cfg.SessionDeadAfter; d > 0 {
			_ = a.conn.SetReadDeadline(time.Now().Add(d))
		}
		tag, err := frame.ReadTag(a.rd)
		if err != nil {
			return err
		}
		switch tag {
		case protocol.TagMsg:
			if err := c.readMessage(a); err != nil {
				return err
			}
		case protocol.TagAck:
			seq, err := frame.ReadSeq(a.rd)
			if err != nil {
				return err
			}
			if !c.lockIfCurrent(a) {
				return errStale
			}
			c.writeMu.Lock()
			acked := c.tracker.AckTrim(seq)
			c.writeMu.Unlock()
			c.mu.Unlock()
			completeAll(acked, nil)
		case protocol.TagKeepalive:
			if !c.lockIfCurrent(a) {
				return errStale
			}
			c.lastKeepalive = time.Now()
			c.mu.Unlock()
		case protocol.TagKeepalive2:
			stamp, err := frame.ReadKeepaliveStamp(a.rd)
			if err != nil {
				return err
			}
			if !c.lockIfCurrent(a) {
				return errStale
			}
			c.lastKeepalive = time.Now()
			c.writeMu.Lock()
			c.outBuf = frame.AppendKeepalive2(c.outBuf, protocol.TagKeepalive2Ack, stamp)
			c.writeMu.Unlock()
			c.mu.Unlock()
			a.notify()
		case protocol.TagKeepalive2Ack:
			stamp, err := frame.ReadKeepaliveStamp(a.rd)
			if err != nil {
				return err
			}
			if !c.lockIfCurrent(a) {
				return errStale
			}
			c.lastKeepaliveAck = stamp
			c.mu.Unlock()
		case protocol.TagClose:
			return permanent(ErrPeerClosed)
		default:
			return fmt.Errorf("%w: unexpected tag %s", ErrProtocol, tag)
		}
	}
}

type throttleStage struct {
	name string
	t    *Throttle
	n    int64
}

// admit takes the receive throttles in order. A stage that cannot be
// satisfied is retried every ThrottleRetry; stages already held are kept.
func (c *Connection) admit(a *attempt, size int64) (func(), error) {
	m := c.msgr
	c.mu.Lock()
	th := c.throttles
	c.mu.Unlock()
	if th == nil {
		th = &policyThrottles{}
	}
	stages := [...]throttleStage{
		{name: "policy_messages", t: th.messages, n: 1},
		{name: "policy_bytes", t: th.bytes, n: size},
		{name: "dispatch_bytes", t: m.dispatchThrottle, n: size},
	}
	taken := 0
	release := func() {
		for i := taken - 1; i >= 0; i-- {
			stages[i].t.Release(stages[i].n)
		}
	}

	retry := m.cfg.ThrottleRetry
	if retry <= 0 {
		retry = time.Millisecond
	}
	var timer *time.Timer
	for taken < len(stages) {
		s := stages[taken]
		if s.t.TryAcquire(s.n) {
			taken++
			continue
		}
		observability.RecordThrottleStall(m.nodeLabel, s.name)
		if timer == nil {
			timer = time.NewTimer(retry)
			defer timer.Stop()
		} else {
			timer.Reset(retry)
		}
		select {
		case <-a.done:
			release()
			return nil, errStale
		case <-timer.C:
		}
	}
	return release, nil
}

func (c *Connection) readMessage(a *attempt) error {
	m := c.msgr
	var hb [frame.HeaderLen]byte
	if err := frame.ReadFull(a.rd, hb[:]); err != nil {
		return err
	}
	h, err := frame.DecodeHeader(hb[:], m.cfg.CRC)
	if err != nil {
		return err
	}
	if err := m.cfg.Limits.CheckHeader(h); err != nil {
		return err
	}

	c.mu.Lock()
	features, security, lossy := c.features, c.security, c.policy.Lossy
	c.mu.Unlock()

	size := int64(h.FrontLen) + int64(h.MiddleLen) + int64(h.DataLen)
	release, err := c.admit(a, size)
	if err != nil {
		return err
	}

	msg, err := c.readSegments(a, h, features)
	if err == nil && security != nil {
		err = security.check(msg)
	}
	if err != nil {
		release()
		return err
	}

	if !c.lockIfCurrent(a) {
		release()
		return errStale
	}
	c.writeMu.Lock()
	in := c.tracker.InSeq
	if h.Seq <= in {
		c.writeMu.Unlock()
		c.mu.Unlock()
		release()
		observability.RecordDropped(m.nodeLabel, "old")
		c.log().Debug().Uint64("seq", h.Seq).Uint64("in_seq", in).Msg("msgr: dropping old message")
		if features.Has(protocol.FeatureReconnectSeq) && m.cfg.DieOnOldMessage {
			return fmt.Errorf("%w: seq %d, in_seq %d", ErrOldMessage, h.Seq, in)
		}
		return nil
	}
	if h.Seq > in+1 {
		observability.RecordDropped(m.nodeLabel, "skipped")
		c.log().Warn().Uint64("seq", h.Seq).Uint64("expected", in+1).Msg("msgr: skipped incoming sequence")
		if m.cfg.DieOnSkippedMessage {
			c.writeMu.Unlock()
			c.mu.Unlock()
			release()
			return fmt.Errorf("%w: seq %d, expected %d", ErrSkippedMessage, h.Seq, in+1)
		}
	}
	c.tracker.Admit(h.Seq)
	if !lossy {
		c.tracker.AckLeft++
	}
	c.writeMu.Unlock()
	c.mu.Unlock()
	if !lossy {
		a.notify()
	}

	wire := 1 + frame.HeaderLen + int(size) + frame.FooterLength(features)
	observability.RecordMessage(m.nodeLabel, observability.DirectionReceived, wire)
	m.dispatcher.Deliver(&Delivery{Message: msg, Conn: c, release: release})
	return nil
}

// readSegments reads the three segments and the footer after header h.
func (c *Connection) readSegments(a *attempt, h frame.Header, features protocol.Features) (*frame.Message, error) {
	msg := &frame.Message{Header: h}
	var err error
	if msg.Front, err = readSegment(a, int(h.FrontLen), nil); err != nil {
		return nil, err
	}
	if msg.Middle, err = readSegment(a, int(h.MiddleLen), nil); err != nil {
		return nil, err
	}
	if msg.Data, err = readSegment(a, int(h.DataLen), c.takeRxBuffer(h.Tid, int(h.DataLen))); err != nil {
		return nil, err
	}

	fb := make([]byte, frame.FooterLength(features))
	if err := frame.ReadFull(a.rd, fb); err != nil {
		return nil, err
	}
	f, err := frame.DecodeFooter(fb, features)
	if err != nil {
		return nil, err
	}
	msg.Footer = f
	if !f.Complete() {
		return nil, fmt.Errorf("%w: seq %d", frame.ErrAborted, h.Seq)
	}
	if err := msg.VerifySegments(c.msgr.cfg.CRC); err != nil {
		return nil, err
	}
	return msg, nil
}

func readSegment(a *attempt, n int, buf []byte) ([]byte, error) {
	if n == 0 {
		return nil, nil
	}
	if buf == nil {
		buf = make([]byte, n)
	}
	if err := frame.ReadFull(a.rd, buf); err != nil {
		return nil, err
	}
	return buf, nil
}
