package msgr

import (
	"time"

	"github.com/danmuck/edgemsgr/internal/observability"
	"github.com/danmuck/edgemsgr/internal/protocol"
	"github.com/danmuck/edgemsgr/internal/protocol/frame"
	"github.com/danmuck/edgemsgr/internal/protocol/session"
)

// writeLoop drains the connection onto attempt a. Framing happens under
// writeMu; the socket write does not.
func (c *Connection) writeLoop(a *attempt) {
	m := c.msgr
	defer m.wg.Done()
	batch := session.NewBatch(m.cfg.CoalesceThreshold)
	for {
		select {
		case <-a.done:
			return
		case <-a.wake:
		}
		for {
			fill, ok := c.fill(a, batch)
			if !ok {
				return
			}
			if batch.Len() == 0 {
				break
			}
			n := batch.Len()
			if d := m.cfg.WriteTimeout; d > 0 {
				_ = a.conn.SetWriteDeadline(time.Now().Add(d))
			}
			bufs := batch.Buffers()
			_, err := bufs.WriteTo(a.conn)
			batch.Reset()
			if err != nil {
				completeAll(fill.lossy, err)
				c.fault(a, err)
				return
			}
			completeAll(fill.lossy, nil)
			observability.RecordMessages(m.nodeLabel, observability.DirectionSent, fill.messages)
			observability.RecordWireBytes(m.nodeLabel, observability.DirectionSent, n)
			if !fill.more {
				break
			}
		}
	}
}

type fillResult struct {
	messages int
	// lossy entries complete once the write returns.
	lossy []*session.Entry
	more  bool
}

// fill frames everything owed to the peer into b: a pending keepalive,
// control records, queued messages up to MaxWriteBatch, and the ack.
func (c *Connection) fill(a *attempt, b *session.Batch) (fillResult, bool) {
	var res fillResult
	limit := c.msgr.cfg.MaxWriteBatch

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if c.writer != a {
		return res, false
	}
	if c.keepalivePending {
		c.keepalivePending = false
		if c.wopts.Features.Has(protocol.FeatureKeepalive2) {
			b.SetTail(frame.AppendKeepalive2(b.Tail(), protocol.TagKeepalive2, time.Now()))
		} else {
			b.SetTail(frame.AppendTag(b.Tail(), protocol.TagKeepalive))
		}
	}
	if len(c.outBuf) > 0 {
		b.Append(c.outBuf)
		c.outBuf = nil
	}
	for limit <= 0 || b.Len() < limit {
		e, ok := c.tracker.NextOutgoing()
		if !ok {
			break
		}
		c.tracker.AssignAndFrame(b, e, c.wopts)
		res.messages++
		if c.wopts.Lossy {
			res.lossy = append(res.lossy, e)
		}
	}
	res.more = c.tracker.Queued() > 0
	if seq, ok := c.tracker.TakeAck(); ok {
		b.SetTail(frame.AppendAck(b.Tail(), seq))
	}
	return res, true
}
