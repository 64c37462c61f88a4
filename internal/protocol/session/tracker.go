package session

import (
	"math/rand"

	"github.com/danmuck/edgemsgr/internal/protocol"
	"github.com/danmuck/edgemsgr/internal/protocol/frame"
)

// SeqMask bounds a randomized out_seq after a session reset.
const SeqMask = 0x7fffffff

// Verdict is the outcome of admitting an incoming sequence number.
type Verdict int

const (
	InOrder Verdict = iota
	Gap
	Duplicate
)

func (v Verdict) String() string {
	switch v {
	case InOrder:
		return "in_order"
	case Gap:
		return "gap"
	case Duplicate:
		return "duplicate"
	}
	return "unknown"
}

// FrameOptions carries the negotiated session parameters used when an entry
// is put on the wire.
type FrameOptions struct {
	Lossy    bool
	Features protocol.Features
	CRC      frame.CRCFlags
	// Sign fills the footer signature; nil when the session is unsigned.
	Sign func(*frame.Message)
}

// Tracker is the sequence and queue state of one session.
type Tracker struct {
	InSeq         uint64
	OutSeq        uint64
	ConnectSeq    uint32
	GlobalSeq     uint32
	PeerGlobalSeq uint32
	// AckLeft counts messages received since the last ack went out.
	AckLeft uint64

	queue OutgoingQueue
	sent  []*Entry
}

func NewTracker() *Tracker {
	return &Tracker{}
}

// Prepare computes segment checksums ahead of time so that framing under the
// write lock only seals the header.
func (e *Entry) Prepare(crc frame.CRCFlags) {
	e.Message.Seal(crc)
	e.prepared = true
}

// Enqueue adds an entry to its priority lane.
func (t *Tracker) Enqueue(e *Entry) {
	t.queue.Push(e)
}

// NextOutgoing pops the next entry to transmit.
func (t *Tracker) NextOutgoing() (*Entry, bool) {
	return t.queue.Pop()
}

// AssignAndFrame gives e the next outgoing sequence number, seals and signs
// it, records it as sent on reliable sessions, and appends the MSG frame to b.
func (t *Tracker) AssignAndFrame(b *Batch, e *Entry, opts FrameOptions) uint64 {
	t.OutSeq++
	m := e.Message
	m.Header.Seq = t.OutSeq
	if e.prepared {
		m.Reseal(opts.CRC)
	} else {
		m.Seal(opts.CRC)
		e.prepared = true
	}
	if opts.Sign != nil {
		opts.Sign(m)
	}
	if !opts.Lossy {
		t.sent = append(t.sent, e)
	}

	tail := append(b.Tail(), byte(protocol.TagMsg))
	b.SetTail(frame.AppendHeader(tail, m.Header))
	b.AppendSegment(m.Front)
	b.AppendSegment(m.Middle)
	b.AppendSegment(m.Data)
	b.SetTail(frame.AppendFooter(b.Tail(), m.Footer, opts.Features))
	return m.Header.Seq
}

// AckTrim removes and returns the prefix of sent with seq <= seq.
func (t *Tracker) AckTrim(seq uint64) []*Entry {
	n := 0
	for n < len(t.sent) && t.sent[n].seq() <= seq {
		n++
	}
	if n == 0 {
		return nil
	}
	acked := make([]*Entry, n)
	copy(acked, t.sent[:n])
	t.sent = t.sent[n:]
	return acked
}

// RequeueSent moves every unacknowledged entry, in order, to the front of
// the highest priority lane and rewinds OutSeq so the entries are
// renumbered identically on retransmit.
func (t *Tracker) RequeueSent() int {
	n := len(t.sent)
	if n == 0 {
		return 0
	}
	t.queue.PushFront(protocol.PriorityHighest, t.sent)
	t.OutSeq -= uint64(n)
	t.sent = nil
	return n
}

// DiscardRequeuedUpTo drops requeued entries the peer already has and sets
// OutSeq to match. With nothing requeued OutSeq becomes seq.
func (t *Tracker) DiscardRequeuedUpTo(seq uint64) []*Entry {
	if !t.queue.HasLane(protocol.PriorityHighest) {
		t.OutSeq = seq
		return nil
	}
	var discarded []*Entry
	count := t.OutSeq
	for {
		e, ok := t.queue.Front(protocol.PriorityHighest)
		if !ok || e.seq() == 0 || e.seq() > seq {
			break
		}
		t.queue.PopFront(protocol.PriorityHighest)
		discarded = append(discarded, e)
		count++
	}
	t.OutSeq = count
	return discarded
}

// Admit classifies an incoming sequence number. InOrder and Gap advance
// InSeq; Duplicate leaves it untouched.
func (t *Tracker) Admit(seq uint64) Verdict {
	switch {
	case seq <= t.InSeq:
		return Duplicate
	case seq > t.InSeq+1:
		t.InSeq = seq
		return Gap
	default:
		t.InSeq = seq
		return InOrder
	}
}

// TakeAck returns InSeq if an ack is owed and clears the backlog.
func (t *Tracker) TakeAck() (uint64, bool) {
	if t.AckLeft == 0 {
		return 0, false
	}
	t.AckLeft = 0
	return t.InSeq, true
}

// DiscardAll empties the sent list and the queue, returning the entries so
// the caller can fail their callbacks outside its locks.
func (t *Tracker) DiscardAll() []*Entry {
	out := append([]*Entry(nil), t.sent...)
	t.sent = nil
	return append(out, t.queue.Drain()...)
}

// Reset discards the session. With randomize set OutSeq restarts at a random
// value below SeqMask so header checksums are not predictable.
func (t *Tracker) Reset(randomize bool, rng *rand.Rand) []*Entry {
	discarded := t.DiscardAll()
	t.OutSeq = 0
	if randomize {
		if rng != nil {
			t.OutSeq = uint64(rng.Int63n(SeqMask + 1))
		} else {
			t.OutSeq = uint64(rand.Int63n(SeqMask + 1))
		}
	}
	t.InSeq = 0
	t.ConnectSeq = 0
	t.AckLeft = 0
	return discarded
}

// Queued is the number of entries waiting for transmission.
func (t *Tracker) Queued() int {
	return t.queue.Len()
}

// Unacked is the number of entries sent but not yet acknowledged.
func (t *Tracker) Unacked() int {
	return len(t.sent)
}

// SentSeqs lists the sequence numbers awaiting acknowledgement.
func (t *Tracker) SentSeqs() []uint64 {
	out := make([]uint64, len(t.sent))
	for i, e := range t.sent {
		out[i] = e.seq()
	}
	return out
}

// Lane returns a copy of one priority lane.
func (t *Tracker) Lane(priority uint16) []*Entry {
	return t.queue.Lane(priority)
}
