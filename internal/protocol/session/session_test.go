package session

import (
	"bytes"
	"errors"
	"math/rand"
	"testing"
	"time"

	"github.com/danmuck/edgemsgr/internal/protocol"
	"github.com/danmuck/edgemsgr/internal/protocol/frame"
	"github.com/danmuck/edgemsgr/internal/testutil/testlog"
)

func TestNextBackoffDelayDeterministicNoJitter(t *testing.T) {
	testlog.Start(t)
	cfg := BackoffConfig{
		InitialDelay: 250 * time.Millisecond,
		Multiplier:   2.0,
		MaxDelay:     5 * time.Second,
		Jitter:       false,
	}
	if got := NextBackoffDelay(cfg, 1, nil); got != 250*time.Millisecond {
		t.Fatalf("attempt1 got=%v", got)
	}
	if got := NextBackoffDelay(cfg, 2, nil); got != 500*time.Millisecond {
		t.Fatalf("attempt2 got=%v", got)
	}
	if got := NextBackoffDelay(cfg, 3, nil); got != time.Second {
		t.Fatalf("attempt3 got=%v", got)
	}
	if got := NextBackoffDelay(cfg, 6, nil); got != 5*time.Second {
		t.Fatalf("attempt6 got=%v", got)
	}
}

func TestNextBackoffDelayJitterRange(t *testing.T) {
	testlog.Start(t)
	cfg := BackoffConfig{
		InitialDelay: 250 * time.Millisecond,
		Multiplier:   2.0,
		MaxDelay:     5 * time.Second,
		Jitter:       true,
	}
	rng := rand.New(rand.NewSource(7))
	got := NextBackoffDelay(cfg, 1, rng)
	if got < 125*time.Millisecond || got > 375*time.Millisecond {
		t.Fatalf("jitter out of range: %v", got)
	}
}

func TestBackoffPinAndReset(t *testing.T) {
	testlog.Start(t)
	b := NewBackoff(BackoffConfig{InitialDelay: 100 * time.Millisecond, Multiplier: 2, MaxDelay: time.Second}, nil)
	if got := b.Next(); got != 100*time.Millisecond {
		t.Fatalf("first delay got=%v", got)
	}
	if got := b.Next(); got != 200*time.Millisecond {
		t.Fatalf("second delay got=%v", got)
	}
	if got := b.Pin(); got != time.Second {
		t.Fatalf("pin got=%v", got)
	}
	if got := b.Next(); got != time.Second {
		t.Fatalf("pinned next got=%v", got)
	}
	b.Reset()
	if got := b.Next(); got != 100*time.Millisecond {
		t.Fatalf("after reset got=%v", got)
	}
}

func newEntry(prio uint16, tid uint64) *Entry {
	return &Entry{Message: &frame.Message{
		Header: frame.Header{Priority: prio, Tid: tid, Type: 1},
		Front:  []byte{byte(tid)},
	}}
}

func frameAll(t *testing.T, tr *Tracker, opts FrameOptions) []uint64 {
	t.Helper()
	var seqs []uint64
	b := NewBatch(64)
	for {
		e, ok := tr.NextOutgoing()
		if !ok {
			return seqs
		}
		seqs = append(seqs, tr.AssignAndFrame(b, e, opts))
	}
}

func TestQueueDrainsByPriorityThenFIFO(t *testing.T) {
	testlog.Start(t)
	tr := NewTracker()
	tr.Enqueue(newEntry(protocol.PriorityLow, 1))
	tr.Enqueue(newEntry(protocol.PriorityHigh, 2))
	tr.Enqueue(newEntry(protocol.PriorityLow, 3))
	tr.Enqueue(newEntry(protocol.PriorityHigh, 4))
	tr.Enqueue(newEntry(protocol.PriorityDefault, 5))

	var order []uint64
	for {
		e, ok := tr.NextOutgoing()
		if !ok {
			break
		}
		order = append(order, e.Message.Header.Tid)
	}
	want := []uint64{2, 4, 5, 1, 3}
	for i := range want {
		if order[i] != want[i] {
			t.Fatalf("unexpected drain order: got=%v want=%v", order, want)
		}
	}
	if tr.Queued() != 0 {
		t.Fatalf("queue must be empty, got %d", tr.Queued())
	}
}

func TestAckTrimExactPrefixAndIdempotent(t *testing.T) {
	testlog.Start(t)
	tr := NewTracker()
	for i := uint64(1); i <= 4; i++ {
		tr.Enqueue(newEntry(protocol.PriorityDefault, i))
	}
	frameAll(t, tr, FrameOptions{CRC: frame.CRCAll})

	acked := tr.AckTrim(2)
	if len(acked) != 2 || acked[0].Message.Header.Seq != 1 || acked[1].Message.Header.Seq != 2 {
		t.Fatalf("unexpected acked entries: %d", len(acked))
	}
	if got := tr.AckTrim(2); len(got) != 0 {
		t.Fatalf("second trim must be a no-op, removed %d", len(got))
	}
	if got := tr.AckTrim(1); len(got) != 0 {
		t.Fatalf("stale trim must be a no-op, removed %d", len(got))
	}
	seqs := tr.SentSeqs()
	if len(seqs) != 2 || seqs[0] != 3 || seqs[1] != 4 {
		t.Fatalf("unexpected remaining sent: %v", seqs)
	}
}

func TestRequeueAfterPartialAck(t *testing.T) {
	testlog.Start(t)
	tr := NewTracker()
	for i := uint64(1); i <= 3; i++ {
		tr.Enqueue(newEntry(protocol.PriorityDefault, i))
	}
	frameAll(t, tr, FrameOptions{CRC: frame.CRCAll})
	if tr.OutSeq != 3 {
		t.Fatalf("unexpected out_seq: %d", tr.OutSeq)
	}
	tr.AckTrim(1)

	if n := tr.RequeueSent(); n != 2 {
		t.Fatalf("unexpected requeue count: %d", n)
	}
	if tr.OutSeq != 1 {
		t.Fatalf("out_seq must rewind by two, got %d", tr.OutSeq)
	}
	lane := tr.Lane(protocol.PriorityHighest)
	if len(lane) != 2 || lane[0].Message.Header.Seq != 2 || lane[1].Message.Header.Seq != 3 {
		t.Fatalf("unexpected requeued lane")
	}
	if tr.Unacked() != 0 {
		t.Fatalf("sent must be empty after requeue")
	}

	// Retransmission assigns the same sequence numbers again.
	seqs := frameAll(t, tr, FrameOptions{CRC: frame.CRCAll})
	if len(seqs) != 2 || seqs[0] != 2 || seqs[1] != 3 {
		t.Fatalf("unexpected retransmit seqs: %v", seqs)
	}
}

func TestDiscardRequeuedUpTo(t *testing.T) {
	testlog.Start(t)
	tr := NewTracker()
	for i := uint64(1); i <= 4; i++ {
		tr.Enqueue(newEntry(protocol.PriorityDefault, i))
	}
	frameAll(t, tr, FrameOptions{CRC: frame.CRCAll})
	tr.Enqueue(newEntry(protocol.PriorityHighest, 9))
	tr.RequeueSent()

	discarded := tr.DiscardRequeuedUpTo(2)
	if len(discarded) != 2 {
		t.Fatalf("expected two discarded, got %d", len(discarded))
	}
	if tr.OutSeq != 2 {
		t.Fatalf("unexpected out_seq: %d", tr.OutSeq)
	}
	seqs := frameAll(t, tr, FrameOptions{CRC: frame.CRCAll})
	want := []uint64{3, 4, 5}
	for i := range want {
		if seqs[i] != want[i] {
			t.Fatalf("unexpected seqs after discard: got=%v want=%v", seqs, want)
		}
	}

	// The never-sent entry stops discarding.
	tr2 := NewTracker()
	tr2.Enqueue(newEntry(protocol.PriorityHighest, 1))
	tr2.OutSeq = 10
	if got := tr2.DiscardRequeuedUpTo(50); len(got) != 0 || tr2.OutSeq != 10 {
		t.Fatalf("unsent entry must not be discarded: n=%d out=%d", len(got), tr2.OutSeq)
	}

	tr3 := NewTracker()
	tr3.OutSeq = 10
	tr3.DiscardRequeuedUpTo(0)
	if tr3.OutSeq != 0 {
		t.Fatalf("empty requeue lane must adopt peer seq, got %d", tr3.OutSeq)
	}
}

func TestAdmitIsMonotonic(t *testing.T) {
	testlog.Start(t)
	tr := NewTracker()
	steps := []struct {
		seq  uint64
		want Verdict
		in   uint64
	}{
		{1, InOrder, 1},
		{1, Duplicate, 1},
		{2, InOrder, 2},
		{5, Gap, 5},
		{3, Duplicate, 5},
		{6, InOrder, 6},
	}
	for _, s := range steps {
		if got := tr.Admit(s.seq); got != s.want {
			t.Fatalf("admit %d got=%s want=%s", s.seq, got, s.want)
		}
		if tr.InSeq != s.in {
			t.Fatalf("admit %d in_seq got=%d want=%d", s.seq, tr.InSeq, s.in)
		}
	}
}

func TestLossyFramingKeepsNoSentList(t *testing.T) {
	testlog.Start(t)
	tr := NewTracker()
	tr.Enqueue(newEntry(protocol.PriorityDefault, 1))
	frameAll(t, tr, FrameOptions{Lossy: true, CRC: frame.CRCAll})
	if tr.Unacked() != 0 {
		t.Fatalf("lossy sessions must not retain sent entries")
	}
	if n := tr.RequeueSent(); n != 0 || tr.OutSeq != 1 {
		t.Fatalf("requeue on lossy must be a no-op: n=%d out=%d", n, tr.OutSeq)
	}
}

func TestResetDiscardsAndRandomizes(t *testing.T) {
	testlog.Start(t)
	tr := NewTracker()
	tr.Enqueue(newEntry(protocol.PriorityDefault, 1))
	frameAll(t, tr, FrameOptions{CRC: frame.CRCAll})
	tr.Enqueue(newEntry(protocol.PriorityDefault, 2))
	tr.InSeq, tr.ConnectSeq, tr.AckLeft = 7, 3, 2

	discarded := tr.Reset(true, rand.New(rand.NewSource(1)))
	if len(discarded) != 2 {
		t.Fatalf("expected two discarded, got %d", len(discarded))
	}
	if tr.InSeq != 0 || tr.ConnectSeq != 0 || tr.AckLeft != 0 {
		t.Fatalf("reset left state: %+v", tr)
	}
	if tr.OutSeq > SeqMask {
		t.Fatalf("random out_seq out of range: %d", tr.OutSeq)
	}
	tr.Reset(false, nil)
	if tr.OutSeq != 0 {
		t.Fatalf("non-random reset must zero out_seq")
	}
}

func TestEntryCompleteFiresOnce(t *testing.T) {
	testlog.Start(t)
	calls := 0
	var last error
	e := newEntry(protocol.PriorityDefault, 1)
	e.Done = func(err error) {
		calls++
		last = err
	}
	boom := errors.New("boom")
	e.Complete(boom)
	e.Complete(nil)
	if calls != 1 || !errors.Is(last, boom) {
		t.Fatalf("unexpected completion: calls=%d err=%v", calls, last)
	}
}

func TestBatchCoalescesSmallSegments(t *testing.T) {
	testlog.Start(t)
	tr := NewTracker()
	big := bytes.Repeat([]byte{0xab}, 100)
	e := newEntry(protocol.PriorityDefault, 1)
	e.Message.Data = big
	tr.Enqueue(e)
	tr.Enqueue(newEntry(protocol.PriorityDefault, 2))

	b := NewBatch(64)
	opts := FrameOptions{Features: protocol.FeatureMsgAuth, CRC: frame.CRCAll}
	for {
		next, ok := tr.NextOutgoing()
		if !ok {
			break
		}
		tr.AssignAndFrame(b, next, opts)
	}
	bufs := b.Buffers()
	if len(bufs) != 3 {
		t.Fatalf("expected prefix, referenced data, suffix; got %d buffers", len(bufs))
	}
	if &bufs[1][0] != &big[0] {
		t.Fatalf("large segment must be referenced, not copied")
	}
	want := 2*(1+frame.HeaderLen+frame.FooterLen) + 1 + 100 + 1
	if b.Len() != want {
		t.Fatalf("unexpected batch length: got=%d want=%d", b.Len(), want)
	}

	var out bytes.Buffer
	if _, err := bufs.WriteTo(&out); err != nil {
		t.Fatalf("write batch: %v", err)
	}
	r := bytes.NewReader(out.Bytes())
	tag, err := frame.ReadTag(r)
	if err != nil || tag != protocol.TagMsg {
		t.Fatalf("unexpected tag: %v %v", tag, err)
	}
	hb := make([]byte, frame.HeaderLen)
	if err := frame.ReadFull(r, hb); err != nil {
		t.Fatalf("read header: %v", err)
	}
	h, err := frame.DecodeHeader(hb, frame.CRCAll)
	if err != nil {
		t.Fatalf("decode header: %v", err)
	}
	if h.Seq != 1 || h.DataLen != 100 {
		t.Fatalf("unexpected header: %+v", h)
	}
}

func TestValidateTransport(t *testing.T) {
	testlog.Start(t)

	mutual := TLSConfig{Enabled: true, Mutual: true, CertFile: "osd.1.crt", KeyFile: "osd.1.key", CAFile: "ca.crt"}
	cases := []struct {
		name   string
		side   Side
		mutate func(*Config)
		want   error
	}{
		{name: "development plain dial", side: SideDial, mutate: func(*Config) {}},
		{name: "development plain accept", side: SideAccept, mutate: func(*Config) {}},
		{name: "unknown mode", side: SideAccept, mutate: func(c *Config) { c.SecurityMode = "strict" }, want: ErrInvalidSecurityMode},
		{name: "mode is normalized", side: SideDial, mutate: func(c *Config) { c.SecurityMode = " Development " }},
		{name: "production needs tls", side: SideDial, mutate: func(c *Config) { c.SecurityMode = SecurityModeProduction }, want: ErrTLSRequired},
		{
			name: "production needs mutual",
			side: SideAccept,
			mutate: func(c *Config) {
				c.SecurityMode = SecurityModeProduction
				c.TLS = TLSConfig{Enabled: true, CertFile: "c", KeyFile: "k"}
			},
			want: ErrMTLSRequired,
		},
		{
			name: "production dial cannot skip verify",
			side: SideDial,
			mutate: func(c *Config) {
				c.SecurityMode = SecurityModeProduction
				c.TLS = mutual
				c.TLS.InsecureSkipVerify = true
			},
			want: ErrTLSInsecureSkipNotAllow,
		},
		{
			name: "production bounds the handshake",
			side: SideAccept,
			mutate: func(c *Config) {
				c.SecurityMode = SecurityModeProduction
				c.TLS = mutual
				c.HandshakeTimeout = 0
			},
			want: ErrHandshakeUnbounded,
		},
		{
			name: "production checks headers",
			side: SideDial,
			mutate: func(c *Config) {
				c.SecurityMode = SecurityModeProduction
				c.TLS = mutual
				c.CRC = frame.CRCData
			},
			want: ErrCRCRequired,
		},
		{
			name: "production mutual",
			side: SideAccept,
			mutate: func(c *Config) {
				c.SecurityMode = SecurityModeProduction
				c.TLS = mutual
			},
		},
		{name: "mutual needs tls", side: SideDial, mutate: func(c *Config) { c.TLS.Mutual = true }, want: ErrTLSRequired},
		{name: "dial needs ca", side: SideDial, mutate: func(c *Config) { c.TLS.Enabled = true }, want: ErrTLSCAFileRequired},
		{
			name:   "dial may skip verify without ca",
			side:   SideDial,
			mutate: func(c *Config) { c.TLS = TLSConfig{Enabled: true, InsecureSkipVerify: true} },
		},
		{name: "accept needs leaf", side: SideAccept, mutate: func(c *Config) { c.TLS = TLSConfig{Enabled: true} }, want: ErrTLSCertFileRequired},
		{
			name:   "accept needs key",
			side:   SideAccept,
			mutate: func(c *Config) { c.TLS = TLSConfig{Enabled: true, CertFile: "c"} },
			want:   ErrTLSKeyFileRequired,
		},
		{
			name:   "mutual accept needs ca",
			side:   SideAccept,
			mutate: func(c *Config) { c.TLS = TLSConfig{Enabled: true, Mutual: true, CertFile: "c", KeyFile: "k"} },
			want:   ErrTLSCAFileRequired,
		},
		{
			name:   "mutual dial needs leaf",
			side:   SideDial,
			mutate: func(c *Config) { c.TLS = TLSConfig{Enabled: true, Mutual: true, CAFile: "ca"} },
			want:   ErrTLSCertFileRequired,
		},
		{
			name: "dead window inside heartbeat",
			side: SideDial,
			mutate: func(c *Config) {
				c.HeartbeatInterval = 5 * time.Second
				c.SessionDeadAfter = 5 * time.Second
			},
			want: ErrKeepaliveWindow,
		},
		{
			name: "no heartbeat ignores window",
			side: SideAccept,
			mutate: func(c *Config) {
				c.HeartbeatInterval = 0
				c.SessionDeadAfter = time.Second
			},
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tc.mutate(&cfg)
			err := cfg.ValidateTransport(tc.side)
			if tc.want == nil {
				if err != nil {
					t.Fatalf("%s: %v", tc.side, err)
				}
				return
			}
			if !errors.Is(err, tc.want) {
				t.Fatalf("%s: got %v want %v", tc.side, err, tc.want)
			}
		})
	}
}
