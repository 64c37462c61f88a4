package msgr

import (
	"net/netip"
	"testing"

	"github.com/danmuck/edgemsgr/internal/protocol"
	"github.com/danmuck/edgemsgr/internal/testutil/testlog"
)

var (
	lowAddr  = protocol.EntityAddr{IP: netip.MustParseAddr("10.0.0.1"), Port: 6800, Nonce: 11}
	highAddr = protocol.EntityAddr{IP: netip.MustParseAddr("10.0.0.2"), Port: 6800, Nonce: 22}
)

func TestArbitrate(t *testing.T) {
	testlog.Start(t)

	// Requests come from lowAddr unless a case swaps the pair.
	existing := func(state State, cseq, pgseq uint32) arbiterInput {
		return arbiterInput{
			ReqGlobalSeq:          10,
			PeerAddr:              lowAddr,
			MyAddr:                highAddr,
			HasExisting:           true,
			ExistingState:         state,
			ExistingConnectSeq:    cseq,
			ExistingPeerGlobalSeq: pgseq,
		}
	}

	tests := []struct {
		name    string
		in      arbiterInput
		action  arbiterAction
		reply   protocol.Tag
		gseq    uint32
		cseq    uint32
		reset   bool
		fromPr  bool
		outcome string
	}{
		{
			name:    "no existing fresh session opens",
			in:      arbiterInput{PeerAddr: lowAddr, MyAddr: highAddr},
			action:  arbiterOpen,
			outcome: "new_session",
		},
		{
			name:    "no existing but peer resumes a session",
			in:      arbiterInput{ReqConnectSeq: 3, PeerAddr: lowAddr, MyAddr: highAddr},
			action:  arbiterReply,
			reply:   protocol.TagResetSession,
			outcome: "reset_unknown_session",
		},
		{
			name:    "no existing while replacing opens",
			in:      arbiterInput{ReqConnectSeq: 3, Replacing: true, PeerAddr: lowAddr, MyAddr: highAddr},
			action:  arbiterOpen,
			outcome: "new_session",
		},
		{
			name:    "existing closed opens",
			in:      existing(StateClosed, 4, 9),
			action:  arbiterOpen,
			outcome: "existing_closed",
		},
		{
			name: "existing mid replace retries global",
			in: func() arbiterInput {
				in := existing(StateOpen, 4, 9)
				in.ExistingReplacing = true
				return in
			}(),
			action:  arbiterReply,
			reply:   protocol.TagRetryGlobal,
			gseq:    9,
			outcome: "existing_replacing",
		},
		{
			name: "stale global seq retries global",
			in: func() arbiterInput {
				in := existing(StateOpen, 4, 7)
				in.ReqGlobalSeq = 5
				return in
			}(),
			action:  arbiterReply,
			reply:   protocol.TagRetryGlobal,
			gseq:    7,
			outcome: "stale_global_seq",
		},
		{
			name: "lossy existing is replaced and reset",
			in: func() arbiterInput {
				in := existing(StateOpen, 4, 7)
				in.ExistingLossy = true
				return in
			}(),
			action:  arbiterReplace,
			reset:   true,
			outcome: "replace_lossy",
		},
		{
			name: "peer restarted with reset check",
			in: func() arbiterInput {
				in := existing(StateOpen, 4, 7)
				in.ResetCheck = true
				return in
			}(),
			action:  arbiterReplace,
			reset:   true,
			fromPr:  true,
			outcome: "peer_reset",
		},
		{
			name:    "peer restarted without reset check",
			in:      existing(StateOpen, 4, 7),
			action:  arbiterReplace,
			fromPr:  true,
			outcome: "peer_reset",
		},
		{
			name: "stale connect seq retries session",
			in: func() arbiterInput {
				in := existing(StateOpen, 4, 7)
				in.ReqConnectSeq = 2
				return in
			}(),
			action:  arbiterReply,
			reply:   protocol.TagRetrySession,
			cseq:    5,
			outcome: "stale_connect_seq",
		},
		{
			name: "equal connect seq against open retries session",
			in: func() arbiterInput {
				in := existing(StateOpen, 3, 7)
				in.ReqConnectSeq = 3
				return in
			}(),
			action:  arbiterReply,
			reply:   protocol.TagRetrySession,
			cseq:    4,
			outcome: "existing_open",
		},
		{
			name: "generation zero against open with reset check replaces",
			in: func() arbiterInput {
				in := existing(StateStandby, 0, 7)
				in.ResetCheck = true
				return in
			}(),
			action:  arbiterReplace,
			outcome: "replace_zero_generation",
		},
		{
			name:    "race won by lower peer",
			in:      existing(StateConnecting, 0, 0),
			action:  arbiterReplace,
			outcome: "race_won_by_peer",
		},
		{
			name: "race won by us",
			in: func() arbiterInput {
				in := existing(StateConnecting, 0, 0)
				in.PeerAddr, in.MyAddr = highAddr, lowAddr
				return in
			}(),
			action:  arbiterReply,
			reply:   protocol.TagWait,
			outcome: "race_won_by_us",
		},
		{
			name: "race against server policy replaces",
			in: func() arbiterInput {
				in := existing(StateConnecting, 0, 0)
				in.PeerAddr, in.MyAddr = highAddr, lowAddr
				in.ExistingServer = true
				return in
			}(),
			action:  arbiterReplace,
			outcome: "race_won_by_peer",
		},
		{
			name: "newer generation against fresh existing resets",
			in: func() arbiterInput {
				in := existing(StateOpen, 0, 7)
				in.ReqConnectSeq = 5
				in.ResetCheck = true
				return in
			}(),
			action:  arbiterReply,
			reply:   protocol.TagResetSession,
			outcome: "reset_new_generation",
		},
		{
			name: "newer generation replaces",
			in: func() arbiterInput {
				in := existing(StateStandby, 4, 7)
				in.ReqConnectSeq = 5
				return in
			}(),
			action:  arbiterReplace,
			outcome: "reconnect",
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			got := arbitrate(tc.in)
			if got.Action != tc.action {
				t.Fatalf("action: got %s want %s", got.Action, tc.action)
			}
			if got.Outcome != tc.outcome {
				t.Fatalf("outcome: got %q want %q", got.Outcome, tc.outcome)
			}
			if tc.action == arbiterReply && got.Reply != tc.reply {
				t.Fatalf("reply: got %s want %s", got.Reply, tc.reply)
			}
			if got.GlobalSeq != tc.gseq || got.ConnectSeq != tc.cseq {
				t.Fatalf("seqs: got gseq=%d cseq=%d want gseq=%d cseq=%d",
					got.GlobalSeq, got.ConnectSeq, tc.gseq, tc.cseq)
			}
			if got.ResetExisting != tc.reset || got.ResetFromPeer != tc.fromPr {
				t.Fatalf("reset flags: got existing=%v peer=%v want existing=%v peer=%v",
					got.ResetExisting, got.ResetFromPeer, tc.reset, tc.fromPr)
			}
		})
	}
}

// Both ends of a simultaneous connect evaluate the same rule, so exactly one
// side replaces.
func TestArbitrateRaceIsAsymmetric(t *testing.T) {
	testlog.Start(t)

	base := arbiterInput{HasExisting: true, ExistingState: StateConnecting}
	atHigh := base
	atHigh.PeerAddr, atHigh.MyAddr = lowAddr, highAddr
	atLow := base
	atLow.PeerAddr, atLow.MyAddr = highAddr, lowAddr

	high, low := arbitrate(atHigh), arbitrate(atLow)
	if high.Action != arbiterReplace {
		t.Fatalf("higher side: got %s want replace", high.Action)
	}
	if low.Action != arbiterReply || low.Reply != protocol.TagWait {
		t.Fatalf("lower side: got %s/%s want reply/wait", low.Action, low.Reply)
	}
}
