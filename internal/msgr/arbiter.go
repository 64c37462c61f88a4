package msgr

import (
	"github.com/danmuck/edgemsgr/internal/protocol"
)

type arbiterAction int

const (
	arbiterOpen arbiterAction = iota
	arbiterReplace
	arbiterReply
)

func (a arbiterAction) String() string {
	switch a {
	case arbiterOpen:
		return "open"
	case arbiterReplace:
		return "replace"
	case arbiterReply:
		return "reply"
	}
	return "unknown"
}

// arbiterInput is what the accepting side knows when a connect request
// arrives: the request, its own policy, and a snapshot of the connection
// already registered for the peer address, if any.
type arbiterInput struct {
	ReqGlobalSeq  uint32
	ReqConnectSeq uint32
	PeerAddr      protocol.EntityAddr
	MyAddr        protocol.EntityAddr
	ResetCheck    bool
	// Replacing is the accepting connection's own flag.
	Replacing bool

	HasExisting           bool
	ExistingState         State
	ExistingReplacing     bool
	ExistingLossy         bool
	ExistingServer        bool
	ExistingConnectSeq    uint32
	ExistingPeerGlobalSeq uint32
}

type arbiterDecision struct {
	Action     arbiterAction
	Reply      protocol.Tag
	GlobalSeq  uint32
	ConnectSeq uint32
	// ResetExisting discards the existing session before it is replaced.
	ResetExisting bool
	// ResetFromPeer means the peer restarted its session; the new one opens
	// with READY and in_seq 0.
	ResetFromPeer bool
	Outcome       string
}

// arbitrate resolves a connect request against the registered connection.
// Rules are checked in order and the first match wins.
func arbitrate(in arbiterInput) arbiterDecision {
	if !in.HasExisting {
		if !in.Replacing && in.ReqConnectSeq > 0 {
			// We lost the session the peer is trying to resume.
			return arbiterDecision{Action: arbiterReply, Reply: protocol.TagResetSession, Outcome: "reset_unknown_session"}
		}
		return arbiterDecision{Action: arbiterOpen, Outcome: "new_session"}
	}
	if in.ExistingState == StateClosed {
		return arbiterDecision{Action: arbiterOpen, Outcome: "existing_closed"}
	}
	if in.ExistingReplacing {
		return arbiterDecision{
			Action:    arbiterReply,
			Reply:     protocol.TagRetryGlobal,
			GlobalSeq: in.ExistingPeerGlobalSeq,
			Outcome:   "existing_replacing",
		}
	}
	if in.ReqGlobalSeq < in.ExistingPeerGlobalSeq {
		return arbiterDecision{
			Action:    arbiterReply,
			Reply:     protocol.TagRetryGlobal,
			GlobalSeq: in.ExistingPeerGlobalSeq,
			Outcome:   "stale_global_seq",
		}
	}
	if in.ExistingLossy {
		return arbiterDecision{Action: arbiterReplace, ResetExisting: true, Outcome: "replace_lossy"}
	}
	if in.ReqConnectSeq == 0 && in.ExistingConnectSeq > 0 {
		return arbiterDecision{
			Action:        arbiterReplace,
			ResetExisting: in.ResetCheck,
			ResetFromPeer: true,
			Outcome:       "peer_reset",
		}
	}
	if in.ReqConnectSeq < in.ExistingConnectSeq {
		return arbiterDecision{
			Action:     arbiterReply,
			Reply:      protocol.TagRetrySession,
			ConnectSeq: in.ExistingConnectSeq + 1,
			Outcome:    "stale_connect_seq",
		}
	}
	if in.ReqConnectSeq == in.ExistingConnectSeq {
		if in.ExistingState == StateOpen || in.ExistingState == StateStandby {
			// Both sides still at generation zero would retry each other
			// forever; replace instead.
			if in.ResetCheck && in.ExistingConnectSeq == 0 {
				return arbiterDecision{Action: arbiterReplace, Outcome: "replace_zero_generation"}
			}
			return arbiterDecision{
				Action:     arbiterReply,
				Reply:      protocol.TagRetrySession,
				ConnectSeq: in.ExistingConnectSeq + 1,
				Outcome:    "existing_open",
			}
		}
		if in.PeerAddr.Less(in.MyAddr) || in.ExistingServer {
			return arbiterDecision{Action: arbiterReplace, Outcome: "race_won_by_peer"}
		}
		return arbiterDecision{Action: arbiterReply, Reply: protocol.TagWait, Outcome: "race_won_by_us"}
	}
	if in.ResetCheck && in.ExistingConnectSeq == 0 {
		return arbiterDecision{Action: arbiterReply, Reply: protocol.TagResetSession, Outcome: "reset_new_generation"}
	}
	return arbiterDecision{Action: arbiterReplace, Outcome: "reconnect"}
}
