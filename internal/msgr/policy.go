package msgr

import "github.com/danmuck/edgemsgr/internal/protocol"

// Policy is the per-peer-type connection behavior.
type Policy struct {
	// Lossy sessions never retransmit; a fault resets them.
	Lossy bool
	// Server wins connection races and never reconnects on its own.
	Server bool
	// Standby parks a faulted connection with nothing queued.
	Standby bool
	// ResetCheck lets the accepting side answer RESETSESSION.
	ResetCheck bool

	FeaturesSupported protocol.Features
	FeaturesRequired  protocol.Features

	// Receive throttles shared by every connection of the peer type. Zero
	// disables the limit.
	ThrottleMessages int64
	ThrottleBytes    int64
}

func LossyClient() Policy {
	return Policy{Lossy: true, FeaturesSupported: protocol.FeaturesAll}
}

func LosslessClient() Policy {
	return Policy{ResetCheck: true, FeaturesSupported: protocol.FeaturesAll}
}

func StatelessServer() Policy {
	return Policy{Lossy: true, Server: true, FeaturesSupported: protocol.FeaturesAll}
}

func StatefulServer() Policy {
	return Policy{Server: true, Standby: true, ResetCheck: true, FeaturesSupported: protocol.FeaturesAll}
}

func LosslessPeer() Policy {
	return Policy{Standby: true, FeaturesSupported: protocol.FeaturesAll}
}

func LosslessPeerReuse() Policy {
	return Policy{Standby: true, ResetCheck: true, FeaturesSupported: protocol.FeaturesAll}
}

// PolicyTable selects a Policy by peer entity type.
type PolicyTable struct {
	Default Policy
	ByType  map[protocol.EntityType]Policy
}

func NewPolicyTable(def Policy) PolicyTable {
	return PolicyTable{Default: def, ByType: make(map[protocol.EntityType]Policy)}
}

func (t PolicyTable) Lookup(peer protocol.EntityType) Policy {
	if p, ok := t.ByType[peer]; ok {
		return p
	}
	return t.Default
}

func (t *PolicyTable) Set(peer protocol.EntityType, p Policy) {
	if t.ByType == nil {
		t.ByType = make(map[protocol.EntityType]Policy)
	}
	t.ByType[peer] = p
}
