package protocol

import (
	"fmt"
	"strconv"
	"strings"
)

// EntityType identifies the role of a daemon in the cluster.
type EntityType uint8

const (
	EntityMon    EntityType = 0x01
	EntityMDS    EntityType = 0x02
	EntityOSD    EntityType = 0x04
	EntityClient EntityType = 0x08
	EntityMgr    EntityType = 0x10
)

var entityTypeNames = map[EntityType]string{
	EntityMon:    "mon",
	EntityMDS:    "mds",
	EntityOSD:    "osd",
	EntityClient: "client",
	EntityMgr:    "mgr",
}

func (t EntityType) String() string {
	if name, ok := entityTypeNames[t]; ok {
		return name
	}
	return "type" + strconv.Itoa(int(t))
}

// ParseEntityType maps a config name such as "osd" to its type.
func ParseEntityType(raw string) (EntityType, error) {
	raw = strings.ToLower(strings.TrimSpace(raw))
	for t, name := range entityTypeNames {
		if name == raw {
			return t, nil
		}
	}
	return 0, fmt.Errorf("%w: %q", ErrUnknownEntityType, raw)
}

// EntityName is a logical daemon identity, e.g. osd.3.
type EntityName struct {
	Type EntityType
	Num  uint64
}

func (n EntityName) String() string {
	return n.Type.String() + "." + strconv.FormatUint(n.Num, 10)
}

// ParseEntityName parses "type.num", e.g. "mon.0".
func ParseEntityName(raw string) (EntityName, error) {
	typeRaw, numRaw, ok := strings.Cut(strings.TrimSpace(raw), ".")
	if !ok {
		return EntityName{}, fmt.Errorf("%w: %q", ErrInvalidEntityName, raw)
	}
	typ, err := ParseEntityType(typeRaw)
	if err != nil {
		return EntityName{}, err
	}
	num, err := strconv.ParseUint(numRaw, 10, 64)
	if err != nil {
		return EntityName{}, fmt.Errorf("%w: %q", ErrInvalidEntityName, raw)
	}
	return EntityName{Type: typ, Num: num}, nil
}

// Tag is the single byte that opens every control record after the
// handshake, and the outcome byte of a connect reply.
type Tag uint8

const (
	TagReady               Tag = 1
	TagResetSession        Tag = 2
	TagWait                Tag = 3
	TagRetrySession        Tag = 4
	TagRetryGlobal         Tag = 5
	TagClose               Tag = 6
	TagMsg                 Tag = 7
	TagAck                 Tag = 8
	TagKeepalive           Tag = 9
	TagBadProtoVer         Tag = 10
	TagBadAuthorizer       Tag = 11
	TagFeatures            Tag = 12
	TagSeq                 Tag = 13
	TagKeepalive2          Tag = 14
	TagKeepalive2Ack       Tag = 15
	TagChallengeAuthorizer Tag = 16
)

var tagNames = [...]string{
	TagReady:               "ready",
	TagResetSession:        "reset_session",
	TagWait:                "wait",
	TagRetrySession:        "retry_session",
	TagRetryGlobal:         "retry_global",
	TagClose:               "close",
	TagMsg:                 "msg",
	TagAck:                 "ack",
	TagKeepalive:           "keepalive",
	TagBadProtoVer:         "bad_proto_ver",
	TagBadAuthorizer:       "bad_authorizer",
	TagFeatures:            "features",
	TagSeq:                 "seq",
	TagKeepalive2:          "keepalive2",
	TagKeepalive2Ack:       "keepalive2_ack",
	TagChallengeAuthorizer: "challenge_authorizer",
}

func (t Tag) String() string {
	if int(t) < len(tagNames) && tagNames[t] != "" {
		return tagNames[t]
	}
	return "tag" + strconv.Itoa(int(t))
}

// IsConnectReply reports whether t may appear as a connect reply outcome.
func (t Tag) IsConnectReply() bool {
	switch t {
	case TagReady, TagResetSession, TagWait, TagRetrySession, TagRetryGlobal,
		TagBadProtoVer, TagBadAuthorizer, TagFeatures, TagSeq, TagChallengeAuthorizer:
		return true
	}
	return false
}

// ConnectFlagLossy marks a connect request or reply whose sender treats the
// session as lossy.
const ConnectFlagLossy uint8 = 0x01

// Priorities used by the outgoing queue. Higher values drain first.
const (
	PriorityLow     uint16 = 64
	PriorityDefault uint16 = 127
	PriorityHigh    uint16 = 196
	PriorityHighest uint16 = 255
)
