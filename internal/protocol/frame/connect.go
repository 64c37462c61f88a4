package frame

import (
	"fmt"
	"io"

	"github.com/danmuck/edgemsgr/internal/protocol"
)

// ConnectRequest is the client's session proposal.
type ConnectRequest struct {
	Features           protocol.Features
	HostType           protocol.EntityType
	GlobalSeq          uint32
	ConnectSeq         uint32
	ProtocolVersion    uint32
	AuthorizerProtocol int32
	Flags              uint8
	Authorizer         []byte
}

// ConnectReply is the accepting side's verdict on a ConnectRequest.
type ConnectReply struct {
	Tag                protocol.Tag
	Features           protocol.Features
	HostType           protocol.EntityType
	GlobalSeq          uint32
	ConnectSeq         uint32
	ProtocolVersion    uint32
	AuthorizerProtocol int32
	Flags              uint8
	Authorizer         []byte
}

func (r ConnectRequest) Lossy() bool { return r.Flags&protocol.ConnectFlagLossy != 0 }
func (r ConnectReply) Lossy() bool   { return r.Flags&protocol.ConnectFlagLossy != 0 }

func putConnectFields(buf []byte, features protocol.Features, hostType protocol.EntityType,
	gseq, cseq, proto uint32, authProto int32, authLen int, flags uint8) {
	le.PutUint64(buf[0:8], uint64(features))
	le.PutUint32(buf[8:12], uint32(int32(hostType)))
	le.PutUint32(buf[12:16], gseq)
	le.PutUint32(buf[16:20], cseq)
	le.PutUint32(buf[20:24], proto)
	le.PutUint32(buf[24:28], uint32(authProto))
	le.PutUint32(buf[28:32], uint32(authLen))
	buf[32] = flags
}

// AppendConnectRequest appends the fixed record followed by the authorizer.
func AppendConnectRequest(dst []byte, r ConnectRequest) []byte {
	var buf [ConnectRequestLen]byte
	putConnectFields(buf[:], r.Features, r.HostType, r.GlobalSeq, r.ConnectSeq,
		r.ProtocolVersion, r.AuthorizerProtocol, len(r.Authorizer), r.Flags)
	dst = append(dst, buf[:]...)
	return append(dst, r.Authorizer...)
}

// AppendConnectReply appends the fixed record followed by the reply payload.
func AppendConnectReply(dst []byte, r ConnectReply) []byte {
	var buf [ConnectReplyLen]byte
	buf[0] = byte(r.Tag)
	putConnectFields(buf[1:], r.Features, r.HostType, r.GlobalSeq, r.ConnectSeq,
		r.ProtocolVersion, r.AuthorizerProtocol, len(r.Authorizer), r.Flags)
	dst = append(dst, buf[:]...)
	return append(dst, r.Authorizer...)
}

type connectFields struct {
	features  protocol.Features
	hostType  protocol.EntityType
	gseq      uint32
	cseq      uint32
	proto     uint32
	authProto int32
	authLen   uint32
	flags     uint8
}

func decodeConnectFields(b []byte) connectFields {
	return connectFields{
		features:  protocol.Features(le.Uint64(b[0:8])),
		hostType:  protocol.EntityType(int32(le.Uint32(b[8:12]))),
		gseq:      le.Uint32(b[12:16]),
		cseq:      le.Uint32(b[16:20]),
		proto:     le.Uint32(b[20:24]),
		authProto: int32(le.Uint32(b[24:28])),
		authLen:   le.Uint32(b[28:32]),
		flags:     b[32],
	}
}

func readPayload(r io.Reader, n uint32, limits Limits) ([]byte, error) {
	if limits.MaxAuthorizerBytes > 0 && n > limits.MaxAuthorizerBytes {
		return nil, fmt.Errorf("%w: %d > %d", ErrAuthorizerTooLarge, n, limits.MaxAuthorizerBytes)
	}
	if n == 0 {
		return nil, nil
	}
	buf := make([]byte, n)
	if err := ReadFull(r, buf); err != nil {
		return nil, err
	}
	return buf, nil
}

func ReadConnectRequest(r io.Reader, limits Limits) (ConnectRequest, error) {
	var buf [ConnectRequestLen]byte
	if err := ReadFull(r, buf[:]); err != nil {
		return ConnectRequest{}, err
	}
	f := decodeConnectFields(buf[:])
	auth, err := readPayload(r, f.authLen, limits)
	if err != nil {
		return ConnectRequest{}, err
	}
	return ConnectRequest{
		Features:           f.features,
		HostType:           f.hostType,
		GlobalSeq:          f.gseq,
		ConnectSeq:         f.cseq,
		ProtocolVersion:    f.proto,
		AuthorizerProtocol: f.authProto,
		Flags:              f.flags,
		Authorizer:         auth,
	}, nil
}

func ReadConnectReply(r io.Reader, limits Limits) (ConnectReply, error) {
	var buf [ConnectReplyLen]byte
	if err := ReadFull(r, buf[:]); err != nil {
		return ConnectReply{}, err
	}
	f := decodeConnectFields(buf[1:])
	auth, err := readPayload(r, f.authLen, limits)
	if err != nil {
		return ConnectReply{}, err
	}
	return ConnectReply{
		Tag:                protocol.Tag(buf[0]),
		Features:           f.features,
		HostType:           f.hostType,
		GlobalSeq:          f.gseq,
		ConnectSeq:         f.cseq,
		ProtocolVersion:    f.proto,
		AuthorizerProtocol: f.authProto,
		Flags:              f.flags,
		Authorizer:         auth,
	}, nil
}
