package frame

import (
	"io"
	"time"

	"github.com/danmuck/edgemsgr/internal/protocol"
)

// AppendTag appends a bare tag byte (KEEPALIVE, CLOSE).
func AppendTag(dst []byte, tag protocol.Tag) []byte {
	return append(dst, byte(tag))
}

// AppendAck appends TAG_ACK and the acknowledged sequence.
func AppendAck(dst []byte, seq uint64) []byte {
	dst = append(dst, byte(protocol.TagAck))
	return AppendSeq(dst, seq)
}

// AppendSeq appends a bare 8-byte sequence record (the handshake SEQ
// exchange uses it without a tag).
func AppendSeq(dst []byte, seq uint64) []byte {
	var buf [AckLen]byte
	le.PutUint64(buf[:], seq)
	return append(dst, buf[:]...)
}

func ReadSeq(r io.Reader) (uint64, error) {
	var buf [AckLen]byte
	if err := ReadFull(r, buf[:]); err != nil {
		return 0, err
	}
	return le.Uint64(buf[:]), nil
}

// AppendKeepalive2 appends a KEEPALIVE2 or KEEPALIVE2_ACK with its stamp.
func AppendKeepalive2(dst []byte, tag protocol.Tag, stamp time.Time) []byte {
	dst = append(dst, byte(tag))
	var buf [KeepaliveStampLen]byte
	le.PutUint32(buf[0:4], uint32(stamp.Unix()))
	le.PutUint32(buf[4:8], uint32(stamp.Nanosecond()))
	return append(dst, buf[:]...)
}

// ReadKeepaliveStamp reads the sec/nsec stamp that follows a KEEPALIVE2 tag.
func ReadKeepaliveStamp(r io.Reader) (time.Time, error) {
	var buf [KeepaliveStampLen]byte
	if err := ReadFull(r, buf[:]); err != nil {
		return time.Time{}, err
	}
	return time.Unix(int64(le.Uint32(buf[0:4])), int64(le.Uint32(buf[4:8]))), nil
}

// ReadTag reads one tag byte.
func ReadTag(r io.Reader) (protocol.Tag, error) {
	var buf [1]byte
	if err := ReadFull(r, buf[:]); err != nil {
		return 0, err
	}
	return protocol.Tag(buf[0]), nil
}
