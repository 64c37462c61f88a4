package frame

import (
	"encoding/binary"
	"errors"
	"fmt"
	"hash/crc32"
	"io"
)

// Banner opens every connection in both directions.
const Banner = "edgemsgr v027"

// ProtocolVersion is the default handshake protocol version.
const ProtocolVersion uint32 = 27

// Fixed record lengths on the wire.
const (
	BannerLen          = len(Banner)
	AddrLen            = 28
	ConnectRequestLen  = 33
	ConnectReplyLen    = 34
	HeaderLen          = 53
	headerCRCOffset    = HeaderLen - 4
	FooterLen          = 21
	OldFooterLen       = 13
	AckLen             = 8
	KeepaliveStampLen  = 8
	FooterFlagComplete = 0x01
	FooterFlagNoCRC    = 0x02
)

var (
	ErrShortRecord        = errors.New("frame: short record")
	ErrBadBanner          = errors.New("frame: banner mismatch")
	ErrHeaderCRC          = errors.New("frame: header crc mismatch")
	ErrSegmentCRC         = errors.New("frame: segment crc mismatch")
	ErrSegmentTooLarge    = errors.New("frame: segment too large")
	ErrAuthorizerTooLarge = errors.New("frame: authorizer too large")
	ErrAborted            = errors.New("frame: message aborted by sender")
)

var le = binary.LittleEndian

var castagnoli = crc32.MakeTable(crc32.Castagnoli)

// CRC32C is the checksum used for headers and segments.
func CRC32C(b []byte) uint32 {
	return crc32.Checksum(b, castagnoli)
}

// Limits constrains decode memory use.
type Limits struct {
	MaxAuthorizerBytes uint32
	MaxFrontBytes      uint32
	MaxMiddleBytes     uint32
	MaxDataBytes       uint32
}

func DefaultLimits() Limits {
	return Limits{
		MaxAuthorizerBytes: 64 * 1024,
		MaxFrontBytes:      16 * 1024 * 1024,
		MaxMiddleBytes:     16 * 1024 * 1024,
		MaxDataBytes:       128 * 1024 * 1024,
	}
}

// CheckHeader enforces segment limits before any segment is allocated.
func (l Limits) CheckHeader(h Header) error {
	switch {
	case l.MaxFrontBytes > 0 && h.FrontLen > l.MaxFrontBytes:
		return fmt.Errorf("%w: front %d > %d", ErrSegmentTooLarge, h.FrontLen, l.MaxFrontBytes)
	case l.MaxMiddleBytes > 0 && h.MiddleLen > l.MaxMiddleBytes:
		return fmt.Errorf("%w: middle %d > %d", ErrSegmentTooLarge, h.MiddleLen, l.MaxMiddleBytes)
	case l.MaxDataBytes > 0 && h.DataLen > l.MaxDataBytes:
		return fmt.Errorf("%w: data %d > %d", ErrSegmentTooLarge, h.DataLen, l.MaxDataBytes)
	}
	return nil
}

// ReadFull reads exactly len(buf) bytes. A clean or partial EOF becomes
// ErrShortRecord; other transport errors pass through.
func ReadFull(r io.Reader, buf []byte) error {
	if _, err := io.ReadFull(r, buf); err != nil {
		if errors.Is(err, io.ErrUnexpectedEOF) || errors.Is(err, io.EOF) {
			return fmt.Errorf("%w: want %d bytes", ErrShortRecord, len(buf))
		}
		return err
	}
	return nil
}

// ReadBanner reads and checks the peer banner.
func ReadBanner(r io.Reader) error {
	var buf [BannerLen]byte
	if err := ReadFull(r, buf[:]); err != nil {
		return err
	}
	if string(buf[:]) != Banner {
		return fmt.Errorf("%w: got %q", ErrBadBanner, string(buf[:]))
	}
	return nil
}

// AppendBanner appends the banner to dst.
func AppendBanner(dst []byte) []byte {
	return append(dst, Banner...)
}
