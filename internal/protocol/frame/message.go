package frame

import (
	"fmt"

	"github.com/danmuck/edgemsgr/internal/protocol"
)

// CRCFlags selects which checksums are produced and verified.
type CRCFlags uint8

const (
	CRCHeader CRCFlags = 1 << iota
	CRCData
)

const CRCAll = CRCHeader | CRCData

// Header is the fixed 53-byte message header.
type Header struct {
	Seq           uint64
	Tid           uint64
	Type          uint16
	Priority      uint16
	Version       uint16
	FrontLen      uint32
	MiddleLen     uint32
	DataLen       uint32
	DataOff       uint16
	Src           protocol.EntityName
	CompatVersion uint16
	Reserved      uint16
	CRC           uint32
}

// Footer trails the segments. Sig is absent from the old 13-byte layout.
type Footer struct {
	FrontCRC  uint32
	MiddleCRC uint32
	DataCRC   uint32
	Sig       uint64
	Flags     uint8
}

func (f Footer) Complete() bool { return f.Flags&FooterFlagComplete != 0 }

// Message is one application message with its three payload segments.
type Message struct {
	Header Header
	Footer Footer
	Front  []byte
	Middle []byte
	Data   []byte
}

// Size is the payload byte count used for throttling and metrics.
func (m *Message) Size() int {
	return len(m.Front) + len(m.Middle) + len(m.Data)
}

func putHeader(buf []byte, h Header) {
	le.PutUint64(buf[0:8], h.Seq)
	le.PutUint64(buf[8:16], h.Tid)
	le.PutUint16(buf[16:18], h.Type)
	le.PutUint16(buf[18:20], h.Priority)
	le.PutUint16(buf[20:22], h.Version)
	le.PutUint32(buf[22:26], h.FrontLen)
	le.PutUint32(buf[26:30], h.MiddleLen)
	le.PutUint32(buf[30:34], h.DataLen)
	le.PutUint16(buf[34:36], h.DataOff)
	buf[36] = byte(h.Src.Type)
	le.PutUint64(buf[37:45], h.Src.Num)
	le.PutUint16(buf[45:47], h.CompatVersion)
	le.PutUint16(buf[47:49], h.Reserved)
	le.PutUint32(buf[49:53], h.CRC)
}

// HeaderCRC computes the checksum over the first 49 header bytes.
func HeaderCRC(h Header) uint32 {
	var buf [HeaderLen]byte
	putHeader(buf[:], h)
	return CRC32C(buf[:headerCRCOffset])
}

// AppendHeader appends h as stored; call Seal first to fill lengths and CRC.
func AppendHeader(dst []byte, h Header) []byte {
	var buf [HeaderLen]byte
	putHeader(buf[:], h)
	return append(dst, buf[:]...)
}

// DecodeHeader parses a header, verifying its CRC when CRCHeader is set.
func DecodeHeader(b []byte, flags CRCFlags) (Header, error) {
	if len(b) != HeaderLen {
		return Header{}, fmt.Errorf("%w: header length %d", ErrShortRecord, len(b))
	}
	h := Header{
		Seq:           le.Uint64(b[0:8]),
		Tid:           le.Uint64(b[8:16]),
		Type:          le.Uint16(b[16:18]),
		Priority:      le.Uint16(b[18:20]),
		Version:       le.Uint16(b[20:22]),
		FrontLen:      le.Uint32(b[22:26]),
		MiddleLen:     le.Uint32(b[26:30]),
		DataLen:       le.Uint32(b[30:34]),
		DataOff:       le.Uint16(b[34:36]),
		Src:           protocol.EntityName{Type: protocol.EntityType(b[36]), Num: le.Uint64(b[37:45])},
		CompatVersion: le.Uint16(b[45:47]),
		Reserved:      le.Uint16(b[47:49]),
		CRC:           le.Uint32(b[49:53]),
	}
	if flags&CRCHeader != 0 {
		if got := CRC32C(b[:headerCRCOffset]); got != h.CRC {
			return Header{}, fmt.Errorf("%w: got %08x want %08x", ErrHeaderCRC, got, h.CRC)
		}
	}
	return h, nil
}

// FooterLength returns the footer size for the negotiated features.
func FooterLength(features protocol.Features) int {
	if features.Has(protocol.FeatureMsgAuth) {
		return FooterLen
	}
	return OldFooterLen
}

// AppendFooter appends the footer in the layout the features select.
func AppendFooter(dst []byte, f Footer, features protocol.Features) []byte {
	var buf [FooterLen]byte
	le.PutUint32(buf[0:4], f.FrontCRC)
	le.PutUint32(buf[4:8], f.MiddleCRC)
	le.PutUint32(buf[8:12], f.DataCRC)
	if features.Has(protocol.FeatureMsgAuth) {
		le.PutUint64(buf[12:20], f.Sig)
		buf[20] = f.Flags
		return append(dst, buf[:FooterLen]...)
	}
	buf[12] = f.Flags
	return append(dst, buf[:OldFooterLen]...)
}

// DecodeFooter parses either footer layout. The old layout yields Sig 0.
func DecodeFooter(b []byte, features protocol.Features) (Footer, error) {
	want := FooterLength(features)
	if len(b) != want {
		return Footer{}, fmt.Errorf("%w: footer length %d want %d", ErrShortRecord, len(b), want)
	}
	f := Footer{
		FrontCRC:  le.Uint32(b[0:4]),
		MiddleCRC: le.Uint32(b[4:8]),
		DataCRC:   le.Uint32(b[8:12]),
	}
	if want == FooterLen {
		f.Sig = le.Uint64(b[12:20])
		f.Flags = b[20]
	} else {
		f.Flags = b[12]
	}
	return f, nil
}

// Seal fills segment lengths, footer checksums, the completeness flag, and
// the header CRC. Sequence and signature must already be set or be set
// afterwards with Reseal.
func (m *Message) Seal(flags CRCFlags) {
	m.Header.FrontLen = uint32(len(m.Front))
	m.Header.MiddleLen = uint32(len(m.Middle))
	m.Header.DataLen = uint32(len(m.Data))
	m.Footer.Flags = FooterFlagComplete
	if flags&CRCHeader != 0 {
		m.Footer.FrontCRC = CRC32C(m.Front)
		m.Footer.MiddleCRC = CRC32C(m.Middle)
	} else {
		m.Footer.FrontCRC, m.Footer.MiddleCRC = 0, 0
	}
	if flags&CRCData != 0 {
		m.Footer.DataCRC = CRC32C(m.Data)
	} else {
		m.Footer.DataCRC = 0
		m.Footer.Flags |= FooterFlagNoCRC
	}
	m.Reseal(flags)
}

// Reseal recomputes only the header CRC, after the sequence number changes.
func (m *Message) Reseal(flags CRCFlags) {
	if flags&CRCHeader != 0 {
		m.Header.CRC = HeaderCRC(m.Header)
	} else {
		m.Header.CRC = 0
	}
}

// VerifySegments checks footer checksums against the received segments.
func (m *Message) VerifySegments(flags CRCFlags) error {
	if flags&CRCHeader != 0 {
		if got := CRC32C(m.Front); got != m.Footer.FrontCRC {
			return fmt.Errorf("%w: front got %08x want %08x", ErrSegmentCRC, got, m.Footer.FrontCRC)
		}
		if got := CRC32C(m.Middle); got != m.Footer.MiddleCRC {
			return fmt.Errorf("%w: middle got %08x want %08x", ErrSegmentCRC, got, m.Footer.MiddleCRC)
		}
	}
	if flags&CRCData != 0 && m.Footer.Flags&FooterFlagNoCRC == 0 {
		if got := CRC32C(m.Data); got != m.Footer.DataCRC {
			return fmt.Errorf("%w: data got %08x want %08x", ErrSegmentCRC, got, m.Footer.DataCRC)
		}
	}
	return nil
}

// AppendMessage appends TAG_MSG, header, segments, and footer. The message
// must be sealed.
func AppendMessage(dst []byte, m *Message, features protocol.Features) []byte {
	dst = append(dst, byte(protocol.TagMsg))
	dst = AppendHeader(dst, m.Header)
	dst = append(dst, m.Front...)
	dst = append(dst, m.Middle...)
	dst = append(dst, m.Data...)
	return AppendFooter(dst, m.Footer, features)
}
