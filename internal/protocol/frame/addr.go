package frame

import (
	"io"
	"net/netip"

	"github.com/danmuck/edgemsgr/internal/protocol"
)

const (
	familyNone  uint16 = 0
	familyInet  uint16 = 2
	familyInet6 uint16 = 10
)

// AppendAddr appends the 28-byte address record:
// type u32, nonce u32, family u16, port u16, ip [16]byte.
func AppendAddr(dst []byte, a protocol.EntityAddr) []byte {
	var buf [AddrLen]byte
	le.PutUint32(buf[0:4], a.Type)
	le.PutUint32(buf[4:8], a.Nonce)
	family := familyNone
	if a.IP.IsValid() {
		family = familyInet6
		if a.IP.Unmap().Is4() {
			family = familyInet
		}
	}
	le.PutUint16(buf[8:10], family)
	le.PutUint16(buf[10:12], a.Port)
	ip := a.IP16()
	copy(buf[12:28], ip[:])
	return append(dst, buf[:]...)
}

// DecodeAddr parses one address record.
func DecodeAddr(b []byte) (protocol.EntityAddr, error) {
	if len(b) < AddrLen {
		return protocol.EntityAddr{}, ErrShortRecord
	}
	a := protocol.EntityAddr{
		Type:  le.Uint32(b[0:4]),
		Nonce: le.Uint32(b[4:8]),
		Port:  le.Uint16(b[10:12]),
	}
	var ip [16]byte
	copy(ip[:], b[12:28])
	switch le.Uint16(b[8:10]) {
	case familyInet:
		a.IP = netip.AddrFrom16(ip).Unmap()
	case familyInet6:
		a.IP = netip.AddrFrom16(ip)
	}
	return a, nil
}

// ReadAddr reads one address record from r.
func ReadAddr(r io.Reader) (protocol.EntityAddr, error) {
	var buf [AddrLen]byte
	if err := ReadFull(r, buf[:]); err != nil {
		return protocol.EntityAddr{}, err
	}
	return DecodeAddr(buf[:])
}
