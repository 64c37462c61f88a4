package msgr

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/binary"
	"fmt"

	"github.com/danmuck/edgemsgr/internal/protocol"
	"github.com/danmuck/edgemsgr/internal/protocol/frame"
)

// sessionSecurity signs and checks message footers with the key the
// authorizer exchange produced.
type sessionSecurity struct {
	key []byte
}

// newSessionSecurity returns nil when there is nothing to sign with or the
// peer cannot carry a signature.
func newSessionSecurity(key []byte, features protocol.Features) *sessionSecurity {
	if len(key) == 0 || !features.Has(protocol.FeatureMsgAuth) {
		return nil
	}
	return &sessionSecurity{key: append([]byte(nil), key...)}
}

func (s *sessionSecurity) signature(m *frame.Message) uint64 {
	var buf [28]byte
	binary.LittleEndian.PutUint64(buf[0:8], m.Header.Seq)
	binary.LittleEndian.PutUint32(buf[8:12], m.Header.CRC)
	binary.LittleEndian.PutUint32(buf[12:16], m.Footer.FrontCRC)
	binary.LittleEndian.PutUint32(buf[16:20], m.Footer.MiddleCRC)
	binary.LittleEndian.PutUint32(buf[20:24], m.Footer.DataCRC)
	binary.LittleEndian.PutUint32(buf[24:28], uint32(m.Header.Type))
	h := hmac.New(sha256.New, s.key)
	h.Write(buf[:])
	return binary.LittleEndian.Uint64(h.Sum(nil)[:8])
}

func (s *sessionSecurity) sign(m *frame.Message) {
	m.Footer.Sig = s.signature(m)
}

func (s *sessionSecurity) check(m *frame.Message) error {
	if want := s.signature(m); m.Footer.Sig != want {
		return fmt.Errorf("%w: seq %d", ErrBadSignature, m.Header.Seq)
	}
	return nil
}

// signer adapts s for session.FrameOptions.
func (s *sessionSecurity) signer() func(*frame.Message) {
	if s == nil {
		return nil
	}
	return s.sign
}
