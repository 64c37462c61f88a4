package auth

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"fmt"

	"github.com/danmuck/edgemsgr/internal/protocol"
)

const (
	nonceLen      = 8
	macLen        = sha256.Size
	authorizerLen = nonceLen + macLen + macLen
)

// SharedSecret authenticates daemons that hold the same cluster secret. It
// serves both the client and the accepting side.
//
// Authorizer layout: nonce[8] | challenge_response[32] | mac[32], where
// mac = HMAC(secret, "authorizer" | nonce | challenge_response). The
// response is zero until a challenge arrives.
type SharedSecret struct {
	Secret []byte
}

var (
	_ ClientProvider = SharedSecret{}
	_ ServerVerifier = SharedSecret{}
)

func (s SharedSecret) mac(label string, parts ...[]byte) []byte {
	h := hmac.New(sha256.New, s.Secret)
	h.Write([]byte(label))
	for _, p := range parts {
		h.Write(p)
	}
	return h.Sum(nil)
}

func randomNonce() ([]byte, error) {
	b := make([]byte, nonceLen)
	if _, err := rand.Read(b); err != nil {
		return nil, fmt.Errorf("auth: nonce: %w", err)
	}
	return b, nil
}

func (s SharedSecret) Authorizer(peer protocol.EntityType, forceNew bool) (Authorizer, error) {
	if len(s.Secret) == 0 {
		return nil, fmt.Errorf("%w: empty secret", ErrUnauthorized)
	}
	nonce, err := randomNonce()
	if err != nil {
		return nil, err
	}
	return &secretAuthorizer{secret: s, nonce: nonce, response: make([]byte, macLen)}, nil
}

func (s SharedSecret) Verify(peer protocol.EntityType, proto int32, payload []byte, ch *Challenge) (Verified, error) {
	if proto != ProtocolSharedSecret {
		return Verified{}, fmt.Errorf("%w: protocol %d", ErrUnauthorized, proto)
	}
	if len(s.Secret) == 0 {
		return Verified{}, fmt.Errorf("%w: empty secret", ErrUnauthorized)
	}
	if len(payload) != authorizerLen {
		return Verified{}, fmt.Errorf("%w: length %d", ErrMalformed, len(payload))
	}
	nonce := payload[:nonceLen]
	response := payload[nonceLen : nonceLen+macLen]
	mac := payload[nonceLen+macLen:]
	if !hmac.Equal(mac, s.mac("authorizer", nonce, response)) {
		return Verified{}, ErrUnauthorized
	}

	var serverNonce []byte
	if ch != nil {
		if !ch.Issued() {
			n, err := randomNonce()
			if err != nil {
				return Verified{}, err
			}
			ch.Nonce = n
			return Verified{Reply: append([]byte(nil), n...)}, ErrChallengeRequired
		}
		if !hmac.Equal(response, s.mac("challenge", ch.Nonce, nonce)) {
			return Verified{}, fmt.Errorf("%w: challenge response", ErrUnauthorized)
		}
		serverNonce = ch.Nonce
	}
	return Verified{
		Reply:      s.mac("reply", nonce),
		SessionKey: s.mac("session", nonce, serverNonce),
	}, nil
}

type secretAuthorizer struct {
	secret      SharedSecret
	nonce       []byte
	serverNonce []byte
	response    []byte
}

func (a *secretAuthorizer) Protocol() int32 {
	return ProtocolSharedSecret
}

func (a *secretAuthorizer) Payload() []byte {
	out := make([]byte, 0, authorizerLen)
	out = append(out, a.nonce...)
	out = append(out, a.response...)
	return append(out, a.secret.mac("authorizer", a.nonce, a.response)...)
}

func (a *secretAuthorizer) AddChallenge(challenge []byte) error {
	if len(challenge) != nonceLen {
		return fmt.Errorf("%w: challenge length %d", ErrMalformed, len(challenge))
	}
	a.serverNonce = append([]byte(nil), challenge...)
	a.response = a.secret.mac("challenge", a.serverNonce, a.nonce)
	return nil
}

func (a *secretAuthorizer) VerifyReply(reply []byte) error {
	if !hmac.Equal(reply, a.secret.mac("reply", a.nonce)) {
		return fmt.Errorf("%w: server proof", ErrUnauthorized)
	}
	return nil
}

func (a *secretAuthorizer) SessionKey() []byte {
	return a.secret.mac("session", a.nonce, a.serverNonce)
}
