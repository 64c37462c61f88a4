// Package auth provides handshake authorizers and token validation.
//
// It intentionally avoids policy decisions and storage concerns.
package auth

import (
	"crypto/subtle"
	"errors"
	"strings"

	"github.com/danmuck/edgemsgr/internal/protocol"
)

var (
	ErrUnauthorized      = errors.New("auth: unauthorized")
	ErrChallengeRequired = errors.New("auth: challenge required")
	ErrMalformed         = errors.New("auth: malformed authorizer")
)

// Authorizer protocol ids carried in the connect request.
const (
	ProtocolNone         int32 = 0
	ProtocolSharedSecret int32 = 2
)

// Authorizer is the client half of one handshake authentication.
type Authorizer interface {
	Protocol() int32
	// Payload is the authorizer sent in the connect request.
	Payload() []byte
	// AddChallenge folds the server challenge into the next Payload.
	AddChallenge(challenge []byte) error
	// VerifyReply checks the server's proof carried by READY/SEQ.
	VerifyReply(reply []byte) error
	// SessionKey keys message signatures once the handshake completes.
	SessionKey() []byte
}

// ClientProvider builds authorizers for outgoing connections. forceNew asks
// for fresh credentials after the peer rejected the previous ones.
type ClientProvider interface {
	Authorizer(peer protocol.EntityType, forceNew bool) (Authorizer, error)
}

// Challenge is the accepting side's per-connection challenge state.
type Challenge struct {
	Nonce []byte
}

// Issued reports whether a challenge was already sent on this connection.
func (c *Challenge) Issued() bool {
	return c != nil && len(c.Nonce) > 0
}

// Verified is the outcome of a server-side authorizer check.
type Verified struct {
	// Reply is returned to the client: the proof on success, the challenge
	// alongside ErrChallengeRequired.
	Reply      []byte
	SessionKey []byte
}

// ServerVerifier checks incoming authorizers. A nil challenge means the peer
// cannot be challenged.
type ServerVerifier interface {
	Verify(peer protocol.EntityType, proto int32, payload []byte, ch *Challenge) (Verified, error)
}

// Validator validates an authentication token.
type Validator interface {
	Validate(token string) error
}

// StaticToken is a simple validator for a single shared token.
type StaticToken struct {
	Token string
}

func (s StaticToken) Validate(token string) error {
	if s.Token == "" {
		return ErrUnauthorized
	}
	if subtle.ConstantTimeCompare([]byte(s.Token), []byte(token)) != 1 {
		return ErrUnauthorized
	}
	return nil
}

// FuncValidator adapts a function into a Validator.
type FuncValidator func(token string) error

func (f FuncValidator) Validate(token string) error {
	return f(token)
}

// BearerToken extracts the token from an Authorization header value.
func BearerToken(header string) string {
	header = strings.TrimSpace(header)
	if len(header) < 7 || !strings.EqualFold(header[:7], "bearer ") {
		return ""
	}
	return strings.TrimSpace(header[7:])
}
