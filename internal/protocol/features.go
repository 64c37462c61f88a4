package protocol

import (
	"fmt"
	"math/bits"
	"strings"
)

// Features is the negotiated capability bitmask exchanged in the handshake.
type Features uint64

const (
	// FeatureReconnectSeq enables the SEQ exchange on reconnect so both ends
	// can discard what the peer already has.
	FeatureReconnectSeq Features = 1 << iota
	// FeatureMsgAuth selects the signed footer and message signatures.
	FeatureMsgAuth
	// FeatureAuthChallenge lets the accepting side challenge an authorizer.
	FeatureAuthChallenge
	// FeatureKeepalive2 enables timestamped keepalives.
	FeatureKeepalive2
	// FeatureNoSrcAddr is advertised but carries no behavior here.
	FeatureNoSrcAddr
)

// FeaturesAll is every feature this implementation understands.
const FeaturesAll = FeatureReconnectSeq | FeatureMsgAuth | FeatureAuthChallenge |
	FeatureKeepalive2 | FeatureNoSrcAddr

var featureNames = map[Features]string{
	FeatureReconnectSeq:  "reconnect_seq",
	FeatureMsgAuth:       "msg_auth",
	FeatureAuthChallenge: "auth_challenge",
	FeatureKeepalive2:    "keepalive2",
	FeatureNoSrcAddr:     "nosrcaddr",
}

func (f Features) Has(bit Features) bool {
	return f&bit == bit
}

// Missing returns the bits of required not present in f.
func (f Features) Missing(required Features) Features {
	return required &^ f
}

func (f Features) String() string {
	if f == 0 {
		return "none"
	}
	names := make([]string, 0, bits.OnesCount64(uint64(f)))
	rest := f
	for bit := Features(1); bit != 0 && rest != 0; bit <<= 1 {
		if f&bit == 0 {
			continue
		}
		rest &^= bit
		if name, ok := featureNames[bit]; ok {
			names = append(names, name)
		} else {
			names = append(names, fmt.Sprintf("0x%x", uint64(bit)))
		}
	}
	return strings.Join(names, ",")
}

// ParseFeatures maps config names to a feature mask.
func ParseFeatures(names []string) (Features, error) {
	var out Features
	for _, raw := range names {
		raw = strings.ToLower(strings.TrimSpace(raw))
		if raw == "" {
			continue
		}
		found := false
		for bit, name := range featureNames {
			if name == raw {
				out |= bit
				found = true
				break
			}
		}
		if !found {
			return 0, fmt.Errorf("%w: %q", ErrUnknownFeature, raw)
		}
	}
	return out, nil
}
