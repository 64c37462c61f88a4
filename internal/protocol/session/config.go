package session

import (
	"time"

	"github.com/danmuck/edgemsgr/internal/protocol/frame"
)

// BackoffConfig defines retry backoff behavior.
type BackoffConfig struct {
	InitialDelay time.Duration
	Multiplier   float64
	MaxDelay     time.Duration
	Jitter       bool
}

type SecurityMode string

const (
	SecurityModeDevelopment SecurityMode = "development"
	SecurityModeProduction  SecurityMode = "production"
)

// TLSConfig selects transport encryption for dial and listen.
type TLSConfig struct {
	Enabled            bool
	Mutual             bool
	InsecureSkipVerify bool
	CertFile           string
	KeyFile            string
	CAFile             string
	ServerName         string
}

// Config defines transport/session reliability defaults.
type Config struct {
	ConnectTimeout   time.Duration
	HandshakeTimeout time.Duration
	WriteTimeout     time.Duration
	// HeartbeatInterval drives KEEPALIVE2 on open sessions; zero disables.
	HeartbeatInterval time.Duration
	// SessionDeadAfter faults an open session that has been silent this long.
	SessionDeadAfter time.Duration
	Backoff          BackoffConfig

	// ThrottleRetry is the re-arm delay after a failed throttle acquire.
	ThrottleRetry time.Duration
	// DispatchThrottleBytes is the messenger-wide budget for messages handed
	// to the dispatcher and not yet released. Zero disables it.
	DispatchThrottleBytes int64

	CRC frame.CRCFlags
	// CoalesceThreshold is the largest segment copied into the write buffer;
	// larger segments are written in place.
	CoalesceThreshold int
	// MaxWriteBatch bounds the bytes gathered into one socket write.
	MaxWriteBatch int

	DieOnSkippedMessage bool
	DieOnOldMessage     bool

	Limits frame.Limits

	SecurityMode SecurityMode
	TLS          TLSConfig
}

// DefaultConfig returns the daemon defaults.
func DefaultConfig() Config {
	return Config{
		ConnectTimeout:    5 * time.Second,
		HandshakeTimeout:  5 * time.Second,
		WriteTimeout:      15 * time.Second,
		HeartbeatInterval: 5 * time.Second,
		SessionDeadAfter:  15 * time.Second,
		Backoff: BackoffConfig{
			InitialDelay: 200 * time.Millisecond,
			Multiplier:   2.0,
			MaxDelay:     15 * time.Second,
			Jitter:       false,
		},
		ThrottleRetry:         time.Millisecond,
		DispatchThrottleBytes: 100 << 20,
		CRC:                   frame.CRCAll,
		CoalesceThreshold:     256,
		MaxWriteBatch:         4 << 20,
		Limits:                frame.DefaultLimits(),
		SecurityMode:          SecurityModeDevelopment,
	}
}
