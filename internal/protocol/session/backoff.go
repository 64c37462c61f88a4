package session

import (
	"math"
	"math/rand"
	"time"
)

// NextBackoffDelay returns the retry delay for attempt N (1-based).
func NextBackoffDelay(cfg BackoffConfig, attempt int, rng *rand.Rand) time.Duration {
	if attempt <= 1 {
		return cfg.InitialDelay
	}
	if cfg.InitialDelay <= 0 {
		return 0
	}
	if cfg.Multiplier < 1.0 {
		cfg.Multiplier = 1.0
	}
	delay := float64(cfg.InitialDelay) * math.Pow(cfg.Multiplier, float64(attempt-1))
	if cfg.MaxDelay > 0 && delay > float64(cfg.MaxDelay) {
		delay = float64(cfg.MaxDelay)
	}
	if cfg.Jitter {
		f := 0.5
		if rng != nil {
			f = 0.5 + rng.Float64()
		}
		delay = delay * f
	}
	return time.Duration(delay)
}

// Backoff tracks the reconnect delay of one connection. The first failure
// waits InitialDelay, each further failure doubles it up to MaxDelay, and a
// successful handshake resets it.
type Backoff struct {
	cfg     BackoffConfig
	rng     *rand.Rand
	attempt int
	pinned  bool
}

func NewBackoff(cfg BackoffConfig, rng *rand.Rand) *Backoff {
	return &Backoff{cfg: cfg, rng: rng}
}

// Next advances and returns the delay for the next attempt.
func (b *Backoff) Next() time.Duration {
	if b.pinned {
		return b.cfg.MaxDelay
	}
	b.attempt++
	return NextBackoffDelay(b.cfg, b.attempt, b.rng)
}

// Pin jumps straight to MaxDelay until Reset. A peer that told us to WAIT
// is mid-race and will reach us itself.
func (b *Backoff) Pin() time.Duration {
	b.pinned = true
	return b.cfg.MaxDelay
}

func (b *Backoff) Reset() {
	b.attempt = 0
	b.pinned = false
}

func (b *Backoff) Attempt() int {
	return b.attempt
}
