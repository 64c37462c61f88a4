package msgr

import (
	"sync/atomic"

	"golang.org/x/sync/semaphore"
)

// Throttle is a non-blocking admission gate over a counted budget. A nil
// Throttle admits everything.
type Throttle struct {
	sem *semaphore.Weighted
	max int64
	cur atomic.Int64
}

// NewThrottle returns nil when max is not positive.
func NewThrottle(max int64) *Throttle {
	if max <= 0 {
		return nil
	}
	return &Throttle{sem: semaphore.NewWeighted(max), max: max}
}

// clamp lets a single request larger than the whole budget through once the
// throttle drains, instead of stalling forever.
func (t *Throttle) clamp(n int64) int64 {
	if n > t.max {
		return t.max
	}
	return n
}

// TryAcquire takes n units if they are available right now.
func (t *Throttle) TryAcquire(n int64) bool {
	if t == nil || n <= 0 {
		return true
	}
	n = t.clamp(n)
	if !t.sem.TryAcquire(n) {
		return false
	}
	t.cur.Add(n)
	return true
}

func (t *Throttle) Release(n int64) {
	if t == nil || n <= 0 {
		return
	}
	n = t.clamp(n)
	t.cur.Add(-n)
	t.sem.Release(n)
}

// Current is the number of units held.
func (t *Throttle) Current() int64 {
	if t == nil {
		return 0
	}
	return t.cur.Load()
}

func (t *Throttle) Max() int64 {
	if t == nil {
		return 0
	}
	return t.max
}

// policyThrottles are the receive gates shared by one peer type.
type policyThrottles struct {
	messages *Throttle
	bytes    *Throttle
}

func newPolicyThrottles(p Policy) *policyThrottles {
	return &policyThrottles{
		messages: NewThrottle(p.ThrottleMessages),
		bytes:    NewThrottle(p.ThrottleBytes),
	}
}
