package timestamp

import (
	"math/rand"
	"sync"
	"time"
)

// Clock yields the physical component of candidate commit timestamps.
type Clock interface {
	Now() uint64
}

// ClockFunc adapts a plain function to the Clock interface.
type ClockFunc func() uint64

// Now implements Clock.
func (f ClockFunc) Now() uint64 { return f() }

// SyncedClock models a loosely synchronised wall clock. Each process draws a
// fixed skew within the configured error bound, which is how a fleet of NTP
// synchronised hosts behaves: close, never identical. Readings are
// monotonically non-decreasing within the process.
type SyncedClock struct {
	mu   sync.Mutex
	skew int64
	last uint64
}

// NewSyncedClock returns a clock whose readings deviate from the host wall
// clock by at most errorBound in either direction.
func NewSyncedClock(errorBound time.Duration) *SyncedClock {
	var skew int64
	if b := errorBound.Microseconds(); b > 0 {
		skew = rand.Int63n(2*b+1) - b
	}
	return &SyncedClock{skew: skew}
}

// Now returns the current reading in microseconds since the Unix epoch,
// shifted by the process skew.
func (c *SyncedClock) Now() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	now := time.Now().UnixMicro() + c.skew
	if now < 1 {
		now = 1
	}
	t := uint64(now)
	if t <= c.last {
		t = c.last + 1
	}
	c.last = t
	return t
}
