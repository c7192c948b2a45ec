package session

import (
	"math"
	"sync"
)

// CrankTracker turns absolute crank angles into signed deltas. Deltas are
// wrapped into (-180, 180] so a pass through 0/360 is a small step.
type CrankTracker struct {
	mu   sync.Mutex
	last float64
	has  bool
}

// Update records angle and returns the delta from the previous angle. ok is
// false for the first angle after construction or Reset.
func (c *CrankTracker) Update(angle float64) (delta float64, ok bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	prev, had := c.last, c.has
	c.last, c.has = angle, true
	if !had {
		return 0, false
	}
	return WrapDelta(angle - prev), true
}

// Reset forgets the previous angle.
func (c *CrankTracker) Reset() {
	c.mu.Lock()
	c.has = false
	c.mu.Unlock()
}

// WrapDelta maps an angle difference in degrees into (-180, 180].
func WrapDelta(d float64) float64 {
	d = math.Mod(d, 360)
	switch {
	case d > 180:
		d -= 360
	case d <= -180:
		d += 360
	}
	return d
}
