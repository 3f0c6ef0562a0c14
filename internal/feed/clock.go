package feed

import (
	"sync"
	"time"
)

// Clock is the time source staleness is measured on.
type Clock interface {
	Now() time.Time
}

// WallClock reads the system clock.
type WallClock struct{}

// Now returns time.Now().
func (WallClock) Now() time.Time { return time.Now() }

// IngestionClock follows the timestamps of ingested data. Between
// observations it extrapolates at Speed times wall time, so a replay running
// at 60x looks exactly like a live feed to the monitor, and a stalled replay
// goes stale after StaleAfter of data time rather than wall time.
type IngestionClock struct {
	wall func() time.Time

	mu       sync.Mutex
	last     time.Time
	lastWall time.Time
	speed    float64
}

// NewIngestionClock creates a clock running at speed. wall may be nil.
func NewIngestionClock(speed float64, wall func() time.Time) *IngestionClock {
	if wall == nil {
		wall = time.Now
	}
	if speed <= 0 {
		speed = 1
	}
	return &IngestionClock{wall: wall, speed: speed}
}

// Advance moves the clock to ts if ts is later than the current reading.
func (c *IngestionClock) Advance(ts time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.last.IsZero() || ts.After(c.nowLocked()) {
		c.last = ts
		c.lastWall = c.wall()
	}
}

// SetSpeed changes the extrapolation rate. The current reading is kept.
func (c *IngestionClock) SetSpeed(speed float64) {
	if speed <= 0 {
		speed = 1
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.last.IsZero() {
		c.last = c.nowLocked()
		c.lastWall = c.wall()
	}
	c.speed = speed
}

// Speed returns the extrapolation rate.
func (c *IngestionClock) Speed() float64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.speed
}

// Now returns the extrapolated data time. Before any data it returns the
// wall time.
func (c *IngestionClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.nowLocked()
}

func (c *IngestionClock) nowLocked() time.Time {
	if c.last.IsZero() {
		return c.wall()
	}
	elapsed := c.wall().Sub(c.lastWall)
	return c.last.Add(time.Duration(float64(elapsed) * c.speed))
}

// Reset forgets every observation.
func (c *IngestionClock) Reset() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.last = time.Time{}
	c.lastWall = time.Time{}
}
