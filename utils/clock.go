package utils

import (
	"context"
	"time"
)

// Clock measures the frame rate of the capture loop.
// Tick marks the start of an iteration and FPS returns
// the rate derived from the time elapsed since the last tick.
type Clock struct {
	now  func() time.Time
	last time.Time
}

// NewClock returns a clock backed by the wall clock.
func NewClock() *Clock {
	return &Clock{now: time.Now}
}

// NewClockFunc returns a clock reading the time from now.
func NewClockFunc(now func() time.Time) *Clock {
	return &Clock{now: now}
}

// Tick marks the beginning of a new iteration.
func (c *Clock) Tick() {
	c.last = c.now()
}

// FPS returns the frames per second since the last tick.
func (c *Clock) FPS() float64 {
	if c.last.IsZero() {
		return 0
	}
	elapsed := c.now().Sub(c.last)
	if elapsed <= 0 {
		return 0
	}
	return float64(time.Second) / float64(elapsed)
}

// Sleep pauses the current goroutine for d or until the context is done.
func Sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
