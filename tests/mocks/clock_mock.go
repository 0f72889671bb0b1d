package mocks

import "time"

// FakeClock is a controllable clock.Clock double. Wall and monotonic time
// advance only when the test says so, and can diverge to simulate NTP
// corrections.
type FakeClock struct {
	WallTime time.Time
	MonoTime time.Time
}

// NewFakeClock starts both clocks at fixed, unrelated epochs.
func NewFakeClock() *FakeClock {
	return &FakeClock{
		WallTime: time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC),
		MonoTime: time.Time{}.Add(1000 * time.Hour),
	}
}

func (c *FakeClock) Now() time.Time {
	return c.WallTime
}

func (c *FakeClock) MonotonicNow() time.Time {
	return c.MonoTime
}

// Advance moves both clocks forward together.
func (c *FakeClock) Advance(d time.Duration) {
	c.WallTime = c.WallTime.Add(d)
	c.MonoTime = c.MonoTime.Add(d)
}

// StepWall moves only the wall clock, simulating a clock correction.
func (c *FakeClock) StepWall(d time.Duration) {
	c.WallTime = c.WallTime.Add(d)
}
