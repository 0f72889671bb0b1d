package clock

import (
	"time"

	"github.com/shirou/gopsutil/host"
)

// Clock provides wall-clock and monotonic time. The monotonic reading is
// anchored to system boot and is unaffected by NTP or manual wall-clock
// adjustments, which makes it safe for accumulating update durations.
type Clock interface {
	Now() time.Time
	MonotonicNow() time.Time
}

// SystemClock implements Clock on the host system.
type SystemClock struct{}

// NewSystemClock returns a Clock backed by the host system.
func NewSystemClock() *SystemClock {
	return &SystemClock{}
}

// Now returns the current wall-clock time.
func (c *SystemClock) Now() time.Time {
	return time.Now()
}

// MonotonicNow returns the system uptime expressed as a time.Time offset
// from the zero time. Only differences between readings are meaningful.
func (c *SystemClock) MonotonicNow() time.Time {
	uptime, err := host.Uptime()
	if err != nil {
		// Fall back to the runtime's monotonic reading; still strictly
		// increasing within a single process lifetime.
		return time.Time{}.Add(time.Duration(time.Now().UnixNano()))
	}
	return time.Time{}.Add(time.Duration(uptime) * time.Second)
}
