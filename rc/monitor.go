package rc

import (
	"context"
	"sync/atomic"
	"time"
)

// ---------------------------------------------------------------------------
// Monitor: periodic table sampling
// ---------------------------------------------------------------------------

// MonitorStats holds the result of a single sample.
type MonitorStats struct {
	TableStats
	SampleDuration time.Duration
	Timestamp      time.Time
}

// Monitor samples the runtime's tables, keeps the latest occupancy figures
// and logs them. Long-running hosts run it next to their work to spot
// objects leaking into the side table.
type Monitor struct {
	rt       *Runtime
	interval time.Duration

	sampleCount atomic.Uint64
	lastStats   atomic.Pointer[MonitorStats]
}

// DefaultMonitorInterval is the default sampling interval.
const DefaultMonitorInterval = 30 * time.Second

// NewMonitor creates a monitor for rt. A non-positive interval selects
// DefaultMonitorInterval.
func NewMonitor(rt *Runtime, interval time.Duration) *Monitor {
	if interval <= 0 {
		interval = DefaultMonitorInterval
	}
	return &Monitor{rt: rt, interval: interval}
}

// Run samples once per interval until ctx is done, then takes a final
// sample so LastStats reflects the tables at shutdown.
func (m *Monitor) Run(ctx context.Context) {
	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			m.sample()
			return
		case <-ticker.C:
			m.sample()
		}
	}
}

// Interval returns the sampling interval.
func (m *Monitor) Interval() time.Duration {
	return m.interval
}

// SampleCount returns the number of samples taken.
func (m *Monitor) SampleCount() uint64 {
	return m.sampleCount.Load()
}

// LastStats returns the most recent sample, or nil before the first one.
func (m *Monitor) LastStats() *MonitorStats {
	return m.lastStats.Load()
}

// SampleNow takes a sample immediately.
func (m *Monitor) SampleNow() *MonitorStats {
	return m.sample()
}

func (m *Monitor) sample() *MonitorStats {
	start := time.Now()
	stats := &MonitorStats{
		TableStats: m.rt.Stats(),
		Timestamp:  start,
	}
	stats.SampleDuration = time.Since(start)

	m.rt.metrics.SideTableEntries.Set(float64(stats.SideEntries))
	m.rt.metrics.WeakTableEntries.Set(float64(stats.WeakEntries))

	m.sampleCount.Add(1)
	m.lastStats.Store(stats)

	logger.Infof("side table: %d entries (%d overflowed, %d side-only); weak table: %d referents, %d referrers",
		stats.SideEntries, stats.SideOverflowed, stats.SideOnly, stats.WeakEntries, stats.WeakReferrers)
	return stats
}
