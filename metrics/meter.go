package metrics

import (
	"sync"
	"sync/atomic"
	"time"
)

// Meter tracks the rate of an event (page faults, cache evictions,
// sessions started) over three windows sized to a V-App session's
// lifetime: 1, 5, and 30 seconds, rather than the 1/5/15-*minute*
// windows a long-running chain client uses.
type Meter struct {
	count     atomic.Int64
	rate1s    *EWMA
	rate5s    *EWMA
	rate30s   *EWMA
	startTime time.Time

	mu       sync.Mutex
	lastTick time.Time
}

// NewMeter creates a new Meter and initializes its start time.
func NewMeter() *Meter {
	now := time.Now()
	return &Meter{
		rate1s:    newEWMA1s(),
		rate5s:    newEWMA5s(),
		rate30s:   newEWMA30s(),
		startTime: now,
		lastTick:  now,
	}
}

// Mark records n events.
func (m *Meter) Mark(n int64) {
	m.count.Add(n)
	m.rate1s.Update(n)
	m.rate5s.Update(n)
	m.rate30s.Update(n)
	m.tickIfNeeded()
}

// tickIfNeeded ticks the EWMAs once per elapsed tickInterval since the
// last tick, catching up on any ticks a quiet meter missed.
func (m *Meter) tickIfNeeded() {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := time.Now()
	elapsed := now.Sub(m.lastTick)
	step := time.Duration(tickInterval * float64(time.Second))
	for elapsed >= step {
		m.rate1s.Tick()
		m.rate5s.Tick()
		m.rate30s.Tick()
		m.lastTick = m.lastTick.Add(step)
		elapsed = now.Sub(m.lastTick)
	}
}

// Count returns the total number of events recorded.
func (m *Meter) Count() int64 {
	return m.count.Load()
}

// Rate1s returns the 1-second EWMA rate per second.
func (m *Meter) Rate1s() float64 {
	m.tickIfNeeded()
	return m.rate1s.Rate()
}

// Rate5s returns the 5-second EWMA rate per second.
func (m *Meter) Rate5s() float64 {
	m.tickIfNeeded()
	return m.rate5s.Rate()
}

// Rate30s returns the 30-second EWMA rate per second.
func (m *Meter) Rate30s() float64 {
	m.tickIfNeeded()
	return m.rate30s.Rate()
}

// RateMean returns the mean rate since the meter was created.
func (m *Meter) RateMean() float64 {
	elapsed := time.Since(m.startTime).Seconds()
	if elapsed == 0 {
		return 0
	}
	return float64(m.count.Load()) / elapsed
}
