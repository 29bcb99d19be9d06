package metrics

import (
	"math"
	"sync"
	"sync/atomic"
)

// tickInterval is the cadence at which every EWMA in this process decays
// its rate. A V-App session runs for seconds to a few minutes, not the
// hours-to-days lifetime of a long-running chain client, so a 1-second
// tick (rather than the 5-second tick a load-average style meter usually
// uses) is needed for the short windows below to mean anything by the
// time a session tears down.
const tickInterval = 1.0

// EWMA is an exponentially weighted moving average of an event rate,
// decayed once per tickInterval. It is safe for concurrent use.
type EWMA struct {
	alpha     float64
	uncounted atomic.Int64
	mu        sync.Mutex
	rate      float64
	init      bool
}

// newEWMA creates an EWMA whose decay constant corresponds to an
// exponential moving average over windowSeconds.
func newEWMA(windowSeconds float64) *EWMA {
	return &EWMA{alpha: 1 - math.Exp(-tickInterval/windowSeconds)}
}

// newEWMA1s returns a 1-second-window EWMA: at session granularity this
// tracks the instantaneous rate, the VM analogue of a 1-minute load
// average on a process that lives for minutes rather than days.
func newEWMA1s() *EWMA { return newEWMA(1) }

// newEWMA5s returns a 5-second-window EWMA, smoothing over a handful of
// page-fault bursts within one session.
func newEWMA5s() *EWMA { return newEWMA(5) }

// newEWMA30s returns a 30-second-window EWMA, long enough to span most
// whole V-App sessions and so approximate their mean rate without
// needing RateMean's full-session average.
func newEWMA30s() *EWMA { return newEWMA(30) }

// Update adds n samples to the uncounted total since the last Tick.
func (e *EWMA) Update(n int64) {
	e.uncounted.Add(n)
}

// Tick decays the rate and folds in samples accumulated since the
// previous tick. Callers drive this at tickInterval via Meter's
// self-ticking, not on a caller-owned timer.
func (e *EWMA) Tick() {
	count := e.uncounted.Swap(0)
	instantRate := float64(count) / tickInterval

	e.mu.Lock()
	defer e.mu.Unlock()

	if e.init {
		e.rate += e.alpha * (instantRate - e.rate)
	} else {
		e.rate = instantRate
		e.init = true
	}
}

// Rate returns the current decayed rate, in events per second.
func (e *EWMA) Rate() float64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.rate
}
