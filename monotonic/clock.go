// Package monotonic produces the created-nanos timestamps stamped on
// every pool frame (spec §4.1, "Timing"). Values are wall-clock UNIX
// epoch nanoseconds so they compare across processes, but are forced
// strictly increasing within a process and gently corrected back
// toward the real wall clock so NTP/PTP jumps never run two entries'
// timestamps backwards relative to each other.
package monotonic

import (
	"sync"
	"sync/atomic"
	"time"
)

const (
	// CorrectionRate bounds how many nanoseconds of drift are clawed
	// back per CorrectionInterval: 1ms/s, ~3.6s/hour.
	CorrectionRate int64 = 1_000_000

	CorrectionInterval = time.Second
)

// Clock is a per-process source of created-nanos timestamps.
type Clock struct {
	startWall int64
	startMono time.Time
	offset    atomic.Int64
	lastTime  atomic.Int64
	stopCh    chan struct{}
}

var (
	globalClock *Clock
	initOnce    sync.Once
)

// Init starts the package-level clock used by Now/Stop. Safe to call
// more than once; only the first call takes effect.
func Init() {
	initOnce.Do(func() {
		globalClock = New()
	})
}

// New starts an independent clock, used by a pool that wants its own
// timestamp source rather than the package-level singleton.
func New() *Clock {
	now := time.Now()
	c := &Clock{
		startWall: now.UTC().UnixNano(),
		startMono: now,
		stopCh:    make(chan struct{}),
	}
	go c.correctionLoop()
	return c
}

// Now returns a created-nanos timestamp: UNIX epoch nanoseconds,
// strictly greater than every value this Clock has previously
// returned.
func (c *Clock) Now() int64 {
	elapsed := time.Since(c.startMono).Nanoseconds()
	synthetic := c.startWall + elapsed + c.offset.Load()

	for {
		last := c.lastTime.Load()
		if synthetic <= last {
			next := last + 1
			if c.lastTime.CompareAndSwap(last, next) {
				return next
			}
			continue
		}
		if c.lastTime.CompareAndSwap(last, synthetic) {
			return synthetic
		}
	}
}

func (c *Clock) correctionLoop() {
	ticker := time.NewTicker(CorrectionInterval)
	defer ticker.Stop()
	for {
		select {
		case <-c.stopCh:
			return
		case <-ticker.C:
			c.applyCorrection()
		}
	}
}

// applyCorrection nudges the offset toward real wall time so the
// synthetic clock doesn't permanently diverge after an NTP jump. TTL
// comparisons in pool tolerate drift up to the sweep interval, so a
// gradual correction (rather than an instant jump) never produces an
// observable time reversal.
func (c *Clock) applyCorrection() {
	elapsed := time.Since(c.startMono).Nanoseconds()
	currentOffset := c.offset.Load()
	synthetic := c.startWall + elapsed + currentOffset
	real := time.Now().UTC().UnixNano()
	drift := synthetic - real

	if drift > 0 {
		correction := min(CorrectionRate, drift)
		c.offset.Add(-correction)
	} else if drift < -CorrectionRate {
		c.offset.Add(CorrectionRate)
	}
}

// Stop halts the correction loop.
func (c *Clock) Stop() {
	close(c.stopCh)
}

// Now returns a created-nanos timestamp from the package-level clock.
// Panics if Init has not been called.
func Now() int64 {
	if globalClock == nil {
		panic("monotonic: clock not initialized, call monotonic.Init() first")
	}
	return globalClock.Now()
}

// Stop halts the package-level clock's correction loop.
func Stop() {
	if globalClock == nil {
		panic("monotonic: clock not initialized, call monotonic.Init() first")
	}
	globalClock.Stop()
}

// Reset reinitializes the package-level clock; used by tests that
// need a fresh baseline between cases.
func Reset() {
	if globalClock != nil {
		globalClock.Stop()
	}
	globalClock = New()
	initOnce = sync.Once{}
}
