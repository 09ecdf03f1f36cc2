// Package buffer provides a bounded, deduplicating tick buffer.
package buffer

import (
	"sync"

	"github.com/velkara/matchsight/pkg/telemetry"
)

// DefaultCapacity covers roughly the last few seconds of telemetry at
// typical spectator tick rates.
const DefaultCapacity = 30

// Ring is a bounded FIFO of recent ticks. Consecutive ticks carrying the
// same game clock are treated as duplicates and rejected, so a stalled
// provider re-sending the same frame does not pollute downstream state.
type Ring struct {
	mu       sync.Mutex
	ticks    []telemetry.RawTick
	capacity int
	accepted int64
	rejected int64
	hasLast  bool
	lastTime float64
}

// NewRing creates a ring buffer. Non-positive capacity falls back to
// DefaultCapacity.
func NewRing(capacity int) *Ring {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	return &Ring{
		ticks:    make([]telemetry.RawTick, 0, capacity),
		capacity: capacity,
	}
}

// Add appends a tick unless its game clock equals the last accepted
// clock. Returns whether the tick was accepted. When full, the oldest
// tick is evicted.
func (r *Ring) Add(tick telemetry.RawTick) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.hasLast && tick.GameTime == r.lastTime {
		r.rejected++
		return false
	}

	if len(r.ticks) == r.capacity {
		copy(r.ticks, r.ticks[1:])
		r.ticks = r.ticks[:r.capacity-1]
	}
	r.ticks = append(r.ticks, tick)
	r.hasLast = true
	r.lastTime = tick.GameTime
	r.accepted++
	return true
}

// Latest returns the most recently accepted tick.
func (r *Ring) Latest() (telemetry.RawTick, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.ticks) == 0 {
		return telemetry.RawTick{}, false
	}
	return r.ticks[len(r.ticks)-1], true
}

// Smoothed returns the tick downstream consumers should score. Currently
// identical to Latest; the buffered window exists so a smoothing policy
// can be introduced here without touching callers.
func (r *Ring) Smoothed() (telemetry.RawTick, bool) {
	return r.Latest()
}

// Len returns the number of buffered ticks.
func (r *Ring) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.ticks)
}

// Accepted returns the total number of ticks accepted since creation.
func (r *Ring) Accepted() int64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.accepted
}

// Rejected returns the total number of duplicate ticks rejected.
func (r *Ring) Rejected() int64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.rejected
}
