// Package idle implements the duty-cycle backoff each agent's doWork loop
// applies when a tick produced no work, and the rate-bounded gate each
// agent uses to pace periodic housekeeping (heartbeats, SM emission,
// liveness sweeps) without a dedicated timer goroutine per task.
package idle

import (
	"runtime"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"
)

// Strategy is a busy-spin -> yield -> park backoff, the idiomatic
// non-blocking duty-cycle idle strategy: an agent's doWork loop calls Idle
// with the number of items it processed this tick, and Strategy decides how
// much to back off before the next tick. A tick that does real work resets
// the backoff immediately, keeping latency low under load while avoiding a
// pegged core when idle.
type Strategy struct {
	maxSpins  int64
	maxYields int64
	maxPark   time.Duration

	idleCount atomic.Int64
}

// NewStrategy builds a Strategy that spins maxSpins times, then yields the
// processor maxYields times, then sleeps with a linear backoff (one more
// millisecond per idle tick) capped at maxPark. It keeps sleeping maxPark
// per idle tick until a tick reports work, which restarts the sequence.
func NewStrategy(maxSpins, maxYields int64, maxPark time.Duration) *Strategy {
	return &Strategy{maxSpins: maxSpins, maxYields: maxYields, maxPark: maxPark}
}

// Idle applies backoff for one empty tick, or resets it if workCount > 0.
func (s *Strategy) Idle(workCount int) {
	if workCount > 0 {
		s.idleCount.Store(0)
		return
	}
	n := s.idleCount.Add(1)
	switch {
	case n <= s.maxSpins:
		// busy-spin: cheapest backoff, lowest latency on the next real tick.
	case n <= s.maxSpins+s.maxYields:
		runtime.Gosched()
	default:
		park := time.Duration(n-s.maxSpins-s.maxYields) * time.Millisecond
		if park > s.maxPark {
			park = s.maxPark
		}
		time.Sleep(park)
	}
}

// Gate rate-bounds a periodic action so a doWork loop can check "is it time
// yet?" every tick without its own ticker goroutine or deadline bookkeeping.
type Gate struct {
	limiter *rate.Limiter
}

// NewGate builds a Gate that allows the action at most once per interval.
func NewGate(interval time.Duration) *Gate {
	return &Gate{limiter: rate.NewLimiter(rate.Every(interval), 1)}
}

// Allow reports whether the periodic action may run now, consuming its
// token if so. Never blocks.
func (g *Gate) Allow() bool { return g.limiter.Allow() }

// SetInterval adjusts the gate's period, e.g. when a Context reload changes
// a timer constant.
func (g *Gate) SetInterval(interval time.Duration) {
	g.limiter.SetLimit(rate.Every(interval))
}
