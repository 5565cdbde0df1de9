// Package retransmit implements the per-publication retransmit handler
// (spec §4.5): a bounded state machine over outstanding NAKs, and the
// feedback-suppression delay generators (unicast constant, multicast RFC
// 5401 Optimal Multicast Feedback) that decide how long to wait before
// resending.
package retransmit

import (
	"math"
	"math/rand"
	"time"
)

// DelayGenerator computes the feedback-suppression delay to apply before
// honoring a NAK.
type DelayGenerator interface {
	Delay() time.Duration
}

// UnicastDelayGenerator always returns a small constant delay: unicast has
// exactly one receiver, so there is no feedback implosion to suppress.
type UnicastDelayGenerator struct {
	Delay_ time.Duration
}

// NewUnicastDelayGenerator returns a generator with the given constant delay.
func NewUnicastDelayGenerator(d time.Duration) UnicastDelayGenerator {
	return UnicastDelayGenerator{Delay_: d}
}

func (g UnicastDelayGenerator) Delay() time.Duration { return g.Delay_ }

// MulticastDelayGenerator implements the RFC 5401 Optimal Multicast
// Feedback (OMFB) distribution:
//
//	lambda = ln(groupSize) + 1
//	x ~ Uniform(lambda/maxBackoff, lambda*exp(lambda)/(maxBackoff*(exp(lambda)-1)))
//	delay  = (maxBackoff/lambda) * ln(x*(exp(lambda)-1)*(maxBackoff/lambda))
//
// GroupSize is a tunable constant estimate of the active receiver count
// (spec §9 notes this as a deliberate non-adaptive simplification).
type MulticastDelayGenerator struct {
	GroupSize int
	MaxBackoff time.Duration
	Rand       *rand.Rand
}

// NewMulticastDelayGenerator builds a generator for the given group-size
// estimate and maximum backoff.
func NewMulticastDelayGenerator(groupSize int, maxBackoff time.Duration) *MulticastDelayGenerator {
	if groupSize < 1 {
		groupSize = 1
	}
	return &MulticastDelayGenerator{
		GroupSize:  groupSize,
		MaxBackoff: maxBackoff,
		Rand:       rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

func (g *MulticastDelayGenerator) Delay() time.Duration {
	lambda := math.Log(float64(g.GroupSize)) + 1
	maxBackoff := g.MaxBackoff.Seconds()
	if maxBackoff <= 0 || lambda <= 0 {
		return 0
	}
	expLambda := math.Exp(lambda)

	low := lambda / maxBackoff
	high := lambda * expLambda / (maxBackoff * (expLambda - 1))
	if high <= low {
		return 0
	}

	u := g.Rand.Float64()
	x := low + u*(high-low)

	delaySeconds := (maxBackoff / lambda) * math.Log(x*(expLambda-1)*(maxBackoff/lambda))
	if delaySeconds < 0 {
		delaySeconds = 0
	}
	return time.Duration(delaySeconds * float64(time.Second))
}
