// Package flowcontrol implements the sender-side flow-control strategies
// from spec §4.6: given received Status Messages, compute the maximum byte
// position (the "publication limit") a Sender may transmit up to. Unicast
// keeps only the last SM; multicast tracks an active set of receivers with
// per-source liveness and limits to the minimum reported window.
package flowcontrol

import "time"

// StatusMessage is the subset of an SM frame a flow-control strategy needs.
type StatusMessage struct {
	ConsumptionTermID     int32
	ConsumptionTermOffset int32
	ReceiverWindow        int32
}

// Strategy is satisfied by both UnicastFlowControl and MulticastFlowControl;
// receiverKey identifies the SM's source (a receiver id, or a hash of the
// source address when the SM carries none) and is ignored by the unicast
// strategy, which always takes the most recent SM regardless of source.
type Strategy interface {
	// OnStatusMessage folds in a received SM and returns the updated
	// publication limit.
	OnStatusMessage(receiverKey int64, sm StatusMessage, now time.Time) int64
	// Tick re-evaluates the publication limit (pruning expired receivers
	// for multicast) without a new SM, returning the current limit.
	Tick(now time.Time) int64
	// InitialPositionLimit is the limit to use before any SM has arrived,
	// per spec §4.7's "send SETUP until first SM": the window cannot be
	// wider than the configured initial window at the stream's start.
	InitialPositionLimit(initialWindow int32) int64
}
