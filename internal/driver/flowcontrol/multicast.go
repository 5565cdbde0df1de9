package flowcontrol

import (
	"math"
	"sync"
	"time"

	"github.com/aeronmesh/mediadriver/internal/driver/logbuffer"
)

type receiverEntry struct {
	positionLimit int64
	lastSeen      time.Time
}

// MulticastFlowControl implements spec §4.6's min-across-receivers strategy:
// an active set of receivers, each with its own reported window and a
// per-source liveness timeout; a receiver not seen for receiverTimeout is
// dropped, and the publication limit is the minimum reported window across
// whatever remains active.
type MulticastFlowControl struct {
	termLength      int32
	initialTermID   int32
	receiverTimeout time.Duration

	mu        sync.Mutex
	receivers map[int64]*receiverEntry
}

// NewMulticastFlowControl builds a strategy for a publication with the
// given term length, initial term id, and per-receiver liveness timeout.
func NewMulticastFlowControl(termLength, initialTermID int32, receiverTimeout time.Duration) *MulticastFlowControl {
	return &MulticastFlowControl{
		termLength:      termLength,
		initialTermID:   initialTermID,
		receiverTimeout: receiverTimeout,
		receivers:       make(map[int64]*receiverEntry),
	}
}

func (f *MulticastFlowControl) OnStatusMessage(receiverKey int64, sm StatusMessage, now time.Time) int64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	pos := logbuffer.ComputePosition(sm.ConsumptionTermID, sm.ConsumptionTermOffset, f.initialTermID, f.termLength)
	f.receivers[receiverKey] = &receiverEntry{positionLimit: pos + int64(sm.ReceiverWindow), lastSeen: now}
	return f.computeLimit(now)
}

func (f *MulticastFlowControl) Tick(now time.Time) int64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.computeLimit(now)
}

// computeLimit prunes receivers not seen within receiverTimeout, then
// returns the minimum positionLimit across whatever remains. With no active
// receivers there is nothing to constrain the sender against yet, so the
// limit is unbounded; liveness/linger timeouts elsewhere are responsible
// for tearing down a publication nobody is listening to.
func (f *MulticastFlowControl) computeLimit(now time.Time) int64 {
	for key, e := range f.receivers {
		if now.Sub(e.lastSeen) > f.receiverTimeout {
			delete(f.receivers, key)
		}
	}
	if len(f.receivers) == 0 {
		return math.MaxInt64
	}
	min := int64(math.MaxInt64)
	for _, e := range f.receivers {
		if e.positionLimit < min {
			min = e.positionLimit
		}
	}
	return min
}

func (f *MulticastFlowControl) InitialPositionLimit(initialWindow int32) int64 {
	base := logbuffer.ComputePosition(f.initialTermID, 0, f.initialTermID, f.termLength)
	return base + int64(initialWindow)
}

// ActiveReceiverCount returns the number of receivers currently tracked
// (after implicit pruning has not yet run); used for diagnostics/metrics.
func (f *MulticastFlowControl) ActiveReceiverCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.receivers)
}
