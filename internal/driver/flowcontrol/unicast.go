package flowcontrol

import (
	"sync"
	"time"

	"github.com/aeronmesh/mediadriver/internal/driver/logbuffer"
)

// UnicastFlowControl implements spec §4.6's "last SM wins" strategy: the
// publication limit is always derived from the most recently received SM,
// regardless of which receiver sent it (unicast has exactly one).
type UnicastFlowControl struct {
	termLength    int32
	initialTermID int32

	mu     sync.Mutex
	limit  int64
	hasSM  bool
}

// NewUnicastFlowControl builds a strategy for a publication with the given
// term length and initial term id (needed to convert an SM's term-relative
// consumption position into the log buffer's absolute position space).
func NewUnicastFlowControl(termLength, initialTermID int32) *UnicastFlowControl {
	return &UnicastFlowControl{termLength: termLength, initialTermID: initialTermID}
}

func (f *UnicastFlowControl) OnStatusMessage(_ int64, sm StatusMessage, _ time.Time) int64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	pos := logbuffer.ComputePosition(sm.ConsumptionTermID, sm.ConsumptionTermOffset, f.initialTermID, f.termLength)
	f.limit = pos + int64(sm.ReceiverWindow)
	f.hasSM = true
	return f.limit
}

func (f *UnicastFlowControl) Tick(_ time.Time) int64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.hasSM {
		return 0
	}
	return f.limit
}

func (f *UnicastFlowControl) InitialPositionLimit(initialWindow int32) int64 {
	base := logbuffer.ComputePosition(f.initialTermID, 0, f.initialTermID, f.termLength)
	return base + int64(initialWindow)
}
