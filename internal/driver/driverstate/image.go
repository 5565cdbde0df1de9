package driverstate

import (
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/aeronmesh/mediadriver/internal/driver/logbuffer"
	"github.com/aeronmesh/mediadriver/internal/driver/retransmit"
)

// ImageState is the publication-image lifecycle from spec §3:
// INIT -> ACTIVE (first SM-worthy data) -> INACTIVE (liveness timeout or
// explicit GOINACTIVE) -> LINGER -> removed from the dispatcher.
type ImageState int32

const (
	ImageInit ImageState = iota
	ImageActive
	ImageInactive
	ImageLinger
)

func (s ImageState) String() string {
	switch s {
	case ImageInit:
		return "INIT"
	case ImageActive:
		return "ACTIVE"
	case ImageInactive:
		return "INACTIVE"
	case ImageLinger:
		return "LINGER"
	default:
		return "UNKNOWN"
	}
}

// PublicationImage is the Receiver-owned, per-(session,stream) reassembly
// state for one publisher seen on a subscribed channel.
type PublicationImage struct {
	CorrelationID     int64
	SessionID         int32
	StreamID          int32
	InitialTermID     int32
	InitialTermOffset int32
	Channel           string
	SourceAddr        *net.UDPAddr

	LogBuffer      *logbuffer.LogBuffer
	DelayGenerator retransmit.DelayGenerator

	// activeTermID is the term the rebuilder/gap-scanner currently work in;
	// written only by the Receiver agent.
	activeTermID atomic.Int32

	highestReceivedPosition atomic.Int64
	rebuildPosition         atomic.Int64

	mu                 sync.Mutex
	positions          []*SubscriberPosition
	state              ImageState
	livenessDeadline   time.Time
	lastNakTimeByGap    map[gapKey]time.Time
	CreatedAt          time.Time
}

type gapKey struct {
	TermID int32
	Offset int32
}

// NewPublicationImage builds an image in INIT state.
func NewPublicationImage(correlationID int64, sessionID, streamID, initialTermID, initialTermOffset int32, ch string, source *net.UDPAddr, lb *logbuffer.LogBuffer, delayGen retransmit.DelayGenerator) *PublicationImage {
	img := &PublicationImage{
		CorrelationID:     correlationID,
		SessionID:         sessionID,
		StreamID:          streamID,
		InitialTermID:     initialTermID,
		InitialTermOffset: initialTermOffset,
		Channel:           ch,
		SourceAddr:        source,
		LogBuffer:         lb,
		DelayGenerator:    delayGen,
		state:             ImageInit,
		lastNakTimeByGap:  make(map[gapKey]time.Time),
		CreatedAt:         time.Now(),
	}
	img.activeTermID.Store(initialTermID)
	initialPosition := lb.Position(initialTermID, initialTermOffset)
	img.highestReceivedPosition.Store(initialPosition)
	img.rebuildPosition.Store(initialPosition)
	return img
}

func (img *PublicationImage) ActiveTermID() int32     { return img.activeTermID.Load() }
func (img *PublicationImage) SetActiveTermID(v int32) { img.activeTermID.Store(v) }

func (img *PublicationImage) HighestReceivedPosition() int64 { return img.highestReceivedPosition.Load() }

// AdvanceHighestReceived raises the high-water-mark if pos is higher,
// returning true if it advanced.
func (img *PublicationImage) AdvanceHighestReceived(pos int64) bool {
	for {
		cur := img.highestReceivedPosition.Load()
		if pos <= cur {
			return false
		}
		if img.highestReceivedPosition.CompareAndSwap(cur, pos) {
			return true
		}
	}
}

func (img *PublicationImage) RebuildPosition() int64     { return img.rebuildPosition.Load() }
func (img *PublicationImage) SetRebuildPosition(v int64) { img.rebuildPosition.Store(v) }

func (img *PublicationImage) State() ImageState {
	img.mu.Lock()
	defer img.mu.Unlock()
	return img.state
}

func (img *PublicationImage) SetState(s ImageState) {
	img.mu.Lock()
	img.state = s
	img.mu.Unlock()
}

func (img *PublicationImage) ArmLiveness(deadline time.Time) {
	img.mu.Lock()
	img.livenessDeadline = deadline
	img.mu.Unlock()
}

func (img *PublicationImage) LivenessExpired(now time.Time) bool {
	img.mu.Lock()
	defer img.mu.Unlock()
	return now.After(img.livenessDeadline)
}

// AddSubscriberPosition registers a new subscriber consuming this image.
func (img *PublicationImage) AddSubscriberPosition(sp *SubscriberPosition) {
	img.mu.Lock()
	img.positions = append(img.positions, sp)
	img.mu.Unlock()
}

// RemoveSubscriberPosition unregisters a subscriber, returning true if the
// image has no subscribers left.
func (img *PublicationImage) RemoveSubscriberPosition(sp *SubscriberPosition) (empty bool) {
	img.mu.Lock()
	defer img.mu.Unlock()
	for i, existing := range img.positions {
		if existing == sp {
			last := len(img.positions) - 1
			img.positions[i] = img.positions[last]
			img.positions = img.positions[:last]
			break
		}
	}
	return len(img.positions) == 0
}

// SubscriberPositions returns a snapshot of the currently registered
// subscriber positions.
func (img *PublicationImage) SubscriberPositions() []*SubscriberPosition {
	img.mu.Lock()
	defer img.mu.Unlock()
	out := make([]*SubscriberPosition, len(img.positions))
	copy(out, img.positions)
	return out
}

// MinSubscriberPosition returns the slowest subscriber's consumed position,
// which bounds the receiver window advertised in the next SM. If there are
// no subscribers yet it returns the rebuild position (nothing to wait on).
func (img *PublicationImage) MinSubscriberPosition() int64 {
	positions := img.SubscriberPositions()
	if len(positions) == 0 {
		return img.RebuildPosition()
	}
	min := positions[0].Position()
	for _, p := range positions[1:] {
		if v := p.Position(); v < min {
			min = v
		}
	}
	return min
}

// ShouldSendNak reports whether a NAK for gapKey{termId,offset} may be sent
// now, per spec §4.5/§8: at most once per delayGenerator() interval per gap.
func (img *PublicationImage) ShouldSendNak(termID, offset int32, now time.Time) bool {
	img.mu.Lock()
	defer img.mu.Unlock()
	k := gapKey{termID, offset}
	if last, ok := img.lastNakTimeByGap[k]; ok {
		delay := img.DelayGenerator.Delay()
		if now.Sub(last) < delay {
			return false
		}
	}
	img.lastNakTimeByGap[k] = now
	return true
}

// ClearNak forgets a gap's last-NAK time once it has been filled, so a
// future re-occurrence at the same offset (a new term wrap) is not
// artificially suppressed.
func (img *PublicationImage) ClearNak(termID, offset int32) {
	img.mu.Lock()
	delete(img.lastNakTimeByGap, gapKey{termID, offset})
	img.mu.Unlock()
}

// SubscriberPosition tracks one subscriber's consumed position against one
// image. A subscription holds one of these per image it is attached to.
type SubscriberPosition struct {
	position atomic.Int64
}

func NewSubscriberPosition(initial int64) *SubscriberPosition {
	sp := &SubscriberPosition{}
	sp.position.Store(initial)
	return sp
}

func (sp *SubscriberPosition) Position() int64     { return sp.position.Load() }
func (sp *SubscriberPosition) SetPosition(v int64) { sp.position.Store(v) }
