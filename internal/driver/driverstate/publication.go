// Package driverstate holds the Conductor-owned data model shared across
// all three agents: Publication, Subscription, and PublicationImage, per
// spec §3. The Conductor creates and destroys these; the Sender drives
// Publications and the Receiver drives PublicationImages, each reading the
// fields it needs through plain struct access (single-writer per field) or
// atomics where more than one agent touches a field.
package driverstate

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/aeronmesh/mediadriver/internal/driver/channel"
	"github.com/aeronmesh/mediadriver/internal/driver/flowcontrol"
	"github.com/aeronmesh/mediadriver/internal/driver/logbuffer"
	"github.com/aeronmesh/mediadriver/internal/driver/retransmit"
)

// PublicationState is the publication lifecycle from spec §3.
type PublicationState int32

const (
	PublicationActive PublicationState = iota
	PublicationDraining
	PublicationLinger
	PublicationClosed
)

func (s PublicationState) String() string {
	switch s {
	case PublicationActive:
		return "ACTIVE"
	case PublicationDraining:
		return "DRAINING"
	case PublicationLinger:
		return "LINGER"
	case PublicationClosed:
		return "CLOSED"
	default:
		return "UNKNOWN"
	}
}

// Publication is owned by the Conductor and driven by the Sender.
type Publication struct {
	CorrelationID int64
	SessionID     int32
	StreamID      int32
	InitialTermID int32
	Channel       string // canonical form
	TermLength    int32
	MTU           int32

	LogBuffer         *logbuffer.LogBuffer
	Appender          *logbuffer.Appender
	FlowControl       flowcontrol.Strategy
	RetransmitHandler *retransmit.Handler
	SendEndpoint      *channel.SendChannelEndpoint

	// senderPosition/senderPositionLimit are written by the Sender agent
	// only and read (for diagnostics/metrics) by anyone; atomic because
	// reads cross goroutines.
	senderPosition      atomic.Int64
	senderPositionLimit atomic.Int64

	// connected flips true once the first SM arrives, per spec §4.7 step 2.
	connected atomic.Bool
	// lastActivityNs is updated by the Sender each time it transmits
	// anything other than a heartbeat; used to decide when to emit one.
	lastActivityNs atomic.Int64

	mu                sync.Mutex
	refCount          int32
	state             PublicationState
	lingerDeadline    time.Time
	unblockAt         time.Time
	unblockScanIndex  int32
	unblockScanOffset int32
	CreatedAt         time.Time
}

// NewPublication builds a Publication in the ACTIVE state with refCount 1.
func NewPublication(correlationID int64, sessionID, streamID, initialTermID int32, ch string, termLength, mtu int32) *Publication {
	return &Publication{
		CorrelationID: correlationID,
		SessionID:     sessionID,
		StreamID:      streamID,
		InitialTermID: initialTermID,
		Channel:       ch,
		TermLength:    termLength,
		MTU:           mtu,
		refCount:      1,
		state:         PublicationActive,
		CreatedAt:     time.Now(),
	}
}

func (p *Publication) SenderPosition() int64      { return p.senderPosition.Load() }
func (p *Publication) SetSenderPosition(v int64)  { p.senderPosition.Store(v) }
func (p *Publication) SenderPositionLimit() int64 { return p.senderPositionLimit.Load() }
func (p *Publication) SetSenderPositionLimit(v int64) {
	p.senderPositionLimit.Store(v)
}

func (p *Publication) IsConnected() bool   { return p.connected.Load() }
func (p *Publication) MarkConnected()      { p.connected.Store(true) }
func (p *Publication) LastActivityNs() int64     { return p.lastActivityNs.Load() }
func (p *Publication) TouchActivity(nowNs int64) { p.lastActivityNs.Store(nowNs) }

// IncRef/DecRef implement the reference count from spec §3: a publication
// is destroyed once its reference count returns to zero AND the linger
// period has elapsed.
func (p *Publication) IncRef() {
	p.mu.Lock()
	p.refCount++
	p.mu.Unlock()
}

// DecRef releases a reference. When the count reaches zero the publication
// enters DRAINING and lingerDeadline is armed by the caller (the Conductor)
// via ArmLinger, since the linger duration is a config value the
// publication itself does not carry.
func (p *Publication) DecRef() (reachedZero bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.refCount--
	if p.refCount <= 0 {
		p.state = PublicationDraining
		return true
	}
	return false
}

func (p *Publication) RefCount() int32 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.refCount
}

func (p *Publication) State() PublicationState {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.state
}

// ArmLinger transitions to LINGER and records the deadline after which the
// Conductor may fully remove the publication.
func (p *Publication) ArmLinger(deadline time.Time) {
	p.mu.Lock()
	p.state = PublicationLinger
	p.lingerDeadline = deadline
	p.mu.Unlock()
}

// LingerExpired reports whether now is past the armed linger deadline.
func (p *Publication) LingerExpired(now time.Time) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.state == PublicationLinger && !now.Before(p.lingerDeadline)
}

// ArmUnblock records the deadline at which a stuck producer (reserved but
// never committed) should be forcibly advanced, per spec §4.9's
// PUBLICATION_UNBLOCK_TIMEOUT_NS.
func (p *Publication) ArmUnblock(deadline time.Time) {
	p.mu.Lock()
	p.unblockAt = deadline
	p.mu.Unlock()
}

func (p *Publication) UnblockDeadline() time.Time {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.unblockAt
}

// DisarmUnblock clears a previously armed unblock deadline, e.g. once the
// stuck reservation has been resolved (committed or forcibly padded over).
func (p *Publication) DisarmUnblock() {
	p.mu.Lock()
	p.unblockAt = time.Time{}
	p.mu.Unlock()
}

// UnblockScanState/SetUnblockScanState cache the conductor's incremental
// BlockScan progress through the active partition, so the unblock sweep
// only rescans the range claimed since the previous duty cycle instead of
// the whole partition. index lets the caller detect a term rotation (the
// cached offset is only valid for the partition it was computed against).
func (p *Publication) UnblockScanState() (index, offset int32) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.unblockScanIndex, p.unblockScanOffset
}

func (p *Publication) SetUnblockScanState(index, offset int32) {
	p.mu.Lock()
	p.unblockScanIndex = index
	p.unblockScanOffset = offset
	p.mu.Unlock()
}

func (p *Publication) MarkClosed() {
	p.mu.Lock()
	p.state = PublicationClosed
	p.mu.Unlock()
}
