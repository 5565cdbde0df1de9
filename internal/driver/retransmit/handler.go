package retransmit

import (
	"sync"
	"sync/atomic"
	"time"
)

// ResendFunc performs the actual wire retransmission for a gap.
type ResendFunc func(termID, termOffset, length int32)

type entryState int8

const (
	stateDelayed entryState = iota
	stateLinger
)

type key struct {
	TermID     int32
	TermOffset int32
}

type entry struct {
	state     entryState
	length    int32
	expiresAt time.Time
}

// Handler is the per-publication retransmit state machine from spec §4.5:
// IDLE (no entry) -> DELAYED (NAK arrived, feedback delay scheduled) ->
// LINGER (resend performed, suppressing duplicate NAKs) -> IDLE (linger
// expired, entry removed). Entries are keyed on (termId, termOffset) and
// the map is capacity-bounded: additional NAKs are dropped, and counted,
// when full.
type Handler struct {
	mu            sync.Mutex
	entries       map[key]*entry
	capacity      int
	delayGen      DelayGenerator
	lingerTimeout time.Duration
	resend        ResendFunc
	dropped       atomic.Int64
}

// NewHandler builds a Handler bounded to capacity outstanding entries.
func NewHandler(capacity int, delayGen DelayGenerator, lingerTimeout time.Duration, resend ResendFunc) *Handler {
	return &Handler{
		entries:       make(map[key]*entry),
		capacity:      capacity,
		delayGen:      delayGen,
		lingerTimeout: lingerTimeout,
		resend:        resend,
	}
}

// OnNak processes a received NAK for (termId, termOffset, length). A NAK
// for a range already DELAYED or LINGER is suppressed (feedback
// suppression per RFC 5401). If the delay generator returns zero, the
// resend happens immediately and the entry goes straight to LINGER.
func (h *Handler) OnNak(termID, termOffset, length int32, now time.Time) {
	h.mu.Lock()
	defer h.mu.Unlock()

	k := key{termID, termOffset}
	if _, exists := h.entries[k]; exists {
		return
	}
	if len(h.entries) >= h.capacity {
		h.dropped.Add(1)
		return
	}

	delay := h.delayGen.Delay()
	if delay <= 0 {
		h.resend(termID, termOffset, length)
		h.entries[k] = &entry{state: stateLinger, length: length, expiresAt: now.Add(h.lingerTimeout)}
		return
	}
	h.entries[k] = &entry{state: stateDelayed, length: length, expiresAt: now.Add(delay)}
}

// Tick advances expired entries: a DELAYED entry whose delay has elapsed
// resends and moves to LINGER; a LINGER entry whose linger has elapsed is
// removed (back to IDLE).
func (h *Handler) Tick(now time.Time) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for k, e := range h.entries {
		if now.Before(e.expiresAt) {
			continue
		}
		switch e.state {
		case stateDelayed:
			h.resend(k.TermID, k.TermOffset, e.length)
			e.state = stateLinger
			e.expiresAt = now.Add(h.lingerTimeout)
		case stateLinger:
			delete(h.entries, k)
		}
	}
}

// OnRetransmitObserved cancels any entry for (termId, termOffset): used
// when a retransmission for that range is observed on the wire from
// another source (e.g. another retransmitter on a shared multicast group).
func (h *Handler) OnRetransmitObserved(termID, termOffset int32) {
	h.mu.Lock()
	delete(h.entries, key{termID, termOffset})
	h.mu.Unlock()
}

// DroppedCount returns the number of NAKs dropped because the handler was
// at capacity, exposed as a metric per spec §9's open question.
func (h *Handler) DroppedCount() int64 { return h.dropped.Load() }

// ActiveCount returns the number of outstanding (DELAYED or LINGER) entries.
func (h *Handler) ActiveCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.entries)
}
