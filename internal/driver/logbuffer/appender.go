package logbuffer

import (
	"math"
	"sync/atomic"
	"unsafe"

	"github.com/aeronmesh/mediadriver/internal/driver/driverrors"
	"github.com/aeronmesh/mediadriver/internal/driver/protocol"
)

// AppendResult is the outcome of a reservation or append, per spec §4.2.
type AppendResult int8

const (
	ResultSuccess AppendResult = iota
	ResultBackPressured
	ResultAdminAction
	ResultClosed
	ResultMaxPositionExceeded
)

func (r AppendResult) String() string {
	switch r {
	case ResultSuccess:
		return "SUCCESS"
	case ResultBackPressured:
		return "BACK_PRESSURED"
	case ResultAdminAction:
		return "ADMIN_ACTION"
	case ResultClosed:
		return "CLOSED"
	case ResultMaxPositionExceeded:
		return "MAX_POSITION_EXCEEDED"
	default:
		return "UNKNOWN"
	}
}

// ReserveResult describes a successful reservation's write target; for any
// non-SUCCESS Code the other fields are meaningless.
type ReserveResult struct {
	Code      AppendResult
	Position  int64
	Partition int32
	TermID    int32
	Offset    int32
}

// Appender is the producer-side term writer for one publication. It is a
// single-writer component: only one goroutine may call Reserve/Append for a
// given Appender, matching the "single-writer term tail" ordering invariant.
type Appender struct {
	lb        *LogBuffer
	sessionID int32
	streamID  int32
	closed    atomic.Bool
}

// NewAppender creates an Appender over lb for the given session/stream.
func NewAppender(lb *LogBuffer, sessionID, streamID int32) *Appender {
	return &Appender{lb: lb, sessionID: sessionID, streamID: streamID}
}

// Close marks the appender closed; subsequent Reserve/Append calls return CLOSED.
func (a *Appender) Close() { a.closed.Store(true) }

// reserve atomically fetch-adds alignedLen onto the active partition's tail
// and handles the end-of-partition padding+rotation dance when the
// reservation would cross the term boundary.
func (a *Appender) reserve(alignedLen int32, positionLimit int64) ReserveResult {
	if a.closed.Load() {
		return ReserveResult{Code: ResultClosed}
	}
	meta := a.lb.Metadata()
	termLength := a.lb.TermLength()

	// Peek the tail without mutating it so a back-pressured reservation
	// never claims a slot: per spec.md's back-pressure scenario, a failed
	// offer must be fully retryable, not strand a hole that BlockScan/
	// ScanForGap can never step over. Crossing the term boundary is a
	// physical constraint independent of flow control, so the pad+rotate
	// path below still claims unconditionally once reached.
	activeIndex := meta.ActiveIndex()
	peekRaw := meta.RawTail(activeIndex)
	termID, termOffset := unpackRawTail(peekRaw)

	if termID > math.MaxInt32-PartitionCount {
		return ReserveResult{Code: ResultMaxPositionExceeded}
	}

	newTermOffset := termOffset + alignedLen
	if newTermOffset <= termLength {
		position := a.lb.Position(termID, newTermOffset)
		if position > positionLimit {
			return ReserveResult{Code: ResultBackPressured, Position: a.lb.Position(termID, termOffset)}
		}
	}

	prevRaw := meta.AddRawTail(activeIndex, alignedLen)
	termID, termOffset = unpackRawTail(prevRaw)
	newTermOffset = termOffset + alignedLen
	if newTermOffset > termLength {
		if termOffset < termLength {
			a.padToEnd(activeIndex, termOffset, termID, termLength)
		}
		// A partition filled exactly to its end needs no padding but must
		// still rotate; rotate's CAS keeps this to one rotation per term.
		a.rotate(activeIndex, termID, termLength)
		return ReserveResult{Code: ResultAdminAction}
	}

	return ReserveResult{
		Code:      ResultSuccess,
		Position:  a.lb.Position(termID, newTermOffset),
		Partition: activeIndex,
		TermID:    termID,
		Offset:    termOffset,
	}
}

// padToEnd writes a PAD frame covering [termOffset, termLength) of
// partition[index], committing it last with a release write of frame length.
func (a *Appender) padToEnd(index, termOffset, termID, termLength int32) {
	if termOffset >= termLength {
		return
	}
	partition := a.lb.PartitionAt(index)
	remaining := termLength - termOffset
	buf := partition[termOffset : termOffset+remaining]
	h, err := protocol.NewDataHeader(buf)
	if err != nil {
		return
	}
	h.SetTermOffset(termOffset)
	h.SetSessionID(a.sessionID)
	h.SetStreamID(a.streamID)
	h.SetTermID(termID)
	h.SetReservedValue(0)
	c := h.Common()
	c.SetVersion(protocol.Version1)
	c.SetFlags(0)
	c.SetType(protocol.TypePad)
	commitFrameLength(buf, remaining)
}

// rotate advances the active partition index, then scrubs the partition
// after the new active one and seeds its raw tail to (termID+2, 0).
func (a *Appender) rotate(activeIndex, termID, termLength int32) {
	meta := a.lb.Metadata()
	nextIndex := (activeIndex + 1) % PartitionCount
	if !meta.CompareAndSwapActiveIndex(activeIndex, nextIndex) {
		return // another caller already rotated (should not happen: single writer)
	}
	// The partition two rotations ahead is the one about to become active
	// after the one we just switched to; scrub it now while it is idle and
	// reseed its tail for the term it will hold two terms from now.
	scrubIndex := (nextIndex + 1) % PartitionCount
	a.lb.ScrubPartition(scrubIndex)
	meta.SetRawTail(scrubIndex, termID+2, 0)
}

// commitFrameLength performs the append commit: payload bytes are assumed
// already written; the frame-length field is written last, with a store
// that orders after the payload writes (the read side loads frame-length
// with an acquire to see a consistent frame).
func commitFrameLength(buf []byte, length int32) {
	atomic.StoreInt32((*int32)(unsafe.Pointer(&buf[0])), length)
}

// AppendUnfragmented reserves and writes a single DATA frame carrying all of
// payload (BEGIN|END flags). Caller is responsible for ensuring
// len(payload)+DataHeaderLength fits within MTU; use AppendFragmented
// otherwise.
func (a *Appender) AppendUnfragmented(payload []byte, reservedValue int64, positionLimit int64) (int64, AppendResult) {
	frameLength := int32(protocol.DataHeaderLength + len(payload))
	alignedLen := protocol.AlignTo32(frameLength)
	for {
		res := a.reserve(alignedLen, positionLimit)
		switch res.Code {
		case ResultSuccess:
			partition := a.lb.PartitionAt(res.Partition)
			buf := partition[res.Offset : res.Offset+alignedLen]
			_, err := protocol.EncodeData(buf, protocol.TypeData, a.sessionID, a.streamID, res.TermID, res.Offset, reservedValue, protocol.FlagBeginEnd, payload)
			if err != nil {
				return 0, ResultClosed
			}
			return res.Position, ResultSuccess
		case ResultAdminAction:
			continue
		default:
			return res.Position, res.Code
		}
	}
}

// AppendFragmented splits payload into ceil(len/maxChunk) DATA frames, each
// reserved and committed in order, with BEGIN set only on the first and END
// only on the last (a lone fragment gets both, handled by AppendUnfragmented).
// maxChunk should be mtu-DataHeaderLength rounded down to 32, per spec §4.7.
func (a *Appender) AppendFragmented(payload []byte, maxChunk int32, reservedValue int64, positionLimit int64) (int64, AppendResult) {
	if len(payload) <= int(maxChunk) {
		return a.AppendUnfragmented(payload, reservedValue, positionLimit)
	}
	var lastPosition int64
	offset := 0
	for offset < len(payload) {
		end := offset + int(maxChunk)
		if end > len(payload) {
			end = len(payload)
		}
		chunk := payload[offset:end]
		flags := uint8(0)
		if offset == 0 {
			flags |= protocol.FlagBegin
		}
		if end == len(payload) {
			flags |= protocol.FlagEnd
		}
		frameLength := int32(protocol.DataHeaderLength + len(chunk))
		alignedLen := protocol.AlignTo32(frameLength)
		for {
			res := a.reserve(alignedLen, positionLimit)
			if res.Code == ResultAdminAction {
				continue
			}
			if res.Code != ResultSuccess {
				return res.Position, res.Code
			}
			partition := a.lb.PartitionAt(res.Partition)
			buf := partition[res.Offset : res.Offset+alignedLen]
			_, err := protocol.EncodeData(buf, protocol.TypeData, a.sessionID, a.streamID, res.TermID, res.Offset, reservedValue, flags, chunk)
			if err != nil {
				return 0, ResultClosed
			}
			lastPosition = res.Position
			break
		}
		offset = end
	}
	return lastPosition, ResultSuccess
}

// AppendHeartbeat reserves and commits a zero-length DATA frame at the
// current sender position, per spec §4.7 step 4.
func (a *Appender) AppendHeartbeat(positionLimit int64) (int64, AppendResult) {
	return a.AppendUnfragmented(nil, 0, positionLimit)
}

// ScanProgress reports the active partition index, its current raw tail
// offset, and the highest offset reachable by contiguous committed frames
// starting at fromOffset. The conductor's stuck-reservation sweep uses this
// to detect a reservation that was claimed (tail advanced) but never
// committed — e.g. because encoding failed partway through Append — without
// rescanning the whole partition every duty cycle: fromOffset is normally
// the committedOffset returned by the previous call.
func (a *Appender) ScanProgress(fromOffset int32) (activeIndex, tailOffset, committedOffset int32) {
	meta := a.lb.Metadata()
	activeIndex = meta.ActiveIndex()
	raw := meta.RawTail(activeIndex)
	_, tailOffset = unpackRawTail(raw)
	termLength := a.lb.TermLength()
	if tailOffset > termLength {
		tailOffset = termLength
	}
	if fromOffset > tailOffset {
		fromOffset = 0
	}
	partition := a.lb.PartitionAt(activeIndex)
	committedOffset = BlockScan(partition, fromOffset, tailOffset-fromOffset)
	return activeIndex, tailOffset, committedOffset
}

// Unblock forcibly commits a PAD frame over [committedOffset, tailOffset) of
// partition[activeIndex], advancing past a reservation that was claimed but
// never committed. Called by the conductor only after
// PublicationUnblockTimeout has elapsed with no progress past committedOffset.
func (a *Appender) Unblock(activeIndex, committedOffset, tailOffset int32) bool {
	if committedOffset >= tailOffset {
		return false
	}
	meta := a.lb.Metadata()
	raw := meta.RawTail(activeIndex)
	termID, _ := unpackRawTail(raw)
	partition := a.lb.PartitionAt(activeIndex)
	length := tailOffset - committedOffset
	buf := partition[committedOffset : committedOffset+length]
	h, err := protocol.NewDataHeader(buf)
	if err != nil {
		return false
	}
	h.SetTermOffset(committedOffset)
	h.SetSessionID(a.sessionID)
	h.SetStreamID(a.streamID)
	h.SetTermID(termID)
	h.SetReservedValue(0)
	c := h.Common()
	c.SetVersion(protocol.Version1)
	c.SetFlags(0)
	c.SetType(protocol.TypePad)
	commitFrameLength(buf, length)
	return true
}
