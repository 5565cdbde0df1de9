package logbuffer

import (
	"encoding/binary"
	"sync/atomic"
	"unsafe"
)

// Metadata is a zero-copy view over a log buffer's metadata region. Fields
// shared with other goroutines (the raw tail counters, active partition
// index, time of last SM, end-of-stream position) are read/written through
// sync/atomic over a pointer into the backing buffer, the same idiom used
// for any mmap-backed counter: the buffer offsets in layout.go are chosen
// so every atomic field falls on an 8-byte boundary.
type Metadata struct{ buf []byte }

// NewMetadata wraps the metadata region of a RawLog.
func NewMetadata(buf []byte) *Metadata { return &Metadata{buf: buf} }

func (m *Metadata) i64(off int) *int64 {
	return (*int64)(unsafe.Pointer(&m.buf[off]))
}

func (m *Metadata) i32(off int) *int32 {
	return (*int32)(unsafe.Pointer(&m.buf[off]))
}

// RawTail returns the packed (termId, termOffset) tail value for partition i.
func (m *Metadata) RawTail(i int32) int64 {
	return atomic.LoadInt64(m.i64(offTailRaw0 + int(i)*8))
}

// AddRawTail atomically adds delta to partition i's term-offset component and
// returns the raw tail value as it was BEFORE the add (matching the
// fetch-add reservation semantics the appender relies on). The term id
// component is carried through unchanged by the add itself.
func (m *Metadata) AddRawTail(i int32, delta int32) int64 {
	return atomic.AddInt64(m.i64(offTailRaw0+int(i)*8), int64(delta)) - int64(delta)
}

// SetRawTail overwrites partition i's tail to pack(termId, termOffset),
// used when rotating a partition back to offset 0 under a new term id.
func (m *Metadata) SetRawTail(i int32, termID, termOffset int32) {
	atomic.StoreInt64(m.i64(offTailRaw0+int(i)*8), packRawTail(termID, termOffset))
}

// ActiveIndex returns the currently active partition index.
func (m *Metadata) ActiveIndex() int32 {
	return atomic.LoadInt32(m.i32(offActiveIndex))
}

// CompareAndSwapActiveIndex attempts to rotate the active partition index.
func (m *Metadata) CompareAndSwapActiveIndex(old, new int32) bool {
	return atomic.CompareAndSwapInt32(m.i32(offActiveIndex), old, new)
}

// InitialTermID / SetInitialTermID are set once at log creation.
func (m *Metadata) InitialTermID() int32     { return int32(binary.LittleEndian.Uint32(m.buf[offInitialTermID:])) }
func (m *Metadata) SetInitialTermID(v int32) { binary.LittleEndian.PutUint32(m.buf[offInitialTermID:], uint32(v)) }

// MTU / SetMTU are set once at log creation.
func (m *Metadata) MTU() int32     { return int32(binary.LittleEndian.Uint32(m.buf[offMTU:])) }
func (m *Metadata) SetMTU(v int32) { binary.LittleEndian.PutUint32(m.buf[offMTU:], uint32(v)) }

// TimeOfLastSMNs is the Receiver's last-SM-sent timestamp, in UnixNano.
func (m *Metadata) TimeOfLastSMNs() int64 { return atomic.LoadInt64(m.i64(offTimeOfLastSM)) }
func (m *Metadata) SetTimeOfLastSMNs(v int64) {
	atomic.StoreInt64(m.i64(offTimeOfLastSM), v)
}

// EndOfStreamPosition is set when a publication is explicitly closed so
// subscribers can detect end-of-stream instead of treating it as a timeout.
func (m *Metadata) EndOfStreamPosition() int64 {
	return atomic.LoadInt64(m.i64(offEndOfStreamPosition))
}
func (m *Metadata) SetEndOfStreamPosition(v int64) {
	atomic.StoreInt64(m.i64(offEndOfStreamPosition), v)
}

// DefaultHeaderTemplate returns the 32-byte DATA header template new frames
// are stamped from (session id, stream id, version already populated).
func (m *Metadata) DefaultHeaderTemplate() []byte {
	return m.buf[offDefaultHeaderTemplate : offDefaultHeaderTemplate+32]
}
