package logbuffer

import "github.com/aeronmesh/mediadriver/internal/driver/driverrors"

// LogBuffer ties a RawLog's three partitions and metadata region together
// with the initial term id needed to map term ids to partition slots and
// positions. It is shared (reference-counted by the owning publication or
// image) between the Conductor, which allocates it, and the Sender or
// Receiver, which drive it.
type LogBuffer struct {
	raw           RawLog
	meta          *Metadata
	initialTermID int32
	termLength    int32
}

// NewLogBuffer wraps raw, stamping initialTermId and mtu into the metadata
// region and seeding partition 0's raw tail to (initialTermId, 0).
func NewLogBuffer(raw RawLog, initialTermID, mtu int32) *LogBuffer {
	meta := NewMetadata(raw.Metadata())
	meta.SetInitialTermID(initialTermID)
	meta.SetMTU(mtu)
	meta.SetRawTail(0, initialTermID, 0)
	meta.SetRawTail(1, initialTermID+1, 0)
	meta.SetRawTail(2, initialTermID+2, 0)
	return &LogBuffer{raw: raw, meta: meta, initialTermID: initialTermID, termLength: raw.TermLength()}
}

// OpenLogBuffer wraps an already-initialized raw log (e.g. re-attaching to
// an existing mapped file), reading initialTermId back from its metadata.
func OpenLogBuffer(raw RawLog) *LogBuffer {
	meta := NewMetadata(raw.Metadata())
	return &LogBuffer{raw: raw, meta: meta, initialTermID: meta.InitialTermID(), termLength: raw.TermLength()}
}

func (lb *LogBuffer) TermLength() int32    { return lb.termLength }
func (lb *LogBuffer) InitialTermID() int32 { return lb.initialTermID }
func (lb *LogBuffer) MTU() int32           { return lb.meta.MTU() }
func (lb *LogBuffer) Metadata() *Metadata  { return lb.meta }

// PartitionAt returns the partition bytes for the given partition index.
func (lb *LogBuffer) PartitionAt(index int32) []byte { return lb.raw.Partition(index) }

// PartitionForTerm returns the partition bytes that currently hold termID.
func (lb *LogBuffer) PartitionForTerm(termID int32) []byte {
	return lb.raw.Partition(PartitionIndexForTerm(termID, lb.initialTermID))
}

// Position converts (termId, termOffset) to a monotonic byte position.
func (lb *LogBuffer) Position(termID, termOffset int32) int64 {
	return ComputePosition(termID, termOffset, lb.initialTermID, lb.termLength)
}

// TermIDAt and TermOffsetAt invert Position.
func (lb *LogBuffer) TermIDAt(position int64) int32 {
	return ComputeTermIDFromPosition(position, lb.initialTermID, lb.termLength)
}
func (lb *LogBuffer) TermOffsetAt(position int64) int32 {
	return ComputeTermOffsetFromPosition(position, lb.termLength)
}

// ScrubPartition zeroes a partition so it is clean before it becomes active
// again, per spec §3's "each partition is cleared before becoming active
// again (post-rotation scrubbing)" invariant.
func (lb *LogBuffer) ScrubPartition(index int32) {
	p := lb.raw.Partition(index)
	clear(p)
}

// Close releases the backing RawLog.
func (lb *LogBuffer) Close() error {
	if err := lb.raw.Close(); err != nil {
		return driverrors.NewGenericError("logbuffer.close", 0, err)
	}
	return nil
}
