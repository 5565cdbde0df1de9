// Package logbuffer implements the driver's append-only term log: a
// memory-mapped file partitioned into three equal term regions plus a
// metadata region, the producer-side appender that reserves and commits
// frames, the receiver-side rebuilder that fills gaps from retransmitted
// data, and the gap/block scanners that drive NAK generation and bulk
// delivery.
package logbuffer

import (
	"fmt"
	"math/bits"

	"github.com/aeronmesh/mediadriver/internal/driver/driverrors"
)

// PartitionCount is the fixed number of rotating term partitions per log.
const PartitionCount = 3

// Term length bounds from spec §3: a power of two in [64 KiB, 1 GiB].
const (
	MinTermLength = 64 * 1024
	MaxTermLength = 1 << 30
)

// MetadataLength is the fixed size of the metadata region appended after
// the three term partitions. Field layout (byte offsets):
//
//	0  tailRaw[0]            int64 (atomic; packs termId<<32 | termOffset)
//	8  tailRaw[1]            int64 (atomic)
//	16 tailRaw[2]            int64 (atomic)
//	24 activeIndex           int32 (atomic)
//	28 initialTermId         int32
//	32 mtu                   int32
//	36 _pad                  int32
//	40 timeOfLastSmNs        int64 (atomic)
//	48 endOfStreamPosition   int64 (atomic)
//	56 defaultHeaderTemplate [32]byte
//	88 ..127                 reserved
const MetadataLength = 128

const (
	offTailRaw0             = 0
	offTailRaw1              = 8
	offTailRaw2              = 16
	offActiveIndex           = 24
	offInitialTermID         = 28
	offMTU                   = 32
	offTimeOfLastSM          = 40
	offEndOfStreamPosition   = 48
	offDefaultHeaderTemplate = 56
)

// ValidateTermLength checks termLength is a power of two within bounds.
func ValidateTermLength(termLength int32) error {
	if termLength < MinTermLength || termLength > MaxTermLength {
		return driverrors.NewGenericError("logbuffer.validateTermLength", 0,
			fmt.Errorf("term length %d out of range [%d, %d]", termLength, MinTermLength, MaxTermLength))
	}
	if bits.OnesCount32(uint32(termLength)) != 1 {
		return driverrors.NewGenericError("logbuffer.validateTermLength", 0,
			fmt.Errorf("term length %d is not a power of two", termLength))
	}
	return nil
}

// LogLength returns the total file length backing a log buffer for the
// given term length: three partitions plus the metadata region.
func LogLength(termLength int32) int64 {
	return int64(termLength)*PartitionCount + MetadataLength
}

// positionBitsToShift returns log2(termLength), used to convert between a
// monotonic Position and a (termId, termOffset) pair.
func positionBitsToShift(termLength int32) uint {
	return uint(bits.TrailingZeros32(uint32(termLength)))
}

// ComputePosition returns the monotonic byte position for (termId, termOffset)
// relative to initialTermId, per spec §3/GLOSSARY: position =
// (termId - initialTermId) * termLength + termOffset.
func ComputePosition(termID, termOffset, initialTermID, termLength int32) int64 {
	termCount := int64(termID - initialTermID)
	return termCount<<positionBitsToShift(termLength) + int64(termOffset)
}

// ComputeTermIDFromPosition returns the term id that owns a given position.
func ComputeTermIDFromPosition(position int64, initialTermID, termLength int32) int32 {
	termCount := position >> positionBitsToShift(termLength)
	return initialTermID + int32(termCount)
}

// ComputeTermOffsetFromPosition returns the term offset within the owning
// term for a given position.
func ComputeTermOffsetFromPosition(position int64, termLength int32) int32 {
	mask := int64(termLength) - 1
	return int32(position & mask)
}

// PartitionIndexForTerm maps a term id to its partition slot, cycling
// through PartitionCount partitions as term ids advance.
func PartitionIndexForTerm(termID, initialTermID int32) int32 {
	d := (termID - initialTermID) % PartitionCount
	if d < 0 {
		d += PartitionCount
	}
	return d
}

func packRawTail(termID, termOffset int32) int64 {
	return int64(uint32(termID))<<32 | int64(uint32(termOffset))
}

func unpackRawTail(raw int64) (termID, termOffset int32) {
	termID = int32(uint32(raw >> 32))
	termOffset = int32(uint32(raw))
	return
}
