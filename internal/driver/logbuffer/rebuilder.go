package logbuffer

import (
	"sync/atomic"
	"unsafe"

	"github.com/aeronmesh/mediadriver/internal/driver/driverrors"
	"github.com/aeronmesh/mediadriver/internal/driver/protocol"
)

// peekFrameLength loads the 4-byte frame-length field at offset with
// acquire semantics, the read-side counterpart of commitFrameLength's
// release store.
func peekFrameLength(partition []byte, offset int32) int32 {
	return atomic.LoadInt32((*int32)(unsafe.Pointer(&partition[offset])))
}

// Rebuild writes an inbound DATA or PAD frame (buf holds the full validated
// frame, frame-length inclusive) into the log buffer's matching partition
// slot, per spec §4.2: the slot is written if empty (zero frame-length) or
// if the incoming frame is strictly longer than a heartbeat occupying that
// slot. Heartbeats never overwrite data; data always overwrites heartbeats
// at the same offset. Returns true if the slot was (re)written.
func Rebuild(lb *LogBuffer, buf []byte) (bool, error) {
	dh, err := protocol.NewDataHeader(buf)
	if err != nil {
		return false, err
	}
	termID := dh.TermID()
	termOffset := dh.TermOffset()
	incomingLen := dh.Common().FrameLength()
	if incomingLen < protocol.DataHeaderLength || int(incomingLen) > len(buf) {
		return false, driverrors.NewMalformedFrame("logbuffer.rebuild", nil)
	}

	partition := lb.PartitionForTerm(termID)
	if termOffset < 0 || int64(termOffset)+int64(incomingLen) > int64(len(partition)) {
		return false, driverrors.NewMalformedFrame("logbuffer.rebuild", nil)
	}

	existingLen := peekFrameLength(partition, termOffset)
	if existingLen != 0 {
		existingIsHeartbeat := existingLen == protocol.DataHeaderLength
		incomingIsHeartbeat := incomingLen == protocol.DataHeaderLength
		if !existingIsHeartbeat || incomingIsHeartbeat || incomingLen <= existingLen {
			return false, nil
		}
	}

	dest := partition[termOffset : termOffset+incomingLen]
	copy(dest[4:], buf[4:incomingLen])
	commitFrameLength(dest, incomingLen)
	return true, nil
}
