package logbuffer

import "github.com/aeronmesh/mediadriver/internal/driver/protocol"

// Gap describes a missing range detected by ScanForGap.
type Gap struct {
	TermID int32
	Offset int32
	Length int32
}

// ScanForGap walks partition from fromOffset looking for the first zero-
// length (not-yet-received) slot that is followed, before toOffset (the
// image's high-water-mark), by a committed slot. Per spec §4.2, a
// high-water-mark that lies inside a padding frame is not reported as a
// gap: a committed PAD frame is stepped over like any other frame. Likewise,
// if no committed frame follows an empty slot before toOffset, ScanForGap
// reports nothing, since the data may simply not have arrived yet.
func ScanForGap(partition []byte, termID, fromOffset, toOffset int32) (Gap, bool) {
	offset := fromOffset
	limit := toOffset
	if int(limit) > len(partition) {
		limit = int32(len(partition))
	}
	for offset < limit {
		length := peekFrameLength(partition, offset)
		if length == 0 {
			next := offset + protocol.FrameAlignment
			for next < limit {
				if peekFrameLength(partition, next) != 0 {
					return Gap{TermID: termID, Offset: offset, Length: next - offset}, true
				}
				next += protocol.FrameAlignment
			}
			return Gap{}, false
		}
		offset += protocol.AlignTo32(length)
	}
	return Gap{}, false
}

// BlockScan consumes contiguous committed frames (DATA, PAD, or heartbeat)
// starting at fromOffset, up to limit bytes, without splitting a frame
// across the limit boundary. It returns the offset one past the last
// complete frame consumed (i.e. the new read position).
func BlockScan(partition []byte, fromOffset, limit int32) int32 {
	offset := fromOffset
	end := int64(fromOffset) + int64(limit)
	if end > int64(len(partition)) {
		end = int64(len(partition))
	}
	for int64(offset) < end {
		length := peekFrameLength(partition, offset)
		if length == 0 {
			break
		}
		aligned := protocol.AlignTo32(length)
		if int64(offset)+int64(aligned) > end {
			break
		}
		offset += aligned
	}
	return offset
}
