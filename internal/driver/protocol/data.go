package protocol

import (
	"encoding/binary"

	"github.com/aeronmesh/mediadriver/internal/driver/driverrors"
)

// DataHeader is a zero-copy view over a DATA or PAD frame:
//
//	frameLength@0 i32, version@4 u8, flags@5 u8, type@6 u16,
//	termOffset@8 i32, sessionId@12 i32, streamId@16 i32, termId@20 i32,
//	reservedValue@24 i64, payload follows at offset 32.
type DataHeader struct{ buf []byte }

// NewDataHeader validates buf is at least DataHeaderLength bytes.
func NewDataHeader(buf []byte) (DataHeader, error) {
	if len(buf) < DataHeaderLength {
		return DataHeader{}, driverrors.NewMalformedFrame("protocol.dataHeader", errShortBuffer)
	}
	return DataHeader{buf: buf}, nil
}

func (h DataHeader) Common() CommonHeader {
	c, _ := NewCommonHeader(h.buf)
	return c
}

func (h DataHeader) TermOffset() int32     { return int32(binary.LittleEndian.Uint32(h.buf[8:12])) }
func (h DataHeader) SetTermOffset(v int32) { binary.LittleEndian.PutUint32(h.buf[8:12], uint32(v)) }
func (h DataHeader) SessionID() int32      { return int32(binary.LittleEndian.Uint32(h.buf[12:16])) }
func (h DataHeader) SetSessionID(v int32)  { binary.LittleEndian.PutUint32(h.buf[12:16], uint32(v)) }
func (h DataHeader) StreamID() int32       { return int32(binary.LittleEndian.Uint32(h.buf[16:20])) }
func (h DataHeader) SetStreamID(v int32)   { binary.LittleEndian.PutUint32(h.buf[16:20], uint32(v)) }
func (h DataHeader) TermID() int32         { return int32(binary.LittleEndian.Uint32(h.buf[20:24])) }
func (h DataHeader) SetTermID(v int32)     { binary.LittleEndian.PutUint32(h.buf[20:24], uint32(v)) }
func (h DataHeader) ReservedValue() int64  { return int64(binary.LittleEndian.Uint64(h.buf[24:32])) }
func (h DataHeader) SetReservedValue(v int64) {
	binary.LittleEndian.PutUint64(h.buf[24:32], uint64(v))
}

// DataOffset is the byte offset at which the payload begins.
func (h DataHeader) DataOffset() int { return DataHeaderLength }

// Flags returns the BEGIN/END flags from the common header.
func (h DataHeader) Flags() uint8 { return h.Common().Flags() }

// IsHeartbeat reports whether this DATA frame carries a zero-length payload.
func (h DataHeader) IsHeartbeat() bool { return h.Common().FrameLength() == DataHeaderLength }

// Payload returns the message bytes following the fixed header, bounded by
// the frame-length recorded in the common header.
func (h DataHeader) Payload() []byte {
	fl := h.Common().FrameLength()
	if int(fl) <= DataHeaderLength {
		return nil
	}
	return h.buf[DataHeaderLength:fl]
}

// EncodeData writes a DATA (or PAD, via frameType) frame into buf and
// returns the unaligned frame length. buf must be at least
// DataHeaderLength+len(payload) bytes; the caller is responsible for
// zeroing any alignment padding between the returned length and the next
// frame boundary.
func EncodeData(buf []byte, frameType uint16, sessionID, streamID, termID, termOffset int32, reservedValue int64, flags uint8, payload []byte) (int32, error) {
	total := DataHeaderLength + len(payload)
	if len(buf) < total {
		return 0, driverrors.NewMalformedFrame("protocol.encodeData", errShortBuffer)
	}
	h, err := NewDataHeader(buf)
	if err != nil {
		return 0, err
	}
	h.SetTermOffset(termOffset)
	h.SetSessionID(sessionID)
	h.SetStreamID(streamID)
	h.SetTermID(termID)
	h.SetReservedValue(reservedValue)
	c := h.Common()
	c.SetVersion(Version1)
	c.SetFlags(flags)
	c.SetType(frameType)
	n := copy(buf[DataHeaderLength:], payload)
	frameLength := int32(DataHeaderLength + n)
	// Commit: frame-length is written last, with release semantics on the
	// backing store (see logbuffer.Appender.Commit for the real store fence;
	// here we just order the write after the payload copy).
	c.SetFrameLength(frameLength)
	return frameLength, nil
}
