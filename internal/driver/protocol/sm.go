package protocol

import (
	"encoding/binary"

	"github.com/aeronmesh/mediadriver/internal/driver/driverrors"
)

// SMHeader is a zero-copy view over a Status Message frame:
// sessionId@8, streamId@12, consumptionTermId@16, consumptionTermOffset@20,
// receiverWindow@24, plus an optional 8-byte receiverId@28 when the frame
// carries one (frame-length == SMWithReceiverIDLength).
type SMHeader struct{ buf []byte }

func NewSMHeader(buf []byte) (SMHeader, error) {
	if len(buf) < SMHeaderLength {
		return SMHeader{}, driverrors.NewMalformedFrame("protocol.smHeader", errShortBuffer)
	}
	return SMHeader{buf: buf}, nil
}

func (h SMHeader) Common() CommonHeader {
	c, _ := NewCommonHeader(h.buf)
	return c
}

func (h SMHeader) SessionID() int32     { return int32(binary.LittleEndian.Uint32(h.buf[8:12])) }
func (h SMHeader) SetSessionID(v int32) { binary.LittleEndian.PutUint32(h.buf[8:12], uint32(v)) }
func (h SMHeader) StreamID() int32      { return int32(binary.LittleEndian.Uint32(h.buf[12:16])) }
func (h SMHeader) SetStreamID(v int32)  { binary.LittleEndian.PutUint32(h.buf[12:16], uint32(v)) }
func (h SMHeader) ConsumptionTermID() int32 {
	return int32(binary.LittleEndian.Uint32(h.buf[16:20]))
}
func (h SMHeader) SetConsumptionTermID(v int32) {
	binary.LittleEndian.PutUint32(h.buf[16:20], uint32(v))
}
func (h SMHeader) ConsumptionTermOffset() int32 {
	return int32(binary.LittleEndian.Uint32(h.buf[20:24]))
}
func (h SMHeader) SetConsumptionTermOffset(v int32) {
	binary.LittleEndian.PutUint32(h.buf[20:24], uint32(v))
}
func (h SMHeader) ReceiverWindow() int32 {
	return int32(binary.LittleEndian.Uint32(h.buf[24:28]))
}
func (h SMHeader) SetReceiverWindow(v int32) {
	binary.LittleEndian.PutUint32(h.buf[24:28], uint32(v))
}

// HasReceiverID reports whether this SM carries the optional receiver-id field.
func (h SMHeader) HasReceiverID() bool {
	return h.Common().FrameLength() >= SMWithReceiverIDLength && len(h.buf) >= SMWithReceiverIDLength
}

// ReceiverID returns the optional receiver-id field, or 0 if absent.
func (h SMHeader) ReceiverID() int64 {
	if !h.HasReceiverID() {
		return 0
	}
	return int64(binary.LittleEndian.Uint64(h.buf[28:36]))
}

// EncodeSM writes an SM frame into buf. If withReceiverID is true the
// optional receiver-id trailer is appended and buf must be at least
// SMWithReceiverIDLength bytes.
func EncodeSM(buf []byte, sessionID, streamID, consumptionTermID, consumptionTermOffset, receiverWindow int32, withReceiverID bool, receiverID int64) (int32, error) {
	needed := SMHeaderLength
	if withReceiverID {
		needed = SMWithReceiverIDLength
	}
	if len(buf) < needed {
		return 0, driverrors.NewMalformedFrame("protocol.encodeSM", errShortBuffer)
	}
	h, err := NewSMHeader(buf)
	if err != nil {
		return 0, err
	}
	h.SetSessionID(sessionID)
	h.SetStreamID(streamID)
	h.SetConsumptionTermID(consumptionTermID)
	h.SetConsumptionTermOffset(consumptionTermOffset)
	h.SetReceiverWindow(receiverWindow)
	if withReceiverID {
		binary.LittleEndian.PutUint64(buf[28:36], uint64(receiverID))
	}
	c := h.Common()
	c.SetVersion(Version1)
	c.SetFlags(0)
	c.SetType(TypeSM)
	c.SetFrameLength(int32(needed))
	return int32(needed), nil
}
