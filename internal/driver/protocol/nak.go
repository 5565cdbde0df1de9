package protocol

import (
	"encoding/binary"

	"github.com/aeronmesh/mediadriver/internal/driver/driverrors"
)

// NakHeader is a zero-copy view over a NAK frame (28 bytes):
// sessionId@8, streamId@12, termId@16, termOffset@20, length@24.
type NakHeader struct{ buf []byte }

func NewNakHeader(buf []byte) (NakHeader, error) {
	if len(buf) < NakHeaderLength {
		return NakHeader{}, driverrors.NewMalformedFrame("protocol.nakHeader", errShortBuffer)
	}
	return NakHeader{buf: buf}, nil
}

func (h NakHeader) Common() CommonHeader {
	c, _ := NewCommonHeader(h.buf)
	return c
}

func (h NakHeader) SessionID() int32     { return int32(binary.LittleEndian.Uint32(h.buf[8:12])) }
func (h NakHeader) SetSessionID(v int32) { binary.LittleEndian.PutUint32(h.buf[8:12], uint32(v)) }
func (h NakHeader) StreamID() int32      { return int32(binary.LittleEndian.Uint32(h.buf[12:16])) }
func (h NakHeader) SetStreamID(v int32)  { binary.LittleEndian.PutUint32(h.buf[12:16], uint32(v)) }
func (h NakHeader) TermID() int32        { return int32(binary.LittleEndian.Uint32(h.buf[16:20])) }
func (h NakHeader) SetTermID(v int32)    { binary.LittleEndian.PutUint32(h.buf[16:20], uint32(v)) }
func (h NakHeader) TermOffset() int32    { return int32(binary.LittleEndian.Uint32(h.buf[20:24])) }
func (h NakHeader) SetTermOffset(v int32) {
	binary.LittleEndian.PutUint32(h.buf[20:24], uint32(v))
}
func (h NakHeader) Length() int32     { return int32(binary.LittleEndian.Uint32(h.buf[24:28])) }
func (h NakHeader) SetLength(v int32) { binary.LittleEndian.PutUint32(h.buf[24:28], uint32(v)) }

// EncodeNak writes a NAK frame into buf and returns the frame length.
func EncodeNak(buf []byte, sessionID, streamID, termID, termOffset, length int32) (int32, error) {
	if len(buf) < NakHeaderLength {
		return 0, driverrors.NewMalformedFrame("protocol.encodeNak", errShortBuffer)
	}
	h, err := NewNakHeader(buf)
	if err != nil {
		return 0, err
	}
	h.SetSessionID(sessionID)
	h.SetStreamID(streamID)
	h.SetTermID(termID)
	h.SetTermOffset(termOffset)
	h.SetLength(length)
	c := h.Common()
	c.SetVersion(Version1)
	c.SetFlags(0)
	c.SetType(TypeNak)
	c.SetFrameLength(NakHeaderLength)
	return NakHeaderLength, nil
}
