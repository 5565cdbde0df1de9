package protocol

import (
	"encoding/binary"

	"github.com/aeronmesh/mediadriver/internal/driver/driverrors"
)

// SetupHeader is a zero-copy view over a SETUP frame (40 bytes):
// termOffset@8, sessionId@12, streamId@16, initialTermId@20,
// activeTermId@24, termLength@28, mtu@32, ttl@36.
type SetupHeader struct{ buf []byte }

func NewSetupHeader(buf []byte) (SetupHeader, error) {
	if len(buf) < SetupHeaderLength {
		return SetupHeader{}, driverrors.NewMalformedFrame("protocol.setupHeader", errShortBuffer)
	}
	return SetupHeader{buf: buf}, nil
}

func (h SetupHeader) Common() CommonHeader {
	c, _ := NewCommonHeader(h.buf)
	return c
}

func (h SetupHeader) TermOffset() int32 { return int32(binary.LittleEndian.Uint32(h.buf[8:12])) }
func (h SetupHeader) SetTermOffset(v int32) {
	binary.LittleEndian.PutUint32(h.buf[8:12], uint32(v))
}
func (h SetupHeader) SessionID() int32     { return int32(binary.LittleEndian.Uint32(h.buf[12:16])) }
func (h SetupHeader) SetSessionID(v int32) { binary.LittleEndian.PutUint32(h.buf[12:16], uint32(v)) }
func (h SetupHeader) StreamID() int32      { return int32(binary.LittleEndian.Uint32(h.buf[16:20])) }
func (h SetupHeader) SetStreamID(v int32)  { binary.LittleEndian.PutUint32(h.buf[16:20], uint32(v)) }
func (h SetupHeader) InitialTermID() int32 {
	return int32(binary.LittleEndian.Uint32(h.buf[20:24]))
}
func (h SetupHeader) SetInitialTermID(v int32) {
	binary.LittleEndian.PutUint32(h.buf[20:24], uint32(v))
}
func (h SetupHeader) ActiveTermID() int32 {
	return int32(binary.LittleEndian.Uint32(h.buf[24:28]))
}
func (h SetupHeader) SetActiveTermID(v int32) {
	binary.LittleEndian.PutUint32(h.buf[24:28], uint32(v))
}
func (h SetupHeader) TermLength() int32 { return int32(binary.LittleEndian.Uint32(h.buf[28:32])) }
func (h SetupHeader) SetTermLength(v int32) {
	binary.LittleEndian.PutUint32(h.buf[28:32], uint32(v))
}
func (h SetupHeader) MTU() int32     { return int32(binary.LittleEndian.Uint32(h.buf[32:36])) }
func (h SetupHeader) SetMTU(v int32) { binary.LittleEndian.PutUint32(h.buf[32:36], uint32(v)) }
func (h SetupHeader) TTL() int32     { return int32(binary.LittleEndian.Uint32(h.buf[36:40])) }
func (h SetupHeader) SetTTL(v int32) { binary.LittleEndian.PutUint32(h.buf[36:40], uint32(v)) }

// EncodeSetup writes a SETUP frame into buf and returns the frame length.
func EncodeSetup(buf []byte, sessionID, streamID, initialTermID, activeTermID, termOffset, termLength, mtu, ttl int32) (int32, error) {
	if len(buf) < SetupHeaderLength {
		return 0, driverrors.NewMalformedFrame("protocol.encodeSetup", errShortBuffer)
	}
	h, err := NewSetupHeader(buf)
	if err != nil {
		return 0, err
	}
	h.SetTermOffset(termOffset)
	h.SetSessionID(sessionID)
	h.SetStreamID(streamID)
	h.SetInitialTermID(initialTermID)
	h.SetActiveTermID(activeTermID)
	h.SetTermLength(termLength)
	h.SetMTU(mtu)
	h.SetTTL(ttl)
	c := h.Common()
	c.SetVersion(Version1)
	c.SetFlags(0)
	c.SetType(TypeSetup)
	c.SetFrameLength(SetupHeaderLength)
	return SetupHeaderLength, nil
}
