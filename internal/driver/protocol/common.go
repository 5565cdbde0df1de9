// Package protocol implements the driver's wire codecs: fixed-layout,
// little-endian, zero-copy views over a byte buffer for each frame type
// (SETUP, DATA/PAD, NAK, SM). There is no I/O here — callers hand in a
// buffer that already holds one datagram (or a region to encode into) and
// get back typed accessors. This mirrors the teacher's hand-rolled
// chunk-header parsing: no reflection, no allocation beyond the caller's
// own buffer.
package protocol

import (
	"encoding/binary"
	"errors"

	"github.com/aeronmesh/mediadriver/internal/driver/driverrors"
)

// Frame type identifiers carried in the common header's type field.
const (
	TypePad   uint16 = 0x00
	TypeData  uint16 = 0x01
	TypeNak   uint16 = 0x02
	TypeSM    uint16 = 0x03
	TypeSetup uint16 = 0x05
)

// Data frame flag bits.
const (
	FlagBegin uint8 = 0x80
	FlagEnd   uint8 = 0x40
	// FlagBeginEnd marks an unfragmented message (both BEGIN and END set).
	FlagBeginEnd = FlagBegin | FlagEnd
)

// Fixed header lengths, in bytes.
const (
	CommonHeaderLength     = 8
	DataHeaderLength       = 32
	NakHeaderLength        = 28
	SMHeaderLength         = 28
	SMWithReceiverIDLength = 36
	SetupHeaderLength      = 40

	// FrameAlignment is the boundary every frame (including padding) is
	// aligned to on the wire.
	FrameAlignment = 32

	// Version1 is the only wire version the driver currently speaks.
	Version1 uint8 = 1
)

var (
	errShortBuffer = errors.New("buffer shorter than fixed header length")
	errBadFrame    = errors.New("frame-length shorter than header length, or unknown type")
)

// AlignTo32 rounds length up to the next 32-byte boundary.
func AlignTo32(length int32) int32 {
	const mask = FrameAlignment - 1
	return (length + mask) &^ mask
}

// CommonHeader is a zero-copy view over the 8-byte header shared by every
// frame type: frameLength(i32 LE) @0, version(u8) @4, flags(u8) @5, type(u16 LE) @6.
type CommonHeader struct{ buf []byte }

// NewCommonHeader validates buf is at least CommonHeaderLength bytes and
// returns a view over it. Decoding fails with ERR_SHORT_BUFFER otherwise.
func NewCommonHeader(buf []byte) (CommonHeader, error) {
	if len(buf) < CommonHeaderLength {
		return CommonHeader{}, driverrors.NewMalformedFrame("protocol.commonHeader", errShortBuffer)
	}
	return CommonHeader{buf: buf}, nil
}

func (h CommonHeader) FrameLength() int32    { return int32(binary.LittleEndian.Uint32(h.buf[0:4])) }
func (h CommonHeader) SetFrameLength(v int32) { binary.LittleEndian.PutUint32(h.buf[0:4], uint32(v)) }
func (h CommonHeader) Version() uint8        { return h.buf[4] }
func (h CommonHeader) SetVersion(v uint8)    { h.buf[4] = v }
func (h CommonHeader) Flags() uint8          { return h.buf[5] }
func (h CommonHeader) SetFlags(v uint8)      { h.buf[5] = v }
func (h CommonHeader) Type() uint16          { return binary.LittleEndian.Uint16(h.buf[6:8]) }
func (h CommonHeader) SetType(v uint16)      { binary.LittleEndian.PutUint16(h.buf[6:8], v) }

// minHeaderLengthFor returns the fixed header length expected for a frame
// type, or 0 for an unrecognized type.
func minHeaderLengthFor(frameType uint16) int32 {
	switch frameType {
	case TypeData, TypePad:
		return DataHeaderLength
	case TypeNak:
		return NakHeaderLength
	case TypeSM:
		return SMHeaderLength
	case TypeSetup:
		return SetupHeaderLength
	default:
		return 0
	}
}

// ValidateFrame decodes the common header from buf and checks that
// frame-length is at least the type's fixed header length and that the
// type is recognized. It returns the decoded type and frame length, or
// ERR_BAD_FRAME / ERR_SHORT_BUFFER.
func ValidateFrame(buf []byte) (frameType uint16, frameLength int32, err error) {
	h, err := NewCommonHeader(buf)
	if err != nil {
		return 0, 0, err
	}
	frameType = h.Type()
	frameLength = h.FrameLength()
	minLen := minHeaderLengthFor(frameType)
	if minLen == 0 || frameLength < minLen {
		return 0, 0, driverrors.NewMalformedFrame("protocol.validateFrame", errBadFrame)
	}
	if len(buf) < int(frameLength) {
		return 0, 0, driverrors.NewMalformedFrame("protocol.validateFrame", errShortBuffer)
	}
	return frameType, frameLength, nil
}
