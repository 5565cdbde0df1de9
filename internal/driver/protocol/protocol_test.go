package protocol

import (
	"testing"

	"github.com/aeronmesh/mediadriver/internal/driver/driverrors"
)

func TestEncodeDecodeData(t *testing.T) {
	buf := make([]byte, 128)
	payload := []byte("Hello World! ")
	n, err := EncodeData(buf, TypeData, 1, 10, 7, 64, 0, FlagBeginEnd, payload)
	if err != nil {
		t.Fatalf("EncodeData: %v", err)
	}
	if n != int32(DataHeaderLength+len(payload)) {
		t.Fatalf("unexpected frame length: %d", n)
	}
	frameType, frameLength, err := ValidateFrame(buf[:n])
	if err != nil {
		t.Fatalf("ValidateFrame: %v", err)
	}
	if frameType != TypeData || frameLength != n {
		t.Fatalf("unexpected validate result: type=%d len=%d", frameType, frameLength)
	}
	dh, err := NewDataHeader(buf)
	if err != nil {
		t.Fatalf("NewDataHeader: %v", err)
	}
	if dh.SessionID() != 1 || dh.StreamID() != 10 || dh.TermID() != 7 || dh.TermOffset() != 64 {
		t.Fatalf("unexpected data header fields: %+v", dh)
	}
	if dh.Flags() != FlagBeginEnd {
		t.Fatalf("expected BEGIN+END flags, got %#x", dh.Flags())
	}
	if string(dh.Payload()) != string(payload) {
		t.Fatalf("payload mismatch: got %q", dh.Payload())
	}
	if dh.IsHeartbeat() {
		t.Fatalf("non-empty payload should not be a heartbeat")
	}
}

func TestHeartbeatIsZeroLengthData(t *testing.T) {
	buf := make([]byte, DataHeaderLength)
	n, err := EncodeData(buf, TypeData, 1, 10, 7, 128, 0, 0, nil)
	if err != nil {
		t.Fatalf("EncodeData: %v", err)
	}
	if n != DataHeaderLength {
		t.Fatalf("expected heartbeat length %d, got %d", DataHeaderLength, n)
	}
	dh, _ := NewDataHeader(buf)
	if !dh.IsHeartbeat() {
		t.Fatalf("expected zero-length DATA frame to be a heartbeat")
	}
	if len(dh.Payload()) != 0 {
		t.Fatalf("expected empty payload")
	}
}

func TestEncodeDecodeNak(t *testing.T) {
	buf := make([]byte, NakHeaderLength)
	n, err := EncodeNak(buf, 1, 10, 7, 96, 48)
	if err != nil {
		t.Fatalf("EncodeNak: %v", err)
	}
	if n != NakHeaderLength {
		t.Fatalf("unexpected nak length: %d", n)
	}
	frameType, _, err := ValidateFrame(buf)
	if err != nil || frameType != TypeNak {
		t.Fatalf("validate nak: type=%d err=%v", frameType, err)
	}
	nh, _ := NewNakHeader(buf)
	if nh.SessionID() != 1 || nh.StreamID() != 10 || nh.TermID() != 7 || nh.TermOffset() != 96 || nh.Length() != 48 {
		t.Fatalf("unexpected nak fields: %+v", nh)
	}
}

func TestEncodeDecodeSMWithoutReceiverID(t *testing.T) {
	buf := make([]byte, SMHeaderLength)
	n, err := EncodeSM(buf, 1, 10, 7, 64, 65536, false, 0)
	if err != nil {
		t.Fatalf("EncodeSM: %v", err)
	}
	if n != SMHeaderLength {
		t.Fatalf("unexpected sm length: %d", n)
	}
	sh, _ := NewSMHeader(buf)
	if sh.HasReceiverID() {
		t.Fatalf("expected no receiver id")
	}
	if sh.ConsumptionTermID() != 7 || sh.ConsumptionTermOffset() != 64 || sh.ReceiverWindow() != 65536 {
		t.Fatalf("unexpected sm fields: %+v", sh)
	}
}

func TestEncodeDecodeSMWithReceiverID(t *testing.T) {
	buf := make([]byte, SMWithReceiverIDLength)
	n, err := EncodeSM(buf, 1, 10, 7, 64, 65536, true, 0xDEADBEEF)
	if err != nil {
		t.Fatalf("EncodeSM: %v", err)
	}
	if n != SMWithReceiverIDLength {
		t.Fatalf("unexpected sm length: %d", n)
	}
	sh, _ := NewSMHeader(buf)
	if !sh.HasReceiverID() {
		t.Fatalf("expected receiver id present")
	}
	if sh.ReceiverID() != 0xDEADBEEF {
		t.Fatalf("unexpected receiver id: %x", sh.ReceiverID())
	}
}

func TestEncodeDecodeSetup(t *testing.T) {
	buf := make([]byte, SetupHeaderLength)
	n, err := EncodeSetup(buf, 1, 10, 1000, 1000, 0, 65536, 1408, 0)
	if err != nil {
		t.Fatalf("EncodeSetup: %v", err)
	}
	if n != SetupHeaderLength {
		t.Fatalf("unexpected setup length: %d", n)
	}
	sh, _ := NewSetupHeader(buf)
	if sh.SessionID() != 1 || sh.StreamID() != 10 || sh.InitialTermID() != 1000 ||
		sh.ActiveTermID() != 1000 || sh.TermLength() != 65536 || sh.MTU() != 1408 {
		t.Fatalf("unexpected setup fields: %+v", sh)
	}
	frameType, frameLength, err := ValidateFrame(buf)
	if err != nil || frameType != TypeSetup || frameLength != SetupHeaderLength {
		t.Fatalf("validate setup: type=%d len=%d err=%v", frameType, frameLength, err)
	}
}

func TestValidateFrameRejectsShortBuffer(t *testing.T) {
	_, _, err := ValidateFrame(make([]byte, 4))
	if driverrors.CodeOf(err) == driverrors.InvalidChannel {
		t.Fatalf("short buffer should not classify as invalid channel")
	}
	if err == nil {
		t.Fatalf("expected error for short buffer")
	}
}

func TestValidateFrameRejectsUnknownType(t *testing.T) {
	buf := make([]byte, CommonHeaderLength)
	c, _ := NewCommonHeader(buf)
	c.SetFrameLength(CommonHeaderLength)
	c.SetType(0xFF)
	if _, _, err := ValidateFrame(buf); err == nil {
		t.Fatalf("expected error for unknown frame type")
	}
}

func TestValidateFrameRejectsTruncatedFrameLength(t *testing.T) {
	buf := make([]byte, NakHeaderLength)
	c, _ := NewCommonHeader(buf)
	c.SetType(TypeNak)
	c.SetFrameLength(4) // shorter than NakHeaderLength
	if _, _, err := ValidateFrame(buf); err == nil {
		t.Fatalf("expected ERR_BAD_FRAME for truncated frame-length")
	}
}

func TestAlignTo32(t *testing.T) {
	cases := map[int32]int32{0: 0, 1: 32, 32: 32, 33: 64, 63: 64, 64: 64}
	for in, want := range cases {
		if got := AlignTo32(in); got != want {
			t.Fatalf("AlignTo32(%d) = %d, want %d", in, got, want)
		}
	}
}
