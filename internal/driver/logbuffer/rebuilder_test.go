package logbuffer

import (
	"testing"

	"github.com/aeronmesh/mediadriver/internal/driver/protocol"
)

func encodeFrame(t *testing.T, sessionID, streamID, termID, termOffset int32, flags uint8, payload []byte) []byte {
	t.Helper()
	buf := make([]byte, protocol.AlignTo32(int32(protocol.DataHeaderLength+len(payload))))
	_, err := protocol.EncodeData(buf, protocol.TypeData, sessionID, streamID, termID, termOffset, 0, flags, payload)
	if err != nil {
		t.Fatalf("EncodeData: %v", err)
	}
	return buf
}

func TestRebuildWritesEmptySlot(t *testing.T) {
	lb := newTestLogBuffer(t, MinTermLength)
	frame := encodeFrame(t, 1, 2, 7, 0, protocol.FlagBeginEnd, []byte("payload"))

	wrote, err := Rebuild(lb, frame)
	if err != nil {
		t.Fatalf("Rebuild: %v", err)
	}
	if !wrote {
		t.Fatalf("expected write into empty slot")
	}

	partition := lb.PartitionAt(0)
	dh, err := protocol.NewDataHeader(partition)
	if err != nil {
		t.Fatalf("NewDataHeader: %v", err)
	}
	if string(dh.Payload()) != "payload" {
		t.Fatalf("payload = %q", dh.Payload())
	}
}

func TestRebuildDataOverwritesHeartbeat(t *testing.T) {
	lb := newTestLogBuffer(t, MinTermLength)
	heartbeat := encodeFrame(t, 1, 2, 7, 0, protocol.FlagBeginEnd, nil)
	if wrote, err := Rebuild(lb, heartbeat); err != nil || !wrote {
		t.Fatalf("seed heartbeat: wrote=%v err=%v", wrote, err)
	}

	data := encodeFrame(t, 1, 2, 7, 0, protocol.FlagBeginEnd, []byte("real data"))
	wrote, err := Rebuild(lb, data)
	if err != nil {
		t.Fatalf("Rebuild: %v", err)
	}
	if !wrote {
		t.Fatalf("expected data to overwrite heartbeat")
	}

	dh, _ := protocol.NewDataHeader(lb.PartitionAt(0))
	if string(dh.Payload()) != "real data" {
		t.Fatalf("payload = %q", dh.Payload())
	}
}

func TestRebuildHeartbeatNeverOverwritesData(t *testing.T) {
	lb := newTestLogBuffer(t, MinTermLength)
	data := encodeFrame(t, 1, 2, 7, 0, protocol.FlagBeginEnd, []byte("real data"))
	if wrote, err := Rebuild(lb, data); err != nil || !wrote {
		t.Fatalf("seed data: wrote=%v err=%v", wrote, err)
	}

	heartbeat := encodeFrame(t, 1, 2, 7, 0, protocol.FlagBeginEnd, nil)
	wrote, err := Rebuild(lb, heartbeat)
	if err != nil {
		t.Fatalf("Rebuild: %v", err)
	}
	if wrote {
		t.Fatalf("heartbeat must not overwrite committed data")
	}

	dh, _ := protocol.NewDataHeader(lb.PartitionAt(0))
	if string(dh.Payload()) != "real data" {
		t.Fatalf("payload clobbered: %q", dh.Payload())
	}
}

func TestRebuildDuplicateDataIsIgnored(t *testing.T) {
	lb := newTestLogBuffer(t, MinTermLength)
	data := encodeFrame(t, 1, 2, 7, 0, protocol.FlagBeginEnd, []byte("real data"))
	if wrote, err := Rebuild(lb, data); err != nil || !wrote {
		t.Fatalf("seed data: wrote=%v err=%v", wrote, err)
	}
	wrote, err := Rebuild(lb, data)
	if err != nil {
		t.Fatalf("Rebuild: %v", err)
	}
	if wrote {
		t.Fatalf("duplicate data frame must not be rewritten")
	}
}
