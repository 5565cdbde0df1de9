package logbuffer

import (
	"testing"

	"github.com/aeronmesh/mediadriver/internal/driver/protocol"
)

func TestScanForGapDetectsMissingFrame(t *testing.T) {
	lb := newTestLogBuffer(t, MinTermLength)
	partition := lb.PartitionAt(0)

	f0 := encodeFrame(t, 1, 2, 7, 0, protocol.FlagBeginEnd, nil)
	copy(partition[0:], f0)
	// offset 32 (frame index 1) is deliberately left empty (dropped).
	f2 := encodeFrame(t, 1, 2, 7, 64, protocol.FlagBeginEnd, nil)
	copy(partition[64:], f2)

	gap, found := ScanForGap(partition, 7, 0, 96)
	if !found {
		t.Fatalf("expected gap to be found")
	}
	if gap.Offset != 32 || gap.Length != 32 {
		t.Fatalf("gap = %+v, want offset=32 length=32", gap)
	}
}

func TestScanForGapWithoutFollowingFrameIsNotAGap(t *testing.T) {
	lb := newTestLogBuffer(t, MinTermLength)
	partition := lb.PartitionAt(0)

	f0 := encodeFrame(t, 1, 2, 7, 0, protocol.FlagBeginEnd, nil)
	copy(partition[0:], f0)

	// High-water-mark stops at 64, but nothing beyond offset 32 has arrived
	// yet: no committed frame follows, so this must not be reported as a gap.
	_, found := ScanForGap(partition, 7, 0, 64)
	if found {
		t.Fatalf("expected no gap when high-water-mark has no following committed frame")
	}
}

func TestScanForGapNoGapWhenContiguous(t *testing.T) {
	lb := newTestLogBuffer(t, MinTermLength)
	partition := lb.PartitionAt(0)

	f0 := encodeFrame(t, 1, 2, 7, 0, protocol.FlagBeginEnd, nil)
	copy(partition[0:], f0)
	f1 := encodeFrame(t, 1, 2, 7, 32, protocol.FlagBeginEnd, nil)
	copy(partition[32:], f1)

	_, found := ScanForGap(partition, 7, 0, 64)
	if found {
		t.Fatalf("expected no gap for contiguous committed frames")
	}
}

func TestBlockScanConsumesContiguousFrames(t *testing.T) {
	lb := newTestLogBuffer(t, MinTermLength)
	partition := lb.PartitionAt(0)

	f0 := encodeFrame(t, 1, 2, 7, 0, protocol.FlagBeginEnd, nil)
	copy(partition[0:], f0)
	f1 := encodeFrame(t, 1, 2, 7, 32, protocol.FlagBeginEnd, nil)
	copy(partition[32:], f1)
	// offset 64 left empty.

	end := BlockScan(partition, 0, 1024)
	if end != 64 {
		t.Fatalf("end = %d, want 64", end)
	}
}

func TestBlockScanStopsBeforeSplittingFrame(t *testing.T) {
	lb := newTestLogBuffer(t, MinTermLength)
	partition := lb.PartitionAt(0)

	f0 := encodeFrame(t, 1, 2, 7, 0, protocol.FlagBeginEnd, nil)
	copy(partition[0:], f0)
	f1 := encodeFrame(t, 1, 2, 7, 32, protocol.FlagBeginEnd, nil)
	copy(partition[32:], f1)

	end := BlockScan(partition, 0, 40) // only enough room for one 32-byte frame
	if end != 32 {
		t.Fatalf("end = %d, want 32", end)
	}
}
