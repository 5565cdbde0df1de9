package logbuffer

import (
	"math"
	"testing"

	"github.com/aeronmesh/mediadriver/internal/driver/protocol"
)

func newTestLogBuffer(t *testing.T, termLength int32) *LogBuffer {
	t.Helper()
	raw, err := NewMemoryRawLog(termLength)
	if err != nil {
		t.Fatalf("NewMemoryRawLog: %v", err)
	}
	t.Cleanup(func() { raw.Close() })
	return NewLogBuffer(raw, 7, 1408)
}

func TestAppendUnfragmentedRoundTrip(t *testing.T) {
	lb := newTestLogBuffer(t, MinTermLength)
	app := NewAppender(lb, 11, 22)

	payload := []byte("Hello World! ")
	pos, result := app.AppendUnfragmented(payload, 0, math.MaxInt64)
	if result != ResultSuccess {
		t.Fatalf("append result = %v, want SUCCESS", result)
	}
	wantPos := int64(protocol.AlignTo32(int32(protocol.DataHeaderLength + len(payload))))
	if pos != wantPos {
		t.Fatalf("position = %d, want %d", pos, wantPos)
	}

	partition := lb.PartitionAt(0)
	dh, err := protocol.NewDataHeader(partition)
	if err != nil {
		t.Fatalf("NewDataHeader: %v", err)
	}
	if dh.SessionID() != 11 || dh.StreamID() != 22 || dh.TermID() != 7 {
		t.Fatalf("unexpected header: session=%d stream=%d term=%d", dh.SessionID(), dh.StreamID(), dh.TermID())
	}
	if got := string(dh.Payload()); got != string(payload) {
		t.Fatalf("payload = %q, want %q", got, payload)
	}
	if dh.Flags() != protocol.FlagBeginEnd {
		t.Fatalf("flags = %#x, want BEGIN|END", dh.Flags())
	}
}

func TestAppendHeartbeatIsZeroLength(t *testing.T) {
	lb := newTestLogBuffer(t, MinTermLength)
	app := NewAppender(lb, 1, 2)

	_, result := app.AppendHeartbeat(math.MaxInt64)
	if result != ResultSuccess {
		t.Fatalf("heartbeat append result = %v", result)
	}
	dh, err := protocol.NewDataHeader(lb.PartitionAt(0))
	if err != nil {
		t.Fatalf("NewDataHeader: %v", err)
	}
	if !dh.IsHeartbeat() {
		t.Fatalf("expected heartbeat frame")
	}
}

func TestAppendBackPressured(t *testing.T) {
	lb := newTestLogBuffer(t, MinTermLength)
	app := NewAppender(lb, 1, 2)

	payload := make([]byte, 64)
	_, result := app.AppendUnfragmented(payload, 0, 16) // limit far below the frame's end position
	if result != ResultBackPressured {
		t.Fatalf("result = %v, want BACK_PRESSURED", result)
	}
}

// TestAppendBackPressuredDoesNotStrandTheSlot covers spec.md's scenario 4: a
// back-pressured offer must not claim the reservation it was denied, or the
// retried frame ends up behind an uncommitted hole that BlockScan/
// ScanForGap can never step over.
func TestAppendBackPressuredDoesNotStrandTheSlot(t *testing.T) {
	lb := newTestLogBuffer(t, MinTermLength)
	app := NewAppender(lb, 1, 2)

	payload := make([]byte, 64)
	if _, result := app.AppendUnfragmented(payload, 0, 16); result != ResultBackPressured {
		t.Fatalf("first offer result = %v, want BACK_PRESSURED", result)
	}

	// Simulate the flow-control window advancing (an SM arriving) and retry:
	// the retried frame must land at offset 0, not behind a stranded gap.
	position, result := app.AppendUnfragmented(payload, 0, 4096)
	if result != ResultSuccess {
		t.Fatalf("retried offer result = %v, want SUCCESS", result)
	}
	if position != int64(protocol.AlignTo32(int32(protocol.DataHeaderLength+len(payload)))) {
		t.Fatalf("position = %d, want the retried frame to occupy offset 0", position)
	}

	partition := lb.PartitionAt(0)
	gap, found := ScanForGap(partition, lb.InitialTermID(), 0, int32(position))
	if found {
		t.Fatalf("unexpected gap %+v; the back-pressured attempt must not have stranded a hole", gap)
	}
}

func TestAppendRotatesAtPartitionEnd(t *testing.T) {
	termLength := int32(MinTermLength)
	lb := newTestLogBuffer(t, termLength)
	app := NewAppender(lb, 1, 2)

	// Fill partition 0 to near its end, then push one more frame across the
	// boundary: the appender should pad, rotate, and succeed on retry.
	// 224-byte frames do not divide the term length, so the fill stops with
	// a remainder that the crossing frame must pad over.
	chunk := make([]byte, 224-protocol.DataHeaderLength)
	var pos int64
	for {
		p, result := app.AppendUnfragmented(chunk, 0, math.MaxInt64)
		if result != ResultSuccess {
			t.Fatalf("unexpected result filling term: %v", result)
		}
		pos = p
		if termLength-lb.TermOffsetAt(pos) < 224 {
			break
		}
	}

	pos2, result := app.AppendUnfragmented(chunk, 0, math.MaxInt64)
	if result != ResultSuccess {
		t.Fatalf("append after rotation result = %v", result)
	}
	if lb.TermIDAt(pos2) != lb.TermIDAt(pos)+1 {
		t.Fatalf("expected rotation into next term: before=%d after=%d", lb.TermIDAt(pos), lb.TermIDAt(pos2))
	}
	if off := lb.TermOffsetAt(pos2); off > termLength {
		t.Fatalf("offset %d exceeds term length %d after rotation", off, termLength)
	}
}

func TestAppendFragmentedSplitsAcrossFrames(t *testing.T) {
	lb := newTestLogBuffer(t, MinTermLength)
	app := NewAppender(lb, 1, 2)

	maxChunk := int32(128)
	payload := make([]byte, 300)
	for i := range payload {
		payload[i] = byte(i)
	}
	_, result := app.AppendFragmented(payload, maxChunk, 0, math.MaxInt64)
	if result != ResultSuccess {
		t.Fatalf("result = %v", result)
	}

	partition := lb.PartitionAt(0)
	offset := int32(0)
	var reassembled []byte
	for {
		dh, err := protocol.NewDataHeader(partition[offset:])
		if err != nil {
			t.Fatalf("NewDataHeader at %d: %v", offset, err)
		}
		fl := dh.Common().FrameLength()
		if fl == 0 {
			break
		}
		reassembled = append(reassembled, dh.Payload()...)
		if dh.Flags()&protocol.FlagEnd != 0 {
			break
		}
		offset += protocol.AlignTo32(fl)
	}
	if string(reassembled) != string(payload) {
		t.Fatalf("reassembled payload mismatch: got %d bytes, want %d", len(reassembled), len(payload))
	}
}
