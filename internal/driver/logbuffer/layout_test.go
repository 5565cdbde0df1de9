package logbuffer

import "testing"

func TestValidateTermLength(t *testing.T) {
	cases := []struct {
		length  int32
		wantErr bool
	}{
		{64 * 1024, false},
		{1 << 20, false},
		{1 << 30, false},
		{1 << 30 + 1, true},
		{63 * 1024, true},
		{1 << 16, false},
		{3 * 64 * 1024, true}, // in range, but not a power of two
	}
	for _, c := range cases {
		err := ValidateTermLength(c.length)
		if (err != nil) != c.wantErr {
			t.Errorf("ValidateTermLength(%d): err=%v, wantErr=%v", c.length, err, c.wantErr)
		}
	}
}

func TestPositionRoundTrip(t *testing.T) {
	const termLength = int32(65536)
	const initialTermID = int32(42)

	cases := []struct {
		termID, offset int32
	}{
		{42, 0},
		{42, 32},
		{43, 0},
		{45, 100},
	}
	for _, c := range cases {
		pos := ComputePosition(c.termID, c.offset, initialTermID, termLength)
		if got := ComputeTermIDFromPosition(pos, initialTermID, termLength); got != c.termID {
			t.Errorf("ComputeTermIDFromPosition(%d) = %d, want %d", pos, got, c.termID)
		}
		if got := ComputeTermOffsetFromPosition(pos, termLength); got != c.offset {
			t.Errorf("ComputeTermOffsetFromPosition(%d) = %d, want %d", pos, got, c.offset)
		}
	}
}

func TestPartitionIndexForTermCycles(t *testing.T) {
	cases := []struct {
		termID, initialTermID, want int32
	}{
		{5, 5, 0},
		{6, 5, 1},
		{7, 5, 2},
		{8, 5, 0},
		{4, 5, 2}, // term before initial still maps onto a valid partition
	}
	for _, c := range cases {
		if got := PartitionIndexForTerm(c.termID, c.initialTermID); got != c.want {
			t.Errorf("PartitionIndexForTerm(%d, %d) = %d, want %d", c.termID, c.initialTermID, got, c.want)
		}
	}
}
