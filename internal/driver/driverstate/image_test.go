package driverstate

import (
	"testing"
	"time"

	"github.com/aeronmesh/mediadriver/internal/driver/logbuffer"
	"github.com/aeronmesh/mediadriver/internal/driver/retransmit"
)

func newTestImage(t *testing.T) *PublicationImage {
	t.Helper()
	raw, err := logbuffer.NewMemoryRawLog(logbuffer.MinTermLength)
	if err != nil {
		t.Fatalf("NewMemoryRawLog: %v", err)
	}
	t.Cleanup(func() { raw.Close() })
	lb := logbuffer.NewLogBuffer(raw, 3, 1408)
	gen := retransmit.NewUnicastDelayGenerator(20 * time.Millisecond)
	return NewPublicationImage(1, 9, 10, 3, 0, "chan", nil, lb, gen)
}

func TestImageHighestReceivedOnlyAdvances(t *testing.T) {
	img := newTestImage(t)
	base := img.HighestReceivedPosition()
	if !img.AdvanceHighestReceived(base + 100) {
		t.Fatalf("expected advance to succeed")
	}
	if img.AdvanceHighestReceived(base + 50) {
		t.Fatalf("expected advance to a lower position to fail")
	}
	if img.HighestReceivedPosition() != base+100 {
		t.Fatalf("highest = %d, want %d", img.HighestReceivedPosition(), base+100)
	}
}

func TestImageShouldSendNakRateLimits(t *testing.T) {
	img := newTestImage(t)
	now := time.Unix(0, 0)
	if !img.ShouldSendNak(3, 32, now) {
		t.Fatalf("first NAK for a gap should be allowed")
	}
	if img.ShouldSendNak(3, 32, now.Add(5*time.Millisecond)) {
		t.Fatalf("second NAK within the delay window should be suppressed")
	}
	if !img.ShouldSendNak(3, 32, now.Add(25*time.Millisecond)) {
		t.Fatalf("NAK after the delay window should be allowed")
	}
}

func TestImageMinSubscriberPosition(t *testing.T) {
	img := newTestImage(t)
	slow := NewSubscriberPosition(100)
	fast := NewSubscriberPosition(500)
	img.AddSubscriberPosition(slow)
	img.AddSubscriberPosition(fast)

	if got := img.MinSubscriberPosition(); got != 100 {
		t.Fatalf("MinSubscriberPosition = %d, want 100", got)
	}

	if empty := img.RemoveSubscriberPosition(slow); empty {
		t.Fatalf("should not be empty after removing one of two")
	}
	if got := img.MinSubscriberPosition(); got != 500 {
		t.Fatalf("MinSubscriberPosition = %d, want 500 after removing slow", got)
	}
	if empty := img.RemoveSubscriberPosition(fast); !empty {
		t.Fatalf("should be empty after removing the last subscriber position")
	}
}
