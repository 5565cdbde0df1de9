package driverstate

import (
	"testing"
	"time"
)

func TestPublicationRefCountLifecycle(t *testing.T) {
	p := NewPublication(1, 10, 20, 0, "UDP-0-0-7F000001-4000", 65536, 1408)
	if p.State() != PublicationActive {
		t.Fatalf("state = %v, want ACTIVE", p.State())
	}

	p.IncRef()
	if p.RefCount() != 2 {
		t.Fatalf("refCount = %d, want 2", p.RefCount())
	}

	if p.DecRef() {
		t.Fatalf("DecRef reported zero too early")
	}
	if !p.DecRef() {
		t.Fatalf("DecRef should report zero on the last release")
	}
	if p.State() != PublicationDraining {
		t.Fatalf("state = %v, want DRAINING", p.State())
	}

	deadline := time.Now().Add(5 * time.Second)
	p.ArmLinger(deadline)
	if p.State() != PublicationLinger {
		t.Fatalf("state = %v, want LINGER", p.State())
	}
	if p.LingerExpired(time.Now()) {
		t.Fatalf("linger should not have expired yet")
	}
	if !p.LingerExpired(deadline.Add(time.Millisecond)) {
		t.Fatalf("linger should have expired")
	}
}

func TestPublicationConnectedFlag(t *testing.T) {
	p := NewPublication(1, 10, 20, 0, "chan", 65536, 1408)
	if p.IsConnected() {
		t.Fatalf("should not be connected initially")
	}
	p.MarkConnected()
	if !p.IsConnected() {
		t.Fatalf("should be connected after MarkConnected")
	}
}
