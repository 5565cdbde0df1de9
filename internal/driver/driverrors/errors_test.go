package driverrors

import (
	"context"
	stdErrors "errors"
	"fmt"
	"testing"
	"time"
)

type fakeTimeoutErr struct{}

func (fakeTimeoutErr) Error() string { return "fake timeout" }
func (fakeTimeoutErr) Timeout() bool { return true }

func TestCodeOfClassification(t *testing.T) {
	root := stdErrors.New("root")
	wrapped := fmt.Errorf("adding context: %w", root)
	ic := NewInvalidChannel("conductor.addPublication", 7, wrapped)
	if CodeOf(ic) != InvalidChannel {
		t.Fatalf("expected InvalidChannel, got %s", CodeOf(ic))
	}
	if !stdErrors.Is(ic, root) {
		t.Fatalf("expected errors.Is to find root cause")
	}
	var ce *ClientError
	if !stdErrors.As(ic, &ce) {
		t.Fatalf("expected errors.As to *ClientError")
	}
	if ce.CorrelationID != 7 {
		t.Fatalf("unexpected correlation id: %d", ce.CorrelationID)
	}

	psu := NewPublicationStreamUnknown("conductor.removePublication", 3, nil)
	if CodeOf(psu) != PublicationStreamUnknown {
		t.Fatalf("expected PublicationStreamUnknown")
	}
	psae := NewPublicationStreamAlreadyExists("conductor.addPublication", 9, nil)
	if CodeOf(psae) != PublicationStreamAlreadyExists {
		t.Fatalf("expected PublicationStreamAlreadyExists")
	}
	if CorrelationOf(psae) != 9 {
		t.Fatalf("expected correlation id 9, got %d", CorrelationOf(psae))
	}
	ge := NewGenericError("driver.ioFault", 0, stdErrors.New("disk full"))
	if CodeOf(ge) != GenericError {
		t.Fatalf("expected GenericError")
	}
}

func TestMalformedFrameIsNotClassified(t *testing.T) {
	mf := NewMalformedFrame("protocol.decodeData", stdErrors.New("short buffer"))
	if CodeOf(mf) != GenericError {
		t.Fatalf("malformed frame should not carry a client error code, got %s", CodeOf(mf))
	}
	if mf.Error() == "" {
		t.Fatalf("expected non-empty error string")
	}
}

func TestIsTimeout(t *testing.T) {
	root := fakeTimeoutErr{}
	to := NewTimeoutError("image.liveness", 5*time.Second, root)
	if !IsTimeout(to) {
		t.Fatalf("expected TimeoutError recognized")
	}
	if !IsTimeout(context.DeadlineExceeded) {
		t.Fatalf("expected context deadline recognized")
	}
	var ne error = root
	if !IsTimeout(ne) {
		t.Fatalf("expected net-like timeout recognized")
	}
	if IsTimeout(stdErrors.New("plain")) {
		t.Fatalf("plain error should not be a timeout")
	}
}

func TestNilSafety(t *testing.T) {
	if CodeOf(nil) != GenericError {
		t.Fatalf("nil should classify as GenericError")
	}
	if IsTimeout(nil) {
		t.Fatalf("nil should not be timeout")
	}
	if CorrelationOf(nil) != 0 {
		t.Fatalf("nil should have zero correlation id")
	}
}

func TestErrorStrings(t *testing.T) {
	ic := NewInvalidChannel("op1", 1, nil)
	if s := ic.Error(); s == "" {
		t.Fatalf("empty error string")
	}
	to := NewTimeoutError("op2", 100*time.Millisecond, nil)
	if s := to.Error(); s == "" {
		t.Fatalf("empty timeout error string")
	}
}
