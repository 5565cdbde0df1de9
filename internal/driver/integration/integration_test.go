// Package integration exercises the Conductor, Sender, and Receiver agents
// together over real loopback UDP sockets, the way spec §8's end-to-end
// scenarios are described: a client pushes commands onto the Conductor's
// queues and observes responses, while data actually crosses the wire and
// lands in a subscriber's image log buffer.
package integration

import (
	"bytes"
	"net"
	"strconv"
	"testing"
	"time"

	"github.com/aeronmesh/mediadriver/internal/driver/command"
	"github.com/aeronmesh/mediadriver/internal/driver/conductor"
	driverctx "github.com/aeronmesh/mediadriver/internal/driver/context"
	"github.com/aeronmesh/mediadriver/internal/driver/driverrors"
	"github.com/aeronmesh/mediadriver/internal/driver/logbuffer"
	"github.com/aeronmesh/mediadriver/internal/driver/metrics"
	"github.com/aeronmesh/mediadriver/internal/driver/protocol"
	"github.com/aeronmesh/mediadriver/internal/driver/receiver"
	"github.com/aeronmesh/mediadriver/internal/driver/sender"
)

const queueCapacity = 64

type harness struct {
	clientCmds *command.Queue[command.ClientCommand]
	clientResp *command.Queue[command.ClientResponse]
	stop       chan struct{}
}

// freePort grabs an ephemeral UDP port and releases it immediately; good
// enough for a loopback test, not for a production bind race.
func freePort(t *testing.T) int {
	t.Helper()
	conn, err := net.ListenUDP("udp4", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)})
	if err != nil {
		t.Fatalf("freePort: %v", err)
	}
	defer conn.Close()
	return conn.LocalAddr().(*net.UDPAddr).Port
}

// newHarness wires one Conductor/Sender/Receiver triple against a temp
// aeron directory, with shortened liveness timers so sweep-driven tests
// don't need to wait out the 10s production defaults.
func newHarness(t *testing.T) *harness {
	t.Helper()
	cfg := driverctx.Defaults()
	cfg.AeronDir = t.TempDir()
	cfg.TermLength = logbuffer.MinTermLength
	cfg.ClientLivenessTimeout = 2 * time.Second
	cfg.PublicationLingerTimeout = 200 * time.Millisecond
	cfg.ImageLivenessTimeout = 2 * time.Second

	set := metrics.NewSet()
	clientCmds := command.NewQueue[command.ClientCommand](queueCapacity)
	clientResp := command.NewQueue[command.ClientResponse](queueCapacity)
	toSender := command.NewQueue[command.SenderCommand](queueCapacity)
	toReceiver := command.NewQueue[command.ReceiverCommand](queueCapacity)
	fromAgents := command.NewQueue[command.ConductorCommand](queueCapacity)

	recv := receiver.New(cfg, set, toReceiver, fromAgents)
	send := sender.New(cfg, set, toSender, fromAgents)
	cond := conductor.New(cfg, set, recv, clientCmds, clientResp, toSender, toReceiver, fromAgents)

	stop := make(chan struct{})
	go cond.Run(stop)
	go send.Run(stop)
	go recv.Run(stop)
	t.Cleanup(func() { close(stop) })

	return &harness{clientCmds: clientCmds, clientResp: clientResp, stop: stop}
}

// waitFor polls until pred(response) returns a non-nil match or the timeout
// elapses, draining every response in between so earlier, non-matching
// responses (e.g. a stale OnAvailableImage retry) don't block the caller.
func waitFor[T any](t *testing.T, h *harness, timeout time.Duration, match func(command.ClientResponse) (T, bool)) T {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if resp, ok := h.clientResp.TryPop(); ok {
			if v, ok := match(resp); ok {
				return v
			}
		} else {
			time.Sleep(5 * time.Millisecond)
		}
	}
	var zero T
	t.Fatalf("timed out after %s waiting for matching response", timeout)
	return zero
}

func TestPublicationSubscriptionImageRoundTrip(t *testing.T) {
	h := newHarness(t)
	port := freePort(t)
	ch := "udp://127.0.0.1:" + strconv.Itoa(port)

	h.clientCmds.TryPush(command.AddPublication{CorrelationID: 1, ClientID: 100, Channel: ch, StreamID: 7})
	pub := waitFor(t, h, 2*time.Second, func(r command.ClientResponse) (command.OnNewPublication, bool) {
		v, ok := r.(command.OnNewPublication)
		return v, ok && v.CorrelationID == 1
	})
	if pub.LogFileName == "" {
		t.Fatalf("expected a log file name on OnNewPublication")
	}

	h.clientCmds.TryPush(command.AddSubscription{CorrelationID: 2, ClientID: 200, Channel: ch, StreamID: 7})
	waitFor(t, h, 2*time.Second, func(r command.ClientResponse) (struct{}, bool) {
		v, ok := r.(command.OperationSuccess)
		return struct{}{}, ok && v.CorrelationID == 2
	})

	img := waitFor(t, h, 3*time.Second, func(r command.ClientResponse) (command.OnAvailableImage, bool) {
		v, ok := r.(command.OnAvailableImage)
		return v, ok && v.StreamID == 7 && v.SessionID == pub.SessionID
	})
	if img.LogFileName == "" {
		t.Fatalf("expected a log file name on OnAvailableImage")
	}

	// Append a payload the way a co-located client would, writing straight
	// into the publication's mapped log buffer alongside the Sender.
	payload := []byte("hello media driver")
	pubRaw, err := logbuffer.NewMappedRawLog(pub.LogFileName, logbuffer.MinTermLength)
	if err != nil {
		t.Fatalf("reopen publication log: %v", err)
	}
	defer pubRaw.Close()
	pubLB := logbuffer.OpenLogBuffer(pubRaw)
	appender := logbuffer.NewAppender(pubLB, pub.SessionID, 7)
	if _, res := appender.AppendUnfragmented(payload, 0, int64(len(payload))+4096); res != logbuffer.ResultSuccess {
		t.Fatalf("append: %v", res)
	}

	// Poll the image's own log buffer until the Sender has relayed the
	// frame and the Receiver has rebuilt it on the subscriber side.
	deadline := time.Now().Add(3 * time.Second)
	var found bool
	for time.Now().Before(deadline) {
		imgRaw, err := logbuffer.NewMappedRawLog(img.LogFileName, logbuffer.MinTermLength)
		if err != nil {
			t.Fatalf("reopen image log: %v", err)
		}
		imgLB := logbuffer.OpenLogBuffer(imgRaw)
		partition := imgLB.PartitionForTerm(imgLB.InitialTermID())
		if bytes.Contains(partition, payload) {
			found = true
			imgRaw.Close()
			break
		}
		imgRaw.Close()
		time.Sleep(50 * time.Millisecond)
	}
	if !found {
		t.Fatalf("payload never appeared in the subscriber's image log buffer")
	}
}

// TestBackPressuredAppendRetriesToSameOffset covers spec §8 scenario 4: a
// publication offer that is back-pressured against a tight position limit
// must not strand the slot it was denied, and a retry once the limit opens
// up must land at the same offset and still reach the subscriber.
func TestBackPressuredAppendRetriesToSameOffset(t *testing.T) {
	h := newHarness(t)
	port := freePort(t)
	ch := "udp://127.0.0.1:" + strconv.Itoa(port)

	h.clientCmds.TryPush(command.AddPublication{CorrelationID: 1, ClientID: 100, Channel: ch, StreamID: 7})
	pub := waitFor(t, h, 2*time.Second, func(r command.ClientResponse) (command.OnNewPublication, bool) {
		v, ok := r.(command.OnNewPublication)
		return v, ok && v.CorrelationID == 1
	})

	h.clientCmds.TryPush(command.AddSubscription{CorrelationID: 2, ClientID: 200, Channel: ch, StreamID: 7})
	waitFor(t, h, 2*time.Second, func(r command.ClientResponse) (struct{}, bool) {
		v, ok := r.(command.OperationSuccess)
		return struct{}{}, ok && v.CorrelationID == 2
	})
	img := waitFor(t, h, 3*time.Second, func(r command.ClientResponse) (command.OnAvailableImage, bool) {
		v, ok := r.(command.OnAvailableImage)
		return v, ok && v.StreamID == 7 && v.SessionID == pub.SessionID
	})

	pubRaw, err := logbuffer.NewMappedRawLog(pub.LogFileName, logbuffer.MinTermLength)
	if err != nil {
		t.Fatalf("reopen publication log: %v", err)
	}
	defer pubRaw.Close()
	pubLB := logbuffer.OpenLogBuffer(pubRaw)
	appender := logbuffer.NewAppender(pubLB, pub.SessionID, 7)

	payload := []byte("back pressured then retried")
	if _, res := appender.AppendUnfragmented(payload, 0, 16); res != logbuffer.ResultBackPressured {
		t.Fatalf("first offer result = %v, want BACK_PRESSURED", res)
	}

	position, res := appender.AppendUnfragmented(payload, 0, 4096)
	if res != logbuffer.ResultSuccess {
		t.Fatalf("retried offer result = %v, want SUCCESS", res)
	}
	wantOffset := protocol.AlignTo32(int32(protocol.DataHeaderLength + len(payload)))
	if off := pubLB.TermOffsetAt(position); off != wantOffset {
		t.Fatalf("retried offer landed at offset %d, want %d (the first slot, no stranded gap)", off, wantOffset)
	}

	deadline := time.Now().Add(3 * time.Second)
	var found bool
	for time.Now().Before(deadline) {
		imgRaw, err := logbuffer.NewMappedRawLog(img.LogFileName, logbuffer.MinTermLength)
		if err != nil {
			t.Fatalf("reopen image log: %v", err)
		}
		imgLB := logbuffer.OpenLogBuffer(imgRaw)
		partition := imgLB.PartitionForTerm(imgLB.InitialTermID())
		if bytes.Contains(partition, payload) {
			found = true
			imgRaw.Close()
			break
		}
		imgRaw.Close()
		time.Sleep(50 * time.Millisecond)
	}
	if !found {
		t.Fatalf("retried frame never reached the subscriber's image log buffer")
	}
}

func TestDuplicatePublicationRejected(t *testing.T) {
	h := newHarness(t)
	port := freePort(t)
	ch := "udp://127.0.0.1:" + strconv.Itoa(port)

	h.clientCmds.TryPush(command.AddPublication{CorrelationID: 1, ClientID: 1, Channel: ch, StreamID: 3})
	waitFor(t, h, 2*time.Second, func(r command.ClientResponse) (struct{}, bool) {
		v, ok := r.(command.OnNewPublication)
		return struct{}{}, ok && v.CorrelationID == 1
	})

	h.clientCmds.TryPush(command.AddPublication{CorrelationID: 2, ClientID: 1, Channel: ch, StreamID: 3})
	errResp := waitFor(t, h, 2*time.Second, func(r command.ClientResponse) (command.ErrorResponse, bool) {
		v, ok := r.(command.ErrorResponse)
		return v, ok && v.OffendingCorrelationID == 2
	})
	if errResp.ErrCode != driverrors.PublicationStreamAlreadyExists {
		t.Fatalf("ErrCode = %v, want PublicationStreamAlreadyExists", errResp.ErrCode)
	}
}

func TestRemoveUnknownPublicationReportsStreamUnknown(t *testing.T) {
	h := newHarness(t)
	h.clientCmds.TryPush(command.RemovePublication{CorrelationID: 9, RegistrationID: 999})
	errResp := waitFor(t, h, 2*time.Second, func(r command.ClientResponse) (command.ErrorResponse, bool) {
		v, ok := r.(command.ErrorResponse)
		return v, ok && v.OffendingCorrelationID == 9
	})
	if errResp.ErrCode != driverrors.PublicationStreamUnknown {
		t.Fatalf("ErrCode = %v, want PublicationStreamUnknown", errResp.ErrCode)
	}
}
