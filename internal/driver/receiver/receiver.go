// Package receiver implements the Receiver agent (spec §4.8): dispatches
// inbound SETUP/DATA/PAD frames to the matching publication image, rebuilds
// the log buffer from received frames, scans for gaps and schedules NAKs,
// advertises consumption via periodic Status Messages, and evicts images
// that fall silent past their liveness timeout.
package receiver

import (
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/aeronmesh/mediadriver/internal/bufpool"
	"github.com/aeronmesh/mediadriver/internal/driver/channel"
	"github.com/aeronmesh/mediadriver/internal/driver/command"
	driverctx "github.com/aeronmesh/mediadriver/internal/driver/context"
	"github.com/aeronmesh/mediadriver/internal/driver/driverstate"
	"github.com/aeronmesh/mediadriver/internal/driver/idle"
	"github.com/aeronmesh/mediadriver/internal/driver/logbuffer"
	"github.com/aeronmesh/mediadriver/internal/driver/metrics"
	"github.com/aeronmesh/mediadriver/internal/driver/protocol"
	"github.com/aeronmesh/mediadriver/internal/logger"
)

const smInterval = 100 * time.Millisecond

type imageKey struct {
	Channel   string
	SessionID int32
	StreamID  int32
}

type subKey struct {
	Channel  string
	StreamID int32
}

type imgEntry struct {
	img      *driverstate.PublicationImage
	endpoint *channel.ReceiveChannelEndpoint
	smGate   *idle.Gate
}

// Receiver is driven from two contexts: DoWork runs on its owner's
// goroutine, while OnFrame callbacks arrive on one PollLoop goroutine per
// distinct receive endpoint. All shared state is behind mu; per-image
// position counters live in driverstate.PublicationImage's own atomics.
type Receiver struct {
	log         *slog.Logger
	cfg         *driverctx.Context
	metrics     *metrics.Set
	cmds        *command.Queue[command.ReceiverCommand]
	toConductor *command.Queue[command.ConductorCommand]
	idle        *idle.Strategy

	mu              sync.Mutex
	images          map[imageKey]*imgEntry
	imagesByCorr    map[int64]imageKey
	subsByChannel   map[subKey][]*driverstate.Subscription
	endpointStarted map[string]bool
	pendingSetup    map[imageKey]bool
}

// New builds a Receiver.
func New(cfg *driverctx.Context, set *metrics.Set, cmds *command.Queue[command.ReceiverCommand], toConductor *command.Queue[command.ConductorCommand]) *Receiver {
	return &Receiver{
		log:             logger.Logger().With("agent", "receiver"),
		cfg:             cfg,
		metrics:         set,
		cmds:            cmds,
		toConductor:     toConductor,
		idle:            idle.NewStrategy(100, 10, 10*time.Millisecond),
		images:          make(map[imageKey]*imgEntry),
		imagesByCorr:    make(map[int64]imageKey),
		subsByChannel:   make(map[subKey][]*driverstate.Subscription),
		endpointStarted: make(map[string]bool),
		pendingSetup:    make(map[imageKey]bool),
	}
}

// HandlerFor returns the FrameHandler the Conductor should register when it
// constructs a ReceiveChannelEndpoint for the given canonical channel.
func (r *Receiver) HandlerFor(ch string) channel.FrameHandler {
	return &frameHandler{receiver: r, channel: ch}
}

// Run drives the duty cycle until stop is closed.
func (r *Receiver) Run(stop <-chan struct{}) {
	for {
		select {
		case <-stop:
			return
		default:
		}
		r.idle.Idle(r.DoWork())
	}
}

// DoWork drains pending commands and services every known image once.
func (r *Receiver) DoWork() int {
	n := r.cmds.DrainAll(r.handleCommand)

	r.mu.Lock()
	entries := make([]*imgEntry, 0, len(r.images))
	for _, e := range r.images {
		entries = append(entries, e)
	}
	r.mu.Unlock()

	now := time.Now()
	for _, e := range entries {
		n += r.service(e, now)
	}
	return n
}

func (r *Receiver) handleCommand(cmd command.ReceiverCommand) {
	switch c := cmd.(type) {
	case command.AddSubscriptionToReceiver:
		r.addSubscription(c.Subscription)
	case command.RemoveSubscriptionFromReceiver:
		r.removeSubscription(c.CorrelationID)
	case command.AddImageToReceiver:
		r.addImage(c.Image)
	case command.RemoveImageFromReceiver:
		r.removeImage(c.CorrelationID)
	}
}

func (r *Receiver) addSubscription(sub *driverstate.Subscription) {
	k := subKey{Channel: sub.Channel, StreamID: sub.StreamID}
	r.mu.Lock()
	r.subsByChannel[k] = append(r.subsByChannel[k], sub)
	canonical := sub.ReceiveEndpoint.Canonical()
	started := r.endpointStarted[canonical]
	r.endpointStarted[canonical] = true
	r.mu.Unlock()

	if !started {
		go sub.ReceiveEndpoint.PollLoop()
	}
	r.log.Info("subscription added to receiver", "channel", sub.Channel, "stream_id", sub.StreamID)
}

func (r *Receiver) removeSubscription(correlationID int64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for k, subs := range r.subsByChannel {
		for i, s := range subs {
			if s.CorrelationID == correlationID {
				r.subsByChannel[k] = append(subs[:i], subs[i+1:]...)
				return
			}
		}
	}
}

func (r *Receiver) addImage(img *driverstate.PublicationImage) {
	k := imageKey{Channel: img.Channel, SessionID: img.SessionID, StreamID: img.StreamID}

	r.mu.Lock()
	var endpoint *channel.ReceiveChannelEndpoint
	for _, sub := range r.subsByChannel[subKey{Channel: img.Channel, StreamID: img.StreamID}] {
		endpoint = sub.ReceiveEndpoint
		sp := driverstate.NewSubscriberPosition(img.HighestReceivedPosition())
		if sub.AttachImage(img.SessionID, sp) {
			img.AddSubscriberPosition(sp)
		}
	}
	r.images[k] = &imgEntry{img: img, endpoint: endpoint, smGate: idle.NewGate(smInterval)}
	r.imagesByCorr[img.CorrelationID] = k
	delete(r.pendingSetup, k)
	r.mu.Unlock()

	img.ArmLiveness(time.Now().Add(r.cfg.ImageLivenessTimeout))
	r.metrics.ImagesActive.Inc()
	r.log.Info("image added to receiver", "channel", img.Channel, "session_id", img.SessionID, "stream_id", img.StreamID)
}

func (r *Receiver) removeImage(correlationID int64) {
	r.mu.Lock()
	k, ok := r.imagesByCorr[correlationID]
	if ok {
		delete(r.images, k)
		delete(r.imagesByCorr, correlationID)
	}
	r.mu.Unlock()
	if ok {
		r.metrics.ImagesActive.Dec()
	}
}

// service advances one image's rebuild position, emits a NAK for the first
// pending gap (rate-limited per gap), sends a periodic SM, and checks
// liveness.
func (r *Receiver) service(e *imgEntry, now time.Time) int {
	work := 0
	img := e.img

	highPos := img.HighestReceivedPosition()
	rebuildPos := img.RebuildPosition()
	activeTermID := img.LogBuffer.TermIDAt(rebuildPos)
	partition := img.LogBuffer.PartitionForTerm(activeTermID)

	fromOffset := img.LogBuffer.TermOffsetAt(rebuildPos)
	toOffset := fromOffset
	if img.LogBuffer.TermIDAt(highPos) == activeTermID {
		toOffset = img.LogBuffer.TermOffsetAt(highPos)
	} else {
		toOffset = img.LogBuffer.TermLength()
	}

	if gap, found := logbuffer.ScanForGap(partition, activeTermID, fromOffset, toOffset); found {
		if img.ShouldSendNak(gap.TermID, gap.Offset, now) {
			r.sendNak(e, gap)
			work++
		}
	}

	if newOffset := logbuffer.BlockScan(partition, fromOffset, toOffset-fromOffset); newOffset != fromOffset {
		img.SetRebuildPosition(img.LogBuffer.Position(activeTermID, newOffset))
		work++
	}

	if img.State() == driverstate.ImageActive || img.State() == driverstate.ImageInit {
		if e.smGate.Allow() && img.RebuildPosition() > 0 {
			r.sendSM(e)
			work++
		}
	}

	if img.State() != driverstate.ImageInactive && img.LivenessExpired(now) {
		img.SetState(driverstate.ImageInactive)
		r.toConductor.TryPush(command.ImageLivenessTimeout{CorrelationID: img.CorrelationID})
		work++
	}

	return work
}

func (r *Receiver) sendNak(e *imgEntry, gap logbuffer.Gap) {
	img := e.img
	buf := bufpool.Get(protocol.NakHeaderLength)
	defer bufpool.Put(buf)
	if _, err := protocol.EncodeNak(buf, img.SessionID, img.StreamID, gap.TermID, gap.Offset, gap.Length); err != nil {
		return
	}
	if e.endpoint == nil || img.SourceAddr == nil {
		return
	}
	if _, err := e.endpoint.SendTo(buf, img.SourceAddr); err != nil {
		r.log.Warn("nak send failed", "err", err)
		return
	}
	r.metrics.NaksSentTotal.Inc()
}

func (r *Receiver) sendSM(e *imgEntry) {
	img := e.img
	buf := bufpool.Get(protocol.SMHeaderLength)
	defer bufpool.Put(buf)
	pos := img.RebuildPosition()
	termID := img.LogBuffer.TermIDAt(pos)
	termOffset := img.LogBuffer.TermOffsetAt(pos)
	if _, err := protocol.EncodeSM(buf, img.SessionID, img.StreamID, termID, termOffset, r.cfg.ReceiverInitialWindow, false, 0); err != nil {
		return
	}
	if e.endpoint == nil || img.SourceAddr == nil {
		return
	}
	if _, err := e.endpoint.SendTo(buf, img.SourceAddr); err != nil {
		r.log.Warn("sm send failed", "err", err)
	}
}

// frameHandler routes SETUP/DATA/PAD frames received on one channel to the
// receiver's shared dispatch logic.
type frameHandler struct {
	receiver *Receiver
	channel  string
}

func (h *frameHandler) OnFrame(frameType uint16, buf []byte, remote *net.UDPAddr) {
	switch frameType {
	case protocol.TypeSetup:
		setup, err := protocol.NewSetupHeader(buf)
		if err != nil {
			return
		}
		h.receiver.onSetup(h.channel, setup, remote)
	case protocol.TypeData, protocol.TypePad:
		dh, err := protocol.NewDataHeader(buf)
		if err != nil {
			return
		}
		h.receiver.onData(h.channel, dh, buf)
	}
}

func (r *Receiver) onSetup(ch string, setup protocol.SetupHeader, remote *net.UDPAddr) {
	k := imageKey{Channel: ch, SessionID: setup.SessionID(), StreamID: setup.StreamID()}

	r.mu.Lock()
	_, exists := r.images[k]
	pending := r.pendingSetup[k]
	interested := len(r.subsByChannel[subKey{Channel: ch, StreamID: setup.StreamID()}]) > 0
	if !exists && !pending && interested {
		r.pendingSetup[k] = true
	}
	shouldRequest := !exists && !pending && interested
	r.mu.Unlock()

	if !shouldRequest {
		return
	}
	r.toConductor.TryPush(command.CreateImageRequest{
		Channel:           ch,
		StreamID:          setup.StreamID(),
		SessionID:         setup.SessionID(),
		InitialTermID:     setup.InitialTermID(),
		ActiveTermID:      setup.ActiveTermID(),
		InitialTermOffset: setup.TermOffset(),
		TermLength:        setup.TermLength(),
		MTU:               setup.MTU(),
		Source:            remote,
	})
}

func (r *Receiver) onData(ch string, dh protocol.DataHeader, buf []byte) {
	k := imageKey{Channel: ch, SessionID: dh.SessionID(), StreamID: dh.StreamID()}
	r.mu.Lock()
	e, ok := r.images[k]
	r.mu.Unlock()
	if !ok {
		return
	}

	if _, err := logbuffer.Rebuild(e.img.LogBuffer, buf); err != nil {
		r.metrics.MalformedFrameTotal.Inc()
		return
	}

	frameLength := dh.Common().FrameLength()
	alignedLen := protocol.AlignTo32(frameLength)
	newPos := e.img.LogBuffer.Position(dh.TermID(), dh.TermOffset()+alignedLen)
	e.img.AdvanceHighestReceived(newPos)
	e.img.ArmLiveness(time.Now().Add(r.cfg.ImageLivenessTimeout))
	if e.img.State() == driverstate.ImageInit {
		e.img.SetState(driverstate.ImageActive)
	}
}
