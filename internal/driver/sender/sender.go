// Package sender implements the Sender agent (spec §4.7): for each
// publication it owns, sends SETUP until the first Status Message arrives,
// scans the log buffer for committed bytes within the flow-control window
// and transmits them, emits periodic heartbeats when otherwise idle, and
// drives the per-publication retransmit handler in response to NAKs.
package sender

import (
	"hash/fnv"
	"log/slog"
	"net"
	"strconv"
	"sync"
	"time"

	"github.com/aeronmesh/mediadriver/internal/bufpool"
	"github.com/aeronmesh/mediadriver/internal/driver/command"
	driverctx "github.com/aeronmesh/mediadriver/internal/driver/context"
	"github.com/aeronmesh/mediadriver/internal/driver/driverstate"
	"github.com/aeronmesh/mediadriver/internal/driver/flowcontrol"
	"github.com/aeronmesh/mediadriver/internal/driver/idle"
	"github.com/aeronmesh/mediadriver/internal/driver/logbuffer"
	"github.com/aeronmesh/mediadriver/internal/driver/metrics"
	"github.com/aeronmesh/mediadriver/internal/driver/protocol"
	"github.com/aeronmesh/mediadriver/internal/logger"
)

// setupInterval and heartbeatInterval mirror Aeron's defaults for
// SETUP-until-SM and idle heartbeat cadence.
const (
	setupInterval     = 100 * time.Millisecond
	heartbeatInterval = 100 * time.Millisecond
)

type pubKey struct {
	Channel   string
	SessionID int32
	StreamID  int32
}

type pubEntry struct {
	pub       *driverstate.Publication
	setupGate *idle.Gate
	heartbeat *idle.Gate
}

// Sender is the single owner of every publication's wire scheduling.
// It runs on one goroutine (Run's caller) but its publication table is
// also read by one feedback-reader goroutine per distinct send endpoint,
// so access to byKey is mutex-guarded; the hot per-frame work (position
// counters, retransmit state) stays lock-free via the driverstate/
// retransmit packages' own atomics/mutexes.
type Sender struct {
	log         *slog.Logger
	cfg         *driverctx.Context
	metrics     *metrics.Set
	cmds        *command.Queue[command.SenderCommand]
	toConductor *command.Queue[command.ConductorCommand]
	idle        *idle.Strategy

	mu            sync.Mutex
	byKey         map[pubKey]*pubEntry
	feedbackStart map[string]bool // canonical channel -> feedback loop already started
}

// New builds a Sender. cmds is drained once per DoWork tick; toConductor is
// reserved for escalations the Conductor needs to act on (e.g. a future
// back-pressure alarm), not yet produced by this scheduler.
func New(cfg *driverctx.Context, set *metrics.Set, cmds *command.Queue[command.SenderCommand], toConductor *command.Queue[command.ConductorCommand]) *Sender {
	return &Sender{
		log:           logger.Logger().With("agent", "sender"),
		cfg:           cfg,
		metrics:       set,
		cmds:          cmds,
		toConductor:   toConductor,
		idle:          idle.NewStrategy(100, 10, 10*time.Millisecond),
		byKey:         make(map[pubKey]*pubEntry),
		feedbackStart: make(map[string]bool),
	}
}

// Run drives the duty cycle until stop is closed.
func (s *Sender) Run(stop <-chan struct{}) {
	for {
		select {
		case <-stop:
			return
		default:
		}
		s.idle.Idle(s.DoWork())
	}
}

// DoWork drains pending commands and services every known publication once,
// returning the amount of work performed (used by the idle strategy).
func (s *Sender) DoWork() int {
	n := s.cmds.DrainAll(s.handleCommand)

	s.mu.Lock()
	entries := make([]*pubEntry, 0, len(s.byKey))
	for _, e := range s.byKey {
		entries = append(entries, e)
	}
	s.mu.Unlock()

	now := time.Now()
	for _, e := range entries {
		n += s.service(e, now)
	}
	return n
}

func (s *Sender) handleCommand(cmd command.SenderCommand) {
	switch c := cmd.(type) {
	case command.AddPublicationToSender:
		s.addPublication(c.Publication)
	case command.RemovePublicationFromSender:
		s.removePublication(c.Channel, c.SessionID, c.StreamID)
	}
}

func (s *Sender) addPublication(pub *driverstate.Publication) {
	entry := &pubEntry{
		pub:       pub,
		setupGate: idle.NewGate(setupInterval),
		heartbeat: idle.NewGate(heartbeatInterval),
	}

	k := pubKey{Channel: pub.Channel, SessionID: pub.SessionID, StreamID: pub.StreamID}
	s.mu.Lock()
	s.byKey[k] = entry
	canonical := pub.SendEndpoint.Canonical()
	started := s.feedbackStart[canonical]
	s.feedbackStart[canonical] = true
	s.mu.Unlock()

	if !started {
		go pub.SendEndpoint.PollFeedbackLoop(&feedbackHandler{sender: s, channel: canonical})
	}

	s.metrics.PublicationsTotal.Inc()
	s.metrics.PublicationsActive.Inc()
	s.log.Info("publication added to sender", "channel", pub.Channel, "session_id", pub.SessionID, "stream_id", pub.StreamID)
}

func (s *Sender) removePublication(ch string, sessionID, streamID int32) {
	k := pubKey{Channel: ch, SessionID: sessionID, StreamID: streamID}
	s.mu.Lock()
	_, ok := s.byKey[k]
	delete(s.byKey, k)
	s.mu.Unlock()
	if ok {
		s.metrics.PublicationsActive.Dec()
	}
}

// service performs one scheduling pass for a single publication: SETUP
// until connected, scan-and-send within the flow-control window, idle
// heartbeat, and the retransmit handler's timer tick.
func (s *Sender) service(e *pubEntry, now time.Time) int {
	work := 0
	pub := e.pub

	if !pub.IsConnected() && e.setupGate.Allow() {
		s.sendSetup(e)
		work++
	}

	limit := pub.FlowControl.Tick(now)
	sent := s.scanAndSend(e, limit, now)
	work += sent

	if sent == 0 && e.heartbeat.Allow() {
		s.sendHeartbeat(e)
		work++
	}

	if pub.RetransmitHandler != nil {
		pub.RetransmitHandler.Tick(now)
	}
	return work
}

func (s *Sender) sendSetup(e *pubEntry) {
	pub := e.pub
	buf := bufpool.Get(protocol.SetupHeaderLength)
	defer bufpool.Put(buf)
	position := pub.SenderPosition()
	termID := pub.LogBuffer.TermIDAt(position)
	termOffset := pub.LogBuffer.TermOffsetAt(position)
	if _, err := protocol.EncodeSetup(buf, pub.SessionID, pub.StreamID, pub.InitialTermID, termID, termOffset, pub.TermLength, pub.MTU, 0); err != nil {
		return
	}
	if _, err := pub.SendEndpoint.Send(buf); err != nil {
		s.log.Warn("setup send failed", "err", err)
	}
}

func (s *Sender) sendHeartbeat(e *pubEntry) {
	pub := e.pub
	buf := bufpool.Get(protocol.DataHeaderLength)
	defer bufpool.Put(buf)
	position := pub.SenderPosition()
	termID := pub.LogBuffer.TermIDAt(position)
	termOffset := pub.LogBuffer.TermOffsetAt(position)
	if _, err := protocol.EncodeData(buf, protocol.TypeData, pub.SessionID, pub.StreamID, termID, termOffset, 0, protocol.FlagBeginEnd, nil); err != nil {
		return
	}
	if _, err := pub.SendEndpoint.Send(buf); err != nil {
		s.log.Warn("heartbeat send failed", "err", err)
		return
	}
	s.metrics.HeartbeatsSentTotal.Inc()
}

// scanAndSend transmits committed frames between the publication's sender
// position and min(limit, log tail), returning the number of frames sent.
func (s *Sender) scanAndSend(e *pubEntry, limit int64, now time.Time) int {
	pub := e.pub
	position := pub.SenderPosition()
	if position >= limit {
		return 0
	}

	termID := pub.LogBuffer.TermIDAt(position)
	termOffset := pub.LogBuffer.TermOffsetAt(position)
	partition := pub.LogBuffer.PartitionForTerm(termID)

	maxBytes := limit - position
	if maxBytes > int64(pub.TermLength) {
		maxBytes = int64(pub.TermLength)
	}
	newOffset := logbuffer.BlockScan(partition, termOffset, int32(maxBytes))
	if newOffset == termOffset {
		return 0
	}

	frames := 0
	offset := termOffset
	for offset < newOffset {
		frameLength := peekAlignedFrameLength(partition, offset)
		if frameLength <= 0 {
			break
		}
		frame := partition[offset : offset+frameLength]
		if _, err := pub.SendEndpoint.Send(frame); err != nil {
			s.log.Warn("data send failed", "err", err)
			break
		}
		offset += frameLength
		frames++
	}
	if frames == 0 {
		return 0
	}

	newPosition := pub.LogBuffer.Position(termID, offset)
	pub.SetSenderPosition(newPosition)
	pub.TouchActivity(now.UnixNano())
	s.metrics.SenderPositionBytes.WithLabelValues(pub.Channel, strconv.Itoa(int(pub.StreamID))).Set(float64(newPosition))
	return frames
}

// feedbackHandler routes NAK/SM frames read off a send endpoint's socket to
// the matching publication entry.
type feedbackHandler struct {
	sender  *Sender
	channel string
}

func (h *feedbackHandler) OnFrame(frameType uint16, buf []byte, remote *net.UDPAddr) {
	switch frameType {
	case protocol.TypeNak:
		nak, err := protocol.NewNakHeader(buf)
		if err != nil {
			return
		}
		h.sender.onNak(h.channel, nak)
	case protocol.TypeSM:
		sm, err := protocol.NewSMHeader(buf)
		if err != nil {
			return
		}
		h.sender.onSM(h.channel, sm, remote)
	}
}

func (s *Sender) onNak(ch string, nak protocol.NakHeader) {
	k := pubKey{Channel: ch, SessionID: nak.SessionID(), StreamID: nak.StreamID()}
	s.mu.Lock()
	e, ok := s.byKey[k]
	s.mu.Unlock()
	if !ok || e.pub.RetransmitHandler == nil {
		return
	}
	h := e.pub.RetransmitHandler
	dropped := h.DroppedCount()
	h.OnNak(nak.TermID(), nak.TermOffset(), nak.Length(), time.Now())
	if h.DroppedCount() > dropped {
		s.metrics.NaksDroppedTotal.Inc()
	}
}

func (s *Sender) onSM(ch string, sm protocol.SMHeader, remote *net.UDPAddr) {
	k := pubKey{Channel: ch, SessionID: sm.SessionID(), StreamID: sm.StreamID()}
	s.mu.Lock()
	e, ok := s.byKey[k]
	s.mu.Unlock()
	if !ok {
		return
	}
	receiverKey := receiverKeyFor(sm, remote)
	msg := flowcontrol.StatusMessage{
		ConsumptionTermID:     sm.ConsumptionTermID(),
		ConsumptionTermOffset: sm.ConsumptionTermOffset(),
		ReceiverWindow:        sm.ReceiverWindow(),
	}
	now := time.Now()
	limit := e.pub.FlowControl.OnStatusMessage(receiverKey, msg, now)
	e.pub.SetSenderPositionLimit(limit)
	e.pub.MarkConnected()
	e.pub.TouchActivity(now.UnixNano())
}

func receiverKeyFor(sm protocol.SMHeader, remote *net.UDPAddr) int64 {
	if sm.HasReceiverID() {
		return sm.ReceiverID()
	}
	h := fnv.New64a()
	if remote != nil {
		h.Write([]byte(remote.String()))
	}
	return int64(h.Sum64())
}

func peekAlignedFrameLength(partition []byte, offset int32) int32 {
	if int(offset) >= len(partition) {
		return 0
	}
	fl, _, err := protocol.ValidateFrame(partition[offset:])
	if err != nil {
		return 0
	}
	return protocol.AlignTo32(fl)
}
