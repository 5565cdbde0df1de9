// Package conductor implements the Conductor agent (spec §4.9): the sole
// owner of publication, subscription, and image allocation/teardown. It
// drains the client command queue, validates channels, allocates log
// buffers and wires the Sender/Receiver-facing state, and answers every
// client command on the response queue. It is also the only consumer of
// the ConductorCommand queue the Sender and Receiver escalate to.
package conductor

import (
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/aeronmesh/mediadriver/internal/driver/channel"
	"github.com/aeronmesh/mediadriver/internal/driver/command"
	driverctx "github.com/aeronmesh/mediadriver/internal/driver/context"
	"github.com/aeronmesh/mediadriver/internal/driver/driverrors"
	"github.com/aeronmesh/mediadriver/internal/driver/driverstate"
	"github.com/aeronmesh/mediadriver/internal/driver/flowcontrol"
	"github.com/aeronmesh/mediadriver/internal/driver/idle"
	"github.com/aeronmesh/mediadriver/internal/driver/logbuffer"
	"github.com/aeronmesh/mediadriver/internal/driver/metrics"
	"github.com/aeronmesh/mediadriver/internal/driver/receiver"
	"github.com/aeronmesh/mediadriver/internal/driver/retransmit"
	"github.com/aeronmesh/mediadriver/internal/logger"
)

// retransmitCapacity and retransmitLingerTimeout bound each publication's
// retransmit handler; unlike the timers in driverctx these
// are wire-protocol tuning constants, not deployment-site configuration.
const (
	retransmitCapacity     = 64
	retransmitLingerTimeout = time.Second
	unicastNakDelay         = 10 * time.Millisecond
	multicastMaxBackoff     = 500 * time.Millisecond
)

type pubKey struct {
	Channel   string
	SessionID int32
	StreamID  int32
}

type imgKey struct {
	Channel   string
	SessionID int32
	StreamID  int32
}

type endpointEntry struct {
	send      *channel.SendChannelEndpoint
	recv      *channel.ReceiveChannelEndpoint
	refs      int
	multicast bool
}

type clientEntry struct {
	lastSeen      time.Time
	registrations []int64 // publication registration ids
	subscriptions []int64 // subscription correlation ids
}

// Conductor owns every piece of allocation state. It runs on its own
// goroutine; the Sender and Receiver only ever reach it through the
// command queues, never through direct struct access.
type Conductor struct {
	log     *slog.Logger
	cfg     *driverctx.Context
	metrics *metrics.Set
	idle    *idle.Strategy

	clientCmds  *command.Queue[command.ClientCommand]
	clientResp  *command.Queue[command.ClientResponse]
	toSender    *command.Queue[command.SenderCommand]
	toReceiver  *command.Queue[command.ReceiverCommand]
	fromAgents  *command.Queue[command.ConductorCommand]
	receiverRef *receiver.Receiver

	nextID atomic.Int64

	mu                sync.Mutex
	publications      map[pubKey]*driverstate.Publication
	publicationsByReg map[int64]*driverstate.Publication
	subscriptions     map[int64]*driverstate.Subscription
	images            map[imgKey]*driverstate.PublicationImage
	sendEndpoints     map[string]*endpointEntry
	recvEndpoints     map[string]*endpointEntry
	clients           map[int64]*clientEntry
}

// New builds a Conductor. recv is the Receiver agent instance, needed so
// the Conductor can bind each ReceiveChannelEndpoint it constructs to the
// Receiver's frame dispatch (Receiver.HandlerFor).
func New(
	cfg *driverctx.Context,
	set *metrics.Set,
	recv *receiver.Receiver,
	clientCmds *command.Queue[command.ClientCommand],
	clientResp *command.Queue[command.ClientResponse],
	toSender *command.Queue[command.SenderCommand],
	toReceiver *command.Queue[command.ReceiverCommand],
	fromAgents *command.Queue[command.ConductorCommand],
) *Conductor {
	return &Conductor{
		log:               logger.Logger().With("agent", "conductor"),
		cfg:               cfg,
		metrics:           set,
		idle:              idle.NewStrategy(100, 10, 10*time.Millisecond),
		clientCmds:        clientCmds,
		clientResp:        clientResp,
		toSender:          toSender,
		toReceiver:        toReceiver,
		fromAgents:        fromAgents,
		receiverRef:       recv,
		publications:      make(map[pubKey]*driverstate.Publication),
		publicationsByReg: make(map[int64]*driverstate.Publication),
		subscriptions:     make(map[int64]*driverstate.Subscription),
		images:            make(map[imgKey]*driverstate.PublicationImage),
		sendEndpoints:     make(map[string]*endpointEntry),
		recvEndpoints:     make(map[string]*endpointEntry),
		clients:           make(map[int64]*clientEntry),
	}
}

func (c *Conductor) newID() int64 { return c.nextID.Add(1) }

// Run drives the duty cycle until stop is closed.
func (c *Conductor) Run(stop <-chan struct{}) {
	for {
		select {
		case <-stop:
			return
		default:
		}
		c.idle.Idle(c.DoWork())
	}
}

// DoWork drains both inbound queues once and sweeps lingering state.
func (c *Conductor) DoWork() int {
	n := c.clientCmds.DrainAll(c.handleClientCommand)
	n += c.fromAgents.DrainAll(c.handleAgentCommand)
	n += c.sweep(time.Now())
	return n
}

func (c *Conductor) handleClientCommand(cmd command.ClientCommand) {
	switch cc := cmd.(type) {
	case command.AddPublication:
		c.onAddPublication(cc)
	case command.RemovePublication:
		c.onRemovePublication(cc)
	case command.AddSubscription:
		c.onAddSubscription(cc)
	case command.RemoveSubscription:
		c.onRemoveSubscription(cc)
	case command.ClientKeepalive:
		c.onKeepalive(cc)
	}
}

func (c *Conductor) handleAgentCommand(cmd command.ConductorCommand) {
	switch ac := cmd.(type) {
	case command.CreateImageRequest:
		c.onCreateImageRequest(ac)
	case command.ImageLivenessTimeout:
		c.onImageLivenessTimeout(ac)
	case command.PublicationUnblocked:
		c.onPublicationUnblocked(ac)
	}
}

func (c *Conductor) respondError(correlationID int64, err error) {
	c.clientResp.TryPush(command.NewErrorResponse(correlationID, err))
}

func (c *Conductor) touchClient(clientID int64) *clientEntry {
	ce, ok := c.clients[clientID]
	if !ok {
		ce = &clientEntry{lastSeen: time.Now()}
		c.clients[clientID] = ce
	}
	ce.lastSeen = time.Now()
	return ce
}

func (c *Conductor) onKeepalive(cmd command.ClientKeepalive) {
	c.mu.Lock()
	c.touchClient(cmd.ClientID)
	c.mu.Unlock()
}

// onAddPublication allocates a fresh log buffer and wires the sender-side
// state for a new (channel, streamId) publication. A second ADD_PUBLICATION
// for a channel/stream pair that already has an ACTIVE publication is
// rejected: the driver does not implement idempotent re-registration.
func (c *Conductor) onAddPublication(cmd command.AddPublication) {
	uri, err := channel.Parse(cmd.Channel)
	if err != nil {
		c.respondError(cmd.CorrelationID, err)
		return
	}
	canonical := uri.Canonical()

	c.mu.Lock()
	for _, pub := range c.publications {
		if pub.Channel == canonical && pub.StreamID == cmd.StreamID && pub.State() == driverstate.PublicationActive {
			c.mu.Unlock()
			c.respondError(cmd.CorrelationID, driverrors.NewPublicationStreamAlreadyExists("conductor.addPublication", cmd.CorrelationID, nil))
			return
		}
	}
	c.mu.Unlock()

	registrationID := c.newID()
	sessionID := int32(c.newID())
	const initialTermID = 0
	termLength := c.cfg.TermLengthFor(canonical)
	mtu := c.cfg.MTU

	logPath := filepath.Join(c.cfg.AeronDir, "publications", strconv.FormatInt(registrationID, 10)+".logbuffer")
	if err := os.MkdirAll(filepath.Dir(logPath), 0o755); err != nil {
		c.respondError(cmd.CorrelationID, driverrors.NewGenericError("conductor.addPublication", cmd.CorrelationID, err))
		return
	}
	raw, err := logbuffer.NewMappedRawLog(logPath, termLength)
	if err != nil {
		c.respondError(cmd.CorrelationID, err)
		return
	}
	lb := logbuffer.NewLogBuffer(raw, initialTermID, mtu)

	sendEndpoint, err := c.acquireSendEndpoint(uri)
	if err != nil {
		lb.Close()
		c.respondError(cmd.CorrelationID, err)
		return
	}

	pub := driverstate.NewPublication(registrationID, sessionID, cmd.StreamID, initialTermID, canonical, termLength, mtu)
	pub.LogBuffer = lb
	pub.Appender = logbuffer.NewAppender(lb, sessionID, cmd.StreamID)
	pub.SendEndpoint = sendEndpoint

	if uri.Multicast {
		pub.FlowControl = flowcontrol.NewMulticastFlowControl(termLength, initialTermID, c.cfg.ImageLivenessTimeout)
		delayGen := retransmit.NewMulticastDelayGenerator(c.cfg.MulticastGroupSizeEstimate, multicastMaxBackoff)
		pub.RetransmitHandler = retransmit.NewHandler(retransmitCapacity, delayGen, retransmitLingerTimeout, c.resendFuncFor(pub))
	} else {
		pub.FlowControl = flowcontrol.NewUnicastFlowControl(termLength, initialTermID)
		delayGen := retransmit.NewUnicastDelayGenerator(unicastNakDelay)
		pub.RetransmitHandler = retransmit.NewHandler(retransmitCapacity, delayGen, retransmitLingerTimeout, c.resendFuncFor(pub))
	}

	c.mu.Lock()
	c.publications[pubKey{Channel: canonical, SessionID: sessionID, StreamID: cmd.StreamID}] = pub
	c.publicationsByReg[registrationID] = pub
	ce := c.touchClient(cmd.ClientID)
	ce.registrations = append(ce.registrations, registrationID)
	c.mu.Unlock()

	c.toSender.TryPush(command.AddPublicationToSender{Publication: pub})
	c.clientResp.TryPush(command.OnNewPublication{
		CorrelationID:  cmd.CorrelationID,
		RegistrationID: registrationID,
		StreamID:       cmd.StreamID,
		SessionID:      sessionID,
		LogFileName:    logPath,
	})
	c.log.Info("publication added", "channel", canonical, "stream_id", cmd.StreamID, "session_id", sessionID, "registration_id", registrationID)
}

// resendFuncFor builds the ResendFunc a publication's retransmit handler
// calls to resend a byte range straight off its own log buffer.
func (c *Conductor) resendFuncFor(pub *driverstate.Publication) retransmit.ResendFunc {
	return func(termID, termOffset, length int32) {
		partition := pub.LogBuffer.PartitionForTerm(termID)
		if termOffset < 0 || int64(termOffset)+int64(length) > int64(len(partition)) {
			return
		}
		frame := partition[termOffset : termOffset+length]
		if _, err := pub.SendEndpoint.Send(frame); err != nil {
			c.log.Warn("retransmit send failed", "err", err)
			return
		}
		c.metrics.RetransmitsTotal.Inc()
	}
}

func (c *Conductor) onRemovePublication(cmd command.RemovePublication) {
	c.mu.Lock()
	pub, ok := c.publicationsByReg[cmd.RegistrationID]
	c.mu.Unlock()
	if !ok {
		c.respondError(cmd.CorrelationID, driverrors.NewPublicationStreamUnknown("conductor.removePublication", cmd.CorrelationID, nil))
		return
	}

	if pub.DecRef() {
		pub.ArmLinger(time.Now().Add(c.cfg.PublicationLingerTimeout))
		c.toSender.TryPush(command.RemovePublicationFromSender{SessionID: pub.SessionID, StreamID: pub.StreamID, Channel: pub.Channel})
	}
	c.clientResp.TryPush(command.OperationSuccess{CorrelationID: cmd.CorrelationID})
}

func (c *Conductor) onAddSubscription(cmd command.AddSubscription) {
	uri, err := channel.Parse(cmd.Channel)
	if err != nil {
		c.respondError(cmd.CorrelationID, err)
		return
	}
	canonical := uri.Canonical()

	endpoint, err := c.acquireReceiveEndpoint(uri, canonical)
	if err != nil {
		c.respondError(cmd.CorrelationID, err)
		return
	}

	registrationID := c.newID()
	sub := driverstate.NewSubscription(registrationID, canonical, cmd.StreamID, endpoint)

	c.mu.Lock()
	c.subscriptions[registrationID] = sub
	ce := c.touchClient(cmd.ClientID)
	ce.subscriptions = append(ce.subscriptions, registrationID)
	c.mu.Unlock()

	c.toReceiver.TryPush(command.AddSubscriptionToReceiver{Subscription: sub})
	c.clientResp.TryPush(command.OperationSuccess{CorrelationID: cmd.CorrelationID})
	c.log.Info("subscription added", "channel", canonical, "stream_id", cmd.StreamID, "registration_id", registrationID)
}

func (c *Conductor) onRemoveSubscription(cmd command.RemoveSubscription) {
	c.mu.Lock()
	sub, ok := c.subscriptions[cmd.RegistrationID]
	if ok {
		delete(c.subscriptions, cmd.RegistrationID)
	}
	c.mu.Unlock()
	if !ok {
		c.respondError(cmd.CorrelationID, driverrors.NewPublicationStreamUnknown("conductor.removeSubscription", cmd.CorrelationID, nil))
		return
	}

	c.toReceiver.TryPush(command.RemoveSubscriptionFromReceiver{CorrelationID: cmd.RegistrationID})
	c.releaseReceiveEndpoint(sub.Channel)
	c.clientResp.TryPush(command.OperationSuccess{CorrelationID: cmd.CorrelationID})
}

// onCreateImageRequest answers a SETUP-triggered image request from the
// Receiver: it allocates the image's own log buffer and attaches every
// subscription already interested in this channel/stream.
func (c *Conductor) onCreateImageRequest(req command.CreateImageRequest) {
	k := imgKey{Channel: req.Channel, SessionID: req.SessionID, StreamID: req.StreamID}
	c.mu.Lock()
	if _, exists := c.images[k]; exists {
		c.mu.Unlock()
		return
	}
	var interested []*driverstate.Subscription
	for _, sub := range c.subscriptions {
		if sub.Channel == req.Channel && sub.StreamID == req.StreamID {
			interested = append(interested, sub)
		}
	}
	c.mu.Unlock()
	if len(interested) == 0 {
		return
	}

	registrationID := c.newID()
	termLength := req.TermLength
	if termLength <= 0 {
		termLength = c.cfg.TermLength
	}
	mtu := req.MTU
	if mtu <= 0 {
		mtu = c.cfg.MTU
	}

	logPath := filepath.Join(c.cfg.AeronDir, "images", strconv.FormatInt(registrationID, 10)+".logbuffer")
	if err := os.MkdirAll(filepath.Dir(logPath), 0o755); err != nil {
		c.log.Warn("failed to create image log directory", "err", err)
		return
	}
	raw, err := logbuffer.NewMappedRawLog(logPath, termLength)
	if err != nil {
		c.log.Warn("failed to allocate image log buffer", "err", err)
		return
	}
	lb := logbuffer.NewLogBuffer(raw, req.InitialTermID, mtu)

	multicast := c.isMulticastChannel(req.Channel)
	var delayGen retransmit.DelayGenerator
	if multicast {
		delayGen = retransmit.NewMulticastDelayGenerator(c.cfg.MulticastGroupSizeEstimate, multicastMaxBackoff)
	} else {
		delayGen = retransmit.NewUnicastDelayGenerator(unicastNakDelay)
	}

	img := driverstate.NewPublicationImage(registrationID, req.SessionID, req.StreamID, req.ActiveTermID, req.InitialTermOffset, req.Channel, req.Source, lb, delayGen)

	c.mu.Lock()
	c.images[k] = img
	c.mu.Unlock()

	c.toReceiver.TryPush(command.AddImageToReceiver{Image: img})

	sourceIdentity := ""
	if req.Source != nil {
		sourceIdentity = req.Source.String()
	}
	for _, sub := range interested {
		c.clientResp.TryPush(command.OnAvailableImage{
			CorrelationID:            registrationID,
			StreamID:                 req.StreamID,
			SessionID:                req.SessionID,
			SubscriberRegistrationID: sub.CorrelationID,
			LogFileName:              logPath,
			SourceIdentity:           sourceIdentity,
		})
	}
	c.log.Info("image created", "channel", req.Channel, "session_id", req.SessionID, "stream_id", req.StreamID, "registration_id", registrationID)
}

func (c *Conductor) onImageLivenessTimeout(cmd command.ImageLivenessTimeout) {
	c.mu.Lock()
	var found *driverstate.PublicationImage
	var key imgKey
	for k, img := range c.images {
		if img.CorrelationID == cmd.CorrelationID {
			found, key = img, k
			break
		}
	}
	var subscribers []*driverstate.Subscription
	if found != nil {
		delete(c.images, key)
		for _, sub := range c.subscriptions {
			if sub.Channel == found.Channel && sub.StreamID == found.StreamID {
				subscribers = append(subscribers, sub)
			}
		}
	}
	c.mu.Unlock()
	if found == nil {
		return
	}

	c.toReceiver.TryPush(command.RemoveImageFromReceiver{CorrelationID: cmd.CorrelationID})
	for _, sub := range subscribers {
		sub.DetachImage(found.SessionID)
		c.clientResp.TryPush(command.OnUnavailableImage{
			StreamID:                 found.StreamID,
			SessionID:                found.SessionID,
			SubscriberRegistrationID: sub.CorrelationID,
		})
	}
	if err := found.LogBuffer.Close(); err != nil {
		c.log.Warn("failed to close image log buffer", "err", err)
	}
	c.log.Info("image went inactive", "channel", found.Channel, "session_id", found.SessionID, "stream_id", found.StreamID)
}

// onPublicationUnblocked is called by sweep's unblock pass after it has
// forcibly padded over a stuck reservation. It only logs the event; no
// message is sent to clients.
func (c *Conductor) onPublicationUnblocked(cmd command.PublicationUnblocked) {
	c.log.Info("publication unblocked", "registration_id", cmd.CorrelationID)
}

// sweep finalizes publications whose linger period has elapsed, expires
// clients that have missed their keepalive deadline, and advances any
// publication whose producer reserved a log-buffer slot but never
// committed it (e.g. an encode failure between Appender.reserve and the
// frame-length release store), per spec's publication-unblock timeout.
func (c *Conductor) sweep(now time.Time) int {
	work := 0

	c.mu.Lock()
	var expiredPubs []*driverstate.Publication
	for key, pub := range c.publications {
		if pub.LingerExpired(now) {
			expiredPubs = append(expiredPubs, pub)
			delete(c.publications, key)
			delete(c.publicationsByReg, pub.CorrelationID)
		}
	}
	var expiredClients []int64
	for clientID, ce := range c.clients {
		if now.Sub(ce.lastSeen) > c.cfg.ClientLivenessTimeout {
			expiredClients = append(expiredClients, clientID)
		}
	}
	var activePubs []*driverstate.Publication
	for _, pub := range c.publications {
		activePubs = append(activePubs, pub)
	}
	c.mu.Unlock()

	for _, pub := range expiredPubs {
		pub.MarkClosed()
		if err := pub.LogBuffer.Close(); err != nil {
			c.log.Warn("failed to close publication log buffer", "err", err)
		}
		c.releaseSendEndpoint(pub.Channel)
		work++
	}

	for _, clientID := range expiredClients {
		c.expireClient(clientID)
		work++
	}

	for _, pub := range activePubs {
		if c.sweepUnblock(pub, now) {
			work++
		}
	}

	return work
}

// sweepUnblock checks pub's active partition for a reservation that has
// advanced the tail without committing a frame into it. The first time a
// gap is observed it arms the unblock deadline; once the deadline passes
// with the gap still present, it forcibly pads over the gap so later
// frames (already committed past it) become reachable again.
func (c *Conductor) sweepUnblock(pub *driverstate.Publication, now time.Time) bool {
	lastIndex, lastOffset := pub.UnblockScanState()
	activeIndex, tailOffset, committedOffset := pub.Appender.ScanProgress(lastOffset)
	if activeIndex != lastIndex {
		lastOffset = 0
		activeIndex, tailOffset, committedOffset = pub.Appender.ScanProgress(0)
	}
	pub.SetUnblockScanState(activeIndex, committedOffset)

	if committedOffset >= tailOffset {
		if !pub.UnblockDeadline().IsZero() {
			pub.DisarmUnblock()
		}
		return false
	}

	deadline := pub.UnblockDeadline()
	if deadline.IsZero() {
		pub.ArmUnblock(now.Add(c.cfg.PublicationUnblockTimeout))
		return false
	}
	if now.Before(deadline) {
		return false
	}

	unblocked := pub.Appender.Unblock(activeIndex, committedOffset, tailOffset)
	pub.DisarmUnblock()
	if !unblocked {
		return false
	}
	pub.SetUnblockScanState(activeIndex, tailOffset)
	c.onPublicationUnblocked(command.PublicationUnblocked{CorrelationID: pub.CorrelationID})
	return true
}

// expireClient releases every registration a client never explicitly
// removed, per spec §4.9's client-liveness timeout.
func (c *Conductor) expireClient(clientID int64) {
	c.mu.Lock()
	ce, ok := c.clients[clientID]
	if ok {
		delete(c.clients, clientID)
	}
	c.mu.Unlock()
	if !ok {
		return
	}

	for _, regID := range ce.registrations {
		c.onRemovePublication(command.RemovePublication{RegistrationID: regID})
	}
	for _, regID := range ce.subscriptions {
		c.onRemoveSubscription(command.RemoveSubscription{RegistrationID: regID})
	}
	c.log.Info("client expired", "client_id", clientID)
}

func (c *Conductor) acquireSendEndpoint(uri *channel.URI) (*channel.SendChannelEndpoint, error) {
	canonical := uri.Canonical()
	c.mu.Lock()
	defer c.mu.Unlock()
	if e, ok := c.sendEndpoints[canonical]; ok {
		e.refs++
		e.send.IncRef()
		return e.send, nil
	}
	endpoint, err := channel.NewSendChannelEndpoint(uri)
	if err != nil {
		return nil, err
	}
	c.sendEndpoints[canonical] = &endpointEntry{send: endpoint, refs: 1}
	return endpoint, nil
}

func (c *Conductor) releaseSendEndpoint(canonical string) {
	c.mu.Lock()
	e, ok := c.sendEndpoints[canonical]
	if !ok {
		c.mu.Unlock()
		return
	}
	e.refs--
	closeNow := e.refs <= 0
	if closeNow {
		delete(c.sendEndpoints, canonical)
	}
	c.mu.Unlock()
	if closeNow {
		if _, err := e.send.DecRef(); err != nil {
			c.log.Warn("failed to close send endpoint", "err", err)
		}
	}
}

func (c *Conductor) acquireReceiveEndpoint(uri *channel.URI, canonical string) (*channel.ReceiveChannelEndpoint, error) {
	c.mu.Lock()
	if e, ok := c.recvEndpoints[canonical]; ok {
		e.refs++
		c.mu.Unlock()
		return e.recv, nil
	}
	c.mu.Unlock()

	endpoint, err := channel.NewReceiveChannelEndpoint(uri, c.receiverRef.HandlerFor(canonical))
	if err != nil {
		return nil, err
	}

	c.mu.Lock()
	if e, ok := c.recvEndpoints[canonical]; ok {
		e.refs++
		c.mu.Unlock()
		endpoint.Close()
		return e.recv, nil
	}
	c.recvEndpoints[canonical] = &endpointEntry{recv: endpoint, refs: 1, multicast: uri.Multicast}
	c.mu.Unlock()
	return endpoint, nil
}

// isMulticastChannel reports whether canonical (a channel already reduced
// to its map-key form, as carried on command.CreateImageRequest) was
// registered as a multicast subscription. Canonical strings cannot be
// re-parsed by channel.Parse, which only accepts the original URI forms.
func (c *Conductor) isMulticastChannel(canonical string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if e, ok := c.recvEndpoints[canonical]; ok {
		return e.multicast
	}
	return false
}

func (c *Conductor) releaseReceiveEndpoint(canonical string) {
	c.mu.Lock()
	e, ok := c.recvEndpoints[canonical]
	if !ok {
		c.mu.Unlock()
		return
	}
	e.refs--
	closeNow := e.refs <= 0
	if closeNow {
		delete(c.recvEndpoints, canonical)
	}
	c.mu.Unlock()
	if closeNow {
		if err := e.recv.Close(); err != nil {
			c.log.Warn("failed to close receive endpoint", "err", err)
		}
	}
}
