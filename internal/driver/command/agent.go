package command

import (
	"net"

	"github.com/aeronmesh/mediadriver/internal/driver/driverstate"
)

// SenderCommand flows Conductor -> Sender on the sender command queue.
type SenderCommand interface {
	isSenderCommand()
}

// AddPublicationToSender hands a newly allocated publication to the Sender
// agent, which from this point owns its SETUP/data/heartbeat scheduling.
type AddPublicationToSender struct {
	Publication *driverstate.Publication
}

// RemovePublicationFromSender tells the Sender to stop scheduling work for
// a publication whose last reference the Conductor has released and moved
// to LINGER.
type RemovePublicationFromSender struct {
	SessionID int32
	StreamID  int32
	Channel   string
}

func (AddPublicationToSender) isSenderCommand()      {}
func (RemovePublicationFromSender) isSenderCommand() {}

// ReceiverCommand flows Conductor -> Receiver on the receiver command queue.
type ReceiverCommand interface {
	isReceiverCommand()
}

// AddSubscriptionToReceiver hands a subscription to the Receiver agent,
// which registers (or reuses) the matching ReceiveChannelEndpoint.
type AddSubscriptionToReceiver struct {
	Subscription *driverstate.Subscription
}

// RemoveSubscriptionFromReceiver tells the Receiver to stop dispatching to a
// subscription and to detach it from any images it had joined.
type RemoveSubscriptionFromReceiver struct {
	CorrelationID int64
}

// AddImageToReceiver registers a freshly created image with the Receiver's
// per-endpoint dispatch table, e.g. after the Conductor answers a
// CreateImageRequest triggered by a SETUP frame.
type AddImageToReceiver struct {
	Image *driverstate.PublicationImage
}

// RemoveImageFromReceiver tells the Receiver an image has gone inactive and
// should no longer be rebuilt or NAK'd.
type RemoveImageFromReceiver struct {
	CorrelationID int64
}

func (AddSubscriptionToReceiver) isReceiverCommand()      {}
func (RemoveSubscriptionFromReceiver) isReceiverCommand() {}
func (AddImageToReceiver) isReceiverCommand()             {}
func (RemoveImageFromReceiver) isReceiverCommand()        {}

// ConductorCommand flows Sender/Receiver -> Conductor on the conductor
// command queue. Both agents share one queue into the Conductor, matching
// spec §5's single command-driven owner of all allocation/teardown.
type ConductorCommand interface {
	isConductorCommand()
}

// CreateImageRequest asks the Conductor to allocate a PublicationImage after
// the Receiver observed a SETUP frame for a session/stream it has no image
// for yet on a channel it holds a live subscription to.
type CreateImageRequest struct {
	Channel           string
	StreamID          int32
	SessionID         int32
	InitialTermID     int32
	ActiveTermID      int32
	InitialTermOffset int32
	TermLength        int32
	MTU               int32
	Source            *net.UDPAddr
}

// ImageLivenessTimeout tells the Conductor an image's liveness deadline
// elapsed with no frames received. The Conductor drops the image from its
// table at once, tells the Receiver to remove it, notifies subscribed
// clients with OnUnavailableImage and closes the image's log buffer; the
// image does not pass through a LINGER period.
type ImageLivenessTimeout struct {
	CorrelationID int64
}

// PublicationUnblocked records that a gap at the tail of a publication's log
// was forcibly patched with padding after the unblock timeout (spec §4.3
// edge case). The Conductor's sweep builds it and hands it straight to its
// own handler, which only logs it; no agent pushes it onto the queue.
type PublicationUnblocked struct {
	CorrelationID int64
}

func (CreateImageRequest) isConductorCommand()    {}
func (ImageLivenessTimeout) isConductorCommand()  {}
func (PublicationUnblocked) isConductorCommand()  {}
