package command

import "github.com/aeronmesh/mediadriver/internal/driver/driverrors"

// ClientCommand is a decoded message from the CnC command-request ring,
// dispatched to the Conductor. The marker method keeps the set closed to
// this package so a type switch in the Conductor is exhaustive-checkable.
type ClientCommand interface {
	isClientCommand()
}

// AddPublication requests a publication on channel/streamId. The Conductor
// does not consult Exclusive: every accepted add mints a new session id, and
// an add for a channel/streamId that already has an active publication is
// rejected with PUBLICATION_STREAM_ALREADY_EXISTS.
type AddPublication struct {
	CorrelationID int64
	ClientID      int64
	Channel       string
	StreamID      int32
	Exclusive     bool
}

// RemovePublication releases one reference on a previously added publication.
type RemovePublication struct {
	CorrelationID  int64
	RegistrationID int64
}

// AddSubscription requests delivery of images matching channel/streamId.
type AddSubscription struct {
	CorrelationID int64
	ClientID      int64
	Channel       string
	StreamID      int32
}

// RemoveSubscription cancels a previously added subscription.
type RemoveSubscription struct {
	CorrelationID  int64
	RegistrationID int64
}

// ClientKeepalive resets the client-liveness deadline tracked by the Conductor.
type ClientKeepalive struct {
	ClientID int64
}

func (AddPublication) isClientCommand()     {}
func (RemovePublication) isClientCommand()  {}
func (AddSubscription) isClientCommand()    {}
func (RemoveSubscription) isClientCommand() {}
func (ClientKeepalive) isClientCommand()    {}

// ClientResponse is a message the Conductor writes back on the CnC
// response ring.
type ClientResponse interface {
	isClientResponse()
}

// OperationSuccess acknowledges an AddSubscription, RemovePublication or
// RemoveSubscription.
type OperationSuccess struct {
	CorrelationID int64
}

// OnNewPublication answers an AddPublication once the log buffer exists.
type OnNewPublication struct {
	CorrelationID  int64
	RegistrationID int64
	StreamID       int32
	SessionID      int32
	LogFileName    string
}

// OnAvailableImage is sent to every matching subscription when the
// Conductor creates an image for a publisher seen on the wire. Its
// CorrelationID is the image's registration id.
type OnAvailableImage struct {
	CorrelationID            int64
	StreamID                 int32
	SessionID                int32
	SubscriberRegistrationID int64
	LogFileName              string
	SourceIdentity           string
}

// OnUnavailableImage reports that an image this client was subscribed to
// has gone inactive.
type OnUnavailableImage struct {
	StreamID                 int32
	SessionID                int32
	SubscriberRegistrationID int64
}

// ErrorResponse reports that the command identified by OffendingCorrelationID
// failed. ErrCode classifies the failure; see driverrors.ErrorCode.
type ErrorResponse struct {
	OffendingCorrelationID int64
	ErrCode                driverrors.ErrorCode
	Message                string
}

func (OperationSuccess) isClientResponse()    {}
func (OnNewPublication) isClientResponse()    {}
func (OnAvailableImage) isClientResponse()    {}
func (OnUnavailableImage) isClientResponse()  {}
func (ErrorResponse) isClientResponse()       {}

// NewErrorResponse builds an ErrorResponse from err, classifying it via
// driverrors.CodeOf.
func NewErrorResponse(offendingCorrelationID int64, err error) ErrorResponse {
	return ErrorResponse{
		OffendingCorrelationID: offendingCorrelationID,
		ErrCode:                driverrors.CodeOf(err),
		Message:                err.Error(),
	}
}
