package driverstate

import (
	"sync"

	"github.com/aeronmesh/mediadriver/internal/driver/channel"
)

// Subscription is owned by the Conductor: one per ADD_SUBSCRIPTION command.
// Its ReceiveEndpoint is reference-counted independently (per spec §4.4,
// "removed only when the last stream departs"), so several subscriptions
// to different stream ids on the same channel can share one endpoint.
type Subscription struct {
	CorrelationID   int64
	Channel         string // canonical form
	StreamID        int32
	ReceiveEndpoint *channel.ReceiveChannelEndpoint

	mu    sync.Mutex
	byKey map[imageKeyPublic]*SubscriberPosition
}

type imageKeyPublic struct {
	SessionID int32
	StreamID  int32
}

// NewSubscription builds an empty Subscription.
func NewSubscription(correlationID int64, ch string, streamID int32, endpoint *channel.ReceiveChannelEndpoint) *Subscription {
	return &Subscription{
		CorrelationID:   correlationID,
		Channel:         ch,
		StreamID:        streamID,
		ReceiveEndpoint: endpoint,
		byKey:           make(map[imageKeyPublic]*SubscriberPosition),
	}
}

// AttachImage records a SubscriberPosition for an image matching this
// subscription's stream id, returning false if one is already attached.
func (s *Subscription) AttachImage(sessionID int32, sp *SubscriberPosition) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	k := imageKeyPublic{SessionID: sessionID, StreamID: s.StreamID}
	if _, exists := s.byKey[k]; exists {
		return false
	}
	s.byKey[k] = sp
	return true
}

// DetachImage removes the SubscriberPosition for sessionID, if present.
func (s *Subscription) DetachImage(sessionID int32) {
	s.mu.Lock()
	delete(s.byKey, imageKeyPublic{SessionID: sessionID, StreamID: s.StreamID})
	s.mu.Unlock()
}

// Positions returns a snapshot of every SubscriberPosition this subscription holds.
func (s *Subscription) Positions() []*SubscriberPosition {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*SubscriberPosition, 0, len(s.byKey))
	for _, sp := range s.byKey {
		out = append(out, sp)
	}
	return out
}
