package transport

import (
	"errors"

	"konnektsession/internal/identity"
	"konnektsession/internal/proto"
)

var ErrClosed = errors.New("transport closed")

type EventType int

const (
	EventEnvelope EventType = iota
	EventPeerUp
	EventPeerDown
)

// Event is a single occurrence on the peer channel: an incoming envelope or
// a peer liveness notification from the transport's own detection.
type Event struct {
	Type     EventType
	Peer     identity.PeerID
	Envelope proto.Envelope
}

// Transport is the single capability the core needs from the network layer.
// Implementations must preserve ordering per channel; duplication and global
// ordering are handled above by the ordering guard.
type Transport interface {
	Broadcast(env proto.Envelope) error
	Unicast(peer identity.PeerID, env proto.Envelope) error
	Events() <-chan Event
	Close() error
}
