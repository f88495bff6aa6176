package transport

import (
	"sync"

	"konnektsession/internal/identity"
	"konnektsession/internal/proto"
)

const endpointQueue = 256

// Mesh is an in-memory full mesh connecting any number of endpoints. It is
// the test double for the WebRTC data-channel fabric: per-channel ordering
// holds, delivery is best-effort when an endpoint queue fills up.
type Mesh struct {
	mu        sync.Mutex
	endpoints map[identity.PeerID]*Endpoint
}

func NewMesh() *Mesh {
	return &Mesh{endpoints: make(map[identity.PeerID]*Endpoint)}
}

// Join attaches a new endpoint and announces it to every existing peer.
func (m *Mesh) Join(id identity.PeerID) *Endpoint {
	ep := &Endpoint{mesh: m, id: id, events: make(chan Event, endpointQueue)}
	m.mu.Lock()
	for otherID, other := range m.endpoints {
		other.push(Event{Type: EventPeerUp, Peer: id})
		ep.push(Event{Type: EventPeerUp, Peer: otherID})
	}
	m.endpoints[id] = ep
	m.mu.Unlock()
	return ep
}

func (m *Mesh) drop(id identity.PeerID) {
	m.mu.Lock()
	delete(m.endpoints, id)
	for _, other := range m.endpoints {
		other.push(Event{Type: EventPeerDown, Peer: id})
	}
	m.mu.Unlock()
}

func (m *Mesh) send(from identity.PeerID, to identity.PeerID, env proto.Envelope) {
	m.mu.Lock()
	ep, ok := m.endpoints[to]
	m.mu.Unlock()
	if ok && to != from {
		ep.push(Event{Type: EventEnvelope, Peer: from, Envelope: env})
	}
}

func (m *Mesh) broadcast(from identity.PeerID, env proto.Envelope) {
	m.mu.Lock()
	targets := make([]*Endpoint, 0, len(m.endpoints))
	for id, ep := range m.endpoints {
		if id != from {
			targets = append(targets, ep)
		}
	}
	m.mu.Unlock()
	for _, ep := range targets {
		ep.push(Event{Type: EventEnvelope, Peer: from, Envelope: env})
	}
}

// Endpoint is one peer's attachment to the mesh.
type Endpoint struct {
	mesh   *Mesh
	id     identity.PeerID
	mu     sync.Mutex
	closed bool
	events chan Event
}

func (e *Endpoint) push(ev Event) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return
	}
	select {
	case e.events <- ev:
	default:
		// Queue full: drop, the guard requests missing sequences.
	}
}

func (e *Endpoint) Broadcast(env proto.Envelope) error {
	e.mu.Lock()
	closed := e.closed
	e.mu.Unlock()
	if closed {
		return ErrClosed
	}
	e.mesh.broadcast(e.id, env)
	return nil
}

func (e *Endpoint) Unicast(peer identity.PeerID, env proto.Envelope) error {
	e.mu.Lock()
	closed := e.closed
	e.mu.Unlock()
	if closed {
		return ErrClosed
	}
	e.mesh.send(e.id, peer, env)
	return nil
}

func (e *Endpoint) Events() <-chan Event {
	return e.events
}

func (e *Endpoint) Close() error {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return nil
	}
	e.closed = true
	close(e.events)
	e.mu.Unlock()
	e.mesh.drop(e.id)
	return nil
}
