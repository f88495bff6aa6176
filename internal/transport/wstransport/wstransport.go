// Package wstransport is the WebSocket fallback transport. It speaks the
// Matchbox-compatible signalling schema (NewPeer / Signal / PeerLeft) to a
// rendezvous server and carries envelopes as signal payloads, so a lobby
// keeps working when WebRTC data channels cannot be established.
package wstransport

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"konnektsession/internal/debuglog"
	"konnektsession/internal/identity"
	"konnektsession/internal/proto"
	"konnektsession/internal/transport"
)

const eventQueue = 256

type Config struct {
	URL         string
	Encoding    proto.Encoding
	DialTimeout time.Duration
}

// signalMessage is the Matchbox wire schema. Exactly one field is set.
type signalMessage struct {
	NewPeer  string         `json:"NewPeer,omitempty"`
	PeerLeft string         `json:"PeerLeft,omitempty"`
	Signal   *signalPayload `json:"Signal,omitempty"`
}

type signalPayload struct {
	Sender   string          `json:"sender,omitempty"`
	Receiver string          `json:"receiver,omitempty"`
	Data     json.RawMessage `json:"data"`
}

// signalData is our payload inside a Signal: either a peer announcement or
// a carried envelope frame.
type signalData struct {
	Kind   string `json:"kind"`
	PeerID string `json:"peer_id,omitempty"`
	Frame  string `json:"frame,omitempty"`
}

const (
	dataKindAnnounce = "announce"
	dataKindEnvelope = "envelope"
)

type Transport struct {
	cfg  Config
	self identity.PeerID
	conn *websocket.Conn

	writeMu sync.Mutex

	mu      sync.Mutex
	bySock  map[string]identity.PeerID
	byPeer  map[identity.PeerID]string
	closed  bool
	events  chan transport.Event
	readEnd chan struct{}
}

// Dial connects to the signalling endpoint and starts the read pump.
func Dial(cfg Config, self identity.PeerID) (*Transport, error) {
	if cfg.URL == "" {
		return nil, fmt.Errorf("missing signalling url")
	}
	if cfg.DialTimeout == 0 {
		cfg.DialTimeout = 10 * time.Second
	}
	dialer := websocket.Dialer{HandshakeTimeout: cfg.DialTimeout}
	conn, _, err := dialer.Dial(cfg.URL, nil)
	if err != nil {
		return nil, fmt.Errorf("signalling dial: %w", err)
	}
	t := &Transport{
		cfg:     cfg,
		self:    self,
		conn:    conn,
		bySock:  make(map[string]identity.PeerID),
		byPeer:  make(map[identity.PeerID]string),
		events:  make(chan transport.Event, eventQueue),
		readEnd: make(chan struct{}),
	}
	go t.readPump()
	return t, nil
}

func (t *Transport) Events() <-chan transport.Event {
	return t.events
}

func (t *Transport) Broadcast(env proto.Envelope) error {
	data, err := t.envelopeData(env)
	if err != nil {
		return err
	}
	t.mu.Lock()
	socks := make([]string, 0, len(t.bySock))
	for sock := range t.bySock {
		socks = append(socks, sock)
	}
	closed := t.closed
	t.mu.Unlock()
	if closed {
		return transport.ErrClosed
	}
	for _, sock := range socks {
		if err := t.writeSignal(sock, data); err != nil {
			return err
		}
	}
	return nil
}

func (t *Transport) Unicast(peer identity.PeerID, env proto.Envelope) error {
	data, err := t.envelopeData(env)
	if err != nil {
		return err
	}
	t.mu.Lock()
	sock, ok := t.byPeer[peer]
	closed := t.closed
	t.mu.Unlock()
	if closed {
		return transport.ErrClosed
	}
	if !ok {
		return fmt.Errorf("unknown peer %s", peer.Hex())
	}
	return t.writeSignal(sock, data)
}

func (t *Transport) Close() error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil
	}
	t.closed = true
	t.mu.Unlock()
	err := t.conn.Close()
	<-t.readEnd
	close(t.events)
	return err
}

func (t *Transport) envelopeData(env proto.Envelope) (json.RawMessage, error) {
	frame, err := proto.Encode(env, t.cfg.Encoding)
	if err != nil {
		return nil, err
	}
	return json.Marshal(signalData{
		Kind:  dataKindEnvelope,
		Frame: base64.StdEncoding.EncodeToString(frame),
	})
}

func (t *Transport) writeSignal(receiver string, data json.RawMessage) error {
	msg := signalMessage{Signal: &signalPayload{Receiver: receiver, Data: data}}
	raw, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	t.writeMu.Lock()
	defer t.writeMu.Unlock()
	return t.conn.WriteMessage(websocket.TextMessage, raw)
}

func (t *Transport) announceTo(receiver string) {
	data, err := json.Marshal(signalData{Kind: dataKindAnnounce, PeerID: t.self.Hex()})
	if err != nil {
		return
	}
	if err := t.writeSignal(receiver, data); err != nil {
		debuglog.Debugf("wstransport: announce to %s: %v", receiver, err)
	}
}

func (t *Transport) readPump() {
	defer close(t.readEnd)
	for {
		_, raw, err := t.conn.ReadMessage()
		if err != nil {
			t.mu.Lock()
			closed := t.closed
			t.mu.Unlock()
			if !closed {
				debuglog.Logf("wstransport: read: %v", err)
			}
			return
		}
		var msg signalMessage
		if err := json.Unmarshal(raw, &msg); err != nil {
			debuglog.Debugf("wstransport: malformed signalling message: %v", err)
			continue
		}
		switch {
		case msg.NewPeer != "":
			// Introduce ourselves; the peer id mapping is established by
			// the answering announce.
			t.announceTo(msg.NewPeer)
		case msg.PeerLeft != "":
			t.handlePeerLeft(msg.PeerLeft)
		case msg.Signal != nil:
			t.handleSignal(*msg.Signal)
		}
	}
}

func (t *Transport) handlePeerLeft(sock string) {
	t.mu.Lock()
	peer, known := t.bySock[sock]
	if known {
		delete(t.bySock, sock)
		delete(t.byPeer, peer)
	}
	t.mu.Unlock()
	if known {
		t.push(transport.Event{Type: transport.EventPeerDown, Peer: peer})
	}
}

func (t *Transport) handleSignal(sig signalPayload) {
	var data signalData
	if err := json.Unmarshal(sig.Data, &data); err != nil {
		debuglog.Debugf("wstransport: malformed signal data: %v", err)
		return
	}
	switch data.Kind {
	case dataKindAnnounce:
		peer, err := identity.PeerIDFromHex(data.PeerID)
		if err != nil {
			return
		}
		if t.recordPeer(sig.Sender, peer) {
			t.announceTo(sig.Sender)
			t.push(transport.Event{Type: transport.EventPeerUp, Peer: peer})
		}
	case dataKindEnvelope:
		frame, err := base64.StdEncoding.DecodeString(data.Frame)
		if err != nil {
			return
		}
		env, err := proto.Decode(frame)
		if err != nil {
			debuglog.Debugf("wstransport: undecodable envelope from %s: %v", sig.Sender, err)
			return
		}
		// Envelopes double as announcements; signatures are checked above
		// this layer.
		if t.recordPeer(sig.Sender, env.SenderID) {
			t.push(transport.Event{Type: transport.EventPeerUp, Peer: env.SenderID})
		}
		t.push(transport.Event{Type: transport.EventEnvelope, Peer: env.SenderID, Envelope: env})
	}
}

// recordPeer stores the socket mapping; true when the peer was new.
func (t *Transport) recordPeer(sock string, peer identity.PeerID) bool {
	if sock == "" {
		return false
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if prev, ok := t.bySock[sock]; ok && prev == peer {
		return false
	}
	t.bySock[sock] = peer
	t.byPeer[peer] = sock
	return true
}

func (t *Transport) push(ev transport.Event) {
	t.mu.Lock()
	closed := t.closed
	t.mu.Unlock()
	if closed {
		return
	}
	select {
	case t.events <- ev:
	default:
		// Drop on saturation; the ordering guard requests missing seqs.
	}
}
