// Package quictransport carries lobby traffic over QUIC for non-browser
// deployments: a relay hub accepts peer connections and forwards envelope
// frames, so the core sees the same Transport surface as the WebRTC fabric.
package quictransport

import (
	"context"
	"crypto/ed25519"
	"crypto/sha256"
	"crypto/tls"
	"crypto/x509"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"math/big"
	"net"
	"sync"
	"time"

	quic "github.com/quic-go/quic-go"

	"konnektsession/internal/debuglog"
	"konnektsession/internal/identity"
	"konnektsession/internal/proto"
	"konnektsession/internal/transport"
)

const (
	alpnProto  = "konnekt-quic"
	eventQueue = 256
)

// relayMsg is the framed JSON exchanged with the hub.
type relayMsg struct {
	Kind   string `json:"kind"`
	PeerID string `json:"peer_id,omitempty"`
	To     string `json:"to,omitempty"`
	From   string `json:"from,omitempty"`
	Frame  string `json:"frame,omitempty"`
}

const (
	msgAnnounce = "announce"
	msgPeerUp   = "peer_up"
	msgPeerDown = "peer_down"
	msgEnvelope = "envelope"
)

type zeroReader struct{}

func (zeroReader) Read(p []byte) (int, error) {
	for i := range p {
		p[i] = 0
	}
	return len(p), nil
}

// devTLSCert derives a deterministic self-signed certificate so local hubs
// and clients agree without provisioning. Not for untrusted networks.
func devTLSCert() (tls.Certificate, []byte, error) {
	seed := sha256.Sum256([]byte("konnekt-quic-dev-key"))
	priv := ed25519.NewKeyFromSeed(seed[:])
	template := x509.Certificate{
		SerialNumber: big.NewInt(1),
		NotBefore:    time.Unix(0, 0),
		NotAfter:     time.Date(9999, 12, 31, 23, 59, 59, 0, time.UTC),
		KeyUsage:     x509.KeyUsageKeyEncipherment | x509.KeyUsageDigitalSignature,
		ExtKeyUsage:  []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth, x509.ExtKeyUsageClientAuth},
		DNSNames:     []string{"localhost"},
		IPAddresses:  []net.IP{net.ParseIP("127.0.0.1")},
	}
	der, err := x509.CreateCertificate(zeroReader{}, &template, &template, priv.Public(), priv)
	if err != nil {
		return tls.Certificate{}, nil, err
	}
	return tls.Certificate{Certificate: [][]byte{der}, PrivateKey: priv}, der, nil
}

func serverTLSConfig() (*tls.Config, error) {
	cert, _, err := devTLSCert()
	if err != nil {
		return nil, err
	}
	return &tls.Config{Certificates: []tls.Certificate{cert}, NextProtos: []string{alpnProto}}, nil
}

func clientTLSConfig() (*tls.Config, error) {
	_, der, err := devTLSCert()
	if err != nil {
		return nil, err
	}
	cert, err := x509.ParseCertificate(der)
	if err != nil {
		return nil, err
	}
	pool := x509.NewCertPool()
	pool.AddCert(cert)
	return &tls.Config{RootCAs: pool, NextProtos: []string{alpnProto}}, nil
}

// Hub is the relay every peer of one fabric connects to.
type Hub struct {
	mu    sync.Mutex
	peers map[identity.PeerID]*hubConn
}

type hubConn struct {
	id      identity.PeerID
	stream  *quic.Stream
	writeMu sync.Mutex
}

func NewHub() *Hub {
	return &Hub{peers: make(map[identity.PeerID]*hubConn)}
}

// Serve accepts peer connections until the context ends.
func (h *Hub) Serve(ctx context.Context, addr string) error {
	return h.ServeWithReady(ctx, addr, nil)
}

// ServeWithReady additionally reports the bound address once listening.
func (h *Hub) ServeWithReady(ctx context.Context, addr string, ready chan<- string) error {
	tlsConf, err := serverTLSConfig()
	if err != nil {
		return err
	}
	listener, err := quic.ListenAddr(addr, tlsConf, nil)
	if err != nil {
		return err
	}
	defer listener.Close()
	if ready != nil {
		ready <- listener.Addr().String()
	}
	for {
		conn, err := listener.Accept(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return err
		}
		go h.serveConn(ctx, conn)
	}
}

func (h *Hub) serveConn(ctx context.Context, conn *quic.Conn) {
	stream, err := conn.AcceptStream(ctx)
	if err != nil {
		return
	}
	msg, err := readMsg(stream)
	if err != nil || msg.Kind != msgAnnounce {
		_ = conn.CloseWithError(1, "expected announce")
		return
	}
	id, err := identity.PeerIDFromHex(msg.PeerID)
	if err != nil {
		_ = conn.CloseWithError(1, "bad peer id")
		return
	}
	hc := &hubConn{id: id, stream: stream}

	h.mu.Lock()
	existing := make([]*hubConn, 0, len(h.peers))
	for _, other := range h.peers {
		existing = append(existing, other)
	}
	h.peers[id] = hc
	h.mu.Unlock()

	for _, other := range existing {
		_ = other.write(relayMsg{Kind: msgPeerUp, PeerID: id.Hex()})
		_ = hc.write(relayMsg{Kind: msgPeerUp, PeerID: other.id.Hex()})
	}
	defer func() {
		h.mu.Lock()
		delete(h.peers, id)
		rest := make([]*hubConn, 0, len(h.peers))
		for _, other := range h.peers {
			rest = append(rest, other)
		}
		h.mu.Unlock()
		for _, other := range rest {
			_ = other.write(relayMsg{Kind: msgPeerDown, PeerID: id.Hex()})
		}
	}()

	for {
		msg, err := readMsg(stream)
		if err != nil {
			return
		}
		if msg.Kind != msgEnvelope {
			continue
		}
		out := relayMsg{Kind: msgEnvelope, From: id.Hex(), Frame: msg.Frame}
		if msg.To != "" {
			to, err := identity.PeerIDFromHex(msg.To)
			if err != nil {
				continue
			}
			h.mu.Lock()
			target, ok := h.peers[to]
			h.mu.Unlock()
			if ok {
				_ = target.write(out)
			}
			continue
		}
		h.mu.Lock()
		targets := make([]*hubConn, 0, len(h.peers))
		for pid, other := range h.peers {
			if pid != id {
				targets = append(targets, other)
			}
		}
		h.mu.Unlock()
		for _, other := range targets {
			_ = other.write(out)
		}
	}
}

func (hc *hubConn) write(msg relayMsg) error {
	raw, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	hc.writeMu.Lock()
	defer hc.writeMu.Unlock()
	return proto.WriteFrame(hc.stream, raw)
}

func readMsg(stream *quic.Stream) (relayMsg, error) {
	raw, err := proto.ReadFrame(stream)
	if err != nil {
		return relayMsg{}, err
	}
	var msg relayMsg
	if err := json.Unmarshal(raw, &msg); err != nil {
		return relayMsg{}, err
	}
	return msg, nil
}

type Config struct {
	Addr     string
	Encoding proto.Encoding
}

// Transport is the client side of the relay, implementing the core's peer
// channel capability.
type Transport struct {
	cfg    Config
	self   identity.PeerID
	conn   *quic.Conn
	stream *quic.Stream

	writeMu sync.Mutex
	mu      sync.Mutex
	closed  bool
	events  chan transport.Event
	readEnd chan struct{}
}

// Dial connects to a hub and announces this peer.
func Dial(ctx context.Context, cfg Config, self identity.PeerID) (*Transport, error) {
	tlsConf, err := clientTLSConfig()
	if err != nil {
		return nil, err
	}
	conn, err := quic.DialAddr(ctx, cfg.Addr, tlsConf, nil)
	if err != nil {
		return nil, fmt.Errorf("quic dial: %w", err)
	}
	stream, err := conn.OpenStreamSync(ctx)
	if err != nil {
		_ = conn.CloseWithError(1, "no stream")
		return nil, err
	}
	t := &Transport{
		cfg:     cfg,
		self:    self,
		conn:    conn,
		stream:  stream,
		events:  make(chan transport.Event, eventQueue),
		readEnd: make(chan struct{}),
	}
	if err := t.write(relayMsg{Kind: msgAnnounce, PeerID: self.Hex()}); err != nil {
		_ = conn.CloseWithError(1, "announce failed")
		return nil, err
	}
	go t.readPump()
	return t, nil
}

func (t *Transport) Events() <-chan transport.Event {
	return t.events
}

func (t *Transport) Broadcast(env proto.Envelope) error {
	return t.send(env, "")
}

func (t *Transport) Unicast(peer identity.PeerID, env proto.Envelope) error {
	return t.send(env, peer.Hex())
}

func (t *Transport) send(env proto.Envelope, to string) error {
	t.mu.Lock()
	closed := t.closed
	t.mu.Unlock()
	if closed {
		return transport.ErrClosed
	}
	frame, err := proto.Encode(env, t.cfg.Encoding)
	if err != nil {
		return err
	}
	return t.write(relayMsg{
		Kind:  msgEnvelope,
		To:    to,
		Frame: base64.StdEncoding.EncodeToString(frame),
	})
}

func (t *Transport) write(msg relayMsg) error {
	raw, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	t.writeMu.Lock()
	defer t.writeMu.Unlock()
	return proto.WriteFrame(t.stream, raw)
}

func (t *Transport) Close() error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil
	}
	t.closed = true
	t.mu.Unlock()
	err := t.conn.CloseWithError(0, "bye")
	<-t.readEnd
	close(t.events)
	return err
}

func (t *Transport) readPump() {
	defer close(t.readEnd)
	for {
		msg, err := readMsg(t.stream)
		if err != nil {
			t.mu.Lock()
			closed := t.closed
			t.mu.Unlock()
			if !closed {
				debuglog.Logf("quictransport: read: %v", err)
			}
			return
		}
		switch msg.Kind {
		case msgPeerUp:
			if peer, err := identity.PeerIDFromHex(msg.PeerID); err == nil {
				t.push(transport.Event{Type: transport.EventPeerUp, Peer: peer})
			}
		case msgPeerDown:
			if peer, err := identity.PeerIDFromHex(msg.PeerID); err == nil {
				t.push(transport.Event{Type: transport.EventPeerDown, Peer: peer})
			}
		case msgEnvelope:
			frame, err := base64.StdEncoding.DecodeString(msg.Frame)
			if err != nil {
				continue
			}
			env, err := proto.Decode(frame)
			if err != nil {
				debuglog.Debugf("quictransport: undecodable envelope: %v", err)
				continue
			}
			t.push(transport.Event{Type: transport.EventEnvelope, Peer: env.SenderID, Envelope: env})
		}
	}
}

func (t *Transport) push(ev transport.Event) {
	select {
	case t.events <- ev:
	default:
		// Drop on saturation; the ordering guard requests missing seqs.
	}
}
