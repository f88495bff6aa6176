package guard

import (
	"sort"
	"time"

	"konnektsession/internal/debuglog"
	"konnektsession/internal/identity"
	"konnektsession/internal/metrics"
	"konnektsession/internal/proto"
)

// ConnectionStatus is the liveness verdict derived from heartbeats.
type ConnectionStatus int

const (
	Online ConnectionStatus = iota
	SuspectedDisconnect
	ConfirmedDisconnect
)

func (s ConnectionStatus) String() string {
	switch s {
	case Online:
		return "online"
	case SuspectedDisconnect:
		return "suspected"
	case ConfirmedDisconnect:
		return "confirmed"
	default:
		return "unknown"
	}
}

// Disposition classifies what happened to an incoming envelope.
type Disposition int

const (
	Delivered Disposition = iota
	Duplicate
	Stale
	SignatureInvalid
	Queued
)

type Config struct {
	StaleMaxAge        time.Duration
	FutureSkew         time.Duration
	SuspectedAfter     time.Duration
	ConfirmedAfter     time.Duration
	QueueCap           int
	GapRequestInterval time.Duration
}

func DefaultConfig() Config {
	return Config{
		StaleMaxAge:        60 * time.Second,
		FutureSkew:         5 * time.Second,
		SuspectedAfter:     10 * time.Second,
		ConfirmedAfter:     30 * time.Second,
		QueueCap:           64,
		GapRequestInterval: 500 * time.Millisecond,
	}
}

type senderState struct {
	expectedSeq     uint64
	queue           map[uint64]proto.Envelope
	lastAppliedAt   time.Time
	lastHeartbeatAt time.Time
	lastGapReqAt    time.Time
	status          ConnectionStatus
}

// Result of feeding one envelope into the guard.
type Result struct {
	Disposition Disposition
	// Deliverable holds the envelope itself plus any queued successors that
	// became contiguous, in ascending seq order.
	Deliverable []proto.Envelope
	// RequestMissing is non-nil when the sender should be asked to resend
	// the predecessor of a gap.
	RequestMissing *uint64
}

// Guard enforces per-sender ordering, deduplication and staleness, and
// derives peer liveness from heartbeats. It is owned by the controller task
// and is not safe for concurrent use.
type Guard struct {
	cfg     Config
	now     func() time.Time
	senders map[identity.PeerID]*senderState
	metrics *metrics.Metrics
}

func New(cfg Config, now func() time.Time, m *metrics.Metrics) *Guard {
	if cfg.QueueCap <= 0 {
		cfg.QueueCap = DefaultConfig().QueueCap
	}
	if now == nil {
		now = time.Now
	}
	if m == nil {
		m = metrics.New()
	}
	return &Guard{cfg: cfg, now: now, senders: make(map[identity.PeerID]*senderState), metrics: m}
}

func (g *Guard) state(id identity.PeerID) *senderState {
	st, ok := g.senders[id]
	if !ok {
		st = &senderState{queue: make(map[uint64]proto.Envelope), status: Online}
		st.lastHeartbeatAt = g.now()
		g.senders[id] = st
	}
	return st
}

// Track registers a sender so the liveness sweep covers it before its first
// envelope arrives.
func (g *Guard) Track(id identity.PeerID) {
	g.state(id)
}

// Reset reinitializes a sender's state. Called when a peer channel comes
// up: a reconnecting peer starts a fresh sequence space; staleness still
// bounds replays of old traffic.
func (g *Guard) Reset(id identity.PeerID) {
	delete(g.senders, id)
	g.state(id)
}

// Forget drops all state for a departed sender.
func (g *Guard) Forget(id identity.PeerID) {
	delete(g.senders, id)
}

// Accept runs the incoming-envelope rules against one envelope.
func (g *Guard) Accept(env proto.Envelope) Result {
	if err := env.VerifySig(); err != nil {
		g.metrics.IncDropSignature()
		debuglog.Peerf("guard-sig", env.SenderID.Hex(), time.Second,
			"guard: bad signature from %s", env.SenderID.Hex())
		return Result{Disposition: SignatureInvalid}
	}
	now := g.now()
	st := g.state(env.SenderID)

	skew := now.Sub(time.UnixMilli(env.TimestampMs))
	if skew > g.cfg.StaleMaxAge || -skew > g.cfg.FutureSkew {
		g.metrics.IncDropStale()
		st.lastHeartbeatAt = now
		return Result{Disposition: Stale}
	}

	switch {
	case env.Seq < st.expectedSeq:
		g.metrics.IncDropDuplicate()
		st.lastHeartbeatAt = now
		return Result{Disposition: Duplicate}
	case env.Seq == st.expectedSeq:
		deliverable := []proto.Envelope{env}
		st.expectedSeq++
		for {
			next, ok := st.queue[st.expectedSeq]
			if !ok {
				break
			}
			delete(st.queue, st.expectedSeq)
			deliverable = append(deliverable, next)
			st.expectedSeq++
		}
		st.lastAppliedAt = now
		st.lastHeartbeatAt = now
		for range deliverable {
			g.metrics.IncDelivered()
		}
		return Result{Disposition: Delivered, Deliverable: deliverable}
	default:
		if _, dup := st.queue[env.Seq]; !dup && len(st.queue) < g.cfg.QueueCap {
			st.queue[env.Seq] = env
			g.metrics.IncGapQueued()
		}
		st.lastHeartbeatAt = now
		res := Result{Disposition: Queued}
		if now.Sub(st.lastGapReqAt) >= g.cfg.GapRequestInterval {
			st.lastGapReqAt = now
			missing := env.Seq - 1
			res.RequestMissing = &missing
			g.metrics.IncGapRequests()
		}
		return res
	}
}

// LivenessChange reports a sender whose connection status moved.
type LivenessChange struct {
	Peer identity.PeerID
	Old  ConnectionStatus
	New  ConnectionStatus
}

// Sweep recomputes liveness for every tracked sender and returns the
// transitions, ordered by peer id for determinism.
func (g *Guard) Sweep() []LivenessChange {
	now := g.now()
	var changes []LivenessChange
	for id, st := range g.senders {
		idle := now.Sub(st.lastHeartbeatAt)
		next := Online
		switch {
		case idle >= g.cfg.ConfirmedAfter:
			next = ConfirmedDisconnect
		case idle >= g.cfg.SuspectedAfter:
			next = SuspectedDisconnect
		}
		if next != st.status {
			changes = append(changes, LivenessChange{Peer: id, Old: st.status, New: next})
			st.status = next
		}
	}
	sort.Slice(changes, func(i, j int) bool {
		return identity.LessPeerID(changes[i].Peer, changes[j].Peer)
	})
	return changes
}

// Status returns the current liveness verdict for a sender.
func (g *Guard) Status(id identity.PeerID) ConnectionStatus {
	st, ok := g.senders[id]
	if !ok {
		return Online
	}
	return st.status
}

// NextSeq returns the next in-order sequence expected from a sender.
func (g *Guard) NextSeq(id identity.PeerID) uint64 {
	st, ok := g.senders[id]
	if !ok {
		return 0
	}
	return st.expectedSeq
}
