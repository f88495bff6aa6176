// Package session wires identity, envelope, transport, guard, domain and
// acl behind a single facade. One goroutine owns all lobby state; commands,
// envelopes and timer ticks funnel through its mailbox, so between
// suspension points the state is a consistent snapshot.
package session

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"konnektsession/internal/activity"
	"konnektsession/internal/config"
	"konnektsession/internal/guard"
	"konnektsession/internal/identity"
	"konnektsession/internal/lobby"
	"konnektsession/internal/metrics"
	"konnektsession/internal/proto"
	"konnektsession/internal/transport"
)

const (
	mailboxSize  = 256
	sentRingSize = 256
)

var ErrShutdown = errors.New("session shut down")

type Options struct {
	Config    config.Config
	Keypair   *identity.Keypair
	Transport transport.Transport
	Registry  *activity.Registry
	Metrics   *metrics.Metrics
	Logger    *slog.Logger
	Now       func() time.Time
}

type mailboxMsg struct {
	cmd        lobby.Command
	create     *createRequest
	join       *joinRequest
	rememberFp string
	response   *responseSubmission
	future     *Future
	snapshot   chan lobby.Snapshot
}

type createRequest struct {
	name, password, displayName string
	maxGuests                   int
}

type joinRequest struct {
	name, password string
}

type responseSubmission struct {
	activityID string
	response   json.RawMessage
	elapsedMs  int64
}

// Controller is the session facade handed to the UI layer.
type Controller struct {
	cfg config.Config
	kp  *identity.Keypair
	id  identity.PeerID
	tr  transport.Transport
	reg *activity.Registry
	met *metrics.Metrics
	log *slog.Logger
	now func() time.Time
	enc proto.Encoding

	mailbox chan mailboxMsg
	quit    chan struct{}
	loopEnd chan struct{}

	listenerMu sync.Mutex
	listeners  map[int]func(lobby.Event)
	listenerID int

	closeOnce sync.Once
	closed    atomic.Bool

	// Everything below is owned by the loop goroutine.
	lob                 *lobby.Lobby
	grd                 *guard.Guard
	seq                 uint64
	sent                map[uint64]proto.Envelope
	delegationByTimeout bool
	electionCutoffMs    int64
	pendingJoin         *Future
	reclaimFingerprint  string
	heartbeat           *time.Ticker
	liveness            *time.Ticker
	activityTick        *time.Ticker
}

func New(opts Options) (*Controller, error) {
	if opts.Keypair == nil || opts.Transport == nil {
		return nil, fmt.Errorf("keypair and transport are required")
	}
	cfg := opts.Config
	if cfg.HeartbeatInterval == 0 {
		cfg = config.Default()
	}
	if opts.Registry == nil {
		opts.Registry = activity.Default()
	}
	if opts.Metrics == nil {
		opts.Metrics = metrics.New()
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	enc := proto.EncodingJSON
	if cfg.Encoding == "binary" {
		enc = proto.EncodingBinary
	}
	c := &Controller{
		cfg:       cfg,
		kp:        opts.Keypair,
		id:        opts.Keypair.PeerID(),
		tr:        opts.Transport,
		reg:       opts.Registry,
		met:       opts.Metrics,
		log:       opts.Logger,
		now:       opts.Now,
		enc:       enc,
		mailbox:   make(chan mailboxMsg, mailboxSize),
		quit:      make(chan struct{}),
		loopEnd:   make(chan struct{}),
		listeners: make(map[int]func(lobby.Event)),
		sent:      make(map[uint64]proto.Envelope),
	}
	c.grd = guard.New(guard.Config{
		StaleMaxAge:        cfg.StaleMessageMaxAge,
		FutureSkew:         cfg.FutureSkewTolerance,
		SuspectedAfter:     cfg.LivenessSuspected,
		ConfirmedAfter:     cfg.LivenessConfirmed,
		QueueCap:           64,
		GapRequestInterval: 500 * time.Millisecond,
	}, opts.Now, opts.Metrics)

	c.heartbeat = time.NewTicker(cfg.HeartbeatInterval)
	c.liveness = time.NewTicker(cfg.LivenessCheck)
	c.activityTick = time.NewTicker(cfg.ActivityTick)
	go c.loop()
	return c, nil
}

// CreateLobby founds a lobby with this peer as host.
func (c *Controller) CreateLobby(name, password string, maxGuests int, displayName string) *Future {
	f := newFuture()
	c.enqueue(mailboxMsg{create: &createRequest{name: name, password: password, maxGuests: maxGuests, displayName: displayName}, future: f})
	return f
}

// Join requests admission into the lobby hosted on this transport fabric.
// The future resolves once the host's state snapshot has been applied.
func (c *Controller) Join(displayName, password string) *Future {
	f := newFuture()
	c.enqueue(mailboxMsg{join: &joinRequest{name: displayName, password: password}, future: f})
	return f
}

// Submit hands a domain command to the controller loop.
func (c *Controller) Submit(cmd lobby.Command) *Future {
	f := newFuture()
	c.enqueue(mailboxMsg{cmd: cmd, future: f})
	return f
}

// SubmitResponse submits an activity response. The score is computed by the
// registered scorer on the authoritative side.
func (c *Controller) SubmitResponse(activityID string, response json.RawMessage, elapsedMs int64) *Future {
	f := newFuture()
	c.enqueue(mailboxMsg{response: &responseSubmission{activityID: activityID, response: response, elapsedMs: elapsedMs}, future: f})
	return f
}

func (c *Controller) enqueue(msg mailboxMsg) {
	if c.closed.Load() {
		if msg.future != nil {
			msg.future.resolve(ErrShutdown)
		}
		return
	}
	select {
	case c.mailbox <- msg:
	case <-c.quit:
		if msg.future != nil {
			msg.future.resolve(ErrShutdown)
		}
	}
}

// Subscribe registers a listener for domain events. The returned function
// unsubscribes.
func (c *Controller) Subscribe(fn func(lobby.Event)) func() {
	c.listenerMu.Lock()
	defer c.listenerMu.Unlock()
	c.listenerID++
	id := c.listenerID
	c.listeners[id] = fn
	return func() {
		c.listenerMu.Lock()
		defer c.listenerMu.Unlock()
		delete(c.listeners, id)
	}
}

// Status returns a read-only snapshot of the lobby.
func (c *Controller) Status() (lobby.Snapshot, error) {
	if c.closed.Load() {
		return lobby.Snapshot{}, ErrShutdown
	}
	ch := make(chan lobby.Snapshot, 1)
	select {
	case c.mailbox <- mailboxMsg{snapshot: ch}:
	case <-c.quit:
		return lobby.Snapshot{}, ErrShutdown
	}
	select {
	case s, ok := <-ch:
		if !ok {
			return lobby.Snapshot{}, ErrShutdown
		}
		return s, nil
	case <-c.loopEnd:
		return lobby.Snapshot{}, ErrShutdown
	}
}

// Shutdown releases all owned resources: timers stop, the transport closes,
// the private key is zeroed.
func (c *Controller) Shutdown() {
	c.closeOnce.Do(func() {
		c.closed.Store(true)
		close(c.quit)
		<-c.loopEnd
		c.heartbeat.Stop()
		c.liveness.Stop()
		c.activityTick.Stop()
		_ = c.tr.Close()
		c.kp.Destroy()
		if c.cfg.MetricsSnapshotPath != "" {
			_ = c.met.WriteSnapshot(c.cfg.MetricsSnapshotPath)
		}
	})
}

func (c *Controller) loop() {
	defer func() {
		close(c.loopEnd)
		// Drain stragglers so no caller blocks forever on a future.
		for {
			select {
			case msg := <-c.mailbox:
				if msg.future != nil {
					msg.future.resolve(ErrShutdown)
				}
				if msg.snapshot != nil {
					close(msg.snapshot)
				}
			default:
				return
			}
		}
	}()
	for {
		select {
		case <-c.quit:
			return
		case msg := <-c.mailbox:
			c.handleMailbox(msg)
		case ev, ok := <-c.tr.Events():
			if !ok {
				return
			}
			c.handleTransport(ev)
		case <-c.heartbeat.C:
			c.sendHeartbeat()
		case <-c.liveness.C:
			c.sweepLiveness()
			c.checkArchive()
		case <-c.activityTick.C:
			c.checkActivityTimeout()
		}
	}
}

func (c *Controller) handleMailbox(msg mailboxMsg) {
	if msg.snapshot != nil {
		if c.lob != nil {
			msg.snapshot <- c.lob.Snapshot()
		} else {
			msg.snapshot <- lobby.Snapshot{}
		}
		return
	}
	f := msg.future
	if f != nil && f.cancelled.Load() {
		f.resolve(errCancelled)
		return
	}
	var err error
	switch {
	case msg.create != nil:
		err = c.doCreateLobby(*msg.create)
	case msg.join != nil:
		err = c.doJoinRequest(*msg.join, f)
		if err == nil {
			// Resolved later, when the host snapshot arrives.
			return
		}
	case msg.rememberFp != "":
		c.reclaimFingerprint = msg.rememberFp
	case msg.response != nil:
		err = c.doSubmitResponse(*msg.response)
	case msg.cmd != nil:
		err = c.doLocalCommand(msg.cmd)
	}
	if f != nil {
		f.resolve(err)
	}
	if err != nil {
		c.met.IncCommandsRejected()
	}
}

func (c *Controller) doCreateLobby(cmd createRequest) error {
	if c.lob != nil {
		return fmt.Errorf("lobby already attached")
	}
	nowMs := c.now().UnixMilli()
	l, created, err := lobby.New(uuid.NewString(), cmd.name, cmd.password, cmd.maxGuests, c.id, cmd.displayName, nowMs)
	if err != nil {
		return err
	}
	c.lob = l
	c.met.IncCommandsApplied()
	c.notify(created)
	c.broadcastEvents([]lobby.Event{created})
	return nil
}

func (c *Controller) doJoinRequest(cmd joinRequest, f *Future) error {
	if c.lob != nil {
		return fmt.Errorf("already a member")
	}
	c.pendingJoin = f
	c.sendEvent(proto.KindJoinRequest, proto.JoinRequestBody{Name: cmd.name, Password: cmd.password}, nil)
	// If this key once held host status, announce the reclaim attempt too.
	if c.reclaimFingerprint != "" {
		c.sendEvent(proto.KindHostReclaim, proto.HostReclaimBody{Fingerprint: c.reclaimFingerprint}, nil)
	}
	return nil
}

// RememberHostFingerprint arms a reclaim attempt on the next Join: a peer
// that once hosted this lobby keeps its own key fingerprint.
func (c *Controller) RememberHostFingerprint(fp string) {
	c.enqueue(mailboxMsg{rememberFp: fp})
}

func (c *Controller) doLocalCommand(cmd lobby.Command) error {
	if c.lob == nil {
		return fmt.Errorf("no lobby attached")
	}
	if c.isHost() {
		events, err := c.lob.Handle(cmd, c.now().UnixMilli())
		if err != nil {
			return err
		}
		c.met.IncCommandsApplied()
		c.checkInvariantsDebug()
		c.notifyAll(events)
		c.broadcastEvents(events)
		return nil
	}
	return c.forwardToHost(cmd)
}

// forwardToHost turns a guest's local command into the wire request the
// host validates. Only self-scoped commands may originate from a guest.
func (c *Controller) forwardToHost(cmd lobby.Command) error {
	switch cmd := cmd.(type) {
	case lobby.LeaveLobby:
		if cmd.By != c.id {
			return fail(lobby.ErrNotAuthorized)
		}
		c.sendEvent(proto.KindGuestLeft, proto.GuestLeftBody{LobbyID: c.lob.ID, PeerID: c.id.Hex()}, nil)
		return nil
	case lobby.ToggleParticipationMode:
		if cmd.Target != c.id {
			return fail(lobby.ErrNotAuthorized)
		}
		p, ok := c.lob.Participants[c.id]
		if !ok {
			return fail(lobby.ErrUnknownParticipant)
		}
		c.sendEvent(proto.KindParticipationModeChanged, proto.ParticipationModeChangedBody{
			LobbyID: c.lob.ID,
			PeerID:  c.id.Hex(),
			Mode:    string(p.Mode.Toggled()),
		}, nil)
		return nil
	default:
		return fail(lobby.ErrNotAuthorized)
	}
}

func (c *Controller) doSubmitResponse(sub responseSubmission) error {
	if c.lob == nil {
		return fmt.Errorf("no lobby attached")
	}
	if c.isHost() {
		return c.hostScoreAndRecord(c.id, sub)
	}
	c.sendEvent(proto.KindSubmitResult, proto.SubmitResultBody{
		LobbyID:    c.lob.ID,
		ActivityID: sub.activityID,
		Response:   sub.response,
		ElapsedMs:  sub.elapsedMs,
	}, nil)
	return nil
}

// hostScoreAndRecord runs the registered scorer and records the result
// authoritatively.
func (c *Controller) hostScoreAndRecord(submitter identity.PeerID, sub responseSubmission) error {
	var kind string
	var cfgRaw json.RawMessage
	for _, a := range c.lob.Activities {
		if a.ID == sub.activityID {
			kind = a.Kind
			cfgRaw = a.Config
			break
		}
	}
	if kind == "" {
		return fail(lobby.ErrUnknownActivity)
	}
	scorer, err := c.reg.Lookup(kind)
	if err != nil {
		return fail(lobby.ErrUnknownActivity)
	}
	score, err := scorer.Score(cfgRaw, sub.response)
	if err != nil {
		return fmt.Errorf("scoring: %w", err)
	}
	events, err := c.lob.Handle(lobby.SubmitResult{
		By:         submitter,
		ActivityID: sub.activityID,
		Score:      score,
		ElapsedMs:  sub.elapsedMs,
	}, c.now().UnixMilli())
	if err != nil {
		return err
	}
	c.met.IncCommandsApplied()
	c.checkInvariantsDebug()
	c.notifyAll(events)
	c.broadcastEvents(events)
	return nil
}

func (c *Controller) isHost() bool {
	return c.lob != nil && c.lob.HostID == c.id
}

func fail(kind lobby.ErrKind) error {
	return &lobby.CommandError{Kind: kind}
}
