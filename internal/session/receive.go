package session

import (
	"encoding/json"
	"time"

	"konnektsession/internal/acl"
	"konnektsession/internal/debuglog"
	"konnektsession/internal/guard"
	"konnektsession/internal/identity"
	"konnektsession/internal/lobby"
	"konnektsession/internal/proto"
	"konnektsession/internal/transport"
)

func (c *Controller) handleTransport(ev transport.Event) {
	switch ev.Type {
	case transport.EventPeerUp:
		c.grd.Reset(ev.Peer)
	case transport.EventPeerDown:
		// The transport's own detection is advisory; liveness is derived
		// from heartbeats so a flapping channel does not evict a peer.
	case transport.EventEnvelope:
		res := c.grd.Accept(ev.Envelope)
		if res.RequestMissing != nil {
			c.sendEvent(proto.KindRequestMissing, proto.RequestMissingBody{
				Target: ev.Envelope.SenderID.Hex(),
				Seq:    *res.RequestMissing,
			}, &ev.Envelope.SenderID)
		}
		for _, env := range res.Deliverable {
			c.processEnvelope(env)
		}
	}
}

func (c *Controller) processEnvelope(env proto.Envelope) {
	ev, err := proto.UnmarshalEvent(env.Payload)
	if err != nil {
		c.met.IncDropMalformed()
		debuglog.Peerf("session-malformed", env.SenderID.Hex(), time.Second,
			"session: malformed payload from %s: %v", env.SenderID.Hex(), err)
		return
	}
	switch ev.Kind {
	case proto.KindHeartbeat:
		return
	case proto.KindRequestMissing:
		c.handleRequestMissing(env.SenderID, ev)
	case proto.KindCommandFailed:
		c.handleCommandFailed(ev)
	case proto.KindStateSnapshot:
		c.handleStateSnapshot(env.SenderID, ev)
	case proto.KindHostClaim:
		c.handleHostClaim(env.SenderID, ev)
	case proto.KindHostReclaim:
		c.handleHostReclaim(env.SenderID, ev)
	case proto.KindJoinRequest:
		c.handleJoinRequest(env.SenderID, ev)
	case proto.KindSubmitResult:
		c.handleRemoteSubmit(env.SenderID, ev)
	default:
		c.handleStateEvent(env.SenderID, ev)
	}
}

func (c *Controller) handleRequestMissing(sender identity.PeerID, ev proto.Event) {
	var b proto.RequestMissingBody
	if err := ev.DecodeBody(&b); err != nil {
		c.met.IncDropMalformed()
		return
	}
	if b.Target != c.id.Hex() {
		return
	}
	if env, ok := c.sent[b.Seq]; ok {
		_ = c.tr.Unicast(sender, env)
	}
}

func (c *Controller) handleCommandFailed(ev proto.Event) {
	var b proto.CommandFailedBody
	if err := ev.DecodeBody(&b); err != nil {
		c.met.IncDropMalformed()
		return
	}
	err := &lobby.CommandError{Kind: lobby.ErrKind(b.Reason), Detail: b.Detail}
	if b.Context == "join" && c.pendingJoin != nil {
		c.pendingJoin.resolve(err)
		c.pendingJoin = nil
		return
	}
	c.log.Warn("command failed", "reason", b.Reason, "detail", b.Detail)
}

func (c *Controller) handleStateSnapshot(sender identity.PeerID, ev proto.Event) {
	var b proto.StateSnapshotBody
	if err := ev.DecodeBody(&b); err != nil {
		c.met.IncDropMalformed()
		return
	}
	var snap lobby.Snapshot
	if err := json.Unmarshal(b.State, &snap); err != nil {
		c.met.IncDropMalformed()
		return
	}
	l, err := lobby.FromSnapshot(snap)
	if err != nil {
		c.met.IncDropMalformed()
		return
	}
	if sender != l.HostID {
		c.met.IncDropUnauthorized()
		return
	}
	if c.lob != nil && c.lob.ID != l.ID {
		return
	}
	c.lob = l
	c.checkInvariantsDebug()
	if c.pendingJoin != nil {
		c.pendingJoin.resolve(nil)
		c.pendingJoin = nil
	}
}

func (c *Controller) handleJoinRequest(sender identity.PeerID, ev proto.Event) {
	if !c.isHost() {
		return
	}
	cmd, ok, err := acl.ToCommand(ev, sender)
	if err != nil || !ok {
		c.met.IncDropMalformed()
		return
	}
	events, err := c.lob.Handle(cmd, c.now().UnixMilli())
	if err != nil {
		c.unicastFailure(sender, err, "join")
		return
	}
	c.met.IncCommandsApplied()
	c.checkInvariantsDebug()
	c.notifyAll(events)
	c.broadcastEvents(events)
	c.unicastSnapshot(sender)
}

func (c *Controller) unicastSnapshot(to identity.PeerID) {
	raw, err := json.Marshal(c.lob.Snapshot())
	if err != nil {
		return
	}
	c.sendEvent(proto.KindStateSnapshot, proto.StateSnapshotBody{LobbyID: c.lob.ID, State: raw}, &to)
}

func (c *Controller) handleRemoteSubmit(sender identity.PeerID, ev proto.Event) {
	if !c.isHost() {
		return
	}
	var b proto.SubmitResultBody
	if err := ev.DecodeBody(&b); err != nil {
		c.met.IncDropMalformed()
		return
	}
	err := c.hostScoreAndRecord(sender, responseSubmission{
		activityID: b.ActivityID,
		response:   b.Response,
		elapsedMs:  b.ElapsedMs,
	})
	if err != nil {
		c.unicastFailure(sender, err, "submit")
	}
}

func (c *Controller) handleHostClaim(sender identity.PeerID, ev proto.Event) {
	if c.lob == nil {
		return
	}
	var b proto.HostClaimBody
	if err := ev.DecodeBody(&b); err != nil {
		c.met.IncDropMalformed()
		return
	}
	prevHost, err := identity.PeerIDFromHex(b.PrevHostID)
	if err != nil {
		c.met.IncDropMalformed()
		return
	}
	// A claim from a higher (joinedAt, peerId) pair than the local election
	// result is a dispute loss for the sender; reject it.
	events, err := c.lob.HandleClaim(sender, prevHost, c.electionCutoffMs)
	if err != nil {
		c.met.IncDropUnauthorized()
		debuglog.Debugf("session: rejected host claim from %s: %v", sender.Hex(), err)
		return
	}
	c.delegationByTimeout = true
	c.checkInvariantsDebug()
	c.notifyAll(events)
}

func (c *Controller) handleHostReclaim(sender identity.PeerID, ev proto.Event) {
	if !c.isHost() {
		return
	}
	var b proto.HostReclaimBody
	if err := ev.DecodeBody(&b); err != nil {
		c.met.IncDropMalformed()
		return
	}
	events, err := c.lob.HandleReclaim(sender, b.Fingerprint, c.delegationByTimeout)
	if err != nil {
		c.unicastFailure(sender, err, "reclaim")
		return
	}
	if len(events) == 0 {
		return
	}
	c.checkInvariantsDebug()
	c.notifyAll(events)
	c.broadcastEvents(events)
}

// handleStateEvent applies an authoritative event from the host, or treats
// a guest's self-scoped event as a request when this peer is the host.
func (c *Controller) handleStateEvent(sender identity.PeerID, ev proto.Event) {
	if c.lob == nil {
		return
	}
	if sender == c.lob.HostID {
		domainEv, ok, err := acl.ToDomainEvent(ev)
		if err != nil {
			c.met.IncDropMalformed()
			return
		}
		if !ok {
			c.met.IncDropUnknownKind()
			debuglog.Debugf("session: unknown authoritative kind %s", ev.Kind)
			return
		}
		if err := c.lob.ApplyEvent(domainEv); err != nil {
			debuglog.Logf("session: apply %s: %v", ev.Kind, err)
			return
		}
		if hd, ok := domainEv.(lobby.HostDelegated); ok && hd.Reason == lobby.DelegationTimeout {
			c.delegationByTimeout = true
		}
		c.met.IncDelivered()
		c.checkInvariantsDebug()
		c.notify(domainEv)
		return
	}
	if c.isHost() {
		c.handleGuestRequest(sender, ev)
		return
	}
	c.met.IncDropUnauthorized()
	debuglog.Peerf("session-unauth", sender.Hex(), time.Second,
		"session: dropped %s from non-host %s", ev.Kind, sender.Hex())
}

// handleGuestRequest lets the host turn a guest's self-scoped events into
// validated commands.
func (c *Controller) handleGuestRequest(sender identity.PeerID, ev proto.Event) {
	switch ev.Kind {
	case proto.KindGuestLeft, proto.KindParticipationModeChanged:
	default:
		c.met.IncDropUnauthorized()
		return
	}
	cmd, ok, err := acl.ToCommand(ev, sender)
	if err != nil || !ok {
		c.met.IncDropMalformed()
		return
	}
	// Only requests about the sender itself are honored.
	if cmd.Actor() != sender {
		c.met.IncDropUnauthorized()
		return
	}
	if tc, ok := cmd.(lobby.ToggleParticipationMode); ok && tc.Target != sender {
		c.met.IncDropUnauthorized()
		return
	}
	events, err := c.lob.Handle(cmd, c.now().UnixMilli())
	if err != nil {
		c.unicastFailure(sender, err, "request")
		return
	}
	c.met.IncCommandsApplied()
	c.checkInvariantsDebug()
	c.notifyAll(events)
	c.broadcastEvents(events)
}

func (c *Controller) unicastFailure(to identity.PeerID, err error, context string) {
	c.met.IncCommandsRejected()
	kind := lobby.KindOf(err)
	if kind == "" {
		kind = lobby.ErrNotAuthorized
	}
	c.sendEvent(proto.KindCommandFailed, proto.CommandFailedBody{
		Reason:  string(kind),
		Context: context,
	}, &to)
}

func (c *Controller) sweepLiveness() {
	changes := c.grd.Sweep()
	if c.lob == nil {
		return
	}
	for _, change := range changes {
		events := c.lob.ConnectionEvents(change)
		c.notifyAll(events)
		if change.New != guard.ConfirmedDisconnect {
			continue
		}
		if change.Peer == c.lob.HostID {
			c.runElection()
			continue
		}
		if c.isHost() {
			departed, err := c.lob.DepartureEvents(change.Peer, c.now().UnixMilli())
			if err != nil {
				continue
			}
			c.grd.Forget(change.Peer)
			c.checkInvariantsDebug()
			c.notifyAll(departed)
			c.broadcastEvents(departed)
		}
	}
}

// runElection computes the deterministic winner locally. Only the winner
// broadcasts a claim; everyone else waits for it and validates.
func (c *Controller) runElection() {
	cutoffMs := c.now().UnixMilli()
	c.electionCutoffMs = cutoffMs
	prevHost := c.lob.HostID
	winner, ok := lobby.ElectHost(c.lob, cutoffMs)
	if !ok {
		// Nobody left to take over: the lobby closes.
		closed := lobby.Closed{AtMs: c.now().UnixMilli()}
		if err := c.lob.ApplyEvent(closed); err == nil {
			c.notify(closed)
		}
		return
	}
	if winner != c.id {
		return
	}
	joined := c.lob.Participants[c.id].JoinedAtMs
	events, err := c.lob.HandleClaim(c.id, prevHost, cutoffMs)
	if err != nil {
		return
	}
	c.delegationByTimeout = true
	c.checkInvariantsDebug()
	c.notifyAll(events)
	c.sendEvent(proto.KindHostClaim, proto.HostClaimBody{
		LobbyID:    c.lob.ID,
		PrevHostID: prevHost.Hex(),
		JoinedAtMs: joined,
	}, nil)
	// The departed host leaves the roster; it may rejoin as a guest.
	departed, err := c.lob.DepartureEvents(prevHost, c.now().UnixMilli())
	if err == nil && len(departed) > 0 {
		c.grd.Forget(prevHost)
		c.checkInvariantsDebug()
		c.notifyAll(departed)
		c.broadcastEvents(departed)
	}
}

func (c *Controller) checkActivityTimeout() {
	if !c.isHost() {
		return
	}
	events, err := c.lob.TimeoutEvents(c.now().UnixMilli(), c.cfg.ActivityTimeout.Milliseconds())
	if err != nil || len(events) == 0 {
		return
	}
	c.checkInvariantsDebug()
	c.notifyAll(events)
	c.broadcastEvents(events)
}

func (c *Controller) checkArchive() {
	if c.lob == nil {
		return
	}
	events, err := c.lob.ArchiveEvents(c.now().UnixMilli(), c.cfg.ArchivePolicy.Milliseconds())
	if err != nil || len(events) == 0 {
		return
	}
	c.notifyAll(events)
}

func (c *Controller) sendHeartbeat() {
	c.sendEvent(proto.KindHeartbeat, nil, nil)
	c.met.IncHeartbeatsSent()
}

// sendEvent seals a wire event into a signed envelope and sends it. The
// envelope is remembered so gaps can be refilled on request.
func (c *Controller) sendEvent(kind string, body any, unicastTo *identity.PeerID) {
	raw, err := proto.MarshalEvent(kind, body)
	if err != nil {
		debuglog.Logf("session: marshal %s: %v", kind, err)
		return
	}
	c.sendPayload(raw, unicastTo)
}

func (c *Controller) sendPayload(raw []byte, unicastTo *identity.PeerID) {
	env, err := proto.Seal(c.kp, c.seq, c.now().UnixMilli(), raw)
	if err != nil {
		debuglog.Logf("session: seal: %v", err)
		return
	}
	c.sent[c.seq] = env
	if c.seq >= sentRingSize {
		delete(c.sent, c.seq-sentRingSize)
	}
	c.seq++
	if unicastTo != nil {
		_ = c.tr.Unicast(*unicastTo, env)
		return
	}
	_ = c.tr.Broadcast(env)
}

func (c *Controller) broadcastEvents(events []lobby.Event) {
	for _, ev := range events {
		wireEv, ok, err := acl.ToWire(lobbyIDOf(c.lob), ev)
		if err != nil {
			debuglog.Logf("session: to wire: %v", err)
			continue
		}
		if !ok {
			continue
		}
		raw, err := json.Marshal(wireEv)
		if err != nil {
			continue
		}
		c.sendPayload(raw, nil)
	}
}

func lobbyIDOf(l *lobby.Lobby) string {
	if l == nil {
		return ""
	}
	return l.ID
}

func (c *Controller) notifyAll(events []lobby.Event) {
	for _, ev := range events {
		c.notify(ev)
	}
}

func (c *Controller) notify(ev lobby.Event) {
	c.listenerMu.Lock()
	fns := make([]func(lobby.Event), 0, len(c.listeners))
	for _, fn := range c.listeners {
		fns = append(fns, fn)
	}
	c.listenerMu.Unlock()
	for _, fn := range fns {
		fn(ev)
	}
}

func (c *Controller) checkInvariantsDebug() {
	if !debuglog.Enabled() || c.lob == nil {
		return
	}
	if err := c.lob.CheckInvariants(); err != nil {
		debuglog.Logf("session: INVARIANT VIOLATION: %v", err)
	}
}
