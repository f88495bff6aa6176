// Package acl is the anti-corruption layer between the wire event shape and
// the domain model. Both directions are total over the supported kinds;
// CommandFailed is a local concern and never crosses the wire.
package acl

import (
	"fmt"

	"konnektsession/internal/identity"
	"konnektsession/internal/lobby"
	"konnektsession/internal/proto"
)

// ToCommand translates an incoming wire event into the domain command it
// stands for. The second return is false for purely informational events
// that carry no command (LobbyCreated, completion markers, leaderboards).
func ToCommand(ev proto.Event, sender identity.PeerID) (lobby.Command, bool, error) {
	switch ev.Kind {
	case proto.KindJoinRequest:
		var b proto.JoinRequestBody
		if err := ev.DecodeBody(&b); err != nil {
			return nil, false, err
		}
		return lobby.JoinLobby{By: sender, DisplayName: b.Name, Password: b.Password}, true, nil
	case proto.KindGuestJoined:
		var b proto.GuestJoinedBody
		if err := ev.DecodeBody(&b); err != nil {
			return nil, false, err
		}
		id, err := identity.PeerIDFromHex(b.PeerID)
		if err != nil {
			return nil, false, err
		}
		return lobby.JoinLobby{By: id, DisplayName: b.Name}, true, nil
	case proto.KindGuestLeft:
		var b proto.GuestLeftBody
		if err := ev.DecodeBody(&b); err != nil {
			return nil, false, err
		}
		id, err := identity.PeerIDFromHex(b.PeerID)
		if err != nil {
			return nil, false, err
		}
		return lobby.LeaveLobby{By: id}, true, nil
	case proto.KindGuestKicked:
		var b proto.GuestKickedBody
		if err := ev.DecodeBody(&b); err != nil {
			return nil, false, err
		}
		id, err := identity.PeerIDFromHex(b.PeerID)
		if err != nil {
			return nil, false, err
		}
		return lobby.KickGuest{By: sender, Target: id}, true, nil
	case proto.KindHostDelegated:
		var b proto.HostDelegatedBody
		if err := ev.DecodeBody(&b); err != nil {
			return nil, false, err
		}
		from, err := identity.PeerIDFromHex(b.FromID)
		if err != nil {
			return nil, false, err
		}
		to, err := identity.PeerIDFromHex(b.ToID)
		if err != nil {
			return nil, false, err
		}
		return lobby.DelegateHost{By: from, Target: to, Reason: b.Reason}, true, nil
	case proto.KindParticipationModeChanged:
		var b proto.ParticipationModeChangedBody
		if err := ev.DecodeBody(&b); err != nil {
			return nil, false, err
		}
		id, err := identity.PeerIDFromHex(b.PeerID)
		if err != nil {
			return nil, false, err
		}
		return lobby.ToggleParticipationMode{By: sender, Target: id}, true, nil
	case proto.KindSubmitResult:
		var b proto.SubmitResultBody
		if err := ev.DecodeBody(&b); err != nil {
			return nil, false, err
		}
		return lobby.SubmitResult{By: sender, ActivityID: b.ActivityID, ElapsedMs: b.ElapsedMs}, true, nil
	case proto.KindLobbyCreated:
		return nil, false, nil
	default:
		return nil, false, nil
	}
}

// ToWire translates an authoritative domain event into its wire shape. The
// second return is false for local-only events (connection status, which
// every peer derives on its own).
func ToWire(lobbyID string, ev lobby.Event) (proto.Event, bool, error) {
	var kind string
	var body any
	switch e := ev.(type) {
	case lobby.Created:
		kind = proto.KindLobbyCreated
		body = proto.LobbyCreatedBody{
			LobbyID:   e.LobbyID,
			Name:      e.Name,
			HostID:    e.HostID.Hex(),
			HostName:  e.HostName,
			MaxGuests: e.MaxGuests,
			HasPw:     e.HasPw,
		}
	case lobby.GuestJoined:
		kind = proto.KindGuestJoined
		body = proto.GuestJoinedBody{
			LobbyID:    lobbyID,
			PeerID:     e.ID.Hex(),
			Name:       e.Name,
			JoinedAtMs: e.JoinedAtMs,
			Mode:       string(e.Mode),
		}
	case lobby.GuestLeft:
		kind = proto.KindGuestLeft
		body = proto.GuestLeftBody{LobbyID: lobbyID, PeerID: e.ID.Hex()}
	case lobby.GuestKicked:
		kind = proto.KindGuestKicked
		body = proto.GuestKickedBody{LobbyID: lobbyID, PeerID: e.ID.Hex()}
	case lobby.HostDelegated:
		kind = proto.KindHostDelegated
		body = proto.HostDelegatedBody{
			LobbyID: lobbyID,
			FromID:  e.From.Hex(),
			ToID:    e.To.Hex(),
			Reason:  e.Reason,
		}
	case lobby.ModeChanged:
		kind = proto.KindParticipationModeChanged
		body = proto.ParticipationModeChangedBody{
			LobbyID: lobbyID,
			PeerID:  e.ID.Hex(),
			Mode:    string(e.Mode),
		}
	case lobby.PasswordChanged:
		kind = proto.KindPasswordChanged
		body = proto.PasswordChangedBody{LobbyID: lobbyID, Hash: e.Hash}
	case lobby.Closed:
		kind = proto.KindLobbyClosed
		body = proto.LobbyClosedBody{LobbyID: lobbyID, AtMs: e.AtMs}
	case lobby.ActivityPlannedEv:
		kind = proto.KindActivityPlanned
		body = proto.ActivityPlannedBody{
			LobbyID:    lobbyID,
			ActivityID: e.ActivityID,
			Kind:       e.Kind,
			Config:     e.Config,
		}
	case lobby.ActivityStartedEv:
		expected := make([]string, 0, len(e.Expected))
		for _, id := range e.Expected {
			expected = append(expected, id.Hex())
		}
		kind = proto.KindActivityStarted
		body = proto.ActivityStartedBody{
			LobbyID:            lobbyID,
			ActivityID:         e.ActivityID,
			StartedAtMs:        e.StartedAtMs,
			ExpectedSubmitters: expected,
		}
	case lobby.ActivityAbandoned:
		kind = proto.KindActivityAbandoned
		body = proto.ActivityAbandonedBody{
			LobbyID:    lobbyID,
			ActivityID: e.ActivityID,
			PeerID:     e.ID.Hex(),
		}
	case lobby.ResultRecorded:
		kind = proto.KindResultRecorded
		body = proto.ResultRecordedBody{
			LobbyID:       lobbyID,
			ActivityID:    e.ActivityID,
			PeerID:        e.ID.Hex(),
			Score:         e.Score,
			ElapsedMs:     e.ElapsedMs,
			SubmittedAtMs: e.SubmittedAtMs,
		}
	case lobby.ActivityCompletedEv:
		kind = proto.KindActivityCompleted
		body = proto.ActivityCompletedBody{
			LobbyID:       lobbyID,
			ActivityID:    e.ActivityID,
			CompletedAtMs: e.CompletedAtMs,
		}
	case lobby.ActivityCancelledEv:
		kind = proto.KindActivityCancelled
		body = proto.ActivityCancelledBody{
			LobbyID:    lobbyID,
			ActivityID: e.ActivityID,
			Reason:     e.Reason,
		}
	case lobby.ActivityRemoved:
		kind = proto.KindActivityRemoved
		body = proto.ActivityRemovedBody{LobbyID: lobbyID, ActivityID: e.ActivityID}
	case lobby.LeaderboardUpdated:
		entries := make([]proto.LeaderboardEntry, 0, len(e.Entries))
		for _, en := range e.Entries {
			entries = append(entries, proto.LeaderboardEntry{
				PeerID:    en.ID.Hex(),
				Name:      en.Name,
				Score:     en.Score,
				ElapsedMs: en.ElapsedMs,
			})
		}
		kind = proto.KindLeaderboardUpdated
		body = proto.LeaderboardUpdatedBody{LobbyID: lobbyID, ActivityID: e.ActivityID, Entries: entries}
	case lobby.ConnectionStatusChanged:
		return proto.Event{}, false, nil
	case lobby.Archived:
		return proto.Event{}, false, nil
	default:
		return proto.Event{}, false, fmt.Errorf("unmapped domain event %T", ev)
	}
	raw, err := proto.MarshalEvent(kind, body)
	if err != nil {
		return proto.Event{}, false, err
	}
	out, err := proto.UnmarshalEvent(raw)
	if err != nil {
		return proto.Event{}, false, err
	}
	return out, true, nil
}
