package acl

import (
	"konnektsession/internal/identity"
	"konnektsession/internal/lobby"
	"konnektsession/internal/proto"
)

// ToDomainEvent translates an authoritative wire event into the domain
// event a replica applies directly. The second return is false for kinds
// that are not replica state changes (join requests, submissions, control
// traffic).
func ToDomainEvent(ev proto.Event) (lobby.Event, bool, error) {
	switch ev.Kind {
	case proto.KindGuestJoined:
		var b proto.GuestJoinedBody
		if err := ev.DecodeBody(&b); err != nil {
			return nil, false, err
		}
		id, err := identity.PeerIDFromHex(b.PeerID)
		if err != nil {
			return nil, false, err
		}
		return lobby.GuestJoined{ID: id, Name: b.Name, JoinedAtMs: b.JoinedAtMs, Mode: lobby.Mode(b.Mode)}, true, nil
	case proto.KindGuestLeft:
		var b proto.GuestLeftBody
		if err := ev.DecodeBody(&b); err != nil {
			return nil, false, err
		}
		id, err := identity.PeerIDFromHex(b.PeerID)
		if err != nil {
			return nil, false, err
		}
		return lobby.GuestLeft{ID: id}, true, nil
	case proto.KindGuestKicked:
		var b proto.GuestKickedBody
		if err := ev.DecodeBody(&b); err != nil {
			return nil, false, err
		}
		id, err := identity.PeerIDFromHex(b.PeerID)
		if err != nil {
			return nil, false, err
		}
		return lobby.GuestKicked{ID: id}, true, nil
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
		return lobby.HostDelegated{From: from, To: to, Reason: b.Reason}, true, nil
	case proto.KindParticipationModeChanged:
		var b proto.ParticipationModeChangedBody
		if err := ev.DecodeBody(&b); err != nil {
			return nil, false, err
		}
		id, err := identity.PeerIDFromHex(b.PeerID)
		if err != nil {
			return nil, false, err
		}
		return lobby.ModeChanged{ID: id, Mode: lobby.Mode(b.Mode)}, true, nil
	case proto.KindPasswordChanged:
		var b proto.PasswordChangedBody
		if err := ev.DecodeBody(&b); err != nil {
			return nil, false, err
		}
		return lobby.PasswordChanged{Hash: b.Hash}, true, nil
	case proto.KindLobbyClosed:
		var b proto.LobbyClosedBody
		if err := ev.DecodeBody(&b); err != nil {
			return nil, false, err
		}
		return lobby.Closed{AtMs: b.AtMs}, true, nil
	case proto.KindActivityPlanned:
		var b proto.ActivityPlannedBody
		if err := ev.DecodeBody(&b); err != nil {
			return nil, false, err
		}
		return lobby.ActivityPlannedEv{ActivityID: b.ActivityID, Kind: b.Kind, Config: b.Config}, true, nil
	case proto.KindActivityRemoved:
		var b proto.ActivityRemovedBody
		if err := ev.DecodeBody(&b); err != nil {
			return nil, false, err
		}
		return lobby.ActivityRemoved{ActivityID: b.ActivityID}, true, nil
	case proto.KindActivityStarted:
		var b proto.ActivityStartedBody
		if err := ev.DecodeBody(&b); err != nil {
			return nil, false, err
		}
		expected := make([]identity.PeerID, 0, len(b.ExpectedSubmitters))
		for _, hexID := range b.ExpectedSubmitters {
			id, err := identity.PeerIDFromHex(hexID)
			if err != nil {
				return nil, false, err
			}
			expected = append(expected, id)
		}
		return lobby.ActivityStartedEv{ActivityID: b.ActivityID, StartedAtMs: b.StartedAtMs, Expected: expected}, true, nil
	case proto.KindActivityAbandoned:
		var b proto.ActivityAbandonedBody
		if err := ev.DecodeBody(&b); err != nil {
			return nil, false, err
		}
		id, err := identity.PeerIDFromHex(b.PeerID)
		if err != nil {
			return nil, false, err
		}
		return lobby.ActivityAbandoned{ActivityID: b.ActivityID, ID: id}, true, nil
	case proto.KindResultRecorded:
		var b proto.ResultRecordedBody
		if err := ev.DecodeBody(&b); err != nil {
			return nil, false, err
		}
		id, err := identity.PeerIDFromHex(b.PeerID)
		if err != nil {
			return nil, false, err
		}
		return lobby.ResultRecorded{
			ActivityID:    b.ActivityID,
			ID:            id,
			Score:         b.Score,
			ElapsedMs:     b.ElapsedMs,
			SubmittedAtMs: b.SubmittedAtMs,
		}, true, nil
	case proto.KindActivityCompleted:
		var b proto.ActivityCompletedBody
		if err := ev.DecodeBody(&b); err != nil {
			return nil, false, err
		}
		return lobby.ActivityCompletedEv{ActivityID: b.ActivityID, CompletedAtMs: b.CompletedAtMs}, true, nil
	case proto.KindActivityCancelled:
		var b proto.ActivityCancelledBody
		if err := ev.DecodeBody(&b); err != nil {
			return nil, false, err
		}
		return lobby.ActivityCancelledEv{ActivityID: b.ActivityID, Reason: b.Reason}, true, nil
	case proto.KindLeaderboardUpdated:
		var b proto.LeaderboardUpdatedBody
		if err := ev.DecodeBody(&b); err != nil {
			return nil, false, err
		}
		entries := make([]lobby.LeaderboardEntry, 0, len(b.Entries))
		for _, en := range b.Entries {
			id, err := identity.PeerIDFromHex(en.PeerID)
			if err != nil {
				return nil, false, err
			}
			entries = append(entries, lobby.LeaderboardEntry{
				ID:        id,
				Name:      en.Name,
				Score:     en.Score,
				ElapsedMs: en.ElapsedMs,
			})
		}
		return lobby.LeaderboardUpdated{ActivityID: b.ActivityID, Entries: entries}, true, nil
	default:
		return nil, false, nil
	}
}
