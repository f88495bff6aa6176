package lobby

import (
	"encoding/json"
	"sort"

	"konnektsession/internal/guard"
	"konnektsession/internal/identity"
)

// Snapshot is the read-only, serializable view of a lobby. It is what the
// UI sees and what the host unicasts to a newly admitted guest.
type Snapshot struct {
	ID                 string                `json:"id"`
	Name               string                `json:"name"`
	PasswordHash       string                `json:"password_hash,omitempty"`
	MaxGuests          int                   `json:"max_guests"`
	Status             Status                `json:"status"`
	Participants       []ParticipantSnapshot `json:"participants"`
	Activities         []ActivitySnapshot    `json:"activities"`
	CurrentActivityID  string                `json:"current_activity_id,omitempty"`
	HostID             string                `json:"host_id"`
	HostKeyFingerprint string                `json:"host_key_fingerprint"`
	ClosedAtMs         int64                 `json:"closed_at_ms,omitempty"`
}

type ParticipantSnapshot struct {
	ID               string `json:"id"`
	DisplayName      string `json:"display_name"`
	Role             Role   `json:"role"`
	Mode             Mode   `json:"mode"`
	JoinedAtMs       int64  `json:"joined_at_ms"`
	ConnectionStatus string `json:"connection_status"`
}

type ResultSnapshot struct {
	ParticipantID string `json:"participant_id"`
	Score         int    `json:"score"`
	ElapsedMs     int64  `json:"elapsed_ms"`
	SubmittedAtMs int64  `json:"submitted_at_ms"`
}

type ActivitySnapshot struct {
	ID                 string           `json:"id"`
	Kind               string           `json:"kind"`
	Config             json.RawMessage  `json:"config,omitempty"`
	Status             ActivityStatus   `json:"status"`
	StartedAtMs        int64            `json:"started_at_ms,omitempty"`
	CompletedAtMs      int64            `json:"completed_at_ms,omitempty"`
	Results            []ResultSnapshot `json:"results,omitempty"`
	ExpectedSubmitters []string         `json:"expected_submitters,omitempty"`
	Abandoned          []string         `json:"abandoned,omitempty"`
}

func (l *Lobby) Snapshot() Snapshot {
	s := Snapshot{
		ID:                 l.ID,
		Name:               l.Name,
		PasswordHash:       l.PasswordHash,
		MaxGuests:          l.MaxGuests,
		Status:             l.Status,
		CurrentActivityID:  l.CurrentActivityID,
		HostID:             l.HostID.Hex(),
		HostKeyFingerprint: l.HostKeyFingerprint,
		ClosedAtMs:         l.ClosedAtMs,
	}
	for _, p := range l.Participants {
		s.Participants = append(s.Participants, ParticipantSnapshot{
			ID:               p.ID.Hex(),
			DisplayName:      p.DisplayName,
			Role:             p.Role,
			Mode:             p.Mode,
			JoinedAtMs:       p.JoinedAtMs,
			ConnectionStatus: p.ConnectionStatus.String(),
		})
	}
	sort.Slice(s.Participants, func(i, j int) bool { return s.Participants[i].ID < s.Participants[j].ID })
	for _, a := range l.Activities {
		as := ActivitySnapshot{
			ID:            a.ID,
			Kind:          a.Kind,
			Config:        a.Config,
			Status:        a.Status,
			StartedAtMs:   a.StartedAtMs,
			CompletedAtMs: a.CompletedAtMs,
		}
		for _, r := range a.Results {
			as.Results = append(as.Results, ResultSnapshot{
				ParticipantID: r.ParticipantID.Hex(),
				Score:         r.Score,
				ElapsedMs:     r.ElapsedMs,
				SubmittedAtMs: r.SubmittedAtMs,
			})
		}
		for id := range a.ExpectedSubmitters {
			as.ExpectedSubmitters = append(as.ExpectedSubmitters, id.Hex())
		}
		sort.Strings(as.ExpectedSubmitters)
		for id := range a.Abandoned {
			as.Abandoned = append(as.Abandoned, id.Hex())
		}
		sort.Strings(as.Abandoned)
		s.Activities = append(s.Activities, as)
	}
	return s
}

// FromSnapshot rebuilds a replica from a host-provided snapshot.
func FromSnapshot(s Snapshot) (*Lobby, error) {
	hostID, err := identity.PeerIDFromHex(s.HostID)
	if err != nil {
		return nil, err
	}
	l := &Lobby{
		ID:                 s.ID,
		Name:               s.Name,
		PasswordHash:       s.PasswordHash,
		MaxGuests:          s.MaxGuests,
		Status:             s.Status,
		Participants:       make(map[identity.PeerID]*Participant, len(s.Participants)),
		CurrentActivityID:  s.CurrentActivityID,
		HostID:             hostID,
		HostKeyFingerprint: s.HostKeyFingerprint,
		ClosedAtMs:         s.ClosedAtMs,
	}
	for _, ps := range s.Participants {
		id, err := identity.PeerIDFromHex(ps.ID)
		if err != nil {
			return nil, err
		}
		l.Participants[id] = &Participant{
			ID:               id,
			DisplayName:      ps.DisplayName,
			Role:             ps.Role,
			Mode:             ps.Mode,
			JoinedAtMs:       ps.JoinedAtMs,
			ConnectionStatus: parseConnectionStatus(ps.ConnectionStatus),
		}
	}
	for _, as := range s.Activities {
		a := &Activity{
			ID:                 as.ID,
			Kind:               as.Kind,
			Config:             as.Config,
			Status:             as.Status,
			StartedAtMs:        as.StartedAtMs,
			CompletedAtMs:      as.CompletedAtMs,
			ExpectedSubmitters: make(map[identity.PeerID]struct{}, len(as.ExpectedSubmitters)),
			Abandoned:          make(map[identity.PeerID]struct{}, len(as.Abandoned)),
		}
		for _, rs := range as.Results {
			id, err := identity.PeerIDFromHex(rs.ParticipantID)
			if err != nil {
				return nil, err
			}
			a.Results = append(a.Results, Result{
				ParticipantID: id,
				Score:         rs.Score,
				ElapsedMs:     rs.ElapsedMs,
				SubmittedAtMs: rs.SubmittedAtMs,
			})
		}
		for _, hexID := range as.ExpectedSubmitters {
			id, err := identity.PeerIDFromHex(hexID)
			if err != nil {
				return nil, err
			}
			a.ExpectedSubmitters[id] = struct{}{}
		}
		for _, hexID := range as.Abandoned {
			id, err := identity.PeerIDFromHex(hexID)
			if err != nil {
				return nil, err
			}
			a.Abandoned[id] = struct{}{}
		}
		l.Activities = append(l.Activities, a)
	}
	return l, nil
}

func parseConnectionStatus(s string) guard.ConnectionStatus {
	switch s {
	case "suspected":
		return guard.SuspectedDisconnect
	case "confirmed":
		return guard.ConfirmedDisconnect
	default:
		return guard.Online
	}
}
