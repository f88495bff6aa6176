package proto

import (
	"encoding/json"
	"fmt"
)

// Wire event kinds. These are the payloads carried inside envelopes; the
// domain never sees them directly (the acl package translates).
const (
	KindLobbyCreated             = "lobby_created"
	KindJoinRequest              = "join_request"
	KindGuestJoined              = "guest_joined"
	KindGuestLeft                = "guest_left"
	KindGuestKicked              = "guest_kicked"
	KindHostDelegated            = "host_delegated"
	KindHostClaim                = "host_claim"
	KindHostReclaim              = "host_reclaim"
	KindParticipationModeChanged = "participation_mode_changed"
	KindPasswordChanged          = "password_changed"
	KindLobbyClosed              = "lobby_closed"
	KindActivityPlanned          = "activity_planned"
	KindActivityRemoved          = "activity_removed"
	KindActivityStarted          = "activity_started"
	KindActivityAbandoned        = "activity_abandoned"
	KindSubmitResult             = "submit_result"
	KindResultRecorded           = "result_recorded"
	KindActivityCompleted        = "activity_completed"
	KindActivityCancelled        = "activity_cancelled"
	KindLeaderboardUpdated       = "leaderboard_updated"
	KindStateSnapshot            = "state_snapshot"
	KindHeartbeat                = "heartbeat"
	KindRequestMissing           = "request_missing"
	// command_failed is only ever unicast back to the actor it concerns;
	// it is never broadcast.
	KindCommandFailed = "command_failed"
)

// Event is the envelope payload: a kind tag plus a kind-specific body.
type Event struct {
	Kind string          `json:"kind"`
	Body json.RawMessage `json:"body,omitempty"`
}

func MarshalEvent(kind string, body any) ([]byte, error) {
	ev := Event{Kind: kind}
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			return nil, err
		}
		ev.Body = raw
	}
	return json.Marshal(ev)
}

func UnmarshalEvent(data []byte) (Event, error) {
	var ev Event
	if err := json.Unmarshal(data, &ev); err != nil {
		return Event{}, fmt.Errorf("%w: %v", ErrMalformedEnvelope, err)
	}
	if ev.Kind == "" {
		return Event{}, fmt.Errorf("%w: missing kind", ErrMalformedEnvelope)
	}
	return ev, nil
}

func (e Event) DecodeBody(out any) error {
	if len(e.Body) == 0 {
		return fmt.Errorf("%w: missing body for %s", ErrMalformedEnvelope, e.Kind)
	}
	if err := json.Unmarshal(e.Body, out); err != nil {
		return fmt.Errorf("%w: %s body: %v", ErrMalformedEnvelope, e.Kind, err)
	}
	return nil
}

type LobbyCreatedBody struct {
	LobbyID   string `json:"lobby_id"`
	Name      string `json:"name"`
	HostID    string `json:"host_id"`
	HostName  string `json:"host_name"`
	MaxGuests int    `json:"max_guests"`
	HasPw     bool   `json:"has_pw"`
}

type JoinRequestBody struct {
	LobbyID  string `json:"lobby_id"`
	Name     string `json:"name"`
	Password string `json:"password,omitempty"`
}

type GuestJoinedBody struct {
	LobbyID    string `json:"lobby_id"`
	PeerID     string `json:"peer_id"`
	Name       string `json:"name"`
	JoinedAtMs int64  `json:"joined_at_ms"`
	Mode       string `json:"mode"`
}

type GuestLeftBody struct {
	LobbyID string `json:"lobby_id"`
	PeerID  string `json:"peer_id"`
}

type GuestKickedBody struct {
	LobbyID string `json:"lobby_id"`
	PeerID  string `json:"peer_id"`
}

type HostDelegatedBody struct {
	LobbyID string `json:"lobby_id"`
	FromID  string `json:"from_id"`
	ToID    string `json:"to_id"`
	Reason  string `json:"reason"`
}

type HostClaimBody struct {
	LobbyID    string `json:"lobby_id"`
	PrevHostID string `json:"prev_host_id"`
	JoinedAtMs int64  `json:"joined_at_ms"`
}

type HostReclaimBody struct {
	LobbyID     string `json:"lobby_id"`
	Fingerprint string `json:"fingerprint"`
}

type ParticipationModeChangedBody struct {
	LobbyID string `json:"lobby_id"`
	PeerID  string `json:"peer_id"`
	Mode    string `json:"mode"`
}

type PasswordChangedBody struct {
	LobbyID string `json:"lobby_id"`
	Hash    string `json:"hash"`
}

type LobbyClosedBody struct {
	LobbyID string `json:"lobby_id"`
	AtMs    int64  `json:"at_ms"`
}

type ActivityPlannedBody struct {
	LobbyID    string          `json:"lobby_id"`
	ActivityID string          `json:"activity_id"`
	Kind       string          `json:"activity_kind"`
	Config     json.RawMessage `json:"config,omitempty"`
}

type ActivityRemovedBody struct {
	LobbyID    string `json:"lobby_id"`
	ActivityID string `json:"activity_id"`
}

type ActivityStartedBody struct {
	LobbyID            string   `json:"lobby_id"`
	ActivityID         string   `json:"activity_id"`
	StartedAtMs        int64    `json:"started_at_ms"`
	ExpectedSubmitters []string `json:"expected_submitters"`
}

type ActivityAbandonedBody struct {
	LobbyID    string `json:"lobby_id"`
	ActivityID string `json:"activity_id"`
	PeerID     string `json:"peer_id"`
}

type SubmitResultBody struct {
	LobbyID    string          `json:"lobby_id"`
	ActivityID string          `json:"activity_id"`
	Response   json.RawMessage `json:"response,omitempty"`
	ElapsedMs  int64           `json:"elapsed_ms"`
}

type ResultRecordedBody struct {
	LobbyID       string `json:"lobby_id"`
	ActivityID    string `json:"activity_id"`
	PeerID        string `json:"peer_id"`
	Score         int    `json:"score"`
	ElapsedMs     int64  `json:"elapsed_ms"`
	SubmittedAtMs int64  `json:"submitted_at_ms"`
}

type ActivityCompletedBody struct {
	LobbyID       string `json:"lobby_id"`
	ActivityID    string `json:"activity_id"`
	CompletedAtMs int64  `json:"completed_at_ms"`
}

type ActivityCancelledBody struct {
	LobbyID    string `json:"lobby_id"`
	ActivityID string `json:"activity_id"`
	Reason     string `json:"reason"`
}

type LeaderboardEntry struct {
	PeerID    string `json:"peer_id"`
	Name      string `json:"name"`
	Score     int    `json:"score"`
	ElapsedMs int64  `json:"elapsed_ms"`
}

type LeaderboardUpdatedBody struct {
	LobbyID    string             `json:"lobby_id"`
	ActivityID string             `json:"activity_id"`
	Entries    []LeaderboardEntry `json:"entries"`
}

type StateSnapshotBody struct {
	LobbyID string          `json:"lobby_id"`
	State   json.RawMessage `json:"state"`
}

type RequestMissingBody struct {
	Target string `json:"target"`
	Seq    uint64 `json:"seq"`
}

type CommandFailedBody struct {
	Reason  string `json:"reason"`
	Detail  string `json:"detail,omitempty"`
	Context string `json:"context,omitempty"`
}
