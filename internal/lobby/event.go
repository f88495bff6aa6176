package lobby

import (
	"encoding/json"

	"konnektsession/internal/guard"
	"konnektsession/internal/identity"
)

// Event is an authoritative state change. Only the host emits events; every
// replica (host included) moves state exclusively through ApplyEvent.
type Event interface {
	isEvent()
}

type Created struct {
	LobbyID   string
	Name      string
	HostID    identity.PeerID
	HostName  string
	MaxGuests int
	HasPw     bool
	AtMs      int64
}

type GuestJoined struct {
	ID         identity.PeerID
	Name       string
	JoinedAtMs int64
	Mode       Mode
}

type GuestLeft struct {
	ID identity.PeerID
}

type GuestKicked struct {
	ID identity.PeerID
}

type HostDelegated struct {
	From   identity.PeerID
	To     identity.PeerID
	Reason string
}

type ModeChanged struct {
	ID   identity.PeerID
	Mode Mode
}

type PasswordChanged struct {
	Hash string
}

type Closed struct {
	AtMs int64
}

type Archived struct{}

type ActivityPlannedEv struct {
	ActivityID string
	Kind       string
	Config     json.RawMessage
}

type ActivityRemoved struct {
	ActivityID string
}

type ActivityStartedEv struct {
	ActivityID  string
	StartedAtMs int64
	Expected    []identity.PeerID
}

type ActivityAbandoned struct {
	ActivityID string
	ID         identity.PeerID
}

type ResultRecorded struct {
	ActivityID    string
	ID            identity.PeerID
	Score         int
	ElapsedMs     int64
	SubmittedAtMs int64
}

type ActivityCompletedEv struct {
	ActivityID    string
	CompletedAtMs int64
}

type ActivityCancelledEv struct {
	ActivityID string
	Reason     string
}

type LeaderboardEntry struct {
	ID        identity.PeerID
	Name      string
	Score     int
	ElapsedMs int64
}

type LeaderboardUpdated struct {
	ActivityID string
	Entries    []LeaderboardEntry
}

type ConnectionStatusChanged struct {
	ID     identity.PeerID
	Status guard.ConnectionStatus
}

func (Created) isEvent()                 {}
func (GuestJoined) isEvent()             {}
func (GuestLeft) isEvent()               {}
func (GuestKicked) isEvent()             {}
func (HostDelegated) isEvent()           {}
func (ModeChanged) isEvent()             {}
func (PasswordChanged) isEvent()         {}
func (Closed) isEvent()                  {}
func (Archived) isEvent()                {}
func (ActivityPlannedEv) isEvent()       {}
func (ActivityRemoved) isEvent()         {}
func (ActivityStartedEv) isEvent()       {}
func (ActivityAbandoned) isEvent()       {}
func (ResultRecorded) isEvent()          {}
func (ActivityCompletedEv) isEvent()     {}
func (ActivityCancelledEv) isEvent()     {}
func (LeaderboardUpdated) isEvent()      {}
func (ConnectionStatusChanged) isEvent() {}
