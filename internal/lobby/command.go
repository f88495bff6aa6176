package lobby

import (
	"encoding/json"

	"konnektsession/internal/identity"
)

// Command is a requested state change. Commands are validated against the
// authority rules and the aggregate invariants before any mutation; the
// resulting events are the only way state moves.
type Command interface {
	Actor() identity.PeerID
	isCommand()
}

type JoinLobby struct {
	By          identity.PeerID
	DisplayName string
	Password    string
}

type LeaveLobby struct {
	By identity.PeerID
}

type KickGuest struct {
	By     identity.PeerID
	Target identity.PeerID
}

type ToggleParticipationMode struct {
	By     identity.PeerID
	Target identity.PeerID
}

type ChangePassword struct {
	By          identity.PeerID
	NewPassword string
}

type CloseLobby struct {
	By identity.PeerID
}

type DelegateHost struct {
	By     identity.PeerID
	Target identity.PeerID
	Reason string
}

type PlanActivity struct {
	By         identity.PeerID
	ActivityID string
	Kind       string
	Config     json.RawMessage
}

type RemoveActivity struct {
	By         identity.PeerID
	ActivityID string
}

type StartActivity struct {
	By         identity.PeerID
	ActivityID string
}

type SubmitResult struct {
	By         identity.PeerID
	ActivityID string
	Score      int
	ElapsedMs  int64
}

type CancelActivity struct {
	By         identity.PeerID
	ActivityID string
	Reason     string
}

func (c JoinLobby) Actor() identity.PeerID               { return c.By }
func (c LeaveLobby) Actor() identity.PeerID              { return c.By }
func (c KickGuest) Actor() identity.PeerID               { return c.By }
func (c ToggleParticipationMode) Actor() identity.PeerID { return c.By }
func (c ChangePassword) Actor() identity.PeerID          { return c.By }
func (c CloseLobby) Actor() identity.PeerID              { return c.By }
func (c DelegateHost) Actor() identity.PeerID            { return c.By }
func (c PlanActivity) Actor() identity.PeerID            { return c.By }
func (c RemoveActivity) Actor() identity.PeerID          { return c.By }
func (c StartActivity) Actor() identity.PeerID           { return c.By }
func (c SubmitResult) Actor() identity.PeerID            { return c.By }
func (c CancelActivity) Actor() identity.PeerID          { return c.By }

func (JoinLobby) isCommand()               {}
func (LeaveLobby) isCommand()              {}
func (KickGuest) isCommand()               {}
func (ToggleParticipationMode) isCommand() {}
func (ChangePassword) isCommand()          {}
func (CloseLobby) isCommand()              {}
func (DelegateHost) isCommand()            {}
func (PlanActivity) isCommand()            {}
func (RemoveActivity) isCommand()          {}
func (StartActivity) isCommand()           {}
func (SubmitResult) isCommand()            {}
func (CancelActivity) isCommand()          {}
