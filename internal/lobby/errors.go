package lobby

import (
	"errors"
	"fmt"
)

// ErrKind is the closed set of machine-readable failure reasons surfaced to
// callers as CommandFailed.
type ErrKind string

const (
	ErrNotAuthorized              ErrKind = "NotAuthorized"
	ErrInvalidPassword            ErrKind = "InvalidPassword"
	ErrLobbyFull                  ErrKind = "LobbyFull"
	ErrNameAlreadyTaken           ErrKind = "NameAlreadyTaken"
	ErrCapacityExceeded           ErrKind = "CapacityExceeded"
	ErrSpectatorsCannotSubmit     ErrKind = "SpectatorsCannotSubmit"
	ErrActivityAlreadyCompleted   ErrKind = "ActivityAlreadyCompleted"
	ErrOnlyOneActivityInProgress  ErrKind = "OnlyOneActivityInProgress"
	ErrCannotChangeModeInActivity ErrKind = "CannotChangeModeDuringActivity"
	ErrArchived                   ErrKind = "Archived"
	ErrClosed                     ErrKind = "Closed"
	ErrUnknownParticipant         ErrKind = "UnknownParticipant"
	ErrUnknownActivity            ErrKind = "UnknownActivity"
	ErrDuplicateResult            ErrKind = "DuplicateResult"
	ErrNotExpectedSubmitter       ErrKind = "NotExpectedSubmitter"
	ErrActivityNotInProgress      ErrKind = "ActivityNotInProgress"
	ErrActivityNotPlanned         ErrKind = "ActivityNotPlanned"
	ErrReclaimRefused             ErrKind = "ReclaimRefused"
	ErrCancelled                  ErrKind = "Cancelled"
)

// CommandError carries one ErrKind through the error chain.
type CommandError struct {
	Kind   ErrKind
	Detail string
}

func (e *CommandError) Error() string {
	if e.Detail == "" {
		return string(e.Kind)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Detail)
}

// Is matches any CommandError carrying the same kind, so callers can write
// errors.Is(err, &CommandError{Kind: ErrLobbyFull}) regardless of detail.
func (e *CommandError) Is(target error) bool {
	var ce *CommandError
	if !errors.As(target, &ce) {
		return false
	}
	return e.Kind == ce.Kind
}

func failf(kind ErrKind, format string, args ...any) error {
	return &CommandError{Kind: kind, Detail: fmt.Sprintf(format, args...)}
}

func fail(kind ErrKind) error {
	return &CommandError{Kind: kind}
}

// KindOf extracts the ErrKind from an error, or "" when it carries none.
func KindOf(err error) ErrKind {
	var ce *CommandError
	if errors.As(err, &ce) {
		return ce.Kind
	}
	return ""
}

// IsKind reports whether err carries the given kind.
func IsKind(err error, kind ErrKind) bool {
	return KindOf(err) == kind
}
