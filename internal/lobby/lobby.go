package lobby

import (
	"fmt"
	"sort"

	"golang.org/x/crypto/bcrypt"

	"konnektsession/internal/guard"
	"konnektsession/internal/identity"
)

// Lobby is the replicated aggregate root. One task owns it; all access from
// other components goes through snapshots.
type Lobby struct {
	ID                 string
	Name               string
	PasswordHash       string
	MaxGuests          int
	Status             Status
	Participants       map[identity.PeerID]*Participant
	Activities         []*Activity
	CurrentActivityID  string
	HostID             identity.PeerID
	HostKeyFingerprint string
	ClosedAtMs         int64
}

// New creates the lobby on the founding peer and seats it as host. The
// returned Created event is informational; the constructor has already
// applied it.
func New(id, name, password string, maxGuests int, hostID identity.PeerID, hostName string, nowMs int64) (*Lobby, Created, error) {
	if maxGuests < 1 || maxGuests > MaxGuestsLimit {
		return nil, Created{}, failf(ErrCapacityExceeded, "maxGuests %d outside 1..%d", maxGuests, MaxGuestsLimit)
	}
	if name == "" || hostName == "" {
		return nil, Created{}, failf(ErrNameAlreadyTaken, "empty name")
	}
	hash := ""
	if password != "" {
		h, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
		if err != nil {
			return nil, Created{}, err
		}
		hash = string(h)
	}
	l := &Lobby{
		ID:                 id,
		Name:               name,
		PasswordHash:       hash,
		MaxGuests:          maxGuests,
		Status:             StatusOpen,
		Participants:       make(map[identity.PeerID]*Participant),
		HostID:             hostID,
		HostKeyFingerprint: identity.Fingerprint(hostID),
	}
	l.Participants[hostID] = &Participant{
		ID:          hostID,
		DisplayName: hostName,
		Role:        RoleHost,
		Mode:        ModeActive,
		JoinedAtMs:  nowMs,
	}
	ev := Created{
		LobbyID:   id,
		Name:      name,
		HostID:    hostID,
		HostName:  hostName,
		MaxGuests: maxGuests,
		HasPw:     hash != "",
		AtMs:      nowMs,
	}
	return l, ev, nil
}

func (l *Lobby) participant(id identity.PeerID) (*Participant, error) {
	p, ok := l.Participants[id]
	if !ok {
		return nil, failf(ErrUnknownParticipant, "%s", id.Hex())
	}
	return p, nil
}

func (l *Lobby) activity(id string) (*Activity, error) {
	for _, a := range l.Activities {
		if a.ID == id {
			return a, nil
		}
	}
	return nil, failf(ErrUnknownActivity, "%s", id)
}

func (l *Lobby) current() *Activity {
	if l.CurrentActivityID == "" {
		return nil
	}
	a, _ := l.activity(l.CurrentActivityID)
	return a
}

func (l *Lobby) requireHost(actor identity.PeerID) error {
	if actor != l.HostID {
		return failf(ErrNotAuthorized, "sender %s is not host", actor.Hex())
	}
	return nil
}

// Handle validates a command, applies the resulting events to the local
// state, and returns them for broadcast. Only the host handles commands;
// replicas apply the broadcast events.
func (l *Lobby) Handle(cmd Command, nowMs int64) ([]Event, error) {
	if l.Status == StatusArchived {
		return nil, fail(ErrArchived)
	}
	switch c := cmd.(type) {
	case JoinLobby:
		return l.handleJoin(c, nowMs)
	case LeaveLobby:
		return l.handleLeave(c, nowMs)
	case KickGuest:
		return l.handleKick(c, nowMs)
	case ToggleParticipationMode:
		return l.handleToggleMode(c, nowMs)
	case ChangePassword:
		return l.handleChangePassword(c)
	case CloseLobby:
		if err := l.requireHost(c.By); err != nil {
			return nil, err
		}
		return l.applyAll(Closed{AtMs: nowMs})
	case DelegateHost:
		return l.handleDelegate(c)
	case PlanActivity:
		return l.handlePlan(c)
	case RemoveActivity:
		return l.handleRemove(c)
	case StartActivity:
		return l.handleStart(c, nowMs)
	case SubmitResult:
		return l.handleSubmit(c, nowMs)
	case CancelActivity:
		return l.handleCancel(c, nowMs)
	default:
		return nil, failf(ErrNotAuthorized, "unknown command %T", cmd)
	}
}

func (l *Lobby) handleJoin(c JoinLobby, nowMs int64) ([]Event, error) {
	if l.Status != StatusOpen {
		return nil, fail(ErrClosed)
	}
	if _, ok := l.Participants[c.By]; ok {
		return nil, failf(ErrNameAlreadyTaken, "already a member")
	}
	if l.PasswordHash != "" {
		if bcrypt.CompareHashAndPassword([]byte(l.PasswordHash), []byte(c.Password)) != nil {
			return nil, fail(ErrInvalidPassword)
		}
	}
	if c.DisplayName == "" {
		return nil, failf(ErrNameAlreadyTaken, "empty display name")
	}
	for _, p := range l.Participants {
		if p.DisplayName == c.DisplayName {
			return nil, fail(ErrNameAlreadyTaken)
		}
	}
	if len(l.Participants) >= l.MaxGuests+1 {
		return nil, fail(ErrLobbyFull)
	}
	return l.applyAll(GuestJoined{
		ID:         c.By,
		Name:       c.DisplayName,
		JoinedAtMs: nowMs,
		Mode:       ModeActive,
	})
}

func (l *Lobby) handleLeave(c LeaveLobby, nowMs int64) ([]Event, error) {
	p, err := l.participant(c.By)
	if err != nil {
		return nil, err
	}
	if p.Role == RoleHost {
		// Host leaving voluntarily delegates first; with nobody left the
		// lobby closes.
		candidate, ok := ElectHost(l, 0)
		if !ok {
			return l.applyAll(GuestLeft{ID: c.By}, Closed{AtMs: nowMs})
		}
		events := []Event{HostDelegated{From: c.By, To: candidate, Reason: DelegationLeave}, GuestLeft{ID: c.By}}
		return l.applyThenComplete(events, nowMs)
	}
	return l.applyThenComplete([]Event{GuestLeft{ID: c.By}}, nowMs)
}

func (l *Lobby) handleKick(c KickGuest, nowMs int64) ([]Event, error) {
	if err := l.requireHost(c.By); err != nil {
		return nil, err
	}
	target, err := l.participant(c.Target)
	if err != nil {
		return nil, err
	}
	if target.Role == RoleHost {
		return nil, failf(ErrNotAuthorized, "cannot kick the host")
	}
	return l.applyThenComplete([]Event{GuestKicked{ID: c.Target}}, nowMs)
}

func (l *Lobby) handleToggleMode(c ToggleParticipationMode, nowMs int64) ([]Event, error) {
	if c.By != c.Target {
		if err := l.requireHost(c.By); err != nil {
			return nil, err
		}
	}
	p, err := l.participant(c.Target)
	if err != nil {
		return nil, err
	}
	next := p.Mode.Toggled()
	cur := l.current()
	if cur != nil {
		_, expected := cur.ExpectedSubmitters[c.Target]
		switch {
		case expected && next == ModeSpectating:
			// Abandoning mid-activity is the one permitted flip.
			events := []Event{
				ModeChanged{ID: c.Target, Mode: next},
				ActivityAbandoned{ActivityID: cur.ID, ID: c.Target},
			}
			return l.applyThenComplete(events, nowMs)
		case l.wasActiveAtStart(cur, c.Target):
			return nil, fail(ErrCannotChangeModeInActivity)
		}
	}
	return l.applyAll(ModeChanged{ID: c.Target, Mode: next})
}

// wasActiveAtStart reports whether the participant was snapshotted into the
// running activity, including those who already submitted or abandoned.
func (l *Lobby) wasActiveAtStart(a *Activity, id identity.PeerID) bool {
	if _, ok := a.ExpectedSubmitters[id]; ok {
		return true
	}
	if _, ok := a.Abandoned[id]; ok {
		return true
	}
	return a.HasResult(id)
}

func (l *Lobby) handleChangePassword(c ChangePassword) ([]Event, error) {
	if err := l.requireHost(c.By); err != nil {
		return nil, err
	}
	hash := ""
	if c.NewPassword != "" {
		h, err := bcrypt.GenerateFromPassword([]byte(c.NewPassword), bcrypt.DefaultCost)
		if err != nil {
			return nil, err
		}
		hash = string(h)
	}
	return l.applyAll(PasswordChanged{Hash: hash})
}

func (l *Lobby) handleDelegate(c DelegateHost) ([]Event, error) {
	if err := l.requireHost(c.By); err != nil {
		return nil, err
	}
	if _, err := l.participant(c.Target); err != nil {
		return nil, err
	}
	if c.Target == l.HostID {
		return nil, failf(ErrNotAuthorized, "target is already host")
	}
	reason := c.Reason
	if reason == "" {
		reason = DelegationManual
	}
	return l.applyAll(HostDelegated{From: c.By, To: c.Target, Reason: reason})
}

func (l *Lobby) handlePlan(c PlanActivity) ([]Event, error) {
	if err := l.requireHost(c.By); err != nil {
		return nil, err
	}
	if c.ActivityID == "" || c.Kind == "" {
		return nil, failf(ErrUnknownActivity, "missing id or kind")
	}
	if a, _ := l.activity(c.ActivityID); a != nil {
		return nil, failf(ErrUnknownActivity, "duplicate id %s", c.ActivityID)
	}
	return l.applyAll(ActivityPlannedEv{ActivityID: c.ActivityID, Kind: c.Kind, Config: c.Config})
}

func (l *Lobby) handleRemove(c RemoveActivity) ([]Event, error) {
	if err := l.requireHost(c.By); err != nil {
		return nil, err
	}
	a, err := l.activity(c.ActivityID)
	if err != nil {
		return nil, err
	}
	if a.Status != ActPlanned {
		return nil, fail(ErrActivityNotPlanned)
	}
	return l.applyAll(ActivityRemoved{ActivityID: c.ActivityID})
}

func (l *Lobby) handleStart(c StartActivity, nowMs int64) ([]Event, error) {
	if err := l.requireHost(c.By); err != nil {
		return nil, err
	}
	a, err := l.activity(c.ActivityID)
	if err != nil {
		return nil, err
	}
	if a.Status != ActPlanned {
		return nil, fail(ErrActivityNotPlanned)
	}
	if l.CurrentActivityID != "" {
		return nil, fail(ErrOnlyOneActivityInProgress)
	}
	// Snapshot the guests who are Active at this instant. The host controls
	// the round and may submit, but completion never waits on it.
	var expected []identity.PeerID
	for id, p := range l.Participants {
		if p.Mode == ModeActive && p.Role != RoleHost {
			expected = append(expected, id)
		}
	}
	sort.Slice(expected, func(i, j int) bool { return identity.LessPeerID(expected[i], expected[j]) })
	events := []Event{ActivityStartedEv{ActivityID: c.ActivityID, StartedAtMs: nowMs, Expected: expected}}
	// A round with nobody to wait for completes immediately.
	return l.applyThenComplete(events, nowMs)
}

func (l *Lobby) handleSubmit(c SubmitResult, nowMs int64) ([]Event, error) {
	p, err := l.participant(c.By)
	if err != nil {
		return nil, err
	}
	a, err := l.activity(c.ActivityID)
	if err != nil {
		return nil, err
	}
	if a.Terminal() {
		return nil, fail(ErrActivityAlreadyCompleted)
	}
	if a.Status != ActInProgress {
		return nil, fail(ErrActivityNotInProgress)
	}
	if p.Mode == ModeSpectating {
		return nil, fail(ErrSpectatorsCannotSubmit)
	}
	if a.HasResult(c.By) {
		return nil, fail(ErrDuplicateResult)
	}
	if _, ok := a.ExpectedSubmitters[c.By]; !ok && c.By != l.HostID {
		return nil, fail(ErrNotExpectedSubmitter)
	}
	events := []Event{ResultRecorded{
		ActivityID:    c.ActivityID,
		ID:            c.By,
		Score:         c.Score,
		ElapsedMs:     c.ElapsedMs,
		SubmittedAtMs: nowMs,
	}}
	return l.applyThenComplete(events, nowMs)
}

func (l *Lobby) handleCancel(c CancelActivity, nowMs int64) ([]Event, error) {
	if err := l.requireHost(c.By); err != nil {
		return nil, err
	}
	a, err := l.activity(c.ActivityID)
	if err != nil {
		return nil, err
	}
	if a.Terminal() {
		return nil, fail(ErrActivityAlreadyCompleted)
	}
	reason := c.Reason
	if reason == "" {
		reason = "cancelled by host"
	}
	return l.applyAll(ActivityCancelledEv{ActivityID: c.ActivityID, Reason: reason})
}

// applyAll applies each event in order and returns them.
func (l *Lobby) applyAll(events ...Event) ([]Event, error) {
	for _, ev := range events {
		if err := l.ApplyEvent(ev); err != nil {
			return nil, err
		}
	}
	return events, nil
}

// applyThenComplete applies the given events, then checks whether the
// running activity finished as a consequence and appends the completion
// events.
func (l *Lobby) applyThenComplete(events []Event, nowMs int64) ([]Event, error) {
	out, err := l.applyAll(events...)
	if err != nil {
		return nil, err
	}
	completion, err := l.completeIfDone(nowMs)
	if err != nil {
		return nil, err
	}
	return append(out, completion...), nil
}

// completeIfDone finishes the current activity when every remaining
// expected submitter has a recorded result.
func (l *Lobby) completeIfDone(nowMs int64) ([]Event, error) {
	a := l.current()
	if a == nil {
		return nil, nil
	}
	for id := range a.ExpectedSubmitters {
		if !a.HasResult(id) {
			return nil, nil
		}
	}
	events := []Event{
		ActivityCompletedEv{ActivityID: a.ID, CompletedAtMs: nowMs},
		LeaderboardUpdated{ActivityID: a.ID, Entries: l.Leaderboard(a)},
	}
	return l.applyAll(events...)
}

// Leaderboard ranks recorded results by score descending, ties broken by
// elapsed time ascending. Spectators never appear.
func (l *Lobby) Leaderboard(a *Activity) []LeaderboardEntry {
	entries := make([]LeaderboardEntry, 0, len(a.Results))
	for _, r := range a.Results {
		name := ""
		if p, ok := l.Participants[r.ParticipantID]; ok {
			if p.Mode == ModeSpectating {
				continue
			}
			name = p.DisplayName
		}
		entries = append(entries, LeaderboardEntry{
			ID:        r.ParticipantID,
			Name:      name,
			Score:     r.Score,
			ElapsedMs: r.ElapsedMs,
		})
	}
	sort.SliceStable(entries, func(i, j int) bool {
		if entries[i].Score != entries[j].Score {
			return entries[i].Score > entries[j].Score
		}
		return entries[i].ElapsedMs < entries[j].ElapsedMs
	})
	return entries
}

// ApplyEvent is the single mutation path. It is mechanical: validation
// happened in Handle on the authoritative side.
func (l *Lobby) ApplyEvent(ev Event) error {
	switch e := ev.(type) {
	case Created:
		// Applied by the constructor; replicas build state from a snapshot.
		return nil
	case GuestJoined:
		l.Participants[e.ID] = &Participant{
			ID:          e.ID,
			DisplayName: e.Name,
			Role:        RoleGuest,
			Mode:        e.Mode,
			JoinedAtMs:  e.JoinedAtMs,
		}
	case GuestLeft:
		l.removeParticipant(e.ID)
	case GuestKicked:
		l.removeParticipant(e.ID)
	case HostDelegated:
		if old, ok := l.Participants[e.From]; ok {
			old.Role = RoleGuest
		}
		next, ok := l.Participants[e.To]
		if !ok {
			return failf(ErrUnknownParticipant, "delegate target %s", e.To.Hex())
		}
		next.Role = RoleHost
		l.HostID = e.To
	case ModeChanged:
		p, ok := l.Participants[e.ID]
		if !ok {
			return failf(ErrUnknownParticipant, "%s", e.ID.Hex())
		}
		p.Mode = e.Mode
	case PasswordChanged:
		l.PasswordHash = e.Hash
	case Closed:
		l.Status = StatusClosed
		l.ClosedAtMs = e.AtMs
	case Archived:
		l.Status = StatusArchived
	case ActivityPlannedEv:
		l.Activities = append(l.Activities, &Activity{
			ID:                 e.ActivityID,
			Kind:               e.Kind,
			Config:             e.Config,
			Status:             ActPlanned,
			ExpectedSubmitters: make(map[identity.PeerID]struct{}),
			Abandoned:          make(map[identity.PeerID]struct{}),
		})
	case ActivityRemoved:
		for i, a := range l.Activities {
			if a.ID == e.ActivityID {
				l.Activities = append(l.Activities[:i], l.Activities[i+1:]...)
				break
			}
		}
	case ActivityStartedEv:
		a, err := l.activity(e.ActivityID)
		if err != nil {
			return err
		}
		a.Status = ActInProgress
		a.StartedAtMs = e.StartedAtMs
		a.ExpectedSubmitters = make(map[identity.PeerID]struct{}, len(e.Expected))
		for _, id := range e.Expected {
			a.ExpectedSubmitters[id] = struct{}{}
		}
		l.CurrentActivityID = e.ActivityID
	case ActivityAbandoned:
		a, err := l.activity(e.ActivityID)
		if err != nil {
			return err
		}
		delete(a.ExpectedSubmitters, e.ID)
		if a.Abandoned == nil {
			a.Abandoned = make(map[identity.PeerID]struct{})
		}
		a.Abandoned[e.ID] = struct{}{}
	case ResultRecorded:
		a, err := l.activity(e.ActivityID)
		if err != nil {
			return err
		}
		if a.HasResult(e.ID) {
			return fail(ErrDuplicateResult)
		}
		a.Results = append(a.Results, Result{
			ParticipantID: e.ID,
			Score:         e.Score,
			ElapsedMs:     e.ElapsedMs,
			SubmittedAtMs: e.SubmittedAtMs,
		})
	case ActivityCompletedEv:
		a, err := l.activity(e.ActivityID)
		if err != nil {
			return err
		}
		a.Status = ActCompleted
		a.CompletedAtMs = e.CompletedAtMs
		if l.CurrentActivityID == e.ActivityID {
			l.CurrentActivityID = ""
		}
	case ActivityCancelledEv:
		a, err := l.activity(e.ActivityID)
		if err != nil {
			return err
		}
		a.Status = ActCancelled
		if l.CurrentActivityID == e.ActivityID {
			l.CurrentActivityID = ""
		}
	case LeaderboardUpdated:
		// Derived data; nothing to mutate.
	case ConnectionStatusChanged:
		if p, ok := l.Participants[e.ID]; ok {
			p.ConnectionStatus = e.Status
		}
	default:
		return fmt.Errorf("unknown event %T", ev)
	}
	return nil
}

// removeParticipant drops a member and discards their partial results in a
// running activity.
func (l *Lobby) removeParticipant(id identity.PeerID) {
	delete(l.Participants, id)
	if a := l.current(); a != nil {
		delete(a.ExpectedSubmitters, id)
		for i, r := range a.Results {
			if r.ParticipantID == id {
				a.Results = append(a.Results[:i], a.Results[i+1:]...)
				break
			}
		}
	}
}

// DepartureEvents is the host-side reaction to a member becoming
// confirmed-disconnected: drop them from the running round and complete it
// if that unblocks completion.
func (l *Lobby) DepartureEvents(id identity.PeerID, nowMs int64) ([]Event, error) {
	if _, ok := l.Participants[id]; !ok {
		return nil, nil
	}
	return l.applyThenComplete([]Event{GuestLeft{ID: id}}, nowMs)
}

// TimeoutEvents cancels the running activity once it exceeds the allowed
// wall-clock duration. Partial results stay on the cancelled record.
func (l *Lobby) TimeoutEvents(nowMs int64, maxAgeMs int64) ([]Event, error) {
	a := l.current()
	if a == nil || nowMs-a.StartedAtMs < maxAgeMs {
		return nil, nil
	}
	return l.applyAll(ActivityCancelledEv{ActivityID: a.ID, Reason: "timed out"})
}

// ArchiveEvents flips a closed lobby to archived after the retention period.
func (l *Lobby) ArchiveEvents(nowMs int64, archiveAfterMs int64) ([]Event, error) {
	if l.Status != StatusClosed || l.ClosedAtMs == 0 || nowMs-l.ClosedAtMs < archiveAfterMs {
		return nil, nil
	}
	return l.applyAll(Archived{})
}

// CheckInvariants verifies the aggregate invariants. It runs after every
// apply in debug mode.
func (l *Lobby) CheckInvariants() error {
	if (l.Status == StatusOpen || l.Status == StatusClosed) && len(l.Participants) > 0 {
		hosts := 0
		for _, p := range l.Participants {
			if p.Role == RoleHost {
				hosts++
			}
		}
		if hosts != 1 {
			return fmt.Errorf("invariant: %d hosts", hosts)
		}
		host, ok := l.Participants[l.HostID]
		if !ok || host.Role != RoleHost {
			return fmt.Errorf("invariant: hostId does not map to a host participant")
		}
	}
	inProgress := 0
	for _, a := range l.Activities {
		if a.Status == ActInProgress {
			inProgress++
			if a.ID != l.CurrentActivityID {
				return fmt.Errorf("invariant: in-progress activity %s is not current", a.ID)
			}
		}
		if a.Status == ActCompleted {
			for _, r := range a.Results {
				if _, ok := a.ExpectedSubmitters[r.ParticipantID]; !ok && r.ParticipantID != l.HostID {
					return fmt.Errorf("invariant: result from unexpected submitter %s", r.ParticipantID.Hex())
				}
			}
		}
	}
	if inProgress > 1 {
		return fmt.Errorf("invariant: %d activities in progress", inProgress)
	}
	names := make(map[string]struct{}, len(l.Participants))
	for _, p := range l.Participants {
		if _, dup := names[p.DisplayName]; dup {
			return fmt.Errorf("invariant: duplicate display name %q", p.DisplayName)
		}
		names[p.DisplayName] = struct{}{}
	}
	if len(l.Participants) > l.MaxGuests+1 {
		return fmt.Errorf("invariant: %d participants over capacity", len(l.Participants))
	}
	if l.MaxGuests > MaxGuestsLimit {
		return fmt.Errorf("invariant: maxGuests %d over limit", l.MaxGuests)
	}
	return nil
}

// ConnectionEvents records a liveness transition observed by the guard.
func (l *Lobby) ConnectionEvents(change guard.LivenessChange) []Event {
	if _, ok := l.Participants[change.Peer]; !ok {
		return nil
	}
	ev := ConnectionStatusChanged{ID: change.Peer, Status: change.New}
	_ = l.ApplyEvent(ev)
	return []Event{ev}
}
