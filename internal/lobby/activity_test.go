package lobby

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"konnektsession/internal/identity"
)

func planAndStart(t *testing.T, l *Lobby, host identity.PeerID, id string, at int64) {
	t.Helper()
	mustHandle(t, l, PlanActivity{By: host, ActivityID: id, Kind: "echo-challenge-v1", Config: []byte(`{"prompt":"Konnekt"}`)}, at)
	mustHandle(t, l, StartActivity{By: host, ActivityID: id}, at)
}

func TestStartSnapshotsActiveGuests(t *testing.T) {
	l, host := newLobby(t, "", 10)
	alice := peer(t, "alice")
	bob := peer(t, "bob")
	carol := peer(t, "carol")
	join(t, l, alice, "Alice", t0)
	join(t, l, bob, "Bob", t0)
	join(t, l, carol, "Carol", t0)
	mustHandle(t, l, ToggleParticipationMode{By: carol, Target: carol}, t0)

	planAndStart(t, l, host, "a1", t0+10)
	a, err := l.activity("a1")
	require.NoError(t, err)
	assert.Equal(t, ActInProgress, a.Status)
	assert.Equal(t, int64(t0+10), a.StartedAtMs)
	assert.Contains(t, a.ExpectedSubmitters, alice)
	assert.Contains(t, a.ExpectedSubmitters, bob)
	assert.NotContains(t, a.ExpectedSubmitters, carol)
	assert.NotContains(t, a.ExpectedSubmitters, host)
}

func TestSecondConcurrentStartRejected(t *testing.T) {
	l, host := newLobby(t, "", 10)
	join(t, l, peer(t, "alice"), "Alice", t0)
	planAndStart(t, l, host, "a1", t0)
	mustHandle(t, l, PlanActivity{By: host, ActivityID: "a2", Kind: "echo-challenge-v1"}, t0)
	_, err := l.Handle(StartActivity{By: host, ActivityID: "a2"}, t0)
	assert.Equal(t, ErrOnlyOneActivityInProgress, KindOf(err))
}

func TestEchoScenarioCompletesWithLeaderboard(t *testing.T) {
	l, host := newLobby(t, "", 10)
	alice := peer(t, "alice")
	bob := peer(t, "bob")
	join(t, l, alice, "Alice", t0)
	join(t, l, bob, "Bob", t0)
	planAndStart(t, l, host, "a1", t0+10)

	events := mustHandle(t, l, SubmitResult{By: alice, ActivityID: "a1", Score: 100, ElapsedMs: 800}, t0+20)
	require.Len(t, events, 1)

	events = mustHandle(t, l, SubmitResult{By: bob, ActivityID: "a1", Score: 0, ElapsedMs: 1200}, t0+30)
	// Last submission completes the round and publishes the leaderboard.
	require.Len(t, events, 3)
	_, ok := events[0].(ResultRecorded)
	require.True(t, ok)
	completed, ok := events[1].(ActivityCompletedEv)
	require.True(t, ok)
	assert.Equal(t, int64(t0+30), completed.CompletedAtMs)
	board, ok := events[2].(LeaderboardUpdated)
	require.True(t, ok)
	require.Len(t, board.Entries, 2)
	assert.Equal(t, alice, board.Entries[0].ID)
	assert.Equal(t, 100, board.Entries[0].Score)
	assert.Equal(t, bob, board.Entries[1].ID)
	assert.Equal(t, 0, board.Entries[1].Score)

	a, _ := l.activity("a1")
	assert.Equal(t, ActCompleted, a.Status)
	assert.Empty(t, l.CurrentActivityID)
}

func TestLeaderboardTieBrokenByElapsed(t *testing.T) {
	l, host := newLobby(t, "", 10)
	alice := peer(t, "alice")
	bob := peer(t, "bob")
	join(t, l, alice, "Alice", t0)
	join(t, l, bob, "Bob", t0)
	planAndStart(t, l, host, "a1", t0)
	mustHandle(t, l, SubmitResult{By: bob, ActivityID: "a1", Score: 100, ElapsedMs: 1500}, t0)
	events := mustHandle(t, l, SubmitResult{By: alice, ActivityID: "a1", Score: 100, ElapsedMs: 700}, t0)
	board := events[len(events)-1].(LeaderboardUpdated)
	assert.Equal(t, alice, board.Entries[0].ID)
	assert.Equal(t, bob, board.Entries[1].ID)
}

func TestSpectatorCannotSubmit(t *testing.T) {
	l, host := newLobby(t, "", 10)
	alice := peer(t, "alice")
	carol := peer(t, "carol")
	join(t, l, alice, "Alice", t0)
	join(t, l, carol, "Carol", t0)
	mustHandle(t, l, ToggleParticipationMode{By: carol, Target: carol}, t0)
	planAndStart(t, l, host, "a1", t0)

	_, err := l.Handle(SubmitResult{By: carol, ActivityID: "a1", Score: 100, ElapsedMs: 100}, t0)
	assert.Equal(t, ErrSpectatorsCannotSubmit, KindOf(err))
	a, _ := l.activity("a1")
	assert.Equal(t, ActInProgress, a.Status)
}

func TestLateSubmissionRejected(t *testing.T) {
	l, host := newLobby(t, "", 10)
	alice := peer(t, "alice")
	bob := peer(t, "bob")
	join(t, l, alice, "Alice", t0)
	join(t, l, bob, "Bob", t0)
	planAndStart(t, l, host, "a1", t0)
	mustHandle(t, l, SubmitResult{By: alice, ActivityID: "a1", Score: 100, ElapsedMs: 100}, t0)
	mustHandle(t, l, SubmitResult{By: bob, ActivityID: "a1", Score: 0, ElapsedMs: 200}, t0)

	_, err := l.Handle(SubmitResult{By: alice, ActivityID: "a1", Score: 100, ElapsedMs: 50}, t0)
	assert.Equal(t, ErrActivityAlreadyCompleted, KindOf(err))
}

func TestDuplicateResultRejected(t *testing.T) {
	l, host := newLobby(t, "", 10)
	alice := peer(t, "alice")
	bob := peer(t, "bob")
	join(t, l, alice, "Alice", t0)
	join(t, l, bob, "Bob", t0)
	planAndStart(t, l, host, "a1", t0)
	mustHandle(t, l, SubmitResult{By: alice, ActivityID: "a1", Score: 100, ElapsedMs: 100}, t0)
	_, err := l.Handle(SubmitResult{By: alice, ActivityID: "a1", Score: 0, ElapsedMs: 50}, t0)
	assert.Equal(t, ErrDuplicateResult, KindOf(err))
}

func TestHostMaySubmitButIsNeverAwaited(t *testing.T) {
	l, host := newLobby(t, "", 10)
	alice := peer(t, "alice")
	join(t, l, alice, "Alice", t0)
	planAndStart(t, l, host, "a1", t0)

	mustHandle(t, l, SubmitResult{By: host, ActivityID: "a1", Score: 100, ElapsedMs: 300}, t0)
	a, _ := l.activity("a1")
	assert.Equal(t, ActInProgress, a.Status)

	events := mustHandle(t, l, SubmitResult{By: alice, ActivityID: "a1", Score: 0, ElapsedMs: 400}, t0)
	board := events[len(events)-1].(LeaderboardUpdated)
	require.Len(t, board.Entries, 2)
	assert.Equal(t, host, board.Entries[0].ID)
}

func TestAbandonMidActivity(t *testing.T) {
	l, host := newLobby(t, "", 10)
	alice := peer(t, "alice")
	bob := peer(t, "bob")
	join(t, l, alice, "Alice", t0)
	join(t, l, bob, "Bob", t0)
	planAndStart(t, l, host, "a1", t0)
	mustHandle(t, l, SubmitResult{By: alice, ActivityID: "a1", Score: 100, ElapsedMs: 100}, t0)

	events := mustHandle(t, l, ToggleParticipationMode{By: bob, Target: bob}, t0+5)
	// Mode change, abandonment, then completion since nobody is awaited.
	require.Len(t, events, 4)
	_, ok := events[1].(ActivityAbandoned)
	require.True(t, ok)
	a, _ := l.activity("a1")
	assert.Equal(t, ActCompleted, a.Status)
	assert.NotContains(t, a.ExpectedSubmitters, bob)
}

func TestAbandonedCannotRejoinRound(t *testing.T) {
	l, host := newLobby(t, "", 10)
	alice := peer(t, "alice")
	bob := peer(t, "bob")
	join(t, l, alice, "Alice", t0)
	join(t, l, bob, "Bob", t0)
	planAndStart(t, l, host, "a1", t0)
	mustHandle(t, l, ToggleParticipationMode{By: bob, Target: bob}, t0)

	// Toggling back to Active during the same round is blocked.
	_, err := l.Handle(ToggleParticipationMode{By: bob, Target: bob}, t0)
	assert.Equal(t, ErrCannotChangeModeInActivity, KindOf(err))
}

func TestSpectatorAtStartMayTurnActiveButIsNotExpected(t *testing.T) {
	l, host := newLobby(t, "", 10)
	alice := peer(t, "alice")
	carol := peer(t, "carol")
	join(t, l, alice, "Alice", t0)
	join(t, l, carol, "Carol", t0)
	mustHandle(t, l, ToggleParticipationMode{By: carol, Target: carol}, t0)
	planAndStart(t, l, host, "a1", t0)

	mustHandle(t, l, ToggleParticipationMode{By: carol, Target: carol}, t0)
	a, _ := l.activity("a1")
	assert.NotContains(t, a.ExpectedSubmitters, carol)
	_, err := l.Handle(SubmitResult{By: carol, ActivityID: "a1", Score: 50, ElapsedMs: 10}, t0)
	assert.Equal(t, ErrNotExpectedSubmitter, KindOf(err))
}

func TestKickDiscardsPartialResultAndCompletes(t *testing.T) {
	l, host := newLobby(t, "", 10)
	alice := peer(t, "alice")
	bob := peer(t, "bob")
	join(t, l, alice, "Alice", t0)
	join(t, l, bob, "Bob", t0)
	planAndStart(t, l, host, "a1", t0)
	mustHandle(t, l, SubmitResult{By: alice, ActivityID: "a1", Score: 100, ElapsedMs: 100}, t0)
	mustHandle(t, l, KickGuest{By: host, Target: alice}, t0)

	a, _ := l.activity("a1")
	assert.False(t, a.HasResult(alice))
	assert.Equal(t, ActInProgress, a.Status)

	mustHandle(t, l, SubmitResult{By: bob, ActivityID: "a1", Score: 0, ElapsedMs: 300}, t0)
	assert.Equal(t, ActCompleted, a.Status)
}

func TestConfirmedDisconnectUnblocksCompletion(t *testing.T) {
	l, host := newLobby(t, "", 10)
	alice := peer(t, "alice")
	bob := peer(t, "bob")
	join(t, l, alice, "Alice", t0)
	join(t, l, bob, "Bob", t0)
	planAndStart(t, l, host, "a1", t0)
	mustHandle(t, l, SubmitResult{By: alice, ActivityID: "a1", Score: 100, ElapsedMs: 100}, t0)

	events, err := l.DepartureEvents(bob, t0+40_000)
	require.NoError(t, err)
	require.NoError(t, l.CheckInvariants())
	require.NotEmpty(t, events)
	a, _ := l.activity("a1")
	assert.Equal(t, ActCompleted, a.Status)
	assert.NotContains(t, l.Participants, bob)
}

func TestCancelPreservesPartialResults(t *testing.T) {
	l, host := newLobby(t, "", 10)
	alice := peer(t, "alice")
	bob := peer(t, "bob")
	join(t, l, alice, "Alice", t0)
	join(t, l, bob, "Bob", t0)
	planAndStart(t, l, host, "a1", t0)
	mustHandle(t, l, SubmitResult{By: alice, ActivityID: "a1", Score: 100, ElapsedMs: 100}, t0)
	mustHandle(t, l, CancelActivity{By: host, ActivityID: "a1"}, t0)

	a, _ := l.activity("a1")
	assert.Equal(t, ActCancelled, a.Status)
	assert.True(t, a.HasResult(alice))
	assert.Empty(t, l.CurrentActivityID)
}

func TestActivityTimeoutAutoCancels(t *testing.T) {
	l, host := newLobby(t, "", 10)
	join(t, l, peer(t, "alice"), "Alice", t0)
	planAndStart(t, l, host, "a1", t0)

	events, err := l.TimeoutEvents(t0+29*60_000, 30*60_000)
	require.NoError(t, err)
	assert.Empty(t, events)

	events, err = l.TimeoutEvents(t0+30*60_000, 30*60_000)
	require.NoError(t, err)
	require.Len(t, events, 1)
	cancelled := events[0].(ActivityCancelledEv)
	assert.Equal(t, "timed out", cancelled.Reason)
	a, _ := l.activity("a1")
	assert.Equal(t, ActCancelled, a.Status)
}

func TestDelegationMidActivityPreservesRound(t *testing.T) {
	l, host := newLobby(t, "", 10)
	alice := peer(t, "alice")
	bob := peer(t, "bob")
	join(t, l, alice, "Alice", t0)
	join(t, l, bob, "Bob", t0)
	planAndStart(t, l, host, "a1", t0)

	mustHandle(t, l, DelegateHost{By: host, Target: alice}, t0)
	a, _ := l.activity("a1")
	assert.Equal(t, ActInProgress, a.Status)

	// The new host inherits control.
	mustHandle(t, l, CancelActivity{By: alice, ActivityID: "a1"}, t0)
	assert.Equal(t, ActCancelled, a.Status)
}

func TestRemoveOnlyPlannedActivities(t *testing.T) {
	l, host := newLobby(t, "", 10)
	join(t, l, peer(t, "alice"), "Alice", t0)
	planAndStart(t, l, host, "a1", t0)
	_, err := l.Handle(RemoveActivity{By: host, ActivityID: "a1"}, t0)
	assert.Equal(t, ErrActivityNotPlanned, KindOf(err))
}
