package lobby

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"konnektsession/internal/identity"
)

func TestElectHostLowestJoinedAt(t *testing.T) {
	l, _ := newLobby(t, "", 10)
	alice := peer(t, "alice")
	bob := peer(t, "bob")
	join(t, l, alice, "Alice", t0+10)
	join(t, l, bob, "Bob", t0+20)

	winner, ok := ElectHost(l, 0)
	require.True(t, ok)
	assert.Equal(t, alice, winner)
}

func TestElectHostTieBrokenByPeerID(t *testing.T) {
	l, _ := newLobby(t, "", 10)
	alice := peer(t, "alice")
	bob := peer(t, "bob")
	join(t, l, alice, "Alice", t0+10)
	join(t, l, bob, "Bob", t0+10)

	winner, ok := ElectHost(l, 0)
	require.True(t, ok)
	expected := alice
	if identity.LessPeerID(bob, alice) {
		expected = bob
	}
	assert.Equal(t, expected, winner)
}

func TestElectHostDeterministicAcrossReplicas(t *testing.T) {
	build := func() *Lobby {
		l, _ := newLobby(t, "", 10)
		join(t, l, peer(t, "alice"), "Alice", t0+10)
		join(t, l, peer(t, "bob"), "Bob", t0+5)
		join(t, l, peer(t, "carol"), "Carol", t0+5)
		return l
	}
	w1, ok1 := ElectHost(build(), 0)
	w2, ok2 := ElectHost(build(), 0)
	require.True(t, ok1)
	require.True(t, ok2)
	assert.Equal(t, w1, w2)
}

func TestElectHostCutoffExcludesLateJoiners(t *testing.T) {
	l, _ := newLobby(t, "", 10)
	alice := peer(t, "alice")
	join(t, l, alice, "Alice", t0+10)
	// Dave is admitted during the election window.
	dave := peer(t, "dave")
	join(t, l, dave, "Dave", t0+50)

	winner, ok := ElectHost(l, t0+20)
	require.True(t, ok)
	assert.Equal(t, alice, winner)
}

func TestElectHostNobodyLeft(t *testing.T) {
	l, _ := newLobby(t, "", 10)
	_, ok := ElectHost(l, 0)
	assert.False(t, ok)
}

func TestHandleClaimAcceptsElectedCandidate(t *testing.T) {
	l, host := newLobby(t, "", 10)
	alice := peer(t, "alice")
	bob := peer(t, "bob")
	join(t, l, alice, "Alice", t0+10)
	join(t, l, bob, "Bob", t0+20)

	events, err := l.HandleClaim(alice, host, 0)
	require.NoError(t, err)
	require.Len(t, events, 1)
	require.NoError(t, l.CheckInvariants())
	delegated := events[0].(HostDelegated)
	assert.Equal(t, DelegationTimeout, delegated.Reason)
	assert.Equal(t, alice, l.HostID)
	assert.Equal(t, RoleGuest, l.Participants[host].Role)
}

func TestHandleClaimRejectsWrongCandidate(t *testing.T) {
	l, host := newLobby(t, "", 10)
	alice := peer(t, "alice")
	bob := peer(t, "bob")
	join(t, l, alice, "Alice", t0+10)
	join(t, l, bob, "Bob", t0+20)

	_, err := l.HandleClaim(bob, host, 0)
	assert.Equal(t, ErrNotAuthorized, KindOf(err))
	assert.Equal(t, host, l.HostID)
}

func TestHandleClaimRejectsStalePreviousHost(t *testing.T) {
	l, host := newLobby(t, "", 10)
	alice := peer(t, "alice")
	join(t, l, alice, "Alice", t0+10)
	stale := peer(t, "stale")
	_, err := l.HandleClaim(alice, stale, 0)
	assert.Equal(t, ErrNotAuthorized, KindOf(err))
	_ = host
}

func TestReclaimAcceptedBeforeDelegation(t *testing.T) {
	l, host := newLobby(t, "", 10)
	alice := peer(t, "alice")
	join(t, l, alice, "Alice", t0+10)

	// Host drops and rejoins as a guest before any delegation completed.
	mustHandle(t, l, DelegateHost{By: host, Target: alice, Reason: DelegationManual}, t0+20)
	events, err := l.HandleReclaim(host, identity.Fingerprint(host), false)
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, host, l.HostID)
	assert.Equal(t, DelegationReclaim, events[0].(HostDelegated).Reason)
}

func TestReclaimRefusedAfterTimeoutDelegation(t *testing.T) {
	l, host := newLobby(t, "", 10)
	alice := peer(t, "alice")
	bob := peer(t, "bob")
	join(t, l, alice, "Alice", t0+10)
	join(t, l, bob, "Bob", t0+20)

	_, err := l.HandleClaim(alice, host, 0)
	require.NoError(t, err)

	_, err = l.HandleReclaim(host, identity.Fingerprint(host), true)
	assert.Equal(t, ErrReclaimRefused, KindOf(err))
	assert.Equal(t, alice, l.HostID)
}

func TestReclaimRefusedOnFingerprintMismatch(t *testing.T) {
	l, _ := newLobby(t, "", 10)
	impostor := peer(t, "impostor")
	_, err := l.HandleReclaim(impostor, identity.Fingerprint(impostor), false)
	assert.Equal(t, ErrReclaimRefused, KindOf(err))
}

func TestDisputeResolvedByLowerPair(t *testing.T) {
	a := peer(t, "cand-a")
	b := peer(t, "cand-b")
	assert.True(t, LessCandidate(5, a, 10, b))
	assert.True(t, LessCandidate(10, b, 11, a))
	if identity.LessPeerID(a, b) {
		assert.True(t, LessCandidate(7, a, 7, b))
	} else {
		assert.True(t, LessCandidate(7, b, 7, a))
	}
}
