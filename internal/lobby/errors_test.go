package lobby

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCommandErrorIsMatchesByKind(t *testing.T) {
	err := failf(ErrLobbyFull, "11 of 10 seats taken")
	assert.True(t, errors.Is(err, &CommandError{Kind: ErrLobbyFull}))
	assert.False(t, errors.Is(err, &CommandError{Kind: ErrInvalidPassword}))

	wrapped := fmt.Errorf("join: %w", err)
	assert.True(t, errors.Is(wrapped, &CommandError{Kind: ErrLobbyFull}))
}

func TestKindOfUnwraps(t *testing.T) {
	wrapped := fmt.Errorf("outer: %w", fail(ErrNotAuthorized))
	assert.Equal(t, ErrNotAuthorized, KindOf(wrapped))
	assert.True(t, IsKind(wrapped, ErrNotAuthorized))
	assert.Equal(t, ErrKind(""), KindOf(errors.New("plain")))
}

func TestHandleErrorsSupportErrorsIs(t *testing.T) {
	l, _ := newLobby(t, "", 10)
	_, err := l.Handle(KickGuest{By: peer(t, "stranger"), Target: peer(t, "nobody")}, t0)
	require.Error(t, err)
	assert.True(t, errors.Is(err, &CommandError{Kind: ErrNotAuthorized}))
}
