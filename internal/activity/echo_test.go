package activity

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func echoBody(t *testing.T, v any) json.RawMessage {
	t.Helper()
	raw, err := json.Marshal(v)
	require.NoError(t, err)
	return raw
}

func TestEchoScoringCaseSensitive(t *testing.T) {
	cfg := echoBody(t, EchoConfig{Prompt: "Konnekt"})
	cases := []struct {
		response string
		want     int
	}{
		{"Konnekt", 100},
		{"konnekt", 0},
		{"Konnekt ", 0},
		{"", 0},
	}
	for _, c := range cases {
		score, err := EchoChallenge{}.Score(cfg, echoBody(t, EchoResponse{Response: c.response, TimeMs: 10}))
		require.NoError(t, err)
		assert.Equal(t, c.want, score, "response %q", c.response)
	}
}

func TestEchoConfigValidation(t *testing.T) {
	assert.Error(t, EchoChallenge{}.ValidateConfig([]byte(`{}`)))
	assert.Error(t, EchoChallenge{}.ValidateConfig([]byte(`garbage`)))
	assert.NoError(t, EchoChallenge{}.ValidateConfig([]byte(`{"prompt":"Hi","time_limit_ms":5000}`)))
}

func TestRegistry(t *testing.T) {
	r := Default()
	s, err := r.Lookup(EchoKind)
	require.NoError(t, err)
	require.NotNil(t, s)

	_, err = r.Lookup("quiz-v9")
	assert.ErrorIs(t, err, ErrUnknownKind)

	assert.Error(t, r.Register(EchoKind, EchoChallenge{}))
	assert.NoError(t, r.Register("custom-v1", EchoChallenge{}))
}
