package activity

import (
	"encoding/json"
	"fmt"
)

const EchoKind = "echo-challenge-v1"

// EchoChallenge is the simplest built-in activity: participants receive a
// prompt and must echo it back exactly. Score is 100 on an exact match,
// 0 otherwise.
type EchoChallenge struct{}

type EchoConfig struct {
	Prompt      string `json:"prompt"`
	TimeLimitMs int64  `json:"time_limit_ms,omitempty"`
}

type EchoResponse struct {
	Response string `json:"response"`
	TimeMs   int64  `json:"time_ms"`
}

func (EchoChallenge) ValidateConfig(config json.RawMessage) error {
	var c EchoConfig
	if err := json.Unmarshal(config, &c); err != nil {
		return err
	}
	if c.Prompt == "" {
		return fmt.Errorf("echo config missing prompt")
	}
	return nil
}

func (EchoChallenge) Score(config, response json.RawMessage) (int, error) {
	var c EchoConfig
	if err := json.Unmarshal(config, &c); err != nil {
		return 0, err
	}
	var r EchoResponse
	if err := json.Unmarshal(response, &r); err != nil {
		return 0, err
	}
	if r.Response == c.Prompt {
		return 100, nil
	}
	return 0, nil
}
