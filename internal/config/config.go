package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the full tunable surface of a session. Zero values fall back to
// the defaults below; the signalling URL is the only required field for
// networked transports.
type Config struct {
	SignallingURL       string        `yaml:"signalling_url"`
	MaxGuests           int           `yaml:"max_guests"`
	HeartbeatInterval   time.Duration `yaml:"heartbeat_interval"`
	LivenessCheck       time.Duration `yaml:"liveness_check"`
	LivenessSuspected   time.Duration `yaml:"liveness_suspected"`
	LivenessConfirmed   time.Duration `yaml:"liveness_confirmed"`
	StaleMessageMaxAge  time.Duration `yaml:"stale_message_max_age"`
	FutureSkewTolerance time.Duration `yaml:"future_skew_tolerance"`
	ActivityTimeout     time.Duration `yaml:"activity_timeout"`
	ActivityTick        time.Duration `yaml:"activity_tick"`
	ArchivePolicy       time.Duration `yaml:"archive_policy"`
	Encoding            string        `yaml:"encoding"`
	MetricsSnapshotPath string        `yaml:"metrics_snapshot_path"`
}

func Default() Config {
	return Config{
		MaxGuests:           10,
		HeartbeatInterval:   5 * time.Second,
		LivenessCheck:       time.Second,
		LivenessSuspected:   10 * time.Second,
		LivenessConfirmed:   30 * time.Second,
		StaleMessageMaxAge:  60 * time.Second,
		FutureSkewTolerance: 5 * time.Second,
		ActivityTimeout:     30 * time.Minute,
		ActivityTick:        time.Minute,
		ArchivePolicy:       24 * time.Hour,
		Encoding:            "json",
	}
}

// Load reads a YAML config file and applies defaults and env overrides.
func Load(path string) (Config, error) {
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return Config{}, err
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return Config{}, err
		}
	}
	cfg.applyEnv()
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c *Config) applyEnv() {
	if url := os.Getenv("WEBSOCKET_URL"); url != "" {
		c.SignallingURL = url
	}
}

func (c *Config) Validate() error {
	if c.MaxGuests < 1 || c.MaxGuests > 10 {
		return fmt.Errorf("max_guests %d outside 1..10", c.MaxGuests)
	}
	switch c.Encoding {
	case "json", "binary":
	default:
		return fmt.Errorf("encoding must be json or binary, got %q", c.Encoding)
	}
	return nil
}
