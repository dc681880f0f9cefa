package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"
)

const (
	TransportCLI     = "cli"
	TransportSession = "session"
)

type Config struct {
	Agent   AgentConfig   `koanf:"agent"`
	Loop    LoopConfig    `koanf:"loop"`
	Quality QualityConfig `koanf:"quality"`
	Storage StorageConfig `koanf:"storage"`
	Log     LogConfig     `koanf:"log"`
	Metrics MetricsConfig `koanf:"metrics"`
	Gate    GateConfig    `koanf:"gate"`
}

type AgentConfig struct {
	// Transport is "cli" (spawn Binary) or "session" (talk to ServerURL).
	Transport         string        `koanf:"transport"`
	Binary            string        `koanf:"binary"`
	Args              []string      `koanf:"args"`
	Model             string        `koanf:"model"`
	ServerURL         string        `koanf:"server_url"`
	Timeout           time.Duration `koanf:"timeout"`
	InactivityTimeout time.Duration `koanf:"inactivity_timeout"`
	KillGrace         time.Duration `koanf:"kill_grace"`
	DrainBound        time.Duration `koanf:"drain_bound"`
	MaxPromptBytes    int           `koanf:"max_prompt_bytes"`
	RecoveryAttempts  int           `koanf:"recovery_attempts"`
}

type LoopConfig struct {
	MaxReviewCycles int  `koanf:"max_review_cycles"`
	Automatic       bool `koanf:"automatic"`
	RequireCommit   bool `koanf:"require_commit"`
}

type QualityConfig struct {
	Commands []string      `koanf:"commands"`
	Timeout  time.Duration `koanf:"timeout"`
}

type StorageConfig struct {
	DataDir string `koanf:"data_dir"`
}

type LogConfig struct {
	Level  string `koanf:"level"`
	Format string `koanf:"format"`
}

type MetricsConfig struct {
	// Textfile, when set, receives the collected metrics on exit in the
	// node_exporter textfile format.
	Textfile string `koanf:"textfile"`
}

type GateConfig struct {
	// Script is a Lua file deciding escalations and resumes unattended.
	Script string `koanf:"script"`
}

// Default returns the configuration used when nothing overrides it.
func Default() (*Config, error) {
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return nil, err
	}
	return &Config{
		Agent: AgentConfig{
			Transport:        TransportCLI,
			Binary:           "claude",
			Args:             []string{"--dangerously-skip-permissions"},
			ServerURL:        "http://127.0.0.1:4096",
			Timeout:          30 * time.Minute,
			KillGrace:        5 * time.Second,
			DrainBound:       2 * time.Second,
			MaxPromptBytes:   100 * 1024,
			RecoveryAttempts: 3,
		},
		Loop: LoopConfig{
			MaxReviewCycles: 5,
		},
		Quality: QualityConfig{
			Timeout: 10 * time.Minute,
		},
		Storage: StorageConfig{
			DataDir: filepath.Join(homeDir, ".shepherd"),
		},
		Log: LogConfig{
			Level:  "info",
			Format: "console",
		},
	}, nil
}

func (c *Config) Validate() error {
	var errs []error
	switch c.Agent.Transport {
	case TransportCLI:
		if c.Agent.Binary == "" {
			errs = append(errs, errors.New("agent.binary is required for the cli transport"))
		}
	case TransportSession:
		if c.Agent.ServerURL == "" {
			errs = append(errs, errors.New("agent.server_url is required for the session transport"))
		}
	default:
		errs = append(errs, fmt.Errorf("agent.transport: unknown transport %q", c.Agent.Transport))
	}
	if c.Agent.Timeout < 0 || c.Agent.InactivityTimeout < 0 {
		errs = append(errs, errors.New("agent timeouts must not be negative"))
	}
	if c.Agent.KillGrace <= 0 || c.Agent.DrainBound <= 0 {
		errs = append(errs, errors.New("agent.kill_grace and agent.drain_bound must be positive"))
	}
	if c.Agent.MaxPromptBytes <= 0 {
		errs = append(errs, errors.New("agent.max_prompt_bytes must be positive"))
	}
	if c.Loop.MaxReviewCycles <= 0 {
		errs = append(errs, errors.New("loop.max_review_cycles must be positive"))
	}
	if c.Quality.Timeout <= 0 {
		errs = append(errs, errors.New("quality.timeout must be positive"))
	}
	if c.Storage.DataDir == "" {
		errs = append(errs, errors.New("storage.data_dir is required"))
	}
	return errors.Join(errs...)
}

func (c *Config) DBPath() string {
	return filepath.Join(c.Storage.DataDir, "shepherd.db")
}

func (c *Config) LocksDir() string {
	return filepath.Join(c.Storage.DataDir, "locks")
}

// LogsDir holds one directory of raw agent event logs per run.
func (c *Config) LogsDir() string {
	return filepath.Join(c.Storage.DataDir, "logs")
}

func (c *Config) EnsureDataDir() error {
	for _, dir := range []string{c.Storage.DataDir, c.LocksDir(), c.LogsDir()} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return err
		}
	}
	return nil
}
